package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Pulse/pkg/cache"
	"Pulse/pkg/devstate"
	"Pulse/pkg/events"
	"Pulse/pkg/scheduler"
)

type submission struct {
	deviceID string
	kind     scheduler.CommandKind
}

type fakeSubmitter struct {
	mu   sync.Mutex
	subs []submission
}

func (f *fakeSubmitter) Submit(ctx context.Context, deviceID string, kind scheduler.CommandKind, pri scheduler.Priority, args ...string) (scheduler.Handle, error) {
	f.mu.Lock()
	f.subs = append(f.subs, submission{deviceID: deviceID, kind: kind})
	f.mu.Unlock()
	return uuid.New(), nil
}

func (f *fakeSubmitter) count(kind scheduler.CommandKind, deviceID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.subs {
		if s.kind == kind && s.deviceID == deviceID {
			n++
		}
	}
	return n
}

func newTestMonitor(t *testing.T, opts ...Option) (*Monitor, *fakeSubmitter, *events.Bus) {
	t.Helper()
	sub := &fakeSubmitter{}
	bus := events.NewBus(zerolog.Nop())
	store := cache.New(zerolog.Nop())
	m := New(sub, store, bus, zerolog.Nop(), opts...)
	t.Cleanup(func() {
		m.Stop()
		bus.Close()
	})
	return m, sub, bus
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal(msg)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func stateChange(deviceID string, from, to devstate.State) events.Event {
	return events.New(events.DeviceStateChanged, deviceID, time.Now(), events.StateChangePayload{From: from, To: to})
}

func TestDiscoveryPolling(t *testing.T) {
	m, sub, _ := newTestMonitor(t, WithPollInterval(10*time.Millisecond))
	m.Start()

	waitUntil(t, func() bool {
		return sub.count(scheduler.KindDiscovery, "") >= 3
	}, "discovery was not polled repeatedly")
}

func TestSetIntervalsAppliesWhileRunning(t *testing.T) {
	m, sub, _ := newTestMonitor(t, WithPollInterval(time.Hour), WithCrashInterval(time.Hour))
	m.Start()

	// At an hour-long interval only the priming submission fires.
	waitUntil(t, func() bool {
		return sub.count(scheduler.KindDiscovery, "") == 1
	}, "priming discovery missing")

	m.SetIntervals(10*time.Millisecond, time.Hour)

	waitUntil(t, func() bool {
		return sub.count(scheduler.KindDiscovery, "") >= 3
	}, "poll interval change did not take effect")
}

func TestInventoryRequestedOnConnect(t *testing.T) {
	m, sub, bus := newTestMonitor(t, WithPollInterval(time.Hour), WithCrashInterval(time.Hour))
	m.Start()

	bus.Publish(stateChange("SERIAL1", devstate.StateDisconnected, devstate.StateConnected))

	waitUntil(t, func() bool {
		return sub.count(scheduler.KindInventory, "SERIAL1") == 1
	}, "inventory not requested after connect")

	// A repeated connected transition must not re-request.
	bus.Publish(stateChange("SERIAL1", devstate.StateConnecting, devstate.StateConnected))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, sub.count(scheduler.KindInventory, "SERIAL1"))
}

func TestCrashScanTracksConnectedSet(t *testing.T) {
	m, sub, bus := newTestMonitor(t, WithPollInterval(time.Hour), WithCrashInterval(10*time.Millisecond))
	m.Start()

	bus.Publish(stateChange("SERIAL1", devstate.StateDisconnected, devstate.StateConnected))
	waitUntil(t, func() bool {
		return sub.count(scheduler.KindCrashScan, "SERIAL1") >= 2
	}, "crash scans not running for connected device")

	bus.Publish(stateChange("SERIAL1", devstate.StateConnected, devstate.StateOffline))
	time.Sleep(30 * time.Millisecond)
	before := sub.count(scheduler.KindCrashScan, "SERIAL1")
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, before, sub.count(scheduler.KindCrashScan, "SERIAL1"),
		"crash scans must stop after the device leaves Connected")
}

func TestRefreshInventoryHighPriority(t *testing.T) {
	m, sub, _ := newTestMonitor(t, WithPollInterval(time.Hour), WithCrashInterval(time.Hour))
	m.Start()

	_, err := m.RefreshInventory(context.Background(), "SERIAL1")
	require.NoError(t, err)
	assert.Equal(t, 1, sub.count(scheduler.KindInventory, "SERIAL1"))
}

func TestSampleMemory(t *testing.T) {
	m, sub, _ := newTestMonitor(t, WithPollInterval(time.Hour), WithCrashInterval(time.Hour))
	m.Start()

	_, err := m.SampleMemory(context.Background(), "SERIAL1", "app.footos")
	require.NoError(t, err)
	assert.Equal(t, 1, sub.count(scheduler.KindMemory, "SERIAL1"))
}
