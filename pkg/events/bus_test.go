package events

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStampsCallerTimestamp(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	ev := New(CrashOrAnrDetected, "SERIAL1", at, nil)
	assert.Equal(t, at, ev.At, "event must carry the caller-supplied time")
	assert.NotEqual(t, uuid.Nil, ev.ID)
}

func TestBusDeliversInPublishOrder(t *testing.T) {
	b := NewBus(zerolog.Nop())
	defer b.Close()

	ch, cancel := b.Subscribe()
	defer cancel()

	const n = 500
	for i := 0; i < n; i++ {
		b.Publish(New(DeviceStateChanged, fmt.Sprintf("dev-%d", i), time.Now(), nil))
	}

	for i := 0; i < n; i++ {
		select {
		case ev := <-ch:
			require.Equal(t, fmt.Sprintf("dev-%d", i), ev.DeviceID, "event %d out of order", i)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestBusPublishNeverBlocks(t *testing.T) {
	b := NewBus(zerolog.Nop())
	defer b.Close()

	// Subscriber that never reads.
	_, cancel := b.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10000; i++ {
			b.Publish(New(MemorySnapshotReady, "SERIAL1", time.Now(), nil))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}

func TestBusIndependentSubscribers(t *testing.T) {
	b := NewBus(zerolog.Nop())
	defer b.Close()

	chA, cancelA := b.Subscribe()
	defer cancelA()
	chB, cancelB := b.Subscribe()
	defer cancelB()

	b.Publish(New(DeviceListUpdated, "", time.Now(), nil))

	for _, ch := range []<-chan Event{chA, chB} {
		select {
		case ev := <-ch:
			assert.Equal(t, DeviceListUpdated, ev.Kind)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus(zerolog.Nop())
	defer b.Close()

	ch, cancel := b.Subscribe()
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel must be closed after unsubscribe")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}

	// Publishing after unsubscribe must not panic or deliver.
	b.Publish(New(OperationFailed, "SERIAL1", time.Now(), nil))
}

func TestBusCloseStopsAll(t *testing.T) {
	b := NewBus(zerolog.Nop())
	ch, _ := b.Subscribe()
	b.Close()

	for {
		if _, ok := <-ch; !ok {
			return
		}
	}
}
