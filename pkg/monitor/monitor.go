// Package monitor drives the periodic work: device discovery polling,
// inventory refresh on connect, and crash/ANR scanning for connected
// devices. It owns no state beyond the connected set it mirrors from
// the event stream.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"Pulse/pkg/cache"
	"Pulse/pkg/devstate"
	"Pulse/pkg/events"
	"Pulse/pkg/scheduler"
)

const (
	defaultPollInterval  = 2 * time.Second
	defaultCrashInterval = 5 * time.Second
)

// Submitter is the slice of the scheduler the monitor needs.
type Submitter interface {
	Submit(ctx context.Context, deviceID string, kind scheduler.CommandKind, priority scheduler.Priority, args ...string) (scheduler.Handle, error)
}

type Monitor struct {
	sched Submitter
	store *cache.Store
	bus   *events.Bus
	log   zerolog.Logger

	pollInterval  time.Duration
	crashInterval time.Duration
	intervalCh    chan intervals

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type intervals struct {
	poll  time.Duration
	crash time.Duration
}

type Option func(*Monitor)

func WithPollInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

func WithCrashInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.crashInterval = d
		}
	}
}

func New(sched Submitter, store *cache.Store, bus *events.Bus, log zerolog.Logger, opts ...Option) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		sched:         sched,
		store:         store,
		bus:           bus,
		log:           log.With().Str("module", "monitor").Logger(),
		pollInterval:  defaultPollInterval,
		crashInterval: defaultCrashInterval,
		intervalCh:    make(chan intervals, 1),
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
	m.log.Info().Dur("poll", m.pollInterval).Dur("crash", m.crashInterval).Msg("monitor started")
}

func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

// SetIntervals applies new poll and crash-scan intervals to the running
// loops (config hot reload). Non-positive values keep the current
// interval.
func (m *Monitor) SetIntervals(poll, crash time.Duration) {
	select {
	case m.intervalCh <- intervals{poll: poll, crash: crash}:
	case <-m.ctx.Done():
	}
}

// RefreshInventory drops the cached inventory and requeues it at high
// priority. Used for user-triggered refresh.
func (m *Monitor) RefreshInventory(ctx context.Context, deviceID string) (scheduler.Handle, error) {
	m.store.Invalidate(cache.Key{DeviceID: deviceID, Kind: string(scheduler.KindInventory)})
	return m.sched.Submit(ctx, deviceID, scheduler.KindInventory, scheduler.PriorityHigh)
}

// SampleMemory requests a fresh memory snapshot for one package.
func (m *Monitor) SampleMemory(ctx context.Context, deviceID, packageName string) (scheduler.Handle, error) {
	return m.sched.Submit(ctx, deviceID, scheduler.KindMemory, scheduler.PriorityHigh, packageName)
}

// run is the single monitor goroutine. It mirrors connection state from
// the event stream rather than reading registry internals.
func (m *Monitor) run() {
	defer m.wg.Done()

	ch, unsubscribe := m.bus.Subscribe()
	defer unsubscribe()

	poll := time.NewTicker(m.pollInterval)
	defer poll.Stop()
	crash := time.NewTicker(m.crashInterval)
	defer crash.Stop()

	connected := make(map[string]bool)

	// Prime discovery immediately instead of waiting a full interval.
	m.submit("", scheduler.KindDiscovery, scheduler.PriorityNormal)

	for {
		select {
		case <-m.ctx.Done():
			return

		case <-poll.C:
			m.submit("", scheduler.KindDiscovery, scheduler.PriorityNormal)

		case iv := <-m.intervalCh:
			if iv.poll > 0 && iv.poll != m.pollInterval {
				m.pollInterval = iv.poll
				poll.Reset(iv.poll)
			}
			if iv.crash > 0 && iv.crash != m.crashInterval {
				m.crashInterval = iv.crash
				crash.Reset(iv.crash)
			}
			m.log.Info().Dur("poll", m.pollInterval).Dur("crash", m.crashInterval).Msg("intervals updated")

		case <-crash.C:
			for id := range connected {
				m.submit(id, scheduler.KindCrashScan, scheduler.PriorityNormal)
			}

		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Kind != events.DeviceStateChanged {
				continue
			}
			change, ok := ev.Payload.(events.StateChangePayload)
			if !ok {
				continue
			}
			if change.To == devstate.StateConnected {
				if !connected[ev.DeviceID] {
					connected[ev.DeviceID] = true
					m.submit(ev.DeviceID, scheduler.KindInventory, scheduler.PriorityNormal)
				}
			} else {
				delete(connected, ev.DeviceID)
			}
		}
	}
}

func (m *Monitor) submit(deviceID string, kind scheduler.CommandKind, pri scheduler.Priority, args ...string) {
	if _, err := m.sched.Submit(m.ctx, deviceID, kind, pri, args...); err != nil && m.ctx.Err() == nil {
		m.log.Warn().Str("device", deviceID).Str("kind", string(kind)).Err(err).Msg("submit failed")
	}
}
