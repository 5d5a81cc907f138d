// Package scheduler dispatches diagnostic commands through a bounded
// worker pool and publishes results as ordered events. All shared state
// (device registry, cache invalidation, pending requests) is owned by a
// single coordinator goroutine; workers only execute and report back.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"Pulse/pkg/bridge"
	"Pulse/pkg/cache"
	"Pulse/pkg/devstate"
	"Pulse/pkg/events"
	"Pulse/pkg/parse"
)

// Handle identifies one submitted request.
type Handle = uuid.UUID

var ErrStopped = errors.New("scheduler stopped")

const (
	defaultWorkers       = 4
	defaultQueueDepth    = 64
	defaultQueueDeadline = 10 * time.Second

	// crashSeenWindow bounds cross-scan crash deduplication. Overlapping
	// log buffer snapshots re-report the same crash for a while.
	crashSeenWindow = 10 * time.Minute
)

type request struct {
	handle     Handle
	deviceID   string
	kind       CommandKind
	priority   Priority
	args       []string
	enqueuedAt time.Time
	deadline   time.Time
	ctx        context.Context
	cancel     context.CancelFunc
	cancelled  bool
	running    bool
}

type completion struct {
	req   *request
	value any
	err   error
}

type ctlMsg struct {
	cancelHandle     *Handle
	disconnectDevice string
}

type Scheduler struct {
	exec     bridge.Runner
	store    *cache.Store
	registry *devstate.Registry
	bus      *events.Bus
	log      zerolog.Logger
	now      func() time.Time

	policyMu sync.RWMutex
	policy   Policy

	workers       int
	queueDepth    int
	queueDeadline time.Duration

	submitCh chan *request
	ctl      chan ctlMsg
	results  chan completion
	done     chan struct{}
	stopped  chan struct{}
}

type Option func(*Scheduler)

func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

func WithQueueDepth(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.queueDepth = n
		}
	}
}

// WithQueueDeadline bounds how long a request may sit queued before it
// is failed with a timeout instead of reaching a worker.
func WithQueueDeadline(d time.Duration) Option {
	return func(s *Scheduler) { s.queueDeadline = d }
}

func WithPolicy(p Policy) Option {
	return func(s *Scheduler) { s.policy = p }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(exec bridge.Runner, store *cache.Store, registry *devstate.Registry, bus *events.Bus, log zerolog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		exec:          exec,
		store:         store,
		registry:      registry,
		bus:           bus,
		policy:        DefaultPolicy(),
		log:           log.With().Str("module", "scheduler").Logger(),
		now:           time.Now,
		workers:       defaultWorkers,
		queueDepth:    defaultQueueDepth,
		queueDeadline: defaultQueueDeadline,
		submitCh:      make(chan *request),
		ctl:           make(chan ctlMsg),
		results:       make(chan completion),
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.run()
	return s
}

// Submit enqueues one command. It blocks while the queue is full
// (backpressure) and returns once the request is accepted. Results
// arrive as events; the handle ties OperationFailed events back to
// this call and feeds Cancel.
func (s *Scheduler) Submit(ctx context.Context, deviceID string, kind CommandKind, priority Priority, args ...string) (Handle, error) {
	if kind != KindDiscovery {
		if err := bridge.ValidateDeviceID(deviceID); err != nil {
			return uuid.Nil, err
		}
	} else if deviceID != "" {
		return uuid.Nil, fmt.Errorf("discovery is fleet-level, submit it without a device id")
	}

	now := s.now()
	reqCtx, cancel := context.WithCancel(context.Background())
	req := &request{
		handle:     uuid.New(),
		deviceID:   deviceID,
		kind:       kind,
		priority:   priority,
		args:       args,
		enqueuedAt: now,
		deadline:   now.Add(s.queueDeadline),
		ctx:        reqCtx,
		cancel:     cancel,
	}

	select {
	case s.submitCh <- req:
		return req.handle, nil
	case <-ctx.Done():
		cancel()
		return uuid.Nil, ctx.Err()
	case <-s.done:
		cancel()
		return uuid.Nil, ErrStopped
	}
}

// Cancel prevents a pending request's result from ever being delivered.
// Queued work is discarded immediately; dispatched work is cancelled
// cooperatively, and the underlying process is torn down unless another
// caller shares its cache key.
func (s *Scheduler) Cancel(handle Handle) {
	h := handle
	select {
	case s.ctl <- ctlMsg{cancelHandle: &h}:
	case <-s.done:
	}
}

// Disconnect cancels all outstanding requests for a device and drops
// its cache entries.
func (s *Scheduler) Disconnect(deviceID string) {
	select {
	case s.ctl <- ctlMsg{disconnectDevice: deviceID}:
	case <-s.done:
	}
}

// SetPolicy swaps the caching and timeout policy at runtime (config hot
// reload). Fetches already in flight keep the policy they started with;
// entries cached under the old TTLs age out on their original clocks.
func (s *Scheduler) SetPolicy(p Policy) {
	s.policyMu.Lock()
	s.policy = p
	s.policyMu.Unlock()
	s.log.Info().Dur("discovery_ttl", p.DiscoveryTTL).Dur("inventory_ttl", p.InventoryTTL).
		Dur("crashscan_ttl", p.CrashScanTTL).Msg("policy updated")
}

func (s *Scheduler) currentPolicy() Policy {
	s.policyMu.RLock()
	defer s.policyMu.RUnlock()
	return s.policy
}

// Stop cancels everything outstanding and waits for workers to drain.
func (s *Scheduler) Stop() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	<-s.stopped
}

// run is the coordinator. It is the only goroutine that touches the
// queues, the pending map, the registry, and the bus.
func (s *Scheduler) run() {
	defer close(s.stopped)

	var queueHigh, queueNormal []*request
	pending := make(map[Handle]*request)
	crashSeen := make(map[string]time.Time)
	running := 0

	queuedLen := func() int { return len(queueHigh) + len(queueNormal) }

	pop := func() *request {
		if len(queueHigh) > 0 {
			r := queueHigh[0]
			queueHigh = queueHigh[1:]
			return r
		}
		if len(queueNormal) > 0 {
			r := queueNormal[0]
			queueNormal = queueNormal[1:]
			return r
		}
		return nil
	}

	for {
		// Fill free worker slots, skipping requests that were cancelled
		// or expired while queued.
		for running < s.workers {
			req := pop()
			if req == nil {
				break
			}
			if req.cancelled {
				delete(pending, req.handle)
				continue
			}
			if s.now().After(req.deadline) {
				delete(pending, req.handle)
				req.cancel()
				s.publishFailure(req, bridge.WrapError(bridge.FailTimeout, req.deviceID,
					fmt.Errorf("expired after %s in queue", s.now().Sub(req.enqueuedAt).Round(time.Millisecond))))
				continue
			}
			req.running = true
			running++
			go s.execute(req)
		}

		// Stop accepting once the queue is at depth; Submit blocks.
		submitCh := s.submitCh
		if queuedLen() >= s.queueDepth {
			submitCh = nil
		}

		select {
		case req := <-submitCh:
			pending[req.handle] = req
			if req.priority == PriorityHigh {
				queueHigh = append(queueHigh, req)
			} else {
				queueNormal = append(queueNormal, req)
			}

		case msg := <-s.ctl:
			if msg.cancelHandle != nil {
				if req, ok := pending[*msg.cancelHandle]; ok {
					req.cancelled = true
					req.cancel()
					if !req.running {
						delete(pending, req.handle)
					}
				}
			}
			if msg.disconnectDevice != "" {
				s.cancelDevice(pending, msg.disconnectDevice)
			}

		case comp := <-s.results:
			running--
			delete(pending, comp.req.handle)
			if !comp.req.cancelled {
				s.finish(comp, pending, crashSeen)
			}
			comp.req.cancel()

		case <-s.done:
			for _, req := range pending {
				req.cancelled = true
				req.cancel()
			}
			for running > 0 {
				comp := <-s.results
				running--
				comp.req.cancel()
			}
			return
		}
	}
}

func (s *Scheduler) execute(req *request) {
	key := cache.Key{
		DeviceID: req.deviceID,
		Kind:     string(req.kind),
		ArgsHash: cache.HashArgs(req.args...),
	}
	value, err := s.store.GetOrFetch(req.ctx, key, s.currentPolicy().ttl(req.kind), func(fctx context.Context) (any, error) {
		return s.fetch(fctx, req.deviceID, req.kind, req.args)
	})
	s.results <- completion{req: req, value: value, err: err}
}

// finish publishes the outcome of one completed request. Runs on the
// coordinator goroutine, so event order follows completion order.
func (s *Scheduler) finish(comp completion, pending map[Handle]*request, crashSeen map[string]time.Time) {
	req := comp.req
	if comp.err != nil {
		s.fail(req, comp.err, pending)
		return
	}

	switch req.kind {
	case KindDiscovery:
		s.applyDiscovery(comp.value.([]parse.DeviceRow), pending)

	case KindInventory:
		packages := comp.value.([]parse.PackageRecord)
		s.publish(events.PackageInventoryUpdated, req.deviceID,
			events.InventoryPayload{Packages: packages})

	case KindMemory:
		snap := comp.value.(*parse.MemorySnapshot)
		s.publish(events.MemorySnapshotReady, req.deviceID,
			events.MemoryPayload{Snapshot: *snap})

	case KindCrashScan:
		now := s.now()
		for k, at := range crashSeen {
			if now.Sub(at) > crashSeenWindow {
				delete(crashSeen, k)
			}
		}
		for _, crash := range comp.value.([]parse.CrashEvent) {
			k := crash.DeviceID + "|" + crash.PackageName + "|" + crash.Signature + "|" +
				crash.OccurredAt.Truncate(time.Second).Format(time.RFC3339)
			if _, dup := crashSeen[k]; dup {
				continue
			}
			crashSeen[k] = now
			s.publish(events.CrashOrAnrDetected, crash.DeviceID,
				events.CrashPayload{Crash: crash})
		}
	}
}

// applyDiscovery feeds a discovery snapshot to the registry and turns
// the result into events. Devices that commit Disconnected or drop out
// of the registry lose their outstanding work and cache entries.
func (s *Scheduler) applyDiscovery(rows []parse.DeviceRow, pending map[Handle]*request) {
	res := s.registry.Sync(rows, s.now())

	s.publish(events.DeviceListUpdated, "",
		events.DeviceListPayload{Devices: s.registry.Snapshot()})

	for _, tr := range res.Transitions {
		s.publish(events.DeviceStateChanged, tr.DeviceID,
			events.StateChangePayload{From: tr.From, To: tr.To})
		if tr.To == devstate.StateDisconnected {
			s.cancelDevice(pending, tr.DeviceID)
		}
	}
	for _, id := range res.Removed {
		s.cancelDevice(pending, id)
	}

	if res.MultipleConnected {
		s.publish(events.MultipleDevices, "",
			events.DeviceListPayload{Devices: s.registry.Snapshot()})
	}
}

// fail maps one failed request onto the error taxonomy: offline and
// unauthorized markers drive the state machine in addition to the
// OperationFailed event, so consumers see a state change rather than a
// bare error.
func (s *Scheduler) fail(req *request, err error, pending map[Handle]*request) {
	kind := bridge.KindOf(err)

	switch kind {
	case bridge.FailDeviceOffline:
		if tr, committed := s.registry.Observe(req.deviceID, parse.PollOffline, s.now()); committed {
			s.publish(events.DeviceStateChanged, tr.DeviceID,
				events.StateChangePayload{From: tr.From, To: tr.To})
		}
	case bridge.FailUnauthorized:
		if tr, committed := s.registry.Observe(req.deviceID, parse.PollUnauthorized, s.now()); committed {
			s.publish(events.DeviceStateChanged, tr.DeviceID,
				events.StateChangePayload{From: tr.From, To: tr.To})
		}
	case bridge.FailExecutableNotFound:
		if req.deviceID != "" {
			if tr, committed := s.registry.ObserveFailure(req.deviceID, s.now()); committed {
				s.publish(events.DeviceStateChanged, tr.DeviceID,
					events.StateChangePayload{From: tr.From, To: tr.To})
			}
		}
	}

	s.publishFailure(req, err)
	s.log.Warn().Str("device", req.deviceID).Str("kind", string(req.kind)).
		Str("error_kind", string(kind)).Err(err).Msg("operation failed")
}

// publish stamps events with the scheduler's clock so event times line
// up with queue deadlines and cache expiry in tests.
func (s *Scheduler) publish(kind events.Kind, deviceID string, payload any) {
	s.bus.Publish(events.New(kind, deviceID, s.now(), payload))
}

func (s *Scheduler) publishFailure(req *request, err error) {
	kind := bridge.KindOf(err)
	raw := ""
	var cmdErr *bridge.CommandError
	if errors.As(err, &cmdErr) {
		raw = cmdErr.Stderr
	}
	var parseErr *parse.Error
	if errors.As(err, &parseErr) {
		raw = parseErr.Line
	}

	s.publish(events.OperationFailed, req.deviceID, events.FailurePayload{
		Handle:      req.handle,
		Kind:        kind,
		CommandKind: string(req.kind),
		Message:     bridge.Message(kind),
		Raw:         raw,
	})
}

// cancelDevice drops every pending request for a device and clears its
// cached results.
func (s *Scheduler) cancelDevice(pending map[Handle]*request, deviceID string) {
	for h, req := range pending {
		if req.deviceID != deviceID {
			continue
		}
		req.cancelled = true
		req.cancel()
		if !req.running {
			delete(pending, h)
		}
	}
	s.store.InvalidateDevice(deviceID)
	s.log.Info().Str("device", deviceID).Msg("outstanding work cancelled after disconnect")
}
