package devstate

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"Pulse/pkg/parse"
)

const defaultRemovalGrace = 10 * time.Second

// Registry holds one state machine per discovered device and is the
// only writer of device state.
type Registry struct {
	mu      sync.Mutex
	devices map[string]*Device
	grace   time.Duration
	log     zerolog.Logger
}

// SyncResult reports what one discovery snapshot changed.
type SyncResult struct {
	Transitions []Transition
	Added       []string
	Removed     []string
	// MultipleConnected is informational: more than one device is
	// simultaneously Connected. Never an error.
	MultipleConnected bool
}

type RegistryOption func(*Registry)

// WithRemovalGrace overrides how long an absent device lingers before
// it is dropped from the registry.
func WithRemovalGrace(d time.Duration) RegistryOption {
	return func(r *Registry) { r.grace = d }
}

func NewRegistry(log zerolog.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		devices: make(map[string]*Device),
		grace:   defaultRemovalGrace,
		log:     log.With().Str("module", "devstate").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Sync applies one discovery snapshot. New devices are created, listed
// devices are fed to their machines, absent devices are debounced
// toward Disconnected and dropped once the grace period passes.
func (r *Registry) Sync(rows []parse.DeviceRow, at time.Time) SyncResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res SyncResult
	listed := make(map[string]bool, len(rows))

	for _, row := range rows {
		listed[row.ID] = true
		d, ok := r.devices[row.ID]
		if !ok {
			d = &Device{
				ID:        row.ID,
				Transport: row.Transport,
				Model:     row.Model,
				State:     StateDisconnected,
				lastSeen:  at,
			}
			r.devices[row.ID] = d
			res.Added = append(res.Added, row.ID)
			r.log.Info().Str("device", row.ID).Str("transport", string(row.Transport)).Msg("device discovered")
		}
		if row.Model != "" {
			d.Model = row.Model
		}
		if tr, committed := d.observe(row.State, at); committed {
			res.Transitions = append(res.Transitions, tr)
		}
	}

	for id, d := range r.devices {
		if listed[id] {
			continue
		}
		if tr, committed := d.observeAbsent(at); committed {
			res.Transitions = append(res.Transitions, tr)
		}
		if d.State == StateDisconnected && at.Sub(d.lastSeen) >= r.grace {
			delete(r.devices, id)
			res.Removed = append(res.Removed, id)
			r.log.Info().Str("device", id).Msg("device removed")
		}
	}

	connected := 0
	for _, d := range r.devices {
		if d.State == StateConnected {
			connected++
		}
	}
	res.MultipleConnected = connected > 1

	for _, tr := range res.Transitions {
		r.log.Info().Str("device", tr.DeviceID).
			Str("from", string(tr.From)).Str("to", string(tr.To)).
			Msg("state transition")
	}
	return res
}

// Observe feeds a single out-of-band poll result for one device, e.g.
// an offline or unauthorized marker seen on a command's stderr between
// discovery cycles. Debounce rules apply as usual.
func (r *Registry) Observe(deviceID string, p parse.PollState, at time.Time) (Transition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return Transition{}, false
	}
	return d.observe(p, at)
}

// ObserveFailure marks a device Errored after an unrecoverable
// executor failure.
func (r *Registry) ObserveFailure(deviceID string, at time.Time) (Transition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return Transition{}, false
	}
	tr, committed := d.observeFailure(at)
	if committed {
		r.log.Warn().Str("device", deviceID).Msg("device entered error state")
	}
	return tr, committed
}

// State returns a device's current committed state.
func (r *Registry) State(deviceID string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return "", false
	}
	return d.State, true
}

// Snapshot returns copies of all tracked devices, ordered by id.
func (r *Registry) Snapshot() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
