// Package devstate tracks per-device connection state. Transitions
// away from Connected are debounced: a single flapped poll never
// commits, two consecutive agreeing polls do. Recovery into Connected
// commits on the first success.
package devstate

import (
	"time"

	"Pulse/pkg/parse"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateUnauthorized State = "unauthorized"
	StateOffline      State = "offline"
	StateError        State = "error"
)

// Transition is one committed state change. Exactly one is emitted per
// commit, in order, per device.
type Transition struct {
	DeviceID string
	From     State
	To       State
	At       time.Time
}

// Device is a single tracked device. Mutated only by its owning
// Registry; consumers receive copies.
type Device struct {
	ID              string
	Transport       parse.Transport
	Model           string
	State           State
	LastConfirmedAt time.Time

	// Debounce bookkeeping for leaving Connected.
	pendingState  State
	mismatchCount int

	lastSeen time.Time
}

func pollTarget(p parse.PollState) State {
	switch p {
	case parse.PollConnected:
		return StateConnected
	case parse.PollOffline:
		return StateOffline
	case parse.PollUnauthorized:
		return StateUnauthorized
	case parse.PollConnecting:
		return StateConnecting
	default:
		return StateError
	}
}

// observe applies one poll result and reports the committed transition,
// if any.
func (d *Device) observe(p parse.PollState, at time.Time) (Transition, bool) {
	d.lastSeen = at
	target := pollTarget(p)

	// Any readable poll pulls an errored device back through
	// Connecting before normal rules resume.
	if d.State == StateError && target != StateError {
		target = StateConnecting
	}

	if target == d.State {
		d.pendingState = ""
		d.mismatchCount = 0
		d.LastConfirmedAt = at
		return Transition{}, false
	}

	if d.State == StateConnected && target != StateConnected {
		if d.pendingState != target {
			d.pendingState = target
			d.mismatchCount = 1
			return Transition{}, false
		}
		d.mismatchCount++
		if d.mismatchCount < 2 {
			return Transition{}, false
		}
	}

	return d.commit(target, at), true
}

// observeAbsent handles a device missing from a discovery snapshot,
// which is treated as a Disconnected poll and debounced the same way.
func (d *Device) observeAbsent(at time.Time) (Transition, bool) {
	if d.State == StateDisconnected {
		return Transition{}, false
	}
	target := StateDisconnected
	if d.State == StateConnected {
		if d.pendingState != target {
			d.pendingState = target
			d.mismatchCount = 1
			return Transition{}, false
		}
		d.mismatchCount++
		if d.mismatchCount < 2 {
			return Transition{}, false
		}
	}
	return d.commit(target, at), true
}

// observeFailure forces the Error state after an unrecoverable
// executor failure. No debounce: a dead bridge is not a flap.
func (d *Device) observeFailure(at time.Time) (Transition, bool) {
	if d.State == StateError {
		return Transition{}, false
	}
	return d.commit(StateError, at), true
}

func (d *Device) commit(target State, at time.Time) Transition {
	tr := Transition{DeviceID: d.ID, From: d.State, To: target, At: at}
	d.State = target
	d.pendingState = ""
	d.mismatchCount = 0
	d.LastConfirmedAt = at
	return tr
}
