package devstate

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"Pulse/pkg/parse"
)

func row(id string, state parse.PollState) parse.DeviceRow {
	return parse.DeviceRow{ID: id, State: state, Transport: parse.TransportUSB}
}

func TestSyncAddsAndConnects(t *testing.T) {
	r := NewRegistry(zerolog.Nop())

	res := r.Sync([]parse.DeviceRow{row("A", parse.PollConnected)}, time.Unix(0, 0))
	if len(res.Added) != 1 || res.Added[0] != "A" {
		t.Fatalf("added = %v", res.Added)
	}
	if len(res.Transitions) != 1 || res.Transitions[0].To != StateConnected {
		t.Fatalf("transitions = %+v", res.Transitions)
	}

	st, ok := r.State("A")
	if !ok || st != StateConnected {
		t.Errorf("state = %s ok=%v", st, ok)
	}
}

func TestSyncDebouncesAbsence(t *testing.T) {
	r := NewRegistry(zerolog.Nop(), WithRemovalGrace(time.Minute))
	at := time.Unix(0, 0)
	r.Sync([]parse.DeviceRow{row("A", parse.PollConnected)}, at)

	// One empty snapshot: no commit yet.
	res := r.Sync(nil, at.Add(2*time.Second))
	if len(res.Transitions) != 0 {
		t.Fatalf("transitions after single absence = %+v", res.Transitions)
	}

	// Second consecutive absence commits Disconnected.
	res = r.Sync(nil, at.Add(4*time.Second))
	if len(res.Transitions) != 1 || res.Transitions[0].To != StateDisconnected {
		t.Fatalf("transitions = %+v, want connected->disconnected", res.Transitions)
	}
}

func TestSyncRemovesAfterGrace(t *testing.T) {
	r := NewRegistry(zerolog.Nop(), WithRemovalGrace(10*time.Second))
	at := time.Unix(0, 0)
	r.Sync([]parse.DeviceRow{row("A", parse.PollConnected)}, at)

	r.Sync(nil, at.Add(2*time.Second))
	res := r.Sync(nil, at.Add(4*time.Second))
	if len(res.Removed) != 0 {
		t.Fatal("device removed before grace elapsed")
	}

	res = r.Sync(nil, at.Add(15*time.Second))
	if len(res.Removed) != 1 || res.Removed[0] != "A" {
		t.Fatalf("removed = %v, want [A]", res.Removed)
	}
	if _, ok := r.State("A"); ok {
		t.Error("removed device still tracked")
	}
}

func TestSyncFlapSuppressionEndToEnd(t *testing.T) {
	// Poll sequence Connected, Offline, Connected: the committed state
	// never leaves Connected and no transition fires after the initial
	// connect.
	r := NewRegistry(zerolog.Nop())
	at := time.Unix(0, 0)
	r.Sync([]parse.DeviceRow{row("A", parse.PollConnected)}, at)

	var transitions int
	for i, p := range []parse.PollState{parse.PollOffline, parse.PollConnected} {
		res := r.Sync([]parse.DeviceRow{row("A", p)}, at.Add(time.Duration(i+1)*time.Second))
		transitions += len(res.Transitions)
	}
	if transitions != 0 {
		t.Errorf("got %d transitions for a flapped poll, want 0", transitions)
	}
}

func TestSyncMultipleConnectedFlag(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	rows := []parse.DeviceRow{row("A", parse.PollConnected), row("B", parse.PollConnected)}
	res := r.Sync(rows, time.Unix(0, 0))
	if !res.MultipleConnected {
		t.Error("MultipleConnected not reported with two connected devices")
	}

	// B going absent is debounced; after the second absence its state
	// commits Disconnected and the flag clears.
	r.Sync([]parse.DeviceRow{row("A", parse.PollConnected)}, time.Unix(5, 0))
	res = r.Sync([]parse.DeviceRow{row("A", parse.PollConnected)}, time.Unix(10, 0))
	if res.MultipleConnected {
		t.Error("MultipleConnected still set with one connected device")
	}
}

func TestObserveFailureUnknownDevice(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	if _, committed := r.ObserveFailure("GHOST", time.Unix(0, 0)); committed {
		t.Error("failure on untracked device must not commit")
	}
}

func TestSnapshotOrdered(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	r.Sync([]parse.DeviceRow{row("B", parse.PollConnected), row("A", parse.PollOffline)}, time.Unix(0, 0))

	snap := r.Snapshot()
	if len(snap) != 2 || snap[0].ID != "A" || snap[1].ID != "B" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap[1].State != StateConnected {
		t.Errorf("B state = %s", snap[1].State)
	}
}
