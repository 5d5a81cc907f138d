// Package events carries typed notifications from the telemetry core to
// its consumers. Delivery is ordered per subscriber and never blocks
// the publisher.
package events

import (
	"time"

	"github.com/google/uuid"

	"Pulse/pkg/bridge"
	"Pulse/pkg/devstate"
	"Pulse/pkg/parse"
)

type Kind string

const (
	DeviceListUpdated       Kind = "device_list_updated"
	DeviceStateChanged      Kind = "device_state_changed"
	MultipleDevices         Kind = "multiple_devices"
	PackageInventoryUpdated Kind = "package_inventory_updated"
	MemorySnapshotReady     Kind = "memory_snapshot_ready"
	CrashOrAnrDetected      Kind = "crash_or_anr_detected"
	OperationFailed         Kind = "operation_failed"
)

// Event is one notification. DeviceID is empty for fleet-level kinds
// (DeviceListUpdated, MultipleDevices).
type Event struct {
	ID       uuid.UUID
	Kind     Kind
	DeviceID string
	At       time.Time
	Payload  any
}

// Payload types, one per kind.

type DeviceListPayload struct {
	Devices []devstate.Device
}

type StateChangePayload struct {
	From devstate.State
	To   devstate.State
}

type InventoryPayload struct {
	Packages []parse.PackageRecord
}

type MemoryPayload struct {
	Snapshot parse.MemorySnapshot
}

type CrashPayload struct {
	Crash parse.CrashEvent
}

type FailurePayload struct {
	Handle      uuid.UUID
	Kind        bridge.FailureKind
	CommandKind string
	Message     string
	// Raw carries the original diagnostic output (stderr or the
	// offending parse line) when available.
	Raw string
}

// New stamps an event with a fresh id. The publisher supplies the
// timestamp so components with injected clocks produce assertable
// event times.
func New(kind Kind, deviceID string, at time.Time, payload any) Event {
	return Event{
		ID:       uuid.New(),
		Kind:     kind,
		DeviceID: deviceID,
		At:       at,
		Payload:  payload,
	}
}
