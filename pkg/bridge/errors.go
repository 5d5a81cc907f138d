package bridge

import (
	"errors"
	"fmt"
)

// FailureKind is the closed set of ways a bridge invocation can fail.
// Consumers are expected to switch on it exhaustively rather than
// matching error strings.
type FailureKind string

const (
	FailExecutableNotFound FailureKind = "executable_not_found"
	FailTimeout            FailureKind = "timeout"
	FailDeviceOffline      FailureKind = "device_offline"
	FailUnauthorized       FailureKind = "unauthorized"
	FailNoSuchPackage      FailureKind = "no_such_package"
	FailParse              FailureKind = "parse_error"
	FailProcess            FailureKind = "process_error"
)

// failureMessages maps each kind to a human-readable message so consumers
// can display a failure without re-deriving cause from raw output.
var failureMessages = map[FailureKind]string{
	FailExecutableNotFound: "diagnostic bridge executable not found; ensure platform tools are installed and on PATH",
	FailTimeout:            "command timed out; check the device connection and try again",
	FailDeviceOffline:      "device is offline; reconnect the device and enable debugging",
	FailUnauthorized:       "device not authorized for debugging; accept the prompt on the device",
	FailNoSuchPackage:      "package not found on device; check the package name",
	FailParse:              "could not parse command output; see attached line",
	FailProcess:            "bridge command failed; see attached output",
}

// Message returns the human-readable description for a failure kind.
func Message(kind FailureKind) string {
	if msg, ok := failureMessages[kind]; ok {
		return msg
	}
	return string(kind)
}

// Retryable reports whether a failure kind is transient. Structural
// failures (missing binary, bad output) never become retryable.
func Retryable(kind FailureKind) bool {
	return kind == FailTimeout || kind == FailDeviceOffline
}

// CommandError is the failure result of a single bridge invocation. It
// carries enough context (stderr, exit code) for consumers to log or
// surface the failure directly.
type CommandError struct {
	Kind     FailureKind
	DeviceID string
	ExitCode int
	Stderr   string
	err      error
}

func (e *CommandError) Error() string {
	if e.DeviceID != "" {
		return fmt.Sprintf("bridge: %s (device %s): %s", e.Kind, e.DeviceID, Message(e.Kind))
	}
	return fmt.Sprintf("bridge: %s: %s", e.Kind, Message(e.Kind))
}

func (e *CommandError) Unwrap() error { return e.err }

// WrapError tags an error from outside the executor (e.g. a parse
// failure on captured output) with a failure kind so it travels the
// same taxonomy as invocation failures.
func WrapError(kind FailureKind, deviceID string, err error) *CommandError {
	return &CommandError{Kind: kind, DeviceID: deviceID, err: err}
}

// KindOf extracts the failure kind from an error chain, defaulting to
// FailProcess for errors that did not originate in the bridge.
func KindOf(err error) FailureKind {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Kind
	}
	return FailProcess
}
