package parse

import "strings"

// PollState is the poll-result vocabulary produced by device discovery.
// It feeds the connection state machine directly.
type PollState string

const (
	PollConnected    PollState = "device"
	PollOffline      PollState = "offline"
	PollUnauthorized PollState = "unauthorized"
	PollConnecting   PollState = "connecting"
	// PollError marks a state string outside the recognized vocabulary.
	// The raw text is preserved on the row for diagnostics.
	PollError PollState = "error"
)

// Transport distinguishes USB serials from network (TCP/mDNS) addresses.
type Transport string

const (
	TransportUSB     Transport = "usb"
	TransportNetwork Transport = "network"
)

// DeviceRow is one entry of a discovery listing.
type DeviceRow struct {
	ID        string
	State     PollState
	Transport Transport
	Model     string
	Raw       string
}

// knownStates maps the bridge's state strings onto the poll vocabulary.
// "no permissions" shows up on Linux without udev rules and behaves
// like an authorization failure.
var knownStates = map[string]PollState{
	"device":       PollConnected,
	"offline":      PollOffline,
	"unauthorized": PollUnauthorized,
	"connecting":   PollConnecting,
	"authorizing":  PollConnecting,
	"no":           PollUnauthorized, // "no permissions (...)"
	"recovery":     PollOffline,
	"sideload":     PollOffline,
}

// Devices parses `devices -l` output. For a header line followed by N
// well-formed lines it returns exactly N rows; rows with unrecognized
// state strings come back with PollError, never dropped.
func Devices(out string) ([]DeviceRow, error) {
	var rows []DeviceRow
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" ||
			strings.HasPrefix(line, "List of devices attached") ||
			strings.HasPrefix(line, "* daemon") {
			continue
		}

		parts := strings.Fields(line)
		if len(parts) < 2 {
			return nil, &Error{Line: line, Reason: "expected '<id> <state>'"}
		}

		row := DeviceRow{
			ID:        parts[0],
			Raw:       line,
			Transport: transportOf(parts[0]),
		}
		state, ok := knownStates[parts[1]]
		if !ok {
			state = PollError
		}
		row.State = state

		for _, p := range parts[2:] {
			if kv := strings.SplitN(p, ":", 2); len(kv) == 2 && kv[0] == "model" {
				row.Model = strings.ReplaceAll(kv[1], "_", " ")
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func transportOf(id string) Transport {
	if strings.Contains(id, ":") || strings.Contains(id, "._tcp") || strings.Contains(id, "._adb-tls-connect") {
		return TransportNetwork
	}
	return TransportUSB
}
