// Package parse turns raw diagnostic-bridge text into typed records.
// Every parser is a pure function: it tolerates banner lines and
// trailing blanks, and it never silently drops a row it cannot
// classify — unrecognized input is surfaced with the offending line
// attached.
package parse

import "fmt"

// Error reports a line the parser could not interpret. The raw line is
// preserved so the failure can be displayed or logged without
// re-running the command.
type Error struct {
	Line   string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("parse: %s (line: %q)", e.Reason, e.Line)
}
