package parse

import (
	"regexp"
	"strings"
	"time"
)

// EventKind classifies a detected application failure.
type EventKind string

const (
	KindCrash EventKind = "crash"
	KindANR   EventKind = "anr"
)

// CrashEvent is one fatal-exception or ANR occurrence found in a log
// buffer snapshot. Events are deduplicated by (package, signature,
// second) within a scan window.
type CrashEvent struct {
	DeviceID    string
	PackageName string
	Kind        EventKind
	Signature   string
	OccurredAt  time.Time
}

// logcat -v time: "01-30 00:17:36.113 E/AndroidRuntime(20805): FATAL EXCEPTION: main"
var logLineRe = regexp.MustCompile(`^(\d{2}-\d{2} \d{2}:\d{2}:\d{2}\.\d{3})\s+([VDIWEF])/([^(]+)\(\s*(\d+)\):\s?(.*)$`)

var (
	processLineRe = regexp.MustCompile(`^Process:\s+([\w.:]+)`)
	anrLineRe     = regexp.MustCompile(`^ANR in ([\w.:]+)(?:\s+\(([^)]+)\))?`)
	// First line of a Java stack trace body, e.g.
	// "java.lang.NullPointerException: Attempt to invoke ...".
	exceptionRe = regexp.MustCompile(`^[\w.$]+(?:Exception|Error)(?::.*)?$`)
)

// pendingCrash is a FATAL EXCEPTION marker whose Process/signature
// lines have not all been seen yet. AndroidRuntime prints them on the
// lines that follow the marker, within the same pid.
type pendingCrash struct {
	pid       string
	at        time.Time
	pkg       string
	signature string
}

// CrashLog makes a single forward pass over a `logcat -d -v time`
// buffer snapshot and emits one event per distinct marker occurrence.
// A crash with no resolvable package is attributed to the nearest
// preceding Process: line, or "unknown" — never dropped.
func CrashLog(out string, now time.Time) []CrashEvent {
	var events []CrashEvent
	seen := make(map[string]struct{})
	pending := make(map[string]*pendingCrash) // pid -> open crash
	lastProcess := "unknown"                  // nearest preceding Process: line

	emit := func(ev CrashEvent) {
		key := ev.PackageName + "|" + ev.Signature + "|" + ev.OccurredAt.Truncate(time.Second).Format(time.RFC3339)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		events = append(events, ev)
	}

	finalize := func(p *pendingCrash) {
		pkg := p.pkg
		if pkg == "" {
			pkg = lastProcess
		}
		sig := p.signature
		if sig == "" {
			sig = "FATAL EXCEPTION"
		}
		emit(CrashEvent{PackageName: pkg, Kind: KindCrash, Signature: sig, OccurredAt: p.at})
	}

	for _, raw := range strings.Split(out, "\n") {
		m := logLineRe.FindStringSubmatch(strings.TrimRight(raw, "\r"))
		if m == nil {
			continue
		}
		ts := parseLogTime(m[1], now)
		pid, msg := m[4], m[5]

		if pm := processLineRe.FindStringSubmatch(msg); pm != nil {
			lastProcess = pm[1]
			if p, ok := pending[pid]; ok && p.pkg == "" {
				p.pkg = pm[1]
			}
			continue
		}

		if strings.HasPrefix(msg, "FATAL EXCEPTION") {
			if p, ok := pending[pid]; ok {
				finalize(p)
			}
			pending[pid] = &pendingCrash{pid: pid, at: ts}
			continue
		}

		if p, ok := pending[pid]; ok && p.signature == "" {
			if exceptionRe.MatchString(msg) {
				p.signature = msg
				finalize(p)
				delete(pending, pid)
			}
			continue
		}

		if am := anrLineRe.FindStringSubmatch(msg); am != nil {
			sig := "ANR in " + am[1]
			if am[2] != "" {
				sig += " (" + am[2] + ")"
			}
			emit(CrashEvent{PackageName: am[1], Kind: KindANR, Signature: sig, OccurredAt: ts})
		}
	}

	// Markers whose stack body was cut off by the end of the buffer.
	for _, p := range pending {
		finalize(p)
	}
	return events
}

// parseLogTime fills in the year logcat omits, stepping back one year
// when the naive result would land in the future (a scan running in
// January over December entries).
func parseLogTime(s string, now time.Time) time.Time {
	t, err := time.ParseInLocation("01-02 15:04:05.000", s, now.Location())
	if err != nil {
		return now
	}
	t = t.AddDate(now.Year(), 0, 0)
	if t.After(now.Add(24 * time.Hour)) {
		t = t.AddDate(-1, 0, 0)
	}
	return t
}
