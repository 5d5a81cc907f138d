package parse

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// MemorySnapshot is the parsed App Summary of a `dumpsys meminfo <pkg>`
// dump. Optional fields are nil when the device's dump omits them —
// never zero, so a reader can tell "not reported" from "0 kB".
type MemorySnapshot struct {
	DeviceID     string
	PackageName  string
	PSSTotalKB   int64
	JavaHeapKB   *int64
	NativeHeapKB *int64
	CodeKB       *int64
	StackKB      *int64
	GraphicsKB   *int64
	CapturedAt   time.Time
}

var (
	totalPSSRe = regexp.MustCompile(`TOTAL\s+PSS:\s+([\d,]+)`)
	// Detail-table fallback: "TOTAL   100386   ..." — first number is PSS.
	// Anchored to line start so "TOTAL PSS:" summary rows don't match.
	totalRowRe = regexp.MustCompile(`(?m)^\s*TOTAL\s+([\d,]+)\s`)
	summaryRe  = regexp.MustCompile(`^([A-Za-z][A-Za-z .]+?):\s+([\d,]+)`)
)

// summaryLabels maps App Summary labels to snapshot fields.
var summaryLabels = map[string]func(*MemorySnapshot, int64){
	"Java Heap":   func(s *MemorySnapshot, v int64) { s.JavaHeapKB = &v },
	"Native Heap": func(s *MemorySnapshot, v int64) { s.NativeHeapKB = &v },
	"Code":        func(s *MemorySnapshot, v int64) { s.CodeKB = &v },
	"Stack":       func(s *MemorySnapshot, v int64) { s.StackKB = &v },
	"Graphics":    func(s *MemorySnapshot, v int64) { s.GraphicsKB = &v },
}

// Meminfo parses a meminfo dump. The caller stamps DeviceID,
// PackageName and CapturedAt. Total PSS is required: a dump without it
// is an Error rather than an empty snapshot.
func Meminfo(out string) (*MemorySnapshot, error) {
	snap := &MemorySnapshot{}

	inSummary := false
	for _, line := range strings.Split(out, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "App Summary") {
			inSummary = true
			continue
		}
		if strings.HasPrefix(trimmed, "Objects") || strings.HasPrefix(trimmed, "SQL") {
			inSummary = false
			continue
		}
		if !inSummary {
			continue
		}
		m := summaryRe.FindStringSubmatch(trimmed)
		if m == nil {
			continue
		}
		label := strings.TrimSpace(m[1])
		set, ok := summaryLabels[label]
		if !ok {
			continue
		}
		v, err := parseKB(m[2])
		if err != nil {
			return nil, &Error{Line: trimmed, Reason: "bad numeric field"}
		}
		set(snap, v)
	}

	if m := totalPSSRe.FindStringSubmatch(out); m != nil {
		v, err := parseKB(m[1])
		if err != nil {
			return nil, &Error{Line: m[0], Reason: "bad TOTAL PSS value"}
		}
		snap.PSSTotalKB = v
		return snap, nil
	}

	// Older dumps have no App Summary; fall back to the detail table's
	// TOTAL row, whose first column is PSS.
	if m := totalRowRe.FindStringSubmatch(out); m != nil {
		v, err := parseKB(m[1])
		if err != nil {
			return nil, &Error{Line: m[0], Reason: "bad TOTAL row value"}
		}
		snap.PSSTotalKB = v
		return snap, nil
	}

	return nil, &Error{Line: firstLine(out), Reason: "no TOTAL PSS found in meminfo dump"}
}

// parseKB converts a labeled numeric field, stripping thousands
// separators and unit suffixes ("12,345 kB" -> 12345).
func parseKB(s string) (int64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "kB")
	s = strings.TrimSuffix(s, "K")
	s = strings.ReplaceAll(s, ",", "")
	return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
