package scheduler

import "time"

// CommandKind names the operations the scheduler knows how to run.
type CommandKind string

const (
	// KindDiscovery lists attached devices. Fleet-level: submitted with
	// an empty device id.
	KindDiscovery CommandKind = "discovery"
	// KindInventory lists installed packages across the system, user
	// and disabled listing variants.
	KindInventory CommandKind = "inventory"
	// KindMemory samples one package's memory usage. args[0] is the
	// package name.
	KindMemory CommandKind = "memory"
	// KindCrashScan reads the log buffer and extracts crash/ANR events.
	KindCrashScan CommandKind = "crashscan"
)

type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// Policy is the single home for all caching TTLs and per-kind command
// timeouts. No component keeps its own shadow cache or ad hoc TTL.
type Policy struct {
	DiscoveryTTL time.Duration
	InventoryTTL time.Duration
	// MemoryTTL of 0 means memory samples are always fetched fresh;
	// concurrent requests still share one fetch.
	MemoryTTL    time.Duration
	CrashScanTTL time.Duration

	DiscoveryTimeout time.Duration
	InventoryTimeout time.Duration
	MemoryTimeout    time.Duration
	CrashScanTimeout time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		DiscoveryTTL: 2 * time.Second,
		InventoryTTL: 30 * time.Second,
		MemoryTTL:    0,
		CrashScanTTL: 5 * time.Second,

		DiscoveryTimeout: 5 * time.Second,
		InventoryTimeout: 30 * time.Second,
		MemoryTimeout:    15 * time.Second,
		CrashScanTimeout: 15 * time.Second,
	}
}

func (p Policy) ttl(kind CommandKind) time.Duration {
	switch kind {
	case KindDiscovery:
		return p.DiscoveryTTL
	case KindInventory:
		return p.InventoryTTL
	case KindMemory:
		return p.MemoryTTL
	case KindCrashScan:
		return p.CrashScanTTL
	default:
		return 0
	}
}

func (p Policy) timeout(kind CommandKind) time.Duration {
	switch kind {
	case KindDiscovery:
		return p.DiscoveryTimeout
	case KindInventory:
		return p.InventoryTimeout
	case KindMemory:
		return p.MemoryTimeout
	case KindCrashScan:
		return p.CrashScanTimeout
	default:
		return 15 * time.Second
	}
}
