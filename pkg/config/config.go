// Package config loads the JSON configuration file and watches it for
// changes. All tunables have working defaults: an absent file is not an
// error.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Duration is a time.Duration that marshals as a string ("2s", "1m").
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	// BridgePath locates the diagnostic bridge binary; empty means
	// look up "adb" on PATH.
	BridgePath string `json:"bridgePath"`

	Workers       int      `json:"workers"`
	QueueDepth    int      `json:"queueDepth"`
	QueueDeadline Duration `json:"queueDeadline"`

	PollInterval  Duration `json:"pollInterval"`
	CrashInterval Duration `json:"crashInterval"`
	RemovalGrace  Duration `json:"removalGrace"`

	DiscoveryTTL Duration `json:"discoveryTTL"`
	InventoryTTL Duration `json:"inventoryTTL"`
	CrashScanTTL Duration `json:"crashScanTTL"`

	LogLevel string `json:"logLevel"`
	// LogFormat is "console" or "json".
	LogFormat string `json:"logFormat"`
}

func Default() Config {
	return Config{
		Workers:       4,
		QueueDepth:    64,
		QueueDeadline: Duration(10 * time.Second),
		PollInterval:  Duration(2 * time.Second),
		CrashInterval: Duration(5 * time.Second),
		RemovalGrace:  Duration(10 * time.Second),
		DiscoveryTTL:  Duration(2 * time.Second),
		InventoryTTL:  Duration(30 * time.Second),
		CrashScanTTL:  Duration(5 * time.Second),
		LogLevel:      "info",
		LogFormat:     "console",
	}
}

// Load reads path over the defaults. A missing file returns the
// defaults unchanged; a malformed file is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.QueueDepth <= 0 {
		return fmt.Errorf("queueDepth must be positive, got %d", c.QueueDepth)
	}
	if c.PollInterval.Std() <= 0 {
		return fmt.Errorf("pollInterval must be positive")
	}
	if c.CrashInterval.Std() <= 0 {
		return fmt.Errorf("crashInterval must be positive")
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("logFormat must be console or json, got %q", c.LogFormat)
	}
	return nil
}
