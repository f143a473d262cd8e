// Package config loads runtime settings for the sync daemon: built-in
// defaults, overlaid by an optional JSON file, overlaid by command-line
// flags. Later sources take precedence.
package config

import "time"

// Config holds runtime settings for the sync core.
//
// Units: the interval and timeout fields are time.Durations
// (e.g. 5*time.Minute).
type Config struct {
	// ServerEndpointURL is the base URL of the remote authority.
	ServerEndpointURL string
	// DatabaseDSN locates the local sqlite store.
	DatabaseDSN string
	// SyncInterval is how often the scheduler requests a cycle.
	SyncInterval time.Duration
	// OnlineCheckInterval is how often the connectivity watcher probes.
	OnlineCheckInterval time.Duration
	// CycleTimeout bounds one sync cycle end to end.
	CycleTimeout time.Duration
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.ServerEndpointURL = "http://127.0.0.1:8080"
	c.DatabaseDSN = "famsync.db"
	c.SyncInterval = 5 * time.Minute
	c.OnlineCheckInterval = 3 * time.Second
	c.CycleTimeout = 30 * time.Second
}

// LoadConfig constructs a Config, applies defaults, then overlays values
// from JSON (if present) and command-line flags (if present).
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
