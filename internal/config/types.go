package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the on-disk configuration (YAML or JSON).
//
// All durations are Go duration strings (e.g. "500ms", "15s", "3m").
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`

	// Dispatch controls the coordinator tick loop and check cadence.
	Dispatch DispatchConfig `json:"dispatch"`

	// Pool controls the worker pool draining dispatch work.
	Pool PoolConfig `json:"pool"`

	Maintenance MaintenanceConfig `json:"maintenance"`

	// Debug exposes an optional local HTTP endpoint with health, status and
	// pprof handlers.
	Debug DebugConfig `json:"debug,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the SQLite database holding schedules, buckets,
// resources and the work log.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// DispatchConfig controls the coordinator.
//
// Defaults (when fields are omitted/zero):
//   - tick: "15s"
//   - check_interval: "3m"
//   - batch_size: 100
//   - stagger_fraction: 0.3
//   - hot_recheck: "1m"
//   - active_window: "24h"
//   - active_jitter_max: "30s"
type DispatchConfig struct {
	Tick            string  `json:"tick,omitempty"`
	CheckInterval   string  `json:"check_interval,omitempty"`
	BatchSize       int     `json:"batch_size,omitempty"`
	StaggerFraction float64 `json:"stagger_fraction,omitempty"`
	HotRecheck      string  `json:"hot_recheck,omitempty"`
	ActiveWindow    string  `json:"active_window,omitempty"`
	ActiveJitterMax string  `json:"active_jitter_max,omitempty"`
}

// PoolConfig controls the worker pool.
//
// Defaults (when fields are omitted/zero):
//   - workers: 30
//   - queue_size: 256
//   - retry_max: 3
//   - retry_base: "500ms"
//   - retry_max_delay: "15s"
//   - default_timeout: "45s"
//   - rate_per_sec: 0 (disabled)
type PoolConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
	RetryBase      string `json:"retry_base,omitempty"`
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	RatePerSec     int    `json:"rate_per_sec,omitempty"`
}

// MaintenanceConfig controls the cron-driven housekeeping jobs.
type MaintenanceConfig struct {
	Enabled bool `json:"enabled"`
	// WorkLogRetention prunes work-log rows older than this ("@daily" job).
	WorkLogRetention string `json:"work_log_retention,omitempty"`
}

// DebugConfig controls the diagnostics HTTP server.
//
// Binding to a non-loopback address requires a token.
type DebugConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"`
}

// Validate checks field shapes that cannot wait until components apply the
// config (durations parse, fractions in range). Component-level defaults are
// applied later.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	for _, f := range []struct{ path, raw string }{
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"dispatch.tick", c.Dispatch.Tick},
		{"dispatch.check_interval", c.Dispatch.CheckInterval},
		{"dispatch.hot_recheck", c.Dispatch.HotRecheck},
		{"dispatch.active_window", c.Dispatch.ActiveWindow},
		{"dispatch.active_jitter_max", c.Dispatch.ActiveJitterMax},
		{"pool.retry_base", c.Pool.RetryBase},
		{"pool.retry_max_delay", c.Pool.RetryMaxDelay},
		{"pool.default_timeout", c.Pool.DefaultTimeout},
		{"maintenance.work_log_retention", c.Maintenance.WorkLogRetention},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if sf := c.Dispatch.StaggerFraction; sf < 0 || sf > 1 {
		return fmt.Errorf("dispatch.stagger_fraction: must be in [0, 1], got %v", sf)
	}
	if c.Pool.Workers < 0 {
		return errors.New("pool.workers: must be >= 0")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	return nil
}

// Default returns the built-in configuration used when no config file exists.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Storage: StorageConfig{Path: "./burstflow.db", BusyTimeout: "5s"},
		Dispatch: DispatchConfig{
			Tick:            "15s",
			CheckInterval:   "3m",
			BatchSize:       100,
			StaggerFraction: 0.3,
			HotRecheck:      "1m",
			ActiveWindow:    "24h",
			ActiveJitterMax: "30s",
		},
		Pool: PoolConfig{
			Workers:        30,
			QueueSize:      256,
			RetryMax:       3,
			RetryBase:      "500ms",
			RetryMaxDelay:  "15s",
			DefaultTimeout: "45s",
		},
		Maintenance: MaintenanceConfig{Enabled: true, WorkLogRetention: "168h"},
		Debug:       DebugConfig{Addr: "127.0.0.1:6060"},
	}
}

// MustDuration parses a duration field that Validate() has already accepted.
// Zero/empty returns def.
func MustDuration(raw string, def time.Duration) time.Duration {
	d, err := ParseDurationField("", raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
