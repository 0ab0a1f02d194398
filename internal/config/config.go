// Package config loads the ferry configuration file.
//
// The file is YAML. Every field has a default, so an empty file (or no file
// at all) yields a working configuration backed by the in-memory driver.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/ferry/internal/model"
)

// Remote drivers.
const (
	DriverMemory  = "memory"
	DriverSurreal = "surreal"
)

// Config is the top-level configuration.
type Config struct {
	// Database is the SQLite file holding the cache, queue and state.
	Database string `yaml:"database"`

	// Schema is an optional CUE schema file. Empty uses the built-in schema.
	Schema string `yaml:"schema,omitempty"`

	// Driver selects the remote store implementation.
	Driver string `yaml:"driver"`

	// Listen is the HTTP address for `ferry run`. Empty disables the server.
	Listen string `yaml:"listen,omitempty"`

	Sync         SyncConfig         `yaml:"sync"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Rotation     RotationConfig     `yaml:"rotation"`
	Backends     BackendsConfig     `yaml:"backends"`
}

// SyncConfig tunes drain and bulk sync.
type SyncConfig struct {
	Staleness        time.Duration `yaml:"staleness"`
	AutoSyncInterval time.Duration `yaml:"auto_sync_interval"`
	RemoteTimeout    time.Duration `yaml:"remote_timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	Retention        time.Duration `yaml:"retention"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`

	// DrainInterval is how often `ferry run` pushes queued writes while
	// online, in addition to draining after every local write.
	DrainInterval time.Duration `yaml:"drain_interval"`
}

// ConnectivityConfig tunes the connectivity monitor.
type ConnectivityConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval"`
	ResyncDelay       time.Duration `yaml:"resync_delay"`
	ReconnectedWindow time.Duration `yaml:"reconnected_window"`
}

// RotationConfig tunes the rotation controller.
type RotationConfig struct {
	IntervalHours     int           `yaml:"interval_hours"`
	AutoRotate        bool          `yaml:"auto_rotate"`
	ReplicateOnRotate bool          `yaml:"replicate_on_rotate"`
	HistoryLimit      int           `yaml:"history_limit"`
	CheckInterval     time.Duration `yaml:"check_interval"`
}

// BackendsConfig holds the built-in backend descriptors.
type BackendsConfig struct {
	Primary model.Descriptor `yaml:"primary"`
	Standby model.Descriptor `yaml:"standby"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Database: "ferry.db",
		Driver:   DriverMemory,
		Sync: SyncConfig{
			Staleness:        time.Hour,
			AutoSyncInterval: 5 * time.Minute,
			RemoteTimeout:    15 * time.Second,
			MaxRetries:       model.DefaultMaxRetries,
			Retention:        7 * 24 * time.Hour,
			SweepInterval:    time.Hour,
			DrainInterval:    30 * time.Second,
		},
		Connectivity: ConnectivityConfig{
			PollInterval:      5 * time.Second,
			ResyncDelay:       2 * time.Second,
			ReconnectedWindow: 3 * time.Second,
		},
		Rotation: RotationConfig{
			ReplicateOnRotate: true,
			HistoryLimit:      model.DefaultHistoryLimit,
			CheckInterval:     time.Minute,
		},
		Backends: BackendsConfig{
			Primary: model.Descriptor{ProjectID: model.BackendPrimary},
			Standby: model.Descriptor{ProjectID: model.BackendStandby},
		},
	}
}

// Load reads a configuration file on top of Default.
// An empty path returns Default. Unknown fields are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data, cfg)
}

// Parse decodes YAML over base and validates the result.
func Parse(data []byte, base Config) (Config, error) {
	cfg := base
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	// io.EOF means the file holds no document.
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	if c.Database == "" {
		return fmt.Errorf("database is required")
	}
	switch c.Driver {
	case DriverMemory, DriverSurreal:
	default:
		return fmt.Errorf("driver: unknown driver %q", c.Driver)
	}

	for name, d := range map[string]time.Duration{
		"sync.staleness":                  c.Sync.Staleness,
		"sync.auto_sync_interval":         c.Sync.AutoSyncInterval,
		"sync.remote_timeout":             c.Sync.RemoteTimeout,
		"sync.retention":                  c.Sync.Retention,
		"sync.sweep_interval":             c.Sync.SweepInterval,
		"sync.drain_interval":             c.Sync.DrainInterval,
		"connectivity.poll_interval":      c.Connectivity.PollInterval,
		"connectivity.reconnected_window": c.Connectivity.ReconnectedWindow,
		"rotation.check_interval":         c.Rotation.CheckInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.Connectivity.ResyncDelay < 0 {
		return fmt.Errorf("connectivity.resync_delay must not be negative")
	}
	if c.Sync.MaxRetries < 1 {
		return fmt.Errorf("sync.max_retries must be at least 1")
	}
	if c.Rotation.IntervalHours < 0 {
		return fmt.Errorf("rotation.interval_hours must not be negative")
	}
	if c.Rotation.AutoRotate && c.Rotation.IntervalHours == 0 {
		return fmt.Errorf("rotation.auto_rotate requires rotation.interval_hours")
	}
	if c.Rotation.HistoryLimit < 1 {
		return fmt.Errorf("rotation.history_limit must be at least 1")
	}
	if c.Driver == DriverSurreal {
		if err := c.Backends.Primary.Validate(); err != nil {
			return fmt.Errorf("backends.primary: %w", err)
		}
		if err := c.Backends.Standby.Validate(); err != nil {
			return fmt.Errorf("backends.standby: %w", err)
		}
	}
	return nil
}
