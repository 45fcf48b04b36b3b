// Package config holds runtime configuration for the host. The active
// config is stored in an atomic global; readers treat the loaded value as
// immutable.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Config defines behavior and resource limits for the application host.
type Config struct {
	// ========== Networking ==========

	// Port is the TCP port the listener binds to. Zero asks the OS for an
	// ephemeral port.
	Port uint16

	// Backlog caps how many accepted-but-undrained connections the
	// listener holds between polls.
	Backlog int

	// ReceiveBufferSize is the size of the per-receive buffer handed to a
	// peer's pending read.
	ReceiveBufferSize int

	// GracePeriod is the idle window after which a silent peer is
	// disconnected with a timeout reason.
	GracePeriod time.Duration

	// WriteTimeout bounds a single send on a peer socket.
	WriteTimeout time.Duration

	// MaxFrameSize rejects length prefixes above this many bytes. Zero
	// disables the check.
	MaxFrameSize uint32

	// ========== Tick loop ==========

	// TickInterval paces the application loop; a tick that finishes early
	// sleeps out the remainder. Zero runs unpaced.
	TickInterval time.Duration

	// ========== Observability ==========

	// MetricsEnabled toggles the Prometheus metrics endpoint.
	MetricsEnabled bool

	// MetricsBindAddr is the HTTP address for metrics (e.g., ":9090").
	MetricsBindAddr string

	// LogLevel is one of debug, info, warn, error.
	LogLevel string
}

func defaultConfig() Config {
	return Config{
		Port:              7575,
		Backlog:           128,
		ReceiveBufferSize: 65536,
		GracePeriod:       2 * time.Minute,
		WriteTimeout:      30 * time.Second,
		MaxFrameSize:      1 << 20,
		TickInterval:      10 * time.Millisecond,
		MetricsEnabled:    false,
		MetricsBindAddr:   ":9090",
		LogLevel:          "info",
	}
}

func (c *Config) validate() error {
	if c.ReceiveBufferSize <= 0 {
		return fmt.Errorf("config: receive_buffer_size must be positive, got %d", c.ReceiveBufferSize)
	}
	if c.Backlog <= 0 {
		return fmt.Errorf("config: backlog must be positive, got %d", c.Backlog)
	}
	if c.GracePeriod <= 0 {
		return fmt.Errorf("config: grace_period must be positive, got %s", c.GracePeriod)
	}
	return nil
}

// fileConfig mirrors Config for TOML decoding; durations are strings in
// the file ("250ms", "2m") and absent keys keep their defaults.
type fileConfig struct {
	Port              *uint16 `toml:"port"`
	Backlog           *int    `toml:"backlog"`
	ReceiveBufferSize *int    `toml:"receive_buffer_size"`
	GracePeriod       *string `toml:"grace_period"`
	WriteTimeout      *string `toml:"write_timeout"`
	MaxFrameSize      *uint32 `toml:"max_frame_size"`
	TickInterval      *string `toml:"tick_interval"`
	MetricsEnabled    *bool   `toml:"metrics_enabled"`
	MetricsBindAddr   *string `toml:"metrics_bind_addr"`
	LogLevel          *string `toml:"log_level"`
}

// FromFile parses a TOML config file on top of the defaults.
func FromFile(path string) (Config, error) {
	cfg := defaultConfig()

	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return Config{}, fmt.Errorf("config: decoding %s: %w", path, err)
	}

	if fc.Port != nil {
		cfg.Port = *fc.Port
	}
	if fc.Backlog != nil {
		cfg.Backlog = *fc.Backlog
	}
	if fc.ReceiveBufferSize != nil {
		cfg.ReceiveBufferSize = *fc.ReceiveBufferSize
	}
	if fc.MaxFrameSize != nil {
		cfg.MaxFrameSize = *fc.MaxFrameSize
	}
	if fc.MetricsEnabled != nil {
		cfg.MetricsEnabled = *fc.MetricsEnabled
	}
	if fc.MetricsBindAddr != nil {
		cfg.MetricsBindAddr = *fc.MetricsBindAddr
	}
	if fc.LogLevel != nil {
		cfg.LogLevel = *fc.LogLevel
	}

	for _, d := range []struct {
		raw  *string
		dst  *time.Duration
		name string
	}{
		{fc.GracePeriod, &cfg.GracePeriod, "grace_period"},
		{fc.WriteTimeout, &cfg.WriteTimeout, "write_timeout"},
		{fc.TickInterval, &cfg.TickInterval, "tick_interval"},
	} {
		if d.raw == nil {
			continue
		}
		v, err := time.ParseDuration(*d.raw)
		if err != nil {
			return Config{}, fmt.Errorf("config: parsing %s: %w", d.name, err)
		}
		*d.dst = v
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
