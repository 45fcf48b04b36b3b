package config

import "sync/atomic"

var cfg atomic.Value

// Init installs the default config as the global.
func Init() error {
	dcfg := defaultConfig()
	if err := dcfg.validate(); err != nil {
		return err
	}
	cfg.Store(&dcfg)

	return nil
}

// Load returns the current config (treat as read-only). Init or Swap must
// have run first.
func Load() *Config {
	return cfg.Load().(*Config)
}

// Update applies a mutation on a copy and swaps it atomically.
func Update(mut func(*Config)) *Config {
	curr := Load()
	next := *curr
	mut(&next)
	cfg.Store(&next)
	return &next
}

// Swap replaces the global config atomically with the provided value.
func Swap(next Config) *Config {
	cfg.Store(&next)
	return &next
}
