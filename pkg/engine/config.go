package engine

import (
	"fmt"

	"github.com/caarlos0/env/v11"

	"assistantsync.app/pkg/coordinator"
)

// Config holds engine configuration. Every field can be overridden from the
// environment (SYNC_* variables).
type Config struct {
	Coordinator coordinator.Config

	// L1MaxEntries opts the in-memory store into LRU eviction. 0 keeps every
	// line until it is invalidated; an evicted line is also lost as the
	// fallback for a failed refresh.
	L1MaxEntries int `env:"SYNC_L1_MAX_ENTRIES" envDefault:"0"`
	// SQLitePath selects the on-device store; empty means memory only.
	SQLitePath string `env:"SYNC_SQLITE_PATH"`
	// PrefetchConcurrency bounds resolves started by one Prefetch call.
	PrefetchConcurrency int `env:"SYNC_PREFETCH_CONCURRENCY" envDefault:"4"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Coordinator:         coordinator.DefaultConfig(),
		PrefetchConcurrency: 4,
	}
}

// LoadConfig reads Config from the environment, starting from the envDefault tags.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every section.
func (c Config) Validate() error {
	if c.L1MaxEntries < 0 {
		return fmt.Errorf("l1 max entries cannot be negative")
	}
	if c.PrefetchConcurrency < 1 {
		return fmt.Errorf("prefetch concurrency must be at least 1")
	}
	return c.Coordinator.Validate()
}
