package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the per-session ~/.syncline/sessions/<name>/config.toml.
type Config struct {
	DefaultSession string  `toml:"default_session"`
	MetricsAddr    string  `toml:"metrics_addr"`
	Backend        Backend `toml:"backend"`
	Sync           Sync    `toml:"sync"`
}

// Backend configures the remote store endpoints.
type Backend struct {
	BaseURL string `toml:"base_url"`
	WSURL   string `toml:"ws_url"`
	Token   string `toml:"token"`
}

// Sync configures the retry/debounce behavior of the sync core.
type Sync struct {
	BackoffBaseMS       int `toml:"backoff_base_ms"`
	QueryBackoffCapS    int `toml:"query_backoff_cap_s"`
	MutationBackoffCapS int `toml:"mutation_backoff_cap_s"`
	MaxAttempts         int `toml:"max_attempts"`
	DebounceMS          int `toml:"debounce_ms"`
	DedupWindowS        int `toml:"dedup_window_s"`
}

// Defaults fills unset sync knobs with the documented defaults.
func (c *Config) Defaults() {
	if c.Sync.BackoffBaseMS <= 0 {
		c.Sync.BackoffBaseMS = 500
	}
	if c.Sync.QueryBackoffCapS <= 0 {
		c.Sync.QueryBackoffCapS = 30
	}
	if c.Sync.MutationBackoffCapS <= 0 {
		c.Sync.MutationBackoffCapS = 10
	}
	if c.Sync.MaxAttempts <= 0 {
		c.Sync.MaxAttempts = 6
	}
	if c.Sync.DebounceMS <= 0 {
		c.Sync.DebounceMS = 300
	}
	if c.Sync.DedupWindowS <= 0 {
		c.Sync.DedupWindowS = 10
	}
}

// BackoffBase returns the first retry delay as a duration.
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.Sync.BackoffBaseMS) * time.Millisecond
}

// QueryCap returns the backoff ceiling for read operations.
func (c *Config) QueryCap() time.Duration {
	return time.Duration(c.Sync.QueryBackoffCapS) * time.Second
}

// MutationCap returns the backoff ceiling for write operations.
func (c *Config) MutationCap() time.Duration {
	return time.Duration(c.Sync.MutationBackoffCapS) * time.Second
}

// Debounce returns the receipt debounce window as a duration.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Sync.DebounceMS) * time.Millisecond
}

// DedupWindow returns the receipt dedup window as a duration.
func (c *Config) DedupWindow() time.Duration {
	return time.Duration(c.Sync.DedupWindowS) * time.Second
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.Defaults()
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
