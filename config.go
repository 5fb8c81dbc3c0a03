package queuectl

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"
)

// Config keys accepted by Set.
const (
	ConfigKeyMaxRetries  = "max_retries"
	ConfigKeyBackoffBase = "backoff_base"
)

const configFileName = "config.json"

// Config holds queue configuration. The retry tunables (max_retries,
// backoff_base) are persisted as JSON under the data directory so every
// worker and CLI process reads the same values at start; process-level
// settings come from environment variables only.
//
// Environment variables override persisted values at load time:
//   - QUEUECTL_DATA_DIR: directory for the database, config, and pidfile
//   - QUEUECTL_BACKEND: storage backend (badger, sqlite, memory)
//   - QUEUECTL_MAX_RETRIES: retry budget snapshotted onto new jobs
//   - QUEUECTL_BACKOFF_BASE: base of the exponential backoff, in seconds
//   - QUEUECTL_POLL_INTERVAL: idle sleep between claim attempts
//   - QUEUECTL_STOP_TIMEOUT: how long worker stop waits for graceful exit
type Config struct {
	DataDir      string        `json:"-" env:"QUEUECTL_DATA_DIR"`
	Backend      string        `json:"backend" env:"QUEUECTL_BACKEND"`
	MaxRetries   int           `json:"max_retries" env:"QUEUECTL_MAX_RETRIES"`
	BackoffBase  int           `json:"backoff_base" env:"QUEUECTL_BACKOFF_BASE"`
	PollInterval time.Duration `json:"-" env:"QUEUECTL_POLL_INTERVAL"`
	StopTimeout  time.Duration `json:"-" env:"QUEUECTL_STOP_TIMEOUT"`
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		DataDir:      ".queuectl",
		Backend:      "badger",
		MaxRetries:   3,
		BackoffBase:  2,
		PollInterval: 1 * time.Second,
		StopTimeout:  10 * time.Second,
	}
}

// LoadConfig loads configuration for the given data directory: defaults,
// then the persisted config file if present, then environment overrides.
// A dataDir of "" keeps the default (or QUEUECTL_DATA_DIR).
func LoadConfig(dataDir string) (*Config, error) {
	cfg := DefaultConfig()
	if dataDir != "" {
		cfg.DataDir = dataDir
	} else if v := os.Getenv("QUEUECTL_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	data, err := os.ReadFile(cfg.configPath())
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return cfg, nil
}

// Save persists the config file under the data directory.
func (c *Config) Save() error {
	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(c.configPath(), data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Set updates a single tunable and persists it immediately.
// Only max_retries and backoff_base are settable; both must be positive.
func (c *Config) Set(key, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return fmt.Errorf("invalid value for %s: %q (want a positive integer)", key, value)
	}

	switch key {
	case ConfigKeyMaxRetries:
		c.MaxRetries = n
	case ConfigKeyBackoffBase:
		c.BackoffBase = n
	default:
		return fmt.Errorf("%w: %s", ErrInvalidKey, key)
	}
	return c.Save()
}

// Settings returns the persisted tunables for display.
func (c *Config) Settings() map[string]int {
	return map[string]int{
		ConfigKeyMaxRetries:  c.MaxRetries,
		ConfigKeyBackoffBase: c.BackoffBase,
	}
}

func (c *Config) configPath() string {
	return filepath.Join(c.DataDir, configFileName)
}

// DBPath returns the backend storage path under the data directory.
func (c *Config) DBPath() string {
	switch c.Backend {
	case "sqlite":
		return filepath.Join(c.DataDir, "queue.db")
	default:
		return filepath.Join(c.DataDir, "queue")
	}
}

// PIDFile returns the path of the worker pool pidfile.
func (c *Config) PIDFile() string {
	return filepath.Join(c.DataDir, "workers.pid")
}

// NewBackend opens the configured storage backend. Each process must call
// this itself; backend handles are never shared across process boundaries.
func (c *Config) NewBackend(logger *zap.Logger) (Backend, error) {
	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	switch c.Backend {
	case "badger":
		return NewBadgerBackend(c.DBPath(), logger)
	case "sqlite":
		return newSQLiteBackend(c.DBPath())
	case "memory":
		return NewInMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q (want badger, sqlite, or memory)", c.Backend)
	}
}
