// Package common provides shared ambient infrastructure (logging,
// configuration, versioning) for the job scheduler.
package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for the scheduler.
type Config struct {
	Environment string          `toml:"environment"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
	Store       StoreConfig     `toml:"store"`
	Logging     LoggingConfig   `toml:"logging"`
}

// SchedulerConfig holds worker-pool and polling configuration.
type SchedulerConfig struct {
	WorkerCount     int    `toml:"worker_count"`
	PollInterval    string `toml:"poll_interval"`     // duration string, default "500ms"
	LockTimeout     string `toml:"lock_timeout"`      // duration string, default "30s"
	ShutdownTimeout string `toml:"shutdown_timeout"`  // duration string, default "30s"
	DefaultTimezone string `toml:"default_timezone"`  // IANA zone, default "UTC"
	MaxAcquireRate  float64 `toml:"max_acquire_rate"` // acquisitions/sec across the fleet, 0 = unbounded
}

// GetPollInterval parses and returns the poll interval, falling back to 500ms.
func (c *SchedulerConfig) GetPollInterval() time.Duration {
	d, err := time.ParseDuration(c.PollInterval)
	if err != nil {
		return 500 * time.Millisecond
	}
	return d
}

// GetLockTimeout parses and returns the lock timeout, falling back to 30s.
func (c *SchedulerConfig) GetLockTimeout() time.Duration {
	d, err := time.ParseDuration(c.LockTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetShutdownTimeout parses and returns the graceful-shutdown timeout, falling back to 30s.
func (c *SchedulerConfig) GetShutdownTimeout() time.Duration {
	d, err := time.ParseDuration(c.ShutdownTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetDefaultTimezone returns the configured default timezone, falling back to UTC.
func (c *SchedulerConfig) GetDefaultTimezone() string {
	if strings.TrimSpace(c.DefaultTimezone) == "" {
		return "UTC"
	}
	return c.DefaultTimezone
}

// StoreConfig holds document-store connection configuration.
type StoreConfig struct {
	Driver    string `toml:"driver"` // "memory" or "surrealdb"
	Address   string `toml:"address"`
	Namespace string `toml:"namespace"`
	Database  string `toml:"database"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
	Timeout   string `toml:"timeout"`
}

// GetTimeout parses and returns the store connection timeout, falling back to 10s.
func (c *StoreConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string   `toml:"level" mapstructure:"level"`
	Format     string   `toml:"format" mapstructure:"format"`
	Outputs    []string `toml:"outputs" mapstructure:"outputs"`
	FilePath   string   `toml:"file_path" mapstructure:"file_path"`
	MaxSizeMB  int      `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int      `toml:"max_backups" mapstructure:"max_backups"`
}

// NewDefaultConfig returns a Config with sensible defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Scheduler: SchedulerConfig{
			WorkerCount:     4,
			PollInterval:    "500ms",
			LockTimeout:     "30s",
			ShutdownTimeout: "30s",
			DefaultTimezone: "UTC",
			MaxAcquireRate:  0,
		},
		Store: StoreConfig{
			Driver:    "memory",
			Address:   "ws://127.0.0.1:8000/rpc",
			Namespace: "scheduler",
			Database:  "scheduler",
			Timeout:   "10s",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Outputs:    []string{"console"},
			FilePath:   "./logs/schedulerd.log",
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
	}
}

// LoadConfig loads configuration from files with environment overrides.
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	// Load and merge each config file in order (later files override earlier)
	for _, path := range paths {
		if path == "" {
			continue
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue // Skip missing files
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("SCHEDULERD_ENV"); env != "" {
		config.Environment = env
	}

	if v := os.Getenv("SCHEDULERD_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}

	if v := os.Getenv("SCHEDULERD_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Scheduler.WorkerCount = n
		}
	}

	if v := os.Getenv("SCHEDULERD_POLL_INTERVAL"); v != "" {
		config.Scheduler.PollInterval = v
	}

	if v := os.Getenv("SCHEDULERD_LOCK_TIMEOUT"); v != "" {
		config.Scheduler.LockTimeout = v
	}

	if v := os.Getenv("SCHEDULERD_DEFAULT_TIMEZONE"); v != "" {
		config.Scheduler.DefaultTimezone = v
	}

	if v := os.Getenv("SCHEDULERD_STORE_DRIVER"); v != "" {
		config.Store.Driver = v
	}

	if v := os.Getenv("SCHEDULERD_STORE_ADDRESS"); v != "" {
		config.Store.Address = v
	}

	if v := os.Getenv("SCHEDULERD_STORE_NAMESPACE"); v != "" {
		config.Store.Namespace = v
	}

	if v := os.Getenv("SCHEDULERD_STORE_DATABASE"); v != "" {
		config.Store.Database = v
	}

	if v := os.Getenv("SCHEDULERD_STORE_USERNAME"); v != "" {
		config.Store.Username = v
	}

	if v := os.Getenv("SCHEDULERD_STORE_PASSWORD"); v != "" {
		config.Store.Password = v
	}
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
