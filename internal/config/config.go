package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure
type Config struct {
	API       APIConfig       `yaml:"api"`
	Storage   StorageConfig   `yaml:"storage"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Freeze    FreezeConfig    `yaml:"freeze"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Sandbox   bool            `yaml:"sandbox"` // Use the in-memory provider instead of SMTP
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr   string        `yaml:"listen_addr"`
	APIKey       string        `yaml:"api_key"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // Default: 30s
	WriteTimeout time.Duration `yaml:"write_timeout"` // Default: 30s
	IdleTimeout  time.Duration `yaml:"idle_timeout"`  // Default: 60s
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Path string `yaml:"path"`
}

// DispatchConfig contains worker pool settings
type DispatchConfig struct {
	Workers      int           `yaml:"workers"`       // Default: 4
	BatchSize    int           `yaml:"batch_size"`    // Default: 10
	PollInterval time.Duration `yaml:"poll_interval"` // Default: 5s
	MaxRetries   int           `yaml:"max_retries"`   // Default: 3
	BackoffBase  time.Duration `yaml:"backoff_base"`  // Default: 30s
	BackoffCap   time.Duration `yaml:"backoff_cap"`   // Default: 1h
	SendTimeout  time.Duration `yaml:"send_timeout"`  // Default: 2m

	// Global send pace across all workers, messages per second.
	// Zero disables pacing.
	PacePerSecond float64 `yaml:"pace_per_second"`
}

// FreezeConfig contains automatic service freeze settings
type FreezeConfig struct {
	Threshold int           `yaml:"threshold"` // Consecutive failures before freezing (default: 5)
	Cooldown  time.Duration `yaml:"cooldown"`  // Base freeze duration, doubles per freeze (default: 15m)
}

// SchedulerConfig contains lifecycle scheduler settings
type SchedulerConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"` // Default: 15s
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	FlushInterval time.Duration `yaml:"flush_interval"` // Default: 10s
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration with all defaults applied
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/lettermill/lettermill.db"
	}

	if c.Dispatch.Workers == 0 {
		c.Dispatch.Workers = 4
	}
	if c.Dispatch.BatchSize == 0 {
		c.Dispatch.BatchSize = 10
	}
	if c.Dispatch.PollInterval == 0 {
		c.Dispatch.PollInterval = 5 * time.Second
	}
	if c.Dispatch.MaxRetries == 0 {
		c.Dispatch.MaxRetries = 3
	}
	if c.Dispatch.BackoffBase == 0 {
		c.Dispatch.BackoffBase = 30 * time.Second
	}
	if c.Dispatch.BackoffCap == 0 {
		c.Dispatch.BackoffCap = time.Hour
	}
	if c.Dispatch.SendTimeout == 0 {
		c.Dispatch.SendTimeout = 2 * time.Minute
	}

	if c.Freeze.Threshold == 0 {
		c.Freeze.Threshold = 5
	}
	if c.Freeze.Cooldown == 0 {
		c.Freeze.Cooldown = 15 * time.Minute
	}

	if c.Scheduler.TickInterval == 0 {
		c.Scheduler.TickInterval = 15 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.API.APIKey == "" {
		return fmt.Errorf("api.api_key is required")
	}

	if c.Dispatch.Workers < 0 {
		return fmt.Errorf("dispatch.workers must not be negative")
	}
	if c.Dispatch.MaxRetries < 1 {
		return fmt.Errorf("dispatch.max_retries must be at least 1")
	}
	if c.Dispatch.PacePerSecond < 0 {
		return fmt.Errorf("dispatch.pace_per_second must not be negative")
	}

	if c.Freeze.Threshold < 1 {
		return fmt.Errorf("freeze.threshold must be at least 1")
	}
	if c.Freeze.Cooldown < 0 {
		return fmt.Errorf("freeze.cooldown must not be negative")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}
