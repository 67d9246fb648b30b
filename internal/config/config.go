// Package config loads and validates the engine configuration from a YAML
// file, and owns the hot-reloadable workflow policy file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration for the engine.
type Config struct {
	// LogLevel is the default logging level (debug, info, warn, error).
	LogLevel string `koanf:"log_level"`

	// PackageLogLevels overrides the level per logger name, e.g.
	// {"triage.*": "debug"}.
	PackageLogLevels map[string]string `koanf:"package_log_levels"`

	// DatabaseURL selects the Postgres document store. Empty selects the
	// in-memory store (local runs only).
	DatabaseURL string `koanf:"database_url"`

	// RedisURL selects the Redis lock service. Empty selects the in-process
	// locker (only safe with a single engine instance).
	RedisURL string `koanf:"redis_url"`

	// WorkflowConfigPath is the hot-reloaded workflow policy YAML file.
	WorkflowConfigPath string `koanf:"workflow_config"`

	// SweepInterval is how often the background sweep runs.
	SweepInterval time.Duration `koanf:"sweep_interval"`

	// StaleIssueWindow is how long an unresolved issue may go unseen before
	// the sweep auto-resolves it.
	StaleIssueWindow time.Duration `koanf:"stale_issue_window"`

	// LockLease is the lease duration for the issue keyspace lock.
	LockLease time.Duration `koanf:"lock_lease"`

	// MaxCommitsPerRange caps the commits fetched per suspect-ranking query.
	MaxCommitsPerRange int `koanf:"max_commits_per_range"`

	// MaxFilesPerCommit caps the files inspected per commit.
	MaxFilesPerCommit int `koanf:"max_files_per_commit"`

	Tracing TracingConfig `koanf:"tracing"`
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Endpoint    string `koanf:"endpoint"`
	TLSCAPath   string `koanf:"tls_ca_path"`
	TLSInsecure bool   `koanf:"tls_insecure"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel:           "info",
		SweepInterval:      5 * time.Minute,
		StaleIssueWindow:   7 * 24 * time.Hour,
		LockLease:          30 * time.Second,
		MaxCommitsPerRange: 100,
		MaxFilesPerCommit:  100,
	}
}

// Load reads the YAML file at path over the defaults. A missing path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, NewConfigError(fmt.Sprintf("config file %s does not exist", path))
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
	}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.SweepInterval < time.Second {
		return NewConfigError("sweep_interval must be at least 1s")
	}
	if c.StaleIssueWindow < time.Hour {
		return NewConfigError("stale_issue_window must be at least 1h")
	}
	if c.LockLease < time.Second {
		return NewConfigError("lock_lease must be at least 1s")
	}
	if c.MaxCommitsPerRange < 1 {
		return NewConfigError("max_commits_per_range must be at least 1")
	}
	if c.MaxFilesPerCommit < 1 {
		return NewConfigError("max_files_per_commit must be at least 1")
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return NewConfigError("tracing.endpoint must be set when tracing is enabled")
	}
	return nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	message string
}

// NewConfigError creates a new configuration error
func NewConfigError(message string) *ConfigError {
	return &ConfigError{message: message}
}

// Error returns the error message
func (e *ConfigError) Error() string {
	return e.message
}
