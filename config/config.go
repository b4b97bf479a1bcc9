// Package config loads and validates the YAML configuration of the router
// process.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Output string `yaml:"output"` // "stdout", "stderr", "file", "none"
	File   string `yaml:"file"`   // log file path, used when output is "file"
}

// CatalogConfig selects and configures the catalog backend.
type CatalogConfig struct {
	Backend string `yaml:"backend"` // "memory" or "sqlite"
	Path    string `yaml:"path"`    // database path, used by the sqlite backend
}

// ChunkConfig holds chunk lifecycle configurations.
type ChunkConfig struct {
	Duration            string `yaml:"duration"`             // chunk length threshold, e.g. "24h"
	MaintenanceInterval string `yaml:"maintenance_interval"` // close-sweep period, e.g. "1m"
}

// ReplicationConfig holds replica provisioning defaults.
type ReplicationConfig struct {
	DefaultReplicaCount int `yaml:"default_replica_count"`
}

// MetricsConfig controls expvar publication.
type MetricsConfig struct {
	PublishExpvars bool   `yaml:"publish_expvars"`
	Prefix         string `yaml:"prefix"`
}

// Config is the root configuration.
type Config struct {
	Logging     LoggingConfig     `yaml:"logging"`
	Catalog     CatalogConfig     `yaml:"catalog"`
	Chunk       ChunkConfig       `yaml:"chunk"`
	Replication ReplicationConfig `yaml:"replication"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
		},
		Catalog: CatalogConfig{
			Backend: "memory",
		},
		Chunk: ChunkConfig{
			Duration:            "24h",
			MaintenanceInterval: "1m",
		},
		Replication: ReplicationConfig{
			DefaultReplicaCount: 1,
		},
		Metrics: MetricsConfig{
			Prefix: "nexusroute_",
		},
	}
}

// Load reads a YAML config file, applying defaults for absent fields.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	switch c.Catalog.Backend {
	case "memory":
	case "sqlite":
		if c.Catalog.Path == "" {
			return fmt.Errorf("config: catalog.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("config: unknown catalog backend %q", c.Catalog.Backend)
	}
	if _, err := c.ChunkDuration(); err != nil {
		return err
	}
	if _, err := c.MaintenanceInterval(); err != nil {
		return err
	}
	if c.Replication.DefaultReplicaCount < 1 {
		return fmt.Errorf("config: replication.default_replica_count must be at least 1")
	}
	switch c.Logging.Output {
	case "stdout", "stderr", "none":
	case "file":
		if c.Logging.File == "" {
			return fmt.Errorf("config: logging.file is required when logging.output is \"file\"")
		}
	default:
		return fmt.Errorf("config: unknown logging output %q", c.Logging.Output)
	}
	return nil
}

// ChunkDuration parses the configured chunk length threshold.
func (c *Config) ChunkDuration() (time.Duration, error) {
	d, err := time.ParseDuration(c.Chunk.Duration)
	if err != nil {
		return 0, fmt.Errorf("config: invalid chunk.duration %q: %w", c.Chunk.Duration, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config: chunk.duration must be positive, got %q", c.Chunk.Duration)
	}
	return d, nil
}

// MaintenanceInterval parses the configured close-sweep period.
func (c *Config) MaintenanceInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.Chunk.MaintenanceInterval)
	if err != nil {
		return 0, fmt.Errorf("config: invalid chunk.maintenance_interval %q: %w", c.Chunk.MaintenanceInterval, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config: chunk.maintenance_interval must be positive, got %q", c.Chunk.MaintenanceInterval)
	}
	return d, nil
}

// BuildLogger constructs the slog logger described by the logging section.
func (c *Config) BuildLogger() (*slog.Logger, error) {
	var level slog.Level
	switch c.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "", "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("config: unknown logging level %q", c.Logging.Level)
	}

	var w io.Writer
	switch c.Logging.Output {
	case "", "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	case "none":
		w = io.Discard
	case "file":
		f, err := os.OpenFile(c.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("config: failed to open log file: %w", err)
		}
		w = f
	default:
		return nil, fmt.Errorf("config: unknown logging output %q", c.Logging.Output)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), nil
}
