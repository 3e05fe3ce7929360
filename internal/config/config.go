// Package config provides configuration management for mill.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// ConfigFileName is the default config file name
	ConfigFileName = "mill.yaml"
)

// DatabaseConfig selects and configures the persistence backend.
type DatabaseConfig struct {
	// Dialect is "sqlite" or "postgres" (default: sqlite)
	Dialect string `yaml:"dialect"`
	// DSN is the database connection string. For SQLite this is a file
	// path (default: mill.db); ":memory:" is accepted for tests.
	DSN string `yaml:"dsn"`
}

// EngineConfig tunes the execution engine.
type EngineConfig struct {
	// FieldSizeLimitKB bounds the serialized size of long JSON fields
	// (input, output, params, published). Writes above the limit fail
	// with SIZE_LIMIT_EXCEEDED (default: 1024).
	FieldSizeLimitKB int `yaml:"field_size_limit_kb"`
	// StateInfoLimit bounds state_info length in bytes (default: 65500).
	StateInfoLimit int `yaml:"state_info_limit"`
	// TransientRetries is the number of attempts for transient DB errors
	// (default: 3).
	TransientRetries int `yaml:"transient_retries"`
	// ExecutorWorkers is the local executor pool size (default: 8).
	ExecutorWorkers int `yaml:"executor_workers"`
}

// SchedulerConfig tunes the delayed-call scheduler.
type SchedulerConfig struct {
	// Spacing between sweeps (default: 1s).
	Spacing time.Duration `yaml:"spacing"`
	// StaleThreshold after which a claimed but unfinished delayed call is
	// reclaimed (default: 60s).
	StaleThreshold time.Duration `yaml:"stale_threshold"`
	// BatchSize caps the rows picked up per sweep (default: 100).
	BatchSize int `yaml:"batch_size"`
}

// CronConfig tunes the cron trigger processor.
type CronConfig struct {
	// Spacing between sweeps (default: 1s).
	Spacing time.Duration `yaml:"spacing"`
	// Lookahead added to now when selecting due triggers (default: 2s).
	Lookahead time.Duration `yaml:"lookahead"`
}

// Config is the root configuration for a mill engine process.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Engine    EngineConfig    `yaml:"engine"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Cron      CronConfig      `yaml:"cron"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Dialect: "sqlite",
			DSN:     "mill.db",
		},
		Engine: EngineConfig{
			FieldSizeLimitKB: 1024,
			StateInfoLimit:   65500,
			TransientRetries: 3,
			ExecutorWorkers:  8,
		},
		Scheduler: SchedulerConfig{
			Spacing:        time.Second,
			StaleThreshold: 60 * time.Second,
			BatchSize:      100,
		},
		Cron: CronConfig{
			Spacing:   time.Second,
			Lookahead: 2 * time.Second,
		},
	}
}

// Load reads configuration from path, applying defaults for unset fields.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults()

	return cfg, nil
}

// applyDefaults fills zero values left by a partial config file.
func (c *Config) applyDefaults() {
	d := Default()

	if c.Database.Dialect == "" {
		c.Database.Dialect = d.Database.Dialect
	}
	if c.Database.DSN == "" {
		c.Database.DSN = d.Database.DSN
	}
	if c.Engine.FieldSizeLimitKB <= 0 {
		c.Engine.FieldSizeLimitKB = d.Engine.FieldSizeLimitKB
	}
	if c.Engine.StateInfoLimit <= 0 {
		c.Engine.StateInfoLimit = d.Engine.StateInfoLimit
	}
	if c.Engine.TransientRetries <= 0 {
		c.Engine.TransientRetries = d.Engine.TransientRetries
	}
	if c.Engine.ExecutorWorkers <= 0 {
		c.Engine.ExecutorWorkers = d.Engine.ExecutorWorkers
	}
	if c.Scheduler.Spacing <= 0 {
		c.Scheduler.Spacing = d.Scheduler.Spacing
	}
	if c.Scheduler.StaleThreshold <= 0 {
		c.Scheduler.StaleThreshold = d.Scheduler.StaleThreshold
	}
	if c.Scheduler.BatchSize <= 0 {
		c.Scheduler.BatchSize = d.Scheduler.BatchSize
	}
	if c.Cron.Spacing <= 0 {
		c.Cron.Spacing = d.Cron.Spacing
	}
	if c.Cron.Lookahead <= 0 {
		c.Cron.Lookahead = d.Cron.Lookahead
	}
}

// FieldSizeLimit returns the JSON field size limit in bytes.
func (c *Config) FieldSizeLimit() int {
	return c.Engine.FieldSizeLimitKB * 1024
}
