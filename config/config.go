// Package config loads service configuration from a YAML file with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full service configuration.
type Config struct {
	Server        ServerConfig         `yaml:"server"`
	Database      DatabaseConfig       `yaml:"database"`
	Engine        EngineConfig         `yaml:"engine"`
	Dispatcher    DispatcherConfig     `yaml:"dispatcher"`
	Poller        PollerConfig         `yaml:"poller"`
	Sweep         SweepConfig          `yaml:"sweep"`
	Orchestrators []OrchestratorConfig `yaml:"orchestrators"`
	ArtifactStore ArtifactStoreConfig  `yaml:"artifact_store"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port string `yaml:"port"`
}

// DatabaseConfig selects the backing store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`
}

// EngineConfig fixes the milestone ladder.
type EngineConfig struct {
	Step     int `yaml:"step"`
	Terminal int `yaml:"terminal"`
}

// DispatcherConfig tunes resume dispatch.
type DispatcherConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	Concurrency    int           `yaml:"concurrency"`
	MaxAttempts    int           `yaml:"max_attempts"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	TriggerTimeout time.Duration `yaml:"trigger_timeout"`
	LockTTL        time.Duration `yaml:"lock_ttl"`
}

// PollerConfig tunes job status reconciliation.
type PollerConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// SweepConfig schedules periodic maintenance.
type SweepConfig struct {
	Schedule string        `yaml:"schedule"` // five-field cron expression
	StaleFor time.Duration `yaml:"stale_for"`
}

// OrchestratorConfig describes one orchestration target. The token is read
// from the named environment variable, never from the file.
type OrchestratorConfig struct {
	Platform   string        `yaml:"platform"`
	TriggerURL string        `yaml:"trigger_url"`
	StatusURL  string        `yaml:"status_url"`
	CancelURL  string        `yaml:"cancel_url"`
	TokenEnv   string        `yaml:"token_env"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Token resolves the target's auth token from the environment.
func (o OrchestratorConfig) Token() string {
	if o.TokenEnv == "" {
		return ""
	}
	return os.Getenv(o.TokenEnv)
}

// ArtifactStoreConfig enables object-store preflight checks.
type ArtifactStoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Region  string `yaml:"region"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Port: "8080"},
		Database: DatabaseConfig{Driver: "sqlite", DSN: "buildstate.db"},
		Engine:   EngineConfig{Step: 5, Terminal: 100},
		Dispatcher: DispatcherConfig{
			PollInterval:   2 * time.Second,
			Concurrency:    4,
			MaxAttempts:    5,
			BackoffBase:    time.Second,
			BackoffMax:     time.Minute,
			TriggerTimeout: 30 * time.Second,
			LockTTL:        5 * time.Minute,
		},
		Poller: PollerConfig{Interval: 10 * time.Second},
		Sweep:  SweepConfig{Schedule: "*/5 * * * *", StaleFor: time.Minute},
	}
}

// Load reads configuration from path (optional) and applies environment
// overrides. A missing path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.Server.Port = getEnv("BLDST_SERVER_PORT", cfg.Server.Port)
	cfg.Database.Driver = getEnv("BLDST_DB_DRIVER", cfg.Database.Driver)
	cfg.Database.DSN = getEnv("BLDST_DB_DSN", cfg.Database.DSN)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Engine.Step <= 0 {
		return fmt.Errorf("config: engine.step must be positive")
	}
	if c.Engine.Terminal <= 0 || c.Engine.Terminal%c.Engine.Step != 0 {
		return fmt.Errorf("config: engine.terminal must be a positive multiple of engine.step")
	}
	for _, o := range c.Orchestrators {
		if o.Platform == "" || o.TriggerURL == "" || o.StatusURL == "" {
			return fmt.Errorf("config: orchestrator entries need platform, trigger_url and status_url")
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
