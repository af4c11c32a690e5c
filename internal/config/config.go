// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig         `mapstructure:"server"`
	Logging    LoggingConfig        `mapstructure:"logging"`
	Fetch      FetchConfig          `mapstructure:"fetch"`
	Headless   HeadlessConfig       `mapstructure:"headless"`
	Output     OutputConfig         `mapstructure:"output"`
	Checkpoint CheckpointConfig     `mapstructure:"checkpoint"`
	History    HistoryConfig        `mapstructure:"history"`
	Jobs       map[string]JobConfig `mapstructure:"jobs"`
}

// ServerConfig controls the HTTP status server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// FetchConfig configures the shared HTTP fetch client.
type FetchConfig struct {
	UserAgent        string `mapstructure:"user_agent"`
	TimeoutSeconds   int    `mapstructure:"timeout_seconds"`
	MaxAttempts      int    `mapstructure:"max_attempts"`
	BackoffInitialMs int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int    `mapstructure:"backoff_max_ms"`
	PolitenessMs     int    `mapstructure:"politeness_ms"`
	RespectRobots    bool   `mapstructure:"respect_robots"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
}

// OutputConfig sets where documents, rows, and diagnostics land.
type OutputConfig struct {
	Dir          string `mapstructure:"dir"`
	SnapshotPath string `mapstructure:"snapshot_path"`
}

// CheckpointConfig selects and configures the checkpoint backend.
type CheckpointConfig struct {
	// Backend is "file", "postgres", or "memory".
	Backend  string `mapstructure:"backend"`
	Dir      string `mapstructure:"dir"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
}

// HistoryConfig bounds the execution history and its alerting.
type HistoryConfig struct {
	Limit         int `mapstructure:"limit"`
	FailureStreak int `mapstructure:"failure_streak"`
}

// JobConfig describes one acquisition job. Type selects the adapter:
// "api" for paginated JSON APIs, "appstate" for script-embedded values.
type JobConfig struct {
	Type    string `mapstructure:"type"`
	Cron    string `mapstructure:"cron"`
	Enabled bool   `mapstructure:"enabled"`

	BaseURL     string            `mapstructure:"base_url"`
	SearchPath  string            `mapstructure:"search_path"`
	LookupPath  string            `mapstructure:"lookup_path"`
	Query       map[string]string `mapstructure:"query"`
	LookupQuery map[string]string `mapstructure:"lookup_query"`
	PageSize    int               `mapstructure:"page_size"`
	MaxPages    int               `mapstructure:"max_pages"`
	MaxItems    int               `mapstructure:"max_items"`

	ItemsField string   `mapstructure:"items_field"`
	TotalField string   `mapstructure:"total_field"`
	IDField    string   `mapstructure:"id_field"`
	Columns    []string `mapstructure:"columns"`

	Marker       string `mapstructure:"marker"`
	ItemsPath    string `mapstructure:"items_path"`
	WaitSelector string `mapstructure:"wait_selector"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("QUARRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("fetch.user_agent", "quarry/0.1 (+https://github.com/quarryd/quarry)")
	v.SetDefault("fetch.timeout_seconds", 20)
	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("fetch.backoff_initial_ms", 1000)
	v.SetDefault("fetch.backoff_max_ms", 30000)
	v.SetDefault("fetch.politeness_ms", 1050)
	v.SetDefault("fetch.respect_robots", false)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("output.dir", "data")
	v.SetDefault("output.snapshot_path", "data/metrics.json")
	v.SetDefault("checkpoint.backend", "file")
	v.SetDefault("checkpoint.dir", "data/checkpoints")
	v.SetDefault("checkpoint.max_conns", 4)
	v.SetDefault("history.limit", 100)
	v.SetDefault("history.failure_streak", 3)
}

// Validate enforces required values and reasonable limits. Per-job cron
// expressions are validated at scheduler registration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Fetch.MaxAttempts <= 0 {
		return fmt.Errorf("fetch.max_attempts must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.Checkpoint.Backend {
	case "file", "memory":
	case "postgres":
		if c.Checkpoint.DSN == "" {
			return fmt.Errorf("checkpoint.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("checkpoint.backend must be file, postgres, or memory")
	}
	if c.History.Limit <= 0 {
		return fmt.Errorf("history.limit must be > 0")
	}
	for name, job := range c.Jobs {
		if err := job.validate(); err != nil {
			return fmt.Errorf("job %s: %w", name, err)
		}
	}
	return nil
}

func (j JobConfig) validate() error {
	switch j.Type {
	case "api":
		if j.ItemsField == "" || j.IDField == "" {
			return fmt.Errorf("api jobs need items_field and id_field")
		}
	case "appstate":
		if j.Marker == "" || j.ItemsPath == "" || j.IDField == "" {
			return fmt.Errorf("appstate jobs need marker, items_path, and id_field")
		}
	default:
		return fmt.Errorf("type must be api or appstate")
	}
	if j.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	if j.Cron == "" {
		return fmt.Errorf("cron is required")
	}
	return nil
}

// FetchTimeout converts the configured timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// Politeness converts the configured inter-request spacing into a duration.
func (c Config) Politeness() time.Duration {
	return time.Duration(c.Fetch.PolitenessMs) * time.Millisecond
}

// BackoffInitial converts the configured base backoff into a duration.
func (c Config) BackoffInitial() time.Duration {
	return time.Duration(c.Fetch.BackoffInitialMs) * time.Millisecond
}

// BackoffMax converts the configured backoff cap into a duration.
func (c Config) BackoffMax() time.Duration {
	return time.Duration(c.Fetch.BackoffMaxMs) * time.Millisecond
}
