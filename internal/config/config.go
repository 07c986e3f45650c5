// Package config loads and validates engine configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/pricewatch-io/harvester/internal/engine"
)

// Config captures all engine configuration knobs loaded via Viper.
type Config struct {
	Pipeline string        `mapstructure:"pipeline"`
	Mode     string        `mapstructure:"mode"`
	SeedFile string        `mapstructure:"seed_file"`
	Engine   EngineConfig  `mapstructure:"engine"`
	Session  SessionConfig `mapstructure:"session"`
	Extract  ExtractConfig `mapstructure:"extract"`
	AltPath  AltPathConfig `mapstructure:"altpath"`
	DB       DBConfig      `mapstructure:"db"`
	PubSub   PubSubConfig  `mapstructure:"pubsub"`
	Snapshot SnapConfig    `mapstructure:"snapshot"`
	Server   ServerConfig  `mapstructure:"server"`
	Logging  LoggingConfig `mapstructure:"logging"`
}

// EngineConfig governs the worker pool and retry policy.
type EngineConfig struct {
	Workers          int `mapstructure:"workers"`
	MaxRetries       int `mapstructure:"max_retries"`
	AttemptCeiling   int `mapstructure:"attempt_ceiling"`
	RecycleThreshold int `mapstructure:"recycle_threshold"`
	LivenessRecycles int `mapstructure:"liveness_recycles"`
	CooldownSeconds  int `mapstructure:"cooldown_seconds"`
	RateLimitSeconds int `mapstructure:"rate_limit_seconds"`
	DrainGraceSec    int `mapstructure:"drain_grace_seconds"`
	FailedThreshold  int `mapstructure:"failed_threshold"`
}

// SessionConfig selects and tunes the extraction session backend.
type SessionConfig struct {
	// Backend is "chromedp" for a headless browser or "colly" for a pooled
	// HTTP client.
	Backend        string `mapstructure:"backend"`
	UserAgent      string `mapstructure:"user_agent"`
	Headless       bool   `mapstructure:"headless"`
	NavTimeoutSec  int    `mapstructure:"nav_timeout_seconds"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// ExtractConfig maps page structure to extracted fields.
type ExtractConfig struct {
	RowSelector string            `mapstructure:"row_selector"`
	Fields      map[string]string `mapstructure:"fields"`
}

// AltPathConfig configures the optional secondary API used once the primary
// path is exhausted.
type AltPathConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// DBConfig controls access to the relational checkpoint store. An empty DSN
// selects the in-memory store.
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxConns        int    `mapstructure:"max_conns"`
	MinConns        int    `mapstructure:"min_conns"`
	ConnLifetimeMin int    `mapstructure:"conn_lifetime_minutes"`
}

// PubSubConfig holds metadata for completion notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// SnapConfig sets where block-page snapshots land. An empty bucket keeps
// snapshots in memory.
type SnapConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
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
	v.SetDefault("pipeline", "default")
	v.SetDefault("mode", string(engine.ModeFresh))
	v.SetDefault("engine.workers", 3)
	v.SetDefault("engine.max_retries", 3)
	v.SetDefault("engine.attempt_ceiling", 5)
	v.SetDefault("engine.recycle_threshold", 25)
	v.SetDefault("engine.liveness_recycles", 2)
	v.SetDefault("engine.cooldown_seconds", 60)
	v.SetDefault("engine.rate_limit_seconds", 2)
	v.SetDefault("engine.drain_grace_seconds", 30)
	v.SetDefault("engine.failed_threshold", 0)
	v.SetDefault("session.backend", "colly")
	v.SetDefault("session.user_agent", "pricewatch-harvester/0.1")
	v.SetDefault("session.headless", true)
	v.SetDefault("session.nav_timeout_seconds", 45)
	v.SetDefault("session.timeout_seconds", 15)
	v.SetDefault("extract.row_selector", "table tbody tr")
	v.SetDefault("altpath.enabled", false)
	v.SetDefault("altpath.timeout_seconds", 10)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.conn_lifetime_minutes", 30)
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("snapshot.enabled", false)
	v.SetDefault("snapshot.prefix", "blocks")
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Pipeline == "" {
		return fmt.Errorf("pipeline must be set")
	}
	switch engine.RunMode(c.Mode) {
	case engine.ModeFresh, engine.ModeResume:
	default:
		return fmt.Errorf("mode must be %q or %q", engine.ModeFresh, engine.ModeResume)
	}
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("engine.workers must be > 0")
	}
	if c.Engine.MaxRetries < 0 {
		return fmt.Errorf("engine.max_retries must be >= 0")
	}
	if c.Engine.AttemptCeiling <= 0 {
		return fmt.Errorf("engine.attempt_ceiling must be > 0")
	}
	if c.Engine.LivenessRecycles < 0 {
		return fmt.Errorf("engine.liveness_recycles must be >= 0")
	}
	switch c.Session.Backend {
	case "chromedp", "colly":
	default:
		return fmt.Errorf("session.backend must be chromedp or colly")
	}
	if c.Extract.RowSelector == "" {
		return fmt.Errorf("extract.row_selector must be set")
	}
	if len(c.Extract.Fields) == 0 {
		return fmt.Errorf("extract.fields must define at least one field selector")
	}
	if c.AltPath.Enabled && c.AltPath.BaseURL == "" {
		return fmt.Errorf("altpath.base_url must be set when altpath is enabled")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	return nil
}

// RunMode returns the validated run mode.
func (c Config) RunMode() engine.RunMode {
	return engine.RunMode(c.Mode)
}

// Cooldown returns the anti-bot cooldown duration.
func (c Config) Cooldown() time.Duration {
	return time.Duration(c.Engine.CooldownSeconds) * time.Second
}

// RateInterval returns the per-worker minimum spacing between requests.
func (c Config) RateInterval() time.Duration {
	return time.Duration(c.Engine.RateLimitSeconds) * time.Second
}

// DrainGrace returns how long shutdown waits for in-flight items.
func (c Config) DrainGrace() time.Duration {
	return time.Duration(c.Engine.DrainGraceSec) * time.Second
}
