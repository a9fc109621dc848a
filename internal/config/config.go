// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"harvester/internal/extract"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Session  SessionConfig  `mapstructure:"session"`
	Budget   BudgetConfig   `mapstructure:"budget"`
	Identity IdentityConfig `mapstructure:"identity"`
	Driver   DriverConfig   `mapstructure:"driver"`
	Extract  extract.Schema `mapstructure:"extract"`
	DB       DBConfig       `mapstructure:"db"`
	Blob     BlobConfig     `mapstructure:"blob"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls the health/metrics HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// FetchConfig governs dispatcher and orchestrator behavior.
type FetchConfig struct {
	HTTPConcurrency   int      `mapstructure:"http_concurrency"`
	TimeoutSeconds    int      `mapstructure:"timeout_seconds"`
	MaxAttempts       int      `mapstructure:"max_attempts"`
	QueueDepth        int      `mapstructure:"queue_depth"`
	BlockBodyMarkers  []string `mapstructure:"block_body_markers"`
	RequeueMinDelayMs int      `mapstructure:"requeue_min_delay_ms"`
}

// SessionConfig bounds the browser session pool.
type SessionConfig struct {
	MaxSessions           int    `mapstructure:"max_sessions"`
	MaxUses               int    `mapstructure:"max_uses"`
	AcquireTimeoutSeconds int    `mapstructure:"acquire_timeout_seconds"`
	StaleAfterSeconds     int    `mapstructure:"stale_after_seconds"`
	BrowserVersion        string `mapstructure:"browser_version"`
}

// BudgetConfig tunes per-host rate limiting and backoff.
type BudgetConfig struct {
	RefillPerSecond float64 `mapstructure:"refill_per_second"`
	Burst           int     `mapstructure:"burst"`
	BackoffBaseMs   int     `mapstructure:"backoff_base_ms"`
	BackoffCap      int     `mapstructure:"backoff_cap"`
	MaxHosts        int     `mapstructure:"max_hosts"`
}

// IdentityConfig lists the identities the provider rotates through.
type IdentityConfig struct {
	UserAgents []string `mapstructure:"user_agents"`
	Proxies    []string `mapstructure:"proxies"`
}

// DriverConfig locates the browser binary.
type DriverConfig struct {
	BinaryPath string `mapstructure:"binary_path"`
	CacheDir   string `mapstructure:"cache_dir"`
}

// DBConfig controls access to the relational record sink.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// BlobConfig selects the raw-content archive backend.
type BlobConfig struct {
	Backend   string `mapstructure:"backend"` // "local" or "gcs"
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for terminal-event publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("fetch.http_concurrency", 16)
	v.SetDefault("fetch.timeout_seconds", 20)
	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("fetch.queue_depth", 256)
	v.SetDefault("fetch.requeue_min_delay_ms", 100)
	v.SetDefault("fetch.block_body_markers", []string{
		"captcha",
		"cf-challenge",
		"are you a robot",
		"access denied",
		"unusual traffic",
	})
	v.SetDefault("session.max_sessions", 2)
	v.SetDefault("session.max_uses", 25)
	v.SetDefault("session.acquire_timeout_seconds", 30)
	v.SetDefault("session.stale_after_seconds", 120)
	v.SetDefault("budget.refill_per_second", 1.0)
	v.SetDefault("budget.burst", 2)
	v.SetDefault("budget.backoff_base_ms", 500)
	v.SetDefault("budget.backoff_cap", 6)
	v.SetDefault("budget.max_hosts", 4096)
	v.SetDefault("identity.user_agents", []string{
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/127.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/127.0.0.0 Safari/537.36",
	})
	v.SetDefault("driver.cache_dir", "/root/.wdm")
	v.SetDefault("extract.fields", []map[string]any{
		{"name": "title", "selector": "title", "mode": "first", "required": true},
		{"name": "body_text", "selector": "body", "mode": "first"},
		{"name": "links", "selector": "a[href]", "attr": "href", "mode": "list"},
	})
	v.SetDefault("db.table", "records")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("blob.backend", "local")
	v.SetDefault("blob.local_dir", "media")
	v.SetDefault("blob.prefix", "pages")
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Fetch.HTTPConcurrency <= 0 {
		return fmt.Errorf("fetch.http_concurrency must be > 0")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Fetch.MaxAttempts <= 0 {
		return fmt.Errorf("fetch.max_attempts must be > 0")
	}
	if c.Session.MaxSessions <= 0 {
		return fmt.Errorf("session.max_sessions must be > 0")
	}
	if c.Session.MaxUses <= 0 {
		return fmt.Errorf("session.max_uses must be > 0")
	}
	if c.Budget.RefillPerSecond <= 0 {
		return fmt.Errorf("budget.refill_per_second must be > 0")
	}
	if c.Budget.Burst <= 0 {
		return fmt.Errorf("budget.burst must be > 0")
	}
	if c.Budget.BackoffCap < 0 {
		return fmt.Errorf("budget.backoff_cap must be >= 0")
	}
	if len(c.Identity.UserAgents) == 0 {
		return fmt.Errorf("identity.user_agents must include at least one entry")
	}
	if err := c.Extract.Validate(); err != nil {
		return fmt.Errorf("extract: %w", err)
	}
	switch c.Blob.Backend {
	case "local", "gcs":
	default:
		return fmt.Errorf("blob.backend must be \"local\" or \"gcs\"")
	}
	if c.Blob.Backend == "gcs" && c.Blob.GCSBucket == "" {
		return fmt.Errorf("blob.gcs_bucket must be set when blob.backend is gcs")
	}
	return nil
}

// FetchTimeout converts the configured timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// AcquireTimeout is how long a fetch waits for a browser session.
func (c Config) AcquireTimeout() time.Duration {
	return time.Duration(c.Session.AcquireTimeoutSeconds) * time.Second
}

// StaleAfter is the idle span after which a session is probed before lease.
func (c Config) StaleAfter() time.Duration {
	return time.Duration(c.Session.StaleAfterSeconds) * time.Second
}

// BackoffBase converts the backoff base into a duration.
func (c Config) BackoffBase() time.Duration {
	return time.Duration(c.Budget.BackoffBaseMs) * time.Millisecond
}

// RequeueMinDelay is the floor applied to deny-driven requeue delays.
func (c Config) RequeueMinDelay() time.Duration {
	return time.Duration(c.Fetch.RequeueMinDelayMs) * time.Millisecond
}
