// Package config loads and validates scheduler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/sparepart-scheduler/internal/registry"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig          `mapstructure:"server"`
	Auth         AuthConfig            `mapstructure:"auth"`
	Backend      BackendConfig         `mapstructure:"backend"`
	Queue        QueueConfig           `mapstructure:"queue"`
	Ledger       LedgerConfig          `mapstructure:"ledger"`
	Housekeeping HousekeepingConfig    `mapstructure:"housekeeping"`
	Requeue      RequeueConfig         `mapstructure:"requeue"`
	Spiders      []registry.Capability `mapstructure:"spiders"`
	PubSub       PubSubConfig          `mapstructure:"pubsub"`
	Archive      ArchiveConfig         `mapstructure:"archive"`
	Logging      LoggingConfig         `mapstructure:"logging"`
	Telemetry    TelemetryConfig       `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	RequestTimeoutSeconds  int `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
	// RateLimitRPS caps requests per second per client address; 0 disables.
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// BackendConfig points at the execution backend.
type BackendConfig struct {
	Provider       string `mapstructure:"provider"`
	BaseURL        string `mapstructure:"base_url"`
	Project        string `mapstructure:"project"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// QueueConfig selects the durable queue store.
type QueueConfig struct {
	Provider      string `mapstructure:"provider"`
	Path          string `mapstructure:"path"`
	BusyTimeoutMs int    `mapstructure:"busy_timeout_ms"`
}

// LedgerConfig controls the job ledger database.
type LedgerConfig struct {
	Provider    string `mapstructure:"provider"`
	DSN         string `mapstructure:"dsn"`
	Table       string `mapstructure:"table"`
	MaxConns    int32  `mapstructure:"max_conns"`
	MinConns    int32  `mapstructure:"min_conns"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// HousekeepingConfig controls job directory placement and retention.
type HousekeepingConfig struct {
	JobDir     string `mapstructure:"job_dir"`
	MaxJobDirs int    `mapstructure:"max_jobdirs"`
}

// RequeueConfig controls the completion callback and the periodic sweep.
type RequeueConfig struct {
	CallbackDelaySeconds int `mapstructure:"callback_delay_seconds"`
	SweepIntervalMinutes int `mapstructure:"sweep_interval_minutes"`
	SweepTimeoutSeconds  int `mapstructure:"sweep_timeout_seconds"`
}

// PubSubConfig holds metadata for lifecycle notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ArchiveConfig selects where finalized job logs are copied.
type ArchiveConfig struct {
	Provider string `mapstructure:"provider"`
	BaseDir  string `mapstructure:"base_dir"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
	Version     string `mapstructure:"version"`
	// ProjectID enables export to Google Cloud Trace.
	ProjectID string `mapstructure:"project_id"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCHEDULER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := v.BindEnv("housekeeping.max_jobdirs", "SCHEDULER_HOUSEKEEPING_MAX_JOBDIRS", "MAX_JOBDIR_LENGTH"); err != nil {
		return Config{}, fmt.Errorf("bind env: %w", err)
	}

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
	if len(cfg.Spiders) == 0 {
		cfg.Spiders = registry.DefaultCapabilities()
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("server.shutdown_timeout_seconds", 30)
	v.SetDefault("backend.provider", "scrapyd")
	v.SetDefault("backend.base_url", "http://localhost:6800")
	v.SetDefault("backend.project", "default")
	v.SetDefault("backend.timeout_seconds", 10)
	v.SetDefault("queue.provider", "sqlite")
	v.SetDefault("queue.path", "data/queue/crawler_queue.db")
	v.SetDefault("queue.busy_timeout_ms", 60000)
	v.SetDefault("ledger.provider", "memory")
	v.SetDefault("ledger.table", "scraping_job")
	v.SetDefault("ledger.auto_migrate", true)
	v.SetDefault("housekeeping.job_dir", "data/crawljobs")
	v.SetDefault("housekeeping.max_jobdirs", 10)
	v.SetDefault("requeue.callback_delay_seconds", 5)
	v.SetDefault("requeue.sweep_interval_minutes", 60)
	v.SetDefault("requeue.sweep_timeout_seconds", 30)
	v.SetDefault("pubsub.topic_name", "crawl-jobs")
	v.SetDefault("archive.provider", "none")
	v.SetDefault("archive.prefix", "joblogs")
	v.SetDefault("server.rate_limit_burst", 10)
	v.SetDefault("logging.development", true)
	v.SetDefault("telemetry.service_name", "sparepart-scheduler")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.RateLimitRPS < 0 {
		return fmt.Errorf("server.rate_limit_rps must be >= 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Backend.Provider {
	case "scrapyd":
		if c.Backend.BaseURL == "" {
			return fmt.Errorf("backend.base_url is required for the scrapyd backend")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown backend.provider %q", c.Backend.Provider)
	}
	if c.Backend.TimeoutSeconds <= 0 {
		return fmt.Errorf("backend.timeout_seconds must be > 0")
	}
	switch c.Queue.Provider {
	case "sqlite":
		if c.Queue.Path == "" {
			return fmt.Errorf("queue.path is required for the sqlite queue")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown queue.provider %q", c.Queue.Provider)
	}
	switch c.Ledger.Provider {
	case "postgres":
		if c.Ledger.DSN == "" {
			return fmt.Errorf("ledger.dsn is required for the postgres ledger")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown ledger.provider %q", c.Ledger.Provider)
	}
	if c.Housekeeping.MaxJobDirs <= 0 {
		return fmt.Errorf("housekeeping.max_jobdirs must be > 0")
	}
	if c.Requeue.CallbackDelaySeconds < 0 {
		return fmt.Errorf("requeue.callback_delay_seconds must be >= 0")
	}
	if c.Requeue.SweepIntervalMinutes <= 0 {
		return fmt.Errorf("requeue.sweep_interval_minutes must be > 0")
	}
	switch c.Archive.Provider {
	case "none", "memory":
	case "local":
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir is required for the local archive")
		}
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required for the gcs archive")
		}
	default:
		return fmt.Errorf("unknown archive.provider %q", c.Archive.Provider)
	}
	if _, err := registry.New(c.Spiders); err != nil {
		return fmt.Errorf("spiders: %w", err)
	}
	return nil
}

// BackendTimeout is the bound applied to every backend RPC.
func (c Config) BackendTimeout() time.Duration {
	return time.Duration(c.Backend.TimeoutSeconds) * time.Second
}

// CallbackDelay is the wait between a completion callback and the drain.
func (c Config) CallbackDelay() time.Duration {
	return time.Duration(c.Requeue.CallbackDelaySeconds) * time.Second
}

// SweepInterval is the period of the background drain.
func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.Requeue.SweepIntervalMinutes) * time.Minute
}

// SweepTimeout bounds each spider's drain during a sweep.
func (c Config) SweepTimeout() time.Duration {
	return time.Duration(c.Requeue.SweepTimeoutSeconds) * time.Second
}

// RequestTimeout bounds inbound HTTP handlers.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// QueueBusyTimeout is how long a queue write waits on a locked database.
func (c Config) QueueBusyTimeout() time.Duration {
	return time.Duration(c.Queue.BusyTimeoutMs) * time.Millisecond
}
