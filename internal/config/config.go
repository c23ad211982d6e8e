// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/bylaw-capture/internal/bylaw"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig        `mapstructure:"server"`
	Auth      AuthConfig          `mapstructure:"auth"`
	Logging   LoggingConfig       `mapstructure:"logging"`
	Telemetry TelemetryConfig     `mapstructure:"telemetry"`
	HTTP      HTTPConfig          `mapstructure:"http"`
	Headless  HeadlessConfig      `mapstructure:"headless"`
	Capture   CaptureConfig       `mapstructure:"capture"`
	Scheduler SchedulerConfig     `mapstructure:"scheduler"`
	Storage   StorageConfig       `mapstructure:"storage"`
	Database  DatabaseConfig      `mapstructure:"database"`
	Redis     RedisConfig         `mapstructure:"redis"`
	PubSub    PubSubConfig        `mapstructure:"pubsub"`
	Progress  ProgressConfig      `mapstructure:"progress"`
	Sites     []bylaw.TrackedSite `mapstructure:"sites"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features and the level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig identifies the service to the trace exporter. Tracing is
// exported to Cloud Trace only when ProjectID is set.
type TelemetryConfig struct {
	ServiceName   string `mapstructure:"service_name"`
	ProjectID     string `mapstructure:"project_id"`
	ProjectNumber string `mapstructure:"project_number"`
	Region        string `mapstructure:"region"`
}

// HTTPConfig configures the static fetcher.
type HTTPConfig struct {
	UserAgent      string        `mapstructure:"user_agent"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RespectRobots  bool          `mapstructure:"respect_robots"`
	MaxBodyBytes   int           `mapstructure:"max_body_bytes"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	MaxParallel        int           `mapstructure:"max_parallel"`
	NavTimeout         time.Duration `mapstructure:"nav_timeout"`
	SettleDelay        time.Duration `mapstructure:"settle_delay"`
	ScreenshotQuality  int           `mapstructure:"screenshot_quality"`
	PromotionThreshold int           `mapstructure:"promotion_threshold"`
}

// CaptureConfig governs the worker pool and per-document limits.
type CaptureConfig struct {
	Workers           int           `mapstructure:"workers"`
	QueueDepth        int           `mapstructure:"queue_depth"`
	PerJobConcurrency int           `mapstructure:"per_job_concurrency"`
	MaxAssets         int           `mapstructure:"max_assets"`
	MaxAssetBytes     int           `mapstructure:"max_asset_bytes"`
	PDFMaxPages       int           `mapstructure:"pdf_max_pages"`
	LeaseTTL          time.Duration `mapstructure:"lease_ttl"`
}

// SchedulerConfig drives periodic job creation and job retention.
type SchedulerConfig struct {
	Enabled                bool          `mapstructure:"enabled"`
	TickInterval           time.Duration `mapstructure:"tick_interval"`
	MinInterval            time.Duration `mapstructure:"min_interval"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
	JobRetention           time.Duration `mapstructure:"job_retention"`
	PurgeInterval          time.Duration `mapstructure:"purge_interval"`
}

// StorageConfig selects the blob backend for preserved artifacts.
type StorageConfig struct {
	Backend   string             `mapstructure:"backend"`
	Bucket    string             `mapstructure:"bucket"`
	Prefix    string             `mapstructure:"prefix"`
	Local     LocalStorageConfig `mapstructure:"local"`
	IOTimeout time.Duration      `mapstructure:"io_timeout"`
}

// LocalStorageConfig holds settings for the filesystem backend.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// DatabaseConfig controls the relational store. An empty DSN keeps every
// record in memory.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig enables the shared site lease. An empty URL keeps leases
// process-local.
type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// PubSubConfig holds the topics audit and progress events fan out to. An
// empty ProjectID keeps messages in memory.
type PubSubConfig struct {
	ProjectID     string `mapstructure:"project_id"`
	AuditTopic    string `mapstructure:"audit_topic"`
	ProgressTopic string `mapstructure:"progress_topic"`
}

// ProgressConfig sizes the progress hub and chooses its sinks.
type ProgressConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	BatchWait     time.Duration `mapstructure:"batch_wait"`
	SinkTimeout   time.Duration `mapstructure:"sink_timeout"`
	LogEvents     bool          `mapstructure:"log_events"`
	Prometheus    bool          `mapstructure:"prometheus"`
	PublishEvents bool          `mapstructure:"publish_events"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BYLAW")
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
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("telemetry.service_name", "bylawd")
	v.SetDefault("http.user_agent", "bylaw-capture/0.1")
	v.SetDefault("http.timeout", "30s")
	v.SetDefault("http.respect_robots", true)
	v.SetDefault("http.max_body_bytes", 20<<20)
	v.SetDefault("http.rate_limit_burst", 1)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout", "25s")
	v.SetDefault("headless.settle_delay", "500ms")
	v.SetDefault("headless.screenshot_quality", 90)
	v.SetDefault("headless.promotion_threshold", 60)
	v.SetDefault("capture.workers", 2)
	v.SetDefault("capture.queue_depth", 64)
	v.SetDefault("capture.per_job_concurrency", 4)
	v.SetDefault("capture.max_assets", 20)
	v.SetDefault("capture.max_asset_bytes", 10<<20)
	v.SetDefault("capture.pdf_max_pages", 200)
	v.SetDefault("capture.lease_ttl", "2m")
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.tick_interval", "1m")
	v.SetDefault("scheduler.min_interval", "1h")
	v.SetDefault("scheduler.max_consecutive_failures", 5)
	v.SetDefault("scheduler.job_retention", "720h")
	v.SetDefault("scheduler.purge_interval", "24h")
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.prefix", "sources")
	v.SetDefault("storage.local.base_dir", "data")
	v.SetDefault("storage.io_timeout", "30s")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.auto_migrate", false)
	v.SetDefault("redis.key_prefix", "bylaw:lease:")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")
	v.SetDefault("pubsub.audit_topic", "bylaw-audit")
	v.SetDefault("pubsub.progress_topic", "bylaw-progress")
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.batch_size", 1000)
	v.SetDefault("progress.batch_wait", "500ms")
	v.SetDefault("progress.sink_timeout", "2s")
	v.SetDefault("progress.log_events", true)
	v.SetDefault("progress.prometheus", true)
	v.SetDefault("progress.publish_events", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Capture.Workers <= 0 {
		return fmt.Errorf("capture.workers must be > 0")
	}
	if c.Capture.PerJobConcurrency <= 0 {
		return fmt.Errorf("capture.per_job_concurrency must be > 0")
	}
	if c.Capture.QueueDepth <= 0 {
		return fmt.Errorf("capture.queue_depth must be > 0")
	}
	if c.Capture.LeaseTTL <= 0 {
		return fmt.Errorf("capture.lease_ttl must be > 0")
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLocal:
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir must be set for the local backend")
		}
	case BackendGCS:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, local, gcs", c.Storage.Backend)
	}
	if c.Progress.PublishEvents && c.PubSub.ProgressTopic == "" {
		return fmt.Errorf("pubsub.progress_topic must be set when progress.publish_events is on")
	}
	return c.validateSites()
}

func (c Config) validateSites() error {
	seen := make(map[string]struct{}, len(c.Sites))
	var errs []error
	for i, site := range c.Sites {
		if site.ID == "" {
			errs = append(errs, fmt.Errorf("sites[%d]: id is required", i))
			continue
		}
		if _, dup := seen[site.ID]; dup {
			errs = append(errs, fmt.Errorf("sites[%d]: duplicate id %q", i, site.ID))
			continue
		}
		seen[site.ID] = struct{}{}
		if err := site.Config.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("sites[%d] %s: %w", i, site.ID, err))
		}
	}
	return errors.Join(errs...)
}

// LeaseBackend reports which site lease implementation the config selects.
func (c Config) LeaseBackend() string {
	if c.Redis.URL != "" {
		return BackendRedis
	}
	return BackendMemory
}

// RecordBackend reports where jobs, sites, documents and audit events live.
func (c Config) RecordBackend() string {
	if c.Database.DSN != "" {
		return BackendPostgres
	}
	return BackendMemory
}
