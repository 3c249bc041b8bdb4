// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendS3       = "s3"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendNone     = "none"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Browser  BrowserConfig  `mapstructure:"browser"`
	Capture  CaptureConfig  `mapstructure:"capture"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Status   StatusConfig   `mapstructure:"status"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Worker   WorkerConfig   `mapstructure:"worker"`
}

// ServerConfig controls HTTP server behavior. Synchronous captures hold the
// request open, so the write timeout must exceed a full strategy chain.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig selects the zap configuration.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// BrowserConfig configures the shared Chrome process and its contexts.
type BrowserConfig struct {
	RemoteURL         string        `mapstructure:"remote_url"`
	ExecPath          string        `mapstructure:"exec_path"`
	Headless          bool          `mapstructure:"headless"`
	NoSandbox         bool          `mapstructure:"no_sandbox"`
	UserAgent         string        `mapstructure:"user_agent"`
	Locale            string        `mapstructure:"locale"`
	Timezone          string        `mapstructure:"timezone"`
	ViewportWidth     int           `mapstructure:"viewport_width"`
	ViewportHeight    int           `mapstructure:"viewport_height"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	ActionTimeout     time.Duration `mapstructure:"action_timeout"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	NavigationRPS     float64       `mapstructure:"navigation_rps"`
	NavigationBurst   int           `mapstructure:"navigation_burst"`
}

// CaptureConfig tunes the strategy chain and the cached image.
type CaptureConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	Language        string        `mapstructure:"language"`
	StrategyTimeout time.Duration `mapstructure:"strategy_timeout"`
	PanoramaWait    time.Duration `mapstructure:"panorama_wait"`
	SettleDelay     time.Duration `mapstructure:"settle_delay"`
	JPEGQuality     int           `mapstructure:"jpeg_quality"`
	Source          string        `mapstructure:"source"`
	Estimate        time.Duration `mapstructure:"estimate"`
	StaleAfter      time.Duration `mapstructure:"stale_after"`
	Diagnostics     bool          `mapstructure:"diagnostics"`
}

// StorageConfig selects the content store.
type StorageConfig struct {
	Backend string      `mapstructure:"backend"`
	Local   LocalConfig `mapstructure:"local"`
	GCS     GCSConfig   `mapstructure:"gcs"`
	S3      S3Config    `mapstructure:"s3"`
}

// LocalConfig stores images on the filesystem.
type LocalConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// GCSConfig stores images in a Cloud Storage bucket.
type GCSConfig struct {
	Bucket        string `mapstructure:"bucket"`
	PublicBaseURL string `mapstructure:"public_base_url"`
}

// S3Config stores images in an S3-compatible bucket.
type S3Config struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	PublicBaseURL   string `mapstructure:"public_base_url"`
}

// StatusConfig selects the durable mirror of the job registry.
type StatusConfig struct {
	Backend string `mapstructure:"backend"`
}

// DatabaseConfig controls access to Postgres, used for the processing table
// and for linking results to property records.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	JobsTable       string        `mapstructure:"jobs_table"`
	Records         RecordsConfig `mapstructure:"records"`
}

// RecordsConfig names the collaborator table that receives result keys.
// An empty Table disables linking.
type RecordsConfig struct {
	Table     string `mapstructure:"table"`
	IDColumn  string `mapstructure:"id_column"`
	KeyColumn string `mapstructure:"key_column"`
}

// RedisConfig configures the Redis status mirror.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// PubSubConfig holds metadata for completion notifications. Without a
// project the events are kept in memory.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// WorkerConfig sizes the asynchronous capture pool.
type WorkerConfig struct {
	Concurrency    int           `mapstructure:"concurrency"`
	QueueDepth     int           `mapstructure:"queue_depth"`
	EnqueueTimeout time.Duration `mapstructure:"enqueue_timeout"`
}

// Load builds a Config from disk and the STREETVIEW_* environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("STREETVIEW")
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
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "6m")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.level", "")
	v.SetDefault("logging.development", false)

	v.SetDefault("browser.remote_url", "")
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.no_sandbox", false)
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.locale", "en-US")
	v.SetDefault("browser.timezone", "")
	v.SetDefault("browser.viewport_width", 1280)
	v.SetDefault("browser.viewport_height", 800)
	v.SetDefault("browser.navigation_timeout", "30s")
	v.SetDefault("browser.action_timeout", "8s")
	v.SetDefault("browser.poll_interval", "250ms")
	v.SetDefault("browser.navigation_rps", 1.0)
	v.SetDefault("browser.navigation_burst", 3)

	v.SetDefault("capture.base_url", "https://www.google.com/maps")
	v.SetDefault("capture.language", "en")
	v.SetDefault("capture.strategy_timeout", "45s")
	v.SetDefault("capture.panorama_wait", "12s")
	v.SetDefault("capture.settle_delay", "1500ms")
	v.SetDefault("capture.jpeg_quality", 90)
	v.SetDefault("capture.source", "google_maps")
	v.SetDefault("capture.estimate", "60s")
	v.SetDefault("capture.stale_after", "15m")
	v.SetDefault("capture.diagnostics", false)

	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.local.base_dir", "data/streetview")
	v.SetDefault("storage.gcs.bucket", "")
	v.SetDefault("storage.gcs.public_base_url", "")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.access_key_id", "")
	v.SetDefault("storage.s3.secret_access_key", "")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.use_ssl", true)
	v.SetDefault("storage.s3.public_base_url", "")

	v.SetDefault("status.backend", BackendMemory)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 8)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("database.jobs_table", "streetview_jobs")
	v.SetDefault("database.records.table", "")
	v.SetDefault("database.records.id_column", "id")
	v.SetDefault("database.records.key_column", "streetview_key")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "streetview:job:")
	v.SetDefault("redis.ttl", "72h")

	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "streetview-captures")

	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.queue_depth", 64)
	v.SetDefault("worker.enqueue_timeout", "2s")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Browser.ViewportWidth <= 0 || c.Browser.ViewportHeight <= 0 {
		return fmt.Errorf("browser viewport must be positive")
	}
	if c.Browser.NavigationTimeout <= 0 || c.Browser.ActionTimeout <= 0 {
		return fmt.Errorf("browser.navigation_timeout and browser.action_timeout must be > 0")
	}
	if c.Capture.StrategyTimeout <= 0 {
		return fmt.Errorf("capture.strategy_timeout must be > 0")
	}
	if c.Capture.JPEGQuality < 1 || c.Capture.JPEGQuality > 100 {
		return fmt.Errorf("capture.jpeg_quality must be between 1 and 100")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Worker.QueueDepth < 0 {
		return fmt.Errorf("worker.queue_depth must be >= 0")
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLocal:
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir is required for the local backend")
		}
	case BackendGCS:
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket is required for the gcs backend")
		}
	case BackendS3:
		if c.Storage.S3.Endpoint == "" || c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.endpoint and storage.s3.bucket are required for the s3 backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, local, gcs, s3", c.Storage.Backend)
	}

	switch c.Status.Backend {
	case BackendMemory, BackendNone:
	case BackendPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres status backend")
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for the redis status backend")
		}
	default:
		return fmt.Errorf("status.backend %q is not one of memory, postgres, redis, none", c.Status.Backend)
	}

	if c.Database.Records.Table != "" && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required when database.records.table is set")
	}
	return nil
}

// NeedsDatabase reports whether a Postgres pool must be opened.
func (c Config) NeedsDatabase() bool {
	return c.Status.Backend == BackendPostgres || c.Database.Records.Table != ""
}
