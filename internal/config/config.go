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
	HTTP      HTTPConfig      `mapstructure:"http"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Extractor ExtractorConfig `mapstructure:"extractor"`
	Probe     ProbeConfig     `mapstructure:"probe"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// HTTPConfig controls the API server.
type HTTPConfig struct {
	Addr           string        `mapstructure:"addr"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// APIKey enables request authentication when non-empty.
	APIKey string `mapstructure:"api_key"`
}

// QueueConfig selects the queue backend and its retry, stall, and
// retention policy.
type QueueConfig struct {
	// Backend is "memory" or "sqlite".
	Backend         string        `mapstructure:"backend"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	BackoffCap      time.Duration `mapstructure:"backoff_cap"`
	MaxStalledCount int           `mapstructure:"max_stalled_count"`
	CompletedLimit  int           `mapstructure:"completed_limit"`
	CompletedMaxAge time.Duration `mapstructure:"completed_max_age"`
	FailedLimit     int           `mapstructure:"failed_limit"`
	FailedMaxAge    time.Duration `mapstructure:"failed_max_age"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	TrimInterval    time.Duration `mapstructure:"trim_interval"`
}

// WorkerConfig governs the analysis pool.
type WorkerConfig struct {
	Concurrency       int           `mapstructure:"concurrency"`
	LeaseDuration     time.Duration `mapstructure:"lease_duration"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	JobTimeout        time.Duration `mapstructure:"job_timeout"`
	DrainTimeout      time.Duration `mapstructure:"drain_timeout"`
	// LeaseRatePerMinute paces lease acquisition pool-wide.
	LeaseRatePerMinute int    `mapstructure:"lease_rate_per_minute"`
	LeaseBurst         int    `mapstructure:"lease_burst"`
	ScreenshotPrefix   string `mapstructure:"screenshot_prefix"`
}

// ExtractorConfig configures the headless browser subsystem.
type ExtractorConfig struct {
	MaxParallel       int           `mapstructure:"max_parallel"`
	UserAgent         string        `mapstructure:"user_agent"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	ViewportWidth     int           `mapstructure:"viewport_width"`
	ViewportHeight    int           `mapstructure:"viewport_height"`
}

// ProbeConfig configures the plain-HTTP preflight check that runs before
// a browser session is spent on a URL.
type ProbeConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	UserAgent     string        `mapstructure:"user_agent"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RespectRobots bool          `mapstructure:"respect_robots"`
}

// StorageConfig selects the status-store and blob-store backends.
type StorageConfig struct {
	// StatusBackend is "memory" or "postgres".
	StatusBackend   string        `mapstructure:"status_backend"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int           `mapstructure:"max_conns"`
	MinConns        int           `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`

	// BlobBackend is "memory", "local", or "gcs".
	BlobBackend string `mapstructure:"blob_backend"`
	LocalDir    string `mapstructure:"local_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
}

// PublisherConfig selects where completion events go.
type PublisherConfig struct {
	// Backend is "memory" or "pubsub".
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SITELENS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Deployments predating the SITELENS_ prefix set WORKER_CONCURRENCY
	// directly; keep honoring it.
	_ = v.BindEnv("worker.concurrency", "SITELENS_WORKER_CONCURRENCY", "WORKER_CONCURRENCY")

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

// setDefaults registers every key, including zero values, so AutomaticEnv
// lookups reach Unmarshal for keys absent from the config file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.request_timeout", 30*time.Second)
	v.SetDefault("http.api_key", "")

	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.sqlite_path", "sitelens.db")
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.backoff_base", 5*time.Second)
	v.SetDefault("queue.backoff_cap", 5*time.Minute)
	v.SetDefault("queue.max_stalled_count", 2)
	v.SetDefault("queue.completed_limit", 100)
	v.SetDefault("queue.completed_max_age", 24*time.Hour)
	v.SetDefault("queue.failed_limit", 50)
	v.SetDefault("queue.failed_max_age", 7*24*time.Hour)
	v.SetDefault("queue.sweep_interval", 15*time.Second)
	v.SetDefault("queue.trim_interval", 10*time.Minute)

	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.lease_duration", 120*time.Second)
	v.SetDefault("worker.heartbeat_interval", 30*time.Second)
	v.SetDefault("worker.poll_interval", time.Second)
	v.SetDefault("worker.job_timeout", 120*time.Second)
	v.SetDefault("worker.drain_timeout", 30*time.Second)
	v.SetDefault("worker.lease_rate_per_minute", 10)
	v.SetDefault("worker.lease_burst", 0)
	v.SetDefault("worker.screenshot_prefix", "screenshots")

	v.SetDefault("extractor.max_parallel", 2)
	v.SetDefault("extractor.user_agent", "sitelens-bot/1.0")
	v.SetDefault("extractor.navigation_timeout", 45*time.Second)
	v.SetDefault("extractor.viewport_width", 1366)
	v.SetDefault("extractor.viewport_height", 768)

	v.SetDefault("probe.enabled", true)
	v.SetDefault("probe.user_agent", "sitelens-bot/1.0")
	v.SetDefault("probe.timeout", 10*time.Second)
	v.SetDefault("probe.respect_robots", true)

	v.SetDefault("storage.status_backend", "memory")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.max_conns", 4)
	v.SetDefault("storage.min_conns", 0)
	v.SetDefault("storage.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("storage.blob_backend", "memory")
	v.SetDefault("storage.local_dir", "")
	v.SetDefault("storage.gcs_bucket", "")

	v.SetDefault("publisher.backend", "memory")
	v.SetDefault("publisher.project_id", "")
	v.SetDefault("publisher.topic_id", "")

	v.SetDefault("progress.buffer_size", 256)
	v.SetDefault("progress.max_batch_events", 16)
	v.SetDefault("progress.max_batch_wait", 200*time.Millisecond)
	v.SetDefault("progress.sink_timeout", 2*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr must be set")
	}
	if c.HTTP.RequestTimeout <= 0 {
		return fmt.Errorf("http.request_timeout must be > 0")
	}

	switch c.Queue.Backend {
	case "memory":
	case "sqlite":
		if c.Queue.SQLitePath == "" {
			return fmt.Errorf("queue.sqlite_path must be set when queue.backend is sqlite")
		}
	default:
		return fmt.Errorf("queue.backend must be memory or sqlite, got %q", c.Queue.Backend)
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be >= 1")
	}

	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be >= 1")
	}
	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker.heartbeat_interval must be > 0")
	}
	if c.Worker.HeartbeatInterval >= c.Worker.LeaseDuration {
		return fmt.Errorf("worker.heartbeat_interval must be shorter than worker.lease_duration")
	}
	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker.job_timeout must be > 0")
	}
	if c.Worker.LeaseRatePerMinute <= 0 {
		return fmt.Errorf("worker.lease_rate_per_minute must be > 0")
	}

	if c.Extractor.MaxParallel < 1 {
		return fmt.Errorf("extractor.max_parallel must be >= 1")
	}

	switch c.Storage.StatusBackend {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn must be set when storage.status_backend is postgres")
		}
	default:
		return fmt.Errorf("storage.status_backend must be memory or postgres, got %q", c.Storage.StatusBackend)
	}

	switch c.Storage.BlobBackend {
	case "memory":
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set when storage.blob_backend is local")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.blob_backend is gcs")
		}
	default:
		return fmt.Errorf("storage.blob_backend must be memory, local, or gcs, got %q", c.Storage.BlobBackend)
	}

	switch c.Publisher.Backend {
	case "memory":
	case "pubsub":
		if c.Publisher.ProjectID == "" || c.Publisher.TopicID == "" {
			return fmt.Errorf("publisher.project_id and publisher.topic_id must be set when publisher.backend is pubsub")
		}
	default:
		return fmt.Errorf("publisher.backend must be memory or pubsub, got %q", c.Publisher.Backend)
	}

	return nil
}
