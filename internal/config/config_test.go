package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.HTTP.Addr)
	require.Equal(t, 30*time.Second, cfg.HTTP.RequestTimeout)
	require.Empty(t, cfg.HTTP.APIKey)

	require.Equal(t, "memory", cfg.Queue.Backend)
	require.Equal(t, 3, cfg.Queue.MaxAttempts)
	require.Equal(t, 5*time.Second, cfg.Queue.BackoffBase)
	require.Equal(t, 5*time.Minute, cfg.Queue.BackoffCap)
	require.Equal(t, 7*24*time.Hour, cfg.Queue.FailedMaxAge)

	require.Equal(t, 2, cfg.Worker.Concurrency)
	require.Less(t, cfg.Worker.HeartbeatInterval, cfg.Worker.LeaseDuration)
	require.Equal(t, "screenshots", cfg.Worker.ScreenshotPrefix)

	require.Equal(t, 2, cfg.Extractor.MaxParallel)
	require.Equal(t, 1366, cfg.Extractor.ViewportWidth)

	require.True(t, cfg.Probe.Enabled)
	require.True(t, cfg.Probe.RespectRobots)

	require.Equal(t, "memory", cfg.Storage.StatusBackend)
	require.Equal(t, "memory", cfg.Storage.BlobBackend)
	require.Equal(t, "memory", cfg.Publisher.Backend)

	require.Equal(t, 256, cfg.Progress.BufferSize)
	require.Equal(t, "info", cfg.Logging.Level)
	require.False(t, cfg.Logging.Development)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
http:
  addr: ":9090"
  request_timeout: 45s
  api_key: secret
queue:
  backend: sqlite
  sqlite_path: /var/lib/sitelens/queue.db
  max_attempts: 5
  backoff_base: 2s
worker:
  concurrency: 6
  lease_duration: 90s
  heartbeat_interval: 15s
  job_timeout: 60s
  lease_rate_per_minute: 30
extractor:
  max_parallel: 4
  user_agent: sitelens-staging/2.0
  navigation_timeout: 20s
probe:
  enabled: false
storage:
  status_backend: postgres
  dsn: postgres://sitelens:pw@localhost:5432/sitelens
  blob_backend: local
  local_dir: /var/lib/sitelens/blobs
publisher:
  backend: pubsub
  project_id: acme-prod
  topic_id: analysis-done
logging:
  level: debug
  development: true
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, ":9090", cfg.HTTP.Addr)
	require.Equal(t, 45*time.Second, cfg.HTTP.RequestTimeout)
	require.Equal(t, "secret", cfg.HTTP.APIKey)

	require.Equal(t, "sqlite", cfg.Queue.Backend)
	require.Equal(t, "/var/lib/sitelens/queue.db", cfg.Queue.SQLitePath)
	require.Equal(t, 5, cfg.Queue.MaxAttempts)
	require.Equal(t, 2*time.Second, cfg.Queue.BackoffBase)
	// Untouched keys keep their defaults.
	require.Equal(t, 5*time.Minute, cfg.Queue.BackoffCap)

	require.Equal(t, 6, cfg.Worker.Concurrency)
	require.Equal(t, 90*time.Second, cfg.Worker.LeaseDuration)
	require.Equal(t, 15*time.Second, cfg.Worker.HeartbeatInterval)

	require.Equal(t, 4, cfg.Extractor.MaxParallel)
	require.Equal(t, "sitelens-staging/2.0", cfg.Extractor.UserAgent)
	require.Equal(t, 20*time.Second, cfg.Extractor.NavigationTimeout)

	require.False(t, cfg.Probe.Enabled)

	require.Equal(t, "postgres", cfg.Storage.StatusBackend)
	require.Equal(t, "postgres://sitelens:pw@localhost:5432/sitelens", cfg.Storage.DSN)
	require.Equal(t, "local", cfg.Storage.BlobBackend)
	require.Equal(t, "/var/lib/sitelens/blobs", cfg.Storage.LocalDir)

	require.Equal(t, "pubsub", cfg.Publisher.Backend)
	require.Equal(t, "acme-prod", cfg.Publisher.ProjectID)
	require.Equal(t, "analysis-done", cfg.Publisher.TopicID)

	require.Equal(t, "debug", cfg.Logging.Level)
	require.True(t, cfg.Logging.Development)
}

func TestLoadEnvOverrides(t *testing.T) {
	// t.Setenv disallows t.Parallel.
	t.Setenv("SITELENS_HTTP_ADDR", ":7070")
	t.Setenv("SITELENS_QUEUE_BACKEND", "sqlite")
	t.Setenv("SITELENS_QUEUE_SQLITE_PATH", "env.db")
	t.Setenv("SITELENS_WORKER_JOB_TIMEOUT", "75s")
	t.Setenv("SITELENS_STORAGE_GCS_BUCKET", "sitelens-artifacts")

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, ":7070", cfg.HTTP.Addr)
	require.Equal(t, "sqlite", cfg.Queue.Backend)
	require.Equal(t, "env.db", cfg.Queue.SQLitePath)
	require.Equal(t, 75*time.Second, cfg.Worker.JobTimeout)
	require.Equal(t, "sitelens-artifacts", cfg.Storage.GCSBucket)
}

func TestLoadLegacyConcurrencyEnv(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "9")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 9, cfg.Worker.Concurrency)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "read config")
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := func() Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "missing addr",
			mutate: func(c *Config) { c.HTTP.Addr = "" },
			want:   "http.addr",
		},
		{
			name:   "unknown queue backend",
			mutate: func(c *Config) { c.Queue.Backend = "redis" },
			want:   "queue.backend",
		},
		{
			name: "sqlite without path",
			mutate: func(c *Config) {
				c.Queue.Backend = "sqlite"
				c.Queue.SQLitePath = ""
			},
			want: "queue.sqlite_path",
		},
		{
			name:   "zero attempts",
			mutate: func(c *Config) { c.Queue.MaxAttempts = 0 },
			want:   "queue.max_attempts",
		},
		{
			name:   "zero concurrency",
			mutate: func(c *Config) { c.Worker.Concurrency = 0 },
			want:   "worker.concurrency",
		},
		{
			name: "heartbeat not under lease",
			mutate: func(c *Config) {
				c.Worker.LeaseDuration = 10 * time.Second
				c.Worker.HeartbeatInterval = 10 * time.Second
			},
			want: "worker.heartbeat_interval",
		},
		{
			name:   "zero lease rate",
			mutate: func(c *Config) { c.Worker.LeaseRatePerMinute = 0 },
			want:   "worker.lease_rate_per_minute",
		},
		{
			name:   "zero browser sessions",
			mutate: func(c *Config) { c.Extractor.MaxParallel = 0 },
			want:   "extractor.max_parallel",
		},
		{
			name:   "postgres without dsn",
			mutate: func(c *Config) { c.Storage.StatusBackend = "postgres" },
			want:   "storage.dsn",
		},
		{
			name:   "local blobs without dir",
			mutate: func(c *Config) { c.Storage.BlobBackend = "local" },
			want:   "storage.local_dir",
		},
		{
			name:   "gcs without bucket",
			mutate: func(c *Config) { c.Storage.BlobBackend = "gcs" },
			want:   "storage.gcs_bucket",
		},
		{
			name:   "unknown blob backend",
			mutate: func(c *Config) { c.Storage.BlobBackend = "s3" },
			want:   "storage.blob_backend",
		},
		{
			name:   "pubsub without topic",
			mutate: func(c *Config) { c.Publisher.Backend = "pubsub" },
			want:   "publisher.project_id",
		},
		{
			name:   "unknown publisher backend",
			mutate: func(c *Config) { c.Publisher.Backend = "kafka" },
			want:   "publisher.backend",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.want)
		})
	}
}
