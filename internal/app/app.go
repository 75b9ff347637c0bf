// Package app builds the service from configuration and runs it. It is the
// dependency injection point: every backend (queue, stores, publisher,
// extractor) is constructed here and passed down, so the packages below stay
// wiring-free.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sitelens/sitelens/internal/api"
	"github.com/sitelens/sitelens/internal/config"
	"github.com/sitelens/sitelens/internal/extractor"
	chromedpextractor "github.com/sitelens/sitelens/internal/extractor/chromedp"
	"github.com/sitelens/sitelens/internal/extractor/probe"
	"github.com/sitelens/sitelens/internal/id/uuid"
	"github.com/sitelens/sitelens/internal/metrics"
	"github.com/sitelens/sitelens/internal/progress"
	progresssinks "github.com/sitelens/sitelens/internal/progress/sinks"
	"github.com/sitelens/sitelens/internal/publisher"
	memorypublisher "github.com/sitelens/sitelens/internal/publisher/memory"
	pubsubpublisher "github.com/sitelens/sitelens/internal/publisher/pubsub"
	"github.com/sitelens/sitelens/internal/queue"
	queuememory "github.com/sitelens/sitelens/internal/queue/memory"
	queuesqlite "github.com/sitelens/sitelens/internal/queue/sqlite"
	"github.com/sitelens/sitelens/internal/storage"
	gcsstorage "github.com/sitelens/sitelens/internal/storage/gcs"
	localstorage "github.com/sitelens/sitelens/internal/storage/local"
	memorystorage "github.com/sitelens/sitelens/internal/storage/memory"
	pgstore "github.com/sitelens/sitelens/internal/storage/postgres"
	"github.com/sitelens/sitelens/internal/worker"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 5 * time.Second

	// statsInterval is how often queue depths are copied into the gauges.
	statsInterval = 10 * time.Second
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	queue     queue.Queue
	store     storage.StatusStore
	blobs     storage.BlobStore
	pub       publisher.Publisher
	hub       *progress.Hub
	pool      *worker.Pool
	janitor   *queue.Janitor
	apiServer *api.Server

	// Backend-specific handles kept for shutdown.
	pgStore  *pgstore.StatusStore
	extClose func() error
	gcsClose func() error
}

type options struct {
	extractor  extractor.Extractor
	registerer prometheus.Registerer
}

// Option adjusts how Build assembles the App.
type Option func(*options)

// WithExtractor replaces the chromedp extractor. Tests inject fakes so no
// browser process is needed.
func WithExtractor(ex extractor.Extractor) Option {
	return func(o *options) { o.extractor = ex }
}

// WithRegisterer directs the progress collectors at reg instead of the
// default Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// Build creates the application's dependencies. The caller owns the logger;
// everything else is closed by Close.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}

	metrics.Init()

	a := &App{cfg: cfg, logger: logger}
	a.logger.Info("building application dependencies")

	if err := a.setupQueue(); err != nil {
		return nil, err
	}
	if err := a.setupStatusStore(ctx); err != nil {
		return nil, err
	}
	if err := a.setupBlobStore(ctx); err != nil {
		return nil, err
	}
	if err := a.setupPublisher(ctx); err != nil {
		return nil, err
	}
	if err := a.setupProgress(ctx, o.registerer); err != nil {
		return nil, err
	}
	ex, preflight, err := a.setupExtractor(o.extractor)
	if err != nil {
		return nil, err
	}

	a.pool = worker.New(
		a.queue,
		ex,
		preflight,
		a.store,
		a.blobs,
		nil,
		nil,
		a.hub,
		nil,
		workerConfig(cfg.Worker),
		logger.Named("worker"),
		worker.NewLogObserver(logger),
		metrics.NewJobObserver(),
		publisher.NewCompletionObserver(a.pub, logger),
	)
	a.janitor = queue.NewJanitor(a.queue, cfg.Queue.SweepInterval, cfg.Queue.TrimInterval, logger.Named("janitor"))
	a.apiServer = api.NewServer(a.queue, a.store, uuid.New(), api.Config{
		RequestTimeout: cfg.HTTP.RequestTimeout,
		APIKey:         cfg.HTTP.APIKey,
	}, logger)

	return a, nil
}

// Handler exposes the HTTP API. Tests drive the service through it without
// binding a port.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the HTTP server and the background loops, blocking until ctx is
// canceled. In-flight jobs get the worker drain budget before Run returns.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.janitor.Run(runCtx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.pollQueueStats(runCtx)
	}()

	poolDone := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		poolDone <- a.pool.Run(runCtx)
	}()

	srv := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	srvErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", a.cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-srvErr:
		a.logger.Error("http server error", zap.Error(runErr))
	}
	a.logger.Info("shutdown initiated")
	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("server shutdown error", zap.Error(err))
	}

	wg.Wait()
	if err := <-poolDone; err != nil && runErr == nil {
		runErr = err
	}

	if err := a.Close(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Close releases every backend Build opened. It is safe after a failed Run.
func (a *App) Close(ctx context.Context) error {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.queue != nil {
		if err := a.queue.Close(); err != nil && !errors.Is(err, queue.ErrClosed) {
			a.logger.Warn("queue close failed", zap.Error(err))
		}
	}
	if a.extClose != nil {
		if err := a.extClose(); err != nil {
			a.logger.Warn("extractor close failed", zap.Error(err))
		}
	}
	if a.pub != nil {
		if err := a.pub.Close(); err != nil {
			a.logger.Warn("publisher close failed", zap.Error(err))
		}
	}
	if a.gcsClose != nil {
		if err := a.gcsClose(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	a.logger.Info("shutdown complete")
	// Sync flushes buffered log entries; failures on closed stderr are
	// expected and ignored.
	_ = a.logger.Sync()
	return nil
}

func (a *App) setupQueue() error {
	opts := queue.Options{
		MaxAttempts:     a.cfg.Queue.MaxAttempts,
		BackoffBase:     a.cfg.Queue.BackoffBase,
		BackoffCap:      a.cfg.Queue.BackoffCap,
		MaxStalledCount: a.cfg.Queue.MaxStalledCount,
		CompletedLimit:  a.cfg.Queue.CompletedLimit,
		CompletedMaxAge: a.cfg.Queue.CompletedMaxAge,
		FailedLimit:     a.cfg.Queue.FailedLimit,
		FailedMaxAge:    a.cfg.Queue.FailedMaxAge,
	}
	switch a.cfg.Queue.Backend {
	case "sqlite":
		q, err := queuesqlite.Open(a.cfg.Queue.SQLitePath, opts, nil)
		if err != nil {
			return fmt.Errorf("sqlite queue init failed: %w", err)
		}
		a.queue = q
		a.logger.Info("using sqlite queue", zap.String("path", a.cfg.Queue.SQLitePath))
	default:
		a.queue = queuememory.New(opts, nil)
		a.logger.Info("using in-memory queue")
	}
	return nil
}

func (a *App) setupStatusStore(ctx context.Context) error {
	switch a.cfg.Storage.StatusBackend {
	case "postgres":
		st, err := pgstore.NewStatusStore(ctx, pgstore.StatusStoreConfig{
			DSN:             a.cfg.Storage.DSN,
			MaxConns:        int32(a.cfg.Storage.MaxConns),
			MinConns:        int32(a.cfg.Storage.MinConns),
			MaxConnLifetime: a.cfg.Storage.MaxConnLifetime,
		}, nil)
		if err != nil {
			return fmt.Errorf("postgres status store init failed: %w", err)
		}
		a.store = st
		a.pgStore = st
		a.logger.Info("using postgres status store")
	default:
		a.store = memorystorage.NewStatusStore(nil)
		a.logger.Info("using in-memory status store")
	}
	return nil
}

func (a *App) setupBlobStore(ctx context.Context) error {
	switch a.cfg.Storage.BlobBackend {
	case "gcs":
		bs, err := gcsstorage.New(ctx, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.blobs = bs
		a.gcsClose = bs.Close
		a.logger.Info("using GCS blob store", zap.String("bucket", a.cfg.Storage.GCSBucket))
	case "local":
		bs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.blobs = bs
		a.logger.Info("using local blob store", zap.String("dir", a.cfg.Storage.LocalDir))
	default:
		a.blobs = memorystorage.NewBlobStore()
		a.logger.Info("using in-memory blob store")
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	switch a.cfg.Publisher.Backend {
	case "pubsub":
		p, err := pubsubpublisher.New(ctx, pubsubpublisher.Config{
			ProjectID: a.cfg.Publisher.ProjectID,
			TopicID:   a.cfg.Publisher.TopicID,
		})
		if err != nil {
			return fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.pub = p
		a.logger.Info("using pub/sub publisher",
			zap.String("project", a.cfg.Publisher.ProjectID),
			zap.String("topic", a.cfg.Publisher.TopicID),
		)
	default:
		a.pub = memorypublisher.New()
		a.logger.Info("using in-memory publisher")
	}
	return nil
}

func (a *App) setupProgress(ctx context.Context, reg prometheus.Registerer) error {
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	a.hub = progress.NewHub(progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Progress.MaxBatchWait,
		SinkTimeout:    a.cfg.Progress.SinkTimeout,
		BaseContext:    ctx,
		Logger:         a.logger.Named("progress_hub"),
	},
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
		progresssinks.NewQueueSink(a.queue),
		progresssinks.NewStoreSink(a.store, a.logger.Named("progress_store")),
	)
	return nil
}

func (a *App) setupExtractor(override extractor.Extractor) (extractor.Extractor, worker.Preflight, error) {
	ex := override
	if ex == nil {
		ch, err := chromedpextractor.New(chromedpextractor.Config{
			MaxParallel:       a.cfg.Extractor.MaxParallel,
			UserAgent:         a.cfg.Extractor.UserAgent,
			NavigationTimeout: a.cfg.Extractor.NavigationTimeout,
			ViewportWidth:     a.cfg.Extractor.ViewportWidth,
			ViewportHeight:    a.cfg.Extractor.ViewportHeight,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("extractor init failed: %w", err)
		}
		a.extClose = ch.Close
		ex = ch
		a.logger.Info("browser extractor ready", zap.Int("max_parallel", a.cfg.Extractor.MaxParallel))
	}

	var preflight worker.Preflight
	if a.cfg.Probe.Enabled {
		preflight = probe.New(probe.Config{
			UserAgent:     a.cfg.Probe.UserAgent,
			Timeout:       a.cfg.Probe.Timeout,
			RespectRobots: a.cfg.Probe.RespectRobots,
		})
		a.logger.Info("preflight probe enabled", zap.Bool("respect_robots", a.cfg.Probe.RespectRobots))
	}
	return ex, preflight, nil
}

func (a *App) pollQueueStats(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := a.queue.Stats(ctx)
			if err != nil {
				if errors.Is(err, queue.ErrClosed) {
					return
				}
				a.logger.Warn("queue stats poll failed", zap.Error(err))
				continue
			}
			metrics.SetQueueStats(stats.Queued, stats.Active, stats.Completed, stats.Failed, stats.Delayed)
		}
	}
}

func workerConfig(cfg config.WorkerConfig) worker.Config {
	return worker.Config{
		Concurrency:       cfg.Concurrency,
		LeaseDuration:     cfg.LeaseDuration,
		HeartbeatInterval: cfg.HeartbeatInterval,
		PollInterval:      cfg.PollInterval,
		JobTimeout:        cfg.JobTimeout,
		DrainTimeout:      cfg.DrainTimeout,
		LeaseRate:         rate.Limit(float64(cfg.LeaseRatePerMinute) / 60.0),
		LeaseBurst:        cfg.LeaseBurst,
		ScreenshotPrefix:  cfg.ScreenshotPrefix,
	}
}
