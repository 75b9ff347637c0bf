// Package worker implements the analysis pipeline execution loop: a fixed
// pool of slots leasing jobs from the queue, driving the extractor, scoring
// engine, and recommendation generator, and reporting progress checkpoints
// along the way.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sitelens/sitelens/internal/analyzer"
	"github.com/sitelens/sitelens/internal/clock/system"
	"github.com/sitelens/sitelens/internal/extractor"
	"github.com/sitelens/sitelens/internal/hash/sha256"
	"github.com/sitelens/sitelens/internal/progress"
	"github.com/sitelens/sitelens/internal/queue"
	"github.com/sitelens/sitelens/internal/recommend"
	"github.com/sitelens/sitelens/internal/report"
	"github.com/sitelens/sitelens/internal/scoring"
	"github.com/sitelens/sitelens/internal/storage"
)

// Defaults applied by Config.Normalize.
const (
	DefaultConcurrency       = 2
	DefaultLeaseDuration     = 120 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultPollInterval      = time.Second
	DefaultJobTimeout        = 120 * time.Second
	DefaultDrainTimeout      = 30 * time.Second

	// DefaultLeaseRate paces lease acquisition at 10 jobs per minute
	// across the whole pool.
	DefaultLeaseRate = rate.Limit(10.0 / 60.0)

	// outcomeTimeout bounds the terminal queue transition and status
	// mirror after processing, which may already have burned the job
	// timeout.
	outcomeTimeout = 10 * time.Second

	screenshotContentType = "image/png"
)

// Config controls pool behavior.
type Config struct {
	// Concurrency is the number of slots pulling jobs.
	Concurrency int

	// LeaseDuration is how long a lease survives without a heartbeat.
	LeaseDuration time.Duration

	// HeartbeatInterval is how often active jobs renew their lease. It
	// must stay well under LeaseDuration.
	HeartbeatInterval time.Duration

	// PollInterval is the sleep between lease attempts when the queue is
	// empty.
	PollInterval time.Duration

	// JobTimeout is the hard processing budget per attempt.
	JobTimeout time.Duration

	// DrainTimeout is how long in-flight jobs may finish after shutdown
	// is requested before they are force-canceled.
	DrainTimeout time.Duration

	// LeaseRate paces lease acquisition pool-wide; LeaseBurst defaults to
	// Concurrency so idle slots cannot stampede the extractor.
	LeaseRate  rate.Limit
	LeaseBurst int

	// ScreenshotPrefix namespaces screenshot keys in the blob store.
	ScreenshotPrefix string

	// WorkerName prefixes the per-slot lease owner ids.
	WorkerName string
}

// Normalize fills zero fields with defaults.
func (c Config) Normalize() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = DefaultLeaseDuration
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = DefaultJobTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.LeaseRate <= 0 {
		c.LeaseRate = DefaultLeaseRate
	}
	if c.LeaseBurst <= 0 {
		c.LeaseBurst = c.Concurrency
	}
	if c.ScreenshotPrefix == "" {
		c.ScreenshotPrefix = "screenshots"
	}
	if c.WorkerName == "" {
		c.WorkerName = "worker"
	}
	return c
}

// Preflight vets a URL before a browser session is spent on it.
type Preflight interface {
	Check(ctx context.Context, url string) error
}

// Hasher fingerprints screenshot bytes for blob keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Observer receives job outcomes. JobFailed fires once per failed attempt;
// the job carries the state the failure left it in, so observers can tell a
// requeue from a terminal failure.
type Observer interface {
	JobCompleted(job analyzer.Job, report analyzer.Report)
	JobFailed(job analyzer.Job, err error, retryable bool)
}

// Pool consumes jobs from the queue until its context finishes.
type Pool struct {
	queue     queue.Queue
	extractor extractor.Extractor
	preflight Preflight
	store     storage.StatusStore
	blobs     storage.BlobStore
	hasher    Hasher
	generator *recommend.Generator
	emitter   progress.Emitter
	clock     analyzer.Clock
	cfg       Config
	limiter   *rate.Limiter
	logger    *zap.Logger
	observers []Observer
}

// New constructs a Pool. queue and ex are required; preflight, store, blobs,
// and observers are optional collaborators, skipped when nil.
func New(
	q queue.Queue,
	ex extractor.Extractor,
	preflight Preflight,
	store storage.StatusStore,
	blobs storage.BlobStore,
	hasher Hasher,
	generator *recommend.Generator,
	emitter progress.Emitter,
	clk analyzer.Clock,
	cfg Config,
	logger *zap.Logger,
	observers ...Observer,
) *Pool {
	cfg = cfg.Normalize()
	if hasher == nil {
		hasher = sha256.New()
	}
	if generator == nil {
		generator = recommend.New(nil)
	}
	if clk == nil {
		clk = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		queue:     q,
		extractor: ex,
		preflight: preflight,
		store:     store,
		blobs:     blobs,
		hasher:    hasher,
		generator: generator,
		emitter:   emitter,
		clock:     clk,
		cfg:       cfg,
		limiter:   rate.NewLimiter(cfg.LeaseRate, cfg.LeaseBurst),
		logger:    logger.Named("worker"),
		observers: observers,
	}
}

// Run blocks, leasing and processing jobs until ctx is canceled and the
// in-flight jobs have drained. Canceling ctx stops new leases immediately;
// jobs still processing get DrainTimeout to finish before they are
// force-canceled and left for stall recovery.
func (p *Pool) Run(ctx context.Context) error {
	// Processing must outlive ctx by up to DrainTimeout, so it runs on its
	// own context rather than a child of ctx.
	procCtx, cancelProc := context.WithCancel(context.Background())
	defer cancelProc()

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.runSlot(ctx, procCtx, slot)
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		// Queue closed out from under the slots.
		return nil
	case <-ctx.Done():
	}

	select {
	case <-done:
		return nil
	case <-time.After(p.cfg.DrainTimeout):
		p.logger.Warn("drain timeout reached, force-canceling in-flight jobs")
		cancelProc()
	}
	<-done
	return nil
}

// runSlot is one worker loop. leaseCtx gates new work; procCtx bounds the
// jobs themselves. A slot survives any job error.
func (p *Pool) runSlot(leaseCtx, procCtx context.Context, slot int) {
	workerID := fmt.Sprintf("%s-%d", p.cfg.WorkerName, slot)
	logger := p.logger.With(zap.String("worker_id", workerID))

	for {
		if err := p.limiter.Wait(leaseCtx); err != nil {
			return
		}
		job, ok, err := p.queue.Lease(leaseCtx, workerID, p.cfg.LeaseDuration)
		if err != nil {
			if leaseCtx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			logger.Error("lease failed", zap.Error(err))
			sleep(leaseCtx, p.cfg.PollInterval)
			continue
		}
		if !ok {
			sleep(leaseCtx, p.cfg.PollInterval)
			continue
		}
		logger.Debug("leased job",
			zap.String("job_id", job.ID),
			zap.String("url", job.URL),
			zap.Int("attempt", job.AttemptsMade),
		)
		p.handle(procCtx, workerID, job)
	}
}

// handle runs one attempt end to end: pipeline under the job timeout, then
// the terminal queue transition under its own short deadline so a timed-out
// attempt can still be recorded.
func (p *Pool) handle(procCtx context.Context, workerID string, job analyzer.Job) {
	logger := p.logger.With(zap.String("job_id", job.ID), zap.String("worker_id", workerID))

	jobCtx, cancel := context.WithTimeout(procCtx, p.cfg.JobTimeout)
	defer cancel()

	stopHeartbeat := p.startHeartbeat(jobCtx, logger, job.ID, workerID)
	tracker := progress.NewTracker(p.emitter, job.ID, p.clock)
	rep, err := p.process(jobCtx, tracker, job)
	stopHeartbeat()

	outCtx, cancelOut := context.WithTimeout(procCtx, outcomeTimeout)
	defer cancelOut()
	if err != nil {
		p.failJob(outCtx, logger, workerID, job, err)
		return
	}
	p.completeJob(outCtx, logger, workerID, tracker, job, rep)
}

// process executes the pipeline for one attempt and assembles the report.
// Every error escaping here has been classified at its point of failure.
func (p *Pool) process(ctx context.Context, tracker *progress.Tracker, job analyzer.Job) (analyzer.Report, error) {
	start := p.clock.Now()
	tracker.Checkpoint(5, progress.StepInitialization, "")
	p.mirrorStatus(ctx, job.ID, analyzer.JobStatusActive, "")

	if p.preflight != nil {
		if err := p.preflight.Check(ctx, job.URL); err != nil {
			return analyzer.Report{}, err
		}
	}

	sess, err := p.extractor.Open(ctx, job.URL)
	if err != nil {
		return analyzer.Report{}, err
	}
	defer func() { _ = sess.Close(context.Background()) }()
	tracker.Checkpoint(10, progress.StepExtractorLaunch, "")

	if err := sess.Navigate(ctx); err != nil {
		return analyzer.Report{}, err
	}
	tracker.Checkpoint(20, progress.StepNavigate, "")

	screenshotRef := p.captureScreenshot(ctx, tracker, sess, job.ID)

	sig, err := sess.Signals(ctx)
	if err != nil {
		return analyzer.Report{}, err
	}
	tracker.Checkpoint(40, progress.StepExtractSignals, "")

	results := make(map[string]analyzer.DimensionResult, len(scoring.Dimensions()))
	for i, dim := range scoring.Dimensions() {
		results[dim] = scoring.Score(dim, sig)
		tracker.Checkpoint(50+5*i, progress.StepScoreDimension, dim)
	}

	recs := p.generator.Generate(results)
	tracker.Checkpoint(80, progress.StepGenerateRecommendations, "")

	rep := report.Assemble(report.Input{
		JobID:           job.ID,
		URL:             job.URL,
		Results:         results,
		Recommendations: recs,
		Timestamp:       p.clock.Now(),
		AnalysisTime:    p.clock.Now().Sub(start),
		ScreenshotRef:   screenshotRef,
	})

	p.saveReport(ctx, job, rep)
	tracker.Checkpoint(90, progress.StepPersist, "")
	return rep, nil
}

// captureScreenshot is best-effort: the analysis stands without it, so
// capture or upload failures log and return an empty ref.
func (p *Pool) captureScreenshot(ctx context.Context, tracker *progress.Tracker, sess extractor.Session, jobID string) string {
	if p.blobs == nil {
		return ""
	}
	png, err := sess.Screenshot(ctx)
	if err != nil {
		p.logger.Warn("screenshot capture failed", zap.String("job_id", jobID), zap.Error(err))
		return ""
	}
	tracker.Checkpoint(30, progress.StepCapture, "")

	hash, err := p.hasher.Hash(png)
	if err != nil {
		p.logger.Warn("screenshot hash failed", zap.String("job_id", jobID), zap.Error(err))
		return ""
	}
	ref, err := p.blobs.PutObject(ctx, p.screenshotPath(jobID, hash), screenshotContentType, bytes.NewReader(png))
	if err != nil {
		p.logger.Warn("screenshot upload failed", zap.String("job_id", jobID), zap.Error(err))
		return ""
	}
	tracker.Checkpoint(35, progress.StepUploadArtifact, "")
	return ref
}

func (p *Pool) screenshotPath(jobID, hash string) string {
	prefix := strings.Trim(p.cfg.ScreenshotPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.png", jobID, hash)
	}
	return fmt.Sprintf("%s/%s/%s.png", prefix, jobID, hash)
}

func (p *Pool) completeJob(ctx context.Context, logger *zap.Logger, workerID string, tracker *progress.Tracker, job analyzer.Job, rep analyzer.Report) {
	if err := p.queue.Complete(ctx, job.ID, workerID, rep); err != nil {
		// Most likely the lease expired mid-flight and the job moved on;
		// whoever owns it now decides its fate.
		logger.Error("complete transition failed", zap.Error(err))
		return
	}
	tracker.Checkpoint(100, progress.StepCompleted, "")
	p.mirrorStatus(ctx, job.ID, analyzer.JobStatusCompleted, "")

	job.Status = analyzer.JobStatusCompleted
	job.Progress = analyzer.Progress{Percent: 100, Step: string(progress.StepCompleted)}
	for _, ob := range p.observers {
		ob.JobCompleted(job, rep)
	}
}

func (p *Pool) failJob(ctx context.Context, logger *zap.Logger, workerID string, job analyzer.Job, cause error) {
	retryable := analyzer.Retryable(cause)
	if err := p.queue.Fail(ctx, job.ID, workerID, cause, retryable); err != nil {
		logger.Error("fail transition failed",
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return
	}

	// The queue decided between requeue and terminal failure; read the
	// outcome back so the mirror and observers see what it chose.
	outcome := job
	outcome.LastError = cause.Error()
	if latest, err := p.queue.Job(ctx, job.ID); err == nil {
		outcome = latest
	}
	p.mirrorStatus(ctx, job.ID, outcome.Status, outcome.LastError)

	for _, ob := range p.observers {
		ob.JobFailed(outcome, cause, retryable)
	}
}

// startHeartbeat renews the lease until the returned stop function is called
// or the job context ends. Losing the lease stops the beat but not the
// attempt: completion against a lost lease fails cleanly at the queue.
func (p *Pool) startHeartbeat(ctx context.Context, logger *zap.Logger, jobID, workerID string) func() {
	stop := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		defer close(finished)
		ticker := time.NewTicker(p.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := p.queue.Heartbeat(ctx, jobID, workerID, p.cfg.LeaseDuration)
				if err == nil {
					continue
				}
				logger.Warn("heartbeat failed", zap.Error(err))
				if errors.Is(err, queue.ErrNotLeaseOwner) ||
					errors.Is(err, queue.ErrJobNotActive) ||
					errors.Is(err, queue.ErrJobNotFound) ||
					errors.Is(err, queue.ErrClosed) {
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-finished
		})
	}
}

func (p *Pool) mirrorStatus(ctx context.Context, jobID string, status analyzer.JobStatus, errText string) {
	if p.store == nil {
		return
	}
	if err := p.store.UpdateJobStatus(ctx, jobID, status, errText); err != nil {
		p.logger.Warn("status mirror failed",
			zap.String("job_id", jobID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

func (p *Pool) saveReport(ctx context.Context, job analyzer.Job, rep analyzer.Report) {
	if p.store == nil {
		return
	}
	if err := p.store.SaveReport(ctx, job.ID, job.UserID, job.URL, rep); err != nil {
		p.logger.Warn("report persist failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
