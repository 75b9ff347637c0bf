// Package queue defines the durable job queue contract shared by all
// backends: priority ordering with FIFO tie-breaks, exclusive time-bounded
// leases, heartbeat renewal, retry with exponential backoff, stall
// recovery, and history retention.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sitelens/sitelens/internal/analyzer"
)

// Sentinel errors shared by every backend.
var (
	// ErrJobNotFound is returned for lookups of unknown job ids.
	ErrJobNotFound = errors.New("queue: job not found")

	// ErrJobNotActive is returned when heartbeat, complete, or fail is
	// called for a job that holds no lease.
	ErrJobNotActive = errors.New("queue: job not active")

	// ErrNotLeaseOwner is returned when a worker touches a lease held by
	// another worker.
	ErrNotLeaseOwner = errors.New("queue: lease held by another worker")

	// ErrJobNotFailed is returned by Retry for jobs outside the failed
	// state.
	ErrJobNotFailed = errors.New("queue: job is not failed")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("queue: closed")
)

// DuplicateJobError reports an enqueue of an id that is still queued or
// active. Completed and failed ids may be re-enqueued as fresh jobs.
type DuplicateJobError struct {
	ID string
}

func (e *DuplicateJobError) Error() string {
	return fmt.Sprintf("queue: job %q is already queued or active", e.ID)
}

// Stats is a point-in-time census of job states. Queued counts only jobs
// eligible for lease right now; Delayed counts queued jobs still waiting
// out a retry backoff.
type Stats struct {
	Queued    int `json:"queued"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
}

// Queue is the durable job store driven by the submission API, the worker
// pool, and the janitor. Implementations must make every per-job mutation
// atomic: no two workers may hold a lease on the same id.
type Queue interface {
	// Enqueue inserts a job in priority order (ties broken by insertion
	// order). It returns DuplicateJobError if the id is already queued or
	// active; terminal ids are replaced by the fresh job.
	Enqueue(ctx context.Context, job analyzer.Job) (analyzer.Job, error)

	// Lease atomically transitions the most urgent eligible queued job to
	// active, records the owner and lease expiry, and increments
	// AttemptsMade. ok is false when nothing is eligible.
	Lease(ctx context.Context, workerID string, leaseDuration time.Duration) (job analyzer.Job, ok bool, err error)

	// Heartbeat extends an active lease held by workerID.
	Heartbeat(ctx context.Context, jobID, workerID string, leaseDuration time.Duration) error

	// Complete records a terminal success and forces progress to 100.
	Complete(ctx context.Context, jobID, workerID string, result analyzer.Report) error

	// Fail records a failed attempt. Retryable failures with attempts
	// remaining return the job to queued after a backoff delay; anything
	// else is terminal.
	Fail(ctx context.Context, jobID, workerID string, cause error, retryable bool) error

	// UpdateProgress is a best-effort write of the job's progress field.
	// A percent that regresses within an attempt is dropped, not an error.
	UpdateProgress(ctx context.Context, jobID string, p analyzer.Progress) error

	// Retry re-queues a failed job as if freshly submitted: attempts and
	// stall counters reset. Any other state returns ErrJobNotFailed.
	Retry(ctx context.Context, jobID string) (analyzer.Job, error)

	// Job returns a point-in-time copy of one job.
	Job(ctx context.Context, jobID string) (analyzer.Job, error)

	// Stats counts jobs by state.
	Stats(ctx context.Context) (Stats, error)

	// RequeueStalled returns every active job whose lease expired to the
	// queued state without counting an attempt. A job that already
	// stalled MaxStalledCount times fails terminally instead. It reports
	// how many jobs it touched.
	RequeueStalled(ctx context.Context) (int, error)

	// TrimHistory applies the retention policy to terminal jobs and
	// reports how many it removed.
	TrimHistory(ctx context.Context) (int, error)

	// Close releases the backend. All later calls return ErrClosed.
	Close() error
}

// Defaults applied by Options.Normalize.
const (
	DefaultMaxAttempts     = 3
	DefaultBackoffBase     = 5 * time.Second
	DefaultBackoffCap      = 5 * time.Minute
	DefaultMaxStalledCount = 2
	DefaultCompletedLimit  = 100
	DefaultCompletedMaxAge = 24 * time.Hour
	DefaultFailedLimit     = 50
	DefaultFailedMaxAge    = 7 * 24 * time.Hour
)

// Options carries the retry, stall, and retention policy shared by all
// backends.
type Options struct {
	// MaxAttempts is the attempt budget for jobs that do not set their
	// own.
	MaxAttempts int

	// BackoffBase and BackoffCap bound the exponential retry delay.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// MaxStalledCount is how many expired leases a job survives before it
	// fails terminally.
	MaxStalledCount int

	// Terminal jobs beyond these limits or ages are trimmed.
	CompletedLimit  int
	CompletedMaxAge time.Duration
	FailedLimit     int
	FailedMaxAge    time.Duration
}

// Normalize fills zero or negative fields with defaults and repairs an
// inverted backoff range.
func (o Options) Normalize() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = DefaultBackoffCap
	}
	if o.BackoffCap < o.BackoffBase {
		o.BackoffCap = o.BackoffBase
	}
	if o.MaxStalledCount <= 0 {
		o.MaxStalledCount = DefaultMaxStalledCount
	}
	if o.CompletedLimit <= 0 {
		o.CompletedLimit = DefaultCompletedLimit
	}
	if o.CompletedMaxAge <= 0 {
		o.CompletedMaxAge = DefaultCompletedMaxAge
	}
	if o.FailedLimit <= 0 {
		o.FailedLimit = DefaultFailedLimit
	}
	if o.FailedMaxAge <= 0 {
		o.FailedMaxAge = DefaultFailedMaxAge
	}
	return o
}

// BackoffDelay computes the retry delay after a failed attempt: the base
// delay doubled for every attempt beyond the first, capped at BackoffCap.
func BackoffDelay(opts Options, attemptsMade int) time.Duration {
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	shift := uint(attemptsMade - 1)
	if shift >= 32 {
		return opts.BackoffCap
	}
	delay := opts.BackoffBase << shift
	if delay <= 0 || delay > opts.BackoffCap {
		return opts.BackoffCap
	}
	return delay
}

// StallError builds the terminal error recorded when a job exhausts its
// stall budget.
func StallError(stalls int) error {
	return analyzer.NewError(analyzer.KindStalled, "queue.stall",
		fmt.Errorf("lease expired %d times without a heartbeat", stalls))
}
