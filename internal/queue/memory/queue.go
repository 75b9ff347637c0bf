// Package memory provides the in-memory queue backend used by tests and
// single-process development mode.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sitelens/sitelens/internal/analyzer"
	"github.com/sitelens/sitelens/internal/clock/system"
	"github.com/sitelens/sitelens/internal/queue"
)

// Queue is a mutex-guarded job queue. Lease scans are linear, which is fine
// for the handful of jobs a dev process holds; the sqlite backend carries
// production volumes.
type Queue struct {
	opts  queue.Options
	clock analyzer.Clock

	mu     sync.Mutex
	closed bool
	jobs   map[string]*record
	seq    int64
}

// record is a job plus the bookkeeping the queue never exposes.
type record struct {
	job        analyzer.Job
	seq        int64
	runAt      time.Time
	leaseOwner string
	leaseUntil time.Time
}

// New builds a memory queue. clk may be nil; tests inject a fake.
func New(opts queue.Options, clk analyzer.Clock) *Queue {
	if clk == nil {
		clk = system.New()
	}
	return &Queue{
		opts:  opts.Normalize(),
		clock: clk,
		jobs:  make(map[string]*record),
	}
}

// Enqueue inserts a job. Ids still queued or active are rejected with
// DuplicateJobError; terminal ids are replaced by the fresh submission.
func (q *Queue) Enqueue(_ context.Context, job analyzer.Job) (analyzer.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return analyzer.Job{}, queue.ErrClosed
	}
	if job.ID == "" {
		return analyzer.Job{}, errors.New("queue: enqueue requires a job id")
	}
	if rec, ok := q.jobs[job.ID]; ok && !rec.job.Status.Terminal() {
		return analyzer.Job{}, &queue.DuplicateJobError{ID: job.ID}
	}

	now := q.clock.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.opts.MaxAttempts
	}
	job.Status = analyzer.JobStatusQueued
	job.AttemptsMade = 0
	job.StalledCount = 0
	job.Progress = analyzer.Progress{}
	job.StartedAt = nil
	job.FinishedAt = nil
	job.LastError = ""

	q.seq++
	q.jobs[job.ID] = &record{job: job, seq: q.seq, runAt: now}
	return job, nil
}

// Lease hands the most urgent eligible job to workerID. Priority wins,
// then insertion order.
func (q *Queue) Lease(_ context.Context, workerID string, leaseDuration time.Duration) (analyzer.Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return analyzer.Job{}, false, queue.ErrClosed
	}
	if leaseDuration <= 0 {
		return analyzer.Job{}, false, errors.New("queue: lease duration must be positive")
	}

	now := q.clock.Now()
	var best *record
	for _, rec := range q.jobs {
		if rec.job.Status != analyzer.JobStatusQueued || rec.runAt.After(now) {
			continue
		}
		if best == nil || less(rec, best) {
			best = rec
		}
	}
	if best == nil {
		return analyzer.Job{}, false, nil
	}

	best.job.Status = analyzer.JobStatusActive
	best.job.AttemptsMade++
	best.job.Progress = analyzer.Progress{}
	started := now
	best.job.StartedAt = &started
	best.leaseOwner = workerID
	best.leaseUntil = now.Add(leaseDuration)
	return best.job, true, nil
}

func less(a, b *record) bool {
	if a.job.Priority != b.job.Priority {
		return a.job.Priority < b.job.Priority
	}
	return a.seq < b.seq
}

// Heartbeat extends workerID's lease on an active job.
func (q *Queue) Heartbeat(_ context.Context, jobID, workerID string, leaseDuration time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.ErrClosed
	}
	rec, err := q.activeOwned(jobID, workerID)
	if err != nil {
		return err
	}
	rec.leaseUntil = q.clock.Now().Add(leaseDuration)
	return nil
}

// Complete marks an active job as successfully finished.
func (q *Queue) Complete(_ context.Context, jobID, workerID string, _ analyzer.Report) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.ErrClosed
	}
	rec, err := q.activeOwned(jobID, workerID)
	if err != nil {
		return err
	}
	now := q.clock.Now()
	rec.job.Status = analyzer.JobStatusCompleted
	rec.job.Progress = analyzer.Progress{Percent: 100, Step: "completed"}
	rec.job.FinishedAt = &now
	rec.job.LastError = ""
	rec.leaseOwner = ""
	rec.leaseUntil = time.Time{}
	return nil
}

// Fail records a failed attempt, requeueing with backoff while retryable
// attempts remain.
func (q *Queue) Fail(_ context.Context, jobID, workerID string, cause error, retryable bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.ErrClosed
	}
	rec, err := q.activeOwned(jobID, workerID)
	if err != nil {
		return err
	}

	now := q.clock.Now()
	if cause != nil {
		rec.job.LastError = cause.Error()
	} else {
		rec.job.LastError = "unknown failure"
	}
	rec.leaseOwner = ""
	rec.leaseUntil = time.Time{}

	if retryable && rec.job.AttemptsMade < rec.job.MaxAttempts {
		rec.job.Status = analyzer.JobStatusQueued
		rec.job.StartedAt = nil
		rec.runAt = now.Add(queue.BackoffDelay(q.opts, rec.job.AttemptsMade))
		return nil
	}

	rec.job.Status = analyzer.JobStatusFailed
	rec.job.FinishedAt = &now
	return nil
}

// UpdateProgress records a checkpoint for an active job. Writes against
// inactive jobs and regressing percents are dropped silently: progress is
// best-effort and must never fail a job.
func (q *Queue) UpdateProgress(_ context.Context, jobID string, p analyzer.Progress) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.ErrClosed
	}
	rec, ok := q.jobs[jobID]
	if !ok {
		return queue.ErrJobNotFound
	}
	if rec.job.Status != analyzer.JobStatusActive {
		return nil
	}
	if p.Percent < rec.job.Progress.Percent {
		return nil
	}
	if p.Percent > 100 {
		p.Percent = 100
	}
	rec.job.Progress = p
	return nil
}

// Retry re-queues a failed job as if freshly submitted.
func (q *Queue) Retry(_ context.Context, jobID string) (analyzer.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return analyzer.Job{}, queue.ErrClosed
	}
	rec, ok := q.jobs[jobID]
	if !ok {
		return analyzer.Job{}, queue.ErrJobNotFound
	}
	if rec.job.Status != analyzer.JobStatusFailed {
		return analyzer.Job{}, queue.ErrJobNotFailed
	}

	rec.job.Status = analyzer.JobStatusQueued
	rec.job.AttemptsMade = 0
	rec.job.StalledCount = 0
	rec.job.Progress = analyzer.Progress{}
	rec.job.StartedAt = nil
	rec.job.FinishedAt = nil
	rec.job.LastError = ""
	q.seq++
	rec.seq = q.seq
	rec.runAt = q.clock.Now()
	return rec.job, nil
}

// Job returns a copy of one job.
func (q *Queue) Job(_ context.Context, jobID string) (analyzer.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return analyzer.Job{}, queue.ErrClosed
	}
	rec, ok := q.jobs[jobID]
	if !ok {
		return analyzer.Job{}, queue.ErrJobNotFound
	}
	return rec.job, nil
}

// Stats counts jobs by state.
func (q *Queue) Stats(_ context.Context) (queue.Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.Stats{}, queue.ErrClosed
	}

	now := q.clock.Now()
	var s queue.Stats
	for _, rec := range q.jobs {
		switch rec.job.Status {
		case analyzer.JobStatusQueued:
			if rec.runAt.After(now) {
				s.Delayed++
			} else {
				s.Queued++
			}
		case analyzer.JobStatusActive:
			s.Active++
		case analyzer.JobStatusCompleted:
			s.Completed++
		case analyzer.JobStatusFailed:
			s.Failed++
		}
	}
	return s, nil
}

// RequeueStalled reclaims every active job whose lease expired. Stalls do
// not count as attempts and carry no backoff; a job past the stall budget
// fails terminally instead.
func (q *Queue) RequeueStalled(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, queue.ErrClosed
	}

	now := q.clock.Now()
	touched := 0
	for _, rec := range q.jobs {
		if rec.job.Status != analyzer.JobStatusActive || !rec.leaseUntil.Before(now) {
			continue
		}
		touched++
		rec.leaseOwner = ""
		rec.leaseUntil = time.Time{}
		if rec.job.StalledCount >= q.opts.MaxStalledCount {
			rec.job.StalledCount++
			rec.job.Status = analyzer.JobStatusFailed
			rec.job.LastError = queue.StallError(rec.job.StalledCount).Error()
			finished := now
			rec.job.FinishedAt = &finished
			continue
		}
		rec.job.StalledCount++
		rec.job.Status = analyzer.JobStatusQueued
		rec.job.StartedAt = nil
		rec.runAt = now
	}
	return touched, nil
}

// TrimHistory drops terminal jobs past the retention limits, by count and
// by age, whichever prunes harder.
func (q *Queue) TrimHistory(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, queue.ErrClosed
	}

	now := q.clock.Now()
	removed := 0
	removed += q.trimLocked(analyzer.JobStatusCompleted, q.opts.CompletedLimit, now.Add(-q.opts.CompletedMaxAge))
	removed += q.trimLocked(analyzer.JobStatusFailed, q.opts.FailedLimit, now.Add(-q.opts.FailedMaxAge))
	return removed, nil
}

func (q *Queue) trimLocked(status analyzer.JobStatus, limit int, cutoff time.Time) int {
	recs := make([]*record, 0)
	for _, rec := range q.jobs {
		if rec.job.Status == status {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		return finishedAt(recs[i]).After(finishedAt(recs[j]))
	})

	removed := 0
	for i, rec := range recs {
		if i < limit && !finishedAt(rec).Before(cutoff) {
			continue
		}
		delete(q.jobs, rec.job.ID)
		removed++
	}
	return removed
}

func finishedAt(rec *record) time.Time {
	if rec.job.FinishedAt != nil {
		return *rec.job.FinishedAt
	}
	return rec.job.CreatedAt
}

// Close marks the queue closed; all later operations return ErrClosed.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

// activeOwned validates a worker-owned mutation under the lock.
func (q *Queue) activeOwned(jobID, workerID string) (*record, error) {
	rec, ok := q.jobs[jobID]
	if !ok {
		return nil, queue.ErrJobNotFound
	}
	if rec.job.Status != analyzer.JobStatusActive {
		return nil, queue.ErrJobNotActive
	}
	if rec.leaseOwner != workerID {
		return nil, queue.ErrNotLeaseOwner
	}
	return rec, nil
}
