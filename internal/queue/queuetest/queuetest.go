// Package queuetest holds the contract test suite every queue backend must
// pass. Backend test packages call Run with a factory; the suite drives the
// full lifecycle with a manually advanced clock so no test ever sleeps
// through a real backoff.
package queuetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sitelens/sitelens/internal/analyzer"
	"github.com/sitelens/sitelens/internal/queue"
)

// Factory builds a fresh backend for one subtest.
type Factory func(t *testing.T, opts queue.Options, clk analyzer.Clock) queue.Queue

// Clock is a manually advanced test clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at a fixed instant.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current fake instant.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func start() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func job(id string, priority int) analyzer.Job {
	return analyzer.Job{ID: id, URL: "https://example.com/" + id, Priority: priority}
}

// Run exercises the queue contract against the backend built by factory.
func Run(t *testing.T, factory Factory) {
	t.Helper()
	ctx := context.Background()

	t.Run("lease follows priority then insertion order", func(t *testing.T) {
		t.Parallel()
		clk := NewClock(start())
		q := factory(t, queue.Options{}, clk)

		for _, j := range []analyzer.Job{job("low-1", 5), job("urgent", 1), job("low-2", 5)} {
			_, err := q.Enqueue(ctx, j)
			require.NoError(t, err)
		}

		order := make([]string, 0, 3)
		for i := 0; i < 3; i++ {
			leased, ok, err := q.Lease(ctx, "w1", time.Minute)
			require.NoError(t, err)
			require.True(t, ok)
			order = append(order, leased.ID)
		}
		require.Equal(t, []string{"urgent", "low-1", "low-2"}, order)

		_, ok, err := q.Lease(ctx, "w1", time.Minute)
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("duplicate submission rejected until terminal", func(t *testing.T) {
		t.Parallel()
		clk := NewClock(start())
		q := factory(t, queue.Options{}, clk)

		_, err := q.Enqueue(ctx, job("dup", 0))
		require.NoError(t, err)

		_, err = q.Enqueue(ctx, job("dup", 0))
		var dup *queue.DuplicateJobError
		require.ErrorAs(t, err, &dup)
		require.Equal(t, "dup", dup.ID)

		leased, ok, err := q.Lease(ctx, "w1", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		// Still a duplicate while active.
		_, err = q.Enqueue(ctx, job("dup", 0))
		require.ErrorAs(t, err, &dup)

		require.NoError(t, q.Complete(ctx, leased.ID, "w1", analyzer.Report{}))

		fresh, err := q.Enqueue(ctx, job("dup", 0))
		require.NoError(t, err)
		require.Equal(t, analyzer.JobStatusQueued, fresh.Status)
		require.Zero(t, fresh.AttemptsMade)
	})

	t.Run("lease marks active and counts the attempt", func(t *testing.T) {
		t.Parallel()
		clk := NewClock(start())
		q := factory(t, queue.Options{}, clk)

		_, err := q.Enqueue(ctx, job("a", 0))
		require.NoError(t, err)

		leased, ok, err := q.Lease(ctx, "w1", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, analyzer.JobStatusActive, leased.Status)
		require.Equal(t, 1, leased.AttemptsMade)
		require.NotNil(t, leased.StartedAt)

		// The same job must never be leased twice.
		_, ok, err = q.Lease(ctx, "w2", time.Minute)
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("heartbeat extends the lease", func(t *testing.T) {
		t.Parallel()
		clk := NewClock(start())
		q := factory(t, queue.Options{}, clk)

		_, err := q.Enqueue(ctx, job("hb", 0))
		require.NoError(t, err)
		leased, ok, err := q.Lease(ctx, "w1", 10*time.Second)
		require.NoError(t, err)
		require.True(t, ok)

		clk.Advance(8 * time.Second)
		require.NoError(t, q.Heartbeat(ctx, leased.ID, "w1", 10*time.Second))

		// Past the original expiry but inside the renewed lease.
		clk.Advance(8 * time.Second)
		n, err := q.RequeueStalled(ctx)
		require.NoError(t, err)
		require.Zero(t, n)

		clk.Advance(11 * time.Second)
		n, err = q.RequeueStalled(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)
	})

	t.Run("mutations guarded by ownership and state", func(t *testing.T) {
		t.Parallel()
		clk := NewClock(start())
		q := factory(t, queue.Options{}, clk)

		_, err := q.Enqueue(ctx, job("guard", 0))
		require.NoError(t, err)

		require.ErrorIs(t, q.Heartbeat(ctx, "missing", "w1", time.Minute), queue.ErrJobNotFound)
		require.ErrorIs(t, q.Heartbeat(ctx, "guard", "w1", time.Minute), queue.ErrJobNotActive)

		leased, ok, err := q.Lease(ctx, "w1", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		require.ErrorIs(t, q.Heartbeat(ctx, leased.ID, "w2", time.Minute), queue.ErrNotLeaseOwner)
		require.ErrorIs(t, q.Complete(ctx, leased.ID, "w2", analyzer.Report{}), queue.ErrNotLeaseOwner)
		require.ErrorIs(t, q.Fail(ctx, leased.ID, "w2", errors.New("x"), true), queue.ErrNotLeaseOwner)
	})

	t.Run("complete forces progress to one hundred", func(t *testing.T) {
		t.Parallel()
		clk := NewClock(start())
		q := factory(t, queue.Options{}, clk)

		_, err := q.Enqueue(ctx, job("done", 0))
		require.NoError(t, err)
		leased, _, err := q.Lease(ctx, "w1", time.Minute)
		require.NoError(t, err)

		require.NoError(t, q.UpdateProgress(ctx, leased.ID, analyzer.Progress{Percent: 40, Step: "extract-signals"}))
		require.NoError(t, q.Complete(ctx, leased.ID, "w1", analyzer.Report{OverallScore: 80}))

		got, err := q.Job(ctx, leased.ID)
		require.NoError(t, err)
		require.Equal(t, analyzer.JobStatusCompleted, got.Status)
		require.Equal(t, 100, got.Progress.Percent)
		require.NotNil(t, got.FinishedAt)

		// Terminal states never re-enter automatically.
		require.ErrorIs(t, q.Complete(ctx, leased.ID, "w1", analyzer.Report{}), queue.ErrJobNotActive)
	})

	t.Run("retryable failures requeue with backoff until attempts exhaust", func(t *testing.T) {
		t.Parallel()
		clk := NewClock(start())
		opts := queue.Options{}.Normalize()
		q := factory(t, opts, clk)

		_, err := q.Enqueue(ctx, job("flaky", 0))
		require.NoError(t, err)

		// The job fails retryably on every attempt: exactly MaxAttempts
		// leases, never fewer, never more.
		for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
			leased, ok, err := q.Lease(ctx, "w1", time.Minute)
			require.NoError(t, err)
			require.True(t, ok, "attempt %d should lease", attempt)
			require.Equal(t, attempt, leased.AttemptsMade)

			require.NoError(t, q.Fail(ctx, leased.ID, "w1", errors.New("connection reset"), true))

			if attempt < opts.MaxAttempts {
				// Not eligible until the backoff elapses.
				_, ok, err = q.Lease(ctx, "w1", time.Minute)
				require.NoError(t, err)
				require.False(t, ok)

				stats, err := q.Stats(ctx)
				require.NoError(t, err)
				require.Equal(t, 1, stats.Delayed)

				clk.Advance(queue.BackoffDelay(opts, attempt) + time.Second)
			}
		}

		got, err := q.Job(ctx, "flaky")
		require.NoError(t, err)
		require.Equal(t, analyzer.JobStatusFailed, got.Status)
		require.Equal(t, opts.MaxAttempts, got.AttemptsMade)
		require.Contains(t, got.LastError, "connection reset")

		_, ok, err := q.Lease(ctx, "w1", time.Minute)
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("non-retryable failure is terminal on the first attempt", func(t *testing.T) {
		t.Parallel()
		clk := NewClock(start())
		q := factory(t, queue.Options{}, clk)

		_, err := q.Enqueue(ctx, job("blocked", 0))
		require.NoError(t, err)
		leased, _, err := q.Lease(ctx, "w1", time.Minute)
		require.NoError(t, err)

		cause := analyzer.NewError(analyzer.KindBlocked, "probe.check", errors.New("403 forbidden"))
		require.NoError(t, q.Fail(ctx, leased.ID, "w1", cause, false))

		got, err := q.Job(ctx, leased.ID)
		require.NoError(t, err)
		require.Equal(t, analyzer.JobStatusFailed, got.Status)
		require.Equal(t, 1, got.AttemptsMade)
		require.Contains(t, got.LastError, "blocked")
	})

	t.Run("progress is monotonic within an attempt and resets on retry", func(t *testing.T) {
		t.Parallel()
		clk := NewClock(start())
		opts := queue.Options{}.Normalize()
		q := factory(t, opts, clk)

		_, err := q.Enqueue(ctx, job("prog", 0))
		require.NoError(t, err)
		leased, _, err := q.Lease(ctx, "w1", time.Minute)
		require.NoError(t, err)

		require.NoError(t, q.UpdateProgress(ctx, leased.ID, analyzer.Progress{Percent: 10, Step: "extractor-launch"}))
		require.NoError(t, q.UpdateProgress(ctx, leased.ID, analyzer.Progress{Percent: 30, Step: "capture"}))
		// A regression is dropped, not an error.
		require.NoError(t, q.UpdateProgress(ctx, leased.ID, analyzer.Progress{Percent: 20, Step: "navigate"}))

		got, err := q.Job(ctx, leased.ID)
		require.NoError(t, err)
		require.Equal(t, 30, got.Progress.Percent)
		require.Equal(t, "capture", got.Progress.Step)

		require.NoError(t, q.Fail(ctx, leased.ID, "w1", errors.New("timeout"), true))
		clk.Advance(queue.BackoffDelay(opts, 1) + time.Second)

		again, ok, err := q.Lease(ctx, "w1", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		require.Zero(t, again.Progress.Percent, "retry starts the attempt's progress over")

		// The new attempt may report low percents again.
		require.NoError(t, q.UpdateProgress(ctx, again.ID, analyzer.Progress{Percent: 5, Step: "initialization"}))
		got, err = q.Job(ctx, again.ID)
		require.NoError(t, err)
		require.Equal(t, 5, got.Progress.Percent)
	})

	t.Run("operator retry resets a failed job", func(t *testing.T) {
		t.Parallel()
		clk := NewClock(start())
		q := factory(t, queue.Options{}, clk)

		_, err := q.Enqueue(ctx, job("op", 0))
		require.NoError(t, err)
		leased, _, err := q.Lease(ctx, "w1", time.Minute)
		require.NoError(t, err)

		_, err = q.Retry(ctx, leased.ID)
		require.ErrorIs(t, err, queue.ErrJobNotFailed)

		require.NoError(t, q.Fail(ctx, leased.ID, "w1", errors.New("invalid url"), false))

		retried, err := q.Retry(ctx, leased.ID)
		require.NoError(t, err)
		require.Equal(t, analyzer.JobStatusQueued, retried.Status)
		require.Zero(t, retried.AttemptsMade)
		require.Zero(t, retried.StalledCount)
		require.Empty(t, retried.LastError)

		// Leasable immediately, like a fresh submission.
		again, ok, err := q.Lease(ctx, "w1", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, 1, again.AttemptsMade)

		_, err = q.Retry(ctx, "missing")
		require.ErrorIs(t, err, queue.ErrJobNotFound)
	})

	t.Run("stalled leases requeue without burning attempts", func(t *testing.T) {
		t.Parallel()
		clk := NewClock(start())
		opts := queue.Options{}.Normalize()
		q := factory(t, opts, clk)

		_, err := q.Enqueue(ctx, job("stall", 0))
		require.NoError(t, err)

		// Stall twice: each time the job returns to queued with no backoff.
		for stall := 1; stall <= opts.MaxStalledCount; stall++ {
			_, ok, err := q.Lease(ctx, "w1", 10*time.Second)
			require.NoError(t, err)
			require.True(t, ok)

			clk.Advance(11 * time.Second)
			n, err := q.RequeueStalled(ctx)
			require.NoError(t, err)
			require.Equal(t, 1, n)

			got, err := q.Job(ctx, "stall")
			require.NoError(t, err)
			require.Equal(t, analyzer.JobStatusQueued, got.Status)
			require.Equal(t, stall, got.StalledCount)
		}

		// The third stall exhausts the budget and fails the job.
		_, ok, err := q.Lease(ctx, "w1", 10*time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		clk.Advance(11 * time.Second)
		n, err := q.RequeueStalled(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		got, err := q.Job(ctx, "stall")
		require.NoError(t, err)
		require.Equal(t, analyzer.JobStatusFailed, got.Status)
		require.Contains(t, got.LastError, "stalled")
	})

	t.Run("stats census", func(t *testing.T) {
		t.Parallel()
		clk := NewClock(start())
		opts := queue.Options{}.Normalize()
		q := factory(t, opts, clk)

		for _, id := range []string{"s1", "s2", "s3", "s4", "s5"} {
			_, err := q.Enqueue(ctx, job(id, 0))
			require.NoError(t, err)
		}

		// s1 active, s2 completed, s3 failed, s4 delayed, s5 queued.
		l1, _, err := q.Lease(ctx, "w1", time.Minute)
		require.NoError(t, err)
		l2, _, err := q.Lease(ctx, "w2", time.Minute)
		require.NoError(t, err)
		require.NoError(t, q.Complete(ctx, l2.ID, "w2", analyzer.Report{}))
		l3, _, err := q.Lease(ctx, "w2", time.Minute)
		require.NoError(t, err)
		require.NoError(t, q.Fail(ctx, l3.ID, "w2", errors.New("nope"), false))
		l4, _, err := q.Lease(ctx, "w2", time.Minute)
		require.NoError(t, err)
		require.NoError(t, q.Fail(ctx, l4.ID, "w2", errors.New("retry me"), true))
		_ = l1

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		require.Equal(t, queue.Stats{Queued: 1, Active: 1, Completed: 1, Failed: 1, Delayed: 1}, stats)
	})

	t.Run("retention trims by count and age", func(t *testing.T) {
		t.Parallel()
		clk := NewClock(start())
		opts := queue.Options{CompletedLimit: 2, FailedLimit: 1, CompletedMaxAge: time.Hour, FailedMaxAge: time.Hour}
		q := factory(t, opts, clk)

		finish := func(id string) {
			_, err := q.Enqueue(ctx, job(id, 0))
			require.NoError(t, err)
			leased, ok, err := q.Lease(ctx, "w1", time.Minute)
			require.NoError(t, err)
			require.True(t, ok)
			require.NoError(t, q.Complete(ctx, leased.ID, "w1", analyzer.Report{}))
		}

		finish("c1")
		clk.Advance(time.Minute)
		finish("c2")
		clk.Advance(time.Minute)
		finish("c3")

		removed, err := q.TrimHistory(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, removed)

		_, err = q.Job(ctx, "c1")
		require.ErrorIs(t, err, queue.ErrJobNotFound)
		_, err = q.Job(ctx, "c2")
		require.NoError(t, err)
		_, err = q.Job(ctx, "c3")
		require.NoError(t, err)

		// Age prunes the survivors once they pass the retention window.
		clk.Advance(2 * time.Hour)
		removed, err = q.TrimHistory(ctx)
		require.NoError(t, err)
		require.Equal(t, 2, removed)
	})

	t.Run("closed queue rejects operations", func(t *testing.T) {
		t.Parallel()
		clk := NewClock(start())
		q := factory(t, queue.Options{}, clk)

		require.NoError(t, q.Close())
		_, err := q.Enqueue(ctx, job("late", 0))
		require.ErrorIs(t, err, queue.ErrClosed)
		_, _, err = q.Lease(ctx, "w1", time.Minute)
		require.ErrorIs(t, err, queue.ErrClosed)
		_, err = q.Stats(ctx)
		require.ErrorIs(t, err, queue.ErrClosed)
	})

	t.Run("enqueue requires an id", func(t *testing.T) {
		t.Parallel()
		clk := NewClock(start())
		q := factory(t, queue.Options{}, clk)

		_, err := q.Enqueue(ctx, analyzer.Job{URL: "https://example.com"})
		require.Error(t, err)
	})

	t.Run("concurrent leases never share a job", func(t *testing.T) {
		t.Parallel()
		clk := NewClock(start())
		q := factory(t, queue.Options{}, clk)

		const jobs = 20
		for i := 0; i < jobs; i++ {
			_, err := q.Enqueue(ctx, job(string(rune('a'+i)), 0))
			require.NoError(t, err)
		}

		var (
			mu     sync.Mutex
			leased = make(map[string]int)
			wg     sync.WaitGroup
		)
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(worker int) {
				defer wg.Done()
				workerID := string(rune('A' + worker))
				for {
					j, ok, err := q.Lease(ctx, workerID, time.Minute)
					if err != nil || !ok {
						return
					}
					mu.Lock()
					leased[j.ID]++
					mu.Unlock()
				}
			}(w)
		}
		wg.Wait()

		require.Len(t, leased, jobs)
		for id, n := range leased {
			require.Equal(t, 1, n, "job %s leased %d times", id, n)
		}
	})
}
