package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sitelens/sitelens/internal/analyzer"
	"github.com/sitelens/sitelens/internal/queue"
	"github.com/sitelens/sitelens/internal/queue/queuetest"
	"github.com/sitelens/sitelens/internal/queue/sqlite"
)

func TestQueueContract(t *testing.T) {
	t.Parallel()
	queuetest.Run(t, func(t *testing.T, opts queue.Options, clk analyzer.Clock) queue.Queue {
		q, err := sqlite.Open(":memory:", opts, clk)
		require.NoError(t, err)
		t.Cleanup(func() { _ = q.Close() })
		return q
	})
}

func TestQueueSurvivesRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")
	clk := queuetest.NewClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	q, err := sqlite.Open(path, queue.Options{}, clk)
	require.NoError(t, err)

	for _, id := range []string{"waiting", "running", "finished"} {
		_, err := q.Enqueue(ctx, analyzer.Job{ID: id, URL: "https://example.com/" + id})
		require.NoError(t, err)
	}

	leased, ok, err := q.Lease(ctx, "w1", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "waiting", leased.ID)
	require.NoError(t, q.Complete(ctx, "waiting", "w1", analyzer.Report{
		ID:           "waiting",
		URL:          "https://example.com/waiting",
		OverallScore: 82,
	}))

	// "running" holds a live lease when the process dies.
	_, ok, err = q.Lease(ctx, "w1", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, q.Close())

	// Reopen against the same file: all state is intact.
	reopened, err := sqlite.Open(path, queue.Options{}, clk)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Job(ctx, "waiting")
	require.NoError(t, err)
	require.Equal(t, analyzer.JobStatusCompleted, got.Status)

	report, err := reopened.Report(ctx, "waiting")
	require.NoError(t, err)
	require.Equal(t, 82, report.OverallScore)

	got, err = reopened.Job(ctx, "running")
	require.NoError(t, err)
	require.Equal(t, analyzer.JobStatusActive, got.Status)

	stats, err := reopened.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, queue.Stats{Queued: 1, Active: 1, Completed: 1}, stats)

	// The orphaned lease expires and the janitor sweep reclaims it; no
	// dedicated crash-recovery pass is needed.
	clk.Advance(31 * time.Second)
	n, err := reopened.RequeueStalled(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err = reopened.Job(ctx, "running")
	require.NoError(t, err)
	require.Equal(t, analyzer.JobStatusQueued, got.Status)
	require.Equal(t, 1, got.StalledCount)
}

func TestReportForJobWithoutResult(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	q, err := sqlite.Open(":memory:", queue.Options{}, queuetest.NewClock(time.Now().UTC()))
	require.NoError(t, err)
	defer q.Close()

	_, err = q.Enqueue(ctx, analyzer.Job{ID: "pending", URL: "https://example.com"})
	require.NoError(t, err)

	_, err = q.Report(ctx, "pending")
	require.ErrorIs(t, err, sqlite.ErrNoReport)

	_, err = q.Report(ctx, "missing")
	require.ErrorIs(t, err, queue.ErrJobNotFound)
}

func TestFailErrorMessageFallsBackWhenCauseIsNil(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	q, err := sqlite.Open(":memory:", queue.Options{}, queuetest.NewClock(time.Now().UTC()))
	require.NoError(t, err)
	defer q.Close()

	_, err = q.Enqueue(ctx, analyzer.Job{ID: "j", URL: "https://example.com"})
	require.NoError(t, err)
	_, _, err = q.Lease(ctx, "w1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, q.Fail(ctx, "j", "w1", nil, false))
	got, err := q.Job(ctx, "j")
	require.NoError(t, err)
	require.Equal(t, "unknown failure", got.LastError)
}
