package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sitelens/sitelens/internal/analyzer"
)

func TestOptionsNormalizeDefaults(t *testing.T) {
	t.Parallel()

	opts := Options{}.Normalize()
	require.Equal(t, DefaultMaxAttempts, opts.MaxAttempts)
	require.Equal(t, DefaultBackoffBase, opts.BackoffBase)
	require.Equal(t, DefaultBackoffCap, opts.BackoffCap)
	require.Equal(t, DefaultMaxStalledCount, opts.MaxStalledCount)
	require.Equal(t, DefaultCompletedLimit, opts.CompletedLimit)
	require.Equal(t, DefaultCompletedMaxAge, opts.CompletedMaxAge)
	require.Equal(t, DefaultFailedLimit, opts.FailedLimit)
	require.Equal(t, DefaultFailedMaxAge, opts.FailedMaxAge)
}

func TestOptionsNormalizeRepairsInvertedBackoff(t *testing.T) {
	t.Parallel()

	opts := Options{BackoffBase: time.Minute, BackoffCap: time.Second}.Normalize()
	require.Equal(t, time.Minute, opts.BackoffBase)
	require.Equal(t, time.Minute, opts.BackoffCap)
}

func TestOptionsNormalizeKeepsExplicitValues(t *testing.T) {
	t.Parallel()

	opts := Options{
		MaxAttempts:     5,
		BackoffBase:     time.Second,
		BackoffCap:      time.Minute,
		MaxStalledCount: 1,
		CompletedLimit:  10,
		CompletedMaxAge: time.Hour,
		FailedLimit:     5,
		FailedMaxAge:    time.Hour,
	}.Normalize()
	require.Equal(t, 5, opts.MaxAttempts)
	require.Equal(t, time.Second, opts.BackoffBase)
	require.Equal(t, time.Minute, opts.BackoffCap)
	require.Equal(t, 1, opts.MaxStalledCount)
}

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	t.Parallel()

	opts := Options{}.Normalize()
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 5 * time.Second},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{6, 160 * time.Second},
		{7, 5 * time.Minute},
		{20, 5 * time.Minute},
		{500, 5 * time.Minute},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, BackoffDelay(opts, tc.attempts), "attempts=%d", tc.attempts)
	}
}

func TestDuplicateJobError(t *testing.T) {
	t.Parallel()

	var err error = &DuplicateJobError{ID: "job-7"}
	require.Contains(t, err.Error(), `"job-7"`)

	var dup *DuplicateJobError
	require.True(t, errors.As(err, &dup))
	require.Equal(t, "job-7", dup.ID)
}

func TestStallErrorCarriesKind(t *testing.T) {
	t.Parallel()

	err := StallError(3)
	require.Equal(t, analyzer.KindStalled, analyzer.KindOf(err))
	require.Contains(t, err.Error(), "3 times")
}

// tickQueue counts janitor calls; all other operations are unused.
type tickQueue struct {
	Queue
	sweeps atomic.Int64
	trims  atomic.Int64
}

func (q *tickQueue) RequeueStalled(context.Context) (int, error) {
	q.sweeps.Add(1)
	return 1, nil
}

func (q *tickQueue) TrimHistory(context.Context) (int, error) {
	q.trims.Add(1)
	return 0, nil
}

func TestJanitorSweepsAndStops(t *testing.T) {
	t.Parallel()

	q := &tickQueue{}
	j := NewJanitor(q, 5*time.Millisecond, 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		j.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return q.sweeps.Load() > 0 && q.trims.Load() > 0
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop after cancel")
	}
}
