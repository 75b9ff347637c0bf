package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sitelens/sitelens/internal/analyzer"
	"github.com/sitelens/sitelens/internal/progress"
)

func alwaysFailing() *fakeExtractor {
	return &fakeExtractor{script: []extractStep{
		{openErr: analyzer.Errorf(analyzer.KindNetwork, "extractor.launch", "net::ERR_CONNECTION_REFUSED")},
	}}
}

// A job whose every attempt fails retryably must burn exactly its attempt
// budget: three leases, then terminal failure, never a fourth.
func TestPoolExhaustsAttemptBudget(t *testing.T) {
	t.Parallel()

	ex := alwaysFailing()
	h := startPool(t, ex, nil, fastConfig())
	h.enqueue(t, "job-doomed")

	job := h.waitStatus(t, "job-doomed", analyzer.JobStatusFailed)
	require.Equal(t, 3, job.AttemptsMade)
	require.Equal(t, 3, ex.openCount())

	failures := h.observer.failures()
	require.Len(t, failures, 3)
	require.Equal(t, analyzer.JobStatusQueued, failures[0].job.Status)
	require.Equal(t, analyzer.JobStatusQueued, failures[1].job.Status)
	require.Equal(t, analyzer.JobStatusFailed, failures[2].job.Status)
	for _, f := range failures {
		require.True(t, f.retryable)
	}
}

// Non-retryable failures are terminal on the first attempt even with budget
// remaining.
func TestPoolNonRetryableSkipsBudget(t *testing.T) {
	t.Parallel()

	ex := &fakeExtractor{script: []extractStep{
		{openErr: analyzer.Errorf(analyzer.KindInvalidInput, "probe.check", "target returned 404")},
	}}
	h := startPool(t, ex, nil, fastConfig())
	h.enqueue(t, "job-404")

	job := h.waitStatus(t, "job-404", analyzer.JobStatusFailed)
	require.Equal(t, 1, job.AttemptsMade)
	require.Equal(t, 1, ex.openCount())
}

// An operator retry of a failed job starts the budget over.
func TestOperatorRetryResetsBudget(t *testing.T) {
	t.Parallel()

	ex := &fakeExtractor{script: []extractStep{
		{openErr: analyzer.Errorf(analyzer.KindNetwork, "extractor.launch", "net::ERR_CONNECTION_RESET")},
		{openErr: analyzer.Errorf(analyzer.KindNetwork, "extractor.launch", "net::ERR_CONNECTION_RESET")},
		{openErr: analyzer.Errorf(analyzer.KindNetwork, "extractor.launch", "net::ERR_CONNECTION_RESET")},
		{session: goodSession()},
	}}
	h := startPool(t, ex, nil, fastConfig())
	h.enqueue(t, "job-second-wind")

	h.waitStatus(t, "job-second-wind", analyzer.JobStatusFailed)

	_, err := h.queue.Retry(context.Background(), "job-second-wind")
	require.NoError(t, err)

	job := h.waitStatus(t, "job-second-wind", analyzer.JobStatusCompleted)
	require.Equal(t, 1, job.AttemptsMade, "retry must reset the attempt counter")
	require.Equal(t, 4, ex.openCount())
}

// Each attempt gets a fresh tracker: percentages restart at initialization
// instead of continuing from the previous attempt's high-water mark.
func TestProgressResetsPerAttempt(t *testing.T) {
	t.Parallel()

	ex := &fakeExtractor{script: []extractStep{
		{session: &fakeSession{
			navigateErr: analyzer.Errorf(analyzer.KindNavigation, "extractor.navigate", "net::ERR_ABORTED"),
			signals:     goodSignals(),
		}},
		{session: goodSession()},
	}}
	h := startPool(t, ex, nil, fastConfig())
	h.enqueue(t, "job-restart")
	h.waitStatus(t, "job-restart", analyzer.JobStatusCompleted)

	var events []progress.Event
	require.Eventually(t, func() bool {
		events = h.emitter.list()
		return len(events) > 0 && events[len(events)-1].Step == progress.StepCompleted
	}, eventually, 5*time.Millisecond)

	// Attempt one dies after extractor-launch (10); attempt two restarts at 5.
	restarts := 0
	for i := 1; i < len(events); i++ {
		if events[i].Percent < events[i-1].Percent {
			restarts++
			require.Equal(t, progress.StepInitialization, events[i].Step,
				"restart must begin at initialization")
		}
	}
	require.Equal(t, 1, restarts)
}
