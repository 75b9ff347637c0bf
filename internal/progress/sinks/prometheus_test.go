package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/sitelens/sitelens/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures checkpoint counters and gauges are updated from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		{JobID: "job-1", Percent: 5, Step: progress.StepInitialization, At: now},
		{JobID: "job-1", Percent: 20, Step: progress.StepNavigate, At: now.Add(time.Second)},
		{JobID: "job-2", Percent: 5, Step: progress.StepInitialization, At: now.Add(time.Second)},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 2.0, testutil.ToFloat64(sink.checkpoints.WithLabelValues(string(progress.StepInitialization))))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.checkpoints.WithLabelValues(string(progress.StepNavigate))))
	require.Equal(t, 20.0, testutil.ToFloat64(sink.percent.WithLabelValues(string(progress.StepNavigate))))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.inflight))
}

// TestPrometheusSinkTracksCompletion ensures the inflight gauge drops once a
// job reports its final checkpoint.
func TestPrometheusSinkTracksCompletion(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{JobID: "job-1", Percent: 5, Step: progress.StepInitialization, At: now},
	}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.inflight))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{JobID: "job-1", Percent: 100, Step: progress.StepCompleted, At: now.Add(time.Minute)},
	}))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.inflight))
	require.Equal(t, 2, testutil.CollectAndCount(sink.percent, "sitelens_progress_percent"))
}
