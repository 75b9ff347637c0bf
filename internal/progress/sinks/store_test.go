package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sitelens/sitelens/internal/analyzer"
	"github.com/sitelens/sitelens/internal/progress"
	"github.com/sitelens/sitelens/internal/storage"
)

// TestStoreSinkCollapsesBatchPerJob ensures only the freshest checkpoint per
// job reaches the status store.
func TestStoreSinkCollapsesBatchPerJob(t *testing.T) {
	t.Parallel()

	store := &fakeStatusStore{}
	sink := NewStoreSink(store, nil)
	now := time.Now()

	batch := []progress.Event{
		{JobID: "job-1", Percent: 20, Step: progress.StepNavigate, At: now},
		{JobID: "job-2", Percent: 5, Step: progress.StepInitialization, At: now},
		{JobID: "job-1", Percent: 40, Step: progress.StepExtractSignals, At: now.Add(time.Second)},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Len(t, store.progress, 2)
	byJob := make(map[string]analyzer.Progress, len(store.progress))
	for _, call := range store.progress {
		byJob[call.jobID] = call.p
	}
	require.Equal(t, 40, byJob["job-1"].Percent)
	require.Equal(t, string(progress.StepExtractSignals), byJob["job-1"].Step)
	require.Equal(t, 5, byJob["job-2"].Percent)
}

// TestStoreSinkHandlesErrors surfaces store failures back to the caller.
func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	store := &fakeStatusStore{fail: true}
	sink := NewStoreSink(store, nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{JobID: "job-1", Percent: 5, Step: progress.StepInitialization, At: time.Now()},
	})
	require.Error(t, err)
}

type progressCall struct {
	jobID string
	p     analyzer.Progress
}

type fakeStatusStore struct {
	fail     bool
	progress []progressCall
}

func (f *fakeStatusStore) UpdateJobStatus(context.Context, string, analyzer.JobStatus, string) error {
	if f.fail {
		return assertErr("status")
	}
	return nil
}

func (f *fakeStatusStore) UpdateJobProgress(_ context.Context, jobID string, p analyzer.Progress) error {
	if f.fail {
		return assertErr("progress")
	}
	f.progress = append(f.progress, progressCall{jobID: jobID, p: p})
	return nil
}

func (f *fakeStatusStore) SaveReport(context.Context, string, string, string, analyzer.Report) error {
	return assertErr("save")
}

func (f *fakeStatusStore) Job(context.Context, string) (storage.JobRecord, error) {
	return storage.JobRecord{}, assertErr("job")
}

func (f *fakeStatusStore) Report(context.Context, string) (analyzer.Report, error) {
	return analyzer.Report{}, assertErr("report")
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
