package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sitelens/sitelens/internal/analyzer"
	"github.com/sitelens/sitelens/internal/progress"
	"github.com/sitelens/sitelens/internal/storage"
)

// StoreSink mirrors progress into a storage.StatusStore so job state survives
// queue retention. Batches are collapsed to the latest event per job to
// reduce write amplification.
type StoreSink struct {
	store  storage.StatusStore
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided status store.
func NewStoreSink(store storage.StatusStore, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{store: store, logger: logger}
}

// Consume collapses the batch to one event per job and forwards each to the
// status store. It respects ctx deadlines and returns store errors verbatim.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.store == nil {
		return nil
	}
	for _, evt := range collapseLatest(batch) {
		p := analyzer.Progress{
			Percent: evt.Percent,
			Step:    string(evt.Step),
			Message: evt.Message,
		}
		if err := s.store.UpdateJobProgress(ctx, evt.JobID, p); err != nil {
			return fmt.Errorf("update job progress: %w", err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

// collapseLatest keeps only the last event per job. Batches preserve emit
// order, so the final entry for a job is its freshest checkpoint.
func collapseLatest(batch []progress.Event) map[string]progress.Event {
	latest := make(map[string]progress.Event, len(batch))
	for _, evt := range batch {
		latest[evt.JobID] = evt
	}
	return latest
}
