package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/sitelens/sitelens/internal/analyzer"
	"github.com/sitelens/sitelens/internal/progress"
	"github.com/sitelens/sitelens/internal/queue"
)

// ProgressQueue is the slice of the job queue the sink writes through.
type ProgressQueue interface {
	UpdateProgress(ctx context.Context, jobID string, p analyzer.Progress) error
}

// QueueSink writes checkpoints back onto the job records in the queue so that
// job status lookups reflect live progress. Batches are collapsed to the
// latest event per job.
type QueueSink struct {
	queue ProgressQueue
}

// NewQueueSink constructs a QueueSink for the provided queue.
func NewQueueSink(q ProgressQueue) *QueueSink {
	return &QueueSink{queue: q}
}

// Consume forwards the freshest checkpoint per job to the queue. Jobs that
// were trimmed between emit and flush are skipped; retention racing a late
// flush is routine, not a delivery failure.
func (s *QueueSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.queue == nil {
		return nil
	}
	for _, evt := range collapseLatest(batch) {
		p := analyzer.Progress{
			Percent: evt.Percent,
			Step:    string(evt.Step),
			Message: evt.Message,
		}
		err := s.queue.UpdateProgress(ctx, evt.JobID, p)
		if err == nil || errors.Is(err, queue.ErrJobNotFound) {
			continue
		}
		return fmt.Errorf("update queue progress: %w", err)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *QueueSink) Close(context.Context) error {
	return nil
}
