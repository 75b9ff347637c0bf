// Package publisher defines the completion-event contract: when a job
// reaches a terminal state, a compact notification is published for
// downstream consumers (webhooks, data pipelines). Publishing is always
// best-effort; a lost event never affects the job itself.
package publisher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sitelens/sitelens/internal/analyzer"
)

// CompletionEvent is the payload published after a terminal transition.
type CompletionEvent struct {
	JobID        string `json:"jobId"`
	URL          string `json:"url"`
	OverallScore int    `json:"overallScore,omitempty"`
	DurationMs   int64  `json:"durationMs,omitempty"`
	Status       string `json:"status"`
}

// Publisher delivers completion events.
type Publisher interface {
	PublishCompleted(ctx context.Context, evt CompletionEvent) error
	Close() error
}

// publishTimeout bounds each publish; the observer runs on the worker's
// outcome path and must not hold it hostage to a slow broker.
const publishTimeout = 5 * time.Second

// CompletionObserver adapts a Publisher to the worker pool's Observer
// interface. Requeued attempts are skipped; only terminal outcomes publish.
type CompletionObserver struct {
	pub    Publisher
	logger *zap.Logger
}

// NewCompletionObserver wires a publisher and logger. A nil logger is
// replaced with a no-op.
func NewCompletionObserver(pub Publisher, logger *zap.Logger) *CompletionObserver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CompletionObserver{pub: pub, logger: logger.Named("publisher")}
}

// JobCompleted publishes the success event.
func (o *CompletionObserver) JobCompleted(job analyzer.Job, rep analyzer.Report) {
	o.publish(CompletionEvent{
		JobID:        job.ID,
		URL:          job.URL,
		OverallScore: rep.OverallScore,
		DurationMs:   rep.AnalysisTimeMs,
		Status:       string(analyzer.JobStatusCompleted),
	})
}

// JobFailed publishes only when the queue made the failure terminal.
func (o *CompletionObserver) JobFailed(job analyzer.Job, _ error, _ bool) {
	if job.Status != analyzer.JobStatusFailed {
		return
	}
	o.publish(CompletionEvent{
		JobID:  job.ID,
		URL:    job.URL,
		Status: string(analyzer.JobStatusFailed),
	})
}

func (o *CompletionObserver) publish(evt CompletionEvent) {
	if o == nil || o.pub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := o.pub.PublishCompleted(ctx, evt); err != nil {
		o.logger.Warn("completion event publish failed",
			zap.String("job_id", evt.JobID),
			zap.String("status", evt.Status),
			zap.Error(err),
		)
	}
}
