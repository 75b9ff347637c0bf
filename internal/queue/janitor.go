package queue

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Janitor cadence defaults.
const (
	DefaultSweepInterval = 15 * time.Second
	DefaultTrimInterval  = 10 * time.Minute
)

// Janitor periodically reclaims stalled leases and trims terminal history.
// It owns no state of its own; everything happens through the queue.
type Janitor struct {
	queue         Queue
	sweepInterval time.Duration
	trimInterval  time.Duration
	logger        *zap.Logger
}

// NewJanitor builds a janitor. Non-positive intervals fall back to the
// defaults; a nil logger is replaced with a no-op.
func NewJanitor(q Queue, sweepInterval, trimInterval time.Duration, logger *zap.Logger) *Janitor {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	if trimInterval <= 0 {
		trimInterval = DefaultTrimInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Janitor{
		queue:         q,
		sweepInterval: sweepInterval,
		trimInterval:  trimInterval,
		logger:        logger,
	}
}

// Run blocks until ctx is canceled, sweeping stalled leases and trimming
// history on independent tickers.
func (j *Janitor) Run(ctx context.Context) {
	sweep := time.NewTicker(j.sweepInterval)
	defer sweep.Stop()
	trim := time.NewTicker(j.trimInterval)
	defer trim.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			n, err := j.queue.RequeueStalled(ctx)
			switch {
			case err != nil && ctx.Err() == nil:
				j.logger.Warn("stall sweep failed", zap.Error(err))
			case n > 0:
				j.logger.Info("reclaimed stalled jobs", zap.Int("jobs", n))
			}
		case <-trim.C:
			n, err := j.queue.TrimHistory(ctx)
			switch {
			case err != nil && ctx.Err() == nil:
				j.logger.Warn("history trim failed", zap.Error(err))
			case n > 0:
				j.logger.Info("trimmed job history", zap.Int("jobs", n))
			}
		}
	}
}
