package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sitelens/sitelens/internal/analyzer"
	"github.com/sitelens/sitelens/internal/api"
	"github.com/sitelens/sitelens/internal/config"
	"github.com/sitelens/sitelens/internal/id/uuid"
)

const oneshotPoll = 150 * time.Millisecond

// AnalyzeOnce runs a single analysis synchronously and returns the finished
// report. The analyze CLI command uses it. The run exercises the normal
// pipeline (queue, worker pool, progress, scoring) against in-memory
// backends; external backends from cfg are ignored.
func AnalyzeOnce(ctx context.Context, cfg config.Config, logger *zap.Logger, rawURL string, opts ...Option) (analyzer.Report, error) {
	normalized, err := api.NormalizeURL(rawURL)
	if err != nil {
		return analyzer.Report{}, err
	}

	cfg.Queue.Backend = "memory"
	cfg.Storage.StatusBackend = "memory"
	cfg.Storage.BlobBackend = "memory"
	cfg.Publisher.Backend = "memory"
	cfg.Worker.Concurrency = 1

	a, err := Build(ctx, cfg, logger, opts...)
	if err != nil {
		return analyzer.Report{}, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	poolDone := make(chan error, 1)
	go func() {
		poolDone <- a.pool.Run(runCtx)
	}()
	defer func() {
		cancel()
		<-poolDone
		closeCtx, cancelClose := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelClose()
		_ = a.Close(closeCtx)
	}()

	jobID, err := uuid.New().NewID()
	if err != nil {
		return analyzer.Report{}, fmt.Errorf("generate job id: %w", err)
	}
	if _, err := a.queue.Enqueue(ctx, analyzer.Job{ID: jobID, URL: normalized}); err != nil {
		return analyzer.Report{}, fmt.Errorf("enqueue job: %w", err)
	}

	ticker := time.NewTicker(oneshotPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return analyzer.Report{}, ctx.Err()
		case <-ticker.C:
		}

		job, err := a.queue.Job(ctx, jobID)
		if err != nil {
			return analyzer.Report{}, fmt.Errorf("poll job: %w", err)
		}
		switch job.Status {
		case analyzer.JobStatusCompleted:
			rep, err := a.store.Report(ctx, jobID)
			if err != nil {
				return analyzer.Report{}, fmt.Errorf("load report: %w", err)
			}
			return rep, nil
		case analyzer.JobStatusFailed:
			return analyzer.Report{}, fmt.Errorf("analysis failed: %s", job.LastError)
		}
	}
}
