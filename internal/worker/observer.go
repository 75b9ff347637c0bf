package worker

import (
	"go.uber.org/zap"

	"github.com/sitelens/sitelens/internal/analyzer"
)

// LogObserver writes one structured record per job outcome.
type LogObserver struct {
	logger *zap.Logger
}

// NewLogObserver builds a LogObserver. A nil logger disables it.
func NewLogObserver(logger *zap.Logger) *LogObserver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogObserver{logger: logger.Named("outcome")}
}

// JobCompleted logs a finished analysis with its headline numbers.
func (o *LogObserver) JobCompleted(job analyzer.Job, rep analyzer.Report) {
	o.logger.Info("analysis completed",
		zap.String("job_id", job.ID),
		zap.String("url", job.URL),
		zap.Int("attempts", job.AttemptsMade),
		zap.Int("overall_score", rep.OverallScore),
		zap.Int("recommendations", len(rep.Recommendations)),
		zap.Int64("analysis_ms", rep.AnalysisTimeMs),
	)
}

// JobFailed logs a failed attempt, noting whether the queue kept the job
// alive for another try.
func (o *LogObserver) JobFailed(job analyzer.Job, err error, retryable bool) {
	o.logger.Warn("analysis attempt failed",
		zap.String("job_id", job.ID),
		zap.String("url", job.URL),
		zap.Int("attempts", job.AttemptsMade),
		zap.String("kind", string(analyzer.KindOf(err))),
		zap.Bool("retryable", retryable),
		zap.String("status", string(job.Status)),
		zap.Error(err),
	)
}
