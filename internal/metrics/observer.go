package metrics

import (
	"time"

	"github.com/sitelens/sitelens/internal/analyzer"
)

// JobObserver translates worker outcomes into metrics. It satisfies the
// worker pool's Observer interface.
type JobObserver struct{}

// NewJobObserver initializes the collectors and returns an observer.
func NewJobObserver() *JobObserver {
	Init()
	return &JobObserver{}
}

// JobCompleted records a successful analysis.
func (JobObserver) JobCompleted(_ analyzer.Job, rep analyzer.Report) {
	ObserveCompleted(rep.OverallScore, time.Duration(rep.AnalysisTimeMs)*time.Millisecond)
}

// JobFailed records a failed attempt; the job's status tells a requeue apart
// from a terminal failure.
func (JobObserver) JobFailed(job analyzer.Job, err error, _ bool) {
	ObserveFailed(string(analyzer.KindOf(err)), job.Status == analyzer.JobStatusFailed)
}
