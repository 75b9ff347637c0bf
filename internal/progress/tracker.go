package progress

import (
	"github.com/sitelens/sitelens/internal/analyzer"
	"github.com/sitelens/sitelens/internal/clock/system"
)

// Tracker emits checkpoint events for a single job attempt. Percentages are
// monotonic within an attempt: a checkpoint reporting less progress than one
// already emitted is raised to the previous high-water mark. Create a fresh
// Tracker for every attempt so retries restart from zero.
//
// A Tracker is driven by the single goroutine executing the attempt and is
// not safe for concurrent use.
type Tracker struct {
	emitter Emitter
	jobID   string
	clock   analyzer.Clock
	percent int
}

// NewTracker returns a Tracker bound to one job attempt. If clk is nil the
// system clock is used.
func NewTracker(emitter Emitter, jobID string, clk analyzer.Clock) *Tracker {
	if clk == nil {
		clk = system.New()
	}
	return &Tracker{
		emitter: emitter,
		jobID:   jobID,
		clock:   clk,
	}
}

// Checkpoint records that the attempt reached the given step and emits the
// corresponding event. Regressing percentages are clamped upward so consumers
// never observe progress moving backwards within an attempt.
func (t *Tracker) Checkpoint(percent int, step Step, message string) {
	if t == nil {
		return
	}
	if percent > 100 {
		percent = 100
	}
	if percent < t.percent {
		percent = t.percent
	}
	t.percent = percent
	if t.emitter == nil {
		return
	}
	t.emitter.Emit(Event{
		JobID:   t.jobID,
		Percent: percent,
		Step:    step,
		Message: message,
		At:      t.clock.Now(),
	})
}

// Percent reports the high-water mark reached so far in this attempt.
func (t *Tracker) Percent() int {
	if t == nil {
		return 0
	}
	return t.percent
}
