package progress

import (
	"errors"
	"fmt"
	"time"
)

// Step denotes the pipeline stage a checkpoint belongs to.
type Step string

// Pipeline checkpoints in emission order. score-dimension repeats once per
// scored dimension; completed is emitted only by a successful finish.
const (
	StepInitialization          Step = "initialization"
	StepExtractorLaunch         Step = "extractor-launch"
	StepNavigate                Step = "navigate"
	StepCapture                 Step = "capture"
	StepUploadArtifact          Step = "upload-artifact"
	StepExtractSignals          Step = "extract-signals"
	StepScoreDimension          Step = "score-dimension"
	StepGenerateRecommendations Step = "generate-recommendations"
	StepPersist                 Step = "persist"
	StepCompleted               Step = "completed"
)

// knownSteps keeps free-form step strings from leaking into sinks, where
// they would blow up metric cardinality.
var knownSteps = map[Step]struct{}{
	StepInitialization:          {},
	StepExtractorLaunch:         {},
	StepNavigate:                {},
	StepCapture:                 {},
	StepUploadArtifact:          {},
	StepExtractSignals:          {},
	StepScoreDimension:          {},
	StepGenerateRecommendations: {},
	StepPersist:                 {},
	StepCompleted:               {},
}

// Event captures a single analysis progress checkpoint.
type Event struct {
	// JobID identifies the job whose attempt produced the checkpoint.
	JobID string
	// Percent is the cumulative pipeline position, 0 to 100.
	Percent int
	// Step denotes which pipeline stage the checkpoint marks.
	Step Step
	// Message carries optional human-readable context, such as the name of
	// the dimension just scored.
	Message string
	// At is the UTC timestamp recorded by the emitter.
	At time.Time
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.At.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Percent < 0 || e.Percent > 100 {
		return fmt.Errorf("percent %d out of range", e.Percent)
	}
	if _, ok := knownSteps[e.Step]; !ok {
		return fmt.Errorf("unknown step %q", e.Step)
	}
	return nil
}
