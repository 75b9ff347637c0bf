// Package report assembles the immutable analysis report from scored
// dimensions, recommendations, and timing metadata.
package report

import (
	"time"

	"github.com/sitelens/sitelens/internal/analyzer"
	"github.com/sitelens/sitelens/internal/scoring"
)

// Input carries everything the assembler needs. Timestamp and AnalysisTime
// are passed in rather than read from a clock so assembly stays pure.
type Input struct {
	JobID           string
	URL             string
	Results         map[string]analyzer.DimensionResult
	Recommendations []analyzer.Recommendation
	Timestamp       time.Time
	AnalysisTime    time.Duration
	ScreenshotRef   string
}

// Assemble builds the final report. The dimension score map always covers
// the full canonical dimension set; dimensions absent from the input score
// at the placeholder value, matching how the overall score is computed.
func Assemble(in Input) analyzer.Report {
	scores := make(map[string]int, len(scoring.Dimensions()))
	for _, dim := range scoring.Dimensions() {
		if res, ok := in.Results[dim]; ok {
			scores[dim] = res.Score
		} else {
			scores[dim] = scoring.PlaceholderScore
		}
	}

	elapsed := in.AnalysisTime.Milliseconds()
	if elapsed < 0 {
		elapsed = 0
	}

	return analyzer.Report{
		ID:              in.JobID,
		URL:             in.URL,
		Timestamp:       in.Timestamp,
		DimensionScores: scores,
		OverallScore:    scoring.Overall(in.Results),
		Recommendations: in.Recommendations,
		AnalysisTimeMs:  elapsed,
		ScreenshotRef:   in.ScreenshotRef,
	}
}
