package report

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sitelens/sitelens/internal/analyzer"
	"github.com/sitelens/sitelens/internal/scoring"
)

func TestAssembleFullReport(t *testing.T) {
	t.Parallel()

	sig := analyzer.ExtractedSignals{
		Colors:       []string{"#fff", "#000", "#f00"},
		Typography:   analyzer.Typography{FontFamilies: []string{"Arial"}, FontSizes: []float64{16, 24, 40}},
		ElementCount: 600,
	}
	results := scoring.Evaluate(sig)
	ts := time.Date(2025, 7, 14, 10, 30, 0, 0, time.UTC)

	rep := Assemble(Input{
		JobID:         "job-1",
		URL:           "https://example.com",
		Results:       results,
		Timestamp:     ts,
		AnalysisTime:  2350 * time.Millisecond,
		ScreenshotRef: "screenshots/job-1.png",
	})

	require.Equal(t, "job-1", rep.ID)
	require.Equal(t, "https://example.com", rep.URL)
	require.Equal(t, ts, rep.Timestamp)
	require.Equal(t, int64(2350), rep.AnalysisTimeMs)
	require.Equal(t, "screenshots/job-1.png", rep.ScreenshotRef)

	require.Len(t, rep.DimensionScores, 7)
	require.Equal(t, 85, rep.DimensionScores[scoring.DimColors])
	require.Equal(t, 90, rep.DimensionScores[scoring.DimTypography])
	require.Equal(t, 45, rep.DimensionScores[scoring.DimComplexity])
	require.Equal(t, 30, rep.DimensionScores[scoring.DimCTAProminence])
	require.Equal(t, scoring.PlaceholderScore, rep.DimensionScores[scoring.DimWhitespace])
	require.Equal(t, 68, rep.OverallScore)
}

func TestAssembleFillsMissingDimensionsWithPlaceholder(t *testing.T) {
	t.Parallel()

	rep := Assemble(Input{
		JobID:   "job-2",
		URL:     "https://example.com",
		Results: map[string]analyzer.DimensionResult{scoring.DimColors: {Score: 85}},
	})

	require.Len(t, rep.DimensionScores, 7)
	require.Equal(t, 85, rep.DimensionScores[scoring.DimColors])
	for _, dim := range scoring.Dimensions() {
		if dim == scoring.DimColors {
			continue
		}
		require.Equal(t, scoring.PlaceholderScore, rep.DimensionScores[dim])
	}
}

func TestAssembleClampsNegativeElapsed(t *testing.T) {
	t.Parallel()

	rep := Assemble(Input{JobID: "job-3", AnalysisTime: -time.Second})
	require.Equal(t, int64(0), rep.AnalysisTimeMs)
}
