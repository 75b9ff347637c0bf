// Package analyzer defines core types shared across subsystems.
package analyzer

import (
	"time"
)

// JobStatus represents the lifecycle state of an analysis job.
type JobStatus string

// Job status values persisted by the queue.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether the status is final and will not change without an
// operator retry.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Progress captures the worker's last reported checkpoint for a job. Percent
// is non-decreasing within a single attempt and reaches 100 only on
// completion.
type Progress struct {
	Percent int    `json:"percent"`
	Step    string `json:"step"`
	Message string `json:"message,omitempty"`
}

// Job represents one requested analysis of a URL. The ID doubles as the
// idempotency key: re-submitting an ID that is still queued or active is
// rejected by the queue.
type Job struct {
	ID           string     `json:"id"`
	URL          string     `json:"url"`
	UserID       string     `json:"user_id,omitempty"`
	Priority     int        `json:"priority"`
	Status       JobStatus  `json:"status"`
	AttemptsMade int        `json:"attempts_made"`
	MaxAttempts  int        `json:"max_attempts"`
	Progress     Progress   `json:"progress"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	StalledCount int        `json:"stalled_count,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

// Typography holds the raw font data pulled from a rendered page.
type Typography struct {
	FontFamilies []string  `json:"font_families"`
	FontSizes    []float64 `json:"font_sizes"`
}

// CTA is one call-to-action candidate found on the page.
type CTA struct {
	Text     string `json:"text"`
	IsButton bool   `json:"is_button"`
}

// ExtractedSignals is the raw design data produced by the extractor for one
// attempt. Slices may contain duplicates or empty strings; the scoring engine
// normalizes them.
type ExtractedSignals struct {
	Colors        []string   `json:"colors"`
	Typography    Typography `json:"typography"`
	ElementCount  int        `json:"element_count"`
	CTAs          []CTA      `json:"ctas"`
	ScreenshotPNG []byte     `json:"-"`
}

// DimensionResult is the scored outcome for a single design dimension.
type DimensionResult struct {
	Score    int            `json:"score"`
	Findings []string       `json:"findings"`
	Data     map[string]any `json:"data,omitempty"`
}

// Priority ranks a recommendation's urgency.
type Priority string

// Recommendation priorities, ordered high to low.
const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank maps a priority to a sortable integer (high first).
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	default:
		return 2
	}
}

// Effort estimates the work needed to act on a recommendation.
type Effort string

// Recommendation effort levels.
const (
	EffortLow    Effort = "low"
	EffortMedium Effort = "medium"
	EffortHigh   Effort = "high"
)

// Recommendation is one actionable suggestion produced from dimension scores.
type Recommendation struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Priority    Priority `json:"priority"`
	Effort      Effort   `json:"effort"`
	Impact      string   `json:"impact"`
	Dimension   string   `json:"dimension"`
	ActionItems []string `json:"action_items"`
}

// Report is the immutable output of one successful analysis.
type Report struct {
	ID              string           `json:"id"`
	URL             string           `json:"url"`
	Timestamp       time.Time        `json:"timestamp"`
	DimensionScores map[string]int   `json:"dimension_scores"`
	OverallScore    int              `json:"overall_score"`
	Recommendations []Recommendation `json:"recommendations"`
	AnalysisTimeMs  int64            `json:"analysis_time_ms"`
	ScreenshotRef   string           `json:"screenshot_ref,omitempty"`
}
