// Package storage defines the persistence interfaces behind the analysis
// pipeline: the externally readable job-status mirror and the blob store
// holding screenshot artifacts. This abstraction keeps the worker and API
// independent of a specific backend (Postgres, Google Cloud Storage, the
// local filesystem, or in-memory stores for tests).
package storage

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/sitelens/sitelens/internal/analyzer"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("storage: record not found")

// JobRecord mirrors a job's externally visible state. It outlives queue
// retention, so terminal jobs stay queryable after the queue trims them.
type JobRecord struct {
	ID        string             `json:"job_id"`
	Status    analyzer.JobStatus `json:"status"`
	Progress  analyzer.Progress  `json:"progress"`
	LastError string             `json:"last_error,omitempty"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// StatusStore persists the externally readable job state and finished
// reports. The worker treats writes as best-effort; readers receive
// ErrNotFound for unknown ids.
type StatusStore interface {
	// UpdateJobStatus upserts the mirrored status for a job.
	UpdateJobStatus(ctx context.Context, jobID string, status analyzer.JobStatus, errorMessage string) error
	// UpdateJobProgress records the latest progress checkpoint.
	UpdateJobProgress(ctx context.Context, jobID string, p analyzer.Progress) error
	// SaveReport persists a finished report keyed by job id.
	SaveReport(ctx context.Context, jobID, userID, url string, report analyzer.Report) error
	// Job loads the mirrored record or returns ErrNotFound.
	Job(ctx context.Context, jobID string) (JobRecord, error)
	// Report loads a saved report or returns ErrNotFound.
	Report(ctx context.Context, jobID string) (analyzer.Report, error)
}

// BlobStore persists binary artifacts such as page screenshots.
type BlobStore interface {
	// PutObject uploads data under path and returns an addressable URI.
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	// GetObject reads a stored object back, or returns ErrNotFound.
	GetObject(ctx context.Context, path string) ([]byte, error)
}
