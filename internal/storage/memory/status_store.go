package memory

import (
	"context"
	"sync"

	"github.com/sitelens/sitelens/internal/analyzer"
	"github.com/sitelens/sitelens/internal/clock/system"
	"github.com/sitelens/sitelens/internal/storage"
)

// StatusStore provides an in-memory implementation for development/testing.
type StatusStore struct {
	clock analyzer.Clock

	mu      sync.RWMutex
	jobs    map[string]storage.JobRecord
	reports map[string]savedReport
}

type savedReport struct {
	userID string
	url    string
	report analyzer.Report
}

// NewStatusStore constructs a StatusStore. A nil clock falls back to the
// system clock.
func NewStatusStore(clk analyzer.Clock) *StatusStore {
	if clk == nil {
		clk = system.New()
	}
	return &StatusStore{
		clock:   clk,
		jobs:    make(map[string]storage.JobRecord),
		reports: make(map[string]savedReport),
	}
}

// UpdateJobStatus upserts the mirrored status for a job.
func (s *StatusStore) UpdateJobStatus(_ context.Context, jobID string, status analyzer.JobStatus, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.jobs[jobID]
	rec.ID = jobID
	rec.Status = status
	rec.LastError = errorMessage
	rec.UpdatedAt = s.clock.Now()
	s.jobs[jobID] = rec
	return nil
}

// UpdateJobProgress records the latest checkpoint for a job.
func (s *StatusStore) UpdateJobProgress(_ context.Context, jobID string, p analyzer.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.jobs[jobID]
	rec.ID = jobID
	if rec.Status == "" {
		rec.Status = analyzer.JobStatusActive
	}
	rec.Progress = p
	rec.UpdatedAt = s.clock.Now()
	s.jobs[jobID] = rec
	return nil
}

// SaveReport persists a finished report keyed by job id.
func (s *StatusStore) SaveReport(_ context.Context, jobID, userID, url string, report analyzer.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[jobID] = savedReport{userID: userID, url: url, report: report}
	return nil
}

// Job fetches the mirrored record by job id.
func (s *StatusStore) Job(_ context.Context, jobID string) (storage.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return storage.JobRecord{}, storage.ErrNotFound
	}
	return rec, nil
}

// Report fetches a saved report by job id.
func (s *StatusStore) Report(_ context.Context, jobID string) (analyzer.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	saved, ok := s.reports[jobID]
	if !ok {
		return analyzer.Report{}, storage.ErrNotFound
	}
	return saved.report, nil
}
