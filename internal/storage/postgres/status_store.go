// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sitelens/sitelens/internal/analyzer"
	"github.com/sitelens/sitelens/internal/clock/system"
	"github.com/sitelens/sitelens/internal/storage"
)

// StatusStoreConfig controls the Postgres connection pool behind the store.
type StatusStoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the narrow pgxpool surface the store depends on; pgxmock
// implements it for tests.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// StatusStore mirrors job state and stores finished reports in Postgres.
//
// Expected schema:
//
//	CREATE TABLE analysis_jobs (
//		id         TEXT PRIMARY KEY,
//		status     TEXT NOT NULL,
//		percent    INTEGER NOT NULL DEFAULT 0,
//		step       TEXT NOT NULL DEFAULT '',
//		message    TEXT NOT NULL DEFAULT '',
//		last_error TEXT NOT NULL DEFAULT '',
//		updated_at TIMESTAMPTZ NOT NULL
//	);
//
//	CREATE TABLE analysis_reports (
//		job_id     TEXT PRIMARY KEY,
//		user_id    TEXT NOT NULL DEFAULT '',
//		url        TEXT NOT NULL,
//		report     JSONB NOT NULL,
//		created_at TIMESTAMPTZ NOT NULL
//	);
type StatusStore struct {
	pool  pool
	clock analyzer.Clock
}

// NewStatusStore creates a Postgres-backed StatusStore using the provided config.
func NewStatusStore(ctx context.Context, cfg StatusStoreConfig, clk analyzer.Clock) (*StatusStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewStatusStoreWithPool(p, clk)
}

// NewStatusStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStatusStoreWithPool(p pool, clk analyzer.Clock) (*StatusStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clk == nil {
		clk = system.New()
	}
	return &StatusStore{pool: p, clock: clk}, nil
}

// Close releases the underlying pool resources.
func (s *StatusStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// UpdateJobStatus upserts the mirrored status row for a job.
func (s *StatusStore) UpdateJobStatus(ctx context.Context, jobID string, status analyzer.JobStatus, errorMessage string) error {
	if jobID == "" {
		return fmt.Errorf("job id is required")
	}
	query := `
INSERT INTO analysis_jobs (id, status, last_error, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE
SET status = EXCLUDED.status,
	last_error = EXCLUDED.last_error,
	updated_at = EXCLUDED.updated_at`
	if _, err := s.pool.Exec(ctx, query, jobID, string(status), errorMessage, s.clock.Now()); err != nil {
		return fmt.Errorf("upsert job status: %w", err)
	}
	return nil
}

// UpdateJobProgress records the latest checkpoint for a job. A row inserted
// by a progress write before any status write defaults to active.
func (s *StatusStore) UpdateJobProgress(ctx context.Context, jobID string, p analyzer.Progress) error {
	if jobID == "" {
		return fmt.Errorf("job id is required")
	}
	query := `
INSERT INTO analysis_jobs (id, status, percent, step, message, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE
SET percent = EXCLUDED.percent,
	step = EXCLUDED.step,
	message = EXCLUDED.message,
	updated_at = EXCLUDED.updated_at`
	args := []any{jobID, string(analyzer.JobStatusActive), p.Percent, p.Step, p.Message, s.clock.Now()}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert job progress: %w", err)
	}
	return nil
}

// SaveReport persists a finished report keyed by job id.
func (s *StatusStore) SaveReport(ctx context.Context, jobID, userID, url string, report analyzer.Report) error {
	if jobID == "" {
		return fmt.Errorf("job id is required")
	}
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	query := `
INSERT INTO analysis_reports (job_id, user_id, url, report, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (job_id) DO UPDATE
SET user_id = EXCLUDED.user_id,
	url = EXCLUDED.url,
	report = EXCLUDED.report,
	created_at = EXCLUDED.created_at`
	if _, err := s.pool.Exec(ctx, query, jobID, userID, url, reportJSON, s.clock.Now()); err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

// Job loads the mirrored record for a job id.
func (s *StatusStore) Job(ctx context.Context, jobID string) (storage.JobRecord, error) {
	query := `
SELECT id, status, percent, step, message, last_error, updated_at
FROM analysis_jobs
WHERE id = $1`
	var (
		rec    storage.JobRecord
		status string
	)
	err := s.pool.QueryRow(ctx, query, jobID).Scan(
		&rec.ID,
		&status,
		&rec.Progress.Percent,
		&rec.Progress.Step,
		&rec.Progress.Message,
		&rec.LastError,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.JobRecord{}, storage.ErrNotFound
		}
		return storage.JobRecord{}, fmt.Errorf("select job: %w", err)
	}
	rec.Status = analyzer.JobStatus(status)
	return rec, nil
}

// Report loads a saved report for a job id.
func (s *StatusStore) Report(ctx context.Context, jobID string) (analyzer.Report, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT report FROM analysis_reports WHERE job_id = $1`, jobID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return analyzer.Report{}, storage.ErrNotFound
		}
		return analyzer.Report{}, fmt.Errorf("select report: %w", err)
	}
	var report analyzer.Report
	if err := json.Unmarshal(raw, &report); err != nil {
		return analyzer.Report{}, fmt.Errorf("decode report: %w", err)
	}
	return report, nil
}
