// Package sqlite provides the durable queue backend. Jobs live in a single
// table; leases, retries, and stall recovery are plain row updates, so the
// queue survives process restarts with no recovery step beyond the janitor's
// normal stall sweep.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sitelens/sitelens/internal/analyzer"
	"github.com/sitelens/sitelens/internal/clock/system"
	"github.com/sitelens/sitelens/internal/queue"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	url              TEXT NOT NULL,
	user_id          TEXT NOT NULL DEFAULT '',
	priority         INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL,
	attempts_made    INTEGER NOT NULL DEFAULT 0,
	max_attempts     INTEGER NOT NULL,
	stalled_count    INTEGER NOT NULL DEFAULT 0,
	progress_percent INTEGER NOT NULL DEFAULT 0,
	progress_step    TEXT NOT NULL DEFAULT '',
	progress_message TEXT NOT NULL DEFAULT '',
	last_error       TEXT NOT NULL DEFAULT '',
	created_at       INTEGER NOT NULL,
	started_at       INTEGER,
	finished_at      INTEGER,
	run_at           INTEGER NOT NULL,
	lease_owner      TEXT NOT NULL DEFAULT '',
	lease_until      INTEGER,
	seq              INTEGER NOT NULL,
	report_json      TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_lease ON jobs (status, run_at, priority, seq);
`

const jobColumns = `id, url, user_id, priority, status, attempts_made, max_attempts,
	stalled_count, progress_percent, progress_step, progress_message, last_error,
	created_at, started_at, finished_at`

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// Queue is the sqlite-backed job queue.
type Queue struct {
	db    *sql.DB
	opts  queue.Options
	clock analyzer.Clock

	mu     sync.Mutex
	closed bool
}

// Open opens (or creates) the queue database at path. Pass ":memory:" for an
// in-memory database, used by tests.
func Open(path string, opts queue.Options, clk analyzer.Clock) (*Queue, error) {
	if clk == nil {
		clk = system.New()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("queue/sqlite: opening database: %w", err)
	}
	// A single connection sidesteps "database is locked" errors; the queue
	// serializes every mutation anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue/sqlite: setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue/sqlite: setting journal mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue/sqlite: creating schema: %w", err)
	}

	return &Queue{db: db, opts: opts.Normalize(), clock: clk}, nil
}

// Enqueue inserts a job, replacing a terminal row with the same id.
func (q *Queue) Enqueue(ctx context.Context, job analyzer.Job) (analyzer.Job, error) {
	if err := q.guardOpen(); err != nil {
		return analyzer.Job{}, err
	}
	if job.ID == "" {
		return analyzer.Job{}, errors.New("queue: enqueue requires a job id")
	}

	now := q.clock.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.opts.MaxAttempts
	}
	job.Status = analyzer.JobStatusQueued
	job.AttemptsMade = 0
	job.StalledCount = 0
	job.Progress = analyzer.Progress{}
	job.StartedAt = nil
	job.FinishedAt = nil
	job.LastError = ""

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return analyzer.Job{}, fmt.Errorf("queue/sqlite: beginning enqueue: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, job.ID).Scan(&status)
	switch {
	case err == nil:
		if !analyzer.JobStatus(status).Terminal() {
			return analyzer.Job{}, &queue.DuplicateJobError{ID: job.ID}
		}
	case errors.Is(err, sql.ErrNoRows):
		// Fresh id.
	default:
		return analyzer.Job{}, fmt.Errorf("queue/sqlite: checking duplicate: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO jobs
			(id, url, user_id, priority, status, attempts_made, max_attempts,
			 stalled_count, created_at, run_at, seq)
		VALUES (?, ?, ?, ?, ?, 0, ?, 0, ?, ?,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM jobs))`,
		job.ID, job.URL, job.UserID, job.Priority, string(analyzer.JobStatusQueued),
		job.MaxAttempts, job.CreatedAt.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return analyzer.Job{}, fmt.Errorf("queue/sqlite: inserting job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return analyzer.Job{}, fmt.Errorf("queue/sqlite: committing enqueue: %w", err)
	}
	return job, nil
}

// Lease claims the most urgent eligible job inside a transaction. A lost
// update race reads as an empty queue; the worker's next poll retries.
func (q *Queue) Lease(ctx context.Context, workerID string, leaseDuration time.Duration) (analyzer.Job, bool, error) {
	if err := q.guardOpen(); err != nil {
		return analyzer.Job{}, false, err
	}
	if leaseDuration <= 0 {
		return analyzer.Job{}, false, errors.New("queue: lease duration must be positive")
	}

	now := q.clock.Now()
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return analyzer.Job{}, false, fmt.Errorf("queue/sqlite: beginning lease: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = ? AND run_at <= ?
		ORDER BY priority ASC, seq ASC
		LIMIT 1`,
		string(analyzer.JobStatusQueued), now.UnixNano(),
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return analyzer.Job{}, false, nil
	}
	if err != nil {
		return analyzer.Job{}, false, fmt.Errorf("queue/sqlite: selecting next job: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET
			status = ?, attempts_made = attempts_made + 1, started_at = ?,
			lease_owner = ?, lease_until = ?,
			progress_percent = 0, progress_step = '', progress_message = ''
		WHERE id = ? AND status = ?`,
		string(analyzer.JobStatusActive), now.UnixNano(),
		workerID, now.Add(leaseDuration).UnixNano(),
		job.ID, string(analyzer.JobStatusQueued),
	)
	if err != nil {
		return analyzer.Job{}, false, fmt.Errorf("queue/sqlite: claiming job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return analyzer.Job{}, false, fmt.Errorf("queue/sqlite: checking claim: %w", err)
	}
	if n != 1 {
		return analyzer.Job{}, false, nil
	}
	if err := tx.Commit(); err != nil {
		return analyzer.Job{}, false, fmt.Errorf("queue/sqlite: committing lease: %w", err)
	}

	job.Status = analyzer.JobStatusActive
	job.AttemptsMade++
	job.Progress = analyzer.Progress{}
	started := now
	job.StartedAt = &started
	return job, true, nil
}

// Heartbeat extends workerID's lease.
func (q *Queue) Heartbeat(ctx context.Context, jobID, workerID string, leaseDuration time.Duration) error {
	if err := q.guardOpen(); err != nil {
		return err
	}
	if err := q.guardActiveOwned(ctx, jobID, workerID); err != nil {
		return err
	}
	_, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET lease_until = ? WHERE id = ? AND status = ? AND lease_owner = ?`,
		q.clock.Now().Add(leaseDuration).UnixNano(), jobID,
		string(analyzer.JobStatusActive), workerID,
	)
	if err != nil {
		return fmt.Errorf("queue/sqlite: extending lease: %w", err)
	}
	return nil
}

// Complete records a terminal success and keeps the report JSON alongside
// the row for post-mortem inspection.
func (q *Queue) Complete(ctx context.Context, jobID, workerID string, result analyzer.Report) error {
	if err := q.guardOpen(); err != nil {
		return err
	}
	if err := q.guardActiveOwned(ctx, jobID, workerID); err != nil {
		return err
	}

	reportJSON := sql.NullString{}
	if result.ID != "" {
		if b, err := json.Marshal(result); err == nil {
			reportJSON = sql.NullString{String: string(b), Valid: true}
		}
	}

	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = ?, progress_percent = 100, progress_step = 'completed',
			progress_message = '', last_error = '', finished_at = ?,
			lease_owner = '', lease_until = NULL, report_json = ?
		WHERE id = ? AND status = ? AND lease_owner = ?`,
		string(analyzer.JobStatusCompleted), q.clock.Now().UnixNano(), reportJSON,
		jobID, string(analyzer.JobStatusActive), workerID,
	)
	if err != nil {
		return fmt.Errorf("queue/sqlite: completing job: %w", err)
	}
	return nil
}

// Fail records a failed attempt, requeueing with backoff while retryable
// attempts remain.
func (q *Queue) Fail(ctx context.Context, jobID, workerID string, cause error, retryable bool) error {
	if err := q.guardOpen(); err != nil {
		return err
	}

	msg := "unknown failure"
	if cause != nil {
		msg = cause.Error()
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("queue/sqlite: beginning fail: %w", err)
	}
	defer tx.Rollback()

	var (
		status   string
		owner    string
		attempts int
		maxAtt   int
	)
	err = tx.QueryRowContext(ctx,
		`SELECT status, lease_owner, attempts_made, max_attempts FROM jobs WHERE id = ?`, jobID,
	).Scan(&status, &owner, &attempts, &maxAtt)
	if errors.Is(err, sql.ErrNoRows) {
		return queue.ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("queue/sqlite: loading job: %w", err)
	}
	if analyzer.JobStatus(status) != analyzer.JobStatusActive {
		return queue.ErrJobNotActive
	}
	if owner != workerID {
		return queue.ErrNotLeaseOwner
	}

	now := q.clock.Now()
	if retryable && attempts < maxAtt {
		runAt := now.Add(queue.BackoffDelay(q.opts, attempts))
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET
				status = ?, last_error = ?, run_at = ?, started_at = NULL,
				lease_owner = '', lease_until = NULL
			WHERE id = ?`,
			string(analyzer.JobStatusQueued), msg, runAt.UnixNano(), jobID,
		)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET
				status = ?, last_error = ?, finished_at = ?,
				lease_owner = '', lease_until = NULL
			WHERE id = ?`,
			string(analyzer.JobStatusFailed), msg, now.UnixNano(), jobID,
		)
	}
	if err != nil {
		return fmt.Errorf("queue/sqlite: recording failure: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("queue/sqlite: committing failure: %w", err)
	}
	return nil
}

// UpdateProgress writes a checkpoint. Inactive jobs and regressing percents
// are dropped silently; progress is best-effort.
func (q *Queue) UpdateProgress(ctx context.Context, jobID string, p analyzer.Progress) error {
	if err := q.guardOpen(); err != nil {
		return err
	}
	if p.Percent > 100 {
		p.Percent = 100
	}

	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET progress_percent = ?, progress_step = ?, progress_message = ?
		WHERE id = ? AND status = ? AND progress_percent <= ?`,
		p.Percent, p.Step, p.Message,
		jobID, string(analyzer.JobStatusActive), p.Percent,
	)
	if err != nil {
		return fmt.Errorf("queue/sqlite: writing progress: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Distinguish "unknown job" from the silent drops.
		var one int
		err := q.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, jobID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return queue.ErrJobNotFound
		}
	}
	return nil
}

// Retry re-queues a failed job as if freshly submitted.
func (q *Queue) Retry(ctx context.Context, jobID string) (analyzer.Job, error) {
	if err := q.guardOpen(); err != nil {
		return analyzer.Job{}, err
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return analyzer.Job{}, fmt.Errorf("queue/sqlite: beginning retry: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, jobID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return analyzer.Job{}, queue.ErrJobNotFound
	}
	if err != nil {
		return analyzer.Job{}, fmt.Errorf("queue/sqlite: loading job: %w", err)
	}
	if analyzer.JobStatus(status) != analyzer.JobStatusFailed {
		return analyzer.Job{}, queue.ErrJobNotFailed
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET
			status = ?, attempts_made = 0, stalled_count = 0,
			progress_percent = 0, progress_step = '', progress_message = '',
			last_error = '', started_at = NULL, finished_at = NULL,
			run_at = ?, seq = (SELECT COALESCE(MAX(seq), 0) + 1 FROM jobs),
			report_json = NULL
		WHERE id = ?`,
		string(analyzer.JobStatusQueued), q.clock.Now().UnixNano(), jobID,
	)
	if err != nil {
		return analyzer.Job{}, fmt.Errorf("queue/sqlite: resetting job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return analyzer.Job{}, fmt.Errorf("queue/sqlite: committing retry: %w", err)
	}
	return q.Job(ctx, jobID)
}

// ErrNoReport is returned by Report for jobs that have not completed.
var ErrNoReport = errors.New("queue/sqlite: no report recorded for job")

// Report returns the result recorded by Complete.
func (q *Queue) Report(ctx context.Context, jobID string) (analyzer.Report, error) {
	if err := q.guardOpen(); err != nil {
		return analyzer.Report{}, err
	}
	var raw sql.NullString
	err := q.db.QueryRowContext(ctx,
		`SELECT report_json FROM jobs WHERE id = ?`, jobID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return analyzer.Report{}, queue.ErrJobNotFound
	}
	if err != nil {
		return analyzer.Report{}, fmt.Errorf("queue/sqlite: loading report: %w", err)
	}
	if !raw.Valid {
		return analyzer.Report{}, ErrNoReport
	}
	var report analyzer.Report
	if err := json.Unmarshal([]byte(raw.String), &report); err != nil {
		return analyzer.Report{}, fmt.Errorf("queue/sqlite: decoding report: %w", err)
	}
	return report, nil
}

// Job returns a point-in-time copy of one job.
func (q *Queue) Job(ctx context.Context, jobID string) (analyzer.Job, error) {
	if err := q.guardOpen(); err != nil {
		return analyzer.Job{}, err
	}
	row := q.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return analyzer.Job{}, queue.ErrJobNotFound
	}
	if err != nil {
		return analyzer.Job{}, fmt.Errorf("queue/sqlite: loading job: %w", err)
	}
	return job, nil
}

// Stats counts jobs by state in one aggregate pass.
func (q *Queue) Stats(ctx context.Context) (queue.Stats, error) {
	if err := q.guardOpen(); err != nil {
		return queue.Stats{}, err
	}

	now := q.clock.Now().UnixNano()
	var s queue.Stats
	err := q.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'queued' AND run_at <= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'queued' AND run_at > ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'active' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		FROM jobs`,
		now, now,
	).Scan(&s.Queued, &s.Delayed, &s.Active, &s.Completed, &s.Failed)
	if err != nil {
		return queue.Stats{}, fmt.Errorf("queue/sqlite: counting jobs: %w", err)
	}
	return s, nil
}

// RequeueStalled reclaims active jobs whose lease expired. Expired rows are
// collected first so the single connection is free for the updates.
func (q *Queue) RequeueStalled(ctx context.Context) (int, error) {
	if err := q.guardOpen(); err != nil {
		return 0, err
	}

	now := q.clock.Now()
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, stalled_count FROM jobs
		WHERE status = ? AND lease_until IS NOT NULL AND lease_until < ?`,
		string(analyzer.JobStatusActive), now.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("queue/sqlite: scanning stalled jobs: %w", err)
	}

	type stalled struct {
		id     string
		stalls int
	}
	var expired []stalled
	for rows.Next() {
		var s stalled
		if err := rows.Scan(&s.id, &s.stalls); err != nil {
			rows.Close()
			return 0, fmt.Errorf("queue/sqlite: scanning stalled row: %w", err)
		}
		expired = append(expired, s)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("queue/sqlite: iterating stalled rows: %w", err)
	}
	rows.Close()

	touched := 0
	for _, s := range expired {
		if s.stalls >= q.opts.MaxStalledCount {
			_, err = q.db.ExecContext(ctx, `
				UPDATE jobs SET
					status = ?, stalled_count = stalled_count + 1, last_error = ?,
					finished_at = ?, lease_owner = '', lease_until = NULL
				WHERE id = ? AND status = ?`,
				string(analyzer.JobStatusFailed), queue.StallError(s.stalls+1).Error(),
				now.UnixNano(), s.id, string(analyzer.JobStatusActive),
			)
		} else {
			_, err = q.db.ExecContext(ctx, `
				UPDATE jobs SET
					status = ?, stalled_count = stalled_count + 1, started_at = NULL,
					run_at = ?, lease_owner = '', lease_until = NULL
				WHERE id = ? AND status = ?`,
				string(analyzer.JobStatusQueued), now.UnixNano(),
				s.id, string(analyzer.JobStatusActive),
			)
		}
		if err != nil {
			return touched, fmt.Errorf("queue/sqlite: reclaiming job %s: %w", s.id, err)
		}
		touched++
	}
	return touched, nil
}

// TrimHistory removes terminal jobs past the retention limits, by count and
// by age in one statement per status.
func (q *Queue) TrimHistory(ctx context.Context) (int, error) {
	if err := q.guardOpen(); err != nil {
		return 0, err
	}

	now := q.clock.Now()
	removed := 0
	for _, policy := range []struct {
		status analyzer.JobStatus
		limit  int
		maxAge time.Duration
	}{
		{analyzer.JobStatusCompleted, q.opts.CompletedLimit, q.opts.CompletedMaxAge},
		{analyzer.JobStatusFailed, q.opts.FailedLimit, q.opts.FailedMaxAge},
	} {
		res, err := q.db.ExecContext(ctx, `
			DELETE FROM jobs WHERE status = ? AND (
				finished_at < ? OR id NOT IN (
					SELECT id FROM jobs WHERE status = ?
					ORDER BY finished_at DESC, seq DESC LIMIT ?))`,
			string(policy.status), now.Add(-policy.maxAge).UnixNano(),
			string(policy.status), policy.limit,
		)
		if err != nil {
			return removed, fmt.Errorf("queue/sqlite: trimming %s jobs: %w", policy.status, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			removed += int(n)
		}
	}
	return removed, nil
}

// Close releases the database. All later calls return ErrClosed.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	return q.db.Close()
}

func (q *Queue) guardOpen() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.ErrClosed
	}
	return nil
}

// guardActiveOwned maps a worker-owned mutation's preconditions to the
// shared sentinel errors.
func (q *Queue) guardActiveOwned(ctx context.Context, jobID, workerID string) error {
	var status, owner string
	err := q.db.QueryRowContext(ctx,
		`SELECT status, lease_owner FROM jobs WHERE id = ?`, jobID,
	).Scan(&status, &owner)
	if errors.Is(err, sql.ErrNoRows) {
		return queue.ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("queue/sqlite: loading job: %w", err)
	}
	if analyzer.JobStatus(status) != analyzer.JobStatusActive {
		return queue.ErrJobNotActive
	}
	if owner != workerID {
		return queue.ErrNotLeaseOwner
	}
	return nil
}

// scanJob loads one row in jobColumns order.
func scanJob(row scanner) (analyzer.Job, error) {
	var (
		job      analyzer.Job
		status   string
		created  int64
		started  sql.NullInt64
		finished sql.NullInt64
	)
	err := row.Scan(
		&job.ID, &job.URL, &job.UserID, &job.Priority, &status,
		&job.AttemptsMade, &job.MaxAttempts, &job.StalledCount,
		&job.Progress.Percent, &job.Progress.Step, &job.Progress.Message,
		&job.LastError, &created, &started, &finished,
	)
	if err != nil {
		return analyzer.Job{}, err
	}
	job.Status = analyzer.JobStatus(status)
	job.CreatedAt = time.Unix(0, created).UTC()
	if started.Valid {
		t := time.Unix(0, started.Int64).UTC()
		job.StartedAt = &t
	}
	if finished.Valid {
		t := time.Unix(0, finished.Int64).UTC()
		job.FinishedAt = &t
	}
	return job, nil
}
