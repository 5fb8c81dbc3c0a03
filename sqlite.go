//go:build sqlite
// +build sqlite

package queuectl

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// SQLiteBackend implements the Backend interface using SQLite.
// It provides ACID transactions across OS processes, so it is the backend to
// use when worker pools run as separate processes sharing one database file.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend creates a new SQLite backend.
// The database file will be created if it doesn't exist.
//
// The DSN requests _txlock=immediate so every write transaction takes the
// database write lock at BEGIN. The claim protocol depends on this: the
// SELECT and UPDATE inside ClaimNext run under one exclusive lock, which is
// what prevents two worker processes from claiming the same job.
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	backend := &SQLiteBackend{db: db}
	if err := backend.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return backend, nil
}

// Close closes the database connection.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

// initSchema initializes the database schema.
// Timestamps are stored as integer nanoseconds so creation order is a plain
// numeric sort even for jobs enqueued within the same second.
func (b *SQLiteBackend) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		command TEXT NOT NULL,
		state TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL,
		last_error TEXT,
		claimed_by TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_state_created_at ON jobs(state, created_at);
	`
	_, err := b.db.Exec(schema)
	return err
}

// mapSQLiteErr translates driver error codes into the package taxonomy.
func mapSQLiteErr(err error) error {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		switch serr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return fmt.Errorf("%w: %v", ErrLockTimeout, err)
		case sqlite3.ErrConstraint:
			return ErrDuplicateID
		}
	}
	return err
}

func scanJob(row interface{ Scan(...interface{}) error }) (*Job, error) {
	job := &Job{}
	var lastError, claimedBy sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(
		&job.ID, &job.Command, &job.State, &job.Attempts, &job.MaxRetries,
		&lastError, &claimedBy, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lastError.Valid {
		job.LastError = lastError.String
	}
	if claimedBy.Valid {
		job.ClaimedBy = claimedBy.String
	}
	job.CreatedAt = time.Unix(0, createdAt)
	job.UpdatedAt = time.Unix(0, updatedAt)
	return job, nil
}

const jobColumns = `id, command, state, attempts, max_retries, last_error, claimed_by, created_at, updated_at`

// CreateJob inserts a new PENDING job.
func (b *SQLiteBackend) CreateJob(ctx context.Context, job *Job) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}

	now := time.Now()
	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO jobs (id, command, state, attempts, max_retries, last_error, claimed_by, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, NULL, NULL, ?, ?)
	`, job.ID, job.Command, StatePending, job.MaxRetries, createdAt.UnixNano(), now.UnixNano())
	if err != nil {
		return mapSQLiteErr(err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (b *SQLiteBackend) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	row := b.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE id = ?
	`, jobID)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs in creation order, optionally filtered by state.
func (b *SQLiteBackend) ListJobs(ctx context.Context, state JobState) ([]*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	query := `SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at ASC, id ASC`
	args := []interface{}{}
	if state != "" {
		query = `SELECT ` + jobColumns + ` FROM jobs WHERE state = ? ORDER BY created_at ASC, id ASC`
		args = append(args, state)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ClaimNext atomically claims the oldest PENDING job for the given worker.
// The transaction opens with the write lock held (BEGIN IMMEDIATE), spans
// select through update, and commits before the lock is released. The lock
// is never held across command execution or backoff sleeps.
func (b *SQLiteBackend) ClaimNext(ctx context.Context, workerID string) (*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	if workerID == "" {
		return nil, fmt.Errorf("workerID is required")
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE state = ?
		ORDER BY created_at ASC, id ASC
		LIMIT 1
	`, StatePending)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select pending job: %w", mapSQLiteErr(err))
	}

	now := time.Now()
	_, err = tx.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?, attempts = attempts + 1, claimed_by = ?, updated_at = ?
		WHERE id = ?
	`, StateProcessing, workerID, now.UnixNano(), job.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", mapSQLiteErr(err))
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", mapSQLiteErr(err))
	}

	job.State = StateProcessing
	job.Attempts++
	job.ClaimedBy = workerID
	job.UpdatedAt = now
	return job, nil
}

// MarkCompleted transitions a PROCESSING job to COMPLETED.
func (b *SQLiteBackend) MarkCompleted(ctx context.Context, jobID string) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}

	res, err := b.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?, claimed_by = NULL, updated_at = ?
		WHERE id = ? AND state = ?
	`, StateCompleted, time.Now().UnixNano(), jobID, StateProcessing)
	if err != nil {
		return mapSQLiteErr(err)
	}
	return b.requireTransition(ctx, res, jobID, StateProcessing)
}

// MarkFailed records a failed attempt and applies the retry policy in one
// statement: PENDING while attempts <= max_retries, DEAD otherwise.
func (b *SQLiteBackend) MarkFailed(ctx context.Context, jobID string, errorMsg string) (JobState, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return "", err
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return "", mapSQLiteErr(err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET state = CASE WHEN attempts > max_retries THEN ? ELSE ? END,
		    last_error = ?,
		    claimed_by = NULL,
		    updated_at = ?
		WHERE id = ? AND state = ?
	`, StateDead, StatePending, errorMsg, time.Now().UnixNano(), jobID, StateProcessing)
	if err != nil {
		return "", mapSQLiteErr(err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		tx.Rollback()
		if _, err := b.GetJob(ctx, jobID); err != nil {
			return "", err
		}
		return "", fmt.Errorf("%w: job %s is not %s", ErrInvalidState, jobID, StateProcessing)
	}

	var state JobState
	if err := tx.QueryRowContext(ctx, `SELECT state FROM jobs WHERE id = ?`, jobID).Scan(&state); err != nil {
		return "", fmt.Errorf("failed to read resulting state: %w", mapSQLiteErr(err))
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit failure: %w", mapSQLiteErr(err))
	}
	return state, nil
}

// MoveToDLQ forces a non-terminal job to DEAD.
func (b *SQLiteBackend) MoveToDLQ(ctx context.Context, jobID string) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}

	res, err := b.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?, claimed_by = NULL, updated_at = ?
		WHERE id = ? AND state NOT IN (?, ?)
	`, StateDead, time.Now().UnixNano(), jobID, StateCompleted, StateDead)
	if err != nil {
		return mapSQLiteErr(err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		if _, err := b.GetJob(ctx, jobID); err != nil {
			return err
		}
		return fmt.Errorf("%w: job %s is already terminal", ErrInvalidState, jobID)
	}
	return nil
}

// RetryFromDLQ returns a DEAD job to PENDING with a fresh retry budget.
func (b *SQLiteBackend) RetryFromDLQ(ctx context.Context, jobID string) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}

	res, err := b.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?, attempts = 0, last_error = NULL, updated_at = ?
		WHERE id = ? AND state = ?
	`, StatePending, time.Now().UnixNano(), jobID, StateDead)
	if err != nil {
		return mapSQLiteErr(err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		if _, err := b.GetJob(ctx, jobID); err != nil {
			return err
		}
		return fmt.Errorf("%w: job %s", ErrNotDead, jobID)
	}
	return nil
}

// RequeueOrphans returns every PROCESSING job to PENDING.
func (b *SQLiteBackend) RequeueOrphans(ctx context.Context) (int, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return 0, err
	}

	res, err := b.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?, claimed_by = NULL, updated_at = ?
		WHERE state = ?
	`, StatePending, time.Now().UnixNano(), StateProcessing)
	if err != nil {
		return 0, mapSQLiteErr(err)
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

// Stats returns per-state job counts.
func (b *SQLiteBackend) Stats(ctx context.Context) (*JobStats, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	rows, err := b.db.QueryContext(ctx, `
		SELECT state, COUNT(*), COALESCE(SUM(attempts), 0) FROM jobs GROUP BY state
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	stats := &JobStats{}
	for rows.Next() {
		var state JobState
		var count, attempts int
		if err := rows.Scan(&state, &count, &attempts); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}

		stats.Total += count
		stats.TotalAttempts += attempts
		switch state {
		case StatePending:
			stats.Pending += count
		case StateProcessing:
			stats.Processing += count
		case StateCompleted:
			stats.Completed += count
		case StateDead:
			stats.Dead += count
		}
	}
	return stats, rows.Err()
}

// requireTransition converts a zero-row UPDATE into the precise error:
// ErrNotFound when the job does not exist, ErrInvalidState otherwise.
func (b *SQLiteBackend) requireTransition(ctx context.Context, res sql.Result, jobID string, want JobState) error {
	affected, _ := res.RowsAffected()
	if affected != 0 {
		return nil
	}
	if _, err := b.GetJob(ctx, jobID); err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s is not %s", ErrInvalidState, jobID, want)
}
