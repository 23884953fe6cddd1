package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/auralabs/aura/internal/domain"
	"github.com/auralabs/aura/internal/shared"
	"github.com/google/uuid"
)

const jobColumns = `id, event, idempotency_key, payload, status, attempts, max_attempts,
	last_error, run_at, locked_until, created_at, updated_at`

// EnqueueJob inserts the job unless its idempotency key is already taken.
func (s *SQLiteStore) EnqueueJob(ctx context.Context, job *domain.Job) (bool, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := time.Now()
	if job.RunAt.IsZero() {
		job.RunAt = now
	}
	job.Status = domain.JobPending
	job.CreatedAt, job.UpdatedAt = now, now

	query := `
	INSERT INTO jobs (id, event, idempotency_key, payload, status, attempts, max_attempts, run_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
	ON CONFLICT(idempotency_key) DO NOTHING`

	var rows int64
	err := shared.RetryOnConflict(ctx, shared.DefaultRetryPolicy, "enqueue job", func() error {
		res, err := s.db.ExecContext(ctx, query,
			job.ID, job.Event, job.IdempotencyKey, string(job.Payload), string(job.Status),
			job.MaxAttempts, job.RunAt.UnixMilli(), now.UnixMilli(), now.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		rows, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// ClaimJob leases the oldest runnable job.
func (s *SQLiteStore) ClaimJob(ctx context.Context, now time.Time, lease time.Duration) (*domain.Job, error) {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	var job *domain.Job
	err := shared.RetryOnConflict(ctx, shared.DefaultRetryPolicy, "claim job", func() error {
		j, err := s.claimOnce(ctx, now, lease)
		job = j
		return err
	})
	return job, err
}

func (s *SQLiteStore) claimOnce(ctx context.Context, now time.Time, lease time.Duration) (*domain.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	nowMs := now.UnixMilli()
	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM jobs
		WHERE (status = 'pending' AND run_at <= ?)
		   OR (status = 'running' AND locked_until <= ?)
		ORDER BY run_at, created_at
		LIMIT 1`, nowMs, nowMs).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select runnable job: %w", err)
	}

	row := tx.QueryRowContext(ctx, `
		UPDATE jobs SET status = 'running', attempts = attempts + 1, locked_until = ?, updated_at = ?
		WHERE id = ?
		RETURNING `+jobColumns,
		now.Add(lease).UnixMilli(), nowMs, id)
	job, err := scanSQLiteJob(row)
	if err != nil {
		return nil, fmt.Errorf("lease job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return job, nil
}

// CompleteJob marks a job completed and releases its lease.
func (s *SQLiteStore) CompleteJob(ctx context.Context, jobID string) error {
	return s.execJob(ctx, "complete job",
		`UPDATE jobs SET status = 'completed', locked_until = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), jobID)
}

// RetryJob returns a job to pending with a new due time.
func (s *SQLiteStore) RetryJob(ctx context.Context, jobID string, runAt time.Time, lastErr string) error {
	return s.execJob(ctx, "retry job",
		`UPDATE jobs SET status = 'pending', run_at = ?, locked_until = NULL, last_error = ?, updated_at = ? WHERE id = ?`,
		runAt.UnixMilli(), nullString(lastErr), time.Now().UnixMilli(), jobID)
}

// FailJob marks a job permanently failed.
func (s *SQLiteStore) FailJob(ctx context.Context, jobID string, lastErr string) error {
	return s.execJob(ctx, "fail job",
		`UPDATE jobs SET status = 'failed', locked_until = NULL, last_error = ?, updated_at = ? WHERE id = ?`,
		nullString(lastErr), time.Now().UnixMilli(), jobID)
}

func (s *SQLiteStore) execJob(ctx context.Context, op, query string, args ...any) error {
	var rows int64
	err := shared.RetryOnConflict(ctx, shared.DefaultRetryPolicy, op, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		rows, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%s: job %w", op, domain.ErrNotFound)
	}
	return nil
}

// GetJob returns a job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return s.getJobWhere(ctx, "id = ?", jobID)
}

// GetJobByKey returns a job by idempotency key.
func (s *SQLiteStore) GetJobByKey(ctx context.Context, key string) (*domain.Job, error) {
	return s.getJobWhere(ctx, "idempotency_key = ?", key)
}

func (s *SQLiteStore) getJobWhere(ctx context.Context, where string, arg any) (*domain.Job, error) {
	job, err := scanSQLiteJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan job row: %w", err)
	}
	return job, nil
}

// JobStats counts jobs per status.
func (s *SQLiteStore) JobStats(ctx context.Context) (domain.JobStats, error) {
	var stats domain.JobStats
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("query job stats: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close job stats rows", "error", closeErr)
		}
	}()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return stats, fmt.Errorf("scan job stats: %w", err)
		}
		stats.Add(domain.JobStatus(status), n)
	}
	return stats, rows.Err()
}

// DeleteFinishedJobs prunes terminal jobs older than before.
func (s *SQLiteStore) DeleteFinishedJobs(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := shared.RetryOnConflict(ctx, shared.DefaultRetryPolicy, "delete finished jobs", func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM jobs WHERE status IN ('completed', 'failed') AND updated_at < ?`,
			before.UnixMilli())
		if err != nil {
			return fmt.Errorf("delete finished jobs: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// GetStepOutput returns a memoized step result.
func (s *SQLiteStore) GetStepOutput(ctx context.Context, jobID, name string) (json.RawMessage, bool, error) {
	var out string
	err := s.db.QueryRowContext(ctx,
		`SELECT output FROM job_steps WHERE job_id = ? AND name = ?`, jobID, name).Scan(&out)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("scan step output: %w", err)
	}
	return json.RawMessage(out), true, nil
}

// SaveStepOutput records a step result, replacing any earlier one.
func (s *SQLiteStore) SaveStepOutput(ctx context.Context, jobID, name string, output json.RawMessage) error {
	return shared.RetryOnConflict(ctx, shared.DefaultRetryPolicy, "save step", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO job_steps (job_id, name, output, created_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(job_id, name) DO UPDATE SET output = excluded.output`,
			jobID, name, string(output), time.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("save step output: %w", err)
		}
		return nil
	})
}

func scanSQLiteJob(row rowScanner) (*domain.Job, error) {
	var job domain.Job
	var payload, status string
	var lastErr sql.NullString
	var runAt, createdAt, updatedAt int64
	var lockedUntil sql.NullInt64
	if err := row.Scan(&job.ID, &job.Event, &job.IdempotencyKey, &payload, &status,
		&job.Attempts, &job.MaxAttempts, &lastErr, &runAt, &lockedUntil, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	job.Payload = json.RawMessage(payload)
	job.Status = domain.JobStatus(status)
	job.LastError = lastErr.String
	job.RunAt = time.UnixMilli(runAt)
	if lockedUntil.Valid {
		t := time.UnixMilli(lockedUntil.Int64)
		job.LockedUntil = &t
	}
	job.CreatedAt = time.UnixMilli(createdAt)
	job.UpdatedAt = time.UnixMilli(updatedAt)
	return &job, nil
}
