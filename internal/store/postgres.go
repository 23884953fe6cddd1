package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/auralabs/aura/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Repository on a pgx connection pool. Row locks
// taken by UPDATE ... RETURNING and FOR UPDATE SKIP LOCKED replace the
// in-process mutexes the SQLite store needs.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres applies migrations and opens a pool against databaseURL.
func NewPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	if err := RunPostgresMigrations(databaseURL); err != nil {
		return nil, err
	}

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	config.MaxConns = 20
	config.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// GetUser retrieves a user by ID, or nil when absent.
func (s *PostgresStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	var user domain.User
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, username, created_at, updated_at FROM users WHERE user_id = $1`, userID,
	).Scan(&user.UserID, &user.Username, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *PostgresStore) UpsertUser(ctx context.Context, user *domain.User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (user_id, username, created_at, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET username = excluded.username, updated_at = excluded.updated_at`,
		user.UserID, user.Username, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// CreateSession inserts a new, empty session.
func (s *PostgresStore) CreateSession(ctx context.Context, session *domain.Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chat_sessions (session_id, user_id, start_time, status, message_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6)`,
		session.SessionID, session.UserID, session.StartTime, string(session.Status),
		session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

const pgSessionColumns = `session_id, user_id, start_time, status, message_count, created_at, updated_at`

// GetSession returns a session with every message in index order.
func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	session, err := s.GetSessionInfo(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.GetMessages(ctx, sessionID, 0, 0)
	if err != nil {
		return nil, err
	}
	session.Messages = msgs
	return session, nil
}

// GetSessionInfo returns the session row without messages.
func (s *PostgresStore) GetSessionInfo(ctx context.Context, sessionID string) (*domain.Session, error) {
	session, err := scanPgSession(s.pool.QueryRow(ctx,
		`SELECT `+pgSessionColumns+` FROM chat_sessions WHERE session_id = $1`, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return session, nil
}

// ListSessions returns a user's sessions newest first.
func (s *PostgresStore) ListSessions(ctx context.Context, userID string, limit int) ([]domain.Session, error) {
	query := `SELECT ` + pgSessionColumns + ` FROM chat_sessions WHERE user_id = $1 ORDER BY created_at DESC, session_id`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []domain.Session{}
	for rows.Next() {
		session, err := scanPgSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// AppendMessages reserves positions under the session row lock and inserts
// the rows in the same transaction.
func (s *PostgresStore) AppendMessages(ctx context.Context, sessionID string, msgs []domain.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, fmt.Errorf("append messages: nothing to append")
	}

	var count int
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			UPDATE chat_sessions SET message_count = message_count + $1, updated_at = $2
			WHERE session_id = $3 RETURNING message_count`,
			len(msgs), time.Now(), sessionID).Scan(&count)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("reserve message slots: %w", err)
		}

		start := count - len(msgs)
		for i := range msgs {
			m := &msgs[i]
			if m.ID == "" {
				m.ID = uuid.NewString()
			}
			m.Index = start + i
			md, err := encodeMetadata(m.Metadata)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO chat_messages (session_id, idx, id, role, content, status, metadata, timestamp)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				sessionID, m.Index, m.ID, string(m.Role), m.Content, string(m.Status), md, m.Timestamp,
			); err != nil {
				return fmt.Errorf("insert message %d: %w", m.Index, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// UpdateMessageFields writes only the named columns of one message row.
func (s *PostgresStore) UpdateMessageFields(ctx context.Context, sessionID string, index int, update domain.MessageUpdate) error {
	if update.Empty() {
		return nil
	}
	update = foldMetadataError(update)

	var sets []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if update.Status != nil {
		sets = append(sets, "status = "+arg(string(*update.Status)))
	}
	if update.Content != nil {
		sets = append(sets, "content = "+arg(*update.Content))
	}
	if update.Metadata != nil {
		md, err := encodeMetadata(update.Metadata)
		if err != nil {
			return err
		}
		sets = append(sets, "metadata = "+arg(md)+"::jsonb")
	}
	if update.MetadataError != nil {
		sets = append(sets, "metadata = jsonb_set(COALESCE(metadata, '{}'::jsonb), '{error}', to_jsonb("+arg(*update.MetadataError)+"::text))")
	}

	query := `UPDATE chat_messages SET ` + strings.Join(sets, ", ") +
		` WHERE session_id = ` + arg(sessionID) + ` AND idx = ` + arg(index)
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetSessionInfo(ctx, sessionID); err != nil {
			return err
		}
		return domain.ErrMessageNotFound
	}
	return nil
}

const pgMessageColumns = `id::text, idx, role, content, status, metadata, timestamp`

// GetMessage returns the message at index.
func (s *PostgresStore) GetMessage(ctx context.Context, sessionID string, index int) (*domain.Message, error) {
	msg, err := scanPgMessage(s.pool.QueryRow(ctx,
		`SELECT `+pgMessageColumns+` FROM chat_messages WHERE session_id = $1 AND idx = $2`, sessionID, index))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, serr := s.GetSessionInfo(ctx, sessionID); serr != nil {
			return nil, serr
		}
		return nil, domain.ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan message row: %w", err)
	}
	return msg, nil
}

// GetMessages returns messages in index order starting at skip.
func (s *PostgresStore) GetMessages(ctx context.Context, sessionID string, limit, skip int) ([]domain.Message, error) {
	if skip < 0 {
		skip = 0
	}
	query := `SELECT ` + pgMessageColumns + ` FROM chat_messages WHERE session_id = $1 ORDER BY idx OFFSET $2`
	args := []any{sessionID, skip}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	msgs := []domain.Message{}
	for rows.Next() {
		msg, err := scanPgMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msgs = append(msgs, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// UpdateSessionStatus sets the lifecycle status of a session.
func (s *PostgresStore) UpdateSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE chat_sessions SET status = $1, updated_at = now() WHERE session_id = $2`,
		string(status), sessionID)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

// SaveSessionAnalysis upserts the review of a session.
func (s *PostgresStore) SaveSessionAnalysis(ctx context.Context, analysis *domain.SessionAnalysis) error {
	body, err := encodeSessionAnalysis(analysis)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO session_analyses (session_id, analysis, analyzed_at)
		SELECT $1::text, $2::jsonb, $3::timestamptz WHERE EXISTS (SELECT 1 FROM chat_sessions WHERE session_id = $1::text)
		ON CONFLICT (session_id) DO UPDATE SET analysis = EXCLUDED.analysis, analyzed_at = EXCLUDED.analyzed_at`,
		analysis.SessionID, string(body), analysis.AnalyzedAt)
	if err != nil {
		return fmt.Errorf("save session analysis: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

// GetSessionAnalysis returns the stored review of a session.
func (s *PostgresStore) GetSessionAnalysis(ctx context.Context, sessionID string) (*domain.SessionAnalysis, error) {
	var body []byte
	var analyzedAt time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT analysis, analyzed_at FROM session_analyses WHERE session_id = $1`, sessionID,
	).Scan(&body, &analyzedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrAnalysisNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session analysis: %w", err)
	}
	return decodeSessionAnalysis(sessionID, body, analyzedAt)
}

const pgJobColumns = `id::text, event, idempotency_key, payload, status, attempts, max_attempts,
	last_error, run_at, locked_until, created_at, updated_at`

// EnqueueJob inserts the job unless its idempotency key is already taken.
func (s *PostgresStore) EnqueueJob(ctx context.Context, job *domain.Job) (bool, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := time.Now()
	if job.RunAt.IsZero() {
		job.RunAt = now
	}
	job.Status = domain.JobPending
	job.CreatedAt, job.UpdatedAt = now, now

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, event, idempotency_key, payload, status, attempts, max_attempts, run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $8)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		job.ID, job.Event, job.IdempotencyKey, []byte(job.Payload), string(job.Status),
		job.MaxAttempts, job.RunAt, now)
	if err != nil {
		return false, fmt.Errorf("insert job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ClaimJob leases the oldest runnable job, skipping rows locked by other
// workers.
func (s *PostgresStore) ClaimJob(ctx context.Context, now time.Time, lease time.Duration) (*domain.Job, error) {
	job, err := scanPgJob(s.pool.QueryRow(ctx, `
		UPDATE jobs SET status = 'running', attempts = attempts + 1, locked_until = $1, updated_at = $2
		WHERE id = (
			SELECT id FROM jobs
			WHERE (status = 'pending' AND run_at <= $2) OR (status = 'running' AND locked_until <= $2)
			ORDER BY run_at, created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+pgJobColumns,
		now.Add(lease), now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease job: %w", err)
	}
	return job, nil
}

// CompleteJob marks a job completed and releases its lease.
func (s *PostgresStore) CompleteJob(ctx context.Context, jobID string) error {
	return s.execJob(ctx, "complete job",
		`UPDATE jobs SET status = 'completed', locked_until = NULL, updated_at = $1 WHERE id = $2`,
		time.Now(), jobID)
}

// RetryJob returns a job to pending with a new due time.
func (s *PostgresStore) RetryJob(ctx context.Context, jobID string, runAt time.Time, lastErr string) error {
	return s.execJob(ctx, "retry job",
		`UPDATE jobs SET status = 'pending', run_at = $1, locked_until = NULL, last_error = $2, updated_at = $3 WHERE id = $4`,
		runAt, nullString(lastErr), time.Now(), jobID)
}

// FailJob marks a job permanently failed.
func (s *PostgresStore) FailJob(ctx context.Context, jobID string, lastErr string) error {
	return s.execJob(ctx, "fail job",
		`UPDATE jobs SET status = 'failed', locked_until = NULL, last_error = $1, updated_at = $2 WHERE id = $3`,
		nullString(lastErr), time.Now(), jobID)
}

func (s *PostgresStore) execJob(ctx context.Context, op, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: job %w", op, domain.ErrNotFound)
	}
	return nil
}

// GetJob returns a job by ID.
func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return s.getJobWhere(ctx, "id = $1::uuid", jobID)
}

// GetJobByKey returns a job by idempotency key.
func (s *PostgresStore) GetJobByKey(ctx context.Context, key string) (*domain.Job, error) {
	return s.getJobWhere(ctx, "idempotency_key = $1", key)
}

func (s *PostgresStore) getJobWhere(ctx context.Context, where string, arg any) (*domain.Job, error) {
	job, err := scanPgJob(s.pool.QueryRow(ctx, `SELECT `+pgJobColumns+` FROM jobs WHERE `+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan job row: %w", err)
	}
	return job, nil
}

// JobStats counts jobs per status.
func (s *PostgresStore) JobStats(ctx context.Context) (domain.JobStats, error) {
	var stats domain.JobStats
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("query job stats: %w", err)
	}
	defer rows.Close()

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
func (s *PostgresStore) DeleteFinishedJobs(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM jobs WHERE status IN ('completed', 'failed') AND updated_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("delete finished jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetStepOutput returns a memoized step result.
func (s *PostgresStore) GetStepOutput(ctx context.Context, jobID, name string) (json.RawMessage, bool, error) {
	var out []byte
	err := s.pool.QueryRow(ctx,
		`SELECT output FROM job_steps WHERE job_id = $1::uuid AND name = $2`, jobID, name).Scan(&out)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("scan step output: %w", err)
	}
	return json.RawMessage(out), true, nil
}

// SaveStepOutput records a step result, replacing any earlier one.
func (s *PostgresStore) SaveStepOutput(ctx context.Context, jobID, name string, output json.RawMessage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_steps (job_id, name, output, created_at) VALUES ($1::uuid, $2, $3, $4)
		ON CONFLICT (job_id, name) DO UPDATE SET output = excluded.output`,
		jobID, name, []byte(output), time.Now())
	if err != nil {
		return fmt.Errorf("save step output: %w", err)
	}
	return nil
}

func scanPgSession(row pgx.Row) (*domain.Session, error) {
	var session domain.Session
	var status string
	if err := row.Scan(&session.SessionID, &session.UserID, &session.StartTime, &status,
		&session.MessageCount, &session.CreatedAt, &session.UpdatedAt); err != nil {
		return nil, err
	}
	session.Status = domain.SessionStatus(status)
	return &session, nil
}

func scanPgMessage(row pgx.Row) (*domain.Message, error) {
	var msg domain.Message
	var role, status string
	var metadata []byte
	if err := row.Scan(&msg.ID, &msg.Index, &role, &msg.Content, &status, &metadata, &msg.Timestamp); err != nil {
		return nil, err
	}
	msg.Role = domain.Role(role)
	msg.Status = domain.MessageStatus(status)
	md, err := decodeMetadata(metadata)
	if err != nil {
		return nil, err
	}
	msg.Metadata = md
	return &msg, nil
}

func scanPgJob(row pgx.Row) (*domain.Job, error) {
	var job domain.Job
	var payload []byte
	var status string
	var lastErr *string
	if err := row.Scan(&job.ID, &job.Event, &job.IdempotencyKey, &payload, &status,
		&job.Attempts, &job.MaxAttempts, &lastErr, &job.RunAt, &job.LockedUntil,
		&job.CreatedAt, &job.UpdatedAt); err != nil {
		return nil, err
	}
	job.Payload = json.RawMessage(payload)
	job.Status = domain.JobStatus(status)
	if lastErr != nil {
		job.LastError = *lastErr
	}
	return &job, nil
}

var _ Repository = (*PostgresStore)(nil)
