// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/auralabs/aura/internal/domain"
)

// UserRepository persists anonymous users.
type UserRepository interface {
	// GetUser retrieves a user by ID. It returns nil, nil when absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error
}

// SessionRepository persists chat sessions and their ordered message log.
type SessionRepository interface {
	// CreateSession inserts a new session with no messages.
	CreateSession(ctx context.Context, session *domain.Session) error

	// GetSession returns the session with all messages in index order, or
	// domain.ErrSessionNotFound.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// GetSessionInfo returns the session row without messages.
	GetSessionInfo(ctx context.Context, sessionID string) (*domain.Session, error)

	// ListSessions returns a user's sessions, newest first, without messages.
	ListSessions(ctx context.Context, userID string, limit int) ([]domain.Session, error)

	// AppendMessages appends msgs in one atomic write and returns the new
	// message count. Appends to one session are serialized. The assigned ID
	// and Index are written back into msgs.
	AppendMessages(ctx context.Context, sessionID string, msgs []domain.Message) (int, error)

	// UpdateMessageFields overwrites the named fields of the message at
	// index without touching sibling fields or other messages. It returns
	// domain.ErrSessionNotFound or domain.ErrMessageNotFound.
	UpdateMessageFields(ctx context.Context, sessionID string, index int, update domain.MessageUpdate) error

	// GetMessage returns one message by position.
	GetMessage(ctx context.Context, sessionID string, index int) (*domain.Message, error)

	// GetMessages returns a window of messages in index order. A limit <= 0
	// returns everything after skip.
	GetMessages(ctx context.Context, sessionID string, limit, skip int) ([]domain.Message, error)

	// UpdateSessionStatus moves a session to status. It returns
	// domain.ErrSessionNotFound.
	UpdateSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus) error

	// SaveSessionAnalysis stores the review of a session, replacing any
	// earlier one.
	SaveSessionAnalysis(ctx context.Context, analysis *domain.SessionAnalysis) error

	// GetSessionAnalysis returns the stored review or
	// domain.ErrAnalysisNotFound.
	GetSessionAnalysis(ctx context.Context, sessionID string) (*domain.SessionAnalysis, error)
}

// JobRepository is the durable queue backing the pipeline runner.
type JobRepository interface {
	// EnqueueJob inserts a pending job. It reports false without error when a
	// job with the same idempotency key already exists.
	EnqueueJob(ctx context.Context, job *domain.Job) (bool, error)

	// ClaimJob leases the next runnable job: pending and due, or running with
	// an expired lease. Attempts is incremented. It returns nil, nil when
	// nothing is runnable.
	ClaimJob(ctx context.Context, now time.Time, lease time.Duration) (*domain.Job, error)

	// CompleteJob marks a job completed.
	CompleteJob(ctx context.Context, jobID string) error

	// RetryJob returns a job to pending, due at runAt.
	RetryJob(ctx context.Context, jobID string, runAt time.Time, lastErr string) error

	// FailJob marks a job permanently failed.
	FailJob(ctx context.Context, jobID string, lastErr string) error

	// GetJob returns a job by ID or domain.ErrNotFound.
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)

	// GetJobByKey returns a job by idempotency key or domain.ErrNotFound.
	GetJobByKey(ctx context.Context, key string) (*domain.Job, error)

	// JobStats counts jobs per status.
	JobStats(ctx context.Context) (domain.JobStats, error)

	// DeleteFinishedJobs removes completed and failed jobs last updated before
	// the cutoff, with their steps.
	DeleteFinishedJobs(ctx context.Context, before time.Time) (int64, error)

	// GetStepOutput returns the recorded output of a named step.
	GetStepOutput(ctx context.Context, jobID, name string) (json.RawMessage, bool, error)

	// SaveStepOutput records the output of a named step.
	SaveStepOutput(ctx context.Context, jobID, name string, output json.RawMessage) error
}

// Repository combines every persistence concern of the application.
type Repository interface {
	UserRepository
	SessionRepository
	JobRepository

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
