// Package queue is a durable, at-least-once job queue on top of the store.
// Jobs are deduplicated by idempotency key, leased by workers, retried with
// backoff and may memoize named step outputs across attempts.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/auralabs/aura/internal/domain"
	"github.com/auralabs/aura/internal/store"
)

// DefaultMaxAttempts is the number of runs a job gets, the first included.
const DefaultMaxAttempts = 3

// Queue enqueues jobs and signals local workers.
type Queue struct {
	repo        store.JobRepository
	maxAttempts int
	wake        chan struct{}
	logger      *slog.Logger
}

// New creates a queue. maxAttempts <= 0 selects DefaultMaxAttempts.
func New(repo store.JobRepository, maxAttempts int, logger *slog.Logger) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		repo:        repo,
		maxAttempts: maxAttempts,
		wake:        make(chan struct{}, 1),
		logger:      logger,
	}
}

// Enqueue stores a pending job for event. It reports false when a job with
// the same key already exists; that is not an error.
func (q *Queue) Enqueue(ctx context.Context, event, key string, payload any) (bool, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("marshal %s payload: %w", event, err)
	}

	job := &domain.Job{
		Event:          event,
		IdempotencyKey: key,
		Payload:        data,
		MaxAttempts:    q.maxAttempts,
	}
	inserted, err := q.repo.EnqueueJob(ctx, job)
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", event, err)
	}
	if !inserted {
		q.logger.Info("Duplicate job ignored", "event", event, "key", key)
		return false, nil
	}

	q.logger.Debug("Job enqueued", "event", event, "key", key, "job_id", job.ID)
	q.notify()
	return true, nil
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
