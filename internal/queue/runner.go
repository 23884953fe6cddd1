package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/auralabs/aura/internal/domain"
	"golang.org/x/sync/errgroup"
)

// Handler processes one claimed job.
type Handler func(ctx context.Context, job *domain.Job, steps *Steps) error

// FailureHandler is told once that a job has failed for good, whatever
// ended it: exhausted retries, a permanent error, a panic, a lost final
// lease or a missing handler.
type FailureHandler func(ctx context.Context, job *domain.Job, cause error)

// RunnerConfig configures the worker pool.
type RunnerConfig struct {
	Workers      int
	PollInterval time.Duration
	// Lease is how long a claim is held before another worker may take
	// the job over.
	Lease time.Duration
	// AttemptTimeout bounds one handler call. It must be shorter than Lease.
	AttemptTimeout time.Duration
	// Retention is how long finished jobs are kept before the sweeper
	// deletes them.
	Retention     time.Duration
	SweepInterval time.Duration
}

// DefaultRunnerConfig returns default runner configuration.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Workers:        4,
		PollInterval:   2 * time.Second,
		Lease:          2 * time.Minute,
		AttemptTimeout: 108 * time.Second,
		Retention:      7 * 24 * time.Hour,
		SweepInterval:  time.Hour,
	}
}

const (
	backoffBase = time.Second
	backoffMax  = 5 * time.Minute

	bookkeepingTimeout = 10 * time.Second
)

// Backoff returns the wait before the run following the given attempt:
// 1s, 4s, 16s and so on, capped at five minutes.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= 4
		if d >= backoffMax {
			return backoffMax
		}
	}
	return d
}

// Runner claims jobs from the queue and dispatches them to handlers.
type Runner struct {
	queue  *Queue
	cfg    RunnerConfig
	logger *slog.Logger

	mu        sync.RWMutex
	handlers  map[string]Handler
	onFailure map[string]FailureHandler

	now func() time.Time
}

// NewRunner creates a runner. Zero config fields take their defaults.
func NewRunner(q *Queue, cfg RunnerConfig, logger *slog.Logger) *Runner {
	def := DefaultRunnerConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Lease <= 0 {
		cfg.Lease = def.Lease
	}
	if cfg.AttemptTimeout <= 0 || cfg.AttemptTimeout >= cfg.Lease {
		cfg.AttemptTimeout = cfg.Lease * 9 / 10
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		queue:     q,
		cfg:       cfg,
		logger:    logger,
		handlers:  make(map[string]Handler),
		onFailure: make(map[string]FailureHandler),
		now:       time.Now,
	}
}

// Handle registers the handler for event.
func (r *Runner) Handle(event string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[event] = h
}

// OnFailure registers fn to run after a job for event is marked failed.
func (r *Runner) OnFailure(event string, fn FailureHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFailure[event] = fn
}

func (r *Runner) failureHandler(event string) (FailureHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.onFailure[event]
	return fn, ok
}

func (r *Runner) handler(event string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[event]
	return h, ok
}

// Run starts the workers and the sweeper and blocks until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < r.cfg.Workers; i++ {
		id := i
		g.Go(func() error {
			r.worker(ctx, id)
			return nil
		})
	}
	g.Go(func() error {
		r.sweeper(ctx)
		return nil
	})

	r.logger.Info("Job runner started", "workers", r.cfg.Workers, "poll_interval", r.cfg.PollInterval, "lease", r.cfg.Lease)
	err := g.Wait()
	r.logger.Info("Job runner stopped")
	return err
}

func (r *Runner) worker(ctx context.Context, id int) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-r.queue.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		// Drain everything runnable before waiting again.
		for ctx.Err() == nil {
			processed, err := r.RunOnce(ctx)
			if err != nil {
				r.logger.Error("Failed to claim job", "worker_id", id, "error", err)
				break
			}
			if !processed {
				break
			}
		}
		timer.Reset(r.cfg.PollInterval)
	}
}

// RunOnce claims and processes at most one job. It reports whether a job
// was claimed.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	job, err := r.queue.repo.ClaimJob(ctx, r.now(), r.cfg.Lease)
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return false, fmt.Errorf("claim job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	r.process(ctx, job)
	return true, nil
}

func (r *Runner) process(ctx context.Context, job *domain.Job) {
	logger := r.logger.With("job_id", job.ID, "event", job.Event, "key", job.IdempotencyKey, "attempt", job.Attempts)

	// Bookkeeping must land even when shutdown cancels ctx mid-run.
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()

	if job.Attempts > job.MaxAttempts {
		// A worker died holding the final attempt.
		r.fail(bctx, logger, job, errors.New("lease expired on final attempt"))
		return
	}

	h, ok := r.handler(job.Event)
	if !ok {
		r.fail(bctx, logger, job, fmt.Errorf("no handler registered for event %q", job.Event))
		return
	}

	start := time.Now()
	actx, acancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
	err := safeCall(actx, logger, h, job, NewSteps(r.queue.repo, job.ID))
	acancel()

	if err == nil {
		if cerr := r.queue.repo.CompleteJob(bctx, job.ID); cerr != nil {
			logger.Error("Failed to mark job completed", "error", cerr)
			return
		}
		logger.Info("Job completed", "duration", time.Since(start))
		return
	}

	if !job.CanRetry() || IsPermanent(err) {
		r.fail(bctx, logger, job, err)
		return
	}

	runAt := r.now().Add(Backoff(job.Attempts))
	if rerr := r.queue.repo.RetryJob(bctx, job.ID, runAt, err.Error()); rerr != nil {
		logger.Error("Failed to reschedule job", "error", rerr, "cause", err)
		return
	}
	logger.Warn("Job attempt failed, retry scheduled", "error", err, "run_at", runAt, "max_attempts", job.MaxAttempts)
}

func (r *Runner) fail(ctx context.Context, logger *slog.Logger, job *domain.Job, cause error) {
	if err := r.queue.repo.FailJob(ctx, job.ID, cause.Error()); err != nil {
		logger.Error("Failed to mark job failed", "error", err, "cause", cause)
		return
	}
	logger.Error("Job failed permanently", "error", cause, "max_attempts", job.MaxAttempts)

	if fn, ok := r.failureHandler(job.Event); ok {
		notifyFailure(ctx, logger, fn, job, cause)
	}
}

func safeCall(ctx context.Context, logger *slog.Logger, h Handler, job *domain.Job, steps *Steps) (err error) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("Job handler panicked", "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h(ctx, job, steps)
}

func notifyFailure(ctx context.Context, logger *slog.Logger, fn FailureHandler, job *domain.Job, cause error) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("Job failure handler panicked", "panic", p, "stack", string(debug.Stack()))
		}
	}()
	fn(ctx, job, cause)
}

func (r *Runner) sweeper(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep deletes finished jobs older than the retention period.
func (r *Runner) Sweep(ctx context.Context) {
	deleted, err := r.queue.repo.DeleteFinishedJobs(ctx, r.now().Add(-r.cfg.Retention))
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error("Job sweeper failed", "error", err)
		}
		return
	}
	if deleted > 0 {
		r.logger.Info("Job sweeper removed finished jobs", "count", deleted)
	}
}
