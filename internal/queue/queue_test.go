package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/auralabs/aura/internal/domain"
	"github.com/auralabs/aura/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const testEvent = "therapy/session.message"

type testPayload struct {
	SessionID string `json:"sessionId"`
}

func newTestRepo(t *testing.T) *store.SQLiteStore {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

// fakeClock is advanced manually so backoff can be stepped through. It
// starts a second ahead of the wall clock that stamps enqueued jobs.
type fakeClock struct {
	t atomic.Int64
}

func newFakeClock() *fakeClock {
	c := &fakeClock{}
	c.t.Store(time.Now().Add(time.Second).UnixMilli())
	return c
}

func (c *fakeClock) Now() time.Time          { return time.UnixMilli(c.t.Load()) }
func (c *fakeClock) Advance(d time.Duration) { c.t.Add(d.Milliseconds()) }

func newTestRunner(t *testing.T, repo store.JobRepository) (*Queue, *Runner, *fakeClock) {
	t.Helper()
	q := New(repo, 3, nil)
	r := NewRunner(q, RunnerConfig{Workers: 2, PollInterval: 10 * time.Millisecond, Lease: time.Minute}, nil)
	clock := newFakeClock()
	r.now = clock.Now
	return q, r, clock
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Second, Backoff(0))
	assert.Equal(t, time.Second, Backoff(1))
	assert.Equal(t, 4*time.Second, Backoff(2))
	assert.Equal(t, 16*time.Second, Backoff(3))
	assert.Equal(t, 5*time.Minute, Backoff(20))
}

func TestEnqueueDeduplicatesByKey(t *testing.T) {
	repo := newTestRepo(t)
	q := New(repo, 0, nil)
	ctx := context.Background()

	inserted, err := q.Enqueue(ctx, testEvent, "s1:1", testPayload{SessionID: "s1"})
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = q.Enqueue(ctx, testEvent, "s1:1", testPayload{SessionID: "s1"})
	require.NoError(t, err)
	assert.False(t, inserted)

	job, err := repo.GetJobByKey(ctx, "s1:1")
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxAttempts, job.MaxAttempts)

	stats, err := repo.JobStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
}

func TestRunOnceCompletesJob(t *testing.T) {
	repo := newTestRepo(t)
	q, r, _ := newTestRunner(t, repo)
	ctx := context.Background()

	var got testPayload
	r.Handle(testEvent, func(_ context.Context, job *domain.Job, _ *Steps) error {
		return json.Unmarshal(job.Payload, &got)
	})

	_, err := q.Enqueue(ctx, testEvent, "s1:1", testPayload{SessionID: "s1"})
	require.NoError(t, err)

	processed, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, "s1", got.SessionID)

	job, err := repo.GetJobByKey(ctx, "s1:1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, job.Status)
	assert.Equal(t, 1, job.Attempts)

	processed, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestFailingJobRetriesThenFails(t *testing.T) {
	repo := newTestRepo(t)
	q, r, clock := newTestRunner(t, repo)
	ctx := context.Background()

	var calls atomic.Int32
	r.Handle(testEvent, func(context.Context, *domain.Job, *Steps) error {
		calls.Add(1)
		return errors.New("store unavailable")
	})
	_, err := q.Enqueue(ctx, testEvent, "s1:1", testPayload{})
	require.NoError(t, err)

	processed, err := r.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	job, err := repo.GetJobByKey(ctx, "s1:1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, job.Status)
	assert.Equal(t, "store unavailable", job.LastError)

	processed, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, processed, "backoff not elapsed")

	clock.Advance(Backoff(1))
	processed, err = r.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	clock.Advance(Backoff(2))
	processed, err = r.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	job, err = repo.GetJobByKey(ctx, "s1:1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, job.Status)
	assert.Equal(t, 3, job.Attempts)
	assert.Equal(t, int32(3), calls.Load())

	clock.Advance(time.Hour)
	processed, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestStepOutputsSurviveRetry(t *testing.T) {
	repo := newTestRepo(t)
	q, r, clock := newTestRunner(t, repo)
	ctx := context.Background()

	var stepRuns, attempts atomic.Int32
	r.Handle(testEvent, func(ctx context.Context, _ *domain.Job, steps *Steps) error {
		n := attempts.Add(1)
		v, err := Step(ctx, steps, "analyze-message", func(context.Context) (int, error) {
			stepRuns.Add(1)
			return 6, nil
		})
		if err != nil {
			return err
		}
		assert.Equal(t, 6, v)
		if n == 1 {
			return errors.New("final write failed")
		}
		return nil
	})
	_, err := q.Enqueue(ctx, testEvent, "s1:1", testPayload{})
	require.NoError(t, err)

	_, err = r.RunOnce(ctx)
	require.NoError(t, err)
	clock.Advance(Backoff(1))
	_, err = r.RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, int32(2), attempts.Load())
	assert.Equal(t, int32(1), stepRuns.Load())

	job, err := repo.GetJobByKey(ctx, "s1:1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, job.Status)
}

func TestStepDoesNotRecordFailure(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	job := &domain.Job{Event: testEvent, IdempotencyKey: "k", Payload: json.RawMessage(`{}`), MaxAttempts: 3}
	_, err := repo.EnqueueJob(ctx, job)
	require.NoError(t, err)
	steps := NewSteps(repo, job.ID)

	_, err = Step(ctx, steps, "generate-response", func(context.Context) (string, error) {
		return "", errors.New("boom")
	})
	require.Error(t, err)

	got, err := Step(ctx, steps, "generate-response", func(context.Context) (string, error) {
		return "hello", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
}

func TestNilStepsAlwaysRuns(t *testing.T) {
	var runs int
	for i := 0; i < 2; i++ {
		_, err := Step(context.Background(), nil, "x", func(context.Context) (bool, error) {
			runs++
			return true, nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, runs)
}

func TestUnknownEventFails(t *testing.T) {
	repo := newTestRepo(t)
	q, r, _ := newTestRunner(t, repo)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "therapy/unknown", "k", testPayload{})
	require.NoError(t, err)

	processed, err := r.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	job, err := repo.GetJobByKey(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, job.Status)
	assert.Contains(t, job.LastError, "no handler")
}

func TestPanickingHandlerIsRetried(t *testing.T) {
	repo := newTestRepo(t)
	q, r, _ := newTestRunner(t, repo)
	ctx := context.Background()

	r.Handle(testEvent, func(context.Context, *domain.Job, *Steps) error {
		panic("nil map")
	})
	_, err := q.Enqueue(ctx, testEvent, "k", testPayload{})
	require.NoError(t, err)

	_, err = r.RunOnce(ctx)
	require.NoError(t, err)

	job, err := repo.GetJobByKey(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, job.Status)
	assert.Contains(t, job.LastError, "handler panic")
}

func TestExpiredFinalLeaseFails(t *testing.T) {
	repo := newTestRepo(t)
	q, r, clock := newTestRunner(t, repo)
	ctx := context.Background()

	var calls atomic.Int32
	r.Handle(testEvent, func(context.Context, *domain.Job, *Steps) error {
		calls.Add(1)
		return nil
	})
	_, err := q.Enqueue(ctx, testEvent, "k", testPayload{})
	require.NoError(t, err)

	// Simulate three crashed workers: claim without finishing.
	for i := 0; i < 3; i++ {
		clock.Advance(2 * time.Minute)
		job, err := repo.ClaimJob(ctx, clock.Now(), time.Minute)
		require.NoError(t, err)
		require.NotNil(t, job)
	}

	var failed atomic.Value
	r.OnFailure(testEvent, func(_ context.Context, _ *domain.Job, cause error) {
		failed.Store(cause.Error())
	})

	clock.Advance(2 * time.Minute)
	processed, err := r.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, processed)
	assert.Equal(t, int32(0), calls.Load())

	job, err := repo.GetJobByKey(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, job.Status)
	assert.Equal(t, "lease expired on final attempt", failed.Load())
}

// failureRecorder collects every terminal failure the runner reports.
type failureRecorder struct {
	mu     sync.Mutex
	causes map[string]string
}

func (f *failureRecorder) record(_ context.Context, job *domain.Job, cause error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.causes == nil {
		f.causes = make(map[string]string)
	}
	f.causes[job.IdempotencyKey] = cause.Error()
}

func (f *failureRecorder) get(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.causes[key]
	return c, ok
}

func TestFailureHandlerRunsOnTerminalFailure(t *testing.T) {
	tests := []struct {
		name      string
		event     string
		handler   Handler
		wantCause string
	}{
		{
			name:      "permanent error",
			event:     testEvent,
			handler:   func(context.Context, *domain.Job, *Steps) error { return Permanent(errors.New("bad payload")) },
			wantCause: "bad payload",
		},
		{
			name:      "panic on last attempt",
			event:     testEvent,
			handler:   func(context.Context, *domain.Job, *Steps) error { panic("nil map") },
			wantCause: "handler panic: nil map",
		},
		{
			name:      "no handler",
			event:     "therapy/unregistered",
			wantCause: `no handler registered for event "therapy/unregistered"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newTestRepo(t)
			q := New(repo, 1, nil)
			r := NewRunner(q, RunnerConfig{Lease: time.Minute}, nil)
			ctx := context.Background()

			rec := &failureRecorder{}
			if tt.handler != nil {
				r.Handle(tt.event, tt.handler)
			}
			r.OnFailure(tt.event, rec.record)

			_, err := q.Enqueue(ctx, tt.event, "k", testPayload{})
			require.NoError(t, err)
			_, err = r.RunOnce(ctx)
			require.NoError(t, err)

			job, err := repo.GetJobByKey(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, domain.JobFailed, job.Status)

			cause, ok := rec.get("k")
			require.True(t, ok, "failure handler not called")
			assert.Equal(t, tt.wantCause, cause)
		})
	}
}

func TestFailureHandlerSkippedWhileRetriesRemain(t *testing.T) {
	repo := newTestRepo(t)
	q, r, clock := newTestRunner(t, repo)
	ctx := context.Background()

	rec := &failureRecorder{}
	r.Handle(testEvent, func(context.Context, *domain.Job, *Steps) error {
		return errors.New("store unavailable")
	})
	r.OnFailure(testEvent, rec.record)
	_, err := q.Enqueue(ctx, testEvent, "k", testPayload{})
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		_, ok := rec.get("k")
		assert.False(t, ok, "called before attempt %d", attempt)
		_, err = r.RunOnce(ctx)
		require.NoError(t, err)
		clock.Advance(Backoff(attempt))
	}

	cause, ok := rec.get("k")
	require.True(t, ok)
	assert.Equal(t, "store unavailable", cause)
}

func TestFailureHandlerPanicIsContained(t *testing.T) {
	repo := newTestRepo(t)
	q := New(repo, 1, nil)
	r := NewRunner(q, RunnerConfig{Lease: time.Minute}, nil)
	ctx := context.Background()

	r.Handle(testEvent, func(context.Context, *domain.Job, *Steps) error { return Permanent(errors.New("x")) })
	r.OnFailure(testEvent, func(context.Context, *domain.Job, error) { panic("hook") })
	_, err := q.Enqueue(ctx, testEvent, "k", testPayload{})
	require.NoError(t, err)

	require.NotPanics(t, func() {
		_, err = r.RunOnce(ctx)
	})
	require.NoError(t, err)

	job, err := repo.GetJobByKey(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, job.Status)
}

func TestHandlerPanicLogsJobFields(t *testing.T) {
	repo := newTestRepo(t)
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	q := New(repo, 3, logger)
	r := NewRunner(q, RunnerConfig{Lease: time.Minute}, logger)
	ctx := context.Background()

	r.Handle(testEvent, func(context.Context, *domain.Job, *Steps) error { panic("nil map") })
	_, err := q.Enqueue(ctx, testEvent, "s1:1", testPayload{})
	require.NoError(t, err)
	_, err = r.RunOnce(ctx)
	require.NoError(t, err)

	var record map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var m map[string]any
		require.NoError(t, json.Unmarshal(line, &m))
		if m["msg"] == "Job handler panicked" {
			record = m
		}
	}
	require.NotNil(t, record, "panic was not logged")
	assert.Equal(t, testEvent, record["event"])
	assert.Equal(t, "s1:1", record["key"])
	assert.EqualValues(t, 1, record["attempt"])
	assert.NotEmpty(t, record["job_id"])
}

func TestSweepRemovesOldFinishedJobs(t *testing.T) {
	repo := newTestRepo(t)
	q, r, clock := newTestRunner(t, repo)
	ctx := context.Background()
	r.Handle(testEvent, func(context.Context, *domain.Job, *Steps) error { return nil })

	_, err := q.Enqueue(ctx, testEvent, "k", testPayload{})
	require.NoError(t, err)
	_, err = r.RunOnce(ctx)
	require.NoError(t, err)

	r.Sweep(ctx)
	_, err = repo.GetJobByKey(ctx, "k")
	require.NoError(t, err, "within retention")

	clock.Advance(8 * 24 * time.Hour)
	r.Sweep(ctx)
	_, err = repo.GetJobByKey(ctx, "k")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRunProcessesAndStops(t *testing.T) {
	repo := newTestRepo(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	q := New(repo, 3, nil)
	r := NewRunner(q, RunnerConfig{Workers: 3, PollInterval: time.Hour, Lease: time.Minute}, nil)

	done := make(chan string, 1)
	r.Handle(testEvent, func(_ context.Context, job *domain.Job, _ *Steps) error {
		done <- job.IdempotencyKey
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	// The poll interval is an hour, so only the wake signal can deliver this.
	time.Sleep(50 * time.Millisecond)
	_, err := q.Enqueue(context.Background(), testEvent, "s1:1", testPayload{})
	require.NoError(t, err)

	select {
	case key := <-done:
		assert.Equal(t, "s1:1", key)
	case <-time.After(5 * time.Second):
		t.Fatal("job was not processed")
	}

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestPermanentErrorFailsImmediately(t *testing.T) {
	repo := newTestRepo(t)
	q, r, _ := newTestRunner(t, repo)
	ctx := context.Background()

	cause := errors.New("session gone")
	r.Handle(testEvent, func(context.Context, *domain.Job, *Steps) error {
		return Permanent(cause)
	})
	_, err := q.Enqueue(ctx, testEvent, "k", testPayload{})
	require.NoError(t, err)

	_, err = r.RunOnce(ctx)
	require.NoError(t, err)

	job, err := repo.GetJobByKey(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, "session gone", job.LastError)

	assert.True(t, IsPermanent(Permanent(cause)))
	assert.ErrorIs(t, Permanent(cause), cause)
	assert.NoError(t, Permanent(nil))
}
