package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/auralabs/aura/internal/store"
)

// Steps records named step outputs for one job so a retried attempt can
// skip work that already succeeded. A nil *Steps memoizes nothing.
type Steps struct {
	repo  store.JobRepository
	jobID string
}

// NewSteps binds step memoization to a job.
func NewSteps(repo store.JobRepository, jobID string) *Steps {
	return &Steps{repo: repo, jobID: jobID}
}

// Load decodes the recorded output of name into out.
func (s *Steps) Load(ctx context.Context, name string, out any) (bool, error) {
	if s == nil {
		return false, nil
	}
	raw, ok, err := s.repo.GetStepOutput(ctx, s.jobID, name)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode step %s: %w", name, err)
	}
	return true, nil
}

// Save records the output of name.
func (s *Steps) Save(ctx context.Context, name string, v any) error {
	if s == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode step %s: %w", name, err)
	}
	return s.repo.SaveStepOutput(ctx, s.jobID, name, raw)
}

// Step runs fn once per job: a recorded output is returned as is, otherwise
// fn runs and its result is recorded. A failing fn records nothing.
func Step[T any](ctx context.Context, steps *Steps, name string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	ok, err := steps.Load(ctx, name, &out)
	if err != nil {
		return out, err
	}
	if ok {
		return out, nil
	}

	out, err = fn(ctx)
	if err != nil {
		return out, err
	}
	if err := steps.Save(ctx, name, out); err != nil {
		return out, err
	}
	return out, nil
}
