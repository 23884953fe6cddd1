package agent

import (
	"context"
)

// Unavailable is used when no model is configured. Every call fails, so the
// pipeline degrades to the neutral analysis and the fallback reply, and
// session reviews are not produced.
type Unavailable struct{}

// Analyze always fails with ErrUnavailable.
func (Unavailable) Analyze(context.Context, string, string) (string, error) {
	return "", ErrUnavailable
}

// Generate always fails with ErrUnavailable.
func (Unavailable) Generate(context.Context, ResponseRequest) (string, error) {
	return "", ErrUnavailable
}

// AnalyzeSession always fails with ErrUnavailable.
func (Unavailable) AnalyzeSession(context.Context, string) (string, error) {
	return "", ErrUnavailable
}
