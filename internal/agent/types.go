// Package agent wraps the generative models that analyze user messages and
// write therapeutic replies.
package agent

import (
	"errors"
	"time"

	"github.com/auralabs/aura/internal/domain"
)

// SystemPrompt is the fixed therapist instruction sent with every reply.
const SystemPrompt = `You are an AI therapist assistant. Your role is to:
1. Provide empathetic and supportive responses
2. Use evidence-based therapeutic techniques
3. Maintain professional boundaries
4. Monitor for risk factors
5. Guide users toward their therapeutic goals`

// FallbackResponse replaces a reply the generator could not produce.
const FallbackResponse = "I'm here to support you. Could you tell me more about what's on your mind?"

var (
	// ErrEmptyResponse is returned when a model answers with no text.
	ErrEmptyResponse = errors.New("model returned empty response")
	// ErrUnavailable is returned by engines with no configured backend.
	ErrUnavailable = errors.New("generative engine not configured")
)

// ResponseRequest carries everything the reply generator sees.
type ResponseRequest struct {
	SystemPrompt string
	Message      string
	Analysis     domain.Analysis
	Memory       domain.Memory
	Goals        []string
	History      []domain.Message
}

// Config holds engine configuration.
type Config struct {
	APIKey      string
	Model       string
	CallTimeout time.Duration
}

// DefaultConfig returns default engine configuration.
func DefaultConfig() Config {
	return Config{
		Model:       "gemini-2.0-flash",
		CallTimeout: 45 * time.Second,
	}
}
