package agent

import (
	"context"
)

// Analyzer produces a raw structured assessment of one user message.
// Parsing and defaulting happen in ParseAnalysis, not in the engine.
type Analyzer interface {
	Analyze(ctx context.Context, message, contextJSON string) (string, error)
}

// Responder writes the assistant reply for one turn.
type Responder interface {
	Generate(ctx context.Context, req ResponseRequest) (string, error)
}

// SessionAnalyzer produces a raw structured review of a whole session
// transcript. ParseSessionAnalysis reads the result.
type SessionAnalyzer interface {
	AnalyzeSession(ctx context.Context, transcript string) (string, error)
}

// Engine is a model backend serving every role.
type Engine interface {
	Analyzer
	Responder
	SessionAnalyzer
}

var (
	_ Engine = (*Gemini)(nil)
	_ Engine = Unavailable{}
)
