package pipeline

import (
	"context"
	"log/slog"
)

// RiskAlert describes a message whose analysis crossed the risk threshold.
type RiskAlert struct {
	SessionID      string
	MessageIndex   int
	Message        string
	RiskLevel      int
	EmotionalState string
}

// ConcernAlert describes a completed session whose review flagged areas
// of concern.
type ConcernAlert struct {
	SessionID string
	Concerns  []string
}

// Alerter delivers risk and concern alerts. Errors are logged by the caller
// and never fail the run.
type Alerter interface {
	RiskAlert(ctx context.Context, alert RiskAlert) error
	ConcernAlert(ctx context.Context, alert ConcernAlert) error
}

// LogAlerter records alerts as WARN log lines.
type LogAlerter struct {
	logger *slog.Logger
}

// NewLogAlerter creates a LogAlerter. A nil logger uses slog.Default().
func NewLogAlerter(logger *slog.Logger) *LogAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogAlerter{logger: logger}
}

// RiskAlert logs the alert.
func (a *LogAlerter) RiskAlert(_ context.Context, alert RiskAlert) error {
	a.logger.Warn("High risk level detected in chat message",
		"session_id", alert.SessionID,
		"message_index", alert.MessageIndex,
		"risk_level", alert.RiskLevel,
		"emotional_state", alert.EmotionalState,
	)
	return nil
}

// ConcernAlert logs the alert.
func (a *LogAlerter) ConcernAlert(_ context.Context, alert ConcernAlert) error {
	a.logger.Warn("Concerning indicators detected in session analysis",
		"session_id", alert.SessionID,
		"concerns", alert.Concerns,
	)
	return nil
}
