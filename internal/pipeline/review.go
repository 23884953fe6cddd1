package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/auralabs/aura/internal/agent"
	"github.com/auralabs/aura/internal/domain"
	"github.com/auralabs/aura/internal/queue"
	"github.com/auralabs/aura/internal/store"
)

// EventSessionCompleted is the queue event asking for a session review.
const EventSessionCompleted = "therapy/session.completed"

// Review step names.
const (
	StepGetSessionContent   = "get-session-content"
	StepAnalyzeSession      = "analyze-session"
	StepStoreAnalysis       = "store-analysis"
	StepTriggerConcernAlert = "trigger-concern-alert"
)

// SessionPayload is the body of an EventSessionCompleted job.
type SessionPayload struct {
	SessionID string `json:"sessionId"`
}

// SessionAnalysisKey identifies the one review run of a session.
func SessionAnalysisKey(sessionID string) string {
	return "session-analysis:" + sessionID
}

// Reviewer analyzes a completed session as a whole, stores the review and
// raises a concern alert when the review flags anything.
type Reviewer struct {
	sessions store.SessionRepository
	analyzer agent.SessionAnalyzer
	alerter  Alerter
	logger   *slog.Logger
	now      func() time.Time
}

// NewReviewer creates a Reviewer. A nil alerter logs alerts.
func NewReviewer(sessions store.SessionRepository, analyzer agent.SessionAnalyzer, alerter Alerter, logger *slog.Logger) *Reviewer {
	if logger == nil {
		logger = slog.Default()
	}
	if alerter == nil {
		alerter = NewLogAlerter(logger)
	}
	return &Reviewer{
		sessions: sessions,
		analyzer: analyzer,
		alerter:  alerter,
		logger:   logger,
		now:      time.Now,
	}
}

// HandleJob adapts Review to the queue runner.
func (r *Reviewer) HandleJob(ctx context.Context, job *domain.Job, steps *queue.Steps) error {
	var payload SessionPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return queue.Permanent(fmt.Errorf("decode %s payload: %w", job.Event, err))
	}
	if payload.SessionID == "" {
		return queue.Permanent(fmt.Errorf("invalid %s payload: empty session id", job.Event))
	}

	_, err := r.Review(ctx, payload.SessionID, steps)
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, agent.ErrUnavailable) {
		return queue.Permanent(err)
	}
	return err
}

// Review runs every step for sessionID. It returns nil without storing
// anything when the session has no readable turns. Engine and parse
// failures are returned so the run is retried.
func (r *Reviewer) Review(ctx context.Context, sessionID string, steps *queue.Steps) (*domain.SessionAnalysis, error) {
	logger := r.logger.With("session_id", sessionID)
	logger.Info("Analyzing therapy session")

	transcript, err := queue.Step(ctx, steps, StepGetSessionContent, func(ctx context.Context) (string, error) {
		session, err := r.sessions.GetSession(ctx, sessionID)
		if err != nil {
			return "", err
		}
		return agent.SessionTranscript(session.Messages), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", StepGetSessionContent, err)
	}
	if transcript == "" {
		logger.Info("Session has no content to analyze")
		return nil, nil
	}

	analysis, err := queue.Step(ctx, steps, StepAnalyzeSession, func(ctx context.Context) (domain.SessionAnalysis, error) {
		raw, err := r.analyzer.AnalyzeSession(ctx, transcript)
		if err != nil {
			return domain.SessionAnalysis{}, err
		}
		a, err := agent.ParseSessionAnalysis(raw)
		if err != nil {
			return domain.SessionAnalysis{}, err
		}
		a.SessionID = sessionID
		a.AnalyzedAt = r.now()
		return a, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", StepAnalyzeSession, err)
	}

	_, err = queue.Step(ctx, steps, StepStoreAnalysis, func(ctx context.Context) (bool, error) {
		return true, r.sessions.SaveSessionAnalysis(ctx, &analysis)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", StepStoreAnalysis, err)
	}

	if analysis.HasConcerns() {
		_, err := queue.Step(ctx, steps, StepTriggerConcernAlert, func(ctx context.Context) (bool, error) {
			r.sendConcernAlert(ctx, logger, ConcernAlert{SessionID: sessionID, Concerns: analysis.AreasOfConcern})
			return true, nil
		})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", StepTriggerConcernAlert, err)
		}
	}

	logger.Info("Session analysis completed", "themes", len(analysis.Themes), "concerns", len(analysis.AreasOfConcern))
	return &analysis, nil
}

func (r *Reviewer) sendConcernAlert(ctx context.Context, logger *slog.Logger, alert ConcernAlert) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("Concern alert delivery failed", "error", fmt.Errorf("alerter panic: %v", p))
		}
	}()
	if err := r.alerter.ConcernAlert(ctx, alert); err != nil {
		logger.Error("Concern alert delivery failed", "error", err)
	}
}
