// Package pipeline turns a pending assistant placeholder into a completed
// reply: analyze, update memory, alert on risk, generate, write back. It
// also reviews completed sessions as a whole.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/auralabs/aura/internal/agent"
	"github.com/auralabs/aura/internal/domain"
	"github.com/auralabs/aura/internal/queue"
	"github.com/auralabs/aura/internal/store"
)

// EventSessionMessage is the queue event carrying one run.
const EventSessionMessage = "therapy/session.message"

// ApologyContent is written to a message whose run failed.
const ApologyContent = "I apologize, but I encountered an error processing your message. Please try again."

// Step names, stable across releases because recorded outputs are keyed
// by them.
const (
	StepUpdateStatusProcessing = "update-status-processing"
	StepAnalyzeMessage         = "analyze-message"
	StepUpdateMemory           = "update-memory"
	StepTriggerRiskAlert       = "trigger-risk-alert"
	StepGenerateResponse       = "generate-response"
	StepUpdateMessageCompleted = "update-message-completed"
)

const failureWriteTimeout = 10 * time.Second

// Payload is the body of an EventSessionMessage job.
type Payload struct {
	SessionID    string           `json:"sessionId"`
	MessageIndex int              `json:"messageIndex"`
	Message      string           `json:"message"`
	History      []domain.Message `json:"history"`
	Memory       domain.Memory    `json:"memory"`
	Goals        []string         `json:"goals"`
	SystemPrompt string           `json:"systemPrompt"`
}

// IdempotencyKey identifies the run for one placeholder.
func IdempotencyKey(sessionID string, index int) string {
	return fmt.Sprintf("%s:%d", sessionID, index)
}

// Result is what a successful run produced.
type Result struct {
	Response string
	Analysis domain.Analysis
	Memory   domain.Memory
}

// Pipeline runs the message state machine.
type Pipeline struct {
	sessions  store.SessionRepository
	analyzer  agent.Analyzer
	responder agent.Responder
	alerter   Alerter
	logger    *slog.Logger
}

// New creates a pipeline. A nil alerter logs alerts.
func New(sessions store.SessionRepository, analyzer agent.Analyzer, responder agent.Responder, alerter Alerter, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if alerter == nil {
		alerter = NewLogAlerter(logger)
	}
	return &Pipeline{
		sessions:  sessions,
		analyzer:  analyzer,
		responder: responder,
		alerter:   alerter,
		logger:    logger,
	}
}

// HandleJob adapts Process to the queue runner.
func (p *Pipeline) HandleJob(ctx context.Context, job *domain.Job, steps *queue.Steps) error {
	var payload Payload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return queue.Permanent(fmt.Errorf("decode %s payload: %w", job.Event, err))
	}
	if payload.SessionID == "" || payload.MessageIndex < 0 {
		return queue.Permanent(fmt.Errorf("invalid %s payload: session %q index %d", job.Event, payload.SessionID, payload.MessageIndex))
	}

	_, err := p.Process(ctx, payload, steps)
	if errors.Is(err, domain.ErrNotFound) {
		// The session or placeholder is gone; no retry can bring it back.
		return queue.Permanent(err)
	}
	return err
}

// HandleFailure runs once the queue has given up on a job, including when
// the run never got to mark the message itself. A placeholder that already
// completed is left alone.
func (p *Pipeline) HandleFailure(ctx context.Context, job *domain.Job, cause error) {
	var payload Payload
	if err := json.Unmarshal(job.Payload, &payload); err != nil || payload.SessionID == "" || payload.MessageIndex < 0 {
		p.logger.Error("Cannot mark message failed, undecodable payload", "job_id", job.ID, "error", err, "cause", cause)
		return
	}
	if errors.Is(cause, domain.ErrNotFound) {
		return
	}

	logger := p.logger.With("session_id", payload.SessionID, "message_index", payload.MessageIndex, "job_id", job.ID)
	msg, err := p.sessions.GetMessage(ctx, payload.SessionID, payload.MessageIndex)
	if err != nil {
		logger.Error("Failed to load message for failure", "error", err, "cause", cause)
		return
	}
	if msg.Status == domain.StatusCompleted {
		logger.Warn("Job failed after its reply was written; keeping the reply", "cause", cause)
		return
	}
	p.markFailed(ctx, logger, payload, cause)
}

// Process runs every step for the placeholder named by payload. Engine
// failures degrade to defaults. Any other failure marks the message failed
// and is returned so the caller can retry the whole run.
func (p *Pipeline) Process(ctx context.Context, payload Payload, steps *queue.Steps) (res *Result, err error) {
	logger := p.logger.With("session_id", payload.SessionID, "message_index", payload.MessageIndex)
	logger.Info("Processing chat message", "history_length", len(payload.History))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Chat message processing panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("pipeline panic: %v", r)
			p.markFailed(ctx, logger, payload, err)
			res = nil
		}
	}()

	res, err = p.run(ctx, logger, payload, steps)
	if err != nil {
		logger.Error("Chat message processing failed", "error", err)
		p.markFailed(ctx, logger, payload, err)
		return nil, err
	}
	return res, nil
}

func (p *Pipeline) run(ctx context.Context, logger *slog.Logger, payload Payload, steps *queue.Steps) (*Result, error) {
	processing := domain.StatusProcessing
	if err := p.sessions.UpdateMessageFields(ctx, payload.SessionID, payload.MessageIndex,
		domain.MessageUpdate{Status: &processing}); err != nil {
		return nil, fmt.Errorf("%s: %w", StepUpdateStatusProcessing, err)
	}

	analysis, err := queue.Step(ctx, steps, StepAnalyzeMessage, func(ctx context.Context) (domain.Analysis, error) {
		return p.analyze(ctx, logger, payload)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", StepAnalyzeMessage, err)
	}

	memory, err := queue.Step(ctx, steps, StepUpdateMemory, func(context.Context) (domain.Memory, error) {
		return payload.Memory.WithAnalysis(analysis), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", StepUpdateMemory, err)
	}

	if analysis.HighRisk() {
		_, err := queue.Step(ctx, steps, StepTriggerRiskAlert, func(ctx context.Context) (bool, error) {
			p.sendRiskAlert(ctx, logger, RiskAlert{
				SessionID:      payload.SessionID,
				MessageIndex:   payload.MessageIndex,
				Message:        payload.Message,
				RiskLevel:      analysis.RiskLevel,
				EmotionalState: analysis.EmotionalState,
			})
			return true, nil
		})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", StepTriggerRiskAlert, err)
		}
	}

	response, err := queue.Step(ctx, steps, StepGenerateResponse, func(ctx context.Context) (string, error) {
		return p.generate(ctx, logger, payload, analysis, memory)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", StepGenerateResponse, err)
	}

	completed := domain.StatusCompleted
	progress := analysis.Progress()
	if err := p.sessions.UpdateMessageFields(ctx, payload.SessionID, payload.MessageIndex, domain.MessageUpdate{
		Status:  &completed,
		Content: &response,
		Metadata: &domain.MessageMetadata{
			Analysis: &analysis,
			Progress: &progress,
		},
	}); err != nil {
		return nil, fmt.Errorf("%s: %w", StepUpdateMessageCompleted, err)
	}

	logger.Info("Chat message completed", "risk_level", analysis.RiskLevel, "emotional_state", analysis.EmotionalState)
	return &Result{Response: response, Analysis: analysis, Memory: memory}, nil
}

// sendRiskAlert never fails the run: delivery errors and panics are logged.
func (p *Pipeline) sendRiskAlert(ctx context.Context, logger *slog.Logger, alert RiskAlert) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Risk alert delivery failed", "error", fmt.Errorf("alerter panic: %v", r), "risk_level", alert.RiskLevel)
		}
	}()
	if err := p.alerter.RiskAlert(ctx, alert); err != nil {
		logger.Error("Risk alert delivery failed", "error", err, "risk_level", alert.RiskLevel)
	}
}

// analyze degrades every engine or parse failure to the neutral analysis.
// Only cancellation of the run itself is an error, so a shutdown is never
// recorded as a neutral result.
func (p *Pipeline) analyze(ctx context.Context, logger *slog.Logger, payload Payload) (domain.Analysis, error) {
	contextJSON, err := agent.AnalysisContext(payload.Memory, payload.Goals)
	if err != nil {
		return domain.Analysis{}, err
	}

	raw, err := p.analyzer.Analyze(ctx, payload.Message, contextJSON)
	if err != nil {
		if ctx.Err() != nil {
			return domain.Analysis{}, ctx.Err()
		}
		logger.Warn("Message analysis failed, using neutral analysis", "error", err)
		return domain.NeutralAnalysis(), nil
	}

	analysis, err := agent.ParseAnalysis(raw)
	if err != nil {
		logger.Warn("Unparsable analysis, using neutral analysis", "error", err)
		return domain.NeutralAnalysis(), nil
	}
	logger.Debug("Message analyzed", "analysis", analysis)
	return analysis, nil
}

func (p *Pipeline) generate(ctx context.Context, logger *slog.Logger, payload Payload, analysis domain.Analysis, memory domain.Memory) (string, error) {
	systemPrompt := payload.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = agent.SystemPrompt
	}

	text, err := p.responder.Generate(ctx, agent.ResponseRequest{
		SystemPrompt: systemPrompt,
		Message:      payload.Message,
		Analysis:     analysis,
		Memory:       memory,
		Goals:        payload.Goals,
		History:      payload.History,
	})
	switch {
	case err != nil && ctx.Err() != nil:
		return "", ctx.Err()
	case err != nil:
		logger.Warn("Response generation failed, using fallback", "error", err)
		return agent.FallbackResponse, nil
	case text == "":
		logger.Warn("Empty response, using fallback")
		return agent.FallbackResponse, nil
	}
	return text, nil
}

// markFailed writes the failure state once. It uses a detached context so
// the write lands even when cancellation caused the failure.
func (p *Pipeline) markFailed(ctx context.Context, logger *slog.Logger, payload Payload, cause error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureWriteTimeout)
	defer cancel()

	failed := domain.StatusFailed
	content := ApologyContent
	msg := cause.Error()
	err := p.sessions.UpdateMessageFields(wctx, payload.SessionID, payload.MessageIndex, domain.MessageUpdate{
		Status:        &failed,
		Content:       &content,
		MetadataError: &msg,
	})
	if err != nil {
		logger.Error("Failed to record message failure", "error", err, "cause", cause)
	}
}
