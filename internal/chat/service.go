// Package chat implements the chat session use cases behind the HTTP API:
// sending messages, polling their status and reading history.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/auralabs/aura/internal/agent"
	"github.com/auralabs/aura/internal/domain"
	"github.com/auralabs/aura/internal/pipeline"
	"github.com/auralabs/aura/internal/store"
	"github.com/google/uuid"
)

// Enqueuer dispatches pipeline runs.
type Enqueuer interface {
	Enqueue(ctx context.Context, event, key string, payload any) (bool, error)
}

// SendResult acknowledges an accepted message.
type SendResult struct {
	Message      string               `json:"message"`
	SessionID    string               `json:"sessionId"`
	MessageIndex int                  `json:"messageIndex"`
	Status       domain.MessageStatus `json:"status"`
}

// MessageStatus is what a poller sees for one message.
type MessageStatus struct {
	Status    domain.MessageStatus    `json:"status"`
	Content   string                  `json:"content"`
	Metadata  *domain.MessageMetadata `json:"metadata,omitempty"`
	Timestamp time.Time               `json:"timestamp"`
}

// Service implements the chat use cases.
type Service struct {
	repo   store.SessionRepository
	queue  Enqueuer
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a chat service.
func NewService(repo store.SessionRepository, queue Enqueuer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, queue: queue, logger: logger, now: time.Now}
}

// CreateSession starts an empty active session for userID.
func (s *Service) CreateSession(ctx context.Context, userID string) (*domain.Session, error) {
	now := s.now()
	session := &domain.Session{
		SessionID: uuid.NewString(),
		UserID:    userID,
		StartTime: now,
		Status:    domain.SessionActive,
		Messages:  []domain.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.logger.Info("Chat session created", "session_id", session.SessionID, "user_id", userID)
	return session, nil
}

// ListSessions returns the caller's sessions, newest first.
func (s *Service) ListSessions(ctx context.Context, userID string) ([]domain.Session, error) {
	sessions, err := s.repo.ListSessions(ctx, userID, 0)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// GetSession returns the caller's session with every message.
func (s *Service) GetSession(ctx context.Context, userID, sessionID string) (*domain.Session, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := authorize(userID, session); err != nil {
		return nil, err
	}
	return session, nil
}

// SendMessage appends the user turn and a pending assistant placeholder in
// one write, enqueues the run and returns without waiting for it.
func (s *Service) SendMessage(ctx context.Context, userID, sessionID, text string) (*SendResult, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	content, err := ValidateMessage(text)
	if err != nil {
		return nil, err
	}

	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		if !isNotFound(err) {
			err = fmt.Errorf("load session: %w", err)
		}
		return nil, err
	}
	if err := authorize(userID, session); err != nil {
		s.logger.Warn("Unauthorized session access attempt", "session_id", sessionID, "user_id", userID)
		return nil, err
	}

	now := s.now()
	msgs := []domain.Message{
		domain.NewUserMessage(content, now),
		domain.NewAssistantPlaceholder(now),
	}
	count, err := s.repo.AppendMessages(ctx, sessionID, msgs)
	if err != nil {
		return nil, fmt.Errorf("append messages: %w", err)
	}
	index := count - 1

	payload := pipeline.Payload{
		SessionID:    sessionID,
		MessageIndex: index,
		Message:      content,
		History:      append(session.Messages, msgs[0]),
		Memory:       domain.NewMemory(),
		Goals:        []string{},
		SystemPrompt: agent.SystemPrompt,
	}
	logger := s.logger.With("session_id", sessionID, "message_index", index)

	if _, err := s.queue.Enqueue(ctx, pipeline.EventSessionMessage, pipeline.IdempotencyKey(sessionID, index), payload); err != nil {
		logger.Error("Failed to enqueue message", "error", err)
		s.markUndeliverable(ctx, logger, sessionID, index, err)
		return nil, fmt.Errorf("enqueue message: %w", err)
	}

	logger.Info("Message accepted for processing")
	return &SendResult{
		Message:      "Message received and processing",
		SessionID:    sessionID,
		MessageIndex: index,
		Status:       domain.StatusPending,
	}, nil
}

// markUndeliverable fails a placeholder no run will ever pick up, so pollers
// do not wait on it forever.
func (s *Service) markUndeliverable(ctx context.Context, logger *slog.Logger, sessionID string, index int, cause error) {
	failed := domain.StatusFailed
	content := pipeline.ApologyContent
	msg := cause.Error()
	if err := s.repo.UpdateMessageFields(context.WithoutCancel(ctx), sessionID, index, domain.MessageUpdate{
		Status:        &failed,
		Content:       &content,
		MetadataError: &msg,
	}); err != nil {
		logger.Error("Failed to mark undeliverable message", "error", err)
	}
}

// GetMessageStatus reports the processing state of one message. It never
// changes anything.
func (s *Service) GetMessageStatus(ctx context.Context, userID, sessionID string, index int) (*MessageStatus, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	if index < 0 {
		return nil, domain.NewValidationError("messageIndex", "must be a non-negative integer")
	}
	if err := s.checkOwner(ctx, userID, sessionID); err != nil {
		return nil, err
	}

	msg, err := s.repo.GetMessage(ctx, sessionID, index)
	if err != nil {
		return nil, err
	}
	return &MessageStatus{
		Status:    msg.Status,
		Content:   msg.Content,
		Metadata:  msg.Metadata,
		Timestamp: msg.Timestamp,
	}, nil
}

// GetHistory returns a window of the session's messages in order.
func (s *Service) GetHistory(ctx context.Context, userID, sessionID string, limit, skip int) ([]domain.Message, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	if limit < 1 || limit > MaxHistoryLimit {
		return nil, domain.NewValidationError("limit", fmt.Sprintf("must be between 1 and %d", MaxHistoryLimit))
	}
	if skip < 0 {
		return nil, domain.NewValidationError("skip", "must be a non-negative integer")
	}
	if err := s.checkOwner(ctx, userID, sessionID); err != nil {
		return nil, err
	}

	msgs, err := s.repo.GetMessages(ctx, sessionID, limit, skip)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return msgs, nil
}

// CompleteSession ends the caller's session and enqueues its review.
// Completing an already completed session only re-enqueues, which the
// queue deduplicates.
func (s *Service) CompleteSession(ctx context.Context, userID, sessionID string) (*domain.Session, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	session, err := s.repo.GetSessionInfo(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := authorize(userID, session); err != nil {
		return nil, err
	}

	switch session.Status {
	case domain.SessionArchived:
		return nil, domain.NewValidationError("status", "archived sessions cannot be completed")
	case domain.SessionActive:
		if err := s.repo.UpdateSessionStatus(ctx, sessionID, domain.SessionCompleted); err != nil {
			return nil, fmt.Errorf("complete session: %w", err)
		}
		session.Status = domain.SessionCompleted
		session.UpdatedAt = s.now()
	}

	logger := s.logger.With("session_id", sessionID)
	payload := pipeline.SessionPayload{SessionID: sessionID}
	if _, err := s.queue.Enqueue(ctx, pipeline.EventSessionCompleted, pipeline.SessionAnalysisKey(sessionID), payload); err != nil {
		logger.Error("Failed to enqueue session analysis", "error", err)
		return nil, fmt.Errorf("enqueue session analysis: %w", err)
	}
	logger.Info("Chat session completed")
	return session, nil
}

// GetSessionAnalysis returns the stored review of the caller's session, or
// domain.ErrAnalysisNotFound while none has been written.
func (s *Service) GetSessionAnalysis(ctx context.Context, userID, sessionID string) (*domain.SessionAnalysis, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	if err := s.checkOwner(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	return s.repo.GetSessionAnalysis(ctx, sessionID)
}

func (s *Service) checkOwner(ctx context.Context, userID, sessionID string) error {
	session, err := s.repo.GetSessionInfo(ctx, sessionID)
	if err != nil {
		return err
	}
	return authorize(userID, session)
}

func authorize(userID string, session *domain.Session) error {
	user := domain.User{UserID: userID}
	if userID == "" || !user.Owns(session) {
		return domain.ErrForbidden
	}
	return nil
}
