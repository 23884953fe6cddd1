package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/auralabs/aura/internal/chat"
	"github.com/auralabs/aura/internal/domain"
	"github.com/auralabs/aura/internal/identity"
	"github.com/auralabs/aura/internal/middleware"
	"github.com/go-chi/chi/v5"
)

// ChatService is the use-case layer behind the chat routes.
type ChatService interface {
	CreateSession(ctx context.Context, userID string) (*domain.Session, error)
	ListSessions(ctx context.Context, userID string) ([]domain.Session, error)
	GetSession(ctx context.Context, userID, sessionID string) (*domain.Session, error)
	SendMessage(ctx context.Context, userID, sessionID, text string) (*chat.SendResult, error)
	GetMessageStatus(ctx context.Context, userID, sessionID string, index int) (*chat.MessageStatus, error)
	GetHistory(ctx context.Context, userID, sessionID string, limit, skip int) ([]domain.Message, error)
	CompleteSession(ctx context.Context, userID, sessionID string) (*domain.Session, error)
	GetSessionAnalysis(ctx context.Context, userID, sessionID string) (*domain.SessionAnalysis, error)
}

var _ ChatService = (*chat.Service)(nil)

// ChatHandler serves the chat session routes.
type ChatHandler struct {
	svc           ChatService
	messageLimits *middleware.RateLimiter
	sessionLimits *middleware.RateLimiter
	logger        *slog.Logger
}

// NewChatHandler creates a chat handler. Nil limiters disable throttling for
// that route.
func NewChatHandler(svc ChatService, messageLimits, sessionLimits *middleware.RateLimiter, logger *slog.Logger) *ChatHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatHandler{
		svc:           svc,
		messageLimits: messageLimits,
		sessionLimits: sessionLimits,
		logger:        logger,
	}
}

// RegisterRoutes registers chat routes.
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/chat/sessions", func(r chi.Router) {
		r.With(h.limit(h.sessionLimits)).Post("/", h.CreateSession)
		r.Get("/", h.ListSessions)
		r.Route("/{sessionId}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.With(h.limit(h.messageLimits)).Post("/messages", h.SendMessage)
			r.Get("/messages/{messageIndex}/status", h.GetMessageStatus)
			r.Get("/history", h.GetHistory)
			r.Post("/complete", h.CompleteSession)
			r.Get("/analysis", h.GetSessionAnalysis)
		})
	})
}

func (h *ChatHandler) limit(l *middleware.RateLimiter) func(http.Handler) http.Handler {
	if l == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return middleware.RateLimit(l, identity.UserIDFromRequest)
}

// requireUser returns the caller's ID, answering 401 when the request carries
// no identity.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := identity.UserIDFromRequest(r)
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	return userID, true
}

// CreateSession starts a new session for the caller.
func (h *ChatHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	session, err := h.svc.CreateSession(r.Context(), userID)
	if err != nil {
		writeServiceError(w, h.logger, "create session", err)
		return
	}

	JSON(w, http.StatusCreated, map[string]interface{}{
		"message":   "Chat session created",
		"sessionId": session.SessionID,
		"session":   session,
	})
}

// ListSessions returns the caller's sessions, newest first.
func (h *ChatHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	sessions, err := h.svc.ListSessions(r.Context(), userID)
	if err != nil {
		writeServiceError(w, h.logger, "list sessions", err)
		return
	}
	if sessions == nil {
		sessions = []domain.Session{}
	}
	JSON(w, http.StatusOK, sessions)
}

// GetSession returns one session with all of its messages.
func (h *ChatHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	session, err := h.svc.GetSession(r.Context(), userID, chi.URLParam(r, "sessionId"))
	if err != nil {
		writeServiceError(w, h.logger, "get session", err)
		return
	}
	if session.Messages == nil {
		session.Messages = []domain.Message{}
	}
	JSON(w, http.StatusOK, session)
}

// SendMessageRequest is the body of a message submission.
type SendMessageRequest struct {
	Message string `json:"message"`
}

// SendMessage accepts a user message and returns as soon as the reply is
// queued.
func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req SendMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.svc.SendMessage(r.Context(), userID, chi.URLParam(r, "sessionId"), req.Message)
	if err != nil {
		writeServiceError(w, h.logger, "send message", err)
		return
	}
	JSON(w, http.StatusOK, res)
}

// GetMessageStatus reports where one message is in its processing.
func (h *ChatHandler) GetMessageStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	index, err := chat.ParseMessageIndex(chi.URLParam(r, "messageIndex"))
	if err != nil {
		writeServiceError(w, h.logger, "get message status", err)
		return
	}

	status, err := h.svc.GetMessageStatus(r.Context(), userID, chi.URLParam(r, "sessionId"), index)
	if err != nil {
		writeServiceError(w, h.logger, "get message status", err)
		return
	}
	JSON(w, http.StatusOK, status)
}

// GetHistory returns a window of a session's messages.
func (h *ChatHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	limit, skip, err := chat.ParseHistoryParams(q.Get("limit"), q.Get("skip"))
	if err != nil {
		writeServiceError(w, h.logger, "get history", err)
		return
	}

	msgs, err := h.svc.GetHistory(r.Context(), userID, chi.URLParam(r, "sessionId"), limit, skip)
	if err != nil {
		writeServiceError(w, h.logger, "get history", err)
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	JSON(w, http.StatusOK, msgs)
}

// CompleteSession ends a session and queues its review.
func (h *ChatHandler) CompleteSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	session, err := h.svc.CompleteSession(r.Context(), userID, chi.URLParam(r, "sessionId"))
	if err != nil {
		writeServiceError(w, h.logger, "complete session", err)
		return
	}
	JSON(w, http.StatusAccepted, map[string]interface{}{
		"message":   "Session completed, analysis queued",
		"sessionId": session.SessionID,
		"status":    session.Status,
	})
}

// GetSessionAnalysis returns the stored review of a completed session.
func (h *ChatHandler) GetSessionAnalysis(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	analysis, err := h.svc.GetSessionAnalysis(r.Context(), userID, chi.URLParam(r, "sessionId"))
	if err != nil {
		writeServiceError(w, h.logger, "get session analysis", err)
		return
	}
	JSON(w, http.StatusOK, analysis)
}
