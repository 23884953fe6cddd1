package domain

import (
	"time"
)

// SessionStatus is the lifecycle state of a chat session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionArchived  SessionStatus = "archived"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageStatus is the processing state of a single message.
// Within one run it only moves forward: pending, processing, then
// completed or failed.
type MessageStatus string

const (
	StatusPending    MessageStatus = "pending"
	StatusProcessing MessageStatus = "processing"
	StatusCompleted  MessageStatus = "completed"
	StatusFailed     MessageStatus = "failed"
)

// Terminal reports whether no further pipeline transition is expected.
func (s MessageStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Session is a persisted conversation thread. Messages are append-only and
// their positions never change.
type Session struct {
	SessionID    string        `json:"sessionId"`
	UserID       string        `json:"userId"`
	StartTime    time.Time     `json:"startTime"`
	Status       SessionStatus `json:"status"`
	MessageCount int           `json:"messageCount"`
	Messages     []Message     `json:"messages,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// Message is one turn of a session.
type Message struct {
	ID        string           `json:"id"`
	Index     int              `json:"index"`
	Role      Role             `json:"role"`
	Content   string           `json:"content"`
	Timestamp time.Time        `json:"timestamp"`
	Status    MessageStatus    `json:"status"`
	Metadata  *MessageMetadata `json:"metadata,omitempty"`
}

// MessageMetadata is the optional structured payload attached to a message.
type MessageMetadata struct {
	Analysis    *Analysis `json:"analysis,omitempty"`
	CurrentGoal *string   `json:"currentGoal,omitempty"`
	Progress    *Progress `json:"progress,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Progress is the snapshot of memory persisted with a completed reply.
type Progress struct {
	EmotionalState string `json:"emotionalState"`
	RiskLevel      int    `json:"riskLevel"`
}

// MessageUpdate names the fields of one message to overwrite. Nil fields are
// left untouched. MetadataError sets only metadata.error and keeps any other
// metadata keys; Metadata replaces the whole object.
type MessageUpdate struct {
	Status        *MessageStatus
	Content       *string
	Metadata      *MessageMetadata
	MetadataError *string
}

// Empty reports whether the update would change nothing.
func (u MessageUpdate) Empty() bool {
	return u.Status == nil && u.Content == nil && u.Metadata == nil && u.MetadataError == nil
}

// NewUserMessage builds a user turn. User turns never go through the
// pipeline so they start completed.
func NewUserMessage(content string, ts time.Time) Message {
	return Message{
		Role:      RoleUser,
		Content:   content,
		Timestamp: ts,
		Status:    StatusCompleted,
	}
}

// NewAssistantPlaceholder builds the empty assistant turn filled in later by
// the pipeline.
func NewAssistantPlaceholder(ts time.Time) Message {
	return Message{
		Role:      RoleAssistant,
		Content:   "",
		Timestamp: ts,
		Status:    StatusPending,
	}
}
