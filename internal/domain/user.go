// Package domain contains core domain types for the Aura application.
package domain

import (
	"time"
)

// User represents an anonymous per-device account that owns chat sessions.
type User struct {
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Owns reports whether the user owns the given session.
func (u *User) Owns(s *Session) bool {
	return s != nil && u != nil && s.UserID == u.UserID
}
