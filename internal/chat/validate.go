package chat

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/auralabs/aura/internal/domain"
	"github.com/google/uuid"
)

// Request limits.
const (
	MaxMessageRunes     = 5000
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 100
)

// ValidateSessionID requires a UUID.
func ValidateSessionID(id string) error {
	if id == "" {
		return domain.NewValidationError("sessionId", "is required")
	}
	if _, err := uuid.Parse(id); err != nil {
		return domain.NewValidationError("sessionId", "must be a UUID")
	}
	return nil
}

// ValidateMessage trims text and checks it is non-empty and at most
// MaxMessageRunes characters. The trimmed text is returned.
func ValidateMessage(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", domain.NewValidationError("message", "cannot be empty")
	}
	if n := utf8.RuneCountInString(trimmed); n > MaxMessageRunes {
		return "", domain.NewValidationError("message", fmt.Sprintf("too long (max %d characters)", MaxMessageRunes))
	}
	return trimmed, nil
}

// ParseMessageIndex parses a path index. Only plain decimal digits are
// accepted.
func ParseMessageIndex(raw string) (int, error) {
	if raw == "" || strings.TrimLeft(raw, "0123456789") != "" {
		return 0, domain.NewValidationError("messageIndex", "must be a non-negative integer")
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, domain.NewValidationError("messageIndex", "out of range")
	}
	return n, nil
}

// ParseHistoryParams reads limit and skip query values, applying defaults
// for absent ones.
func ParseHistoryParams(limitRaw, skipRaw string) (limit, skip int, err error) {
	limit = DefaultHistoryLimit
	if limitRaw != "" {
		limit, err = strconv.Atoi(limitRaw)
		if err != nil || limit < 1 || limit > MaxHistoryLimit {
			return 0, 0, domain.NewValidationError("limit", fmt.Sprintf("must be between 1 and %d", MaxHistoryLimit))
		}
	}
	if skipRaw != "" {
		skip, err = strconv.Atoi(skipRaw)
		if err != nil || skip < 0 {
			return 0, 0, domain.NewValidationError("skip", "must be a non-negative integer")
		}
	}
	return limit, skip, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
