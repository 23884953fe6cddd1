package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/auralabs/aura/internal/domain"
)

// encodeMetadata returns nil for absent metadata so the column stays NULL.
func encodeMetadata(md *domain.MessageMetadata) (any, error) {
	if md == nil {
		return nil, nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("marshal message metadata: %w", err)
	}
	return string(b), nil
}

func decodeMetadata(raw []byte) (*domain.MessageMetadata, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var md domain.MessageMetadata
	if err := json.Unmarshal(raw, &md); err != nil {
		return nil, fmt.Errorf("unmarshal message metadata: %w", err)
	}
	return &md, nil
}

// foldMetadataError folds MetadataError into a full Metadata replacement so
// an update writes the metadata column at most once.
func foldMetadataError(update domain.MessageUpdate) domain.MessageUpdate {
	if update.Metadata == nil || update.MetadataError == nil {
		return update
	}
	md := *update.Metadata
	md.Error = *update.MetadataError
	update.Metadata = &md
	update.MetadataError = nil
	return update
}

func encodeSessionAnalysis(a *domain.SessionAnalysis) ([]byte, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal session analysis: %w", err)
	}
	return b, nil
}

// decodeSessionAnalysis trusts the key columns over the stored body.
func decodeSessionAnalysis(sessionID string, raw []byte, analyzedAt time.Time) (*domain.SessionAnalysis, error) {
	var a domain.SessionAnalysis
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("unmarshal session analysis: %w", err)
	}
	a.SessionID = sessionID
	a.AnalyzedAt = analyzedAt
	return &a, nil
}
