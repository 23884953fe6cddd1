package domain

import (
	"maps"
	"slices"
)

// Memory is the working state threaded through one pipeline run. It is a
// value: methods never modify the receiver and return an updated copy.
type Memory struct {
	UserProfile    UserProfile    `json:"userProfile"`
	SessionContext SessionContext `json:"sessionContext"`
}

// UserProfile holds what the run has learned about the user.
type UserProfile struct {
	EmotionalState []string       `json:"emotionalState"`
	RiskLevel      int            `json:"riskLevel"`
	Preferences    map[string]any `json:"preferences"`
}

// SessionContext holds conversation-level context.
type SessionContext struct {
	ConversationThemes []string `json:"conversationThemes"`
	CurrentTechnique   *string  `json:"currentTechnique"`
}

// NewMemory returns an empty memory snapshot with non-nil collections so it
// serializes as [] and {} rather than null.
func NewMemory() Memory {
	return Memory{
		UserProfile: UserProfile{
			EmotionalState: []string{},
			Preferences:    map[string]any{},
		},
		SessionContext: SessionContext{
			ConversationThemes: []string{},
		},
	}
}

// Clone returns a deep copy.
func (m Memory) Clone() Memory {
	out := Memory{
		UserProfile: UserProfile{
			EmotionalState: slices.Clone(m.UserProfile.EmotionalState),
			RiskLevel:      m.UserProfile.RiskLevel,
			Preferences:    maps.Clone(m.UserProfile.Preferences),
		},
		SessionContext: SessionContext{
			ConversationThemes: slices.Clone(m.SessionContext.ConversationThemes),
		},
	}
	if out.UserProfile.EmotionalState == nil {
		out.UserProfile.EmotionalState = []string{}
	}
	if out.UserProfile.Preferences == nil {
		out.UserProfile.Preferences = map[string]any{}
	}
	if out.SessionContext.ConversationThemes == nil {
		out.SessionContext.ConversationThemes = []string{}
	}
	if m.SessionContext.CurrentTechnique != nil {
		t := *m.SessionContext.CurrentTechnique
		out.SessionContext.CurrentTechnique = &t
	}
	return out
}

// WithAnalysis folds an analysis into a copy of the memory. The emotional
// state is appended when present, themes are appended as-is and the risk
// level is replaced by the latest non-zero value.
func (m Memory) WithAnalysis(a Analysis) Memory {
	out := m.Clone()
	if a.EmotionalState != "" {
		out.UserProfile.EmotionalState = append(out.UserProfile.EmotionalState, a.EmotionalState)
	}
	if len(a.Themes) > 0 {
		out.SessionContext.ConversationThemes = append(out.SessionContext.ConversationThemes, a.Themes...)
	}
	if a.RiskLevel != 0 {
		out.UserProfile.RiskLevel = a.RiskLevel
	}
	return out
}
