package domain

import "time"

// Risk levels are ordinal on 0..10. Anything above RiskAlertThreshold raises
// an alert.
const (
	MinRiskLevel       = 0
	MaxRiskLevel       = 10
	RiskAlertThreshold = 4
)

// Analysis is the structured assessment of one user message.
type Analysis struct {
	EmotionalState      string   `json:"emotionalState"`
	Themes              []string `json:"themes"`
	RiskLevel           int      `json:"riskLevel"`
	RecommendedApproach string   `json:"recommendedApproach"`
	ProgressIndicators  []string `json:"progressIndicators"`
}

// NeutralAnalysis is substituted whenever the analysis engine fails or
// returns something unusable.
func NeutralAnalysis() Analysis {
	return Analysis{
		EmotionalState:      "neutral",
		Themes:              []string{},
		RiskLevel:           0,
		RecommendedApproach: "supportive",
		ProgressIndicators:  []string{},
	}
}

// HighRisk reports whether the analysis crosses the alert threshold.
func (a Analysis) HighRisk() bool {
	return a.RiskLevel > RiskAlertThreshold
}

// Progress derives the persisted progress snapshot.
func (a Analysis) Progress() Progress {
	return Progress{EmotionalState: a.EmotionalState, RiskLevel: a.RiskLevel}
}

// SessionAnalysis is the review of a whole session, produced once the
// session is completed.
type SessionAnalysis struct {
	SessionID          string    `json:"sessionId"`
	Themes             []string  `json:"themes"`
	EmotionalState     string    `json:"emotionalState"`
	AreasOfConcern     []string  `json:"areasOfConcern"`
	Recommendations    []string  `json:"recommendations"`
	ProgressIndicators []string  `json:"progressIndicators"`
	AnalyzedAt         time.Time `json:"analyzedAt"`
}

// HasConcerns reports whether the review flagged anything for follow-up.
func (a SessionAnalysis) HasConcerns() bool {
	return len(a.AreasOfConcern) > 0
}
