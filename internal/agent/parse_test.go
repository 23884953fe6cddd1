package agent

import (
	"errors"
	"testing"

	"github.com/auralabs/aura/internal/domain"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"bare", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"prose around", "Sure! Here it is: {\"a\":{\"b\":2}} hope that helps {x}", `{"a":{"b":2}}`},
		{"brace in string", `{"s":"a } b","n":1}`, `{"s":"a } b","n":1}`},
		{"escaped quote", `{"s":"say \"}\" now"}`, `{"s":"say \"}\" now"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractJSONNoObject(t *testing.T) {
	for _, input := range []string{"", "no json here", "{ unbalanced", "}{"} {
		_, err := ExtractJSON(input)
		require.Error(t, err, input)

		var perr *ParseError
		require.True(t, errors.As(err, &perr), input)
		assert.ErrorIs(t, err, ErrNoJSONObject)
	}
}

func TestParseAnalysisFull(t *testing.T) {
	raw := "```json\n" + `{
		"emotionalState": "anxious",
		"themes": ["anxiety", "work"],
		"riskLevel": 6,
		"recommendedApproach": "grounding",
		"progressIndicators": ["named the feeling"]
	}` + "\n```"

	got, err := ParseAnalysis(raw)
	require.NoError(t, err)
	want := domain.Analysis{
		EmotionalState:      "anxious",
		Themes:              []string{"anxiety", "work"},
		RiskLevel:           6,
		RecommendedApproach: "grounding",
		ProgressIndicators:  []string{"named the feeling"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseAnalysis mismatch (-want +got):\n%s", diff)
	}
}

func TestParseAnalysisPerFieldDefaults(t *testing.T) {
	got, err := ParseAnalysis(`{"emotionalState": 7, "themes": "sad", "riskLevel": "3", "progressIndicators": ["ok", 4, ""]}`)
	require.NoError(t, err)

	assert.Equal(t, "neutral", got.EmotionalState)
	assert.Equal(t, []string{}, got.Themes)
	assert.Equal(t, 3, got.RiskLevel)
	assert.Equal(t, "supportive", got.RecommendedApproach)
	assert.Equal(t, []string{"ok"}, got.ProgressIndicators)
}

func TestParseAnalysisClampsRisk(t *testing.T) {
	tests := map[string]int{
		`{"riskLevel": 42}`:  10,
		`{"riskLevel": -3}`:  0,
		`{"riskLevel": 4.6}`: 5,
		`{"riskLevel": null}`: 0,
	}
	for raw, want := range tests {
		got, err := ParseAnalysis(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got.RiskLevel, raw)
	}
}

func TestParseAnalysisUnusable(t *testing.T) {
	for _, raw := range []string{"I cannot help with that", `{"riskLevel": }`} {
		got, err := ParseAnalysis(raw)
		require.Error(t, err, raw)
		assert.Equal(t, domain.NeutralAnalysis(), got)
	}
}

func TestParseSessionAnalysis(t *testing.T) {
	raw := "```json\n" + `{"keyThemes":["work","sleep"],"emotionalState":"tired","areasOfConcern":["insomnia",3],"recommendations":["sleep diary"]}` + "\n```"

	got, err := ParseSessionAnalysis(raw)
	require.NoError(t, err)

	want := domain.SessionAnalysis{
		Themes:             []string{"work", "sleep"},
		EmotionalState:     "tired",
		AreasOfConcern:     []string{"insomnia"},
		Recommendations:    []string{"sleep diary"},
		ProgressIndicators: []string{},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("session analysis mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, got.HasConcerns())
}

func TestParseSessionAnalysisUnusable(t *testing.T) {
	got, err := ParseSessionAnalysis("The session went well.")
	require.ErrorIs(t, err, ErrNoJSONObject)
	assert.False(t, got.HasConcerns())
	assert.NotNil(t, got.Themes)
}
