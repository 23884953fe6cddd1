package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/auralabs/aura/internal/domain"
)

// ErrNoJSONObject means the model output held no balanced JSON object.
var ErrNoJSONObject = errors.New("no JSON object found in response")

// ParseError describes model output that could not be used.
type ParseError struct {
	Input string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse model output: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

const maxParseErrorInput = 200

func newParseError(input string, err error) *ParseError {
	if len(input) > maxParseErrorInput {
		input = input[:maxParseErrorInput] + "..."
	}
	return &ParseError{Input: input, Err: err}
}

// ExtractJSON strips markdown fences and returns the first balanced {...}
// in text. Braces inside JSON strings do not count.
func ExtractJSON(text string) (string, error) {
	clean := strings.ReplaceAll(text, "```json", "")
	clean = strings.ReplaceAll(clean, "```", "")
	clean = strings.TrimSpace(clean)

	start := strings.IndexByte(clean, '{')
	if start < 0 {
		return "", newParseError(text, ErrNoJSONObject)
	}

	depth := 0
	inString, escaped := false, false
	for i := start; i < len(clean); i++ {
		c := clean[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return clean[start : i+1], nil
			}
		}
	}
	return "", newParseError(text, ErrNoJSONObject)
}

// ParseAnalysis turns raw analyzer output into an Analysis. Each field is
// validated on its own: a missing or ill-typed field takes the neutral
// default while the rest are kept. riskLevel is rounded and clamped to the
// 0..10 scale. An error is returned only when there is no usable object.
func ParseAnalysis(raw string) (domain.Analysis, error) {
	obj, err := ExtractJSON(raw)
	if err != nil {
		return domain.NeutralAnalysis(), err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(obj), &fields); err != nil {
		return domain.NeutralAnalysis(), newParseError(raw, err)
	}

	a := domain.NeutralAnalysis()
	if s, ok := stringField(fields["emotionalState"]); ok && s != "" {
		a.EmotionalState = s
	}
	if list, ok := stringListField(fields["themes"]); ok {
		a.Themes = list
	}
	if n, ok := numberField(fields["riskLevel"]); ok {
		a.RiskLevel = clampRisk(n)
	}
	if s, ok := stringField(fields["recommendedApproach"]); ok && s != "" {
		a.RecommendedApproach = s
	}
	if list, ok := stringListField(fields["progressIndicators"]); ok {
		a.ProgressIndicators = list
	}
	return a, nil
}

// ParseSessionAnalysis turns raw session analyzer output into a review.
// Missing or ill-typed fields are left empty. "keyThemes" is accepted for
// themes. An error is returned only when there is no usable object.
func ParseSessionAnalysis(raw string) (domain.SessionAnalysis, error) {
	a := domain.SessionAnalysis{
		Themes:             []string{},
		AreasOfConcern:     []string{},
		Recommendations:    []string{},
		ProgressIndicators: []string{},
	}
	obj, err := ExtractJSON(raw)
	if err != nil {
		return a, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(obj), &fields); err != nil {
		return a, newParseError(raw, err)
	}

	if list, ok := stringListField(fields["themes"]); ok {
		a.Themes = list
	} else if list, ok := stringListField(fields["keyThemes"]); ok {
		a.Themes = list
	}
	if s, ok := stringField(fields["emotionalState"]); ok {
		a.EmotionalState = s
	}
	if list, ok := stringListField(fields["areasOfConcern"]); ok {
		a.AreasOfConcern = list
	}
	if list, ok := stringListField(fields["recommendations"]); ok {
		a.Recommendations = list
	}
	if list, ok := stringListField(fields["progressIndicators"]); ok {
		a.ProgressIndicators = list
	}
	return a, nil
}

func stringField(raw json.RawMessage) (string, bool) {
	if raw == nil {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return strings.TrimSpace(s), true
}

// stringListField keeps the string elements of an array and drops the rest.
func stringListField(raw json.RawMessage) ([]string, bool) {
	if raw == nil {
		return nil, false
	}
	var items []any
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, false
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out, true
}

// numberField accepts JSON numbers and numeric strings.
func numberField(raw json.RawMessage) (float64, bool) {
	if raw == nil {
		return 0, false
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(n) {
		return 0, false
	}
	return n, true
}

func clampRisk(n float64) int {
	r := int(math.Round(n))
	switch {
	case n <= domain.MinRiskLevel:
		return domain.MinRiskLevel
	case n >= domain.MaxRiskLevel:
		return domain.MaxRiskLevel
	default:
		return r
	}
}
