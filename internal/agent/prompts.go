package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/auralabs/aura/internal/domain"
)

// historyWindow bounds how many earlier turns the reply prompt quotes.
const historyWindow = 10

// transcriptWindow bounds how many messages a session review reads.
const transcriptWindow = 200

// AnalysisPrompt asks for the five-field assessment as bare JSON.
func AnalysisPrompt(message, contextJSON string) string {
	return fmt.Sprintf(`Analyze this therapy message and provide insights. Return ONLY a valid JSON object with no markdown formatting or additional text.
Message: %s
Context: %s

Required JSON structure:
{
  "emotionalState": "string",
  "themes": ["string"],
  "riskLevel": number,
  "recommendedApproach": "string",
  "progressIndicators": ["string"]
}
riskLevel is an integer from 0 (no risk) to 10 (immediate danger).`, message, contextJSON)
}

// SessionAnalysisPrompt asks for a review of a whole session as bare JSON.
func SessionAnalysisPrompt(transcript string) string {
	return fmt.Sprintf(`Analyze this therapy session and provide insights. Return ONLY a valid JSON object with no markdown formatting or additional text.
Session Content:
%s

Required JSON structure:
{
  "themes": ["string"],
  "emotionalState": "string",
  "areasOfConcern": ["string"],
  "recommendations": ["string"],
  "progressIndicators": ["string"]
}
themes are the key topics discussed. areasOfConcern lists anything that needs follow-up by a professional and is empty when there is none.`, transcript)
}

// SessionTranscript renders the readable turns of a session, oldest first,
// keeping the most recent messages when the session is long.
func SessionTranscript(messages []domain.Message) string {
	if len(messages) > transcriptWindow {
		messages = messages[len(messages)-transcriptWindow:]
	}
	var b strings.Builder
	for _, m := range messages {
		if m.Content == "" || m.Status == domain.StatusFailed {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return b.String()
}

// AnalysisContext serializes the memory and goals handed to the analyzer.
func AnalysisContext(memory domain.Memory, goals []string) (string, error) {
	if goals == nil {
		goals = []string{}
	}
	b, err := json.Marshal(struct {
		Memory domain.Memory `json:"memory"`
		Goals  []string      `json:"goals"`
	}{memory, goals})
	if err != nil {
		return "", fmt.Errorf("marshal analysis context: %w", err)
	}
	return string(b), nil
}

// ResponsePrompt builds the user-side prompt for the reply generator. The
// system prompt travels separately as the system instruction.
func ResponsePrompt(req ResponseRequest) (string, error) {
	analysis, err := json.Marshal(req.Analysis)
	if err != nil {
		return "", fmt.Errorf("marshal analysis: %w", err)
	}
	memory, err := json.Marshal(req.Memory)
	if err != nil {
		return "", fmt.Errorf("marshal memory: %w", err)
	}
	goals := req.Goals
	if goals == nil {
		goals = []string{}
	}
	goalsJSON, err := json.Marshal(goals)
	if err != nil {
		return "", fmt.Errorf("marshal goals: %w", err)
	}

	var b strings.Builder
	if h := formatHistory(req.History); h != "" {
		b.WriteString("Recent conversation:\n")
		b.WriteString(h)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, `Based on the following context, generate a therapeutic response:
Message: %s
Analysis: %s
Memory: %s
Goals: %s

Provide a response that:
1. Addresses the immediate emotional needs
2. Uses appropriate therapeutic techniques
3. Shows empathy and understanding
4. Maintains professional boundaries
5. Considers safety and well-being`, req.Message, analysis, memory, goalsJSON)
	return b.String(), nil
}

func formatHistory(history []domain.Message) string {
	// The last entry is the message being answered; it is quoted separately.
	if len(history) > 0 && history[len(history)-1].Role == domain.RoleUser {
		history = history[:len(history)-1]
	}
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}

	var b strings.Builder
	for _, m := range history {
		if m.Content == "" || m.Status == domain.StatusFailed {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return b.String()
}
