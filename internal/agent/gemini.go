package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"
)

// Gemini serves analysis and replies from Google's Gemini API.
type Gemini struct {
	client  *genai.Client
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewGemini creates a Gemini-backed engine.
func NewGemini(ctx context.Context, cfg Config, logger *slog.Logger) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.Model == "" {
		cfg.Model = defaults.Model
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaults.CallTimeout
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	logger.Info("Gemini engine ready", "model", cfg.Model, "call_timeout", cfg.CallTimeout)
	return &Gemini{client: client, model: cfg.Model, timeout: cfg.CallTimeout, logger: logger}, nil
}

// Analyze asks the model for a JSON assessment of message.
func (g *Gemini) Analyze(ctx context.Context, message, contextJSON string) (string, error) {
	return g.generate(ctx, "analyze", AnalysisPrompt(message, contextJSON), &genai.GenerateContentConfig{
		Temperature:      genai.Ptr[float32](0.2),
		ResponseMIMEType: "application/json",
	})
}

// AnalyzeSession asks the model for a JSON review of a session transcript.
func (g *Gemini) AnalyzeSession(ctx context.Context, transcript string) (string, error) {
	return g.generate(ctx, "analyze-session", SessionAnalysisPrompt(transcript), &genai.GenerateContentConfig{
		Temperature:      genai.Ptr[float32](0.2),
		ResponseMIMEType: "application/json",
	})
}

// Generate writes the assistant reply.
func (g *Gemini) Generate(ctx context.Context, req ResponseRequest) (string, error) {
	system := req.SystemPrompt
	if system == "" {
		system = SystemPrompt
	}
	prompt, err := ResponsePrompt(req)
	if err != nil {
		return "", err
	}
	return g.generate(ctx, "respond", prompt, &genai.GenerateContentConfig{
		Temperature:       genai.Ptr[float32](0.7),
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
	})
}

func (g *Gemini) generate(ctx context.Context, op, prompt string, cfg *genai.GenerateContentConfig) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), cfg)
	if err != nil {
		return "", fmt.Errorf("gemini %s: %w", op, err)
	}

	text := strings.TrimSpace(resp.Text())
	g.logger.Debug("Gemini call finished", "op", op, "duration", time.Since(start), "chars", len(text))
	if text == "" {
		return "", fmt.Errorf("gemini %s: %w", op, ErrEmptyResponse)
	}
	return text, nil
}
