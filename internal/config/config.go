// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration.
type Config struct {
	Port           string   `env:"PORT" envDefault:"8080"`
	FrontendURL    string   `env:"FRONTEND_URL"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`
	LogLevel       string   `env:"LOG_LEVEL" envDefault:"info"`
	GRPCHealthAddr string   `env:"GRPC_HEALTH_ADDR"`

	// DatabaseURL selects the Postgres store when set; otherwise DBPath is
	// used for SQLite.
	DBPath      string `env:"DB_PATH" envDefault:"./data/aura.db"`
	DatabaseURL string `env:"DATABASE_URL"`

	AI        AIConfig
	Worker    WorkerConfig
	RateLimit RateLimitConfig
}

// AIConfig configures the generative engines.
type AIConfig struct {
	GeminiAPIKey string        `env:"GEMINI_API_KEY"`
	Model        string        `env:"GEMINI_MODEL" envDefault:"gemini-2.0-flash"`
	CallTimeout  time.Duration `env:"AI_CALL_TIMEOUT" envDefault:"45s"`
}

// WorkerConfig configures the durable pipeline runner.
type WorkerConfig struct {
	Count        int           `env:"WORKER_COUNT" envDefault:"4"`
	PollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"2s"`
	Lease        time.Duration `env:"JOB_LEASE" envDefault:"2m"`
	MaxAttempts  int           `env:"JOB_MAX_ATTEMPTS" envDefault:"3"`
	Retention    time.Duration `env:"JOB_RETENTION" envDefault:"168h"`
}

// RateLimitConfig holds per-user request budgets.
type RateLimitConfig struct {
	MessagesPerMinute int `env:"MESSAGE_RATE_PER_MINUTE" envDefault:"10"`
	SessionsPerHour   int `env:"SESSION_RATE_PER_HOUR" envDefault:"10"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" && c.DatabaseURL == "" {
		return fmt.Errorf("one of DB_PATH or DATABASE_URL must be set")
	}
	if c.AI.CallTimeout <= 0 {
		return fmt.Errorf("AI_CALL_TIMEOUT must be > 0")
	}
	if c.Worker.Count <= 0 {
		return fmt.Errorf("WORKER_COUNT must be > 0")
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("WORKER_POLL_INTERVAL must be > 0")
	}
	if c.Worker.Lease <= c.AI.CallTimeout {
		return fmt.Errorf("JOB_LEASE must exceed AI_CALL_TIMEOUT")
	}
	if c.Worker.MaxAttempts <= 0 {
		return fmt.Errorf("JOB_MAX_ATTEMPTS must be > 0")
	}
	if c.RateLimit.MessagesPerMinute <= 0 || c.RateLimit.SessionsPerHour <= 0 {
		return fmt.Errorf("rate limits must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// UsePostgres reports whether the Postgres store is configured.
func (c *Config) UsePostgres() bool {
	return c.DatabaseURL != ""
}

// SlogLevel maps LOG_LEVEL onto a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
