package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/auralabs/aura/internal/agent"
	"github.com/auralabs/aura/internal/config"
	"github.com/auralabs/aura/internal/health"
	"github.com/auralabs/aura/internal/pipeline"
	"github.com/auralabs/aura/internal/queue"
	"github.com/auralabs/aura/internal/store"
	"golang.org/x/sync/errgroup"
)

// openStore connects to Postgres when DATABASE_URL is set and to SQLite
// otherwise. Both apply pending migrations first.
func openStore(ctx context.Context, cfg *config.Config) (store.Repository, error) {
	if cfg.UsePostgres() {
		repo, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("initialize postgres: %w", err)
		}
		slog.Info("Database connected", "driver", "postgres")
		return repo, nil
	}

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("initialize sqlite: %w", err)
	}
	if err := repo.Ping(ctx); err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected", "driver", "sqlite", "path", cfg.DBPath)
	return repo, nil
}

// newEngine returns the Gemini engine, or an engine that always fails when no
// API key is configured. The pipeline degrades to neutral analysis and the
// fallback reply in that case.
func newEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger) agent.Engine {
	if cfg.AI.GeminiAPIKey == "" {
		logger.Warn("GEMINI_API_KEY not set, replies will use the fallback response")
		return agent.Unavailable{}
	}

	engine, err := agent.NewGemini(ctx, agent.Config{
		APIKey:      cfg.AI.GeminiAPIKey,
		Model:       cfg.AI.Model,
		CallTimeout: cfg.AI.CallTimeout,
	}, logger)
	if err != nil {
		logger.Warn("Failed to initialize Gemini, replies will use the fallback response", "error", err)
		return agent.Unavailable{}
	}
	return engine
}

// newQueue builds the durable queue over repo.
func newQueue(cfg *config.Config, repo store.JobRepository, logger *slog.Logger) *queue.Queue {
	return queue.New(repo, cfg.Worker.MaxAttempts, logger)
}

// newRunner registers the message pipeline and the session reviewer on a
// worker pool draining q.
func newRunner(ctx context.Context, cfg *config.Config, repo store.Repository, q *queue.Queue, logger *slog.Logger) *queue.Runner {
	engine := newEngine(ctx, cfg, logger)
	alerter := pipeline.NewLogAlerter(logger)
	p := pipeline.New(repo, engine, engine, alerter, logger)
	reviewer := pipeline.NewReviewer(repo, engine, alerter, logger)

	rc := queue.DefaultRunnerConfig()
	rc.Workers = cfg.Worker.Count
	rc.PollInterval = cfg.Worker.PollInterval
	rc.Lease = cfg.Worker.Lease
	rc.AttemptTimeout = 0 // derived from the lease
	rc.Retention = cfg.Worker.Retention

	runner := queue.NewRunner(q, rc, logger)
	runner.Handle(pipeline.EventSessionMessage, p.HandleJob)
	runner.OnFailure(pipeline.EventSessionMessage, p.HandleFailure)
	runner.Handle(pipeline.EventSessionCompleted, reviewer.HandleJob)
	return runner
}

// runHealth serves gRPC health on GRPC_HEALTH_ADDR when configured.
func runHealth(ctx context.Context, g *errgroup.Group, cfg *config.Config, repo store.Repository, logger *slog.Logger) {
	if cfg.GRPCHealthAddr == "" {
		return
	}
	srv := health.NewServer(repo, 0, logger)
	g.Go(func() error {
		return srv.ListenAndServe(ctx, cfg.GRPCHealthAddr)
	})
}

func closeStore(repo store.Repository) {
	if err := repo.Close(); err != nil {
		slog.Error("Failed to close repository", "error", err)
	}
}

// ignoreCanceled treats shutdown as a clean exit.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
