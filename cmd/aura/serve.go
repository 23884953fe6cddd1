package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/auralabs/aura/internal/api"
	"github.com/auralabs/aura/internal/chat"
	"github.com/auralabs/aura/internal/config"
	"github.com/auralabs/aura/internal/identity"
	"github.com/auralabs/aura/internal/middleware"
	"github.com/auralabs/aura/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var noWorkers bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, with the pipeline workers unless --no-workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), cfg, !noWorkers)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&noWorkers, "no-workers", false, "Only accept requests; leave the queue to separate worker processes")
}

// limiters holds the per-user request budgets.
type limiters struct {
	messages *middleware.RateLimiter
	sessions *middleware.RateLimiter
}

func newLimiters(cfg *config.Config) limiters {
	return limiters{
		messages: middleware.NewRateLimiter(cfg.RateLimit.MessagesPerMinute, time.Minute),
		sessions: middleware.NewRateLimiter(cfg.RateLimit.SessionsPerHour, time.Hour),
	}
}

// newRouter assembles the HTTP API.
func newRouter(cfg *config.Config, repo store.Repository, svc api.ChatService, lim limiters, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins, cfg.IsDevelopment()))

	// Public routes.
	api.NewHealthHandler(repo, 0).RegisterHealth(r)

	// Everything else carries the anonymous identity.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))
		api.NewChatHandler(svc, lim.messages, lim.sessions, logger).RegisterRoutes(r)
	})

	return r
}

func runServe(ctx context.Context, cfg *config.Config, withWorkers bool) error {
	logger := slog.Default()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "workers", withWorkers)

	repo, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore(repo)

	q := newQueue(cfg, repo, logger)
	svc := chat.NewService(repo, q, logger)
	lim := newLimiters(cfg)
	lim.messages.StartEviction(ctx)
	lim.sessions.StartEviction(ctx)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newRouter(cfg, repo, svc, lim, logger),
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second, // 2 minutes for idle connections
	}

	g, gctx := errgroup.WithContext(ctx)

	if withWorkers {
		runner := newRunner(gctx, cfg, repo, q, logger)
		g.Go(func() error {
			return ignoreCanceled(runner.Run(gctx))
		})
	}
	runHealth(gctx, g, cfg, repo, logger)

	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server forced to shutdown", "error", err)
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("Server stopped successfully")
	return nil
}
