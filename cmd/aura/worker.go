package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/auralabs/aura/internal/config"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run only the pipeline workers",
	Long: `Run the durable job runner without the HTTP API. Any number of worker
processes may share one Postgres database. With GRPC_HEALTH_ADDR set, a
grpc.health.v1 endpoint reports database reachability for probes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker(cmd.Context(), cfg)
	},
}

func runWorker(ctx context.Context, cfg *config.Config) error {
	logger := slog.Default()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !cfg.UsePostgres() {
		logger.Warn("Worker is using SQLite; run it on the same host as the API")
	}

	repo, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore(repo)

	q := newQueue(cfg, repo, logger)
	g, gctx := errgroup.WithContext(ctx)

	runner := newRunner(gctx, cfg, repo, q, logger)
	g.Go(func() error {
		return ignoreCanceled(runner.Run(gctx))
	})
	runHealth(gctx, g, cfg, repo, logger)

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Worker stopped")
	return nil
}
