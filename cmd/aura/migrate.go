package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/auralabs/aura/internal/store"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.UsePostgres() {
			return store.RunPostgresMigrations(cfg.DatabaseURL)
		}
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return fmt.Errorf("create database directory: %w", err)
		}
		if err := store.RunSQLiteMigrations(cfg.DBPath); err != nil {
			return err
		}
		slog.Info("Database schema is up to date", "path", cfg.DBPath)
		return nil
	},
}
