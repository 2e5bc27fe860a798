package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the PostgreSQL schema",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Database.URL == "" {
		return errors.New("migrate: database.url is required")
	}
	_, pg, cleanup, err := openStore(ctx, cfg)
	defer cleanup()
	if err != nil {
		return err
	}
	if err := pg.Migrate(ctx); err != nil {
		return err
	}
	slog.Info("schema migrated")
	return nil
}
