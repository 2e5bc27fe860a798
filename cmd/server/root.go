package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/energypool/pool-engine/internal/config"
	"github.com/energypool/pool-engine/internal/store"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "pool-engine",
	Short:         "Energy pool capacity ledger and order matching service",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "configuration file (yaml or json); empty uses environment only")
}

// Execute runs the CLI.
func Execute() error { return rootCmd.Execute() }

// loadConfig reads the configuration and installs the JSON logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	level, _ := cfg.Logging.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return cfg, nil
}

// openStore connects the configured store. PostgreSQL when a database URL
// is set, optionally behind Redis; in-memory otherwise. The returned
// cleanup closes every connection opened.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, *store.PostgresStore, func(), error) {
	var cleanup []func()
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	if cfg.Database.URL == "" {
		slog.Warn("database.url not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), nil, closeAll, nil
	}

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, closeAll, fmt.Errorf("database connection failed: %w", err)
	}
	cleanup = append(cleanup, pool.Close)
	pg := store.NewPostgresStore(pool)
	var st store.Store = pg
	slog.Info("connected to PostgreSQL")

	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			closeAll()
			return nil, nil, func() {}, fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.Redis.TTL)
		slog.Info("Redis cache enabled", "ttl", cfg.Redis.TTL.String())
	}
	return st, pg, closeAll, nil
}
