package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/nexcrm/nexcrm/internal/config"
	"github.com/nexcrm/nexcrm/internal/log"
)

var rootCmd = &cobra.Command{
	Use:   "nexcrm",
	Short: "CRM retrieval and ingestion engine",
	Long: `nexcrm indexes tickets, emails, orders and related CRM records into a
hybrid full-text and vector index, and answers scoped retrieval queries
over it.

Typical workflow:

  nexcrm migrate          apply database migrations
  nexcrm worker           run the ingestion worker
  nexcrm sweep            enqueue records changed since the last sweep
  nexcrm query "..."      run a retrieval query`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// app bundles what every command needs after startup.
type app struct {
	cfg    *config.Config
	logger log.Logger
	pool   *pgxpool.Pool
}

// loadApp reads configuration, builds the logger and connects the pool.
// Callers must Close.
func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	logger := log.New(log.Config{Level: parseLevel(cfg.LogLevel), JSON: cfg.LogJSON})

	pool, err := pgxpool.New(ctx, cfg.PostgresURL())
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	return &app{cfg: cfg, logger: logger, pool: pool}, nil
}

func (a *app) Close() {
	a.pool.Close()
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
