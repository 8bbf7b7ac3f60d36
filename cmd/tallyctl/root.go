package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/metering/tally/internal/infrastructure/cache"
	"github.com/metering/tally/internal/infrastructure/config"
	"github.com/metering/tally/internal/infrastructure/logger"
	"github.com/metering/tally/internal/infrastructure/persistence"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type rootOptions struct {
	logLevel string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "tallyctl",
		Short: "Operate the tally engine from the command line",
		Long: `tallyctl collects usage, ingests events and manages the billing outbox
using the same configuration as the server (config.yaml and TALLY_* variables).`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		newCollectCmd(opts),
		newIngestCmd(opts),
		newTagProfileCmd(),
		newOutboxCmd(opts),
	)
	return cmd
}

// runtime is everything a database-backed command needs
type runtime struct {
	cfg     *config.Config
	log     *zap.Logger
	db      *persistence.Database
	factory *cache.Factory
}

func (o *rootOptions) open(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	log, err := logger.New(&logger.Config{
		Level:      o.logLevel,
		Format:     "console",
		Output:     "stderr",
		TimeFormat: "2006-01-02 15:04:05",
	})
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}

	gormLog := logger.NewGormLogger(log, logger.MapGormLogLevel(o.logLevel))
	db, err := persistence.NewDatabase(&cfg.Database, gormLog)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := db.CheckSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	factory := cache.NewFactory(cfg.Redis,
		cache.WithLogger(log.Named("cache")),
		cache.WithLockTTL(cfg.Tally.LockTTL),
	)
	if _, err := factory.Client(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &runtime{cfg: cfg, log: log, db: db, factory: factory}, nil
}

func (r *runtime) Close() {
	_ = r.factory.Close()
	_ = r.db.Close()
	_ = r.log.Sync()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
