// Package main is the credit expiration sweeper, intended to run from cron
// or a scheduler. One invocation offsets every allocation whose expiry has
// passed and exits; the sweep is idempotent, so overlapping runs are safe.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"roomio/internal/billing"
	"roomio/internal/config"
	"roomio/internal/db"
)

// sweepTimeout bounds one sweep run.
const sweepTimeout = 5 * time.Minute

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger.Info("credit sweeper starting", "environment", cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting database: %w", err)
	}
	store := db.NewStore(pool)
	defer store.Close()

	credits := billing.NewCreditService(billing.CreditServiceConfig{
		Runner:        store,
		Reader:        store,
		PerGeneration: cfg.Credits.PerGeneration,
		FreeGrant:     cfg.Credits.FreeGrant,
		Logger:        logger,
	})

	expired, err := credits.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("running expiration sweep: %w", err)
	}

	logger.Info("credit sweeper finished", "entries_expired", expired)
	return nil
}
