// Package main is the stockledger background worker: it relays the outbox,
// expires idempotency keys and sweeps counters for drift.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"stockledger/internal/app"
	"stockledger/internal/config"
	"stockledger/internal/infrastructure/messaging"
	"stockledger/internal/infrastructure/storage/postgres"
	"stockledger/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Development: cfg.Development()})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithLogger(ctx, log.WithComponent("worker"))

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalw("failed to start", "error", err)
	}
	defer a.Close()

	pub, err := a.Publisher()
	if err != nil {
		log.Fatalw("failed to connect to broker", "broker", cfg.OutboxBroker, "error", err)
	}
	defer pub.Close()

	relay := postgres.NewOutboxRelay(a.TxManager, messaging.OutboxHandler(pub), postgres.RelayConfig{
		BatchSize:  cfg.OutboxBatchSize,
		MaxRetries: cfg.OutboxMaxRetries,
	})

	w := &Worker{
		relay:      relay,
		cleaner:    a.Cleaner,
		reconciler: a.Stock,
		cfg:        cfg,
	}
	log.Infow("worker started", "broker", cfg.OutboxBroker, "poll_interval", cfg.OutboxPollInterval)
	w.Run(ctx)
	log.Info("worker stopped")
}
