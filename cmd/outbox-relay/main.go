// Package main provides the outbox relay service entry point.
// Publishes assessment events written by the API and runs the periodic
// outbox and inbox maintenance.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxsafety/internal/bootstrap"
	"github.com/drfirst/go-rxsafety/internal/config"
	"github.com/drfirst/go-rxsafety/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxsafety/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxsafety/internal/scheduler"
	"github.com/drfirst/go-rxsafety/pkg/idempotency"
)

const serviceName = "outbox-relay"

var version = "dev"

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := bootstrap.Tracing(ctx, cfg, serviceName, version)
	if err != nil {
		logger.Fatal("failed to initialize tracing", zap.Error(err))
	}
	defer shutdownTracing()

	m := bootstrap.NewMetrics()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}
	logger.Info("connected to database")

	producer, err := redpanda.NewProducer(redpanda.DefaultProducerConfig(cfg.Brokers()), logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.Brokers()))

	outboxCfg := postgres.DefaultOutboxConfig()
	outboxCfg.DeadLetterTopic = redpanda.TopicDeadLetter
	outbox := postgres.NewOutbox(pool, producer, outboxCfg, logger)
	inbox := idempotency.NewInbox(pool, idempotency.DefaultInboxConfig(), logger)

	jobs := scheduler.New(scheduler.DefaultConfig(), outbox, inbox, func(stats *postgres.OutboxStats) {
		m.OutboxPending.Set(float64(stats.Pending))
		m.OutboxFailed.Set(float64(stats.Failed))
	}, logger)
	if err := jobs.Start(); err != nil {
		logger.Fatal("scheduler start failed", zap.Error(err))
	}
	defer jobs.Stop()

	bootstrap.ServeAdmin(ctx, cfg.Port, serviceName, m, logger)

	if err := outbox.Run(ctx); err != nil {
		logger.Error("outbox relay failed", zap.Error(err))
	}
	logger.Info("outbox relay stopped", zap.Any("producer", producer.Stats()))
}
