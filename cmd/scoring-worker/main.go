// Package main provides the scoring worker entry point.
// Consumes score requests from Redpanda and publishes flag vectors.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxsafety/internal/bootstrap"
	"github.com/drfirst/go-rxsafety/internal/config"
	"github.com/drfirst/go-rxsafety/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxsafety/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxsafety/internal/worker"
	"github.com/drfirst/go-rxsafety/pkg/idempotency"
	"github.com/drfirst/go-rxsafety/pkg/workerpool"
)

const serviceName = "scoring-worker"

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

	// The inbox lives in Postgres, so the worker always needs the database.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	engine, err := bootstrap.NewEngine(ctx, cfg, pool, m, logger)
	if err != nil {
		logger.Fatal("failed to build scoring engine", zap.Error(err))
	}
	defer engine.Close()

	producer, err := redpanda.NewProducer(redpanda.DefaultProducerConfig(cfg.Brokers()), logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	inbox := idempotency.NewInbox(pool, idempotency.DefaultInboxConfig(), logger)
	handler := worker.NewScoringHandler(engine, inbox, producer, m, logger)

	workers := workerpool.New(workerpool.DefaultConfig(), logger)
	workers.Start()

	consumer, err := redpanda.NewConsumer(redpanda.DefaultConsumerConfig(cfg.Brokers()), handler.Handle, logger,
		redpanda.WithDispatcher(workers.Dispatch),
		redpanda.WithGiveUp(handler.GiveUp))
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}

	bootstrap.ServeAdmin(ctx, cfg.Port, serviceName, m, logger)
	go reportQueueDepth(ctx, workers, logger, func(depth int) { m.WorkerQueueDepth.Set(float64(depth)) })

	logger.Info("scoring worker started",
		zap.Strings("brokers", cfg.Brokers()),
		zap.Int("drugs", engine.Drugs.Len()))
	if err := consumer.Run(ctx); err != nil {
		logger.Error("consumer stopped", zap.Error(err))
	}

	logger.Info("shutting down")
	if err := workers.Stop(); err != nil {
		logger.Warn("worker pool did not drain", zap.Error(err))
	}
	logger.Info("scoring worker stopped",
		zap.Any("consumer", consumer.Stats()),
		zap.Any("producer", producer.Stats()),
		zap.Any("pool", workers.Stats()))
}

func reportQueueDepth(ctx context.Context, workers *workerpool.Pool, logger *zap.Logger, set func(int)) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := workers.Stats()
			set(stats.QueueDepth)
			if !workers.IsHealthy() {
				logger.Warn("worker queue nearly full",
					zap.Int("depth", stats.QueueDepth),
					zap.Int("capacity", stats.QueueCapacity))
			}
		}
	}
}
