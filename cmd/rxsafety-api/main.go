// Package main provides the scoring API service entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxsafety/internal/api"
	"github.com/drfirst/go-rxsafety/internal/api/handlers"
	"github.com/drfirst/go-rxsafety/internal/bootstrap"
	"github.com/drfirst/go-rxsafety/internal/config"
	"github.com/drfirst/go-rxsafety/internal/domain/assessment"
	"github.com/drfirst/go-rxsafety/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxsafety/internal/infrastructure/redpanda"
)

const serviceName = "rxsafety-api"

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

	pool := connect(ctx, cfg, logger)
	if pool != nil {
		defer pool.Close()
	}

	engine, err := bootstrap.NewEngine(ctx, cfg, pool, m, logger)
	if err != nil {
		logger.Fatal("failed to build scoring engine", zap.Error(err))
	}
	defer engine.Close()
	logger.Info("scoring engine ready", zap.Int("drugs", engine.Drugs.Len()))

	checks := map[string]handlers.Check{
		"catalog": func(context.Context) error {
			if engine.Drugs.Len() == 0 {
				return errors.New("catalog is empty")
			}
			return nil
		},
	}
	opts := api.Options{
		ServiceName:    serviceName,
		Version:        version,
		Scorer:         engine,
		Checks:         checks,
		Breakers:       engine.Breakers,
		Metrics:        m,
		APIKeys:        cfg.APIKeySet(),
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		MaxRequestBody: cfg.MaxRequestBody,
		Logger:         logger,
	}
	if pool != nil {
		repo := assessment.NewRepository(pool, redpanda.TopicAssessmentEvents, logger)
		opts.Assessments = assessment.NewService(engine, repo, logger)
		checks["postgres"] = pool.Ping
	}
	if engine.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return engine.Redis.Ping(ctx).Err() }
	}

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      api.NewRouter(opts),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting scoring API",
		zap.Int("port", cfg.Port),
		zap.Bool("assessments", opts.Assessments != nil),
		zap.Bool("auth", len(opts.APIKeys) > 0))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}
	logger.Info("server stopped")
}

// connect opens the database used for assessments. Without it the API
// serves stateless scoring only, unless the catalog itself lives there.
func connect(ctx context.Context, cfg *config.Config, logger *zap.Logger) *pgxpool.Pool {
	if cfg.DatabaseURL == "" {
		return nil
	}
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err == nil {
		err = postgres.Migrate(ctx, pool)
		if err != nil {
			pool.Close()
		}
	}
	if err != nil {
		if cfg.CatalogSource == config.CatalogSourcePostgres {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		logger.Warn("database unavailable, assessment routes disabled", zap.Error(err))
		return nil
	}
	logger.Info("connected to database")
	return pool
}
