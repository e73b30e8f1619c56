// Package bootstrap builds the scoring engine from configuration for the
// service binaries.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxsafety/internal/config"
	"github.com/drfirst/go-rxsafety/internal/domain/catalog"
	"github.com/drfirst/go-rxsafety/internal/domain/safety"
	"github.com/drfirst/go-rxsafety/internal/infrastructure/openai"
	"github.com/drfirst/go-rxsafety/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxsafety/internal/infrastructure/redis"
	"github.com/drfirst/go-rxsafety/internal/observability/metrics"
	"github.com/drfirst/go-rxsafety/pkg/circuitbreaker"
)

const matcherBreaker = "openai-matcher"

// Engine is a configured engine and the resources it holds.
type Engine struct {
	*safety.Engine
	Drugs    *catalog.Memory
	Breakers *circuitbreaker.Registry
	Redis    *goredis.Client
}

// Close releases the cache connection.
func (e *Engine) Close() {
	if e.Redis != nil {
		_ = e.Redis.Close()
	}
}

// LoadCatalog reads the catalog from the configured source. pool is only
// needed for the postgres source.
func LoadCatalog(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger *zap.Logger) (*catalog.Memory, error) {
	switch cfg.CatalogSource {
	case config.CatalogSourcePostgres:
		if pool == nil {
			return nil, fmt.Errorf("catalog source %q needs a database", cfg.CatalogSource)
		}
		return postgres.LoadCatalog(ctx, pool)
	default:
		records, stats, err := catalog.ReadFile(cfg.CatalogPath, cfg.CatalogEncoding, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("catalog loaded",
			zap.String("path", cfg.CatalogPath),
			zap.Int("rows", stats.Rows),
			zap.Int("loaded", stats.Loaded),
			zap.Int("incomplete", stats.Incomplete))
		return catalog.New(records), nil
	}
}

// NewEngine wires catalog, matcher, cache and breaker into an engine.
// Without an OpenAI key the allergy dimension never reports a conflict.
// m may be nil.
func NewEngine(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, m *metrics.Metrics, logger *zap.Logger) (*Engine, error) {
	cat, err := LoadCatalog(ctx, cfg, pool, logger)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	var listener circuitbreaker.StateListener
	if m != nil {
		m.CatalogDrugs.Set(float64(cat.Len()))
		listener = m.BreakerStateChanged
	}
	out := &Engine{
		Drugs:    cat,
		Breakers: circuitbreaker.NewRegistry(logger, listener),
	}

	var matcher safety.SemanticMatcher = safety.StaticMatcher{}
	if cfg.OpenAIAPIKey == "" {
		logger.Warn("OPENAI_API_KEY not set, allergy checks will not report conflicts")
	} else {
		breaker, err := out.Breakers.GetOrCreate(matcherBreaker, circuitbreaker.DefaultConfig(matcherBreaker))
		if err != nil {
			return nil, err
		}
		ai, err := openai.NewMatcher(openai.Config{
			APIKey:        cfg.OpenAIAPIKey,
			Model:         cfg.OpenAIModel,
			BaseURL:       cfg.OpenAIBaseURL,
			Timeout:       cfg.OpenAITimeout,
			RatePerSecond: cfg.OpenAIRatePerSecond,
			Burst:         cfg.OpenAIBurst,
		}, breaker, logger)
		if err != nil {
			return nil, err
		}
		matcher = ai

		if cfg.RedisAddr != "" {
			client, err := redis.NewClient(ctx, redis.Config{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			})
			if err != nil {
				return nil, err
			}
			out.Redis = client
			matcher = redis.NewCachedMatcher(ai, redis.NewClientStore(client), cfg.MatchCacheTTL, logger)
		}
	}

	opts := []safety.Option{
		safety.WithInteractionThreshold(cfg.InteractionThreshold),
		safety.WithAllergyConcurrency(cfg.AllergyConcurrency),
		safety.WithLogger(logger),
	}
	if m != nil {
		opts = append(opts, safety.WithFailureReporter(m.MatcherFailure))
	}
	out.Engine = safety.New(cat, matcher, opts...)
	return out, nil
}
