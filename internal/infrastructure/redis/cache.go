// Package redis caches semantic match verdicts so repeated prescriptions get
// the same conflict decision without another model call.
package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxsafety/internal/domain/safety"
)

const keyPrefix = "rxsafety:match:"

type Config struct {
	Addr     string
	Password string
	DB       int
}

// NewClient connects to Redis and verifies the connection.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// Store is the byte-level cache the matcher sits on.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// ClientStore adapts a go-redis client to Store.
type ClientStore struct {
	client redis.UniversalClient
}

func NewClientStore(client redis.UniversalClient) *ClientStore {
	return &ClientStore{client: client}
}

func (s *ClientStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return b, true, nil
}

func (s *ClientStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// CachedMatcher serves verdicts from the store and falls through to the
// wrapped matcher on a miss. Only successful verdicts are cached. Cache
// errors degrade to a direct call.
type CachedMatcher struct {
	next   safety.SemanticMatcher
	store  Store
	ttl    time.Duration
	logger *zap.Logger
}

func NewCachedMatcher(next safety.SemanticMatcher, store Store, ttl time.Duration, logger *zap.Logger) *CachedMatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedMatcher{next: next, store: store, ttl: ttl, logger: logger}
}

var _ safety.SemanticMatcher = (*CachedMatcher)(nil)

func (m *CachedMatcher) Match(ctx context.Context, sideEffects, allergies string) (safety.MatchResult, error) {
	key := CacheKey(sideEffects, allergies)

	if b, ok, err := m.store.Get(ctx, key); err != nil {
		m.logger.Warn("Match cache read failed", zap.Error(err))
	} else if ok {
		var res safety.MatchResult
		if err := json.Unmarshal(b, &res); err == nil {
			return res, nil
		}
		m.logger.Warn("Discarding corrupt match cache entry", zap.String("key", key))
	}

	res, err := m.next.Match(ctx, sideEffects, allergies)
	if err != nil {
		return res, err
	}

	b, err := json.Marshal(res)
	if err == nil {
		err = m.store.Set(ctx, key, b, m.ttl)
	}
	if err != nil {
		m.logger.Warn("Match cache write failed", zap.Error(err))
	}
	return res, nil
}

// CacheKey hashes the normalized inputs. Allergy order and case do not
// change the key.
func CacheKey(sideEffects, allergies string) string {
	h := sha256.New()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(sideEffects))))
	h.Write([]byte{0})
	h.Write([]byte(normalizeList(allergies)))
	return keyPrefix + hex.EncodeToString(h.Sum(nil))
}

func normalizeList(s string) string {
	parts := strings.Split(strings.ToLower(s), ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}
