// Package openai implements the semantic allergy matcher on top of the
// OpenAI chat completions API.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/juju/ratelimit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxsafety/internal/domain/safety"
	"github.com/drfirst/go-rxsafety/pkg/circuitbreaker"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-3.5-turbo"
)

// ErrMalformedReply is returned when the model answers outside the
// expected object format.
var ErrMalformedReply = errors.New("malformed matcher reply")

type Config struct {
	APIKey        string
	Model         string
	BaseURL       string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int64
}

// Matcher asks a chat model whether side effects conflict with allergies.
type Matcher struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	bucket     *ratelimit.Bucket
	breaker    *circuitbreaker.CircuitBreaker
	logger     *zap.Logger
	tracer     trace.Tracer
}

// NewMatcher creates a matcher. breaker may be nil.
func NewMatcher(cfg Config, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) (*Matcher, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Matcher{
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    breaker,
		logger:     logger,
		tracer:     otel.Tracer("openai-matcher"),
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		m.bucket = ratelimit.NewBucketWithRate(cfg.RatePerSecond, burst)
	}
	return m, nil
}

var _ safety.SemanticMatcher = (*Matcher)(nil)

// Match implements safety.SemanticMatcher.
func (m *Matcher) Match(ctx context.Context, sideEffects, allergies string) (safety.MatchResult, error) {
	ctx, span := m.tracer.Start(ctx, "openai.Match",
		trace.WithAttributes(attribute.String("model", m.model)))
	defer span.End()

	if err := m.wait(ctx); err != nil {
		span.RecordError(err)
		return safety.MatchResult{}, err
	}

	var (
		res safety.MatchResult
		err error
	)
	if m.breaker != nil {
		res, err = circuitbreaker.Execute(ctx, m.breaker, func(ctx context.Context) (safety.MatchResult, error) {
			return m.complete(ctx, sideEffects, allergies)
		})
		if errors.Is(err, circuitbreaker.ErrOpen) {
			err = fmt.Errorf("%w: %w", safety.ErrMatcherUnavailable, err)
		}
	} else {
		res, err = m.complete(ctx, sideEffects, allergies)
	}
	if err != nil {
		span.RecordError(err)
		return safety.MatchResult{}, err
	}
	span.SetAttributes(attribute.Bool("conflict", res.Conflict))
	return res, nil
}

// wait blocks until the token bucket admits one call or ctx ends.
func (m *Matcher) wait(ctx context.Context) error {
	if m.bucket == nil {
		return nil
	}
	d := m.bucket.Take(1)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (m *Matcher) complete(ctx context.Context, sideEffects, allergies string) (safety.MatchResult, error) {
	body, err := json.Marshal(chatRequest{
		Model:    m.model,
		Messages: []chatMessage{{Role: "user", Content: BuildPrompt(sideEffects, allergies)}},
	})
	if err != nil {
		return safety.MatchResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return safety.MatchResult{}, err
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return safety.MatchResult{}, fmt.Errorf("%w: %w", safety.ErrMatcherUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return safety.MatchResult{}, fmt.Errorf("%w: openai status %d", safety.ErrMatcherUnavailable, resp.StatusCode)
	}

	var envelope chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return safety.MatchResult{}, fmt.Errorf("decode openai response: %w", err)
	}
	if len(envelope.Choices) == 0 {
		return safety.MatchResult{}, fmt.Errorf("%w: no choices", ErrMalformedReply)
	}

	res, err := ParseReply(envelope.Choices[0].Message.Content)
	if err != nil {
		return safety.MatchResult{}, err
	}
	m.logger.Debug("Allergy match completed",
		zap.Bool("conflict", res.Conflict),
		zap.Duration("duration", time.Since(start)),
	)
	return res, nil
}
