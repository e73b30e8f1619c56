// Package idempotency implements an inbox table so each scoring request is
// handled once even when the broker redelivers it.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

var (
	// ErrInProgress means another worker holds the key.
	ErrInProgress = errors.New("message in progress by another handler")
	errClaimLost  = errors.New("inbox claim lost")
)

type InboxEntry struct {
	Key       string
	Handler   string
	Status    Status
	Result    json.RawMessage
	UpdatedAt time.Time
}

type InboxConfig struct {
	// TTL bounds how long a key is remembered.
	TTL time.Duration
	// RecoveryTimeout after which a STARTED entry is presumed abandoned.
	RecoveryTimeout time.Duration
}

func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		TTL:             7 * 24 * time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

type Inbox struct {
	pool   *pgxpool.Pool
	config InboxConfig
	logger *zap.Logger
	tracer trace.Tracer
}

func NewInbox(pool *pgxpool.Pool, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inbox{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
	}
}

// permanentError marks a handler failure that must not be retried.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the inbox records the key as FAILED.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// ProcessResult describes how a key was handled.
type ProcessResult struct {
	// Duplicate is set when the stored outcome was returned without running the handler.
	Duplicate    bool
	WasRecovered bool
	// Failed is set when the stored outcome is a permanent failure.
	Failed bool
	Result json.RawMessage
}

// ProcessFunc returns the outcome to store. Permanent errors are stored
// together with failure, which the handler may use to record an error reply.
type ProcessFunc func(ctx context.Context) (json.RawMessage, error)

// Process runs fn at most once per key. Recoverable errors leave the key
// open for redelivery; permanent errors and successes are remembered.
func (i *Inbox) Process(ctx context.Context, key, handler string, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox.process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handler),
		))
	defer span.End()

	entry, err := i.get(ctx, key)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("check inbox: %w", err)
	}

	recovered := false
	if entry != nil {
		switch entry.Status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("duplicate", true))
			return &ProcessResult{Duplicate: true, Result: entry.Result}, nil
		case StatusFailed:
			span.SetAttributes(attribute.Bool("duplicate", true))
			return &ProcessResult{Duplicate: true, Failed: true, Result: entry.Result}, nil
		case StatusStarted:
			if time.Since(entry.UpdatedAt) <= i.config.RecoveryTimeout {
				return nil, ErrInProgress
			}
			if err := i.setStatus(ctx, key, StatusRecoverable, nil); err != nil {
				return nil, fmt.Errorf("mark recoverable: %w", err)
			}
			recovered = true
		case StatusRecoverable:
			recovered = true
		}
	}

	if err := i.claim(ctx, key, handler); err != nil {
		if errors.Is(err, errClaimLost) {
			return nil, ErrInProgress
		}
		return nil, fmt.Errorf("claim inbox key: %w", err)
	}

	result, handlerErr := fn(ctx)
	if handlerErr != nil {
		span.RecordError(handlerErr)
		if IsPermanent(handlerErr) {
			if err := i.setStatus(ctx, key, StatusFailed, failureResult(result, handlerErr)); err != nil {
				i.logger.Error("Failed to record permanent failure", zap.String("key", key), zap.Error(err))
			}
			return &ProcessResult{WasRecovered: recovered, Failed: true, Result: result}, handlerErr
		}
		if err := i.setStatus(ctx, key, StatusRecoverable, nil); err != nil {
			i.logger.Error("Failed to release inbox key", zap.String("key", key), zap.Error(err))
		}
		return nil, handlerErr
	}

	if err := i.setStatus(ctx, key, StatusFinished, result); err != nil {
		// The handler already ran; a redelivery will run it again.
		i.logger.Error("Failed to mark inbox key finished", zap.String("key", key), zap.Error(err))
	}
	return &ProcessResult{WasRecovered: recovered, Result: result}, nil
}

func failureResult(result json.RawMessage, err error) json.RawMessage {
	if len(result) > 0 {
		return result
	}
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return b
}

// GenerateKey hashes the parts into a stable key.
func GenerateKey(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

func (i *Inbox) get(ctx context.Context, key string) (*InboxEntry, error) {
	e := &InboxEntry{}
	err := i.pool.QueryRow(ctx, `
		SELECT idempotency_key, handler_name, status, result, updated_at
		FROM inbox
		WHERE idempotency_key = $1`, key,
	).Scan(&e.Key, &e.Handler, &e.Status, &e.Result, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// claim inserts the key as STARTED, or takes over a RECOVERABLE one.
func (i *Inbox) claim(ctx context.Context, key, handler string) error {
	var returned string
	err := i.pool.QueryRow(ctx, `
		INSERT INTO inbox (idempotency_key, handler_name, status, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = EXCLUDED.status, updated_at = NOW()
		WHERE inbox.status = 'RECOVERABLE'
		RETURNING idempotency_key`,
		key, handler, StatusStarted, time.Now().Add(i.config.TTL),
	).Scan(&returned)
	if errors.Is(err, pgx.ErrNoRows) {
		return errClaimLost
	}
	return err
}

func (i *Inbox) setStatus(ctx context.Context, key string, status Status, result json.RawMessage) error {
	_, err := i.pool.Exec(ctx, `
		UPDATE inbox SET status = $1, result = $2, updated_at = NOW()
		WHERE idempotency_key = $3`,
		status, result, key)
	return err
}

// Cleanup deletes expired keys.
func (i *Inbox) Cleanup(ctx context.Context) (int64, error) {
	tag, err := i.pool.Exec(ctx, `DELETE FROM inbox WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("inbox cleanup: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RecoverStaleEntries releases STARTED keys whose worker presumably died.
func (i *Inbox) RecoverStaleEntries(ctx context.Context) (int64, error) {
	tag, err := i.pool.Exec(ctx, `
		UPDATE inbox
		SET status = 'RECOVERABLE', updated_at = NOW()
		WHERE status = 'STARTED'
		  AND updated_at < NOW() - make_interval(secs => $1)`,
		i.config.RecoveryTimeout.Seconds())
	if err != nil {
		return 0, fmt.Errorf("recover stale inbox entries: %w", err)
	}
	return tag.RowsAffected(), nil
}
