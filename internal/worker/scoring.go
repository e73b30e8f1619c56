// Package worker handles scoring requests that arrive over Redpanda.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxsafety/internal/domain/safety"
	"github.com/drfirst/go-rxsafety/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxsafety/internal/observability/metrics"
	"github.com/drfirst/go-rxsafety/pkg/idempotency"
)

const inboxHandler = "score-request"

// Request is the payload on the score requests topic.
type Request struct {
	RequestID    string                   `json:"request_id"`
	Prescription safety.PrescriptionInput `json:"prescription"`
}

// Reply is the payload on the score results topic. Exactly one of Result
// and Error is set.
type Reply struct {
	RequestID string             `json:"request_id"`
	Result    *safety.FlagVector `json:"result,omitempty"`
	Error     string             `json:"error,omitempty"`
}

type Scorer interface {
	Score(ctx context.Context, in safety.PrescriptionInput) (*safety.FlagVector, error)
}

// Inbox is implemented by *idempotency.Inbox.
type Inbox interface {
	Process(ctx context.Context, key, handler string, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// ScoringHandler scores each request once and publishes the reply.
type ScoringHandler struct {
	scorer    Scorer
	inbox     Inbox
	publisher Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewScoringHandler creates the handler. m may be nil.
func NewScoringHandler(scorer Scorer, inbox Inbox, publisher Publisher, m *metrics.Metrics, logger *zap.Logger) *ScoringHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScoringHandler{scorer: scorer, inbox: inbox, publisher: publisher, metrics: m, logger: logger}
}

// Handle has the shape of redpanda.Handler. A returned error makes the
// consumer retry the message.
func (h *ScoringHandler) Handle(ctx context.Context, msg *redpanda.Message) error {
	var req Request
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		h.logger.Warn("Dropping malformed score request",
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		h.count(msg.Topic, "malformed")
		return h.publisher.Publish(ctx, redpanda.TopicDeadLetter, string(msg.Key),
			deadLetterPayload(msg, err))
	}

	key, err := RequestKey(req)
	if err != nil {
		return err
	}

	res, err := h.inbox.Process(ctx, key, inboxHandler, func(ctx context.Context) (json.RawMessage, error) {
		return h.score(ctx, req)
	})
	outcome := "ok"
	switch {
	case err == nil && res.Duplicate:
		// The earlier delivery may have failed to publish, so send again.
		outcome = "duplicate"
	case err == nil:
	case idempotency.IsPermanent(err):
		outcome = "invalid"
	default:
		return err
	}

	if err := h.publisher.Publish(ctx, redpanda.TopicScoreResults, req.RequestID, res.Result); err != nil {
		return fmt.Errorf("publish reply: %w", err)
	}
	if h.metrics != nil {
		h.metrics.MessagesProduced.WithLabelValues(redpanda.TopicScoreResults).Inc()
	}
	h.count(msg.Topic, outcome)
	h.logger.Debug("Score request handled",
		zap.String("request_id", req.RequestID),
		zap.String("outcome", outcome))
	return nil
}

func (h *ScoringHandler) score(ctx context.Context, req Request) (json.RawMessage, error) {
	start := time.Now()
	result, err := h.scorer.Score(ctx, req.Prescription)
	if h.metrics != nil {
		h.metrics.ObserveScore(result, time.Since(start), err)
	}
	if err != nil {
		if errors.Is(err, safety.ErrInvalidPrescription) {
			reply, merr := json.Marshal(Reply{RequestID: req.RequestID, Error: err.Error()})
			if merr != nil {
				return nil, merr
			}
			return reply, idempotency.Permanent(err)
		}
		return nil, err
	}
	return json.Marshal(Reply{RequestID: req.RequestID, Result: result})
}

// GiveUp has the shape of redpanda.GiveUpFunc: it parks the message on the
// dead letter topic. A publish failure is returned so the request is
// consumed again instead of being committed.
func (h *ScoringHandler) GiveUp(ctx context.Context, msg *redpanda.Message, cause error) error {
	if err := h.publisher.Publish(ctx, redpanda.TopicDeadLetter, string(msg.Key), deadLetterPayload(msg, cause)); err != nil {
		h.count(msg.Topic, "dead_letter_failed")
		return fmt.Errorf("dead-letter offset %d: %w", msg.Offset, err)
	}
	h.count(msg.Topic, "dead_letter")
	return nil
}

func (h *ScoringHandler) count(topic, outcome string) {
	if h.metrics != nil {
		h.metrics.MessagesConsumed.WithLabelValues(topic, outcome).Inc()
	}
}

// RequestKey is the inbox key of a request: its id, or a hash of the
// prescription when the producer sent none.
func RequestKey(req Request) (string, error) {
	if req.RequestID != "" {
		return req.RequestID, nil
	}
	b, err := json.Marshal(req.Prescription)
	if err != nil {
		return "", err
	}
	return idempotency.GenerateKey(inboxHandler, string(b)), nil
}

type deadLetter struct {
	Topic     string          `json:"topic"`
	Partition int32           `json:"partition"`
	Offset    int64           `json:"offset"`
	Error     string          `json:"error"`
	Value     json.RawMessage `json:"value,omitempty"`
	Raw       string          `json:"raw,omitempty"`
}

func deadLetterPayload(msg *redpanda.Message, cause error) []byte {
	dl := deadLetter{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Error:     cause.Error(),
	}
	if json.Valid(msg.Value) {
		dl.Value = msg.Value
	} else {
		dl.Raw = string(msg.Value)
	}
	b, _ := json.Marshal(dl)
	return b
}
