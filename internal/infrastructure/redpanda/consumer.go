package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topics  []string
	// StartOffset is "earliest" or "latest".
	StartOffset    string
	SessionTimeout time.Duration
	MaxPollRecords int
	// MaxAttempts bounds handler retries before a record is given up on.
	MaxAttempts  int
	RetryBackoff time.Duration
}

func DefaultConsumerConfig(brokers []string) ConsumerConfig {
	return ConsumerConfig{
		Brokers:        brokers,
		GroupID:        "rxsafety-scoring-worker",
		Topics:         []string{TopicScoreRequests},
		StartOffset:    "earliest",
		SessionTimeout: 30 * time.Second,
		MaxPollRecords: 100,
		MaxAttempts:    3,
		RetryBackoff:   200 * time.Millisecond,
	}
}

type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Handler processes one message. Errors are retried up to MaxAttempts.
type Handler func(ctx context.Context, msg *Message) error

// GiveUpFunc receives records whose handler kept failing. A non-nil error
// leaves the record uncommitted so it is consumed again.
type GiveUpFunc func(ctx context.Context, msg *Message, err error) error

// Consumer polls a consumer group and commits each polled batch once every
// record in it has been handled or given up on. A partition with a record
// that was neither is rewound to that record and committed only below it.
type Consumer struct {
	client  *kgo.Client
	cfg     ConsumerConfig
	logger  *zap.Logger
	tracer  trace.Tracer
	handler Handler
	// dispatch runs the per-record work; by default records run inline.
	dispatch func(ctx context.Context, fn func(context.Context)) error
	giveUp   GiveUpFunc

	consumed atomic.Int64
	failed   atomic.Int64
}

type ConsumerOption func(*Consumer)

func WithGiveUp(fn GiveUpFunc) ConsumerOption {
	return func(c *Consumer) { c.giveUp = fn }
}

// WithDispatcher hands records to fn instead of handling them on the
// polling goroutine. fn must return only after the work was accepted.
func WithDispatcher(fn func(ctx context.Context, work func(context.Context)) error) ConsumerOption {
	return func(c *Consumer) { c.dispatch = fn }
}

func NewConsumer(cfg ConsumerConfig, handler Handler, logger *zap.Logger, opts ...ConsumerOption) (*Consumer, error) {
	if handler == nil {
		return nil, errors.New("message handler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("Partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			logger.Info("Partitions revoked", zap.Any("partitions", revoked))
		}),
	}
	if cfg.SessionTimeout > 0 {
		kopts = append(kopts, kgo.SessionTimeout(cfg.SessionTimeout))
	}
	switch cfg.StartOffset {
	case "latest":
		kopts = append(kopts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	default:
		kopts = append(kopts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	}

	client, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	c := &Consumer{
		client:  client,
		cfg:     cfg,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
		handler: handler,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dispatch == nil {
		c.dispatch = func(ctx context.Context, work func(context.Context)) error {
			work(ctx)
			return nil
		}
	}
	return c, nil
}

// Run polls until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.close()

	maxRecords := c.cfg.MaxPollRecords
	if maxRecords <= 0 {
		maxRecords = 100
	}

	for {
		fetches := c.client.PollRecords(ctx, maxRecords)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("Fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
		})

		commit, rewind := c.processBatch(ctx, fetches.Records())
		if ctx.Err() != nil {
			// Offsets of an interrupted batch stay uncommitted; the inbox
			// absorbs the redelivery.
			return nil
		}

		if len(rewind) > 0 {
			c.logger.Warn("Records left unsettled, rewinding for redelivery", zap.Any("offsets", rewind))
			c.client.SetOffsets(rewind)
		}
		if len(commit) == 0 {
			continue
		}
		if err := c.client.CommitRecords(ctx, commit...); err != nil {
			c.logger.Error("Commit failed", zap.Error(err))
		}
	}
}

// processBatch handles every record and splits the batch into records safe
// to commit and the partition offsets to consume again.
func (c *Consumer) processBatch(ctx context.Context, records []*kgo.Record) ([]*kgo.Record, map[string]map[int32]kgo.EpochOffset) {
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		unsettled []*kgo.Record
	)
	settle := func(ctx context.Context, record *kgo.Record) {
		if err := c.handle(ctx, record); err != nil {
			mu.Lock()
			unsettled = append(unsettled, record)
			mu.Unlock()
		}
	}
	for _, record := range records {
		wg.Add(1)
		err := c.dispatch(ctx, func(ctx context.Context) {
			defer wg.Done()
			settle(ctx, record)
		})
		if err != nil {
			wg.Done()
			c.logger.Warn("Dispatch rejected record, handling inline",
				zap.String("topic", record.Topic),
				zap.Int64("offset", record.Offset),
				zap.Error(err))
			settle(ctx, record)
		}
	}
	wg.Wait()
	return splitBatch(records, unsettled)
}

// splitBatch keeps, per partition, only the records below the lowest
// unsettled offset and reports that offset as the rewind point.
func splitBatch(records, unsettled []*kgo.Record) ([]*kgo.Record, map[string]map[int32]kgo.EpochOffset) {
	if len(unsettled) == 0 {
		return records, nil
	}

	rewind := make(map[string]map[int32]kgo.EpochOffset)
	for _, r := range unsettled {
		parts := rewind[r.Topic]
		if parts == nil {
			parts = make(map[int32]kgo.EpochOffset)
			rewind[r.Topic] = parts
		}
		if cur, ok := parts[r.Partition]; !ok || r.Offset < cur.Offset {
			parts[r.Partition] = kgo.EpochOffset{Epoch: r.LeaderEpoch, Offset: r.Offset}
		}
	}

	commit := make([]*kgo.Record, 0, len(records))
	for _, r := range records {
		if stop, ok := rewind[r.Topic][r.Partition]; ok && r.Offset >= stop.Offset {
			continue
		}
		commit = append(commit, r)
	}
	return commit, rewind
}

// handle returns nil once the record was processed or given up on.
func (c *Consumer) handle(ctx context.Context, record *kgo.Record) error {
	ctx = otel.GetTextMapPropagator().Extract(ctx, HeaderCarrier{record: record})
	ctx, span := c.tracer.Start(ctx, "redpanda.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.source", record.Topic),
			attribute.Int64("messaging.kafka.partition", int64(record.Partition)),
			attribute.Int64("messaging.kafka.offset", record.Offset),
		))
	defer span.End()

	msg := toMessage(record)
	err := retry(ctx, c.cfg.MaxAttempts, c.cfg.RetryBackoff, func() error {
		return c.handler(ctx, msg)
	})
	if err == nil {
		c.consumed.Add(1)
		return nil
	}

	c.failed.Add(1)
	span.RecordError(err)
	c.logger.Error("Message handler failed",
		zap.String("topic", record.Topic),
		zap.Int32("partition", record.Partition),
		zap.Int64("offset", record.Offset),
		zap.Error(err))
	if c.giveUp == nil || ctx.Err() != nil {
		return err
	}
	if gerr := c.giveUp(ctx, msg, err); gerr != nil {
		c.logger.Error("Give up failed, record stays uncommitted",
			zap.String("topic", record.Topic),
			zap.Int64("offset", record.Offset),
			zap.Error(gerr))
		return gerr
	}
	return nil
}

// retry runs fn until it succeeds, attempts are used up or ctx ends. The
// backoff doubles after each failure.
func retry(ctx context.Context, attempts int, backoff time.Duration, fn func() error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff << i):
		}
	}
	return err
}

func toMessage(record *kgo.Record) *Message {
	msg := &Message{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Headers:   make(map[string]string, len(record.Headers)),
		Timestamp: record.Timestamp,
	}
	for _, h := range record.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}
	return msg
}

type ConsumerStats struct {
	Consumed int64
	Failed   int64
}

func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{Consumed: c.consumed.Load(), Failed: c.failed.Load()}
}

func (c *Consumer) close() {
	c.client.Close()
}
