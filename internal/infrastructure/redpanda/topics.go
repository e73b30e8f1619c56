// Package redpanda carries scoring requests, results and assessment events
// over Redpanda (Kafka API) using franz-go.
package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

const (
	TopicScoreRequests    = "prescription.score.requests"
	TopicScoreResults     = "prescription.score.results"
	TopicAssessmentEvents = "assessment.events"
	TopicDeadLetter       = "dead.letter"
)

type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Configs           map[string]*string
}

// DefaultTopicConfigs lists the topics the services expect. Replication is
// 1 for local clusters; production overrides it.
func DefaultTopicConfigs(replication int16) []TopicConfig {
	ptr := func(s string) *string { return &s }
	if replication <= 0 {
		replication = 1
	}

	shortLived := map[string]*string{
		"retention.ms":     ptr("86400000"), // 1 day
		"cleanup.policy":   ptr("delete"),
		"compression.type": ptr("lz4"),
	}
	return []TopicConfig{
		{Name: TopicScoreRequests, Partitions: 12, ReplicationFactor: replication, Configs: shortLived},
		{Name: TopicScoreResults, Partitions: 12, ReplicationFactor: replication, Configs: shortLived},
		{
			Name:              TopicAssessmentEvents,
			Partitions:        6,
			ReplicationFactor: replication,
			Configs: map[string]*string{
				"retention.ms":     ptr("2592000000"), // 30 days of assessment history
				"cleanup.policy":   ptr("delete"),
				"compression.type": ptr("lz4"),
			},
		},
		{
			Name:              TopicDeadLetter,
			Partitions:        3,
			ReplicationFactor: replication,
			Configs: map[string]*string{
				"retention.ms":   ptr("604800000"), // 7 days
				"cleanup.policy": ptr("delete"),
			},
		},
	}
}

type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	kgoClient, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Admin{client: kadm.NewClient(kgoClient), logger: logger}, nil
}

// EnsureTopics creates missing topics. Existing topics are left unchanged.
// It returns the names that were created.
func (a *Admin) EnsureTopics(ctx context.Context, configs []TopicConfig) ([]string, error) {
	var created []string
	for _, cfg := range configs {
		resp, err := a.client.CreateTopics(ctx, cfg.Partitions, cfg.ReplicationFactor, cfg.Configs, cfg.Name)
		if err != nil {
			return created, fmt.Errorf("create topic %s: %w", cfg.Name, err)
		}
		for _, r := range resp {
			if errors.Is(r.Err, kerr.TopicAlreadyExists) {
				a.logger.Debug("Topic already exists", zap.String("topic", r.Topic))
				continue
			}
			if r.Err != nil {
				return created, fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
			}
			a.logger.Info("Topic created",
				zap.String("topic", r.Topic),
				zap.Int32("partitions", cfg.Partitions))
			created = append(created, r.Topic)
		}
	}
	return created, nil
}

// ListTopics returns topic names sorted.
func (a *Admin) ListTopics(ctx context.Context) ([]string, error) {
	topics, err := a.client.ListTopics(ctx)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	names := topics.Names()
	sort.Strings(names)
	return names, nil
}

// GroupLag returns the total lag of a consumer group per topic.
func (a *Admin) GroupLag(ctx context.Context, group string) (map[string]int64, error) {
	described, err := a.client.Lag(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("consumer group lag: %w", err)
	}
	out := make(map[string]int64)
	described.Each(func(l kadm.DescribedGroupLag) {
		for topic, partitions := range l.Lag {
			for _, lag := range partitions {
				out[topic] += lag.Lag
			}
		}
	})
	return out, nil
}

func (a *Admin) Close() {
	a.client.Close()
}

// HealthCheck verifies broker connectivity.
func HealthCheck(ctx context.Context, brokers []string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer client.Close()

	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("ping brokers: %w", err)
	}
	return nil
}
