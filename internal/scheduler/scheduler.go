// Package scheduler runs periodic maintenance for the outbox relay: dead
// lettering, cleanup, inbox recovery and backlog gauges.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxsafety/internal/infrastructure/postgres"
)

// OutboxMaintainer is satisfied by *postgres.Outbox.
type OutboxMaintainer interface {
	MoveToDeadLetter(ctx context.Context) (int64, error)
	CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error)
	Stats(ctx context.Context) (*postgres.OutboxStats, error)
}

// InboxMaintainer is satisfied by *idempotency.Inbox.
type InboxMaintainer interface {
	Cleanup(ctx context.Context) (int64, error)
	RecoverStaleEntries(ctx context.Context) (int64, error)
}

// StatsSink receives the outbox backlog after each stats run.
type StatsSink func(stats *postgres.OutboxStats)

type Config struct {
	DeadLetterEvery time.Duration
	CleanupEvery    time.Duration
	RetainProcessed time.Duration
	RecoverEvery    time.Duration
	StatsEvery      time.Duration
	// JobTimeout bounds a single job run.
	JobTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		DeadLetterEvery: time.Minute,
		CleanupEvery:    time.Hour,
		RetainProcessed: 7 * 24 * time.Hour,
		RecoverEvery:    time.Minute,
		StatsEvery:      15 * time.Second,
		JobTimeout:      30 * time.Second,
	}
}

type job struct {
	name  string
	every time.Duration
	run   func(ctx context.Context) error
}

type Scheduler struct {
	cfg       Config
	outbox    OutboxMaintainer
	inbox     InboxMaintainer
	sink      StatsSink
	logger    *zap.Logger
	scheduler *gocron.Scheduler
}

// New builds a scheduler. inbox and sink may be nil.
func New(cfg Config, outbox OutboxMaintainer, inbox InboxMaintainer, sink StatsSink, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	return &Scheduler{
		cfg:       cfg,
		outbox:    outbox,
		inbox:     inbox,
		sink:      sink,
		logger:    logger,
		scheduler: s,
	}
}

// Start registers the jobs and runs them in the background. Every job also
// runs once immediately.
func (s *Scheduler) Start() error {
	jobs := []job{
		{"outbox-dead-letter", s.cfg.DeadLetterEvery, s.deadLetter},
		{"outbox-cleanup", s.cfg.CleanupEvery, s.cleanupOutbox},
		{"outbox-stats", s.cfg.StatsEvery, s.stats},
	}
	if s.inbox != nil {
		jobs = append(jobs,
			job{"inbox-recover", s.cfg.RecoverEvery, s.recoverInbox},
			job{"inbox-cleanup", s.cfg.CleanupEvery, s.cleanupInbox},
		)
	}

	for _, j := range jobs {
		if j.every <= 0 {
			s.logger.Info("Job disabled", zap.String("job", j.name))
			continue
		}
		_, err := s.scheduler.Every(j.every).Tag(j.name).Do(s.runJob, j.name, j.run)
		if err != nil {
			return fmt.Errorf("schedule %s: %w", j.name, err)
		}
	}

	s.scheduler.StartAsync()
	s.logger.Info("Scheduler started", zap.Int("jobs", len(s.scheduler.Jobs())))
	return nil
}

func (s *Scheduler) Stop() {
	s.scheduler.Stop()
}

func (s *Scheduler) runJob(name string, run func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.jobTimeout())
	defer cancel()

	start := time.Now()
	if err := run(ctx); err != nil {
		s.logger.Error("Scheduled job failed", zap.String("job", name), zap.Error(err))
		return
	}
	s.logger.Debug("Scheduled job done", zap.String("job", name), zap.Duration("took", time.Since(start)))
}

func (s *Scheduler) jobTimeout() time.Duration {
	if s.cfg.JobTimeout > 0 {
		return s.cfg.JobTimeout
	}
	return DefaultConfig().JobTimeout
}

func (s *Scheduler) deadLetter(ctx context.Context) error {
	n, err := s.outbox.MoveToDeadLetter(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Warn("Outbox entries dead-lettered", zap.Int64("count", n))
	}
	return nil
}

func (s *Scheduler) cleanupOutbox(ctx context.Context) error {
	n, err := s.outbox.CleanupProcessed(ctx, s.cfg.RetainProcessed)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("Processed outbox entries removed", zap.Int64("count", n))
	}
	return nil
}

func (s *Scheduler) stats(ctx context.Context) error {
	stats, err := s.outbox.Stats(ctx)
	if err != nil {
		return err
	}
	if s.sink != nil {
		s.sink(stats)
	}
	return nil
}

func (s *Scheduler) recoverInbox(ctx context.Context) error {
	n, err := s.inbox.RecoverStaleEntries(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Warn("Stale inbox entries released", zap.Int64("count", n))
	}
	return nil
}

func (s *Scheduler) cleanupInbox(ctx context.Context) error {
	n, err := s.inbox.Cleanup(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("Expired inbox entries removed", zap.Int64("count", n))
	}
	return nil
}
