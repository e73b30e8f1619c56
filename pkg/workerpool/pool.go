// Package workerpool runs jobs on a fixed set of goroutines fed by a
// bounded queue.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var ErrStopped = errors.New("worker pool stopped")

// Job is one unit of work. The context is the pool's own and is cancelled
// when Stop gives up waiting.
type Job func(ctx context.Context)

type Config struct {
	Workers   int
	QueueSize int
	// ShutdownTimeout bounds how long Stop waits for queued jobs.
	ShutdownTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:         8,
		QueueSize:       256,
		ShutdownTimeout: 30 * time.Second,
	}
}

type Pool struct {
	cfg    Config
	logger *zap.Logger

	jobs chan Job
	wg   sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	stopped bool

	submitted atomic.Int64
	completed atomic.Int64
	panicked  atomic.Int64
	active    atomic.Int64
}

func New(cfg Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:    cfg,
		logger: logger,
		jobs:   make(chan Job, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (p *Pool) Start() {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("Worker pool started",
		zap.Int("workers", p.cfg.Workers),
		zap.Int("queue_size", p.cfg.QueueSize))
}

// Submit blocks until the job is queued, ctx ends or the pool stops.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}

	select {
	case p.jobs <- job:
		p.submitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrStopped
	}
}

// Dispatch adapts Submit to a caller that passes its own context to the
// job, such as the Redpanda consumer.
func (p *Pool) Dispatch(ctx context.Context, work func(context.Context)) error {
	return p.Submit(ctx, func(context.Context) { work(ctx) })
}

// Stop refuses new jobs and waits for queued ones to drain.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("Worker pool stopped")
		return nil
	case <-time.After(p.cfg.ShutdownTimeout):
		p.cancel()
		return fmt.Errorf("worker pool shutdown timed out after %s", p.cfg.ShutdownTimeout)
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		p.run(id, job)
	}
}

func (p *Pool) run(id int, job Job) {
	p.active.Add(1)
	defer p.active.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			p.logger.Error("Job panicked", zap.Int("worker_id", id), zap.Any("panic", r))
			return
		}
		p.completed.Add(1)
	}()
	job(p.ctx)
}

type Stats struct {
	Submitted     int64 `json:"submitted"`
	Completed     int64 `json:"completed"`
	Panicked      int64 `json:"panicked"`
	Active        int64 `json:"active"`
	QueueDepth    int   `json:"queue_depth"`
	QueueCapacity int   `json:"queue_capacity"`
	Workers       int   `json:"workers"`
}

func (p *Pool) Stats() Stats {
	return Stats{
		Submitted:     p.submitted.Load(),
		Completed:     p.completed.Load(),
		Panicked:      p.panicked.Load(),
		Active:        p.active.Load(),
		QueueDepth:    len(p.jobs),
		QueueCapacity: cap(p.jobs),
		Workers:       p.cfg.Workers,
	}
}

// IsHealthy reports whether the queue is below 90% full.
func (p *Pool) IsHealthy() bool {
	s := p.Stats()
	if s.QueueCapacity == 0 {
		return true
	}
	return float64(s.QueueDepth)/float64(s.QueueCapacity) < 0.9
}
