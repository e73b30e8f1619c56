package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxsafety/internal/infrastructure/postgres"
)

type fakeOutbox struct {
	deadLettered atomic.Int64
	cleaned      atomic.Int64
	retain       atomic.Int64
	statsErr     error
}

func (f *fakeOutbox) MoveToDeadLetter(context.Context) (int64, error) {
	f.deadLettered.Add(1)
	return 2, nil
}

func (f *fakeOutbox) CleanupProcessed(_ context.Context, olderThan time.Duration) (int64, error) {
	f.cleaned.Add(1)
	f.retain.Store(int64(olderThan))
	return 0, nil
}

func (f *fakeOutbox) Stats(context.Context) (*postgres.OutboxStats, error) {
	if f.statsErr != nil {
		return nil, f.statsErr
	}
	return &postgres.OutboxStats{Pending: 5, Failed: 1}, nil
}

type fakeInbox struct {
	cleaned   atomic.Int64
	recovered atomic.Int64
}

func (f *fakeInbox) Cleanup(context.Context) (int64, error) {
	f.cleaned.Add(1)
	return 0, nil
}

func (f *fakeInbox) RecoverStaleEntries(context.Context) (int64, error) {
	f.recovered.Add(1)
	return 1, nil
}

func testConfig() Config {
	return Config{
		DeadLetterEvery: time.Hour,
		CleanupEvery:    time.Hour,
		RetainProcessed: 48 * time.Hour,
		RecoverEvery:    time.Hour,
		StatsEvery:      time.Hour,
		JobTimeout:      time.Second,
	}
}

func TestScheduler_RunsJobsOnStart(t *testing.T) {
	outbox := &fakeOutbox{}
	inbox := &fakeInbox{}
	var pending atomic.Int64

	s := New(testConfig(), outbox, inbox, func(st *postgres.OutboxStats) { pending.Store(st.Pending) }, nil)
	require.NoError(t, s.Start())
	defer s.Stop()

	require.Eventually(t, func() bool {
		return outbox.deadLettered.Load() == 1 &&
			outbox.cleaned.Load() == 1 &&
			inbox.cleaned.Load() == 1 &&
			inbox.recovered.Load() == 1 &&
			pending.Load() == 5
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(48*time.Hour), outbox.retain.Load())
}

func TestScheduler_WithoutInboxAndDisabledJobs(t *testing.T) {
	outbox := &fakeOutbox{statsErr: errors.New("db down")}
	cfg := testConfig()
	cfg.CleanupEvery = 0

	s := New(cfg, outbox, nil, nil, nil)
	require.NoError(t, s.Start())
	defer s.Stop()

	assert.Len(t, s.scheduler.Jobs(), 2)
	require.Eventually(t, func() bool { return outbox.deadLettered.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, outbox.cleaned.Load())
}
