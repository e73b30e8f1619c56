package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecute_TripsAndRejects(t *testing.T) {
	var transitions []State
	cfg := DefaultConfig("matcher")
	cfg.ConsecutiveFailures = 2
	cfg.Timeout = time.Hour

	cb, err := New(cfg, nil, func(_ string, to State) { transitions = append(transitions, to) })
	require.NoError(t, err)

	boom := errors.New("boom")
	fail := func(context.Context) (int, error) { return 0, boom }

	_, err = Execute(context.Background(), cb, fail)
	assert.ErrorIs(t, err, boom)
	_, err = Execute(context.Background(), cb, fail)
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, []State{StateOpen}, transitions)

	called := false
	_, err = Execute(context.Background(), cb, func(context.Context) (int, error) {
		called = true
		return 1, nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestExecute_ReturnsValue(t *testing.T) {
	cb, err := New(DefaultConfig("ok"), nil, nil)
	require.NoError(t, err)

	got, err := Execute(context.Background(), cb, func(context.Context) (string, error) { return "yes", nil })
	require.NoError(t, err)
	assert.Equal(t, "yes", got)
	assert.Equal(t, uint32(1), cb.Counts().TotalSuccesses)
}

func TestExecute_CancellationDoesNotTrip(t *testing.T) {
	cfg := DefaultConfig("cancel")
	cfg.ConsecutiveFailures = 1
	cb, err := New(cfg, nil, nil)
	require.NoError(t, err)

	_, err = Execute(context.Background(), cb, func(context.Context) (int, error) { return 0, context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(nil, nil)
	a, err := r.GetOrCreate("b-matcher", DefaultConfig(""))
	require.NoError(t, err)
	again, err := r.GetOrCreate("b-matcher", DefaultConfig(""))
	require.NoError(t, err)
	assert.Same(t, a, again)
	assert.Equal(t, "b-matcher", a.Name())

	_, err = r.GetOrCreate("a-cache", DefaultConfig(""))
	require.NoError(t, err)

	health := r.Health()
	require.Len(t, health, 2)
	assert.Equal(t, "a-cache", health[0].Name)
	assert.True(t, health[1].Healthy)
}
