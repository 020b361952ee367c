package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rendis/hero/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakers_OpensAfterThreshold(t *testing.T) {
	b := NewBreakers(BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute})
	now := time.Now()
	b.now = func() time.Time { return now }

	_, err := b.Allow("mail")
	require.NoError(t, err)
	assert.Equal(t, CircuitClosed, b.Failure("mail"))
	assert.Equal(t, CircuitOpen, b.Failure("mail"))

	until, err := b.Allow("mail")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCircuitOpen))
	assert.True(t, until.Equal(now.Add(time.Minute)))

	_, err = b.Allow("other")
	assert.NoError(t, err, "circuits are per task")
}

func TestBreakers_HalfOpenProbe(t *testing.T) {
	b := NewBreakers(BreakerConfig{FailureThreshold: 1, Cooldown: time.Second})
	now := time.Now()
	b.now = func() time.Time { return now }

	b.Failure("sync")
	now = now.Add(2 * time.Second)

	_, err := b.Allow("sync")
	require.NoError(t, err)
	assert.Equal(t, CircuitHalfOpen, b.State("sync"))

	_, err = b.Allow("sync")
	assert.Error(t, err, "only one probe at a time")

	assert.Equal(t, CircuitOpen, b.Failure("sync"))

	now = now.Add(2 * time.Second)
	_, err = b.Allow("sync")
	require.NoError(t, err)
	b.Success("sync")
	assert.Equal(t, CircuitClosed, b.State("sync"))
	assert.Equal(t, "closed", b.Stats()["sync"]["state"])
}

func TestRunner_BreakerDefersJobs(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.Register(New("fragile", TaskSchema{
		Description: "always fails",
		Retry:       &RetryPolicy{MaxAttempts: 1},
	}, func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("smtp unreachable")
	})))

	r := NewRunner(f.enq, RunnerConfig{Breaker: &BreakerConfig{FailureThreshold: 1, Cooldown: time.Hour}}, nil)

	first, err := f.enq.Enqueue(context.Background(), "fragile", nil, "")
	require.NoError(t, err)
	r.Tick(context.Background())
	assert.Equal(t, schema.JobStatusFailed, jobByID(t, f.queue, first.ID).Status)
	assert.Equal(t, CircuitOpen, r.Breakers().State("fragile"))

	second, err := f.enq.Enqueue(context.Background(), "fragile", nil, "")
	require.NoError(t, err)
	r.Tick(context.Background())

	j := jobByID(t, f.queue, second.ID)
	assert.Equal(t, schema.JobStatusQueued, j.Status)
	assert.Contains(t, j.LastError, "circuit open")
	assert.True(t, j.RunAt.After(time.Now().Add(30*time.Minute)))
}

func TestRunner_NoBreakersByDefault(t *testing.T) {
	f := newFixture(t)
	assert.Nil(t, NewRunner(f.enq, RunnerConfig{}, nil).Breakers())
}
