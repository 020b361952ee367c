package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hero/pkg/schema"
)

func TestEvents_Lifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := seedJob(t, s, "t", "default", time.Now().Add(-time.Second), false)
	_, err := s.Claim(ctx, nil, time.Now(), 1)
	require.NoError(t, err)
	require.NoError(t, s.Fail(ctx, j.ID, "flaky", time.Now().Add(-time.Millisecond)))
	_, err = s.Claim(ctx, nil, time.Now(), 1)
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, j.ID))

	events, err := s.GetEvents(ctx, j.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 5)

	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.Type
		assert.Equal(t, int64(i+1), e.Sequence)
	}
	assert.Equal(t, []string{
		EventJobEnqueued, EventJobClaimed, EventJobRetrying, EventJobClaimed, EventJobCompleted,
	}, types)
	assert.Equal(t, "flaky", events[2].Message)
	assert.Equal(t, 2, events[4].Attempt)

	since, err := s.GetEvents(ctx, j.ID, 3)
	require.NoError(t, err)
	assert.Len(t, since, 2)
}

func TestReplay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := seedJob(t, s, "t", "default", time.Now().Add(-time.Second), false)
	_, err := s.Claim(ctx, nil, time.Now(), 1)
	require.NoError(t, err)
	require.NoError(t, s.Fail(ctx, j.ID, "flaky", time.Now().Add(-time.Millisecond)))
	_, err = s.Claim(ctx, nil, time.Now(), 1)
	require.NoError(t, err)
	require.NoError(t, s.Fail(ctx, j.ID, "dead", time.Time{}))

	h, err := s.Replay(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.JobStatusFailed, h.Status)
	assert.Equal(t, 2, h.Attempts)
	assert.Equal(t, 1, h.Retries)
	assert.Equal(t, "dead", h.LastError)
	require.NotNil(t, h.StartedAt)
	require.NotNil(t, h.CompletedAt)
	assert.False(t, h.EnqueuedAt.IsZero())
}

func TestReplay_Empty(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Replay(context.Background(), "nope")
	requireCode(t, err, schema.ErrCodeNotFound)
}

func TestReplay_SequenceGap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := seedJob(t, s, "t", "default", time.Now().Add(-time.Second), false)
	_, err := s.Claim(ctx, nil, time.Now(), 1)
	require.NoError(t, err)

	_, err = s.DB().ExecContext(ctx, `DELETE FROM job_events WHERE job_id = ? AND sequence = 1`, j.ID)
	require.NoError(t, err)

	_, err = s.Replay(ctx, j.ID)
	requireCode(t, err, schema.ErrCodeStore)
}

func TestEvents_DeleteRecurrentIsLogged(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := seedJob(t, s, "tick", "default", time.Now().Add(time.Hour), true)
	n, err := s.DeleteRecurrent(ctx, "tick")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	events, err := s.GetEvents(ctx, j.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventJobDeleted, events[1].Type)

	h, err := s.Replay(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.JobStatusQueued, h.Status)
}
