package tasks

import (
	"context"
	"testing"
	"time"

	"github.com/rendis/hero/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJob(id, task, queue string, runAt time.Time, recurrent bool) *schema.Job {
	return &schema.Job{ID: id, Task: task, Queue: queue, RunAt: runAt, Recurrent: recurrent}
}

func TestMemoryQueue_PushClaimComplete(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	now := time.Now()

	require.NoError(t, q.Push(ctx, newJob("b", "t", "default", now.Add(-time.Second), false)))
	require.NoError(t, q.Push(ctx, newJob("a", "t", "default", now.Add(-time.Minute), false)))
	require.NoError(t, q.Push(ctx, newJob("c", "t", "default", now.Add(time.Hour), false)))
	requireCode(t, q.Push(ctx, newJob("a", "t", "default", now, false)), schema.ErrCodeConflict)

	n, err := q.Len(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	claimed, err := q.Claim(ctx, nil, now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "a", claimed[0].ID)
	assert.Equal(t, "b", claimed[1].ID)
	assert.Equal(t, schema.JobStatusRunning, claimed[0].Status)
	assert.Equal(t, 1, claimed[0].Attempts)

	n, err = q.Len(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, q.Complete(ctx, "a"))
	requireCode(t, q.Complete(ctx, "zzz"), schema.ErrCodeNotFound)

	jobs, err := q.Jobs(ctx, "")
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, schema.JobStatusCompleted, jobs[0].Status)
}

func TestMemoryQueue_ClaimLimitAndQueues(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	past := time.Now().Add(-time.Minute)

	require.NoError(t, q.Push(ctx, newJob("1", "t", "mail", past, false)))
	require.NoError(t, q.Push(ctx, newJob("2", "t", "mail", past.Add(time.Second), false)))
	require.NoError(t, q.Push(ctx, newJob("3", "t", "reports", past, false)))

	claimed, err := q.Claim(ctx, []string{"mail"}, time.Now(), 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "1", claimed[0].ID)

	claimed, err = q.Claim(ctx, nil, time.Now(), 0)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	n, err := q.Len(ctx, "mail")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryQueue_Fail(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	require.NoError(t, q.Push(ctx, newJob("1", "t", "default", time.Now().Add(-time.Second), false)))
	_, err := q.Claim(ctx, nil, time.Now(), 1)
	require.NoError(t, err)

	retryAt := time.Now().Add(time.Minute)
	require.NoError(t, q.Fail(ctx, "1", "boom", retryAt))
	jobs, err := q.Jobs(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, schema.JobStatusQueued, jobs[0].Status)
	assert.Equal(t, "boom", jobs[0].LastError)
	assert.True(t, jobs[0].RunAt.Equal(retryAt))

	require.NoError(t, q.Fail(ctx, "1", "final", time.Time{}))
	jobs, err = q.Jobs(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, schema.JobStatusFailed, jobs[0].Status)

	requireCode(t, q.Fail(ctx, "missing", "x", time.Time{}), schema.ErrCodeNotFound)
}

func TestMemoryQueue_Recurrent(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	past := time.Now().Add(-time.Second)

	has, err := q.HasRecurrent(ctx, "tick")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, q.Push(ctx, newJob("1", "tick", "default", past, true)))
	requireCode(t, q.Push(ctx, newJob("2", "tick", "default", past, true)), schema.ErrCodeConflict)

	// A running instance still blocks a second one.
	_, err = q.Claim(ctx, nil, time.Now(), 1)
	require.NoError(t, err)
	has, err = q.HasRecurrent(ctx, "tick")
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, q.Complete(ctx, "1"))
	require.NoError(t, q.Push(ctx, newJob("2", "tick", "default", time.Now().Add(time.Hour), true)))

	n, err := q.DeleteRecurrent(ctx, "tick")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	has, err = q.HasRecurrent(ctx, "tick")
	require.NoError(t, err)
	assert.False(t, has)
}
