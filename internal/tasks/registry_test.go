package tasks

import (
	"context"
	"testing"
	"time"

	"github.com/rendis/hero/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTask("a", TaskSchema{Queue: "q"})))

	got, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "a", got.Name())
	assert.True(t, r.Has("a"))
	assert.False(t, r.Has("b"))

	_, err = r.Get("b")
	requireCode(t, err, schema.ErrCodeUnknownTask)
}

func TestRegistry_Duplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTask("a", TaskSchema{})))
	requireCode(t, r.Register(echoTask("a", TaskSchema{})), schema.ErrCodeConflict)

	require.NoError(t, r.Replace(echoTask("a", TaskSchema{Queue: "other"})))
	got, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "other", got.Schema().Queue)
}

func TestRegistry_Invalid(t *testing.T) {
	r := NewRegistry()

	requireCode(t, r.Register(nil), schema.ErrCodeValidation)
	requireCode(t, r.Register(New("nodesc", TaskSchema{}, func(context.Context, map[string]any) (any, error) {
		return nil, nil
	})), schema.ErrCodeValidation)
	requireCode(t, r.Register(New("norun", TaskSchema{Description: "d"}, nil)), schema.ErrCodeValidation)
	requireCode(t, r.Register(echoTask("badcron", TaskSchema{Cron: "every tuesday"})), schema.ErrCodeValidation)
	requireCode(t, r.Register(echoTask("neg", TaskSchema{Frequency: -time.Second})), schema.ErrCodeValidation)

	err := r.Register(New("", TaskSchema{}, nil))
	requireCode(t, err, schema.ErrCodeValidation)
	he, ok := schema.AsHeroError(err)
	require.True(t, ok)
	assert.Equal(t, 3, he.Details["error_count"])

	assert.Empty(t, r.List())
}

func TestRegistry_ListAndRecurrent(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTask("zeta", TaskSchema{Cron: "@daily"})))
	require.NoError(t, r.Register(echoTask("alpha", TaskSchema{Frequency: time.Minute})))
	require.NoError(t, r.Register(echoTask("mid", TaskSchema{Queue: "mail"})))

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "alpha", list[0].Name)
	assert.Equal(t, DefaultQueue, list[0].Queue)
	assert.Equal(t, "mail", list[1].Queue)
	assert.Equal(t, "@daily", list[2].Cron)

	assert.Equal(t, []string{"alpha", "zeta"}, r.Recurrent())
}

func TestSchedule(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	s, err := Schedule(TaskSchema{Frequency: 30 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, base.Add(30*time.Second), s.Next(base))

	s, err = Schedule(TaskSchema{Frequency: time.Hour, Cron: "@daily"})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), s.Next(base))

	_, err = Schedule(TaskSchema{})
	requireCode(t, err, schema.ErrCodeValidation)
}

func TestTaskSchema_QueueOr(t *testing.T) {
	assert.Equal(t, "x", TaskSchema{Queue: "q"}.QueueOr("x"))
	assert.Equal(t, "q", TaskSchema{Queue: "q"}.QueueOr(""))
	assert.Equal(t, DefaultQueue, TaskSchema{}.QueueOr(""))
	assert.True(t, TaskSchema{Cron: "@hourly"}.Recurrent())
	assert.False(t, TaskSchema{}.Recurrent())
}
