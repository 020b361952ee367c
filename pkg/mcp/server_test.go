package mcp

import (
	"context"
	"testing"

	"github.com/rendis/hero/internal/actions"
	"github.com/rendis/hero/internal/dispatch"
	"github.com/rendis/hero/internal/expressions"
	"github.com/rendis/hero/internal/middleware"
	"github.com/rendis/hero/internal/response"
	"github.com/rendis/hero/internal/tasks"
	"github.com/rendis/hero/internal/validation"
	"github.com/rendis/hero/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testDeps struct {
	actions  *actions.Registry
	tasks    *tasks.Registry
	queue    *tasks.MemoryQueue
	enqueuer *tasks.Enqueuer
	deps     HeroServerDeps
}

func newTestDeps(t *testing.T) *testDeps {
	t.Helper()
	celEngine, err := expressions.NewCELEngine()
	require.NoError(t, err)
	v, err := validation.NewParamValidator(validation.DefaultConfig(), celEngine, expressions.NewExprEngine())
	require.NoError(t, err)

	reg := actions.NewRegistry(v)
	require.NoError(t, reg.Register(actions.New("randomNumber", actions.ActionSchema{
		Description: "I am an API method which will generate a random number",
	}, func(_ context.Context, conn *schema.Connection) error {
		conn.Response["randomNumber"] = 0.42
		return nil
	})))

	chain := middleware.NewChain()
	builder := response.NewBuilder(response.Config{ServerName: "hero-test", APIVersion: "1"}, nil)
	d := dispatch.New(reg, chain, v, builder)

	td := &testDeps{
		actions: reg,
		tasks:   tasks.NewRegistry(),
		queue:   tasks.NewMemoryQueue(),
	}
	td.enqueuer = tasks.NewEnqueuer(td.tasks, chain, td.queue, d.Reporter(), nil)
	td.deps = HeroServerDeps{Dispatcher: d, Actions: reg, Enqueuer: td.enqueuer}
	return td
}

func TestNewHeroServer(t *testing.T) {
	s := NewHeroServer(HeroServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.Notifier())

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 1, "only hero.actions without an enqueuer")
	assert.NotNil(t, s.mcpServer.GetTool(ToolActions))
}

func TestToolRegistration(t *testing.T) {
	td := newTestDeps(t)
	s := NewHeroServer(td.deps)

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 5)

	for _, name := range []string{ToolActions, ToolEnqueue, ToolJobs, ToolTasks, "randomNumber"} {
		assert.NotNil(t, s.mcpServer.GetTool(name), "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name        string
		toolName    string
		description string
	}{
		{"actions", ToolActions, "List registered actions with every version and their inputs"},
		{"enqueue", ToolEnqueue, "Queue a background task; a notification is sent to this session when the job finishes"},
		{"jobs", ToolJobs, "List jobs in the task queue"},
		{"tasks", ToolTasks, "List registered tasks"},
		{"action", "randomNumber", "I am an API method which will generate a random number"},
	}

	s := NewHeroServer(newTestDeps(t).deps)

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}

func TestSyncActions(t *testing.T) {
	td := newTestDeps(t)
	s := NewHeroServer(td.deps)

	noop := func(context.Context, *schema.Connection) error { return nil }
	require.NoError(t, td.actions.Register(actions.New("status", actions.ActionSchema{Description: "health"}, noop)))
	require.NoError(t, td.actions.Register(actions.New(ToolJobs, actions.ActionSchema{Description: "shadowed"}, noop)))
	s.SyncActions()

	assert.NotNil(t, s.mcpServer.GetTool("status"))
	assert.Equal(t, "List jobs in the task queue", s.mcpServer.GetTool(ToolJobs).Tool.Description)

	require.NoError(t, td.actions.Unregister("randomNumber", 1))
	s.SyncActions()
	assert.Nil(t, s.mcpServer.GetTool("randomNumber"))
	assert.NotNil(t, s.mcpServer.GetTool("status"))
	assert.Len(t, s.mcpServer.ListTools(), 5)
}

func TestLatestActions(t *testing.T) {
	got := latestActions([]actions.ActionInfo{
		{Name: "a", Version: 1},
		{Name: "a", Version: 3},
		{Name: "b", Version: 1},
	})
	require.Len(t, got, 2)
	assert.Equal(t, 3, got["a"].Version)
	assert.Equal(t, 1, got["b"].Version)
}
