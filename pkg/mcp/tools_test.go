package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rendis/hero/internal/actions"
	"github.com/rendis/hero/internal/tasks"
	"github.com/rendis/hero/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Helper ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func callTool(t *testing.T, s *HeroServer, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	tool := s.mcpServer.GetTool(name)
	require.NotNil(t, tool, "tool %s", name)
	result, err := tool.Handler(context.Background(), buildRequest(name, args))
	require.NoError(t, err)
	require.NotNil(t, result)
	return result
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}

// --- Tests ---

func TestActionTool_Dispatches(t *testing.T) {
	s := NewHeroServer(newTestDeps(t).deps)

	result := callTool(t, s, "randomNumber", nil)
	assert.False(t, result.IsError)

	var env map[string]any
	unmarshalResult(t, result, &env)
	assert.Equal(t, "OK", env["error"])
	assert.Equal(t, 0.42, env["randomNumber"])
}

func TestActionTool_ConnectionTypeAndErrors(t *testing.T) {
	td := newTestDeps(t)
	require.NoError(t, td.actions.Register(actions.New("whoami", actions.ActionSchema{
		Description: "reports the transport",
		Inputs:      []actions.Input{{Name: "name", Required: true}},
	}, func(_ context.Context, conn *schema.Connection) error {
		conn.Response["type"] = string(conn.Type)
		return nil
	})))
	require.NoError(t, td.actions.Register(actions.New("noAgents", actions.ActionSchema{
		Description:            "refuses mcp",
		BlockedConnectionTypes: []schema.ConnectionType{schema.ConnectionMCP},
	}, func(context.Context, *schema.Connection) error { return nil })))
	s := NewHeroServer(td.deps)

	var env map[string]any
	result := callTool(t, s, "whoami", map[string]any{"name": "claude"})
	assert.False(t, result.IsError)
	unmarshalResult(t, result, &env)
	assert.Equal(t, "mcp", env["type"])

	result = callTool(t, s, "whoami", nil)
	assert.True(t, result.IsError)
	env = nil
	unmarshalResult(t, result, &env)
	assert.Equal(t, "Error: name is a required parameter for this action", env["error"])

	result = callTool(t, s, "noAgents", nil)
	assert.True(t, result.IsError)
}

func TestActionTool_InputSchema(t *testing.T) {
	tool := actionTool(actions.ActionInfo{
		Name:        "search",
		Version:     2,
		Description: "finds things",
		Inputs: []actions.Input{
			{Name: "q", Required: true, Schema: json.RawMessage(`{"type":"string","minLength":1}`)},
			{Name: "limit", Required: true, Default: 10},
			{Name: "page"},
		},
	})
	assert.Equal(t, "search", tool.Name)
	assert.Equal(t, "finds things", tool.Description)

	var got map[string]any
	require.NoError(t, json.Unmarshal(tool.RawInputSchema, &got))
	assert.Equal(t, "object", got["type"])
	assert.Equal(t, []any{"q"}, got["required"], "inputs with defaults are not required")

	props := got["properties"].(map[string]any)
	assert.Equal(t, map[string]any{"type": "string", "minLength": float64(1)}, props["q"])
	assert.Equal(t, map[string]any{"default": float64(10)}, props["limit"])
	assert.Equal(t, map[string]any{}, props["page"])
	assert.Contains(t, props, schema.ParamAPIVersion)
}

func TestActionsTool(t *testing.T) {
	td := newTestDeps(t)
	require.NoError(t, td.actions.Register(actions.New("randomNumber", actions.ActionSchema{
		Version:     2,
		Description: "v2",
	}, func(context.Context, *schema.Connection) error { return nil })))
	s := NewHeroServer(td.deps)

	var out struct {
		Actions []actions.ActionInfo `json:"actions"`
	}
	unmarshalResult(t, callTool(t, s, ToolActions, map[string]any{"name": "randomNumber"}), &out)
	require.Len(t, out.Actions, 2)
	assert.Equal(t, 1, out.Actions[0].Version)
	assert.Equal(t, 2, out.Actions[1].Version)

	assert.Equal(t, "v2", s.mcpServer.GetTool("randomNumber").Tool.Description, "tool tracks the latest version")
}

func TestEnqueueTool(t *testing.T) {
	td := newTestDeps(t)
	require.NoError(t, td.tasks.Register(tasks.New("sendEmail", tasks.TaskSchema{
		Description: "sends mail",
		Queue:       "mail",
	}, func(context.Context, map[string]any) (any, error) { return nil, nil })))
	s := NewHeroServer(td.deps)

	result := callTool(t, s, ToolEnqueue, map[string]any{
		"task":   "sendEmail",
		"params": map[string]any{"to": "ada@example.com"},
	})
	require.False(t, result.IsError, extractText(t, result))

	var job schema.Job
	unmarshalResult(t, result, &job)
	assert.Equal(t, "sendEmail", job.Task)
	assert.Equal(t, "mail", job.Queue)
	assert.JSONEq(t, `{"to":"ada@example.com"}`, string(job.Params))

	n, err := td.queue.Len(context.Background(), "mail")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEnqueueTool_Delay(t *testing.T) {
	td := newTestDeps(t)
	require.NoError(t, td.tasks.Register(tasks.New("later", tasks.TaskSchema{Description: "d"},
		func(context.Context, map[string]any) (any, error) { return nil, nil })))
	s := NewHeroServer(td.deps)

	var job schema.Job
	unmarshalResult(t, callTool(t, s, ToolEnqueue, map[string]any{"task": "later", "delay_seconds": 3600}), &job)
	assert.True(t, job.RunAt.After(time.Now().Add(59*time.Minute)))
}

func TestEnqueueTool_Errors(t *testing.T) {
	s := NewHeroServer(newTestDeps(t).deps)

	result := callTool(t, s, ToolEnqueue, map[string]any{})
	assert.True(t, result.IsError)
	assert.Equal(t, "task is required", extractText(t, result))

	result = callTool(t, s, ToolEnqueue, map[string]any{"task": "ghost"})
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), `task "ghost" not found`)
}

func TestJobsTool(t *testing.T) {
	td := newTestDeps(t)
	require.NoError(t, td.tasks.Register(tasks.New("t", tasks.TaskSchema{Description: "d"},
		func(context.Context, map[string]any) (any, error) { return nil, nil })))
	s := NewHeroServer(td.deps)

	ctx := context.Background()
	for _, q := range []string{"a", "a", "b"} {
		_, err := td.enqueuer.Enqueue(ctx, "t", nil, q)
		require.NoError(t, err)
	}

	var out struct {
		Jobs []*schema.Job `json:"jobs"`
	}
	unmarshalResult(t, callTool(t, s, ToolJobs, map[string]any{"queue": "a"}), &out)
	assert.Len(t, out.Jobs, 2)

	out.Jobs = nil
	unmarshalResult(t, callTool(t, s, ToolJobs, map[string]any{"limit": 1}), &out)
	assert.Len(t, out.Jobs, 1)

	out.Jobs = nil
	unmarshalResult(t, callTool(t, s, ToolJobs, map[string]any{"status": "failed"}), &out)
	assert.Empty(t, out.Jobs)
}

func TestTasksTool(t *testing.T) {
	td := newTestDeps(t)
	require.NoError(t, td.tasks.Register(tasks.New("cleanup", tasks.TaskSchema{
		Description: "purges",
		Frequency:   time.Hour,
	}, func(context.Context, map[string]any) (any, error) { return nil, nil })))
	s := NewHeroServer(td.deps)

	var out struct {
		Tasks []tasks.TaskInfo `json:"tasks"`
	}
	unmarshalResult(t, callTool(t, s, ToolTasks, nil), &out)
	require.Len(t, out.Tasks, 1)
	assert.Equal(t, "cleanup", out.Tasks[0].Name)
	assert.Equal(t, time.Hour, out.Tasks[0].Frequency)
}

func TestExtractInt(t *testing.T) {
	assert.Equal(t, 5, extractInt(nil, "limit", 5))
	assert.Equal(t, 3, extractInt(map[string]any{"limit": float64(3)}, "limit", 5))
	assert.Equal(t, 7, extractInt(map[string]any{"limit": "7"}, "limit", 5))
	assert.Equal(t, 5, extractInt(map[string]any{"limit": "x"}, "limit", 5))
}
