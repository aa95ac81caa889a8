package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kodustech/kodus-flow/pkg/agent"
	"github.com/kodustech/kodus-flow/pkg/eventqueue"
	"github.com/kodustech/kodus-flow/pkg/llm"
	"github.com/kodustech/kodus-flow/pkg/mcp"
	"github.com/kodustech/kodus-flow/pkg/tools"
)

// scriptedAdapter replays canned responses; the last one repeats.
type scriptedAdapter struct {
	mu        sync.Mutex
	responses []*llm.Response
	calls     int
}

func (a *scriptedAdapter) Call(_ context.Context, _ []llm.Message, _ llm.CallOptions) (*llm.Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := a.calls
	a.calls++
	if i >= len(a.responses) {
		i = len(a.responses) - 1
	}
	return a.responses[i], nil
}

func newTestOrchestration(t *testing.T, adapter llm.Adapter) *Orchestrator {
	t.Helper()
	orch, err := CreateOrchestration(context.Background(), Config{
		Adapter:  adapter,
		TenantID: "tenant-a",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = orch.Shutdown(context.Background()) })
	return orch
}

func TestCreateOrchestrationRequiresAdapter(t *testing.T) {
	_, err := CreateOrchestration(context.Background(), Config{})
	assert.ErrorIs(t, err, llm.ErrNoAdapter)
}

func TestCreateAgentValidation(t *testing.T) {
	orch := newTestOrchestration(t, &scriptedAdapter{responses: []*llm.Response{{Content: "ok"}}})

	require.Error(t, orch.CreateAgent(agent.Definition{}))
	require.Error(t, orch.CreateAgent(agent.Definition{Name: "x", PlannerType: "divination"}))

	require.NoError(t, orch.CreateAgent(agent.Definition{Name: "helper"}))
	err := orch.CreateAgent(agent.Definition{Name: "helper"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestCallAgentUnknownAgent(t *testing.T) {
	orch := newTestOrchestration(t, &scriptedAdapter{responses: []*llm.Response{{Content: "ok"}}})
	result, err := orch.CallAgent(context.Background(), "ghost", "hi", agent.CallOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	// The structured envelope carries the failure too.
	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "not found")
	assert.Equal(t, "ghost", result.Context.AgentName)
}

func TestCallAgentEndToEnd(t *testing.T) {
	adapter := &scriptedAdapter{responses: []*llm.Response{
		{Content: `{"action": {"type": "tool_call", "tool": "forecast", "input": {"city": "lisbon"}}}`},
		{Content: `{"action": {"type": "final_answer", "answer": "sunny"}}`},
		{Content: "It is sunny in Lisbon."},
	}}
	orch := newTestOrchestration(t, adapter)

	require.NoError(t, orch.CreateTool(tools.Definition{
		Name: "forecast",
		Execute: func(context.Context, map[string]any) (any, error) {
			return map[string]any{"forecast": "sunny"}, nil
		},
	}))
	require.NoError(t, orch.CreateAgent(agent.Definition{Name: "weather"}))

	// Observe the agent events the run publishes onto the kernel stream.
	var mu sync.Mutex
	seen := make(map[string]int)
	for _, eventType := range []string{eventqueue.TypeAgentActionStart, eventqueue.TypeAgentToolCompleted} {
		orch.Kernel().Runtime().On(eventType, func(_ context.Context, evt *eventqueue.Event) error {
			mu.Lock()
			seen[evt.Type]++
			mu.Unlock()
			return nil
		})
	}

	res, err := orch.CallAgent(context.Background(), "weather", "weather in lisbon?", agent.CallOptions{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "It is sunny in Lisbon.", res.Result)
	assert.Equal(t, "weather", res.Context.AgentName)
	assert.Equal(t, "react", res.Context.ExecutionMode)
	assert.NotEmpty(t, res.Context.ThreadID, "a thread is assigned when the caller omits one")

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, seen[eventqueue.TypeAgentActionStart], 1)
	assert.GreaterOrEqual(t, seen[eventqueue.TypeAgentToolCompleted], 1)
}

func TestCallAgentReusesThread(t *testing.T) {
	adapter := &scriptedAdapter{responses: []*llm.Response{
		{Content: `{"action": {"type": "final_answer", "answer": "hello"}}`},
		{Content: "hello"},
	}}
	orch := newTestOrchestration(t, adapter)
	require.NoError(t, orch.CreateAgent(agent.Definition{Name: "echo"}))

	first, err := orch.CallAgent(context.Background(), "echo", "hi", agent.CallOptions{ThreadID: "t-1"})
	require.NoError(t, err)
	second, err := orch.CallAgent(context.Background(), "echo", "hi again", agent.CallOptions{ThreadID: "t-1"})
	require.NoError(t, err)

	assert.Equal(t, first.Context.SessionID, second.Context.SessionID)
	assert.NotEqual(t, first.Context.CorrelationID, second.Context.CorrelationID)

	// A session ID alone also routes to a stable thread.
	third, err := orch.CallAgent(context.Background(), "echo", "hi", agent.CallOptions{SessionID: "s-9"})
	require.NoError(t, err)
	assert.Equal(t, "s-9", third.Context.ThreadID)
}

func TestCallToolDirect(t *testing.T) {
	orch := newTestOrchestration(t, &scriptedAdapter{responses: []*llm.Response{{Content: "ok"}}})
	require.NoError(t, orch.CreateTool(tools.Definition{
		Name: "ping",
		Execute: func(context.Context, map[string]any) (any, error) {
			return "pong", nil
		},
	}))

	res, err := orch.CallTool(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "pong", res.Output)
}

func TestCreateOrchestrationRegistersMCPTools(t *testing.T) {
	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "notes", Version: "test"}, nil)
	server.AddTool(&mcpsdk.Tool{
		Name:        "search",
		Description: "search notes",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}, func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "no matches"}},
		}, nil
	})
	clientTransport, serverTransport := mcpsdk.NewInMemoryTransports()
	go func() { _ = server.Run(context.Background(), serverTransport) }()

	factory := mcp.NewTestClientFactory(mcp.NewRegistry(nil), func(c *mcp.Client) {
		sdkClient := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "test", Version: "test"}, nil)
		session, err := sdkClient.Connect(context.Background(), clientTransport, nil)
		require.NoError(t, err)
		c.InjectSession("notes", sdkClient, session)
	})

	orch, err := CreateOrchestration(context.Background(), Config{
		Adapter:    &scriptedAdapter{responses: []*llm.Response{{Content: "ok"}}},
		TenantID:   "tenant-a",
		MCPFactory: factory,
		MCPServers: []string{"notes"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = orch.Shutdown(context.Background()) })

	names := make(map[string]bool)
	for _, def := range orch.Tools().ListTools() {
		names[def.Name] = true
	}
	assert.True(t, names["notes.search"])

	res, err := orch.CallTool(context.Background(), "notes.search", map[string]any{"q": "x"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "no matches", res.Output)
}
