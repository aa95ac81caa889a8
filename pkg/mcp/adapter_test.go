package mcp

import (
	"context"
	"encoding/json"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kodustech/kodus-flow/pkg/tools"
)

func TestRegisterToolsExposesServerTools(t *testing.T) {
	ts := startTestServer(t, "kubernetes", map[string]mcpsdk.ToolHandler{
		"get_pods": func(_ context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			var parsed map[string]any
			require.NoError(t, json.Unmarshal(req.Params.Arguments, &parsed))
			ns, _ := parsed["namespace"].(string)
			return &mcpsdk.CallToolResult{
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "pods in " + ns}},
			}, nil
		},
		"broken": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return &mcpsdk.CallToolResult{
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "backend unavailable"}},
				IsError: true,
			}, nil
		},
	})
	client := connectClientDirect(t, "kubernetes", ts.clientTransport)

	engine := tools.NewEngine(nil)
	registered, err := RegisterTools(context.Background(), client, engine, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, registered)

	names := make(map[string]bool)
	for _, def := range engine.ListTools() {
		names[def.Name] = true
	}
	assert.True(t, names["kubernetes.get_pods"])
	assert.True(t, names["kubernetes.broken"])

	// Calls route through the MCP session.
	res, err := engine.ExecuteCall(context.Background(), "kubernetes.get_pods", map[string]any{"namespace": "default"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "pods in default", res.Output)

	// IsError results surface as tool failures.
	res, _ = engine.ExecuteCall(context.Background(), "kubernetes.broken", map[string]any{})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "backend unavailable")
}

func TestFlattenResultPrefersStructuredContent(t *testing.T) {
	res := &mcpsdk.CallToolResult{
		Content:           []mcpsdk.Content{&mcpsdk.TextContent{Text: "ignored"}},
		StructuredContent: map[string]any{"count": 2},
	}
	out, err := flattenResult(res)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"count": 2}, out)
}

func TestDecodeSchema(t *testing.T) {
	schema, err := decodeSchema(json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}}}`))
	require.NoError(t, err)
	assert.Equal(t, "object", schema["type"])

	schema, err = decodeSchema(nil)
	require.NoError(t, err)
	assert.Nil(t, schema)
}
