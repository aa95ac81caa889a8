package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/kodustech/kodus-flow/pkg/tools"
)

// RegisterTools discovers every connected server's tools and registers
// them with the engine under "<server>.<tool>" names. Returns the number
// of tools registered. Servers that fail discovery are skipped; the
// engine keeps whatever the healthy servers exposed.
func RegisterTools(ctx context.Context, client *Client, engine *tools.Engine, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	byServer, err := client.ListAllTools(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to discover MCP tools: %w", err)
	}

	registered := 0
	for serverID, serverTools := range byServer {
		for _, tool := range serverTools {
			def, err := toDefinition(client, serverID, tool)
			if err != nil {
				logger.Warn("Skipping MCP tool with invalid schema",
					"server", serverID, "tool", tool.Name, "error", err)
				continue
			}
			if err := engine.RegisterTool(def); err != nil {
				logger.Warn("Failed to register MCP tool",
					"server", serverID, "tool", tool.Name, "error", err)
				continue
			}
			registered++
		}
	}

	logger.Info("MCP tools registered", "count", registered, "servers", len(byServer))
	return registered, nil
}

// toDefinition converts one MCP tool into an engine definition whose
// Execute routes through the client.
func toDefinition(client *Client, serverID string, tool *mcpsdk.Tool) (tools.Definition, error) {
	schema, err := decodeSchema(tool.InputSchema)
	if err != nil {
		return tools.Definition{}, err
	}

	name := tool.Name
	return tools.Definition{
		Name:        serverID + "." + name,
		Description: tool.Description,
		InputSchema: schema,
		Categories:  []string{"mcp", serverID},
		Execute: func(ctx context.Context, input map[string]any) (any, error) {
			res, err := client.CallTool(ctx, serverID, name, input)
			if err != nil {
				return nil, err
			}
			return flattenResult(res)
		},
	}, nil
}

// decodeSchema normalizes whatever schema representation the SDK carries
// into the decoded document the engine validates against.
func decodeSchema(raw any) (map[string]any, error) {
	if raw == nil {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool schema: %w", err)
	}
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var schema map[string]any
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("failed to decode tool schema: %w", err)
	}
	return schema, nil
}

// flattenResult converts an MCP call result into the engine's output
// shape: structured content when present, otherwise the joined text
// blocks. IsError results become Go errors.
func flattenResult(res *mcpsdk.CallToolResult) (any, error) {
	text := joinTextContent(res)
	if res.IsError {
		if text == "" {
			text = "tool execution failed"
		}
		return nil, errors.New(text)
	}
	if res.StructuredContent != nil {
		return res.StructuredContent, nil
	}
	return text, nil
}

func joinTextContent(res *mcpsdk.CallToolResult) string {
	var parts []string
	for _, content := range res.Content {
		if tc, ok := content.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
