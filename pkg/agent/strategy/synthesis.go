package strategy

import (
	"context"
	"encoding/json"

	"github.com/kodustech/kodus-flow/pkg/llm"
)

const synthesisPrompt = `Compose the final answer for the user from the raw execution result below.
Reply with the answer text only, no JSON and no commentary about the process.`

// CreateFinalResponse synthesizes the user-facing answer from a raw
// strategy result. It is best-effort: a missing adapter or a failed
// synthesis call falls back to the strategy's raw output.
func CreateFinalResponse(ctx context.Context, sc *Context, raw *Result) string {
	if raw == nil {
		return ""
	}
	if sc.Adapter == nil || !raw.Success || raw.Output == "" {
		return raw.Output
	}

	payload, err := json.Marshal(map[string]any{
		"output":     raw.Output,
		"tool_calls": raw.ToolCalls,
		"iterations": raw.Iterations,
	})
	if err != nil {
		return raw.Output
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: buildSystemPrompt(sc, synthesisPrompt)},
		{Role: llm.RoleUser, Content: sc.Input},
		{Role: llm.RoleUser, Content: "Raw execution result: " + string(payload)},
	}
	resp, err := sc.Adapter.Call(ctx, messages, llm.CallOptions{})
	if err != nil || resp == nil || resp.Content == "" {
		sc.logger().Debug("Final response synthesis fell back to raw output", "error", err)
		return raw.Output
	}
	return resp.Content
}
