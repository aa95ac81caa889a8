package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kodustech/kodus-flow/pkg/llm"
)

func TestParseThoughtFromJSONContent(t *testing.T) {
	resp := &llm.Response{Content: `Let me look that up.
{"reasoning": "need the file list", "action": {"type": "tool_call", "tool": "list_files", "input": {"path": "src"}}}`}

	thought, err := ParseThought(resp)
	require.NoError(t, err)
	assert.Equal(t, "need the file list", thought.Reasoning)
	assert.Equal(t, ActionToolCall, thought.Action.Type)
	assert.Equal(t, "list_files", thought.Action.Tool)
	assert.Equal(t, "src", thought.Action.Input["path"])
}

func TestParseThoughtFromFencedJSON(t *testing.T) {
	resp := &llm.Response{Content: "```json\n{\"action\": {\"type\": \"final_answer\", \"answer\": \"done\"}}\n```"}
	thought, err := ParseThought(resp)
	require.NoError(t, err)
	assert.Equal(t, ActionFinalAnswer, thought.Action.Type)
	assert.Equal(t, "done", thought.Action.Answer)
}

func TestParseThoughtRepairsBrokenJSON(t *testing.T) {
	// Trailing comma and unquoted key, the usual LLM damage.
	resp := &llm.Response{Content: `{"action": {type: "final_answer", "answer": "fixed",}}`}
	thought, err := ParseThought(resp)
	require.NoError(t, err)
	assert.Equal(t, ActionFinalAnswer, thought.Action.Type)
	assert.Equal(t, "fixed", thought.Action.Answer)
}

func TestParseThoughtPrefersNativeToolCalls(t *testing.T) {
	resp := &llm.Response{
		Content:   "calling the tool",
		ToolCalls: []llm.ToolCall{{Name: "grep", Arguments: map[string]any{"pattern": "x"}}},
	}
	thought, err := ParseThought(resp)
	require.NoError(t, err)
	assert.Equal(t, ActionToolCall, thought.Action.Type)
	assert.Equal(t, "grep", thought.Action.Tool)
}

func TestParseThoughtRejectsUnknownActionType(t *testing.T) {
	resp := &llm.Response{Content: `{"action": {"type": "teleport"}}`}
	_, err := ParseThought(resp)
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestParseThoughtRejectsToolCallWithoutTool(t *testing.T) {
	resp := &llm.Response{Content: `{"action": {"type": "tool_call"}}`}
	_, err := ParseThought(resp)
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestParseThoughtNoJSON(t *testing.T) {
	_, err := ParseThought(&llm.Response{Content: "just prose, no structure"})
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestParsePlan(t *testing.T) {
	resp := &llm.Response{Content: `{
		"goal": "summarize repo",
		"steps": [
			{"id": "s1", "type": "tool_call", "tool": "list_files", "input": {"path": "."}},
			{"id": "s2", "type": "final_answer", "answer": "files: {{s1}}", "depends_on": ["s1"]}
		]
	}`}
	plan, err := ParsePlan(resp)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, []string{"s1"}, plan.Steps[1].DependsOn)
}

func TestParsePlanRejectsEmptySteps(t *testing.T) {
	_, err := ParsePlan(&llm.Response{Content: `{"goal": "x", "steps": []}`})
	assert.ErrorIs(t, err, ErrMalformedResponse)
}
