package strategy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/kodustech/kodus-flow/pkg/llm"
)

// ParseThought extracts a Thought from an adapter response. Native tool
// calls take precedence over JSON in the content; malformed JSON is
// repaired before parsing. The parser is forgiving about wrapping text
// but strict about the action variant.
func ParseThought(resp *llm.Response) (*Thought, error) {
	if resp == nil {
		return nil, fmt.Errorf("%w: empty response", ErrMalformedResponse)
	}

	if len(resp.ToolCalls) > 0 {
		tc := resp.ToolCalls[0]
		return &Thought{
			Reasoning: resp.Content,
			Action:    Action{Type: ActionToolCall, Tool: tc.Name, Input: tc.Arguments},
		}, nil
	}

	doc, err := extractJSON(resp.Content)
	if err != nil {
		return nil, err
	}

	var thought Thought
	if err := json.Unmarshal([]byte(doc), &thought); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if err := thought.Action.validate(); err != nil {
		return nil, err
	}
	return &thought, nil
}

// ParsePlan extracts a Plan from an adapter response.
func ParsePlan(resp *llm.Response) (*Plan, error) {
	if resp == nil {
		return nil, fmt.Errorf("%w: empty response", ErrMalformedResponse)
	}
	doc, err := extractJSON(resp.Content)
	if err != nil {
		return nil, err
	}

	var plan Plan
	if err := json.Unmarshal([]byte(doc), &plan); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if len(plan.Steps) == 0 {
		return nil, fmt.Errorf("%w: plan has no steps", ErrMalformedResponse)
	}
	for i := range plan.Steps {
		action := Action{
			Type:  plan.Steps[i].Type,
			Tool:  plan.Steps[i].Tool,
			Input: plan.Steps[i].Input,
			Plan:  plan.Steps[i].Plan,
		}
		if err := action.validate(); err != nil {
			return nil, fmt.Errorf("step %s: %w", plan.Steps[i].ID, err)
		}
	}
	return &plan, nil
}

// extractJSON finds the outermost JSON object in free text and repairs
// it. LLMs wrap JSON in prose and markdown fences and occasionally emit
// trailing commas or unquoted keys.
func extractJSON(content string) (string, error) {
	text := strings.TrimSpace(content)
	if fenced := strings.Index(text, "```"); fenced >= 0 {
		text = text[fenced+3:]
		text = strings.TrimPrefix(text, "json")
		if end := strings.Index(text, "```"); end >= 0 {
			text = text[:end]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", fmt.Errorf("%w: no JSON object in content", ErrMalformedResponse)
	}
	candidate := text[start : end+1]

	if json.Valid([]byte(candidate)) {
		return candidate, nil
	}
	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return repaired, nil
}
