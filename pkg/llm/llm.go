// Package llm defines the adapter contract between the execution core
// and a language model provider. The core never speaks a provider
// protocol itself; everything goes through an Adapter.
package llm

import (
	"context"
	"errors"
)

// ErrNoAdapter is returned by components that require an LLM adapter
// when none was configured.
var ErrNoAdapter = errors.New("no LLM adapter configured")

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of an LLM conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// CallOptions tunes a single adapter call. Zero values defer to the
// adapter's defaults.
type CallOptions struct {
	Model              string
	Temperature        *float64
	MaxTokens          int
	MaxReasoningTokens int
	StopSequences      []string
}

// Response is the adapter's answer: free text plus any tool calls the
// model requested.
type Response struct {
	Content   string
	ToolCalls []ToolCall
}

// Adapter is the minimal LLM contract.
type Adapter interface {
	Call(ctx context.Context, messages []Message, opts CallOptions) (*Response, error)
}

// PlanCapable is an optional adapter capability: producing a whole plan
// for a goal up front. Strategies probe for it with a type assertion;
// its absence is not an error.
type PlanCapable interface {
	CreatePlan(ctx context.Context, goal, strategy string, contextData map[string]any) (*Response, error)
}

// StructuredCapable is an optional adapter capability: guaranteed
// well-formed JSON output.
type StructuredCapable interface {
	SupportsStructuredGeneration() bool
}

// FuncAdapter adapts a plain function to the Adapter interface.
type FuncAdapter func(ctx context.Context, messages []Message, opts CallOptions) (*Response, error)

// Call implements Adapter.
func (f FuncAdapter) Call(ctx context.Context, messages []Message, opts CallOptions) (*Response, error) {
	return f(ctx, messages, opts)
}
