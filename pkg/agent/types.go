// Package agent implements the agent core: session and thread
// consistency, message persistence around strategy runs, and execution
// context assembly.
package agent

import (
	"errors"
	"time"

	"github.com/kodustech/kodus-flow/pkg/llm"
)

// Sentinel errors surfaced by the core.
var (
	// ErrMissingThread is returned when neither the options nor the
	// session runtime context carry a thread ID.
	ErrMissingThread = errors.New("thread ID is required")

	// ErrThreadMismatch is returned when an externally supplied thread
	// ID disagrees with the session's resolved thread ID.
	ErrThreadMismatch = errors.New("supplied thread ID does not match session thread ID")

	// ErrMessageNotFound is returned by session stores for unknown
	// message IDs.
	ErrMessageNotFound = errors.New("message not found")

	// ErrSessionNotFound is returned by session stores for unknown
	// session IDs.
	ErrSessionNotFound = errors.New("session not found")
)

// Message roles, mirroring the adapter contract.
const (
	RoleUser      = llm.RoleUser
	RoleAssistant = llm.RoleAssistant
	RoleSystem    = llm.RoleSystem
	RoleTool      = llm.RoleTool
)

// MessageStatus tracks the placeholder assistant message lifecycle.
type MessageStatus string

const (
	StatusProcessing MessageStatus = "processing"
	StatusCompleted  MessageStatus = "completed"
	StatusError      MessageStatus = "error"
)

// placeholderContent is the initial assistant message body while the
// strategy runs.
const placeholderContent = "Processing your request..."

// Message is one entry of a thread. Messages are append-only; the
// placeholder assistant message is the single exception and is mutated
// through UpdateMessage.
type Message struct {
	ID         string        `json:"id"`
	Role       string        `json:"role"`
	Content    string        `json:"content"`
	Status     MessageStatus `json:"status,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
	Name       string        `json:"name,omitempty"`
}

// MessageUpdate mutates the placeholder message.
type MessageUpdate struct {
	Content string
	Status  MessageStatus
}

// Definition declares an agent.
type Definition struct {
	Name          string
	Identity      string
	PlannerType   string
	MaxIterations int
	Timeout       time.Duration
	LLMDefaults   llm.CallOptions
	EnableSession bool
	EnableState   bool
	EnableMemory  bool
}

// CallOptions tunes one agent invocation.
type CallOptions struct {
	ThreadID    string
	SessionID   string
	UserContext map[string]any
}

// CallContext identifies one completed invocation in the result.
type CallContext struct {
	AgentName     string        `json:"agent_name"`
	CorrelationID string        `json:"correlation_id"`
	ThreadID      string        `json:"thread_id"`
	SessionID     string        `json:"session_id"`
	Duration      time.Duration `json:"duration"`
	ExecutionMode string        `json:"execution_mode"`
}

// CallResult is the caller-facing outcome of an agent invocation.
type CallResult struct {
	Success  bool           `json:"success"`
	Result   string         `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
	Context  CallContext    `json:"context"`
	Metadata map[string]any `json:"metadata,omitempty"`
}
