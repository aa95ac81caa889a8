// Package tools implements the tool engine: a schema-validated registry,
// a per-tool circuit breaker, substring error classification, and
// multi-tool aggregation.
package tools

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Sentinel errors surfaced by the engine.
var (
	// ErrDuplicateTool is returned when a tool name is already registered.
	ErrDuplicateTool = errors.New("tool already registered")

	// ErrToolNotFound is returned for calls to unregistered tools.
	ErrToolNotFound = errors.New("tool not found")

	// ErrValidation is returned when input does not match the tool's
	// input schema.
	ErrValidation = errors.New("tool input validation failed")

	// ErrCircuitOpen is returned when the tool's circuit breaker refuses
	// the call.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// ExecuteFunc runs a tool against validated input.
type ExecuteFunc func(ctx context.Context, input map[string]any) (any, error)

// Definition describes one registered tool. InputSchema and OutputSchema
// are JSON Schema documents (decoded); OutputSchema is informational.
type Definition struct {
	Name         string
	Description  string
	InputSchema  map[string]any
	OutputSchema map[string]any
	Execute      ExecuteFunc
	Categories   []string
	Dependencies []string
	Tags         []string
}

// LLMTool is the prompt-facing projection of a tool definition.
type LLMTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// ErrorKind classifies a tool failure by message heuristics.
type ErrorKind string

const (
	ErrorTimeout       ErrorKind = "timeout"
	ErrorNetwork       ErrorKind = "network"
	ErrorAuthorization ErrorKind = "authorization"
	ErrorValidation    ErrorKind = "validation"
	ErrorNotFound      ErrorKind = "not_found"
	ErrorServer        ErrorKind = "server_error"
	ErrorUnknown       ErrorKind = "unknown"
)

// ClassifyError maps an error message onto an ErrorKind by substring
// heuristics. Order matters: the first matching class wins.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return ""
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") || strings.Contains(msg, "deadline exceeded"):
		return ErrorTimeout
	case strings.Contains(msg, "network") || strings.Contains(msg, "connection") || strings.Contains(msg, "unreachable"):
		return ErrorNetwork
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden") || strings.Contains(msg, "authorization") || strings.Contains(msg, "authentication"):
		return ErrorAuthorization
	case strings.Contains(msg, "validation") || strings.Contains(msg, "invalid"):
		return ErrorValidation
	case strings.Contains(msg, "not found") || strings.Contains(msg, "404"):
		return ErrorNotFound
	case strings.Contains(msg, "server error") || strings.Contains(msg, "internal error") || strings.Contains(msg, "500"):
		return ErrorServer
	default:
		return ErrorUnknown
	}
}

// Result is the outcome of one tool call.
type Result struct {
	ToolName  string        `json:"tool_name"`
	Success   bool          `json:"success"`
	Output    any           `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
	ErrorKind ErrorKind     `json:"error_kind,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// failure builds a failed result classified from err.
func failure(name string, err error, took time.Duration) *Result {
	return &Result{
		ToolName:  name,
		Success:   false,
		Error:     err.Error(),
		ErrorKind: ClassifyError(err),
		Duration:  took,
	}
}
