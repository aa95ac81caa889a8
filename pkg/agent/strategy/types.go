// Package strategy implements the Think/Act/Observe loop variants that
// drive an agent: ReAct, ReWOO and Plan-Execute, plus final-response
// synthesis.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kodustech/kodus-flow/pkg/eventqueue"
	"github.com/kodustech/kodus-flow/pkg/llm"
	"github.com/kodustech/kodus-flow/pkg/tools"
)

// Planner type names accepted by the factory.
const (
	TypeReAct       = "react"
	TypeReWOO       = "rewoo"
	TypePlanExecute = "plan-execute"
)

// Sentinel errors.
var (
	// ErrUnknownAction is returned when a parsed action carries a type
	// outside the known set. Unknown variants are errors, not defaults.
	ErrUnknownAction = errors.New("unknown action type")

	// ErrMalformedResponse is returned when the LLM output cannot be
	// parsed into a thought or plan.
	ErrMalformedResponse = errors.New("malformed planner response")
)

// ActionType tags the Action sum type.
type ActionType string

const (
	ActionToolCall     ActionType = "tool_call"
	ActionFinalAnswer  ActionType = "final_answer"
	ActionNeedMoreInfo ActionType = "need_more_info"
	ActionDelegate     ActionType = "delegate"
	ActionExecutePlan  ActionType = "execute_plan"
)

// Action is the tagged union a planner emits. Exactly the fields for
// the tagged type are meaningful.
type Action struct {
	Type ActionType `json:"type"`

	// tool_call
	Tool  string         `json:"tool,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// final_answer
	Answer string `json:"answer,omitempty"`

	// need_more_info
	Question string `json:"question,omitempty"`

	// delegate
	Target string `json:"target,omitempty"`

	// execute_plan
	Plan *Plan `json:"plan,omitempty"`
}

// validate rejects unknown variants and missing per-variant fields.
func (a *Action) validate() error {
	switch a.Type {
	case ActionToolCall:
		if a.Tool == "" {
			return fmt.Errorf("%w: tool_call without tool name", ErrMalformedResponse)
		}
	case ActionFinalAnswer, ActionNeedMoreInfo, ActionDelegate:
	case ActionExecutePlan:
		if a.Plan == nil {
			return fmt.Errorf("%w: execute_plan without plan", ErrMalformedResponse)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, a.Type)
	}
	return nil
}

// Thought is one planner emission in the ReAct loop.
type Thought struct {
	Reasoning string `json:"reasoning,omitempty"`
	Action    Action `json:"action"`
}

// Plan is a full up-front plan (ReWOO, Plan-Execute).
type Plan struct {
	ID       string     `json:"id,omitempty"`
	Goal     string     `json:"goal,omitempty"`
	Strategy string     `json:"strategy,omitempty"`
	Steps    []PlanStep `json:"steps"`
}

// PlanStep references other steps by id, never by pointer. Placeholder
// arguments are resolved against executed step outputs before the step
// runs.
type PlanStep struct {
	ID                 string         `json:"id"`
	Type               ActionType     `json:"type"`
	Tool               string         `json:"tool,omitempty"`
	Input              map[string]any `json:"input,omitempty"`
	Answer             string         `json:"answer,omitempty"`
	DependsOn          []string       `json:"depends_on,omitempty"`
	PassPreviousResult bool           `json:"pass_previous_result,omitempty"`
	Plan               *Plan          `json:"plan,omitempty"`
}

// StepRecord is one executed action with its outcome.
type StepRecord struct {
	StepID string        `json:"step_id,omitempty"`
	Action Action        `json:"action"`
	Result *tools.Result `json:"result,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// Result is the terminal outcome of a strategy run.
type Result struct {
	Success    bool         `json:"success"`
	Output     string       `json:"output,omitempty"`
	Error      string       `json:"error,omitempty"`
	Iterations int          `json:"iterations"`
	ToolCalls  int          `json:"tool_calls"`
	History    []StepRecord `json:"history,omitempty"`
}

// Limits are the configurable stop conditions.
type Limits struct {
	MaxThinkingIterations int
	MaxPlanSteps          int
	MaxToolCalls          int
	MaxExecutionTime      time.Duration
}

func (l *Limits) applyDefaults() {
	if l.MaxThinkingIterations <= 0 {
		l.MaxThinkingIterations = 10
	}
	if l.MaxPlanSteps <= 0 {
		l.MaxPlanSteps = 20
	}
	if l.MaxToolCalls <= 0 {
		l.MaxToolCalls = 25
	}
	if l.MaxExecutionTime <= 0 {
		l.MaxExecutionTime = 5 * time.Minute
	}
}

// EmitFunc publishes an agent event onto the kernel stream. May be nil.
type EmitFunc func(eventType string, data map[string]any)

// Context carries everything a strategy needs for one run.
type Context struct {
	ExecutionID   string
	CorrelationID string
	TenantID      string
	ThreadID      string
	SessionID     string

	Input    string
	Identity string
	Messages []llm.Message

	Adapter llm.Adapter
	Tools   *tools.Engine
	Emit    EmitFunc
	Logger  *slog.Logger
	Limits  Limits
}

func (sc *Context) logger() *slog.Logger {
	if sc.Logger != nil {
		return sc.Logger
	}
	return slog.Default()
}

// emit publishes an event when an emitter is wired.
func (sc *Context) emit(eventType string, data map[string]any) {
	if sc.Emit == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["execution_id"] = sc.ExecutionID
	sc.Emit(eventType, data)
}

// emitToolOutcome publishes the tool completion or error event for one
// result.
func (sc *Context) emitToolOutcome(res *tools.Result) {
	if res.Success {
		sc.emit(eventqueue.TypeAgentToolCompleted, map[string]any{
			"tool":        res.ToolName,
			"duration_ms": res.Duration.Milliseconds(),
		})
		return
	}
	sc.emit(eventqueue.TypeAgentToolError, map[string]any{
		"tool":       res.ToolName,
		"error":      res.Error,
		"error_kind": string(res.ErrorKind),
	})
}

// Strategy is the polymorphic loop contract.
type Strategy interface {
	Name() string
	Execute(ctx context.Context, sc *Context) (*Result, error)
}

// New builds a strategy by planner type name.
func New(plannerType string) (Strategy, error) {
	switch plannerType {
	case TypeReAct, "":
		return &ReAct{}, nil
	case TypeReWOO:
		return &ReWOO{}, nil
	case TypePlanExecute:
		return &PlanExecute{}, nil
	default:
		return nil, fmt.Errorf("unknown planner type: %q", plannerType)
	}
}
