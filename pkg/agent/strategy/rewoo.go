package strategy

import (
	"context"
	"fmt"

	"github.com/kodustech/kodus-flow/pkg/eventqueue"
	"github.com/kodustech/kodus-flow/pkg/llm"
)

// ReWOO plans the whole execution up front, then walks the steps
// honoring depends_on with placeholder resolution between steps.
type ReWOO struct{}

// Name returns the planner type name.
func (s *ReWOO) Name() string { return TypeReWOO }

// Execute creates the plan and walks it.
func (s *ReWOO) Execute(ctx context.Context, sc *Context) (*Result, error) {
	if sc.Adapter == nil {
		return nil, llm.ErrNoAdapter
	}
	limits := sc.Limits
	limits.applyDefaults()

	runCtx, cancel := context.WithTimeout(ctx, limits.MaxExecutionTime)
	defer cancel()

	// 1. Plan. Adapters with native plan support are probed first.
	plan, err := createPlan(runCtx, sc, TypeReWOO)
	if err != nil {
		sc.emit(eventqueue.TypeAgentError, map[string]any{"error": err.Error()})
		return &Result{Success: false, Error: fmt.Sprintf("planning failed: %v", err)}, nil
	}
	if len(plan.Steps) > limits.MaxPlanSteps {
		return &Result{Success: false, Error: fmt.Sprintf("plan exceeds %d steps", limits.MaxPlanSteps)}, nil
	}

	// 2. Walk the steps in plan order.
	run := newPlanRun()
	for _, step := range plan.Steps {
		if runCtx.Err() != nil {
			return planResult(run, false, "", "execution timed out"), nil
		}
		if run.toolCalls >= limits.MaxToolCalls {
			return planResult(run, false, "", "tool call budget exhausted"), nil
		}

		rec := executeStep(runCtx, sc, step, run)
		run.record(rec)

		switch {
		case rec.Error != "" && step.Type != ActionToolCall:
			// Structured step error on a non-tool step aborts the walk.
			return planResult(run, false, "", rec.Error), nil
		case step.Type == ActionFinalAnswer:
			return planResult(run, true, rec.Action.Answer, ""), nil
		case step.Type == ActionNeedMoreInfo:
			return planResult(run, true, questionOf(step), ""), nil
		}
	}

	// A plan without a terminal step completes with its last successful
	// output.
	return planResult(run, true, lastObservedOutput(run.history), ""), nil
}

// createPlan probes the adapter's plan capability and falls back to a
// plan-format conversation.
func createPlan(ctx context.Context, sc *Context, strategyName string) (*Plan, error) {
	if planner, ok := sc.Adapter.(llm.PlanCapable); ok {
		resp, err := planner.CreatePlan(ctx, sc.Input, strategyName, nil)
		if err != nil {
			return nil, err
		}
		return ParsePlan(resp)
	}

	resp, err := sc.Adapter.Call(ctx, buildConversation(sc, planFormat), llm.CallOptions{})
	if err != nil {
		return nil, err
	}
	return ParsePlan(resp)
}

func questionOf(step PlanStep) string {
	if q, ok := step.Input["question"].(string); ok {
		return q
	}
	return step.Answer
}

func planResult(run *planRun, success bool, output, errMsg string) *Result {
	return &Result{
		Success:    success,
		Output:     output,
		Error:      errMsg,
		Iterations: 1,
		ToolCalls:  run.toolCalls,
		History:    run.history,
	}
}
