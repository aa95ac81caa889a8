package strategy

import (
	"context"
	"fmt"

	"github.com/kodustech/kodus-flow/pkg/eventqueue"
	"github.com/kodustech/kodus-flow/pkg/llm"
)

// maxPlanDepth bounds execute_plan nesting.
const maxPlanDepth = 3

// PlanExecute is the hybrid strategy: each planner round yields a plan
// whose steps may themselves be execute_plan actions delegating nested
// sub-plans to the same executor.
type PlanExecute struct{}

// Name returns the planner type name.
func (s *PlanExecute) Name() string { return TypePlanExecute }

// Execute alternates planning rounds with plan execution until a
// terminal answer or a stop condition.
func (s *PlanExecute) Execute(ctx context.Context, sc *Context) (*Result, error) {
	if sc.Adapter == nil {
		return nil, llm.ErrNoAdapter
	}
	limits := sc.Limits
	limits.applyDefaults()

	runCtx, cancel := context.WithTimeout(ctx, limits.MaxExecutionTime)
	defer cancel()

	run := newPlanRun()
	for iteration := 1; iteration <= limits.MaxThinkingIterations; iteration++ {
		if runCtx.Err() != nil {
			return exhausted(run, iteration-1, "execution timed out"), nil
		}

		plan, err := createPlan(runCtx, sc, TypePlanExecute)
		if err != nil {
			sc.emit(eventqueue.TypeAgentError, map[string]any{"error": err.Error()})
			return exhausted(run, iteration, fmt.Sprintf("planning failed: %v", err)), nil
		}

		answer, done, err := s.executePlan(runCtx, sc, plan, run, limits, 0)
		if err != nil {
			return exhausted(run, iteration, err.Error()), nil
		}
		if done {
			return &Result{
				Success:    true,
				Output:     answer,
				Iterations: iteration,
				ToolCalls:  run.toolCalls,
				History:    run.history,
			}, nil
		}
	}
	return exhausted(run, limits.MaxThinkingIterations, "max thinking iterations reached"), nil
}

// executePlan walks one plan; execute_plan steps recurse into their
// sub-plan with the same run state so placeholders resolve across
// nesting levels.
func (s *PlanExecute) executePlan(ctx context.Context, sc *Context, plan *Plan, run *planRun, limits Limits, depth int) (string, bool, error) {
	if depth > maxPlanDepth {
		return "", false, fmt.Errorf("plan nesting exceeds depth %d", maxPlanDepth)
	}
	if len(plan.Steps) > limits.MaxPlanSteps {
		return "", false, fmt.Errorf("plan exceeds %d steps", limits.MaxPlanSteps)
	}

	for _, step := range plan.Steps {
		if ctx.Err() != nil {
			return "", false, fmt.Errorf("execution timed out")
		}
		if run.toolCalls >= limits.MaxToolCalls {
			return "", false, fmt.Errorf("tool call budget exhausted")
		}

		if step.Type == ActionExecutePlan {
			if step.Plan == nil {
				return "", false, fmt.Errorf("step %s: execute_plan without plan", step.ID)
			}
			answer, done, err := s.executePlan(ctx, sc, step.Plan, run, limits, depth+1)
			if err != nil || done {
				return answer, done, err
			}
			continue
		}

		rec := executeStep(ctx, sc, step, run)
		run.record(rec)

		switch {
		case rec.Error != "" && step.Type != ActionToolCall:
			return "", false, fmt.Errorf("step %s: %s", step.ID, rec.Error)
		case step.Type == ActionFinalAnswer:
			return rec.Action.Answer, true, nil
		case step.Type == ActionNeedMoreInfo:
			return questionOf(step), true, nil
		}
	}
	return "", false, nil
}

func exhausted(run *planRun, iterations int, reason string) *Result {
	return &Result{
		Success:    false,
		Error:      reason,
		Output:     lastObservedOutput(run.history),
		Iterations: iterations,
		ToolCalls:  run.toolCalls,
		History:    run.history,
	}
}
