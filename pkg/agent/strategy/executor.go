package strategy

import (
	"context"
	"fmt"
	"strings"

	"github.com/kodustech/kodus-flow/pkg/eventqueue"
)

// planRun tracks one plan execution: records by step id plus ordered
// history.
type planRun struct {
	executed  map[string]*StepRecord
	history   []StepRecord
	toolCalls int
}

func newPlanRun() *planRun {
	return &planRun{executed: make(map[string]*StepRecord)}
}

func (r *planRun) record(rec StepRecord) {
	r.history = append(r.history, rec)
	if rec.StepID != "" {
		stored := rec
		r.executed[rec.StepID] = &stored
	}
}

// executeStep runs one plan step: dependency check, placeholder
// resolution, then the action itself. Failures are recorded as
// structured step errors; they never panic the walk.
func executeStep(ctx context.Context, sc *Context, step PlanStep, run *planRun) StepRecord {
	rec := StepRecord{
		StepID: step.ID,
		Action: Action{Type: step.Type, Tool: step.Tool, Input: step.Input, Answer: step.Answer, Plan: step.Plan},
	}

	// 1. All dependencies must have executed successfully.
	for _, dep := range step.DependsOn {
		depRec, ok := run.executed[dep]
		if !ok {
			rec.Error = fmt.Sprintf("dependency %s has not executed", dep)
			return rec
		}
		if depRec.Error != "" || (depRec.Result != nil && !depRec.Result.Success) {
			rec.Error = fmt.Sprintf("dependency %s failed", dep)
			return rec
		}
	}

	// 2. Resolve placeholder arguments against executed steps.
	args, missing := ResolveArgs(step.Input, run.executed)
	if len(missing) > 0 {
		rec.Error = fmt.Sprintf("unresolved placeholders: %s", strings.Join(missing, ", "))
		return rec
	}
	if step.PassPreviousResult && len(run.history) > 0 {
		prev := run.history[len(run.history)-1]
		if prev.Result != nil && prev.Result.Success {
			if args == nil {
				args = make(map[string]any, 1)
			}
			args["previous_result"] = prev.Result.Output
		}
	}

	sc.emit(eventqueue.TypeAgentActionStart, map[string]any{
		"action": string(step.Type),
		"step":   step.ID,
		"tool":   step.Tool,
	})

	// 3. Execute the action variant.
	switch step.Type {
	case ActionToolCall:
		run.toolCalls++
		res, _ := sc.Tools.ExecuteCall(ctx, step.Tool, args)
		rec.Result = res
		if !res.Success {
			rec.Error = res.Error
		}
		sc.emitToolOutcome(res)

	case ActionFinalAnswer:
		resolved, answerMissing := ResolveArgs(map[string]any{"answer": step.Answer}, run.executed)
		if len(answerMissing) > 0 {
			rec.Error = fmt.Sprintf("unresolved placeholders: %s", strings.Join(answerMissing, ", "))
			return rec
		}
		rec.Action.Answer = fmt.Sprintf("%v", resolved["answer"])

	case ActionNeedMoreInfo:
		// Terminal like final_answer; the question is the output.

	case ActionDelegate:
		rec.Error = "delegation is not available in single-agent execution"

	case ActionExecutePlan:
		// The caller (Plan-Execute) handles nesting; reaching here means
		// the strategy does not support it.
		rec.Error = "nested plans require the plan-execute strategy"
	}
	return rec
}
