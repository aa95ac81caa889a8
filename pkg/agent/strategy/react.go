package strategy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kodustech/kodus-flow/pkg/eventqueue"
	"github.com/kodustech/kodus-flow/pkg/llm"
)

// ReAct runs the repeated Think→Act→Observe loop with per-iteration
// planner calls.
type ReAct struct{}

// Name returns the planner type name.
func (s *ReAct) Name() string { return TypeReAct }

// reactState tracks loop progress for the stop conditions.
type reactState struct {
	history             []StepRecord
	toolCalls           int
	consecutiveFailures int
}

// Execute runs the loop until a terminal action, a stop condition, or
// stagnation.
func (s *ReAct) Execute(ctx context.Context, sc *Context) (*Result, error) {
	if sc.Adapter == nil {
		return nil, llm.ErrNoAdapter
	}
	limits := sc.Limits
	limits.applyDefaults()

	runCtx, cancel := context.WithTimeout(ctx, limits.MaxExecutionTime)
	defer cancel()

	messages := buildConversation(sc, reactFormat)
	state := &reactState{}

	for iteration := 1; iteration <= limits.MaxThinkingIterations; iteration++ {
		if runCtx.Err() != nil {
			return s.abort(sc, state, iteration-1, "execution timed out"), nil
		}

		// 1. Think.
		resp, err := sc.Adapter.Call(runCtx, messages, llm.CallOptions{})
		if err != nil {
			sc.emit(eventqueue.TypeAgentError, map[string]any{"error": err.Error()})
			return s.abort(sc, state, iteration, fmt.Sprintf("planner call failed: %v", err)), nil
		}

		thought, err := ParseThought(resp)
		if err != nil {
			// Feed the format error back and let the model retry.
			state.consecutiveFailures++
			messages = append(messages,
				llm.Message{Role: llm.RoleAssistant, Content: resp.Content},
				llm.Message{Role: llm.RoleUser, Content: "Your previous response could not be parsed: " + err.Error() + " Answer again following the required JSON format."})
			if state.consecutiveFailures >= 2 {
				return s.abort(sc, state, iteration, "stagnation detected: repeated malformed responses"), nil
			}
			continue
		}

		sc.emit(eventqueue.TypeAgentActionStart, map[string]any{
			"action": string(thought.Action.Type),
			"tool":   thought.Action.Tool,
		})

		// 2. Act.
		switch thought.Action.Type {
		case ActionFinalAnswer:
			return &Result{
				Success:    true,
				Output:     thought.Action.Answer,
				Iterations: iteration,
				ToolCalls:  state.toolCalls,
				History:    state.history,
			}, nil

		case ActionNeedMoreInfo:
			// The question becomes the final answer for this turn.
			return &Result{
				Success:    true,
				Output:     thought.Action.Question,
				Iterations: iteration,
				ToolCalls:  state.toolCalls,
				History:    state.history,
			}, nil

		case ActionToolCall:
			state.toolCalls++
			if state.toolCalls > limits.MaxToolCalls {
				return s.abort(sc, state, iteration, "tool call budget exhausted"), nil
			}
			rec := s.runTool(runCtx, sc, thought)
			state.history = append(state.history, rec)
			if rec.Result != nil && rec.Result.Success {
				state.consecutiveFailures = 0
			} else {
				state.consecutiveFailures++
			}
			messages = append(messages,
				llm.Message{Role: llm.RoleAssistant, Content: thoughtContent(resp, thought)},
				observationMessage(&rec))

		case ActionDelegate:
			rec := StepRecord{Action: thought.Action, Error: "delegation is not available in single-agent execution"}
			state.history = append(state.history, rec)
			state.consecutiveFailures++
			messages = append(messages,
				llm.Message{Role: llm.RoleAssistant, Content: thoughtContent(resp, thought)},
				observationMessage(&rec))

		case ActionExecutePlan:
			rec := StepRecord{Action: thought.Action, Error: "nested plans require the plan-execute strategy"}
			state.history = append(state.history, rec)
			state.consecutiveFailures++
			messages = append(messages,
				llm.Message{Role: llm.RoleAssistant, Content: thoughtContent(resp, thought)},
				observationMessage(&rec))
		}

		// 3. Observe: stop when the loop stops making progress.
		if reason, stagnant := s.stagnation(state); stagnant {
			return s.abort(sc, state, iteration, reason), nil
		}
	}

	return s.abort(sc, state, limits.MaxThinkingIterations, "max thinking iterations reached"), nil
}

// runTool executes one tool action and publishes its outcome events.
func (s *ReAct) runTool(ctx context.Context, sc *Context, thought *Thought) StepRecord {
	rec := StepRecord{Action: thought.Action}
	res, _ := sc.Tools.ExecuteCall(ctx, thought.Action.Tool, thought.Action.Input)
	rec.Result = res
	if !res.Success {
		rec.Error = res.Error
	}
	sc.emitToolOutcome(res)
	return rec
}

// stagnation detects a loop that repeats the same action type across
// the last three records without progress, or two or more failures in a
// row.
func (s *ReAct) stagnation(state *reactState) (string, bool) {
	if state.consecutiveFailures >= 2 {
		// Surface the underlying failure, not the loop mechanics.
		if n := len(state.history); n > 0 && state.history[n-1].Error != "" {
			return state.history[n-1].Error, true
		}
		return "stagnation detected: consecutive failures", true
	}
	n := len(state.history)
	if n < 3 {
		return "", false
	}
	last := state.history[n-3:]
	sameType := last[0].Action.Type == last[1].Action.Type && last[1].Action.Type == last[2].Action.Type
	if !sameType {
		return "", false
	}
	for _, rec := range last {
		if rec.Result != nil && rec.Result.Success {
			return "", false
		}
	}
	return "stagnation detected: repeated action without progress", true
}

// abort produces the early-termination result.
func (s *ReAct) abort(sc *Context, state *reactState, iterations int, reason string) *Result {
	sc.logger().Warn("ReAct loop terminated early", "reason", reason, "iterations", iterations)
	return &Result{
		Success:    false,
		Error:      reason,
		Output:     lastObservedOutput(state.history),
		Iterations: iterations,
		ToolCalls:  state.toolCalls,
		History:    state.history,
	}
}

// thoughtContent replays the model's own words into the transcript,
// preferring the raw content so the model recognizes its prior turn.
func thoughtContent(resp *llm.Response, thought *Thought) string {
	if resp.Content != "" {
		return resp.Content
	}
	raw, err := json.Marshal(thought)
	if err != nil {
		return thought.Reasoning
	}
	return string(raw)
}

// lastObservedOutput surfaces the most recent successful tool output as
// a best-effort result for early terminations.
func lastObservedOutput(history []StepRecord) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Result != nil && history[i].Result.Success {
			raw, err := json.Marshal(history[i].Result.Output)
			if err == nil {
				return string(raw)
			}
		}
	}
	return ""
}
