package strategy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kodustech/kodus-flow/pkg/llm"
	"github.com/kodustech/kodus-flow/pkg/tools"
)

func planResponse(body string) *llm.Response {
	return &llm.Response{Content: body}
}

func TestReWOOWalksDependencies(t *testing.T) {
	adapter := &scriptedAdapter{responses: []*llm.Response{
		planResponse(`{
			"goal": "greet",
			"steps": [
				{"id": "s1", "type": "tool_call", "tool": "whoami", "input": {}},
				{"id": "s2", "type": "tool_call", "tool": "greet", "input": {"name": "{{s1.name}}"}, "depends_on": ["s1"]},
				{"id": "s3", "type": "final_answer", "answer": "{{s2.greeting}}", "depends_on": ["s2"]}
			]
		}`),
	}}
	sc, engine := newStrategyContext(t, adapter)
	require.NoError(t, engine.RegisterTool(tools.Definition{
		Name: "whoami",
		Execute: func(context.Context, map[string]any) (any, error) {
			return map[string]any{"name": "ada"}, nil
		},
	}))
	require.NoError(t, engine.RegisterTool(tools.Definition{
		Name: "greet",
		Execute: func(_ context.Context, input map[string]any) (any, error) {
			return map[string]any{"greeting": "hello " + input["name"].(string)}, nil
		},
	}))

	res, err := (&ReWOO{}).Execute(context.Background(), sc)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "hello ada", res.Output)
	assert.Equal(t, 2, res.ToolCalls)
}

func TestReWOOMissingPlaceholderAbortsStep(t *testing.T) {
	adapter := &scriptedAdapter{responses: []*llm.Response{
		planResponse(`{
			"steps": [
				{"id": "s1", "type": "tool_call", "tool": "echo", "input": {"data": "{{ghost}}"}},
				{"id": "s2", "type": "final_answer", "answer": "never", "depends_on": ["s1"]}
			]
		}`),
	}}
	sc, engine := newStrategyContext(t, adapter)
	called := false
	require.NoError(t, engine.RegisterTool(tools.Definition{
		Name: "echo",
		Execute: func(context.Context, map[string]any) (any, error) {
			called = true
			return nil, nil
		},
	}))

	res, err := (&ReWOO{}).Execute(context.Background(), sc)
	require.NoError(t, err)
	assert.False(t, called, "step with unresolved placeholders must not run its tool")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "dependency s1 failed")
	require.NotEmpty(t, res.History)
	assert.Contains(t, res.History[0].Error, "unresolved placeholders")
}

func TestReWOOUsesPlanCapability(t *testing.T) {
	planner := &planCapableAdapter{
		plan: planResponse(`{"steps": [{"id": "s1", "type": "final_answer", "answer": "from planner"}]}`),
	}
	sc, _ := newStrategyContext(t, planner)

	res, err := (&ReWOO{}).Execute(context.Background(), sc)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "from planner", res.Output)
	assert.True(t, planner.planCalled, "CreatePlan capability must be probed before the generic call")
	assert.Zero(t, planner.calls)
}

// planCapableAdapter implements the optional CreatePlan capability.
type planCapableAdapter struct {
	plan       *llm.Response
	planCalled bool
	calls      int
}

func (a *planCapableAdapter) Call(context.Context, []llm.Message, llm.CallOptions) (*llm.Response, error) {
	a.calls++
	return nil, errors.New("unexpected generic call")
}

func (a *planCapableAdapter) CreatePlan(context.Context, string, string, map[string]any) (*llm.Response, error) {
	a.planCalled = true
	return a.plan, nil
}

func TestReWOOPlanStepBudget(t *testing.T) {
	adapter := &scriptedAdapter{responses: []*llm.Response{
		planResponse(`{"steps": [
			{"id": "s1", "type": "final_answer", "answer": "a"},
			{"id": "s2", "type": "final_answer", "answer": "b"}
		]}`),
	}}
	sc, _ := newStrategyContext(t, adapter)
	sc.Limits = Limits{MaxPlanSteps: 1}

	res, err := (&ReWOO{}).Execute(context.Background(), sc)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "plan exceeds 1 steps")
}

func TestPlanExecuteNestedPlan(t *testing.T) {
	adapter := &scriptedAdapter{responses: []*llm.Response{
		planResponse(`{
			"steps": [
				{"id": "outer1", "type": "tool_call", "tool": "fetch", "input": {}},
				{"id": "nested", "type": "execute_plan", "plan": {"steps": [
					{"id": "inner1", "type": "tool_call", "tool": "summarize", "input": {"data": "{{outer1}}"}},
					{"id": "inner2", "type": "final_answer", "answer": "{{inner1.summary}}", "depends_on": ["inner1"]}
				]}}
			]
		}`),
	}}
	sc, engine := newStrategyContext(t, adapter)
	require.NoError(t, engine.RegisterTool(tools.Definition{
		Name: "fetch",
		Execute: func(context.Context, map[string]any) (any, error) {
			return map[string]any{"body": "raw"}, nil
		},
	}))
	require.NoError(t, engine.RegisterTool(tools.Definition{
		Name: "summarize",
		Execute: func(context.Context, map[string]any) (any, error) {
			return map[string]any{"summary": "condensed"}, nil
		},
	}))

	res, err := (&PlanExecute{}).Execute(context.Background(), sc)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "condensed", res.Output)
	assert.Equal(t, 2, res.ToolCalls)
}

func TestPlanExecuteReplansUntilAnswer(t *testing.T) {
	adapter := &scriptedAdapter{responses: []*llm.Response{
		planResponse(`{"steps": [{"id": "s1", "type": "tool_call", "tool": "probe", "input": {}}]}`),
		planResponse(`{"steps": [{"id": "s2", "type": "final_answer", "answer": "second round"}]}`),
	}}
	sc, engine := newStrategyContext(t, adapter)
	require.NoError(t, engine.RegisterTool(tools.Definition{
		Name:    "probe",
		Execute: func(context.Context, map[string]any) (any, error) { return "data", nil },
	}))

	res, err := (&PlanExecute{}).Execute(context.Background(), sc)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "second round", res.Output)
	assert.Equal(t, 2, res.Iterations)
}
