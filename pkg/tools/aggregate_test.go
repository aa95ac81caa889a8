package tools

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sleepTool(name string, d time.Duration) Definition {
	return Definition{
		Name: name,
		Execute: func(ctx context.Context, _ map[string]any) (any, error) {
			select {
			case <-time.After(d):
				return map[string]any{"tool": name}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
}

func TestParallelAggregationRunsConcurrently(t *testing.T) {
	e := NewEngine(nil)
	require.NoError(t, e.RegisterTool(sleepTool("a", 100*time.Millisecond)))
	require.NoError(t, e.RegisterTool(sleepTool("b", 150*time.Millisecond)))
	require.NoError(t, e.RegisterTool(sleepTool("c", 200*time.Millisecond)))

	start := time.Now()
	out, err := e.ExecuteMany(context.Background(),
		[]Call{{Tool: "a"}, {Tool: "b"}, {Tool: "c"}},
		AggregationConfig{Mode: ModeParallel, Policy: PolicyAggregate, MaxConcurrency: 3})
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 400*time.Millisecond)
	assert.Equal(t, 3, out.Summary.Total)
	assert.Equal(t, 3, out.Summary.Successful)

	agg, ok := out.Aggregated.(map[string]any)
	require.True(t, ok)
	results, ok := agg["results"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, results, "a")
	assert.Contains(t, results, "b")
	assert.Contains(t, results, "c")
}

func TestFailFastReportsFailuresWithoutError(t *testing.T) {
	e := NewEngine(nil)
	require.NoError(t, e.RegisterTool(sleepTool("ok1", 50*time.Millisecond)))
	require.NoError(t, e.RegisterTool(sleepTool("ok2", 50*time.Millisecond)))
	require.NoError(t, e.RegisterTool(Definition{
		Name: "bad",
		Execute: func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("boom")
		},
	}))

	out, err := e.ExecuteMany(context.Background(),
		[]Call{{Tool: "ok1"}, {Tool: "bad"}, {Tool: "ok2"}},
		AggregationConfig{Mode: ModeParallel, MaxConcurrency: 3, FailFast: true})
	require.NoError(t, err, "individual failures never surface at the aggregator boundary")
	assert.GreaterOrEqual(t, out.Summary.Failed, 1)
	assert.Len(t, out.Individual, 3)
}

func TestSequentialFailFastStops(t *testing.T) {
	e := NewEngine(nil)
	var calls []string
	mk := func(name string, fail bool) Definition {
		return Definition{
			Name: name,
			Execute: func(context.Context, map[string]any) (any, error) {
				calls = append(calls, name)
				if fail {
					return nil, errors.New("boom")
				}
				return name, nil
			},
		}
	}
	require.NoError(t, e.RegisterTool(mk("first", false)))
	require.NoError(t, e.RegisterTool(mk("second", true)))
	require.NoError(t, e.RegisterTool(mk("third", false)))

	out, err := e.ExecuteMany(context.Background(),
		[]Call{{Tool: "first"}, {Tool: "second"}, {Tool: "third"}},
		AggregationConfig{Mode: ModeSequential, FailFast: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, calls)
	assert.Equal(t, 1, out.Summary.Failed)
}

func TestConditionalModeSkipsGatedCalls(t *testing.T) {
	e := NewEngine(nil)
	require.NoError(t, e.RegisterTool(echoTool("always")))
	require.NoError(t, e.RegisterTool(echoTool("never")))

	out, err := e.ExecuteMany(context.Background(),
		[]Call{
			{Tool: "always"},
			{Tool: "never", Condition: func(prior []*Result) bool { return len(prior) == 0 }},
		},
		AggregationConfig{Mode: ModeConditional})
	require.NoError(t, err)
	require.Len(t, out.Individual, 1)
	assert.Equal(t, "always", out.Individual[0].ToolName)
}

func TestMergePolicyLaterWins(t *testing.T) {
	e := NewEngine(nil)
	mk := func(name string, out map[string]any) Definition {
		return Definition{
			Name:    name,
			Execute: func(context.Context, map[string]any) (any, error) { return out, nil },
		}
	}
	require.NoError(t, e.RegisterTool(mk("one", map[string]any{"x": 1, "shared": "one"})))
	require.NoError(t, e.RegisterTool(mk("two", map[string]any{"y": 2, "shared": "two"})))

	out, err := e.ExecuteMany(context.Background(),
		[]Call{{Tool: "one"}, {Tool: "two"}},
		AggregationConfig{Mode: ModeSequential, Policy: PolicyMerge})
	require.NoError(t, err)

	merged, ok := out.Aggregated.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 1, merged["x"])
	assert.Equal(t, 2, merged["y"])
	assert.Equal(t, "two", merged["shared"])
}

func TestSummarizePolicyNarrative(t *testing.T) {
	e := NewEngine(nil)
	require.NoError(t, e.RegisterTool(echoTool("fine")))
	require.NoError(t, e.RegisterTool(Definition{
		Name:    "broken",
		Execute: func(context.Context, map[string]any) (any, error) { return nil, errors.New("boom") },
	}))

	out, err := e.ExecuteMany(context.Background(),
		[]Call{{Tool: "fine"}, {Tool: "broken"}},
		AggregationConfig{Mode: ModeSequential, Policy: PolicySummarize})
	require.NoError(t, err)

	narrative, ok := out.Aggregated.(string)
	require.True(t, ok)
	assert.Contains(t, narrative, "2 tools executed")
	assert.Contains(t, narrative, "1 failed")
	assert.Contains(t, narrative, "broken: boom")
}

func TestToolRoleHeuristics(t *testing.T) {
	tests := []struct {
		tool string
		want string
	}{
		{"fetch_pr_files", "retrieval"},
		{"transform_payload", "processing"},
		{"validate_schema", "validation"},
		{"generate_summary", "generation"},
		{"misc_helper", "generic"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, toolRole(tt.tool), tt.tool)
	}
}
