package tools

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool(name string) Definition {
	return Definition{
		Name:        name,
		Description: "echoes its input",
		Execute: func(_ context.Context, input map[string]any) (any, error) {
			return input, nil
		},
	}
}

func TestRegisterToolRejectsDuplicates(t *testing.T) {
	e := NewEngine(nil)
	require.NoError(t, e.RegisterTool(echoTool("echo")))
	assert.ErrorIs(t, e.RegisterTool(echoTool("echo")), ErrDuplicateTool)
}

func TestExecuteCallUnknownToolClassifiedNotFound(t *testing.T) {
	e := NewEngine(nil)
	res, err := e.ExecuteCall(context.Background(), "nonexistent", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrToolNotFound)
	assert.False(t, res.Success)
	assert.Equal(t, ErrorNotFound, res.ErrorKind)
}

func TestExecuteCallValidatesInputSchema(t *testing.T) {
	e := NewEngine(nil)
	require.NoError(t, e.RegisterTool(Definition{
		Name: "typed",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"count"},
			"properties": map[string]any{
				"count": map[string]any{"type": "integer"},
			},
		},
		Execute: func(_ context.Context, input map[string]any) (any, error) {
			return input["count"], nil
		},
	}))

	res, err := e.ExecuteCall(context.Background(), "typed", map[string]any{"count": "three"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, ErrorValidation, res.ErrorKind)

	res, err = e.ExecuteCall(context.Background(), "typed", map[string]any{"count": 3})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		msg  string
		want ErrorKind
	}{
		{"request timed out after 5s", ErrorTimeout},
		{"context deadline exceeded", ErrorTimeout},
		{"connection refused", ErrorNetwork},
		{"401 unauthorized", ErrorAuthorization},
		{"invalid argument: foo", ErrorValidation},
		{"resource not found", ErrorNotFound},
		{"internal error from upstream", ErrorServer},
		{"boom", ErrorUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyError(errors.New(tt.msg)))
		})
	}
}

func TestCircuitBreakerLifecycle(t *testing.T) {
	var transitions []string
	e := NewEngine(nil,
		WithBreakerConfig(BreakerConfig{
			FailureThreshold: 2,
			RecoveryTimeout:  20 * time.Millisecond,
			SuccessThreshold: 1,
		}),
		WithTransitionObserver(func(tool string, from, to BreakerState) {
			transitions = append(transitions, fmt.Sprintf("%s:%s->%s", tool, from, to))
		}),
	)

	healthy := true
	require.NoError(t, e.RegisterTool(Definition{
		Name: "flaky",
		Execute: func(context.Context, map[string]any) (any, error) {
			if !healthy {
				return nil, errors.New("boom")
			}
			return "ok", nil
		},
	}))

	ctx := context.Background()
	healthy = false
	for i := 0; i < 2; i++ {
		_, err := e.ExecuteCall(ctx, "flaky", nil)
		require.Error(t, err)
	}
	state, _ := e.BreakerState("flaky")
	assert.Equal(t, BreakerOpen, state)

	// Calls are refused while open.
	_, err := e.ExecuteCall(ctx, "flaky", nil)
	assert.ErrorIs(t, err, ErrCircuitOpen)

	// After the recovery timeout a probe is admitted; success closes.
	time.Sleep(25 * time.Millisecond)
	healthy = true
	_, err = e.ExecuteCall(ctx, "flaky", nil)
	require.NoError(t, err)
	state, _ = e.BreakerState("flaky")
	assert.Equal(t, BreakerClosed, state)

	assert.Equal(t, []string{
		"flaky:closed->open",
		"flaky:open->half-open",
		"flaky:half-open->closed",
	}, transitions)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := newBreaker("t", BreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  10 * time.Millisecond,
		SuccessThreshold: 2,
	}, nil)

	b.recordFailure()
	assert.Equal(t, BreakerOpen, b.State())

	time.Sleep(12 * time.Millisecond)
	require.True(t, b.allow())
	assert.Equal(t, BreakerHalfOpen, b.State())

	b.recordFailure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.allow())
}

func TestGetToolsForLLM(t *testing.T) {
	e := NewEngine(nil)
	require.NoError(t, e.RegisterTool(Definition{
		Name:        "search_docs",
		Description: "searches documentation",
		InputSchema: map[string]any{"type": "object"},
		Execute:     func(context.Context, map[string]any) (any, error) { return nil, nil },
	}))
	require.NoError(t, e.RegisterTool(echoTool("echo")))

	llmTools := e.GetToolsForLLM()
	require.Len(t, llmTools, 2)
	assert.Equal(t, "echo", llmTools[0].Name)
	assert.Equal(t, "search_docs", llmTools[1].Name)
	assert.Equal(t, "searches documentation", llmTools[1].Description)
}
