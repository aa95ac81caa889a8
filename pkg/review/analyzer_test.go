package review

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kodustech/kodus-flow/pkg/llm"
)

func TestParseSuggestions(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		count int
	}{
		{"bare array", `[{"content":"a"},{"content":"b"}]`, 2},
		{"wrapped object", `{"suggestions":[{"content":"a"}]}`, 1},
		{"code fence", "```json\n[{\"content\":\"a\"}]\n```", 1},
		{"trailing comma repaired", `[{"content":"a"},]`, 1},
		{"single quotes repaired", `[{'content': 'a'}]`, 1},
		{"empty array", `[]`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseSuggestions(tt.raw)
			require.NoError(t, err)
			assert.Len(t, got, tt.count)
		})
	}

	_, err := parseSuggestions("I could not produce JSON, sorry")
	require.Error(t, err)
}

func TestAnalyzeFileParsesAndStampsPath(t *testing.T) {
	adapter := llm.FuncAdapter(func(context.Context, []llm.Message, llm.CallOptions) (*llm.Response, error) {
		return &llm.Response{Content: `[{"content":"close the body","severity":"medium","start_line":11}]`}, nil
	})
	a := NewAnalyzer(adapter, DefaultConfig(), nil)

	got, err := a.AnalyzeFile(context.Background(), diffFile)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "svc/handler.go", got[0].Path)
	assert.Equal(t, SourceLLM, got[0].Source)
}

func TestAnalyzeFileRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int64
	adapter := llm.FuncAdapter(func(context.Context, []llm.Message, llm.CallOptions) (*llm.Response, error) {
		if calls.Add(1) < 2 {
			return nil, errors.New("rate limited")
		}
		return &llm.Response{Content: `[{"content":"ok"}]`}, nil
	})
	cfg := DefaultConfig()
	a := NewAnalyzer(adapter, cfg, nil)

	got, err := a.AnalyzeFile(context.Background(), diffFile)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, int64(2), calls.Load())
}

func TestAnalyzeFileDegradesToEmptyOnPersistentFailure(t *testing.T) {
	var calls atomic.Int64
	adapter := llm.FuncAdapter(func(context.Context, []llm.Message, llm.CallOptions) (*llm.Response, error) {
		calls.Add(1)
		return nil, errors.New("provider down")
	})
	cfg := DefaultConfig()
	a := NewAnalyzer(adapter, cfg, nil)

	got, err := a.AnalyzeFile(context.Background(), diffFile)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, int64(cfg.RetryAttempts), calls.Load())
}

func TestAnalyzeFileNoChunks(t *testing.T) {
	a := NewAnalyzer(llm.FuncAdapter(func(context.Context, []llm.Message, llm.CallOptions) (*llm.Response, error) {
		t.Fatal("adapter must not be called for an empty diff")
		return nil, nil
	}), DefaultConfig(), nil)

	got, err := a.AnalyzeFile(context.Background(), ChangedFile{Path: "empty.go"})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAnalyzeFileWithoutAdapter(t *testing.T) {
	a := NewAnalyzer(nil, DefaultConfig(), nil)
	_, err := a.AnalyzeFile(context.Background(), diffFile)
	assert.ErrorIs(t, err, llm.ErrNoAdapter)
}
