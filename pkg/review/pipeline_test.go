package review

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingStage notes each run and applies an optional transform.
type recordingStage struct {
	name string
	runs *[]string
	fn   func(pc *PipelineContext) (*PipelineContext, error)
}

func (s recordingStage) Name() string { return s.name }

func (s recordingStage) Run(_ context.Context, pc *PipelineContext) (*PipelineContext, error) {
	*s.runs = append(*s.runs, s.name)
	if s.fn == nil {
		return pc, nil
	}
	return s.fn(pc)
}

func TestExecutorStampsPipelineID(t *testing.T) {
	var runs []string
	exec := NewExecutor(nil, recordingStage{name: "a", runs: &runs})

	pc := exec.Run(context.Background(), &PipelineContext{})
	assert.NotEmpty(t, pc.PipelineID)
	assert.Equal(t, pc.PipelineID, pc.Metadata["pipeline_id"])
	assert.Equal(t, StatusSuccess, pc.StatusInfo.Status)
}

func TestExecutorStageErrorDoesNotAbort(t *testing.T) {
	var runs []string
	var idAtFailure string
	exec := NewExecutor(nil,
		recordingStage{name: "first", runs: &runs},
		recordingStage{name: "failing", runs: &runs, fn: func(pc *PipelineContext) (*PipelineContext, error) {
			idAtFailure = pc.PipelineID
			return nil, errors.New("stage blew up")
		}},
		recordingStage{name: "last", runs: &runs},
	)

	pc := exec.Run(context.Background(), &PipelineContext{})

	// All stages ran and the pipeline id never changed.
	assert.Equal(t, []string{"first", "failing", "last"}, runs)
	assert.Equal(t, idAtFailure, pc.PipelineID)
	assert.Equal(t, StatusSuccess, pc.StatusInfo.Status)
}

func TestExecutorSkipShortCircuits(t *testing.T) {
	var runs []string
	exec := NewExecutor(nil,
		recordingStage{name: "first", runs: &runs, fn: func(pc *PipelineContext) (*PipelineContext, error) {
			return pc.Skip(ReasonTooManyFiles, "too many"), nil
		}},
		recordingStage{name: "never", runs: &runs},
	)

	pc := exec.Run(context.Background(), &PipelineContext{})
	assert.Equal(t, []string{"first"}, runs)
	assert.Equal(t, StatusSkipped, pc.StatusInfo.Status)
	assert.Equal(t, ReasonTooManyFiles, pc.StatusInfo.Reason)
}

func TestCloneDoesNotAliasSlices(t *testing.T) {
	pc := &PipelineContext{
		Files:    []ChangedFile{{Path: "a.go"}},
		Comments: []Comment{{Body: "x"}},
	}
	clone := pc.Clone()
	clone.Files[0].Path = "b.go"
	clone.Comments = append(clone.Comments, Comment{Body: "y"})

	assert.Equal(t, "a.go", pc.Files[0].Path)
	require.Len(t, pc.Comments, 1)
}
