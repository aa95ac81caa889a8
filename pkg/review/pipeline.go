package review

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// PipelineContext is the typed context threaded through the stages.
// Stages produce the next context via functional update and never
// mutate their input.
type PipelineContext struct {
	PipelineID string         `json:"pipeline_id"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	StatusInfo StatusInfo     `json:"status_info"`

	PullRequest PullRequest   `json:"pull_request"`
	Origin      TriggerOrigin `json:"origin"`

	Config *Config `json:"config,omitempty"`

	Files []ChangedFile `json:"files,omitempty"`
	Stats FileStats     `json:"stats"`

	// PriorSuggestions were sent on earlier runs of this PR and are
	// still open; re-runs suppress duplicates against them.
	PriorSuggestions []Suggestion `json:"prior_suggestions,omitempty"`

	PRLevelSuggestions []Suggestion `json:"pr_level_suggestions,omitempty"`
	FileSuggestions    []Suggestion `json:"file_suggestions,omitempty"`
	Comments           []Comment    `json:"comments,omitempty"`

	Summary     Summary `json:"summary"`
	SummaryText string  `json:"summary_text,omitempty"`

	// InitialCommentID is the start-review comment posted by stage 5,
	// updated with the summary by stage 11.
	InitialCommentID string `json:"initial_comment_id,omitempty"`

	StartedAt time.Time `json:"started_at"`
}

// Clone returns a copy safe for the next stage to extend. Slices are
// copied shallowly; stages replace slices, they do not edit elements in
// place.
func (pc *PipelineContext) Clone() *PipelineContext {
	out := *pc
	out.Metadata = cloneMap(pc.Metadata)
	out.Files = cloneSlice(pc.Files)
	out.PriorSuggestions = cloneSlice(pc.PriorSuggestions)
	out.PRLevelSuggestions = cloneSlice(pc.PRLevelSuggestions)
	out.FileSuggestions = cloneSlice(pc.FileSuggestions)
	out.Comments = cloneSlice(pc.Comments)
	return &out
}

// Skip returns a copy with statusInfo set to skipped, which stops the
// pipeline after the current stage.
func (pc *PipelineContext) Skip(reason SkipReason, message string) *PipelineContext {
	out := pc.Clone()
	out.StatusInfo = StatusInfo{Status: StatusSkipped, Reason: reason, Message: message}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneSlice[T any](s []T) []T {
	if s == nil {
		return nil
	}
	out := make([]T, len(s))
	copy(out, s)
	return out
}

// Stage is one step of a pipeline.
type Stage interface {
	Name() string
	Run(ctx context.Context, pc *PipelineContext) (*PipelineContext, error)
}

// Executor runs an ordered sequence of stages over a pipeline context.
type Executor struct {
	stages []Stage
	logger *slog.Logger
}

// NewExecutor creates an executor over the given stage order.
func NewExecutor(logger *slog.Logger, stages ...Stage) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{stages: stages, logger: logger.With("component", "review.executor")}
}

// Run executes the stages in order. A stage error is logged and the
// next stage runs with the last good context; only an explicit skipped
// status stops the run early. The pipeline id stamped on the initial
// context never changes.
func (e *Executor) Run(ctx context.Context, pc *PipelineContext) *PipelineContext {
	pc = pc.Clone()
	pc.PipelineID = uuid.New().String()
	pc.StartedAt = time.Now()
	pc.StatusInfo = StatusInfo{Status: StatusRunning}
	if pc.Metadata == nil {
		pc.Metadata = make(map[string]any)
	}
	pc.Metadata["pipeline_id"] = pc.PipelineID
	pc.Metadata["started_at"] = pc.StartedAt

	logger := e.logger.With("pipeline_id", pc.PipelineID,
		"repository", pc.PullRequest.Repository, "pr", pc.PullRequest.Number)
	logger.Info("Pipeline started", "stages", len(e.stages))

	for _, stage := range e.stages {
		next, err := stage.Run(ctx, pc)
		if err != nil {
			logger.Error("Stage failed, continuing with last good context",
				"stage", stage.Name(), "error", err)
			continue
		}
		if next != nil {
			pc = next
		}
		if pc.StatusInfo.Status == StatusSkipped {
			logger.Info("Pipeline skipped",
				"stage", stage.Name(),
				"reason", pc.StatusInfo.Reason,
				"message", pc.StatusInfo.Message)
			return pc
		}
	}

	if pc.StatusInfo.Status == StatusRunning {
		pc.StatusInfo = StatusInfo{Status: StatusSuccess}
	}
	logger.Info("Pipeline finished",
		"status", pc.StatusInfo.Status,
		"duration", time.Since(pc.StartedAt))
	return pc
}
