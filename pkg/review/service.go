package review

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Service runs code-review pipelines and retains their results for
// status queries.
type Service struct {
	executor *Executor
	logger   *slog.Logger

	mu   sync.RWMutex
	runs map[string]*PipelineContext
}

// NewService builds the code-review pipeline from its dependencies.
func NewService(d Deps, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		executor: NewExecutor(logger, CodeReviewStages(d)...),
		logger:   logger.With("component", "review.service"),
		runs:     make(map[string]*PipelineContext),
	}
}

// Run executes one review for a pull request and returns the final
// pipeline context.
func (s *Service) Run(ctx context.Context, pr PullRequest, origin TriggerOrigin) *PipelineContext {
	pc := s.executor.Run(ctx, &PipelineContext{PullRequest: pr, Origin: origin})

	s.mu.Lock()
	s.runs[pc.PipelineID] = pc
	s.mu.Unlock()
	return pc
}

// Get returns a completed or in-progress run by pipeline id.
func (s *Service) Get(pipelineID string) (*PipelineContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pc, ok := s.runs[pipelineID]
	if !ok {
		return nil, fmt.Errorf("pipeline %q not found", pipelineID)
	}
	return pc, nil
}
