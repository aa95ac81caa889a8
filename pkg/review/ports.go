package review

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// ReviewEvent is the terminal review verdict submitted to the platform.
type ReviewEvent string

const (
	EventApprove        ReviewEvent = "APPROVE"
	EventRequestChanges ReviewEvent = "REQUEST_CHANGES"
)

// ReviewStateChangesRequested is the platform review state that must
// never be overwritten by an approval.
const ReviewStateChangesRequested = "CHANGES_REQUESTED"

// Platform is the Git hosting surface the pipeline talks to.
type Platform interface {
	// ChangedFiles enumerates the PR diff before ignore filtering.
	ChangedFiles(ctx context.Context, pr PullRequest) ([]ChangedFile, error)

	// PostComment creates a PR-level comment and returns its id.
	PostComment(ctx context.Context, pr PullRequest, body string) (string, error)

	// UpdateComment rewrites an existing comment body.
	UpdateComment(ctx context.Context, pr PullRequest, commentID, body string) error

	// MinimizeComment collapses the previous run's start comment.
	MinimizeComment(ctx context.Context, pr PullRequest, commentID string) error

	// CreateLineComments materializes file line comments.
	CreateLineComments(ctx context.Context, pr PullRequest, comments []Comment) error

	// ResolveComments marks prior comments whose suggestions were
	// implemented as resolved.
	ResolveComments(ctx context.Context, pr PullRequest, commentIDs []string) error

	// ReviewState returns the platform's current review decision for
	// the PR, empty when none exists.
	ReviewState(ctx context.Context, pr PullRequest) (string, error)

	// SubmitReview posts an approval or a change request.
	SubmitReview(ctx context.Context, pr PullRequest, event ReviewEvent, body string) error
}

// StateStore persists per-PR review state between runs.
type StateStore interface {
	// CadenceState returns the persisted automatic-review state.
	CadenceState(ctx context.Context, pr PullRequest) (CadenceState, error)
	SaveCadenceState(ctx context.Context, pr PullRequest, state CadenceState) error

	// LastAnalyzedCommit returns the head SHA of the last successful
	// review, empty when the PR was never reviewed.
	LastAnalyzedCommit(ctx context.Context, pr PullRequest) (string, error)

	// SuccessfulReviewsSince counts successful reviews after the cutoff.
	SuccessfulReviewsSince(ctx context.Context, pr PullRequest, since time.Time) (int, error)

	// RecordReview appends one run to the PR's review history.
	RecordReview(ctx context.Context, pr PullRequest, rec ReviewRecord) error

	// OpenSuggestions returns suggestions sent on earlier runs that are
	// still open.
	OpenSuggestions(ctx context.Context, pr PullRequest) ([]Suggestion, error)
	SaveOpenSuggestions(ctx context.Context, pr PullRequest, suggestions []Suggestion) error
}

// ConfigSource resolves the effective review config for a change set.
// Resolution order is per-directory, then repo-level, then global.
type ConfigSource interface {
	Resolve(ctx context.Context, repository string, changedDirs []string) (*Config, error)
}

// StaticConfigSource serves one fixed config for every repository.
type StaticConfigSource struct {
	Config *Config
}

// Resolve implements ConfigSource.
func (s StaticConfigSource) Resolve(context.Context, string, []string) (*Config, error) {
	return s.Config, nil
}

// MemoryStateStore is the in-process StateStore used for tests and the
// inmemory storage kind.
type MemoryStateStore struct {
	mu          sync.RWMutex
	cadence     map[string]CadenceState
	history     map[string][]ReviewRecord
	suggestions map[string][]Suggestion
}

// NewMemoryStateStore creates an empty in-memory state store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		cadence:     make(map[string]CadenceState),
		history:     make(map[string][]ReviewRecord),
		suggestions: make(map[string][]Suggestion),
	}
}

func prKey(pr PullRequest) string {
	return pr.Repository + "#" + strconv.Itoa(pr.Number)
}

// CadenceState implements StateStore.
func (s *MemoryStateStore) CadenceState(_ context.Context, pr PullRequest) (CadenceState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cadence[prKey(pr)], nil
}

// SaveCadenceState implements StateStore.
func (s *MemoryStateStore) SaveCadenceState(_ context.Context, pr PullRequest, state CadenceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cadence[prKey(pr)] = state
	return nil
}

// LastAnalyzedCommit implements StateStore.
func (s *MemoryStateStore) LastAnalyzedCommit(_ context.Context, pr PullRequest) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.history[prKey(pr)]
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].Success {
			return recs[i].HeadSHA, nil
		}
	}
	return "", nil
}

// SuccessfulReviewsSince implements StateStore.
func (s *MemoryStateStore) SuccessfulReviewsSince(_ context.Context, pr PullRequest, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, rec := range s.history[prKey(pr)] {
		if rec.Success && rec.FinishedAt.After(since) {
			count++
		}
	}
	return count, nil
}

// RecordReview implements StateStore.
func (s *MemoryStateStore) RecordReview(_ context.Context, pr PullRequest, rec ReviewRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := prKey(pr)
	s.history[key] = append(s.history[key], rec)
	return nil
}

// OpenSuggestions implements StateStore.
func (s *MemoryStateStore) OpenSuggestions(_ context.Context, pr PullRequest) ([]Suggestion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneSlice(s.suggestions[prKey(pr)]), nil
}

// SaveOpenSuggestions implements StateStore.
func (s *MemoryStateStore) SaveOpenSuggestions(_ context.Context, pr PullRequest, suggestions []Suggestion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suggestions[prKey(pr)] = cloneSlice(suggestions)
	return nil
}
