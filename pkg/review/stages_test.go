package review

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kodustech/kodus-flow/pkg/llm"
)

type fakePlatform struct {
	mu sync.Mutex

	files []ChangedFile

	comments     map[string]string
	lineComments []Comment
	minimized    []string
	resolved     []string
	reviewState  string
	reviews      []ReviewEvent
	nextID       int
}

func newFakePlatform(files ...ChangedFile) *fakePlatform {
	return &fakePlatform{files: files, comments: make(map[string]string)}
}

func (p *fakePlatform) ChangedFiles(context.Context, PullRequest) ([]ChangedFile, error) {
	return cloneSlice(p.files), nil
}

func (p *fakePlatform) PostComment(_ context.Context, _ PullRequest, body string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := "c-" + strconv.Itoa(p.nextID)
	p.comments[id] = body
	return id, nil
}

func (p *fakePlatform) UpdateComment(_ context.Context, _ PullRequest, commentID, body string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.comments[commentID] = body
	return nil
}

func (p *fakePlatform) MinimizeComment(_ context.Context, _ PullRequest, commentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.minimized = append(p.minimized, commentID)
	return nil
}

func (p *fakePlatform) CreateLineComments(_ context.Context, _ PullRequest, comments []Comment) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lineComments = append(p.lineComments, comments...)
	return nil
}

func (p *fakePlatform) ResolveComments(_ context.Context, _ PullRequest, ids []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resolved = append(p.resolved, ids...)
	return nil
}

func (p *fakePlatform) ReviewState(context.Context, PullRequest) (string, error) {
	return p.reviewState, nil
}

func (p *fakePlatform) SubmitReview(_ context.Context, _ PullRequest, event ReviewEvent, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reviews = append(p.reviews, event)
	return nil
}

const samplePatch = `@@ -1,3 +1,4 @@
 package main
+import "errors"
 func main() {
 }`

// reviewAdapter answers the PR-level prompt with no findings and every
// file chunk with one high-severity suggestion on a changed line.
var reviewAdapter = llm.FuncAdapter(func(_ context.Context, msgs []llm.Message, _ llm.CallOptions) (*llm.Response, error) {
	if strings.Contains(msgs[0].Content, "whole pull request") {
		return &llm.Response{Content: `[]`}, nil
	}
	return &llm.Response{Content: `[{"content":"wrap the error with context","category":"error_handling","severity":"high","start_line":2,"end_line":2}]`}, nil
})

func testDeps(platform *fakePlatform, store *MemoryStateStore, cfg *Config, adapter llm.Adapter) Deps {
	return Deps{
		Platform: platform,
		State:    store,
		Configs:  StaticConfigSource{Config: cfg},
		Analyzer: NewAnalyzer(adapter, cfg, nil),
		Filter:   NewFilter(nil, nil),
	}
}

func TestPipelineHappyPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StartReviewMessage = "Starting review"
	platform := newFakePlatform(ChangedFile{
		Path: "main.go", Status: "modified", Patch: samplePatch, Additions: 1,
	})
	store := NewMemoryStateStore()
	svc := NewService(testDeps(platform, store, cfg, reviewAdapter), nil)

	pr := PullRequest{Repository: "org/repo", Number: 7, HeadSHA: "abc123"}
	pc := svc.Run(context.Background(), pr, OriginPush)

	require.Equal(t, StatusSuccess, pc.StatusInfo.Status)
	assert.Equal(t, 1, pc.Summary.FilesReviewed)
	assert.Equal(t, 1, pc.Summary.SuggestionsTotal)
	require.Len(t, platform.lineComments, 1)
	assert.Equal(t, "main.go", platform.lineComments[0].Path)
	assert.Equal(t, 2, platform.lineComments[0].Line)
	assert.Contains(t, platform.lineComments[0].Body, "wrap the error")

	// The start comment was posted and then updated with the summary.
	require.NotEmpty(t, pc.InitialCommentID)
	assert.Contains(t, platform.comments[pc.InitialCommentID], "Reviewed 1 files")

	// The run is recorded, so an identical head skips next time.
	last, err := store.LastAnalyzedCommit(context.Background(), pr)
	require.NoError(t, err)
	assert.Equal(t, "abc123", last)

	again := svc.Run(context.Background(), pr, OriginPush)
	assert.Equal(t, StatusSkipped, again.StatusInfo.Status)
	assert.Equal(t, ReasonProcessingNoNewCommits, again.StatusInfo.Reason)

	// Results are queryable by pipeline id.
	got, err := svc.Get(pc.PipelineID)
	require.NoError(t, err)
	assert.Equal(t, pc.PipelineID, got.PipelineID)
}

func TestPipelineBurstPause(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CadenceMode = CadenceAutoPause
	cfg.PushesToTrigger = 3
	cfg.TimeWindow = 15 * time.Minute

	platform := newFakePlatform(ChangedFile{Path: "main.go", Patch: samplePatch})
	store := NewMemoryStateStore()
	pr := PullRequest{Repository: "org/repo", Number: 8, HeadSHA: "new-sha"}

	now := time.Now()
	seedReviews(t, store, pr,
		now.Add(-14*time.Minute), now.Add(-9*time.Minute), now.Add(-time.Minute))

	svc := NewService(testDeps(platform, store, cfg, reviewAdapter), nil)
	pc := svc.Run(context.Background(), pr, OriginPush)

	assert.Equal(t, StatusSkipped, pc.StatusInfo.Status)
	assert.Equal(t, ReasonPausedBurstPushes, pc.StatusInfo.Reason)

	// A pause comment was posted and the PR is persisted as paused.
	assert.Len(t, platform.comments, 1)
	state, err := store.CadenceState(context.Background(), pr)
	require.NoError(t, err)
	assert.Equal(t, CadenceStatusPaused, state.CurrentStatus)
}

func TestFetchChangedFilesBoundaries(t *testing.T) {
	cfg := DefaultConfig()
	store := NewMemoryStateStore()
	pr := PullRequest{Repository: "org/repo", Number: 9, HeadSHA: "sha"}

	t.Run("no files in PR", func(t *testing.T) {
		svc := NewService(testDeps(newFakePlatform(), store, cfg, reviewAdapter), nil)
		pc := svc.Run(context.Background(), pr, OriginPush)
		assert.Equal(t, ReasonNoFilesInPR, pc.StatusInfo.Reason)
	})

	t.Run("all files ignored", func(t *testing.T) {
		ignoring := DefaultConfig()
		ignoring.IgnorePaths = []string{"vendor/**", "*.pb.go"}
		platform := newFakePlatform(
			ChangedFile{Path: "vendor/mod/a.go"},
			ChangedFile{Path: "api/service.pb.go"},
		)
		svc := NewService(testDeps(platform, store, ignoring, reviewAdapter), nil)
		pc := svc.Run(context.Background(), pr, OriginPush)
		assert.Equal(t, ReasonNoFilesAfterIgnore, pc.StatusInfo.Reason)
	})

	t.Run("too many files", func(t *testing.T) {
		files := make([]ChangedFile, maxReviewableFiles+1)
		for i := range files {
			files[i] = ChangedFile{Path: "f" + strconv.Itoa(i) + ".go", Patch: samplePatch}
		}
		svc := NewService(testDeps(newFakePlatform(files...), store, cfg, reviewAdapter), nil)
		pc := svc.Run(context.Background(), pr, OriginPush)
		assert.Equal(t, ReasonTooManyFiles, pc.StatusInfo.Reason)
	})
}

func TestRequestChangesOnCritical(t *testing.T) {
	critical := llm.FuncAdapter(func(_ context.Context, msgs []llm.Message, _ llm.CallOptions) (*llm.Response, error) {
		if strings.Contains(msgs[0].Content, "whole pull request") {
			return &llm.Response{Content: `[]`}, nil
		}
		return &llm.Response{Content: `[{"content":"sql injection","category":"security","severity":"critical","start_line":2,"end_line":2}]`}, nil
	})

	platform := newFakePlatform(ChangedFile{Path: "main.go", Patch: samplePatch})
	svc := NewService(testDeps(platform, NewMemoryStateStore(), DefaultConfig(), critical), nil)

	pc := svc.Run(context.Background(),
		PullRequest{Repository: "org/repo", Number: 10, HeadSHA: "sha"}, OriginPush)

	require.Equal(t, StatusSuccess, pc.StatusInfo.Status)
	assert.Equal(t, 1, pc.Summary.CriticalCount)
	require.Len(t, platform.reviews, 1)
	assert.Equal(t, EventRequestChanges, platform.reviews[0])
}

func TestApproveNeverOverwritesChangesRequested(t *testing.T) {
	clean := llm.FuncAdapter(func(context.Context, []llm.Message, llm.CallOptions) (*llm.Response, error) {
		return &llm.Response{Content: `[]`}, nil
	})

	platform := newFakePlatform(ChangedFile{Path: "main.go", Patch: samplePatch})
	platform.reviewState = ReviewStateChangesRequested
	svc := NewService(testDeps(platform, NewMemoryStateStore(), DefaultConfig(), clean), nil)

	pc := svc.Run(context.Background(),
		PullRequest{Repository: "org/repo", Number: 11, HeadSHA: "sha"}, OriginPush)

	require.Equal(t, StatusSuccess, pc.StatusInfo.Status)
	assert.Empty(t, platform.reviews)
}

func TestParseHunks(t *testing.T) {
	hunks := parseHunks(samplePatch)
	require.Len(t, hunks, 1)
	assert.Equal(t, 1, hunks[0].NewStart)
	assert.Equal(t, 4, hunks[0].NewLines)
	assert.Contains(t, hunks[0].Body, `+import "errors"`)

	multi := "@@ -1,2 +1,2 @@\n line\n@@ -10,3 +11,4 @@\n+added"
	hunks = parseHunks(multi)
	require.Len(t, hunks, 2)
	assert.Equal(t, 11, hunks[1].NewStart)
}

func TestMatchesAny(t *testing.T) {
	tests := []struct {
		path    string
		pattern string
		want    bool
	}{
		{"vendor/mod/a.go", "vendor/**", true},
		{"vendor", "vendor/**", true},
		{"notvendor/a.go", "vendor/**", false},
		{"api/service.pb.go", "*.pb.go", true},
		{"docs/readme.md", "docs/*.md", true},
		{"docs/deep/readme.md", "docs/*.md", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, matchesAny(tt.path, []string{tt.pattern}),
			"path %s pattern %s", tt.path, tt.pattern)
	}
}
