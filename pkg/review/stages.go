package review

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Deps carries everything the code-review stages need.
type Deps struct {
	Platform Platform
	State    StateStore
	Configs  ConfigSource
	Analyzer *Analyzer
	Filter   *Filter
	Logger   *slog.Logger

	// Now is injectable for cadence tests; nil means time.Now.
	Now func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// CodeReviewStages returns the fixed stage order of the code-review
// pipeline.
func CodeReviewStages(d Deps) []Stage {
	return []Stage{
		validateNewCommits{d},
		resolveConfig{d},
		validateConfig{d},
		fetchChangedFiles{d},
		initialComment{d},
		processFilesPrLevelReview{d},
		processFilesReview{d},
		createPrLevelComments{d},
		createFileComments{d},
		aggregateResults{d},
		updateCommentsAndGenerateSummary{d},
		requestChangesOrApprove{d},
	}
}

// 1. ValidateNewCommits skips when nothing changed since the last
// analyzed commit.
type validateNewCommits struct{ d Deps }

func (validateNewCommits) Name() string { return "ValidateNewCommits" }

func (s validateNewCommits) Run(ctx context.Context, pc *PipelineContext) (*PipelineContext, error) {
	last, err := s.d.State.LastAnalyzedCommit(ctx, pc.PullRequest)
	if err != nil {
		return nil, fmt.Errorf("failed to load last analyzed commit: %w", err)
	}
	if last != "" && last == pc.PullRequest.HeadSHA {
		return pc.Skip(ReasonProcessingNoNewCommits, "head commit already reviewed"), nil
	}
	return pc, nil
}

// 2. ResolveConfig locates the effective review config for the change
// set, falling back from directory to repo to global level inside the
// ConfigSource.
type resolveConfig struct{ d Deps }

func (resolveConfig) Name() string { return "ResolveConfig" }

func (s resolveConfig) Run(ctx context.Context, pc *PipelineContext) (*PipelineContext, error) {
	files := pc.Files
	if len(files) == 0 {
		// Directory-level config lookup needs the changed paths before
		// the full fetch in stage 4.
		if listed, err := s.d.Platform.ChangedFiles(ctx, pc.PullRequest); err == nil {
			files = listed
		}
	}
	cfg, err := s.d.Configs.Resolve(ctx, pc.PullRequest.Repository, changedDirs(files))
	if err != nil {
		return pc.Skip(ReasonFailedResolveConfig, err.Error()), nil
	}
	out := pc.Clone()
	out.Config = cfg
	return out, nil
}

func changedDirs(files []ChangedFile) []string {
	seen := make(map[string]bool)
	var dirs []string
	for _, f := range files {
		dir := path.Dir(f.Path)
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}
	sort.Strings(dirs)
	return dirs
}

// 3. ValidateConfig applies the review-cadence policy.
type validateConfig struct{ d Deps }

func (validateConfig) Name() string { return "ValidateConfig" }

func (s validateConfig) Run(ctx context.Context, pc *PipelineContext) (*PipelineContext, error) {
	if pc.Config == nil {
		return pc.Skip(ReasonNoConfigInContext, "no review config resolved"), nil
	}

	decision, err := evaluateCadence(ctx, s.d.State, pc.PullRequest, pc.Config, pc.Origin, s.d.now())
	if err != nil {
		return pc.Skip(ReasonConfigValidation, err.Error()), nil
	}
	applyCadence(ctx, decision, s.d.State, s.d.Platform, pc.PullRequest, s.d.logger())

	if !decision.process {
		return pc.Skip(decision.reason, decision.message), nil
	}
	return pc, nil
}

// 4. FetchChangedFiles enumerates the diff, applies ignore globs,
// enriches files with per-hunk line numbers and computes stats. Runs
// over 500 files are skipped.
type fetchChangedFiles struct{ d Deps }

func (fetchChangedFiles) Name() string { return "FetchChangedFiles" }

func (s fetchChangedFiles) Run(ctx context.Context, pc *PipelineContext) (*PipelineContext, error) {
	files, err := s.d.Platform.ChangedFiles(ctx, pc.PullRequest)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch changed files: %w", err)
	}
	if len(files) == 0 {
		return pc.Skip(ReasonNoFilesInPR, "pull request has no changed files"), nil
	}

	files = applyIgnorePatterns(files, pc.Config.IgnorePaths)
	if len(files) == 0 {
		return pc.Skip(ReasonNoFilesAfterIgnore, "all changed files matched ignore patterns"), nil
	}
	if len(files) > maxReviewableFiles {
		return pc.Skip(ReasonTooManyFiles,
			fmt.Sprintf("%d changed files exceed the %d file limit", len(files), maxReviewableFiles)), nil
	}

	stats := FileStats{TotalFiles: len(files)}
	for i := range files {
		if len(files[i].Hunks) == 0 {
			files[i].Hunks = parseHunks(files[i].Patch)
		}
		stats.TotalAdditions += files[i].Additions
		stats.TotalDeletions += files[i].Deletions
		stats.TotalHunks += len(files[i].Hunks)
	}

	prior, err := s.d.State.OpenSuggestions(ctx, pc.PullRequest)
	if err != nil {
		s.d.logger().Warn("Failed to load prior suggestions", "error", err)
	}

	out := pc.Clone()
	out.Files = files
	out.Stats = stats
	out.PriorSuggestions = prior
	return out, nil
}

// hunkHeader matches "@@ -oldStart,oldLines +newStart,newLines @@".
var hunkHeader = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// parseHunks extracts hunks with line numbers from a unified diff
// patch.
func parseHunks(patch string) []Hunk {
	var (
		hunks   []Hunk
		current *Hunk
		body    strings.Builder
	)
	flush := func() {
		if current != nil {
			current.Body = body.String()
			hunks = append(hunks, *current)
			body.Reset()
			current = nil
		}
	}
	for _, line := range strings.Split(patch, "\n") {
		if m := hunkHeader.FindStringSubmatch(line); m != nil {
			flush()
			current = &Hunk{
				OldStart: atoiDefault(m[1], 0),
				OldLines: atoiDefault(m[2], 1),
				NewStart: atoiDefault(m[3], 0),
				NewLines: atoiDefault(m[4], 1),
			}
			continue
		}
		if current != nil {
			if body.Len() > 0 {
				body.WriteByte('\n')
			}
			body.WriteString(line)
		}
	}
	flush()
	return hunks
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// applyIgnorePatterns drops files matching any glob. A pattern ending
// in "/**" ignores the whole subtree.
func applyIgnorePatterns(files []ChangedFile, patterns []string) []ChangedFile {
	if len(patterns) == 0 {
		return files
	}
	out := files[:0:0]
	for _, f := range files {
		if !matchesAny(f.Path, patterns) {
			out = append(out, f)
		}
	}
	return out
}

func matchesAny(filePath string, patterns []string) bool {
	for _, pattern := range patterns {
		if prefix, ok := strings.CutSuffix(pattern, "/**"); ok {
			if filePath == prefix || strings.HasPrefix(filePath, prefix+"/") {
				return true
			}
			continue
		}
		if ok, _ := path.Match(pattern, filePath); ok {
			return true
		}
		// Basename patterns like "*.pb.go" apply anywhere in the tree.
		if !strings.Contains(pattern, "/") {
			if ok, _ := path.Match(pattern, path.Base(filePath)); ok {
				return true
			}
		}
	}
	return false
}

// 5. InitialComment minimizes the previous start comment and posts a
// new one when configured.
type initialComment struct{ d Deps }

func (initialComment) Name() string { return "InitialComment" }

func (s initialComment) Run(ctx context.Context, pc *PipelineContext) (*PipelineContext, error) {
	out := pc.Clone()
	if pc.InitialCommentID != "" {
		if err := s.d.Platform.MinimizeComment(ctx, pc.PullRequest, pc.InitialCommentID); err != nil {
			s.d.logger().Warn("Failed to minimize previous start comment", "error", err)
		}
		out.InitialCommentID = ""
	}
	if pc.Config.StartReviewMessage != "" {
		id, err := s.d.Platform.PostComment(ctx, pc.PullRequest, pc.Config.StartReviewMessage)
		if err != nil {
			return nil, fmt.Errorf("failed to post start comment: %w", err)
		}
		out.InitialCommentID = id
	}
	return out, nil
}

// 6. ProcessFilesPrLevelReview runs the cross-file analysis.
type processFilesPrLevelReview struct{ d Deps }

func (processFilesPrLevelReview) Name() string { return "ProcessFilesPrLevelReview" }

func (s processFilesPrLevelReview) Run(ctx context.Context, pc *PipelineContext) (*PipelineContext, error) {
	suggestions, err := s.d.Analyzer.AnalyzePR(ctx, pc.PullRequest, pc.Files, pc.Stats)
	if err != nil {
		return nil, fmt.Errorf("PR-level analysis failed: %w", err)
	}
	out := pc.Clone()
	out.PRLevelSuggestions = assignIDs(suggestions)
	return out, nil
}

// 7. ProcessFilesReview batches the files and analyzes each batch with
// bounded concurrency, then merges the per-file outputs.
type processFilesReview struct{ d Deps }

func (processFilesReview) Name() string { return "ProcessFilesReview" }

func (s processFilesReview) Run(ctx context.Context, pc *PipelineContext) (*PipelineContext, error) {
	cfg := pc.Config.normalized()
	logger := s.d.logger()

	crossFileByPath := make(map[string][]Suggestion)
	for _, sg := range pc.PRLevelSuggestions {
		if sg.Path != "" {
			crossFileByPath[sg.Path] = append(crossFileByPath[sg.Path], sg)
		}
	}
	priorByPath := make(map[string][]Suggestion)
	for _, sg := range pc.PriorSuggestions {
		priorByPath[sg.Path] = append(priorByPath[sg.Path], sg)
	}

	var all []Suggestion
	for start := 0; start < len(pc.Files); start += cfg.BatchSize {
		end := min(start+cfg.BatchSize, len(pc.Files))
		batch := pc.Files[start:end]

		results, err := s.analyzeBatch(ctx, cfg, batch, crossFileByPath, priorByPath)
		if err != nil {
			return nil, err
		}
		all = append(all, results...)

		if end < len(pc.Files) && cfg.InterBatchDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(cfg.InterBatchDelay):
			}
		}
		logger.Info("Batch reviewed", "from", start, "to", end, "suggestions", len(results))
	}

	out := pc.Clone()
	out.FileSuggestions = all
	return out, nil
}

// analyzeBatch reviews one batch with at most MaxFilesInFlight files in
// flight. A failing file is logged and contributes nothing.
func (s processFilesReview) analyzeBatch(ctx context.Context, cfg *Config, batch []ChangedFile, crossFile, prior map[string][]Suggestion) ([]Suggestion, error) {
	sem := semaphore.NewWeighted(int64(cfg.MaxFilesInFlight))
	var (
		mu  sync.Mutex
		out []Suggestion
		wg  sync.WaitGroup
	)
	for _, file := range batch {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		wg.Add(1)
		go func(file ChangedFile) {
			defer wg.Done()
			defer sem.Release(1)

			raw, err := s.d.Analyzer.AnalyzeFile(ctx, file)
			if err != nil {
				s.d.logger().Warn("File analysis failed", "file", file.Path, "error", err)
				return
			}
			filtered := s.d.Filter.Apply(ctx, cfg, file, raw, crossFile[file.Path], prior[file.Path])
			mu.Lock()
			out = append(out, filtered...)
			mu.Unlock()
		}(file)
	}
	wg.Wait()
	return out, nil
}

// 8. CreatePrLevelComments materializes PR-level suggestion comments.
type createPrLevelComments struct{ d Deps }

func (createPrLevelComments) Name() string { return "CreatePrLevelComments" }

func (s createPrLevelComments) Run(ctx context.Context, pc *PipelineContext) (*PipelineContext, error) {
	out := pc.Clone()
	for _, sg := range pc.PRLevelSuggestions {
		if sg.Path != "" {
			// File-scoped cross-file suggestions were merged into the
			// file pass.
			continue
		}
		id, err := s.d.Platform.PostComment(ctx, pc.PullRequest, formatSuggestion(sg))
		if err != nil {
			s.d.logger().Warn("Failed to post PR-level comment", "error", err)
			continue
		}
		out.Comments = append(out.Comments, Comment{
			ID: id, Body: sg.Content, Severity: sg.Severity, Suggestion: sg.ID,
		})
	}
	return out, nil
}

// 9. CreateFileComments materializes line comments and auto-resolves
// prior comments whose suggestions were implemented.
type createFileComments struct{ d Deps }

func (createFileComments) Name() string { return "CreateFileComments" }

func (s createFileComments) Run(ctx context.Context, pc *PipelineContext) (*PipelineContext, error) {
	out := pc.Clone()

	var comments []Comment
	for _, sg := range pc.FileSuggestions {
		comments = append(comments, Comment{
			Path:       sg.Path,
			Line:       sg.StartLine,
			Body:       formatSuggestion(sg),
			Severity:   sg.Severity,
			Suggestion: sg.ID,
		})
	}
	if len(comments) > 0 {
		if err := s.d.Platform.CreateLineComments(ctx, pc.PullRequest, comments); err != nil {
			return nil, fmt.Errorf("failed to create line comments: %w", err)
		}
		out.Comments = append(out.Comments, comments...)
	}

	// Resolve prior comments the new diff no longer triggers.
	resolved := markImplemented(pc.PriorSuggestions, pc.FileSuggestions)
	var resolvedIDs []string
	for _, p := range resolved {
		if p.Implemented {
			resolvedIDs = append(resolvedIDs, p.ID)
		}
	}
	if len(resolvedIDs) > 0 {
		if err := s.d.Platform.ResolveComments(ctx, pc.PullRequest, resolvedIDs); err != nil {
			s.d.logger().Warn("Failed to resolve implemented comments", "error", err)
		}
	}
	out.PriorSuggestions = resolved
	return out, nil
}

func formatSuggestion(s Suggestion) string {
	var sb strings.Builder
	if s.Severity != "" {
		fmt.Fprintf(&sb, "**[%s]** ", strings.ToUpper(string(s.Severity)))
	}
	sb.WriteString(s.Content)
	if s.SuggestedCode != "" {
		sb.WriteString("\n```suggestion\n")
		sb.WriteString(s.SuggestedCode)
		sb.WriteString("\n```")
	}
	return sb.String()
}

// 10. AggregateResults folds per-file results into the context and
// records the run in the review history.
type aggregateResults struct{ d Deps }

func (aggregateResults) Name() string { return "AggregateResults" }

func (s aggregateResults) Run(ctx context.Context, pc *PipelineContext) (*PipelineContext, error) {
	out := pc.Clone()
	out.Summary = Summary{
		FilesReviewed:      len(pc.Files),
		SuggestionsTotal:   len(pc.FileSuggestions) + len(pc.PRLevelSuggestions),
		SuggestionsPRLevel: len(pc.PRLevelSuggestions),
		CommentsCreated:    len(pc.Comments),
	}
	for _, c := range pc.Comments {
		if c.Severity == SeverityCritical {
			out.Summary.CriticalCount++
		}
	}

	if err := s.d.State.RecordReview(ctx, pc.PullRequest, ReviewRecord{
		HeadSHA:    pc.PullRequest.HeadSHA,
		FinishedAt: s.d.now(),
		Success:    true,
	}); err != nil {
		s.d.logger().Warn("Failed to record review", "error", err)
	}

	open := append(cloneSlice(pc.FileSuggestions), pc.PRLevelSuggestions...)
	if err := s.d.State.SaveOpenSuggestions(ctx, pc.PullRequest, open); err != nil {
		s.d.logger().Warn("Failed to persist open suggestions", "error", err)
	}
	return out, nil
}

// 11. UpdateCommentsAndGenerateSummary rewrites the start comment with
// the run summary.
type updateCommentsAndGenerateSummary struct{ d Deps }

func (updateCommentsAndGenerateSummary) Name() string { return "UpdateCommentsAndGenerateSummary" }

func (s updateCommentsAndGenerateSummary) Run(ctx context.Context, pc *PipelineContext) (*PipelineContext, error) {
	out := pc.Clone()
	out.SummaryText = fmt.Sprintf(
		"Reviewed %d files: %d suggestions (%d PR-level, %d critical).",
		pc.Summary.FilesReviewed, pc.Summary.SuggestionsTotal,
		pc.Summary.SuggestionsPRLevel, pc.Summary.CriticalCount)

	if pc.InitialCommentID != "" {
		if err := s.d.Platform.UpdateComment(ctx, pc.PullRequest, pc.InitialCommentID, out.SummaryText); err != nil {
			s.d.logger().Warn("Failed to update start comment with summary", "error", err)
		}
	}
	return out, nil
}

// 12. RequestChangesOrApprove submits the terminal verdict. An
// existing CHANGES_REQUESTED state is never overwritten by an
// approval.
type requestChangesOrApprove struct{ d Deps }

func (requestChangesOrApprove) Name() string { return "RequestChangesOrApprove" }

func (s requestChangesOrApprove) Run(ctx context.Context, pc *PipelineContext) (*PipelineContext, error) {
	if pc.Summary.CriticalCount > 0 {
		if err := s.d.Platform.SubmitReview(ctx, pc.PullRequest, EventRequestChanges,
			fmt.Sprintf("%d critical issues need attention before merge.", pc.Summary.CriticalCount)); err != nil {
			return nil, fmt.Errorf("failed to request changes: %w", err)
		}
		return pc, nil
	}

	if len(pc.Comments) == 0 {
		state, err := s.d.Platform.ReviewState(ctx, pc.PullRequest)
		if err != nil {
			return nil, fmt.Errorf("failed to read review state: %w", err)
		}
		if state == ReviewStateChangesRequested {
			return pc, nil
		}
		if err := s.d.Platform.SubmitReview(ctx, pc.PullRequest, EventApprove, "No issues found."); err != nil {
			return nil, fmt.Errorf("failed to approve: %w", err)
		}
	}
	return pc, nil
}
