package review

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kaptinlin/jsonrepair"
	"golang.org/x/sync/semaphore"

	"github.com/kodustech/kodus-flow/pkg/llm"
)

const fileAnalysisPrompt = `You are a code reviewer. Analyze the diff below and respond with a JSON
array of suggestions. Each suggestion has: "content", "category",
"severity" (low|medium|high|critical), "start_line", "end_line",
"existing_code", "suggested_code". Respond with JSON only.`

const prAnalysisPrompt = `You are a code reviewer looking at a whole pull request. Identify
cross-file and design-level issues. Respond with a JSON array of
suggestions, each with "content", "category" and "severity". Respond
with JSON only.`

// Analyzer turns diffs into raw suggestions through the LLM adapter.
// Each chunk retries independently with exponential backoff and
// degrades to an empty suggestion set when all attempts fail.
type Analyzer struct {
	adapter llm.Adapter
	logger  *slog.Logger

	maxConcurrentChunks int64
	retryAttempts       uint64
	maxRetryDelay       time.Duration
}

// NewAnalyzer creates an analyzer with the config's chunk tunables.
func NewAnalyzer(adapter llm.Adapter, cfg *Config, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.normalized()
	return &Analyzer{
		adapter:             adapter,
		logger:              logger.With("component", "review.analyzer"),
		maxConcurrentChunks: int64(cfg.MaxConcurrentChunks),
		retryAttempts:       uint64(cfg.RetryAttempts),
		maxRetryDelay:       cfg.MaxRetryDelay,
	}
}

// AnalyzeFile reviews one changed file. The file's hunks are analyzed
// as independent chunks under bounded concurrency; a chunk that keeps
// failing contributes nothing rather than failing the file.
func (a *Analyzer) AnalyzeFile(ctx context.Context, file ChangedFile) ([]Suggestion, error) {
	if a.adapter == nil {
		return nil, llm.ErrNoAdapter
	}

	chunks := splitChunks(file)
	if len(chunks) == 0 {
		return nil, nil
	}

	sem := semaphore.NewWeighted(a.maxConcurrentChunks)
	var (
		mu  sync.Mutex
		out []Suggestion
		wg  sync.WaitGroup
	)
	for _, chunk := range chunks {
		if err := sem.Acquire(ctx, 1); err != nil {
			return out, err
		}
		wg.Add(1)
		go func(chunk string) {
			defer wg.Done()
			defer sem.Release(1)

			suggestions, err := a.analyzeChunk(ctx, file.Path, chunk)
			if err != nil {
				a.logger.Warn("Chunk analysis failed after retries, dropping chunk",
					"file", file.Path, "error", err)
				return
			}
			mu.Lock()
			out = append(out, suggestions...)
			mu.Unlock()
		}(chunk)
	}
	wg.Wait()

	for i := range out {
		out[i].Path = file.Path
		if out[i].Source == "" {
			out[i].Source = SourceLLM
		}
	}
	return out, nil
}

// AnalyzePR runs the PR-level cross-file analysis over the whole
// change set.
func (a *Analyzer) AnalyzePR(ctx context.Context, pr PullRequest, files []ChangedFile, stats FileStats) ([]Suggestion, error) {
	if a.adapter == nil {
		return nil, llm.ErrNoAdapter
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Pull request: %s (%d files, +%d -%d)\n\n",
		pr.Title, stats.TotalFiles, stats.TotalAdditions, stats.TotalDeletions)
	for _, f := range files {
		fmt.Fprintf(&sb, "--- %s (%s, +%d -%d)\n%s\n", f.Path, f.Status, f.Additions, f.Deletions, f.Patch)
	}

	suggestions, err := a.analyzeChunk(ctx, "", sb.String())
	if err != nil {
		return nil, err
	}
	for i := range suggestions {
		suggestions[i].Source = SourceCrossFile
	}
	return suggestions, nil
}

// analyzeChunk is one LLM call with its own retry schedule.
func (a *Analyzer) analyzeChunk(ctx context.Context, path, chunk string) ([]Suggestion, error) {
	prompt := fileAnalysisPrompt
	content := chunk
	if path != "" {
		content = "File: " + path + "\n\n" + chunk
	} else {
		prompt = prAnalysisPrompt
	}
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: prompt},
		{Role: llm.RoleUser, Content: content},
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = a.maxRetryDelay
	policy.MaxElapsedTime = 0

	var suggestions []Suggestion
	operation := func() error {
		resp, err := a.adapter.Call(ctx, messages, llm.CallOptions{})
		if err != nil {
			return err
		}
		parsed, err := parseSuggestions(resp.Content)
		if err != nil {
			return err
		}
		suggestions = parsed
		return nil
	}

	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, a.retryAttempts-1), ctx))
	if err != nil {
		return nil, err
	}
	return suggestions, nil
}

// parseSuggestions decodes the model output, repairing malformed JSON
// before giving up. Accepts either a bare array or an object with a
// "suggestions" field.
func parseSuggestions(raw string) ([]Suggestion, error) {
	raw = stripCodeFence(raw)

	suggestions, err := decodeSuggestions(raw)
	if err == nil {
		return suggestions, nil
	}

	repaired, repairErr := jsonrepair.JSONRepair(raw)
	if repairErr != nil {
		return nil, fmt.Errorf("failed to parse suggestions: %w", err)
	}
	suggestions, err = decodeSuggestions(repaired)
	if err != nil {
		return nil, fmt.Errorf("failed to parse repaired suggestions: %w", err)
	}
	return suggestions, nil
}

func decodeSuggestions(raw string) ([]Suggestion, error) {
	var list []Suggestion
	if err := json.Unmarshal([]byte(raw), &list); err == nil {
		return list, nil
	}
	var wrapped struct {
		Suggestions []Suggestion `json:"suggestions"`
	}
	if err := json.Unmarshal([]byte(raw), &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Suggestions, nil
}

// stripCodeFence removes a surrounding markdown fence if present.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// splitChunks returns one analysis unit per hunk, falling back to the
// whole patch when hunks were not parsed.
func splitChunks(file ChangedFile) []string {
	if len(file.Hunks) == 0 {
		if strings.TrimSpace(file.Patch) == "" {
			return nil
		}
		return []string{file.Patch}
	}
	chunks := make([]string, 0, len(file.Hunks))
	for _, h := range file.Hunks {
		if strings.TrimSpace(h.Body) == "" {
			continue
		}
		chunks = append(chunks, h.Body)
	}
	return chunks
}
