package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Mode selects how a multi-tool execution is scheduled.
type Mode string

const (
	ModeParallel    Mode = "parallel"
	ModeSequential  Mode = "sequential"
	ModeConditional Mode = "conditional"
	ModeAdaptive    Mode = "adaptive"
)

// MergePolicy selects how individual results fold into the aggregated
// result.
type MergePolicy string

const (
	// PolicyCombine preserves per-tool slots in call order.
	PolicyCombine MergePolicy = "combine"

	// PolicyMerge unions object results; later tools win on key
	// collision.
	PolicyMerge MergePolicy = "merge"

	// PolicyAggregate produces a detailed per-tool structure with a role
	// derived from the tool name.
	PolicyAggregate MergePolicy = "aggregate"

	// PolicySummarize produces a compact success/failure narrative.
	PolicySummarize MergePolicy = "summarize"
)

// Call is one entry of a multi-tool execution. Condition gates the call
// in conditional mode; a nil condition always runs.
type Call struct {
	Tool      string
	Input     map[string]any
	Condition func(prior []*Result) bool
}

// AggregationConfig tunes ExecuteMany.
type AggregationConfig struct {
	Mode           Mode
	Policy         MergePolicy
	MaxConcurrency int
	FailFast       bool
}

// Summary condenses a multi-tool execution.
type Summary struct {
	Total        int    `json:"total"`
	Successful   int    `json:"successful"`
	Failed       int    `json:"failed"`
	Strategy     string `json:"strategy"`
	ErrorSummary string `json:"error_summary,omitempty"`
}

// AggregateOutcome is the full result of ExecuteMany. Failures of
// individual tools never surface as an error at this boundary.
type AggregateOutcome struct {
	Aggregated any            `json:"aggregated_result"`
	Summary    Summary        `json:"summary"`
	Individual []*Result      `json:"individual_results"`
	Metadata   map[string]any `json:"metadata"`
}

// ExecuteMany runs a set of tool calls under the configured scheduling
// mode and folds the results with the merge policy.
func (e *Engine) ExecuteMany(ctx context.Context, calls []Call, cfg AggregationConfig) (*AggregateOutcome, error) {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyCombine
	}
	mode := cfg.Mode
	if mode == "" || mode == ModeAdaptive {
		mode = e.pickMode(calls)
	}
	start := time.Now()

	var results []*Result
	switch mode {
	case ModeParallel:
		results = e.runParallel(ctx, calls, cfg)
	case ModeSequential, ModeConditional:
		results = e.runSequential(ctx, calls, cfg, mode == ModeConditional)
	default:
		return nil, fmt.Errorf("unknown aggregation mode: %s", mode)
	}

	summary := summarize(results, string(mode))
	outcome := &AggregateOutcome{
		Aggregated: e.fold(cfg.Policy, calls, results, summary),
		Summary:    summary,
		Individual: results,
		Metadata: map[string]any{
			"mode":            string(mode),
			"policy":          string(cfg.Policy),
			"max_concurrency": cfg.MaxConcurrency,
			"duration_ms":     time.Since(start).Milliseconds(),
		},
	}
	return outcome, nil
}

// pickMode resolves adaptive scheduling: conditional calls force
// sequential order, anything else runs in parallel.
func (e *Engine) pickMode(calls []Call) Mode {
	for _, c := range calls {
		if c.Condition != nil {
			return ModeConditional
		}
	}
	return ModeParallel
}

func (e *Engine) runParallel(ctx context.Context, calls []Call, cfg AggregationConfig) []*Result {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := semaphore.NewWeighted(int64(cfg.MaxConcurrency))
	results := make([]*Result, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call Call) {
			defer wg.Done()
			if err := sem.Acquire(runCtx, 1); err != nil {
				results[i] = failure(call.Tool, err, 0)
				return
			}
			defer sem.Release(1)

			res, err := e.ExecuteCall(runCtx, call.Tool, call.Input)
			results[i] = res
			if err != nil && cfg.FailFast {
				// Cancels calls still waiting on the semaphore; in-flight
				// tools may still complete.
				cancel()
			}
		}(i, call)
	}
	wg.Wait()
	return results
}

func (e *Engine) runSequential(ctx context.Context, calls []Call, cfg AggregationConfig, conditional bool) []*Result {
	results := make([]*Result, 0, len(calls))
	for _, call := range calls {
		if conditional && call.Condition != nil && !call.Condition(results) {
			continue
		}
		res, err := e.ExecuteCall(ctx, call.Tool, call.Input)
		results = append(results, res)
		if err != nil && cfg.FailFast {
			break
		}
	}
	return results
}

func summarize(results []*Result, strategy string) Summary {
	s := Summary{Total: len(results), Strategy: strategy}
	var errs []string
	for _, r := range results {
		if r == nil {
			continue
		}
		if r.Success {
			s.Successful++
		} else {
			s.Failed++
			errs = append(errs, fmt.Sprintf("%s: %s", r.ToolName, r.Error))
		}
	}
	s.ErrorSummary = strings.Join(errs, "; ")
	return s
}

// fold applies the merge policy.
func (e *Engine) fold(policy MergePolicy, calls []Call, results []*Result, summary Summary) any {
	switch policy {
	case PolicyMerge:
		merged := make(map[string]any)
		for _, r := range results {
			if r == nil || !r.Success {
				continue
			}
			if obj, ok := r.Output.(map[string]any); ok {
				for k, v := range obj {
					merged[k] = v
				}
			}
		}
		return merged

	case PolicyAggregate:
		byTool := make(map[string]any, len(results))
		for _, r := range results {
			if r == nil {
				continue
			}
			entry := map[string]any{
				"success": r.Success,
				"role":    toolRole(r.ToolName),
			}
			if r.Success {
				entry["output"] = r.Output
			} else {
				entry["error"] = r.Error
				entry["error_kind"] = string(r.ErrorKind)
			}
			byTool[r.ToolName] = entry
		}
		return map[string]any{
			"results": byTool,
			"stats": map[string]any{
				"total":      summary.Total,
				"successful": summary.Successful,
				"failed":     summary.Failed,
			},
		}

	case PolicySummarize:
		text := fmt.Sprintf("%d tools executed: %d succeeded, %d failed",
			summary.Total, summary.Successful, summary.Failed)
		if summary.ErrorSummary != "" {
			text += " (" + summary.ErrorSummary + ")"
		}
		return text

	default: // PolicyCombine
		slots := make([]any, len(results))
		for i, r := range results {
			if r != nil && r.Success {
				slots[i] = r.Output
			}
		}
		return slots
	}
}

// toolRole guesses a tool's role from its name for the aggregate
// policy's per-tool transformation.
func toolRole(name string) string {
	n := strings.ToLower(name)
	switch {
	case containsAny(n, "fetch", "get", "search", "retriev", "query", "read"):
		return "retrieval"
	case containsAny(n, "process", "transform", "convert", "parse"):
		return "processing"
	case containsAny(n, "validat", "check", "verify", "lint"):
		return "validation"
	case containsAny(n, "generat", "create", "build", "write"):
		return "generation"
	default:
		return "generic"
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
