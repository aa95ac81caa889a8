package review

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/kodustech/kodus-flow/pkg/llm"
)

const safeguardPrompt = `You are validating code review suggestions. For each suggestion decide
whether it is correct and actionable against the diff. Respond with a
JSON array of the ids to KEEP. Respond with JSON only.`

// Filter runs the suggestion filtering pipeline for one file: stable
// ids, category allow-list, diff intersection, clustering suppression,
// severity prioritization, LLM safeguard, merge, duplicate
// suppression and rank scoring.
type Filter struct {
	adapter llm.Adapter
	logger  *slog.Logger
	dmp     *diffmatchpatch.DiffMatchPatch
}

// NewFilter creates a filter. The adapter powers the safeguard step and
// may be nil, which skips it.
func NewFilter(adapter llm.Adapter, logger *slog.Logger) *Filter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Filter{
		adapter: adapter,
		logger:  logger.With("component", "review.filter"),
		dmp:     diffmatchpatch.New(),
	}
}

// Apply runs every filter step over the raw suggestions of one file.
// extra carries the merge inputs: Kody-rules, AST and cross-file
// suggestions targeting this file.
func (f *Filter) Apply(ctx context.Context, cfg *Config, file ChangedFile, raw, extra, prior []Suggestion) []Suggestion {
	// 1. Stable ids.
	suggestions := assignIDs(raw)

	// 2. Category allow-list.
	suggestions = filterByCategories(suggestions, cfg.ReviewOptions)

	// 3. Diff intersection: only changed lines are reviewable.
	suggestions = f.filterByDiffIntersection(suggestions, file)

	// 4. Clustering suppression of near-duplicate findings.
	suggestions = f.suppressClusters(suggestions)

	// 5. Severity prioritization (v2 only).
	if cfg.CodeReviewVersion == "v2" {
		suggestions = prioritizeBySeverity(suggestions, cfg.MinSeverity)
	}

	// 6. LLM safeguard verification.
	suggestions = f.safeguard(ctx, file, suggestions)

	// 7. Merge rule, AST and cross-file suggestions for this file.
	suggestions = append(suggestions, assignIDs(extra)...)

	// 8. Re-run duplicate suppression against previously sent,
	// not-implemented suggestions, and detect implemented ones.
	suggestions = suppressPriorDuplicates(suggestions, prior)

	// 9. Rank score.
	for i := range suggestions {
		suggestions[i].RankScore = rankScore(suggestions[i])
	}
	sort.SliceStable(suggestions, func(i, j int) bool {
		return suggestions[i].RankScore > suggestions[j].RankScore
	})
	return suggestions
}

// assignIDs gives every suggestion a stable content-derived id.
func assignIDs(suggestions []Suggestion) []Suggestion {
	out := cloneSlice(suggestions)
	for i := range out {
		if out[i].ID == "" {
			out[i].ID = suggestionID(out[i])
		}
	}
	return out
}

func suggestionID(s Suggestion) string {
	h := sha256.Sum256(fmt.Appendf(nil, "%s|%d|%d|%s", s.Path, s.StartLine, s.EndLine, s.Content))
	return hex.EncodeToString(h[:])[:12]
}

func filterByCategories(suggestions []Suggestion, allowed map[string]bool) []Suggestion {
	if len(allowed) == 0 {
		return suggestions
	}
	out := suggestions[:0:0]
	for _, s := range suggestions {
		if s.Category == "" || allowed[s.Category] {
			out = append(out, s)
		}
	}
	return out
}

// filterByDiffIntersection drops suggestions whose line range does not
// touch any changed line of the file.
func (f *Filter) filterByDiffIntersection(suggestions []Suggestion, file ChangedFile) []Suggestion {
	changed := changedLines(file)
	if len(changed) == 0 {
		return nil
	}
	out := suggestions[:0:0]
	for _, s := range suggestions {
		if s.StartLine == 0 {
			// Range-less suggestions are kept; they refer to the file as
			// a whole.
			out = append(out, s)
			continue
		}
		end := s.EndLine
		if end < s.StartLine {
			end = s.StartLine
		}
		for line := s.StartLine; line <= end; line++ {
			if changed[line] {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

// changedLines returns the set of new-file line numbers the diff added
// or modified.
func changedLines(file ChangedFile) map[int]bool {
	lines := make(map[int]bool)
	for _, h := range file.Hunks {
		body := h.Body
		if body == "" {
			for i := 0; i < h.NewLines; i++ {
				lines[h.NewStart+i] = true
			}
			continue
		}
		lineNo := h.NewStart
		for _, raw := range strings.Split(body, "\n") {
			switch {
			case strings.HasPrefix(raw, "+"):
				lines[lineNo] = true
				lineNo++
			case strings.HasPrefix(raw, "-"):
			case strings.HasPrefix(raw, "@@"):
			default:
				lineNo++
			}
		}
	}
	return lines
}

// suppressClusters drops near-duplicate suggestions, keeping the most
// severe member of each cluster. Similarity is measured on the
// suggestion text.
func (f *Filter) suppressClusters(suggestions []Suggestion) []Suggestion {
	const similarityThreshold = 0.85

	out := suggestions[:0:0]
	for _, s := range suggestions {
		merged := false
		for i, kept := range out {
			if textSimilarity(f.dmp, kept.Content, s.Content) >= similarityThreshold {
				if severityWeight(s.Severity) > severityWeight(kept.Severity) {
					out[i] = s
				}
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, s)
		}
	}
	return out
}

// textSimilarity returns the fraction of common text between a and b.
func textSimilarity(dmp *diffmatchpatch.DiffMatchPatch, a, b string) float64 {
	if a == b {
		return 1
	}
	total := len(a) + len(b)
	if total == 0 {
		return 1
	}
	common := 0
	for _, d := range dmp.DiffMain(a, b, false) {
		if d.Type == diffmatchpatch.DiffEqual {
			common += len(d.Text)
		}
	}
	return float64(2*common) / float64(total)
}

func prioritizeBySeverity(suggestions []Suggestion, min Severity) []Suggestion {
	floor := severityWeight(min)
	if floor == 0 {
		floor = severityWeight(SeverityMedium)
	}
	out := suggestions[:0:0]
	for _, s := range suggestions {
		if severityWeight(s.Severity) >= floor {
			out = append(out, s)
		}
	}
	return out
}

// safeguard asks the model to validate the surviving suggestions and
// keeps only the confirmed ids. Any safeguard failure keeps the full
// set rather than silently dropping findings.
func (f *Filter) safeguard(ctx context.Context, file ChangedFile, suggestions []Suggestion) []Suggestion {
	if f.adapter == nil || len(suggestions) == 0 {
		return suggestions
	}

	payload, err := json.Marshal(suggestions)
	if err != nil {
		return suggestions
	}
	resp, err := f.adapter.Call(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: safeguardPrompt},
		{Role: llm.RoleUser, Content: "Diff:\n" + file.Patch + "\n\nSuggestions:\n" + string(payload)},
	}, llm.CallOptions{})
	if err != nil {
		f.logger.Warn("Safeguard verification failed, keeping all suggestions", "error", err)
		return suggestions
	}

	var keep []string
	raw := stripCodeFence(resp.Content)
	if err := json.Unmarshal([]byte(raw), &keep); err != nil {
		repaired, repairErr := jsonRepairList(raw)
		if repairErr != nil {
			f.logger.Warn("Safeguard returned unparseable ids, keeping all suggestions", "error", err)
			return suggestions
		}
		keep = repaired
	}

	keepSet := make(map[string]bool, len(keep))
	for _, id := range keep {
		keepSet[id] = true
	}
	out := suggestions[:0:0]
	for _, s := range suggestions {
		if keepSet[s.ID] {
			out = append(out, s)
		}
	}
	return out
}

func jsonRepairList(raw string) ([]string, error) {
	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return nil, err
	}
	var keep []string
	if err := json.Unmarshal([]byte(repaired), &keep); err != nil {
		return nil, err
	}
	return keep, nil
}

// suppressPriorDuplicates drops suggestions that duplicate previously
// sent, not-implemented ones and marks prior suggestions as
// implemented when the new diff no longer triggers them.
func suppressPriorDuplicates(suggestions, prior []Suggestion) []Suggestion {
	if len(prior) == 0 {
		return suggestions
	}
	priorIDs := make(map[string]bool, len(prior))
	for _, p := range prior {
		if !p.Implemented {
			priorIDs[p.ID] = true
		}
	}
	out := suggestions[:0:0]
	for _, s := range suggestions {
		if priorIDs[s.ID] {
			continue
		}
		out = append(out, s)
	}
	return out
}

// markImplemented flags prior suggestions that no current finding
// reproduces; their platform comments get auto-resolved.
func markImplemented(prior, current []Suggestion) []Suggestion {
	currentIDs := make(map[string]bool, len(current))
	for _, s := range current {
		currentIDs[s.ID] = true
	}
	out := cloneSlice(prior)
	for i := range out {
		if !currentIDs[out[i].ID] {
			out[i].Implemented = true
		}
	}
	return out
}

// rankScore orders suggestions for presentation: severity dominates,
// source and code attachment break ties.
func rankScore(s Suggestion) float64 {
	score := float64(severityWeight(s.Severity)) * 10
	switch s.Source {
	case SourceKodyRules:
		score += 3
	case SourceAST:
		score += 2
	case SourceCrossFile:
		score += 1
	}
	if s.SuggestedCode != "" {
		score += 0.5
	}
	return score
}
