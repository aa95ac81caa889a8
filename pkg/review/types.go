// Package review implements the staged code-review pipeline: a generic
// stage executor over a typed context, the fixed code-review stage
// order, the review-cadence state machine, LLM-backed file analysis
// with chunk retries, and the suggestion filtering pipeline.
package review

import (
	"time"
)

// Status of a pipeline run.
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusSkipped Status = "skipped"
	StatusError   Status = "error"
)

// SkipReason explains why a run short-circuited.
type SkipReason string

const (
	ReasonNoConfigInContext      SkipReason = "NO_CONFIG_IN_CONTEXT"
	ReasonNoFilesAfterIgnore     SkipReason = "NO_FILES_AFTER_IGNORE"
	ReasonTooManyFiles           SkipReason = "TOO_MANY_FILES"
	ReasonConfigValidation       SkipReason = "CONFIG_VALIDATION_ERROR"
	ReasonProcessingNoNewCommits SkipReason = "PROCESSING_NO_NEW_COMMITS"
	ReasonManualRequired         SkipReason = "MANUAL_REQUIRED_TO_START"
	ReasonPausedNeedResume       SkipReason = "PR_PAUSED_NEED_RESUME"
	ReasonPausedBurstPushes      SkipReason = "PR_PAUSED_BURST_PUSHES"
	ReasonFailedResolveConfig    SkipReason = "FAILED_RESOLVE_CONFIG"
	ReasonNoFilesInPR            SkipReason = "NO_FILES_IN_PR"
)

// StatusInfo carries the run outcome on the pipeline context.
type StatusInfo struct {
	Status  Status     `json:"status"`
	Reason  SkipReason `json:"reason,omitempty"`
	Message string     `json:"message,omitempty"`
}

// CadenceMode is the configured review cadence.
type CadenceMode string

const (
	CadenceAutomatic CadenceMode = "AUTOMATIC"
	CadenceManual    CadenceMode = "MANUAL"
	CadenceAutoPause CadenceMode = "AUTO_PAUSE"
)

// CadenceStatus is the persisted per-PR cadence state.
type CadenceStatus string

const (
	CadenceStatusAutomatic CadenceStatus = "AUTOMATIC"
	CadenceStatusPaused    CadenceStatus = "PAUSED"
	CadenceStatusCommand   CadenceStatus = "COMMAND"
)

// TriggerOrigin says what started the run.
type TriggerOrigin string

const (
	OriginPush    TriggerOrigin = "push"
	OriginCommand TriggerOrigin = "command"
)

// maxReviewableFiles is the hard cap on changed files per run.
const maxReviewableFiles = 500

// Config is the effective review configuration for one run, resolved
// per directory with repo-level and global fallbacks.
type Config struct {
	CadenceMode     CadenceMode   `yaml:"cadence_mode" json:"cadence_mode"`
	PushesToTrigger int           `yaml:"pushes_to_trigger" json:"pushes_to_trigger"`
	TimeWindow      time.Duration `yaml:"time_window" json:"time_window"`

	// IgnorePaths are glob patterns removed from the changed-file set.
	IgnorePaths []string `yaml:"ignore_paths" json:"ignore_paths"`

	// ReviewOptions is the category allow-list. Empty means all
	// categories pass.
	ReviewOptions map[string]bool `yaml:"review_options" json:"review_options"`

	CodeReviewVersion string `yaml:"code_review_version" json:"code_review_version"`

	// MinSeverity applies when CodeReviewVersion is "v2".
	MinSeverity Severity `yaml:"min_severity" json:"min_severity"`

	StartReviewMessage string `yaml:"start_review_message" json:"start_review_message"`

	BatchSize        int           `yaml:"batch_size" json:"batch_size"`
	MaxFilesInFlight int           `yaml:"max_files_in_flight" json:"max_files_in_flight"`
	InterBatchDelay  time.Duration `yaml:"inter_batch_delay" json:"inter_batch_delay"`

	MaxConcurrentChunks int           `yaml:"max_concurrent_chunks" json:"max_concurrent_chunks"`
	RetryAttempts       int           `yaml:"retry_attempts" json:"retry_attempts"`
	MaxRetryDelay       time.Duration `yaml:"max_retry_delay" json:"max_retry_delay"`
}

// DefaultConfig returns the review defaults.
func DefaultConfig() *Config {
	return &Config{
		CadenceMode:         CadenceAutomatic,
		PushesToTrigger:     3,
		TimeWindow:          15 * time.Minute,
		BatchSize:           20,
		MaxFilesInFlight:    20,
		InterBatchDelay:     2 * time.Second,
		MaxConcurrentChunks: 10,
		RetryAttempts:       3,
		MaxRetryDelay:       10 * time.Second,
	}
}

// normalized clamps the tunables into their supported ranges.
func (c *Config) normalized() *Config {
	out := *c
	if out.BatchSize < 20 {
		out.BatchSize = 20
	}
	if out.BatchSize > 30 {
		out.BatchSize = 30
	}
	if out.MaxFilesInFlight <= 0 || out.MaxFilesInFlight > 20 {
		out.MaxFilesInFlight = 20
	}
	if out.MaxConcurrentChunks <= 0 {
		out.MaxConcurrentChunks = 10
	}
	if out.RetryAttempts <= 0 {
		out.RetryAttempts = 3
	}
	if out.MaxRetryDelay <= 0 {
		out.MaxRetryDelay = 10 * time.Second
	}
	return &out
}

// Severity of a suggestion.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityWeight orders severities for prioritization and ranking.
func severityWeight(s Severity) int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Hunk is one contiguous changed region of a file.
type Hunk struct {
	OldStart int `json:"old_start"`
	OldLines int `json:"old_lines"`
	NewStart int `json:"new_start"`
	NewLines int `json:"new_lines"`

	Body string `json:"body,omitempty"`
}

// ChangedFile is one file of the pull request diff.
type ChangedFile struct {
	Path      string `json:"path"`
	Status    string `json:"status"`
	Patch     string `json:"patch,omitempty"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Hunks     []Hunk `json:"hunks,omitempty"`
}

// FileStats aggregates the changed-file set.
type FileStats struct {
	TotalFiles     int `json:"total_files"`
	TotalAdditions int `json:"total_additions"`
	TotalDeletions int `json:"total_deletions"`
	TotalHunks     int `json:"total_hunks"`
}

// SuggestionSource says which analysis produced a suggestion.
type SuggestionSource string

const (
	SourceLLM       SuggestionSource = "llm"
	SourceKodyRules SuggestionSource = "kody_rules"
	SourceAST       SuggestionSource = "ast"
	SourceCrossFile SuggestionSource = "cross_file"
)

// Suggestion is one review finding, file-scoped or PR-scoped.
type Suggestion struct {
	ID            string           `json:"id"`
	Path          string           `json:"path,omitempty"`
	StartLine     int              `json:"start_line,omitempty"`
	EndLine       int              `json:"end_line,omitempty"`
	Category      string           `json:"category,omitempty"`
	Severity      Severity         `json:"severity,omitempty"`
	Content       string           `json:"content"`
	ExistingCode  string           `json:"existing_code,omitempty"`
	SuggestedCode string           `json:"suggested_code,omitempty"`
	Source        SuggestionSource `json:"source,omitempty"`
	RankScore     float64          `json:"rank_score,omitempty"`
	Implemented   bool             `json:"implemented,omitempty"`
}

// Comment is a materialized review comment on the platform.
type Comment struct {
	ID         string   `json:"id,omitempty"`
	Path       string   `json:"path,omitempty"`
	Line       int      `json:"line,omitempty"`
	Body       string   `json:"body"`
	Severity   Severity `json:"severity,omitempty"`
	Suggestion string   `json:"suggestion_id,omitempty"`
}

// PullRequest identifies the unit under review.
type PullRequest struct {
	Repository string `json:"repository"`
	Number     int    `json:"number"`
	Title      string `json:"title,omitempty"`
	BaseSHA    string `json:"base_sha,omitempty"`
	HeadSHA    string `json:"head_sha"`
}

// CadenceState is the persisted automatic-review state for one PR.
type CadenceState struct {
	CurrentStatus CadenceStatus `json:"current_status"`
}

// ReviewRecord is one completed review noted in history.
type ReviewRecord struct {
	HeadSHA    string    `json:"head_sha"`
	FinishedAt time.Time `json:"finished_at"`
	Success    bool      `json:"success"`
}

// Summary is the folded outcome of a run.
type Summary struct {
	FilesReviewed      int `json:"files_reviewed"`
	SuggestionsTotal   int `json:"suggestions_total"`
	SuggestionsPRLevel int `json:"suggestions_pr_level"`
	CommentsCreated    int `json:"comments_created"`
	CriticalCount      int `json:"critical_count"`
}
