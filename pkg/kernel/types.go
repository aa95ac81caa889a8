// Package kernel implements the isolated, quota-bounded execution kernel:
// lifecycle state machine, atomic-operation gate with idempotency, cached
// context reads with batched writes, snapshot/restore, and dead-letter
// reprocessing.
package kernel

import (
	"errors"
	"time"

	"github.com/kodustech/kodus-flow/pkg/eventqueue"
)

// Status is the kernel lifecycle state.
type Status string

const (
	StatusInitialized Status = "initialized"
	StatusRunning     Status = "running"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// Sentinel errors surfaced by kernel operations.
var (
	// ErrDuplicateOperation is returned when an operation ID is already
	// executing inside the atomic-operation gate.
	ErrDuplicateOperation = errors.New("operation already in progress")

	// ErrTooManyOperations is returned when the gate is at its
	// concurrency limit.
	ErrTooManyOperations = errors.New("too many concurrent operations")

	// ErrOperationTimeout is returned when an atomic operation exceeds
	// its deadline. The operation ID is released regardless.
	ErrOperationTimeout = errors.New("operation timed out")

	// ErrNotRunning is returned when an operation requires a running
	// kernel.
	ErrNotRunning = errors.New("kernel is not running")

	// ErrKernelFailed is returned for operations on a failed kernel;
	// only Reset is accepted in that state.
	ErrKernelFailed = errors.New("kernel is in failed state, reset required")

	// ErrInvalidTransition is returned for lifecycle calls that are not
	// legal from the current status.
	ErrInvalidTransition = errors.New("invalid kernel status transition")
)

// Quotas bounds a kernel's resource consumption. Zero values disable the
// corresponding quota.
type Quotas struct {
	// MaxEvents caps processed events within one running span.
	MaxEvents int64

	// MaxDuration caps wall-clock time since the kernel started running.
	MaxDuration time.Duration

	// MaxMemoryBytes caps process heap usage.
	MaxMemoryBytes uint64
}

// Config tunes a kernel instance.
type Config struct {
	// ID identifies the kernel; Namespace scopes it inside a multi-kernel
	// deployment.
	ID        string
	TenantID  string
	JobID     string
	Namespace string

	Quotas Quotas

	// Queue configures the kernel's event queue.
	Queue eventqueue.Config

	// CacheSize bounds the context LRU cache.
	CacheSize int

	// TenantIsolation namespaces context data per tenant (and thread).
	TenantIsolation bool

	// BatchedContextWrites debounces cache updates: SetContext always
	// updates the authoritative map, cache flushes happen on a timer.
	BatchedContextWrites bool

	// FlushDebounce is the batched-write debounce window.
	FlushDebounce time.Duration

	// AutoSnapshotInterval and AutoSnapshotEvents trigger an automatic
	// snapshot on flush when either elapsed time or processed-event
	// count since the previous snapshot crosses the threshold.
	AutoSnapshotInterval time.Duration
	AutoSnapshotEvents   int64

	// UseDeltaSnapshots stores delta-encoded snapshots when possible.
	UseDeltaSnapshots bool

	// SnapshotOnPause persists a snapshot whenever the kernel pauses.
	// Without it a pause only quiesces the kernel; the persistor still
	// serves completion, auto and explicit snapshots.
	SnapshotOnPause bool

	// MaxConcurrentOperations bounds the atomic-operation gate.
	MaxConcurrentOperations int

	// OperationTimeout is the default atomic-operation deadline.
	// InitTimeout applies to initialize and event processing, which do
	// real work and need a longer deadline.
	OperationTimeout time.Duration
	InitTimeout      time.Duration

	// MaxRecoveryAttempts caps DLQ recovery passes per hour.
	MaxRecoveryAttempts int

	// DLQReprocessInterval is the period of the DLQ reprocess timer.
	DLQReprocessInterval time.Duration
}

// DefaultConfig returns the built-in kernel defaults.
func DefaultConfig() Config {
	return Config{
		CacheSize:               256,
		FlushDebounce:           100 * time.Millisecond,
		AutoSnapshotInterval:    5 * time.Minute,
		AutoSnapshotEvents:      1000,
		MaxConcurrentOperations: 50,
		OperationTimeout:        30 * time.Second,
		InitTimeout:             120 * time.Second,
		MaxRecoveryAttempts:     5,
		DLQReprocessInterval:    time.Minute,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.CacheSize <= 0 {
		c.CacheSize = d.CacheSize
	}
	if c.FlushDebounce <= 0 {
		c.FlushDebounce = d.FlushDebounce
	}
	if c.AutoSnapshotInterval <= 0 {
		c.AutoSnapshotInterval = d.AutoSnapshotInterval
	}
	if c.AutoSnapshotEvents <= 0 {
		c.AutoSnapshotEvents = d.AutoSnapshotEvents
	}
	if c.MaxConcurrentOperations <= 0 {
		c.MaxConcurrentOperations = d.MaxConcurrentOperations
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = d.OperationTimeout
	}
	if c.InitTimeout < 120*time.Second {
		c.InitTimeout = d.InitTimeout
	}
	if c.MaxRecoveryAttempts <= 0 {
		c.MaxRecoveryAttempts = d.MaxRecoveryAttempts
	}
	if c.DLQReprocessInterval <= 0 {
		c.DLQReprocessInterval = d.DLQReprocessInterval
	}
}

// State is the externally observable kernel state.
type State struct {
	ID                string
	TenantID          string
	JobID             string
	Namespace         string
	Status            Status
	StartTime         time.Time
	EventCount        int64
	Quotas            Quotas
	LastOperationID   string
	PendingOperations []string
}

// WorkflowContext is what Initialize hands back to callers: the stable
// identifiers of the running workflow. A second Initialize while running
// returns the same value.
type WorkflowContext struct {
	KernelID      string
	TenantID      string
	JobID         string
	Namespace     string
	StartTime     time.Time
	CorrelationID string
}
