package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kodustech/kodus-flow/pkg/cache"
	"github.com/kodustech/kodus-flow/pkg/eventqueue"
	"github.com/kodustech/kodus-flow/pkg/runtime"
	"github.com/kodustech/kodus-flow/pkg/snapshot"
)

// QuotaExceededError reports which quota forced a pause.
type QuotaExceededError struct {
	Kind string // "events", "duration" or "memory"
}

func (e *QuotaExceededError) Error() string {
	return "quota exceeded: " + e.Kind
}

// seenEmitCap bounds the emit idempotency set. When the cap is reached
// the set is cleared: dedup is best-effort beyond the cap, the atomic
// gate still protects concurrent duplicates.
const seenEmitCap = 10000

// Kernel is an isolated, quota-bounded event processor. It owns its
// runtime (and thus its event queue), its context data, and its snapshot
// policy. All lifecycle operations funnel through the atomic-operation
// gate.
type Kernel struct {
	cfg       Config
	logger    *slog.Logger
	rt        *runtime.Runtime
	persistor *snapshot.Persistor // nil when persistence is disabled
	ctxCache  *cache.ContextCache
	gate      *opGate

	mu          sync.Mutex
	status      Status
	startTime   time.Time
	workflowCtx *WorkflowContext
	lastOpID    string
	pauseReason string

	eventCount atomic.Int64

	// contextData is the authoritative context store:
	// tenantContextKey → namespace → key → value.
	contextData   map[string]map[string]map[string]any
	pendingWrites map[writeKey]pendingWrite
	flushTimer    *time.Timer

	lastSnapshotTime   time.Time
	lastSnapshotEvents int64

	seenEmits map[string]struct{}

	recovery recoveryState
}

// New creates a kernel in the initialized state. persistor may be nil for
// kernels that do not need snapshots.
func New(cfg Config, persistor *snapshot.Persistor, logger *slog.Logger) (*Kernel, error) {
	cfg.applyDefaults()
	if cfg.ID == "" {
		return nil, fmt.Errorf("kernel ID is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("kernel_id", cfg.ID, "namespace", cfg.Namespace)

	ctxCache, err := cache.New(cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create context cache: %w", err)
	}

	queue := eventqueue.New(cfg.Queue, logger)
	return &Kernel{
		cfg:           cfg,
		logger:        logger,
		rt:            runtime.New(queue, logger),
		persistor:     persistor,
		ctxCache:      ctxCache,
		gate:          newOpGate(cfg.MaxConcurrentOperations),
		status:        StatusInitialized,
		contextData:   make(map[string]map[string]map[string]any),
		pendingWrites: make(map[writeKey]pendingWrite),
		seenEmits:     make(map[string]struct{}),
	}, nil
}

// ID returns the kernel identifier.
func (k *Kernel) ID() string { return k.cfg.ID }

// Namespace returns the kernel namespace.
func (k *Kernel) Namespace() string { return k.cfg.Namespace }

// Runtime exposes the kernel's event runtime.
func (k *Kernel) Runtime() *runtime.Runtime { return k.rt }

// Status returns the current lifecycle status.
func (k *Kernel) Status() Status {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.status
}

// State returns the externally observable kernel state.
func (k *Kernel) State() State {
	k.mu.Lock()
	defer k.mu.Unlock()
	return State{
		ID:                k.cfg.ID,
		TenantID:          k.cfg.TenantID,
		JobID:             k.cfg.JobID,
		Namespace:         k.cfg.Namespace,
		Status:            k.status,
		StartTime:         k.startTime,
		EventCount:        k.eventCount.Load(),
		Quotas:            k.cfg.Quotas,
		LastOperationID:   k.lastOpID,
		PendingOperations: k.gate.pendingIDs(),
	}
}

// Initialize transitions the kernel to running and returns its workflow
// context. Idempotent: a second call while running returns the existing
// context without emitting another kernel.started event. Any failure
// inside initialization performs a full rollback to the failed state.
func (k *Kernel) Initialize(ctx context.Context) (*WorkflowContext, error) {
	k.mu.Lock()
	switch k.status {
	case StatusRunning:
		wc := k.workflowCtx
		k.mu.Unlock()
		return wc, nil
	case StatusFailed:
		k.mu.Unlock()
		return nil, ErrKernelFailed
	case StatusCompleted, StatusPaused:
		status := k.status
		k.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot initialize from %s", ErrInvalidTransition, status)
	}
	k.mu.Unlock()

	opID := "kernel.initialize:" + k.cfg.ID
	var wc *WorkflowContext
	err := k.gate.run(ctx, opID, k.cfg.InitTimeout, func(context.Context) error {
		k.mu.Lock()
		if k.status == StatusRunning {
			// Lost the race to a concurrent initialize.
			wc = k.workflowCtx
			k.mu.Unlock()
			return nil
		}
		now := time.Now().UTC()
		k.status = StatusRunning
		k.startTime = now
		k.workflowCtx = &WorkflowContext{
			KernelID:      k.cfg.ID,
			TenantID:      k.cfg.TenantID,
			JobID:         k.cfg.JobID,
			Namespace:     k.cfg.Namespace,
			StartTime:     now,
			CorrelationID: uuid.New().String(),
		}
		wc = k.workflowCtx
		correlationID := wc.CorrelationID
		k.mu.Unlock()

		k.rt.Emit(eventqueue.TypeKernelStarted, map[string]any{
			"kernel_id": k.cfg.ID,
			"job_id":    k.cfg.JobID,
		}, eventqueue.EnqueueOptions{
			Priority:      eventqueue.PriorityHigh,
			CorrelationID: correlationID,
			TenantID:      k.cfg.TenantID,
		})
		return nil
	})
	if err != nil {
		if isGateRejection(err) {
			return nil, err
		}
		k.rollback(err)
		return nil, fmt.Errorf("kernel initialization failed: %w", err)
	}

	k.recordOp(opID)
	k.logger.Info("Kernel initialized", "job_id", k.cfg.JobID)
	return wc, nil
}

// ProcessEvents drains the kernel's queue through the runtime dispatcher.
// Quotas are enforced afterwards: exceeding one pauses the kernel and
// returns a QuotaExceededError alongside the partial result.
func (k *Kernel) ProcessEvents(ctx context.Context) (runtime.ProcessResult, error) {
	if status := k.Status(); status != StatusRunning {
		return runtime.ProcessResult{}, fmt.Errorf("%w: status is %s", ErrNotRunning, status)
	}

	opID := "kernel.process:" + uuid.New().String()
	var result runtime.ProcessResult
	err := k.gate.run(ctx, opID, k.cfg.InitTimeout, func(opCtx context.Context) error {
		res, err := k.rt.Process(opCtx)
		result = res
		k.eventCount.Add(int64(res.Processed))
		return err
	})
	k.recordOp(opID)
	if err != nil {
		return result, err
	}

	if kind, exceeded := k.quotaExceeded(); exceeded {
		qerr := &QuotaExceededError{Kind: kind}
		if kind == "memory" {
			k.memoryCleanup(ctx)
		}
		if perr := k.Pause(ctx, "quota-exceeded-"+kind); perr != nil {
			k.logger.Error("Failed to pause after quota violation", "quota", kind, "error", perr)
		}
		return result, qerr
	}
	return result, nil
}

// EmitAsync enqueues an event through the atomic-operation gate. A
// previously seen operation ID is deduplicated: the call reports success
// without enqueueing again.
func (k *Kernel) EmitAsync(ctx context.Context, eventType string, data any, opts eventqueue.EnqueueOptions) (eventqueue.EnqueueResult, error) {
	if status := k.Status(); status != StatusRunning {
		return eventqueue.EnqueueResult{}, fmt.Errorf("%w: status is %s", ErrNotRunning, status)
	}

	opID := opts.OperationID
	if opID == "" {
		opID = "kernel.emit:" + uuid.New().String()
	}

	k.mu.Lock()
	if _, seen := k.seenEmits[opID]; seen {
		k.mu.Unlock()
		return eventqueue.EnqueueResult{Success: true, Queued: false}, nil
	}
	k.mu.Unlock()

	if opts.TenantID == "" {
		opts.TenantID = k.cfg.TenantID
	}
	opts.OperationID = opID

	var result eventqueue.EnqueueResult
	err := k.gate.run(ctx, opID, k.cfg.OperationTimeout, func(opCtx context.Context) error {
		res, err := k.rt.EmitAsync(opCtx, eventType, data, opts)
		result = res
		return err
	})
	if err != nil {
		return result, err
	}

	if result.Success {
		k.mu.Lock()
		if len(k.seenEmits) >= seenEmitCap {
			k.seenEmits = make(map[string]struct{})
		}
		k.seenEmits[opID] = struct{}{}
		k.lastOpID = opID
		k.mu.Unlock()
	}
	return result, nil
}

// Pause transitions running → paused: pending context writes are flushed
// and, when SnapshotOnPause is set, a snapshot persisted before the
// kernel quiesces.
func (k *Kernel) Pause(ctx context.Context, reason string) error {
	opID := "kernel.pause:" + k.cfg.ID
	err := k.gate.run(ctx, opID, k.cfg.OperationTimeout, func(opCtx context.Context) error {
		k.mu.Lock()
		if k.status != StatusRunning {
			status := k.status
			k.mu.Unlock()
			return fmt.Errorf("%w: cannot pause from %s", ErrInvalidTransition, status)
		}
		k.flushPendingLocked()
		k.status = StatusPaused
		k.pauseReason = reason
		k.mu.Unlock()

		if k.cfg.SnapshotOnPause {
			if err := k.persistSnapshot(opCtx); err != nil {
				// Snapshot failures do not abort the pause.
				k.logger.Warn("Failed to persist pause snapshot", "reason", reason, "error", err)
			}
		}
		k.logger.Info("Kernel paused", "reason", reason)
		return nil
	})
	if err != nil {
		return err
	}
	k.recordOp(opID)
	return nil
}

// Resume transitions paused → running.
func (k *Kernel) Resume(ctx context.Context) error {
	opID := "kernel.resume:" + k.cfg.ID
	err := k.gate.run(ctx, opID, k.cfg.OperationTimeout, func(context.Context) error {
		k.mu.Lock()
		defer k.mu.Unlock()
		if k.status != StatusPaused {
			return fmt.Errorf("%w: cannot resume from %s", ErrInvalidTransition, k.status)
		}
		k.status = StatusRunning
		k.pauseReason = ""
		return nil
	})
	if err != nil {
		return err
	}
	k.recordOp(opID)
	k.logger.Info("Kernel resumed")
	return nil
}

// Complete transitions running → completed, flushing writes, persisting a
// final snapshot and emitting kernel.completed.
func (k *Kernel) Complete(ctx context.Context) error {
	opID := "kernel.complete:" + k.cfg.ID
	err := k.gate.run(ctx, opID, k.cfg.OperationTimeout, func(opCtx context.Context) error {
		k.mu.Lock()
		if k.status != StatusRunning {
			status := k.status
			k.mu.Unlock()
			return fmt.Errorf("%w: cannot complete from %s", ErrInvalidTransition, status)
		}
		k.flushPendingLocked()
		k.status = StatusCompleted
		correlationID := ""
		if k.workflowCtx != nil {
			correlationID = k.workflowCtx.CorrelationID
		}
		k.mu.Unlock()

		if err := k.persistSnapshot(opCtx); err != nil {
			k.logger.Warn("Failed to persist completion snapshot", "error", err)
		}
		k.rt.Emit(eventqueue.TypeKernelCompleted, map[string]any{
			"kernel_id":   k.cfg.ID,
			"event_count": k.eventCount.Load(),
		}, eventqueue.EnqueueOptions{
			Priority:      eventqueue.PriorityCritical,
			CorrelationID: correlationID,
			TenantID:      k.cfg.TenantID,
		})
		return nil
	})
	if err != nil {
		return err
	}
	k.recordOp(opID)
	k.logger.Info("Kernel completed", "event_count", k.eventCount.Load())
	return nil
}

// Fail transitions the kernel to failed and emits kernel.failed. Further
// operations are refused until Reset.
func (k *Kernel) Fail(cause error) {
	k.mu.Lock()
	k.status = StatusFailed
	correlationID := ""
	if k.workflowCtx != nil {
		correlationID = k.workflowCtx.CorrelationID
	}
	k.mu.Unlock()

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	k.rt.Emit(eventqueue.TypeKernelFailed, map[string]any{
		"kernel_id": k.cfg.ID,
		"error":     msg,
	}, eventqueue.EnqueueOptions{
		Priority:      eventqueue.PriorityCritical,
		CorrelationID: correlationID,
		TenantID:      k.cfg.TenantID,
	})
	k.logger.Error("Kernel failed", "error", cause)
}

// Reset forces the kernel back to initialized, clearing all in-memory
// collaborators. Tolerant of prior failures: it never returns an error.
func (k *Kernel) Reset() {
	k.mu.Lock()
	if k.flushTimer != nil {
		k.flushTimer.Stop()
		k.flushTimer = nil
	}
	k.status = StatusInitialized
	k.startTime = time.Time{}
	k.workflowCtx = nil
	k.lastOpID = ""
	k.pauseReason = ""
	k.contextData = make(map[string]map[string]map[string]any)
	k.pendingWrites = make(map[writeKey]pendingWrite)
	k.seenEmits = make(map[string]struct{})
	k.recovery = recoveryState{}
	k.mu.Unlock()

	k.eventCount.Store(0)
	k.ctxCache.Clear()
	k.rt.Clear()
	k.gate.reset()
	k.logger.Info("Kernel reset")
}

// rollback clears everything after a failed initialization.
func (k *Kernel) rollback(cause error) {
	k.mu.Lock()
	if k.flushTimer != nil {
		k.flushTimer.Stop()
		k.flushTimer = nil
	}
	k.status = StatusFailed
	k.workflowCtx = nil
	k.contextData = make(map[string]map[string]map[string]any)
	k.pendingWrites = make(map[writeKey]pendingWrite)
	k.mu.Unlock()

	k.ctxCache.Clear()
	k.rt.Clear()
	k.logger.Error("Kernel initialization rolled back", "error", cause)
}

func (k *Kernel) recordOp(opID string) {
	k.mu.Lock()
	k.lastOpID = opID
	k.mu.Unlock()
}

// isGateRejection distinguishes gate admission errors (no side effects
// yet) from body failures that require rollback.
func isGateRejection(err error) bool {
	return errors.Is(err, ErrDuplicateOperation) || errors.Is(err, ErrTooManyOperations)
}
