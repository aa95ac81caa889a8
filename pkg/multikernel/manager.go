package multikernel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kodustech/kodus-flow/pkg/eventqueue"
	"github.com/kodustech/kodus-flow/pkg/kernel"
	"github.com/kodustech/kodus-flow/pkg/snapshot"
)

// bridgeEmitTimeout bounds a single fire-and-forget bridge delivery on
// the target kernel's gate.
const bridgeEmitTimeout = 10 * time.Second

// Manager owns a set of namespaced kernels and the bridges between
// them. Bridged deliveries run fire-and-forget through the target
// kernel's atomic-operation gate.
type Manager struct {
	logger        *slog.Logger
	snapshotStore snapshot.Store // shared by kernels that need persistence

	mu      sync.RWMutex
	kernels map[string]*kernel.Kernel // namespace → kernel
	specs   map[string]KernelSpec     // namespace → spec
	bridges []CrossKernelBridge

	inflight sync.WaitGroup
}

// New creates a manager. snapshotStore may be nil when no spec requests
// persistence.
func New(snapshotStore snapshot.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:        logger.With("component", "multikernel"),
		snapshotStore: snapshotStore,
		kernels:       make(map[string]*kernel.Kernel),
		specs:         make(map[string]KernelSpec),
	}
}

// AddBridge registers a cross-kernel forwarding rule. Bridges apply to
// kernels spawned before and after the call.
func (m *Manager) AddBridge(b CrossKernelBridge) {
	m.mu.Lock()
	m.bridges = append(m.bridges, b)
	m.mu.Unlock()
}

// Spawn creates and registers the kernel declared by spec. The kernel
// starts in the initialized state; call Initialize (or InitializeAll) to
// run it.
func (m *Manager) Spawn(spec KernelSpec) (*kernel.Kernel, error) {
	if spec.Namespace == "" {
		return nil, fmt.Errorf("kernel spec requires a namespace")
	}

	cfg := spec.RuntimeConfig
	cfg.ID = spec.KernelID
	if cfg.ID == "" {
		cfg.ID = "kernel-" + spec.Namespace
	}
	cfg.Namespace = spec.Namespace
	cfg.TenantID = spec.TenantID
	cfg.JobID = spec.JobID
	cfg.Quotas = spec.Quotas
	cfg.SnapshotOnPause = spec.NeedsSnapshots

	var persistor *snapshot.Persistor
	if spec.NeedsPersistence || spec.NeedsSnapshots {
		if m.snapshotStore == nil {
			return nil, fmt.Errorf("spec %s requests persistence but the manager has no snapshot store", spec.Namespace)
		}
		persistor = snapshot.NewPersistor(m.snapshotStore, m.logger)
	}

	k, err := kernel.New(cfg, persistor, m.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create kernel for namespace %s: %w", spec.Namespace, err)
	}

	m.mu.Lock()
	if _, exists := m.kernels[spec.Namespace]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateNamespace, spec.Namespace)
	}
	m.kernels[spec.Namespace] = k
	m.specs[spec.Namespace] = spec
	m.mu.Unlock()

	// Every emit observed on this kernel is a bridge candidate.
	ns := spec.Namespace
	k.Runtime().OnEmit(func(evt *eventqueue.Event) {
		m.routeEvent(ns, evt)
	})

	m.logger.Info("Kernel spawned", "namespace", ns, "kernel_id", cfg.ID)
	return k, nil
}

// Kernel resolves a kernel by namespace.
func (m *Manager) Kernel(namespace string) (*kernel.Kernel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.kernels[namespace]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNamespace, namespace)
	}
	return k, nil
}

// InitializeAll brings every managed kernel to running. The first
// failure aborts the pass.
func (m *Manager) InitializeAll(ctx context.Context) error {
	for ns, k := range m.snapshotKernels() {
		if _, err := k.Initialize(ctx); err != nil {
			return fmt.Errorf("failed to initialize kernel %s: %w", ns, err)
		}
	}
	return nil
}

// routeEvent fans one observed event out through the matching bridges.
func (m *Manager) routeEvent(fromNamespace string, evt *eventqueue.Event) {
	m.mu.RLock()
	var matched []CrossKernelBridge
	for _, b := range m.bridges {
		if b.FromNamespace == fromNamespace && b.matches(evt.Type) {
			matched = append(matched, b)
		}
	}
	m.mu.RUnlock()

	for _, b := range matched {
		m.deliver(b, evt)
	}
}

// deliver applies the bridge transform and emits into the target
// namespace. Fire-and-forget: delivery failures are logged, never
// surfaced to the producer.
func (m *Manager) deliver(b CrossKernelBridge, evt *eventqueue.Event) {
	eventType, data := evt.Type, evt.Data
	if b.Transform != nil {
		eventType, data = b.Transform(eventType, data)
		if eventType == "" {
			return
		}
	}

	target, err := m.Kernel(b.ToNamespace)
	if err != nil {
		m.logger.Warn("Bridge target namespace unknown",
			"from", b.FromNamespace, "to", b.ToNamespace, "event_type", evt.Type)
		return
	}
	if target.Status() != kernel.StatusRunning {
		if b.EnableLogging {
			m.logger.Warn("Bridge target not running, event dropped",
				"from", b.FromNamespace, "to", b.ToNamespace,
				"event_type", eventType, "target_status", target.Status())
		}
		return
	}

	correlationID := evt.Metadata.CorrelationID
	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), bridgeEmitTimeout)
		defer cancel()

		_, err := target.EmitAsync(ctx, eventType, data, eventqueue.EnqueueOptions{
			CorrelationID: correlationID,
			TenantID:      evt.Metadata.TenantID,
		})
		if err != nil {
			m.logger.Warn("Bridge delivery failed",
				"from", b.FromNamespace, "to", b.ToNamespace,
				"event_type", eventType, "error", err)
			return
		}
		if b.EnableLogging {
			m.logger.Info("Event bridged",
				"from", b.FromNamespace, "to", b.ToNamespace,
				"event_type", eventType, "correlation_id", correlationID)
		}
	}()
}

// EmitToNamespace emits directly into a managed kernel. A paused target
// is resumed first; any other non-running state fails.
func (m *Manager) EmitToNamespace(ctx context.Context, namespace, eventType string, data any, opts eventqueue.EnqueueOptions) (eventqueue.EnqueueResult, error) {
	k, err := m.Kernel(namespace)
	if err != nil {
		return eventqueue.EnqueueResult{}, err
	}

	if k.Status() == kernel.StatusPaused {
		if err := k.Resume(ctx); err != nil {
			return eventqueue.EnqueueResult{}, fmt.Errorf("%w: %s (resume failed: %v)", ErrTargetNotRunning, namespace, err)
		}
	}
	if k.Status() != kernel.StatusRunning {
		return eventqueue.EnqueueResult{}, fmt.Errorf("%w: %s is %s", ErrTargetNotRunning, namespace, k.Status())
	}
	return k.EmitAsync(ctx, eventType, data, opts)
}

// PauseAll quiesces every running kernel. Kernels whose spec sets
// NeedsSnapshots get a persisted snapshot through their pause; the rest
// only stop processing.
func (m *Manager) PauseAll(ctx context.Context, reason string) error {
	var firstErr error
	for ns, k := range m.snapshotKernels() {
		if k.Status() != kernel.StatusRunning {
			continue
		}
		if err := k.Pause(ctx, reason); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to pause kernel %s: %w", ns, err)
		}
	}
	return firstErr
}

// ResumeAll resumes every paused kernel.
func (m *Manager) ResumeAll(ctx context.Context) error {
	var firstErr error
	for ns, k := range m.snapshotKernels() {
		if k.Status() != kernel.StatusPaused {
			continue
		}
		if err := k.Resume(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to resume kernel %s: %w", ns, err)
		}
	}
	return firstErr
}

// ProcessAll drains every running kernel once. Per-kernel errors (quota
// pauses included) are collected and the pass continues.
func (m *Manager) ProcessAll(ctx context.Context) map[string]error {
	errs := make(map[string]error)
	for ns, k := range m.snapshotKernels() {
		if k.Status() != kernel.StatusRunning {
			continue
		}
		if _, err := k.ProcessEvents(ctx); err != nil {
			errs[ns] = err
		}
	}
	return errs
}

// Status aggregates all managed kernels.
func (m *Manager) Status() Status {
	kernels := m.snapshotKernels()

	out := Status{Kernels: make(map[string]NamespaceStatus, len(kernels))}
	running, paused, failed := 0, 0, 0
	for ns, k := range kernels {
		st := k.State()
		out.Kernels[ns] = NamespaceStatus{
			KernelID:   st.ID,
			Namespace:  ns,
			Status:     st.Status,
			EventCount: st.EventCount,
			QueueDepth: k.Runtime().Queue().Depth(),
		}
		switch st.Status {
		case kernel.StatusRunning:
			running++
		case kernel.StatusPaused:
			paused++
		case kernel.StatusFailed:
			failed++
		}
	}

	switch {
	case failed > 0:
		out.Overall = "failed"
	case len(kernels) > 0 && running == len(kernels):
		out.Overall = "running"
	case paused > 0 && running == 0:
		out.Overall = "paused"
	default:
		out.Overall = "mixed"
	}
	return out
}

// Shutdown pauses snapshot-bearing kernels, waits for in-flight bridge
// deliveries, and completes every running kernel.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.inflight.Wait()

	var firstErr error
	for ns, k := range m.snapshotKernels() {
		if k.Status() != kernel.StatusRunning {
			continue
		}
		if err := k.Complete(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to complete kernel %s: %w", ns, err)
		}
	}
	return firstErr
}

// snapshotKernels copies the kernel map so iteration happens outside the
// lock.
func (m *Manager) snapshotKernels() map[string]*kernel.Kernel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*kernel.Kernel, len(m.kernels))
	for ns, k := range m.kernels {
		out[ns] = k
	}
	return out
}
