package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kodustech/kodus-flow/pkg/cache"
	"github.com/kodustech/kodus-flow/pkg/snapshot"
)

// writeKey identifies a batched context write. The last write to the same
// tuple before a flush wins.
type writeKey struct {
	tck       string // tenant context key
	namespace string
	key       string
	threadID  string
}

type pendingWrite struct {
	value any
	ts    time.Time
}

// tenantContextKey builds the top-level context partition:
// "tenant:<t>[:thread:<th>]" under tenant isolation, "global" otherwise.
func (k *Kernel) tenantContextKey(threadID string) string {
	if !k.cfg.TenantIsolation {
		return "global"
	}
	if threadID != "" {
		return "tenant:" + k.cfg.TenantID + ":thread:" + threadID
	}
	return "tenant:" + k.cfg.TenantID
}

func (k *Kernel) cacheKey(namespace, key, threadID string) string {
	if !k.cfg.TenantIsolation {
		return cache.Key("global", threadID, namespace, key)
	}
	return cache.Key(k.cfg.TenantID, threadID, namespace, key)
}

// GetContext reads a context value: the LRU cache first, then the
// authoritative map (which repopulates the cache on a hit).
func (k *Kernel) GetContext(namespace, key, threadID string) (any, bool) {
	ck := k.cacheKey(namespace, key, threadID)
	if v, ok := k.ctxCache.Get(ck); ok {
		return v, true
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	nsMap, ok := k.contextData[k.tenantContextKey(threadID)]
	if !ok {
		return nil, false
	}
	values, ok := nsMap[namespace]
	if !ok {
		return nil, false
	}
	v, ok := values[key]
	if !ok {
		return nil, false
	}
	k.ctxCache.Set(ck, v)
	return v, true
}

// SetContext writes a context value. The authoritative map is always
// updated; with batched writes enabled the cache update is deferred to a
// debounced flush, otherwise it happens inline.
func (k *Kernel) SetContext(namespace, key string, value any, threadID string) {
	tck := k.tenantContextKey(threadID)

	k.mu.Lock()
	nsMap, ok := k.contextData[tck]
	if !ok {
		nsMap = make(map[string]map[string]any)
		k.contextData[tck] = nsMap
	}
	values, ok := nsMap[namespace]
	if !ok {
		values = make(map[string]any)
		nsMap[namespace] = values
	}
	values[key] = value

	if !k.cfg.BatchedContextWrites {
		k.mu.Unlock()
		k.ctxCache.Set(k.cacheKey(namespace, key, threadID), value)
		return
	}

	k.pendingWrites[writeKey{tck: tck, namespace: namespace, key: key, threadID: threadID}] = pendingWrite{
		value: value,
		ts:    time.Now(),
	}
	k.scheduleFlushLocked()
	k.mu.Unlock()
}

// DeleteContext removes a context value from both the map and the cache.
func (k *Kernel) DeleteContext(namespace, key, threadID string) {
	k.mu.Lock()
	if nsMap, ok := k.contextData[k.tenantContextKey(threadID)]; ok {
		if values, ok := nsMap[namespace]; ok {
			delete(values, key)
		}
	}
	delete(k.pendingWrites, writeKey{tck: k.tenantContextKey(threadID), namespace: namespace, key: key, threadID: threadID})
	k.mu.Unlock()
	k.ctxCache.Delete(k.cacheKey(namespace, key, threadID))
}

// scheduleFlushLocked (re)arms the debounced flush timer. Caller holds
// k.mu.
func (k *Kernel) scheduleFlushLocked() {
	if k.flushTimer != nil {
		k.flushTimer.Stop()
	}
	k.flushTimer = time.AfterFunc(k.cfg.FlushDebounce, func() {
		k.FlushContextWrites(context.Background())
	})
}

// FlushContextWrites drains the pending write map into the cache and may
// trigger an auto-snapshot by elapsed time or processed-event count.
func (k *Kernel) FlushContextWrites(ctx context.Context) {
	k.mu.Lock()
	k.flushPendingLocked()
	takeSnapshot := k.autoSnapshotDueLocked()
	k.mu.Unlock()

	if takeSnapshot {
		if err := k.persistSnapshot(ctx); err != nil {
			k.logger.Warn("Auto-snapshot failed", "error", err)
		}
	}
}

// flushPendingLocked moves pending writes into the cache. Caller holds
// k.mu.
func (k *Kernel) flushPendingLocked() {
	if k.flushTimer != nil {
		k.flushTimer.Stop()
		k.flushTimer = nil
	}
	for wk, pw := range k.pendingWrites {
		tenant := "global"
		if k.cfg.TenantIsolation {
			tenant = k.cfg.TenantID
		}
		k.ctxCache.Set(cache.Key(tenant, wk.threadID, wk.namespace, wk.key), pw.value)
	}
	k.pendingWrites = make(map[writeKey]pendingWrite)
}

// autoSnapshotDueLocked reports whether an auto-snapshot threshold has
// been crossed. Caller holds k.mu.
func (k *Kernel) autoSnapshotDueLocked() bool {
	if k.persistor == nil || k.status != StatusRunning {
		return false
	}
	events := k.eventCount.Load()
	if !k.lastSnapshotTime.IsZero() && time.Since(k.lastSnapshotTime) >= k.cfg.AutoSnapshotInterval {
		return true
	}
	if k.lastSnapshotTime.IsZero() && !k.startTime.IsZero() && time.Since(k.startTime) >= k.cfg.AutoSnapshotInterval {
		return true
	}
	return events-k.lastSnapshotEvents >= k.cfg.AutoSnapshotEvents
}

// snapshotState assembles the serializable kernel state.
func (k *Kernel) snapshotState() map[string]any {
	k.mu.Lock()
	defer k.mu.Unlock()

	// Deep copy through JSON: snapshot state must not alias live maps.
	raw, err := json.Marshal(k.contextData)
	if err != nil {
		raw = []byte("{}")
	}
	var contextCopy any
	_ = json.Unmarshal(raw, &contextCopy)

	return map[string]any{
		"kernel_id":    k.cfg.ID,
		"job_id":       k.cfg.JobID,
		"status":       string(k.status),
		"event_count":  k.eventCount.Load(),
		"context_data": contextCopy,
	}
}

// CreateSnapshot captures the kernel state with its content hash.
func (k *Kernel) CreateSnapshot() (*snapshot.Snapshot, error) {
	return snapshot.Capture(k.cfg.TenantID, k.executionContextID(), k.snapshotState())
}

// persistSnapshot captures and appends a snapshot. No-op without a
// persistor.
func (k *Kernel) persistSnapshot(ctx context.Context) error {
	if k.persistor == nil {
		return nil
	}
	snap, err := k.CreateSnapshot()
	if err != nil {
		return fmt.Errorf("failed to capture snapshot: %w", err)
	}
	if err := k.persistor.Append(ctx, snap, snapshot.AppendOptions{UseDelta: k.cfg.UseDeltaSnapshots}); err != nil {
		return err
	}
	k.mu.Lock()
	k.lastSnapshotTime = time.Now()
	k.lastSnapshotEvents = k.eventCount.Load()
	k.mu.Unlock()
	return nil
}

// RestoreFromSnapshot loads a snapshot by hash and replaces the kernel's
// context data and event count with the captured values. Allowed in the
// initialized and paused states.
func (k *Kernel) RestoreFromSnapshot(ctx context.Context, hash string) error {
	if k.persistor == nil {
		return fmt.Errorf("kernel has no persistor configured")
	}
	if status := k.Status(); status != StatusInitialized && status != StatusPaused {
		return fmt.Errorf("%w: cannot restore from %s", ErrInvalidTransition, status)
	}

	snap, err := k.persistor.GetByHash(ctx, k.cfg.TenantID, hash)
	if err != nil {
		return fmt.Errorf("failed to load snapshot %s: %w", hash, err)
	}
	return k.applySnapshot(snap)
}

// RestoreLatest restores the most recent snapshot for this kernel.
func (k *Kernel) RestoreLatest(ctx context.Context) error {
	if k.persistor == nil {
		return fmt.Errorf("kernel has no persistor configured")
	}
	snap, err := k.persistor.Latest(ctx, k.cfg.TenantID, k.executionContextID())
	if err != nil {
		return fmt.Errorf("failed to load latest snapshot: %w", err)
	}
	return k.applySnapshot(snap)
}

func (k *Kernel) applySnapshot(snap *snapshot.Snapshot) error {
	restored := make(map[string]map[string]map[string]any)
	if rawCtx, ok := snap.State["context_data"].(map[string]any); ok {
		for tck, nsAny := range rawCtx {
			nsRaw, ok := nsAny.(map[string]any)
			if !ok {
				continue
			}
			nsMap := make(map[string]map[string]any, len(nsRaw))
			for ns, valuesAny := range nsRaw {
				if values, ok := valuesAny.(map[string]any); ok {
					nsMap[ns] = values
				}
			}
			restored[tck] = nsMap
		}
	}

	k.mu.Lock()
	k.contextData = restored
	k.pendingWrites = make(map[writeKey]pendingWrite)
	k.mu.Unlock()
	k.ctxCache.Clear()

	if count, ok := snap.State["event_count"].(float64); ok {
		k.eventCount.Store(int64(count))
	}
	k.logger.Info("Kernel state restored from snapshot", "hash", snap.Hash)
	return nil
}

// executionContextID is the snapshot partition for this kernel.
func (k *Kernel) executionContextID() string {
	if k.cfg.JobID != "" {
		return k.cfg.ID + ":" + k.cfg.JobID
	}
	return k.cfg.ID
}
