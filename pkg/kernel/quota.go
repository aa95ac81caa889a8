package kernel

import (
	"context"
	"runtime"
	"time"
)

// quotaExceeded checks the configured quotas in a fixed order (events,
// duration, memory) and reports the first one crossed.
func (k *Kernel) quotaExceeded() (kind string, exceeded bool) {
	q := k.cfg.Quotas

	if q.MaxEvents > 0 && k.eventCount.Load() >= q.MaxEvents {
		return "events", true
	}

	k.mu.Lock()
	start := k.startTime
	k.mu.Unlock()
	if q.MaxDuration > 0 && !start.IsZero() && time.Since(start) >= q.MaxDuration {
		return "duration", true
	}

	if q.MaxMemoryBytes > 0 && heapAlloc() >= q.MaxMemoryBytes {
		return "memory", true
	}
	return "", false
}

// memoryCleanup runs the memory-pressure recovery pass: flush pending
// writes, trim snapshot history, and hint the collector.
func (k *Kernel) memoryCleanup(ctx context.Context) {
	k.logger.Warn("Memory quota exceeded, running cleanup pass")

	k.mu.Lock()
	k.flushPendingLocked()
	k.mu.Unlock()

	if k.persistor != nil {
		if _, err := k.persistor.CleanupOldSnapshots(ctx, k.cfg.TenantID, k.executionContextID(), 3); err != nil {
			k.logger.Warn("Snapshot trim failed during memory cleanup", "error", err)
		}
	}

	runtime.GC()
}

// memoryPressure reports heap usage relative to the memory quota.
// Returns 0 when no memory quota is configured.
func (k *Kernel) memoryPressure() float64 {
	if k.cfg.Quotas.MaxMemoryBytes == 0 {
		return 0
	}
	return float64(heapAlloc()) / float64(k.cfg.Quotas.MaxMemoryBytes)
}

func heapAlloc() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapAlloc
}
