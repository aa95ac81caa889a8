package kernel

import (
	"context"
	"time"

	"github.com/kodustech/kodus-flow/pkg/eventqueue"
)

// recoveryState tracks DLQ recovery attempts. Attempts are capped per
// kernel and the counter resets hourly.
type recoveryState struct {
	attempts  int
	windowEnd time.Time
}

// Baseline DLQ reprocess criteria; tightened under memory pressure.
const (
	dlqDefaultMaxAge  = 24 * time.Hour
	dlqDefaultLimit   = 50
	dlqPressureMaxAge = time.Hour
	dlqPressureLimit  = 10
)

// StartDLQReprocessor runs the periodic dead-letter reprocess loop until
// the context is cancelled.
func (k *Kernel) StartDLQReprocessor(ctx context.Context) {
	ticker := time.NewTicker(k.cfg.DLQReprocessInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				k.ReprocessDLQ()
			}
		}
	}()
}

// ReprocessDLQ pulls dead-lettered events back into the queue. Under high
// memory pressure the horizon and batch shrink; when few recovery
// attempts remain the pass focuses on agent.error events. Returns the
// number of events re-enqueued.
func (k *Kernel) ReprocessDLQ() int {
	if k.Status() != StatusRunning {
		return 0
	}

	k.mu.Lock()
	now := time.Now()
	if now.After(k.recovery.windowEnd) {
		k.recovery = recoveryState{windowEnd: now.Add(time.Hour)}
	}
	if k.recovery.attempts >= k.cfg.MaxRecoveryAttempts {
		k.mu.Unlock()
		return 0
	}
	k.recovery.attempts++
	remaining := k.cfg.MaxRecoveryAttempts - k.recovery.attempts
	k.mu.Unlock()

	criteria := eventqueue.ReprocessCriteria{
		MaxAge: dlqDefaultMaxAge,
		Limit:  dlqDefaultLimit,
	}
	if k.memoryPressure() >= 0.8 {
		criteria.MaxAge = dlqPressureMaxAge
		criteria.Limit = dlqPressureLimit
	}
	if remaining <= 1 {
		criteria.EventType = eventqueue.TypeAgentError
	}

	count := k.rt.Queue().ReprocessDLQ(criteria)
	if count > 0 {
		k.logger.Info("DLQ reprocess pass completed",
			"reprocessed", count,
			"attempts_remaining", remaining)
	}
	return count
}
