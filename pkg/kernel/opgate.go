package kernel

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// opGate is the atomic-operation gate. Every externally observable kernel
// operation runs through it:
//
//  1. A duplicate operation ID is rejected (idempotency).
//  2. The gate rejects when at its concurrency limit.
//  3. The ID is inserted, a deadline started, the body run, and the ID
//     released on every exit path — success, error or timeout.
type opGate struct {
	mu      sync.Mutex
	pending map[string]struct{}
	max     int
}

func newOpGate(maxConcurrent int) *opGate {
	return &opGate{
		pending: make(map[string]struct{}),
		max:     maxConcurrent,
	}
}

// acquire inserts the operation ID or reports why it cannot run.
func (g *opGate) acquire(opID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.pending[opID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateOperation, opID)
	}
	if len(g.pending) >= g.max {
		return fmt.Errorf("%w: limit is %d", ErrTooManyOperations, g.max)
	}
	g.pending[opID] = struct{}{}
	return nil
}

// release removes the operation ID. Idempotent.
func (g *opGate) release(opID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pending, opID)
}

// run executes body under the gate with the given deadline. On timeout the
// operation ID is released immediately and ErrOperationTimeout returned;
// the body keeps running until it observes its cancelled context.
func (g *opGate) run(ctx context.Context, opID string, timeout time.Duration, body func(ctx context.Context) error) error {
	if err := g.acquire(opID); err != nil {
		return err
	}
	defer g.release(opID)

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- body(opCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-opCtx.Done():
		if ctx.Err() != nil {
			return fmt.Errorf("operation %s cancelled: %w", opID, ctx.Err())
		}
		return fmt.Errorf("%w: %s after %s", ErrOperationTimeout, opID, timeout)
	}
}

// pendingIDs returns a copy of the currently executing operation IDs.
func (g *opGate) pendingIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	return ids
}

// reset clears all pending operation IDs. Only used by kernel Reset.
func (g *opGate) reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending = make(map[string]struct{})
}
