// Package runtime provides the event dispatcher that sits on top of the
// event queue: handler registration, a middleware chain, batched
// processing with ack/nack, tenant-scoped views and lazy event streams.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kodustech/kodus-flow/pkg/eventqueue"
)

// WildcardType subscribes a handler to every event type.
const WildcardType = "*"

// Handler processes a single dispatched event. A non-nil error causes the
// event to be nacked (and eventually dead-lettered for at-least-once
// deliveries).
type Handler func(ctx context.Context, evt *eventqueue.Event) error

// Middleware wraps handler execution. Middleware registered first runs
// outermost, so observability middleware should be registered before any
// other.
type Middleware func(next Handler) Handler

// ProcessResult summarizes one Process drain.
type ProcessResult struct {
	Processed int
	Acked     int
	Failed    int
}

// subscription is a registered handler with a stable identity for Off.
type subscription struct {
	id      int
	handler Handler
}

// Runtime dispatches queue events to registered handlers.
type Runtime struct {
	queue  *eventqueue.Queue
	logger *slog.Logger

	mu         sync.RWMutex
	handlers   map[string][]subscription
	middleware []Middleware
	nextSubID  int

	// emitHooks observe every successful enqueue. Used by the multi-kernel
	// manager to bridge events across kernels.
	emitHooks []func(evt *eventqueue.Event)
}

// New creates a Runtime over the given queue.
func New(queue *eventqueue.Queue, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		queue:    queue,
		logger:   logger,
		handlers: make(map[string][]subscription),
	}
}

// Use appends middleware to the chain. Must be called before Process;
// registration is not synchronized with in-flight dispatches.
func (r *Runtime) Use(mw Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, mw)
}

// On registers a handler for an event type (WildcardType for all events).
// The returned id cancels the registration via Off.
func (r *Runtime) On(eventType string, handler Handler) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextSubID++
	id := r.nextSubID
	r.handlers[eventType] = append(r.handlers[eventType], subscription{id: id, handler: handler})
	return id
}

// Off removes a previously registered handler.
func (r *Runtime) Off(eventType string, id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.handlers[eventType]
	for i, s := range subs {
		if s.id == id {
			r.handlers[eventType] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// OnEmit registers a hook observing every successfully enqueued event.
func (r *Runtime) OnEmit(hook func(evt *eventqueue.Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emitHooks = append(r.emitHooks, hook)
}

// Emit enqueues an event synchronously and returns the enqueue outcome.
func (r *Runtime) Emit(eventType string, data any, opts eventqueue.EnqueueOptions) eventqueue.EnqueueResult {
	evt := eventqueue.NewEvent(eventType, data)
	res := r.queue.Enqueue(evt, opts)
	if res.Success {
		r.notifyEmit(evt)
	}
	return res
}

// EmitAsync enqueues an event respecting context cancellation. The result
// reports whether the event was accepted; delivery happens on the next
// Process drain.
func (r *Runtime) EmitAsync(ctx context.Context, eventType string, data any, opts eventqueue.EnqueueOptions) (eventqueue.EnqueueResult, error) {
	if err := ctx.Err(); err != nil {
		return eventqueue.EnqueueResult{}, fmt.Errorf("emit aborted: %w", err)
	}
	return r.Emit(eventType, data, opts), nil
}

func (r *Runtime) notifyEmit(evt *eventqueue.Event) {
	r.mu.RLock()
	hooks := make([]func(*eventqueue.Event), len(r.emitHooks))
	copy(hooks, r.emitHooks)
	r.mu.RUnlock()
	for _, hook := range hooks {
		hook(evt)
	}
}

// Process drains the queue until an empty batch is observed. Each event is
// dispatched to its type handlers plus wildcard handlers, under the
// middleware chain. A handler error nacks the event; otherwise it is
// acked.
func (r *Runtime) Process(ctx context.Context) (ProcessResult, error) {
	var result ProcessResult
	for {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("processing aborted: %w", err)
		}
		batch := r.queue.NextBatch(0)
		if len(batch) == 0 {
			return result, nil
		}
		for _, delivery := range batch {
			result.Processed++
			if err := r.dispatch(ctx, delivery.Event); err != nil {
				result.Failed++
				r.queue.Nack(delivery.Event.ID, err)
				continue
			}
			result.Acked++
			r.queue.Ack(delivery.Event.ID)
		}
	}
}

// dispatch runs all matching handlers for the event. The first handler
// error aborts dispatch and is returned.
func (r *Runtime) dispatch(ctx context.Context, evt *eventqueue.Event) (err error) {
	r.mu.RLock()
	subs := make([]subscription, 0, len(r.handlers[evt.Type])+len(r.handlers[WildcardType]))
	subs = append(subs, r.handlers[evt.Type]...)
	subs = append(subs, r.handlers[WildcardType]...)
	chain := make([]Middleware, len(r.middleware))
	copy(chain, r.middleware)
	r.mu.RUnlock()

	if len(subs) == 0 {
		return nil
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic for event %s: %v", evt.Type, rec)
		}
	}()

	for _, sub := range subs {
		h := sub.handler
		for i := len(chain) - 1; i >= 0; i-- {
			h = chain[i](h)
		}
		if err := h(ctx, evt); err != nil {
			return fmt.Errorf("handler failed for event %s: %w", evt.Type, err)
		}
	}
	return nil
}

// Queue exposes the underlying queue for stats and DLQ orchestration.
func (r *Runtime) Queue() *eventqueue.Queue {
	return r.queue
}

// Stats returns the underlying queue statistics.
func (r *Runtime) Stats() eventqueue.Stats {
	return r.queue.Stats()
}

// Clear drops registered handlers and queued events. Used by kernel reset.
func (r *Runtime) Clear() {
	r.mu.Lock()
	r.handlers = make(map[string][]subscription)
	r.emitHooks = nil
	r.mu.Unlock()
	r.queue.Clear()
}
