// Package eventqueue provides the bounded priority queue that backs each
// kernel runtime: backpressure watermarks, batched draining, transparent
// compression of large payloads, at-least-once delivery with ack/nack,
// retry with exponential backoff, and a dead-letter queue.
package eventqueue

import (
	"time"

	"github.com/google/uuid"
)

// Priority orders events in the queue. Lower values drain first.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3
)

// DeliveryGuarantee selects the delivery semantics for an event.
type DeliveryGuarantee string

const (
	// AtMostOnce events are dropped on handler failure.
	AtMostOnce DeliveryGuarantee = "at-most-once"

	// AtLeastOnce events stay pending until acked; nacked events are
	// retried with backoff and eventually dead-lettered.
	AtLeastOnce DeliveryGuarantee = "at-least-once"
)

// Well-known event types. The flush-critical types bypass queue-depth
// rejection and short-circuit batch draining.
const (
	TypeKernelStarted      = "kernel.started"
	TypeKernelCompleted    = "kernel.completed"
	TypeKernelFailed       = "kernel.failed"
	TypeWorkflowCompleted  = "workflow.completed"
	TypeWorkflowFailed     = "workflow.failed"
	TypeAgentActionStart   = "agent.action.start"
	TypeAgentToolCompleted = "agent.tool.completed"
	TypeAgentToolError     = "agent.tool.error"
	TypeAgentError         = "agent.error"
)

// flushCritical lists the event types that must never be rejected or held
// back behind a batch boundary.
var flushCritical = map[string]bool{
	TypeKernelCompleted:   true,
	TypeKernelFailed:      true,
	TypeWorkflowCompleted: true,
	TypeWorkflowFailed:    true,
}

// IsFlushCritical reports whether the event type short-circuits batching
// and bypasses depth limits.
func IsFlushCritical(eventType string) bool {
	return flushCritical[eventType]
}

// Metadata carries the routing and diagnostic envelope of an event.
type Metadata struct {
	CorrelationID string    `json:"correlation_id,omitempty"`
	TenantID      string    `json:"tenant_id,omitempty"`
	OperationID   string    `json:"operation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Compressed    bool      `json:"compressed,omitempty"`
}

// Event is a unit of work flowing through the queue. Data must be
// JSON-serializable: large payloads are compressed in place and restored
// through a JSON round-trip on dispatch.
type Event struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Data     any      `json:"data,omitempty"`
	Metadata Metadata `json:"metadata"`

	// compressed holds the gzip-compressed JSON payload when
	// Metadata.Compressed is set; Data is nil in that state.
	compressed []byte
}

// NewEvent creates an event with a fresh ID and timestamp.
func NewEvent(eventType string, data any) *Event {
	return &Event{
		ID:       uuid.New().String(),
		Type:     eventType,
		Data:     data,
		Metadata: Metadata{Timestamp: time.Now().UTC()},
	}
}

// EnqueueOptions tunes a single enqueue.
type EnqueueOptions struct {
	Priority      Priority
	Guarantee     DeliveryGuarantee
	CorrelationID string
	TenantID      string
	OperationID   string
}

// EnqueueResult reports the outcome of an enqueue.
type EnqueueResult struct {
	// Success is false when the queue rejected the event (depth limit or
	// backpressure).
	Success bool
	// Queued is false when the event was accepted but not added (e.g.
	// deduplicated by the caller's idempotency layer).
	Queued bool
	// EventID is the ID of the enqueued event, empty on rejection.
	EventID string
}

// Stats is a point-in-time view of queue health.
type Stats struct {
	Depth              int
	PendingAcks        int
	Delayed            int
	DLQSize            int
	BackpressureActive bool
	Enqueued           int64
	Rejected           int64
	Processed          int64
	DeadLettered       int64
}
