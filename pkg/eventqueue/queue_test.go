package eventqueue

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	return New(cfg, nil)
}

func drain(q *Queue, ackAll bool) []Delivery {
	var all []Delivery
	for {
		batch := q.NextBatch(0)
		if len(batch) == 0 {
			return all
		}
		for _, d := range batch {
			if ackAll {
				q.Ack(d.Event.ID)
			}
		}
		all = append(all, batch...)
	}
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	q := newTestQueue(t, Config{MaxQueueDepth: 3, HighWatermark: 3, LowWatermark: 2})

	for i := 0; i < 3; i++ {
		res := q.Enqueue(NewEvent("work.item", i), EnqueueOptions{})
		require.True(t, res.Success)
	}

	res := q.Enqueue(NewEvent("work.item", 99), EnqueueOptions{})
	assert.False(t, res.Success)
	assert.Empty(t, res.EventID)
}

func TestCriticalEventBypassesDepthLimit(t *testing.T) {
	q := newTestQueue(t, Config{MaxQueueDepth: 1, HighWatermark: 1, LowWatermark: 1})

	require.True(t, q.Enqueue(NewEvent("work.item", nil), EnqueueOptions{}).Success)
	assert.False(t, q.Enqueue(NewEvent("work.item", nil), EnqueueOptions{}).Success)

	res := q.Enqueue(NewEvent(TypeKernelCompleted, nil), EnqueueOptions{})
	assert.True(t, res.Success, "flush-critical events must never be rejected")
}

func TestBackpressureLifecycle(t *testing.T) {
	q := newTestQueue(t, Config{MaxQueueDepth: 500, HighWatermark: 400, LowWatermark: 300, BatchSize: 100})

	accepted := 0
	for i := 0; i < 700; i++ {
		if q.Enqueue(NewEvent("work.item", i), EnqueueOptions{}).Success {
			accepted++
		}
	}
	assert.LessOrEqual(t, accepted, 500)
	assert.True(t, q.BackpressureActive(), "backpressure must be observable before drain")

	deliveries := drain(q, true)
	assert.Len(t, deliveries, accepted)
	assert.Equal(t, 0, q.Depth())
	assert.False(t, q.BackpressureActive())
}

func TestPriorityOrdering(t *testing.T) {
	q := newTestQueue(t, Config{})

	q.Enqueue(NewEvent("low", nil), EnqueueOptions{Priority: PriorityLow})
	q.Enqueue(NewEvent("normal", nil), EnqueueOptions{Priority: PriorityNormal})
	q.Enqueue(NewEvent("high", nil), EnqueueOptions{Priority: PriorityHigh})

	batch := q.NextBatch(10)
	require.Len(t, batch, 3)
	assert.Equal(t, "high", batch[0].Event.Type)
	assert.Equal(t, "normal", batch[1].Event.Type)
	assert.Equal(t, "low", batch[2].Event.Type)
}

func TestFIFOWithinPriorityAndCorrelation(t *testing.T) {
	q := newTestQueue(t, Config{})

	for i := 0; i < 5; i++ {
		evt := NewEvent("step", i)
		q.Enqueue(evt, EnqueueOptions{Priority: PriorityNormal, CorrelationID: "corr-1"})
	}

	batch := q.NextBatch(10)
	require.Len(t, batch, 5)
	for i, d := range batch {
		assert.Equal(t, i, d.Event.Data)
		assert.Equal(t, "corr-1", d.Event.Metadata.CorrelationID)
	}
}

func TestFlushCriticalShortCircuitsBatch(t *testing.T) {
	q := newTestQueue(t, Config{BatchSize: 10})

	q.Enqueue(NewEvent("work.a", nil), EnqueueOptions{Priority: PriorityHigh})
	q.Enqueue(NewEvent(TypeWorkflowCompleted, nil), EnqueueOptions{Priority: PriorityHigh})
	q.Enqueue(NewEvent("work.b", nil), EnqueueOptions{Priority: PriorityHigh})

	batch := q.NextBatch(10)
	require.Len(t, batch, 2, "batch must stop at the flush-critical event")
	assert.Equal(t, TypeWorkflowCompleted, batch[1].Event.Type)

	rest := q.NextBatch(10)
	require.Len(t, rest, 1)
	assert.Equal(t, "work.b", rest[0].Event.Type)
}

func TestLargePayloadCompression(t *testing.T) {
	q := newTestQueue(t, Config{LargeEventThreshold: 10 * 1024})

	large := map[string]any{"blob": strings.Repeat("abcdefgh", 2560)} // ~20 KiB
	start := time.Now()
	for i := 0; i < 200; i++ {
		res := q.Enqueue(NewEvent("bulk.data", large), EnqueueOptions{})
		require.True(t, res.Success)
	}

	compressed := 0
	for {
		batch := q.NextBatch(100)
		if len(batch) == 0 {
			break
		}
		for _, d := range batch {
			if d.Event.Metadata.Compressed {
				compressed++
			}
			// Payload is transparently restored on dispatch.
			data, ok := d.Event.Data.(map[string]any)
			require.True(t, ok)
			assert.Len(t, data["blob"], 20480)
		}
	}
	assert.Positive(t, compressed, "at least one event must be dispatched compressed")
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestSmallPayloadNotCompressed(t *testing.T) {
	q := newTestQueue(t, Config{LargeEventThreshold: 1024})
	q.Enqueue(NewEvent("small", map[string]any{"k": "v"}), EnqueueOptions{})

	batch := q.NextBatch(1)
	require.Len(t, batch, 1)
	assert.False(t, batch[0].Event.Metadata.Compressed)
	assert.Equal(t, map[string]any{"k": "v"}, batch[0].Event.Data)
}

func TestAtLeastOnceNackRetriesThenDeadLetters(t *testing.T) {
	q := newTestQueue(t, Config{
		MaxRetries:        2,
		InitialRetryDelay: time.Millisecond,
		MaxRetryDelay:     2 * time.Millisecond,
	})

	evt := NewEvent("agent.error", map[string]any{"reason": "boom"})
	res := q.Enqueue(evt, EnqueueOptions{Guarantee: AtLeastOnce})
	require.True(t, res.Success)

	deliveries := 0
	deadline := time.Now().Add(5 * time.Second)
	for q.dlq.size() == 0 && time.Now().Before(deadline) {
		batch := q.NextBatch(10)
		for _, d := range batch {
			deliveries++
			q.Nack(d.Event.ID, errors.New("handler failed"))
		}
		time.Sleep(2 * time.Millisecond)
	}

	// maxRetries+1 total delivery attempts, then the DLQ.
	assert.Equal(t, 3, deliveries)
	items := q.DLQItems()
	require.Len(t, items, 1)
	assert.Equal(t, "agent.error", items[0].EventType)
	assert.Equal(t, 3, items[0].Attempts)
	assert.Equal(t, "handler failed", items[0].LastError)
	assert.False(t, items[0].FirstFailureTs.IsZero())
}

func TestAckClearsPending(t *testing.T) {
	q := newTestQueue(t, Config{})
	evt := NewEvent("work.item", nil)
	q.Enqueue(evt, EnqueueOptions{Guarantee: AtLeastOnce})

	batch := q.NextBatch(1)
	require.Len(t, batch, 1)
	assert.Equal(t, 1, q.Stats().PendingAcks)

	q.Ack(evt.ID)
	assert.Equal(t, 0, q.Stats().PendingAcks)

	// A nack after ack is a no-op.
	q.Nack(evt.ID, errors.New("late"))
	assert.Equal(t, 0, q.dlq.size())
}

func TestReprocessDLQByCriteria(t *testing.T) {
	q := newTestQueue(t, Config{MaxRetries: 1, InitialRetryDelay: time.Millisecond})

	for i, typ := range []string{"agent.error", "agent.error", "other.failure"} {
		evt := NewEvent(typ, i)
		q.Enqueue(evt, EnqueueOptions{Guarantee: AtLeastOnce})
	}
	deadline := time.Now().Add(5 * time.Second)
	for q.dlq.size() < 3 && time.Now().Before(deadline) {
		for _, d := range q.NextBatch(10) {
			q.Nack(d.Event.ID, errors.New("x"))
		}
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, 3, q.dlq.size())

	n := q.ReprocessDLQ(ReprocessCriteria{EventType: "agent.error", Limit: 1})
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, q.dlq.size())
	assert.Equal(t, 1, q.Depth())
}

func TestDLQOverflow(t *testing.T) {
	q := newTestQueue(t, Config{MaxRetries: 1, InitialRetryDelay: time.Microsecond, MaxDLQSize: 1})

	for i := 0; i < 2; i++ {
		evt := NewEvent(fmt.Sprintf("fail.%d", i), nil)
		q.Enqueue(evt, EnqueueOptions{Guarantee: AtLeastOnce})
	}
	deadline := time.Now().Add(5 * time.Second)
	for q.Depth() > 0 && time.Now().Before(deadline) {
		for _, d := range q.NextBatch(10) {
			q.Nack(d.Event.ID, errors.New("x"))
		}
		time.Sleep(time.Millisecond)
	}

	// Second dead-letter overflows and is dropped; queue keeps running.
	assert.Equal(t, 1, q.dlq.size())
	assert.Equal(t, 0, q.Depth())
}

func TestClearPreservesDLQ(t *testing.T) {
	q := newTestQueue(t, Config{MaxRetries: 1, InitialRetryDelay: time.Microsecond})

	evt := NewEvent("fail.keep", nil)
	q.Enqueue(evt, EnqueueOptions{Guarantee: AtLeastOnce})
	deadline := time.Now().Add(5 * time.Second)
	for q.dlq.size() == 0 && time.Now().Before(deadline) {
		for _, d := range q.NextBatch(10) {
			q.Nack(d.Event.ID, errors.New("x"))
		}
		time.Sleep(time.Millisecond)
	}

	q.Enqueue(NewEvent("queued", nil), EnqueueOptions{})
	q.Clear()
	assert.Equal(t, 0, q.Depth())
	assert.Equal(t, 1, q.dlq.size())
}
