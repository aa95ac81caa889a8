package eventqueue

import (
	"container/heap"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config tunes a Queue. Zero fields are replaced by defaults.
type Config struct {
	// MaxQueueDepth is the hard bound on queued events. Flush-critical
	// events bypass it.
	MaxQueueDepth int

	// HighWatermark raises the backpressure flag; LowWatermark clears it.
	HighWatermark int
	LowWatermark  int

	// BatchSize caps how many events a single drain batch pulls.
	BatchSize int

	// LargeEventThreshold is the serialized payload size (bytes) above
	// which an event is compressed in place. <= 0 disables compression.
	LargeEventThreshold int

	// MaxRetries bounds redelivery attempts for at-least-once events
	// before they move to the DLQ.
	MaxRetries int

	// InitialRetryDelay and MaxRetryDelay shape the exponential backoff
	// between redeliveries.
	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration

	// MaxDLQSize bounds the dead-letter queue. <= 0 means unbounded.
	MaxDLQSize int
}

// DefaultConfig returns the built-in queue defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxQueueDepth:       1000,
		BatchSize:           100,
		LargeEventThreshold: 64 * 1024,
		MaxRetries:          3,
		InitialRetryDelay:   100 * time.Millisecond,
		MaxRetryDelay:       5 * time.Second,
		MaxDLQSize:          500,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = d.MaxQueueDepth
	}
	if c.HighWatermark <= 0 {
		c.HighWatermark = c.MaxQueueDepth * 8 / 10
	}
	if c.LowWatermark <= 0 {
		c.LowWatermark = c.MaxQueueDepth * 6 / 10
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.InitialRetryDelay <= 0 {
		c.InitialRetryDelay = d.InitialRetryDelay
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = d.MaxRetryDelay
	}
}

// item is a queued event plus its scheduling state.
type item struct {
	event     *Event
	priority  Priority
	guarantee DeliveryGuarantee
	seq       uint64
	attempts  int
	// retry produces the next redelivery delay. Created lazily on the
	// first nack.
	retry *backoff.ExponentialBackOff
}

// Delivery is what a drain batch hands to the dispatcher.
type Delivery struct {
	Event     *Event
	Guarantee DeliveryGuarantee
	Attempt   int
}

// itemHeap orders by (priority, seq): strictly higher priority first,
// FIFO within a priority class. FIFO per correlation ID follows from the
// global sequence.
type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)   { *h = append(*h, x.(*item)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// delayedItem is an item waiting out its retry backoff.
type delayedItem struct {
	readyAt time.Time
	item    *item
}

// Queue is a bounded priority queue with backpressure, batching,
// compression, ack/nack delivery tracking and a dead-letter queue.
// All methods are safe for concurrent use.
type Queue struct {
	cfg    Config
	logger *slog.Logger

	mu           sync.Mutex
	heap         itemHeap
	delayed      []delayedItem
	pending      map[string]*item // event ID → in-flight at-least-once item
	seq          uint64
	backpressure bool

	enqueued     int64
	rejected     int64
	processed    int64
	deadLettered int64

	dlq *dlq
}

// New creates a Queue with the given configuration.
func New(cfg Config, logger *slog.Logger) *Queue {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		cfg:     cfg,
		logger:  logger,
		pending: make(map[string]*item),
		dlq:     newDLQ(cfg.MaxDLQSize),
	}
}

// Enqueue adds an event to the queue. Non-critical events are rejected
// when the queue is full or backpressure is active; flush-critical event
// types always get in.
func (q *Queue) Enqueue(evt *Event, opts EnqueueOptions) EnqueueResult {
	if opts.CorrelationID != "" {
		evt.Metadata.CorrelationID = opts.CorrelationID
	}
	if opts.TenantID != "" {
		evt.Metadata.TenantID = opts.TenantID
	}
	if opts.OperationID != "" {
		evt.Metadata.OperationID = opts.OperationID
	}
	if evt.Metadata.Timestamp.IsZero() {
		evt.Metadata.Timestamp = time.Now().UTC()
	}
	guarantee := opts.Guarantee
	if guarantee == "" {
		guarantee = AtMostOnce
	}

	critical := IsFlushCritical(evt.Type)

	q.mu.Lock()
	depth := len(q.heap) + len(q.delayed)
	if !critical && (depth >= q.cfg.MaxQueueDepth || q.backpressure) {
		q.rejected++
		q.mu.Unlock()
		return EnqueueResult{Success: false}
	}
	q.mu.Unlock()

	// Compression happens outside the lock: it serializes the payload.
	if err := maybeCompress(evt, q.cfg.LargeEventThreshold); err != nil {
		q.logger.Warn("Failed to compress event payload, enqueueing uncompressed",
			"event_id", evt.ID, "event_type", evt.Type, "error", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	// Re-check depth: another producer may have filled the queue while we
	// were compressing.
	depth = len(q.heap) + len(q.delayed)
	if !critical && depth >= q.cfg.MaxQueueDepth {
		q.rejected++
		return EnqueueResult{Success: false}
	}

	q.seq++
	heap.Push(&q.heap, &item{
		event:     evt,
		priority:  opts.Priority,
		guarantee: guarantee,
		seq:       q.seq,
	})
	q.enqueued++

	if len(q.heap)+len(q.delayed) >= q.cfg.HighWatermark {
		if !q.backpressure {
			q.logger.Warn("Queue backpressure activated",
				"depth", len(q.heap)+len(q.delayed),
				"high_watermark", q.cfg.HighWatermark)
		}
		q.backpressure = true
	}

	return EnqueueResult{Success: true, Queued: true, EventID: evt.ID}
}

// NextBatch pulls up to max events (cfg.BatchSize when max <= 0) in
// priority order. A flush-critical event short-circuits the batch: it is
// returned as the final element so the dispatcher runs it immediately.
// At-least-once events become pending until Ack or Nack.
func (q *Queue) NextBatch(max int) []Delivery {
	if max <= 0 {
		max = q.cfg.BatchSize
	}

	q.mu.Lock()
	q.promoteDueLocked(time.Now())

	var batch []Delivery
	for len(batch) < max && q.heap.Len() > 0 {
		it := heap.Pop(&q.heap).(*item)
		if err := decompress(it.event); err != nil {
			q.logger.Error("Failed to decompress event, dead-lettering",
				"event_id", it.event.ID, "error", err)
			q.deadLetterLocked(it, err.Error())
			continue
		}
		if it.guarantee == AtLeastOnce {
			q.pending[it.event.ID] = it
		}
		batch = append(batch, Delivery{Event: it.event, Guarantee: it.guarantee, Attempt: it.attempts + 1})
		if IsFlushCritical(it.event.Type) {
			break
		}
	}

	if len(q.heap)+len(q.delayed) < q.cfg.LowWatermark && q.backpressure {
		q.backpressure = false
		q.logger.Info("Queue backpressure cleared", "depth", len(q.heap)+len(q.delayed))
	}
	q.mu.Unlock()
	return batch
}

// Ack marks an at-least-once event as successfully processed.
func (q *Queue) Ack(eventID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[eventID]; ok {
		delete(q.pending, eventID)
	}
	q.processed++
}

// Nack reports a processing failure. The event is scheduled for
// redelivery with exponential backoff, or dead-lettered once its retry
// budget is exhausted.
func (q *Queue) Nack(eventID string, handlerErr error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.pending[eventID]
	if !ok {
		return
	}
	delete(q.pending, eventID)

	it.attempts++
	errMsg := ""
	if handlerErr != nil {
		errMsg = handlerErr.Error()
	}

	if it.attempts > q.cfg.MaxRetries {
		q.deadLetterLocked(it, errMsg)
		return
	}

	if it.retry == nil {
		it.retry = backoff.NewExponentialBackOff()
		it.retry.InitialInterval = q.cfg.InitialRetryDelay
		it.retry.MaxInterval = q.cfg.MaxRetryDelay
		it.retry.MaxElapsedTime = 0 // attempts are bounded by MaxRetries
		it.retry.Reset()
	}
	delay := it.retry.NextBackOff()

	q.delayed = append(q.delayed, delayedItem{
		readyAt: time.Now().Add(delay),
		item:    it,
	})
	q.logger.Debug("Event scheduled for retry",
		"event_id", eventID, "attempt", it.attempts, "delay", delay, "error", errMsg)
}

// deadLetterLocked moves an item to the DLQ. Caller holds q.mu.
func (q *Queue) deadLetterLocked(it *item, lastError string) {
	// Best effort decompress so DLQ inspection sees the payload.
	_ = decompress(it.event)
	err := q.dlq.add(&DLQItem{
		Event:          it.event,
		EventType:      it.event.Type,
		FirstFailureTs: time.Now().UTC(),
		Attempts:       it.attempts,
		LastError:      lastError,
	})
	if err != nil {
		q.logger.Error("Dead-letter queue overflow, dropping event",
			"event_id", it.event.ID, "event_type", it.event.Type)
		return
	}
	q.deadLettered++
	q.logger.Warn("Event moved to dead-letter queue",
		"event_id", it.event.ID, "event_type", it.event.Type,
		"attempts", it.attempts, "error", lastError)
}

// promoteDueLocked moves retry items whose backoff has elapsed back into
// the heap. Caller holds q.mu.
func (q *Queue) promoteDueLocked(now time.Time) {
	if len(q.delayed) == 0 {
		return
	}
	remaining := q.delayed[:0]
	for _, d := range q.delayed {
		if now.Before(d.readyAt) {
			remaining = append(remaining, d)
			continue
		}
		q.seq++
		d.item.seq = q.seq
		heap.Push(&q.heap, d.item)
	}
	q.delayed = remaining
}

// ReprocessDLQ re-enqueues dead-lettered events matching the criteria.
// Retry budgets are reset. Returns the number of events re-enqueued.
func (q *Queue) ReprocessDLQ(criteria ReprocessCriteria) int {
	taken := q.dlq.take(criteria, time.Now().UTC())
	for _, dead := range taken {
		q.mu.Lock()
		q.seq++
		heap.Push(&q.heap, &item{
			event:     dead.Event,
			priority:  PriorityHigh,
			guarantee: AtLeastOnce,
			seq:       q.seq,
		})
		q.enqueued++
		q.mu.Unlock()
	}
	if len(taken) > 0 {
		q.logger.Info("Reprocessed dead-lettered events", "count", len(taken))
	}
	return len(taken)
}

// DLQItems returns a copy of the current dead-letter items.
func (q *Queue) DLQItems() []*DLQItem {
	return q.dlq.snapshot()
}

// Depth returns the number of events waiting in the queue (including
// delayed retries).
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap) + len(q.delayed)
}

// BackpressureActive reports whether the high watermark has been crossed
// and not yet relieved.
func (q *Queue) BackpressureActive() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.backpressure
}

// Stats returns a point-in-time snapshot of queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Depth:              len(q.heap) + len(q.delayed),
		PendingAcks:        len(q.pending),
		Delayed:            len(q.delayed),
		DLQSize:            q.dlq.size(),
		BackpressureActive: q.backpressure,
		Enqueued:           q.enqueued,
		Rejected:           q.rejected,
		Processed:          q.processed,
		DeadLettered:       q.deadLettered,
	}
}

// Clear drops all queued, delayed and pending events. DLQ contents are
// preserved.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.heap = nil
	q.delayed = nil
	q.pending = make(map[string]*item)
	q.backpressure = false
}
