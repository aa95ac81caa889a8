package eventqueue

import (
	"errors"
	"sync"
	"time"
)

// ErrDLQOverflow is returned when the dead-letter queue is at capacity.
var ErrDLQOverflow = errors.New("dead-letter queue overflow")

// DLQItem retains a failed event with its failure metadata.
type DLQItem struct {
	Event          *Event
	EventType      string
	FirstFailureTs time.Time
	Attempts       int
	LastError      string
}

// ReprocessCriteria selects dead-lettered events for reprocessing.
// Zero values mean "no constraint".
type ReprocessCriteria struct {
	// MaxAge limits selection to items whose first failure is at most
	// this old.
	MaxAge time.Duration
	// Limit caps the number of items taken.
	Limit int
	// EventType restricts selection to a single event type.
	EventType string
}

// dlq is the in-memory dead-letter store. Guarded by its own mutex so DLQ
// inspection never contends with the hot enqueue path.
type dlq struct {
	mu      sync.Mutex
	items   []*DLQItem
	maxSize int
}

func newDLQ(maxSize int) *dlq {
	return &dlq{maxSize: maxSize}
}

func (d *dlq) add(item *DLQItem) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.maxSize > 0 && len(d.items) >= d.maxSize {
		return ErrDLQOverflow
	}
	d.items = append(d.items, item)
	return nil
}

func (d *dlq) size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

// snapshot returns a copy of the current items for inspection.
func (d *dlq) snapshot() []*DLQItem {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*DLQItem, len(d.items))
	copy(out, d.items)
	return out
}

// take removes and returns the items matching the criteria, oldest first.
func (d *dlq) take(criteria ReprocessCriteria, now time.Time) []*DLQItem {
	d.mu.Lock()
	defer d.mu.Unlock()

	var taken []*DLQItem
	remaining := d.items[:0]
	for _, item := range d.items {
		if criteria.Limit > 0 && len(taken) >= criteria.Limit {
			remaining = append(remaining, item)
			continue
		}
		if criteria.EventType != "" && item.EventType != criteria.EventType {
			remaining = append(remaining, item)
			continue
		}
		if criteria.MaxAge > 0 && now.Sub(item.FirstFailureTs) > criteria.MaxAge {
			remaining = append(remaining, item)
			continue
		}
		taken = append(taken, item)
	}
	d.items = remaining
	return taken
}
