package runtime

import (
	"context"

	"github.com/kodustech/kodus-flow/pkg/eventqueue"
)

// Stream is a lazy, single-consumer sequence of events. Consuming a
// stream never acks events: acking remains the dispatcher's concern.
type Stream struct {
	runtime *Runtime
	ch      chan *eventqueue.Event
	subs    map[string]int
	done    chan struct{}
}

// streamBuffer bounds how many events a slow stream consumer can lag
// behind before further events are dropped for that stream.
const streamBuffer = 256

// CreateStream subscribes to the given event types (WildcardType for all)
// and returns a stream of matching events. The caller must Close the
// stream when done.
func (r *Runtime) CreateStream(eventTypes ...string) *Stream {
	if len(eventTypes) == 0 {
		eventTypes = []string{WildcardType}
	}
	s := &Stream{
		runtime: r,
		ch:      make(chan *eventqueue.Event, streamBuffer),
		subs:    make(map[string]int, len(eventTypes)),
		done:    make(chan struct{}),
	}
	for _, eventType := range eventTypes {
		s.subs[eventType] = r.On(eventType, func(_ context.Context, evt *eventqueue.Event) error {
			select {
			case s.ch <- evt:
			case <-s.done:
			default:
				// Slow consumer: drop rather than stall dispatch.
			}
			return nil
		})
	}
	return s
}

// Events returns the receive channel. Closed when the stream is closed.
func (s *Stream) Events() <-chan *eventqueue.Event {
	return s.ch
}

// Next blocks until an event arrives, the context is cancelled, or the
// stream is closed.
func (s *Stream) Next(ctx context.Context) (*eventqueue.Event, error) {
	select {
	case evt, ok := <-s.ch:
		if !ok {
			return nil, context.Canceled
		}
		return evt, nil
	case <-s.done:
		return nil, context.Canceled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close unsubscribes the stream from the runtime.
func (s *Stream) Close() {
	select {
	case <-s.done:
		return
	default:
	}
	close(s.done)
	for eventType, id := range s.subs {
		s.runtime.Off(eventType, id)
	}
}
