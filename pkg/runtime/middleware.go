package runtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/kodustech/kodus-flow/pkg/eventqueue"
)

// LoggingMiddleware logs every dispatched event with its outcome and
// duration. Register it first so it observes the full chain.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, evt *eventqueue.Event) error {
			start := time.Now()
			err := next(ctx, evt)
			attrs := []any{
				"event_id", evt.ID,
				"event_type", evt.Type,
				"correlation_id", evt.Metadata.CorrelationID,
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if err != nil {
				logger.Warn("Event handler failed", append(attrs, "error", err)...)
				return err
			}
			logger.Debug("Event handled", attrs...)
			return nil
		}
	}
}

// RecoveryMiddleware converts handler panics into errors so a single
// misbehaving handler cannot take down the dispatch loop.
func RecoveryMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, evt *eventqueue.Event) (err error) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("Recovered handler panic",
						"event_type", evt.Type, "panic", rec)
					err = &PanicError{EventType: evt.Type, Value: rec}
				}
			}()
			return next(ctx, evt)
		}
	}
}

// PanicError wraps a recovered handler panic.
type PanicError struct {
	EventType string
	Value     any
}

func (e *PanicError) Error() string {
	return "handler panic during " + e.EventType
}
