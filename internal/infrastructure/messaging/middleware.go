package messaging

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/retry"
)

// Middleware wraps handler execution.
type Middleware func(shared.EventHandler) shared.EventHandler

// RecoveryMiddleware turns handler panics into errors.
func RecoveryMiddleware(logger *zap.Logger) Middleware {
	return func(next shared.EventHandler) shared.EventHandler {
		return func(ctx context.Context, event shared.Event) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("handler panic recovered",
						zap.String("event_type", string(event.EventType())),
						zap.Any("panic", r),
						zap.String("stack", string(debug.Stack())),
					)
					err = fmt.Errorf("handler panic: %v", r)
				}
			}()
			return next(ctx, event)
		}
	}
}

// LoggingMiddleware logs every handler run at debug level and failures at error.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next shared.EventHandler) shared.EventHandler {
		return func(ctx context.Context, event shared.Event) error {
			start := time.Now()
			err := next(ctx, event)
			fields := []zap.Field{
				zap.String("event_type", string(event.EventType())),
				zap.String("aggregate_id", event.AggregateID()),
				zap.Duration("latency", time.Since(start)),
			}
			if err != nil {
				logger.Error("handler failed", append(fields, zap.Error(err))...)
			} else {
				logger.Debug("handler completed", fields...)
			}
			return err
		}
	}
}

// RetryMiddleware re-runs a failing handler with backoff.
// Errors wrapped with retry.Permanent stop immediately.
func RetryMiddleware(r *retry.Retrier) Middleware {
	return func(next shared.EventHandler) shared.EventHandler {
		return func(ctx context.Context, event shared.Event) error {
			return r.Do(ctx, func(ctx context.Context, _ int) error {
				return retry.Retryable(next(ctx, event))
			})
		}
	}
}
