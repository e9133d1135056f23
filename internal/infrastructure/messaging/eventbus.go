// Package messaging implements the in-process event bus that carries
// progress events to the leaderboard projection and other subscribers.
package messaging

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

var (
	// ErrEventBusClosed is returned by Publish and Subscribe after Close.
	ErrEventBusClosed = errors.New("messaging: event bus is closed")

	// ErrNilHandler is returned when subscribing a nil handler.
	ErrNilHandler = errors.New("messaging: handler cannot be nil")

	// ErrNilEvent is returned when publishing a nil event.
	ErrNilEvent = errors.New("messaging: event cannot be nil")
)

// Recorder receives bus measurements. The metrics package implements it.
type Recorder interface {
	EventPublished(eventType string)
	HandlerFinished(eventType string, d time.Duration, err error)
}

type nopRecorder struct{}

func (nopRecorder) EventPublished(string)                         {}
func (nopRecorder) HandlerFinished(string, time.Duration, error) {}

// ══════════════════════════════════════════════════════════════════════════════
// IN-MEMORY EVENT BUS
// ══════════════════════════════════════════════════════════════════════════════

// InMemoryEventBus implements shared.EventBus for a single process.
//
// In async mode each handler runs on a bounded worker pool with a context
// detached from the publisher's cancellation, so a finished request does not
// abort projection updates.
type InMemoryEventBus struct {
	mu          sync.RWMutex
	handlers    map[shared.EventType][]shared.EventHandler
	allHandlers []shared.EventHandler
	middlewares []Middleware

	asyncMode      bool
	workerPool     chan struct{}
	handlerTimeout time.Duration

	logger   *zap.Logger
	recorder Recorder

	closed  bool
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// Config contains configuration for InMemoryEventBus.
type Config struct {
	// AsyncMode runs handlers on the worker pool; otherwise Publish runs them inline.
	AsyncMode bool

	WorkerPoolSize int

	// HandlerTimeout bounds one handler invocation. Zero means no bound.
	HandlerTimeout time.Duration

	Logger   *zap.Logger
	Recorder Recorder
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		AsyncMode:      true,
		WorkerPoolSize: 10,
		HandlerTimeout: 5 * time.Second,
	}
}

// NewInMemoryEventBus creates a new in-memory event bus.
func NewInMemoryEventBus(cfg Config) *InMemoryEventBus {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 10
	}

	return &InMemoryEventBus{
		handlers:       make(map[shared.EventType][]shared.EventHandler),
		asyncMode:      cfg.AsyncMode,
		workerPool:     make(chan struct{}, cfg.WorkerPoolSize),
		handlerTimeout: cfg.HandlerTimeout,
		logger:         cfg.Logger.Named("eventbus"),
		recorder:       cfg.Recorder,
		closeCh:        make(chan struct{}),
	}
}

// Use adds middleware applied to every handler subscribed afterwards.
func (b *InMemoryEventBus) Use(mw ...Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middlewares = append(b.middlewares, mw...)
}

func (b *InMemoryEventBus) wrap(h shared.EventHandler) shared.EventHandler {
	for i := len(b.middlewares) - 1; i >= 0; i-- {
		h = b.middlewares[i](h)
	}
	return h
}

// Subscribe registers a handler for a specific event type.
func (b *InMemoryEventBus) Subscribe(eventType shared.EventType, handler shared.EventHandler) error {
	if handler == nil {
		return ErrNilHandler
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrEventBusClosed
	}

	b.handlers[eventType] = append(b.handlers[eventType], b.wrap(handler))
	b.logger.Debug("subscribed handler", zap.String("event_type", string(eventType)))
	return nil
}

// SubscribeAll registers a handler for all events.
func (b *InMemoryEventBus) SubscribeAll(handler shared.EventHandler) error {
	if handler == nil {
		return ErrNilHandler
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrEventBusClosed
	}

	b.allHandlers = append(b.allHandlers, b.wrap(handler))
	b.logger.Debug("subscribed global handler")
	return nil
}

// Publish sends an event to all subscribed handlers. In sync mode the first
// handler error is returned after every handler has run.
func (b *InMemoryEventBus) Publish(ctx context.Context, event shared.Event) error {
	if event == nil {
		return ErrNilEvent
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrEventBusClosed
	}
	handlers := make([]shared.EventHandler, 0, len(b.handlers[event.EventType()])+len(b.allHandlers))
	handlers = append(handlers, b.handlers[event.EventType()]...)
	handlers = append(handlers, b.allHandlers...)
	// Close flips closed under the write lock, so no Add can follow its Wait.
	if b.asyncMode {
		b.wg.Add(len(handlers))
	}
	b.mu.RUnlock()

	b.recorder.EventPublished(string(event.EventType()))
	if len(handlers) == 0 {
		return nil
	}

	if b.asyncMode {
		detached := context.WithoutCancel(ctx)
		for _, h := range handlers {
			b.executeAsync(detached, event, h)
		}
		return nil
	}

	var firstErr error
	for _, h := range handlers {
		if err := b.execute(ctx, event, h); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// executeAsync runs handler on the worker pool. The caller has already
// counted it in wg.
func (b *InMemoryEventBus) executeAsync(ctx context.Context, event shared.Event, handler shared.EventHandler) {
	go func() {
		defer b.wg.Done()

		select {
		case b.workerPool <- struct{}{}:
			defer func() { <-b.workerPool }()
		case <-b.closeCh:
			return
		}

		if err := b.execute(ctx, event, handler); err != nil {
			b.logger.Error("async handler failed",
				zap.String("event_type", string(event.EventType())),
				zap.String("aggregate_id", event.AggregateID()),
				zap.Error(err),
			)
		}
	}()
}

func (b *InMemoryEventBus) execute(ctx context.Context, event shared.Event, handler shared.EventHandler) error {
	if b.handlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.handlerTimeout)
		defer cancel()
	}

	start := time.Now()
	err := handler(ctx, event)
	b.recorder.HandlerFinished(string(event.EventType()), time.Since(start), err)
	return err
}

// Drain waits for in-flight async handlers without closing the bus.
func (b *InMemoryEventBus) Drain() {
	b.wg.Wait()
}

// Close stops accepting events and waits for running handlers.
// Handlers still queued for a worker slot are dropped.
func (b *InMemoryEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.closeCh)
	b.mu.Unlock()

	b.wg.Wait()
	b.logger.Info("event bus closed")
	return nil
}

var _ shared.EventBus = (*InMemoryEventBus)(nil)
