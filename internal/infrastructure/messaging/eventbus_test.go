package messaging

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/retry"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

func xpEvent(id string, version uint64) shared.Event {
	week := timeutil.MustDate("2024-01-08")
	return shared.NewXPCreditedEvent(id, version, "question_answered", 10, 10, 10, week, 10, week)
}

func syncBus() *InMemoryEventBus {
	cfg := DefaultConfig()
	cfg.AsyncMode = false
	return NewInMemoryEventBus(cfg)
}

func TestInMemoryEventBus_SyncDelivery(t *testing.T) {
	bus := syncBus()
	defer bus.Close()

	var typed, all int
	require.NoError(t, bus.Subscribe(shared.EventXPCredited, func(_ context.Context, e shared.Event) error {
		typed++
		assert.Equal(t, "learner-1", e.AggregateID())
		return nil
	}))
	require.NoError(t, bus.SubscribeAll(func(context.Context, shared.Event) error {
		all++
		return nil
	}))

	require.NoError(t, bus.Publish(context.Background(), xpEvent("learner-1", 1)))
	require.NoError(t, bus.Publish(context.Background(), shared.NewLearnerRemovedEvent("learner-1")))

	assert.Equal(t, 1, typed)
	assert.Equal(t, 2, all)
}

func TestInMemoryEventBus_SyncReturnsHandlerError(t *testing.T) {
	bus := syncBus()
	defer bus.Close()

	boom := errors.New("boom")
	var ran atomic.Int32
	require.NoError(t, bus.SubscribeAll(func(context.Context, shared.Event) error { ran.Add(1); return boom }))
	require.NoError(t, bus.SubscribeAll(func(context.Context, shared.Event) error { ran.Add(1); return nil }))

	assert.ErrorIs(t, bus.Publish(context.Background(), xpEvent("a", 1)), boom)
	assert.Equal(t, int32(2), ran.Load(), "every handler runs")
}

func TestInMemoryEventBus_AsyncSurvivesPublisherCancel(t *testing.T) {
	bus := NewInMemoryEventBus(DefaultConfig())

	var wg sync.WaitGroup
	wg.Add(1)
	var handlerErr error
	require.NoError(t, bus.Subscribe(shared.EventXPCredited, func(ctx context.Context, _ shared.Event) error {
		defer wg.Done()
		handlerErr = ctx.Err()
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, bus.Publish(ctx, xpEvent("a", 1)))
	cancel()
	wg.Wait()

	assert.NoError(t, handlerErr)
	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Publish(context.Background(), xpEvent("a", 2)), ErrEventBusClosed)
	assert.ErrorIs(t, bus.SubscribeAll(func(context.Context, shared.Event) error { return nil }), ErrEventBusClosed)
}

func TestInMemoryEventBus_Middlewares(t *testing.T) {
	bus := syncBus()
	defer bus.Close()
	bus.Use(
		RecoveryMiddleware(zap.NewNop()),
		RetryMiddleware(retry.New(retry.WithMaxAttempts(3), retry.WithInitialDelay(time.Millisecond))),
	)

	var calls atomic.Int32
	require.NoError(t, bus.Subscribe(shared.EventXPCredited, func(context.Context, shared.Event) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}))
	require.NoError(t, bus.Publish(context.Background(), xpEvent("a", 1)))
	assert.Equal(t, int32(3), calls.Load())

	require.NoError(t, bus.Subscribe(shared.EventLearnerRemoved, func(context.Context, shared.Event) error {
		panic("projection exploded")
	}))
	err := bus.Publish(context.Background(), shared.NewLearnerRemovedEvent("a"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "projection exploded")
}

// Publishers racing Close either get ErrEventBusClosed or have their handlers
// finish before Close returns.
func TestInMemoryEventBus_PublishRacingClose(t *testing.T) {
	for round := 0; round < 50; round++ {
		bus := NewInMemoryEventBus(DefaultConfig())

		var started, finished atomic.Int32
		require.NoError(t, bus.SubscribeAll(func(context.Context, shared.Event) error {
			started.Add(1)
			defer finished.Add(1)
			time.Sleep(time.Millisecond)
			return nil
		}))

		var publishers sync.WaitGroup
		for i := 0; i < 8; i++ {
			publishers.Add(1)
			go func() {
				defer publishers.Done()
				for j := 0; j < 20; j++ {
					err := bus.Publish(context.Background(), xpEvent("a", uint64(j+1)))
					if err != nil {
						assert.ErrorIs(t, err, ErrEventBusClosed)
						return
					}
				}
			}()
		}

		require.NoError(t, bus.Close())
		assert.Equal(t, started.Load(), finished.Load(), "no handler outlives Close")
		publishers.Wait()
	}
}

func TestInMemoryEventBus_RejectsNil(t *testing.T) {
	bus := syncBus()
	defer bus.Close()

	assert.ErrorIs(t, bus.Subscribe(shared.EventXPCredited, nil), ErrNilHandler)
	assert.ErrorIs(t, bus.Publish(context.Background(), nil), ErrNilEvent)
}
