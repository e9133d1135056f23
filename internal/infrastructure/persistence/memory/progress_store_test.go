package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

var now = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

func TestProgressStore_CreateThenUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewProgressStore()

	agg := progress.NewAggregate("learner-1", 200, now)
	require.NoError(t, store.CompareAndSwap(ctx, "learner-1", 0, agg))
	assert.Equal(t, uint64(1), agg.Version)

	loaded, err := store.Load(ctx, "learner-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), loaded.Version)

	loaded.TotalXP = 50
	require.NoError(t, store.CompareAndSwap(ctx, "learner-1", 1, loaded))

	again, err := store.Load(ctx, "learner-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), again.Version)
	assert.Equal(t, shared.XP(50), again.TotalXP)
}

func TestProgressStore_Conflicts(t *testing.T) {
	ctx := context.Background()
	store := NewProgressStore()

	require.NoError(t, store.CompareAndSwap(ctx, "learner-1", 0, progress.NewAggregate("learner-1", 200, now)))

	err := store.CompareAndSwap(ctx, "learner-1", 0, progress.NewAggregate("learner-1", 200, now))
	assert.ErrorIs(t, err, progress.ErrVersionConflict, "create over an existing aggregate")

	stale := progress.NewAggregate("learner-1", 200, now)
	err = store.CompareAndSwap(ctx, "learner-1", 7, stale)
	assert.ErrorIs(t, err, progress.ErrVersionConflict)
	assert.ErrorIs(t, err, shared.ErrOptimisticLock)

	err = store.CompareAndSwap(ctx, "ghost", 3, progress.NewAggregate("ghost", 200, now))
	assert.ErrorIs(t, err, progress.ErrVersionConflict, "update of a missing aggregate")
}

func TestProgressStore_RejectsBrokenInvariants(t *testing.T) {
	store := NewProgressStore()

	agg := progress.NewAggregate("learner-1", 100, now)
	agg.DailyXPEarned = 150
	err := store.CompareAndSwap(context.Background(), "learner-1", 0, agg)
	assert.ErrorIs(t, err, progress.ErrInvalidEvent)
	assert.Equal(t, 0, store.Len())
}

func TestProgressStore_LoadReturnsIsolatedCopy(t *testing.T) {
	ctx := context.Background()
	store := NewProgressStore()

	agg := progress.NewAggregate("learner-1", 200, now)
	agg.LessonStars["lesson-1"] = 2
	require.NoError(t, store.CompareAndSwap(ctx, "learner-1", 0, agg))

	agg.LessonStars["lesson-1"] = 3
	loaded, err := store.Load(ctx, "learner-1")
	require.NoError(t, err)
	assert.Equal(t, shared.Stars(2), loaded.LessonStars["lesson-1"])

	loaded.LessonStars["lesson-1"] = 0
	again, _ := store.Load(ctx, "learner-1")
	assert.Equal(t, shared.Stars(2), again.LessonStars["lesson-1"])
}

func TestProgressStore_DeleteAndScan(t *testing.T) {
	ctx := context.Background()
	store := NewProgressStore(WithShards(4))

	for _, id := range []shared.LearnerID{"a", "b", "c"} {
		require.NoError(t, store.CompareAndSwap(ctx, id, 0, progress.NewAggregate(id, 200, now)))
	}
	require.NoError(t, store.Delete(ctx, "b"))
	assert.ErrorIs(t, store.Delete(ctx, "b"), progress.ErrProgressNotFound)

	_, err := store.Load(ctx, "b")
	assert.True(t, shared.IsNotFound(err))

	seen := map[shared.LearnerID]bool{}
	require.NoError(t, store.Scan(ctx, func(a *progress.Aggregate) error {
		seen[a.LearnerID] = true
		return nil
	}))
	assert.Equal(t, map[shared.LearnerID]bool{"a": true, "c": true}, seen)

	stop := errors.New("stop")
	assert.ErrorIs(t, store.Scan(ctx, func(*progress.Aggregate) error { return stop }), stop)
}

func TestProgressStore_ConcurrentCASHasSingleWinner(t *testing.T) {
	ctx := context.Background()
	store := NewProgressStore()
	require.NoError(t, store.CompareAndSwap(ctx, "learner-1", 0, progress.NewAggregate("learner-1", 200, now)))

	const writers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := progress.NewAggregate("learner-1", 200, now)
			if err := store.CompareAndSwap(ctx, "learner-1", 1, next); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	loaded, err := store.Load(ctx, "learner-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), loaded.Version)
}
