package badger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

func openTestStore(t *testing.T) *ProgressStore {
	t.Helper()
	db, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewProgressStore(db)
}

func TestProgressStore_RoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 1, 3, 9, 0, 0, 0, timeutil.AlmatyTZ)

	agg := progress.NewAggregate("learner-1", 100, now)
	agg.Apply(progress.CodePracticeCompleted{PracticeID: "p1", IsCorrect: true, At: now}, 40, timeutil.MustDate("2024-01-03"), now)
	require.NoError(t, store.CompareAndSwap(ctx, "learner-1", 0, agg))

	loaded, err := store.Load(ctx, "learner-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), loaded.Version)
	assert.Equal(t, shared.XP(40), loaded.TotalXP)
	assert.Equal(t, timeutil.MustDate("2024-01-01"), loaded.WeekStart)
	require.Len(t, loaded.CompletedCodePractices, 1)
	assert.Equal(t, shared.XP(40), loaded.CompletedCodePractices[0].CreditedXP)
}

func TestProgressStore_VersionChecks(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.CompareAndSwap(ctx, "learner-1", 0, progress.NewAggregate("learner-1", 200, now)))
	assert.ErrorIs(t, store.CompareAndSwap(ctx, "learner-1", 0, progress.NewAggregate("learner-1", 200, now)), progress.ErrVersionConflict)
	assert.ErrorIs(t, store.CompareAndSwap(ctx, "learner-1", 5, progress.NewAggregate("learner-1", 200, now)), progress.ErrVersionConflict)

	next := progress.NewAggregate("learner-1", 200, now)
	require.NoError(t, store.CompareAndSwap(ctx, "learner-1", 1, next))
	assert.Equal(t, uint64(2), next.Version)
}

func TestProgressStore_ConcurrentWritersOneWins(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CompareAndSwap(ctx, "learner-1", 0, progress.NewAggregate("learner-1", 200, time.Now())))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if store.CompareAndSwap(ctx, "learner-1", 1, progress.NewAggregate("learner-1", 200, time.Now())) == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestProgressStore_DeleteAndScan(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, id := range []shared.LearnerID{"a", "b", "c"} {
		require.NoError(t, store.CompareAndSwap(ctx, id, 0, progress.NewAggregate(id, 200, time.Now())))
	}
	require.NoError(t, store.Delete(ctx, "a"))
	assert.ErrorIs(t, store.Delete(ctx, "a"), progress.ErrProgressNotFound)

	var ids []shared.LearnerID
	require.NoError(t, store.Scan(ctx, func(a *progress.Aggregate) error {
		ids = append(ids, a.LearnerID)
		return nil
	}))
	assert.ElementsMatch(t, []shared.LearnerID{"b", "c"}, ids)
}
