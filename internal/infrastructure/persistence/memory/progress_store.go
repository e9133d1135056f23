// Package memory provides an in-process progress store for local runs and tests.
package memory

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

const defaultShards = 32

// ProgressStore keeps aggregates in sharded maps. Every read and write goes
// through Clone so callers never share state with the store.
// Safe for concurrent use.
type ProgressStore struct {
	shards []*shard
	now    func() time.Time
}

type shard struct {
	mu    sync.RWMutex
	items map[shared.LearnerID]*progress.Aggregate
}

// Option configures a ProgressStore.
type Option func(*ProgressStore)

// WithShards sets the number of lock shards.
func WithShards(n int) Option {
	return func(s *ProgressStore) {
		if n > 0 {
			s.shards = newShards(n)
		}
	}
}

// WithClock overrides the clock used for CreatedAt/UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *ProgressStore) { s.now = now }
}

// NewProgressStore creates an empty store.
func NewProgressStore(opts ...Option) *ProgressStore {
	s := &ProgressStore{shards: newShards(defaultShards), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newShards(n int) []*shard {
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{items: make(map[shared.LearnerID]*progress.Aggregate)}
	}
	return shards
}

func (s *ProgressStore) shardFor(id shared.LearnerID) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Load implements progress.Store.
func (s *ProgressStore) Load(ctx context.Context, learnerID shared.LearnerID) (*progress.Aggregate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sh := s.shardFor(learnerID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	agg, ok := sh.items[learnerID]
	if !ok {
		return nil, progress.ErrProgressNotFound
	}
	return agg.Clone(), nil
}

// CompareAndSwap implements progress.Store.
func (s *ProgressStore) CompareAndSwap(ctx context.Context, learnerID shared.LearnerID, expectedVersion uint64, next *progress.Aggregate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if next == nil || next.LearnerID != learnerID {
		return progress.ErrInvalidEvent.With("CompareAndSwap", nil)
	}
	if err := next.CheckInvariants(); err != nil {
		return progress.ErrInvalidEvent.With("CompareAndSwap", err)
	}

	sh := s.shardFor(learnerID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var current uint64
	if existing, ok := sh.items[learnerID]; ok {
		current = existing.Version
	}
	if current != expectedVersion {
		return progress.ErrVersionConflict
	}

	stored := next.Clone()
	stored.Version = expectedVersion + 1
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = s.now()
	}
	sh.items[learnerID] = stored
	next.Version = stored.Version
	return nil
}

// Delete implements progress.Store.
func (s *ProgressStore) Delete(ctx context.Context, learnerID shared.LearnerID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sh := s.shardFor(learnerID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.items[learnerID]; !ok {
		return progress.ErrProgressNotFound
	}
	delete(sh.items, learnerID)
	return nil
}

// Scan implements progress.Store. Each shard is copied under its read lock
// and fn runs without holding any lock.
func (s *ProgressStore) Scan(ctx context.Context, fn func(*progress.Aggregate) error) error {
	for _, sh := range s.shards {
		if err := ctx.Err(); err != nil {
			return err
		}
		sh.mu.RLock()
		batch := make([]*progress.Aggregate, 0, len(sh.items))
		for _, agg := range sh.items {
			batch = append(batch, agg.Clone())
		}
		sh.mu.RUnlock()

		for _, agg := range batch {
			if err := fn(agg); err != nil {
				return err
			}
		}
	}
	return nil
}

// Len returns the number of stored aggregates.
func (s *ProgressStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.items)
		sh.mu.RUnlock()
	}
	return n
}

var _ progress.Store = (*ProgressStore)(nil)
