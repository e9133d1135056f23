package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

const progressPrefix = "progress/"

func progressKey(id shared.LearnerID) []byte {
	return []byte(progressPrefix + string(id))
}

// ProgressStore implements progress.Store. Each aggregate is one JSON value;
// the version check and the write run in one badger transaction, and badger's
// own conflict detection catches a racing writer at commit.
type ProgressStore struct {
	db *DB
}

// NewProgressStore creates a store on db.
func NewProgressStore(db *DB) *ProgressStore {
	return &ProgressStore{db: db}
}

// Load implements progress.Store.
func (s *ProgressStore) Load(ctx context.Context, learnerID shared.LearnerID) (*progress.Aggregate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var agg *progress.Aggregate
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		agg, err = get(txn, learnerID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return agg, nil
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

	stored := next.Clone()
	stored.Version = expectedVersion + 1

	err := s.db.Update(func(txn *badger.Txn) error {
		var current uint64
		existing, err := get(txn, learnerID)
		switch {
		case err == nil:
			current = existing.Version
		case !errors.Is(err, progress.ErrProgressNotFound):
			return err
		}
		if current != expectedVersion {
			return progress.ErrVersionConflict
		}

		raw, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("badger: marshal progress: %w", err)
		}
		return txn.Set(progressKey(learnerID), raw)
	})
	if errors.Is(err, badger.ErrConflict) {
		return progress.ErrVersionConflict
	}
	if err != nil {
		return err
	}
	next.Version = stored.Version
	return nil
}

// Delete implements progress.Store.
func (s *ProgressStore) Delete(ctx context.Context, learnerID shared.LearnerID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(progressKey(learnerID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return progress.ErrProgressNotFound
			}
			return err
		}
		return txn.Delete(progressKey(learnerID))
	})
}

// Scan implements progress.Store. Values are decoded inside one read
// transaction; fn runs after the transaction is closed.
func (s *ProgressStore) Scan(ctx context.Context, fn func(*progress.Aggregate) error) error {
	var all []*progress.Aggregate
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(progressPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			agg, err := decode(it.Item())
			if err != nil {
				return err
			}
			all = append(all, agg)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, agg := range all {
		if err := fn(agg); err != nil {
			return err
		}
	}
	return nil
}

func get(txn *badger.Txn, learnerID shared.LearnerID) (*progress.Aggregate, error) {
	item, err := txn.Get(progressKey(learnerID))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, progress.ErrProgressNotFound
		}
		return nil, fmt.Errorf("badger: get progress: %w", err)
	}
	return decode(item)
}

func decode(item *badger.Item) (*progress.Aggregate, error) {
	var agg progress.Aggregate
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &agg)
	})
	if err != nil {
		return nil, fmt.Errorf("badger: decode progress %s: %w", item.Key(), err)
	}
	return agg.Clone(), nil
}

var _ progress.Store = (*ProgressStore)(nil)
