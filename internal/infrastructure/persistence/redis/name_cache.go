package redis

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/alem-hub/progress-engine/internal/domain/leaderboard"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// NameCache decorates a leaderboard.Directory with a Redis cache of display
// names. Existence checks always go to the directory.
type NameCache struct {
	cache  *Cache
	next   leaderboard.Directory
	ttl    time.Duration
	logger *zap.Logger
}

// NewNameCache wraps next.
func NewNameCache(cache *Cache, next leaderboard.Directory, ttl time.Duration, logger *zap.Logger) *NameCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NameCache{cache: cache, next: next, ttl: ttl, logger: logger}
}

func (n *NameCache) key(id shared.LearnerID) string {
	return n.cache.Key("name", string(id))
}

// LearnerExists implements leaderboard.Directory.
func (n *NameCache) LearnerExists(ctx context.Context, learnerID shared.LearnerID) (bool, error) {
	return n.next.LearnerExists(ctx, learnerID)
}

// DisplayName implements leaderboard.Directory. Redis failures fall through
// to the directory; they never fail the read.
func (n *NameCache) DisplayName(ctx context.Context, learnerID shared.LearnerID) (string, error) {
	name, err := n.cache.GetString(ctx, n.key(learnerID))
	if err == nil {
		return name, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		n.logger.Warn("name cache read failed", zap.String("learner_id", string(learnerID)), zap.Error(err))
	}

	name, err = n.next.DisplayName(ctx, learnerID)
	if err != nil {
		return "", err
	}
	if err := n.cache.SetString(ctx, n.key(learnerID), name, n.ttl); err != nil {
		n.logger.Warn("name cache write failed", zap.String("learner_id", string(learnerID)), zap.Error(err))
	}
	return name, nil
}

// Invalidate drops a cached name.
func (n *NameCache) Invalidate(ctx context.Context, learnerID shared.LearnerID) error {
	return n.cache.Delete(ctx, n.key(learnerID))
}

var _ leaderboard.Directory = (*NameCache)(nil)
