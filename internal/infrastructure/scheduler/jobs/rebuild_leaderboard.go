// Package jobs contains the scheduled jobs of the progress engine.
package jobs

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/alem-hub/progress-engine/internal/domain/leaderboard"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
)

// ══════════════════════════════════════════════════════════════════════════════
// REBUILD LEADERBOARD JOB
// ══════════════════════════════════════════════════════════════════════════════

// RebuildLeaderboardJob scans every aggregate in the store and replaces the
// index contents. It repairs standings lost by the asynchronous event path
// and, when scheduled for Monday midnight, starts the new week's view.
type RebuildLeaderboardJob struct {
	name   string
	store  progress.Store
	index  leaderboard.Index
	logger *zap.Logger

	last atomic.Pointer[RebuildStats]
}

// RebuildStats describes the last completed rebuild.
type RebuildStats struct {
	Learners   int
	FinishedAt time.Time
	Duration   time.Duration
}

// NewRebuildLeaderboardJob creates the job. name distinguishes the periodic
// and the weekly rollover registrations of the same work.
func NewRebuildLeaderboardJob(name string, store progress.Store, index leaderboard.Index, logger *zap.Logger) *RebuildLeaderboardJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	if name == "" {
		name = "rebuild_leaderboard"
	}
	return &RebuildLeaderboardJob{
		name:   name,
		store:  store,
		index:  index,
		logger: logger.With(zap.String("job", name)),
	}
}

// Name implements scheduler.Job.
func (j *RebuildLeaderboardJob) Name() string { return j.name }

// Description implements scheduler.Job.
func (j *RebuildLeaderboardJob) Description() string {
	return "Rebuilds the leaderboard index from the progress store"
}

// Run implements scheduler.Job.
func (j *RebuildLeaderboardJob) Run(ctx context.Context) error {
	start := time.Now()

	learners := 0
	source := func(ctx context.Context, yield func(leaderboard.Standing) error) error {
		err := j.store.Scan(ctx, func(a *progress.Aggregate) error {
			learners++
			return yield(leaderboard.StandingOf(a))
		})
		if err != nil {
			return fmt.Errorf("scan store: %w", err)
		}
		return nil
	}

	if err := j.index.Rebuild(ctx, source); err != nil {
		return fmt.Errorf("rebuild leaderboard: %w", err)
	}

	stats := &RebuildStats{
		Learners:   learners,
		FinishedAt: time.Now(),
		Duration:   time.Since(start),
	}
	j.last.Store(stats)

	j.logger.Info("leaderboard rebuilt",
		zap.Int("learners", stats.Learners),
		zap.Duration("latency", stats.Duration),
	)
	return nil
}

// LastStats returns the stats of the last successful run, or nil.
func (j *RebuildLeaderboardJob) LastStats() *RebuildStats {
	return j.last.Load()
}
