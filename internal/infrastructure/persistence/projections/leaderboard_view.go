// Package projections implements in-process read models.
// They are fed asynchronously by domain events and rebuilt from the store.
package projections

import (
	"context"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/alem-hub/progress-engine/internal/domain/leaderboard"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// LEADERBOARD VIEW
// ══════════════════════════════════════════════════════════════════════════════

// LeaderboardView implements leaderboard.Index in memory.
//
// Writes land in a pending standings map under a mutex. Refresh ranks a copy
// of that map and publishes immutable snapshots through an atomic pointer, so
// reads never block and never see a half-built ranking. Reads lag writes by at
// most one refresh tick.
//
// Every accepted Apply and Remove is stamped with a sequence number, so a
// rebuild can tell which learners changed after its scan started.
type LeaderboardView struct {
	calendar *timeutil.Calendar
	logger   *zap.Logger

	mu        sync.Mutex
	standings map[shared.LearnerID]leaderboard.Standing
	touched   map[shared.LearnerID]uint64
	seq       uint64
	dirty     bool

	current atomic.Pointer[views]
	group   singleflight.Group
	buildMu sync.Mutex
}

// views is one published generation of both periods.
type views struct {
	allTime *leaderboard.Snapshot
	weekly  *leaderboard.Snapshot
}

// NewLeaderboardView creates an empty view.
func NewLeaderboardView(calendar *timeutil.Calendar, logger *zap.Logger) *LeaderboardView {
	if logger == nil {
		logger = zap.NewNop()
	}
	week := calendar.StartOfWeek(calendar.Now())
	lv := &LeaderboardView{
		calendar:  calendar,
		logger:    logger,
		standings: make(map[shared.LearnerID]leaderboard.Standing),
		touched:   make(map[shared.LearnerID]uint64),
	}
	lv.current.Store(&views{
		allTime: leaderboard.NewEmptySnapshot(leaderboard.PeriodAllTime, week),
		weekly:  leaderboard.NewEmptySnapshot(leaderboard.PeriodWeekly, week),
	})
	return lv
}

// ──────────────────────────────────────────────────────────────────────────────
// Writes
// ──────────────────────────────────────────────────────────────────────────────

// Apply records a standing. Updates that are not newer than the known version are dropped.
func (lv *LeaderboardView) Apply(_ context.Context, s leaderboard.Standing) error {
	if !s.LearnerID.IsValid() {
		return shared.ErrInvalidID
	}
	lv.mu.Lock()
	defer lv.mu.Unlock()

	if known, ok := lv.standings[s.LearnerID]; ok && !s.NewerThan(known) {
		return nil
	}
	lv.standings[s.LearnerID] = s
	lv.touch(s.LearnerID)
	return nil
}

// Remove drops a learner. The next refresh publishes the change.
func (lv *LeaderboardView) Remove(_ context.Context, learnerID shared.LearnerID) error {
	lv.mu.Lock()
	defer lv.mu.Unlock()

	if _, ok := lv.standings[learnerID]; ok {
		delete(lv.standings, learnerID)
		lv.touch(learnerID)
	}
	return nil
}

// touch stamps a change. Caller holds mu.
func (lv *LeaderboardView) touch(learnerID shared.LearnerID) {
	lv.seq++
	lv.touched[learnerID] = lv.seq
	lv.dirty = true
}

// Rebuild replaces the standings with a full scan and publishes immediately.
//
// Learners changed after the scan started keep their live state: a newer
// applied standing wins over the scanned one, a learner applied but missing
// from the scan stays, and a learner removed during the scan stays removed.
func (lv *LeaderboardView) Rebuild(ctx context.Context, source leaderboard.Source) error {
	lv.mu.Lock()
	mark := lv.seq
	lv.mu.Unlock()

	scanned := make(map[shared.LearnerID]leaderboard.Standing)
	err := source(ctx, func(s leaderboard.Standing) error {
		if known, ok := scanned[s.LearnerID]; !ok || s.NewerThan(known) {
			scanned[s.LearnerID] = s
		}
		return nil
	})
	if err != nil {
		return err
	}

	lv.mu.Lock()
	next := make(map[shared.LearnerID]leaderboard.Standing, len(scanned))
	for id, s := range scanned {
		known, ok := lv.standings[id]
		switch {
		case lv.touched[id] > mark && !ok:
			continue
		case ok && known.NewerThan(s):
			s = known
		}
		next[id] = s
	}
	kept := 0
	for id, known := range lv.standings {
		if _, ok := next[id]; !ok && lv.touched[id] > mark {
			next[id] = known
			kept++
		}
	}
	for id, at := range lv.touched {
		if at <= mark {
			delete(lv.touched, id)
		}
	}
	lv.standings = next
	lv.dirty = true
	lv.mu.Unlock()

	if kept > 0 {
		lv.logger.Debug("standings applied during rebuild kept", zap.Int("count", kept))
	}

	_, err = lv.Refresh(ctx)
	return err
}

// Refresh publishes new snapshots if anything changed or the week rolled over.
// Concurrent callers share one build. Reports whether a new generation was published.
func (lv *LeaderboardView) Refresh(ctx context.Context) (bool, error) {
	v, err, _ := lv.group.Do("refresh", func() (any, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		return lv.refresh(), nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (lv *LeaderboardView) refresh() bool {
	lv.buildMu.Lock()
	defer lv.buildMu.Unlock()

	now := lv.calendar.Now()
	week := lv.calendar.StartOfWeek(now)

	lv.mu.Lock()
	rolled := lv.current.Load().weekly.Week.Compare(week) != 0
	if !lv.dirty && !rolled {
		lv.mu.Unlock()
		return false
	}
	standings := slices.Collect(maps.Values(lv.standings))
	lv.dirty = false
	lv.mu.Unlock()

	start := time.Now()
	next := &views{
		allTime: leaderboard.NewSnapshot(standings, leaderboard.PeriodAllTime, week, now),
		weekly:  leaderboard.NewSnapshot(standings, leaderboard.PeriodWeekly, week, now),
	}
	lv.current.Store(next)

	lv.logger.Debug("leaderboard snapshot published",
		zap.Int("all_time", next.allTime.Len()),
		zap.Int("weekly", next.weekly.Len()),
		zap.Bool("week_rolled", rolled),
		zap.Duration("latency", time.Since(start)),
	)
	return true
}

// ──────────────────────────────────────────────────────────────────────────────
// Reads
// ──────────────────────────────────────────────────────────────────────────────

// Snapshot returns the published snapshot of a period.
func (lv *LeaderboardView) Snapshot(period leaderboard.Period) (*leaderboard.Snapshot, error) {
	v := lv.current.Load()
	switch period {
	case leaderboard.PeriodAllTime:
		return v.allTime, nil
	case leaderboard.PeriodWeekly:
		return v.weekly, nil
	default:
		return nil, leaderboard.ErrInvalidPeriod
	}
}

// Top returns the first limit entries of the period.
func (lv *LeaderboardView) Top(_ context.Context, period leaderboard.Period, limit int) ([]leaderboard.Entry, error) {
	if limit <= 0 {
		return nil, leaderboard.ErrInvalidLimit
	}
	snap, err := lv.Snapshot(period)
	if err != nil {
		return nil, err
	}
	return snap.Top(limit), nil
}

// RankOf returns the learner's position in the published snapshot.
func (lv *LeaderboardView) RankOf(_ context.Context, period leaderboard.Period, learnerID shared.LearnerID) (shared.Rank, error) {
	snap, err := lv.Snapshot(period)
	if err != nil {
		return shared.Unranked, err
	}
	return snap.RankOf(learnerID)
}

// Size returns the number of learners in the published snapshot.
func (lv *LeaderboardView) Size(_ context.Context, period leaderboard.Period) (int, error) {
	snap, err := lv.Snapshot(period)
	if err != nil {
		return 0, err
	}
	return snap.Len(), nil
}

// Neighbors returns up to rangeSize entries on each side of the learner.
func (lv *LeaderboardView) Neighbors(period leaderboard.Period, learnerID shared.LearnerID, rangeSize int) ([]leaderboard.Entry, error) {
	snap, err := lv.Snapshot(period)
	if err != nil {
		return nil, err
	}
	entries := snap.Neighbors(learnerID, rangeSize)
	if entries == nil {
		return nil, leaderboard.ErrNotRanked
	}
	return entries, nil
}

// Age reports how long ago the current generation was built.
func (lv *LeaderboardView) Age() time.Duration {
	built := lv.current.Load().allTime.BuiltAt
	if built.IsZero() {
		return 0
	}
	return lv.calendar.Now().Sub(built)
}

// Pending returns the number of standings held for the next refresh.
func (lv *LeaderboardView) Pending() int {
	lv.mu.Lock()
	defer lv.mu.Unlock()
	return len(lv.standings)
}

var _ leaderboard.Index = (*LeaderboardView)(nil)
