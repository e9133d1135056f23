package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/domain/leaderboard"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

var (
	week  = timeutil.MustDate("2024-01-08")
	clock = time.Date(2024, 1, 10, 12, 0, 0, 0, timeutil.AlmatyTZ)
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCacheFromClient(client, "test:"), mr
}

func newTestIndex(t *testing.T) (*LeaderboardIndex, *miniredis.Miniredis) {
	t.Helper()
	cache, mr := newTestCache(t)
	cal := timeutil.NewCalendar(timeutil.AlmatyTZ).WithClock(func() time.Time { return clock })
	return NewLeaderboardIndex(cache, cal, 48*time.Hour), mr
}

func TestLeaderboardIndex_TopOrdersByXPThenID(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	for _, s := range []leaderboard.Standing{
		{LearnerID: "carol", TotalXP: 300, WeekStart: week, WeeklyXP: 30, Version: 1},
		{LearnerID: "bob", TotalXP: 500, WeekStart: week, WeeklyXP: 50, Version: 1},
		{LearnerID: "alice", TotalXP: 500, WeekStart: timeutil.MustDate("2024-01-01"), WeeklyXP: 80, Version: 1},
	} {
		require.NoError(t, idx.Apply(ctx, s))
	}

	top, err := idx.Top(ctx, leaderboard.PeriodAllTime, 10)
	require.NoError(t, err)
	require.Len(t, top, 3)
	assert.Equal(t, shared.LearnerID("alice"), top[0].LearnerID)
	assert.Equal(t, shared.LearnerID("bob"), top[1].LearnerID)
	assert.Equal(t, shared.LearnerID("carol"), top[2].LearnerID)
	assert.Equal(t, shared.Rank(3), top[2].Rank)

	weekly, err := idx.Top(ctx, leaderboard.PeriodWeekly, 10)
	require.NoError(t, err)
	require.Len(t, weekly, 2, "alice only earned last week")
	assert.Equal(t, shared.LearnerID("bob"), weekly[0].LearnerID)
	assert.Equal(t, shared.XP(50), weekly[0].XPThisPeriod)
	assert.Equal(t, shared.XP(500), weekly[0].TotalXP)

	rank, err := idx.RankOf(ctx, leaderboard.PeriodAllTime, "bob")
	require.NoError(t, err)
	assert.Equal(t, shared.Rank(2), rank)

	_, err = idx.RankOf(ctx, leaderboard.PeriodWeekly, "alice")
	assert.ErrorIs(t, err, leaderboard.ErrNotRanked)

	size, err := idx.Size(ctx, leaderboard.PeriodAllTime)
	require.NoError(t, err)
	assert.Equal(t, 3, size)
}

func TestLeaderboardIndex_IgnoresStaleVersions(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Apply(ctx, leaderboard.Standing{LearnerID: "bob", TotalXP: 120, WeekStart: week, WeeklyXP: 20, Version: 5}))
	require.NoError(t, idx.Apply(ctx, leaderboard.Standing{LearnerID: "bob", TotalXP: 100, WeekStart: week, WeeklyXP: 0, Version: 4}))

	top, err := idx.Top(ctx, leaderboard.PeriodAllTime, 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, shared.XP(120), top[0].TotalXP)
}

func TestLeaderboardIndex_WeeklyKeyExpires(t *testing.T) {
	idx, mr := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Apply(ctx, leaderboard.Standing{LearnerID: "bob", TotalXP: 10, WeekStart: week, WeeklyXP: 10, Version: 1}))
	assert.Equal(t, 48*time.Hour, mr.TTL("test:lb:week:2024-01-08"))

	weeks, err := idx.Weeks(ctx)
	require.NoError(t, err)
	assert.Equal(t, []timeutil.Date{week}, weeks)

	mr.FastForward(49 * time.Hour)
	size, err := idx.Size(ctx, leaderboard.PeriodWeekly)
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestLeaderboardIndex_RemoveAndRebuild(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Apply(ctx, leaderboard.Standing{LearnerID: "bob", TotalXP: 10, WeekStart: week, WeeklyXP: 10, Version: 1}))
	require.NoError(t, idx.Remove(ctx, "bob"))

	_, err := idx.RankOf(ctx, leaderboard.PeriodAllTime, "bob")
	assert.ErrorIs(t, err, leaderboard.ErrNotRanked)
	_, err = idx.RankOf(ctx, leaderboard.PeriodWeekly, "bob")
	assert.ErrorIs(t, err, leaderboard.ErrNotRanked)

	require.NoError(t, idx.Rebuild(ctx, leaderboard.Standings(
		leaderboard.Standing{LearnerID: "dana", TotalXP: 70, WeekStart: week, WeeklyXP: 5, Version: 3},
		leaderboard.Standing{LearnerID: "eve", TotalXP: 90, Version: 2},
	)))
	top, err := idx.Top(ctx, leaderboard.PeriodAllTime, 5)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, shared.LearnerID("eve"), top[0].LearnerID)

	weekly, err := idx.Top(ctx, leaderboard.PeriodWeekly, 5)
	require.NoError(t, err)
	require.Len(t, weekly, 1)
	assert.Equal(t, shared.LearnerID("dana"), weekly[0].LearnerID)

	// version survives the rebuild, so an older update is still rejected
	require.NoError(t, idx.Apply(ctx, leaderboard.Standing{LearnerID: "dana", TotalXP: 1, Version: 2}))
	rank, err := idx.RankOf(ctx, leaderboard.PeriodAllTime, "dana")
	require.NoError(t, err)
	assert.Equal(t, shared.Rank(2), rank)
}

func TestLeaderboardIndex_RebuildKeepsNewerStoredVersion(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Apply(ctx, leaderboard.Standing{LearnerID: "bob", TotalXP: 90, WeekStart: week, WeeklyXP: 90, Version: 2}))
	require.NoError(t, idx.Rebuild(ctx, leaderboard.Standings(
		leaderboard.Standing{LearnerID: "bob", TotalXP: 10, WeekStart: week, WeeklyXP: 10, Version: 1},
	)))

	top, err := idx.Top(ctx, leaderboard.PeriodAllTime, 5)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, shared.XP(90), top[0].TotalXP)

	weekly, err := idx.Top(ctx, leaderboard.PeriodWeekly, 5)
	require.NoError(t, err)
	require.Len(t, weekly, 1)
	assert.Equal(t, shared.XP(90), weekly[0].XPThisPeriod)
}

func TestLeaderboardIndex_RebuildRepairsDriftAndDropsUnknown(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Apply(ctx, leaderboard.Standing{LearnerID: "ghost", TotalXP: 500, WeekStart: week, WeeklyXP: 500, Version: 1}))
	require.NoError(t, idx.Apply(ctx, leaderboard.Standing{LearnerID: "amy", TotalXP: 30, WeekStart: week, WeeklyXP: 30, Version: 4}))

	// same version, but the week in the store no longer counts amy's weekly XP
	require.NoError(t, idx.Rebuild(ctx, leaderboard.Standings(
		leaderboard.Standing{LearnerID: "amy", TotalXP: 30, WeekStart: timeutil.MustDate("2024-01-01"), WeeklyXP: 30, Version: 4},
	)))

	size, err := idx.Size(ctx, leaderboard.PeriodAllTime)
	require.NoError(t, err)
	assert.Equal(t, 1, size)
	_, err = idx.RankOf(ctx, leaderboard.PeriodAllTime, "ghost")
	assert.ErrorIs(t, err, leaderboard.ErrNotRanked)

	weekly, err := idx.Size(ctx, leaderboard.PeriodWeekly)
	require.NoError(t, err)
	assert.Zero(t, weekly)
}

func TestLeaderboardIndex_RebuildKeepsChangesMadeDuringScan(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Apply(ctx, leaderboard.Standing{LearnerID: "bob", TotalXP: 40, Version: 1}))

	scan := func(ctx context.Context, yield func(leaderboard.Standing) error) error {
		if err := yield(leaderboard.Standing{LearnerID: "alice", TotalXP: 20, Version: 1}); err != nil {
			return err
		}
		require.NoError(t, idx.Apply(ctx, leaderboard.Standing{LearnerID: "zed", TotalXP: 50, Version: 1}))
		require.NoError(t, idx.Remove(ctx, "bob"))
		return yield(leaderboard.Standing{LearnerID: "bob", TotalXP: 40, Version: 1})
	}
	require.NoError(t, idx.Rebuild(ctx, scan))

	top, err := idx.Top(ctx, leaderboard.PeriodAllTime, 5)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, shared.LearnerID("zed"), top[0].LearnerID)
	assert.Equal(t, shared.LearnerID("alice"), top[1].LearnerID)
}

func TestLeaderboardIndex_RejectsBadArguments(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	_, err := idx.Top(ctx, leaderboard.PeriodAllTime, 0)
	assert.ErrorIs(t, err, leaderboard.ErrInvalidLimit)
	_, err = idx.Top(ctx, "monthly", 5)
	assert.ErrorIs(t, err, leaderboard.ErrInvalidPeriod)
}
