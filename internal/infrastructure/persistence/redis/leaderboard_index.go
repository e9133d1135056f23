package redis

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alem-hub/progress-engine/internal/domain/leaderboard"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// LEADERBOARD INDEX
// ══════════════════════════════════════════════════════════════════════════════

// LeaderboardIndex implements leaderboard.Index on Redis sorted sets.
//
// Layout (all under the cache prefix):
//   - ZSET "lb:all"              learnerID -> -TotalXP
//   - ZSET "lb:week:YYYY-MM-DD"  learnerID -> -WeeklyXP, expires after WeeklyTTL
//   - HASH "lb:version"          learnerID -> last applied aggregate version
//   - HASH "lb:total"            learnerID -> TotalXP
//   - STRING "lb:seq"            counter bumped by every Apply and Remove
//   - HASH "lb:touched"          learnerID -> lb:seq value of its last change
//
// Scores are negated so that ascending ZRANGE order is XP descending and
// equal scores fall back to member order, which is learner_id ascending.
type LeaderboardIndex struct {
	cache     *Cache
	calendar  *timeutil.Calendar
	weeklyTTL time.Duration
}

// NewLeaderboardIndex creates a Redis-backed index.
func NewLeaderboardIndex(cache *Cache, calendar *timeutil.Calendar, weeklyTTL time.Duration) *LeaderboardIndex {
	if weeklyTTL <= 0 {
		weeklyTTL = 15 * 24 * time.Hour
	}
	return &LeaderboardIndex{cache: cache, calendar: calendar, weeklyTTL: weeklyTTL}
}

func (l *LeaderboardIndex) allKey() string     { return l.cache.Key("lb", "all") }
func (l *LeaderboardIndex) versionKey() string { return l.cache.Key("lb", "version") }
func (l *LeaderboardIndex) totalKey() string   { return l.cache.Key("lb", "total") }
func (l *LeaderboardIndex) seqKey() string     { return l.cache.Key("lb", "seq") }
func (l *LeaderboardIndex) touchedKey() string { return l.cache.Key("lb", "touched") }

func (l *LeaderboardIndex) weekKey(week timeutil.Date) string {
	return l.cache.Key("lb", "week", week.String())
}

func (l *LeaderboardIndex) periodKey(period leaderboard.Period) (string, error) {
	switch period {
	case leaderboard.PeriodAllTime:
		return l.allKey(), nil
	case leaderboard.PeriodWeekly:
		return l.weekKey(l.calendar.StartOfWeek(l.calendar.Now())), nil
	default:
		return "", leaderboard.ErrInvalidPeriod
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Writes
// ──────────────────────────────────────────────────────────────────────────────

// applyScript writes a standing only if its version is newer than the stored one.
// KEYS: version hash, total hash, all-time zset, weekly zset, seq, touched hash.
// ARGV: member, version, total xp, weekly xp, weekly ttl seconds.
var applyScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], ARGV[1])
if current and tonumber(current) >= tonumber(ARGV[2]) then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
redis.call('ZADD', KEYS[3], -tonumber(ARGV[3]), ARGV[1])
if tonumber(ARGV[4]) > 0 then
  redis.call('ZADD', KEYS[4], -tonumber(ARGV[4]), ARGV[1])
  redis.call('EXPIRE', KEYS[4], ARGV[5])
end
redis.call('HSET', KEYS[6], ARGV[1], redis.call('INCR', KEYS[5]))
return 1
`)

// removeScript drops a learner and stamps the removal.
// KEYS: version hash, total hash, all-time zset, seq, touched hash, weekly zsets...
// ARGV: member.
var removeScript = redis.NewScript(`
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
for i = 6, #KEYS do
  redis.call('ZREM', KEYS[i], ARGV[1])
end
redis.call('HSET', KEYS[5], ARGV[1], redis.call('INCR', KEYS[4]))
return 1
`)

// mergeScript writes one scanned standing unless the learner changed after
// the scan started and the live state wins: removed, or a newer version.
// KEYS: version hash, total hash, all-time zset, weekly zset, touched hash.
// ARGV: member, version, total xp, weekly xp, weekly ttl seconds, scan mark.
var mergeScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], ARGV[1])
local touched = tonumber(redis.call('HGET', KEYS[5], ARGV[1]) or '0')
if touched > tonumber(ARGV[6]) and not current then
  return 0
end
if current and tonumber(current) > tonumber(ARGV[2]) then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
redis.call('ZADD', KEYS[3], -tonumber(ARGV[3]), ARGV[1])
if tonumber(ARGV[4]) > 0 then
  redis.call('ZADD', KEYS[4], -tonumber(ARGV[4]), ARGV[1])
  redis.call('EXPIRE', KEYS[4], ARGV[5])
else
  redis.call('ZREM', KEYS[4], ARGV[1])
end
return 1
`)

// pruneScript drops a learner missing from the scan unless it changed after
// the scan started.
// KEYS: version hash, total hash, all-time zset, weekly zset, touched hash.
// ARGV: member, scan mark.
var pruneScript = redis.NewScript(`
local touched = tonumber(redis.call('HGET', KEYS[5], ARGV[1]) or '0')
if touched > tonumber(ARGV[2]) then
  return 0
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[5], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
return 1
`)

// rebuildBatch bounds the number of scripts sent in one pipeline.
const rebuildBatch = 500

// Apply records a standing. Stale versions are ignored.
func (l *LeaderboardIndex) Apply(ctx context.Context, s leaderboard.Standing) error {
	if !s.LearnerID.IsValid() {
		return shared.ErrInvalidID
	}
	weekly := s.WeeklyXP
	if s.WeekStart.IsZero() {
		weekly = 0
	}
	keys := []string{l.versionKey(), l.totalKey(), l.allKey(), l.weekKey(s.WeekStart), l.seqKey(), l.touchedKey()}
	args := []any{string(s.LearnerID), s.Version, int(s.TotalXP), int(weekly), int(l.weeklyTTL.Seconds())}

	if err := applyScript.Run(ctx, l.cache.Client(), keys, args...).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("leaderboard_index: apply %s: %w", s.LearnerID, err)
	}
	return nil
}

// Remove deletes a learner from every period, including past weeks.
func (l *LeaderboardIndex) Remove(ctx context.Context, learnerID shared.LearnerID) error {
	weekKeys, err := l.cache.Keys(ctx, l.cache.Key("lb", "week", "*"))
	if err != nil {
		return fmt.Errorf("leaderboard_index: list weeks: %w", err)
	}

	keys := append([]string{l.versionKey(), l.totalKey(), l.allKey(), l.seqKey(), l.touchedKey()}, weekKeys...)
	if err := removeScript.Run(ctx, l.cache.Client(), keys, string(learnerID)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("leaderboard_index: remove %s: %w", learnerID, err)
	}
	return nil
}

// Rebuild merges a full scan into the all-time set and the current week's set.
//
// Each scanned standing overwrites the stored one unless the stored version is
// newer. Learners missing from the scan are dropped. Learners applied or
// removed after the scan started keep their live state. Past weekly keys are
// left to expire.
func (l *LeaderboardIndex) Rebuild(ctx context.Context, source leaderboard.Source) error {
	client := l.cache.Client()

	mark, err := client.Get(ctx, l.seqKey()).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("leaderboard_index: read seq: %w", err)
	}

	week := l.calendar.StartOfWeek(l.calendar.Now())
	weekKey := l.weekKey(week)
	keys := []string{l.versionKey(), l.totalKey(), l.allKey(), weekKey, l.touchedKey()}
	ttl := int(l.weeklyTTL.Seconds())

	for _, script := range []*redis.Script{mergeScript, pruneScript} {
		if err := script.Load(ctx, client).Err(); err != nil {
			return fmt.Errorf("leaderboard_index: load script: %w", err)
		}
	}

	scanned := make(map[string]struct{})
	pipe := client.Pipeline()
	queued := 0
	flush := func() error {
		if queued == 0 {
			return nil
		}
		queued = 0
		_, err := pipe.Exec(ctx)
		return err
	}

	err = source(ctx, func(s leaderboard.Standing) error {
		id := string(s.LearnerID)
		scanned[id] = struct{}{}
		weekly := s.XPFor(leaderboard.PeriodWeekly, week)
		mergeScript.EvalSha(ctx, pipe, keys, id, s.Version, int(s.TotalXP), int(weekly), ttl, mark)
		if queued++; queued >= rebuildBatch {
			return flush()
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("leaderboard_index: rebuild: %w", err)
	}
	if err := flush(); err != nil {
		return fmt.Errorf("leaderboard_index: merge: %w", err)
	}

	stored, err := client.HKeys(ctx, l.versionKey()).Result()
	if err != nil {
		return fmt.Errorf("leaderboard_index: list members: %w", err)
	}
	weekMembers, err := client.ZRange(ctx, weekKey, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("leaderboard_index: list weekly members: %w", err)
	}
	for _, id := range append(stored, weekMembers...) {
		if _, ok := scanned[id]; ok {
			continue
		}
		scanned[id] = struct{}{}
		pruneScript.EvalSha(ctx, pipe, keys, id, mark)
		if queued++; queued >= rebuildBatch {
			if err := flush(); err != nil {
				return fmt.Errorf("leaderboard_index: prune: %w", err)
			}
		}
	}
	if err := flush(); err != nil {
		return fmt.Errorf("leaderboard_index: prune: %w", err)
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Reads
// ──────────────────────────────────────────────────────────────────────────────

// Top returns the first limit entries of the period.
func (l *LeaderboardIndex) Top(ctx context.Context, period leaderboard.Period, limit int) ([]leaderboard.Entry, error) {
	if limit <= 0 {
		return nil, leaderboard.ErrInvalidLimit
	}
	key, err := l.periodKey(period)
	if err != nil {
		return nil, err
	}

	members, err := l.cache.Client().ZRangeWithScores(ctx, key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("leaderboard_index: range %s: %w", period, err)
	}
	if len(members) == 0 {
		return []leaderboard.Entry{}, nil
	}

	entries := make([]leaderboard.Entry, len(members))
	ids := make([]string, len(members))
	for i, m := range members {
		id, _ := m.Member.(string)
		ids[i] = id
		xp := shared.XP(-m.Score)
		entries[i] = leaderboard.Entry{
			LearnerID:    shared.LearnerID(id),
			TotalXP:      xp,
			XPThisPeriod: xp,
			Rank:         shared.Rank(i + 1),
		}
	}

	if period == leaderboard.PeriodWeekly {
		totals, err := l.cache.Client().HMGet(ctx, l.totalKey(), ids...).Result()
		if err != nil {
			return nil, fmt.Errorf("leaderboard_index: totals: %w", err)
		}
		for i, raw := range totals {
			if s, ok := raw.(string); ok {
				if n, err := strconv.Atoi(s); err == nil {
					entries[i].TotalXP = shared.XP(n)
				}
			}
		}
	}
	return entries, nil
}

// RankOf returns the learner's 1-based position or leaderboard.ErrNotRanked.
func (l *LeaderboardIndex) RankOf(ctx context.Context, period leaderboard.Period, learnerID shared.LearnerID) (shared.Rank, error) {
	key, err := l.periodKey(period)
	if err != nil {
		return shared.Unranked, err
	}
	pos, err := l.cache.Client().ZRank(ctx, key, string(learnerID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return shared.Unranked, leaderboard.ErrNotRanked
		}
		return shared.Unranked, fmt.Errorf("leaderboard_index: rank: %w", err)
	}
	return shared.Rank(pos + 1), nil
}

// Size returns the number of ranked learners in the period.
func (l *LeaderboardIndex) Size(ctx context.Context, period leaderboard.Period) (int, error) {
	key, err := l.periodKey(period)
	if err != nil {
		return 0, err
	}
	n, err := l.cache.Client().ZCard(ctx, key).Result()
	return int(n), err
}

// Weeks lists the weeks that still have a key, newest first.
func (l *LeaderboardIndex) Weeks(ctx context.Context) ([]timeutil.Date, error) {
	keys, err := l.cache.Keys(ctx, l.cache.Key("lb", "week", "*"))
	if err != nil {
		return nil, err
	}
	prefix := l.cache.Key("lb", "week", "")
	weeks := make([]timeutil.Date, 0, len(keys))
	for _, k := range keys {
		d, err := timeutil.ParseDate(strings.TrimPrefix(k, prefix))
		if err == nil {
			weeks = append(weeks, d)
		}
	}
	slices.SortFunc(weeks, func(a, b timeutil.Date) int { return b.Compare(a) })
	return weeks, nil
}

var _ leaderboard.Index = (*LeaderboardIndex)(nil)
