package leaderboard

import (
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// SNAPSHOT
// ══════════════════════════════════════════════════════════════════════════════

// Snapshot - неизменяемое отсортированное представление одного периода.
// После построения его можно читать из любого числа горутин без блокировок.
type Snapshot struct {
	// Period - период снапшота.
	Period Period

	// Week - понедельник недели, для которой построен недельный снапшот.
	Week timeutil.Date

	// BuiltAt - момент построения.
	BuiltAt time.Time

	entries []Entry
	byID    map[shared.LearnerID]int
}

// NewSnapshot ранжирует standings и строит снапшот.
func NewSnapshot(standings []Standing, period Period, week timeutil.Date, builtAt time.Time) *Snapshot {
	entries := Rank(standings, period, week)
	byID := make(map[shared.LearnerID]int, len(entries))
	for i, e := range entries {
		byID[e.LearnerID] = i
	}
	return &Snapshot{
		Period:  period,
		Week:    week,
		BuiltAt: builtAt,
		entries: entries,
		byID:    byID,
	}
}

// NewEmptySnapshot создаёт пустой снапшот.
func NewEmptySnapshot(period Period, week timeutil.Date) *Snapshot {
	return NewSnapshot(nil, period, week, time.Time{})
}

// Len возвращает количество учеников в снапшоте.
func (s *Snapshot) Len() int {
	return len(s.entries)
}

// Top возвращает копию первых n записей.
func (s *Snapshot) Top(n int) []Entry {
	if n <= 0 {
		return []Entry{}
	}
	if n > len(s.entries) {
		n = len(s.entries)
	}
	result := make([]Entry, n)
	copy(result, s.entries[:n])
	return result
}

// Entry возвращает запись ученика.
func (s *Snapshot) Entry(learnerID shared.LearnerID) (Entry, bool) {
	idx, ok := s.byID[learnerID]
	if !ok {
		return Entry{}, false
	}
	return s.entries[idx], true
}

// RankOf возвращает ранг ученика или ErrNotRanked.
func (s *Snapshot) RankOf(learnerID shared.LearnerID) (shared.Rank, error) {
	entry, ok := s.Entry(learnerID)
	if !ok {
		return shared.Unranked, ErrNotRanked
	}
	return entry.Rank, nil
}

// Neighbors возвращает соседей ученика по рангу (±rangeSize).
func (s *Snapshot) Neighbors(learnerID shared.LearnerID, rangeSize int) []Entry {
	idx, ok := s.byID[learnerID]
	if !ok {
		return nil
	}

	from := max(idx-rangeSize, 0)
	to := min(idx+rangeSize+1, len(s.entries))

	result := make([]Entry, to-from)
	copy(result, s.entries[from:to])
	return result
}
