// Package query содержит операции чтения (CQRS - Queries).
// Запросы не меняют состояние, только читают и возвращают данные.
package query

import (
	"context"
	"errors"

	"github.com/alem-hub/progress-engine/internal/domain/leaderboard"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET PROGRESS QUERY
// Возвращает прогресс ученика: опыт, дневной лимит, серию и историю.
// ══════════════════════════════════════════════════════════════════════════════

// GetProgressQuery содержит параметры запроса прогресса.
type GetProgressQuery struct {
	LearnerID string
}

// ProgressSummary - сжатое представление прогресса с текущими рангами.
type ProgressSummary struct {
	LearnerID         string        `json:"learner_id"`
	TotalXP           int           `json:"total_xp"`
	DailyXPEarned     int           `json:"daily_xp_earned"`
	DailyXPCap        int           `json:"daily_xp_cap"`
	DailyXPRemaining  int           `json:"daily_xp_remaining"`
	CurrentStreakDays int           `json:"current_streak_days"`
	HighestStreakDays int           `json:"highest_streak_days"`
	LastActiveDate    timeutil.Date `json:"last_active_date"`
	WeeklyXP          int           `json:"weekly_xp"`

	// AllTimeRank и WeeklyRank - 0, если ученик ещё не попал в представление.
	AllTimeRank int `json:"all_time_rank"`
	WeeklyRank  int `json:"weekly_rank"`

	Version uint64 `json:"version"`
}

// GetProgressHandler обрабатывает запросы прогресса.
type GetProgressHandler struct {
	store    progress.Store
	index    leaderboard.Index
	calendar *timeutil.Calendar
}

// NewGetProgressHandler создаёт обработчик. index может быть nil - тогда Summary без рангов.
func NewGetProgressHandler(store progress.Store, index leaderboard.Index, calendar *timeutil.Calendar) *GetProgressHandler {
	return &GetProgressHandler{store: store, index: index, calendar: calendar}
}

// Handle возвращает копию агрегата или progress.ErrProgressNotFound.
func (h *GetProgressHandler) Handle(ctx context.Context, q GetProgressQuery) (*progress.Aggregate, error) {
	learnerID, err := shared.NewLearnerID(q.LearnerID)
	if err != nil {
		return nil, shared.WrapError("query", "GetProgress", shared.ErrValidation, "invalid learner id", err)
	}
	return h.store.Load(ctx, learnerID)
}

// Summary возвращает прогресс вместе с рангами в обоих представлениях.
func (h *GetProgressHandler) Summary(ctx context.Context, q GetProgressQuery) (*ProgressSummary, error) {
	agg, err := h.Handle(ctx, q)
	if err != nil {
		return nil, err
	}

	today := h.calendar.Today()
	week := today.StartOfWeek()

	// Дневной счётчик прошлого дня уже не действует.
	earned := agg.DailyXPEarned
	if today.After(agg.LastXPResetDate) {
		earned = 0
	}

	s := &ProgressSummary{
		LearnerID:         agg.LearnerID.String(),
		TotalXP:           agg.TotalXP.Int(),
		DailyXPEarned:     earned.Int(),
		DailyXPCap:        agg.DailyXPCap.Int(),
		DailyXPRemaining:  max(agg.DailyXPCap.Int()-earned.Int(), 0),
		CurrentStreakDays: agg.CurrentStreakDays,
		HighestStreakDays: agg.HighestStreakDays,
		LastActiveDate:    agg.LastActiveDate,
		WeeklyXP:          agg.WeeklyXPAt(week).Int(),
		Version:           agg.Version,
	}

	if h.index != nil {
		s.AllTimeRank, err = rankOrZero(h.index.RankOf(ctx, leaderboard.PeriodAllTime, agg.LearnerID))
		if err != nil {
			return nil, err
		}
		s.WeeklyRank, err = rankOrZero(h.index.RankOf(ctx, leaderboard.PeriodWeekly, agg.LearnerID))
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

func rankOrZero(rank shared.Rank, err error) (int, error) {
	if errors.Is(err, leaderboard.ErrNotRanked) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return rank.Int(), nil
}
