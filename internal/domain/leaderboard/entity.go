// Package leaderboard содержит доменную модель лидерборда: периоды, порядок,
// записи и контракты индекса. Ранг - свойство индекса, в агрегате он не хранится.
package leaderboard

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrNotRanked - ученика нет в выбранном представлении лидерборда.
	ErrNotRanked = shared.NewDomainError("leaderboard", "RankOf", shared.ErrNotFound, "learner not ranked")

	// ErrInvalidPeriod - неизвестный период.
	ErrInvalidPeriod = shared.NewDomainError("leaderboard", "ParsePeriod", shared.ErrInvalidInput, "unknown leaderboard period")

	// ErrInvalidLimit - limit должен быть положительным.
	ErrInvalidLimit = shared.NewDomainError("leaderboard", "Top", shared.ErrValueOutOfRange, "limit must be positive")
)

// ══════════════════════════════════════════════════════════════════════════════
// PERIOD
// ══════════════════════════════════════════════════════════════════════════════

// Period - представление лидерборда.
type Period string

const (
	// PeriodAllTime - рейтинг по TotalXP.
	PeriodAllTime Period = "all_time"
	// PeriodWeekly - рейтинг по опыту текущей календарной недели (с понедельника).
	PeriodWeekly Period = "weekly"
)

// Periods - все поддерживаемые периоды.
var Periods = []Period{PeriodAllTime, PeriodWeekly}

// IsValid проверяет период.
func (p Period) IsValid() bool {
	return p == PeriodAllTime || p == PeriodWeekly
}

// String возвращает строковое представление периода.
func (p Period) String() string { return string(p) }

// ParsePeriod разбирает строку периода ("all_time", "alltime", "weekly", "week").
func ParsePeriod(s string) (Period, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "all_time", "alltime", "all-time", "":
		return PeriodAllTime, nil
	case "weekly", "week":
		return PeriodWeekly, nil
	}
	return "", ErrInvalidPeriod
}

// ══════════════════════════════════════════════════════════════════════════════
// STANDING
// ══════════════════════════════════════════════════════════════════════════════

// Standing - то, что индекс знает об ученике. Копируется из агрегата после
// каждой успешной записи; Version позволяет отбросить устаревшие обновления.
type Standing struct {
	LearnerID shared.LearnerID `json:"learner_id"`
	TotalXP   shared.XP        `json:"total_xp"`
	WeekStart timeutil.Date    `json:"week_start"`
	WeeklyXP  shared.XP        `json:"weekly_xp"`
	Version   uint64           `json:"version"`
}

// XPFor возвращает опыт ученика в периоде. Для недели учитывается только
// опыт, начисленный на неделе currentWeek.
func (s Standing) XPFor(period Period, currentWeek timeutil.Date) shared.XP {
	if period == PeriodWeekly {
		if s.WeekStart.Compare(currentWeek) != 0 {
			return 0
		}
		return s.WeeklyXP
	}
	return s.TotalXP
}

// StandingOf снимает положение ученика с сохранённого агрегата.
func StandingOf(a *progress.Aggregate) Standing {
	return Standing{
		LearnerID: a.LearnerID,
		TotalXP:   a.TotalXP,
		WeekStart: a.WeekStart,
		WeeklyXP:  a.WeeklyXP,
		Version:   a.Version,
	}
}

// NewerThan сообщает, что s нужно применить поверх other.
func (s Standing) NewerThan(other Standing) bool {
	return s.Version > other.Version
}

// ══════════════════════════════════════════════════════════════════════════════
// ENTRY
// ══════════════════════════════════════════════════════════════════════════════

// Entry - строка лидерборда. Производная, нигде не хранится как источник истины.
type Entry struct {
	LearnerID    shared.LearnerID `json:"learner_id"`
	DisplayName  string           `json:"display_name"`
	TotalXP      shared.XP        `json:"total_xp"`
	XPThisPeriod shared.XP        `json:"xp_this_period"`
	Rank         shared.Rank      `json:"rank"`
}

// String возвращает строковое представление записи.
func (e Entry) String() string {
	return fmt.Sprintf("#%d %s (%d XP)", e.Rank, e.LearnerID, e.XPThisPeriod)
}

// Compare задаёт порядок лидерборда: опыт по убыванию, при равенстве -
// идентификатор ученика по возрастанию. Порядок полный и детерминированный.
func Compare(aXP shared.XP, aID shared.LearnerID, bXP shared.XP, bID shared.LearnerID) int {
	if c := cmp.Compare(bXP, aXP); c != 0 {
		return c
	}
	return strings.Compare(string(aID), string(bID))
}

// Rank ранжирует standings для периода. Ранги позиционные, с 1, без пропусков:
// равный опыт даёт разные ранги согласно порядку Compare.
// Для недели ученики без опыта на currentWeek в рейтинг не попадают.
func Rank(standings []Standing, period Period, currentWeek timeutil.Date) []Entry {
	entries := make([]Entry, 0, len(standings))
	for _, s := range standings {
		xp := s.XPFor(period, currentWeek)
		if period == PeriodWeekly && xp <= 0 {
			continue
		}
		entries = append(entries, Entry{
			LearnerID:    s.LearnerID,
			TotalXP:      s.TotalXP,
			XPThisPeriod: xp,
		})
	}

	slices.SortFunc(entries, func(a, b Entry) int {
		return Compare(a.XPThisPeriod, a.LearnerID, b.XPThisPeriod, b.LearnerID)
	})
	for i := range entries {
		entries[i].Rank = shared.Rank(i + 1)
	}
	return entries
}
