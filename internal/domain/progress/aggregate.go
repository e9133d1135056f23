package progress

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// Aggregate - прогресс одного ученика. Граница согласованности и единица
// оптимистичной блокировки: каждое успешное сохранение увеличивает Version на 1.
type Aggregate struct {
	LearnerID shared.LearnerID `json:"learner_id"`

	// TotalXP - опыт за всё время, никогда не уменьшается.
	TotalXP shared.XP `json:"total_xp"`

	// Дневной лимит: DailyXPEarned <= DailyXPCap всегда.
	DailyXPEarned   shared.XP     `json:"daily_xp_earned"`
	DailyXPCap      shared.XP     `json:"daily_xp_cap"`
	LastXPResetDate timeutil.Date `json:"last_xp_reset_date"`

	// Серия: HighestStreakDays >= CurrentStreakDays всегда.
	CurrentStreakDays int           `json:"current_streak_days"`
	HighestStreakDays int           `json:"highest_streak_days"`
	LastActiveDate    timeutil.Date `json:"last_active_date"`

	// Недельное окно: понедельник текущей недели и опыт, начисленный с него.
	WeekStart timeutil.Date `json:"week_start"`
	WeeklyXP  shared.XP     `json:"weekly_xp"`

	CompletedQuestions     []QuestionCompletion    `json:"completed_questions"`
	CompletedCodePractices []PracticeCompletion    `json:"completed_code_practices"`
	LessonStars            map[string]shared.Stars `json:"lesson_stars"`

	Version   uint64    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewAggregate создаёт пустой агрегат. Version = 0 означает "ещё не сохранён".
func NewAggregate(learnerID shared.LearnerID, dailyCap shared.XP, now time.Time) *Aggregate {
	return &Aggregate{
		LearnerID:              learnerID,
		DailyXPCap:             dailyCap,
		CompletedQuestions:     []QuestionCompletion{},
		CompletedCodePractices: []PracticeCompletion{},
		LessonStars:            map[string]shared.Stars{},
		CreatedAt:              now,
		UpdatedAt:              now,
	}
}

// IsNew - агрегат ещё ни разу не сохранялся.
func (a *Aggregate) IsNew() bool {
	return a.Version == 0
}

// Outcome - результат применения события к агрегату.
type Outcome struct {
	Kind           EventKind
	Nominal        shared.XP
	Credited       shared.XP
	EventDate      timeutil.Date
	Streak         StreakTransition
	PreviousStreak int
	NewDay         bool
	CapReached     bool
}

// Apply применяет событие: сначала Streak Tracker, затем XP Ledger и недельное
// окно, затем журнал. nominal - стоимость события до учёта лимита.
// Метод меняет агрегат на месте; сохранение - забота вызывающего.
func (a *Aggregate) Apply(ev Event, nominal shared.XP, on timeutil.Date, now time.Time) Outcome {
	ev = Normalize(ev)
	if nominal < 0 {
		nominal = 0
	}
	outcome := Outcome{
		Kind:           ev.Kind(),
		Nominal:        nominal,
		EventDate:      on,
		PreviousStreak: a.CurrentStreakDays,
	}

	streak, transition := Advance(a.streakState(), on)
	a.CurrentStreakDays = streak.Current
	a.HighestStreakDays = streak.Highest
	a.LastActiveDate = streak.LastActiveDate
	outcome.Streak = transition

	ledger := Credit(a.ledgerState(), nominal, on)
	a.DailyXPEarned = ledger.Earned
	a.LastXPResetDate = ledger.ResetDate
	a.TotalXP = a.TotalXP.Add(ledger.Credited)
	outcome.Credited = ledger.Credited
	outcome.NewDay = ledger.NewDay
	outcome.CapReached = ledger.CapReached

	a.creditWeek(ledger.Credited, on)
	a.record(ev, nominal, ledger.Credited)
	a.UpdatedAt = now

	return outcome
}

// WeeklyXPAt возвращает опыт за неделю, начинающуюся с weekStart.
// Если агрегат не получал опыта на этой неделе, результат 0.
func (a *Aggregate) WeeklyXPAt(weekStart timeutil.Date) shared.XP {
	if a.WeekStart.Compare(weekStart) != 0 {
		return 0
	}
	return a.WeeklyXP
}

// CheckInvariants проверяет инварианты агрегата. Используется хранилищами перед записью.
func (a *Aggregate) CheckInvariants() error {
	switch {
	case !a.LearnerID.IsValid():
		return fmt.Errorf("learner id %q is invalid", a.LearnerID)
	case a.TotalXP < 0 || a.DailyXPEarned < 0 || a.WeeklyXP < 0:
		return fmt.Errorf("negative XP counter")
	case a.DailyXPEarned > a.DailyXPCap:
		return fmt.Errorf("daily_xp_earned %d exceeds cap %d", a.DailyXPEarned, a.DailyXPCap)
	case a.HighestStreakDays < a.CurrentStreakDays:
		return fmt.Errorf("highest streak %d below current %d", a.HighestStreakDays, a.CurrentStreakDays)
	case a.WeeklyXP > a.TotalXP:
		return fmt.Errorf("weekly xp %d exceeds total %d", a.WeeklyXP, a.TotalXP)
	}
	return nil
}

// Clone возвращает глубокую копию агрегата.
func (a *Aggregate) Clone() *Aggregate {
	if a == nil {
		return nil
	}
	c := *a
	c.CompletedQuestions = slices.Clone(a.CompletedQuestions)
	c.CompletedCodePractices = slices.Clone(a.CompletedCodePractices)
	c.LessonStars = maps.Clone(a.LessonStars)
	if c.CompletedQuestions == nil {
		c.CompletedQuestions = []QuestionCompletion{}
	}
	if c.CompletedCodePractices == nil {
		c.CompletedCodePractices = []PracticeCompletion{}
	}
	if c.LessonStars == nil {
		c.LessonStars = map[string]shared.Stars{}
	}
	return &c
}

func (a *Aggregate) streakState() StreakState {
	return StreakState{
		Current:        a.CurrentStreakDays,
		Highest:        a.HighestStreakDays,
		LastActiveDate: a.LastActiveDate,
	}
}

func (a *Aggregate) ledgerState() LedgerState {
	return LedgerState{
		Earned:    a.DailyXPEarned,
		Cap:       a.DailyXPCap,
		ResetDate: a.LastXPResetDate,
	}
}

// creditWeek учитывает начисление в недельном окне. Событие задним числом
// из прошлой недели в текущую неделю не попадает.
func (a *Aggregate) creditWeek(credited shared.XP, on timeutil.Date) {
	week := on.StartOfWeek()
	switch {
	case a.WeekStart.IsZero() || week.After(a.WeekStart):
		a.WeekStart = week
		a.WeeklyXP = credited
	case week.Compare(a.WeekStart) == 0:
		a.WeeklyXP = a.WeeklyXP.Add(credited)
	}
}

func (a *Aggregate) record(ev Event, nominal, credited shared.XP) {
	switch e := ev.(type) {
	case QuestionAnswered:
		a.CompletedQuestions = append(a.CompletedQuestions, QuestionCompletion{
			QuestionID:    e.QuestionID,
			Correct:       e.Correct,
			UserAnswer:    e.UserAnswer,
			TimeSpentMs:   e.TimeSpentMs,
			PointsAwarded: nominal,
			CreditedXP:    credited,
			CompletedAt:   e.At,
		})
	case CodePracticeCompleted:
		a.CompletedCodePractices = append(a.CompletedCodePractices, PracticeCompletion{
			PracticeID:  e.PracticeID,
			UserCode:    e.UserCode,
			IsCorrect:   e.IsCorrect,
			XPEarned:    nominal,
			CreditedXP:  credited,
			CompletedAt: e.At,
		})
	case LessonStarred:
		if a.LessonStars == nil {
			a.LessonStars = map[string]shared.Stars{}
		}
		a.LessonStars[e.LessonID] = shared.Stars(e.Stars)
	}
}
