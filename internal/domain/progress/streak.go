package progress

import "github.com/alem-hub/progress-engine/pkg/timeutil"

// StreakTransition описывает, что произошло с серией при обработке события.
type StreakTransition string

const (
	// StreakStarted - первое событие ученика, серия = 1.
	StreakStarted StreakTransition = "started"
	// StreakUnchanged - событие в тот же день.
	StreakUnchanged StreakTransition = "unchanged"
	// StreakExtended - событие на следующий день, серия +1.
	StreakExtended StreakTransition = "extended"
	// StreakReset - пропущен хотя бы один день, серия начинается заново.
	StreakReset StreakTransition = "reset"
	// StreakBackdated - событие задним числом, серия не меняется.
	StreakBackdated StreakTransition = "backdated"
)

// StreakState - поля агрегата, которыми владеет Streak Tracker.
type StreakState struct {
	Current        int
	Highest        int
	LastActiveDate timeutil.Date
}

// Advance продвигает серию на дату события.
//
// Правила:
//   - разница 0 дней: без изменений;
//   - разница 1 день: Current + 1;
//   - разница больше 1: Current = 1;
//   - событие раньше LastActiveDate: ничего не меняется, дата назад не двигается.
//
// Highest всегда >= Current.
func Advance(state StreakState, on timeutil.Date) (StreakState, StreakTransition) {
	if state.LastActiveDate.IsZero() {
		next := StreakState{Current: 1, Highest: state.Highest, LastActiveDate: on}
		next.Highest = max(next.Highest, next.Current)
		return next, StreakStarted
	}

	delta := on.DaysSince(state.LastActiveDate)
	next := state
	var transition StreakTransition

	switch {
	case delta < 0:
		return state, StreakBackdated
	case delta == 0:
		transition = StreakUnchanged
	case delta == 1:
		next.Current++
		transition = StreakExtended
	default:
		next.Current = 1
		transition = StreakReset
	}

	next.LastActiveDate = on
	next.Highest = max(next.Highest, next.Current)
	return next, transition
}
