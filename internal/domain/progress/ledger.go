package progress

import (
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// LedgerState - дневные счётчики агрегата.
type LedgerState struct {
	Earned    shared.XP
	Cap       shared.XP
	ResetDate timeutil.Date
}

// LedgerResult - итог начисления.
type LedgerResult struct {
	// Credited - сколько опыта реально добавится к TotalXP.
	Credited shared.XP
	// Earned - новое значение дневного счётчика.
	Earned shared.XP
	// ResetDate - новая дата сброса счётчика.
	ResetDate timeutil.Date
	// NewDay - счётчик был сброшен этим событием.
	NewDay bool
	// CapReached - после начисления лимит исчерпан.
	CapReached bool
}

// Credit начисляет опыт с учётом дневного лимита.
//
// Если дата события позже ResetDate, начинается новый день: счётчик обнуляется,
// ResetDate = дата события. Начисляется min(proposed, Cap - Earned), но не меньше 0.
// Ошибок нет: превышение лимита не отклоняется, а даёт 0.
func Credit(state LedgerState, proposed shared.XP, on timeutil.Date) LedgerResult {
	result := LedgerResult{
		Earned:    state.Earned,
		ResetDate: state.ResetDate,
	}

	if state.ResetDate.IsZero() || on.After(state.ResetDate) {
		result.Earned = 0
		result.ResetDate = on
		result.NewDay = true
	}

	// Лимит мог уменьшиться после начисления.
	remaining := state.Cap - result.Earned
	if remaining < 0 {
		remaining = 0
	}
	if proposed < 0 {
		proposed = 0
	}

	result.Credited = proposed.Min(remaining)
	result.Earned += result.Credited
	result.CapReached = result.Credited > 0 && result.Earned >= state.Cap
	return result
}
