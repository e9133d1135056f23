package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

func TestCredit_ClampsToRemainingCap(t *testing.T) {
	state := LedgerState{Earned: 90, Cap: 100, ResetDate: d("2024-01-01")}

	got := Credit(state, 20, d("2024-01-01"))

	assert.Equal(t, shared.XP(10), got.Credited)
	assert.Equal(t, shared.XP(100), got.Earned)
	assert.Equal(t, d("2024-01-01"), got.ResetDate)
	assert.False(t, got.NewDay)
	assert.True(t, got.CapReached)
}

func TestCredit_NewDayResetsCounter(t *testing.T) {
	state := LedgerState{Earned: 100, Cap: 100, ResetDate: d("2024-01-01")}

	got := Credit(state, 30, d("2024-01-02"))

	assert.Equal(t, shared.XP(30), got.Credited)
	assert.Equal(t, shared.XP(30), got.Earned)
	assert.Equal(t, d("2024-01-02"), got.ResetDate)
	assert.True(t, got.NewDay)
	assert.False(t, got.CapReached)
}

func TestCredit_ExhaustedCapCreditsZero(t *testing.T) {
	state := LedgerState{Earned: 100, Cap: 100, ResetDate: d("2024-01-01")}

	got := Credit(state, 50, d("2024-01-01"))

	assert.Equal(t, shared.XP(0), got.Credited)
	assert.Equal(t, shared.XP(100), got.Earned)
	assert.False(t, got.CapReached, "cap was already full before this event")
}

func TestCredit_BackdatedEventCountsAgainstCurrentDay(t *testing.T) {
	state := LedgerState{Earned: 40, Cap: 50, ResetDate: d("2024-01-05")}

	got := Credit(state, 30, d("2024-01-03"))

	assert.Equal(t, shared.XP(10), got.Credited)
	assert.Equal(t, d("2024-01-05"), got.ResetDate)
	assert.False(t, got.NewDay)
}

func TestCredit_FirstEverEvent(t *testing.T) {
	got := Credit(LedgerState{Cap: 100}, 25, d("2024-01-01"))

	assert.Equal(t, shared.XP(25), got.Credited)
	assert.Equal(t, d("2024-01-01"), got.ResetDate)
	assert.True(t, got.NewDay)
}

func TestCredit_CapInvariantHoldsForAnySequence(t *testing.T) {
	state := LedgerState{Cap: 100}
	var total, proposedSum shared.XP
	proposals := []shared.XP{30, 0, 45, 45, 7, 100, 1}

	for _, p := range proposals {
		res := Credit(state, p, d("2024-03-10"))
		state = LedgerState{Earned: res.Earned, Cap: state.Cap, ResetDate: res.ResetDate}
		total += res.Credited
		proposedSum += p
		assert.LessOrEqual(t, state.Earned, state.Cap)
	}

	assert.Equal(t, shared.XP(100), total)
	assert.Equal(t, state.Earned, total)
	assert.Greater(t, proposedSum, total)
}
