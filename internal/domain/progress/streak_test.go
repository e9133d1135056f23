package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

func d(s string) timeutil.Date { return timeutil.MustDate(s) }

func TestAdvance(t *testing.T) {
	tests := []struct {
		name       string
		state      StreakState
		on         string
		want       StreakState
		transition StreakTransition
	}{
		{
			name:       "first event starts streak",
			state:      StreakState{},
			on:         "2024-01-01",
			want:       StreakState{Current: 1, Highest: 1, LastActiveDate: d("2024-01-01")},
			transition: StreakStarted,
		},
		{
			name:       "same day is idempotent",
			state:      StreakState{Current: 3, Highest: 4, LastActiveDate: d("2024-01-05")},
			on:         "2024-01-05",
			want:       StreakState{Current: 3, Highest: 4, LastActiveDate: d("2024-01-05")},
			transition: StreakUnchanged,
		},
		{
			name:       "next day extends and lifts highest",
			state:      StreakState{Current: 4, Highest: 4, LastActiveDate: d("2024-01-05")},
			on:         "2024-01-06",
			want:       StreakState{Current: 5, Highest: 5, LastActiveDate: d("2024-01-06")},
			transition: StreakExtended,
		},
		{
			name:       "gap of two days resets to one",
			state:      StreakState{Current: 5, Highest: 5, LastActiveDate: d("2024-01-01")},
			on:         "2024-01-03",
			want:       StreakState{Current: 1, Highest: 5, LastActiveDate: d("2024-01-03")},
			transition: StreakReset,
		},
		{
			name:       "backdated event changes nothing",
			state:      StreakState{Current: 2, Highest: 7, LastActiveDate: d("2024-01-10")},
			on:         "2024-01-08",
			want:       StreakState{Current: 2, Highest: 7, LastActiveDate: d("2024-01-10")},
			transition: StreakBackdated,
		},
		{
			name:       "month boundary counts as consecutive",
			state:      StreakState{Current: 1, Highest: 1, LastActiveDate: d("2024-02-29")},
			on:         "2024-03-01",
			want:       StreakState{Current: 2, Highest: 2, LastActiveDate: d("2024-03-01")},
			transition: StreakExtended,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, transition := Advance(tt.state, d(tt.on))
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.transition, transition)
		})
	}
}

func TestAdvance_HighestNeverDecreases(t *testing.T) {
	days := []string{
		"2024-01-01", "2024-01-02", "2024-01-03", "2024-01-02", "2024-01-07",
		"2024-01-07", "2024-01-08", "2023-12-31", "2024-02-01", "2024-02-02",
	}

	state := StreakState{}
	prevHighest := 0
	for _, day := range days {
		state, _ = Advance(state, d(day))
		assert.GreaterOrEqual(t, state.Highest, prevHighest, "day %s", day)
		assert.GreaterOrEqual(t, state.Highest, state.Current, "day %s", day)
		prevHighest = state.Highest
	}
	assert.Equal(t, 3, state.Highest)
	assert.Equal(t, 2, state.Current)
}
