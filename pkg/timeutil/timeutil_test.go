package timeutil

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDate_DaysSince(t *testing.T) {
	assert.Equal(t, 2, MustDate("2024-01-03").DaysSince(MustDate("2024-01-01")))
	assert.Equal(t, -1, MustDate("2024-01-01").DaysSince(MustDate("2024-01-02")))
	assert.Equal(t, 1, MustDate("2024-03-01").DaysSince(MustDate("2024-02-29")))
	assert.Equal(t, 0, MustDate("2024-06-10").DaysSince(MustDate("2024-06-10")))
}

func TestDate_StartOfWeek(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"monday", "2024-01-01", "2024-01-01"},
		{"wednesday", "2024-01-03", "2024-01-01"},
		{"sunday", "2024-01-07", "2024-01-01"},
		{"across year", "2025-01-01", "2024-12-30"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, MustDate(tt.want), MustDate(tt.in).StartOfWeek())
		})
	}
}

func TestDate_Compare(t *testing.T) {
	a := MustDate("2024-01-31")
	b := MustDate("2024-02-01")

	assert.True(t, a.Before(b))
	assert.True(t, b.After(a))
	assert.Equal(t, 0, a.Compare(NewDate(2024, time.January, 31)))
	assert.Equal(t, b, NewDate(2024, time.January, 32))
}

func TestDate_TextRoundTrip(t *testing.T) {
	type wrapper struct {
		On   Date `json:"on"`
		Zero Date `json:"zero"`
	}
	raw, err := json.Marshal(wrapper{On: MustDate("2024-05-17")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"on":"2024-05-17","zero":""}`, string(raw))

	var back wrapper
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, MustDate("2024-05-17"), back.On)
	assert.True(t, back.Zero.IsZero())
}

func TestCalendar_DateOfUsesLocation(t *testing.T) {
	cal := NewCalendar(AlmatyTZ)
	// 20:30 UTC is already the next day in Almaty.
	instant := time.Date(2024, 1, 1, 20, 30, 0, 0, time.UTC)

	assert.Equal(t, MustDate("2024-01-02"), cal.DateOf(instant))
	assert.Equal(t, MustDate("2024-01-01"), NewCalendar(time.UTC).DateOf(instant))
}

func TestCalendar_WithClock(t *testing.T) {
	fixed := time.Date(2024, 1, 10, 12, 0, 0, 0, AlmatyTZ)
	cal := NewCalendar(AlmatyTZ).WithClock(func() time.Time { return fixed })

	assert.Equal(t, MustDate("2024-01-10"), cal.Today())
	assert.Equal(t, MustDate("2024-01-08"), cal.StartOfWeek(fixed))
	assert.Equal(t, time.Date(2024, 1, 15, 0, 0, 0, 0, AlmatyTZ), cal.NextWeekStart(fixed))
}

func TestLoadLocation(t *testing.T) {
	loc, err := LoadLocation("")
	require.NoError(t, err)
	assert.NotNil(t, loc)

	_, err = LoadLocation("Not/AZone")
	assert.Error(t, err)
}
