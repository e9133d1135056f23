// Package timeutil provides timezone-aware calendar helpers.
// Learners of the platform live in Almaty (UTC+5), so that is the default zone,
// but every calendar computation goes through a Calendar bound to a configurable location.
package timeutil

import (
	"fmt"
	"time"
)

// AlmatyTZ is the Almaty timezone (UTC+5, no DST).
// Used when the tz database is unavailable in the container.
var AlmatyTZ = time.FixedZone("Asia/Almaty", 5*60*60)

// DefaultTimezone is the zone the platform runs in.
const DefaultTimezone = "Asia/Almaty"

// LoadLocation resolves a timezone name, falling back to the fixed Almaty
// offset when the tz database does not know the name.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" || name == DefaultTimezone {
		if loc, err := time.LoadLocation(DefaultTimezone); err == nil {
			return loc, nil
		}
		return AlmatyTZ, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("timeutil: unknown timezone %q: %w", name, err)
	}
	return loc, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// CALENDAR
// ══════════════════════════════════════════════════════════════════════════════

// Calendar maps instants onto civil dates of one location.
type Calendar struct {
	loc *time.Location
	now func() time.Time
}

// NewCalendar creates a Calendar for loc. A nil loc means AlmatyTZ.
func NewCalendar(loc *time.Location) *Calendar {
	if loc == nil {
		loc = AlmatyTZ
	}
	return &Calendar{loc: loc, now: time.Now}
}

// WithClock returns a copy of the calendar reading time from now. Used by tests.
func (c *Calendar) WithClock(now func() time.Time) *Calendar {
	return &Calendar{loc: c.loc, now: now}
}

// Location returns the calendar's location.
func (c *Calendar) Location() *time.Location { return c.loc }

// Now returns the current instant in the calendar's location.
func (c *Calendar) Now() time.Time { return c.now().In(c.loc) }

// Today returns the current civil date.
func (c *Calendar) Today() Date { return c.DateOf(c.now()) }

// DateOf returns the civil date of t in the calendar's location.
func (c *Calendar) DateOf(t time.Time) Date { return DateOf(t.In(c.loc)) }

// StartOfDay returns local midnight of d.
func (c *Calendar) StartOfDay(d Date) time.Time { return d.In(c.loc) }

// StartOfWeek returns the Monday of the week containing t.
func (c *Calendar) StartOfWeek(t time.Time) Date { return c.DateOf(t).StartOfWeek() }

// NextWeekStart returns local midnight of the Monday following t.
func (c *Calendar) NextWeekStart(t time.Time) time.Time {
	return c.StartOfWeek(t).AddDays(7).In(c.loc)
}

// ══════════════════════════════════════════════════════════════════════════════
// DATE
// ══════════════════════════════════════════════════════════════════════════════

const dateLayout = "2006-01-02"

// Date is a civil calendar date without time-of-day or zone.
// The zero value means "no date".
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// NewDate builds a normalized date (2024-02-30 becomes 2024-03-01).
func NewDate(year int, month time.Month, day int) Date {
	return DateOf(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
}

// DateOf returns the date of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses YYYY-MM-DD.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("timeutil: invalid date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// MustDate parses YYYY-MM-DD and panics on error. Only for tests and constants.
func MustDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

// IsZero reports whether d is the zero date.
func (d Date) IsZero() bool { return d.Year == 0 && d.Month == 0 && d.Day == 0 }

// In returns midnight of d in loc.
func (d Date) In(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

func (d Date) utc() time.Time { return d.In(time.UTC) }

// DaysSince returns the number of whole days from other to d (negative if d is earlier).
func (d Date) DaysSince(other Date) int {
	return int(d.utc().Sub(other.utc()) / (24 * time.Hour))
}

// AddDays returns d shifted by n days.
func (d Date) AddDays(n int) Date { return DateOf(d.utc().AddDate(0, 0, n)) }

// Before reports whether d is strictly earlier than other.
func (d Date) Before(other Date) bool { return d.Compare(other) < 0 }

// After reports whether d is strictly later than other.
func (d Date) After(other Date) bool { return d.Compare(other) > 0 }

// Compare returns -1, 0 or +1.
func (d Date) Compare(other Date) int {
	switch {
	case d.Year != other.Year:
		return cmpInt(d.Year, other.Year)
	case d.Month != other.Month:
		return cmpInt(int(d.Month), int(other.Month))
	default:
		return cmpInt(d.Day, other.Day)
	}
}

// Weekday returns the day of the week of d.
func (d Date) Weekday() time.Weekday { return d.utc().Weekday() }

// StartOfWeek returns the Monday on or before d.
func (d Date) StartOfWeek() Date {
	weekday := int(d.Weekday())
	if weekday == 0 {
		weekday = 7 // Sunday
	}
	return d.AddDays(-(weekday - 1))
}

// String formats d as YYYY-MM-DD; the zero date formats as "".
func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.utc().Format(dateLayout)
}

// MarshalText implements encoding.TextMarshaler.
func (d Date) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Date) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
