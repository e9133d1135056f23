package scheduler

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// CronSchedule is a parsed 5-field cron expression evaluated in a fixed location:
// minute hour day-of-month month day-of-week.
//
// Examples:
//   - "*/5 * * * *"  every 5 minutes
//   - "0 0 * * 1"    every Monday at midnight
//   - "30 2 1 * *"   02:30 on the first of the month
//
// As in classic cron, when both day fields are restricted a time matches if
// either of them does.
type CronSchedule struct {
	raw      string
	location *time.Location

	minutes  []int // 0-59
	hours    []int // 0-23
	days     []int // 1-31
	months   []int // 1-12
	weekdays []int // 0-6, 0 = Sunday

	daysRestricted     bool
	weekdaysRestricted bool
}

// ParseCron parses expr for evaluation in loc (UTC when nil).
// Supports *, */n, n, n-m, n-m/s and comma lists of those.
func ParseCron(expr string, loc *time.Location) (*CronSchedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron %q: expected 5 fields, got %d", expr, len(fields))
	}
	if loc == nil {
		loc = time.UTC
	}

	cs := &CronSchedule{
		raw:                expr,
		location:           loc,
		daysRestricted:     fields[2] != "*",
		weekdaysRestricted: fields[4] != "*",
	}

	specs := []struct {
		name     string
		dst      *[]int
		min, max int
	}{
		{"minute", &cs.minutes, 0, 59},
		{"hour", &cs.hours, 0, 23},
		{"day-of-month", &cs.days, 1, 31},
		{"month", &cs.months, 1, 12},
		{"day-of-week", &cs.weekdays, 0, 7},
	}
	for i, spec := range specs {
		values, err := parseField(fields[i], spec.min, spec.max)
		if err != nil {
			return nil, fmt.Errorf("cron %q: %s field: %w", expr, spec.name, err)
		}
		*spec.dst = values
	}

	// 7 is an alias for Sunday.
	for i, d := range cs.weekdays {
		if d == 7 {
			cs.weekdays[i] = 0
		}
	}
	slices.Sort(cs.weekdays)
	cs.weekdays = slices.Compact(cs.weekdays)

	return cs, nil
}

// MustParseCron is ParseCron that panics on error. For static expressions.
func MustParseCron(expr string, loc *time.Location) *CronSchedule {
	cs, err := ParseCron(expr, loc)
	if err != nil {
		panic(err)
	}
	return cs
}

// parseField expands one comma-separated cron field into sorted values.
func parseField(field string, min, max int) ([]int, error) {
	var out []int
	for _, part := range strings.Split(field, ",") {
		values, err := parseRange(part, min, max)
		if err != nil {
			return nil, err
		}
		out = append(out, values...)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

func parseRange(part string, min, max int) ([]int, error) {
	step := 1
	if base, s, ok := strings.Cut(part, "/"); ok {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid step %q", s)
		}
		step = n
		part = base
	}

	start, end := min, max
	switch {
	case part == "*":
	case strings.Contains(part, "-"):
		lo, hi, _ := strings.Cut(part, "-")
		var err error
		if start, err = strconv.Atoi(lo); err != nil {
			return nil, fmt.Errorf("invalid range start %q", lo)
		}
		if end, err = strconv.Atoi(hi); err != nil {
			return nil, fmt.Errorf("invalid range end %q", hi)
		}
	default:
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q", part)
		}
		start = v
		if step == 1 {
			end = v
		}
	}

	if start < min || end > max || start > end {
		return nil, fmt.Errorf("%q out of range [%d-%d]", part, min, max)
	}

	values := make([]int, 0, (end-start)/step+1)
	for v := start; v <= end; v += step {
		values = append(values, v)
	}
	return values, nil
}

// Next returns the first matching minute strictly after t, in the schedule's
// location. A zero time means nothing matches within five years.
func (cs *CronSchedule) Next(t time.Time) time.Time {
	t = t.In(cs.location).Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(5, 0, 0)

	for t.Before(limit) {
		if !slices.Contains(cs.months, int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, cs.location)
			continue
		}
		if !cs.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, cs.location)
			continue
		}
		if !slices.Contains(cs.hours, t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, cs.location)
			continue
		}
		if !slices.Contains(cs.minutes, t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}
		return t
	}
	return time.Time{}
}

func (cs *CronSchedule) dayMatches(t time.Time) bool {
	dom := slices.Contains(cs.days, t.Day())
	dow := slices.Contains(cs.weekdays, int(t.Weekday()))
	if cs.daysRestricted && cs.weekdaysRestricted {
		return dom || dow
	}
	return dom && dow
}

// Location returns the location the expression is evaluated in.
func (cs *CronSchedule) Location() *time.Location { return cs.location }

func (cs *CronSchedule) String() string {
	return fmt.Sprintf("%s (%s)", cs.raw, cs.location)
}
