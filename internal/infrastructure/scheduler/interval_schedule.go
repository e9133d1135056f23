package scheduler

import (
	"fmt"
	"time"
)

// IntervalSchedule runs a job at a fixed interval after each activation.
type IntervalSchedule struct {
	Interval time.Duration
}

// Every returns an IntervalSchedule. Non-positive intervals fall back to one second.
func Every(interval time.Duration) *IntervalSchedule {
	if interval <= 0 {
		interval = time.Second
	}
	return &IntervalSchedule{Interval: interval}
}

// Next returns t + Interval.
func (s *IntervalSchedule) Next(t time.Time) time.Time {
	return t.Add(s.Interval)
}

func (s *IntervalSchedule) String() string {
	return fmt.Sprintf("@every %s", s.Interval)
}
