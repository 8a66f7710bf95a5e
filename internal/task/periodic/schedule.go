package periodic

import (
	"time"

	"github.com/robfig/cron/v3"
)

// warmUpSchedule overrides the first run time of a base schedule.
// After the first run, it delegates to the base schedule.
type warmUpSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *warmUpSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// newSchedule returns the schedule for a task registered at now.
// A zero delay means the first run is started separately and the schedule
// begins one interval later.
func newSchedule(every, delay time.Duration, now time.Time) cron.Schedule {
	if delay <= 0 {
		delay = every
	}
	return &warmUpSchedule{base: cron.Every(every), first: now.Add(delay)}
}
