package post

import (
	"fmt"
	"strings"
	"time"
)

// Layouts used by the persisted document.
const (
	ScheduleLayout  = "2006-01-02 15:04"
	TimestampLayout = "2006-01-02 15:04:05"
)

// StoredScheduleTime rounds t up to the whole second. Schedule times are
// persisted at second precision and must never move earlier.
func StoredScheduleTime(t time.Time) time.Time {
	if r := t.Truncate(time.Second); !r.Equal(t) {
		return r.Add(time.Second)
	}
	return t
}

// FormatScheduleTime renders t in loc, using the minute layout when the
// seconds are zero and the seconds layout otherwise.
func FormatScheduleTime(t time.Time, loc *time.Location) string {
	t = StoredScheduleTime(t).In(loc)
	if t.Second() == 0 {
		return t.Format(ScheduleLayout)
	}
	return t.Format(TimestampLayout)
}

var scheduleLayouts = []string{
	ScheduleLayout,
	TimestampLayout,
	"2006-01-02T15:04",    // HTML datetime-local
	"2006-01-02T15:04:05", // datetime-local with seconds
}

// ParseScheduleTime accepts RFC3339 or one of the zone-less layouts above,
// the latter interpreted in loc (time.Local when nil).
func ParseScheduleTime(raw string, loc *time.Location) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time")
	}
	if loc == nil {
		loc = time.Local
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range scheduleLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q (want YYYY-MM-DD HH:MM or RFC3339)", raw)
}
