// Package nextrun computes the next occurrence of a calendar schedule.
package nextrun

import (
	"fmt"
	"time"

	"tenantflow/internal/domain"
)

// Calculate returns the earliest occurrence of s strictly after now, in the
// schedule's timezone. A day of month the target month lacks is clamped to
// its last day, so a schedule on the 31st fires on the 30th in April.
func Calculate(s domain.ReportSchedule, now time.Time) (time.Time, error) {
	loc := now.Location()
	if s.Timezone != "" {
		l, err := time.LoadLocation(s.Timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("schedule %s: timezone: %w", s.ID, err)
		}
		loc = l
	}
	hour, minute, err := ParseClock(s.Time)
	if err != nil {
		return time.Time{}, fmt.Errorf("schedule %s: %w", s.ID, err)
	}
	local := now.In(loc)

	switch s.Frequency {
	case domain.FrequencyDaily:
		return nextDaily(local, hour, minute), nil

	case domain.FrequencyWeekly:
		if s.DayOfWeek == nil || *s.DayOfWeek < 0 || *s.DayOfWeek > 6 {
			return time.Time{}, fmt.Errorf("schedule %s: weekly schedule needs a day of week 0-6", s.ID)
		}
		y, m, d := local.Date()
		d += (*s.DayOfWeek - int(local.Weekday()) + 7) % 7
		next := time.Date(y, m, d, hour, minute, 0, 0, loc)
		if !next.After(local) {
			next = time.Date(y, m, d+7, hour, minute, 0, 0, loc)
		}
		return next, nil

	case domain.FrequencyMonthly:
		if s.DayOfMonth == nil || *s.DayOfMonth < 1 || *s.DayOfMonth > 31 {
			return time.Time{}, fmt.Errorf("schedule %s: monthly schedule needs a day of month 1-31", s.ID)
		}
		y, m, _ := local.Date()
		next := monthDay(y, m, *s.DayOfMonth, hour, minute, loc)
		if !next.After(local) {
			next = monthDay(y, m+1, *s.DayOfMonth, hour, minute, loc)
		}
		return next, nil

	default:
		return time.Time{}, fmt.Errorf("schedule %s: unknown frequency %q", s.ID, s.Frequency)
	}
}

// ParseClock parses an "HH:MM" wall-clock time.
func ParseClock(v string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time %q, want HH:MM", v)
	}
	return t.Hour(), t.Minute(), nil
}

func nextDaily(local time.Time, hour, minute int) time.Time {
	y, m, d := local.Date()
	next := time.Date(y, m, d, hour, minute, 0, 0, local.Location())
	if !next.After(local) {
		next = time.Date(y, m, d+1, hour, minute, 0, 0, local.Location())
	}
	return next
}

func monthDay(y int, m time.Month, day, hour, minute int, loc *time.Location) time.Time {
	// Day 0 of the following month is the last day of m.
	last := time.Date(y, m+1, 0, 0, 0, 0, 0, loc).Day()
	if day > last {
		day = last
	}
	return time.Date(y, m, day, hour, minute, 0, 0, loc)
}
