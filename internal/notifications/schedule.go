package notifications

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/albapepper/geonotify/internal/models"
)

const minutesPerDay = 24 * 60

// QuietHours is a daily [Start, End) window in minutes of the day, evaluated
// in Location. Start > End wraps midnight (22:00–07:00).
type QuietHours struct {
	Start    int
	End      int
	Location *time.Location
}

// ParseClock parses "HH:MM" into minutes of the day.
func ParseClock(s string) (int, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid clock %q: want HH:MM", s)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour*60 + minute, nil
}

// QuietHoursFor returns the user's quiet window, falling back to the given
// defaults. ok is false when no usable window is configured.
func QuietHoursFor(u *models.User, defaultStart, defaultEnd string) (QuietHours, bool) {
	start, end := u.QuietStart, u.QuietEnd
	if start == "" || end == "" {
		start, end = defaultStart, defaultEnd
	}
	if start == "" || end == "" {
		return QuietHours{}, false
	}
	s, err := ParseClock(start)
	if err != nil {
		return QuietHours{}, false
	}
	e, err := ParseClock(end)
	if err != nil || s == e {
		return QuietHours{}, false
	}

	loc, err := time.LoadLocation(u.Timezone)
	if err != nil || u.Timezone == "" {
		loc = time.UTC
	}
	return QuietHours{Start: s, End: e, Location: loc}, true
}

func (q QuietHours) minuteOfDay(t time.Time) int {
	local := t.In(q.Location)
	return local.Hour()*60 + local.Minute()
}

// Contains reports whether t falls inside the window.
func (q QuietHours) Contains(t time.Time) bool {
	m := q.minuteOfDay(t)
	if q.Start < q.End {
		return m >= q.Start && m < q.End
	}
	return m >= q.Start || m < q.End
}

// NextEnd returns the first time at or after t when the window ends.
func (q QuietHours) NextEnd(t time.Time) time.Time {
	local := t.In(q.Location)
	m := local.Hour()*60 + local.Minute()
	delta := ((q.End-m)%minutesPerDay + minutesPerDay) % minutesPerDay
	base := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), local.Minute(), 0, 0, q.Location)
	return base.Add(time.Duration(delta) * time.Minute)
}

// deferral returns when delivery to u may next be attempted if it is blocked
// at t, and ok=false when it is not blocked. Focus mode defers by the
// tolerance; quiet hours defer to the end of the window plus the tolerance.
func (s *Scheduler) deferral(u *models.User, t time.Time) (time.Time, bool) {
	if q, ok := QuietHoursFor(u, s.opts.DefaultQuietStart, s.opts.DefaultQuietEnd); ok && q.Contains(t) {
		return q.NextEnd(t).Add(s.opts.QuietTolerance), true
	}
	if u.FocusMode {
		return t.Add(max(s.opts.QuietTolerance, time.Minute)), true
	}
	return time.Time{}, false
}

// tomorrowAt returns hour:00 on the day after t in the user's timezone.
func tomorrowAt(u *models.User, t time.Time, hour int) time.Time {
	loc, err := time.LoadLocation(u.Timezone)
	if err != nil || u.Timezone == "" {
		loc = time.UTC
	}
	next := t.In(loc).AddDate(0, 0, 1)
	return time.Date(next.Year(), next.Month(), next.Day(), hour, 0, 0, 0, loc)
}
