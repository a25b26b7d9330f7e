package prefs

import (
	"fmt"
	"regexp"
	"time"

	"github.com/careloop/pulse/internal/store"
)

var clockRE = regexp.MustCompile(`^([01][0-9]|2[0-3]):([0-5][0-9])$`)

// ValidateQuietHours checks an enabled quiet-hours record: 24-hour HH:mm
// times, a non-empty weekday set within 0-6, and a resolvable timezone.
func ValidateQuietHours(qh store.QuietHours) error {
	if !qh.Enabled {
		return nil
	}
	if !clockRE.MatchString(qh.Start) {
		return fmt.Errorf("quiet hours start %q: must be 24-hour HH:mm", qh.Start)
	}
	if !clockRE.MatchString(qh.End) {
		return fmt.Errorf("quiet hours end %q: must be 24-hour HH:mm", qh.End)
	}
	if len(qh.Days) == 0 {
		return fmt.Errorf("quiet hours days must be non-empty")
	}
	for _, d := range qh.Days {
		if d < 0 || d > 6 {
			return fmt.Errorf("quiet hours day %d: must be 0-6", d)
		}
	}
	if _, err := time.LoadLocation(qh.Timezone); err != nil {
		return fmt.Errorf("quiet hours timezone %q: %w", qh.Timezone, err)
	}
	return nil
}

// IsQuietHoursActive reports whether now falls inside the user's
// suppression window for the given priority. CRITICAL notifications bypass
// the window when allowCritical is set. Overnight windows (end < start)
// wrap midnight: active when t >= start or t < end.
func IsQuietHoursActive(qh store.QuietHours, priority store.Priority, now time.Time) bool {
	if !qh.Enabled {
		return false
	}
	if priority == store.PriorityCritical && qh.AllowCritical {
		return false
	}

	loc, err := time.LoadLocation(qh.Timezone)
	if err != nil {
		return false
	}
	local := now.In(loc)

	if !dayActive(qh.Days, int(local.Weekday())) {
		return false
	}

	t := minutesOfDay(local)
	start := clockMinutes(qh.Start)
	end := clockMinutes(qh.End)

	if start == end {
		return false
	}
	if end < start {
		return t >= start || t < end
	}
	return t >= start && t < end
}

// QuietHoursEnd returns when the currently active window ends. The second
// return is false when the window is not active at now.
func QuietHoursEnd(qh store.QuietHours, priority store.Priority, now time.Time) (time.Time, bool) {
	if !IsQuietHoursActive(qh, priority, now) {
		return time.Time{}, false
	}

	loc, _ := time.LoadLocation(qh.Timezone)
	local := now.In(loc)

	t := minutesOfDay(local)
	start := clockMinutes(qh.Start)
	end := clockMinutes(qh.End)

	endToday := atClock(local, qh.End)
	if end < start && t >= start {
		// Overnight window entered before midnight; it ends tomorrow.
		return endToday.AddDate(0, 0, 1), true
	}
	return endToday, true
}

// NextQuietHoursStart returns the next window start at or after now,
// searching forward up to seven days across the active weekday set. The
// second return is false when quiet hours are disabled or no day matches.
func NextQuietHoursStart(qh store.QuietHours, now time.Time) (time.Time, bool) {
	if !qh.Enabled || len(qh.Days) == 0 {
		return time.Time{}, false
	}

	loc, err := time.LoadLocation(qh.Timezone)
	if err != nil {
		return time.Time{}, false
	}
	local := now.In(loc)

	for d := 0; d <= 7; d++ {
		candidate := atClock(local.AddDate(0, 0, d), qh.Start)
		if candidate.Before(local) {
			continue
		}
		if dayActive(qh.Days, int(candidate.Weekday())) {
			return candidate, true
		}
	}
	return time.Time{}, false
}

func dayActive(days []int, weekday int) bool {
	for _, d := range days {
		if d == weekday {
			return true
		}
	}
	return false
}

// clockMinutes converts a validated HH:mm string into minutes since
// midnight. Invalid strings yield 0; callers validate at write time.
func clockMinutes(clock string) int {
	m := clockRE.FindStringSubmatch(clock)
	if m == nil {
		return 0
	}
	var h, min int
	fmt.Sscanf(clock, "%d:%d", &h, &min)
	return h*60 + min
}

func minutesOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// atClock returns the instant on t's date at the given HH:mm in t's
// location.
func atClock(t time.Time, clock string) time.Time {
	var h, m int
	fmt.Sscanf(clock, "%d:%d", &h, &m)
	return time.Date(t.Year(), t.Month(), t.Day(), h, m, 0, 0, t.Location())
}
