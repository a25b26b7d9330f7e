package prefs

import (
	"testing"
	"time"

	"github.com/careloop/pulse/internal/store"
)

func overnightWindow() store.QuietHours {
	return store.QuietHours{
		Enabled:       true,
		Start:         "22:00",
		End:           "08:00",
		Timezone:      "UTC",
		Days:          []int{0, 1, 2, 3, 4, 5, 6},
		AllowCritical: true,
	}
}

// 2026-03-02 is a Monday.
func at(hour, minute int) time.Time {
	return time.Date(2026, 3, 2, hour, minute, 0, 0, time.UTC)
}

func TestIsQuietHoursActive_OvernightWindow(t *testing.T) {
	qh := overnightWindow()

	cases := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"before window", at(10, 0), false},
		{"late evening", at(23, 30), true},
		{"early morning", at(5, 0), true},
		{"exactly at start", at(22, 0), true},
		{"exactly at end", at(8, 0), false},
		{"just before end", at(7, 59), true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := IsQuietHoursActive(qh, store.PriorityMedium, tc.now)
			if got != tc.want {
				t.Errorf("at %s: expected %v, got %v", tc.now.Format("15:04"), tc.want, got)
			}
		})
	}
}

func TestIsQuietHoursActive_CriticalBypass(t *testing.T) {
	qh := overnightWindow()

	if IsQuietHoursActive(qh, store.PriorityCritical, at(23, 30)) {
		t.Error("critical with allowCritical should never be suppressed")
	}

	qh.AllowCritical = false
	if !IsQuietHoursActive(qh, store.PriorityCritical, at(23, 30)) {
		t.Error("critical without allowCritical should be suppressed like any other")
	}
}

func TestIsQuietHoursActive_Disabled(t *testing.T) {
	qh := overnightWindow()
	qh.Enabled = false

	if IsQuietHoursActive(qh, store.PriorityLow, at(23, 30)) {
		t.Error("disabled quiet hours should never be active")
	}
}

func TestIsQuietHoursActive_DayNotInSet(t *testing.T) {
	qh := overnightWindow()
	qh.Days = []int{0, 6} // weekends only; test time is a Monday

	if IsQuietHoursActive(qh, store.PriorityLow, at(23, 30)) {
		t.Error("Monday should not be active for a weekend-only window")
	}
}

func TestIsQuietHoursActive_DaytimeWindow(t *testing.T) {
	qh := overnightWindow()
	qh.Start = "12:00"
	qh.End = "14:00"

	if !IsQuietHoursActive(qh, store.PriorityLow, at(13, 0)) {
		t.Error("13:00 should be inside a 12:00-14:00 window")
	}
	if IsQuietHoursActive(qh, store.PriorityLow, at(15, 0)) {
		t.Error("15:00 should be outside a 12:00-14:00 window")
	}
}

func TestIsQuietHoursActive_Timezone(t *testing.T) {
	qh := overnightWindow()
	qh.Timezone = "America/New_York"

	// 03:00 UTC on Monday is 22:00 Sunday in New York, inside the window.
	now := time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)
	if !IsQuietHoursActive(qh, store.PriorityLow, now) {
		t.Error("expected active when local time falls inside the window")
	}
}

func TestQuietHoursEnd_Overnight(t *testing.T) {
	qh := overnightWindow()

	// Entered before midnight: window ends tomorrow 08:00.
	end, ok := QuietHoursEnd(qh, store.PriorityLow, at(23, 0))
	if !ok {
		t.Fatal("expected active window")
	}
	want := time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC)
	if !end.Equal(want) {
		t.Errorf("expected end %s, got %s", want, end)
	}

	// After midnight: ends today 08:00.
	end, ok = QuietHoursEnd(qh, store.PriorityLow, at(5, 0))
	if !ok {
		t.Fatal("expected active window")
	}
	want = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	if !end.Equal(want) {
		t.Errorf("expected end %s, got %s", want, end)
	}

	// Inactive time: no end.
	if _, ok := QuietHoursEnd(qh, store.PriorityLow, at(12, 0)); ok {
		t.Error("expected no window end when inactive")
	}
}

func TestNextQuietHoursStart(t *testing.T) {
	qh := overnightWindow()

	// Midday Monday: next start is Monday 22:00.
	next, ok := NextQuietHoursStart(qh, at(12, 0))
	if !ok {
		t.Fatal("expected a next start")
	}
	want := time.Date(2026, 3, 2, 22, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("expected %s, got %s", want, next)
	}

	// Weekend-only window checked on a Monday: next start is Saturday.
	qh.Days = []int{6}
	next, ok = NextQuietHoursStart(qh, at(12, 0))
	if !ok {
		t.Fatal("expected a next start")
	}
	if next.Weekday() != time.Saturday {
		t.Errorf("expected Saturday, got %s", next.Weekday())
	}
}

func TestValidateQuietHours(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*store.QuietHours)
		wantErr bool
	}{
		{"valid", func(qh *store.QuietHours) {}, false},
		{"disabled skips validation", func(qh *store.QuietHours) {
			qh.Enabled = false
			qh.Start = "nonsense"
		}, false},
		{"bad start", func(qh *store.QuietHours) { qh.Start = "25:00" }, true},
		{"bad end", func(qh *store.QuietHours) { qh.End = "8:00" }, true},
		{"empty days", func(qh *store.QuietHours) { qh.Days = nil }, true},
		{"day out of range", func(qh *store.QuietHours) { qh.Days = []int{7} }, true},
		{"bad timezone", func(qh *store.QuietHours) { qh.Timezone = "Mars/Olympus" }, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			qh := overnightWindow()
			tc.mutate(&qh)
			err := ValidateQuietHours(qh)
			if tc.wantErr && err == nil {
				t.Error("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
