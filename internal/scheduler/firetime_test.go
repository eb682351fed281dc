package scheduler

import (
	"testing"
	"time"

	"github.com/careline/engine/internal/domain"
)

func mustUTC(t *testing.T, layout, value string) time.Time {
	t.Helper()
	tm, err := time.Parse(layout, value)
	if err != nil {
		t.Fatalf("parse %q: %v", value, err)
	}
	return tm.UTC()
}

func TestNextFireTimeDaily(t *testing.T) {
	sc := domain.Schedule{Frequency: domain.FrequencyDaily, TimeOfDay: "09:00"}
	after := mustUTC(t, "2006-01-02T15:04:05", "2026-07-29T10:00:00")

	got, err := NextFireTime(sc, after)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := mustUTC(t, "2006-01-02T15:04:05", "2026-07-30T09:00:00")
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestNextFireTimeDailyStillAheadToday(t *testing.T) {
	sc := domain.Schedule{Frequency: domain.FrequencyDaily, TimeOfDay: "09:00"}
	after := mustUTC(t, "2006-01-02T15:04:05", "2026-07-29T05:00:00")

	got, err := NextFireTime(sc, after)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := mustUTC(t, "2006-01-02T15:04:05", "2026-07-29T09:00:00")
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestNextFireTimeWeekly(t *testing.T) {
	// 2026-07-29 is a Wednesday; next Friday (5) after it is 2026-07-31.
	sc := domain.Schedule{Frequency: domain.FrequencyWeekly, TimeOfDay: "09:00", DayOfWeek: time.Friday, EveryNWeeks: 1}
	after := mustUTC(t, "2006-01-02T15:04:05", "2026-07-29T10:00:00")

	got, err := NextFireTime(sc, after)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := mustUTC(t, "2006-01-02T15:04:05", "2026-07-31T09:00:00")
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestNextFireTimeWeeklyEveryNWeeksSkipsForward(t *testing.T) {
	sc := domain.Schedule{Frequency: domain.FrequencyWeekly, TimeOfDay: "09:00", DayOfWeek: time.Friday, EveryNWeeks: 2}
	after := mustUTC(t, "2006-01-02T15:04:05", "2026-07-29T10:00:00")

	got, err := NextFireTime(sc, after)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Next Friday is 2026-07-31; every-2-weeks skips 7 more days to 2026-08-07.
	want := mustUTC(t, "2006-01-02T15:04:05", "2026-08-07T09:00:00")
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestNextFireTimeWeeklySameDayBeforeTimeOfDayFiresToday(t *testing.T) {
	// 2026-07-29 is itself a Wednesday; asking with `after` earlier the same
	// day should fire later that same Wednesday, not a week out.
	sc := domain.Schedule{Frequency: domain.FrequencyWeekly, TimeOfDay: "09:00", DayOfWeek: time.Wednesday, EveryNWeeks: 1}
	after := mustUTC(t, "2006-01-02T15:04:05", "2026-07-29T05:00:00")

	got, err := NextFireTime(sc, after)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := mustUTC(t, "2006-01-02T15:04:05", "2026-07-29T09:00:00")
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestNextFireTimeMonthlyClampsToLastDay(t *testing.T) {
	sc := domain.Schedule{Frequency: domain.FrequencyMonthly, TimeOfDay: "09:00", DayOfMonth: 31}
	// April has 30 days.
	after := mustUTC(t, "2006-01-02T15:04:05", "2026-04-15T00:00:00")

	got, err := NextFireTime(sc, after)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := mustUTC(t, "2006-01-02T15:04:05", "2026-04-30T09:00:00")
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestNextFireTimeMonthlyRollsToNextMonth(t *testing.T) {
	sc := domain.Schedule{Frequency: domain.FrequencyMonthly, TimeOfDay: "09:00", DayOfMonth: 15}
	after := mustUTC(t, "2006-01-02T15:04:05", "2026-07-20T00:00:00")

	got, err := NextFireTime(sc, after)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := mustUTC(t, "2006-01-02T15:04:05", "2026-08-15T09:00:00")
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestNextFireTimeInvalidTimeOfDay(t *testing.T) {
	sc := domain.Schedule{Frequency: domain.FrequencyDaily, TimeOfDay: "nonsense"}
	if _, err := NextFireTime(sc, time.Now()); err == nil {
		t.Fatal("expected an error for an unparsable timeOfDay")
	}
}
