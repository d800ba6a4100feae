package nextrun

import (
	"math/rand"
	"testing"
	"time"
	_ "time/tzdata"

	"tenantflow/internal/domain"
)

func intp(v int) *int { return &v }

func weekly(clock string, dow int) domain.ReportSchedule {
	return domain.ReportSchedule{ID: "s1", Frequency: domain.FrequencyWeekly, Time: clock, DayOfWeek: intp(dow)}
}

func monthly(clock string, dom int) domain.ReportSchedule {
	return domain.ReportSchedule{ID: "s1", Frequency: domain.FrequencyMonthly, Time: clock, DayOfMonth: intp(dom)}
}

func daily(clock string) domain.ReportSchedule {
	return domain.ReportSchedule{ID: "s1", Frequency: domain.FrequencyDaily, Time: clock}
}

func TestCalculate(t *testing.T) {
	// 2024-01-15 is a Monday.
	at := func(day, hour, minute int) time.Time { return time.Date(2024, 1, day, hour, minute, 0, 0, time.UTC) }

	tests := []struct {
		name string
		s    domain.ReportSchedule
		now  time.Time
		want time.Time
	}{
		{"weekly later in the week", weekly("09:00", 3), at(15, 10, 0), at(17, 9, 0)},
		{"weekly same day already passed", weekly("09:00", 3), at(17, 9, 30), at(24, 9, 0)},
		{"weekly same day still ahead", weekly("09:00", 3), at(17, 8, 0), at(17, 9, 0)},
		{"weekly exactly now is not next", weekly("09:00", 3), at(17, 9, 0), at(24, 9, 0)},
		{"weekly sunday wraps", weekly("07:15", 0), at(20, 23, 0), at(21, 7, 15)},
		{"daily later today", daily("18:00"), at(15, 10, 0), at(15, 18, 0)},
		{"daily tomorrow", daily("08:00"), at(15, 10, 0), at(16, 8, 0)},
		{"daily month rollover", daily("08:00"), at(31, 9, 0), time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)},
		{"monthly this month", monthly("06:00", 20), at(15, 10, 0), at(20, 6, 0)},
		{"monthly next month", monthly("06:00", 10), at(15, 10, 0), time.Date(2024, 2, 10, 6, 0, 0, 0, time.UTC)},
		{"monthly clamps to leap february", monthly("06:00", 31), at(31, 10, 0), time.Date(2024, 2, 29, 6, 0, 0, 0, time.UTC)},
		{"monthly clamps to april 30", monthly("12:00", 31), time.Date(2024, 3, 31, 13, 0, 0, 0, time.UTC), time.Date(2024, 4, 30, 12, 0, 0, 0, time.UTC)},
		{"monthly december rolls year", monthly("00:00", 1), time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Calculate(tt.s, tt.now)
			if err != nil {
				t.Fatalf("Calculate() error: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("Calculate() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCalculate_Timezone(t *testing.T) {
	s := daily("09:00")
	s.Timezone = "America/New_York"
	// 13:00 UTC is 08:00 in New York (EST).
	now := time.Date(2024, 1, 15, 13, 0, 0, 0, time.UTC)

	got, err := Calculate(s, now)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2024, 1, 15, 14, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %s, want %s", got.UTC(), want)
	}
}

func TestCalculate_WeeklyAcrossDSTChange(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatal(err)
	}
	s := weekly("02:30", 2)
	s.Timezone = "America/New_York"
	// Saturday before the March 2024 spring-forward; Tuesday is in EDT.
	now := time.Date(2024, 3, 9, 3, 0, 0, 0, ny)

	got, err := Calculate(s, now)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2024, 3, 12, 2, 30, 0, 0, ny)
	if !got.Equal(want) {
		t.Fatalf("got %s, want %s", got, want)
	}
	if got.Hour() != 2 || got.Minute() != 30 {
		t.Fatalf("wall clock = %s, want 02:30", got.Format("15:04 MST"))
	}
}

func TestCalculate_InvalidSchedules(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		s    domain.ReportSchedule
	}{
		{"bad time", daily("9am")},
		{"hour out of range", daily("25:00")},
		{"weekly without day", domain.ReportSchedule{Frequency: domain.FrequencyWeekly, Time: "09:00"}},
		{"weekly day out of range", weekly("09:00", 7)},
		{"monthly day zero", monthly("09:00", 0)},
		{"monthly day 32", monthly("09:00", 32)},
		{"unknown frequency", domain.ReportSchedule{Frequency: "HOURLY", Time: "09:00"}},
		{"unknown timezone", domain.ReportSchedule{Frequency: domain.FrequencyDaily, Time: "09:00", Timezone: "Mars/Olympus"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Calculate(tt.s, now); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

// onDay reports whether the calendar day of day is one s fires on.
func onDay(s domain.ReportSchedule, day time.Time) bool {
	switch s.Frequency {
	case domain.FrequencyWeekly:
		return int(day.Weekday()) == *s.DayOfWeek
	case domain.FrequencyMonthly:
		last := time.Date(day.Year(), day.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()
		want := *s.DayOfMonth
		if want > last {
			want = last
		}
		return day.Day() == want
	}
	return true
}

// earliest walks day by day from now and returns the first matching
// occurrence strictly after now.
func earliest(s domain.ReportSchedule, now time.Time) time.Time {
	hour, minute, _ := ParseClock(s.Time)
	y, m, d := now.Date()
	for i := 0; i < 70; i++ {
		day := time.Date(y, m, d+i, 0, 0, 0, 0, time.UTC)
		if !onDay(s, day) {
			continue
		}
		c := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, now.Location())
		if c.After(now) {
			return c
		}
	}
	return time.Time{}
}

func TestCalculate_IsEarliestOccurrenceAfterNow(t *testing.T) {
	for _, zone := range []string{"UTC", "America/New_York", "Europe/London"} {
		t.Run(zone, func(t *testing.T) {
			loc, err := time.LoadLocation(zone)
			if err != nil {
				t.Fatal(err)
			}
			checkEarliest(t, loc)
		})
	}
}

func checkEarliest(t *testing.T, loc *time.Location) {
	rng := rand.New(rand.NewSource(42))
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	freqs := []domain.Frequency{domain.FrequencyDaily, domain.FrequencyWeekly, domain.FrequencyMonthly}

	for i := 0; i < 2000; i++ {
		now := start.Add(time.Duration(rng.Int63n(int64(2 * 365 * 24 * time.Hour)))).Truncate(time.Minute).In(loc)
		clock := time.Date(0, 1, 1, rng.Intn(24), rng.Intn(60), 0, 0, time.UTC).Format("15:04")
		s := domain.ReportSchedule{ID: "p", Frequency: freqs[rng.Intn(len(freqs))], Time: clock}
		switch s.Frequency {
		case domain.FrequencyWeekly:
			s.DayOfWeek = intp(rng.Intn(7))
		case domain.FrequencyMonthly:
			s.DayOfMonth = intp(1 + rng.Intn(31))
		}

		got, err := Calculate(s, now)
		if err != nil {
			t.Fatalf("case %d: %v", i, err)
		}
		if !got.After(now) {
			t.Fatalf("case %d: %s is not after %s", i, got, now)
		}
		if want := earliest(s, now); !got.Equal(want) {
			t.Fatalf("case %d (%+v at %s): got %s, want %s", i, s, now, got, want)
		}
	}
}
