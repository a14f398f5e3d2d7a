package recurrence

import (
	"math/rand"
	"testing"
	"time"
)

// 2024-05-15 is a Wednesday.
func day(d, h, m int) time.Time {
	return time.Date(2024, time.May, d, h, m, 0, 0, time.UTC)
}

func TestCalcTime(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		p    Params
		now  time.Time
		last time.Time
		want time.Time
	}{
		{name: "timer steps from last", p: Timer{Amount: 2, Unit: UnitHour}, now: day(15, 12, 0), last: day(15, 7, 0), want: day(15, 13, 0)},
		{name: "timer without last", p: Timer{Amount: 15, Unit: UnitMinute}, now: day(15, 12, 0), want: day(15, 12, 15)},
		{name: "timer exact boundary skips", p: Timer{Amount: 1, Unit: UnitHour}, now: day(15, 12, 0), last: day(15, 11, 0), want: day(15, 13, 0)},
		{name: "daily later today", p: Daily{At: At(9, 0, 0)}, now: day(15, 8, 0), last: day(14, 10, 0), want: day(15, 9, 0)},
		{name: "daily already passed", p: Daily{At: At(9, 0, 0)}, now: day(15, 9, 30), last: day(14, 10, 0), want: day(16, 9, 0)},
		{name: "daily never ran", p: Daily{At: At(23, 59, 0)}, now: day(15, 8, 0), want: day(15, 23, 59)},
		{name: "daily catch up from old last", p: Daily{At: At(9, 0, 0)}, now: day(15, 8, 0), last: day(1, 9, 0), want: day(15, 9, 0)},
		{name: "weekly next friday", p: Weekly{At: At(9, 0, 0), Days: NewWeekdays(time.Monday, time.Friday)}, now: day(15, 8, 0), want: day(17, 9, 0)},
		{name: "weekly same day later", p: Weekly{At: At(18, 0, 0), Days: NewWeekdays(time.Wednesday)}, now: day(15, 8, 0), want: day(15, 18, 0)},
		{name: "weekly wraps a week", p: Weekly{At: At(7, 0, 0), Days: NewWeekdays(time.Wednesday)}, now: day(15, 8, 0), last: day(15, 7, 0), want: day(22, 7, 0)},
		{name: "cron", p: Cron{Expr: "*/5 * * * *"}, now: day(15, 8, 2), want: day(15, 8, 5)},
		{name: "cron descriptor", p: Cron{Expr: "@daily"}, now: day(15, 8, 2), want: day(16, 0, 0)},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := CalcTime(tt.now, tt.last, tt.p)
			if !ok {
				t.Fatalf("CalcTime(%s) reported incomplete", tt.p.Title())
			}
			if !got.Equal(tt.want) {
				t.Fatalf("CalcTime = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTimerKeepsFutureLast(t *testing.T) {
	t.Parallel()
	now := day(15, 12, 0)
	last := now.Add(30 * time.Minute)
	got, ok := CalcTime(now, last, Timer{Amount: 2, Unit: UnitHour})
	if !ok {
		t.Fatal("expected complete timer")
	}
	if !got.Equal(last) {
		t.Fatalf("CalcTime = %v, want %v", got, last)
	}
}

func TestTimerLargeIntervals(t *testing.T) {
	t.Parallel()
	now := day(15, 12, 0)
	maxHours := Timer{Amount: UnitHour.MaxAmount(), Unit: UnitHour}
	if !maxHours.Complete() {
		t.Fatal("largest representable interval should be complete")
	}
	got, ok := CalcTime(now, time.Time{}, maxHours)
	if !ok || !got.After(now) {
		t.Fatalf("CalcTime = %v, %v; want a time after now", got, ok)
	}

	// a minute timer last run ten years ago catches up without stepping through every minute
	last := now.AddDate(-10, 0, 0).Add(30 * time.Second)
	got, ok = CalcTime(now, last, Timer{Amount: 1, Unit: UnitMinute})
	if !ok {
		t.Fatal("expected complete timer")
	}
	if want := now.Add(30 * time.Second); !got.Equal(want) {
		t.Fatalf("CalcTime = %v, want %v", got, want)
	}
}

func TestTimerIsNotNowPlusInterval(t *testing.T) {
	t.Parallel()
	now := day(15, 12, 0)
	last := now.Add(-5 * time.Hour)
	got, ok := CalcTime(now, last, Timer{Amount: 2, Unit: UnitHour})
	if !ok {
		t.Fatal("expected complete timer")
	}
	if want := last.Add(6 * time.Hour); !got.Equal(want) {
		t.Fatalf("CalcTime = %v, want %v", got, want)
	}
}

func TestCalcTimeIncomplete(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		p    Params
	}{
		{name: "nil", p: nil},
		{name: "timer zero amount", p: Timer{Unit: UnitHour}},
		{name: "timer negative amount", p: Timer{Amount: -1, Unit: UnitHour}},
		{name: "timer no unit", p: Timer{Amount: 3}},
		{name: "timer interval overflows", p: Timer{Amount: 3_000_000, Unit: UnitHour}},
		{name: "timer minutes overflow", p: Timer{Amount: UnitMinute.MaxAmount() + 1, Unit: UnitMinute}},
		{name: "daily no time", p: Daily{}},
		{name: "weekly no days", p: Weekly{At: At(9, 0, 0)}},
		{name: "weekly no time", p: Weekly{Days: Workdays}},
		{name: "cron empty", p: Cron{}},
		{name: "cron garbage", p: Cron{Expr: "every tuesday"}},
	}
	for _, tt := range tests {
		if got, ok := CalcTime(day(15, 8, 0), time.Time{}, tt.p); ok {
			t.Fatalf("%s: CalcTime = %v, want incomplete", tt.name, got)
		}
		if tt.p != nil && tt.p.Complete() {
			t.Fatalf("%s: Complete() = true", tt.name)
		}
	}
}

func TestCalcTimeAlwaysAfterNow(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(42))
	params := []Params{
		Timer{Amount: 3, Unit: UnitMinute},
		Timer{Amount: 7, Unit: UnitHour},
		Daily{At: At(0, 0, 0)},
		Daily{At: At(13, 37, 12)},
		Weekly{At: At(6, 30, 0), Days: Weekend},
		Weekly{At: At(23, 0, 0), Days: NewWeekdays(time.Tuesday)},
		Cron{Expr: "0 */2 * * *"},
	}
	base := day(1, 0, 0)
	for i := 0; i < 500; i++ {
		now := base.Add(time.Duration(rng.Int63n(int64(60 * 24 * time.Hour))))
		var last time.Time
		if rng.Intn(3) > 0 {
			last = now.Add(-time.Duration(rng.Int63n(int64(10 * 24 * time.Hour))))
		}
		for _, p := range params {
			got, ok := CalcTime(now, last, p)
			if !ok {
				t.Fatalf("%s: unexpected incomplete", p.Title())
			}
			if !got.After(now) {
				t.Fatalf("%s: CalcTime(now=%v, last=%v) = %v, not after now", p.Title(), now, last, got)
			}
		}
	}
}

func TestDailyAcrossDSTKeepsClockTime(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// Clocks jump 02:00 -> 03:00 on 2024-03-31.
	now := time.Date(2024, time.March, 30, 10, 0, 0, 0, loc)
	last := time.Date(2024, time.March, 30, 9, 0, 0, 0, loc)
	got, ok := CalcTime(now, last, Daily{At: At(9, 0, 0)})
	if !ok {
		t.Fatal("expected complete daily")
	}
	if got.Hour() != 9 || got.Day() != 31 {
		t.Fatalf("CalcTime = %v, want 2024-03-31 09:00 local", got)
	}
	if got.Sub(last) != 23*time.Hour {
		t.Fatalf("expected a 23h day, got %v", got.Sub(last))
	}
}

func TestParse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want Params
	}{
		{raw: "every 2h", want: Timer{Amount: 2, Unit: UnitHour}},
		{raw: "every 15 minutes", want: Timer{Amount: 15, Unit: UnitMinute}},
		{raw: "every 1h30m", want: Timer{Amount: 90, Unit: UnitMinute}},
		{raw: "daily 09:00", want: Daily{At: At(9, 0, 0)}},
		{raw: "Weekly mon,fri 07:15:30", want: Weekly{At: At(7, 15, 30), Days: NewWeekdays(time.Monday, time.Friday)}},
		{raw: "weekly weekend 10:00", want: Weekly{At: At(10, 0, 0), Days: Weekend}},
		{raw: "cron: 0 3 * * *", want: Cron{Expr: "0 3 * * *"}},
		{raw: "@hourly", want: Cron{Expr: "@hourly"}},
	}
	for _, tt := range tests {
		got, err := Parse(tt.raw)
		if err != nil {
			t.Fatalf("Parse(%q) error: %v", tt.raw, err)
		}
		if got != tt.want {
			t.Fatalf("Parse(%q) = %#v, want %#v", tt.raw, got, tt.want)
		}
	}
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "sometimes", "every 30s", "every 3000000h", "every 200000000 minutes", "daily 25:00", "weekly funday 09:00", "cron: nope"} {
		if _, err := Parse(raw); err == nil {
			t.Fatalf("Parse(%q) expected error", raw)
		}
	}
}

func TestTitles(t *testing.T) {
	t.Parallel()
	tests := []struct {
		p    Params
		want string
	}{
		{p: Timer{Amount: 1, Unit: UnitHour}, want: "every hour"},
		{p: Timer{Amount: 3, Unit: UnitMinute}, want: "every 3 minutes"},
		{p: Daily{At: At(9, 5, 0)}, want: "daily at 09:05"},
		{p: Weekly{At: At(9, 0, 0), Days: NewWeekdays(time.Sunday, time.Monday)}, want: "weekly Mon,Sun at 09:00"},
		{p: Weekly{}, want: "weekly (incomplete)"},
	}
	for _, tt := range tests {
		if got := tt.p.Title(); got != tt.want {
			t.Fatalf("Title() = %q, want %q", got, tt.want)
		}
	}
}
