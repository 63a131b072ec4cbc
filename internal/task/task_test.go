package task

import (
	"testing"
	"time"
)

func TestCronSpec(t *testing.T) {
	t.Parallel()
	// 2026-03-04 is a Wednesday.
	at := time.Date(2026, 3, 4, 7, 30, 15, 0, time.UTC)
	tests := []struct {
		r    Recurrence
		want string
	}{
		{r: Daily, want: "15 30 7 * * *"},
		{r: Weekly, want: "15 30 7 * * 3"},
		{r: Monthly, want: "15 30 7 4 * *"},
	}
	for _, tt := range tests {
		got, err := Task{ScheduleTime: at, Recurrence: tt.r}.CronSpec()
		if err != nil {
			t.Fatalf("CronSpec(%s) error: %v", tt.r, err)
		}
		if got != tt.want {
			t.Fatalf("CronSpec(%s) = %q, want %q", tt.r, got, tt.want)
		}
	}
	if _, err := (Task{ScheduleTime: at, Recurrence: Once}).CronSpec(); err == nil {
		t.Fatal("CronSpec(once) should fail")
	}
}

func TestParseRecurrence(t *testing.T) {
	t.Parallel()
	if r, err := ParseRecurrence("Weekly"); err != nil || r != Weekly {
		t.Fatalf("ParseRecurrence(Weekly) = %v, %v", r, err)
	}
	if _, err := ParseRecurrence("hourly"); err == nil {
		t.Fatal("expected error for hourly")
	}
}

func TestParseClock(t *testing.T) {
	t.Parallel()
	h, m, s, err := ParseClock("23:15")
	if err != nil || h != 23 || m != 15 || s != 0 {
		t.Fatalf("ParseClock(23:15) = %d:%d:%d, %v", h, m, s, err)
	}
	for _, bad := range []string{"24:00", "12", "12:60", "a:b"} {
		if _, _, _, err := ParseClock(bad); err == nil {
			t.Fatalf("ParseClock(%q) should fail", bad)
		}
	}
}

func TestAnchor(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC) // Wednesday
	got, err := Anchor(now, Weekly, "08:00", "fri", 0)
	if err != nil {
		t.Fatalf("Anchor error: %v", err)
	}
	if got.Weekday() != time.Friday || got.Hour() != 8 {
		t.Fatalf("Anchor weekly = %v, want Friday 08:00", got)
	}
	got, err = Anchor(now, Monthly, "06:45", "", 31)
	if err != nil {
		t.Fatalf("Anchor monthly error: %v", err)
	}
	if got.Day() != 31 || got.Minute() != 45 {
		t.Fatalf("Anchor monthly = %v, want day 31 06:45", got)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	ok := Task{ID: 1, Target: "/bin/true", ScheduleTime: time.Now(), Recurrence: Daily}
	if err := ok.Validate(); err != nil {
		t.Fatalf("Validate error: %v", err)
	}
	bad := ok
	bad.Recurrence = "yearly"
	if err := bad.Validate(); err == nil {
		t.Fatal("expected invalid recurrence")
	}
}
