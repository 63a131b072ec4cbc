// Package task defines the scheduled task record shared by storage, the
// scheduler and the CLI.
package task

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Recurrence string

const (
	Once    Recurrence = "once"
	Daily   Recurrence = "daily"
	Weekly  Recurrence = "weekly"
	Monthly Recurrence = "monthly"
)

// ParseRecurrence accepts any letter case ("Daily", "daily").
func ParseRecurrence(s string) (Recurrence, error) {
	switch r := Recurrence(strings.ToLower(strings.TrimSpace(s))); r {
	case Once, Daily, Weekly, Monthly:
		return r, nil
	}
	return "", fmt.Errorf("unknown recurrence %q", s)
}

// Mode is the execution gate policy applied when a job fires.
type Mode string

const (
	ModeRun  Mode = "run"
	ModeAuto Mode = "auto"
	ModeAsk  Mode = "ask"
)

// Task is a user-defined scheduled program. The engine treats it as an
// immutable snapshot per execution; PostponedUntil is the only field the
// engine writes back.
type Task struct {
	ID      int64    `json:"id"`
	Name    string   `json:"name"`
	Target  string   `json:"target"`
	Args    []string `json:"args,omitempty"`
	WorkDir string   `json:"work_dir,omitempty"`

	// ScheduleTime is the absolute instant for Once tasks and the anchor for
	// recurring ones (time of day, weekday, day of month).
	ScheduleTime time.Time  `json:"schedule_time"`
	Recurrence   Recurrence `json:"recurrence"`

	Enabled        bool `json:"enabled"`
	WakeEnabled    bool `json:"wake_enabled"`
	PreWakeMinutes int  `json:"pre_wake_minutes"`
	SleepAfter     bool `json:"sleep_after"`
	VisualFallback bool `json:"visual_fallback,omitempty"`

	// Mode overrides the global execution mode when set.
	Mode Mode `json:"mode,omitempty"`

	PostponedUntil *time.Time `json:"postponed_until,omitempty"`
}

var ErrInvalid = errors.New("invalid task")

func (t Task) Validate() error {
	switch {
	case t.ID <= 0:
		return fmt.Errorf("%w: id must be > 0", ErrInvalid)
	case strings.TrimSpace(t.Target) == "":
		return fmt.Errorf("%w: target is empty", ErrInvalid)
	case t.ScheduleTime.IsZero():
		return fmt.Errorf("%w: schedule time is empty", ErrInvalid)
	case t.PreWakeMinutes < 0:
		return fmt.Errorf("%w: pre-wake minutes must be >= 0", ErrInvalid)
	}
	if _, err := ParseRecurrence(string(t.Recurrence)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// DisplayName falls back to the target's base name.
func (t Task) DisplayName() string {
	if n := strings.TrimSpace(t.Name); n != "" {
		return n
	}
	return filepath.Base(t.Target)
}

// PreWake is the lead time before a run at which the machine should wake.
func (t Task) PreWake() time.Duration {
	return time.Duration(t.PreWakeMinutes) * time.Minute
}

// CronSpec renders the recurring trigger as a seconds-aware cron spec
// ("s m h dom month dow"). Once tasks have no spec.
func (t Task) CronSpec() (string, error) {
	at := t.ScheduleTime
	s, m, h := at.Second(), at.Minute(), at.Hour()
	switch t.Recurrence {
	case Daily:
		return fmt.Sprintf("%d %d %d * * *", s, m, h), nil
	case Weekly:
		return fmt.Sprintf("%d %d %d * * %d", s, m, h, int(at.Weekday())), nil
	case Monthly:
		return fmt.Sprintf("%d %d %d %d * *", s, m, h, at.Day()), nil
	case Once:
		return "", errors.New("once tasks have no cron spec")
	}
	return "", fmt.Errorf("unknown recurrence %q", t.Recurrence)
}

// ParseClock parses "HH:MM" or "HH:MM:SS".
func ParseClock(s string) (h, m, sec int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, 0, 0, fmt.Errorf("invalid time of day %q (want HH:MM)", s)
	}
	vals := make([]int, 3)
	limits := []int{23, 59, 59}
	for i, p := range parts {
		v, convErr := strconv.Atoi(p)
		if convErr != nil || v < 0 || v > limits[i] {
			return 0, 0, 0, fmt.Errorf("invalid time of day %q", s)
		}
		vals[i] = v
	}
	return vals[0], vals[1], vals[2], nil
}

// ParseWeekday accepts English names, three-letter abbreviations or 0-6
// (Sunday = 0).
func ParseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil && n >= 0 && n <= 6 {
		return time.Weekday(n), nil
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || s == name[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("invalid weekday %q", s)
}

// Anchor builds a ScheduleTime for a recurring task from a time of day plus
// an optional weekday or day of month, relative to now.
func Anchor(now time.Time, r Recurrence, clock string, weekday string, dayOfMonth int) (time.Time, error) {
	h, m, s, err := ParseClock(clock)
	if err != nil {
		return time.Time{}, err
	}
	at := time.Date(now.Year(), now.Month(), now.Day(), h, m, s, 0, now.Location())
	switch r {
	case Weekly:
		if weekday != "" {
			wd, err := ParseWeekday(weekday)
			if err != nil {
				return time.Time{}, err
			}
			at = at.AddDate(0, 0, (int(wd)-int(at.Weekday())+7)%7)
		}
	case Monthly:
		if dayOfMonth != 0 {
			if dayOfMonth < 1 || dayOfMonth > 31 {
				return time.Time{}, fmt.Errorf("invalid day of month %d", dayOfMonth)
			}
			// Use a 31-day month so every day number is representable.
			at = time.Date(2000, time.January, dayOfMonth, h, m, s, 0, now.Location())
		}
	}
	return at, nil
}

// ParseInstant parses a Once schedule: RFC3339 or "2006-01-02 15:04[:05]"
// in loc.
func ParseInstant(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02 15:04", "2006-01-02T15:04"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid instant %q", s)
}
