package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"autolauncher/internal/config"
	"autolauncher/internal/storage"
	"autolauncher/internal/task"
)

// TaskFromConfig converts one seed entry. Recurring schedules are
// anchored relative to now in loc.
func TaskFromConfig(tc config.TaskConfig, loc *time.Location, now time.Time) (task.Task, error) {
	if loc == nil {
		loc = time.Local
	}
	r, err := task.ParseRecurrence(tc.Recurrence)
	if err != nil {
		return task.Task{}, fmt.Errorf("task %d: %w", tc.ID, err)
	}
	var at time.Time
	if r == task.Once {
		at, err = task.ParseInstant(tc.Schedule, loc)
	} else {
		at, err = task.Anchor(now.In(loc), r, tc.Schedule, tc.Weekday, tc.DayOfMonth)
	}
	if err != nil {
		return task.Task{}, fmt.Errorf("task %d: schedule: %w", tc.ID, err)
	}

	mode := task.Mode(strings.ToLower(strings.TrimSpace(tc.Mode)))
	switch mode {
	case "", task.ModeRun, task.ModeAuto, task.ModeAsk:
	default:
		return task.Task{}, fmt.Errorf("task %d: unknown mode %q", tc.ID, tc.Mode)
	}

	t := task.Task{
		ID:             tc.ID,
		Name:           strings.TrimSpace(tc.Name),
		Target:         strings.TrimSpace(tc.Target),
		Args:           tc.Args,
		WorkDir:        tc.WorkDir,
		ScheduleTime:   at,
		Recurrence:     r,
		Enabled:        tc.Enabled == nil || *tc.Enabled,
		WakeEnabled:    tc.WakeEnabled,
		PreWakeMinutes: tc.PreWakeMinutes,
		SleepAfter:     tc.SleepAfter,
		VisualFallback: tc.VisualFallback,
		Mode:           mode,
	}
	if err := t.Validate(); err != nil {
		return task.Task{}, err
	}
	return t, nil
}

func tasksFromConfig(cfg *config.Config, now time.Time) ([]task.Task, error) {
	loc := Location(cfg)
	out := make([]task.Task, 0, len(cfg.Tasks))
	var errs []error
	for _, tc := range cfg.Tasks {
		t, err := TaskFromConfig(tc, loc, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, t)
	}
	return out, errors.Join(errs...)
}

// seedTasks upserts the config seed list. A stored postponement survives
// reseeding since it is engine state, not configuration.
func seedTasks(ctx context.Context, store storage.Store, tasks []task.Task) error {
	for _, t := range tasks {
		if prev, err := store.GetTask(ctx, t.ID); err == nil {
			t.PostponedUntil = prev.PostponedUntil
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if err := store.UpsertTask(ctx, t); err != nil {
			return fmt.Errorf("seed task %d: %w", t.ID, err)
		}
	}
	return nil
}
