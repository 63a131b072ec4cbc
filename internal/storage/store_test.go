package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"autolauncher/internal/execlog"
	"autolauncher/internal/task"
	logx "autolauncher/pkg/logx"
)

func sampleTask(id int64) task.Task {
	return task.Task{
		ID:             id,
		Name:           "backup",
		Target:         "/usr/bin/rsync",
		Args:           []string{"-a", "/home", "/mnt"},
		ScheduleTime:   time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC),
		Recurrence:     task.Daily,
		Enabled:        true,
		WakeEnabled:    true,
		PreWakeMinutes: 5,
	}
}

func backends(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	out := map[string]Store{"none": NewMemory()}
	for _, driver := range []string{"file", "sqlite"} {
		st, err := Open(Config{Driver: driver, Path: filepath.Join(dir, driver, "al.db")}, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%s) error: %v", driver, err)
		}
		t.Cleanup(func() { _ = st.Close() })
		out[driver] = st
	}
	return out
}

func TestStoreTaskLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			if err := st.UpsertTask(ctx, sampleTask(2)); err != nil {
				t.Fatalf("UpsertTask error: %v", err)
			}
			upd := sampleTask(2)
			upd.Name = "renamed"
			if err := st.UpsertTask(ctx, upd); err != nil {
				t.Fatalf("UpsertTask (update) error: %v", err)
			}
			list, err := st.ListTasks(ctx)
			if err != nil || len(list) != 1 {
				t.Fatalf("ListTasks = %v, %v; want one task", list, err)
			}
			got, err := st.GetTask(ctx, 2)
			if err != nil {
				t.Fatalf("GetTask error: %v", err)
			}
			if got.Name != "renamed" || len(got.Args) != 3 || !got.ScheduleTime.Equal(upd.ScheduleTime) {
				t.Fatalf("GetTask = %+v, want updated record", got)
			}

			until := time.Date(2026, 1, 2, 4, 0, 0, 0, time.UTC)
			if err := st.SetPostponedUntil(ctx, 2, &until); err != nil {
				t.Fatalf("SetPostponedUntil error: %v", err)
			}
			got, _ = st.GetTask(ctx, 2)
			if got.PostponedUntil == nil || !got.PostponedUntil.Equal(until) {
				t.Fatalf("PostponedUntil = %v, want %v", got.PostponedUntil, until)
			}
			if err := st.SetPostponedUntil(ctx, 2, nil); err != nil {
				t.Fatalf("clear PostponedUntil error: %v", err)
			}
			got, _ = st.GetTask(ctx, 2)
			if got.PostponedUntil != nil {
				t.Fatalf("PostponedUntil = %v, want nil", got.PostponedUntil)
			}

			if err := st.SetPostponedUntil(ctx, 99, &until); !errors.Is(err, ErrNotFound) {
				t.Fatalf("SetPostponedUntil(missing) = %v, want ErrNotFound", err)
			}
			if ok, err := st.DeleteTask(ctx, 2); err != nil || !ok {
				t.Fatalf("DeleteTask = %v, %v; want true", ok, err)
			}
			if ok, _ := st.DeleteTask(ctx, 2); ok {
				t.Fatal("DeleteTask twice should report false")
			}
			if _, err := st.GetTask(ctx, 2); !errors.Is(err, ErrNotFound) {
				t.Fatalf("GetTask after delete = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStoreRecentExecutions(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			for i, typ := range []execlog.EventType{execlog.Started, execlog.Postponed, execlog.Finished} {
				e := execlog.Entry{TaskID: int64(i + 1), TaskName: "t", Type: typ, Details: "d"}
				if err := st.AppendExecution(ctx, e); err != nil {
					t.Fatalf("AppendExecution error: %v", err)
				}
			}
			got, err := st.RecentExecutions(ctx, 2)
			if err != nil {
				t.Fatalf("RecentExecutions error: %v", err)
			}
			if len(got) != 2 || got[0].Type != execlog.Finished || got[1].Type != execlog.Postponed {
				t.Fatalf("RecentExecutions = %+v, want FINISHED then POSTPONED", got)
			}
		})
	}
}

func TestUpsertRejectsInvalidTask(t *testing.T) {
	t.Parallel()
	st := NewMemory()
	bad := sampleTask(1)
	bad.Target = ""
	if err := st.UpsertTask(context.Background(), bad); !errors.Is(err, task.ErrInvalid) {
		t.Fatalf("UpsertTask = %v, want task.ErrInvalid", err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
