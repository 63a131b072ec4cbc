package app

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"autolauncher/internal/config"
	"autolauncher/internal/storage"
	"autolauncher/internal/task"
	"autolauncher/internal/task/scheduler"
)

// Monday.
var monday = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func TestTaskFromConfig(t *testing.T) {
	t.Parallel()

	off := false
	cases := []struct {
		name  string
		in    config.TaskConfig
		check func(t *testing.T, got task.Task)
	}{
		{
			name: "daily",
			in:   config.TaskConfig{ID: 1, Target: "/games/a.sh", Schedule: "07:30", Recurrence: "Daily", PreWakeMinutes: 5},
			check: func(t *testing.T, got task.Task) {
				if got.Recurrence != task.Daily || got.ScheduleTime.Hour() != 7 || got.ScheduleTime.Minute() != 30 {
					t.Fatalf("got %v %v", got.Recurrence, got.ScheduleTime)
				}
				if !got.Enabled {
					t.Fatalf("Enabled = false, want true by default")
				}
				if got.PreWake() != 5*time.Minute {
					t.Fatalf("PreWake = %v, want 5m", got.PreWake())
				}
			},
		},
		{
			name: "weekly",
			in:   config.TaskConfig{ID: 2, Target: "/games/b.sh", Schedule: "20:00", Recurrence: "weekly", Weekday: "fri"},
			check: func(t *testing.T, got task.Task) {
				if got.ScheduleTime.Weekday() != time.Friday {
					t.Fatalf("weekday = %v, want Friday", got.ScheduleTime.Weekday())
				}
			},
		},
		{
			name: "once",
			in:   config.TaskConfig{ID: 3, Target: "/games/c.sh", Schedule: "2026-03-05 08:00", Recurrence: "once", Enabled: &off, Mode: "AUTO"},
			check: func(t *testing.T, got task.Task) {
				want := time.Date(2026, 3, 5, 8, 0, 0, 0, time.UTC)
				if !got.ScheduleTime.Equal(want) {
					t.Fatalf("ScheduleTime = %v, want %v", got.ScheduleTime, want)
				}
				if got.Enabled {
					t.Fatalf("Enabled = true, want false")
				}
				if got.Mode != task.ModeAuto {
					t.Fatalf("Mode = %q, want auto", got.Mode)
				}
			},
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := TaskFromConfig(tc.in, time.UTC, monday)
			if err != nil {
				t.Fatalf("TaskFromConfig: %v", err)
			}
			tc.check(t, got)
		})
	}
}

func TestTaskFromConfigRejects(t *testing.T) {
	t.Parallel()

	cases := map[string]config.TaskConfig{
		"recurrence": {ID: 1, Target: "/x", Schedule: "07:00", Recurrence: "hourly"},
		"clock":      {ID: 1, Target: "/x", Schedule: "25:00", Recurrence: "daily"},
		"instant":    {ID: 1, Target: "/x", Schedule: "tomorrow", Recurrence: "once"},
		"mode":       {ID: 1, Target: "/x", Schedule: "07:00", Recurrence: "daily", Mode: "maybe"},
		"target":     {ID: 1, Schedule: "07:00", Recurrence: "daily"},
	}
	for name, in := range cases {
		if _, err := TaskFromConfig(in, time.UTC, monday); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	_, err := TaskFromConfig(cases["target"], time.UTC, monday)
	if !errors.Is(err, task.ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}

func TestSeedKeepsPostponement(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()

	until := monday.Add(30 * time.Minute)
	old := task.Task{ID: 7, Name: "old", Target: "/x", ScheduleTime: monday, Recurrence: task.Daily, Enabled: true, PostponedUntil: &until}
	if err := store.UpsertTask(ctx, old); err != nil {
		t.Fatalf("UpsertTask: %v", err)
	}

	fresh := old
	fresh.Name = "new"
	fresh.PostponedUntil = nil
	added := task.Task{ID: 8, Target: "/y", ScheduleTime: monday, Recurrence: task.Daily, Enabled: true}
	if err := seedTasks(ctx, store, []task.Task{fresh, added}); err != nil {
		t.Fatalf("seedTasks: %v", err)
	}

	got, err := store.GetTask(ctx, 7)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Name != "new" {
		t.Fatalf("Name = %q, want new", got.Name)
	}
	if got.PostponedUntil == nil || !got.PostponedUntil.Equal(until) {
		t.Fatalf("PostponedUntil = %v, want %v", got.PostponedUntil, until)
	}
	if _, err := store.GetTask(ctx, 8); err != nil {
		t.Fatalf("seeded task missing: %v", err)
	}
}

func TestMapSchedulerConfig(t *testing.T) {
	t.Parallel()

	on := true
	cfg := &config.Config{Scheduler: config.SchedulerConfig{AutoMode: &on, MisfireGrace: "90s"}}
	sc, err := mapSchedulerConfig(cfg)
	if err != nil {
		t.Fatalf("mapSchedulerConfig: %v", err)
	}
	if sc.Mode != task.ModeAuto {
		t.Fatalf("Mode = %q, want auto", sc.Mode)
	}
	if sc.MisfireGrace != 90*time.Second {
		t.Fatalf("MisfireGrace = %v, want 90s", sc.MisfireGrace)
	}
	if sc.PostponeDelay != 30*time.Minute || sc.AskTimeout != 10*time.Minute {
		t.Fatalf("defaults not applied: %+v", sc)
	}

	cfg.Scheduler.RecoveryDelay = "soon"
	if _, err := mapSchedulerConfig(cfg); err == nil || !strings.Contains(err.Error(), "scheduler.recovery_delay") {
		t.Fatalf("err = %v, want recovery_delay error", err)
	}
	cfg.Scheduler.RecoveryDelay = ""
	cfg.Scheduler.Timezone = "Mars/Olympus"
	if _, err := mapSchedulerConfig(cfg); err == nil {
		t.Fatalf("expected timezone error")
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	dir := "/etc/autolauncher"

	sc, err := mapStorageConfig(&config.Config{}, dir)
	if err != nil || sc.Driver != "sqlite" || sc.Path != filepath.Join(dir, defaultDBName) {
		t.Fatalf("default = %+v, %v", sc, err)
	}

	sc, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "SQLite", Path: "db/tasks.db"}}, dir)
	if err != nil || sc.Path != filepath.Join(dir, "db/tasks.db") {
		t.Fatalf("relative = %+v, %v", sc, err)
	}

	sc, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "none"}}, dir)
	if err != nil || sc.Driver != "none" {
		t.Fatalf("none = %+v, %v", sc, err)
	}

	if _, err := mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "sqlite"}}, dir); err == nil {
		t.Fatalf("expected error for sqlite without path")
	}
}

func TestMapWatchdogConfig(t *testing.T) {
	t.Parallel()

	off := false
	wc, err := mapWatchdogConfig(&config.Config{Watchdog: config.WatchdogConfig{GlobalFallback: &off, Window: "45s"}})
	if err != nil {
		t.Fatalf("mapWatchdogConfig: %v", err)
	}
	if !wc.DisableGlobalFallback {
		t.Fatalf("DisableGlobalFallback = false, want true")
	}
	if wc.Window != 45*time.Second || wc.InitialWait != 2*time.Second {
		t.Fatalf("Window = %v InitialWait = %v", wc.Window, wc.InitialWait)
	}
}

func TestMapTelegramConfig(t *testing.T) {
	t.Parallel()

	if _, ok, _ := mapTelegramConfig(&config.Config{}); ok {
		t.Fatalf("telegram enabled without a section")
	}
	tc, ok, err := mapTelegramConfig(&config.Config{Telegram: &config.TelegramConfig{Token: " t ", ChatID: 42, Events: []string{"failed", " missed"}}})
	if err != nil || !ok {
		t.Fatalf("mapTelegramConfig: ok=%v err=%v", ok, err)
	}
	if tc.Token != "t" || tc.PollTimeout != 10*time.Second {
		t.Fatalf("got %+v", tc)
	}
	if len(tc.Events) != 2 || tc.Events[0] != "FAILED" || tc.Events[1] != "MISSED" {
		t.Fatalf("Events = %v", tc.Events)
	}
}

func TestChangedSections(t *testing.T) {
	t.Parallel()

	a := &config.Config{Scheduler: config.SchedulerConfig{Mode: "ask"}}
	b := &config.Config{Scheduler: config.SchedulerConfig{Mode: "run"}, Tasks: []config.TaskConfig{{ID: 1}}}
	got := changedSections(a, b)
	if strings.Join(got, ",") != "scheduler,tasks" {
		t.Fatalf("changedSections = %v", got)
	}
	if len(changedSections(a, a)) != 0 {
		t.Fatalf("identical configs reported changes")
	}
	if !contains(changedSections(nil, b), "tasks") {
		t.Fatalf("nil previous config should change everything")
	}
}

func TestPreview(t *testing.T) {
	t.Parallel()

	now := time.Now()
	at := now.Add(2 * time.Hour).Truncate(time.Second)
	tasks := []task.Task{
		{ID: 1, Target: "/a", ScheduleTime: now.Add(-time.Hour), Recurrence: task.Once, Enabled: true},
		{ID: 2, Target: "/b", ScheduleTime: at, Recurrence: task.Once, Enabled: true, WakeEnabled: true, PreWakeMinutes: 10},
		{ID: 3, Target: "/c", ScheduleTime: at, Recurrence: task.Daily, Enabled: false},
	}
	p, err := Preview(&config.Config{}, tasks)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if len(p.Entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(p.Entries))
	}
	first := p.Entries[0]
	if first.Task.ID != 2 || first.Skipped != "" || !first.Next.Equal(at) {
		t.Fatalf("first entry = %+v", first)
	}
	for _, e := range p.Entries[1:] {
		if e.Skipped == "" {
			t.Fatalf("task %d should be skipped", e.Task.ID)
		}
	}
	if !strings.Contains(p.Entries[1].Skipped+p.Entries[2].Skipped, scheduler.ErrDisabled.Error()) {
		t.Fatalf("disabled reason missing: %+v", p.Entries[1:])
	}
	if !p.HasWake || p.WakeTask.ID != 2 || !p.WakeAt.Equal(at.Add(-10*time.Minute)) {
		t.Fatalf("wake plan = %v %d %v", p.WakeAt, p.WakeTask.ID, p.HasWake)
	}
}
