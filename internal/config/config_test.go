package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  mode: auto
  postpone_delay: 30m
watchdog:
  poll_interval: 2s
  stuck_keywords: ["Update Available"]
tasks:
  - id: 1
    name: backup
    target: /usr/bin/true
    schedule: "03:00"
    recurrence: daily
    wake_enabled: true
    pre_wake_minutes: 5
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if cfg.Scheduler.Mode != "auto" {
		t.Fatalf("Mode = %q, want auto", cfg.Scheduler.Mode)
	}
	if len(cfg.Tasks) != 1 || cfg.Tasks[0].PreWakeMinutes != 5 {
		t.Fatalf("Tasks = %+v, want one task with pre_wake_minutes 5", cfg.Tasks)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate error: %v", err)
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	_, err := Decode("config.yaml", []byte("scheduler:\n  bogus: 1\n"))
	if err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestDecodeRejectsTrailingJSON(t *testing.T) {
	t.Parallel()
	_, err := Decode("config.json", []byte(`{} {}`))
	if err == nil {
		t.Fatal("expected trailing data error")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "empty ok", cfg: Config{}},
		{name: "bad mode", cfg: Config{Scheduler: SchedulerConfig{Mode: "sometimes"}}, wantErr: "scheduler.mode"},
		{name: "bad duration", cfg: Config{Watchdog: WatchdogConfig{PollInterval: "soon"}}, wantErr: "watchdog.poll_interval"},
		{name: "bad recurrence", cfg: Config{Tasks: []TaskConfig{{ID: 1, Target: "x", Recurrence: "hourly"}}}, wantErr: "recurrence"},
		{name: "duplicate id", cfg: Config{Tasks: []TaskConfig{
			{ID: 1, Target: "x", Recurrence: "daily"},
			{ID: 1, Target: "y", Recurrence: "daily"},
		}}, wantErr: "duplicate id"},
		{name: "confidence", cfg: Config{Visual: VisualConfig{Confidence: 1.5}}, wantErr: "visual.confidence"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&tt.cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestEffectiveMode(t *testing.T) {
	t.Parallel()
	yes := true
	tests := []struct {
		cfg  SchedulerConfig
		want string
	}{
		{cfg: SchedulerConfig{}, want: "ask"},
		{cfg: SchedulerConfig{AutoMode: &yes}, want: "auto"},
		{cfg: SchedulerConfig{Mode: "run", AutoMode: &yes}, want: "run"},
	}
	for _, tt := range tests {
		if got := tt.cfg.EffectiveMode(); got != tt.want {
			t.Fatalf("EffectiveMode(%+v) = %q, want %q", tt.cfg, got, tt.want)
		}
	}
}

func TestDurations(t *testing.T) {
	t.Parallel()
	var d Durations
	if got := d.Get("a", "", 3*time.Second); got != 3*time.Second {
		t.Fatalf("default = %v, want 3s", got)
	}
	if got := d.Get("b", "250ms", time.Second); got != 250*time.Millisecond {
		t.Fatalf("parsed = %v, want 250ms", got)
	}
	d.Get("c", "nope", time.Second)
	d.Get("d", "-1s", time.Second)
	if d.Err() == nil || !strings.Contains(d.Err().Error(), "c:") {
		t.Fatalf("Err = %v, want first error for key c", d.Err())
	}
}

func TestWatchPublishesReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("scheduler:\n  mode: run\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte("scheduler:\n  mode: auto\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-ch:
		if cfg.Scheduler.Mode != "auto" {
			t.Fatalf("reloaded mode = %q, want auto", cfg.Scheduler.Mode)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload published")
	}
}
