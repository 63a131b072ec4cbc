package config

import (
	"errors"
	"fmt"
	"strings"
)

var validRecurrence = map[string]bool{"once": true, "daily": true, "weekly": true, "monthly": true}

// Validate rejects configs that would fail later during component mapping.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	switch cfg.Scheduler.Mode {
	case "", "run", "auto", "ask":
	default:
		errs = append(errs, fmt.Errorf("scheduler.mode: unknown mode %q", cfg.Scheduler.Mode))
	}
	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "sqlite", "file", "none":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
		}
	}
	switch cfg.Power.Backend {
	case "", "logind", "none":
	default:
		errs = append(errs, fmt.Errorf("power.backend: unknown backend %q", cfg.Power.Backend))
	}
	switch cfg.Desktop.Backend {
	case "", "x11", "none":
	default:
		errs = append(errs, fmt.Errorf("desktop.backend: unknown backend %q", cfg.Desktop.Backend))
	}
	if c := cfg.Visual.Confidence; c < 0 || c > 1 {
		errs = append(errs, fmt.Errorf("visual.confidence: %v out of range [0,1]", c))
	}
	if cfg.Telegram != nil && strings.TrimSpace(cfg.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token: required when telegram is configured"))
	}

	durations := map[string]string{
		"scheduler.misfire_grace":        cfg.Scheduler.MisfireGrace,
		"scheduler.recovery_delay":       cfg.Scheduler.RecoveryDelay,
		"scheduler.postpone_delay":       cfg.Scheduler.PostponeDelay,
		"scheduler.ask_idle_threshold":   cfg.Scheduler.AskIdleThreshold,
		"scheduler.ask_timeout":          cfg.Scheduler.AskTimeout,
		"scheduler.wake_refresh":         cfg.Scheduler.WakeRefresh,
		"scheduler.cleanup_interval":     cfg.Scheduler.CleanupInterval,
		"scheduler.sleep_abort_window":   cfg.Scheduler.SleepAbortWindow,
		"scheduler.woke_for_task_window": cfg.Scheduler.WokeForTaskWindow,
		"scheduler.prewake_hold_timeout": cfg.Scheduler.PrewakeHoldTimeout,
		"watchdog.poll_interval":         cfg.Watchdog.PollInterval,
		"watchdog.window":                cfg.Watchdog.Window,
		"watchdog.initial_wait":          cfg.Watchdog.InitialWait,
		"watchdog.restart_wait":          cfg.Watchdog.RestartWait,
		"watchdog.rerun_delay":           cfg.Watchdog.RerunDelay,
		"watchdog.visual_fix_window":     cfg.Watchdog.VisualFixWindow,
		"watchdog.control_timeout":       cfg.Watchdog.ControlTimeout,
		"watchdog.ocr_timeout":           cfg.Watchdog.OCRTimeout,
		"visual.window":                  cfg.Visual.Window,
		"visual.interval":                cfg.Visual.Interval,
		"visual.guard_delay":             cfg.Visual.GuardDelay,
		"visual.press_hold":              cfg.Visual.PressHold,
		"sysmon.sample":                  cfg.Sysmon.Sample,
		"process.discovery_timeout":      cfg.Process.DiscoveryTimeout,
		"process.discovery_poll":         cfg.Process.DiscoveryPoll,
		"process.hint_max_age":           cfg.Process.HintMaxAge,
		"process.early_exit_after":       cfg.Process.EarlyExitAfter,
		"process.adopt_interval":         cfg.Process.AdoptInterval,
		"process.child_grace":            cfg.Process.ChildGrace,
		"process.root_grace":             cfg.Process.RootGrace,
	}
	if cfg.Storage != nil {
		durations["storage.busy_timeout"] = cfg.Storage.BusyTimeout
	}
	if cfg.Telegram != nil {
		durations["telegram.poll_timeout"] = cfg.Telegram.PollTimeout
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	seen := map[int64]bool{}
	for i, t := range cfg.Tasks {
		where := fmt.Sprintf("tasks[%d]", i)
		if t.ID <= 0 {
			errs = append(errs, fmt.Errorf("%s.id: must be > 0", where))
		} else if seen[t.ID] {
			errs = append(errs, fmt.Errorf("%s.id: duplicate id %d", where, t.ID))
		}
		seen[t.ID] = true
		if strings.TrimSpace(t.Target) == "" {
			errs = append(errs, fmt.Errorf("%s.target: required", where))
		}
		if !validRecurrence[strings.ToLower(t.Recurrence)] {
			errs = append(errs, fmt.Errorf("%s.recurrence: unknown recurrence %q", where, t.Recurrence))
		}
		if t.PreWakeMinutes < 0 {
			errs = append(errs, fmt.Errorf("%s.pre_wake_minutes: must be >= 0", where))
		}
	}
	return errors.Join(errs...)
}
