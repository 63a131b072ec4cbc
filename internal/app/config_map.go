package app

import (
	"path/filepath"
	"strings"
	"time"

	"autolauncher/internal/config"
	"autolauncher/internal/execlog"
	"autolauncher/internal/notify/telegram"
	"autolauncher/internal/plugin"
	"autolauncher/internal/procsup"
	"autolauncher/internal/sysmon"
	"autolauncher/internal/task"
	"autolauncher/internal/task/engine"
	"autolauncher/internal/task/scheduler"
	"autolauncher/internal/visual"
	"autolauncher/internal/watchdog"
	logx "autolauncher/pkg/logx"
)

func mapLogConfig(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    c.Alert.Enabled,
			MinLevel:   c.Alert.MinLevel,
			RatePerSec: c.Alert.RatePerSec,
		},
	}
}

func mapEngineConfig(cfg *config.Config) engine.Config {
	ec := engine.Config{Workers: 2, QueueSize: 64}
	if cfg != nil && cfg.Engine != nil {
		if cfg.Engine.Workers > 0 {
			ec.Workers = cfg.Engine.Workers
		}
		if cfg.Engine.QueueSize > 0 {
			ec.QueueSize = cfg.Engine.QueueSize
		}
	}
	return ec
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	var d config.Durations
	out := scheduler.Config{
		Mode:               task.Mode(sc.EffectiveMode()),
		Timezone:           strings.TrimSpace(sc.Timezone),
		MisfireGrace:       d.Get("scheduler.misfire_grace", sc.MisfireGrace, 5*time.Minute),
		RecoveryDelay:      d.Get("scheduler.recovery_delay", sc.RecoveryDelay, 2*time.Minute),
		PostponeDelay:      d.Get("scheduler.postpone_delay", sc.PostponeDelay, 30*time.Minute),
		AskIdleThreshold:   d.Get("scheduler.ask_idle_threshold", sc.AskIdleThreshold, time.Minute),
		AskTimeout:         d.Get("scheduler.ask_timeout", sc.AskTimeout, 10*time.Minute),
		WakeRefresh:        d.Get("scheduler.wake_refresh", sc.WakeRefresh, 4*time.Hour),
		CleanupInterval:    d.Get("scheduler.cleanup_interval", sc.CleanupInterval, time.Minute),
		SleepAbortWindow:   d.Get("scheduler.sleep_abort_window", sc.SleepAbortWindow, time.Minute),
		WokeForTaskWindow:  d.Get("scheduler.woke_for_task_window", sc.WokeForTaskWindow, 15*time.Minute),
		PrewakeHoldTimeout: d.Get("scheduler.prewake_hold_timeout", sc.PrewakeHoldTimeout, 30*time.Minute),
	}
	if tz := out.Timezone; tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, err
		}
	}
	return out, d.Err()
}

func mapWatchdogConfig(cfg *config.Config) (watchdog.Config, error) {
	wc := cfg.Watchdog
	var d config.Durations
	out := watchdog.Config{
		PollInterval:      d.Get("watchdog.poll_interval", wc.PollInterval, 0),
		Window:            d.Get("watchdog.window", wc.Window, 0),
		InitialWait:       d.Get("watchdog.initial_wait", wc.InitialWait, 2*time.Second),
		ContentScanEvery:  wc.ContentScanEvery,
		RestartWait:       d.Get("watchdog.restart_wait", wc.RestartWait, 0),
		RerunDelay:        d.Get("watchdog.rerun_delay", wc.RerunDelay, 0),
		VisualFixWindow:   d.Get("watchdog.visual_fix_window", wc.VisualFixWindow, 0),
		MaxRetries:        wc.MaxRetries,
		MaxDialogFailures: wc.MaxDialogFailures,
		MaxControls:       wc.MaxControls,
		ControlTimeout:    d.Get("watchdog.control_timeout", wc.ControlTimeout, 0),
		OCRTimeout:        d.Get("watchdog.ocr_timeout", wc.OCRTimeout, 0),
		ConfirmKey:        wc.ConfirmKey,

		DisableGlobalFallback: wc.GlobalFallback != nil && !*wc.GlobalFallback,

		StuckKeywords:   wc.StuckKeywords,
		ContentKeywords: wc.ContentKeywords,
		DialogKeywords:  wc.DialogKeywords,
		ButtonLabels:    wc.ButtonLabels,
		LauncherHints:   wc.LauncherHints,
	}
	return out, d.Err()
}

func mapVisualConfig(cfg *config.Config) (visual.Config, error) {
	vc := cfg.Visual
	var d config.Durations
	out := visual.Config{
		Window:      d.Get("visual.window", vc.Window, 0),
		Interval:    d.Get("visual.interval", vc.Interval, 0),
		Confidence:  vc.Confidence,
		GuardGap:    d.Get("visual.guard_delay", vc.GuardDelay, 0),
		GuardPixels: vc.GuardThreshold,
		ClickHold:   d.Get("visual.press_hold", vc.PressHold, 0),
		AllowList:   vc.TitleAllow,
	}
	return out, d.Err()
}

// templatesDir defaults to "templates" next to the config file.
func templatesDir(cfg *config.Config, dir string) string {
	if p := strings.TrimSpace(cfg.Visual.TemplatesDir); p != "" {
		return resolvePath(dir, p)
	}
	return filepath.Join(dir, "templates")
}

func mapSysmonConfig(cfg *config.Config, dir string) (sysmon.Config, error) {
	sc := cfg.Sysmon
	var d config.Durations
	out := sysmon.Config{
		CPUThreshold:  sc.CPUThreshold,
		RAMThreshold:  sc.RAMThreshold,
		GPUThreshold:  sc.GPUThreshold,
		GPUEnabled:    sc.GPUEnabled,
		Sample:        d.Get("sysmon.sample", sc.Sample, time.Second),
		Blocklist:     sc.Blocklist,
		BlocklistFile: filepath.Join(dir, "blocklist.txt"),
	}
	if p := strings.TrimSpace(sc.BlocklistFile); p != "" {
		out.BlocklistFile = resolvePath(dir, p)
	}
	return out, d.Err()
}

func mapProcessConfig(cfg *config.Config) (procsup.Config, error) {
	pc := cfg.Process
	var d config.Durations
	out := procsup.Config{
		DiscoveryTimeout: d.Get("process.discovery_timeout", pc.DiscoveryTimeout, 0),
		DiscoveryPoll:    d.Get("process.discovery_poll", pc.DiscoveryPoll, 0),
		HintMaxAge:       d.Get("process.hint_max_age", pc.HintMaxAge, 0),
		EarlyExitAfter:   d.Get("process.early_exit_after", pc.EarlyExitAfter, 0),
		AdoptInterval:    d.Get("process.adopt_interval", pc.AdoptInterval, 0),
		ChildGrace:       d.Get("process.child_grace", pc.ChildGrace, 0),
		RootGrace:        d.Get("process.root_grace", pc.RootGrace, 0),
		Noise:            pc.Noise,
	}
	return out, d.Err()
}

// mapTelegramConfig reports false when no telegram section is present.
func mapTelegramConfig(cfg *config.Config) (telegram.Config, bool, error) {
	if cfg == nil || cfg.Telegram == nil {
		return telegram.Config{}, false, nil
	}
	tc := cfg.Telegram
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", tc.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, false, err
	}
	out := telegram.Config{
		Token:       strings.TrimSpace(tc.Token),
		ChatID:      tc.ChatID,
		PollTimeout: poll,
	}
	for _, e := range tc.Events {
		if e = strings.ToUpper(strings.TrimSpace(e)); e != "" {
			out.Events = append(out.Events, execlog.EventType(e))
		}
	}
	return out, true, nil
}

func pluginSettings(cfg *config.Config) map[string]plugin.Settings {
	out := make(map[string]plugin.Settings, len(cfg.Plugins))
	for id, raw := range cfg.Plugins {
		out[id] = plugin.Settings{Enabled: raw.Enabled, Config: raw.Config}
	}
	return out
}

// validateConfig runs every mapper so a hot reload that would fail during
// apply is rejected before it is committed.
func validateConfig(cfg *config.Config, dir string) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg, dir); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapWatchdogConfig(cfg); err != nil {
		return err
	}
	if _, err := mapVisualConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSysmonConfig(cfg, dir); err != nil {
		return err
	}
	if _, err := mapProcessConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	_, err := tasksFromConfig(cfg, time.Now())
	return err
}
