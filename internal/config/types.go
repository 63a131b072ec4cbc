package config

import (
	"bytes"
	"encoding/json"
)

// Config is the on-disk configuration (YAML or JSON).
//
// Durations are Go duration strings ("2s", "30m"). Zero or omitted values
// fall back to the defaults documented on each field.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Engine    *EngineConfig   `json:"engine,omitempty"`
	Watchdog  WatchdogConfig  `json:"watchdog"`
	Visual    VisualConfig    `json:"visual"`
	Sysmon    SysmonConfig    `json:"sysmon"`
	Process   ProcessConfig   `json:"process"`
	Power     PowerConfig     `json:"power"`
	Desktop   DesktopConfig   `json:"desktop"`
	Telegram  *TelegramConfig `json:"telegram,omitempty"`

	Plugins map[string]PluginConfigRaw `json:"plugins,omitempty"`

	// Tasks are imported into storage on start (upsert by id).
	Tasks []TaskConfig `json:"tasks,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards log lines at or above MinLevel (default "error") to
// the Telegram chat, at most RatePerSec per second.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the task store and execution log backend.
//
//	"storage": { "driver": "sqlite", "path": "./autolauncher.db" }
//
// Drivers: "sqlite", "file" (JSONL directory), "none".
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig controls triggers and the execution gate.
//
// Defaults:
//   - mode: "ask" ("run", "auto", "ask"); legacy auto_mode=true means "auto"
//   - misfire_grace: 5m
//   - recovery_delay: 2m
//   - postpone_delay: 30m
//   - ask_idle_threshold: 60s
//   - ask_timeout: 10m (unanswered permission requests are postponed)
//   - wake_refresh: 4h
//   - cleanup_interval: 60s
//   - sleep_abort_window: 60s
//   - woke_for_task_window: 15m
//   - prewake_hold_timeout: 30m
type SchedulerConfig struct {
	Mode     string `json:"mode,omitempty"`
	AutoMode *bool  `json:"auto_mode,omitempty"`
	Timezone string `json:"timezone,omitempty"`

	MisfireGrace       string `json:"misfire_grace,omitempty"`
	RecoveryDelay      string `json:"recovery_delay,omitempty"`
	PostponeDelay      string `json:"postpone_delay,omitempty"`
	AskIdleThreshold   string `json:"ask_idle_threshold,omitempty"`
	AskTimeout         string `json:"ask_timeout,omitempty"`
	WakeRefresh        string `json:"wake_refresh,omitempty"`
	CleanupInterval    string `json:"cleanup_interval,omitempty"`
	SleepAbortWindow   string `json:"sleep_abort_window,omitempty"`
	WokeForTaskWindow  string `json:"woke_for_task_window,omitempty"`
	PrewakeHoldTimeout string `json:"prewake_hold_timeout,omitempty"`
}

// EngineConfig sizes the dispatch engine. Defaults: workers 2, queue 64.
type EngineConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`
}

// WatchdogConfig tunes stuck/dialog detection.
//
// Defaults: poll 2s, window 120s, initial_wait 2s, content_scan_every 10,
// restart_wait 5s, rerun_delay 30s, visual_fix_window 60s, max_retries 3,
// max_dialog_failures 3, max_controls 50, control_timeout 1s,
// ocr_timeout 5s, confirm_key "Return", global_fallback true.
// Empty keyword lists use the built-in sets.
type WatchdogConfig struct {
	Disabled          bool   `json:"disabled,omitempty"`
	PollInterval      string `json:"poll_interval,omitempty"`
	Window            string `json:"window,omitempty"`
	InitialWait       string `json:"initial_wait,omitempty"`
	ContentScanEvery  int    `json:"content_scan_every,omitempty"`
	RestartWait       string `json:"restart_wait,omitempty"`
	RerunDelay        string `json:"rerun_delay,omitempty"`
	VisualFixWindow   string `json:"visual_fix_window,omitempty"`
	MaxRetries        int    `json:"max_retries,omitempty"`
	MaxDialogFailures int    `json:"max_dialog_failures,omitempty"`
	MaxControls       int    `json:"max_controls,omitempty"`
	ControlTimeout    string `json:"control_timeout,omitempty"`
	OCRTimeout        string `json:"ocr_timeout,omitempty"`
	ConfirmKey        string `json:"confirm_key,omitempty"`
	GlobalFallback    *bool  `json:"global_fallback,omitempty"`

	StuckKeywords   []string `json:"stuck_keywords,omitempty"`
	ContentKeywords []string `json:"content_keywords,omitempty"`
	DialogKeywords  []string `json:"dialog_keywords,omitempty"`
	ButtonLabels    []string `json:"button_labels,omitempty"`
	LauncherHints   []string `json:"launcher_hints,omitempty"`
}

// VisualConfig controls the template-matching fallback.
//
// Defaults: window 2m, interval 5s, confidence 0.8, guard_delay 100ms,
// guard_threshold 10 (px), press_hold 150ms.
type VisualConfig struct {
	Enabled        bool     `json:"enabled"`
	TemplatesDir   string   `json:"templates_dir,omitempty"`
	Window         string   `json:"window,omitempty"`
	Interval       string   `json:"interval,omitempty"`
	Confidence     float64  `json:"confidence,omitempty"`
	GuardDelay     string   `json:"guard_delay,omitempty"`
	GuardThreshold int      `json:"guard_threshold,omitempty"`
	PressHold      string   `json:"press_hold,omitempty"`
	TitleAllow     []string `json:"title_allow,omitempty"`
}

// SysmonConfig controls the busy signal used by auto mode.
//
// Defaults: cpu 50, ram 80, gpu 50 (gpu only when gpu_enabled),
// sample 1s, blocklist_file "<config dir>/blocklist.txt".
type SysmonConfig struct {
	CPUThreshold  float64  `json:"cpu_threshold,omitempty"`
	RAMThreshold  float64  `json:"ram_threshold,omitempty"`
	GPUThreshold  float64  `json:"gpu_threshold,omitempty"`
	GPUEnabled    bool     `json:"gpu_enabled,omitempty"`
	Sample        string   `json:"sample,omitempty"`
	Blocklist     []string `json:"blocklist,omitempty"`
	BlocklistFile string   `json:"blocklist_file,omitempty"`
}

// ProcessConfig tunes launch discovery and tree termination.
//
// Defaults: discovery_timeout 8s, discovery_poll 200ms, hint_max_age 30s,
// early_exit_after 3s, adopt_interval 1s, child_grace 3s, root_grace 2s.
type ProcessConfig struct {
	DiscoveryTimeout string   `json:"discovery_timeout,omitempty"`
	DiscoveryPoll    string   `json:"discovery_poll,omitempty"`
	HintMaxAge       string   `json:"hint_max_age,omitempty"`
	EarlyExitAfter   string   `json:"early_exit_after,omitempty"`
	AdoptInterval    string   `json:"adopt_interval,omitempty"`
	ChildGrace       string   `json:"child_grace,omitempty"`
	RootGrace        string   `json:"root_grace,omitempty"`
	Noise            []string `json:"noise,omitempty"`
}

// PowerConfig selects the power backend.
//
// Backends: "logind" (default on Linux), "none".
// rtc_path defaults to /sys/class/rtc/rtc0/wakealarm.
type PowerConfig struct {
	Backend string `json:"backend,omitempty"`
	RTCPath string `json:"rtc_path,omitempty"`
}

// DesktopConfig selects the window/input capability backend.
//
// Backends: "x11" (X protocol, AT-SPI, tesseract for OCR), "none".
type DesktopConfig struct {
	Backend    string `json:"backend,omitempty"`
	Display    string `json:"display,omitempty"`
	OCRCommand string `json:"ocr_command,omitempty"`
}

type TelegramConfig struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
	// PollTimeout is a Go duration string; default 10s.
	PollTimeout string `json:"poll_timeout,omitempty"`
	// Events lists execution log event types forwarded to the chat.
	// Default: FAILED, MISSED, AUTO_DISMISSED, STUCK_RESTART_DLG.
	Events []string `json:"events,omitempty"`
}

// TaskConfig seeds a task record. Schedule is "HH:MM" (Once: RFC3339 or
// "2006-01-02 15:04").
type TaskConfig struct {
	ID             int64    `json:"id"`
	Name           string   `json:"name"`
	Target         string   `json:"target"`
	Args           []string `json:"args,omitempty"`
	WorkDir        string   `json:"work_dir,omitempty"`
	Schedule       string   `json:"schedule"`
	Recurrence     string   `json:"recurrence"`
	Weekday        string   `json:"weekday,omitempty"`
	DayOfMonth     int      `json:"day_of_month,omitempty"`
	Enabled        *bool    `json:"enabled,omitempty"`
	WakeEnabled    bool     `json:"wake_enabled,omitempty"`
	PreWakeMinutes int      `json:"pre_wake_minutes,omitempty"`
	SleepAfter     bool     `json:"sleep_after,omitempty"`
	VisualFallback bool     `json:"visual_fallback,omitempty"`
	Mode           string   `json:"mode,omitempty"`
}

type PluginConfigRaw struct {
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON rejects unknown keys inside a plugin block.
func (p *PluginConfigRaw) UnmarshalJSON(b []byte) error {
	type raw struct {
		Enabled bool            `json:"enabled"`
		Config  json.RawMessage `json:"config,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var r raw
	if err := dec.Decode(&r); err != nil {
		return err
	}
	*p = PluginConfigRaw(r)
	return nil
}

// EffectiveMode resolves the execution mode, honoring the legacy auto_mode
// flag when mode is unset.
func (c SchedulerConfig) EffectiveMode() string {
	switch c.Mode {
	case "run", "auto", "ask":
		return c.Mode
	}
	if c.AutoMode != nil && *c.AutoMode {
		return "auto"
	}
	return "ask"
}
