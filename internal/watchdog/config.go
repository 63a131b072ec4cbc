package watchdog

import "time"

type Config struct {
	PollInterval     time.Duration
	Window           time.Duration
	InitialWait      time.Duration
	ContentScanEvery int
	RestartWait      time.Duration
	RerunDelay       time.Duration
	// VisualFixWindow: an exit this soon after a visual click is treated
	// as an update restart.
	VisualFixWindow   time.Duration
	MaxRetries        int
	MaxDialogFailures int
	MaxControls       int
	ScanParallelism   int
	ControlTimeout    time.Duration
	OCRTimeout        time.Duration
	ConfirmKey        string

	DisableGlobalFallback bool

	StuckKeywords   []string
	ContentKeywords []string
	DialogKeywords  []string
	ButtonLabels    []string
	// LauncherHints are title fragments of windows that may host a dialog
	// without being owned by a tracked pid.
	LauncherHints []string
}

var DefaultStuckKeywords = []string{
	"Update Available",
	"Check for Updates",
	"Restart Required",
	"Setup",
	"Installer",
	"Patching",
	"Updating",
	"New Version",
	"Release Notes",
}

var DefaultContentKeywords = []string{
	"update available",
	"new version available",
	"restart the application",
	"download and install",
	"critical update",
	"patch required",
	"patching progress",
	"setup wizard",
	"update ready",
	"update required",
}

var DefaultDialogKeywords = []string{
	"patching complete",
	"update complete",
	"the game is restarting",
	"installation complete",
	"download complete",
	"ready to play",
	"click to continue",
	"press any key",
	"click ok to continue",
	"notice",
}

var DefaultButtonLabels = []string{
	"Confirm", "OK", "Continue", "Play", "Start",
	"Launch", "Restart", "Close", "Yes", "Accept",
}

var DefaultLauncherHints = []string{"Launcher", "Client"}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.Window <= 0 {
		c.Window = 120 * time.Second
	}
	if c.InitialWait < 0 {
		c.InitialWait = 0
	}
	if c.ContentScanEvery <= 0 {
		c.ContentScanEvery = 10
	}
	if c.RestartWait <= 0 {
		c.RestartWait = 5 * time.Second
	}
	if c.RerunDelay <= 0 {
		c.RerunDelay = 30 * time.Second
	}
	if c.VisualFixWindow <= 0 {
		c.VisualFixWindow = 60 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.MaxDialogFailures <= 0 {
		c.MaxDialogFailures = 3
	}
	if c.MaxControls <= 0 {
		c.MaxControls = 50
	}
	if c.ScanParallelism <= 0 {
		c.ScanParallelism = 4
	}
	if c.ControlTimeout <= 0 {
		c.ControlTimeout = time.Second
	}
	if c.OCRTimeout <= 0 {
		c.OCRTimeout = 5 * time.Second
	}
	if c.ConfirmKey == "" {
		c.ConfirmKey = "Return"
	}
	if len(c.StuckKeywords) == 0 {
		c.StuckKeywords = DefaultStuckKeywords
	}
	if len(c.ContentKeywords) == 0 {
		c.ContentKeywords = DefaultContentKeywords
	}
	if len(c.DialogKeywords) == 0 {
		c.DialogKeywords = DefaultDialogKeywords
	}
	if len(c.ButtonLabels) == 0 {
		c.ButtonLabels = DefaultButtonLabels
	}
	if c.LauncherHints == nil {
		c.LauncherHints = DefaultLauncherHints
	}
	return c
}
