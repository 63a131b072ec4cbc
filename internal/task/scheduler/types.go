package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"

	"autolauncher/internal/power"
	"autolauncher/internal/procsup"
	"autolauncher/internal/task"
	"autolauncher/internal/watchdog"
)

var (
	// ErrPastTrigger rejects a once task whose instant already passed.
	ErrPastTrigger = errors.New("scheduler: trigger time is in the past")
	// ErrDisabled rejects a task whose Enabled flag is off.
	ErrDisabled = errors.New("scheduler: task is disabled")
	// ErrNotFound is returned when no job or pending request matches.
	ErrNotFound = errors.New("scheduler: not found")
)

// Config holds the scheduler timings. Zero values use the defaults below.
type Config struct {
	// Mode is the global gate policy; tasks may override it.
	Mode     task.Mode
	Timezone string

	MisfireGrace       time.Duration // 5m
	RecoveryDelay      time.Duration // 2m
	PostponeDelay      time.Duration // 30m
	RestoreDelay       time.Duration // 5m, for postponements that expired while down
	AskIdleThreshold   time.Duration // 60s
	AskTimeout         time.Duration // 10m
	WakeRefresh        time.Duration // 4h
	CleanupInterval    time.Duration // 60s
	DriftThreshold     time.Duration // 30s
	SleepAbortWindow   time.Duration // 60s
	WokeForTaskWindow  time.Duration // 15m
	PrewakeHoldTimeout time.Duration // 30m
}

func (c Config) withDefaults() Config {
	def := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	switch c.Mode {
	case task.ModeRun, task.ModeAuto, task.ModeAsk:
	default:
		c.Mode = task.ModeAsk
	}
	def(&c.MisfireGrace, 5*time.Minute)
	def(&c.RecoveryDelay, 2*time.Minute)
	def(&c.PostponeDelay, 30*time.Minute)
	def(&c.RestoreDelay, 5*time.Minute)
	def(&c.AskIdleThreshold, time.Minute)
	def(&c.AskTimeout, 10*time.Minute)
	def(&c.WakeRefresh, 4*time.Hour)
	def(&c.CleanupInterval, time.Minute)
	def(&c.DriftThreshold, 30*time.Second)
	def(&c.SleepAbortWindow, time.Minute)
	def(&c.WokeForTaskWindow, 15*time.Minute)
	def(&c.PrewakeHoldTimeout, 30*time.Minute)
	return c
}

// Launcher starts a task target. *procsup.Supervisor implements it.
type Launcher interface {
	Launch(ctx context.Context, spec procsup.LaunchSpec) (*procsup.Instance, error)
}

// Power is the wake and sleep surface. *power.Coordinator implements it.
type Power interface {
	SetWakeTimer(at time.Time) bool
	CancelWakeTimer()
	StartKeepAwake()
	StopKeepAwake()
	WokeRecently(window time.Duration) bool
	SleepAfter(ctx context.Context, window time.Duration, idle power.IdleSource) error
}

// BusyChecker decides the auto gate. *sysmon.Monitor implements it.
type BusyChecker interface {
	IsBusy(ctx context.Context) (bool, string)
}

// IdleSource decides the ask gate and the sleep-after abort.
type IdleSource interface {
	IdleTime(ctx context.Context) (time.Duration, error)
}

// PostponeStore persists the single engine-owned task field.
type PostponeStore interface {
	SetPostponedUntil(ctx context.Context, id int64, until *time.Time) error
}

// Monitor watches a freshly launched instance. *watchdog.Watchdog
// implements it.
type Monitor interface {
	Run(ctx context.Context, t watchdog.Target, r watchdog.Relauncher) watchdog.Result
}

// Visual is a per-run template matcher. *visual.Matcher implements it.
type Visual interface {
	Run(ctx context.Context)
	LastFix() time.Time
}

// Observer receives task lifecycle notifications. Implementations must not
// block for long.
type Observer interface {
	OnTaskStart(ctx context.Context, t task.Task, inst *procsup.Instance)
	OnTaskEnd(ctx context.Context, taskID int64)
}

// Response is the user's answer to a permission request.
type Response string

const (
	RespRun      Response = "run"
	RespPostpone Response = "postpone"
	RespCancel   Response = "cancel"
)

// ParseResponse accepts the callback words used by notifiers.
func ParseResponse(s string) (Response, error) {
	switch r := Response(s); r {
	case RespRun, RespPostpone, RespCancel:
		return r, nil
	}
	return "", errors.New("unknown response " + s)
}

type job struct {
	task    task.Task
	sched   cron.Schedule // nil for once jobs
	entryID cron.EntryID
	timer   *time.Timer
	next    time.Time
	paused  bool
	ver     uint64
}

// oneOff is a follow-up trigger: a retry after postponement, a recovery
// after a misfire or a rerun after a dismissed dialog.
type oneOff struct {
	kind  string
	task  task.Task
	at    time.Time
	timer *time.Timer
	ver   uint64
	// gated one-offs pass through the execution gate again.
	gated bool
}

const (
	kindRetry    = "retry"
	kindRecovery = "recovery"
	kindRerun    = "rerun"
)

type pending struct {
	task     task.Task
	reason   string
	deadline time.Time
	timer    *time.Timer
}

// JobInfo is one entry of Snapshot.
type JobInfo struct {
	TaskID     int64           `json:"task_id"`
	Name       string          `json:"name"`
	Recurrence task.Recurrence `json:"recurrence"`
	Next       time.Time       `json:"next,omitempty"`
	Paused     bool            `json:"paused"`
}

type OneOffInfo struct {
	Kind   string    `json:"kind"`
	TaskID int64     `json:"task_id"`
	Name   string    `json:"name"`
	At     time.Time `json:"at"`
}

type Snapshot struct {
	Started  bool         `json:"started"`
	Timezone string       `json:"timezone"`
	Mode     task.Mode    `json:"mode"`
	Jobs     []JobInfo    `json:"jobs"`
	OneOffs  []OneOffInfo `json:"one_offs"`
	Running  []int64      `json:"running"`
	Pending  []int64      `json:"pending_permission"`
	WakeAt   time.Time    `json:"wake_at,omitempty"`
	WakeTask int64        `json:"wake_task,omitempty"`
}
