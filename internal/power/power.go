// Package power coordinates OS sleep and wake for scheduled tasks.
//
// The Coordinator owns the reference-counted keep-awake hold and the single
// hardware wake alarm. OS specifics live behind Backend.
package power

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logx "autolauncher/pkg/logx"
)

var (
	ErrUnsupported = errors.New("power: not supported on this system")
	// ErrWakeTimer is returned (wrapped) when the wake alarm cannot be armed.
	ErrWakeTimer = errors.New("power: wake timer not armed")
	// ErrUserActive aborts a sleep request because input was seen.
	ErrUserActive = errors.New("power: user input during sleep window")
	// ErrHeld aborts a sleep request while keep-awake holds exist.
	ErrHeld = errors.New("power: keep-awake hold active")
	// ErrNoIdleHint means the session has not flagged itself idle yet, so
	// the time since the last input is unknown.
	ErrNoIdleHint = errors.New("power: session idle hint not set")
)

// WakeInfo describes the most recent resume.
type WakeInfo struct {
	WakeTime   time.Time `json:"wake_time"`
	WakeSource string    `json:"wake_source"` // "rtc", "user" or "" when unknown
}

// Backend is the OS capability set.
type Backend interface {
	SetWakeAlarm(at time.Time) error
	ClearWakeAlarm() error
	// Inhibit blocks idle sleep until release is called.
	Inhibit(why string) (release func() error, err error)
	Suspend(ctx context.Context) error
	LastWake() WakeInfo
}

// IdleSource reports time since the last user input.
type IdleSource interface {
	IdleTime(ctx context.Context) (time.Duration, error)
}

type Coordinator struct {
	backend Backend
	log     logx.Logger
	now     func() time.Time

	holdMu  sync.Mutex
	holds   int
	release func() error

	alarmMu sync.Mutex
	armedAt time.Time
}

func NewCoordinator(b Backend, log logx.Logger) *Coordinator {
	if b == nil {
		b = NoopBackend{}
	}
	return &Coordinator{backend: b, log: log, now: time.Now}
}

// SetWakeTimer arms the hardware wake alarm. It returns false when the
// backend could not arm it; scheduling continues without the guarantee.
// The alarm is written even when at is already armed: firmware and other
// tools clear it without telling us.
func (c *Coordinator) SetWakeTimer(at time.Time) bool {
	c.alarmMu.Lock()
	defer c.alarmMu.Unlock()
	if err := c.backend.SetWakeAlarm(at); err != nil {
		c.log.Warn("wake timer not armed", logx.Time("at", at), logx.Err(fmt.Errorf("%w: %v", ErrWakeTimer, err)))
		c.armedAt = time.Time{}
		return false
	}
	if !c.armedAt.Equal(at) {
		c.log.Debug("wake timer armed", logx.Time("at", at))
	}
	c.armedAt = at
	return true
}

func (c *Coordinator) CancelWakeTimer() {
	c.alarmMu.Lock()
	defer c.alarmMu.Unlock()
	if err := c.backend.ClearWakeAlarm(); err != nil && !errors.Is(err, ErrUnsupported) {
		c.log.Warn("wake timer cancel failed", logx.Err(err))
	}
	c.armedAt = time.Time{}
}

// ArmedAt returns the currently armed wake instant (zero if none).
func (c *Coordinator) ArmedAt() time.Time {
	c.alarmMu.Lock()
	defer c.alarmMu.Unlock()
	return c.armedAt
}

// StartKeepAwake takes one hold. The OS inhibitor is acquired on the first
// hold only.
func (c *Coordinator) StartKeepAwake() {
	c.holdMu.Lock()
	defer c.holdMu.Unlock()
	c.holds++
	if c.holds != 1 {
		return
	}
	rel, err := c.backend.Inhibit("scheduled task pending")
	if err != nil {
		c.log.Warn("keep-awake inhibit failed", logx.Err(err))
		return
	}
	c.release = rel
	c.log.Debug("keep-awake started")
}

// StopKeepAwake drops one hold; the inhibitor is released when the count
// returns to zero. Extra calls are ignored.
func (c *Coordinator) StopKeepAwake() {
	c.holdMu.Lock()
	defer c.holdMu.Unlock()
	if c.holds == 0 {
		return
	}
	c.holds--
	if c.holds != 0 {
		return
	}
	if c.release != nil {
		if err := c.release(); err != nil {
			c.log.Warn("keep-awake release failed", logx.Err(err))
		}
		c.release = nil
	}
	c.log.Debug("keep-awake stopped")
}

// Holds returns the current keep-awake reference count.
func (c *Coordinator) Holds() int {
	c.holdMu.Lock()
	defer c.holdMu.Unlock()
	return c.holds
}

// EnterSleepMode suspends immediately unless keep-awake holds exist.
func (c *Coordinator) EnterSleepMode(ctx context.Context) error {
	if n := c.Holds(); n > 0 {
		return fmt.Errorf("%w (%d)", ErrHeld, n)
	}
	c.log.Info("entering sleep mode")
	return c.backend.Suspend(ctx)
}

func (c *Coordinator) LastWakeInfo() WakeInfo { return c.backend.LastWake() }

// WokeRecently reports whether the last resume happened within window, or
// was caused by the wake alarm.
func (c *Coordinator) WokeRecently(window time.Duration) bool {
	info := c.backend.LastWake()
	if info.WakeTime.IsZero() {
		return false
	}
	if info.WakeSource == "rtc" {
		return true
	}
	return c.now().Sub(info.WakeTime) < window
}

// SleepAfter watches input activity for window and suspends when none was
// seen. It returns ErrUserActive if the user touched the device, ErrHeld if
// a keep-awake hold appeared and ctx.Err() on cancellation.
func (c *Coordinator) SleepAfter(ctx context.Context, window time.Duration, idle IdleSource) error {
	start := c.now()
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	deadline := time.NewTimer(window)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if idle == nil {
				continue
			}
			d, err := idle.IdleTime(ctx)
			if err != nil {
				continue
			}
			// Input happened after we started watching.
			if d+time.Second < c.now().Sub(start) {
				c.log.Info("sleep aborted: user active", logx.Duration("idle", d))
				return ErrUserActive
			}
		case <-deadline.C:
			return c.EnterSleepMode(ctx)
		}
	}
}

// NoopBackend is used when power management is disabled.
type NoopBackend struct{}

func (NoopBackend) SetWakeAlarm(time.Time) error { return ErrUnsupported }
func (NoopBackend) ClearWakeAlarm() error        { return nil }
func (NoopBackend) Inhibit(string) (func() error, error) {
	return func() error { return nil }, nil
}
func (NoopBackend) Suspend(context.Context) error { return ErrUnsupported }
func (NoopBackend) LastWake() WakeInfo            { return WakeInfo{} }

// idleFromHint turns logind's IdleHint/IdleSinceHint (µs since epoch) into
// an idle duration. The desktop sets the hint only after its own idle
// delay, so an unset hint carries no information. The result is a lower
// bound on the real idle time.
func idleFromHint(hint bool, sinceMicros uint64, now time.Time) (time.Duration, error) {
	if !hint || sinceMicros == 0 {
		return 0, ErrNoIdleHint
	}
	d := now.Sub(time.UnixMicro(int64(sinceMicros)))
	if d < 0 {
		d = 0
	}
	return d, nil
}
