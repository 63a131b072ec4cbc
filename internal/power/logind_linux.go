//go:build linux

package power

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/login1"
	"github.com/godbus/dbus/v5"

	logx "autolauncher/pkg/logx"
)

const (
	DefaultRTCPath = "/sys/class/rtc/rtc0/wakealarm"

	logindDest   = "org.freedesktop.login1"
	logindPath   = dbus.ObjectPath("/org/freedesktop/login1")
	logindIface  = "org.freedesktop.login1.Manager"
	rtcWakeSlack = 2 * time.Minute
)

// Logind drives suspend, inhibitors and resume tracking through
// systemd-logind, and the wake alarm through the RTC sysfs file.
type Logind struct {
	log     logx.Logger
	rtcPath string

	login *login1.Conn
	bus   *dbus.Conn

	mu       sync.Mutex
	lastWake WakeInfo
	alarm    time.Time
	onResume func(WakeInfo)
}

func NewLogind(rtcPath string, log logx.Logger) (*Logind, error) {
	if strings.TrimSpace(rtcPath) == "" {
		rtcPath = DefaultRTCPath
	}
	lc, err := login1.New()
	if err != nil {
		return nil, fmt.Errorf("connect logind: %w", err)
	}
	bc, err := dbus.ConnectSystemBus()
	if err != nil {
		lc.Close()
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	return &Logind{log: log, rtcPath: rtcPath, login: lc, bus: bc}, nil
}

// OnResume registers a callback fired after every resume from sleep.
func (l *Logind) OnResume(fn func(WakeInfo)) {
	l.mu.Lock()
	l.onResume = fn
	l.mu.Unlock()
}

// Run tracks PrepareForSleep signals until ctx ends.
func (l *Logind) Run(ctx context.Context) error {
	ch := l.login.Subscribe("PrepareForSleep")
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-ch:
			if !ok {
				return errors.New("logind signal channel closed")
			}
			if sig == nil || len(sig.Body) == 0 {
				continue
			}
			sleeping, _ := sig.Body[0].(bool)
			if sleeping {
				l.log.Info("system going to sleep")
				continue
			}
			info := l.noteResume(time.Now())
			l.log.Info("system resumed", logx.String("source", info.WakeSource))
			l.mu.Lock()
			fn := l.onResume
			l.mu.Unlock()
			if fn != nil {
				fn(info)
			}
		}
	}
}

func (l *Logind) noteResume(now time.Time) WakeInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	src := "user"
	if !l.alarm.IsZero() && absDuration(now.Sub(l.alarm)) <= rtcWakeSlack {
		src = "rtc"
	}
	l.lastWake = WakeInfo{WakeTime: now, WakeSource: src}
	return l.lastWake
}

func (l *Logind) LastWake() WakeInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastWake
}

// SetWakeAlarm programs the RTC. The kernel requires clearing an existing
// alarm before a new one can be written.
func (l *Logind) SetWakeAlarm(at time.Time) error {
	if err := os.WriteFile(l.rtcPath, []byte("0"), 0o644); err != nil {
		return fmt.Errorf("clear rtc alarm: %w", err)
	}
	if err := os.WriteFile(l.rtcPath, []byte(strconv.FormatInt(at.Unix(), 10)), 0o644); err != nil {
		return fmt.Errorf("write rtc alarm: %w", err)
	}
	l.mu.Lock()
	l.alarm = at
	l.mu.Unlock()
	return nil
}

func (l *Logind) ClearWakeAlarm() error {
	l.mu.Lock()
	l.alarm = time.Time{}
	l.mu.Unlock()
	if err := os.WriteFile(l.rtcPath, []byte("0"), 0o644); err != nil {
		return fmt.Errorf("clear rtc alarm: %w", err)
	}
	return nil
}

// Inhibit takes a logind "sleep:idle" block inhibitor. The lock lives as
// long as the returned file descriptor stays open.
func (l *Logind) Inhibit(why string) (func() error, error) {
	f, err := l.login.Inhibit("sleep:idle", "autolauncher", why, "block")
	if err != nil {
		return nil, err
	}
	return f.Close, nil
}

func (l *Logind) Suspend(ctx context.Context) error {
	obj := l.bus.Object(logindDest, logindPath)
	call := obj.CallWithContext(ctx, logindIface+".Suspend", 0, false)
	return call.Err
}

// IdleTime reads logind's IdleSinceHint. It fails with ErrNoIdleHint until
// the desktop flags the session idle; callers chain a direct input source
// in front of it.
func (l *Logind) IdleTime(ctx context.Context) (time.Duration, error) {
	obj := l.bus.Object(logindDest, logindPath)
	var hint bool
	if err := obj.CallWithContext(ctx, "org.freedesktop.DBus.Properties.Get", 0, logindIface, "IdleHint").Store(&hint); err != nil {
		return 0, err
	}
	if !hint {
		return idleFromHint(false, 0, time.Now())
	}
	var since uint64
	if err := obj.CallWithContext(ctx, "org.freedesktop.DBus.Properties.Get", 0, logindIface, "IdleSinceHint").Store(&since); err != nil {
		return 0, err
	}
	return idleFromHint(true, since, time.Now())
}

func (l *Logind) Close() error {
	l.login.Close()
	return l.bus.Close()
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
