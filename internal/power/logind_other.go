//go:build !linux

package power

import (
	"context"
	"time"

	logx "autolauncher/pkg/logx"
)

const DefaultRTCPath = ""

// Logind is unavailable outside Linux; NewLogind always fails.
type Logind struct{}

func NewLogind(string, logx.Logger) (*Logind, error) { return nil, ErrUnsupported }

func (*Logind) OnResume(func(WakeInfo))                         {}
func (*Logind) Run(ctx context.Context) error                   { <-ctx.Done(); return nil }
func (*Logind) LastWake() WakeInfo                              { return WakeInfo{} }
func (*Logind) SetWakeAlarm(time.Time) error                    { return ErrUnsupported }
func (*Logind) ClearWakeAlarm() error                           { return ErrUnsupported }
func (*Logind) Inhibit(string) (func() error, error)            { return nil, ErrUnsupported }
func (*Logind) Suspend(context.Context) error                   { return ErrUnsupported }
func (*Logind) IdleTime(context.Context) (time.Duration, error) { return 0, ErrUnsupported }
func (*Logind) Close() error                                    { return nil }
