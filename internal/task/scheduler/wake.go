package scheduler

import (
	"fmt"
	"time"

	"autolauncher/internal/eventbus"
	"autolauncher/internal/execlog"
	"autolauncher/internal/task"
	logx "autolauncher/pkg/logx"
)

// WakePlan returns the earliest future instant at which the machine must
// be awake: min over wake-enabled triggers of (trigger - pre-wake lead).
func (s *Service) WakePlan() (time.Time, task.Task, bool) {
	v := s.wakeView()
	return v.at, v.who, v.ok
}

type wakeView struct {
	at  time.Time
	who task.Task
	ok  bool
	// reached is the earliest wake instant already passed whose trigger
	// has not fired yet: the machine is inside a pre-wake window.
	reached time.Time
}

func (s *Service) wakeView() wakeView {
	now := s.now()
	var v wakeView
	consider := func(t task.Task, next time.Time) {
		if !t.WakeEnabled || next.IsZero() {
			return
		}
		w := next.Add(-t.PreWake())
		if !w.After(now) {
			if next.After(now) && (v.reached.IsZero() || w.Before(v.reached)) {
				v.reached = w
			}
			return
		}
		if !v.ok || w.Before(v.at) {
			v.at, v.who, v.ok = w, t, true
		}
	}
	s.mu.Lock()
	for _, j := range s.jobs {
		if !j.paused {
			consider(j.task, j.next)
		}
	}
	for _, o := range s.oneoffs {
		consider(o.task, o.at)
	}
	s.mu.Unlock()
	return v
}

// refreshWake re-arms the hardware alarm and the pre-wake hold for the
// current plan. WAKE_SCHEDULED is recorded once per planned instant. The
// alarm is rewritten on every call so the periodic refresh repairs an
// alarm cleared behind our back.
func (s *Service) refreshWake() {
	v := s.wakeView()
	at, who, ok := v.at, v.who, v.ok
	holdTimeout := s.Config().PrewakeHoldTimeout

	s.wakeMu.Lock()
	defer s.wakeMu.Unlock()
	changed := !at.Equal(s.wakeAt)
	s.wakeAt, s.wakeTask = at, who.ID
	if s.deps.Power == nil {
		return
	}
	// Hold timers are monotonic and stall across suspend; a plan whose
	// instant passed while asleep is honored here instead.
	if !v.reached.IsZero() && !v.reached.Equal(s.heldFor) {
		s.takeHoldLocked(v.reached, holdTimeout)
		s.deps.Power.StartKeepAwake()
		s.log.Info("pre-wake hold taken", logx.Time("wake_at", v.reached))
	}
	if changed || s.rearmHold.Swap(false) {
		s.armHoldLocked(at, ok)
	}
	if !ok {
		if changed {
			s.deps.Power.CancelWakeTimer()
			s.log.Debug("no wake-enabled triggers, wake timer cleared")
			s.publish(eventbus.WakePlanChanged, eventbus.WakeData{})
		}
		return
	}
	armed := s.deps.Power.SetWakeTimer(at)
	if armed && !at.Equal(s.loggedWake) {
		s.loggedWake = at
		s.record(s.base, execlog.Entry{
			TaskID: who.ID, TaskName: who.DisplayName(), Type: execlog.WakeScheduled,
			Details: fmt.Sprintf("System will wake at %s", at.Format(time.DateTime)),
		})
	}
	if changed {
		s.publish(eventbus.WakePlanChanged, eventbus.WakeData{At: at, Armed: armed, Source: fmt.Sprintf("task_%d", who.ID)})
	}
}

// armHoldLocked schedules the keep-awake hold taken at the wake instant so
// the machine stays up until the task launches.
func (s *Service) armHoldLocked(at time.Time, ok bool) {
	s.holdVer++
	if s.holdTimer != nil {
		s.holdTimer.Stop()
		s.holdTimer = nil
	}
	if !ok {
		return
	}
	ver := s.holdVer
	s.holdTimer = time.AfterFunc(at.Sub(s.now()), func() { s.startPrewakeHold(ver, at) })
}

func (s *Service) startPrewakeHold(ver uint64, at time.Time) {
	timeout := s.Config().PrewakeHoldTimeout
	s.wakeMu.Lock()
	if ver != s.holdVer || at.Equal(s.heldFor) {
		s.wakeMu.Unlock()
		return
	}
	s.takeHoldLocked(at, timeout)
	s.wakeMu.Unlock()

	s.deps.Power.StartKeepAwake()
	s.log.Info("pre-wake hold taken", logx.Time("wake_at", at))
}

// takeHoldLocked counts one hold for the wake instant at and (re)starts the
// safety timeout. The caller takes the power hold.
func (s *Service) takeHoldLocked(at time.Time, timeout time.Duration) {
	s.heldFor = at
	s.holds++
	if s.holdRelease != nil {
		s.holdRelease.Stop()
	}
	s.holdRelease = time.AfterFunc(timeout, s.expirePrewakeHolds)
}

// releasePrewakeHold drops one hold taken at a wake instant, if any.
func (s *Service) releasePrewakeHold() {
	s.wakeMu.Lock()
	if s.holds == 0 || s.deps.Power == nil {
		s.wakeMu.Unlock()
		return
	}
	s.holds--
	if s.holds == 0 && s.holdRelease != nil {
		s.holdRelease.Stop()
		s.holdRelease = nil
	}
	s.wakeMu.Unlock()
	s.deps.Power.StopKeepAwake()
}

func (s *Service) expirePrewakeHolds() {
	s.wakeMu.Lock()
	n := s.holds
	s.holds = 0
	s.holdRelease = nil
	s.wakeMu.Unlock()
	if n > 0 {
		s.log.Warn("pre-wake hold timed out", logx.Int("holds", n))
	}
	for i := 0; i < n; i++ {
		s.deps.Power.StopKeepAwake()
	}
}

// PrewakeHolds returns the number of outstanding pre-wake holds.
func (s *Service) PrewakeHolds() int {
	s.wakeMu.Lock()
	defer s.wakeMu.Unlock()
	return s.holds
}
