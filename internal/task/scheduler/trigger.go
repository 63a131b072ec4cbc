package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"autolauncher/internal/eventbus"
	"autolauncher/internal/execlog"
	"autolauncher/internal/task"
	"autolauncher/internal/task/engine"
	logx "autolauncher/pkg/logx"
)

// onCron runs on the cron goroutine for recurring jobs.
func (s *Service) onCron(id int64, ver uint64) {
	now := s.now()
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok || j.ver != ver || j.paused {
		s.mu.Unlock()
		return
	}
	scheduled := j.next
	// Already handled by a catch-up pass.
	if scheduled.After(now.Add(time.Second)) {
		s.mu.Unlock()
		return
	}
	j.next = j.sched.Next(now.In(s.loc))
	t := j.task
	s.mu.Unlock()

	s.fire(t, scheduled, now)
	s.refreshWake()
}

func (s *Service) onOnce(id int64, ver uint64) {
	now := s.now()
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok || j.ver != ver || j.paused {
		s.mu.Unlock()
		return
	}
	scheduled := j.next
	delete(s.jobs, id)
	t := j.task
	s.mu.Unlock()

	s.fire(t, scheduled, now)
	s.refreshWake()
}

// fire dispatches a trigger, or turns it into a recovery when it is later
// than the misfire grace.
func (s *Service) fire(t task.Task, scheduled, now time.Time) {
	late := now.Sub(scheduled)
	if late > s.Config().MisfireGrace {
		s.missed(t, scheduled, late)
		return
	}
	s.dispatch(t, "task", true)
}

func (s *Service) missed(t task.Task, scheduled time.Time, late time.Duration) {
	ctx := s.base
	s.record(ctx, execlog.Entry{
		TaskID: t.ID, TaskName: t.DisplayName(), Type: execlog.Missed,
		Details: fmt.Sprintf("Wake-up failed or system unavailable. Scheduled: %s, Delay: %ds",
			scheduled.Format(time.DateTime), int64(late/time.Second)),
	})
	at := s.now().Add(s.Config().RecoveryDelay)
	s.addOneOff(kindRecovery, t, at, true)
	s.record(ctx, execlog.Entry{
		TaskID: t.ID, TaskName: t.DisplayName(), Type: execlog.RecoveryScheduled,
		Details: fmt.Sprintf("Missed task rescheduled to %s after wake-up failure", at.Format(time.DateTime)),
	})
	s.publish(eventbus.TaskPostponed, eventbus.TaskData{TaskID: t.ID, TaskName: t.DisplayName(), Reason: "missed"})
}

// dispatch hands the trigger to the engine. Gated dispatches go through
// the execution gate, the others launch straight away.
func (s *Service) dispatch(t task.Task, kind string, gated bool) {
	eng := s.deps.Engine
	name := oneOffKey(kind, t.ID)
	err := eng.Enqueue(engine.Job{
		Key:  jobKey(t.ID),
		Name: name,
		Run: func(ctx context.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic: %v", r)
					s.log.Error("scheduler job panicked", logx.String("job", name), logx.Any("panic", r), logx.Stack(logx.StackTrace(3, 32)))
				}
				if err != nil && !errors.As(err, new(*launchFailed)) {
					s.record(context.WithoutCancel(ctx), execlog.Entry{
						TaskID: t.ID, TaskName: t.DisplayName(), Type: execlog.Failed,
						Details: "Scheduler error: " + err.Error(),
					})
				}
			}()
			if gated {
				return s.gate(ctx, t)
			}
			return s.executeNow(ctx, t)
		},
	})
	s.reportEnqueueError(t, name, err)
}

// CatchUp fires every trigger whose instant passed while timers were
// frozen (suspend or a clock jump), once each, then rebuilds the timers.
func (s *Service) CatchUp() {
	now := s.now()
	type due struct {
		t         task.Task
		scheduled time.Time
		kind      string
		gated     bool
		oneOff    bool
	}
	var fired []due

	s.mu.Lock()
	for id, j := range s.jobs {
		if j.paused || j.next.IsZero() || j.next.After(now) {
			continue
		}
		fired = append(fired, due{t: j.task, scheduled: j.next})
		if j.sched == nil {
			s.disarmLocked(j)
			delete(s.jobs, id)
			continue
		}
		j.next = j.sched.Next(now.In(s.loc))
	}
	for key, o := range s.oneoffs {
		if o.at.After(now) {
			continue
		}
		if o.timer != nil {
			o.timer.Stop()
		}
		delete(s.oneoffs, key)
		fired = append(fired, due{t: o.task, scheduled: o.at, kind: o.kind, gated: o.gated, oneOff: true})
	}
	if s.c != nil {
		s.restartLocked()
	}
	s.mu.Unlock()

	for _, d := range fired {
		if d.oneOff {
			s.dispatch(d.t, d.kind, d.gated)
			continue
		}
		s.fire(d.t, d.scheduled, now)
	}
	if len(fired) > 0 {
		s.log.Info("caught up overdue triggers", logx.Int("count", len(fired)))
	}
	s.refreshWake()
}

func (s *Service) addOneOff(kind string, t task.Task, at time.Time, gated bool) {
	key := oneOffKey(kind, t.ID)
	s.mu.Lock()
	if old, ok := s.oneoffs[key]; ok && old.timer != nil {
		old.timer.Stop()
	}
	o := &oneOff{kind: kind, task: t, at: at, gated: gated}
	s.oneoffs[key] = o
	s.armOneOffLocked(o)
	s.mu.Unlock()
	s.refreshWake()
}

// armOneOffLocked starts the timer. One-offs are armed before Start too;
// they only exist once a task has been handled.
func (s *Service) armOneOffLocked(o *oneOff) {
	if o.timer != nil {
		o.timer.Stop()
	}
	s.verSeq++
	o.ver = s.verSeq
	key, ver := oneOffKey(o.kind, o.task.ID), o.ver
	d := o.at.Sub(s.now())
	if d < 0 {
		d = 0
	}
	o.timer = time.AfterFunc(d, func() { s.onOneOff(key, ver) })
}

func (s *Service) onOneOff(key string, ver uint64) {
	s.mu.Lock()
	o, ok := s.oneoffs[key]
	if !ok || o.ver != ver {
		s.mu.Unlock()
		return
	}
	delete(s.oneoffs, key)
	s.mu.Unlock()
	s.dispatch(o.task, o.kind, o.gated)
	s.refreshWake()
}

func jobKey(id int64) string { return fmt.Sprintf("task_%d", id) }

func oneOffKey(kind string, id int64) string { return fmt.Sprintf("%s_%d", kind, id) }
