package scheduler

import (
	"context"
	"fmt"
	"time"

	"autolauncher/internal/eventbus"
	"autolauncher/internal/execlog"
	"autolauncher/internal/task"
	logx "autolauncher/pkg/logx"
)

func (s *Service) modeFor(t task.Task) task.Mode {
	switch t.Mode {
	case task.ModeRun, task.ModeAuto, task.ModeAsk:
		return t.Mode
	}
	return s.Config().Mode
}

// gate applies the execution policy to a fired trigger:
//   - run launches unconditionally
//   - auto launches unless the system is busy, otherwise postpones
//   - ask launches when the user has been idle long enough, otherwise asks
func (s *Service) gate(ctx context.Context, t task.Task) error {
	switch s.modeFor(t) {
	case task.ModeRun:
		return s.execute(ctx, t)
	case task.ModeAuto:
		reason := "System idle"
		if s.deps.Busy != nil {
			var busy bool
			if busy, reason = s.deps.Busy.IsBusy(ctx); busy {
				s.postpone(ctx, t, "System busy: "+reason)
				return nil
			}
		}
		s.record(ctx, execlog.Entry{
			TaskID: t.ID, TaskName: t.DisplayName(), Type: execlog.Executed,
			Details: "Conditions met: " + reason,
		})
		return s.execute(ctx, t)
	default:
		cfg := s.Config()
		if s.deps.Idle != nil {
			idle, err := s.deps.Idle.IdleTime(ctx)
			if err == nil && idle >= cfg.AskIdleThreshold {
				s.log.Info("user away, running without asking", logx.Int64("task_id", t.ID), logx.Duration("idle", idle))
				return s.execute(ctx, t)
			}
		}
		s.ask(t, "Scheduled time reached", cfg.AskTimeout)
		return nil
	}
}

// postpone persists postponed_until and schedules the retry at that exact
// instant.
func (s *Service) postpone(ctx context.Context, t task.Task, reason string) time.Time {
	until := s.now().Add(s.Config().PostponeDelay)
	if s.deps.Store != nil {
		if err := s.deps.Store.SetPostponedUntil(ctx, t.ID, &until); err != nil {
			s.log.Warn("postponement not persisted", logx.Int64("task_id", t.ID), logx.Err(err))
		}
	}
	t.PostponedUntil = &until
	s.addOneOff(kindRetry, t, until, true)
	s.record(ctx, execlog.Entry{
		TaskID: t.ID, TaskName: t.DisplayName(), Type: execlog.Postponed,
		Details: reason,
	})
	s.publish(eventbus.TaskPostponed, eventbus.TaskData{TaskID: t.ID, TaskName: t.DisplayName(), Reason: reason})
	return until
}

func (s *Service) ask(t task.Task, reason string, timeout time.Duration) {
	deadline := s.now().Add(timeout)
	p := &pending{task: t, reason: reason, deadline: deadline}
	s.mu.Lock()
	if old, ok := s.pending[t.ID]; ok && old.timer != nil {
		old.timer.Stop()
	}
	s.pending[t.ID] = p
	p.timer = time.AfterFunc(timeout, func() { s.expireRequest(t.ID, p) })
	s.mu.Unlock()

	s.log.Info("permission requested", logx.Int64("task_id", t.ID), logx.Time("deadline", deadline))
	s.publish(eventbus.PermissionRequest, eventbus.PermissionData{
		TaskID: t.ID, TaskName: t.DisplayName(), Reason: reason, Deadline: deadline,
	})
}

func (s *Service) expireRequest(id int64, p *pending) {
	s.mu.Lock()
	if s.pending[id] != p {
		s.mu.Unlock()
		return
	}
	delete(s.pending, id)
	s.mu.Unlock()
	s.postpone(s.base, p.task, "No response to permission request")
}

// HandleUserResponse resolves a pending permission request.
func (s *Service) HandleUserResponse(ctx context.Context, id int64, r Response) error {
	s.mu.Lock()
	p, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no pending request for task %d", ErrNotFound, id)
	}

	t := p.task
	s.log.Info("permission answered", logx.Int64("task_id", id), logx.String("response", string(r)))
	switch r {
	case RespRun:
		return unwrapLaunch(s.execute(ctx, t))
	case RespPostpone:
		s.postpone(ctx, t, "Postponed by user")
		return nil
	case RespCancel:
		s.record(ctx, execlog.Entry{
			TaskID: t.ID, TaskName: t.DisplayName(), Type: execlog.Postponed,
			Details: "Cancelled by user",
		})
		s.releasePrewakeHold()
		return nil
	}
	return fmt.Errorf("unknown response %q", r)
}

// PendingRequests lists tasks waiting for a permission answer.
func (s *Service) PendingRequests() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.pending))
	for id := range s.pending {
		out = append(out, id)
	}
	return out
}
