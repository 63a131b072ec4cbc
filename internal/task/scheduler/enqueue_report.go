package scheduler

import (
	"errors"
	"time"

	"golang.org/x/time/rate"

	"autolauncher/internal/execlog"
	"autolauncher/internal/task"
	"autolauncher/internal/task/engine"
	logx "autolauncher/pkg/logx"
)

const enqueueWarnEvery = 5 * time.Second

// skippedDetails marks a trigger dropped because the task is still busy.
const skippedDetails = "Skipped: previous run still active"

func (s *Service) reportEnqueueError(t task.Task, name string, err error) {
	if err == nil {
		return
	}
	// The previous trigger of the same task is still being handled.
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Info("trigger skipped", logx.String("job", name), logx.Err(err))
		s.record(s.base, execlog.Entry{
			TaskID: t.ID, TaskName: t.DisplayName(), Type: execlog.Postponed, Details: skippedDetails,
		})
		return
	}

	// Every refused trigger is recorded; only the log line is throttled.
	s.record(s.base, execlog.Entry{
		TaskID: t.ID, TaskName: t.DisplayName(), Type: execlog.Failed,
		Details: "Scheduler error: " + err.Error(),
	})

	s.enqMu.Lock()
	lim, ok := s.enqLimiter[name]
	if !ok {
		lim = rate.NewLimiter(rate.Every(enqueueWarnEvery), 1)
		s.enqLimiter[name] = lim
	}
	s.enqMu.Unlock()
	if lim.Allow() {
		s.log.Warn("trigger failed to enqueue", logx.String("job", name), logx.Err(err))
	}
}
