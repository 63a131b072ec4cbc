package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"autolauncher/internal/task"
	logx "autolauncher/pkg/logx"
)

// AddJob registers (or replaces) the trigger for t. It reports false when
// the task is disabled, invalid or a once task in the past.
func (s *Service) AddJob(t task.Task) bool {
	if err := s.Add(t); err != nil {
		s.log.Info("job not added", logx.Int64("task_id", t.ID), logx.String("task", t.DisplayName()), logx.Err(err))
		return false
	}
	return true
}

// Add is AddJob with the rejection reason.
func (s *Service) Add(t task.Task) error {
	if !t.Enabled {
		return ErrDisabled
	}
	if err := t.Validate(); err != nil {
		return err
	}
	now := s.now()

	s.mu.Lock()
	j := &job{task: t}
	if t.Recurrence == task.Once {
		if !t.ScheduleTime.After(now) {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrPastTrigger, t.ScheduleTime.Format(time.DateTime))
		}
		j.next = t.ScheduleTime
	} else {
		spec, err := t.CronSpec()
		if err != nil {
			s.mu.Unlock()
			return err
		}
		sched, err := s.parser.Parse(spec)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("parse %q: %w", spec, err)
		}
		j.sched = sched
		j.next = sched.Next(now.In(s.loc))
	}
	if old, ok := s.jobs[t.ID]; ok {
		s.disarmLocked(old)
	}
	s.jobs[t.ID] = j
	s.armLocked(j)
	s.mu.Unlock()

	s.log.Debug("job added", logx.Int64("task_id", t.ID), logx.String("recurrence", string(t.Recurrence)), logx.Time("next", j.next))
	s.refreshWake()
	return nil
}

// RemoveJob drops the task's trigger and its pending follow-ups.
func (s *Service) RemoveJob(id int64) bool {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if ok {
		s.disarmLocked(j)
		delete(s.jobs, id)
	}
	for key, o := range s.oneoffs {
		if o.task.ID == id {
			if o.timer != nil {
				o.timer.Stop()
			}
			delete(s.oneoffs, key)
		}
	}
	s.mu.Unlock()
	if ok {
		s.refreshWake()
	}
	return ok
}

func (s *Service) armLocked(j *job) {
	if s.c == nil || j.paused {
		return
	}
	s.verSeq++
	j.ver = s.verSeq
	id, ver := j.task.ID, j.ver
	if j.sched == nil {
		d := j.next.Sub(s.now())
		if d < 0 {
			d = 0
		}
		j.timer = time.AfterFunc(d, func() { s.onOnce(id, ver) })
		return
	}
	eid := s.c.Schedule(j.sched, cron.FuncJob(func() { s.onCron(id, ver) }))
	j.entryID = eid
}

func (s *Service) disarmLocked(j *job) {
	j.ver = 0
	if j.timer != nil {
		j.timer.Stop()
		j.timer = nil
	}
	if j.entryID != 0 && s.c != nil {
		s.c.Remove(j.entryID)
	}
	j.entryID = 0
}

// PauseJob keeps the job registered but stops it firing.
func (s *Service) PauseJob(id int64) bool {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if ok && !j.paused {
		s.disarmLocked(j)
		j.paused = true
	}
	s.mu.Unlock()
	if ok {
		s.log.Info("job paused", logx.Int64("task_id", id))
		s.refreshWake()
	}
	return ok
}

// ResumeJob re-arms a paused job. A once job whose instant passed while
// paused fires right away and goes through misfire handling.
func (s *Service) ResumeJob(id int64) bool {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if ok && j.paused {
		j.paused = false
		if j.sched != nil {
			j.next = j.sched.Next(s.now().In(s.loc))
		}
		s.armLocked(j)
	}
	s.mu.Unlock()
	if ok {
		s.log.Info("job resumed", logx.Int64("task_id", id))
		s.refreshWake()
	}
	return ok
}

func (s *Service) IsJobPaused(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	return ok && j.paused
}

// NextRunTime is the next trigger instant; ok is false for unknown or
// paused jobs.
func (s *Service) NextRunTime(id int64) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.paused || j.next.IsZero() {
		return time.Time{}, false
	}
	return j.next, true
}

// SoonestRunTime returns the earliest next trigger across active jobs.
func (s *Service) SoonestRunTime() (time.Time, int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		at time.Time
		id int64
	)
	for _, j := range s.jobs {
		if j.paused || j.next.IsZero() {
			continue
		}
		if at.IsZero() || j.next.Before(at) {
			at, id = j.next, j.task.ID
		}
	}
	return at, id, !at.IsZero()
}

// PendingOneOff reports a scheduled follow-up ("retry", "recovery",
// "rerun") for the task.
func (s *Service) PendingOneOff(kind string, id int64) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.oneoffs[oneOffKey(kind, id)]
	if !ok {
		return time.Time{}, false
	}
	return o.at, true
}

// ResyncAll replaces the job table with tasks and restores persisted
// postponements. It returns how many jobs were registered.
func (s *Service) ResyncAll(ctx context.Context, tasks []task.Task) int {
	keep := make(map[int64]bool, len(tasks))
	for _, t := range tasks {
		keep[t.ID] = true
	}
	s.mu.Lock()
	var stale []int64
	for id := range s.jobs {
		if !keep[id] {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()
	for _, id := range stale {
		s.RemoveJob(id)
	}

	n := 0
	for _, t := range tasks {
		if !t.Enabled {
			s.RemoveJob(t.ID)
			continue
		}
		if s.AddJob(t) {
			n++
		}
		s.restorePostponed(ctx, t)
	}
	s.log.Info("jobs synchronised", logx.Int("tasks", len(tasks)), logx.Int("jobs", n))
	return n
}

func (s *Service) restorePostponed(ctx context.Context, t task.Task) {
	if t.PostponedUntil == nil {
		return
	}
	now := s.now()
	until := *t.PostponedUntil
	if !until.After(now) {
		until = now.Add(s.Config().RestoreDelay)
		if s.deps.Store != nil {
			if err := s.deps.Store.SetPostponedUntil(ctx, t.ID, &until); err != nil {
				s.log.Warn("postponement not persisted", logx.Int64("task_id", t.ID), logx.Err(err))
			}
		}
	}
	s.addOneOff(kindRetry, t, until, true)
	s.log.Info("postponed task restored", logx.Int64("task_id", t.ID), logx.Time("at", until))
}

// HasRunningTasks reports whether any task instance is being tracked.
func (s *Service) HasRunningTasks() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return len(s.running) > 0
}

// RunningTasks returns the ids of tracked runs in ascending order.
func (s *Service) RunningTasks() []int64 {
	s.runMu.Lock()
	out := make([]int64, 0, len(s.running))
	for id := range s.running {
		out = append(out, id)
	}
	s.runMu.Unlock()
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

// ExecuteImmediately launches t now, bypassing the gate. A run of the
// same task still in progress is stopped first.
func (s *Service) ExecuteImmediately(ctx context.Context, t task.Task) error {
	return unwrapLaunch(s.executeNow(ctx, t))
}

func (s *Service) executeNow(ctx context.Context, t task.Task) error {
	if s.StopTask(ctx, t.ID) {
		s.log.Info("previous run stopped before immediate execution", logx.Int64("task_id", t.ID))
	}
	return s.execute(ctx, t)
}
