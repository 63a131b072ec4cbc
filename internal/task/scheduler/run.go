package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"autolauncher/internal/eventbus"
	"autolauncher/internal/execlog"
	"autolauncher/internal/power"
	"autolauncher/internal/procsup"
	"autolauncher/internal/task"
	"autolauncher/internal/watchdog"
	logx "autolauncher/pkg/logx"
)

// launchFailed marks a launch error that has already been recorded.
type launchFailed struct{ err error }

func (e *launchFailed) Error() string { return e.err.Error() }
func (e *launchFailed) Unwrap() error { return e.err }

func unwrapLaunch(err error) error {
	var lf *launchFailed
	if errors.As(err, &lf) {
		return lf.err
	}
	return err
}

// run is one execution of a task, from launch until the tracked process
// set is empty.
type run struct {
	id     string
	task   task.Task
	ctx    context.Context
	cancel context.CancelFunc
	// woke records whether the machine had just woken when the run began.
	woke bool

	mu   sync.Mutex
	inst *procsup.Instance

	monitoring atomic.Bool
	once       sync.Once
}

func (r *run) instance() *procsup.Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inst
}

func (r *run) setInstance(inst *procsup.Instance) {
	r.mu.Lock()
	r.inst = inst
	r.mu.Unlock()
}

// execute launches t and starts tracking it. Launch errors are recorded
// and returned wrapped in *launchFailed.
func (s *Service) execute(ctx context.Context, t task.Task) error {
	s.runMu.Lock()
	_, busy := s.running[t.ID]
	s.runMu.Unlock()
	if busy {
		s.log.Warn("task already running, trigger ignored", logx.Int64("task_id", t.ID))
		s.record(ctx, execlog.Entry{TaskID: t.ID, TaskName: t.DisplayName(), Type: execlog.Postponed, Details: skippedDetails})
		s.releasePrewakeHold()
		return nil
	}

	s.cancelOneOff(kindRetry, t.ID)
	if s.deps.Store != nil {
		if err := s.deps.Store.SetPostponedUntil(ctx, t.ID, nil); err != nil {
			s.log.Warn("postponement not cleared", logx.Int64("task_id", t.ID), logx.Err(err))
		}
	}

	runID := uuid.NewString()
	name := t.DisplayName()
	s.record(ctx, execlog.Entry{TaskID: t.ID, TaskName: name, Type: execlog.Started, RunID: runID, Details: "Program: " + t.Target})

	inst, err := s.deps.Launcher.Launch(ctx, procsup.LaunchSpec{Target: t.Target, Args: t.Args, WorkDir: t.WorkDir})
	if err != nil {
		s.record(ctx, execlog.Entry{TaskID: t.ID, TaskName: name, Type: execlog.Failed, RunID: runID, Details: "Error: " + err.Error()})
		s.publish(eventbus.TaskFailed, eventbus.TaskData{TaskID: t.ID, TaskName: name, RunID: runID, Reason: err.Error()})
		s.releasePrewakeHold()
		s.refreshWake()
		return &launchFailed{err: err}
	}

	rctx, cancel := context.WithCancel(s.base)
	r := &run{id: runID, task: t, ctx: rctx, cancel: cancel, inst: inst}
	if s.deps.Power != nil {
		r.woke = s.deps.Power.WokeRecently(s.Config().WokeForTaskWindow)
	}
	s.runMu.Lock()
	s.running[t.ID] = r
	s.runMu.Unlock()

	s.record(ctx, execlog.Entry{TaskID: t.ID, TaskName: name, Type: execlog.Finished, RunID: runID, Details: "Process started successfully"})
	if s.deps.Observer != nil {
		s.deps.Observer.OnTaskStart(ctx, t, inst)
	}
	s.publish(eventbus.TaskStarted, eventbus.TaskData{TaskID: t.ID, TaskName: name, RunID: runID})
	s.releasePrewakeHold()

	go s.track(r)
	return nil
}

func (s *Service) track(r *run) {
	var lastFix func() time.Time
	if r.task.VisualFallback && s.deps.NewVisual != nil {
		if v := s.deps.NewVisual(); v != nil {
			lastFix = v.LastFix
			go v.Run(r.ctx)
		}
	}

	if s.deps.Monitor != nil {
		r.monitoring.Store(true)
		res := s.deps.Monitor.Run(r.ctx, watchdog.Target{
			TaskID:   r.task.ID,
			TaskName: r.task.DisplayName(),
			RunID:    r.id,
			Instance: r.instance(),
			LastFix:  lastFix,
		}, &relauncher{s: s, r: r})
		r.monitoring.Store(false)
		if res.Instance != nil {
			r.setInstance(res.Instance)
		}
		if res.Err != nil {
			if !errors.Is(res.Err, context.Canceled) {
				s.complete(r, "", false)
			}
			return
		}
	}

	inst := r.instance()
	// A stopped run is completed by StopTask.
	if err := inst.Wait(r.ctx); err != nil || r.ctx.Err() != nil {
		return
	}
	s.complete(r, exitDetails(inst), true)
}

func exitDetails(inst *procsup.Instance) string {
	if code, ok := inst.ExitCode(); ok {
		return fmt.Sprintf("Process exited naturally (Code %d)", code)
	}
	return "Process exited naturally (Code unknown)"
}

// complete ends a run once. Empty details skip the log entry.
func (s *Service) complete(r *run, details string, natural bool) {
	r.once.Do(func() {
		s.runMu.Lock()
		if s.running[r.task.ID] == r {
			delete(s.running, r.task.ID)
		}
		others := len(s.running)
		s.runMu.Unlock()
		r.cancel()

		ctx := s.base
		name := r.task.DisplayName()
		if details != "" {
			s.record(ctx, execlog.Entry{TaskID: r.task.ID, TaskName: name, Type: execlog.Finished, RunID: r.id, Details: details})
		}
		if s.deps.Observer != nil {
			s.deps.Observer.OnTaskEnd(ctx, r.task.ID)
		}
		s.publish(eventbus.TaskFinished, eventbus.TaskData{TaskID: r.task.ID, TaskName: name, RunID: r.id, Reason: details})

		if natural && r.task.SleepAfter && r.woke && others == 0 {
			go s.sleepAfter(r)
		}
		s.refreshWake()
	})
}

// sleepAfter returns the machine to sleep after a task that woke it,
// unless the user shows up during the abort window.
func (s *Service) sleepAfter(r *run) {
	if s.deps.Power == nil {
		return
	}
	if s.HasRunningTasks() {
		s.log.Info("sleep skipped: other tasks running", logx.Int64("task_id", r.task.ID))
		return
	}
	window := s.Config().SleepAbortWindow
	s.publish(eventbus.SleepRequested, eventbus.TaskData{TaskID: r.task.ID, TaskName: r.task.DisplayName(), RunID: r.id})
	s.log.Info("returning to sleep", logx.Int64("task_id", r.task.ID), logx.Duration("abort_window", window))

	var idle power.IdleSource
	if s.deps.Idle != nil {
		idle = s.deps.Idle
	}
	err := s.deps.Power.SleepAfter(s.base, window, idle)
	switch {
	case err == nil:
	case errors.Is(err, power.ErrUserActive), errors.Is(err, power.ErrHeld), errors.Is(err, context.Canceled):
		s.log.Info("sleep aborted", logx.Err(err))
	default:
		s.log.Warn("sleep failed", logx.Err(err))
	}
}

// StopTask terminates a running task and ends its tracking.
func (s *Service) StopTask(ctx context.Context, id int64) bool {
	s.runMu.Lock()
	r, ok := s.running[id]
	s.runMu.Unlock()
	if !ok {
		return false
	}
	r.cancel()
	if inst := r.instance(); inst != nil {
		inst.Terminate(context.WithoutCancel(ctx))
	}
	s.complete(r, "Process stopped", false)
	return true
}

// cleanup ends runs whose processes are gone. Runs still under watchdog
// supervision are skipped; the watchdog may be between relaunches.
func (s *Service) cleanup(ctx context.Context) {
	s.runMu.Lock()
	runs := make([]*run, 0, len(s.running))
	for _, r := range s.running {
		runs = append(runs, r)
	}
	s.runMu.Unlock()
	for _, r := range runs {
		if r.monitoring.Load() {
			continue
		}
		inst := r.instance()
		if inst != nil && inst.Refresh(ctx) == 0 {
			s.complete(r, exitDetails(inst), true)
		}
	}
}

func (s *Service) cancelOneOff(kind string, id int64) {
	s.mu.Lock()
	key := oneOffKey(kind, id)
	o, ok := s.oneoffs[key]
	if ok {
		if o.timer != nil {
			o.timer.Stop()
		}
		delete(s.oneoffs, key)
	}
	s.mu.Unlock()
}

// relauncher lets the watchdog restart or rerun the task of one run.
type relauncher struct {
	s *Service
	r *run
}

func (rl *relauncher) Relaunch(ctx context.Context) (*procsup.Instance, error) {
	s, t := rl.s, rl.r.task
	s.record(ctx, execlog.Entry{TaskID: t.ID, TaskName: t.DisplayName(), Type: execlog.Started, RunID: rl.r.id, Details: "Program: " + t.Target})
	inst, err := s.deps.Launcher.Launch(ctx, procsup.LaunchSpec{Target: t.Target, Args: t.Args, WorkDir: t.WorkDir})
	if err != nil {
		return nil, err
	}
	rl.r.setInstance(inst)
	if s.deps.Observer != nil {
		s.deps.Observer.OnTaskStart(ctx, t, inst)
	}
	return inst, nil
}

func (rl *relauncher) Rerun(after time.Duration) {
	rl.s.addOneOff(kindRerun, rl.r.task, rl.s.now().Add(after), false)
}
