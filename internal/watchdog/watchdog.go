// Package watchdog watches a launched task for stuck update screens and
// dismissible dialogs during the first minutes after launch.
//
// One loop runs per task instance. Its counters live in that loop only;
// cancelling the context passed to Run stops it at the next poll.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"autolauncher/internal/desktop"
	"autolauncher/internal/execlog"
	"autolauncher/internal/procsup"
	logx "autolauncher/pkg/logx"
)

type State int

const (
	Idle State = iota
	Polling
	DialogPending
	Restarting
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Polling:
		return "polling"
	case DialogPending:
		return "dialog_pending"
	case Restarting:
		return "restarting"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// ErrUnresolvableDialog is the cause of a restart forced by a dialog
// that could not be dismissed.
var ErrUnresolvableDialog = errors.New("watchdog: dialog could not be dismissed")

// StuckError is the terminal outcome after the retry bound is exhausted.
type StuckError struct {
	Reason   string
	Restarts int
	Cause    error
}

func (e *StuckError) Error() string {
	return fmt.Sprintf("stuck after %d restarts: %s", e.Restarts, e.Reason)
}

func (e *StuckError) Unwrap() error { return e.Cause }

// Target is one running task instance.
type Target struct {
	TaskID   int64
	TaskName string
	RunID    string
	Instance *procsup.Instance
	// LastFix returns when the visual matcher last clicked for this
	// instance (zero when never). May be nil.
	LastFix func() time.Time
}

// Relauncher restarts the task the watchdog is attached to.
type Relauncher interface {
	// Relaunch starts the task again right away and returns the new
	// instance.
	Relaunch(ctx context.Context) (*procsup.Instance, error)
	// Rerun schedules a fresh execution after the delay.
	Rerun(after time.Duration)
}

type Result struct {
	State    State
	Restarts int
	Reason   string
	// Instance is the last instance watched (a relaunch replaces it).
	Instance *procsup.Instance
	Err      error
}

type Watchdog struct {
	cfg  Config
	desk desktop.Backend
	sink execlog.Sink
	log  logx.Logger
	now  func() time.Time

	mu     sync.Mutex
	states map[int64]State
}

func New(cfg Config, desk desktop.Backend, sink execlog.Sink, log logx.Logger) *Watchdog {
	return &Watchdog{
		cfg:    cfg.withDefaults(),
		desk:   desk,
		sink:   sink,
		log:    log.With(logx.String("comp", "watchdog")),
		now:    time.Now,
		states: map[int64]State{},
	}
}

func (w *Watchdog) Config() Config { return w.cfg }

// States returns the state of every active loop keyed by task id.
func (w *Watchdog) States() map[int64]State {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[int64]State, len(w.states))
	for id, s := range w.states {
		out[id] = s
	}
	return out
}

func (w *Watchdog) setState(id int64, s State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if s == Done {
		delete(w.states, id)
		return
	}
	w.states[id] = s
}

// Run blocks until the monitor window ends, the tracked set empties, a
// dialog is dismissed, the retry bound is exhausted or ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context, t Target, r Relauncher) Result {
	l := &loop{
		w:    w,
		t:    t,
		r:    r,
		inst: t.Instance,
		log:  w.log.With(logx.Int64("task_id", t.TaskID), logx.String("task", t.TaskName)),
	}
	res := l.run(ctx)
	res.Instance = l.inst
	res.Restarts = l.restarts
	w.setState(t.TaskID, Done)
	l.log.Debug("watchdog finished", logx.String("reason", res.Reason), logx.Int("restarts", res.Restarts))
	return res
}

type loop struct {
	w    *Watchdog
	t    Target
	r    Relauncher
	inst *procsup.Instance
	log  logx.Logger

	restarts    int
	persistence int
	polls       int
}

func (l *loop) run(ctx context.Context) Result {
	cfg := l.w.cfg
	l.w.setState(l.t.TaskID, Polling)
	if !sleep(ctx, cfg.InitialWait) {
		return Result{State: Done, Reason: "cancelled"}
	}
	deadline := l.w.now().Add(cfg.Window)

	for {
		if ctx.Err() != nil {
			return Result{State: Done, Reason: "cancelled"}
		}
		if !l.w.now().Before(deadline) {
			return Result{State: Done, Reason: "monitor window elapsed"}
		}
		l.w.setState(l.t.TaskID, Polling)

		if l.inst.Refresh(ctx) == 0 {
			if !l.recentFix() {
				return Result{State: Done, Reason: "all tracked processes exited"}
			}
			l.log.Info("process exited after visual fix, relaunching")
			if res, ok := l.restart(ctx, "Process exited after visual fix", nil); !ok {
				return res
			}
			deadline = l.w.now().Add(cfg.Window)
			continue
		}

		all, err := l.w.desk.Windows.List(ctx)
		if err != nil {
			l.log.Debug("window list failed", logx.Err(err))
		}
		owned := desktop.ByPIDs(all, l.inst.PIDs())

		if reason, stuck := l.detectStuck(ctx, all, owned); stuck {
			l.log.Warn("task stuck", logx.String("reason", reason))
			if res, ok := l.restart(ctx, "Stuck: "+reason, nil); !ok {
				return res
			}
			deadline = l.w.now().Add(cfg.Window)
			continue
		}

		res, done := l.handleDialog(ctx, all, owned)
		if done {
			return res
		}
		if res.State == Restarting {
			deadline = l.w.now().Add(cfg.Window)
			continue
		}

		if !sleep(ctx, cfg.PollInterval) {
			return Result{State: Done, Reason: "cancelled"}
		}
	}
}

func (l *loop) detectStuck(ctx context.Context, all, owned []desktop.Window) (string, bool) {
	cfg := l.w.cfg
	poll := l.polls
	l.polls++

	scoped := owned
	if len(scoped) == 0 && !cfg.DisableGlobalFallback {
		scoped = all
	}
	if title, ok := titleScan(scoped, cfg.StuckKeywords); ok {
		return "Window Title: " + title, true
	}
	if poll%cfg.ContentScanEvery != 0 || len(owned) == 0 {
		return "", false
	}
	keywords := append(append([]string(nil), cfg.ContentKeywords...), cfg.StuckKeywords...)
	if hit, ok := l.w.contentScan(ctx, owned, keywords); ok {
		return hit.reason(), true
	}
	return "", false
}

// handleDialog runs the confirmation scan. done reports a final result;
// a Restarting state with done=false means the loop continues on a new
// instance.
func (l *loop) handleDialog(ctx context.Context, all, owned []desktop.Window) (Result, bool) {
	cfg := l.w.cfg
	candidates := mergeWindows(owned, desktop.TitleContains(all, cfg.DialogKeywords))
	dialog, keyword, found := l.w.findDialog(ctx, candidates)
	if !found {
		l.persistence = 0
		return Result{State: Polling}, false
	}
	l.w.setState(l.t.TaskID, DialogPending)
	l.log.Info("confirmation dialog found", logx.String("title", dialog.Title), logx.String("keyword", keyword))

	targets := mergeWindows(candidates, desktop.TitleContains(all, cfg.LauncherHints))
	if how, ok := l.w.dismiss(ctx, targets, dialog); ok {
		l.persistence = 0
		l.record(ctx, execlog.AutoDismissed, how)
		l.record(ctx, execlog.RestartScheduled, fmt.Sprintf("Re-run in %s after dialog dismiss", cfg.RerunDelay))
		l.r.Rerun(cfg.RerunDelay)
		return Result{State: Done, Reason: how}, true
	}

	l.persistence++
	l.log.Warn("dialog not dismissed", logx.Int("attempt", l.persistence))
	if l.persistence < cfg.MaxDialogFailures {
		return Result{State: DialogPending}, false
	}
	l.persistence = 0
	reason := fmt.Sprintf("Unresolvable dialog: '%s'", dialog.Title)
	l.record(ctx, execlog.StuckRestartDlg, fmt.Sprintf("%s after %d attempts", reason, cfg.MaxDialogFailures))
	if res, ok := l.restart(ctx, "Stuck: "+reason, ErrUnresolvableDialog); !ok {
		return res, true
	}
	return Result{State: Restarting}, false
}

// restart stops the instance and relaunches it, or gives up once the
// retry bound is reached. ok=false ends the loop with res.
func (l *loop) restart(ctx context.Context, reason string, cause error) (res Result, ok bool) {
	cfg := l.w.cfg
	if l.restarts >= cfg.MaxRetries {
		l.inst.Terminate(context.WithoutCancel(ctx))
		err := &StuckError{Reason: reason, Restarts: l.restarts, Cause: cause}
		l.record(ctx, execlog.Failed, fmt.Sprintf("%s (gave up after %d restarts)", reason, l.restarts))
		l.log.Error("giving up on stuck task", logx.Err(err))
		return Result{State: Done, Reason: reason, Err: err}, false
	}
	l.restarts++
	l.w.setState(l.t.TaskID, Restarting)
	l.record(ctx, execlog.RestartScheduled, fmt.Sprintf("%s (retry %d/%d)", reason, l.restarts, cfg.MaxRetries))
	l.inst.Terminate(context.WithoutCancel(ctx))
	if !sleep(ctx, cfg.RestartWait) {
		return Result{State: Done, Reason: "cancelled"}, false
	}
	inst, err := l.r.Relaunch(ctx)
	if err != nil {
		l.record(ctx, execlog.Failed, "Relaunch failed: "+err.Error())
		return Result{State: Done, Reason: reason, Err: err}, false
	}
	l.inst = inst
	l.persistence = 0
	l.polls = 0
	return Result{State: Restarting}, true
}

func (l *loop) recentFix() bool {
	if l.t.LastFix == nil {
		return false
	}
	at := l.t.LastFix()
	return !at.IsZero() && l.w.now().Sub(at) < l.w.cfg.VisualFixWindow
}

func (l *loop) record(ctx context.Context, typ execlog.EventType, details string) {
	if l.w.sink == nil {
		return
	}
	l.w.sink.Record(ctx, execlog.Entry{
		TaskID:   l.t.TaskID,
		TaskName: l.t.TaskName,
		Type:     typ,
		Details:  details,
		RunID:    l.t.RunID,
	})
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
