package watchdog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"autolauncher/internal/desktop"
	"autolauncher/internal/execlog"
	"autolauncher/internal/procsup"
	logx "autolauncher/pkg/logx"
)

const taskID = 7

func fastConfig() Config {
	return Config{
		PollInterval:   5 * time.Millisecond,
		Window:         300 * time.Millisecond,
		RestartWait:    time.Millisecond,
		ControlTimeout: 100 * time.Millisecond,
		OCRTimeout:     100 * time.Millisecond,
	}
}

// harness plays the scheduler side: it owns the process table and
// relaunches the task on request.
type harness struct {
	table *procsup.MemTable
	sup   *procsup.Supervisor
	fake  *desktop.Fake
	log   *execlog.Memory

	mu         sync.Mutex
	nextPID    int32
	relaunches int
	reruns     []time.Duration
	// onLaunch sets up the windows of a freshly launched pid.
	onLaunch func(pid int32)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	table := procsup.NewMemTable()
	return &harness{
		table:   table,
		sup:     procsup.New(procsup.Config{ChildGrace: 10 * time.Millisecond, RootGrace: 10 * time.Millisecond}, table, logx.Nop()),
		fake:    desktop.NewFake(),
		log:     execlog.NewMemory(0),
		nextPID: 100,
	}
}

func (h *harness) spawn() (*procsup.Instance, int32) {
	pid := h.nextPID
	h.nextPID++
	p := procsup.Proc{PID: pid, Name: "game", Created: time.Now()}
	h.table.Put(p)
	if h.onLaunch != nil {
		h.onLaunch(pid)
	}
	return h.sup.Adopt("game", p), pid
}

func (h *harness) Relaunch(context.Context) (*procsup.Instance, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.relaunches++
	inst, _ := h.spawn()
	return inst, nil
}

func (h *harness) Rerun(after time.Duration) {
	h.mu.Lock()
	h.reruns = append(h.reruns, after)
	h.mu.Unlock()
}

func (h *harness) run(t *testing.T, cfg Config, desk desktop.Backend, lastFix func() time.Time) Result {
	t.Helper()
	h.mu.Lock()
	inst, _ := h.spawn()
	h.mu.Unlock()
	wd := New(cfg, desk, h.log, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return wd.Run(ctx, Target{TaskID: taskID, TaskName: "Game", RunID: "run-1", Instance: inst, LastFix: lastFix}, h)
}

func TestStuckGivesUpAfterThreeRestarts(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.onLaunch = func(pid int32) {
		h.fake.SetWindows(desktop.Window{ID: fmt.Sprintf("w%d", pid), PID: pid, Title: "Game - Update Available"})
	}

	res := h.run(t, fastConfig(), h.fake.Backend(), nil)

	if h.relaunches != 3 || res.Restarts != 3 {
		t.Fatalf("relaunches = %d, restarts = %d, want 3 and 3", h.relaunches, res.Restarts)
	}
	if got := len(h.log.OfType(execlog.RestartScheduled, taskID)); got != 3 {
		t.Fatalf("RESTART_SCHEDULED entries = %d, want 3", got)
	}
	failed := h.log.OfType(execlog.Failed, taskID)
	if len(failed) != 1 || !strings.Contains(failed[0].Details, "gave up after 3 restarts") {
		t.Fatalf("FAILED entries = %+v", failed)
	}
	var stuck *StuckError
	if !errors.As(res.Err, &stuck) || stuck.Restarts != 3 {
		t.Fatalf("Err = %v, want *StuckError with 3 restarts", res.Err)
	}
	if res.State != Done {
		t.Fatalf("State = %v, want done", res.State)
	}
	if h.table.Len() != 0 {
		t.Fatalf("%d processes left running", h.table.Len())
	}
}

func TestStuckTitleRestartsOnFirstPoll(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	const title = "Update Available — Critical Patch"
	var first int32
	h.onLaunch = func(pid int32) {
		if first == 0 {
			first = pid
			h.fake.SetWindows(desktop.Window{ID: "patch", PID: pid, Title: title})
			return
		}
		h.fake.SetWindows(desktop.Window{ID: "main", PID: pid, Title: "Game"})
	}

	res := h.run(t, fastConfig(), h.fake.Backend(), nil)

	if h.relaunches != 1 || res.Restarts != 1 {
		t.Fatalf("relaunches = %d, restarts = %d, want 1", h.relaunches, res.Restarts)
	}
	entries := h.log.OfType(execlog.RestartScheduled, taskID)
	if len(entries) != 1 || entries[0].Details != "Stuck: Window Title: "+title+" (retry 1/3)" {
		t.Fatalf("RESTART_SCHEDULED = %+v", entries)
	}
	if entries[0].RunID != "run-1" {
		t.Fatalf("RunID = %q", entries[0].RunID)
	}
	var termed bool
	for _, s := range h.table.Signals() {
		if s.PID == first && s.Sig == syscall.SIGTERM {
			termed = true
		}
	}
	if !termed {
		t.Fatalf("stuck pid %d was not terminated: %+v", first, h.table.Signals())
	}
	if res.Reason != "monitor window elapsed" {
		t.Fatalf("Reason = %q", res.Reason)
	}
}

func TestContentScanFallsBackToOCR(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fake.NoAccessibility = true
	var first int32
	h.onLaunch = func(pid int32) {
		id := fmt.Sprintf("w%d", pid)
		h.fake.SetWindows(desktop.Window{ID: id, PID: pid, Title: "Game"})
		if first == 0 {
			first = pid
			h.fake.SetOCR(id, "A critical update is required")
		}
	}

	h.run(t, fastConfig(), h.fake.Backend(), nil)

	entries := h.log.OfType(execlog.RestartScheduled, taskID)
	if len(entries) != 1 || !strings.Contains(entries[0].Details, "Window Content (OCR): 'critical update'") {
		t.Fatalf("RESTART_SCHEDULED = %+v", entries)
	}
}

func TestDialogDismissed(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.onLaunch = func(pid int32) {
		h.fake.SetWindows(desktop.Window{ID: "dlg", PID: pid, Title: "Notice"})
		h.fake.SetButtons("dlg", "Cancel", "Confirm")
	}

	res := h.run(t, fastConfig(), h.fake.Backend(), nil)

	if got := h.fake.PressedLabels(); len(got) != 1 || got[0] != "dlg:Confirm" {
		t.Fatalf("pressed = %v", got)
	}
	if got := len(h.log.OfType(execlog.AutoDismissed, taskID)); got != 1 {
		t.Fatalf("AUTO_DISMISSED entries = %d, want 1", got)
	}
	if len(h.reruns) != 1 || h.reruns[0] != 30*time.Second {
		t.Fatalf("reruns = %v, want [30s]", h.reruns)
	}
	if res.State != Done || h.relaunches != 0 {
		t.Fatalf("state = %v relaunches = %d", res.State, h.relaunches)
	}
}

func TestDialogButtonMatchIgnoresCase(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.onLaunch = func(pid int32) {
		h.fake.SetWindows(desktop.Window{ID: "dlg", PID: pid, Title: "Game"})
		h.fake.SetTexts("dlg", "Download complete")
		h.fake.SetButtons("dlg", "CONTINUE")
	}

	h.run(t, fastConfig(), h.fake.Backend(), nil)

	if got := h.fake.PressedLabels(); len(got) != 1 || got[0] != "dlg:CONTINUE" {
		t.Fatalf("pressed = %v", got)
	}
}

func TestDialogFallsBackToConfirmKey(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fake.PressFails = true
	h.onLaunch = func(pid int32) {
		h.fake.SetWindows(desktop.Window{ID: "dlg", PID: pid, Title: "Download complete"})
	}

	h.run(t, fastConfig(), h.fake.Backend(), nil)

	if got := h.fake.SentKeys(); len(got) != 1 || got[0] != "dlg:Return" {
		t.Fatalf("keys = %v", got)
	}
	if got := len(h.log.OfType(execlog.AutoDismissed, taskID)); got != 1 {
		t.Fatalf("AUTO_DISMISSED entries = %d, want 1", got)
	}
}

// scripted returns one window list per call; past the end it returns none.
type scripted struct {
	mu    sync.Mutex
	lists [][]desktop.Window
	calls int
}

func (s *scripted) List(context.Context) ([]desktop.Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i >= len(s.lists) {
		return nil, nil
	}
	return s.lists[i], nil
}

func TestDialogPersistence(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		pattern  string // d = dialog visible, - = gone
		restarts int
	}{
		{"three in a row", "ddd", 1},
		{"reset when gone", "dd-dd-dd", 0},
		{"reset then three", "dd-ddd", 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			h.fake.PressFails = true
			h.fake.KeyErr = errors.New("no input")
			// The first launch gets pid 100.
			dlg := []desktop.Window{{ID: "dlg", PID: 100, Title: "Notice"}}
			s := &scripted{}
			for _, c := range tc.pattern {
				if c == 'd' {
					s.lists = append(s.lists, dlg)
				} else {
					s.lists = append(s.lists, nil)
				}
			}
			desk := h.fake.Backend()
			desk.Windows = s

			res := h.run(t, fastConfig(), desk, nil)

			if got := len(h.log.OfType(execlog.StuckRestartDlg, taskID)); got != tc.restarts {
				t.Fatalf("STUCK_RESTART_DLG entries = %d, want %d", got, tc.restarts)
			}
			if h.relaunches != tc.restarts || res.Restarts != tc.restarts {
				t.Fatalf("relaunches = %d restarts = %d, want %d", h.relaunches, res.Restarts, tc.restarts)
			}
		})
	}
}

func TestExitAfterVisualFixRelaunches(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	var launches int
	h.onLaunch = func(pid int32) {
		launches++
		if launches == 1 {
			// The updater exits right away.
			h.table.Remove(pid)
		}
	}
	fixed := time.Now()

	res := h.run(t, fastConfig(), h.fake.Backend(), func() time.Time { return fixed })

	if h.relaunches != 1 {
		t.Fatalf("relaunches = %d, want 1", h.relaunches)
	}
	entries := h.log.OfType(execlog.RestartScheduled, taskID)
	if len(entries) != 1 || !strings.HasPrefix(entries[0].Details, "Process exited after visual fix") {
		t.Fatalf("RESTART_SCHEDULED = %+v", entries)
	}
	if res.Reason != "monitor window elapsed" {
		t.Fatalf("Reason = %q", res.Reason)
	}
}

func TestExitWithoutFixEndsLoop(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.onLaunch = func(pid int32) { h.table.Remove(pid) }

	res := h.run(t, fastConfig(), h.fake.Backend(), func() time.Time { return time.Now().Add(-time.Hour) })

	if res.Reason != "all tracked processes exited" || h.relaunches != 0 {
		t.Fatalf("reason = %q relaunches = %d", res.Reason, h.relaunches)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	cfg := fastConfig()
	cfg.Window = time.Hour
	inst, _ := h.spawn()
	wd := New(cfg, h.fake.Backend(), h.log, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	go func() { done <- wd.Run(ctx, Target{TaskID: taskID, Instance: inst}, h) }()

	time.Sleep(20 * time.Millisecond)
	if got := wd.States()[taskID]; got != Polling {
		t.Fatalf("state while running = %v, want polling", got)
	}
	cancel()
	select {
	case res := <-done:
		if res.Reason != "cancelled" {
			t.Fatalf("Reason = %q", res.Reason)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if len(wd.States()) != 0 {
		t.Fatalf("states after Run = %v", wd.States())
	}
}
