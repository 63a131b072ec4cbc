package procsup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	logx "autolauncher/pkg/logx"
)

func fastConfig() Config {
	return Config{
		DiscoveryTimeout: 300 * time.Millisecond,
		DiscoveryPoll:    10 * time.Millisecond,
		EarlyExitAfter:   30 * time.Millisecond,
		AdoptInterval:    10 * time.Millisecond,
		ChildGrace:       50 * time.Millisecond,
		RootGrace:        50 * time.Millisecond,
	}
}

func TestDiscoverSpawned(t *testing.T) {
	t.Parallel()
	now := time.Now()
	table := NewMemTable(
		Proc{PID: 10, Name: "bash", Created: now},
		Proc{PID: 11, Name: "steam", Created: now},
		Proc{PID: 12, Name: "game-bin", Created: now},
		Proc{PID: 13, Name: "old-daemon", Created: now.Add(-time.Hour)},
		Proc{PID: 14, Name: "dead", Created: now, Zombie: true},
	)
	s := New(fastConfig(), table, logx.Nop())
	start := now.Add(-time.Second)

	got := s.DiscoverSpawned(context.Background(), DiscoverOptions{NameHint: "game", SearchStart: start})
	if len(got) != 1 || got[0].PID != 12 {
		t.Fatalf("hinted discovery = %+v, want only pid 12", got)
	}

	got = s.DiscoverSpawned(context.Background(), DiscoverOptions{SearchStart: start})
	pids := map[int32]bool{}
	for _, p := range got {
		pids[p.PID] = true
	}
	if len(got) != 2 || !pids[11] || !pids[12] {
		t.Fatalf("unhinted discovery = %+v, want pids 11 and 12", got)
	}
}

func TestDiscoverIgnoresStaleHintMatch(t *testing.T) {
	t.Parallel()
	table := NewMemTable(Proc{PID: 20, Name: "game-bin", Created: time.Now().Add(-time.Minute)})
	s := New(fastConfig(), table, logx.Nop())
	got := s.DiscoverSpawned(context.Background(), DiscoverOptions{NameHint: "game-bin", Timeout: 50 * time.Millisecond})
	if len(got) != 0 {
		t.Fatalf("DiscoverSpawned = %+v, want none", got)
	}
}

func TestWaitAdoptsLateChild(t *testing.T) {
	t.Parallel()
	now := time.Now()
	table := NewMemTable(Proc{PID: 100, Name: "launcher", Created: now})
	s := New(fastConfig(), table, logx.Nop())
	inst := s.Adopt("launcher", Proc{PID: 100, Name: "launcher"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- inst.Wait(ctx) }()

	time.Sleep(30 * time.Millisecond)
	table.Put(Proc{PID: 101, PPID: 100, Name: "payload", Created: time.Now()})

	// Within one adoption interval (plus slack) the child is tracked.
	deadline := time.Now().Add(time.Second)
	for !contains(inst.PIDs(), 101) {
		if time.Now().After(deadline) {
			t.Fatalf("child not adopted, tracked = %v", inst.PIDs())
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The root exits; the child keeps the instance alive.
	table.Remove(100)
	time.Sleep(50 * time.Millisecond)
	if inst.Finished() {
		t.Fatal("instance finished while child alive")
	}
	if got := inst.PIDs(); len(got) != 1 || got[0] != 101 {
		t.Fatalf("tracked = %v, want [101]", got)
	}

	table.Remove(101)
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Wait = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after the set emptied")
	}
	if !inst.Finished() {
		t.Fatal("Finished = false after Wait returned")
	}
}

func TestRefreshDropsReusedPID(t *testing.T) {
	t.Parallel()
	started := time.Now().Add(-time.Minute)
	table := NewMemTable(Proc{PID: 300, Name: "game-bin", Created: started})
	s := New(fastConfig(), table, logx.Nop())
	inst := s.Adopt("game", Proc{PID: 300, Name: "game-bin"})

	// First read pins the creation time.
	if n := inst.Refresh(context.Background()); n != 1 {
		t.Fatalf("Refresh = %d, want 1", n)
	}
	// The game exits and an unrelated process takes the pid.
	table.Put(Proc{PID: 300, Name: "cron", Created: time.Now()})
	if n := inst.Refresh(context.Background()); n != 0 {
		t.Fatalf("Refresh after reuse = %d, want 0 (tracked %v)", n, inst.PIDs())
	}
}

func TestTerminateSkipsReusedPID(t *testing.T) {
	t.Parallel()
	old := time.Now().Add(-time.Hour)
	table := NewMemTable(
		Proc{PID: 400, Name: "game-bin", Created: old},
		Proc{PID: 401, Name: "helper", Created: old},
	)
	s := New(fastConfig(), table, logx.Nop())
	inst := s.Adopt("game", Proc{PID: 400, Name: "game-bin", Created: old}, Proc{PID: 401, Name: "helper", Created: old})
	table.Put(Proc{PID: 401, Name: "sshd", Created: time.Now()})

	inst.Terminate(context.Background())
	for _, sig := range table.Signals() {
		if sig.PID == 401 {
			t.Fatalf("reused pid signalled: %v", table.Signals())
		}
	}
	if table.Len() != 1 {
		t.Fatalf("table len = %d, want only the reused pid left", table.Len())
	}
	if !inst.Finished() {
		t.Fatal("instance not finished after Terminate")
	}
}

func TestDesktopExec(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	write := func(name, body string) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		return path
	}
	cases := []struct {
		name, body, want string
	}{
		{"plain.desktop", "[Desktop Entry]\nName=Game\nExec=env FOO=1 /opt/game/game-bin %U\n", "game-bin"},
		{"tryexec.desktop", "[Desktop Entry]\nTryExec=/usr/bin/steam\nExec=/usr/bin/steam-runtime %U\n", "steam"},
		{"actions.desktop", "# launcher\n[Desktop Action editor]\nExec=/opt/game/editor\n\n[Desktop Entry]\nName[de]=Spiel\nExec=/opt/game/run.sh --level 1#2\n", "run.sh"},
		{"noentry.desktop", "[Desktop Action x]\nExec=/opt/game/x\n", ""},
	}
	for _, tc := range cases {
		if got := desktopExec(write(tc.name, tc.body)); got != tc.want {
			t.Errorf("desktopExec(%s) = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestTerminateTreeChildrenFirst(t *testing.T) {
	t.Parallel()
	table := NewMemTable(
		Proc{PID: 1, Name: "root"},
		Proc{PID: 2, PPID: 1, Name: "child"},
		Proc{PID: 3, PPID: 2, Name: "grandchild"},
	)
	table.Stubborn(3)
	s := New(fastConfig(), table, logx.Nop())

	if err := s.TerminateTree(context.Background(), 1); err != nil {
		t.Fatalf("TerminateTree error: %v", err)
	}
	want := []Signal{
		{3, syscall.SIGTERM},
		{2, syscall.SIGTERM},
		{3, syscall.SIGKILL},
		{1, syscall.SIGTERM},
	}
	got := table.Signals()
	if len(got) != len(want) {
		t.Fatalf("signals = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("signal[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if n := table.Len(); n != 0 {
		t.Fatalf("survivors = %d, want 0", n)
	}
}

func TestLaunch(t *testing.T) {
	t.Parallel()
	now := time.Now()
	table := NewMemTable(
		Proc{PID: 500, Name: "xdg-open", Created: now},
		Proc{PID: 501, Name: "game-bin", Created: now},
	)
	s := New(fastConfig(), table, logx.Nop())

	var gotName string
	release := make(chan struct{})
	s.start = func(name string, args []string, dir string) (int32, func() int, error) {
		gotName = name
		return 500, func() int { <-release; return 3 }, nil
	}

	dir := t.TempDir()
	desktop := filepath.Join(dir, "game.desktop")
	if err := os.WriteFile(desktop, []byte("[Desktop Entry]\nName=Game\nExec=env FOO=1 /opt/game/game-bin %U\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	inst, err := s.Launch(context.Background(), LaunchSpec{Target: desktop})
	if err != nil {
		t.Fatalf("Launch error: %v", err)
	}
	if gotName != "xdg-open" {
		t.Fatalf("spawned %q, want xdg-open", gotName)
	}
	if inst.Hint != "game-bin" || inst.Root() != 500 {
		t.Fatalf("hint=%q root=%d, want game-bin/500", inst.Hint, inst.Root())
	}
	if pids := inst.PIDs(); len(pids) != 2 {
		t.Fatalf("tracked = %v, want [500 501]", pids)
	}
	if _, ok := inst.ExitCode(); ok {
		t.Fatal("exit code known before root exited")
	}
	close(release)
	deadline := time.Now().Add(time.Second)
	for {
		if code, ok := inst.ExitCode(); ok {
			if code != 3 {
				t.Fatalf("ExitCode = %d, want 3", code)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("exit code never recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLaunchEmptyTarget(t *testing.T) {
	t.Parallel()
	s := New(fastConfig(), NewMemTable(), logx.Nop())
	_, err := s.Launch(context.Background(), LaunchSpec{Target: "  "})
	var le *LaunchError
	if !errors.As(err, &le) {
		t.Fatalf("Launch = %v, want *LaunchError", err)
	}
}

func TestNameHint(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"/usr/bin/steam":        "steam",
		"/opt/game/run.sh":      "run",
		"/opt/Game.AppImage":    "Game",
		"https://example.com/x": "",
	}
	for in, want := range cases {
		if got := NameHint(in); got != want {
			t.Errorf("NameHint(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMatchesHint(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name, hint string
		want       bool
	}{
		{"game-bin", "game", true},
		{"GAME-BIN", "game-bin", true},
		{"averylongprogra", "averylongprogramname", true},
		{"other", "game", false},
		{"game", "", false},
	}
	for _, tc := range cases {
		if got := matchesHint(tc.name, tc.hint); got != tc.want {
			t.Errorf("matchesHint(%q, %q) = %v, want %v", tc.name, tc.hint, got, tc.want)
		}
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	a, b := &Instance{}, &Instance{}
	if prev := r.Put(1, a); prev != nil {
		t.Fatalf("Put = %v, want nil", prev)
	}
	if prev := r.Put(1, b); prev != a {
		t.Fatal("Put did not return the replaced instance")
	}
	if r.Delete(1, a) {
		t.Fatal("Delete with stale instance succeeded")
	}
	if !r.Delete(1, b) || r.Len() != 0 {
		t.Fatal("Delete with current instance failed")
	}
}

func contains(pids []int32, pid int32) bool {
	for _, p := range pids {
		if p == pid {
			return true
		}
	}
	return false
}
