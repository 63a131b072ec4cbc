package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"autolauncher/internal/procsup"
	"autolauncher/internal/task"
	logx "autolauncher/pkg/logx"
)

type call struct {
	argv []string
	env  []string
}

func newTestPlugin(t *testing.T, raw string) (*Plugin, *[]call) {
	t.Helper()
	p := New(logx.Nop())
	var (
		mu    sync.Mutex
		calls []call
	)
	p.run = func(_ context.Context, argv, env []string) error {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, call{argv: argv, env: env})
		return nil
	}
	if err := p.Configure(context.Background(), json.RawMessage(raw)); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	return p, &calls
}

func envValue(env []string, key string) string {
	for _, kv := range env {
		if strings.HasPrefix(kv, key+"=") {
			return strings.TrimPrefix(kv, key+"=")
		}
	}
	return ""
}

func TestTaskHooksGetEnvironment(t *testing.T) {
	t.Parallel()
	p, calls := newTestPlugin(t, `{"on_start":["/bin/started","x"],"on_end":["/bin/ended"]}`)
	table := procsup.NewMemTable()
	sup := procsup.New(procsup.Config{}, table, logx.Nop())
	inst := sup.Adopt("game", procsup.Proc{PID: 41}, procsup.Proc{PID: 42})

	tk := task.Task{ID: 5, Name: "Daily Login", Target: "/games/a"}
	if err := p.OnTaskStart(context.Background(), tk, inst); err != nil {
		t.Fatalf("OnTaskStart: %v", err)
	}
	if err := p.OnTaskEnd(context.Background(), 5); err != nil {
		t.Fatalf("OnTaskEnd: %v", err)
	}
	if len(*calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(*calls))
	}
	start, end := (*calls)[0], (*calls)[1]
	if strings.Join(start.argv, " ") != "/bin/started x" {
		t.Fatalf("argv = %v", start.argv)
	}
	tests := []struct {
		env  []string
		key  string
		want string
	}{
		{start.env, "AUTOLAUNCHER_EVENT", "task_start"},
		{start.env, "AUTOLAUNCHER_TASK_ID", "5"},
		{start.env, "AUTOLAUNCHER_TASK_NAME", "Daily Login"},
		{start.env, "AUTOLAUNCHER_PIDS", "41,42"},
		{end.env, "AUTOLAUNCHER_EVENT", "task_end"},
		{end.env, "AUTOLAUNCHER_TASK_NAME", "Daily Login"},
	}
	for _, tt := range tests {
		if got := envValue(tt.env, tt.key); got != tt.want {
			t.Fatalf("%s = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestTaskFilter(t *testing.T) {
	t.Parallel()
	p, calls := newTestPlugin(t, `{"on_start":["/bin/x"],"tasks":[2]}`)
	_ = p.OnTaskStart(context.Background(), task.Task{ID: 1, Target: "a"}, nil)
	_ = p.OnTaskStart(context.Background(), task.Task{ID: 2, Target: "b"}, nil)
	if len(*calls) != 1 || envValue((*calls)[0].env, "AUTOLAUNCHER_TASK_ID") != "2" {
		t.Fatalf("calls = %+v, want only task 2", *calls)
	}
}

func TestCommandErrorIsWrapped(t *testing.T) {
	t.Parallel()
	p := New(logx.Nop())
	boom := errors.New("exit status 1")
	p.run = func(context.Context, []string, []string) error { return boom }
	_ = p.Configure(context.Background(), json.RawMessage(`{"on_app_start":["/bin/fail"]}`))
	err := p.OnAppStart(context.Background())
	if !errors.Is(err, boom) || !strings.Contains(err.Error(), "app_start") {
		t.Fatalf("OnAppStart = %v", err)
	}
	if err := p.OnAppShutdown(context.Background()); err != nil {
		t.Fatalf("OnAppShutdown without command = %v", err)
	}
}

func TestBadConfigRejected(t *testing.T) {
	t.Parallel()
	p := New(logx.Nop())
	if err := p.Configure(context.Background(), json.RawMessage(`{"on_start":"not a list"}`)); err == nil {
		t.Fatal("Configure accepted a malformed block")
	}
}
