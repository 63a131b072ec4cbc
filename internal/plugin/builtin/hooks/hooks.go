// Package hooks runs user commands around task and daemon lifecycle
// events.
//
//	plugins:
//	  hooks:
//	    enabled: true
//	    config:
//	      on_start: ["notify-send", "autolauncher", "task started"]
//	      on_end: ["/usr/local/bin/after-game.sh"]
//	      tasks: [1, 3]
//
// Commands get AUTOLAUNCHER_EVENT, AUTOLAUNCHER_TASK_ID,
// AUTOLAUNCHER_TASK_NAME and AUTOLAUNCHER_PIDS in their environment.
package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"autolauncher/internal/plugin"
	"autolauncher/internal/procsup"
	"autolauncher/internal/task"
	logx "autolauncher/pkg/logx"
)

const ID = "hooks"

type Config struct {
	OnStart       []string `json:"on_start,omitempty"`
	OnEnd         []string `json:"on_end,omitempty"`
	OnAppStart    []string `json:"on_app_start,omitempty"`
	OnAppShutdown []string `json:"on_app_shutdown,omitempty"`
	// Tasks limits task hooks to these ids; empty means every task.
	Tasks []int64 `json:"tasks,omitempty"`
}

type Plugin struct {
	log logx.Logger

	mu    sync.Mutex
	cfg   Config
	names map[int64]string

	// run executes one command; swapped in tests.
	run func(ctx context.Context, argv, env []string) error
}

func New(log logx.Logger) *Plugin {
	return &Plugin{
		log:   log.With(logx.String("plugin", ID)),
		names: map[int64]string{},
		run:   runCommand,
	}
}

func (p *Plugin) ID() string { return ID }

func (p *Plugin) Configure(_ context.Context, raw json.RawMessage) error {
	cfg, err := plugin.DecodeConfig[Config](raw)
	if err != nil {
		return fmt.Errorf("hooks config: %w", err)
	}
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
	return nil
}

func (p *Plugin) OnTaskStart(ctx context.Context, t task.Task, inst *procsup.Instance) error {
	cfg := p.config()
	if !cfg.wants(t.ID) {
		return nil
	}
	p.mu.Lock()
	p.names[t.ID] = t.DisplayName()
	p.mu.Unlock()

	var pids []string
	if inst != nil {
		for _, pid := range inst.PIDs() {
			pids = append(pids, strconv.Itoa(int(pid)))
		}
	}
	return p.exec(ctx, cfg.OnStart, "task_start",
		"AUTOLAUNCHER_TASK_ID="+strconv.FormatInt(t.ID, 10),
		"AUTOLAUNCHER_TASK_NAME="+t.DisplayName(),
		"AUTOLAUNCHER_PIDS="+strings.Join(pids, ","),
	)
}

func (p *Plugin) OnTaskEnd(ctx context.Context, taskID int64) error {
	cfg := p.config()
	if !cfg.wants(taskID) {
		return nil
	}
	p.mu.Lock()
	name := p.names[taskID]
	delete(p.names, taskID)
	p.mu.Unlock()
	return p.exec(ctx, cfg.OnEnd, "task_end",
		"AUTOLAUNCHER_TASK_ID="+strconv.FormatInt(taskID, 10),
		"AUTOLAUNCHER_TASK_NAME="+name,
	)
}

func (p *Plugin) OnAppStart(ctx context.Context) error {
	return p.exec(ctx, p.config().OnAppStart, "app_start")
}

func (p *Plugin) OnAppShutdown(ctx context.Context) error {
	return p.exec(ctx, p.config().OnAppShutdown, "app_shutdown")
}

func (p *Plugin) config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

func (c Config) wants(id int64) bool {
	if len(c.Tasks) == 0 {
		return true
	}
	for _, t := range c.Tasks {
		if t == id {
			return true
		}
	}
	return false
}

func (p *Plugin) exec(ctx context.Context, argv []string, event string, env ...string) error {
	if len(argv) == 0 {
		return nil
	}
	env = append([]string{"AUTOLAUNCHER_EVENT=" + event}, env...)
	p.log.Debug("running hook", logx.String("event", event), logx.String("cmd", argv[0]))
	if err := p.run(ctx, argv, env); err != nil {
		return fmt.Errorf("%s hook %q: %w", event, argv[0], err)
	}
	return nil
}

func runCommand(ctx context.Context, argv, env []string) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), env...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) && len(out) > 0 {
			return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
		}
		return err
	}
	return nil
}
