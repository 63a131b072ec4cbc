// Package procsup launches task targets and supervises the process trees
// they produce.
//
// Launchers and shortcuts often start the real payload and exit right away,
// so a launch is followed by a discovery pass over the process table and a
// wait loop that keeps adopting new descendants until the tracked set is
// empty.
package procsup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "autolauncher/pkg/logx"
)

// Config tunes discovery, adoption and termination. Zero fields use the
// defaults below.
type Config struct {
	DiscoveryTimeout time.Duration // 8s
	DiscoveryPoll    time.Duration // 200ms
	HintMaxAge       time.Duration // 30s
	EarlyExitAfter   time.Duration // 3s
	SearchLead       time.Duration // 2s before launch
	AdoptInterval    time.Duration // 1s
	ChildGrace       time.Duration // 3s
	RootGrace        time.Duration // 2s
	// Noise replaces the built-in deny-list when non-empty.
	Noise []string
	// Opener is the native "open" command; default xdg-open.
	Opener string
}

func (c Config) withDefaults() Config {
	def := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	def(&c.DiscoveryTimeout, 8*time.Second)
	def(&c.DiscoveryPoll, 200*time.Millisecond)
	def(&c.HintMaxAge, 30*time.Second)
	def(&c.EarlyExitAfter, 3*time.Second)
	def(&c.SearchLead, 2*time.Second)
	def(&c.AdoptInterval, time.Second)
	def(&c.ChildGrace, 3*time.Second)
	def(&c.RootGrace, 2*time.Second)
	if len(c.Noise) == 0 {
		c.Noise = DefaultNoise
	}
	if strings.TrimSpace(c.Opener) == "" {
		c.Opener = "xdg-open"
	}
	return c
}

// DefaultNoise lists process names that appear around any launch on a
// Linux desktop and never belong to the task. Names are matched against
// the kernel comm (15 chars max).
var DefaultNoise = []string{
	"xdg-open", "gio", "gio-launch-desk", "kde-open", "kde-open5", "kioclient5", "exo-open",
	"dbus-daemon", "dbus-launch", "at-spi-bus-laun", "at-spi2-registr",
	"xdg-desktop-por", "xdg-document-po", "xdg-permission-",
	"gvfsd", "gvfsd-fuse", "gvfsd-metadata", "systemd", "systemd-userwor", "(sd-pam)",
	"kworker", "sh", "bash", "dash", "sleep", "ps", "pgrep",
	"xdotool", "xprop", "xwininfo", "import", "tesseract", "nvidia-smi", "xprintidle",
}

// LaunchSpec is what to start.
type LaunchSpec struct {
	Target  string
	Args    []string
	WorkDir string
	// NameHint overrides the hint resolved from Target.
	NameHint string
}

// LaunchError is a spawn failure. Launch failures are not retried.
type LaunchError struct {
	Target string
	Err    error
}

func (e *LaunchError) Error() string { return fmt.Sprintf("launch %s: %v", e.Target, e.Err) }
func (e *LaunchError) Unwrap() error { return e.Err }

// Supervisor launches targets and owns the process table access.
type Supervisor struct {
	cfg   Config
	table ProcTable
	log   logx.Logger
	self  int32

	// start spawns a process; swapped in tests.
	start func(name string, args []string, dir string) (pid int32, wait func() int, err error)
}

func New(cfg Config, table ProcTable, log logx.Logger) *Supervisor {
	if table == nil {
		table = SystemTable{}
	}
	return &Supervisor{
		cfg:   cfg.withDefaults(),
		table: table,
		log:   log,
		self:  int32(os.Getpid()),
		start: execStart,
	}
}

func (s *Supervisor) Config() Config { return s.cfg }

// Launch starts the target and discovers the processes it produced. The
// returned Instance may already be empty when the target exited at once.
func (s *Supervisor) Launch(ctx context.Context, spec LaunchSpec) (*Instance, error) {
	target := strings.TrimSpace(spec.Target)
	if target == "" {
		return nil, &LaunchError{Target: spec.Target, Err: errors.New("empty target")}
	}
	hint := spec.NameHint
	if hint == "" {
		hint = NameHint(target)
	}

	name, args := target, spec.Args
	if needsOpener(target) {
		name, args = s.cfg.Opener, append([]string{target}, spec.Args...)
	}

	launchedAt := time.Now()
	pid, wait, err := s.start(name, args, spec.WorkDir)
	if err != nil {
		return nil, &LaunchError{Target: target, Err: err}
	}
	log := s.log.With(logx.String("target", filepath.Base(target)))
	log.Info("launched", logx.Int32("pid", pid), logx.String("hint", hint), logx.Bool("opener", name != target))

	inst := newInstance(s, hint, launchedAt)
	inst.root = pid
	// Creation time is taken from the first table read.
	inst.add(Proc{PID: pid, Name: filepath.Base(name)})
	go func() {
		code := wait()
		inst.setExitCode(code)
	}()

	found := s.DiscoverSpawned(ctx, DiscoverOptions{
		NameHint:    hint,
		SearchStart: launchedAt.Add(-s.cfg.SearchLead),
	})
	inst.add(found...)
	log.Debug("discovery done", logx.Int("found", len(found)), logx.Int("tracked", inst.Len()))
	return inst, nil
}

func execStart(name string, args []string, dir string) (int32, func() int, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return 0, nil, err
	}
	wait := func() int {
		err := cmd.Wait()
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return ee.ExitCode()
		}
		if err != nil {
			return -1
		}
		return 0
	}
	return int32(cmd.Process.Pid), wait, nil
}

// needsOpener reports whether target should go through the desktop opener
// (shortcuts, documents, URLs) instead of a direct spawn.
func needsOpener(target string) bool {
	if strings.Contains(target, "://") {
		return true
	}
	if strings.EqualFold(filepath.Ext(target), ".desktop") {
		return true
	}
	fi, err := os.Stat(target)
	if err != nil {
		// Bare command names resolve through PATH.
		_, lerr := exec.LookPath(target)
		return lerr != nil
	}
	return fi.IsDir() || fi.Mode().Perm()&0o111 == 0
}

// Registry is the shared map of running instances keyed by task id.
type Registry struct {
	mu    sync.Mutex
	items map[int64]*Instance
}

func NewRegistry() *Registry { return &Registry{items: map[int64]*Instance{}} }

// Put stores inst and returns the previous instance, if any.
func (r *Registry) Put(id int64, inst *Instance) *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.items[id]
	r.items[id] = inst
	return prev
}

func (r *Registry) Get(id int64) (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.items[id]
	return inst, ok
}

// Delete removes id only when it still maps to inst (nil matches any).
func (r *Registry) Delete(id int64, inst *Instance) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.items[id]
	if !ok || (inst != nil && cur != inst) {
		return false
	}
	delete(r.items, id)
	return true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// Snapshot returns a copy of the map.
func (r *Registry) Snapshot() map[int64]*Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int64]*Instance, len(r.items))
	for k, v := range r.items {
		out[k] = v
	}
	return out
}
