package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"autolauncher/internal/eventbus"
	"autolauncher/internal/procsup"
	"autolauncher/internal/task"
	logx "autolauncher/pkg/logx"
)

// Plugin event types published on the bus.
const (
	EventEnabled  = "plugin.enabled"
	EventDisabled = "plugin.disabled"
	EventError    = "plugin.error"
	EventTimeout  = "plugin.timeout"
)

type pluginEvent struct {
	Plugin string `json:"plugin"`
	Stage  string `json:"stage,omitempty"`
	Err    string `json:"err,omitempty"`
	TookMS int64  `json:"took_ms,omitempty"`
}

// Status describes one registered plugin.
type Status struct {
	ID        string    `json:"id"`
	Enabled   bool      `json:"enabled"`
	LastError string    `json:"last_error,omitempty"`
	ErrorAt   time.Time `json:"error_at,omitempty"`
}

type Manager struct {
	mu       sync.Mutex
	log      logx.Logger
	bus      eventbus.Bus
	timeout  time.Duration
	reg      map[string]Plugin
	enabled  map[string]bool
	rawHash  map[string]uint64
	lastErr  map[string]Status
	shutdown bool
}

// NewManager returns an empty registry. timeout bounds every hook call;
// zero means 5s.
func NewManager(log logx.Logger, bus eventbus.Bus, timeout time.Duration) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Manager{
		log:     log.With(logx.String("comp", "plugins")),
		bus:     bus,
		timeout: timeout,
		reg:     map[string]Plugin{},
		enabled: map[string]bool{},
		rawHash: map[string]uint64{},
		lastErr: map[string]Status{},
	}
}

// Register adds plugins. A later plugin with the same id replaces the
// earlier one.
func (m *Manager) Register(ps ...Plugin) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range ps {
		if p == nil || p.ID() == "" {
			continue
		}
		if _, dup := m.reg[p.ID()]; dup {
			m.log.Warn("plugin replaced", logx.String("plugin", p.ID()))
		}
		m.reg[p.ID()] = p
	}
}

// Reconcile enables, disables and reconfigures plugins to match settings.
// Plugins missing from settings are disabled.
func (m *Manager) Reconcile(ctx context.Context, settings map[string]Settings) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.reg))
	for id := range m.reg {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)

	for id := range settings {
		if _, ok := m.plugin(id); !ok {
			m.log.Warn("config for unknown plugin", logx.String("plugin", id))
		}
	}
	for _, id := range ids {
		st := settings[id]
		if !st.Enabled {
			_ = m.Disable(ctx, id)
			continue
		}
		if err := m.enable(ctx, id, st); err != nil {
			m.log.Warn("plugin not enabled", logx.String("plugin", id), logx.Err(err))
		}
	}
}

// Enable turns a plugin on with an empty config block.
func (m *Manager) Enable(ctx context.Context, id string) error {
	return m.enable(ctx, id, Settings{Enabled: true})
}

func (m *Manager) enable(ctx context.Context, id string, st Settings) error {
	p, ok := m.plugin(id)
	if !ok {
		return fmt.Errorf("plugin %q not registered", id)
	}
	h := canonicalHashJSON(st.Config)
	m.mu.Lock()
	on := m.enabled[id]
	same := m.rawHash[id] == h
	m.mu.Unlock()
	if on && same {
		return nil
	}

	if c, ok := p.(Configurable); ok {
		if err := m.call(ctx, id, "configure", func(c2 context.Context) error { return c.Configure(c2, st.Config) }); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.rawHash[id] = h
	m.enabled[id] = true
	m.mu.Unlock()
	if on {
		m.log.Info("plugin reconfigured", logx.String("plugin", id))
		return nil
	}
	if hk, ok := p.(EnableHook); ok {
		if err := m.call(ctx, id, "enable", hk.OnEnable); err != nil {
			m.mu.Lock()
			m.enabled[id] = false
			m.mu.Unlock()
			return err
		}
	}
	m.log.Info("plugin enabled", logx.String("plugin", id))
	m.emit(EventEnabled, pluginEvent{Plugin: id})
	return nil
}

// Disable turns a plugin off. Disabling a disabled plugin is a no-op.
func (m *Manager) Disable(ctx context.Context, id string) error {
	p, ok := m.plugin(id)
	if !ok {
		return fmt.Errorf("plugin %q not registered", id)
	}
	m.mu.Lock()
	on := m.enabled[id]
	m.enabled[id] = false
	delete(m.rawHash, id)
	m.mu.Unlock()
	if !on {
		return nil
	}
	var err error
	if hk, ok := p.(DisableHook); ok {
		err = m.call(ctx, id, "disable", hk.OnDisable)
	}
	m.log.Info("plugin disabled", logx.String("plugin", id))
	m.emit(EventDisabled, pluginEvent{Plugin: id})
	return err
}

// AppStart notifies enabled plugins that the daemon is up.
func (m *Manager) AppStart(ctx context.Context) {
	for _, p := range m.active() {
		if hk, ok := p.(AppStartHook); ok {
			_ = m.call(ctx, p.ID(), "app_start", hk.OnAppStart)
		}
	}
}

// AppShutdown notifies enabled plugins once; later calls do nothing.
func (m *Manager) AppShutdown(ctx context.Context) {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	m.shutdown = true
	m.mu.Unlock()
	for _, p := range m.active() {
		if hk, ok := p.(AppShutdownHook); ok {
			_ = m.call(ctx, p.ID(), "app_shutdown", hk.OnAppShutdown)
		}
	}
}

// OnTaskStart forwards to every enabled TaskStartHook.
func (m *Manager) OnTaskStart(ctx context.Context, t task.Task, inst *procsup.Instance) {
	for _, p := range m.active() {
		if hk, ok := p.(TaskStartHook); ok {
			_ = m.call(ctx, p.ID(), "task_start", func(c context.Context) error { return hk.OnTaskStart(c, t, inst) })
		}
	}
}

// OnTaskEnd forwards to every enabled TaskEndHook.
func (m *Manager) OnTaskEnd(ctx context.Context, taskID int64) {
	for _, p := range m.active() {
		if hk, ok := p.(TaskEndHook); ok {
			_ = m.call(ctx, p.ID(), "task_end", func(c context.Context) error { return hk.OnTaskEnd(c, taskID) })
		}
	}
}

func (m *Manager) Snapshot() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.reg))
	for id := range m.reg {
		st := m.lastErr[id]
		st.ID = id
		st.Enabled = m.enabled[id]
		out = append(out, st)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

func (m *Manager) plugin(id string) (Plugin, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.reg[id]
	return p, ok
}

func (m *Manager) active() []Plugin {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Plugin, 0, len(m.reg))
	for id, p := range m.reg {
		if m.enabled[id] {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID() < out[b].ID() })
	return out
}

// call runs one hook with panic recovery and the per-call timeout. A hook
// that ignores its context is abandoned once the timeout passes.
func (m *Manager) call(ctx context.Context, id, stage string, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- m.safeCall(id+"."+stage, func() error { return fn(cctx) })
	}()

	var err error
	select {
	case err = <-done:
	case <-cctx.Done():
		err = fmt.Errorf("%s %s: %w", id, stage, cctx.Err())
		m.log.Warn("plugin hook timed out", logx.String("plugin", id), logx.String("stage", stage))
		m.emit(EventTimeout, pluginEvent{Plugin: id, Stage: stage, TookMS: time.Since(start).Milliseconds()})
	}
	if err != nil {
		m.mu.Lock()
		m.lastErr[id] = Status{LastError: err.Error(), ErrorAt: time.Now()}
		m.mu.Unlock()
		m.log.Warn("plugin hook failed", logx.String("plugin", id), logx.String("stage", stage), logx.Err(err))
		m.emit(EventError, pluginEvent{Plugin: id, Stage: stage, Err: err.Error()})
	}
	return err
}

func (m *Manager) safeCall(label string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in plugin call",
				logx.String("call", label),
				logx.Any("panic", r),
				logx.Stack(logx.StackTrace(3, 32)),
			)
			err = fmt.Errorf("panic in %s: %v", label, r)
		}
	}()
	return fn()
}

func (m *Manager) emit(typ string, data pluginEvent) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}
