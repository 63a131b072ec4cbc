package scheduler

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"autolauncher/internal/eventbus"
	"autolauncher/internal/execlog"
	rtsup "autolauncher/internal/runtime/supervisor"
	"autolauncher/internal/task/engine"
	logx "autolauncher/pkg/logx"
)

// Deps are the collaborators of the scheduler. Engine and Launcher are
// required; everything else may be nil.
type Deps struct {
	Engine   *engine.Service
	Launcher Launcher
	Power    Power
	Busy     BusyChecker
	Idle     IdleSource
	Store    PostponeStore
	Sink     execlog.Sink
	Bus      eventbus.Bus
	Monitor  Monitor
	// NewVisual builds a matcher for one run of a task with visual
	// fallback enabled.
	NewVisual func() Visual
	Observer  Observer
}

type Service struct {
	mu     sync.Mutex
	cfg    Config
	deps   Deps
	log    logx.Logger
	parser cron.Parser
	now    func() time.Time

	c    *cron.Cron
	loc  *time.Location
	sup  *rtsup.Supervisor
	base context.Context

	jobs    map[int64]*job
	oneoffs map[string]*oneOff
	pending map[int64]*pending
	verSeq  uint64

	runMu   sync.Mutex
	running map[int64]*run

	wakeMu      sync.Mutex
	wakeAt      time.Time
	wakeTask    int64
	loggedWake  time.Time
	holdTimer   *time.Timer
	holdVer     uint64
	holds       int
	heldFor     time.Time // wake instant of the latest hold
	holdRelease *time.Timer
	rearmHold   atomic.Bool

	enqMu      sync.Mutex
	enqLimiter map[string]*rate.Limiter
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Sink == nil {
		deps.Sink = execlog.NewRecorder(nil, deps.Bus, log)
	}
	s := &Service{
		cfg:  cfg.withDefaults(),
		deps: deps,
		log:  log.With(logx.String("comp", "scheduler")),
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:     cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		now:        time.Now,
		base:       context.Background(),
		jobs:       map[int64]*job{},
		oneoffs:    map[string]*oneOff{},
		pending:    map[int64]*pending{},
		running:    map[int64]*run{},
		enqLimiter: map[string]*rate.Limiter{},
	}
	s.loc = s.loadLocationLocked()
	return s
}

func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply swaps the timings and gate mode. A timezone change rebuilds the
// cron triggers.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if oldTZ != strings.TrimSpace(cfg.Timezone) {
		s.loc = s.loadLocationLocked()
		if s.c != nil {
			s.restartLocked()
		}
	}
	s.mu.Unlock()
	s.log.Info("scheduler config applied", logx.String("mode", string(cfg.Mode)), logx.String("tz", cfg.Timezone))
	s.refreshWake()
}

// Start starts cron triggering, the wake refresh and the maintenance loop.
// Jobs added before Start are armed now.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.c != nil {
		s.mu.Unlock()
		return
	}
	s.base = ctx
	s.loc = s.loadLocationLocked()
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.c = s.newCronLocked()
	for _, j := range s.jobs {
		s.armLocked(j)
	}
	s.c.Start()
	cleanup := s.cfg.CleanupInterval
	sup := s.sup
	s.mu.Unlock()

	sup.Go("maintenance", func(c context.Context) error {
		s.maintenance(c, cleanup)
		return nil
	})
	s.log.Info("scheduler started")
	s.refreshWake()
}

// Stop halts triggering and stops every running task's monitoring. Running
// programs are left alone.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	sup := s.sup
	s.c, s.sup = nil, nil
	for _, j := range s.jobs {
		s.disarmLocked(j)
	}
	for _, o := range s.oneoffs {
		if o.timer != nil {
			o.timer.Stop()
		}
	}
	for _, p := range s.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	s.mu.Unlock()

	if c != nil {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
	}
	s.runMu.Lock()
	for _, r := range s.running {
		r.cancel()
	}
	s.runMu.Unlock()
	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
	s.wakeMu.Lock()
	if s.holdTimer != nil {
		s.holdTimer.Stop()
	}
	s.wakeMu.Unlock()
	s.log.Info("scheduler stopped")
}

func (s *Service) newCronLocked() *cron.Cron {
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	if _, err := c.AddFunc("@every "+s.cfg.WakeRefresh.String(), s.refreshWake); err != nil {
		s.log.Warn("wake refresh not scheduled", logx.Err(err))
	}
	return c
}

// restartLocked rebuilds cron (new location or stale timers after a clock
// jump) and re-arms every timer with fresh durations.
func (s *Service) restartLocked() {
	if s.c != nil {
		s.c.Stop()
	}
	s.c = s.newCronLocked()
	now := s.now()
	for _, j := range s.jobs {
		s.disarmLocked(j)
		if j.sched != nil {
			j.next = j.sched.Next(now.In(s.loc))
		}
		s.armLocked(j)
	}
	for _, o := range s.oneoffs {
		s.armOneOffLocked(o)
	}
	s.c.Start()
	// The pre-wake timer is re-armed by the next refreshWake.
	s.rearmHold.Store(true)
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" || strings.EqualFold(tz, "local") {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// maintenance reaps finished runs and detects wall-clock jumps that the
// monotonic timers cannot see (suspend, manual clock changes).
func (s *Service) maintenance(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	prev := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			mono := now.Sub(prev)
			wall := now.Round(0).Sub(prev.Round(0))
			prev = now
			if drift := wall - mono; drift > s.Config().DriftThreshold || drift < -s.Config().DriftThreshold {
				s.log.Info("clock jump detected", logx.Duration("drift", drift))
				s.CatchUp()
			}
			s.cleanup(ctx)
		}
	}
}

func (s *Service) record(ctx context.Context, e execlog.Entry) {
	if e.Time.IsZero() {
		e.Time = s.now()
	}
	s.deps.Sink.Record(ctx, e)
}

func (s *Service) publish(typ string, data any) {
	if s.deps.Bus == nil {
		return
	}
	s.deps.Bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: data})
}
