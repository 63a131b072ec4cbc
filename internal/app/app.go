package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"autolauncher/internal/config"
	"autolauncher/internal/desktop"
	"autolauncher/internal/eventbus"
	"autolauncher/internal/execlog"
	"autolauncher/internal/notify/telegram"
	"autolauncher/internal/plugin"
	"autolauncher/internal/plugin/builtin/hooks"
	"autolauncher/internal/power"
	"autolauncher/internal/procsup"
	rtsup "autolauncher/internal/runtime/supervisor"
	"autolauncher/internal/storage"
	"autolauncher/internal/sysmon"
	"autolauncher/internal/task/engine"
	"autolauncher/internal/task/scheduler"
	"autolauncher/internal/visual"
	"autolauncher/internal/watchdog"
	logx "autolauncher/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	sink  *execlog.Recorder

	engine *engine.Service
	sched  *scheduler.Service
	procs  *procsup.Supervisor
	power  *power.Coordinator
	logind *power.Logind
	mon    *sysmon.Monitor
	notif  *telegram.Notifier
	pm     *plugin.Manager
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	dir := cfgm.Dir()
	if err := validateConfig(cfg, dir); err != nil {
		return nil, err
	}

	// Alerts need the notifier, which needs the scheduler; bootstrap with
	// alerts off and Apply the final config once the notifier exists.
	logCfg := mapLogConfig(cfg.Logging)
	bootCfg := logCfg
	bootCfg.Alert.Enabled = false
	logSvc, log := logx.New(bootCfg)
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, _ := mapStorageConfig(cfg, dir)
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	sink := execlog.NewRecorder(store, bus, log.With(logx.String("comp", "execlog")))
	eng := engine.New(mapEngineConfig(cfg), log.With(logx.String("comp", "engine")))

	pcfg, _ := mapProcessConfig(cfg)
	procs := procsup.New(pcfg, procsup.SystemTable{}, log.With(logx.String("comp", "procsup")))

	pw, logind := openPower(cfg.Power, log.With(logx.String("comp", "power")))

	desk := openDesktop(cfg.Desktop)

	// The X server knows the last input; logind only flags idleness after
	// the desktop's own idle delay.
	idle := sysmon.FirstIdle{desk.Idle}
	if logind != nil {
		idle = append(idle, logind)
	}
	smcfg, _ := mapSysmonConfig(cfg, dir)
	mon := sysmon.New(smcfg, sysmon.HostSampler{}, idle, log.With(logx.String("comp", "sysmon")))
	wcfg, _ := mapWatchdogConfig(cfg)
	var monitor scheduler.Monitor
	if !cfg.Watchdog.Disabled {
		monitor = watchdog.New(wcfg, desk, sink, log.With(logx.String("comp", "watchdog")))
	}

	var newVisual func() scheduler.Visual
	if cfg.Visual.Enabled {
		tdir := templatesDir(cfg, dir)
		templates, err := visual.LoadTemplates(tdir)
		switch {
		case err != nil:
			log.Warn("visual templates unreadable; fallback disabled", logx.String("dir", tdir), logx.Err(err))
		case len(templates) == 0:
			log.Warn("no visual templates found; fallback disabled", logx.String("dir", tdir))
		default:
			vcfg, _ := mapVisualConfig(cfg)
			vlog := log.With(logx.String("comp", "visual"))
			newVisual = func() scheduler.Visual { return visual.New(vcfg, desk, templates, vlog) }
			log.Info("visual fallback ready", logx.Int("templates", len(templates)))
		}
	}

	pm := plugin.NewManager(log.With(logx.String("comp", "plugins")), bus, 0)
	pm.Register(hooks.New(log.With(logx.String("comp", "plugins"))))

	schedCfg, _ := mapSchedulerConfig(cfg)
	sched := scheduler.New(schedCfg, scheduler.Deps{
		Engine:    eng,
		Launcher:  procs,
		Power:     pw,
		Busy:      mon,
		Idle:      mon,
		Store:     store,
		Sink:      sink,
		Bus:       bus,
		Monitor:   monitor,
		NewVisual: newVisual,
		Observer:  pm,
	}, log)

	var notif *telegram.Notifier
	if tcfg, ok, _ := mapTelegramConfig(cfg); ok {
		notif, err = telegram.New(tcfg, bus, sched, log.With(logx.String("comp", "telegram")))
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		logSvc.SetNotifier(notif)
	}
	logSvc.Apply(logCfg)

	return &App{
		cfgm:   cfgm,
		log:    log,
		logs:   logSvc,
		bus:    bus,
		store:  store,
		sink:   sink,
		engine: eng,
		sched:  sched,
		procs:  procs,
		power:  pw,
		logind: logind,
		mon:    mon,
		notif:  notif,
		pm:     pm,
	}, nil
}

// openPower falls back to a no-op backend when logind is unreachable.
// Wake timers then report unarmed and scheduling continues without them.
func openPower(pc config.PowerConfig, log logx.Logger) (*power.Coordinator, *power.Logind) {
	if strings.EqualFold(pc.Backend, "none") {
		return power.NewCoordinator(power.NoopBackend{}, log), nil
	}
	l, err := power.NewLogind(pc.RTCPath, log)
	if err != nil {
		log.Warn("logind unavailable; wake timers disabled", logx.Err(err))
		return power.NewCoordinator(power.NoopBackend{}, log), nil
	}
	return power.NewCoordinator(l, log), l
}

func openDesktop(dc config.DesktopConfig) desktop.Backend {
	if strings.EqualFold(dc.Backend, "none") {
		return desktop.Backend{}
	}
	return desktop.NewX11(dc.Display, dc.OCRCommand)
}

func (a *App) Scheduler() *scheduler.Service { return a.sched }

func (a *App) Store() storage.Store { return a.store }

func (a *App) Plugins() *plugin.Manager { return a.pm }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg, a.cfgm.Dir())
	})

	cfg := a.cfgm.Get()
	seeds, err := tasksFromConfig(cfg, time.Now())
	if err != nil {
		return err
	}
	if err := seedTasks(ctx, a.store, seeds); err != nil {
		return err
	}

	a.engine.Start(runCtx)
	a.sched.Start(runCtx)
	if err := a.Resync(ctx); err != nil {
		return err
	}

	if a.notif != nil {
		a.notif.Start(runCtx)
	}

	if a.logind != nil {
		a.logind.OnResume(a.onResume)
		a.sup.GoRestart("power.logind", a.logind.Run, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	}

	a.pm.Reconcile(runCtx, pluginSettings(cfg))
	a.pm.AppStart(runCtx)

	// Debug trace of every bus event.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := cfg
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Int("tasks", len(seeds)))
	return nil
}

// Resync rebuilds the scheduler's job table from storage.
func (a *App) Resync(ctx context.Context) error {
	tasks, err := a.store.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	a.sched.ResyncAll(ctx, tasks)
	return nil
}

func (a *App) onResume(info power.WakeInfo) {
	ctx := a.sup.Context()
	a.sched.CatchUp()
	if err := a.Resync(ctx); err != nil {
		a.log.Warn("resync after resume failed", logx.Err(err))
	}
	a.bus.Publish(eventbus.Event{
		Type: eventbus.SystemResumed,
		Time: time.Now(),
		Data: eventbus.WakeData{At: info.WakeTime, Source: info.WakeSource},
	})
}

// applyConfig applies the live sections: logging, scheduler, plugins and
// the task seed list. The remaining sections need a restart.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections := changedSections(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", logx.Strings("changed", sections))

	a.logs.Apply(mapLogConfig(next.Logging))

	if sc, err := mapSchedulerConfig(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(sc)
	}

	a.pm.Reconcile(ctx, pluginSettings(next))

	if contains(sections, "tasks") {
		if seeds, err := tasksFromConfig(next, time.Now()); err != nil {
			a.log.Warn("invalid task seeds; keeping stored tasks", logx.Err(err))
		} else if err := seedTasks(ctx, a.store, seeds); err != nil {
			a.log.Warn("task reseed failed", logx.Err(err))
		} else if err := a.Resync(ctx); err != nil {
			a.log.Warn("resync after reload failed", logx.Err(err))
		}
	}

	for _, s := range sections {
		if restartOnly[s] {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Time: time.Now()})
	a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Plugins get their shutdown hook while the app context is still live.
	a.step(ctx, "plugins", 4*time.Second, func(c context.Context) error { a.pm.AppShutdown(c); return nil })

	a.sup.Cancel()

	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "engine", 2*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "telegram", 2*time.Second, func(c context.Context) error {
		if a.notif != nil {
			a.notif.Stop(c)
		}
		return nil
	})
	a.step(ctx, "power", time.Second, func(context.Context) error {
		if a.logind != nil {
			return a.logind.Close()
		}
		return nil
	})
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, logind, event log).
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}
