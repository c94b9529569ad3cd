package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tasknotify/internal/api"
	"tasknotify/internal/config"
	"tasknotify/internal/desktop"
	"tasknotify/internal/eventbus"
	"tasknotify/internal/gate"
	"tasknotify/internal/metrics"
	"tasknotify/internal/notifier"
	"tasknotify/internal/observe"
	"tasknotify/internal/poller"
	rtsup "tasknotify/internal/runtime/supervisor"
	"tasknotify/internal/scheduler"
	"tasknotify/internal/sound"
	"tasknotify/internal/state"
	"tasknotify/internal/storage"
	"tasknotify/internal/transport/telegram"
	logx "tasknotify/pkg/logx"
	"tasknotify/pkg/systemd"
)

// App owns every long-lived component and their lifecycle.
type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	flag    *state.EnabledFlag
	cursors *state.CursorStore

	notif    *notifier.Service
	player   *sound.CommandPlayer
	gate     *gate.Gate
	poller   *poller.Poller
	sched    *scheduler.Service
	observer *observe.Handler
	metrics  *metrics.Metrics
	api      *api.Service
	tg       *telegram.Bot
}

// New loads cfgPath and builds all components without starting anything.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLoggingConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		metrics: metrics.New(),
	}
	a.flag = state.NewFlag(store, enabledDefault(cfg), bus, root.With(logx.String("comp", "state")))
	a.cursors = state.NewCursors(store, bus, root.With(logx.String("comp", "state")))

	tcfg, _ := mapTelegramConfig(cfg)
	ncfg, _ := mapNotifierConfig(cfg)
	a.notif = notifier.New(ncfg, nil, root.With(logx.String("comp", "notifier")), bus)
	a.player = sound.NewCommandPlayer(mapSoundConfig(cfg), root.With(logx.String("comp", "sound")))
	a.gate = gate.New(a.flag, a.notif, a.player, bus, root.With(logx.String("comp", "gate")))
	a.observer = observe.NewHandler(a.gate, bus, root.With(logx.String("comp", "observe")))

	sources, err := buildSources(cfg, root.With(logx.String("comp", "source")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	pcfg, _ := mapPollerConfig(cfg)
	a.poller = poller.New(pcfg, sources, a.cursors, a.flag, a.gate, bus, root.With(logx.String("comp", "poller")))

	schedCfg, _ := mapSchedulerConfig(cfg)
	a.sched, err = scheduler.New(schedCfg, func(ctx context.Context) { a.poller.PollAll(ctx) }, root.With(logx.String("comp", "scheduler")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	if tcfg.Enabled {
		a.tg, err = telegram.New(tcfg, telegram.Controls{Flag: a.flag, Poller: a.poller}, root.With(logx.String("comp", "telegram")))
		if err != nil {
			_ = store.Close()
			return nil, err
		}
	}
	a.notif.SetSinks(a.sinks(cfg))

	acfg, _ := mapAPIConfig(cfg)
	a.api = api.New(acfg, api.Deps{
		Flag:     a.flag,
		Cursors:  a.cursors,
		Poller:   a.poller,
		Observer: a.observer,
		Tester:   a.gate,
		Metrics:  a.metrics,
		Status:   func(ctx context.Context) any { return a.Status(ctx) },
	}, root.With(logx.String("comp", "api")))

	return a, nil
}

// sinks assembles the delivery channels. The log sink is always present.
func (a *App) sinks(cfg *config.Config) []notifier.Sink {
	out := []notifier.Sink{notifier.NewLogSink(a.log.With(logx.String("comp", "notify.log")))}
	if cfg.Desktop.Enabled {
		out = append(out, desktop.NewSink(cfg.Desktop.Command))
	}
	if a.tg != nil {
		if cfg.Telegram.ChatID != 0 {
			out = append(out, a.tg)
		} else {
			a.log.Warn("telegram chat_id not set; telegram notifications disabled (commands still work)")
		}
	}
	return out
}

func (a *App) Flag() *state.EnabledFlag { return a.flag }
func (a *App) Cursors() *state.CursorStore { return a.cursors }
func (a *App) Poller() *poller.Poller { return a.poller }
func (a *App) Gate() *gate.Gate { return a.gate }
func (a *App) Notifier() *notifier.Service { return a.notif }
func (a *App) Logger() logx.Logger { return a.log }
func (a *App) ConfigPath() string { return a.cfgm.Path() }
func (a *App) APIAddr() string { return a.api.Addr() }
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// SourceStatus is one source's entry in Status.
type SourceStatus struct {
	Key    string              `json:"key"`
	Name   string              `json:"name"`
	Cursor string              `json:"cursor,omitempty"`
	Last   *poller.CycleResult `json:"last,omitempty"`
}

type Status struct {
	Enabled   bool                   `json:"enabled"`
	Scheduler scheduler.Snapshot     `json:"scheduler"`
	Sources   []SourceStatus         `json:"sources"`
	Sinks     []string               `json:"sinks"`
	Recent    []notifier.HistoryItem `json:"recent,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

func (a *App) Status(ctx context.Context) Status {
	var st Status
	on, err := a.flag.Get(ctx)
	st.Enabled = on
	if err != nil {
		st.Error = err.Error()
	}
	st.Scheduler = a.sched.Snapshot()
	st.Sinks = a.notif.Sinks()
	recent := a.notif.Snapshot()
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}
	st.Recent = recent

	last := a.poller.Last()
	for _, src := range a.poller.Sources() {
		ss := SourceStatus{Key: src.Key(), Name: src.Name()}
		if id, ok, err := a.cursors.Get(ctx, src.Key()); err == nil && ok {
			ss.Cursor = id
		}
		if r, ok := last[src.Key()]; ok {
			ss.Last = &r
		}
		st.Sources = append(st.Sources, ss)
	}
	return st
}

// Start launches all background services. Polling starts only if the
// enabled flag is set.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return Validate(cfg) })

	a.sup.Go0("metrics", func(c context.Context) { a.metrics.Run(c, a.bus) })

	// The notifier outlives the supervisor so Stop can drain its queue.
	a.notif.Start(context.WithoutCancel(runCtx))

	on, err := a.flag.Get(runCtx)
	if err != nil {
		a.log.Warn("enabled flag unreadable; using enabled_default", logx.Err(err))
	}
	a.metrics.SetEnabled(on)

	// Toggling the flag starts or stops future polling. Cycles already
	// running finish; their announcement is suppressed by the gate.
	a.flag.OnChange(func(enabled bool) {
		if enabled {
			if err := a.sched.Start(runCtx); err != nil {
				a.log.Warn("scheduler start failed", logx.Err(err))
			}
			return
		}
		stopCtx, cancel := context.WithTimeout(runCtx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	})
	if on {
		if err := a.sched.Start(runCtx); err != nil {
			return err
		}
	} else {
		a.log.Info("notifications disabled; polling paused")
	}

	if err := a.api.Start(runCtx); err != nil {
		a.log.Error("api not started", logx.Err(err))
	}
	if a.tg != nil {
		a.tg.Start(runCtx)
	}

	a.sup.Go0("eventbus.log", func(c context.Context) {
		events, unsub := a.bus.Subscribe(128)
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.String("source", e.Source), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch, rtsup.WithRestartBackoff(250*time.Millisecond, 5*time.Second))
	a.sup.Go("systemd.watchdog", func(c context.Context) error { return systemd.RunWatchdog(c) })

	if _, err := systemd.Ready(fmt.Sprintf("%d sources", len(a.poller.Sources()))); err != nil {
		a.log.Debug("sd_notify ready failed", logx.Err(err))
	}
	a.log.Info("app started",
		logx.Int("sources", len(a.poller.Sources())),
		logx.Bool("enabled", on),
		logx.String("sinks", strings.Join(a.notif.Sinks(), ",")),
	)
	return nil
}

// applyConfig hot-applies a validated config.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed; restart required for them to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		prev := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case prev && !ncfg.Enabled:
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !prev && ncfg.Enabled:
			a.notif.Start(context.WithoutCancel(ctx))
		}
	}
	a.notif.SetSinks(a.sinks(newCfg))
	a.player.Apply(mapSoundConfig(newCfg))

	if pcfg, err := mapPollerConfig(newCfg); err == nil {
		a.poller.Apply(pcfg)
	}
	if scfg, err := mapSchedulerConfig(newCfg); err != nil {
		a.log.Warn("invalid poller schedule; keeping previous", logx.Err(err))
	} else if err := a.sched.Apply(scfg); err != nil {
		a.log.Warn("scheduler apply failed", logx.Err(err))
	}

	if acfg, err := mapAPIConfig(newCfg); err != nil {
		a.log.Warn("invalid api config; keeping previous", logx.Err(err))
	} else if err := a.api.Reconfigure(ctx, acfg); err != nil {
		a.log.Error("api restart failed", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in dependency order. Each step is bounded so
// one slow component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.store.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}
	a.sup.Cancel()

	a.step(ctx, "scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "api", 2*time.Second, func(c context.Context) error { a.api.Stop(c); return nil })
	a.step(ctx, "telegram", 2*time.Second, func(c context.Context) error {
		if a.tg == nil {
			return nil
		}
		return a.tg.Stop(c)
	})
	// A cycle still running must commit its cursor before storage closes.
	a.step(ctx, "poller", poller.DefaultTimeout, a.poller.Wait)
	a.step(ctx, "notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs fn with a deadline of max, never extending the caller's.
// A step that overruns is logged and abandoned.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
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
	}
}

// PollOnce runs one cycle outside the daemon: the notifier is started for
// the duration of the cycle and drained before returning. An empty key
// polls every source.
func (a *App) PollOnce(ctx context.Context, key string) ([]poller.CycleResult, error) {
	a.notif.Start(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	}()
	if key == "" {
		return a.poller.PollAll(ctx), nil
	}
	res, err := a.poller.Poll(ctx, key)
	return []poller.CycleResult{res}, err
}

// Close releases resources of an App that was never started.
func (a *App) Close() error {
	if a.sup != nil {
		return nil
	}
	err := a.store.Close()
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}
