package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"countdown/internal/config"
	"countdown/internal/countdown"
	"countdown/internal/eventbus"
	"countdown/internal/observability/httpserver"
	"countdown/internal/render"
	"countdown/internal/runtime/supervisor"
	"countdown/internal/storage"
	"countdown/internal/task/scheduler"
	logx "countdown/pkg/logx"
	"countdown/pkg/systemd"
)

const watchdogTrigger = "systemd.watchdog"

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	root  logx.Logger
	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	sched     *scheduler.Service
	countdown *countdown.Service
	metrics   *httpserver.Metrics
	http      *httpserver.Service
	notifier  *systemd.Notifier

	sinkMu   sync.Mutex
	sinks    render.Multi
	terminal *render.Terminal

	// buildSinks is swapped in tests.
	buildSinks func(cfg *config.Config) (render.Multi, *render.Terminal, error)
}

// New loads the config and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateMapping(cfg); err != nil {
		return nil, err
	}

	logCfg, redirected := mapLogging(cfg)
	logSvc, root := logx.New(logCfg)
	log := root.With(logx.String("comp", "app"))
	if redirected {
		log.Info("console logging redirected while the terminal view is active", logx.String("path", logCfg.File.Path))
	}

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, _ := mapStorage(cfg); enabled {
		st, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}
	fail := func(err error) (*App, error) {
		if store != nil {
			_ = store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}

	schedCfg, _ := mapScheduler(cfg)
	sched := scheduler.New(schedCfg, root.With(logx.String("comp", "scheduler")), bus)

	metrics, err := httpserver.NewMetrics()
	if err != nil {
		return fail(err)
	}

	cdCfg, _ := mapCountdown(cfg)
	deps := countdown.Deps{
		Log:      root.With(logx.String("comp", "countdown")),
		Triggers: sched,
		Bus:      bus,
		Observer: metrics,
	}
	if store != nil {
		deps.Recorder = storage.NewRecorder(store)
	}
	cd, err := countdown.NewService(cdCfg, deps)
	if err != nil {
		return fail(err)
	}

	httpCfg, _ := mapHTTP(cfg)
	src := httpserver.Sources{Countdown: cd, Triggers: sched, Metrics: metrics}
	if store != nil {
		src.Rollovers = store
	}
	hs := httpserver.New(httpCfg, src, root.With(logx.String("comp", "http")))

	a := &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		root:      root,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		sched:     sched,
		countdown: cd,
		metrics:   metrics,
		http:      hs,
		notifier:  systemd.NewNotifier(root.With(logx.String("comp", "systemd"))),
	}
	a.buildSinks = a.defaultSinks
	return a, nil
}

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

// Countdown exposes the countdown service (status, manual refresh).
func (a *App) Countdown() *countdown.Service { return a.countdown }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	c := a.sup.Context()

	a.cfgm.SetLogger(a.root.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(vctx context.Context, cfg *config.Config) error {
		if err := config.Validator(vctx, cfg); err != nil {
			return err
		}
		return validateMapping(cfg)
	})

	cfg := a.cfgm.Get()
	sinks, term, err := a.buildSinks(cfg)
	if err != nil {
		return err
	}
	a.setSinks(sinks, term)

	a.sched.Start(c)
	if err := a.countdown.Start(c); err != nil {
		return err
	}
	a.http.Start(c)
	a.armWatchdog()

	a.sup.Go("metrics.triggers", func(c context.Context) error {
		events, unsub := a.bus.Subscribe(64, eventbus.TypeTriggerFired)
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				if tf, ok := e.Data.(eventbus.TriggerFired); ok {
					a.metrics.ObserveTrigger(tf.Name, tf.Took, tf.Err)
				}
			}
		}
	})

	a.sup.Go("eventbus.log", func(c context.Context) error {
		events, unsub := a.bus.Subscribe(128)
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				// Trace only: ticks arrive every refresh.
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.notifier.Ready()
	a.log.Info("app started", logx.String("config", a.cfgPath))
	return nil
}

// applyConfig fans a validated config out to every component.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	a.notifier.Reloading()
	defer a.notifier.Reloaded()

	sections, fields := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := strings.Join(sections, ",")
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", changed)}, fields...)...)

	if slices.Contains(sections, "storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}

	logCfg, _ := mapLogging(newCfg)
	a.logs.Apply(logCfg)

	if sc, err := mapScheduler(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(sc)
	}

	if slices.Contains(sections, "render") {
		sinks, term, err := a.buildSinks(newCfg)
		if err != nil {
			a.log.Warn("render sinks rejected; keeping previous", logx.Err(err))
		} else {
			a.setSinks(sinks, term)
		}
	}

	if cc, err := mapCountdown(newCfg); err != nil {
		a.log.Warn("invalid countdown config; keeping previous", logx.Err(err))
	} else {
		a.countdown.Apply(ctx, cc)
	}

	if hc, err := mapHTTP(newCfg); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(ctx, hc)
	}

	a.bus.Publish(eventbus.Event{
		Type: eventbus.TypeConfigApplied,
		Time: time.Now(),
		Data: eventbus.ConfigApplied{Summary: changed},
	})
	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", changed)}, fields...)...)
}

func (a *App) defaultSinks(cfg *config.Config) (render.Multi, *render.Terminal, error) {
	var (
		sinks render.Multi
		term  *render.Terminal
	)
	rc := cfg.Render
	if rc.Log.Enabled {
		sinks = append(sinks, render.NewLogSink(a.root.With(logx.String("comp", "render"))))
	}
	if rc.Telegram.Enabled {
		tc, err := mapTelegram(cfg)
		if err != nil {
			return nil, nil, err
		}
		tg, err := render.NewTelegram(tc, a.root.With(logx.String("comp", "render")))
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, tg)
	}
	if rc.Terminal.Enabled {
		tc, err := mapTerminal(cfg)
		if err != nil {
			return nil, nil, err
		}
		t, err := render.NewTerminal(tc, a.root.With(logx.String("comp", "render")))
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, t)
		term = t
	}
	return sinks, term, nil
}

// setSinks swaps the render sinks and closes the previous set.
func (a *App) setSinks(sinks render.Multi, term *render.Terminal) {
	a.sinkMu.Lock()
	old := a.sinks
	a.sinks = sinks
	a.terminal = term
	a.sinkMu.Unlock()

	a.countdown.SetSinks(sinks.Renderers()...)
	if len(old) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := old.Close(ctx); err != nil {
			a.log.Warn("closing previous render sinks failed", logx.Err(err))
		}
		cancel()
	}
	if term != nil && a.sup != nil {
		a.sup.Go("render.terminal", func(c context.Context) error {
			select {
			case <-c.Done():
			case <-term.Done():
				a.dropTerminal(term)
			}
			return nil
		})
	}
}

// dropTerminal removes a terminal view the user closed. The countdown keeps
// rendering to the remaining sinks.
func (a *App) dropTerminal(term *render.Terminal) {
	a.sinkMu.Lock()
	if a.terminal != term {
		a.sinkMu.Unlock()
		return
	}
	kept := make(render.Multi, 0, len(a.sinks))
	for _, s := range a.sinks {
		if s != render.Sink(term) {
			kept = append(kept, s)
		}
	}
	a.sinks = kept
	a.terminal = nil
	a.sinkMu.Unlock()

	a.countdown.SetSinks(kept.Renderers()...)
	a.log.Info("terminal view closed; countdown continues", logx.Int("sinks", len(kept)))
}

// armWatchdog pings the systemd watchdog from the trigger service when the
// unit sets WatchdogSec.
func (a *App) armWatchdog() {
	every := a.notifier.WatchdogInterval()
	if every <= 0 {
		return
	}
	if _, err := a.sched.AddInterval(watchdogTrigger, every, time.Second, func(context.Context) error {
		a.notifier.Watchdog()
		return nil
	}); err != nil {
		a.log.Warn("systemd watchdog trigger failed", logx.Err(err))
		return
	}
	a.log.Info("systemd watchdog enabled", logx.Duration("every", every))
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notifier.Stopping()

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

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
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("countdown", 2*time.Second, func(c context.Context) error { a.countdown.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("sinks", 2*time.Second, func(c context.Context) error {
		a.sinkMu.Lock()
		sinks := a.sinks
		a.sinks = nil
		a.terminal = nil
		a.sinkMu.Unlock()
		return sinks.Close(c)
	})
	step("http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}
