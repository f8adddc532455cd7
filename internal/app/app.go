// Package app wires the daemon together: one config document feeding a
// scheduler, a worker pool, the keepalive coordinator, notification
// channels and the admin API, all under a single supervisor whose
// cancellation is the only shutdown signal any component needs.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"signbot/internal/config"
	"signbot/internal/daemon"
	"signbot/internal/eventbus"
	"signbot/internal/executor"
	"signbot/internal/keepalive"
	"signbot/internal/notifier"
	"signbot/internal/observability/metrics"
	"signbot/internal/observability/pprof"
	"signbot/internal/refresh/browser"
	"signbot/internal/refresh/cloudsync"
	rtsup "signbot/internal/runtime/supervisor"
	"signbot/internal/storage"
	"signbot/internal/task"
	"signbot/internal/transport/httpadmin"
	"signbot/pkg/logx"
	"signbot/pkg/systemd"
)

type App struct {
	cfgPath string

	cfgs    *config.Store
	watcher *config.Watcher
	sup     *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	browser *browser.Refresher

	notif *notifier.Service
	dmn   *daemon.Daemon
	admin *httpadmin.Service
	pprof *pprof.Service
}

func New(cfgPath string) (*App, error) {
	cfgs := config.NewStore(cfgPath, logx.NewConsole("INFO").With(logx.String("comp", "config")))
	doc, err := cfgs.Load()
	if err != nil {
		return nil, err
	}

	// Logging comes up first so every later constructor can log. The
	// telegram sink starts disabled: its sender only exists once the
	// notifier channels are built below.
	logSvc, log := logx.New(mapLogConfig(doc.Logging, false))
	log = log.With(logx.String("comp", "app"))

	if err := validateDocument(doc, log); err != nil {
		return nil, err
	}

	bus := eventbus.New()

	sc, err := mapStorageConfig(doc)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	if store != nil {
		log.Info("storage enabled",
			logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	metrics.Init()

	chans, tg, err := buildChannels(doc, log)
	if err != nil {
		return nil, err
	}
	if tg != nil {
		logSvc.SetSender(tg.LogSender())
	} else if doc.Logging.Telegram.Enabled {
		log.Warn("logging.telegram enabled but notify.telegram is not; telegram log lines will be dropped")
	}
	logSvc.Apply(mapLogConfig(doc.Logging, doc.Logging.Telegram.Enabled))

	notifSvc := notifier.New(notifier.ConfigFrom(doc.Notify), chans,
		log.With(logx.String("comp", "notifier")), bus, store)

	br := browser.New(browser.Config{}, log.With(logx.String("comp", "browser")))

	// A typed-nil cloud client would defeat the == nil checks inside the
	// coordinator; only hand it over when actually configured.
	var cloud keepalive.CloudSource
	if doc.CookieCloud.Configured() {
		cloud = cloudsync.New(doc.CookieCloud, log.With(logx.String("comp", "cloudsync")))
	}

	coord := keepalive.New(keepalive.Options{
		Store:     cfgs,
		Primary:   br,
		Secondary: cloud,
		Verifier:  keepalive.NewVerifier(log.With(logx.String("comp", "verify"))),
		Log:       log.With(logx.String("comp", "keepalive")),
		Bus:       bus,
	})

	sched := task.NewScheduler(log.With(logx.String("comp", "scheduler")), bus)
	exec := executor.New(log.With(logx.String("comp", "executor")))
	rec := executor.NewRecorder(cfgs, notifSvc, log.With(logx.String("comp", "recorder")))

	dmn := daemon.New(daemon.ConfigFrom(doc.Daemon), daemon.Deps{
		Store:     cfgs,
		Scheduler: sched,
		Executor:  exec,
		Recorder:  rec,
		Keepalive: coord,
		Audit:     store,
	}, log.With(logx.String("comp", "daemon")))

	a := &App{
		cfgPath: cfgPath,
		cfgs:    cfgs,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		browser: br,
		notif:   notifSvc,
		dmn:     dmn,
	}

	a.admin = httpadmin.New(httpadmin.ConfigFrom(doc.Daemon.HTTP, doc.Auth), httpadmin.Options{
		Store:     cfgs,
		Tasks:     sched,
		Keepalive: coord,
		Notify:    notifSvc,
		Audits:    store,
		Health:    a.healthSnapshots,
	}, log.With(logx.String("comp", "http")))

	a.pprof = pprof.New(pprof.ConfigFrom(doc.Daemon.Pprof), log.With(logx.String("comp", "pprof")))

	a.watcher = config.NewWatcher(cfgs, log.With(logx.String("comp", "config")))

	return a, nil
}

// healthSnapshots feeds the admin health endpoint from every live supervisor.
func (a *App) healthSnapshots() map[string]rtsup.SupervisorSnapshot {
	out := make(map[string]rtsup.SupervisorSnapshot, 5)
	if a.sup != nil {
		out["app"] = a.sup.Snapshot()
	}
	if s := a.dmn.Supervisor(); s != nil {
		out["daemon"] = s.Snapshot()
	}
	if s := a.notif.Supervisor(); s != nil {
		out["notifier"] = s.Snapshot()
	}
	if s := a.admin.Supervisor(); s != nil {
		out["http"] = s.Snapshot()
	}
	if s := a.pprof.Supervisor(); s != nil {
		out["pprof"] = s.Snapshot()
	}
	return out
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
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
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Transactional hot reload: bad edits are rejected before anything
	// sees them, so the running config is always one that validated.
	a.watcher.SetValidator(func(_ context.Context, doc *config.Document) error {
		return validateDocument(doc, a.log)
	})

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	a.dmn.Start(a.sup.Context())
	// Both gate on their own Enabled flag.
	a.admin.Start(a.sup.Context())
	a.pprof.Start(a.sup.Context())

	// Debug view of bus traffic; components subscribe themselves for real work.
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

	// Hot reload fan-out.
	prev, _ := a.cfgs.Load()
	sub := a.watcher.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.watcher.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case doc, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest document.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							doc = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyReload(c, prev, doc)
				prev = doc
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.watcher.Watch(c)
	})

	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		systemd.WatchdogLoop(c, a.log)
	})
	systemd.NotifyReady(a.log)

	a.log.Info("app started")
	return nil
}

// applyReload pushes a validated document into every component that
// consumes config outside the store. The sign and keepalive loops re-read
// the document each tick, so they only need their tick/pool settings here.
func (a *App) applyReload(ctx context.Context, prev, doc *config.Document) {
	sections, attrs, changedSites := config.SummarizeChange(prev, doc)
	if len(sections) > 0 {
		fields := append([]logx.Field{logx.String("sections", strings.Join(sections, ","))}, attrs...)
		a.log.Debug("config change summary", fields...)
	}
	if len(changedSites) > 0 {
		a.log.Debug("site entries changed", logx.String("sites", strings.Join(changedSites, ",")))
	}

	// Channels first, so the telegram log sink keeps a live sender.
	chans, tg, err := buildChannels(doc, a.log)
	if err != nil {
		a.log.Warn("invalid notify channels; keeping previous", logx.Err(err))
	} else {
		if tg != nil {
			a.logs.SetSender(tg.LogSender())
		} else {
			a.logs.SetSender(nil)
		}
		a.notif.SetChannels(chans)
	}

	a.logs.Apply(mapLogConfig(doc.Logging, doc.Logging.Telegram.Enabled))

	prevOn := a.notif.Enabled()
	ncfg := notifier.ConfigFrom(doc.Notify)
	a.notif.Apply(ncfg)
	switch {
	case prevOn && !ncfg.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !prevOn && ncfg.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(ctx)
	}

	a.dmn.Reconfigure(ctx, daemon.ConfigFrom(doc.Daemon))
	a.admin.Reconfigure(ctx, httpadmin.ConfigFrom(doc.Daemon.HTTP, doc.Auth))
	a.pprof.Reconfigure(ctx, pprof.ConfigFrom(doc.Daemon.Pprof))

	// Storage and the cloud client are built once at startup.
	if prev != nil {
		if prevSC, err := mapStorageConfig(prev); err == nil {
			if curSC, err := mapStorageConfig(doc); err == nil && prevSC != curSC {
				a.log.Warn("storage config changed; restart required to take effect")
			}
		}
		if prev.CookieCloud.Server != doc.CookieCloud.Server ||
			prev.CookieCloud.UUID != doc.CookieCloud.UUID ||
			prev.CookieCloud.Password != doc.CookieCloud.Password {
			a.log.Warn("cookiecloud config changed; restart required to take effect")
		}
	}

	changed := "none"
	if len(sections) > 0 {
		changed = strings.Join(sections, ",")
	}
	a.log.Info("config reloaded",
		logx.String("changed", changed),
		logx.Int("sites", len(doc.Sites)))
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	systemd.NotifyStopping(a.log)

	// Cancel the run context first so background loops start unwinding
	// while the ordered steps below drain them.
	a.sup.Cancel()

	// Run one shutdown step with an upper bound so a single component
	// cannot stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// Respect the caller's deadline; never extend it.
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
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
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			// fn must honor stepCtx and return promptly; log the leak if it doesn't.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
			go func() {
				err := <-done
				if err != nil {
					a.log.Warn("stop step finished after deadline",
						logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
				} else {
					a.log.Info("stop step finished after deadline",
						logx.String("name", name), logx.Duration("took", time.Since(start)))
				}
			}()
		}
	}

	// In-flight check-ins stop on cancellation; give the daemon the most
	// room since it may be mid write-back.
	step("daemon", 5*time.Second, func(c context.Context) error { a.dmn.Stop(c); return nil })
	step("http", 2*time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	step("pprof", time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	// The notifier drains its queue; results of the final tasks still go out.
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("browser", 2*time.Second, func(c context.Context) error { a.browser.Close(); return nil })
	step("storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally the supervised loops themselves (config watch/reload, watchdog).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
