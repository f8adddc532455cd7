// Package daemon drives the periodic work: the sign loop turns the
// schedule into executed check-ins through a bounded worker pool, and the
// keepalive loop refreshes cookies that are about to go stale. Both loops
// re-read the config document every tick, so edits and hot reloads take
// effect without restarting anything.
package daemon

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"signbot/internal/config"
	"signbot/internal/executor"
	"signbot/internal/keepalive"
	"signbot/internal/observability/metrics"
	rtsup "signbot/internal/runtime/supervisor"
	"signbot/internal/sites"
	"signbot/internal/storage"
	"signbot/internal/task"
	"signbot/pkg/logx"
)

const (
	defaultSignTick      = 30 * time.Second
	defaultKeepaliveTick = 60 * time.Second
	defaultWorkers       = 4
	defaultQueueSize     = 64

	// taskTimeout bounds one check-in attempt. Browser-backed strategies
	// can legitimately take minutes.
	taskTimeout = 5 * time.Minute
)

// Config controls the daemon loops.
type Config struct {
	SignTick      time.Duration
	KeepaliveTick time.Duration
	Workers       int
	QueueSize     int
}

// ConfigFrom maps the YAML daemon block. Invalid durations fall back to
// the defaults; validation happens at load time.
func ConfigFrom(dc config.DaemonConfig) Config {
	signTick, err := config.ParseDurationOrDefault("daemon.sign_tick", dc.SignTick, defaultSignTick)
	if err != nil {
		signTick = defaultSignTick
	}
	kaTick, err := config.ParseDurationOrDefault("daemon.keepalive_tick", dc.KeepaliveTick, defaultKeepaliveTick)
	if err != nil {
		kaTick = defaultKeepaliveTick
	}
	return Config{
		SignTick:      signTick,
		KeepaliveTick: kaTick,
		Workers:       dc.Workers,
		QueueSize:     dc.QueueSize,
	}
}

// Runner executes one check-in attempt; the executor implements it.
type Runner interface {
	Execute(ctx context.Context, site config.SiteConfig, globals sites.Globals) (string, error)
}

// CookieRefresher runs one keepalive refresh; the coordinator implements it.
type CookieRefresher interface {
	RunSite(ctx context.Context, key string) error
}

// Deps are the collaborators the loops drive. Audit may be nil.
type Deps struct {
	Store     *config.Store
	Scheduler *task.Scheduler
	Executor  Runner
	Recorder  *executor.Recorder
	Keepalive CookieRefresher
	Audit     storage.Store
}

// Daemon owns the sign and keepalive loops.
type Daemon struct {
	mu   sync.Mutex
	log  logx.Logger
	cfg  Config
	deps Deps

	sup      *rtsup.Supervisor
	queue    chan task.Task
	stopDone chan struct{}
}

func New(cfg Config, deps Deps, log logx.Logger) *Daemon {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Daemon{cfg: cfg, deps: deps, log: log}
}

// Supervisor returns the daemon's internal supervisor (nil before Start).
func (d *Daemon) Supervisor() *rtsup.Supervisor {
	d.mu.Lock()
	sup := d.sup
	d.mu.Unlock()
	return sup
}

// Reconfigure applies cfg, restarting the loops when the pool or tick
// settings changed. Safe to call during hot-reload.
func (d *Daemon) Reconfigure(ctx context.Context, cfg Config) {
	d.mu.Lock()
	prev := d.cfg
	running := d.sup != nil
	d.cfg = cfg
	d.mu.Unlock()

	if running && prev != cfg {
		d.Stop(ctx)
		d.Start(ctx)
	}
}

// Start launches the loops. Idempotent.
func (d *Daemon) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		d.mu.Lock()
		if d.stopDone != nil {
			done := d.stopDone
			d.mu.Unlock()
			select {
			case <-done:
				// loop
			case <-ctx.Done():
				return
			}
			continue
		}
		if d.sup != nil {
			d.mu.Unlock()
			return
		}

		cfg := d.cfg
		if cfg.SignTick <= 0 {
			cfg.SignTick = defaultSignTick
		}
		if cfg.KeepaliveTick <= 0 {
			cfg.KeepaliveTick = defaultKeepaliveTick
		}
		if cfg.Workers <= 0 {
			cfg.Workers = defaultWorkers
		}
		if cfg.QueueSize <= 0 {
			cfg.QueueSize = defaultQueueSize
		}

		d.sup = rtsup.NewSupervisor(ctx,
			rtsup.WithLogger(d.log.With(logx.String("comp", "daemon"))),
			rtsup.WithCancelOnError(false),
		)
		// Fresh queue per run so a stop/start toggle never executes
		// stale items.
		d.queue = make(chan task.Task, cfg.QueueSize)

		sup := d.sup
		queue := d.queue
		d.mu.Unlock()

		sup.GoRestart("sign.tick", func(c context.Context) error {
			return d.signTick(c, cfg.SignTick, queue)
		}, rtsup.WithRestartBackoff(time.Second, 30*time.Second))

		for i := 0; i < cfg.Workers; i++ {
			name := fmt.Sprintf("sign.worker.%d", i)
			sup.GoRestart(name, func(c context.Context) error {
				return d.worker(c, queue)
			}, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
		}

		sup.GoRestart("keepalive.tick", func(c context.Context) error {
			return d.keepaliveTick(c, cfg.KeepaliveTick)
		}, rtsup.WithRestartBackoff(time.Second, 30*time.Second))

		d.log.Info("daemon started",
			logx.Duration("sign_tick", cfg.SignTick),
			logx.Duration("keepalive_tick", cfg.KeepaliveTick),
			logx.Int("workers", cfg.Workers),
			logx.Int("queue_size", cfg.QueueSize),
		)
		return
	}
}

// Stop cancels the loops and waits for in-flight work, bounded by ctx.
func (d *Daemon) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	d.mu.Lock()
	if d.sup == nil {
		d.mu.Unlock()
		return
	}
	if d.stopDone != nil {
		done := d.stopDone
		d.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	d.stopDone = done
	sup := d.sup
	d.mu.Unlock()

	go func() {
		defer close(done)
		sup.Cancel()
		_ = sup.Wait(context.Background())

		d.mu.Lock()
		d.sup = nil
		d.queue = nil
		d.stopDone = nil
		d.mu.Unlock()
		d.log.Info("daemon stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

// signTick generates, expires and dispatches check-in tasks.
func (d *Daemon) signTick(ctx context.Context, tick time.Duration, queue chan<- task.Task) error {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	// One pass up front so a restart never waits a full tick.
	if err := d.signPass(ctx, queue); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			if err := d.signPass(ctx, queue); err != nil {
				return err
			}
		}
	}
}

func (d *Daemon) signPass(ctx context.Context, queue chan<- task.Task) error {
	now := time.Now()
	doc, err := d.deps.Store.Load()
	if err != nil {
		d.log.Error("sign pass: config load failed", logx.Err(err))
		return nil
	}

	d.deps.Scheduler.Generate(doc, now)

	for _, skipped := range d.deps.Scheduler.CleanupOverdue(now) {
		metrics.ObserveTask(skipped.SiteKey, metrics.ResultSkipped, 0)
		d.appendAudit(ctx, storage.AuditEntry{
			At:       now,
			Site:     skipped.SiteKey,
			Kind:     storage.KindSign,
			Success:  false,
			Attempts: skipped.Attempts,
			Message:  skipped.Message,
		})
	}

	for _, due := range d.deps.Scheduler.Due(now) {
		select {
		case queue <- due:
		case <-ctx.Done():
			return context.Canceled
		}
	}

	stats := d.deps.Scheduler.Stats()
	metrics.SetTasksQueued(stats.Pending + stats.Retrying)
	return nil
}

// worker executes dispatched tasks one at a time. Claiming happens here,
// not in the tick loop, so a task handed out twice runs once and a task
// dropped during shutdown stays queued for the next start.
func (d *Daemon) worker(ctx context.Context, queue <-chan task.Task) error {
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case t := <-queue:
			d.runTask(ctx, t)
		}
	}
}

func (d *Daemon) runTask(ctx context.Context, t task.Task) {
	now := time.Now()
	claimed, ok := d.deps.Scheduler.Start(t.ID, now)
	if !ok {
		return
	}

	metrics.IncWorkersBusy()
	defer metrics.DecWorkersBusy()

	started := time.Now()
	settled := false
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("panic in sign worker",
				logx.String("task", claimed.ID),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			if !settled {
				finished, disp := d.deps.Scheduler.Abort(claimed.ID, fmt.Sprintf("panic: %v", r), time.Now())
				if disp == task.DispositionTerminal {
					d.recordTerminal(ctx, finished, executor.KindUnknown, time.Since(started))
				}
			}
		}
	}()

	doc, err := d.deps.Store.Load()
	if err != nil {
		settled = true
		finished, disp := d.deps.Scheduler.Complete(claimed.ID, false, "配置读取失败: "+err.Error(), time.Now())
		if disp == task.DispositionTerminal {
			d.recordTerminal(ctx, finished, executor.KindConfigIO, time.Since(started))
		}
		return
	}
	site := doc.Site(claimed.SiteKey)
	if site == nil {
		settled = true
		finished, disp := d.deps.Scheduler.Abort(claimed.ID, "站点已从配置中移除", time.Now())
		if disp == task.DispositionTerminal {
			d.recordTerminal(ctx, finished, executor.KindConfigIO, time.Since(started))
		}
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, taskTimeout)
	msg, err := d.deps.Executor.Execute(runCtx, *site, sites.Globals{UserAgent: doc.UserAgent})
	cancel()
	took := time.Since(started)
	settled = true

	if err == nil {
		finished, _ := d.deps.Scheduler.Complete(claimed.ID, true, msg, time.Now())
		metrics.ObserveTask(finished.SiteKey, metrics.ResultSuccess, took)
		d.recordOutcome(ctx, finished, executor.KindNone, true, took)
		return
	}

	kind := executor.KindOf(err)
	var (
		finished task.Task
		disp     task.Disposition
	)
	if kind.Terminal() {
		finished, disp = d.deps.Scheduler.Abort(claimed.ID, err.Error(), time.Now())
	} else {
		finished, disp = d.deps.Scheduler.Complete(claimed.ID, false, err.Error(), time.Now())
	}
	if disp == task.DispositionTerminal {
		d.recordTerminal(ctx, finished, kind, took)
	}
}

// recordTerminal handles a finally-failed task: metrics, document fields,
// notification and audit.
func (d *Daemon) recordTerminal(ctx context.Context, finished task.Task, kind executor.Kind, took time.Duration) {
	metrics.ObserveTask(finished.SiteKey, metrics.ResultFailure, took)
	d.recordOutcome(ctx, finished, kind, false, took)
}

func (d *Daemon) recordOutcome(ctx context.Context, finished task.Task, kind executor.Kind, success bool, took time.Duration) {
	if d.deps.Recorder != nil {
		_ = d.deps.Recorder.Record(executor.Outcome{
			SiteKey:  finished.SiteKey,
			Success:  success,
			Message:  finished.Message,
			Kind:     kind,
			Attempts: finished.Attempts,
		}, time.Now())
	}
	d.appendAudit(ctx, storage.AuditEntry{
		At:        time.Now(),
		Site:      finished.SiteKey,
		Kind:      storage.KindSign,
		Success:   success,
		Attempts:  finished.Attempts,
		Message:   finished.Message,
		ErrorKind: string(kind),
		TookMS:    took.Milliseconds(),
	})
}

// keepaliveTick refreshes cookies for sites whose interval has elapsed.
// Runs are sequential; the coordinator's per-site claim keeps a slow
// refresh from stacking up with the next tick's.
func (d *Daemon) keepaliveTick(ctx context.Context, tick time.Duration) error {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			d.keepalivePass(ctx)
		}
	}
}

func (d *Daemon) keepalivePass(ctx context.Context) {
	if d.deps.Keepalive == nil {
		return
	}
	now := time.Now()
	doc, err := d.deps.Store.Load()
	if err != nil {
		d.log.Error("keepalive pass: config load failed", logx.Err(err))
		return
	}

	for _, key := range keepalive.DueSites(doc, now) {
		if ctx.Err() != nil {
			return
		}
		started := time.Now()
		err := d.deps.Keepalive.RunSite(ctx, key)
		result := metrics.ResultSuccess
		msg := ""
		if err != nil {
			result = metrics.ResultFailure
			msg = err.Error()
		}
		metrics.ObserveKeepalive(key, result)
		d.appendAudit(ctx, storage.AuditEntry{
			At:      time.Now(),
			Site:    key,
			Kind:    storage.KindKeepalive,
			Success: err == nil,
			Message: msg,
			TookMS:  time.Since(started).Milliseconds(),
		})
	}
}

func (d *Daemon) appendAudit(ctx context.Context, e storage.AuditEntry) {
	if d.deps.Audit == nil {
		return
	}
	if err := d.deps.Audit.AppendAudit(ctx, e); err != nil {
		d.log.Warn("audit write failed", logx.String("site", e.Site), logx.Err(err))
	}
}
