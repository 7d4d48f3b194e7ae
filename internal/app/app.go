package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"calbot/internal/clock"
	"calbot/internal/config"
	"calbot/internal/eventbus"
	"calbot/internal/lock"
	"calbot/internal/metrics"
	"calbot/internal/notifier"
	"calbot/internal/poll"
	"calbot/internal/reconcile"
	"calbot/internal/runtime/supervisor"
	"calbot/internal/schedule"
	"calbot/internal/storage"
	"calbot/internal/task/engine"
	"calbot/internal/task/scheduler"
	"calbot/internal/transport"
	"calbot/internal/transport/telegram"
	"calbot/pkg/logx"
)

const (
	firedPruneJob   = "fired.prune"
	leasePruneJob   = "lock.prune"
	firedPruneEvery = time.Hour
	leasePruneEvery = 10 * time.Minute
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor
	clk  clock.Clock

	log        logx.Logger
	logs       *logx.Service
	bus        eventbus.Bus
	metrics    *metrics.Metrics
	metricsSrv *metrics.Server

	store  storage.Store
	locker lock.Locker

	adapter  transport.Adapter
	engine   *engine.Service
	periodic *scheduler.Service
	notif    *notifier.Service
	manager  *schedule.Manager
	recon    *reconcile.Service
	poller   *poll.Coordinator
	rsvp     *rsvpHandler

	updates chan transport.Update
}

type Option func(*App)

// WithAdapter replaces the Telegram gateway.
func WithAdapter(a transport.Adapter) Option { return func(app *App) { app.adapter = a } }

func WithClock(c clock.Clock) Option { return func(app *App) { app.clk = c } }

// New loads cfgPath and builds every component without starting any.
func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return build(cfgm, cfg, opts...)
}

func build(cfgm *config.ConfigManager, cfg *config.Config, opts ...Option) (*App, error) {
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	a := &App{cfgm: cfgm, updates: make(chan transport.Update, 256)}
	for _, o := range opts {
		o(a)
	}
	if a.clk == nil {
		a.clk = clock.Real()
	}

	logs, log := logx.New(mapLogConfig(cfg), a.adapter)
	a.logs = logs
	a.log = log.With(logx.String("comp", "app"))
	a.bus = eventbus.New()
	a.metrics = metrics.New()
	a.metricsSrv = metrics.NewServer(metricsAddr(cfg), a.metrics, log.With(logx.String("comp", "metrics")),
		metrics.WithPprof(cfg.Metrics.Pprof),
	)

	stCfg, _ := mapStorageConfig(cfg)
	st, err := storage.Open(stCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	a.store = st
	a.locker = newLocker(st, a.clk)

	engCfg, _ := mapTaskEngineConfig(cfg)
	a.engine = engine.New(engCfg, log.With(logx.String("comp", "taskengine")), a.bus)
	a.periodic = scheduler.New(mapPeriodicConfig(cfg), a.engine, log.With(logx.String("comp", "scheduler")))

	if a.adapter == nil {
		tc, err := mapTelegramConfig(cfg)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		ad, err := telegram.New(tc, log.With(logx.String("comp", "telegram")))
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		a.adapter = ad
		a.logs.SetSender(ad)
	}

	ncfg, _ := mapNotifierConfig(cfg)
	a.notif = notifier.New(ncfg, a.adapter, log.With(logx.String("comp", "notifier")), a.bus, a.metrics)

	schedCfg, _ := mapScheduleConfig(cfg)
	a.manager = schedule.New(schedCfg, a.clk, st, a.notif, a.locker,
		schedule.WithLogger(log.With(logx.String("comp", "schedule"))),
		schedule.WithBus(a.bus),
		schedule.WithMetrics(a.metrics),
		schedule.WithRunner(a.engine),
	)
	a.recon = reconcile.New(mapReconcileConfig(cfg, schedCfg), st, a.locker,
		reconcile.WithLogger(log.With(logx.String("comp", "reconcile"))),
		reconcile.WithBus(a.bus),
		reconcile.WithMetrics(a.metrics),
		reconcile.WithUnscheduler(a.manager),
	)
	pollCfg, _ := mapPollConfig(cfg, schedCfg)
	a.poller = poll.New(pollCfg, a.clk, st, a.manager,
		poll.WithLogger(log.With(logx.String("comp", "poll"))),
		poll.WithBus(a.bus),
		poll.WithMetrics(a.metrics),
		poll.WithResolver(a.recon),
	)
	a.rsvp = &rsvpHandler{
		store:   st,
		locker:  a.locker,
		lockTTL: schedCfg.LockTTL,
		sched:   a.manager,
		answer:  a.adapter,
		log:     log.With(logx.String("comp", "rsvp")),
	}
	return a, nil
}

// newLocker shares the store's database when it has one so leases hold
// across processes.
func newLocker(st storage.Store, clk clock.Clock) lock.Locker {
	if db, ok := st.(*storage.SQLite); ok {
		return lock.NewSQLite(db.DB(), clk)
	}
	return lock.NewMemory(clk)
}

func (a *App) Store() storage.Store { return a.store }

func (a *App) Manager() *schedule.Manager { return a.manager }

func (a *App) Periodic() *scheduler.Service { return a.periodic }

// Done is closed when the app supervisor context is cancelled (fatal error or Stop).
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

// Start brings the engine up. Ended events are resolved to completion
// before the first poll sweep arms anything.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	a.sup.Go("metrics.serve", a.metricsSrv.Serve)

	if err := a.adapter.Start(run, a.updates); err != nil {
		return fmt.Errorf("start adapter: %w", err)
	}
	a.sup.Go("updates.dispatch", func(c context.Context) error { return a.dispatchUpdates(c, a.updates) })

	if a.notif.Enabled() {
		a.notif.Start(run)
	}
	a.engine.Start(run)

	if err := a.registerHousekeeping(); err != nil {
		return err
	}
	cfg := a.cfgm.Get()
	if cfg != nil && cfg.Scheduler.Enabled {
		if _, err := a.recon.CleanPastEvents(run, a.clk.Now()); err != nil {
			return fmt.Errorf("startup reconcile: %w", err)
		}
		a.periodic.Start(run)
		if err := a.poller.Start(run, a.periodic); err != nil {
			return err
		}
	} else {
		a.log.Warn("scheduler disabled; events will not fire")
	}

	a.sup.Go0("eventbus.log", a.logEvents)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

func (a *App) registerHousekeeping() error {
	if err := a.periodic.AddInterval(firedPruneJob, firedPruneEvery, time.Minute, func(ctx context.Context) error {
		n, err := a.store.PruneFired(ctx, a.clk.Now())
		if err != nil {
			return err
		}
		if n > 0 {
			a.log.Debug("fired markers pruned", logx.Int("count", n))
		}
		return nil
	}); err != nil {
		return err
	}
	pruner, ok := a.locker.(interface {
		PruneExpired(ctx context.Context) (int, error)
	})
	if !ok {
		return nil
	}
	return a.periodic.AddInterval(leasePruneJob, leasePruneEvery, time.Minute, func(ctx context.Context) error {
		n, err := pruner.PruneExpired(ctx)
		if n > 0 {
			a.log.Debug("expired leases pruned", logx.Int("count", n))
		}
		return err
	})
}

func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

// Stop tears components down in reverse start order. Each step is bounded
// so one stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return a.store.Close()
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.periodic.Stop(c); return nil })
	a.step(ctx, "triggers", time.Second, func(context.Context) error { a.manager.Stop(); return nil })
	a.step(ctx, "taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
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
