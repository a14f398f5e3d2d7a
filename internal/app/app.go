package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"jobsched/internal/config"
	"jobsched/internal/eventbus"
	"jobsched/internal/notifier"
	"jobsched/internal/observability/metrics"
	"jobsched/internal/observability/ops"
	rtsup "jobsched/internal/runtime/supervisor"
	"jobsched/internal/storage"
	"jobsched/internal/task/engine"
	"jobsched/internal/task/scheduler"
	"jobsched/internal/work"
	"jobsched/pkg/logx"
)

type App struct {
	cfgm    *config.ConfigManager
	sup     *rtsup.Supervisor
	oneshot bool

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	reg   *work.Registry

	engine  *engine.Service
	sched   *scheduler.Service
	notif   *notifier.Service
	metrics *metrics.Collector
	ops     *ops.Service
}

type Option func(*App)

// Oneshot builds an app for a single manual invocation: schedules stay
// unarmed, the ops server and the config watcher do not start.
func Oneshot() Option { return func(a *App) { a.oneshot = true } }

// NewApp loads and validates the config and builds every component. Nothing
// runs until Start.
func NewApp(cfgPath string, opts ...Option) (*App, error) {
	a := &App{}
	for _, o := range opts {
		o(a)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if a.oneshot {
		cfg.Scheduler.Enabled = false
		cfg.Ops.Enabled = false
	}

	logSvc, log := logx.New(mapLogging(cfg))
	reg := work.NewRegistry(log.With(logx.String("comp", "work")))
	if err := config.Validate(cfg, reg); err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	a.cfgm = cfgm
	a.logs = logSvc
	a.log = log.With(logx.String("comp", "app"))
	a.reg = reg
	a.bus = eventbus.New()

	ok := false
	defer func() {
		if !ok {
			a.closeEarly()
		}
	}()

	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(context.Background(), sc, log)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	a.store = store

	engCfg, err := mapEngine(cfg)
	if err != nil {
		return nil, err
	}
	a.engine = engine.New(engCfg, log.With(logx.String("comp", "taskengine")), a.bus)

	a.sched = scheduler.New(mapScheduler(cfg), scheduler.Deps{
		Exec:  a.engine,
		Store: store,
		Bus:   a.bus,
		Log:   log.With(logx.String("comp", "scheduler")),
	})
	defs, err := mapJobs(cfg, reg)
	if err != nil {
		return nil, err
	}
	if err := a.sched.Apply(context.Background(), defs); err != nil {
		return nil, err
	}

	notifLog := log.With(logx.String("comp", "notifier"))
	ncfg, sinks, err := mapNotifier(cfg, notifLog)
	if err != nil {
		return nil, err
	}
	a.notif = notifier.New(ncfg, notifLog, a.bus, sinks...)
	logSvc.SetAlertSender(a.notif)

	a.metrics = metrics.New(a.bus, log.With(logx.String("comp", "metrics")))

	opsCfg, err := mapOps(cfg)
	if err != nil {
		return nil, err
	}
	a.ops = ops.New(opsCfg, ops.Deps{
		Jobs:    a.sched,
		Metrics: a.metrics.Handler(),
		Status:  func() any { return a.Status() },
	}, log.With(logx.String("comp", "ops")))

	ok = true
	return a, nil
}

func (a *App) closeEarly() {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

func (a *App) Scheduler() *scheduler.Service { return a.sched }
func (a *App) Notifier() *notifier.Service   { return a.notif }
func (a *App) Bus() eventbus.Bus             { return a.bus }
func (a *App) Logger() logx.Logger           { return a.log }

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

// Status is the diagnostic view served at /api/status.
type Status struct {
	Engine        engine.Snapshot           `json:"engine"`
	Scheduler     scheduler.Snapshot        `json:"scheduler"`
	Notifier      NotifierStatus            `json:"notifier"`
	Supervisors   map[string]rtsup.Snapshot `json:"supervisors"`
	BusDropped    uint64                    `json:"bus_dropped"`
	AlertsDropped uint64                    `json:"alerts_dropped"`
}

type NotifierStatus struct {
	Enabled bool                   `json:"enabled"`
	Sinks   []string               `json:"sinks"`
	History []notifier.HistoryItem `json:"history,omitempty"`
}

func (a *App) Status() Status {
	sups := map[string]rtsup.Snapshot{}
	add := func(name string, s *rtsup.Supervisor) {
		if s != nil {
			sups[name] = s.Snapshot()
		}
	}
	add("app", a.sup)
	add("taskengine", a.engine.Supervisor())
	add("notifier", a.notif.Supervisor())
	add("ops", a.ops.Supervisor())

	hist := a.notif.History()
	if len(hist) > 20 {
		hist = hist[len(hist)-20:]
	}
	return Status{
		Engine:        a.engine.Snapshot(),
		Scheduler:     a.sched.Snapshot(),
		Notifier:      NotifierStatus{Enabled: a.notif.Enabled(), Sinks: a.notif.Sinks(), History: hist},
		Supervisors:   sups,
		BusDropped:    a.bus.Dropped(),
		AlertsDropped: a.logs.Dropped(),
	}
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg, a.reg)
	})

	a.metrics.Start(runCtx, a.bus)
	a.engine.Start(runCtx)
	a.notif.Start(runCtx)
	a.sched.Start(runCtx)
	if a.oneshot {
		a.log.Debug("app started (oneshot)")
		return nil
	}
	a.ops.Start(runCtx)

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
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer, ok := <-sub:
					if !ok {
						return
					}
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, last, newCfg)
			last = newCfg
		}
	}
}

// applyConfig pushes a committed config into the running components. A
// section that fails to map keeps its previous settings.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, jobs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(jobs) > 0 {
		a.log.Debug("job changes detected", logx.Strings("jobs", jobs))
	}
	if rr := config.RestartRequired(oldCfg, newCfg); len(rr) > 0 {
		a.log.Warn("config change requires a restart to take effect", logx.Strings("sections", rr))
	}

	a.logs.Apply(mapLogging(newCfg))

	if engCfg, err := mapEngine(newCfg); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(engCfg)
	}

	if ncfg, sinks, err := mapNotifier(newCfg, a.log.With(logx.String("comp", "notifier"))); err != nil {
		a.log.Warn("invalid notify config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.notif.Enabled()
		a.notif.Apply(ncfg)
		a.notif.SetSinks(sinks...)
		switch {
		case wasEnabled && !ncfg.Enabled:
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
			a.log.Info("notifier disabled via config")
		case !wasEnabled && ncfg.Enabled:
			a.notif.Start(ctx)
			a.log.Info("notifier enabled via config")
		}
	}

	if oc, err := mapOps(newCfg); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, oc)
	}

	if defs, err := mapJobs(newCfg, a.reg); err != nil {
		a.log.Warn("invalid jobs config; keeping previous", logx.Err(err))
	} else if err := a.sched.Apply(ctx, defs); err != nil {
		a.log.Warn("apply jobs failed", logx.Err(err))
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// RunJobs starts the named jobs in the foreground and waits for them. The
// selection is refused as a whole when it is not runnable.
func (a *App) RunJobs(ctx context.Context, ids ...string) ([]scheduler.JobSnapshot, error) {
	if err := a.sched.Run(ids...); err != nil {
		return nil, err
	}
	out := make([]scheduler.JobSnapshot, 0, len(ids))
	for _, id := range ids {
		j := a.sched.Job(id)
		if err := j.Wait(ctx); err != nil {
			return out, err
		}
	}
	snap := a.sched.Snapshot()
	for _, id := range ids {
		for _, js := range snap.Jobs {
			if js.ID == id {
				out = append(out, js)
			}
		}
	}
	return out, nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeEarly()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// step runs fn with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
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
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				if err := <-done; err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
				}
			}()
		}
	}

	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	// scheduler before the engine: its workers wait on task outcomes
	step("scheduler", 6*time.Second, a.sched.Stop)
	step("taskengine", 2*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("metrics", time.Second, func(context.Context) error { a.metrics.Stop(); return nil })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}
