// Package app assembles the engine: config, logging, storage, the schedule
// controller, the resource registry, the worker pool and the dispatch loop.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"burstflow/internal/config"
	"burstflow/internal/dispatch"
	"burstflow/internal/eventbus"
	"burstflow/internal/observability/debug"
	"burstflow/internal/resource"
	rtsup "burstflow/internal/runtime/supervisor"
	"burstflow/internal/schedule"
	"burstflow/internal/storage"
	"burstflow/internal/work"
	logx "burstflow/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager
	sup     *rtsup.Supervisor
	dbPath  string

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	db   *sql.DB

	registry  *resource.Registry
	schedules *schedule.Controller
	pool      *work.Pool
	coord     *dispatch.Coordinator
	cron      *cron.Cron
	debug     *debug.Server
}

// New builds the app from the config file at cfgPath. The collaborators are
// the caller's integrations for checking and sending; see cmd/burstflow for
// the default set.
func New(cfgPath string, collab work.Collaborators) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	db, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: config.MustDuration(cfg.Storage.BusyTimeout, 5*time.Second),
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	registry := resource.NewRegistry(db, log.With(logx.String("comp", "resource")))
	store := schedule.NewStore(db, log.With(logx.String("comp", "schedule")))
	schedules := schedule.NewController(store, bus, log.With(logx.String("comp", "schedule")))

	// The pool's result hook feeds the coordinator, which in turn submits to
	// the pool; bind the hook through a late-set pointer.
	var coord *dispatch.Coordinator
	pool := work.NewPool(mapPoolConfig(cfg), collab, work.Hooks{
		OnResult: func(ctx context.Context, r work.Result) {
			if coord != nil {
				coord.HandleResult(ctx, r)
			}
		},
	}, log.With(logx.String("comp", "workpool")), bus)
	coord = dispatch.NewCoordinator(mapDispatchConfig(cfg), registry, schedules, pool,
		log.With(logx.String("comp", "dispatch")))

	dbg := debug.New(mapDebugConfig(cfg), statusFunc(pool, registry, schedules),
		log.With(logx.String("comp", "debug")))

	return &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		dbPath:    cfg.Storage.Path,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		db:        db,
		registry:  registry,
		schedules: schedules,
		pool:      pool,
		coord:     coord,
		debug:     dbg,
	}, nil
}

// statusFunc assembles the /statusz payload from live components.
func statusFunc(pool *work.Pool, registry *resource.Registry, schedules *schedule.Controller) debug.StatusFunc {
	return func(ctx context.Context) any {
		type status struct {
			Time      time.Time                      `json:"time"`
			Pool      work.Snapshot                  `json:"pool"`
			Active    int                            `json:"active_schedules"`
			Resources int                            `json:"enabled_resources"`
			Activity  map[string]resource.ActionStats `json:"activity_24h,omitempty"`
		}
		st := status{Time: time.Now().UTC(), Pool: pool.Snapshot()}
		if list, err := schedules.List(ctx, schedule.StatusActive); err == nil {
			st.Active = len(list)
		}
		if res, err := registry.List(ctx, true); err == nil {
			st.Resources = len(res)
		}
		if stats, err := registry.Stats(ctx, 24*time.Hour); err == nil {
			st.Activity = stats
		}
		return st
	}
}

// Schedules exposes the schedule controller for front ends.
func (a *App) Schedules() *schedule.Controller { return a.schedules }

// Resources exposes the resource registry for front ends.
func (a *App) Resources() *resource.Registry { return a.registry }

// PoolSnapshot reports worker pool diagnostics.
func (a *App) PoolSnapshot() work.Snapshot { return a.pool.Snapshot() }

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	a.pool.Start(a.sup.Context())
	a.coord.Start(a.sup.Context())
	a.debug.Start(a.sup.Context())

	cfg := a.cfgm.Get()
	if cfg.Maintenance.Enabled {
		a.startMaintenance(cfg)
	}

	// Debug visibility into bus traffic.
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

	// Config hot reload fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the newest config.
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
				a.applyConfig(c, newCfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("started")
	return nil
}

func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	if cfg.Storage.Path != a.dbPath {
		a.log.Warn("storage path changed; restart required for it to take effect")
	}

	a.pool.Apply(ctx, mapPoolConfig(cfg))
	a.coord.Apply(mapDispatchConfig(cfg))
	a.debug.Reconfigure(ctx, mapDebugConfig(cfg))

	a.log.Info("config reloaded")
}

// startMaintenance schedules the housekeeping jobs: an hourly activity
// summary and a daily work-log prune.
func (a *App) startMaintenance(cfg *config.Config) {
	retention := config.MustDuration(cfg.Maintenance.WorkLogRetention, 7*24*time.Hour)
	a.cron = cron.New()

	_, _ = a.cron.AddFunc("@hourly", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		stats, err := a.registry.Stats(ctx, 24*time.Hour)
		if err != nil {
			a.log.Warn("stats query failed", logx.Err(err))
			return
		}
		snap := a.pool.Snapshot()
		a.log.Info("activity summary",
			logx.Int("checks", stats[string(work.ActionCheck)].Total),
			logx.Int("sends", stats[string(work.ActionSend)].Total),
			logx.Int("send_failures", stats[string(work.ActionSend)].Failed),
			logx.Uint64("pool_submitted", snap.Submitted),
			logx.Uint64("pool_dropped", snap.Dropped))
	})

	_, _ = a.cron.AddFunc("@daily", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := a.registry.PruneWorkLog(ctx, retention); err != nil {
			a.log.Warn("work log prune failed", logx.Err(err))
		}
	})

	a.cron.Start()
	a.log.Info("maintenance jobs scheduled", logx.Duration("retention", retention))
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	// Bound each shutdown step so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
	}

	if a.cron != nil {
		step("maintenance", 2*time.Second, func(c context.Context) error {
			stopped := a.cron.Stop()
			select {
			case <-stopped.Done():
			case <-c.Done():
			}
			return nil
		})
	}
	step("debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("dispatch", 2*time.Second, func(c context.Context) error { a.coord.Stop(c); return nil })
	step("workpool", 3*time.Second, func(c context.Context) error { a.pool.Stop(c); return nil })
	step("storage", time.Second, func(context.Context) error { return a.db.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

func mapPoolConfig(cfg *config.Config) work.Config {
	return work.Config{
		Workers:        cfg.Pool.Workers,
		QueueSize:      cfg.Pool.QueueSize,
		RetryMax:       cfg.Pool.RetryMax,
		RetryBase:      config.MustDuration(cfg.Pool.RetryBase, 500*time.Millisecond),
		RetryMaxDelay:  config.MustDuration(cfg.Pool.RetryMaxDelay, 15*time.Second),
		DefaultTimeout: config.MustDuration(cfg.Pool.DefaultTimeout, 45*time.Second),
		RatePerSec:     float64(cfg.Pool.RatePerSec),
	}
}

func mapDebugConfig(cfg *config.Config) debug.Config {
	return debug.Config{
		Enabled: cfg.Debug.Enabled,
		Addr:    cfg.Debug.Addr,
		Token:   cfg.Debug.Token,
	}
}

func mapDispatchConfig(cfg *config.Config) dispatch.Config {
	return dispatch.Config{
		Tick:            config.MustDuration(cfg.Dispatch.Tick, 15*time.Second),
		CheckInterval:   config.MustDuration(cfg.Dispatch.CheckInterval, 3*time.Minute),
		BatchSize:       cfg.Dispatch.BatchSize,
		StaggerFraction: cfg.Dispatch.StaggerFraction,
		HotRecheck:      config.MustDuration(cfg.Dispatch.HotRecheck, time.Minute),
		ActiveWindow:    config.MustDuration(cfg.Dispatch.ActiveWindow, 24*time.Hour),
		ActiveJitterMax: config.MustDuration(cfg.Dispatch.ActiveJitterMax, 30*time.Second),
	}
}
