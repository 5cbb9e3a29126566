// Package app wires the daemon together: config, logging, storage, the
// timer service, the control socket, the profiling server, the reload
// fan-out and the systemd handshake.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"chimed/internal/config"
	"chimed/internal/eventbus"
	"chimed/internal/observability/pprof"
	"chimed/internal/runtime/supervisor"
	"chimed/internal/server"
	"chimed/internal/storage"
	"chimed/internal/timers"
	"chimed/pkg/logx"
)

// ConfigAppliedEvent is the bus payload published after a reload lands.
type ConfigAppliedEvent struct {
	Sections []string `json:"sections"`
	Timers   []string `json:"timers,omitempty"`
}

type App struct {
	cfgPath string
	version string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	timers *timers.Service
	rpc    *server.Server
	pprof  *pprof.Service
}

// New loads and validates the config, then builds every service in its
// idle state. Start attaches them to a supervisor.
func New(cfgPath, version string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logSvc, baseLog := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log := baseLog.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, baseLog.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	tm := timers.New(baseLog.With(logx.String("comp", "timers")), bus, store)

	ppc, err := mapPprofConfig(cfg)
	if err != nil {
		return nil, err
	}
	ppSvc := pprof.New(ppc, baseLog)

	return &App{
		cfgPath: cfgPath,
		version: version,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		timers:  tm,
		pprof:   ppSvc,
	}, nil
}

// Done is closed when the supervisor context dies, either through Stop
// or a fatal error.
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

// Timers exposes the timer service; the RPC layer and tests go through
// it, the daemon binary never needs to.
func (a *App) Timers() *timers.Service { return a.timers }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(),
	)

	// Reloads are transactional: a candidate config that fails here is
	// dropped before anything sees it.
	a.cfgm.SetLogger(a.logs.Logger().With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		if _, err := mapPprofConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	cfg := a.cfgm.Get()

	if err := a.timers.Apply(cfg.Timers); err != nil {
		// Partial failures leave the good timers running.
		a.log.Warn("some timers failed to start", logx.Err(err))
	}

	if cfg.RPC.IsEnabled() {
		a.rpc = server.New(server.Config{
			Socket:  cfg.RPC.Socket,
			Version: a.version,
		}, a.logs.Logger().With(logx.String("comp", "rpc")), a.timers, a.store, a.sup)

		a.sup.GoRestart("rpc.serve", func(c context.Context) error {
			errCh := make(chan error, 1)
			go func() { errCh <- a.rpc.Serve() }()
			select {
			case err := <-errCh:
				return err
			case <-c.Done():
				sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = a.rpc.Shutdown(sctx)
				<-errCh
				return nil
			}
		}, supervisor.WithBackoff(time.Second, 30*time.Second))
	} else {
		a.log.Warn("rpc disabled; chimectl cannot reach this daemon")
	}

	if a.pprof.Enabled() {
		a.pprof.Start(a.sup.Context())
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				// Debug level; timers can be chatty.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
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
				// Coalesce bursts: only the newest candidate matters.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.startWatchdog(cfg)
	a.notifyReady()

	a.log.Info("daemon started",
		logx.String("version", a.version),
		logx.String("config", a.cfgPath),
		logx.Int("timers", len(cfg.Timers)))
	return nil
}

// applyConfig fans one committed reload out to the running services.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, timersChanged := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "storage", "rpc", "watchdog":
			a.log.Warn("section changed; restart required to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(logx.Config{
		Level:   newCfg.Logging.Level,
		Console: newCfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: newCfg.Logging.File.Enabled,
			Path:    newCfg.Logging.File.Path,
		},
	})

	if len(timersChanged) > 0 {
		a.log.Debug("timer changes", logx.Any("names", timersChanged))
	}
	if err := a.timers.Apply(newCfg.Timers); err != nil {
		a.log.Warn("some timers failed to apply", logx.Err(err))
	}

	// The validator vetted this config already; a mapping error here
	// means a code bug, not an operator one.
	if ppc, err := mapPprofConfig(newCfg); err != nil {
		a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
	} else {
		a.pprof.Reconfigure(ctx, ppc)
	}

	a.bus.Publish(eventbus.Event{Type: "config.applied", Data: ConfigAppliedEvent{
		Sections: sections,
		Timers:   timersChanged,
	}})

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notifyStopping()

	// Unwind background loops first so nothing schedules new work while
	// the services drain.
	a.sup.Cancel()

	// Each shutdown step gets an upper bound so one component cannot
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline, never extend it
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
			a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
			// Watch for a late finish so leaks show up in the logs.
			go func() {
				err := <-done
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)))
				}
			}()
		}
	}

	step("rpc", 2*time.Second, func(c context.Context) error {
		if a.rpc != nil {
			return a.rpc.Shutdown(c)
		}
		return nil
	})
	step("timers", 5*time.Second, func(c context.Context) error { return a.timers.Stop(c) })
	step("pprof", time.Second, func(c context.Context) error {
		a.pprof.Stop(c)
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped", logx.String("reason", string(reason)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
