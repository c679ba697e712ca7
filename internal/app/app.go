// Package app wires the nudge engine into a long-running host process:
// config, logging, storage, the engine itself, the push forwarder and config
// hot reload.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"nudge/internal/clock"
	"nudge/internal/config"
	"nudge/internal/engine"
	"nudge/internal/errsink"
	"nudge/internal/eventbus"
	"nudge/internal/forward"
	"nudge/internal/nudge"
	"nudge/internal/runtime/supervisor"
	"nudge/internal/scheduler"
	"nudge/internal/snapshot"
	"nudge/internal/storage"
	logx "nudge/pkg/logx"
	"nudge/pkg/systemd"
)

// Options override collaborators that otherwise come from the config file.
type Options struct {
	ConfigPath string
	// Provider replaces the file snapshot provider named by snapshot.file.
	Provider  scheduler.SnapshotProvider
	Navigator nudge.Navigator
	Clock     clock.Clock
	// Sender replaces the shoutrrr sender used by the forwarder.
	Sender forward.Sender
}

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	sink  *errsink.Reporter

	eng    *engine.Engine
	fwd    *forward.Service
	notify *systemd.Notifier
}

func New(opts Options) (*App, error) {
	cfgm := config.NewManager(opts.ConfigPath, logx.NewConsole("info").With(logx.Component("config")))
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return config.Validate(cfg) })
	cfg, err := cfgm.Load(context.Background())
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(config.MapLogging(cfg))
	cfgm.SetLogger(log.With(logx.Component("config")))
	appLog := log.With(logx.Component("app"))

	bus := eventbus.New()
	sink := errsink.New(config.MapErrors(cfg), log.With(logx.Component("errsink")))

	var store storage.Store
	sc, driver, err := config.MapStorage(cfg)
	if err != nil {
		return nil, err
	}
	sc.Path = resolvePath(opts.ConfigPath, sc.Path)
	if store, err = storage.Open(sc, log.With(logx.Component("storage"))); err != nil {
		return nil, err
	}
	if store != nil {
		appLog.Info("storage enabled", logx.String("driver", driver))
	} else {
		appLog.Warn("storage disabled; day-scoped dedup and cooldowns reset on restart")
	}

	provider := opts.Provider
	if provider == nil {
		path := strings.TrimSpace(cfg.Snapshot.File)
		if path == "" {
			return nil, errors.New("snapshot.file required when no snapshot provider is supplied")
		}
		file := snapshot.NewFile(resolvePath(opts.ConfigPath, path), log.With(logx.Component("snapshot")))
		appLog.Info("reading state snapshots", logx.String("path", file.Path()))
		provider = file
	}

	ec, err := config.MapEngine(cfg)
	if err != nil {
		return nil, err
	}
	eng, err := engine.New(ec, engine.Deps{
		Clock:     opts.Clock,
		Store:     store,
		Provider:  provider,
		Navigator: opts.Navigator,
		Sink:      sink,
		Bus:       bus,
	}, log.With(logx.Component("engine")))
	if err != nil {
		return nil, err
	}
	rules, err := config.CompileRules(cfg)
	if err != nil {
		return nil, err
	}
	if err := eng.ApplyRules(context.Background(), rules); err != nil {
		return nil, err
	}

	fc, err := config.MapForward(cfg)
	if err != nil {
		return nil, err
	}
	fwd := forward.New(fc, opts.Sender, bus, log.With(logx.Component("forward")))

	return &App{
		cfgm:   cfgm,
		log:    appLog,
		logs:   logSvc,
		bus:    bus,
		store:  store,
		sink:   sink,
		eng:    eng,
		fwd:    fwd,
		notify: systemd.New(log.With(logx.Component("systemd"))),
	}, nil
}

// resolvePath makes p relative to the config file's directory.
func resolvePath(cfgPath, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(cfgPath), p)
}

func (a *App) Engine() *engine.Engine { return a.eng }

func (a *App) Bus() eventbus.Bus { return a.bus }

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
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	if err := a.eng.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.fwd.Enabled() {
		a.fwd.Start(a.sup.Context())
	}

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
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				next = drainLatest(sub, next)
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})

	a.sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		if err := a.notify.Watchdog(c); err != nil {
			a.log.Warn("systemd watchdog disabled", logx.Err(err))
		}
	})

	st := a.eng.Stats()
	a.notify.Ready(statusLine(len(a.eng.Rules()), len(st.Groups)))
	a.log.Info("app started", logx.Int("rules", len(a.eng.Rules())), logx.Int("groups", len(st.Groups)))
	return nil
}

// drainLatest coalesces a burst of reloads into the newest config.
func drainLatest(ch <-chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case newer, ok := <-ch:
			if !ok {
				return cur
			}
			if newer != nil {
				cur = newer
			}
		default:
			return cur
		}
	}
}

func statusLine(rules, groups int) string {
	return fmt.Sprintf("evaluating %d rules in %d tick groups", rules, groups)
}

// applyConfig pushes a validated config into the running components. Storage,
// timezone, snapshot and error sink changes need a restart.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, changedRules := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(config.MapLogging(newCfg))
		case "engine":
			ec, err := config.MapEngine(newCfg)
			if err != nil {
				a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
				continue
			}
			if ec.Location.String() != a.eng.Location().String() {
				a.log.Warn("engine.timezone changed; restart required for it to take effect")
			}
			a.eng.SetConfig(ec)
		case "rules":
			rules, err := config.CompileRules(newCfg)
			if err != nil {
				a.log.Warn("invalid rules; keeping previous", logx.Err(err))
				continue
			}
			if err := a.eng.ApplyRules(ctx, rules); err != nil {
				a.log.Warn("rules rejected; keeping previous", logx.Err(err))
				continue
			}
			a.log.Info("rules applied", logx.Int("count", len(rules)), logx.Any("changed", changedRules))
			a.notify.Status("%s", statusLine(len(rules), len(a.eng.Stats().Groups)))
		case "forward":
			a.applyForward(ctx, newCfg)
		case "storage", "snapshot", "errors":
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyForward(ctx context.Context, cfg *config.Config) {
	fc, err := config.MapForward(cfg)
	if err != nil {
		a.log.Warn("invalid forward config; keeping previous", logx.Err(err))
		return
	}
	was := a.fwd.Enabled()
	a.fwd.Apply(fc)
	switch {
	case was && !fc.Enabled:
		a.log.Info("forwarder disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.fwd.Stop(stopCtx)
		cancel()
	case !was && fc.Enabled:
		a.log.Info("forwarder enabled via config")
		a.fwd.Start(ctx)
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify.Stopping()

	a.sup.Cancel()

	a.stopStep(ctx, "engine", 2*time.Second, a.eng.Stop)
	a.stopStep(ctx, "forward", 2*time.Second, func(c context.Context) error { a.fwd.Stop(c); return nil })
	a.stopStep(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	a.stopStep(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	reported, dropped := a.sink.Counts()
	a.log.Info("stopped", logx.Uint64("errors_reported", reported), logx.Uint64("errors_dropped", dropped))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
