// Package app wires configuration, transport, services and the update loop
// into one process.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"albumbot/internal/album"
	"albumbot/internal/config"
	"albumbot/internal/dispatch"
	"albumbot/internal/eventbus"
	"albumbot/internal/flow"
	"albumbot/internal/janitor"
	"albumbot/internal/runtime/supervisor"
	"albumbot/internal/session"
	"albumbot/internal/storage"
	kit "albumbot/internal/transport"
	"albumbot/internal/transport/telegram"
	logx "albumbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	adapter  kit.Adapter
	store    storage.Store
	sessions *session.Registry
	window   *album.Window
	disp     *dispatch.Service
	flow     *flow.Flow
	jan      *janitor.Service

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, logSvc.Logger().With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, logSvc.Logger().With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	disp := dispatch.New(dcfg, ad, logSvc.Logger().With(logx.String("comp", "dispatch")), bus, store)

	sessions := session.NewRegistry()

	fcfg, err := mapFlowConfig(cfg)
	if err != nil {
		return nil, err
	}
	fl := flow.New(fcfg, ad, sessions, disp, logSvc.Logger().With(logx.String("comp", "flow")))

	debounce, err := mapAlbumDebounce(cfg)
	if err != nil {
		return nil, err
	}
	window := album.NewWindow(debounce, fl.OnGroupClosed, logSvc.Logger().With(logx.String("comp", "window")))
	fl.BindWindow(window)

	jcfg, err := mapJanitorConfig(cfg)
	if err != nil {
		return nil, err
	}
	jan := janitor.New(jcfg, sessions, window, store, logSvc.Logger().With(logx.String("comp", "janitor")))

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		adapter:  ad,
		store:    store,
		sessions: sessions,
		window:   window,
		disp:     disp,
		flow:     fl,
		jan:      jan,
		updates:  make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app context is cancelled (fatal error or Stop).
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

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	if m, ok := a.adapter.(interface {
		UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error
	}); ok {
		mctx, cancel := context.WithTimeout(a.sup.Context(), 10*time.Second)
		if err := m.UpdateMenuCommands(mctx, a.flow.Commands()); err != nil {
			a.log.Warn("menu commands update failed", logx.Err(err))
		}
		cancel()
	}

	a.disp.Start(a.sup.Context())
	a.flow.Start(a.sup.Context())
	a.jan.Start(a.sup.Context())

	a.sup.Go("updates.dispatch", func(c context.Context) error {
		for {
			select {
			case <-c.Done():
				return nil
			case u, ok := <-a.updates:
				if !ok {
					return nil
				}
				a.flow.HandleUpdate(c, u)
			}
		}
	})

	// debug-level event trace; components subscribe themselves for real work
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

	a.startConfigReload()

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sup.Go0("sd.watchdog", watchdogLoop)
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	a.log.Info("app started")
	return nil
}

// startConfigReload applies hot-reloadable sections as they arrive: logging,
// dispatch pacing, aggregation debounce, flow behavior, janitor cadence.
// Telegram token and storage changes need a restart.
func (a *App) startConfigReload() {
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
				// coalesce bursts: keep only the latest
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
				a.applyConfig(newCfg)
			}
		}
	})
}

func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(mapLoggingConfig(cfg))

	if dcfg, err := mapDispatchConfig(cfg); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.disp.Apply(dcfg)
	}

	if d, err := mapAlbumDebounce(cfg); err != nil {
		a.log.Warn("invalid album debounce; keeping previous", logx.Err(err))
	} else {
		a.window.SetDebounce(d)
	}

	if fcfg, err := mapFlowConfig(cfg); err != nil {
		a.log.Warn("invalid flow config; keeping previous", logx.Err(err))
	} else {
		a.flow.Apply(fcfg)
	}

	if jcfg, err := mapJanitorConfig(cfg); err != nil {
		a.log.Warn("invalid janitor config; keeping previous", logx.Err(err))
	} else {
		a.jan.Apply(jcfg)
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.log.Info("stopping")

	// Bounded shutdown steps so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := boundedCtx(ctx, max)
		defer cancel()
		start := time.Now()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("janitor", 2*time.Second, func(c context.Context) error { a.jan.Stop(c); return nil })
	step("window", time.Second, func(context.Context) error { a.window.Close(); return nil })
	// let in-flight deliveries land before the run context is cancelled
	step("dispatch", 30*time.Second, func(c context.Context) error { a.disp.Stop(c); return nil })

	a.sup.Cancel()

	step("adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("sessions", time.Second, func(context.Context) error { a.sessions.Close(); return nil })
	step("storage", 2*time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}

func boundedCtx(parent context.Context, max time.Duration) (context.Context, context.CancelFunc) {
	if max <= 0 {
		return context.WithCancel(parent)
	}
	if dl, ok := parent.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, max)
}

// watchdogLoop pets the systemd watchdog when one is configured for the unit.
func watchdogLoop(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
