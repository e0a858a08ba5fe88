package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"mapbot/internal/bot"
	"mapbot/internal/broadcast"
	"mapbot/internal/config"
	"mapbot/internal/confirm"
	"mapbot/internal/eventbus"
	"mapbot/internal/maintenance"
	"mapbot/internal/plugingen"
	rtsup "mapbot/internal/runtime/supervisor"
	"mapbot/internal/storage"
	kit "mapbot/internal/transport"
	telegram "mapbot/internal/transport/telegram/adapter"
	"mapbot/internal/uploader"
	logx "mapbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter *telegram.Adapter

	uploader *uploaderRef
	bcast    *broadcast.Service
	confirm  *confirm.Store
	plugins  *pluginsRef
	bot      *bot.Dispatcher
	maint    *maintenance.Service

	updates   chan kit.Update
	notifySd  func(state string)
	startedAt time.Time
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	t, err := cfg.Timings()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: t.PollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// logx.New applies immediately; enable the Telegram sink only after the
	// target chat is known so Apply does not warn about a missing target.
	baseLogCfg := cfg.LogConfig()
	baseLogCfg.Telegram.Enabled = false
	logSvc, log := logx.New(baseLogCfg, ad)
	log = log.With(logx.String("comp", "app"))
	setLogTarget(logSvc, cfg)
	logSvc.Apply(cfg.LogConfig())

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	up := &uploaderRef{}
	up.store(newUploader(cfg, t, log))

	bc := broadcast.New(broadcast.Config{
		Delay:         t.BroadcastDelay,
		ProgressEvery: cfg.Broadcast.ProgressEvery,
	}, broadcast.Options{
		Sender:     ad,
		Recipients: store,
		Audit:      store,
		Events:     bus,
		Log:        log.With(logx.String("comp", "broadcast")),
	})

	gate := confirm.New(t.ConfirmTTL)
	plugins := &pluginsRef{}
	plugins.store(plugingen.New(cfg.Plugin.Author, cfg.Plugin.Version))

	disp := bot.New(bot.Deps{
		Adapter:     ad,
		Store:       store,
		Uploader:    up,
		Broadcaster: bc,
		Confirm:     gate,
		Plugins:     plugins,
		Events:      bus,
		Log:         log.With(logx.String("comp", "bot")),
		BotUsername: ad.Username(),
	}, botSettings(cfg))

	maint := maintenance.New(maintenanceConfig(cfg), store, bus, log)

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		adapter:  ad,
		uploader: up,
		bcast:    bc,
		confirm:  gate,
		plugins:  plugins,
		bot:      disp,
		maint:    maint,
		updates:  make(chan kit.Update, 256),
		notifySd: sdNotify,
	}, nil
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

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.startedAt = time.Now()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		// Parse already validated the file; also reject a storage block
		// that could not be opened on the next restart.
		_, err := mapStorageConfig(cfg)
		return err
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	a.sup.Go("bot.dispatch", func(c context.Context) error {
		return a.bot.DispatchLoop(c, a.updates)
	})

	a.sup.Go0("menu.sync", func(c context.Context) {
		mctx, cancel := context.WithTimeout(c, 15*time.Second)
		defer cancel()
		if err := a.adapter.SetMenuCommands(mctx, a.bot.MenuCommands()); err != nil {
			a.log.Warn("set menu commands failed", logx.Err(err))
		}
	})

	a.sup.Go0("maintenance.start", func(c context.Context) {
		if err := a.maint.Start(c); err != nil {
			a.log.Warn("maintenance schedule not started", logx.Err(err))
		}
	})

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
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
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
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	warnNoAdmins(a.log, a.cfgm.Get())
	a.notifySd(daemon.SdNotifyReady)
	a.log.Info("app started", logx.String("bot", a.adapter.Username()))
	return nil
}

// applyConfig pushes a reloaded config into every hot-reloadable component.
// Invalid sections keep their previous values.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart {
		a.log.Warn("token, workers or storage changed; restart required for those to take effect")
	}

	setLogTarget(a.logs, newCfg)
	a.logs.Apply(newCfg.LogConfig())

	t, err := newCfg.Timings()
	if err != nil {
		a.log.Warn("invalid durations in config; keeping previous tuning", logx.Err(err))
	} else {
		a.uploader.store(newUploader(newCfg, t, a.log))
		a.bcast.Apply(broadcast.Config{Delay: t.BroadcastDelay, ProgressEvery: newCfg.Broadcast.ProgressEvery})
		a.confirm.SetTTL(t.ConfirmTTL)
	}
	a.plugins.store(plugingen.New(newCfg.Plugin.Author, newCfg.Plugin.Version))
	a.bot.Apply(botSettings(newCfg))
	warnNoAdmins(a.log, newCfg)
	if err := a.maint.Apply(maintenanceConfig(newCfg)); err != nil {
		a.log.Warn("maintenance schedule not applied", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)), logx.Duration("uptime", time.Since(a.startedAt)))
	a.notifySd(daemon.SdNotifyStopping)

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max > 0 {
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
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	// The dispatcher may still be finishing a handler that writes to the store.
	step("supervisor", 5*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func setLogTarget(logs *logx.Service, cfg *config.Config) {
	raw := strings.TrimSpace(cfg.Telegram.GroupLog)
	if raw == "" {
		logs.SetTelegramTarget(0, 0)
		return
	}
	if chatID, err := strconv.ParseInt(raw, 10, 64); err == nil {
		logs.SetTelegramTarget(chatID, cfg.Logging.Telegram.ThreadID)
	}
}

func sdNotify(state string) {
	// Not running under systemd (or no NOTIFY_SOCKET) is not an error.
	_, _ = daemon.SdNotify(false, state)
}

// uploaderRef lets a config reload swap the upload client without touching
// requests already in flight.
type uploaderRef struct{ p atomic.Pointer[uploader.Uploader] }

func (r *uploaderRef) store(u *uploader.Uploader) { r.p.Store(u) }

func (r *uploaderRef) Upload(ctx context.Context, payload []byte, filename string) (string, error) {
	return r.p.Load().Upload(ctx, payload, filename)
}

type pluginsRef struct{ p atomic.Pointer[plugingen.Generator] }

func (r *pluginsRef) store(g plugingen.Generator) { r.p.Store(&g) }

func (r *pluginsRef) Generate(mapFileName, url string) plugingen.Artifact {
	return r.p.Load().Generate(mapFileName, url)
}
