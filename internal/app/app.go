package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"postbot/internal/api"
	"postbot/internal/config"
	"postbot/internal/engagement"
	"postbot/internal/eventbus"
	"postbot/internal/notify"
	"postbot/internal/platform"
	"postbot/internal/publish"
	"postbot/internal/runtime/supervisor"
	"postbot/internal/storage"
	"postbot/internal/task/periodic"
	logx "postbot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	router    *platform.Router
	sched     *publish.Scheduler
	refresher *engagement.Refresher
	runner    *periodic.Runner
	notif     *notify.Service
	api       *api.Server

	stopping atomic.Bool
}

// New loads the config file, opens the store and builds every component.
// Nothing runs until Start.
func New(ctx context.Context, cfgPath string, secrets config.Secrets) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(validateConfig)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	loc, err := config.ParseLocation("scheduler.timezone", cfg.Scheduler.Timezone)
	if err != nil {
		return nil, err
	}
	sc, err := mapStorageConfig(cfg, loc)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	a, err := build(ctx, cfg, secrets, cfgm, logSvc, root, store, loc)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func build(ctx context.Context, cfg *config.Config, secrets config.Secrets, cfgm *config.ConfigManager,
	logSvc *logx.Service, root logx.Logger, store storage.Store, loc *time.Location,
) (*App, error) {
	a := &App{
		cfgm:  cfgm,
		log:   root.With(logx.String("comp", "app")),
		logs:  logSvc,
		bus:   eventbus.New(),
		store: store,
	}

	policy, err := mapRetryPolicy(cfg)
	if err != nil {
		return nil, err
	}
	bus := a.bus
	set, err := buildPlatforms(ctx, cfg, platformDeps{
		secrets: secrets,
		policy:  policy,
		log:     root.With(logx.String("comp", "platform")),
		observe: func(postID int64, name string, attempt int, wait time.Duration, err error) {
			eventbus.Emit(bus, eventbus.PostRetry, eventbus.PostEvent{
				PostID: postID, Platform: name, Attempt: attempt, Wait: wait, Error: errString(err),
			})
		},
	})
	if err != nil {
		return nil, err
	}
	a.router, err = platform.NewRouter(set.adapters, set.settings, root.With(logx.String("comp", "router")))
	if err != nil {
		return nil, err
	}

	a.sched = publish.New(store, a.router, a.bus, root.With(logx.String("comp", "publish")), nil)
	a.refresher = engagement.New(store, a.router, a.bus, root.With(logx.String("comp", "engagement")), nil)

	a.runner = periodic.New(root.With(logx.String("comp", "runner")), loc)
	if cfg.SchedulerEnabled() {
		every, err := config.ParseDurationOrDefault("scheduler.interval", cfg.Scheduler.Interval, publish.DefaultInterval)
		if err != nil {
			return nil, err
		}
		if err := a.runner.Add(periodic.Task{
			Name:     publish.TaskName,
			Interval: every,
			Run: func(ctx context.Context) error {
				_, err := a.sched.RunOnce(ctx)
				return err
			},
		}); err != nil {
			return nil, err
		}
	}
	if cfg.MetricsEnabled() {
		delay, err := config.ParseDurationOrDefault("metrics.initial_delay", cfg.Metrics.InitialDelay, engagement.DefaultInitialDelay)
		if err != nil {
			return nil, err
		}
		every, err := config.ParseDurationOrDefault("metrics.interval", cfg.Metrics.Interval, engagement.DefaultInterval)
		if err != nil {
			return nil, err
		}
		if err := a.runner.Add(periodic.Task{
			Name:         engagement.TaskName,
			Interval:     every,
			InitialDelay: delay,
			Run: func(ctx context.Context) error {
				_, err := a.refresher.RunOnce(ctx)
				return err
			},
		}); err != nil {
			return nil, err
		}
	}

	var sender notify.Sender
	if set.bot != nil {
		sender = set.bot
	}
	a.notif = notify.New(mapNotifyConfig(cfg), sender, a.bus, root.With(logx.String("comp", "notify")))
	if cfg.Notify != nil && cfg.Notify.Enabled && !a.notif.Enabled() {
		a.log.Warn("notify enabled but no telegram bot token set; alerts disabled", logx.String("env", "TELEGRAM_BOT_TOKEN"))
	}

	if cfg.API.Enabled {
		a.api, err = api.New(api.Config{
			Addr:                 cfg.API.Addr,
			Token:                secrets.APIToken,
			AllowUnknownPlatform: cfg.API.AllowUnknownPlatform,
			Location:             loc,
			Pprof:                cfg.API.Pprof,
		}, api.Deps{
			Store:      store,
			Platforms:  a.router,
			Tasks:      a.runner,
			Scheduler:  a.sched,
			Refresher:  a.refresher,
			Supervisor: a,
		}, root.With(logx.String("comp", "api")))
		if err != nil {
			return nil, err
		}
	}
	return a, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Counters reports the app supervisor counters (zero before Start).
func (a *App) Counters() supervisor.SupervisorCounters {
	if a.sup == nil {
		return supervisor.SupervisorCounters{}
	}
	return a.sup.Counters()
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

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	events, unsub := a.bus.Subscribe(256)
	a.sup.Go0("audit", func(c context.Context) {
		defer unsub()
		auditLoop(c, events, a.store, a.log.With(logx.String("comp", "audit")))
	})

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	if err := a.runner.Start(a.sup.Context()); err != nil {
		a.sup.Cancel()
		return err
	}
	if a.api != nil {
		a.sup.Go("api", a.serveAPI)
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Strings("platforms", a.router.ListAvailable()),
		logx.Bool("alerts", a.notif.Enabled()),
		logx.Bool("api", a.api != nil),
	)
	return nil
}

func (a *App) serveAPI(c context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- a.api.Serve() }()
	select {
	case err := <-errc:
		if err != nil && !a.stopping.Load() {
			return fmt.Errorf("api: %w", err)
		}
		return nil
	case <-c.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.api.Shutdown(sctx); err != nil {
			a.log.Warn("api shutdown", logx.Err(err))
		}
		<-errc
		return nil
	}
}

func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts; only the newest config matters.
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

			sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Info("config reloaded (no changes)")
				continue
			}
			a.logs.Apply(mapLogConfig(newCfg))

			var restart []string
			for _, s := range sections {
				if s != "logging" {
					restart = append(restart, s)
				}
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
			if len(restart) > 0 {
				a.log.Warn("config changed; restart required for changes to take effect", logx.Strings("sections", restart))
			}
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.closeStore()
	}
	if !a.stopping.CompareAndSwap(false, true) {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.sup.Cancel()

	var errs []error
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
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
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			errs = append(errs, fmt.Errorf("%s: %w", name, stepCtx.Err()))
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("runner", 30*time.Second, a.runner.Stop)
	step("notify", 5*time.Second, a.notif.Stop)
	step("supervisor", 10*time.Second, a.sup.Wait)
	step("storage", 5*time.Second, func(context.Context) error { return a.closeStore() })

	a.log.Info("stopped", logx.String("reason", string(reason)))
	_ = a.logs.Close()
	return errors.Join(errs...)
}

func (a *App) closeStore() error {
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	if errors.Is(err, storage.ErrClosed) {
		return nil
	}
	return err
}
