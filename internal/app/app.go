package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Lunaria-Bot/MemAssistant/internal/announce"
	"github.com/Lunaria-Bot/MemAssistant/internal/commands"
	"github.com/Lunaria-Bot/MemAssistant/internal/config"
	"github.com/Lunaria-Bot/MemAssistant/internal/daily"
	"github.com/Lunaria-Bot/MemAssistant/internal/delivery"
	"github.com/Lunaria-Bot/MemAssistant/internal/detect"
	"github.com/Lunaria-Bot/MemAssistant/internal/eventbus"
	"github.com/Lunaria-Bot/MemAssistant/internal/hightier"
	"github.com/Lunaria-Bot/MemAssistant/internal/notifier"
	"github.com/Lunaria-Bot/MemAssistant/internal/notifier/broadcast"
	"github.com/Lunaria-Bot/MemAssistant/internal/observability/ops"
	"github.com/Lunaria-Bot/MemAssistant/internal/reminder"
	"github.com/Lunaria-Bot/MemAssistant/internal/runtime/supervisor"
	"github.com/Lunaria-Bot/MemAssistant/internal/storage"
	"github.com/Lunaria-Bot/MemAssistant/internal/subscription"
	kit "github.com/Lunaria-Bot/MemAssistant/internal/transport"
	telegram "github.com/Lunaria-Bot/MemAssistant/internal/transport/telegram/adapter"
	"github.com/Lunaria-Bot/MemAssistant/internal/transport/telegram/router"
	logx "github.com/Lunaria-Bot/MemAssistant/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter *telegram.Adapter

	subs      *subscription.Service
	reminders *reminder.Service
	detector  *detect.Detector
	notif     *notifier.Service
	announcer *announce.Announcer
	bcast     *broadcast.Service
	daily     *daily.Service
	hightier  *hightier.Service
	ops       *ops.Service

	cmdm *router.CommandManager

	startedAt time.Time
	restored  reminder.RestoreReport

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return nil, fmt.Errorf("telegram.token is empty (set it in the config or %s)", config.EnvToken)
	}
	if err := validateRuntime(cfg); err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg), ad)
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	// From here on the store is open; close it on any error.
	a, err := build(cfgPath, cfgm, cfg, ad, logSvc, log, bus, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func build(cfgPath string, cfgm *config.Manager, cfg *config.Config, ad *telegram.Adapter,
	logSvc *logx.Service, log logx.Logger, bus eventbus.Bus, store storage.Store) (*App, error) {
	subs := subscription.New(store, log.With(logx.String("comp", "subscription")))

	dcfg, err := mapDeliveryConfig(cfg)
	if err != nil {
		return nil, err
	}
	disp := delivery.New(dcfg, ad, ad, log.With(logx.String("comp", "delivery")))

	rcfg, err := mapReminderConfig(cfg)
	if err != nil {
		return nil, err
	}
	rem := reminder.New(rcfg, reminder.Deps{
		Store:      store,
		Gate:       subs,
		Dispatcher: disp,
		Resolver:   disp,
		Bus:        bus,
		Log:        log.With(logx.String("comp", "reminder")),
	})

	rules, err := mapDetectorRules(cfg)
	if err != nil {
		return nil, err
	}
	det, err := detect.New(rules, log.With(logx.String("comp", "detect")))
	if err != nil {
		return nil, err
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	notif := notifier.New(ncfg, ad, bus, store, log.With(logx.String("comp", "notifier")))
	ann := announce.New(mapAnnounceConfig(cfg), bus, notif, log.With(logx.String("comp", "announce")))

	bc := broadcast.New(mapBroadcastConfig(cfg), ad, log.With(logx.String("comp", "broadcast")))
	dl := daily.New(mapDailyConfig(cfg), store, subs, bc, notif, log.With(logx.String("comp", "daily")))

	hcfg, err := mapHighTierConfig(cfg)
	if err != nil {
		return nil, err
	}
	ht, err := hightier.New(hcfg, store, subs, notif, ad, log.With(logx.String("comp", "hightier")))
	if err != nil {
		return nil, err
	}

	cmdm := router.NewCommandManager(log.With(logx.String("comp", "commands")), ad, subs, cfg.Telegram.OwnerUserIDs)

	ocfg, err := mapOpsConfig(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		adapter:   ad,
		subs:      subs,
		reminders: rem,
		detector:  det,
		notif:     notif,
		announcer: ann,
		bcast:     bc,
		daily:     dl,
		hightier:  ht,
		cmdm:      cmdm,
		updates:   make(chan kit.Update, 256),
	}
	a.ops = ops.New(ocfg, a.report, log.With(logx.String("comp", "ops")))
	cmdm.SetFallback(a.onMessage)
	return a, nil
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

// onMessage turns detector hits into reminders and hands summon messages to
// the high-tier watcher. It runs on router workers.
func (a *App) onMessage(ctx context.Context, up kit.Update) {
	if res := a.hightier.Handle(ctx, up); res.Rarity != "" {
		a.log.Debug("high tier handled",
			logx.String("rarity", res.Rarity),
			logx.Bool("duplicate", res.Duplicate),
			logx.Bool("inactive", res.Inactive),
			logx.Int("pinged", res.Pinged),
			logx.Bool("forwarded", res.Forwarded),
		)
	}
	for _, t := range a.detector.Detect(up) {
		res, err := a.reminders.Arm(ctx, t)
		log := a.log.With(logx.String("key", t.Key().String()))
		switch {
		case errors.Is(err, reminder.ErrStore):
			log.Error("reminder not armed: store failure", logx.Err(err))
		case err != nil:
			log.Warn("reminder not armed", logx.Err(err))
		default:
			log.Debug("trigger handled", logx.String("status", res.Status.String()))
		}
	}
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	rctx := a.sup.Context()
	a.startedAt = time.Now()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			return fmt.Errorf("telegram.token is empty")
		}
		return validateRuntime(cfg)
	})

	if a.notif.Enabled() {
		a.notif.Start(rctx)
	}

	// Pending reminders come back before any new update is read.
	rep, err := a.reminders.Start(rctx)
	if err != nil {
		return fmt.Errorf("restore reminders: %w", err)
	}
	a.restored = rep
	a.sup.Go("announce", a.announcer.Run)
	a.sup.Go("hightier.cleanup", a.hightier.Run)

	a.bcast.Start(rctx)
	if err := a.daily.Start(); err != nil {
		return fmt.Errorf("daily: %w", err)
	}

	a.cmdm.SetRegistry(rctx, commands.Build(commands.Deps{
		Reminders: a.reminders,
		Subs:      a.subs,
		Daily:     a.daily,
		HighTier:  a.hightier,
		Members:   a.adapter,
	}))

	if err := a.adapter.Start(rctx, a.updates); err != nil {
		return err
	}
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
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
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if a.ops.Enabled() {
		a.ops.Start(rctx)
	}

	a.log.Info("app started",
		logx.Int("restored", rep.Restored),
		logx.Int("expired", rep.Expired),
		logx.Int("unresolvable", rep.Unresolvable),
		logx.Int("detectors", a.detector.Len()),
	)
	return nil
}

// applyConfig pushes a validated config into the running components.
// Storage, transport and timer settings need a restart and are only logged.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(oldCfg, newCfg); len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("settings", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLoggingConfig(newCfg))
	a.cmdm.SetOwners(newCfg.Telegram.OwnerUserIDs)

	if rc, err := mapReminderConfig(newCfg); err != nil {
		a.log.Warn("invalid reminders config; keeping previous", logx.Err(err))
	} else {
		a.reminders.ApplyKinds(rc.Kinds, rc.DefaultCooldown)
	}
	if rules, err := mapDetectorRules(newCfg); err != nil {
		a.log.Warn("invalid detectors; keeping previous", logx.Err(err))
	} else if err := a.detector.Apply(rules); err != nil {
		a.log.Warn("invalid detectors; keeping previous", logx.Err(err))
	}
	a.announcer.Apply(mapAnnounceConfig(newCfg))

	prevNotif := a.notif.Enabled()
	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
		switch {
		case prevNotif && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !prevNotif && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	if ocfg, err := mapOpsConfig(newCfg); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, ocfg)
	}

	if hc, err := mapHighTierConfig(newCfg); err != nil {
		a.log.Warn("invalid high_tier config; keeping previous", logx.Err(err))
	} else if err := a.hightier.Apply(hc); err != nil {
		a.log.Warn("invalid high_tier config; keeping previous", logx.Err(err))
	}

	if oldCfg == nil || oldCfg.Daily != newCfg.Daily {
		if err := a.daily.Apply(ctx, mapDailyConfig(newCfg)); err != nil {
			a.log.Warn("daily reschedule failed", logx.Err(err))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// step runs one shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				var cancel context.CancelFunc
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
				err := <-done
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	// Stop intake first, then the scheduler, then the senders.
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("daily", time.Second, func(c context.Context) error { a.daily.Stop(c); return nil })
	step("reminders", 3*time.Second, func(c context.Context) error { return a.reminders.Stop(c) })
	step("broadcast", 2*time.Second, func(c context.Context) error { return a.bcast.Stop(c) })
	step("notifier", time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

type healthReport struct {
	Status     string                 `json:"status"`
	Uptime     string                 `json:"uptime"`
	Timers     int                    `json:"timers"`
	NextFireAt *time.Time             `json:"next_fire_at,omitempty"`
	Restored   reminder.RestoreReport `json:"restored"`
	Detectors  int                    `json:"detectors"`
	App        supervisor.Snapshot    `json:"app"`
	Countdowns supervisor.Counters    `json:"countdowns"`
}

// report feeds the ops /healthz endpoint.
func (a *App) report(context.Context) any {
	timers := a.reminders.Timers()
	r := healthReport{
		Status:     "ok",
		Uptime:     time.Since(a.startedAt).Round(time.Second).String(),
		Timers:     len(timers),
		Restored:   a.restored,
		Detectors:  a.detector.Len(),
		App:        a.sup.Snapshot(),
		Countdowns: a.reminders.Stats().Counters,
	}
	if r.App.FirstError != "" {
		r.Status = "degraded"
	}
	for _, t := range timers {
		if !t.Deadline.IsZero() {
			d := t.Deadline
			r.NextFireAt = &d
			break
		}
	}
	return r
}
