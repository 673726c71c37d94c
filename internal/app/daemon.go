package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"cfspeed/internal/config"
	"cfspeed/internal/runtime/supervisor"
	"cfspeed/internal/session"
	logx "cfspeed/pkg/logx"
	"cfspeed/pkg/systemd"
)

// RunDaemon starts a test on every schedule fire until ctx is done. Fires
// that land while a test is running are skipped. The config file stays
// under watch; logging changes apply live, the rest on restart.
func (a *App) RunDaemon(ctx context.Context) error {
	sched, err := ParseSchedule(a.settings.Schedule.Spec)
	if err != nil {
		return err
	}

	sup := supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	if a.metrics != nil {
		sup.GoRestart("metrics.http", a.ServeMetrics,
			supervisor.WithRestartBackoff(time.Second, 10*time.Second),
			supervisor.WithMaxRestarts(5),
		)
	}
	a.cfgm.SetValidator(validateReload)
	sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	a.watchConfig(sup)
	a.logEvents(sup)

	if d := systemd.WatchdogInterval(); d > 0 {
		sup.Go0("systemd.watchdog", func(c context.Context) {
			t := time.NewTicker(d)
			defer t.Stop()
			for {
				select {
				case <-c.Done():
					return
				case <-t.C:
					_, _ = systemd.Watchdog()
				}
			}
		})
	}

	cr := newScheduler(sched, a.settings.Schedule.Location, func() { a.scheduledRun(sup.Context()) })
	cr.Start()
	a.log.Info("daemon started",
		logx.String("schedule", a.settings.Schedule.Spec),
		logx.String("tz", a.settings.Schedule.Location.String()),
		logx.String("backend", a.settings.Backend.BaseURL),
	)
	if ok, err := systemd.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}

	<-sup.Context().Done()
	_, _ = systemd.Stopping()
	a.log.Info("daemon stopping")

	<-cr.Stop().Done()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := a.ctrl.Stop(stopCtx); err != nil {
		a.log.Warn("stop running test failed", logx.Err(err))
	}
	err = sup.Wait(stopCtx)
	for _, g := range sup.Snapshot().Goroutines {
		a.log.Debug("daemon goroutine",
			logx.String("name", g.Name),
			logx.Int("active", int(g.Active)),
			logx.Int("restarts", int(g.Restarts)),
			logx.Duration("runtime", g.TotalRuntime),
			logx.String("last_err", g.LastErr),
		)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// scheduledRun starts one test and blocks until it ends or ctx is done.
func (a *App) scheduledRun(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := a.ctrl.Start(ctx, nil); err != nil {
		if errors.Is(err, session.ErrAlreadyRunning) {
			a.log.Debug("scheduled run skipped; test already running")
			return
		}
		a.log.Warn("scheduled run failed to start", logx.Err(err))
		return
	}
	_, _ = systemd.Status("testing")

	select {
	case <-ctx.Done():
	case <-a.ctrl.Done():
		v := a.ctrl.Snapshot()
		a.log.Info("scheduled run finished",
			logx.Session(v.Session.ID),
			logx.String("state", v.Session.State.String()),
			logx.String("progress", v.Display.Progress),
		)
		_, _ = systemd.Status("last run %s: %s", v.Session.State, v.Display.Progress)
	}
}

func (a *App) watchConfig(sup *supervisor.Supervisor) {
	sub := a.cfgm.Subscribe(8)
	sup.Go0("config.reload", func(c context.Context) {
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
}

// validateReload rejects edits the daemon could not run with after a
// restart, so a typo never replaces the last good config.
func validateReload(_ context.Context, cfg *config.Config) error {
	s, err := cfg.Resolve()
	if err != nil {
		return err
	}
	_, err = ParseSchedule(s.Schedule.Spec)
	return err
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	var pending []string
	for _, s := range sections {
		if s != "logging" {
			pending = append(pending, s)
		}
	}
	if len(pending) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(pending, ",")))
	}

	lc := config.LoggingToLogx(newCfg.Logging)
	if a.logLevel != "" {
		lc.Level = a.logLevel
	}
	a.logs.Apply(lc)
}

func (a *App) logEvents(sup *supervisor.Supervisor) {
	events, unsub := a.bus.Subscribe(128)
	sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Display events arrive every tick; keep this at trace.
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})
}
