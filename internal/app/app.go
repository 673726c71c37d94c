// Package app wires configuration, logging, the backend client, storage,
// metrics and the controller into one process.
package app

import (
	"context"
	"errors"
	"strings"

	"cfspeed/internal/backend"
	"cfspeed/internal/config"
	"cfspeed/internal/controller"
	"cfspeed/internal/eventbus"
	"cfspeed/internal/metrics"
	"cfspeed/internal/render"
	"cfspeed/internal/storage"
	logx "cfspeed/pkg/logx"

	"github.com/jonboulle/clockwork"
)

// EventAlert carries condensed WARN+ log lines on the bus.
const EventAlert = "log.alert"

type Options struct {
	ConfigPath string
	// LogLevel overrides logging.level when set.
	LogLevel string
	// Sink receives controller output in addition to the event bus. Nil
	// logs it instead.
	Sink  render.Sink
	Clock clockwork.Clock
}

type App struct {
	cfgm     *config.Manager
	settings config.Settings
	logLevel string

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	client  *backend.Client
	store   storage.Store
	metrics *metrics.Metrics
	ctrl    *controller.Controller
}

func New(opts Options) (*App, error) {
	cfgm := config.NewManager(opts.ConfigPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	settings, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}

	logCfg := settings.Logging
	if strings.TrimSpace(opts.LogLevel) != "" {
		logCfg.Level = opts.LogLevel
	}
	logSvc, log := logx.New(logCfg)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()
	logSvc.SetAlertHandler(func(level logx.Level, line string) {
		bus.Publish(eventbus.Event{Type: EventAlert, Data: map[string]string{"level": level.String(), "line": line}})
	})

	var store storage.Store
	if sc, ok := storageConfig(settings); ok {
		store, err = storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		log.Debug("storage enabled", logx.String("driver", sc.Driver))
	}

	var mets *metrics.Metrics
	if settings.Metrics.Enabled {
		mets = metrics.New()
		mets.GaugeFunc("cfspeed_render_events_dropped", "Render events dropped for slow subscribers",
			func() float64 { return float64(bus.Dropped()) })
	}

	bo := backendOptions(settings)
	bo.Log = log.With(logx.String("comp", "backend"))
	client := backend.New(bo)

	sink := opts.Sink
	if sink == nil {
		sink = render.NewLogSink(log.With(logx.String("comp", "controller")))
	}
	ctrl := controller.New(controller.Options{
		Backend:  client,
		Sink:     render.Multi(sink, render.NewBusSink(bus)),
		Store:    store,
		Metrics:  mets,
		Clock:    opts.Clock,
		Log:      log,
		Polling:  settings.Polling,
		Watchdog: settings.Watchdog,
		Chart:    settings.Chart,
		BaseURL:  settings.Backend.BaseURL,
	})

	return &App{
		cfgm:     cfgm,
		settings: settings,
		logLevel: strings.TrimSpace(opts.LogLevel),
		log:      log.With(logx.String("comp", "app")),
		logs:     logSvc,
		bus:      bus,
		client:   client,
		store:    store,
		metrics:  mets,
		ctrl:     ctrl,
	}, nil
}

func (a *App) Settings() config.Settings          { return a.settings }
func (a *App) Config() *config.Config             { return a.cfgm.Get() }
func (a *App) ConfigPath() string                 { return a.cfgm.Path() }
func (a *App) Logger() logx.Logger                { return a.log }
func (a *App) Bus() eventbus.Bus                  { return a.bus }
func (a *App) Client() *backend.Client            { return a.client }
func (a *App) Store() storage.Store               { return a.store }
func (a *App) Metrics() *metrics.Metrics          { return a.metrics }
func (a *App) Controller() *controller.Controller { return a.ctrl }

// ServeMetrics serves /metrics until ctx is done. It is a no-op when
// metrics are disabled.
func (a *App) ServeMetrics(ctx context.Context) error {
	if a.metrics == nil {
		return nil
	}
	return a.metrics.Serve(ctx, a.settings.Metrics.Addr, a.settings.Metrics.Pprof, a.log.With(logx.String("comp", "metrics")))
}

// Close releases everything New opened. A running test keeps running on
// the backend.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.ctrl.Close(ctx); err != nil && !errors.Is(err, context.Canceled) {
		errs = append(errs, err)
	}
	a.client.Close()
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.logs.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
