// Package metrics exposes controller activity as Prometheus metrics.
//
// All methods are safe on a nil *Metrics so callers never need to check
// whether metrics are enabled.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"time"

	logx "cfspeed/pkg/logx"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Loop names used as the "loop" label.
const (
	LoopResults = "results"
	LoopStats   = "stats"
	LoopMetrics = "metrics"
)

// Metrics holds the controller's Prometheus collectors on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	Polls         *prometheus.CounterVec
	PollErrors    *prometheus.CounterVec
	Transitions   *prometheus.CounterVec
	SmoothedSpeed prometheus.Gauge
	Qualified     prometheus.Gauge
	Running       prometheus.Gauge
}

// New creates and registers all collectors, plus the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),

		Polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cfspeed_polls_total",
			Help: "Total number of backend polls per loop",
		}, []string{"loop"}),

		PollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cfspeed_poll_errors_total",
			Help: "Total number of failed backend polls per loop",
		}, []string{"loop"}),

		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cfspeed_transitions_total",
			Help: "Total number of session state transitions by target state",
		}, []string{"state"}),

		SmoothedSpeed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cfspeed_smoothed_speed_mbps",
			Help: "Last smoothed download speed reported by the backend",
		}),

		Qualified: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cfspeed_qualified_results",
			Help: "Qualified results in the current session",
		}),

		Running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cfspeed_session_running",
			Help: "Whether a test session is running (1) or not (0)",
		}),
	}

	m.reg.MustRegister(
		m.Polls, m.PollErrors, m.Transitions,
		m.SmoothedSpeed, m.Qualified, m.Running,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the private registry, e.g. to register extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) Poll(loop string, err error) {
	if m == nil {
		return
	}
	m.Polls.WithLabelValues(loop).Inc()
	if err != nil {
		m.PollErrors.WithLabelValues(loop).Inc()
	}
}

func (m *Metrics) Transition(state string, running bool) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(state).Inc()
	if running {
		m.Running.Set(1)
	} else {
		m.Running.Set(0)
	}
}

func (m *Metrics) ObserveSpeed(mbps float64) {
	if m == nil {
		return
	}
	m.SmoothedSpeed.Set(mbps)
}

func (m *Metrics) ObserveQualified(n int) {
	if m == nil {
		return
	}
	m.Qualified.Set(float64(n))
}

// GaugeFunc registers a gauge whose value is read at scrape time.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Mux routes /metrics and, with pprof set, the /debug/pprof/ handlers.
func (m *Metrics) Mux(pprof bool) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	if pprof {
		mux.HandleFunc("/debug/pprof/", hpprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	}
	return mux
}

// Serve listens on addr and serves Mux(pprof) until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, pprof bool, log logx.Logger) error {
	if m == nil {
		return nil
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           m.Mux(pprof),
		ReadHeaderTimeout: 5 * time.Second,
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	log.Info("metrics listening", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", pprof))

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
