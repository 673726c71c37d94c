package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollCounters(t *testing.T) {
	m := New()
	m.Poll(LoopResults, nil)
	m.Poll(LoopResults, errors.New("boom"))
	m.Poll(LoopStats, nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Polls.WithLabelValues(LoopResults)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PollErrors.WithLabelValues(LoopResults)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.PollErrors.WithLabelValues(LoopStats)))
}

func TestTransitionsAndGauges(t *testing.T) {
	m := New()
	m.Transition("running", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Running))
	m.Transition("completed", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Running))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transitions.WithLabelValues("completed")))

	m.ObserveSpeed(42.5)
	m.ObserveQualified(3)
	assert.Equal(t, 42.5, testutil.ToFloat64(m.SmoothedSpeed))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Qualified))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Poll(LoopMetrics, nil)
		m.Transition("idle", false)
		m.ObserveSpeed(1)
		m.ObserveQualified(1)
		m.GaugeFunc("x", "x", func() float64 { return 0 })
	})
	assert.Nil(t, m.Registry())
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.Poll(LoopStats, nil)
	m.GaugeFunc("cfspeed_eventbus_dropped", "Dropped render events", func() float64 { return 7 })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	out := string(body)
	assert.True(t, strings.Contains(out, `cfspeed_polls_total{loop="stats"} 1`), out)
	assert.Contains(t, out, "cfspeed_eventbus_dropped 7")
}

func TestMuxPprofIsOptIn(t *testing.T) {
	m := New()

	rec := httptest.NewRecorder()
	m.Mux(false).ServeHTTP(rec, httptest.NewRequest("GET", "/debug/pprof/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	m.Mux(true).ServeHTTP(rec, httptest.NewRequest("GET", "/debug/pprof/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	m.Mux(true).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
