package controller

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cfspeed/internal/backend"
	"cfspeed/internal/backend/backendtest"
	"cfspeed/internal/config"
	"cfspeed/internal/metrics"
	"cfspeed/internal/render"
	"cfspeed/internal/session"
	"cfspeed/internal/stats"
	"cfspeed/internal/storage"
	"cfspeed/internal/telemetry"
	logx "cfspeed/pkg/logx"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu       sync.Mutex
	displays []stats.Display
	notices  []render.Notice
	charts   [][]telemetry.ChartPoint
	results  [][]backend.ResultRecord
}

func (r *recorder) Results(rs []backend.ResultRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, rs)
}

func (r *recorder) Display(d stats.Display) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.displays = append(r.displays, d)
}

func (r *recorder) Chart(points []telemetry.ChartPoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.charts = append(r.charts, points)
}

func (r *recorder) Notice(n render.Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *recorder) lastDisplay() stats.Display {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.displays) == 0 {
		return stats.Display{}
	}
	return r.displays[len(r.displays)-1]
}

func (r *recorder) noticesAt(level render.Level) []render.Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []render.Notice
	for _, n := range r.notices {
		if n.Level == level {
			out = append(out, n)
		}
	}
	return out
}

type fixture struct {
	srv   *backendtest.Server
	clock *clockwork.FakeClock
	sink  *recorder
	store storage.Store
	mets  *metrics.Metrics
	ctrl  *Controller
}

func newFixture(t *testing.T, tweak ...func(*Options)) *fixture {
	t.Helper()
	srv := backendtest.New()
	t.Cleanup(srv.Close)

	client := backend.New(backend.Options{
		BaseURL:       srv.URL,
		Timeout:       2 * time.Second,
		RatePerSec:    1000,
		Burst:         1000,
		RetryAttempts: -1,
	})
	t.Cleanup(client.Close)

	store, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "history")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		srv:   srv,
		clock: clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		sink:  &recorder{},
		store: store,
		mets:  metrics.New(),
	}
	opts := Options{
		Backend:  client,
		Sink:     f.sink,
		Store:    store,
		Metrics:  f.mets,
		Clock:    f.clock,
		Polling:  config.DefaultSettings().Polling,
		Watchdog: config.DefaultSettings().Watchdog,
		BaseURL:  srv.URL,
	}
	for _, fn := range tweak {
		fn(&opts)
	}
	f.ctrl = New(opts)
	// Loops are driven step by step.
	f.ctrl.launch = func(*run) {}
	t.Cleanup(func() { _ = f.ctrl.Close(context.Background()) })
	return f
}

func (f *fixture) start(t *testing.T) *run {
	t.Helper()
	require.NoError(t, f.ctrl.Start(context.Background(), nil))
	f.ctrl.mu.Lock()
	defer f.ctrl.mu.Unlock()
	require.NotNil(t, f.ctrl.cur)
	return f.ctrl.cur
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestStartValidatesThenRuns(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	assert.Equal(t, session.Running, f.ctrl.State())
	assert.Equal(t, 1, f.srv.Calls("GET /api/config"))
	assert.Equal(t, 1, f.srv.Calls("POST /api/config/validate"))
	assert.Equal(t, 1, f.srv.Calls("POST /api/start"))
	assert.Zero(t, f.srv.Calls("POST /api/config"))
	assert.False(t, isClosed(f.ctrl.Done()))

	v := f.ctrl.Snapshot()
	assert.Equal(t, 3, v.Session.Expected)
	assert.Equal(t, f.clock.Now(), v.Session.StartedAt)
	assert.Equal(t, "0/3", f.sink.lastDisplay().Progress)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.mets.Running))
}

func TestStartWithRemoteConfigPushesIt(t *testing.T) {
	f := newFixture(t)

	var cfg backend.RemoteConfig
	cfg.Test.ExpectedServers = 5
	cfg.Test.DatacenterFilter = "hkg,sjc"
	require.NoError(t, f.ctrl.Start(context.Background(), &cfg))

	assert.Zero(t, f.srv.Calls("GET /api/config"))
	assert.Equal(t, 1, f.srv.Calls("POST /api/config"))
	assert.Equal(t, 1, f.srv.Calls("POST /api/datacenters/filter"))
	assert.Equal(t, 1, f.srv.Calls("POST /api/config/save"))
	assert.JSONEq(t, `{"mode":"selected","selected":["HKG","SJC"]}`, string(f.srv.Body("POST /api/datacenters/filter")))
	assert.Equal(t, 5, f.ctrl.Snapshot().Session.Expected)
}

func TestStartWithInvalidConfigStaysIdle(t *testing.T) {
	f := newFixture(t)
	f.srv.SetInvalid("expected_servers must be positive")

	err := f.ctrl.Start(context.Background(), nil)
	require.ErrorIs(t, err, ErrConfigInvalid)
	assert.Contains(t, err.Error(), "expected_servers must be positive")

	assert.Equal(t, session.Idle, f.ctrl.State())
	assert.Zero(t, f.srv.Calls("POST /api/start"))
	assert.True(t, isClosed(f.ctrl.Done()))
	require.Len(t, f.sink.noticesAt(render.LevelError), 1)
}

func TestStartRejectedByBackend(t *testing.T) {
	f := newFixture(t)
	f.srv.SetTesting(true)

	err := f.ctrl.Start(context.Background(), nil)
	require.Error(t, err)
	he, ok := backend.AsHTTPError(err)
	require.True(t, ok)
	assert.Equal(t, 400, he.Status)
	assert.Equal(t, session.Idle, f.ctrl.State())

	// The failed start leaves nothing behind; a later start works.
	f.srv.SetTesting(false)
	f.start(t)
	assert.Equal(t, session.Running, f.ctrl.State())
}

func TestStartWhileRunning(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	assert.ErrorIs(t, f.ctrl.Start(context.Background(), nil), session.ErrAlreadyRunning)
	assert.Equal(t, 1, f.srv.Calls("POST /api/start"))
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	require.NoError(t, f.ctrl.Stop(context.Background()))
	require.NoError(t, f.ctrl.Stop(context.Background()))

	assert.Equal(t, 1, f.srv.Calls("POST /api/stop"))
	assert.Equal(t, session.Stopped, f.ctrl.State())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.mets.Transitions.WithLabelValues("stopped")))
	assert.True(t, isClosed(f.ctrl.Done()))

	recs, err := f.store.RecentSessions(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "stopped", recs[0].State)
	assert.Equal(t, session.ReasonOperator, recs[0].Reason)
}

func TestStopWhenIdleDoesNothing(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.Stop(context.Background()))
	assert.Zero(t, f.srv.Calls("POST /api/stop"))
	assert.Equal(t, session.Idle, f.ctrl.State())
}

func TestStopSucceedsLocallyWhenBackendFails(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.srv.Fail("POST /api/stop", 500)

	require.NoError(t, f.ctrl.Stop(context.Background()))
	assert.Equal(t, session.Stopped, f.ctrl.State())
}

func TestCompletionAtExpectedQualified(t *testing.T) {
	f := newFixture(t)
	r := f.start(t)
	ctx := context.Background()

	for q := 0; q <= 3; q++ {
		f.srv.SetStats(backendtest.Stats{Total: 10 + q, Qualified: q, CurrentIP: "104.16.0.1"})
		next, done := f.ctrl.statsStep(ctx, r)

		assert.Equal(t, stats.Progress(q, 3), f.sink.lastDisplay().Progress)
		if q < 3 {
			assert.False(t, done)
			assert.Equal(t, 500*time.Millisecond, next)
			assert.Equal(t, session.Running, f.ctrl.State(), "qualified=%d", q)
			assert.Equal(t, "testing: 104.16.0.1", f.sink.lastDisplay().Status)
		} else {
			assert.True(t, done)
			assert.Equal(t, session.Completed, f.ctrl.State())
		}
	}
	assert.Equal(t, 1, f.srv.Calls("POST /api/stop"))
	assert.True(t, isClosed(f.ctrl.Done()))

	// The results loop fetches exactly once more, then halts.
	before := f.srv.Calls("GET /api/results")
	next, done := f.ctrl.resultsStep(ctx, r)
	assert.False(t, done)
	assert.Equal(t, 500*time.Millisecond, next)
	assert.Equal(t, before, f.srv.Calls("GET /api/results"))

	_, done = f.ctrl.resultsStep(ctx, r)
	assert.True(t, done)
	assert.Equal(t, before+1, f.srv.Calls("GET /api/results"))

	// Stats loop halts without fetching.
	statsCalls := f.srv.Calls("GET /api/stats")
	_, done = f.ctrl.statsStep(ctx, r)
	assert.True(t, done)
	assert.Equal(t, statsCalls, f.srv.Calls("GET /api/stats"))

	recs, err := f.store.RecentSessions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "completed", recs[0].State)
	assert.Equal(t, 3, recs[0].Qualified)
}

func TestNoCompletionWithoutProbes(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Polling.LivenessEvery = 0 })
	r := f.start(t)
	f.srv.SetStats(backendtest.Stats{Total: 0, Qualified: 3})

	_, done := f.ctrl.statsStep(context.Background(), r)
	assert.False(t, done)
	assert.Equal(t, session.Running, f.ctrl.State())
}

func TestResultsErrorBackoff(t *testing.T) {
	f := newFixture(t)
	r := f.start(t)
	ctx := context.Background()
	f.srv.SetResults(backendtest.Result{IP: "1.1.1.1", Status: "已完成", Latency: "80", Speed: "12.5"})

	next, done := f.ctrl.resultsStep(ctx, r)
	require.False(t, done)
	assert.Equal(t, time.Second, next)
	assert.Equal(t, "12.50 Mbps", f.sink.lastDisplay().AvgSpeed)

	f.srv.Fail("GET /api/results", 500)
	next, done = f.ctrl.resultsStep(ctx, r)
	require.False(t, done)
	assert.Equal(t, 2*time.Second, next)
	assert.Equal(t, "12.50 Mbps", f.sink.lastDisplay().AvgSpeed)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.mets.PollErrors.WithLabelValues(metrics.LoopResults)))

	f.srv.Fail("GET /api/results", 0)
	next, _ = f.ctrl.resultsStep(ctx, r)
	assert.Equal(t, time.Second, next)
	assert.Equal(t, session.Running, f.ctrl.State())
}

func TestStatsErrorBackoff(t *testing.T) {
	f := newFixture(t)
	r := f.start(t)
	f.srv.Fail("GET /api/stats", 503)

	next, done := f.ctrl.statsStep(context.Background(), r)
	assert.False(t, done)
	assert.Equal(t, time.Second, next)
	assert.Equal(t, session.Running, f.ctrl.State())
}

func TestStallAdvisory(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Polling.LivenessEvery = 0 })
	r := f.start(t)
	ctx := context.Background()
	f.srv.SetStats(backendtest.Stats{Total: 4, Qualified: 0})

	f.ctrl.statsStep(ctx, r)
	f.clock.Advance(5 * time.Minute)
	f.ctrl.statsStep(ctx, r)
	assert.Empty(t, f.sink.noticesAt(render.LevelWarn), "exactly 5m is not a stall")

	f.clock.Advance(time.Second)
	f.ctrl.statsStep(ctx, r)
	require.Len(t, f.sink.noticesAt(render.LevelWarn), 1)

	assert.Equal(t, "stalled: no new qualified result for 5m1s", f.sink.lastDisplay().Status)

	for i := 0; i < 4; i++ {
		f.clock.Advance(time.Second)
		f.ctrl.statsStep(ctx, r)
		assert.Contains(t, f.sink.lastDisplay().Status, "stalled", "tick %d", i)
	}
	assert.Equal(t, "stalled: no new qualified result for 5m5s", f.sink.lastDisplay().Status)
	assert.Len(t, f.sink.noticesAt(render.LevelWarn), 1, "one notice per stall")
	assert.Equal(t, session.Running, f.ctrl.State())

	// Progress re-arms the advisory.
	f.srv.SetStats(backendtest.Stats{Total: 6, Qualified: 1})
	f.ctrl.statsStep(ctx, r)
	assert.Equal(t, "running", f.sink.lastDisplay().Status)
	f.clock.Advance(5*time.Minute + time.Second)
	f.ctrl.statsStep(ctx, r)
	assert.Len(t, f.sink.noticesAt(render.LevelWarn), 2)

	// Never after the run ended.
	require.NoError(t, f.ctrl.Stop(ctx))
	f.clock.Advance(time.Hour)
	_, done := f.ctrl.statsStep(ctx, r)
	assert.True(t, done)
	assert.Len(t, f.sink.noticesAt(render.LevelWarn), 2)
}

func TestMetricsFailureKeepsDisplayedValues(t *testing.T) {
	f := newFixture(t)
	f.ctrl.SetExtendedMetrics(true)
	r := f.start(t)
	ctx := context.Background()

	f.srv.SetSmoothed(42)
	f.srv.SetSamples(7)
	f.srv.SetErrors(2, 3)
	f.srv.SetPerformance(120, 80, 300, 55, 3<<20)

	next, done := f.ctrl.metricsStep(ctx, r)
	require.False(t, done)
	assert.Equal(t, 2*time.Second, next)

	d := f.sink.lastDisplay()
	assert.Equal(t, "42.00 Mbps", d.SmoothedSpeed)
	assert.Equal(t, 7, d.SampleCount)
	assert.Equal(t, 5, d.TotalErrors)
	assert.Equal(t, "80.00 ms", d.MinLatency)
	assert.Equal(t, "3.0 MiB", d.DataTransferred)
	require.Len(t, f.ctrl.Snapshot().Chart, 1)

	for _, key := range []string{
		"GET /api/metrics/speed/smoothed",
		"GET /api/metrics/speed/samples",
		"GET /api/errors/stats",
		"GET /api/metrics/performance",
	} {
		f.srv.Fail(key, 500)
	}
	next, done = f.ctrl.metricsStep(ctx, r)
	require.False(t, done)
	assert.Equal(t, 2*time.Second, next, "no backoff on the metrics loop")

	after := f.sink.lastDisplay()
	assert.Equal(t, d.SmoothedSpeed, after.SmoothedSpeed)
	assert.Equal(t, d.MinLatency, after.MinLatency)
	assert.Equal(t, d.AvgLatency, after.AvgLatency)
	assert.Equal(t, d.TotalErrors, after.TotalErrors)
	assert.Len(t, f.ctrl.Snapshot().Chart, 1)
	assert.Equal(t, session.Running, f.ctrl.State())
}

func TestMetricsSkipsIdleZeros(t *testing.T) {
	f := newFixture(t)
	f.ctrl.SetExtendedMetrics(true)
	r := f.start(t)

	f.srv.SetSmoothed(0)
	f.ctrl.metricsStep(context.Background(), r)
	assert.Empty(t, f.ctrl.Snapshot().Chart)
	assert.Equal(t, "- ms", f.sink.lastDisplay().MinLatency)
}

func TestMetricsDisabledDoesNotFetch(t *testing.T) {
	f := newFixture(t)
	r := f.start(t)

	next, done := f.ctrl.metricsStep(context.Background(), r)
	assert.False(t, done)
	assert.Equal(t, 2*time.Second, next)
	assert.Zero(t, f.srv.Calls("GET /api/metrics/speed/smoothed"))
}

func TestTimeoutForcesStop(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.clock.Advance(30 * time.Minute)
	require.Eventually(t, func() bool { return f.ctrl.State() == session.Stopped }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.srv.Calls("POST /api/stop") == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, session.ReasonTimeout, f.ctrl.Snapshot().Session.Reason)
	assert.Len(t, f.sink.noticesAt(render.LevelError), 1)
}

func TestStopDisarmsTimeout(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	require.NoError(t, f.ctrl.Stop(context.Background()))

	f.clock.Advance(time.Hour)
	assert.Equal(t, session.ReasonOperator, f.ctrl.Snapshot().Session.Reason)
	assert.Empty(t, f.sink.noticesAt(render.LevelError))
}

func TestBackendStoppingEarlyIsErrored(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Polling.LivenessEvery = 1 })
	r := f.start(t)

	f.srv.SetTesting(false)
	f.srv.SetStats(backendtest.Stats{Total: 9, Qualified: 1})
	_, done := f.ctrl.statsStep(context.Background(), r)

	assert.True(t, done)
	v := f.ctrl.Snapshot()
	assert.Equal(t, session.Errored, v.Session.State)
	assert.Equal(t, session.ReasonBackendStopped, v.Session.Reason)
	assert.Zero(t, f.srv.Calls("POST /api/stop"))
}

func TestBackendFinishedAfterTargetCompletes(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Polling.LivenessEvery = 1 })
	r := f.start(t)
	ctx := context.Background()

	f.srv.SetStats(backendtest.Stats{Total: 9, Qualified: 2})
	f.ctrl.statsStep(ctx, r)
	require.Equal(t, session.Running, f.ctrl.State())

	// Target reached between the stats fetch and the status check.
	f.srv.SetTesting(false)
	f.srv.SetStats(backendtest.Stats{Total: 10, Qualified: 3})
	assert.True(t, f.ctrl.checkLiveness(ctx, r))
	assert.Equal(t, session.Completed, f.ctrl.State())
}

type blockingStart struct {
	Backend
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStart) Start(ctx context.Context) error {
	close(b.entered)
	<-b.release
	return b.Backend.Start(ctx)
}

func TestStopDuringStart(t *testing.T) {
	f := newFixture(t)
	bs := &blockingStart{Backend: f.ctrl.client, entered: make(chan struct{}), release: make(chan struct{})}
	f.ctrl.client = bs

	errc := make(chan error, 1)
	go func() { errc <- f.ctrl.Start(context.Background(), nil) }()
	<-bs.entered

	require.Equal(t, session.Starting, f.ctrl.State())
	require.NoError(t, f.ctrl.Stop(context.Background()))
	assert.Equal(t, session.Stopped, f.ctrl.State())

	close(bs.release)
	assert.ErrorIs(t, <-errc, ErrStartCanceled)
	assert.Equal(t, session.Stopped, f.ctrl.State())
	assert.False(t, f.srv.Testing(), "backend is stopped again")
}

func TestRunningStatusWithoutCurrentAddress(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Polling.LivenessEvery = 0 })
	r := f.start(t)
	ctx := context.Background()
	assert.Equal(t, "running", f.sink.lastDisplay().Status)

	f.srv.SetStats(backendtest.Stats{Total: 2, Qualified: 1})
	for i := 0; i < 5; i++ {
		f.clock.Advance(time.Second)
		f.ctrl.statsStep(ctx, r)
	}
	assert.Equal(t, session.Running, f.ctrl.State())
	assert.Equal(t, "running", f.sink.lastDisplay().Status)

	f.srv.SetStats(backendtest.Stats{Total: 3, Qualified: 1, CurrentIP: "104.16.0.9"})
	f.ctrl.statsStep(ctx, r)
	assert.Equal(t, "testing: 104.16.0.9", f.sink.lastDisplay().Status)
}

func TestFailDuringStartStops(t *testing.T) {
	f := newFixture(t)
	bs := &blockingStart{Backend: f.ctrl.client, entered: make(chan struct{}), release: make(chan struct{})}
	f.ctrl.client = bs

	errc := make(chan error, 1)
	go func() { errc <- f.ctrl.Start(context.Background(), nil) }()
	<-bs.entered

	require.NoError(t, f.ctrl.Fail(context.Background(), "operator abort"))
	v := f.ctrl.Snapshot()
	assert.Equal(t, session.Stopped, v.Session.State)
	assert.Equal(t, "operator abort", v.Session.Reason)

	close(bs.release)
	assert.ErrorIs(t, <-errc, ErrStartCanceled)
	assert.Equal(t, session.Stopped, f.ctrl.State())
}

func TestFailWhileRunningIsErrored(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	require.NoError(t, f.ctrl.Fail(context.Background(), "lost backend"))
	v := f.ctrl.Snapshot()
	assert.Equal(t, session.Errored, v.Session.State)
	assert.Equal(t, "lost backend", v.Session.Reason)
	assert.NoError(t, f.ctrl.Fail(context.Background(), "again"), "no-op once terminal")
}

func TestResetAndRestart(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	assert.ErrorIs(t, f.ctrl.Reset(), session.ErrAlreadyRunning)

	require.NoError(t, f.ctrl.Stop(context.Background()))
	first := f.ctrl.Snapshot().Session.ID
	require.NoError(t, f.ctrl.Reset())
	assert.Equal(t, session.Idle, f.ctrl.State())

	f.start(t)
	assert.NotEqual(t, first, f.ctrl.Snapshot().Session.ID)
}

func TestClearResults(t *testing.T) {
	f := newFixture(t)
	f.ctrl.SetExtendedMetrics(true)
	r := f.start(t)
	ctx := context.Background()

	f.srv.SetResults(backendtest.Result{IP: "1.1.1.1", Status: "已完成", Speed: "20"})
	f.srv.SetSmoothed(20)
	f.ctrl.resultsStep(ctx, r)
	f.ctrl.metricsStep(ctx, r)
	require.NotEmpty(t, f.ctrl.Snapshot().Results)
	require.NotEmpty(t, f.ctrl.Snapshot().Chart)

	require.NoError(t, f.ctrl.ClearResults(ctx))
	v := f.ctrl.Snapshot()
	assert.Empty(t, v.Results)
	assert.Empty(t, v.Chart)
	assert.Equal(t, "0/0", v.Display.Progress)
	assert.Equal(t, "- Mbps", v.Display.AvgSpeed)
	assert.Equal(t, "- Mbps", v.Display.CurrentSpeed)
	assert.Equal(t, 1, f.srv.Calls("DELETE /api/results"))
}

func TestUpdateData(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ctrl.UpdateData(ctx, false)
	assert.True(t, errors.Is(err, ErrDataPresent))
	assert.Zero(t, f.srv.Calls("POST /api/update"))

	res, err := f.ctrl.UpdateData(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Files)

	f.srv.SetMissingFiles("ip.txt")
	res, err = f.ctrl.UpdateData(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Files)
}

func TestLoopsRunToCompletion(t *testing.T) {
	f := newFixture(t)
	f.ctrl.launch = f.ctrl.startLoops
	f.srv.SetExpected(1)
	f.srv.SetResults(backendtest.Result{IP: "1.1.1.1", Status: "已完成", Speed: "30"})
	f.srv.SetStats(backendtest.Stats{Total: 5, Qualified: 1, CurrentIP: "1.1.1.1"})

	require.NoError(t, f.ctrl.Start(context.Background(), nil))

	select {
	case <-f.ctrl.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not complete")
	}
	assert.Equal(t, session.Completed, f.ctrl.State())

	require.Eventually(t, func() bool {
		f.clock.Advance(500 * time.Millisecond)
		return f.ctrl.Snapshot().Loops.Counters.Active == 0
	}, 5*time.Second, 10*time.Millisecond)

	v := f.ctrl.Snapshot()
	assert.Len(t, v.Results, 1)
	assert.Equal(t, "30.00 Mbps", v.Display.AvgSpeed)
	assert.Equal(t, 3, len(v.Loops.Goroutines))
}
