// Package controller owns a speed-test session on the client side: it drives
// the backend through start and stop, runs the three poll loops while the
// test is running, and pushes everything worth showing to a render.Sink.
//
// All session and display state sits behind one mutex. Network calls are
// never made while holding it; state is mutated only after a request
// resolves.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cfspeed/internal/backend"
	"cfspeed/internal/config"
	"cfspeed/internal/metrics"
	"cfspeed/internal/render"
	"cfspeed/internal/runtime/supervisor"
	"cfspeed/internal/session"
	"cfspeed/internal/stats"
	"cfspeed/internal/storage"
	"cfspeed/internal/telemetry"
	logx "cfspeed/pkg/logx"

	"github.com/jonboulle/clockwork"
)

var (
	ErrConfigInvalid = errors.New("backend rejected test configuration")
	ErrStartCanceled = errors.New("start canceled by stop")
	ErrDataPresent   = errors.New("all data files present; force required")
)

// Backend is the part of backend.Client the controller drives.
type Backend interface {
	GetConfig(ctx context.Context) (backend.RemoteConfig, error)
	ValidateConfig(ctx context.Context, cfg backend.RemoteConfig) (backend.Validation, error)
	UpdateConfig(ctx context.Context, cfg backend.RemoteConfig) error
	SaveConfig(ctx context.Context) error
	SetDatacenterFilter(ctx context.Context, selected []string) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	ClearResults(ctx context.Context) error
	Status(ctx context.Context) (backend.BackendStatus, error)
	UpdateData(ctx context.Context, force bool) (backend.UpdateResult, error)

	Results(ctx context.Context) ([]backend.ResultRecord, error)
	Stats(ctx context.Context) (backend.StatsSnapshot, error)
	SmoothedSpeed(ctx context.Context) backend.Optional[float64]
	SampleCount(ctx context.Context, n int) backend.Optional[int]
	ErrorStats(ctx context.Context) backend.Optional[backend.ErrorCounts]
	Performance(ctx context.Context) backend.Optional[backend.PerformanceMetrics]
}

type Options struct {
	Backend  Backend
	Sink     render.Sink
	Store    storage.Store
	Metrics  *metrics.Metrics
	Clock    clockwork.Clock
	Log      logx.Logger
	Polling  config.Polling
	Watchdog config.Watchdog
	Chart    config.Chart

	// BaseURL is recorded in session history.
	BaseURL string
}

// Controller is safe for concurrent use.
type Controller struct {
	client  Backend
	sink    render.Sink
	store   storage.Store
	metrics *metrics.Metrics
	clock   clockwork.Clock
	log     logx.Logger
	poll    config.Polling
	wd      config.Watchdog
	baseURL string

	ctx    context.Context
	cancel context.CancelFunc

	// launch starts the poll loops for a run; replaced in tests.
	launch func(r *run)

	mu          sync.Mutex
	sess        *session.Session
	display     stats.Display
	results     []backend.ResultRecord
	buffer      *telemetry.Buffer
	cur         *run
	watchdog    clockwork.Timer
	done        chan struct{}
	extended    bool
	extendedSet bool
}

// run is the per-session loop state.
type run struct {
	id  string
	sup *supervisor.Supervisor

	// Touched only by the owning loop goroutine.
	resultsFinal  bool
	resultsFails  int
	statsFails    int
	statsTicks    int
	stallNotified bool
}

func New(opts Options) *Controller {
	def := config.DefaultSettings()
	if opts.Sink == nil {
		opts.Sink = render.Nop{}
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.Polling == (config.Polling{}) {
		opts.Polling = def.Polling
	}
	if opts.Watchdog == (config.Watchdog{}) {
		opts.Watchdog = def.Watchdog
	}
	if opts.Chart.Capacity <= 0 {
		opts.Chart.Capacity = def.Chart.Capacity
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	close(done)

	c := &Controller{
		client:  opts.Backend,
		sink:    opts.Sink,
		store:   opts.Store,
		metrics: opts.Metrics,
		clock:   opts.Clock,
		log:     opts.Log.With(logx.String("comp", "controller")),
		poll:    opts.Polling,
		wd:      opts.Watchdog,
		baseURL: opts.BaseURL,
		ctx:     ctx,
		cancel:  cancel,
		sess:    session.New(),
		display: stats.NewDisplay(),
		buffer:  telemetry.NewBuffer(opts.Chart.Capacity),
		done:    done,
	}
	c.launch = c.startLoops
	return c
}

// SetExtendedMetrics turns the fine-metrics loop on or off. Once called,
// it overrides the remote config's enable_metrics flag.
func (c *Controller) SetExtendedMetrics(on bool) {
	c.mu.Lock()
	c.extended = on
	c.extendedSet = true
	c.mu.Unlock()
}

// State returns the current session state.
func (c *Controller) State() session.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.State
}

// Done is closed when the current session reaches a terminal state or its
// start fails. Before any start it is already closed.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// View is a consistent copy of everything the controller shows.
type View struct {
	Session session.Session        `json:"session"`
	Display stats.Display          `json:"display"`
	Results []backend.ResultRecord `json:"results"`
	Chart   []telemetry.ChartPoint `json:"chart"`
	Loops   supervisor.Snapshot    `json:"loops"`
}

func (c *Controller) Snapshot() View {
	c.mu.Lock()
	v := View{
		Session: *c.sess,
		Display: c.display,
		Results: append([]backend.ResultRecord(nil), c.results...),
		Chart:   c.buffer.Snapshot(),
	}
	r := c.cur
	c.mu.Unlock()
	if r != nil {
		v.Loops = r.sup.Snapshot()
	}
	return v
}

// Start validates the test configuration with the backend, starts the test
// and launches the poll loops. With remote == nil the backend's current
// configuration is used as is; otherwise remote is validated, pushed, its
// datacenter filter applied, and saved.
func (c *Controller) Start(ctx context.Context, remote *backend.RemoteConfig) error {
	var initial backend.RemoteConfig
	if remote != nil {
		initial = *remote
	}

	c.mu.Lock()
	if err := c.sess.Begin(initial); err != nil {
		c.mu.Unlock()
		return err
	}
	id := c.sess.ID
	if c.cur != nil {
		c.cur.sup.Cancel()
		c.cur = nil
	}
	c.done = make(chan struct{})
	c.mu.Unlock()

	log := c.log.With(logx.Session(id))
	log.Info("starting test")

	cfg, err := c.prepare(ctx, remote)
	if err == nil {
		err = c.client.Start(ctx)
		if err != nil {
			err = fmt.Errorf("start test: %w", err)
		}
	}

	c.mu.Lock()
	if c.sess.ID != id || c.sess.State != session.Starting {
		// Stop won the race; it already recorded the terminal state.
		c.mu.Unlock()
		if err == nil {
			if serr := c.client.Stop(ctx); serr != nil {
				log.Warn("backend stop after canceled start failed", logx.Err(serr))
			}
		}
		return ErrStartCanceled
	}
	if err != nil {
		_ = c.sess.Abort()
		close(c.done)
		c.mu.Unlock()

		log.Error("start failed", logx.Err(err))
		c.metrics.Transition(session.Idle.String(), false)
		c.notice(render.LevelError, id, "start failed: "+err.Error())
		return err
	}

	now := c.clock.Now()
	c.sess.Configure(cfg)
	_ = c.sess.Run(now)
	if !c.extendedSet {
		c.extended = cfg.Advanced.EnableMetrics
	}
	expected := c.sess.Expected

	c.results = nil
	c.buffer.Reset()
	c.display.Reset()
	c.display.ApplyResults(nil, expected, now)
	c.display.Status = session.Running.String()
	disp := c.display

	r := &run{
		id:  id,
		sup: supervisor.New(c.ctx, supervisor.WithLogger(log)),
	}
	c.cur = r
	if c.wd.Timeout > 0 {
		c.watchdog = c.clock.AfterFunc(c.wd.Timeout, func() { c.onTimeout(id) })
	}
	c.mu.Unlock()

	log.Info("test running", logx.Int("expected", expected), logx.Duration("timeout", c.wd.Timeout))
	c.metrics.Transition(session.Running.String(), true)
	c.sink.Results(nil)
	c.sink.Chart(nil)
	c.sink.Display(disp)
	c.notice(render.LevelInfo, id, fmt.Sprintf("test started, waiting for %d qualified results", expected))

	c.launch(r)
	return nil
}

func (c *Controller) prepare(ctx context.Context, remote *backend.RemoteConfig) (backend.RemoteConfig, error) {
	var cfg backend.RemoteConfig
	if remote != nil {
		cfg = *remote
	} else {
		got, err := c.client.GetConfig(ctx)
		if err != nil {
			return cfg, fmt.Errorf("load backend config: %w", err)
		}
		cfg = got
	}

	v, err := c.client.ValidateConfig(ctx, cfg)
	if err != nil {
		return cfg, fmt.Errorf("validate config: %w", err)
	}
	if !v.Valid {
		return cfg, fmt.Errorf("%w: %s", ErrConfigInvalid, v.Error)
	}
	if remote == nil {
		return cfg, nil
	}

	if err := c.client.UpdateConfig(ctx, cfg); err != nil {
		return cfg, fmt.Errorf("update config: %w", err)
	}
	if err := c.client.SetDatacenterFilter(ctx, cfg.DatacenterSelection()); err != nil {
		return cfg, fmt.Errorf("apply datacenter filter: %w", err)
	}
	if err := c.client.SaveConfig(ctx); err != nil {
		return cfg, fmt.Errorf("save config: %w", err)
	}
	return cfg, nil
}

// Stop ends the running test. It is idempotent: when nothing is running it
// issues no request and makes no transition. A failing backend stop request
// is logged and never blocks the local transition.
func (c *Controller) Stop(ctx context.Context) error {
	return c.end(ctx, session.Stopped, session.ReasonOperator, true)
}

// Fail moves a running test to Errored. A test that is still starting
// never ran, so it ends Stopped with reason and Start returns
// ErrStartCanceled.
func (c *Controller) Fail(ctx context.Context, reason string) error {
	return c.end(ctx, session.Errored, reason, true)
}

func (c *Controller) end(ctx context.Context, to session.State, reason string, stopBackend bool) error {
	c.mu.Lock()
	if !c.sess.State.Active() {
		c.mu.Unlock()
		return nil
	}
	if c.sess.State == session.Starting && to == session.Errored {
		to = session.Stopped
	}
	rec, err := c.finishLocked(to, reason)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.afterTerminal(ctx, rec, stopBackend)
	return nil
}

// Reset returns a finished session to Idle.
func (c *Controller) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess.State.Active() {
		return session.ErrAlreadyRunning
	}
	c.sess.Reset()
	return nil
}

// ClearResults deletes the backend's results and clears the displayed
// snapshot, the derived display and the chart.
func (c *Controller) ClearResults(ctx context.Context) error {
	if err := c.client.ClearResults(ctx); err != nil {
		return fmt.Errorf("clear results: %w", err)
	}
	c.mu.Lock()
	c.results = nil
	c.display.Reset()
	c.buffer.Reset()
	disp := c.display
	c.mu.Unlock()

	c.sink.Results(nil)
	c.sink.Display(disp)
	c.sink.Chart(nil)
	return nil
}

// UpdateData asks the backend to refresh its data files. When no file is
// missing the update is refused with ErrDataPresent unless force is set.
func (c *Controller) UpdateData(ctx context.Context, force bool) (backend.UpdateResult, error) {
	st, err := c.client.Status(ctx)
	if err != nil {
		return backend.UpdateResult{}, fmt.Errorf("status: %w", err)
	}
	if len(st.MissingFiles) == 0 && !force {
		return backend.UpdateResult{}, ErrDataPresent
	}
	res, err := c.client.UpdateData(ctx, force)
	if err != nil {
		return res, fmt.Errorf("update data: %w", err)
	}
	c.log.Info("data update started", logx.Int("files", res.Files), logx.Bool("force", force))
	return res, nil
}

// Close cancels every loop and waits for them, bounded by ctx. A running
// test is not stopped on the backend.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	r := c.cur
	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}
	c.mu.Unlock()

	c.cancel()
	if r == nil {
		return nil
	}
	return r.sup.Stop(ctx)
}

func (c *Controller) onTimeout(id string) {
	c.mu.Lock()
	if c.sess.ID != id || c.sess.State != session.Running {
		c.mu.Unlock()
		return
	}
	rec, err := c.finishLocked(session.Stopped, session.ReasonTimeout)
	c.mu.Unlock()
	if err != nil {
		return
	}

	c.log.Error("test timed out", logx.Session(id), logx.Duration("timeout", c.wd.Timeout))
	c.notice(render.LevelError, id, fmt.Sprintf("test timed out after %s, stopping", c.wd.Timeout))

	ctx, cancel := context.WithTimeout(c.ctx, 30*time.Second)
	defer cancel()
	c.afterTerminal(ctx, rec, true)
}

// finishLocked records a terminal transition and disarms the watchdog.
// Loops notice on their next tick.
func (c *Controller) finishLocked(to session.State, reason string) (storage.SessionRecord, error) {
	now := c.clock.Now()
	if err := c.sess.Finish(to, reason, now); err != nil {
		return storage.SessionRecord{}, err
	}
	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}
	c.display.Status = to.String()
	if reason != "" && reason != to.String() {
		c.display.Status += ": " + reason
	}
	close(c.done)

	return storage.SessionRecord{
		ID:        c.sess.ID,
		State:     to.String(),
		Reason:    reason,
		StartedAt: c.sess.StartedAt,
		EndedAt:   now,
		Expected:  c.sess.Expected,
		Qualified: c.sess.LastQualified,
		Total:     c.sess.LastTotal,
		BaseURL:   c.baseURL,
	}, nil
}

// afterTerminal does the slow part of a terminal transition outside the lock.
func (c *Controller) afterTerminal(ctx context.Context, rec storage.SessionRecord, stopBackend bool) {
	log := c.log.With(logx.Session(rec.ID))
	// Loop teardown must not abort the stop request or the history write.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if stopBackend {
		if err := c.client.Stop(ctx); err != nil {
			log.Warn("backend stop failed", logx.Err(err))
		}
	}

	log.Info("test finished",
		logx.String("state", rec.State),
		logx.String("reason", rec.Reason),
		logx.Int("qualified", rec.Qualified),
		logx.Int("expected", rec.Expected),
		logx.Duration("elapsed", rec.Duration()),
	)
	c.metrics.Transition(rec.State, false)

	if c.store != nil {
		if err := c.store.AppendSession(ctx, rec); err != nil {
			log.Warn("record session failed", logx.Err(err))
		}
	}

	c.mu.Lock()
	disp := c.display
	c.mu.Unlock()
	c.sink.Display(disp)
	if rec.State == session.Completed.String() {
		c.notice(render.LevelInfo, rec.ID, fmt.Sprintf("test completed: %d/%d qualified", rec.Qualified, rec.Expected))
	}
}

func (c *Controller) notice(level render.Level, id, msg string) {
	c.sink.Notice(render.Notice{Level: level, Message: msg, Session: id, At: c.clock.Now()})
}
