package controller

import (
	"context"
	"time"

	"cfspeed/internal/backend"
	"cfspeed/internal/metrics"
	"cfspeed/internal/render"
	"cfspeed/internal/session"
	"cfspeed/internal/stats"
	logx "cfspeed/pkg/logx"
)

// step is one loop iteration. It returns the delay before the next
// iteration, or done when the loop must halt.
type step func(ctx context.Context) (next time.Duration, done bool)

func (c *Controller) startLoops(r *run) {
	r.sup.Go("results", c.loop(func(ctx context.Context) (time.Duration, bool) { return c.resultsStep(ctx, r) }))
	r.sup.Go("stats", c.loop(func(ctx context.Context) (time.Duration, bool) { return c.statsStep(ctx, r) }))
	r.sup.Go("metrics", c.loop(func(ctx context.Context) (time.Duration, bool) { return c.metricsStep(ctx, r) }))
}

// loop runs fn until it reports done. The next iteration is scheduled only
// after the previous one returned, so iterations never overlap.
func (c *Controller) loop(fn step) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		for {
			next, done := fn(ctx)
			if done {
				return nil
			}
			t := c.clock.NewTimer(next)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.Chan():
			}
		}
	}
}

// running reports whether r is still the live, Running session.
func (c *Controller) running(r *run) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runningLocked(r)
}

func (c *Controller) runningLocked(r *run) bool {
	return c.cur == r && c.sess.ID == r.id && c.sess.State == session.Running
}

// resultsStep fetches the full result list. Once the run is no longer
// Running it schedules exactly one more fetch after FinalFetchDelay and
// then halts.
func (c *Controller) resultsStep(ctx context.Context, r *run) (time.Duration, bool) {
	if r.resultsFinal {
		_ = c.fetchResults(ctx, r)
		return 0, true
	}
	if !c.running(r) {
		r.resultsFinal = true
		return c.poll.FinalFetchDelay, false
	}

	err := c.fetchResults(ctx, r)
	if !c.running(r) {
		r.resultsFinal = true
		return c.poll.FinalFetchDelay, false
	}
	if err != nil {
		return c.poll.ResultsErrorInterval, false
	}
	return c.poll.ResultsInterval, false
}

func (c *Controller) fetchResults(ctx context.Context, r *run) error {
	rs, err := c.client.Results(ctx)
	c.metrics.Poll(metrics.LoopResults, err)
	if err != nil {
		c.pollFailed(&r.resultsFails, metrics.LoopResults, r.id, err)
		return err
	}
	r.resultsFails = 0

	c.mu.Lock()
	if c.sess.ID != r.id {
		// A newer session owns the display.
		c.mu.Unlock()
		return nil
	}
	c.results = rs
	c.display.ApplyResults(rs, c.sess.Expected, c.clock.Now())
	disp := c.display
	c.mu.Unlock()

	c.sink.Results(rs)
	c.sink.Display(disp)
	return nil
}

// statsStep fetches coarse stats and feeds the completion, stall and
// liveness checks. It halts as soon as the run is no longer Running.
func (c *Controller) statsStep(ctx context.Context, r *run) (time.Duration, bool) {
	if !c.running(r) {
		return 0, true
	}

	snap, err := c.client.Stats(ctx)
	c.metrics.Poll(metrics.LoopStats, err)
	if err != nil {
		c.pollFailed(&r.statsFails, metrics.LoopStats, r.id, err)
		return c.poll.StatsErrorInterval, false
	}
	r.statsFails = 0

	if c.applyStats(ctx, r, snap) {
		return 0, true
	}

	r.statsTicks++
	if c.poll.LivenessEvery > 0 && r.statsTicks%c.poll.LivenessEvery == 0 {
		if c.checkLiveness(ctx, r) {
			return 0, true
		}
	}
	return c.poll.StatsInterval, false
}

// applyStats folds one stats snapshot in. It returns true when the run
// ended because of it.
func (c *Controller) applyStats(ctx context.Context, r *run, snap backend.StatsSnapshot) bool {
	now := c.clock.Now()

	c.mu.Lock()
	if !c.runningLocked(r) {
		c.mu.Unlock()
		return true
	}
	c.display.ApplyStats(snap, c.sess.Expected, now)
	c.display.Status = session.Running.String()
	if snap.CurrentAddress != "" {
		c.display.Status = "testing: " + snap.CurrentAddress
	}
	if c.sess.ObserveQualified(snap.QualifiedCount, snap.TotalProbed, now) {
		r.stallNotified = false
	}
	c.metrics.ObserveQualified(snap.QualifiedCount)

	if c.sess.Complete(snap.QualifiedCount, snap.TotalProbed) {
		rec, err := c.finishLocked(session.Completed, session.ReasonCompleted)
		c.mu.Unlock()
		if err == nil {
			c.afterTerminal(ctx, rec, true)
		}
		return true
	}

	// The stall is re-evaluated every tick and shown in the status line
	// while it lasts; the warn notice goes out once per stall.
	var stalled time.Duration
	if c.sess.Stalled(now, c.wd.StallAfter) {
		idle := now.Sub(c.sess.LastProgressAt)
		c.display.Status = "stalled: no new qualified result for " + idle.Truncate(time.Second).String()
		if !r.stallNotified {
			r.stallNotified = true
			stalled = idle
		}
	}
	disp := c.display
	c.mu.Unlock()

	c.sink.Display(disp)
	if stalled > 0 {
		c.log.Warn("no qualified progress", logx.Session(r.id), logx.Duration("for", stalled))
		c.notice(render.LevelWarn, r.id, "no new qualified result for "+stalled.Truncate(time.Second).String())
	}
	return false
}

// checkLiveness asks the backend whether it is still testing. When it is
// not and the run never reached its target, the run ends as Errored after
// one last stats fetch gets a chance to complete it.
func (c *Controller) checkLiveness(ctx context.Context, r *run) bool {
	st, err := c.client.Status(ctx)
	if err != nil {
		c.log.Debug("status poll failed", logx.Session(r.id), logx.Err(err))
		return false
	}
	if st.Testing {
		return false
	}

	if snap, err := c.client.Stats(ctx); err == nil {
		if c.applyStats(ctx, r, snap) {
			return true
		}
	}

	c.mu.Lock()
	if !c.runningLocked(r) {
		c.mu.Unlock()
		return true
	}
	rec, err := c.finishLocked(session.Errored, session.ReasonBackendStopped)
	c.mu.Unlock()
	if err != nil {
		return true
	}

	c.log.Error("backend stopped testing before completion", logx.Session(r.id))
	c.notice(render.LevelError, r.id, "backend is no longer testing; test ended before completion")
	c.afterTerminal(ctx, rec, false)
	return true
}

// metricsStep polls the fine metrics on a fixed cadence. Every part that
// fails is simply absent this tick.
func (c *Controller) metricsStep(ctx context.Context, r *run) (time.Duration, bool) {
	if !c.running(r) {
		return 0, true
	}
	c.mu.Lock()
	enabled := c.extended
	c.mu.Unlock()
	if !enabled {
		return c.poll.MetricsInterval, false
	}

	sample := stats.MetricsSample{
		SmoothedSpeed: c.client.SmoothedSpeed(ctx),
		SampleCount:   c.client.SampleCount(ctx, c.poll.SampleCount),
		Errors:        c.client.ErrorStats(ctx),
		Performance:   c.client.Performance(ctx),
	}
	c.metrics.Poll(metrics.LoopMetrics, nil)

	now := c.clock.Now()
	c.mu.Lock()
	if c.sess.ID != r.id {
		c.mu.Unlock()
		return 0, true
	}
	c.display.ApplyMetrics(sample, now)
	speed, plotted := sample.SmoothedSpeed.Get()
	plotted = plotted && speed > 0
	if plotted {
		c.buffer.Add(speed, now)
	}
	disp := c.display
	chart := c.buffer.Snapshot()
	c.mu.Unlock()

	c.sink.Display(disp)
	if plotted {
		c.metrics.ObserveSpeed(speed)
		c.sink.Chart(chart)
	}
	return c.poll.MetricsInterval, false
}

// pollFailed logs the first failure of a streak at warn, the rest at debug.
func (c *Controller) pollFailed(fails *int, loop, id string, err error) {
	*fails++
	fields := []logx.Field{logx.String("loop", loop), logx.Session(id), logx.Int("streak", *fails), logx.Err(err)}
	if *fails == 1 {
		c.log.Warn("poll failed", fields...)
		return
	}
	c.log.Debug("poll failed", fields...)
}
