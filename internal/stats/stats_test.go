package stats

import (
	"testing"
	"time"

	"cfspeed/internal/backend"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(status backend.Status, speed backend.Optional[float64]) backend.ResultRecord {
	return backend.ResultRecord{Status: status, SpeedMbps: speed}
}

func TestSummarizeOnlyCountsCompletedNumericSpeeds(t *testing.T) {
	results := []backend.ResultRecord{
		rec(backend.StatusCompleted, backend.Some(10.0)),
		rec(backend.StatusTesting, backend.Some(99.0)),
		rec(backend.StatusCompleted, backend.None[float64]()),
		rec(backend.StatusCompleted, backend.Some(20.0)),
		rec(backend.StatusLowSpeed, backend.Some(1.0)),
	}
	s := Summarize(results, 3)

	assert.Equal(t, 3, s.Completed)
	avg, ok := s.AvgSpeed.Get()
	require.True(t, ok)
	assert.InDelta(t, 15.0, avg, 1e-9)
	cur, ok := s.CurrentSpeed.Get()
	require.True(t, ok)
	assert.Equal(t, 20.0, cur)
}

func TestSummarizeEmpty(t *testing.T) {
	s := Summarize(nil, 3)
	assert.Zero(t, s.Completed)
	assert.False(t, s.AvgSpeed.IsSome())
	assert.False(t, s.CurrentSpeed.IsSome())
}

func TestFormatting(t *testing.T) {
	assert.Equal(t, "- Mbps", FormatMbps(backend.None[float64]()))
	assert.Equal(t, "- Mbps", FormatMbps(backend.Some(0.0)))
	assert.Equal(t, "12.35 Mbps", FormatMbps(backend.Some(12.345)))

	assert.Equal(t, "- ms", FormatLatency(LatencySentinel))
	assert.Equal(t, "- ms", FormatLatency(0))
	assert.Equal(t, "42.50 ms", FormatLatency(42.5))

	assert.Equal(t, 7, TotalErrors(backend.ErrorCounts{Network: 3, Timeout: 4}))
}

func TestDisplayRetainsSpeedsWithoutNewData(t *testing.T) {
	d := NewDisplay()
	now := time.Now()
	d.ApplyResults([]backend.ResultRecord{rec(backend.StatusCompleted, backend.Some(30.0))}, 3, now)
	assert.Equal(t, "1/3", d.Progress)
	assert.Equal(t, "30.00 Mbps", d.AvgSpeed)

	// Next snapshot has no completed speeds: speeds stay, count is fresh.
	d.ApplyResults([]backend.ResultRecord{rec(backend.StatusTesting, backend.None[float64]())}, 3, now)
	assert.Equal(t, "0/3", d.Progress)
	assert.Equal(t, "30.00 Mbps", d.AvgSpeed)
	assert.Equal(t, "30.00 Mbps", d.CurrentSpeed)
}

func TestDisplayStatsOverwriteCounts(t *testing.T) {
	d := NewDisplay()
	now := time.Now()

	d.ApplyStats(backend.StatsSnapshot{}, 3, now)
	assert.Equal(t, "0/0", d.Progress, "progress untouched until something was probed")

	d.ApplyStats(backend.StatsSnapshot{TotalProbed: 40, QualifiedCount: 2}, 3, now)
	assert.Equal(t, "2/3", d.Progress)
	assert.Equal(t, 40, d.TotalProbed)

	d.ApplyStats(backend.StatsSnapshot{TotalProbed: 41, QualifiedCount: 0}, 3, now)
	assert.Equal(t, 0, d.Qualified)
	assert.Equal(t, 41, d.TotalProbed)
}

func TestDisplayMetricsPartialUpdate(t *testing.T) {
	d := NewDisplay()
	now := time.Now()

	d.ApplyMetrics(MetricsSample{
		SmoothedSpeed: backend.Some(50.0),
		SampleCount:   backend.Some(8),
		Errors:        backend.Some(backend.ErrorCounts{Network: 1, Timeout: 2}),
		Performance: backend.Some(backend.PerformanceMetrics{
			Latency:               backend.LatencyStats{Avg: 80, Min: LatencySentinel, Max: 120},
			PeakSpeedMbps:         75,
			TotalBytesTransferred: 3 << 20,
		}),
	}, now)
	assert.Equal(t, "50.00 Mbps", d.SmoothedSpeed)
	assert.Equal(t, 8, d.SampleCount)
	assert.Equal(t, 3, d.TotalErrors)
	assert.Equal(t, "80.00 ms", d.AvgLatency)
	assert.Equal(t, "- ms", d.MinLatency)
	assert.Equal(t, "75.00 Mbps", d.PeakSpeed)
	assert.Equal(t, "3.0 MiB", d.DataTransferred)

	// Every part failed: nothing changes.
	before := d
	d.ApplyMetrics(MetricsSample{}, now)
	assert.Equal(t, before, d)
}

func TestDisplayReset(t *testing.T) {
	d := NewDisplay()
	d.ApplyResults([]backend.ResultRecord{rec(backend.StatusCompleted, backend.Some(30.0))}, 3, time.Now())
	d.Reset()
	assert.Equal(t, "0/0", d.Progress)
	assert.Equal(t, "- Mbps", d.CurrentSpeed)
	assert.Equal(t, "- Mbps", d.AvgSpeed)
	assert.Equal(t, "- Mbps", d.PeakSpeed)
}
