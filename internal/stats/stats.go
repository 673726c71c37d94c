// Package stats derives display statistics from backend polls.
//
// The pure functions compute values from one snapshot. Display retains the
// last known values across polls: absent or failed data leaves a field
// untouched, while counters sourced fresh on every tick are overwritten.
package stats

import (
	"fmt"
	"time"

	"cfspeed/internal/backend"

	"github.com/dustin/go-humanize"
)

// LatencySentinel is the backend's "no measurement yet" minimum latency.
const LatencySentinel = 999999

const (
	unknownMbps    = "- Mbps"
	unknownLatency = "- ms"
)

// Summary is what one results snapshot says about the run.
type Summary struct {
	Completed    int
	Expected     int
	AvgSpeed     backend.Optional[float64]
	CurrentSpeed backend.Optional[float64]
}

// Summarize counts Completed records and averages their numeric speeds.
// CurrentSpeed is the speed of the last Completed record with a speed.
func Summarize(results []backend.ResultRecord, expected int) Summary {
	s := Summary{Expected: expected}
	var (
		sum   float64
		n     int
		last  float64
		found bool
	)
	for _, r := range results {
		if r.Status != backend.StatusCompleted {
			continue
		}
		s.Completed++
		if v, ok := r.SpeedMbps.Get(); ok {
			sum += v
			n++
			last, found = v, true
		}
	}
	if n > 0 {
		s.AvgSpeed = backend.Some(sum / float64(n))
	}
	if found {
		s.CurrentSpeed = backend.Some(last)
	}
	return s
}

// Progress renders "done/expected".
func Progress(done, expected int) string {
	return fmt.Sprintf("%d/%d", done, expected)
}

// FormatMbps renders a speed, or "- Mbps" when absent or not positive.
func FormatMbps(v backend.Optional[float64]) string {
	f, ok := v.Get()
	if !ok || f <= 0 {
		return unknownMbps
	}
	return fmt.Sprintf("%.2f Mbps", f)
}

// FormatLatency renders milliseconds, or "- ms" when not positive or at
// the "no measurement" sentinel.
func FormatLatency(ms float64) string {
	if ms <= 0 || ms >= LatencySentinel {
		return unknownLatency
	}
	return fmt.Sprintf("%.2f ms", ms)
}

// TotalErrors is network + timeout errors.
func TotalErrors(e backend.ErrorCounts) int { return e.Total() }

// MetricsSample is one fine-metrics tick. Each part is absent when its
// fetch failed.
type MetricsSample struct {
	SmoothedSpeed backend.Optional[float64]
	SampleCount   backend.Optional[int]
	Errors        backend.Optional[backend.ErrorCounts]
	Performance   backend.Optional[backend.PerformanceMetrics]
}

// Display is the retained view model fed to renderers.
type Display struct {
	Progress     string `json:"progress"`
	Completed    int    `json:"completed"`
	Expected     int    `json:"expected"`
	Qualified    int    `json:"qualified"`
	TotalProbed  int    `json:"total_probed"`
	AvgSpeed     string `json:"avg_speed"`
	CurrentSpeed string `json:"current_speed"`
	Status       string `json:"status"`

	SmoothedSpeed   string  `json:"smoothed_speed"`
	SmoothedMbps    float64 `json:"smoothed_mbps"`
	SampleCount     int     `json:"sample_count"`
	TotalErrors     int     `json:"total_errors"`
	AvgLatency      string  `json:"avg_latency"`
	MinLatency      string  `json:"min_latency"`
	MaxLatency      string  `json:"max_latency"`
	PeakSpeed       string  `json:"peak_speed"`
	DataTransferred string  `json:"data_transferred"`

	UpdatedAt time.Time `json:"updated_at"`
}

// NewDisplay returns the cleared display ("0/0", "- Mbps").
func NewDisplay() Display {
	var d Display
	d.Reset()
	return d
}

// Reset returns every field to its cleared value.
func (d *Display) Reset() {
	*d = Display{
		Progress:        Progress(0, 0),
		AvgSpeed:        unknownMbps,
		CurrentSpeed:    unknownMbps,
		SmoothedSpeed:   unknownMbps,
		AvgLatency:      unknownLatency,
		MinLatency:      unknownLatency,
		MaxLatency:      unknownLatency,
		PeakSpeed:       unknownMbps,
		DataTransferred: humanize.IBytes(0),
	}
}

// ApplyResults folds a results snapshot in. Speeds are only replaced when
// the snapshot carries at least one Completed speed.
func (d *Display) ApplyResults(results []backend.ResultRecord, expected int, now time.Time) {
	s := Summarize(results, expected)
	d.Completed = s.Completed
	d.Expected = expected
	d.Progress = Progress(s.Completed, expected)
	if s.AvgSpeed.IsSome() {
		d.AvgSpeed = FormatMbps(s.AvgSpeed)
	}
	if s.CurrentSpeed.IsSome() {
		d.CurrentSpeed = FormatMbps(s.CurrentSpeed)
	}
	d.UpdatedAt = now
}

// ApplyStats folds coarse stats in. Counters are always overwritten; the
// progress text switches to qualified/expected once anything was probed.
func (d *Display) ApplyStats(snap backend.StatsSnapshot, expected int, now time.Time) {
	d.TotalProbed = snap.TotalProbed
	d.Qualified = snap.QualifiedCount
	d.Expected = expected
	if snap.TotalProbed > 0 {
		d.Progress = Progress(snap.QualifiedCount, expected)
	}
	d.UpdatedAt = now
}

// ApplyMetrics folds a fine-metrics tick in, part by part.
func (d *Display) ApplyMetrics(m MetricsSample, now time.Time) {
	if v, ok := m.SmoothedSpeed.Get(); ok {
		d.SmoothedMbps = v
		d.SmoothedSpeed = FormatMbps(m.SmoothedSpeed)
	}
	if n, ok := m.SampleCount.Get(); ok {
		d.SampleCount = n
	}
	if e, ok := m.Errors.Get(); ok {
		d.TotalErrors = TotalErrors(e)
	}
	if p, ok := m.Performance.Get(); ok {
		d.AvgLatency = FormatLatency(p.Latency.Avg)
		d.MinLatency = FormatLatency(p.Latency.Min)
		d.MaxLatency = FormatLatency(p.Latency.Max)
		d.PeakSpeed = FormatMbps(backend.Some(p.PeakSpeedMbps))
		d.DataTransferred = humanize.IBytes(uint64(max(p.TotalBytesTransferred, 0)))
	}
	d.UpdatedAt = now
}
