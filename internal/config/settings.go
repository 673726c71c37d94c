package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	logx "cfspeed/pkg/logx"
)

// Defaults mirror the cadence of the reference web console.
const (
	DefaultBaseURL        = "http://127.0.0.1:8080"
	DefaultRequestTimeout = 5 * time.Second
	DefaultRatePerSec     = 20
	DefaultBurst          = 10

	DefaultResultsInterval      = 1000 * time.Millisecond
	DefaultResultsErrorInterval = 2000 * time.Millisecond
	DefaultFinalFetchDelay      = 500 * time.Millisecond
	DefaultStatsInterval        = 500 * time.Millisecond
	DefaultStatsErrorInterval   = 1000 * time.Millisecond
	DefaultMetricsInterval      = 2000 * time.Millisecond
	DefaultSampleCount          = 10
	DefaultLivenessEvery        = 10

	DefaultTimeout    = 30 * time.Minute
	DefaultStallAfter = 5 * time.Minute

	DefaultChartCapacity = 50

	DefaultMetricsAddr = "127.0.0.1:9109"

	DefaultBaselineServers   = 5
	DefaultBaselineFullTests = 1
	DefaultThresholdRatio    = 0.5
)

// Settings is the resolved, typed view of Config with defaults applied.
type Settings struct {
	Backend  Backend
	Polling  Polling
	Watchdog Watchdog
	Chart    Chart
	Logging  logx.Config
	Storage  Storage
	Metrics  Metrics
	Schedule Schedule
	Baseline Baseline
}

type Backend struct {
	BaseURL        string
	RequestTimeout time.Duration
	RatePerSec     int
	Burst          int
	RetryAttempts  int
}

type Polling struct {
	ResultsInterval      time.Duration
	ResultsErrorInterval time.Duration
	FinalFetchDelay      time.Duration
	StatsInterval        time.Duration
	StatsErrorInterval   time.Duration
	MetricsInterval      time.Duration
	SampleCount          int
	LivenessEvery        int
}

type Watchdog struct {
	Timeout    time.Duration
	StallAfter time.Duration
}

type Chart struct {
	Capacity int
}

type Storage struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration
}

type Metrics struct {
	Enabled bool
	Addr    string
	Pprof   bool
}

type Schedule struct {
	Spec     string
	Location *time.Location
}

type Baseline struct {
	ServerCount     int
	FullTestServers int
	ThresholdRatio  float64
}

// DefaultSettings returns the settings an empty config file resolves to.
func DefaultSettings() Settings {
	s, _ := (&Config{}).Resolve()
	return s
}

// Resolve validates c and converts it into Settings.
// All field errors are reported together.
func (c *Config) Resolve() (Settings, error) {
	if c == nil {
		c = &Config{}
	}
	var (
		s    Settings
		errs []error
	)
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := ParseDurationOrDefault(path, raw, def)
		if err != nil {
			errs = append(errs, err)
			return def
		}
		return d
	}

	// backend
	s.Backend.BaseURL = strings.TrimRight(strings.TrimSpace(c.Backend.BaseURL), "/")
	if s.Backend.BaseURL == "" {
		s.Backend.BaseURL = DefaultBaseURL
	}
	if u, err := url.Parse(s.Backend.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("backend.base_url: invalid url %q", c.Backend.BaseURL))
	}
	s.Backend.RequestTimeout = dur("backend.request_timeout", c.Backend.RequestTimeout, DefaultRequestTimeout)
	s.Backend.RatePerSec = positiveOr(c.Backend.RatePerSec, DefaultRatePerSec)
	s.Backend.Burst = positiveOr(c.Backend.Burst, DefaultBurst)
	s.Backend.RetryAttempts = c.Backend.RetryAttempts
	if s.Backend.RetryAttempts < -1 {
		errs = append(errs, fmt.Errorf("backend.retry_attempts: must be >= -1"))
	}

	// polling
	p := c.Polling
	s.Polling = Polling{
		ResultsInterval:      dur("polling.results_interval", p.ResultsInterval, DefaultResultsInterval),
		ResultsErrorInterval: dur("polling.results_error_interval", p.ResultsErrorInterval, DefaultResultsErrorInterval),
		FinalFetchDelay:      dur("polling.final_fetch_delay", p.FinalFetchDelay, DefaultFinalFetchDelay),
		StatsInterval:        dur("polling.stats_interval", p.StatsInterval, DefaultStatsInterval),
		StatsErrorInterval:   dur("polling.stats_error_interval", p.StatsErrorInterval, DefaultStatsErrorInterval),
		MetricsInterval:      dur("polling.metrics_interval", p.MetricsInterval, DefaultMetricsInterval),
		SampleCount:          positiveOr(p.SampleCount, DefaultSampleCount),
		LivenessEvery:        positiveOr(p.LivenessEvery, DefaultLivenessEvery),
	}

	// watchdog
	s.Watchdog.Timeout = dur("watchdog.timeout", c.Watchdog.Timeout, DefaultTimeout)
	s.Watchdog.StallAfter = dur("watchdog.stall_after", c.Watchdog.StallAfter, DefaultStallAfter)

	s.Chart.Capacity = positiveOr(c.Chart.Capacity, DefaultChartCapacity)

	s.Logging = LoggingToLogx(c.Logging)

	if st := c.Storage; st != nil {
		s.Storage.Driver = strings.ToLower(strings.TrimSpace(st.Driver))
		s.Storage.Path = strings.TrimSpace(st.Path)
		s.Storage.BusyTimeout = dur("storage.busy_timeout", st.BusyTimeout, 0)
		switch s.Storage.Driver {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if s.Storage.Path == "" {
				errs = append(errs, fmt.Errorf("storage.path: required for driver %q", s.Storage.Driver))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
	}

	if m := c.Metrics; m != nil {
		s.Metrics.Enabled = m.Enabled
		s.Metrics.Addr = strings.TrimSpace(m.Addr)
		s.Metrics.Pprof = m.Pprof
	}
	if s.Metrics.Addr == "" {
		s.Metrics.Addr = DefaultMetricsAddr
	}

	s.Schedule.Location = time.Local
	if sc := c.Schedule; sc != nil {
		s.Schedule.Spec = strings.TrimSpace(sc.Spec)
		if tz := strings.TrimSpace(sc.Timezone); tz != "" {
			loc, err := time.LoadLocation(tz)
			if err != nil {
				errs = append(errs, fmt.Errorf("schedule.timezone: %w", err))
			} else {
				s.Schedule.Location = loc
			}
		}
	}

	s.Baseline = Baseline{
		ServerCount:     DefaultBaselineServers,
		FullTestServers: DefaultBaselineFullTests,
		ThresholdRatio:  DefaultThresholdRatio,
	}
	if b := c.Baseline; b != nil {
		s.Baseline.ServerCount = positiveOr(b.ServerCount, DefaultBaselineServers)
		s.Baseline.FullTestServers = positiveOr(b.FullTestServers, DefaultBaselineFullTests)
		if b.ThresholdRatio > 0 {
			s.Baseline.ThresholdRatio = b.ThresholdRatio
		}
		if s.Baseline.ThresholdRatio > 1 {
			errs = append(errs, fmt.Errorf("baseline.threshold_ratio: must be <= 1"))
		}
	}

	if len(errs) > 0 {
		return s, errors.Join(errs...)
	}
	return s, nil
}

// LoggingToLogx maps the logging section onto the logx service config.
func LoggingToLogx(l LoggingConfig) logx.Config {
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alerts: logx.AlertConfig{
			Enabled:    l.Alerts.Enabled,
			MinLevel:   l.Alerts.MinLevel,
			RatePerSec: l.Alerts.RatePerSec,
		},
	}
}

func positiveOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
