package config

// Config is the on-disk client configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "30m").
// Omitted fields fall back to the defaults applied by Resolve.
type Config struct {
	Backend  BackendConfig  `json:"backend"`
	Polling  PollingConfig  `json:"polling,omitempty"`
	Watchdog WatchdogConfig `json:"watchdog,omitempty"`
	Chart    ChartConfig    `json:"chart,omitempty"`
	Logging  LoggingConfig  `json:"logging"`

	Storage  *StorageConfig  `json:"storage,omitempty"`
	Metrics  *MetricsConfig  `json:"metrics,omitempty"`
	Schedule *ScheduleConfig `json:"schedule,omitempty"`
	Baseline *BaselineConfig `json:"baseline,omitempty"`
}

// BackendConfig points the client at the speed-test backend.
//
// RetryAttempts:
//   - > 0: control calls (start/stop/validate/update/save) are retried up to N times
//   - <= 0 (including -1): no retries; poll loops keep their own fixed backoff
type BackendConfig struct {
	BaseURL        string `json:"base_url"`
	RequestTimeout string `json:"request_timeout,omitempty"`
	RatePerSec     int    `json:"rate_per_sec,omitempty"`
	Burst          int    `json:"burst,omitempty"`
	RetryAttempts  int    `json:"retry_attempts,omitempty"`
}

// PollingConfig sets the cadence of the three poll loops.
type PollingConfig struct {
	ResultsInterval      string `json:"results_interval,omitempty"`
	ResultsErrorInterval string `json:"results_error_interval,omitempty"`
	FinalFetchDelay      string `json:"final_fetch_delay,omitempty"`
	StatsInterval        string `json:"stats_interval,omitempty"`
	StatsErrorInterval   string `json:"stats_error_interval,omitempty"`
	MetricsInterval      string `json:"metrics_interval,omitempty"`
	SampleCount          int    `json:"sample_count,omitempty"`
	// LivenessEvery asks the backend whether it is still testing every N stats ticks.
	LivenessEvery int `json:"liveness_every,omitempty"`
}

type WatchdogConfig struct {
	Timeout    string `json:"timeout,omitempty"`
	StallAfter string `json:"stall_after,omitempty"`
}

type ChartConfig struct {
	Capacity int `json:"capacity,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls session history persistence.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/cfspeed" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// MetricsConfig controls the Prometheus listener.
// Prefer binding to localhost (e.g. "127.0.0.1:9109").
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	// Pprof also serves net/http/pprof under /debug/pprof/ on Addr.
	Pprof bool `json:"pprof,omitempty"`
}

// ScheduleConfig drives `cfspeed daemon`. Spec accepts a 5-field cron
// expression or a descriptor such as "@every 6h".
type ScheduleConfig struct {
	Spec     string `json:"spec"`
	Timezone string `json:"timezone,omitempty"`
}

type BaselineConfig struct {
	ServerCount     int     `json:"server_count,omitempty"`
	FullTestServers int     `json:"full_test_servers,omitempty"`
	ThresholdRatio  float64 `json:"threshold_ratio,omitempty"`
}
