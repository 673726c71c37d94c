package backend

import (
	"strconv"
	"strings"
	"time"
)

// Status is the per-address test status.
type Status int

const (
	StatusPending Status = iota
	StatusTesting
	StatusCompleted
	StatusLowSpeed
	StatusErrored
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusTesting:
		return "testing"
	case StatusCompleted:
		return "completed"
	case StatusLowSpeed:
		return "low-speed"
	default:
		return "errored"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ParseStatus maps a backend status label onto Status. The backend speaks
// Chinese labels; English names are accepted too. Unknown labels (invalid,
// skipped, ...) are Errored.
func ParseStatus(label string) Status {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "已完成", "completed":
		return StatusCompleted
	case "测试中", "检测数据中心", "testing":
		return StatusTesting
	case "待测试", "pending":
		return StatusPending
	case "低速", "low-speed", "lowspeed", "low_speed":
		return StatusLowSpeed
	default:
		return StatusErrored
	}
}

// ResultRecord is one tested address.
type ResultRecord struct {
	Address       string            `json:"address"`
	Status        Status            `json:"status"`
	LatencyMs     Optional[float64] `json:"latency_ms"`
	SpeedMbps     Optional[float64] `json:"speed_mbps"`
	Datacenter    string            `json:"datacenter"`
	PeakSpeedMbps float64           `json:"peak_speed_mbps"`
}

// StatsSnapshot is the coarse progress counter set.
type StatsSnapshot struct {
	TotalProbed    int    `json:"total_probed"`
	Completed      int    `json:"completed"`
	QualifiedCount int    `json:"qualified_count"`
	CurrentAddress string `json:"current_address,omitempty"`
	CurrentSpeed   string `json:"current_speed,omitempty"`
}

// LatencyStats are aggregate latencies in milliseconds.
type LatencyStats struct {
	Avg float64 `json:"avg"`
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// PerformanceMetrics is the backend's running performance summary.
type PerformanceMetrics struct {
	Latency               LatencyStats `json:"latency"`
	PeakSpeedMbps         float64      `json:"peak_speed_mbps"`
	TotalBytesTransferred int64        `json:"total_bytes_transferred"`
	TestsStarted          int64        `json:"tests_started"`
	TestsCompleted        int64        `json:"tests_completed"`
}

// ErrorCounts holds the error counters the client surfaces.
type ErrorCounts struct {
	Network  int  `json:"network"`
	Timeout  int  `json:"timeout"`
	Degraded bool `json:"degraded"`
}

// Total is network + timeout.
func (e ErrorCounts) Total() int { return e.Network + e.Timeout }

// RemoteConfig is the backend's test configuration.
type RemoteConfig struct {
	Test     RemoteTestConfig     `json:"test"`
	Download RemoteDownloadConfig `json:"download"`
	UI       RemoteUIConfig       `json:"ui"`
	Advanced RemoteAdvancedConfig `json:"advanced"`
}

type RemoteTestConfig struct {
	ExpectedServers   int     `json:"expected_servers"`
	UseTLS            bool    `json:"use_tls"`
	IPType            string  `json:"ip_type"`
	Bandwidth         float64 `json:"bandwidth"`
	Timeout           int     `json:"timeout"`
	DownloadTime      int     `json:"download_time"`
	FilePath          string  `json:"file_path"`
	DatacenterFilter  string  `json:"datacenter_filter"`
	ConcurrentWorkers int     `json:"concurrent_workers"`
	SampleInterval    int     `json:"sample_interval"`
}

type RemoteDownloadConfig struct {
	URLs map[string]string `json:"urls"`
}

type RemoteUIConfig struct {
	DatacenterFilter string `json:"datacenter_filter"`
	ResultFormat     string `json:"result_format"`
	AutoRefresh      bool   `json:"auto_refresh"`
	Theme            string `json:"theme"`
}

type RemoteAdvancedConfig struct {
	ConcurrentWorkers int    `json:"concurrent_workers"`
	RetryAttempts     int    `json:"retry_attempts"`
	LogLevel          string `json:"log_level"`
	EnableMetrics     bool   `json:"enable_metrics"`
}

// DefaultExpectedServers is used when the remote config leaves
// test.expected_servers unset.
const DefaultExpectedServers = 3

// ExpectedCount is the number of qualified results that completes a test.
func (c RemoteConfig) ExpectedCount() int {
	if c.Test.ExpectedServers <= 0 {
		return DefaultExpectedServers
	}
	return c.Test.ExpectedServers
}

// DatacenterSelection returns the datacenter codes selected by the filter
// ("HKG,SJC" style). Empty means all.
func (c RemoteConfig) DatacenterSelection() []string {
	raw := c.Test.DatacenterFilter
	if strings.TrimSpace(raw) == "" {
		raw = c.UI.DatacenterFilter
	}
	var out []string
	for _, part := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' || r == ';' }) {
		if p := strings.ToUpper(strings.TrimSpace(part)); p != "" && p != "ALL" {
			out = append(out, p)
		}
	}
	return out
}

// Validation is the backend's verdict on a config.
type Validation struct {
	Valid   bool   `json:"valid"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// Datacenter is one selectable datacenter.
type Datacenter struct {
	Code     string `json:"code"`
	Location string `json:"location"`
	Region   string `json:"region,omitempty"`
}

// DatacenterList is the datacenter listing plus the active filter.
type DatacenterList struct {
	Datacenters []Datacenter `json:"datacenters"`
	FilterMode  string       `json:"filter_mode"`
	Selected    []string     `json:"selected"`
}

// BackendStatus is the answer of the liveness endpoint.
type BackendStatus struct {
	Testing      bool      `json:"testing"`
	Timestamp    time.Time `json:"timestamp"`
	MissingFiles []string  `json:"missing_files,omitempty"`
}

// UpdateResult reports a data file refresh.
type UpdateResult struct {
	Message string `json:"message"`
	Files   int    `json:"files"`
}

// ---- wire shapes ----

type wireResult struct {
	IP         string
	Status     string
	Latency    string
	Speed      string
	DataCenter string
	PeakSpeed  float64
}

func (w wireResult) record() ResultRecord {
	return ResultRecord{
		Address:       w.IP,
		Status:        ParseStatus(w.Status),
		LatencyMs:     parseNumber(w.Latency),
		SpeedMbps:     parseNumber(w.Speed),
		Datacenter:    w.DataCenter,
		PeakSpeedMbps: w.PeakSpeed,
	}
}

type wireStats struct {
	Total        int
	Completed    int
	Qualified    int
	CurrentIP    string
	CurrentSpeed string
}

type wirePerformance struct {
	AverageLatency    float64 `json:"average_latency"`
	MinLatency        float64 `json:"min_latency"`
	MaxLatency        float64 `json:"max_latency"`
	PeakSpeed         float64 `json:"peak_speed"`
	TotalDataTransfer int64   `json:"total_data_transfer"`
	TestsStarted      int64   `json:"tests_started"`
	TestsCompleted    int64   `json:"tests_completed"`
}

type wireErrorStat struct {
	TotalCount int `json:"total_count"`
}

type wireErrorStats struct {
	ErrorStats   map[string]*wireErrorStat `json:"error_stats"`
	DegradedMode bool                      `json:"degraded_mode"`
}

func (w wireErrorStats) counts() ErrorCounts {
	get := func(k string) int {
		if s := w.ErrorStats[k]; s != nil {
			return s.TotalCount
		}
		return 0
	}
	return ErrorCounts{Network: get("network"), Timeout: get("timeout"), Degraded: w.DegradedMode}
}

// parseNumber reads the backend's numeric strings ("123", "45.6 ms", "-").
func parseNumber(s string) Optional[float64] {
	s = strings.TrimSpace(s)
	if s == "" || s == "-" {
		return None[float64]()
	}
	if i := strings.IndexFunc(s, func(r rune) bool { return r == ' ' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') }); i > 0 {
		s = s[:i]
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return None[float64]()
	}
	return Some(v)
}
