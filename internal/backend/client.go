// Package backend is the typed client of the speed-test backend's HTTP API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	logx "cfspeed/pkg/logx"

	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"
)

// Options configures a Client. Zero values fall back to sane defaults.
type Options struct {
	BaseURL string
	// Timeout bounds every single request.
	Timeout time.Duration
	// RatePerSec and Burst pace outbound requests across all loops.
	RatePerSec int
	Burst      int
	// RetryAttempts > 0 retries control calls on retryable failures.
	// <= 0 disables retries.
	RetryAttempts int

	HTTPClient *http.Client
	Log        logx.Logger
}

// Client talks to one backend. Safe for concurrent use.
type Client struct {
	base    string
	timeout time.Duration
	hc      *http.Client
	limiter *rate.Limiter
	retries int
	log     logx.Logger
}

func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 20
	}
	if opts.Burst <= 0 {
		opts.Burst = opts.RatePerSec
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = newHTTPClient(opts.Timeout)
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		base:    strings.TrimRight(opts.BaseURL, "/"),
		timeout: opts.Timeout,
		hc:      hc,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.Burst),
		retries: opts.RetryAttempts,
		log:     log.With(logx.String("comp", "backend")),
	}
}

// newHTTPClient builds a dedicated transport with a small keep-alive pool;
// the poll loops hit the same host several times a second.
func newHTTPClient(timeout time.Duration) *http.Client {
	dialTimeout := min(max(timeout/2, 2*time.Second), 10*time.Second)
	d := &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           d.DialContext,
		MaxIdleConns:          16,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}
	return &http.Client{Transport: tr}
}

// BaseURL returns the backend root the client talks to.
func (c *Client) BaseURL() string { return c.base }

// Close releases idle connections.
func (c *Client) Close() {
	c.hc.CloseIdleConnections()
}

// ---- control calls ----

func (c *Client) GetConfig(ctx context.Context) (RemoteConfig, error) {
	var out RemoteConfig
	err := c.do(ctx, "get config", http.MethodGet, "/api/config", nil, &out)
	return out, err
}

// ValidateConfig asks the backend to check cfg. An invalid config is not
// an error: it comes back as Validation{Valid: false}.
func (c *Client) ValidateConfig(ctx context.Context, cfg RemoteConfig) (Validation, error) {
	var out Validation
	err := c.withRetry(ctx, "validate config", func(ctx context.Context) error {
		out = Validation{}
		err := c.do(ctx, "validate config", http.MethodPost, "/api/config/validate", cfg, &out, http.StatusBadRequest)
		if err == nil && !out.Valid && out.Error == "" {
			out.Error = "configuration rejected"
		}
		return err
	})
	return out, err
}

func (c *Client) UpdateConfig(ctx context.Context, cfg RemoteConfig) error {
	return c.withRetry(ctx, "update config", func(ctx context.Context) error {
		return c.do(ctx, "update config", http.MethodPost, "/api/config", cfg, nil)
	})
}

func (c *Client) SaveConfig(ctx context.Context) error {
	return c.withRetry(ctx, "save config", func(ctx context.Context) error {
		return c.do(ctx, "save config", http.MethodPost, "/api/config/save", nil, nil)
	})
}

// SetDatacenterFilter selects datacenters. An empty selection means all.
func (c *Client) SetDatacenterFilter(ctx context.Context, selected []string) error {
	body := struct {
		Mode     string   `json:"mode"`
		Selected []string `json:"selected"`
	}{Mode: "all", Selected: []string{}}
	if len(selected) > 0 {
		body.Mode, body.Selected = "selected", selected
	}
	return c.do(ctx, "set datacenter filter", http.MethodPost, "/api/datacenters/filter", body, nil)
}

func (c *Client) Datacenters(ctx context.Context) (DatacenterList, error) {
	var w wireDatacenters
	if err := c.do(ctx, "datacenters", http.MethodGet, "/api/datacenters", nil, &w); err != nil {
		return DatacenterList{}, err
	}
	dcs, err := parseDatacenters(w.Datacenters)
	if err != nil {
		return DatacenterList{}, fmt.Errorf("datacenters: %w", err)
	}
	return DatacenterList{Datacenters: dcs, FilterMode: w.FilterMode, Selected: w.Selected}, nil
}

func (c *Client) Start(ctx context.Context) error {
	return c.withRetry(ctx, "start", func(ctx context.Context) error {
		return c.do(ctx, "start", http.MethodPost, "/api/start", nil, nil)
	})
}

func (c *Client) Stop(ctx context.Context) error {
	return c.withRetry(ctx, "stop", func(ctx context.Context) error {
		return c.do(ctx, "stop", http.MethodPost, "/api/stop", nil, nil)
	})
}

func (c *Client) ClearResults(ctx context.Context) error {
	return c.do(ctx, "clear results", http.MethodDelete, "/api/results", nil, nil)
}

func (c *Client) Status(ctx context.Context) (BackendStatus, error) {
	var out BackendStatus
	err := c.do(ctx, "status", http.MethodGet, "/api/status", nil, &out)
	return out, err
}

func (c *Client) UpdateData(ctx context.Context, force bool) (UpdateResult, error) {
	var out UpdateResult
	body := struct {
		Force bool `json:"force"`
	}{force}
	err := c.do(ctx, "update data", http.MethodPost, "/api/update", body, &out)
	return out, err
}

// ---- polled calls ----

func (c *Client) Results(ctx context.Context) ([]ResultRecord, error) {
	var w []wireResult
	if err := c.do(ctx, "results", http.MethodGet, "/api/results", nil, &w); err != nil {
		return nil, err
	}
	return records(w), nil
}

// SortedResults lists results ordered by sortBy ("speed", "latency", ...).
func (c *Client) SortedResults(ctx context.Context, sortBy string, ascending bool) ([]ResultRecord, error) {
	q := url.Values{}
	if sortBy != "" {
		q.Set("sort", sortBy)
	}
	q.Set("order", "desc")
	if ascending {
		q.Set("order", "asc")
	}
	var w struct {
		Results []wireResult `json:"results"`
	}
	if err := c.do(ctx, "sorted results", http.MethodGet, "/api/results/sorted?"+q.Encode(), nil, &w); err != nil {
		return nil, err
	}
	return records(w.Results), nil
}

func (c *Client) QualifiedResults(ctx context.Context) ([]ResultRecord, error) {
	var w struct {
		Results []wireResult `json:"results"`
	}
	if err := c.do(ctx, "qualified results", http.MethodGet, "/api/results/qualified", nil, &w); err != nil {
		return nil, err
	}
	return records(w.Results), nil
}

func (c *Client) Stats(ctx context.Context) (StatsSnapshot, error) {
	var w wireStats
	if err := c.do(ctx, "stats", http.MethodGet, "/api/stats", nil, &w); err != nil {
		return StatsSnapshot{}, err
	}
	return StatsSnapshot{
		TotalProbed:    w.Total,
		Completed:      w.Completed,
		QualifiedCount: w.Qualified,
		CurrentAddress: w.CurrentIP,
		CurrentSpeed:   w.CurrentSpeed,
	}, nil
}

// SmoothedSpeed is the backend's sliding-window speed in Mbps.
func (c *Client) SmoothedSpeed(ctx context.Context) Optional[float64] {
	var w struct {
		Smoothed *float64 `json:"smoothed_speed"`
	}
	if !c.optional(ctx, "smoothed speed", "/api/metrics/speed/smoothed", &w) || w.Smoothed == nil {
		return None[float64]()
	}
	return Some(*w.Smoothed)
}

// SampleCount is how many of the last n speed samples the backend holds.
func (c *Client) SampleCount(ctx context.Context, n int) Optional[int] {
	var w struct {
		Count *int `json:"count"`
	}
	if !c.optional(ctx, "speed samples", "/api/metrics/speed/samples?count="+strconv.Itoa(n), &w) || w.Count == nil {
		return None[int]()
	}
	return Some(*w.Count)
}

func (c *Client) ErrorStats(ctx context.Context) Optional[ErrorCounts] {
	var w wireErrorStats
	if !c.optional(ctx, "error stats", "/api/errors/stats", &w) || w.ErrorStats == nil {
		return None[ErrorCounts]()
	}
	return Some(w.counts())
}

func (c *Client) Performance(ctx context.Context) Optional[PerformanceMetrics] {
	var w wirePerformance
	if !c.optional(ctx, "performance", "/api/metrics/performance", &w) {
		return None[PerformanceMetrics]()
	}
	return Some(PerformanceMetrics{
		Latency:               LatencyStats{Avg: w.AverageLatency, Min: w.MinLatency, Max: w.MaxLatency},
		PeakSpeedMbps:         w.PeakSpeed,
		TotalBytesTransferred: w.TotalDataTransfer,
		TestsStarted:          w.TestsStarted,
		TestsCompleted:        w.TestsCompleted,
	})
}

func records(w []wireResult) []ResultRecord {
	out := make([]ResultRecord, len(w))
	for i := range w {
		out[i] = w[i].record()
	}
	return out
}

// optional performs a GET whose failure only means "no data".
func (c *Client) optional(ctx context.Context, op, path string, out any) bool {
	if err := c.do(ctx, op, http.MethodGet, path, nil, out); err != nil {
		c.log.Trace("optional fetch failed", logx.String("op", op), logx.Err(err))
		return false
	}
	return true
}

// withRetry retries fn on retryable failures when retries are enabled.
func (c *Client) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if c.retries <= 0 {
		return fn(ctx)
	}
	b := retry.NewExponential(200 * time.Millisecond)
	b = retry.WithMaxRetries(uint64(c.retries), b)
	b = retry.WithCappedDuration(2*time.Second, b)

	attempt := 0
	return retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err != nil && IsRetryable(err) {
			c.log.Debug("backend call failed; retrying", logx.String("op", op), logx.Int("attempt", attempt), logx.Err(err))
			return retry.RetryableError(err)
		}
		return err
	})
}

// do sends one JSON request. Statuses in accept are decoded into out like a 2xx.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any, accept ...int) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(rctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", op, err)
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	for _, s := range accept {
		ok = ok || resp.StatusCode == s
	}
	if !ok {
		return &HTTPError{Op: op, Status: resp.StatusCode, Message: errorMessage(raw)}
	}
	if out == nil {
		return nil
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return fmt.Errorf("%s: %w", op, ErrNoData)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// maxErrorMessage bounds a non-JSON error body kept in an HTTPError.
const maxErrorMessage = 200

// errorMessage extracts {"error": "..."} from an error body, falling back to
// the trimmed text.
func errorMessage(raw []byte) string {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &e); err == nil {
		if e.Error != "" {
			return e.Error
		}
		if e.Message != "" {
			return e.Message
		}
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > maxErrorMessage {
		cut := maxErrorMessage
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	return s
}

// AsHTTPError unwraps a *HTTPError from err.
func AsHTTPError(err error) (*HTTPError, bool) {
	var he *HTTPError
	ok := errors.As(err, &he)
	return he, ok
}
