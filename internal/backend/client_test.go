package backend_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"cfspeed/internal/backend"
	"cfspeed/internal/backend/backendtest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T, srv *backendtest.Server, retries int) *backend.Client {
	t.Helper()
	c := backend.New(backend.Options{
		BaseURL:       srv.URL,
		Timeout:       2 * time.Second,
		RatePerSec:    1000,
		Burst:         1000,
		RetryAttempts: retries,
	})
	t.Cleanup(c.Close)
	return c
}

func TestResultsParsesWireRecords(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()
	srv.SetResults(
		backendtest.Result{IP: "1.1.1.1", Status: "已完成", Latency: "120", Speed: "55.5", DataCenter: "HKG", PeakSpeed: 60},
		backendtest.Result{IP: "1.0.0.1", Status: "测试中", Latency: "98.2", Speed: "-", DataCenter: "SJC"},
		backendtest.Result{IP: "1.0.0.2", Status: "无效", Latency: "", Speed: ""},
		backendtest.Result{IP: "1.0.0.3", Status: "低速", Latency: "40", Speed: "2.1"},
	)

	got, err := newClient(t, srv, 0).Results(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 4)

	assert.Equal(t, "1.1.1.1", got[0].Address)
	assert.Equal(t, backend.StatusCompleted, got[0].Status)
	assert.Equal(t, 120.0, got[0].LatencyMs.OrElse(0))
	assert.Equal(t, 55.5, got[0].SpeedMbps.OrElse(0))
	assert.Equal(t, "HKG", got[0].Datacenter)
	assert.Equal(t, 60.0, got[0].PeakSpeedMbps)

	assert.Equal(t, backend.StatusTesting, got[1].Status)
	assert.False(t, got[1].SpeedMbps.IsSome())

	assert.Equal(t, backend.StatusErrored, got[2].Status)
	assert.False(t, got[2].LatencyMs.IsSome())

	assert.Equal(t, backend.StatusLowSpeed, got[3].Status)
}

func TestStatsAndStatus(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()
	srv.SetStats(backendtest.Stats{Total: 12, Completed: 4, Qualified: 2, CurrentIP: "1.2.3.4"})
	srv.SetTesting(true)
	srv.SetMissingFiles("ip.txt")

	c := newClient(t, srv, 0)
	st, err := c.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, backend.StatsSnapshot{TotalProbed: 12, Completed: 4, QualifiedCount: 2, CurrentAddress: "1.2.3.4"}, st)

	status, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Testing)
	assert.Equal(t, []string{"ip.txt"}, status.MissingFiles)
}

func TestOptionalMetricsAreNoneOnFailure(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()
	srv.Fail("GET /api/metrics/speed/smoothed", http.StatusInternalServerError)
	srv.Fail("GET /api/errors/stats", http.StatusServiceUnavailable)
	srv.SetSamples(7)

	c := newClient(t, srv, 0)
	ctx := context.Background()

	assert.False(t, c.SmoothedSpeed(ctx).IsSome())
	assert.False(t, c.ErrorStats(ctx).IsSome())

	n, ok := c.SampleCount(ctx, 10).Get()
	require.True(t, ok)
	assert.Equal(t, 7, n)

	perf, ok := c.Performance(ctx).Get()
	require.True(t, ok)
	assert.Equal(t, 999999.0, perf.Latency.Min)
}

func TestErrorStatsTotals(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()
	srv.SetErrors(3, 4)

	counts, ok := newClient(t, srv, 0).ErrorStats(context.Background()).Get()
	require.True(t, ok)
	assert.Equal(t, 7, counts.Total())
}

func TestValidateConfigDecodesRejection(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()
	srv.SetInvalid("expected_servers must be positive")

	v, err := newClient(t, srv, 0).ValidateConfig(context.Background(), backend.RemoteConfig{})
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, "expected_servers must be positive", v.Error)
}

func TestStartRejectedIsHTTPError(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()
	srv.SetTesting(true)

	err := newClient(t, srv, 0).Start(context.Background())
	require.Error(t, err)
	he, ok := backend.AsHTTPError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, he.Status)
	assert.Equal(t, "test already running", he.Message)
	assert.False(t, backend.IsRetryable(err))
}

func TestControlCallsRetryOnServerErrors(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()
	srv.Fail("POST /api/stop", http.StatusBadGateway)

	err := newClient(t, srv, 2).Stop(context.Background())
	require.Error(t, err)
	assert.Equal(t, 3, srv.Calls("POST /api/stop"), "one attempt plus two retries")

	var he *backend.HTTPError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, http.StatusBadGateway, he.Status)
}

func TestNoRetriesWhenDisabled(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()
	srv.Fail("POST /api/start", http.StatusInternalServerError)

	require.Error(t, newClient(t, srv, -1).Start(context.Background()))
	assert.Equal(t, 1, srv.Calls("POST /api/start"))
}

func TestDatacentersAcceptsBothShapes(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()
	srv.SetDatacenters(
		"San Jose (SJC)",
		map[string]string{"code": "hkg", "location": "Hong Kong"},
		"Frankfurt (FRA)",
		map[string]string{"location": "nowhere"},
	)

	list, err := newClient(t, srv, 0).Datacenters(context.Background())
	require.NoError(t, err)
	require.Len(t, list.Datacenters, 3)
	assert.Equal(t, backend.Datacenter{Code: "FRA", Location: "Frankfurt"}, list.Datacenters[0])
	assert.Equal(t, backend.Datacenter{Code: "HKG", Location: "Hong Kong"}, list.Datacenters[1])
	assert.Equal(t, backend.Datacenter{Code: "SJC", Location: "San Jose"}, list.Datacenters[2])
	assert.Equal(t, "all", list.FilterMode)
}

func TestSetDatacenterFilterModes(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()
	c := newClient(t, srv, 0)

	require.NoError(t, c.SetDatacenterFilter(context.Background(), []string{"HKG"}))
	var body map[string]any
	require.NoError(t, json.Unmarshal(srv.Body("POST /api/datacenters/filter"), &body))
	assert.Equal(t, "selected", body["mode"])

	require.NoError(t, c.SetDatacenterFilter(context.Background(), nil))
	require.NoError(t, json.Unmarshal(srv.Body("POST /api/datacenters/filter"), &body))
	assert.Equal(t, "all", body["mode"])
}

func TestUpdateData(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()
	c := newClient(t, srv, 0)

	res, err := c.UpdateData(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Files)

	res, err = c.UpdateData(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Files)
	assert.Equal(t, "download started", res.Message)
}

func TestRemoteConfigHelpers(t *testing.T) {
	var cfg backend.RemoteConfig
	assert.Equal(t, backend.DefaultExpectedServers, cfg.ExpectedCount())
	assert.Empty(t, cfg.DatacenterSelection())

	cfg.Test.ExpectedServers = 5
	cfg.Test.DatacenterFilter = "hkg, sjc"
	assert.Equal(t, 5, cfg.ExpectedCount())
	assert.Equal(t, []string{"HKG", "SJC"}, cfg.DatacenterSelection())
}

func TestParseStatus(t *testing.T) {
	cases := []struct {
		label string
		want  backend.Status
	}{
		{"已完成", backend.StatusCompleted},
		{"测试中", backend.StatusTesting},
		{"检测数据中心", backend.StatusTesting},
		{"待测试", backend.StatusPending},
		{"低速", backend.StatusLowSpeed},
		{"跳过", backend.StatusErrored},
		{"Completed", backend.StatusCompleted},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, backend.ParseStatus(tc.label), tc.label)
	}
}

func TestHTTPErrorMessageKeepsRunesWhole(t *testing.T) {
	long := strings.Repeat("数据中心", 30)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(long))
	}))
	defer srv.Close()

	c := backend.New(backend.Options{BaseURL: srv.URL, Timeout: 2 * time.Second, RatePerSec: 1000, Burst: 1000, RetryAttempts: -1})
	defer c.Close()

	err := c.Start(context.Background())
	he, ok := backend.AsHTTPError(err)
	require.True(t, ok, "err = %v", err)
	assert.Equal(t, http.StatusBadGateway, he.Status)
	// 3-byte runes never line up with the 200-byte limit.
	assert.True(t, utf8.ValidString(he.Message))
	assert.LessOrEqual(t, len(he.Message), 200)
	assert.NotEmpty(t, he.Message)
	assert.True(t, strings.HasPrefix(long, he.Message))
}
