// Package baseline measures the local line speed with speedtest.net servers
// and derives a bandwidth threshold for the remote test configuration.
package baseline

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	logx "cfspeed/pkg/logx"

	st "github.com/showwin/speedtest-go/speedtest"
)

// Config controls a baseline run.
type Config struct {
	// Candidate servers to consider (sorted by distance, then pinged).
	ServerCount int
	// Number of lowest-latency servers to run a full test on, sequentially.
	FullTestServers int
	// ThresholdRatio scales the measured download into the suggested
	// bandwidth threshold.
	ThresholdRatio float64

	MaxConnections  int
	PingConcurrency int
	Upload          bool
}

// Measurement is one baseline run.
type Measurement struct {
	Timestamp     time.Time     `json:"timestamp"`
	DownloadMbps  float64       `json:"download_mbps"`
	UploadMbps    float64       `json:"upload_mbps,omitempty"`
	PingMs        float64       `json:"ping_ms"`
	JitterMs      float64       `json:"jitter_ms"`
	ISP           string        `json:"isp"`
	ServerName    string        `json:"server_name"`
	ServerCountry string        `json:"server_country"`
	Duration      time.Duration `json:"duration"`

	// SuggestedThresholdMbps is DownloadMbps * ThresholdRatio.
	SuggestedThresholdMbps float64 `json:"suggested_threshold_mbps"`
}

// Spawner owns the goroutines used for concurrent pings.
type Spawner interface {
	Go0(name string, fn func(ctx context.Context))
}

type Probe struct {
	cfg     Config
	log     logx.Logger
	spawner Spawner
}

type Option func(*Probe)

func WithLogger(log logx.Logger) Option { return func(p *Probe) { p.log = log } }

// WithSpawner runs ping goroutines under s, e.g. a supervisor.
func WithSpawner(s Spawner) Option { return func(p *Probe) { p.spawner = s } }

func New(cfg Config, opts ...Option) *Probe {
	if cfg.ServerCount <= 0 {
		cfg.ServerCount = 5
	}
	if cfg.FullTestServers <= 0 {
		cfg.FullTestServers = 1
	}
	cfg.FullTestServers = min(cfg.FullTestServers, cfg.ServerCount)
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 4
	}
	if cfg.PingConcurrency <= 0 {
		cfg.PingConcurrency = 4
	}
	if cfg.ThresholdRatio <= 0 || cfg.ThresholdRatio > 1 {
		cfg.ThresholdRatio = 0.5
	}
	p := &Probe{cfg: cfg, log: logx.Nop()}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Suggest scales a measured download speed into a bandwidth threshold,
// rounded down to 0.1 Mbps.
func Suggest(downloadMbps, ratio float64) float64 {
	if downloadMbps <= 0 || ratio <= 0 {
		return 0
	}
	return float64(int(downloadMbps*ratio*10)) / 10
}

// Run executes one measurement.
func (p *Probe) Run(ctx context.Context) (Measurement, error) {
	if err := ctx.Err(); err != nil {
		return Measurement{}, err
	}
	ctx, cancel := context.WithCancel(ctx)
	start := time.Now()

	// Dedicated transport so connections are dropped after the run.
	hc, tr := newHTTPClient(p.cfg.MaxConnections)
	stc := st.New(
		st.WithUserConfig(&st.UserConfig{MaxConnections: p.cfg.MaxConnections}),
		st.WithDoer(hc),
	)
	stc.SetNThread(p.cfg.MaxConnections)

	defer func() {
		cancel()
		stc.Snapshots().Clean()
		stc.Reset()
		tr.CloseIdleConnections()
	}()

	user, err := stc.FetchUserInfoContext(ctx)
	if err != nil {
		return Measurement{}, fmt.Errorf("fetch user info: %w", err)
	}
	servers, err := stc.FetchServerListContext(ctx)
	if err != nil {
		return Measurement{}, fmt.Errorf("fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return Measurement{}, errors.New("no servers available")
	}

	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
	candidates := servers[:min(p.cfg.ServerCount, len(servers))]

	pinged := p.ping(ctx, candidates)
	if len(pinged) == 0 {
		return Measurement{}, errors.New("all latency tests failed")
	}
	sort.Slice(pinged, func(i, j int) bool { return pinged[i].Latency < pinged[j].Latency })

	var runs []serverRun
	for _, s := range pinged[:min(p.cfg.FullTestServers, len(pinged))] {
		if err := ctx.Err(); err != nil {
			return Measurement{}, err
		}
		if err := s.DownloadTestContext(ctx); err != nil {
			p.log.Debug("download test failed", logx.String("server", s.Sponsor), logx.Err(err))
			continue
		}
		run := serverRun{server: s, download: s.DLSpeed.Mbps(), ping: s.Latency, jitter: s.Jitter}
		if p.cfg.Upload {
			if err := s.UploadTestContext(ctx); err == nil {
				run.upload = s.ULSpeed.Mbps()
			}
		}
		runs = append(runs, run)

		stc.Snapshots().Clean()
		stc.Reset()
	}
	if len(runs) == 0 {
		return Measurement{}, errors.New("full test failed for all servers")
	}

	avg := average(runs)
	best := fastest(runs)
	m := Measurement{
		Timestamp:     time.Now(),
		DownloadMbps:  avg.download,
		UploadMbps:    avg.upload,
		PingMs:        float64(avg.ping.Microseconds()) / 1000,
		JitterMs:      float64(best.jitter.Microseconds()) / 1000,
		ISP:           user.Isp,
		ServerName:    best.server.Sponsor,
		ServerCountry: best.server.Country,
		Duration:      time.Since(start),
	}
	m.SuggestedThresholdMbps = Suggest(m.DownloadMbps, p.cfg.ThresholdRatio)

	p.log.Info("baseline measured",
		logx.Mbps("download_mbps", m.DownloadMbps),
		logx.Float64("ping_ms", m.PingMs),
		logx.String("server", m.ServerName),
		logx.Duration("took", m.Duration),
	)
	return m, nil
}

func (p *Probe) ping(ctx context.Context, servers []*st.Server) []*st.Server {
	sem := make(chan struct{}, p.cfg.PingConcurrency)
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		out []*st.Server
	)
	for i, s := range servers {
		s := s
		wg.Add(1)
		fn := func(ctx context.Context) {
			defer wg.Done()
			select {
			case <-ctx.Done():
				return
			case sem <- struct{}{}:
			}
			defer func() { <-sem }()

			if err := s.PingTestContext(ctx, nil); err != nil || s.Latency <= 0 {
				return
			}
			mu.Lock()
			out = append(out, s)
			mu.Unlock()
		}
		if p.spawner != nil {
			p.spawner.Go0(fmt.Sprintf("baseline.ping.%d", i), fn)
		} else {
			go fn(ctx)
		}
	}
	wg.Wait()
	return out
}

type serverRun struct {
	server   *st.Server
	download float64
	upload   float64
	ping     time.Duration
	jitter   time.Duration
}

func average(runs []serverRun) serverRun {
	if len(runs) == 0 {
		return serverRun{}
	}
	var out serverRun
	for _, r := range runs {
		out.download += r.download
		out.upload += r.upload
		out.ping += r.ping
	}
	n := len(runs)
	out.download /= float64(n)
	out.upload /= float64(n)
	out.ping /= time.Duration(n)
	return out
}

// fastest prefers lower ping, then higher download.
func fastest(runs []serverRun) serverRun {
	best := runs[0]
	for _, r := range runs[1:] {
		if r.ping < best.ping || (r.ping == best.ping && r.download > best.download) {
			best = r
		}
	}
	return best
}

func newHTTPClient(perHost int) (*http.Client, *http.Transport) {
	d := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           d.DialContext,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   max(perHost, 2),
		IdleConnTimeout:       10 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}
	return &http.Client{Transport: tr}, tr
}
