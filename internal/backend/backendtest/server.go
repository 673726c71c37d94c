// Package backendtest provides an in-memory speed-test backend for tests.
package backendtest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// Result is the backend's wire shape of one tested address.
type Result struct {
	IP         string
	Status     string
	Latency    string
	Speed      string
	DataCenter string
	PeakSpeed  float64
}

// Stats is the backend's wire shape of the coarse counters.
type Stats struct {
	Total        int
	Completed    int
	Qualified    int
	CurrentIP    string
	CurrentSpeed string
}

// Server is a scripted backend. State changes go through the setters so
// they are safe while poll loops are hitting the server.
type Server struct {
	*httptest.Server

	mu           sync.Mutex
	config       map[string]any
	invalid      string
	testing      bool
	results      []Result
	stats        Stats
	smoothed     *float64
	samples      int
	netErrors    int
	timeouts     int
	perf         map[string]any
	missingFiles []string
	datacenters  []any
	failures     map[string]int
	calls        map[string]int
	bodies       map[string][]byte
}

// New starts a fake backend. Stop it with Close.
func New() *Server {
	s := &Server{
		config:   map[string]any{"test": map[string]any{"expected_servers": 3}},
		failures: map[string]int{},
		calls:    map[string]int{},
		bodies:   map[string][]byte{},
		perf:     map[string]any{"min_latency": 999999.0},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// Fail makes "METHOD /path" answer with status until cleared with status 0.
func (s *Server) Fail(key string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.failures, key)
		return
	}
	s.failures[key] = status
}

// Calls returns how often "METHOD /path" was hit.
func (s *Server) Calls(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[key]
}

// Body returns the last request body sent to "METHOD /path".
func (s *Server) Body(key string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bodies[key]
}

func (s *Server) SetExpected(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config["test"] = map[string]any{"expected_servers": n}
}

// SetInvalid makes validation reject every config with msg. Empty accepts.
func (s *Server) SetInvalid(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalid = msg
}

func (s *Server) SetTesting(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.testing = v
}

func (s *Server) Testing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.testing
}

func (s *Server) SetResults(rs ...Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append([]Result(nil), rs...)
}

func (s *Server) SetStats(st Stats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = st
}

func (s *Server) SetSmoothed(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.smoothed = &v
}

func (s *Server) SetSamples(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = n
}

func (s *Server) SetErrors(network, timeout int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.netErrors, s.timeouts = network, timeout
}

func (s *Server) SetPerformance(avg, minL, maxL, peak float64, bytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.perf = map[string]any{
		"average_latency":     avg,
		"min_latency":         minL,
		"max_latency":         maxL,
		"peak_speed":          peak,
		"total_data_transfer": bytes,
	}
}

func (s *Server) SetMissingFiles(files ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missingFiles = files
}

// SetDatacenters sets raw entries: objects or "Location (CODE)" strings.
func (s *Server) SetDatacenters(entries ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.datacenters = entries
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	key := r.Method + " " + r.URL.Path

	s.mu.Lock()
	s.calls[key]++
	var body []byte
	if r.Body != nil {
		body, _ = io.ReadAll(r.Body)
		s.bodies[key] = body
	}
	if code, ok := s.failures[key]; ok {
		s.mu.Unlock()
		writeJSON(w, code, map[string]string{"error": "injected failure"})
		return
	}
	defer s.mu.Unlock()

	switch key {
	case "GET /api/config":
		writeJSON(w, http.StatusOK, s.config)
	case "POST /api/config":
		var cfg map[string]any
		if err := json.Unmarshal(body, &cfg); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON format: " + err.Error()})
			return
		}
		s.config = cfg
		writeJSON(w, http.StatusOK, map[string]string{"message": "config updated in memory"})
	case "POST /api/config/save":
		writeJSON(w, http.StatusOK, map[string]string{"message": "config saved successfully"})
	case "POST /api/config/validate":
		if s.invalid != "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"valid": false, "error": s.invalid})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"valid": true, "message": "Configuration is valid"})
	case "GET /api/datacenters":
		writeJSON(w, http.StatusOK, map[string]any{
			"datacenters": s.datacenters,
			"count":       len(s.datacenters),
			"filter_mode": "all",
			"selected":    []string{},
		})
	case "POST /api/datacenters/filter":
		writeJSON(w, http.StatusOK, map[string]any{"message": "Data center filter updated"})
	case "POST /api/start":
		if s.testing {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "test already running"})
			return
		}
		s.testing = true
		writeJSON(w, http.StatusOK, map[string]string{"message": "test started"})
	case "POST /api/stop":
		s.testing = false
		writeJSON(w, http.StatusOK, map[string]string{"message": "test stopped"})
	case "GET /api/status":
		out := map[string]any{"testing": s.testing, "timestamp": time.Now()}
		if len(s.missingFiles) > 0 {
			out["missing_files"] = s.missingFiles
		}
		writeJSON(w, http.StatusOK, out)
	case "POST /api/update":
		var req struct {
			Force bool `json:"force"`
		}
		_ = json.Unmarshal(body, &req)
		n := len(s.missingFiles)
		if req.Force {
			n = max(n, 3)
		}
		if n == 0 {
			writeJSON(w, http.StatusOK, map[string]any{"message": "all files are up to date", "files": 0})
			return
		}
		s.missingFiles = nil
		writeJSON(w, http.StatusOK, map[string]any{"message": "download started", "files": n})
	case "GET /api/results":
		writeJSON(w, http.StatusOK, s.results)
	case "DELETE /api/results":
		s.results = nil
		s.stats = Stats{}
		writeJSON(w, http.StatusOK, map[string]string{"message": "results cleared"})
	case "GET /api/results/sorted":
		writeJSON(w, http.StatusOK, map[string]any{
			"results":   s.results,
			"sort_by":   r.URL.Query().Get("sort"),
			"ascending": r.URL.Query().Get("order") == "asc",
			"count":     len(s.results),
		})
	case "GET /api/results/qualified":
		var q []Result
		for _, res := range s.results {
			if res.Status == "已完成" {
				q = append(q, res)
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": q, "count": len(q)})
	case "GET /api/stats":
		writeJSON(w, http.StatusOK, s.stats)
	case "GET /api/metrics/speed/smoothed":
		if s.smoothed == nil {
			writeJSON(w, http.StatusOK, map[string]any{"smoothed_speed": 0.0})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"smoothed_speed": *s.smoothed})
	case "GET /api/metrics/speed/samples":
		req, _ := strconv.Atoi(r.URL.Query().Get("count"))
		writeJSON(w, http.StatusOK, map[string]any{"count": min(s.samples, max(req, 0)), "requested_count": req})
	case "GET /api/errors/stats":
		writeJSON(w, http.StatusOK, map[string]any{
			"error_stats": map[string]any{
				"network": map[string]int{"total_count": s.netErrors},
				"timeout": map[string]int{"total_count": s.timeouts},
			},
			"degraded_mode": false,
		})
	case "GET /api/metrics/performance":
		writeJSON(w, http.StatusOK, s.perf)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
