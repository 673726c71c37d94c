package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// AlertFunc receives condensed alert lines. It runs on the alert worker,
// never on the logging call site.
type AlertFunc func(level Level, line string)

const (
	alertQueueSize = 128
	alertMaxLen    = 500
	alertMaxValue  = 120
)

type alertItem struct {
	level Level
	line  string
}

// alerter is the zerolog sink behind AlertConfig. Lines below the minimum
// level or over the rate are dropped; so are lines that find the queue full.
type alerter struct {
	queue chan alertItem

	mu       sync.Mutex
	fn       AlertFunc
	limiter  *rate.Limiter
	minLevel Level
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func newAlerter() *alerter {
	return &alerter{
		queue:    make(chan alertItem, alertQueueSize),
		limiter:  rate.NewLimiter(1, 1),
		minLevel: zerolog.WarnLevel,
	}
}

func (a *alerter) setHandler(fn AlertFunc) {
	a.mu.Lock()
	a.fn = fn
	a.mu.Unlock()
}

func (a *alerter) configure(cfg AlertConfig) {
	rps := max(1, cfg.RatePerSec)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	a.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if cfg.Enabled && a.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		a.cancel = cancel
		a.wg.Add(1)
		go a.run(ctx)
	}
}

func (a *alerter) stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
		a.wg.Wait()
	}
}

func (a *alerter) run(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-a.queue:
			a.mu.Lock()
			fn := a.fn
			a.mu.Unlock()
			if fn != nil {
				fn(it.level, it.line)
			}
		}
	}
}

func (a *alerter) Write(p []byte) (int, error) { return a.WriteLevel(zerolog.InfoLevel, p) }

func (a *alerter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	a.mu.Lock()
	keep := level >= a.minLevel && a.limiter.Allow()
	a.mu.Unlock()
	if !keep {
		return len(p), nil
	}
	if line := condense(p); line != "" {
		select {
		case a.queue <- alertItem{level: level, line: line}:
		default:
		}
	}
	return len(p), nil
}

// condense turns a JSON log line into "[LEVEL] msg session=... k=v".
// The session comes first, remaining keys are sorted.
func condense(p []byte) string {
	raw := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return clip(raw, alertMaxLen)
	}

	var b strings.Builder
	if lvl, _ := m[zerolog.LevelFieldName].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	if id, ok := m["session"]; ok {
		fmt.Fprintf(&b, " session=%v", id)
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName, zerolog.CallerFieldName, "session":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, clip(fmt.Sprint(m[k]), alertMaxValue))
	}
	return clip(b.String(), alertMaxLen)
}

// clip cuts s to at most n bytes without splitting a rune.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
