// Package render is the boundary between the controller and whatever shows
// a test to an operator. The controller pushes; it never reads UI state.
package render

import (
	"time"

	"cfspeed/internal/backend"
	"cfspeed/internal/stats"
	"cfspeed/internal/telemetry"
)

type Level int

const (
	LevelInfo Level = iota
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

// Notice is an operator-facing message (start failure, stall, timeout, ...).
type Notice struct {
	Level   Level     `json:"level"`
	Message string    `json:"message"`
	Session string    `json:"session,omitempty"`
	At      time.Time `json:"at"`
}

// Sink receives everything the controller wants shown. Implementations must
// not block for long: they are called from the poll loops.
type Sink interface {
	Results(rs []backend.ResultRecord)
	Display(d stats.Display)
	Chart(points []telemetry.ChartPoint)
	Notice(n Notice)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Results([]backend.ResultRecord) {}
func (Nop) Display(stats.Display)          {}
func (Nop) Chart([]telemetry.ChartPoint)   {}
func (Nop) Notice(Notice)                  {}

type multi []Sink

// Multi fans every call out to each sink in order. Nil sinks are skipped.
func Multi(sinks ...Sink) Sink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multi) Results(rs []backend.ResultRecord) {
	for _, s := range m {
		s.Results(rs)
	}
}

func (m multi) Display(d stats.Display) {
	for _, s := range m {
		s.Display(d)
	}
}

func (m multi) Chart(points []telemetry.ChartPoint) {
	for _, s := range m {
		s.Chart(points)
	}
}

func (m multi) Notice(n Notice) {
	for _, s := range m {
		s.Notice(n)
	}
}
