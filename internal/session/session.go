// Package session holds the test session state machine.
//
// Transitions:
//
//	Idle      -> Starting
//	Starting  -> Running | Idle (start failed) | Stopped (stopped while starting)
//	Running   -> Completed | Stopped | Errored
//	Completed -> Idle
//	Stopped   -> Idle
//	Errored   -> Idle
//
// A Session is not safe for concurrent use; the controller guards it.
package session

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"cfspeed/internal/backend"

	"github.com/google/uuid"
)

var (
	ErrAlreadyRunning    = errors.New("test already running")
	ErrInvalidTransition = errors.New("invalid session transition")
)

type State int

const (
	Idle State = iota
	Starting
	Running
	Completed
	Stopped
	Errored
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Stopped:
		return "stopped"
	case Errored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Active is true while a test is being started or run.
func (s State) Active() bool { return s == Starting || s == Running }

// Terminal is true for the end states that only Reset leaves.
func (s State) Terminal() bool { return s == Completed || s == Stopped || s == Errored }

var transitions = map[State][]State{
	Idle:      {Starting},
	Starting:  {Running, Idle, Stopped},
	Running:   {Completed, Stopped, Errored},
	Completed: {Idle},
	Stopped:   {Idle},
	Errored:   {Idle},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// Reasons recorded on terminal transitions.
const (
	ReasonCompleted      = "completed"
	ReasonOperator       = "operator stop"
	ReasonTimeout        = "timeout"
	ReasonBackendStopped = "backend stopped"
	ReasonStartFailed    = "start failed"
)

// Session is one test run from Starting to a terminal state.
type Session struct {
	ID    string
	State State

	StartedAt      time.Time
	LastProgressAt time.Time
	EndedAt        time.Time
	Reason         string

	Expected      int
	LastQualified int
	LastTotal     int

	Config backend.RemoteConfig
}

// New returns an Idle session.
func New() *Session { return &Session{} }

// Begin moves Idle (or a finished session) to Starting with a fresh ID.
func (s *Session) Begin(cfg backend.RemoteConfig) error {
	if s.State.Active() {
		return ErrAlreadyRunning
	}
	if s.State.Terminal() {
		s.Reset()
	}
	if err := s.check(Starting); err != nil {
		return err
	}
	*s = Session{
		ID:       uuid.NewString(),
		State:    Starting,
		Expected: cfg.ExpectedCount(),
		Config:   cfg,
	}
	return nil
}

// Configure replaces the run configuration while Starting, once the
// backend's effective config is known.
func (s *Session) Configure(cfg backend.RemoteConfig) {
	if s.State != Starting {
		return
	}
	s.Config = cfg
	s.Expected = cfg.ExpectedCount()
}

// Run marks the backend as accepted: Starting -> Running.
func (s *Session) Run(now time.Time) error {
	if err := s.check(Running); err != nil {
		return err
	}
	s.State = Running
	s.StartedAt = now
	s.LastProgressAt = now
	return nil
}

// Abort returns a session whose start failed to Idle.
func (s *Session) Abort() error {
	if err := s.check(Idle); err != nil {
		return err
	}
	s.Reset()
	return nil
}

// Finish moves to a terminal state and records why.
func (s *Session) Finish(to State, reason string, now time.Time) error {
	if !to.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, to)
	}
	if err := s.check(to); err != nil {
		return err
	}
	s.State = to
	s.Reason = reason
	s.EndedAt = now
	s.LastProgressAt = time.Time{}
	return nil
}

// Reset returns to Idle and clears all per-run fields.
func (s *Session) Reset() {
	*s = Session{}
}

// ObserveQualified records the latest qualified count. LastProgressAt only
// advances when the count grows. Returns true when it did.
func (s *Session) ObserveQualified(qualified, total int, now time.Time) bool {
	s.LastTotal = total
	if s.State != Running || qualified <= s.LastQualified {
		return false
	}
	s.LastQualified = qualified
	s.LastProgressAt = now
	return true
}

// Complete reports whether the run reached its target.
func (s *Session) Complete(qualified, total int) bool {
	return total > 0 && qualified >= s.Expected
}

// Stalled reports whether no progress was seen for longer than after.
func (s *Session) Stalled(now time.Time, after time.Duration) bool {
	if s.State != Running || s.LastProgressAt.IsZero() || after <= 0 {
		return false
	}
	return now.Sub(s.LastProgressAt) > after
}

// Elapsed is the time since StartedAt, frozen at EndedAt once finished.
func (s *Session) Elapsed(now time.Time) time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	if !s.EndedAt.IsZero() {
		return s.EndedAt.Sub(s.StartedAt)
	}
	return now.Sub(s.StartedAt)
}

func (s *Session) check(to State) error {
	if !CanTransition(s.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.State, to)
	}
	return nil
}
