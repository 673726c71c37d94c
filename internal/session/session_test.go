package session

import (
	"errors"
	"testing"
	"time"

	"cfspeed/internal/backend"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cfgExpecting(n int) backend.RemoteConfig {
	var c backend.RemoteConfig
	c.Test.ExpectedServers = n
	return c
}

func TestLifecycleHappyPath(t *testing.T) {
	s := New()
	now := time.Unix(1_700_000_000, 0)

	require.NoError(t, s.Begin(cfgExpecting(2)))
	assert.Equal(t, Starting, s.State)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, 2, s.Expected)

	require.NoError(t, s.Run(now))
	assert.Equal(t, now, s.StartedAt)
	assert.Equal(t, now, s.LastProgressAt)

	require.NoError(t, s.Finish(Completed, ReasonCompleted, now.Add(time.Minute)))
	assert.Equal(t, Completed, s.State)
	assert.True(t, s.LastProgressAt.IsZero())
	assert.Equal(t, time.Minute, s.Elapsed(now.Add(time.Hour)))

	s.Reset()
	assert.Equal(t, Idle, s.State)
}

func TestBeginWhileActive(t *testing.T) {
	s := New()
	require.NoError(t, s.Begin(backend.RemoteConfig{}))
	assert.ErrorIs(t, s.Begin(backend.RemoteConfig{}), ErrAlreadyRunning)

	require.NoError(t, s.Run(time.Now()))
	assert.ErrorIs(t, s.Begin(backend.RemoteConfig{}), ErrAlreadyRunning)
	assert.Equal(t, backend.DefaultExpectedServers, s.Expected)
}

func TestBeginAfterTerminalStartsFresh(t *testing.T) {
	s := New()
	require.NoError(t, s.Begin(backend.RemoteConfig{}))
	require.NoError(t, s.Run(time.Now()))
	first := s.ID
	require.NoError(t, s.Finish(Stopped, ReasonOperator, time.Now()))

	require.NoError(t, s.Begin(backend.RemoteConfig{}))
	assert.NotEqual(t, first, s.ID)
	assert.Empty(t, s.Reason)
}

func TestInvalidTransitions(t *testing.T) {
	s := New()
	assert.ErrorIs(t, s.Run(time.Now()), ErrInvalidTransition)
	assert.ErrorIs(t, s.Finish(Completed, ReasonCompleted, time.Now()), ErrInvalidTransition)

	require.NoError(t, s.Begin(backend.RemoteConfig{}))
	assert.ErrorIs(t, s.Finish(Completed, ReasonCompleted, time.Now()), ErrInvalidTransition)
	assert.ErrorIs(t, s.Finish(Running, "", time.Now()), ErrInvalidTransition)

	require.NoError(t, s.Abort())
	assert.Equal(t, Idle, s.State)
}

func TestTransitionTable(t *testing.T) {
	assert.True(t, CanTransition(Starting, Stopped))
	assert.True(t, CanTransition(Running, Errored))
	assert.False(t, CanTransition(Completed, Running))
	assert.False(t, CanTransition(Stopped, Stopped))
	assert.False(t, CanTransition(Idle, Running))
}

func TestProgressOnlyAdvancesOnQualifiedIncrease(t *testing.T) {
	s := New()
	t0 := time.Unix(1_700_000_000, 0)
	require.NoError(t, s.Begin(cfgExpecting(3)))
	require.NoError(t, s.Run(t0))

	assert.False(t, s.ObserveQualified(0, 10, t0.Add(time.Second)))
	assert.Equal(t, t0, s.LastProgressAt)

	assert.True(t, s.ObserveQualified(1, 20, t0.Add(2*time.Second)))
	assert.Equal(t, t0.Add(2*time.Second), s.LastProgressAt)

	assert.False(t, s.ObserveQualified(1, 30, t0.Add(3*time.Second)))
	assert.Equal(t, t0.Add(2*time.Second), s.LastProgressAt)
	assert.Equal(t, 30, s.LastTotal)
}

func TestStalled(t *testing.T) {
	s := New()
	t0 := time.Unix(1_700_000_000, 0)
	require.NoError(t, s.Begin(backend.RemoteConfig{}))
	assert.False(t, s.Stalled(t0.Add(time.Hour), 5*time.Minute), "not running yet")

	require.NoError(t, s.Run(t0))
	assert.False(t, s.Stalled(t0.Add(5*time.Minute), 5*time.Minute))
	assert.True(t, s.Stalled(t0.Add(5*time.Minute+time.Millisecond), 5*time.Minute))
}

func TestComplete(t *testing.T) {
	s := New()
	require.NoError(t, s.Begin(cfgExpecting(3)))
	assert.False(t, s.Complete(3, 0), "needs total > 0")
	assert.False(t, s.Complete(2, 10))
	assert.True(t, s.Complete(3, 10))
	assert.True(t, s.Complete(4, 10))
}

func TestFinishRejectsNonTerminal(t *testing.T) {
	s := New()
	err := s.Finish(Idle, "", time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestConfigureOnlyWhileStarting(t *testing.T) {
	s := New()
	require.NoError(t, s.Begin(backend.RemoteConfig{}))
	assert.Equal(t, backend.DefaultExpectedServers, s.Expected)

	var cfg backend.RemoteConfig
	cfg.Test.ExpectedServers = 7
	s.Configure(cfg)
	assert.Equal(t, 7, s.Expected)

	require.NoError(t, s.Run(time.Now()))
	cfg.Test.ExpectedServers = 9
	s.Configure(cfg)
	assert.Equal(t, 7, s.Expected)
}
