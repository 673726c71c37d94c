package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// SessionRecord is one finished test session.
// Keep it compact and schema-stable.
type SessionRecord struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Expected  int       `json:"expected"`
	Qualified int       `json:"qualified"`
	Total     int       `json:"total"`
	BaseURL   string    `json:"base_url,omitempty"`
}

// Duration is how long the session ran.
func (r SessionRecord) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.EndedAt.Before(r.StartedAt) {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Store is the persistence API used by the controller and the history command.
type Store interface {
	AppendSession(ctx context.Context, r SessionRecord) error
	// RecentSessions returns up to limit records, newest first. limit <= 0 means all.
	RecentSessions(ctx context.Context, limit int) ([]SessionRecord, error)
	Close() error
}
