// Package store persists sessions and the events streamed to their clients.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/nstogner/devbox/pkg/domain"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("not found")

// Session status values.
const (
	StatusInitialized = "initialized"
	StatusRunning     = "running"
	StatusFinished    = "finished"
	StatusError       = "error"
	StatusClosed      = "closed"
)

// Session is the persisted record of one client session.
type Session struct {
	ID        string    `json:"id"`
	Agent     string    `json:"agent"`
	Model     string    `json:"model"`
	Image     string    `json:"image"`
	Task      string    `json:"task"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Event is one outbound envelope recorded for a session.
type Event struct {
	SessionID string          `json:"session_id"`
	Seq       int             `json:"seq"`
	Envelope  domain.Envelope `json:"envelope"`
	Timestamp time.Time       `json:"timestamp"`
}

// SessionStore manages session records.
type SessionStore interface {
	// CreateSession persists a new session. The ID field must be set by the caller.
	CreateSession(ctx context.Context, s *Session) error

	// GetSession returns ErrNotFound for unknown ids.
	GetSession(ctx context.Context, id string) (*Session, error)

	// ListSessions returns all sessions, newest first.
	ListSessions(ctx context.Context) ([]Session, error)

	// UpdateSession sets the task (when non-empty) and status of a session.
	UpdateSession(ctx context.Context, id, task, status string) error
}

// EventStore manages the append-only event log of each session.
type EventStore interface {
	// AppendEvent adds an envelope to the end of the session's log and
	// returns it with its sequence number.
	AppendEvent(ctx context.Context, sessionID string, env domain.Envelope) (Event, error)

	// Events returns the session's events with Seq > afterSeq in order.
	Events(ctx context.Context, sessionID string, afterSeq int) ([]Event, error)
}
