// Package conversation owns the session lifecycle: it mediates between the
// provider-agnostic completion interface and the two independent stores, and
// keeps them consistent under partial failure.
package conversation

import (
	"context"
	"time"

	"github.com/deskhand-ai/deskhand/internal/provider"
)

type Status string

const (
	StatusActive  Status = "active"
	StatusClosed  Status = "closed"
	StatusErrored Status = "errored"
)

// Session is the relational-store metadata row for one conversation. The
// message content itself lives in the transcript store. Sessions are never
// physically deleted; closing is a terminal status transition.
type Session struct {
	ID           string
	Provider     string
	Status       Status
	CreatedAt    time.Time
	LastActivity time.Time
}

// TranscriptStore is the append-only, document-store-backed log of per-session
// turns. Appends must validate that the turn's sequence number is exactly one
// greater than the last stored turn (0 for an empty session) and reject
// violations with a conflict StorageError; that check is the arbiter between
// concurrent writers.
type TranscriptStore interface {
	Append(ctx context.Context, sessionID string, turn provider.Turn) error

	// Recent returns the most recent limit turns in ascending seq order.
	// An unknown session yields an empty slice, not an error.
	Recent(ctx context.Context, sessionID string, limit int) ([]provider.Turn, error)
}

// SessionIndex is the relational-store-backed table of session metadata. It has
// no awareness of the transcript store.
type SessionIndex interface {
	// GetOrCreate returns the existing session, or creates an active one
	// recording providerName. The second return is true when the row was
	// created by this call.
	GetOrCreate(ctx context.Context, sessionID, providerName string) (Session, bool, error)

	UpdateStatus(ctx context.Context, sessionID string, status Status, at time.Time) error

	// List returns all sessions, most recently active first.
	List(ctx context.Context) ([]Session, error)
}
