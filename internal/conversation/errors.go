package conversation

import (
	"errors"
	"fmt"
)

// ── Storage errors ───────────────────────────────────────────────────────────

type StorageErrorKind string

const (
	// StorageConflict: a sequence-number collision with a concurrent writer.
	// The caller retries with refreshed state, never with backoff alone.
	StorageConflict StorageErrorKind = "conflict"

	// StorageUnavailable: the backend could not be reached or failed the
	// operation. Retried with bounded backoff where the ordering discipline
	// allows it.
	StorageUnavailable StorageErrorKind = "unavailable"
)

type StorageError struct {
	Kind StorageErrorKind
	Err  error
}

func (e *StorageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("storage %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("storage %s", e.Kind)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NewConflict wraps err as a sequence-conflict storage error.
func NewConflict(err error) *StorageError {
	return &StorageError{Kind: StorageConflict, Err: err}
}

// NewUnavailable wraps err as a backend-unavailable storage error.
func NewUnavailable(err error) *StorageError {
	return &StorageError{Kind: StorageUnavailable, Err: err}
}

// IsConflict reports whether err is a sequence-conflict storage error.
func IsConflict(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Kind == StorageConflict
}

// ── Session errors ───────────────────────────────────────────────────────────

type SessionErrorKind string

const (
	// SessionClosed: the session is terminal and accepts no further turns.
	SessionClosed SessionErrorKind = "closed"

	// SessionPersistenceFailed: the user turn could not be durably recorded;
	// the provider was never called.
	SessionPersistenceFailed SessionErrorKind = "persistence_failed"

	// SessionProviderFailed: the provider call failed. The user turn remains
	// persisted so a retry resumes from the next sequence number.
	SessionProviderFailed SessionErrorKind = "provider_failed"

	// SessionAckFailed: the provider responded but the agent turn could not be
	// recorded after bounded retries. The generated content is logged so the
	// response is not silently lost.
	SessionAckFailed SessionErrorKind = "ack_failed"
)

type SessionError struct {
	SessionID string
	Kind      SessionErrorKind
	Err       error
}

func (e *SessionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session %s: %s: %v", e.SessionID, e.Kind, e.Err)
	}
	return fmt.Sprintf("session %s: %s", e.SessionID, e.Kind)
}

func (e *SessionError) Unwrap() error { return e.Err }

// IsSessionKind reports whether err is a SessionError of the given kind.
func IsSessionKind(err error, kind SessionErrorKind) bool {
	var se *SessionError
	return errors.As(err, &se) && se.Kind == kind
}
