// Package provider defines the unified completion capability shared by all LLM
// backends. Each adapter (anthropic.go, openai.go) implements the Provider
// interface, translating the neutral Turn model to and from its vendor API.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ── Turn model ───────────────────────────────────────────────────────────────

type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Turn is one message within a session. Seq is the sole ordering key and is
// gap-free from 0 per session; CreatedAt is informational only. Provider is
// set on agent turns to the adapter that produced them and is fixed at write
// time.
type Turn struct {
	Seq       int       `bson:"seq" json:"seq"`
	Role      Role      `bson:"role" json:"role"`
	Content   string    `bson:"content" json:"content"`
	Provider  string    `bson:"provider,omitempty" json:"provider,omitempty"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
}

// Window returns the most recent n turns in ascending seq order. The system
// prompt is adapter configuration rather than a turn, so it always survives
// truncation.
func Window(turns []Turn, n int) []Turn {
	if n <= 0 || len(turns) <= n {
		return turns
	}
	return turns[len(turns)-n:]
}

// ── Errors ───────────────────────────────────────────────────────────────────

type ErrorCause string

const (
	CauseTimeout         ErrorCause = "timeout"
	CauseRateLimited     ErrorCause = "rate_limited"
	CauseInvalidResponse ErrorCause = "invalid_response"
	CauseAuthFailure     ErrorCause = "auth_failure"
)

// Error is the normalized failure of a Generate call. Timeout and rate_limited
// are retryable by the caller; auth_failure is not.
type Error struct {
	Provider string
	Cause    ErrorCause
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s provider: %s: %v", e.Provider, e.Cause, e.Err)
	}
	return fmt.Sprintf("%s provider: %s", e.Provider, e.Cause)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether err is a provider failure worth retrying.
func Retryable(err error) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Cause == CauseTimeout || pe.Cause == CauseRateLimited
}

// causeFromStatus maps an HTTP status code from a vendor API to an ErrorCause.
func causeFromStatus(status int) ErrorCause {
	switch {
	case status == 401 || status == 403:
		return CauseAuthFailure
	case status == 429:
		return CauseRateLimited
	case status == 408 || status == 504:
		return CauseTimeout
	default:
		return CauseInvalidResponse
	}
}

// causeFromErr classifies transport-level failures that never reached the API.
func causeFromErr(err error) ErrorCause {
	if errors.Is(err, context.DeadlineExceeded) {
		return CauseTimeout
	}
	return CauseInvalidResponse
}

// ── Provider interface ───────────────────────────────────────────────────────

// Provider is the uniform generate-completion capability. Implementors convert
// the ordered prior turns into their API's request format and return a single
// agent Turn with Content populated (Seq is assigned by the caller). No local
// persistence happens here; that is the session manager's responsibility.
type Provider interface {
	// Generate produces the next agent turn from the ordered prior turns.
	// Failures are reported as *provider.Error.
	Generate(ctx context.Context, turns []Turn) (Turn, error)

	// Name returns the provider identifier, e.g. "anthropic", "openai".
	Name() string
}

// SystemPrompt is the support-assistant instruction sent with every request.
const SystemPrompt = `You are a technical support assistant helping users troubleshoot reported issues. Provide accurate, concise, user-friendly guidance, maintain a professional and empathetic tone, and break complex problems into manageable steps. If a problem needs help beyond your capabilities, tell the user how to escalate.`
