package conversation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/deskhand-ai/deskhand/internal/provider"
)

const (
	defaultContextWindow = 40

	// ackAttempts bounds the retries for recording an already-generated agent
	// turn (the one true inconsistency window between the two stores).
	ackAttempts = 3
)

// Options configures a Manager. DefaultProvider is recorded on sessions created
// by GetOrCreate and pins their adapter for the session's lifetime.
type Options struct {
	DefaultProvider string
	ContextWindow   int
	Logger          zerolog.Logger
}

// Manager orchestrates one user turn end to end: load metadata, append the
// user turn, call the pinned provider, record the response, update status.
// The two stores share no transaction; the manager's ordering discipline
// (persist-before-call, append-then-index-update) keeps them eventually
// consistent.
type Manager struct {
	index           SessionIndex
	transcripts     TranscriptStore
	registry        *provider.Registry
	defaultProvider string
	contextWindow   int
	log             zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewManager(index SessionIndex, transcripts TranscriptStore, registry *provider.Registry, opts Options) *Manager {
	cw := opts.ContextWindow
	if cw <= 0 {
		cw = defaultContextWindow
	}
	return &Manager{
		index:           index,
		transcripts:     transcripts,
		registry:        registry,
		defaultProvider: opts.DefaultProvider,
		contextWindow:   cw,
		log:             opts.Logger,
		locks:           make(map[string]*sync.Mutex),
	}
}

// sessionLock returns the mutex serializing turns for one session. Turns on
// different sessions proceed in parallel; in a distributed deployment the
// transcript store's sequence-conflict check is the arbiter instead.
func (m *Manager) sessionLock(sessionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[sessionID] = lock
	}
	return lock
}

// HandleTurn processes one user turn. The user turn is persisted before the
// provider is ever called; a provider failure leaves it in place (marking the
// session errored) so a retry resumes from the next sequence number. No
// provider retries happen here: re-sending duplicates cost on a paid API, so
// that is the caller's decision.
func (m *Manager) HandleTurn(ctx context.Context, sessionID, text string) (provider.Turn, error) {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()

	sess, created, err := m.index.GetOrCreate(ctx, sessionID, m.defaultProvider)
	if err != nil {
		return provider.Turn{}, &SessionError{SessionID: sessionID, Kind: SessionPersistenceFailed, Err: err}
	}
	if sess.Status == StatusClosed {
		return provider.Turn{}, &SessionError{SessionID: sessionID, Kind: SessionClosed}
	}

	tail, err := m.transcripts.Recent(ctx, sessionID, 1)
	if err != nil {
		return provider.Turn{}, &SessionError{SessionID: sessionID, Kind: SessionPersistenceFailed, Err: err}
	}
	next := 0
	if len(tail) > 0 {
		next = tail[len(tail)-1].Seq + 1
	}
	if created && next > 0 {
		// The index lost track of a session the transcript still knows.
		// GetOrCreate has recreated the row; the sequence continues from the
		// transcript tail so the log stays gap-free.
		m.log.Warn().Str("session_id", sessionID).Int("next_seq", next).
			Msg("index row recreated for session with existing transcript")
	}

	userTurn := provider.Turn{
		Seq:       next,
		Role:      provider.RoleUser,
		Content:   text,
		CreatedAt: now,
	}
	if err := m.transcripts.Append(ctx, sessionID, userTurn); err != nil {
		// Never call the provider for a turn that could not be durably
		// recorded; the response would reference nothing.
		return provider.Turn{}, &SessionError{SessionID: sessionID, Kind: SessionPersistenceFailed, Err: err}
	}

	window, err := m.transcripts.Recent(ctx, sessionID, m.contextWindow)
	if err != nil {
		return provider.Turn{}, &SessionError{SessionID: sessionID, Kind: SessionPersistenceFailed, Err: err}
	}

	adapter, err := m.registry.Resolve(sess.Provider)
	if err != nil {
		return provider.Turn{}, fmt.Errorf("session %s: resolve provider: %w", sessionID, err)
	}

	m.log.Debug().Str("session_id", sessionID).Str("provider", sess.Provider).
		Int("seq", userTurn.Seq).Int("context_turns", len(window)).Msg("calling provider")

	resp, err := adapter.Generate(ctx, window)
	if err != nil {
		m.log.Warn().Str("session_id", sessionID).Str("provider", sess.Provider).Err(err).
			Msg("provider call failed")
		if uerr := m.index.UpdateStatus(ctx, sessionID, StatusErrored, time.Now().UTC()); uerr != nil {
			m.log.Error().Str("session_id", sessionID).Err(uerr).
				Msg("could not mark session errored")
		}
		return provider.Turn{}, &SessionError{SessionID: sessionID, Kind: SessionProviderFailed, Err: err}
	}

	resp.Seq = userTurn.Seq + 1
	if resp.Provider == "" {
		resp.Provider = adapter.Name()
	}
	if resp.CreatedAt.IsZero() {
		resp.CreatedAt = time.Now().UTC()
	}

	if err := m.ack(ctx, sessionID, resp); err != nil {
		// The provider produced a response that is not durably recorded. Log
		// the content so it is not silently lost.
		m.log.Error().Str("session_id", sessionID).Int("seq", resp.Seq).
			Str("content", resp.Content).Err(err).
			Msg("generated response could not be recorded")
		return provider.Turn{}, &SessionError{SessionID: sessionID, Kind: SessionAckFailed, Err: err}
	}

	return resp, nil
}

// ack records the agent turn and restores the session to active, retrying each
// write a bounded number of times with exponential backoff. Sequence conflicts
// are not retried: a concurrent writer took the slot and blind retries cannot
// win it back.
func (m *Manager) ack(ctx context.Context, sessionID string, turn provider.Turn) error {
	appendTurn := func() error {
		err := m.transcripts.Append(ctx, sessionID, turn)
		if err != nil && IsConflict(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(appendTurn, m.ackBackoff(ctx)); err != nil {
		return err
	}

	updateStatus := func() error {
		return m.index.UpdateStatus(ctx, sessionID, StatusActive, time.Now().UTC())
	}
	return backoff.Retry(updateStatus, m.ackBackoff(ctx))
}

func (m *Manager) ackBackoff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(bo, ackAttempts-1), ctx)
}

// Close transitions the session to closed. Closed is terminal; closing an
// already closed session is a no-op.
func (m *Manager) Close(ctx context.Context, sessionID string) error {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, _, err := m.index.GetOrCreate(ctx, sessionID, m.defaultProvider)
	if err != nil {
		return fmt.Errorf("close session %s: %w", sessionID, err)
	}
	if sess.Status == StatusClosed {
		return nil
	}
	if err := m.index.UpdateStatus(ctx, sessionID, StatusClosed, time.Now().UTC()); err != nil {
		return fmt.Errorf("close session %s: %w", sessionID, err)
	}
	m.log.Info().Str("session_id", sessionID).Msg("session closed")
	return nil
}
