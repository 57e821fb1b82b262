package conversation_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/deskhand-ai/deskhand/internal/conversation"
	"github.com/deskhand-ai/deskhand/internal/index"
	"github.com/deskhand-ai/deskhand/internal/provider"
	"github.com/deskhand-ai/deskhand/internal/transcript"
)

// stubProvider returns canned responses and counts calls.
type stubProvider struct {
	name  string
	calls atomic.Int32
	reply func(turns []provider.Turn) (provider.Turn, error)
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Generate(ctx context.Context, turns []provider.Turn) (provider.Turn, error) {
	s.calls.Add(1)
	if s.reply != nil {
		return s.reply(turns)
	}
	return provider.Turn{Role: provider.RoleAgent, Content: "hi", Provider: s.name, CreatedAt: time.Now().UTC()}, nil
}

// flakyTranscript wraps a real store and injects append failures.
type flakyTranscript struct {
	conversation.TranscriptStore
	failAppend func(turn provider.Turn) error
}

func (f *flakyTranscript) Append(ctx context.Context, sessionID string, turn provider.Turn) error {
	if f.failAppend != nil {
		if err := f.failAppend(turn); err != nil {
			return err
		}
	}
	return f.TranscriptStore.Append(ctx, sessionID, turn)
}

func newManager(t *testing.T, p provider.Provider) (*conversation.Manager, *transcript.MemoryStore, *index.MemoryIndex) {
	t.Helper()
	ts := transcript.NewMemoryStore()
	idx := index.NewMemoryIndex()
	m := conversation.NewManager(idx, ts, provider.NewRegistry(p), conversation.Options{
		DefaultProvider: p.Name(),
		ContextWindow:   10,
		Logger:          zerolog.Nop(),
	})
	return m, ts, idx
}

func sessionStatus(t *testing.T, idx conversation.SessionIndex, id string) conversation.Status {
	t.Helper()
	sess, created, err := idx.GetOrCreate(context.Background(), id, "lookup")
	require.NoError(t, err)
	require.False(t, created, "session %s should already exist", id)
	return sess.Status
}

func TestHandleTurn_FirstExchange(t *testing.T) {
	ctx := context.Background()
	stub := &stubProvider{name: "stub"}
	m, ts, idx := newManager(t, stub)

	resp, err := m.HandleTurn(ctx, "s1", "hello")
	require.NoError(t, err)
	require.Equal(t, 1, resp.Seq)
	require.Equal(t, provider.RoleAgent, resp.Role)
	require.Equal(t, "hi", resp.Content)
	require.Equal(t, "stub", resp.Provider)

	turns, err := ts.Recent(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	require.Equal(t, provider.Turn{Seq: 0, Role: provider.RoleUser, Content: "hello", CreatedAt: turns[0].CreatedAt}, turns[0])
	require.Equal(t, 1, turns[1].Seq)
	require.Equal(t, provider.RoleAgent, turns[1].Role)
	require.Equal(t, "hi", turns[1].Content)

	require.Equal(t, conversation.StatusActive, sessionStatus(t, idx, "s1"))
}

func TestHandleTurn_SequencesGapFree(t *testing.T) {
	ctx := context.Background()
	stub := &stubProvider{name: "stub"}
	m, ts, _ := newManager(t, stub)

	for i := 0; i < 5; i++ {
		_, err := m.HandleTurn(ctx, "s1", fmt.Sprintf("question %d", i))
		require.NoError(t, err)
	}

	turns, err := ts.Recent(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, turns, 10)
	for i, turn := range turns {
		require.Equal(t, i, turn.Seq, "turn %d has wrong seq", i)
	}
}

func TestHandleTurn_ClosedSessionRejected(t *testing.T) {
	ctx := context.Background()
	stub := &stubProvider{name: "stub"}
	m, ts, _ := newManager(t, stub)

	_, err := m.HandleTurn(ctx, "s1", "hello")
	require.NoError(t, err)
	require.NoError(t, m.Close(ctx, "s1"))

	callsBefore := stub.calls.Load()
	_, err = m.HandleTurn(ctx, "s1", "anyone there?")
	require.True(t, conversation.IsSessionKind(err, conversation.SessionClosed))

	// No store writes and no provider call happened.
	require.Equal(t, callsBefore, stub.calls.Load())
	turns, err := ts.Recent(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, turns, 2)
}

func TestClose_TerminalAndIdempotent(t *testing.T) {
	ctx := context.Background()
	stub := &stubProvider{name: "stub"}
	m, _, idx := newManager(t, stub)

	_, err := m.HandleTurn(ctx, "s1", "hello")
	require.NoError(t, err)

	require.NoError(t, m.Close(ctx, "s1"))
	require.NoError(t, m.Close(ctx, "s1"))
	require.Equal(t, conversation.StatusClosed, sessionStatus(t, idx, "s1"))
}

func TestHandleTurn_UserAppendFailure_NoProviderCall(t *testing.T) {
	ctx := context.Background()
	stub := &stubProvider{name: "stub"}
	ts := &flakyTranscript{
		TranscriptStore: transcript.NewMemoryStore(),
		failAppend: func(turn provider.Turn) error {
			return conversation.NewUnavailable(errors.New("document store down"))
		},
	}
	idx := index.NewMemoryIndex()
	m := conversation.NewManager(idx, ts, provider.NewRegistry(stub), conversation.Options{
		DefaultProvider: "stub",
		Logger:          zerolog.Nop(),
	})

	_, err := m.HandleTurn(ctx, "s1", "hello")
	require.True(t, conversation.IsSessionKind(err, conversation.SessionPersistenceFailed))
	require.Equal(t, int32(0), stub.calls.Load())
}

func TestHandleTurn_ProviderFailureThenRecovery(t *testing.T) {
	ctx := context.Background()
	fail := true
	stub := &stubProvider{name: "stub"}
	stub.reply = func(turns []provider.Turn) (provider.Turn, error) {
		if fail {
			return provider.Turn{}, &provider.Error{Provider: "stub", Cause: provider.CauseTimeout}
		}
		return provider.Turn{Role: provider.RoleAgent, Content: "recovered", Provider: "stub"}, nil
	}
	m, ts, idx := newManager(t, stub)

	_, err := m.HandleTurn(ctx, "s1", "next question")
	require.True(t, conversation.IsSessionKind(err, conversation.SessionProviderFailed))

	var pe *provider.Error
	require.True(t, errors.As(err, &pe))
	require.Equal(t, provider.CauseTimeout, pe.Cause)

	// The user turn is not rolled back; the session is marked errored.
	turns, terr := ts.Recent(ctx, "s1", 0)
	require.NoError(t, terr)
	require.Len(t, turns, 1)
	require.Equal(t, provider.RoleUser, turns[0].Role)
	require.Equal(t, "next question", turns[0].Content)
	require.Equal(t, conversation.StatusErrored, sessionStatus(t, idx, "s1"))

	// A later successful turn resumes from the next sequence number and
	// transitions the session back to active.
	fail = false
	resp, err := m.HandleTurn(ctx, "s1", "retrying")
	require.NoError(t, err)
	require.Equal(t, 2, resp.Seq)
	require.Equal(t, conversation.StatusActive, sessionStatus(t, idx, "s1"))

	turns, terr = ts.Recent(ctx, "s1", 0)
	require.NoError(t, terr)
	require.Len(t, turns, 3)
	for i, turn := range turns {
		require.Equal(t, i, turn.Seq)
	}
}

func TestHandleTurn_AckFailureLogsContent(t *testing.T) {
	ctx := context.Background()
	stub := &stubProvider{name: "stub"}
	stub.reply = func(turns []provider.Turn) (provider.Turn, error) {
		return provider.Turn{Role: provider.RoleAgent, Content: "precious answer", Provider: "stub"}, nil
	}
	ts := &flakyTranscript{
		TranscriptStore: transcript.NewMemoryStore(),
		failAppend: func(turn provider.Turn) error {
			if turn.Role == provider.RoleAgent {
				return conversation.NewUnavailable(errors.New("document store down"))
			}
			return nil
		},
	}
	idx := index.NewMemoryIndex()
	var logBuf bytes.Buffer
	m := conversation.NewManager(idx, ts, provider.NewRegistry(stub), conversation.Options{
		DefaultProvider: "stub",
		Logger:          zerolog.New(&logBuf),
	})

	_, err := m.HandleTurn(ctx, "s1", "hello")
	require.True(t, conversation.IsSessionKind(err, conversation.SessionAckFailed))

	// The generated content must not be silently lost.
	require.Contains(t, logBuf.String(), "precious answer")

	// The user turn survived; only the agent turn is missing.
	turns, terr := ts.Recent(ctx, "s1", 0)
	require.NoError(t, terr)
	require.Len(t, turns, 1)
	require.Equal(t, provider.RoleUser, turns[0].Role)
}

func TestHandleTurn_AckRetriesTransientFailure(t *testing.T) {
	ctx := context.Background()
	stub := &stubProvider{name: "stub"}
	var agentAppends atomic.Int32
	ts := &flakyTranscript{
		TranscriptStore: transcript.NewMemoryStore(),
		failAppend: func(turn provider.Turn) error {
			if turn.Role == provider.RoleAgent && agentAppends.Add(1) == 1 {
				return conversation.NewUnavailable(errors.New("blip"))
			}
			return nil
		},
	}
	idx := index.NewMemoryIndex()
	m := conversation.NewManager(idx, ts, provider.NewRegistry(stub), conversation.Options{
		DefaultProvider: "stub",
		Logger:          zerolog.Nop(),
	})

	resp, err := m.HandleTurn(ctx, "s1", "hello")
	require.NoError(t, err)
	require.Equal(t, "hi", resp.Content)
	require.Equal(t, int32(2), agentAppends.Load())
	require.Equal(t, conversation.StatusActive, sessionStatus(t, idx, "s1"))
}

func TestHandleTurn_ConcurrentSameSession(t *testing.T) {
	ctx := context.Background()
	stub := &stubProvider{name: "stub"}
	m, ts, _ := newManager(t, stub)

	const callers = 6
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.HandleTurn(ctx, "s1", fmt.Sprintf("msg %d", i))
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	// Serialized per session: every turn landed, sequences gap-free, no
	// duplicate slots.
	turns, err := ts.Recent(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, turns, callers*2)
	for i, turn := range turns {
		require.Equal(t, i, turn.Seq)
	}
}

func TestHandleTurn_IndependentSessionsProceed(t *testing.T) {
	ctx := context.Background()
	stub := &stubProvider{name: "stub"}
	m, ts, _ := newManager(t, stub)

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := m.HandleTurn(ctx, id, "hello "+id)
			require.NoError(t, err)
		}(id)
	}
	wg.Wait()

	for _, id := range []string{"a", "b", "c"} {
		turns, err := ts.Recent(ctx, id, 0)
		require.NoError(t, err)
		require.Len(t, turns, 2)
	}
}

func TestHandleTurn_UnknownProvider(t *testing.T) {
	ctx := context.Background()
	ts := transcript.NewMemoryStore()
	idx := index.NewMemoryIndex()
	m := conversation.NewManager(idx, ts, provider.NewRegistry(), conversation.Options{
		DefaultProvider: "mistral",
		Logger:          zerolog.Nop(),
	})

	_, err := m.HandleTurn(ctx, "s1", "hello")
	var unknown *provider.UnknownProviderError
	require.True(t, errors.As(err, &unknown))
	require.Equal(t, "mistral", unknown.Name)
}

func TestHandleTurn_ProviderPinnedPerSession(t *testing.T) {
	ctx := context.Background()
	a := &stubProvider{name: "a"}
	b := &stubProvider{name: "b"}
	ts := transcript.NewMemoryStore()
	idx := index.NewMemoryIndex()
	reg := provider.NewRegistry(a, b)

	first := conversation.NewManager(idx, ts, reg, conversation.Options{DefaultProvider: "a", Logger: zerolog.Nop()})
	_, err := first.HandleTurn(ctx, "s1", "hello")
	require.NoError(t, err)

	// A later process run selecting provider b must keep resolving a for the
	// existing session.
	second := conversation.NewManager(idx, ts, reg, conversation.Options{DefaultProvider: "b", Logger: zerolog.Nop()})
	resp, err := second.HandleTurn(ctx, "s1", "still there?")
	require.NoError(t, err)
	require.Equal(t, "a", resp.Provider)
	require.Equal(t, int32(2), a.calls.Load())
	require.Equal(t, int32(0), b.calls.Load())
}

func TestHandleTurn_RecreatedIndexRowContinuesSequence(t *testing.T) {
	ctx := context.Background()
	stub := &stubProvider{name: "stub"}
	ts := transcript.NewMemoryStore()

	// Transcript rows exist for a session the index has lost.
	require.NoError(t, ts.Append(ctx, "s1", provider.Turn{Seq: 0, Role: provider.RoleUser, Content: "old"}))
	require.NoError(t, ts.Append(ctx, "s1", provider.Turn{Seq: 1, Role: provider.RoleAgent, Content: "reply", Provider: "stub"}))

	idx := index.NewMemoryIndex()
	m := conversation.NewManager(idx, ts, provider.NewRegistry(stub), conversation.Options{
		DefaultProvider: "stub",
		Logger:          zerolog.Nop(),
	})

	resp, err := m.HandleTurn(ctx, "s1", "hello again")
	require.NoError(t, err)
	require.Equal(t, 3, resp.Seq)

	turns, err := ts.Recent(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, turns, 4)
	for i, turn := range turns {
		require.Equal(t, i, turn.Seq)
	}
}

func TestHandleTurn_ContextWindowLimitsProviderInput(t *testing.T) {
	ctx := context.Background()
	var seen int
	stub := &stubProvider{name: "stub"}
	stub.reply = func(turns []provider.Turn) (provider.Turn, error) {
		seen = len(turns)
		return provider.Turn{Role: provider.RoleAgent, Content: "ok", Provider: "stub"}, nil
	}
	ts := transcript.NewMemoryStore()
	idx := index.NewMemoryIndex()
	m := conversation.NewManager(idx, ts, provider.NewRegistry(stub), conversation.Options{
		DefaultProvider: "stub",
		ContextWindow:   3,
		Logger:          zerolog.Nop(),
	})

	for i := 0; i < 4; i++ {
		_, err := m.HandleTurn(ctx, "s1", fmt.Sprintf("msg %d", i))
		require.NoError(t, err)
	}
	require.Equal(t, 3, seen)
}
