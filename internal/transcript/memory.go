// Package transcript provides TranscriptStore implementations: a MongoDB
// document store for deployments and an in-memory store for tests and
// zero-infrastructure runs.
package transcript

import (
	"context"
	"fmt"
	"sync"

	"github.com/deskhand-ai/deskhand/internal/conversation"
	"github.com/deskhand-ai/deskhand/internal/provider"
)

// MemoryStore keeps transcripts in process memory with the same append and
// conflict semantics as the Mongo store.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string][]provider.Turn
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]provider.Turn)}
}

func (s *MemoryStore) Append(ctx context.Context, sessionID string, turn provider.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	turns := s.sessions[sessionID]
	want := 0
	if n := len(turns); n > 0 {
		want = turns[n-1].Seq + 1
	}
	if turn.Seq != want {
		return conversation.NewConflict(
			fmt.Errorf("seq %d for session %s, want %d", turn.Seq, sessionID, want))
	}
	s.sessions[sessionID] = append(turns, turn)
	return nil
}

func (s *MemoryStore) Recent(ctx context.Context, sessionID string, limit int) ([]provider.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	turns := s.sessions[sessionID]
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	out := make([]provider.Turn, len(turns))
	copy(out, turns)
	return out, nil
}
