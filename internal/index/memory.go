// Package index provides SessionIndex implementations: Postgres for
// deployments, SQLite for local runs, and an in-memory index for tests.
package index

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/deskhand-ai/deskhand/internal/conversation"
)

// MemoryIndex keeps session metadata in process memory.
type MemoryIndex struct {
	mu       sync.Mutex
	sessions map[string]conversation.Session
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{sessions: make(map[string]conversation.Session)}
}

func (m *MemoryIndex) GetOrCreate(ctx context.Context, sessionID, providerName string) (conversation.Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.sessions[sessionID]; ok {
		return sess, false, nil
	}
	now := time.Now().UTC()
	sess := conversation.Session{
		ID:           sessionID,
		Provider:     providerName,
		Status:       conversation.StatusActive,
		CreatedAt:    now,
		LastActivity: now,
	}
	m.sessions[sessionID] = sess
	return sess, true, nil
}

func (m *MemoryIndex) UpdateStatus(ctx context.Context, sessionID string, status conversation.Status, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return conversation.NewUnavailable(errSessionNotFound(sessionID))
	}
	sess.Status = status
	sess.LastActivity = at
	m.sessions[sessionID] = sess
	return nil
}

func (m *MemoryIndex) List(ctx context.Context) ([]conversation.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]conversation.Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out, nil
}
