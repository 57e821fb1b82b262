package index

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/deskhand-ai/deskhand/internal/conversation"
)

const createSessionsSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    id            TEXT PRIMARY KEY,
    provider      TEXT NOT NULL,
    status        TEXT NOT NULL DEFAULT 'active',
    created_at    TEXT NOT NULL,
    last_activity TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_last_activity ON sessions(last_activity);
`

// SQLiteIndex implements SessionIndex over a local SQLite database. It serves
// zero-infrastructure runs; deployments use the Postgres index.
type SQLiteIndex struct {
	db *sql.DB
}

// DefaultDBPath returns the default database path (~/.local/share/deskhand/sessions.db).
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share", "deskhand", "sessions.db"), nil
}

// NewSQLiteIndex opens (or creates) the database at dbPath and ensures the
// schema exists.
func NewSQLiteIndex(dbPath string) (*SQLiteIndex, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec(createSessionsSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &SQLiteIndex{db: db}, nil
}

func (s *SQLiteIndex) GetOrCreate(ctx context.Context, sessionID, providerName string) (conversation.Session, bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, provider, status, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		sessionID, providerName, conversation.StatusActive,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return conversation.Session{}, false, conversation.NewUnavailable(fmt.Errorf("create session: %w", err))
	}
	n, _ := res.RowsAffected()
	created := n > 0

	row := s.db.QueryRowContext(ctx, `
		SELECT id, provider, status, created_at, last_activity
		FROM sessions WHERE id = ?`, sessionID)
	sess, err := scanSession(row)
	if err != nil {
		return conversation.Session{}, false, conversation.NewUnavailable(fmt.Errorf("load session: %w", err))
	}
	return sess, created, nil
}

func (s *SQLiteIndex) UpdateStatus(ctx context.Context, sessionID string, status conversation.Status, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, last_activity = ? WHERE id = ?`,
		status, at.UTC().Format(time.RFC3339Nano), sessionID)
	if err != nil {
		return conversation.NewUnavailable(fmt.Errorf("update status: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return conversation.NewUnavailable(errSessionNotFound(sessionID))
	}
	return nil
}

func (s *SQLiteIndex) List(ctx context.Context) ([]conversation.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider, status, created_at, last_activity
		FROM sessions ORDER BY last_activity DESC`)
	if err != nil {
		return nil, conversation.NewUnavailable(fmt.Errorf("list sessions: %w", err))
	}
	defer rows.Close()

	var out []conversation.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, conversation.NewUnavailable(fmt.Errorf("scan session: %w", err))
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (conversation.Session, error) {
	var sess conversation.Session
	var createdAt, lastActivity string
	if err := row.Scan(&sess.ID, &sess.Provider, &sess.Status, &createdAt, &lastActivity); err != nil {
		return conversation.Session{}, err
	}
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	sess.LastActivity, _ = time.Parse(time.RFC3339Nano, lastActivity)
	return sess, nil
}

func errSessionNotFound(id string) error {
	return fmt.Errorf("session %s not found", id)
}
