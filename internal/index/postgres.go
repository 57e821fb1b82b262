package index

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/deskhand-ai/deskhand/internal/conversation"
)

const createSessionsPG = `
CREATE TABLE IF NOT EXISTS sessions (
    id            TEXT PRIMARY KEY,
    provider      TEXT NOT NULL,
    status        TEXT NOT NULL DEFAULT 'active',
    created_at    TIMESTAMPTZ NOT NULL,
    last_activity TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_last_activity ON sessions(last_activity);
`

// PostgresIndex implements SessionIndex over Postgres, one row per session.
type PostgresIndex struct {
	pool *pgxpool.Pool
}

// NewPostgresIndex connects to the relational store and ensures the schema
// exists.
func NewPostgresIndex(ctx context.Context, dsn string) (*PostgresIndex, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect relational store: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping relational store: %w", err)
	}
	if _, err := pool.Exec(ctx, createSessionsPG); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &PostgresIndex{pool: pool}, nil
}

func (p *PostgresIndex) GetOrCreate(ctx context.Context, sessionID, providerName string) (conversation.Session, bool, error) {
	now := time.Now().UTC()
	ct, err := p.pool.Exec(ctx, `
		INSERT INTO sessions (id, provider, status, created_at, last_activity)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`,
		sessionID, providerName, string(conversation.StatusActive), now, now)
	if err != nil {
		return conversation.Session{}, false, conversation.NewUnavailable(fmt.Errorf("create session: %w", err))
	}
	created := ct.RowsAffected() > 0

	var sess conversation.Session
	var status string
	err = p.pool.QueryRow(ctx, `
		SELECT id, provider, status, created_at, last_activity
		FROM sessions WHERE id = $1`, sessionID).
		Scan(&sess.ID, &sess.Provider, &status, &sess.CreatedAt, &sess.LastActivity)
	if err != nil {
		return conversation.Session{}, false, conversation.NewUnavailable(fmt.Errorf("load session: %w", err))
	}
	sess.Status = conversation.Status(status)
	return sess, created, nil
}

func (p *PostgresIndex) UpdateStatus(ctx context.Context, sessionID string, status conversation.Status, at time.Time) error {
	ct, err := p.pool.Exec(ctx, `
		UPDATE sessions SET status = $1, last_activity = $2 WHERE id = $3`,
		string(status), at.UTC(), sessionID)
	if err != nil {
		return conversation.NewUnavailable(fmt.Errorf("update status: %w", err))
	}
	if ct.RowsAffected() == 0 {
		return conversation.NewUnavailable(errSessionNotFound(sessionID))
	}
	return nil
}

func (p *PostgresIndex) List(ctx context.Context) ([]conversation.Session, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, provider, status, created_at, last_activity
		FROM sessions ORDER BY last_activity DESC`)
	if err != nil {
		return nil, conversation.NewUnavailable(fmt.Errorf("list sessions: %w", err))
	}
	defer rows.Close()

	var out []conversation.Session
	for rows.Next() {
		var sess conversation.Session
		var status string
		if err := rows.Scan(&sess.ID, &sess.Provider, &status, &sess.CreatedAt, &sess.LastActivity); err != nil {
			return nil, conversation.NewUnavailable(fmt.Errorf("scan session: %w", err))
		}
		sess.Status = conversation.Status(status)
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (p *PostgresIndex) Close() {
	p.pool.Close()
}
