package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store keeps sessions durable across restarts. Save is an upsert keyed by
// session ID.
type Store interface {
	Save(ctx context.Context, s *Session) error
	LoadAll(ctx context.Context) ([]*Session, error)
}

// SQLiteStore keeps sessions in the chat_sessions table of a SQLite
// database, usually the one that already holds the transcripts.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("sqlite session store requires a database")
	}
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS chat_sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		window_size INTEGER NOT NULL DEFAULT 0,
		started_at TEXT NOT NULL,
		last_activity_at TEXT NOT NULL
	)`)
	if err != nil {
		return nil, fmt.Errorf("init chat_sessions: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_sessions (id, user_id, conversation_id, title, description, status, window_size, started_at, last_activity_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			status = excluded.status,
			window_size = excluded.window_size,
			last_activity_at = excluded.last_activity_at`,
		sess.ID, sess.UserID, sess.ConversationID, sess.Title, sess.Description, string(sess.Status), sess.WindowSize,
		sess.StartedAt.UTC().Format(time.RFC3339Nano), sess.LastActivityAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *SQLiteStore) LoadAll(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, conversation_id, title, description, status, window_size, started_at, last_activity_at FROM chat_sessions`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var (
			sess             Session
			status           string
			started, touched string
		)
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.ConversationID, &sess.Title, &sess.Description,
			&status, &sess.WindowSize, &started, &touched); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sess.Status = Status(status)
		sess.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		sess.LastActivityAt, _ = time.Parse(time.RFC3339Nano, touched)
		out = append(out, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return out, nil
}

// PostgresStore keeps sessions next to the transcripts in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("postgres session store requires a pool")
	}
	_, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS chat_sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		window_size INTEGER NOT NULL DEFAULT 0,
		started_at TIMESTAMPTZ NOT NULL,
		last_activity_at TIMESTAMPTZ NOT NULL
	)`)
	if err != nil {
		return nil, fmt.Errorf("init chat_sessions: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Save(ctx context.Context, sess *Session) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chat_sessions (id, user_id, conversation_id, title, description, status, window_size, started_at, last_activity_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			status = EXCLUDED.status,
			window_size = EXCLUDED.window_size,
			last_activity_at = EXCLUDED.last_activity_at`,
		sess.ID, sess.UserID, sess.ConversationID, sess.Title, sess.Description, string(sess.Status), sess.WindowSize,
		sess.StartedAt, sess.LastActivityAt,
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *PostgresStore) LoadAll(ctx context.Context) ([]*Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, conversation_id, title, description, status, window_size, started_at, last_activity_at FROM chat_sessions`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var (
			sess   Session
			status string
		)
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.ConversationID, &sess.Title, &sess.Description,
			&status, &sess.WindowSize, &sess.StartedAt, &sess.LastActivityAt); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sess.Status = Status(status)
		sess.StartedAt = sess.StartedAt.UTC()
		sess.LastActivityAt = sess.LastActivityAt.UTC()
		out = append(out, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return out, nil
}
