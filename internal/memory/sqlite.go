package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/ent0n29/ragchat/internal/apperr"
)

// SQLiteStore keeps transcripts in a single-file SQLite database. It is the
// default durable backend for single-node deployments.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at path. Use ":memory:" for
// a throwaway database.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows a single writer; one connection also keeps ":memory:"
	// databases from splitting per connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			seq INTEGER NOT NULL,
			lifecycle TEXT NOT NULL DEFAULT 'active',
			creator TEXT NOT NULL DEFAULT '',
			rating INTEGER NOT NULL DEFAULT 0,
			feedback TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			modified_at TEXT NOT NULL,
			UNIQUE (conversation_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_turns_active ON chat_turns (conversation_id, lifecycle, seq)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}

	// Databases created before feedback existed lack its columns.
	for _, col := range []string{
		`rating INTEGER NOT NULL DEFAULT 0`,
		`feedback TEXT NOT NULL DEFAULT ''`,
	} {
		if _, err := db.Exec(`ALTER TABLE chat_turns ADD COLUMN ` + col); err != nil &&
			!strings.Contains(err.Error(), "duplicate column") {
			db.Close()
			return nil, fmt.Errorf("add column %q: %w", col, err)
		}
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) Append(ctx context.Context, turn Turn) (Turn, error) {
	out, err := s.AppendBatch(ctx, []Turn{turn})
	if err != nil {
		return Turn{}, err
	}
	return out[0], nil
}

func (s *SQLiteStore) AppendBatch(ctx context.Context, turns []Turn) ([]Turn, error) {
	conversationID, prepared, err := prepareBatch(ctx, "memory.append", turns)
	if err != nil || len(prepared) == 0 {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Persistence("memory.append", fmt.Errorf("begin tx: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	var last int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM chat_turns WHERE conversation_id = ?`,
		conversationID,
	).Scan(&last); err != nil {
		return nil, apperr.Persistence("memory.append", fmt.Errorf("read last sequence: %w", err))
	}

	for i := range prepared {
		prepared[i].Sequence = nextSequence(prepared[i].Sequence, last)
		last = prepared[i].Sequence
		ts := prepared[i].CreatedAt.Format(time.RFC3339Nano)
		res, err := tx.ExecContext(ctx,
			`INSERT INTO chat_turns (conversation_id, role, content, seq, lifecycle, creator, created_at, modified_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			conversationID,
			string(prepared[i].Role),
			prepared[i].Text,
			prepared[i].Sequence,
			string(LifecycleActive),
			prepared[i].Creator,
			ts, ts,
		)
		if err != nil {
			return nil, apperr.Persistence("memory.append", fmt.Errorf("insert turn %d: %w", i, err))
		}
		if prepared[i].ID, err = res.LastInsertId(); err != nil {
			return nil, apperr.Persistence("memory.append", fmt.Errorf("read turn id: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.Persistence("memory.append", fmt.Errorf("commit: %w", err))
	}
	return prepared, nil
}

func (s *SQLiteStore) ListActive(ctx context.Context, conversationID string, limit int) ([]Turn, error) {
	query := `SELECT id, conversation_id, role, content, seq, creator, rating, feedback, created_at
		FROM chat_turns WHERE conversation_id = ? AND lifecycle = ? ORDER BY seq DESC, id DESC`
	args := []any{conversationID, string(LifecycleActive)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Persistence("memory.list", fmt.Errorf("query active turns: %w", err))
	}
	defer rows.Close()

	var items []Turn
	for rows.Next() {
		var (
			t         Turn
			role      string
			createdAt string
		)
		if err := rows.Scan(&t.ID, &t.ConversationID, &role, &t.Text, &t.Sequence, &t.Creator, &t.Rating, &t.Feedback, &createdAt); err != nil {
			return nil, apperr.Persistence("memory.list", fmt.Errorf("scan turn row: %w", err))
		}
		t.Role = decodeRole(s.logger, role)
		t.Lifecycle = LifecycleActive
		t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence("memory.list", fmt.Errorf("iterate turn rows: %w", err))
	}

	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (s *SQLiteStore) SoftDelete(ctx context.Context, conversationID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_turns SET lifecycle = ?, modified_at = ? WHERE conversation_id = ? AND lifecycle = ?`,
		string(LifecycleDeleted), time.Now().UTC().Format(time.RFC3339Nano), conversationID, string(LifecycleActive),
	)
	if err != nil {
		return 0, apperr.Persistence("memory.soft_delete", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) SoftDeleteByIDs(ctx context.Context, conversationID string, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := []any{string(LifecycleDeleted), time.Now().UTC().Format(time.RFC3339Nano), conversationID, string(LifecycleActive)}
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_turns SET lifecycle = ?, modified_at = ?
		 WHERE conversation_id = ? AND lifecycle = ? AND id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return 0, apperr.Persistence("memory.soft_delete_ids", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) SetFeedback(ctx context.Context, conversationID string, id int64, rating int, feedback string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_turns SET rating = ?, feedback = ?, modified_at = ?
		 WHERE conversation_id = ? AND id = ? AND lifecycle = ?`,
		rating, feedback, time.Now().UTC().Format(time.RFC3339Nano), conversationID, id, string(LifecycleActive),
	)
	if err != nil {
		return apperr.Persistence("memory.feedback", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("memory.feedback", "turn %d not found", id)
	}
	return nil
}

// DB returns the raw *sql.DB so sibling stores can share the file.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Close() error { return s.db.Close() }
