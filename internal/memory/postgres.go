package memory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/ragchat/internal/apperr"
	"github.com/ent0n29/ragchat/internal/reqctx"
)

// PostgresStore persists conversation transcripts in PostgreSQL.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPostgresStore(ctx context.Context, databaseURL string, logger *slog.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{pool: pool, logger: logger}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_turns (
			id BIGSERIAL PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			seq BIGINT NOT NULL,
			lifecycle TEXT NOT NULL DEFAULT 'active',
			creator TEXT NOT NULL DEFAULT '',
			modifier TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			modified_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (conversation_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_turns_active ON chat_turns (conversation_id, lifecycle, seq);`,
		`ALTER TABLE chat_turns ADD COLUMN IF NOT EXISTS rating SMALLINT NOT NULL DEFAULT 0;`,
		`ALTER TABLE chat_turns ADD COLUMN IF NOT EXISTS feedback TEXT NOT NULL DEFAULT '';`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, turn Turn) (Turn, error) {
	out, err := s.AppendBatch(ctx, []Turn{turn})
	if err != nil {
		return Turn{}, err
	}
	return out[0], nil
}

func (s *PostgresStore) AppendBatch(ctx context.Context, turns []Turn) ([]Turn, error) {
	conversationID, prepared, err := prepareBatch(ctx, "memory.append", turns)
	if err != nil || len(prepared) == 0 {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, apperr.Persistence("memory.append", fmt.Errorf("begin tx: %w", err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize sequence assignment per conversation for the lifetime of the tx.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, conversationID); err != nil {
		return nil, apperr.Persistence("memory.append", fmt.Errorf("lock conversation: %w", err))
	}
	var last int64
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM chat_turns WHERE conversation_id=$1`,
		conversationID,
	).Scan(&last); err != nil {
		return nil, apperr.Persistence("memory.append", fmt.Errorf("read last sequence: %w", err))
	}

	for i := range prepared {
		prepared[i].Sequence = nextSequence(prepared[i].Sequence, last)
		last = prepared[i].Sequence
		err := tx.QueryRow(ctx,
			`INSERT INTO chat_turns (conversation_id, role, content, seq, lifecycle, creator, modifier, created_at, modified_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $6, $7, $7)
			 RETURNING id`,
			conversationID,
			string(prepared[i].Role),
			prepared[i].Text,
			prepared[i].Sequence,
			string(LifecycleActive),
			prepared[i].Creator,
			prepared[i].CreatedAt,
		).Scan(&prepared[i].ID)
		if err != nil {
			return nil, apperr.Persistence("memory.append", fmt.Errorf("insert turn %d: %w", i, err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apperr.Persistence("memory.append", fmt.Errorf("commit: %w", err))
	}
	return prepared, nil
}

func (s *PostgresStore) ListActive(ctx context.Context, conversationID string, limit int) ([]Turn, error) {
	query := `SELECT id, conversation_id, role, content, seq, creator, rating, feedback, created_at
		 FROM chat_turns WHERE conversation_id=$1 AND lifecycle=$2 ORDER BY seq DESC, id DESC`
	args := []any{conversationID, string(LifecycleActive)}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apperr.Persistence("memory.list", fmt.Errorf("query active turns: %w", err))
	}
	defer rows.Close()

	var items []Turn
	for rows.Next() {
		var (
			t    Turn
			role string
		)
		if err := rows.Scan(&t.ID, &t.ConversationID, &role, &t.Text, &t.Sequence, &t.Creator, &t.Rating, &t.Feedback, &t.CreatedAt); err != nil {
			return nil, apperr.Persistence("memory.list", fmt.Errorf("scan turn row: %w", err))
		}
		t.Role = decodeRole(s.logger, role)
		t.Lifecycle = LifecycleActive
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence("memory.list", fmt.Errorf("iterate turn rows: %w", err))
	}

	// Reverse into chronological order for prompt coherence.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (s *PostgresStore) SoftDelete(ctx context.Context, conversationID string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE chat_turns SET lifecycle=$2, modified_at=now() WHERE conversation_id=$1 AND lifecycle=$3`,
		conversationID, string(LifecycleDeleted), string(LifecycleActive),
	)
	if err != nil {
		return 0, apperr.Persistence("memory.soft_delete", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) SoftDeleteByIDs(ctx context.Context, conversationID string, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE chat_turns SET lifecycle=$3, modified_at=now()
		 WHERE conversation_id=$1 AND id = ANY($2) AND lifecycle=$4`,
		conversationID, ids, string(LifecycleDeleted), string(LifecycleActive),
	)
	if err != nil {
		return 0, apperr.Persistence("memory.soft_delete_ids", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) SetFeedback(ctx context.Context, conversationID string, id int64, rating int, feedback string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE chat_turns SET rating=$3, feedback=$4, modifier=$5, modified_at=now()
		 WHERE conversation_id=$1 AND id=$2 AND lifecycle=$6`,
		conversationID, id, rating, feedback, reqctx.Actor(ctx), string(LifecycleActive),
	)
	if err != nil {
		return apperr.Persistence("memory.feedback", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("memory.feedback", "turn %d not found", id)
	}
	return nil
}

// Pool exposes the connection pool so other components can share it.
func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
