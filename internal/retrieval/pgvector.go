package retrieval

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGVectorBackend stores embeddings in PostgreSQL with the pgvector
// extension. Vectors travel as text literals so no extra codec is needed.
type PGVectorBackend struct {
	pool *pgxpool.Pool
}

func NewPGVectorBackend(ctx context.Context, pool *pgxpool.Pool, dimensions int) (*PGVectorBackend, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("pgvector dimensions must be positive")
	}
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector;`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS knowledge_chunks (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			embedding vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`, dimensions),
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("init pgvector schema failed on %q: %w", stmt, err)
		}
	}
	return &PGVectorBackend{pool: pool}, nil
}

func (b *PGVectorBackend) Add(ctx context.Context, entries []Entry) error {
	batch := &pgx.Batch{}
	for _, e := range entries {
		id := e.ID
		if id == "" {
			id = uuid.NewString()
		}
		batch.Queue(
			`INSERT INTO knowledge_chunks (id, content, source, embedding) VALUES ($1, $2, $3, $4::vector)
			 ON CONFLICT (id) DO UPDATE SET content = EXCLUDED.content, source = EXCLUDED.source, embedding = EXCLUDED.embedding`,
			id, e.Text, e.Source, vectorLiteral(e.Vector),
		)
	}

	// One transaction so a failing batch leaves nothing half-written.
	return pgx.BeginFunc(ctx, b.pool, func(tx pgx.Tx) error {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert knowledge chunks: %w", err)
		}
		return nil
	})
}

func (b *PGVectorBackend) Query(ctx context.Context, vector []float32, topK int) ([]Snippet, error) {
	rows, err := b.pool.Query(ctx,
		`SELECT content, source, 1 - (embedding <=> $1::vector) AS score
		 FROM knowledge_chunks ORDER BY embedding <=> $1::vector LIMIT $2`,
		vectorLiteral(vector), topK,
	)
	if err != nil {
		return nil, fmt.Errorf("query knowledge chunks: %w", err)
	}
	defer rows.Close()

	out := []Snippet{}
	for rows.Next() {
		var s Snippet
		if err := rows.Scan(&s.Text, &s.Source, &s.Score); err != nil {
			return nil, fmt.Errorf("scan knowledge chunk: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate knowledge chunks: %w", err)
	}
	return out, nil
}

// vectorLiteral renders v in pgvector's text input format: [1,2,3].
func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.Grow(len(v) * 8)
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
