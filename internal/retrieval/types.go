// Package retrieval ranks knowledge-base snippets by similarity to a query.
package retrieval

import (
	"context"
	"fmt"

	"github.com/ent0n29/ragchat/internal/apperr"
)

// Document is one unit of knowledge submitted for indexing.
type Document struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Source string `json:"source,omitempty"`
}

// Snippet is a ranked search hit.
type Snippet struct {
	Text   string  `json:"text"`
	Score  float64 `json:"score"`
	Source string  `json:"source,omitempty"`
}

// Entry is a document with its embedding, as stored by a Backend.
type Entry struct {
	ID     string
	Text   string
	Source string
	Vector []float32
}

// Embedder turns texts into vectors; the result is index-aligned with texts.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Backend is the similarity index. Query returns at most topK hits ranked by
// descending score, and an empty slice when nothing is indexed.
type Backend interface {
	Add(ctx context.Context, entries []Entry) error
	Query(ctx context.Context, vector []float32, topK int) ([]Snippet, error)
}

// IndexError reports a failed batch and how many documents made it in
// before the failure.
type IndexError struct {
	Batch   int
	Indexed int
	Err     error
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("index batch %d failed after %d documents: %v", e.Batch, e.Indexed, e.Err)
}

func (e *IndexError) Unwrap() error { return e.Err }

func (e *IndexError) ErrorKind() apperr.Kind { return apperr.KindIndex }
