package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/ent0n29/ragchat/internal/apperr"
	"github.com/ent0n29/ragchat/internal/observability"
)

const (
	DefaultBatchSize = 10
	DefaultTopK      = 4
)

// Service couples an embedder with a similarity backend.
type Service struct {
	embedder Embedder
	backend  Backend
	logger   *slog.Logger
	metrics  *observability.Metrics
}

func NewService(embedder Embedder, backend Backend, logger *slog.Logger, metrics *observability.Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{embedder: embedder, backend: backend, logger: logger, metrics: metrics}
}

// Search returns up to topK snippets ranked by descending score. An empty
// index yields an empty result, not an error.
func (s *Service) Search(ctx context.Context, query string, topK int) ([]Snippet, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []Snippet{}, nil
	}
	if topK <= 0 {
		topK = DefaultTopK
	}

	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, apperr.Retrieval("retrieval.search", fmt.Errorf("embed query: %w", err))
	}
	if len(vectors) != 1 {
		return nil, apperr.Retrieval("retrieval.search", fmt.Errorf("embedder returned %d vectors for 1 query", len(vectors)))
	}

	hits, err := s.backend.Query(ctx, vectors[0], topK)
	if err != nil {
		return nil, apperr.Retrieval("retrieval.search", err)
	}
	if hits == nil {
		hits = []Snippet{}
	}
	// Remote backends do not all honour the ordering contract.
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// Index submits docs in sequential batches of at most batchSize. The first
// failing batch stops the run; the returned *IndexError says which batch
// failed and how many documents were indexed before it.
func (s *Service) Index(ctx context.Context, docs []Document, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	indexed := 0
	for batch, start := 0, 0; start < len(docs); batch, start = batch+1, start+batchSize {
		end := min(start+batchSize, len(docs))
		if err := s.indexBatch(ctx, docs[start:end]); err != nil {
			s.logger.Warn("index batch failed", "batch", batch, "indexed", indexed, "error", err)
			return indexed, &IndexError{Batch: batch, Indexed: indexed, Err: err}
		}
		indexed += end - start
		s.metrics.DocumentsIndexedBy(end - start)
	}
	s.logger.Info("documents indexed", "count", indexed)
	return indexed, nil
}

func (s *Service) indexBatch(ctx context.Context, docs []Document) error {
	texts := make([]string, len(docs))
	for i, d := range docs {
		if strings.TrimSpace(d.Text) == "" {
			return fmt.Errorf("document %q has no text", d.ID)
		}
		texts[i] = d.Text
	}

	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed batch: %w", err)
	}
	if len(vectors) != len(docs) {
		return fmt.Errorf("embedder returned %d vectors for %d documents", len(vectors), len(docs))
	}

	entries := make([]Entry, len(docs))
	for i, d := range docs {
		entries[i] = Entry{ID: d.ID, Text: d.Text, Source: d.Source, Vector: vectors[i]}
	}
	return s.backend.Add(ctx, entries)
}
