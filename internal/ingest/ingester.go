package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ent0n29/ragchat/internal/apperr"
	"github.com/ent0n29/ragchat/internal/retrieval"
)

// Indexer receives chunked documents.
type Indexer interface {
	Index(ctx context.Context, docs []retrieval.Document, batchSize int) (int, error)
}

type Ingester struct {
	indexer    Indexer
	chunker    Chunker
	batchSize  int
	extensions map[string]struct{}
	pdf        Extractor
	logger     *slog.Logger
}

type Options struct {
	ChunkSize    int
	ChunkOverlap int
	BatchSize    int
	Extensions   []string
	// PDF enables .pdf documents when set.
	PDF    Extractor
	Logger *slog.Logger
}

func NewIngester(indexer Indexer, opts Options) *Ingester {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = retrieval.DefaultBatchSize
	}
	if len(opts.Extensions) == 0 {
		opts.Extensions = []string{".txt", ".md"}
	}
	exts := make(map[string]struct{}, len(opts.Extensions))
	for _, e := range opts.Extensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" && !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts[e] = struct{}{}
	}
	if opts.PDF != nil {
		exts[".pdf"] = struct{}{}
	}
	return &Ingester{
		indexer:    indexer,
		chunker:    NewChunker(opts.ChunkSize, opts.ChunkOverlap),
		batchSize:  opts.BatchSize,
		extensions: exts,
		pdf:        opts.PDF,
		logger:     opts.Logger,
	}
}

// IngestText chunks text and indexes the chunks, returning how many were
// indexed. A failing batch surfaces as *retrieval.IndexError.
func (i *Ingester) IngestText(ctx context.Context, source, text string) (int, error) {
	chunks := i.chunker.Split(text)
	if len(chunks) == 0 {
		return 0, apperr.Validation("ingest.text", "document %q has no content", source)
	}
	docs := make([]retrieval.Document, len(chunks))
	for n, chunk := range chunks {
		docs[n] = retrieval.Document{ID: chunkID(source, n), Text: chunk, Source: source}
	}
	indexed, err := i.indexer.Index(ctx, docs, i.batchSize)
	if err != nil {
		return indexed, err
	}
	i.logger.Info("document ingested", "source", source, "chunks", indexed)
	return indexed, nil
}

// Accepts reports whether path has an ingestible extension.
func (i *Ingester) Accepts(path string) bool {
	_, ok := i.extensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

func (i *Ingester) IngestFile(ctx context.Context, path string) (int, error) {
	if !i.Accepts(path) {
		return 0, apperr.Validation("ingest.file", "unsupported file type %q", filepath.Ext(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}
	return i.IngestBytes(ctx, filepath.Base(path), data)
}

// IngestBytes ingests an uploaded document, picking the reader from the
// extension of name.
func (i *Ingester) IngestBytes(ctx context.Context, name string, data []byte) (int, error) {
	name = filepath.Base(strings.TrimSpace(name))
	if !i.Accepts(name) {
		return 0, apperr.Validation("ingest.upload", "unsupported file type %q", filepath.Ext(name))
	}
	if strings.EqualFold(filepath.Ext(name), ".pdf") {
		text, err := i.pdf.Extract(ctx, data)
		if err != nil {
			return 0, apperr.E(apperr.KindIndex, "ingest.pdf", fmt.Errorf("%s: %w", name, err))
		}
		i.logger.Debug("pdf extracted", "source", name, "bytes", len(data), "chars", utf8.RuneCountInString(text))
		return i.IngestText(ctx, name, text)
	}
	if !utf8.Valid(data) {
		return 0, apperr.Validation("ingest.upload", "%s is not valid UTF-8 text", name)
	}
	return i.IngestText(ctx, name, string(data))
}

// IngestDir ingests every accepted file directly inside dir.
func (i *Ingester) IngestDir(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read dir %s: %w", dir, err)
	}
	total := 0
	for _, e := range entries {
		if e.IsDir() || !i.Accepts(e.Name()) {
			continue
		}
		n, err := i.IngestFile(ctx, filepath.Join(dir, e.Name()))
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
