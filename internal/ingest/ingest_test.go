package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/ragchat/internal/apperr"
	"github.com/ent0n29/ragchat/internal/retrieval"
)

type recordingIndexer struct {
	mu      sync.Mutex
	docs    []retrieval.Document
	batches []int
}

func (r *recordingIndexer) Index(_ context.Context, docs []retrieval.Document, batchSize int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs = append(r.docs, docs...)
	r.batches = append(r.batches, batchSize)
	return len(docs), nil
}

func (r *recordingIndexer) sources() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, d := range r.docs {
		out = append(out, d.Source)
	}
	return out
}

func TestChunkerSplitsWithOverlap(t *testing.T) {
	c := NewChunker(20, 5)
	text := "alpha beta gamma delta epsilon zeta eta theta iota kappa"
	chunks := c.Split(text)

	require.Greater(t, len(chunks), 2)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, len([]rune(chunk)), 20)
		assert.Equal(t, strings.TrimSpace(chunk), chunk)
	}
	assert.True(t, strings.HasPrefix(chunks[0], "alpha"))
	assert.True(t, strings.HasSuffix(chunks[len(chunks)-1], "kappa"))
}

func TestChunkerEdgeCases(t *testing.T) {
	assert.Nil(t, NewChunker(10, 2).Split("   "))
	assert.Equal(t, []string{"short"}, NewChunker(10, 2).Split("short"))

	// No whitespace and an overlap as large as the chunk still terminates.
	chunks := Chunker{Size: 4, Overlap: 4}.Split(strings.Repeat("x", 10))
	assert.NotEmpty(t, chunks)

	c := NewChunker(10, 50)
	assert.Less(t, c.Overlap, c.Size)
}

func TestIngestTextUsesStableIDs(t *testing.T) {
	idx := &recordingIndexer{}
	in := NewIngester(idx, Options{ChunkSize: 30, ChunkOverlap: 0, BatchSize: 3})

	n, err := in.IngestText(context.Background(), "notes.md", strings.Repeat("lorem ipsum dolor sit amet ", 10))
	require.NoError(t, err)
	assert.Equal(t, len(idx.docs), n)
	assert.Equal(t, []int{3}, idx.batches)

	first := idx.docs[0].ID
	_, err = in.IngestText(context.Background(), "notes.md", strings.Repeat("lorem ipsum dolor sit amet ", 10))
	require.NoError(t, err)
	assert.Equal(t, first, idx.docs[n].ID)

	_, err = in.IngestText(context.Background(), "empty.md", "  ")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestIngestDirSkipsUnsupportedFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("plain text"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.MD"), []byte("# markdown"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.pdf"), []byte("%PDF"), 0o600))

	idx := &recordingIndexer{}
	in := NewIngester(idx, Options{})
	n, err := in.IngestDir(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"a.txt", "b.MD"}, idx.sources())

	_, err = in.IngestFile(context.Background(), filepath.Join(dir, "c.pdf"))
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestWatcherIngestsNewFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "existing.txt"), []byte("already here"), 0o600))

	idx := &recordingIndexer{}
	w := NewWatcher(NewIngester(idx, Options{}), nil)
	w.settle = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, dir) }()

	require.Eventually(t, func() bool { return len(idx.sources()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.md"), []byte("fresh knowledge"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.bin"), []byte{1, 2}, 0o600))

	require.Eventually(t, func() bool {
		for _, s := range idx.sources() {
			if s == "new.md" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	assert.NotContains(t, idx.sources(), "ignored.bin")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
