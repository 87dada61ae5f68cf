package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/ragchat/internal/apperr"
)

type failingBackend struct {
	*MemoryBackend
	failOnCall int
	calls      int
}

func (b *failingBackend) Add(ctx context.Context, entries []Entry) error {
	b.calls++
	if b.calls == b.failOnCall {
		return errors.New("index unavailable")
	}
	return b.MemoryBackend.Add(ctx, entries)
}

// unorderedBackend answers with fixed hits in whatever order it was given.
type unorderedBackend struct {
	hits []Snippet
}

func (unorderedBackend) Add(context.Context, []Entry) error { return nil }

func (b unorderedBackend) Query(context.Context, []float32, int) ([]Snippet, error) {
	return append([]Snippet(nil), b.hits...), nil
}

type brokenEmbedder struct{}

func (brokenEmbedder) Embed(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("embedding quota exceeded")
}

func docs(n int) []Document {
	out := make([]Document, n)
	for i := range out {
		out[i] = Document{ID: fmt.Sprintf("d%d", i), Text: fmt.Sprintf("document number %d", i)}
	}
	return out
}

func TestSearchEmptyIndexReturnsEmptyList(t *testing.T) {
	svc := NewService(NewHashEmbedder(64), NewMemoryBackend(), nil, nil)

	got, err := svc.Search(context.Background(), "anything", 5)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestSearchRanksBySimilarity(t *testing.T) {
	svc := NewService(NewHashEmbedder(256), NewMemoryBackend(), nil, nil)
	_, err := svc.Index(context.Background(), []Document{
		{ID: "cats", Text: "cats purr and chase mice"},
		{ID: "rust", Text: "the borrow checker enforces ownership"},
		{ID: "go", Text: "goroutines and channels make concurrency simple"},
	}, 0)
	require.NoError(t, err)

	got, err := svc.Search(context.Background(), "how do goroutines and channels work", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "goroutines and channels make concurrency simple", got[0].Text)
	assert.GreaterOrEqual(t, got[0].Score, got[1].Score)
}

func TestSearchOrdersBackendHitsBeforeTruncating(t *testing.T) {
	backend := unorderedBackend{hits: []Snippet{
		{Source: "low", Score: 0.1},
		{Source: "top", Score: 0.9},
		{Source: "mid-a", Score: 0.5},
		{Source: "mid-b", Score: 0.5},
	}}
	svc := NewService(NewHashEmbedder(16), backend, nil, nil)

	hits, err := svc.Search(context.Background(), "anything", 3)
	require.NoError(t, err)
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.Source
	}
	assert.Equal(t, []string{"top", "mid-a", "mid-b"}, ids)
}

func TestSearchFailureIsRetrievalError(t *testing.T) {
	svc := NewService(brokenEmbedder{}, NewMemoryBackend(), nil, nil)
	_, err := svc.Search(context.Background(), "q", 3)
	require.Error(t, err)
	assert.Equal(t, apperr.KindRetrieval, apperr.KindOf(err))
}

func TestIndexSplitsIntoBatches(t *testing.T) {
	backend := &failingBackend{MemoryBackend: NewMemoryBackend()}
	svc := NewService(NewHashEmbedder(32), backend, nil, nil)

	n, err := svc.Index(context.Background(), docs(25), 10)
	require.NoError(t, err)
	assert.Equal(t, 25, n)
	assert.Equal(t, 3, backend.calls)
	assert.Equal(t, 25, backend.Len())
}

func TestIndexStopsAtFirstFailedBatch(t *testing.T) {
	backend := &failingBackend{MemoryBackend: NewMemoryBackend(), failOnCall: 2}
	svc := NewService(NewHashEmbedder(32), backend, nil, nil)

	n, err := svc.Index(context.Background(), docs(35), 10)
	require.Error(t, err)
	assert.Equal(t, 10, n)

	var idxErr *IndexError
	require.ErrorAs(t, err, &idxErr)
	assert.Equal(t, 1, idxErr.Batch)
	assert.Equal(t, 10, idxErr.Indexed)
	assert.Equal(t, apperr.KindIndex, apperr.KindOf(err))
	assert.Equal(t, 2, backend.calls, "no batches after the failure")
}

func TestHTTPBackendRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/vectors":
			w.WriteHeader(http.StatusNoContent)
		case "/v1/vectors/query":
			var q remoteQuery
			require.NoError(t, json.NewDecoder(r.Body).Decode(&q))
			assert.Equal(t, 2, q.TopK)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"results":[{"text":"alpha","score":0.9},{"text":"beta","score":0.5}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL, "", time.Second)
	require.NoError(t, b.Add(context.Background(), []Entry{{ID: "1", Text: "alpha", Vector: []float32{1}}}))

	got, err := b.Query(context.Background(), []float32{1}, 2)
	require.NoError(t, err)
	assert.Equal(t, []Snippet{{Text: "alpha", Score: 0.9}, {Text: "beta", Score: 0.5}}, got)
}

func TestVectorLiteral(t *testing.T) {
	assert.Equal(t, "[1,-0.5,0.25]", vectorLiteral([]float32{1, -0.5, 0.25}))
	assert.Equal(t, "[]", vectorLiteral(nil))
}
