package retrieval

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryBackend is an in-process cosine-similarity index for local use and
// tests. Re-adding an id replaces the previous entry.
type MemoryBackend struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]Entry
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]Entry)}
}

func (b *MemoryBackend) Add(_ context.Context, entries []Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range entries {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if _, exists := b.entries[e.ID]; !exists {
			b.order = append(b.order, e.ID)
		}
		b.entries[e.ID] = e
	}
	return nil
}

func (b *MemoryBackend) Query(_ context.Context, vector []float32, topK int) ([]Snippet, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Snippet, 0, len(b.entries))
	for _, id := range b.order {
		e := b.entries[id]
		out = append(out, Snippet{Text: e.Text, Source: e.Source, Score: cosineSimilarity(vector, e.Vector)})
	}
	// Stable keeps insertion order among equal scores.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
