package memory

import (
	"context"
	"sync"

	"github.com/ent0n29/ragchat/internal/apperr"
)

// InMemoryStore is a simple in-process transcript store for local/dev use.
// Deleted turns are kept so sequences are never reused.
type InMemoryStore struct {
	mu      sync.RWMutex
	nextID  int64
	records map[string][]Turn
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string][]Turn)}
}

func (s *InMemoryStore) Append(ctx context.Context, turn Turn) (Turn, error) {
	out, err := s.AppendBatch(ctx, []Turn{turn})
	if err != nil {
		return Turn{}, err
	}
	return out[0], nil
}

func (s *InMemoryStore) AppendBatch(ctx context.Context, turns []Turn) ([]Turn, error) {
	conversationID, prepared, err := prepareBatch(ctx, "memory.append", turns)
	if err != nil || len(prepared) == 0 {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	arr := s.records[conversationID]
	var last int64
	if len(arr) > 0 {
		last = arr[len(arr)-1].Sequence
	}
	for i := range prepared {
		s.nextID++
		prepared[i].ID = s.nextID
		prepared[i].Sequence = nextSequence(prepared[i].Sequence, last)
		last = prepared[i].Sequence
	}
	s.records[conversationID] = append(arr, prepared...)

	out := make([]Turn, len(prepared))
	copy(out, prepared)
	return out, nil
}

func (s *InMemoryStore) ListActive(_ context.Context, conversationID string, limit int) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.records[conversationID]
	if len(arr) == 0 {
		return nil, nil
	}
	out := make([]Turn, 0, len(arr))
	for _, t := range arr {
		if t.Lifecycle == LifecycleActive {
			out = append(out, t)
		}
	}
	return recentTail(out, limit), nil
}

func (s *InMemoryStore) SoftDelete(_ context.Context, conversationID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	arr := s.records[conversationID]
	for i := range arr {
		if arr[i].Lifecycle == LifecycleActive {
			arr[i].Lifecycle = LifecycleDeleted
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) SoftDeleteByIDs(_ context.Context, conversationID string, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	want := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	arr := s.records[conversationID]
	for i := range arr {
		if _, ok := want[arr[i].ID]; ok && arr[i].Lifecycle == LifecycleActive {
			arr[i].Lifecycle = LifecycleDeleted
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) SetFeedback(_ context.Context, conversationID string, id int64, rating int, feedback string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	arr := s.records[conversationID]
	for i := range arr {
		if arr[i].ID == id && arr[i].Lifecycle == LifecycleActive {
			arr[i].Rating = rating
			arr[i].Feedback = feedback
			return nil
		}
	}
	return apperr.NotFound("memory.feedback", "turn %d not found", id)
}

func (s *InMemoryStore) Close() error { return nil }
