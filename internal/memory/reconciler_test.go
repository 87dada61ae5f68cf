package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/ragchat/internal/apperr"
)

type fixedSizer map[string]int

func (f fixedSizer) WindowSize(conversationID string) int { return f[conversationID] }

type flakyStore struct {
	*InMemoryStore
	failAppend bool
	failDelete bool
}

func (s *flakyStore) AppendBatch(ctx context.Context, turns []Turn) ([]Turn, error) {
	if s.failAppend {
		return nil, apperr.Persistence("memory.append", errors.New("disk full"))
	}
	return s.InMemoryStore.AppendBatch(ctx, turns)
}

func (s *flakyStore) SoftDeleteByIDs(ctx context.Context, conversationID string, ids []int64) (int, error) {
	if s.failDelete {
		return 0, apperr.Persistence("memory.soft_delete_ids", errors.New("connection reset"))
	}
	return s.InMemoryStore.SoftDeleteByIDs(ctx, conversationID, ids)
}

func seed(t *testing.T, store Store, turns ...Turn) []Turn {
	t.Helper()
	saved, err := store.AppendBatch(context.Background(), turns)
	require.NoError(t, err)
	return saved
}

func TestSaveAllAppendsToEmptyConversation(t *testing.T) {
	store := NewInMemoryStore()
	r := NewReconciler(store, ReconcilerConfig{})

	err := r.SaveAll(context.Background(), "c1", []Turn{
		SystemTurn("", "be helpful"),
		UserTurn("", "hi"),
		AssistantTurn("", "hello"),
	})
	require.NoError(t, err)

	got, err := store.ListActive(context.Background(), "c1", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"be helpful", "hi", "hello"}, texts(got))
	for _, turn := range got {
		assert.Equal(t, "c1", turn.ConversationID)
	}
}

func TestSaveAllAppendOnlyWindow(t *testing.T) {
	store := NewInMemoryStore()
	seed(t, store, UserTurn("c1", "u1"), AssistantTurn("c1", "a1"))
	r := NewReconciler(store, ReconcilerConfig{})

	window, err := r.FindByConversationID(context.Background(), "c1")
	require.NoError(t, err)
	window = append(window, UserTurn("c1", "u2"), AssistantTurn("c1", "a2"))

	require.NoError(t, r.SaveAll(context.Background(), "c1", window))

	got, err := store.ListActive(context.Background(), "c1", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "a1", "u2", "a2"}, texts(got))
}

func TestSaveAllSlidingWindowPrunesOldestOrdinaryTurns(t *testing.T) {
	store := NewInMemoryStore()
	saved := seed(t, store,
		SystemTurn("c1", "S"),
		UserTurn("c1", "U1"),
		AssistantTurn("c1", "A1"),
		UserTurn("c1", "U2"),
		AssistantTurn("c1", "A2"),
	)
	r := NewReconciler(store, ReconcilerConfig{DefaultWindow: 3})

	window := []Turn{saved[0], saved[3], saved[4], UserTurn("c1", "U3")}
	require.NoError(t, r.SaveAll(context.Background(), "c1", window))

	got, err := store.ListActive(context.Background(), "c1", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"S", "U2", "A2", "U3"}, texts(got))
	assert.Equal(t, saved[0].ID, got[0].ID, "system turn must survive pruning")
}

func TestSaveAllIsIdempotent(t *testing.T) {
	store := NewInMemoryStore()
	r := NewReconciler(store, ReconcilerConfig{DefaultWindow: 2})
	window := []Turn{
		SystemTurn("c1", "S"),
		UserTurn("c1", "U1"),
		AssistantTurn("c1", "A1"),
		UserTurn("c1", "U2"),
	}

	require.NoError(t, r.SaveAll(context.Background(), "c1", window))
	first, err := store.ListActive(context.Background(), "c1", 0)
	require.NoError(t, err)

	require.NoError(t, r.SaveAll(context.Background(), "c1", window))
	second, err := store.ListActive(context.Background(), "c1", 0)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, []string{"S", "A1", "U2"}, texts(second))
}

func TestSaveAllDoesNotDuplicatePinnedTurns(t *testing.T) {
	store := NewInMemoryStore()
	seed(t, store, SystemTurn("c1", "S"), UserTurn("c1", "U1"))
	r := NewReconciler(store, ReconcilerConfig{})

	// Same text, no id: the stored system turn already covers it.
	require.NoError(t, r.SaveAll(context.Background(), "c1", []Turn{
		SystemTurn("c1", "S"),
		UserTurn("c1", "U1"),
		AssistantTurn("c1", "A1"),
	}))

	got, err := store.ListActive(context.Background(), "c1", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"S", "U1", "A1"}, texts(got))
}

func TestSaveAllEmptyWindowIsNoop(t *testing.T) {
	store := NewInMemoryStore()
	seed(t, store, UserTurn("c1", "U1"))
	r := NewReconciler(store, ReconcilerConfig{DefaultWindow: 1})

	require.NoError(t, r.SaveAll(context.Background(), "c1", nil))

	got, err := store.ListActive(context.Background(), "c1", 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestSaveAllAppendFailureLeavesStoreUnchanged(t *testing.T) {
	store := &flakyStore{InMemoryStore: NewInMemoryStore()}
	seed(t, store, UserTurn("c1", "U1"))
	store.failAppend = true
	r := NewReconciler(store, ReconcilerConfig{})

	err := r.SaveAll(context.Background(), "c1", []Turn{UserTurn("c1", "U1"), AssistantTurn("c1", "A1")})
	require.Error(t, err)
	assert.Equal(t, apperr.KindPersistence, apperr.KindOf(err))

	got, err := store.ListActive(context.Background(), "c1", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"U1"}, texts(got))
}

func TestSaveAllPruneFailureIsNotReturned(t *testing.T) {
	store := &flakyStore{InMemoryStore: NewInMemoryStore(), failDelete: true}
	r := NewReconciler(store, ReconcilerConfig{DefaultWindow: 1})

	err := r.SaveAll(context.Background(), "c1", []Turn{UserTurn("c1", "U1"), AssistantTurn("c1", "A1")})
	require.NoError(t, err)

	got, err := store.ListActive(context.Background(), "c1", 0)
	require.NoError(t, err)
	assert.Len(t, got, 2, "prune deferred")

	// The next reconciliation repairs the window.
	store.failDelete = false
	require.NoError(t, r.SaveAll(context.Background(), "c1", got))
	got, err = store.ListActive(context.Background(), "c1", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"A1"}, texts(got))
}

func TestSaveAllUsesPerConversationWindowSize(t *testing.T) {
	store := NewInMemoryStore()
	r := NewReconciler(store, ReconcilerConfig{DefaultWindow: 10, Sizer: fixedSizer{"small": 1}})
	window := []Turn{UserTurn("", "U1"), AssistantTurn("", "A1")}

	require.NoError(t, r.SaveAll(context.Background(), "small", window))
	require.NoError(t, r.SaveAll(context.Background(), "large", window))

	small, err := store.ListActive(context.Background(), "small", 0)
	require.NoError(t, err)
	large, err := store.ListActive(context.Background(), "large", 0)
	require.NoError(t, err)
	assert.Len(t, small, 1)
	assert.Len(t, large, 2)
}

func TestFindByConversationIDKeepsPinnedAndRecent(t *testing.T) {
	store := NewInMemoryStore()
	seed(t, store,
		SystemTurn("c1", "S"),
		UserTurn("c1", "U1"),
		AssistantTurn("c1", "A1"),
		UserTurn("c1", "U2"),
	)
	r := NewReconciler(store, ReconcilerConfig{DefaultWindow: 2})

	got, err := r.FindByConversationID(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"S", "A1", "U2"}, texts(got))

	empty, err := r.FindByConversationID(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestDeleteByConversationID(t *testing.T) {
	store := NewInMemoryStore()
	seed(t, store, UserTurn("c1", "U1"), AssistantTurn("c1", "A1"))
	r := NewReconciler(store, ReconcilerConfig{})

	n, err := r.DeleteByConversationID(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := r.FindByConversationID(context.Background(), "c1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDiffWindowOverlap(t *testing.T) {
	u := func(s string) Turn { return UserTurn("c", s) }
	cases := []struct {
		name     string
		existing []Turn
		window   []Turn
		want     []string
	}{
		{"empty store", nil, []Turn{u("a"), u("b")}, []string{"a", "b"}},
		{"append only", []Turn{u("a")}, []Turn{u("a"), u("b")}, []string{"b"}},
		{"slid window", []Turn{u("a"), u("b"), u("c")}, []Turn{u("b"), u("c"), u("d")}, []string{"d"}},
		{"already saved", []Turn{u("a"), u("b")}, []Turn{u("b")}, nil},
		{"disjoint", []Turn{u("a")}, []Turn{u("x"), u("y")}, []string{"x", "y"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := diffWindow(tc.existing, tc.window)
			if tc.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tc.want, texts(got))
		})
	}
}

func TestRateOnlyAnswers(t *testing.T) {
	store := NewInMemoryStore()
	saved := seed(t, store, UserTurn("c1", "Q"), AssistantTurn("c1", "A"))
	r := NewReconciler(store, ReconcilerConfig{})
	ctx := context.Background()

	rated, err := r.Rate(ctx, "c1", saved[1].ID, 5, "  spot on  ")
	require.NoError(t, err)
	assert.Equal(t, 5, rated.Rating)
	assert.Equal(t, "spot on", rated.Feedback)
	assert.Equal(t, "A", rated.Text)

	_, err = r.Rate(ctx, "c1", saved[0].ID, 3, "")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	for _, bad := range []int{0, 6, -1} {
		_, err = r.Rate(ctx, "c1", saved[1].ID, bad, "")
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err), "rating %d", bad)
	}

	_, err = r.Rate(ctx, "c1", 999, 3, "")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	// A rated answer still matches the window it came from.
	require.NoError(t, r.SaveAll(ctx, "c1", []Turn{UserTurn("c1", "Q"), AssistantTurn("c1", "A")}))
	got, err := store.ListActive(ctx, "c1", 0)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
