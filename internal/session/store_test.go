package session

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	_ "modernc.org/sqlite"
)

type recordingStore struct {
	mu     sync.Mutex
	rows   map[string]Session
	saves  int
	failOn int
}

func newRecordingStore() *recordingStore {
	return &recordingStore{rows: make(map[string]Session)}
}

func (r *recordingStore) Save(_ context.Context, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves++
	if r.saves == r.failOn {
		return errors.New("write refused")
	}
	r.rows[s.ID] = *s
	return nil
}

func (r *recordingStore) LoadAll(context.Context) ([]*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.rows))
	for _, s := range r.rows {
		s := s
		out = append(out, &s)
	}
	return out, nil
}

func (r *recordingStore) row(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[id]
	return s, ok
}

func TestManagerPersistsEveryChange(t *testing.T) {
	store := newRecordingStore()
	m := NewManager(time.Minute)
	m.SetStore(store, nil)

	s := m.Create("u1", "", 6)
	if row, ok := store.row(s.ID); !ok || row.WindowSize != 6 || row.Title != DefaultTitle {
		t.Fatalf("created row = %+v, %v", row, ok)
	}
	if err := m.SetTitle(s.ID, "Renamed"); err != nil {
		t.Fatalf("SetTitle() error = %v", err)
	}
	if _, err := m.Archive(s.ID); err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	row, _ := store.row(s.ID)
	if row.Title != "Renamed" || row.Status != StatusArchived {
		t.Fatalf("row after rename+archive = %+v", row)
	}

	before := store.saves
	if _, err := m.Archive(s.ID); err != nil {
		t.Fatalf("second Archive() error = %v", err)
	}
	if store.saves != before {
		t.Fatalf("no-op transition wrote %d times", store.saves-before)
	}

	if _, err := m.End(s.ID); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if row, _ := store.row(s.ID); row.Status != StatusEnded {
		t.Fatalf("row status = %q, want ended", row.Status)
	}
}

func TestManagerSaveFailureKeepsChange(t *testing.T) {
	store := newRecordingStore()
	store.failOn = 2
	m := NewManager(time.Minute)
	m.SetStore(store, nil)

	s := m.Create("u1", "", 0)
	if err := m.SetTitle(s.ID, "Not saved"); err != nil {
		t.Fatalf("SetTitle() error = %v", err)
	}
	got, _ := m.Get(s.ID)
	if got.Title != "Not saved" {
		t.Fatalf("title = %q, want in-memory change kept", got.Title)
	}
	if row, _ := store.row(s.ID); row.Title != DefaultTitle {
		t.Fatalf("stored title = %q, want previous value", row.Title)
	}

	// The next successful write catches the row up.
	if err := m.Touch(s.ID); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	if row, _ := store.row(s.ID); row.Title != "Not saved" {
		t.Fatalf("stored title after touch = %q", row.Title)
	}
}

func TestManagerLoadRestoresSessions(t *testing.T) {
	store := newRecordingStore()
	first := NewManager(time.Minute)
	first.SetStore(store, nil)
	kept := first.Create("u1", "Kept", 3)
	ended := first.Create("u1", "Gone", 0)
	if _, err := first.End(ended.ID); err != nil {
		t.Fatalf("End() error = %v", err)
	}

	second := NewManager(time.Minute)
	second.SetStore(store, nil)
	n, err := second.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("Load() = %d, want 2", n)
	}
	if got := second.WindowSize(kept.ConversationID); got != 3 {
		t.Fatalf("WindowSize() = %d, want 3", got)
	}
	if conv, err := second.Conversation(kept.ID); err != nil || conv != kept.ConversationID {
		t.Fatalf("Conversation() = %q, %v", conv, err)
	}
	if _, err := second.Conversation(ended.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Conversation(ended) error = %v, want ErrNotFound", err)
	}
	if list := second.List("u1", ListOptions{}); len(list) != 1 || list[0].Title != "Kept" {
		t.Fatalf("List() = %+v", list)
	}
}

func TestManagerTouchKeepsSessionFromJanitor(t *testing.T) {
	m := NewManager(200 * time.Millisecond)
	s := m.Create("u1", "", 0)
	time.Sleep(150 * time.Millisecond)
	if err := m.Touch(s.ID); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	m.archiveInactive()
	if got, _ := m.Get(s.ID); got.Status != StatusActive {
		t.Fatalf("status = %q, want active after touch", got.Status)
	}
	if err := m.Touch("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Touch(missing) error = %v", err)
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	store, err := NewSQLiteStore(ctx, db)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := &Session{ID: "s1", UserID: "u1", ConversationID: ConversationIDFor("s1"), Title: "First", Status: StatusActive, WindowSize: 4, StartedAt: now, LastActivityAt: now}
	if err := store.Save(ctx, s); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	s.Title = "Second"
	s.Status = StatusArchived
	s.LastActivityAt = now.Add(time.Minute)
	if err := store.Save(ctx, s); err != nil {
		t.Fatalf("Save() upsert error = %v", err)
	}

	all, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("LoadAll() = %d rows, want 1", len(all))
	}
	got := all[0]
	if got.Title != "Second" || got.Status != StatusArchived || got.WindowSize != 4 || !got.LastActivityAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("loaded session = %+v", got)
	}
}

// fakeSessionTable pages Query results one item at a time.
type fakeSessionTable struct {
	items map[string]map[string]types.AttributeValue
}

func (f *fakeSessionTable) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	seq := in.Key["seq"].(*types.AttributeValueMemberN).Value
	f.items[seq] = map[string]types.AttributeValue{
		"conversation_id": in.Key["conversation_id"],
		"seq":             in.Key["seq"],
		"session_id":      in.ExpressionAttributeValues[":id"],
		"body":            in.ExpressionAttributeValues[":body"],
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeSessionTable) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	keys := make([]string, 0, len(f.items))
	for k := range f.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	after := ""
	if in.ExclusiveStartKey != nil {
		after = in.ExclusiveStartKey["seq"].(*types.AttributeValueMemberN).Value
	}
	for i, k := range keys {
		if after != "" && k <= after {
			continue
		}
		out := &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{f.items[k]}}
		if i < len(keys)-1 {
			out.LastEvaluatedKey = map[string]types.AttributeValue{"seq": f.items[k]["seq"]}
		}
		return out, nil
	}
	return &dynamodb.QueryOutput{}, nil
}

func TestDynamoStoreSavesAndPagesThroughSessions(t *testing.T) {
	table := &fakeSessionTable{items: make(map[string]map[string]types.AttributeValue)}
	store := NewDynamoStore(table, "chat")
	ctx := context.Background()

	m := NewManager(time.Minute)
	m.SetStore(store, nil)
	a := m.Create("u1", "Alpha", 0)
	b := m.Create("u2", "Beta", 5)
	if err := m.SetTitle(a.ID, "Alpha renamed"); err != nil {
		t.Fatalf("SetTitle() error = %v", err)
	}

	all, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	byID := map[string]*Session{}
	for _, s := range all {
		byID[s.ID] = s
	}
	if len(byID) != 2 {
		t.Fatalf("LoadAll() = %d sessions, want 2", len(byID))
	}
	if byID[a.ID].Title != "Alpha renamed" || byID[b.ID].WindowSize != 5 {
		t.Fatalf("loaded sessions = %+v / %+v", byID[a.ID], byID[b.ID])
	}
	if key := sessionKey(a.ID)["seq"].(*types.AttributeValueMemberN).Value; key == "0" {
		t.Fatal("session key collides with the metadata row")
	}
}
