package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/ragchat/internal/apperr"
	"github.com/ent0n29/ragchat/internal/llm"
	"github.com/ent0n29/ragchat/internal/memory"
	"github.com/ent0n29/ragchat/internal/retrieval"
	"github.com/ent0n29/ragchat/internal/session"
)

type scriptedModel struct {
	mu       sync.Mutex
	requests []llm.Request

	reply string
	err   error
	// block waits for cancellation instead of answering.
	block bool
	// partial is emitted before blocking in StreamResponse.
	partial string
}

func (m *scriptedModel) record(req llm.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
}

func (m *scriptedModel) lastRequest() llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[len(m.requests)-1]
}

func (m *scriptedModel) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	m.record(req)
	if m.block {
		<-ctx.Done()
		return llm.Response{}, ctx.Err()
	}
	if m.err != nil {
		return llm.Response{}, m.err
	}
	return llm.Response{Text: m.reply}, nil
}

func (m *scriptedModel) StreamResponse(ctx context.Context, req llm.Request, onDelta llm.DeltaHandler) (llm.Response, error) {
	m.record(req)
	if m.partial != "" {
		if err := onDelta(m.partial); err != nil {
			return llm.Response{}, err
		}
	}
	if m.block {
		<-ctx.Done()
		return llm.Response{}, ctx.Err()
	}
	if m.err != nil {
		return llm.Response{}, m.err
	}
	for _, word := range strings.SplitAfter(m.reply, " ") {
		if err := onDelta(word); err != nil {
			return llm.Response{}, err
		}
	}
	return llm.Response{Text: m.reply}, nil
}

// wholeAnswerModel ignores the delta handler and only reports the final
// text, like adapters without streaming support.
type wholeAnswerModel struct {
	scriptedModel
	beforeReturn func()
}

func (m *wholeAnswerModel) StreamResponse(ctx context.Context, req llm.Request, _ llm.DeltaHandler) (llm.Response, error) {
	m.record(req)
	if m.beforeReturn != nil {
		m.beforeReturn()
	}
	return llm.Response{Text: m.reply}, nil
}

type failingSearch struct{}

func (failingSearch) Search(context.Context, string, int) ([]retrieval.Snippet, error) {
	return nil, apperr.Retrieval("test.search", errors.New("vector index offline"))
}

// brokenAppendStore reads like the in-memory store but rejects every write.
type brokenAppendStore struct {
	*memory.InMemoryStore
}

func (brokenAppendStore) AppendBatch(context.Context, []memory.Turn) ([]memory.Turn, error) {
	return nil, errors.New("disk full")
}

type fixture struct {
	store *memory.InMemoryStore
	model *scriptedModel
	orch  *Orchestrator
}

func newFixture(t *testing.T, model *scriptedModel, window int, configure func(*Config)) *fixture {
	t.Helper()
	store := memory.NewInMemoryStore()
	cfg := Config{
		Memory:            memory.NewReconciler(store, memory.ReconcilerConfig{DefaultWindow: window}),
		Model:             model,
		WritebackOnCancel: true,
	}
	if configure != nil {
		configure(&cfg)
	}
	return &fixture{store: store, model: model, orch: NewOrchestrator(cfg)}
}

func (f *fixture) active(t *testing.T, sessionID string) []memory.Turn {
	t.Helper()
	turns, err := f.store.ListActive(context.Background(), session.ConversationIDFor(sessionID), 0)
	require.NoError(t, err)
	return turns
}

func texts(turns []memory.Turn) []string {
	out := make([]string, len(turns))
	for i, t := range turns {
		out[i] = t.Text
	}
	return out
}

func TestAskWithoutKnowledgeStillAnswers(t *testing.T) {
	f := newFixture(t, &scriptedModel{reply: "Paris."}, 10, func(c *Config) {
		c.Retriever = retrieval.NewService(retrieval.NewHashEmbedder(64), retrieval.NewMemoryBackend(), nil, nil)
	})

	answer, err := f.orch.Ask(context.Background(), AskRequest{SessionID: "s1", Question: "Capital of France?"})
	require.NoError(t, err)
	assert.Equal(t, "Paris.", answer.Text)
	assert.Empty(t, answer.Sources)
	assert.Equal(t, session.ConversationIDFor("s1"), answer.ConversationID)
	assert.Positive(t, answer.TokensUsed)

	msgs := f.model.lastRequest().Messages
	assert.Equal(t, "Capital of France?", msgs[len(msgs)-1].Content)
	assert.Equal(t, []string{"Capital of France?", "Paris."}, texts(f.active(t, "s1")))
}

func TestAskIncludesRetrievedKnowledge(t *testing.T) {
	svc := retrieval.NewService(retrieval.NewHashEmbedder(128), retrieval.NewMemoryBackend(), nil, nil)
	_, err := svc.Index(context.Background(), []retrieval.Document{{ID: "d1", Text: "The office wifi password rotates every monday"}}, 0)
	require.NoError(t, err)

	f := newFixture(t, &scriptedModel{reply: "It rotates on Mondays."}, 10, func(c *Config) { c.Retriever = svc })
	answer, err := f.orch.Ask(context.Background(), AskRequest{SessionID: "s1", Question: "When does the wifi password rotate?"})
	require.NoError(t, err)
	require.Len(t, answer.Sources, 1)

	msgs := f.model.lastRequest().Messages
	assert.True(t, strings.HasPrefix(msgs[len(msgs)-1].Content, "Knowledge base content:\nThe office wifi password"))

	off := false
	_, err = f.orch.Ask(context.Background(), AskRequest{SessionID: "s2", Question: "When does the wifi password rotate?", UseKnowledgeBase: &off})
	require.NoError(t, err)
	msgs = f.model.lastRequest().Messages
	assert.NotContains(t, msgs[len(msgs)-1].Content, "Knowledge base content")
}

func TestAskRetrievalFailureDegradesToEmptyContext(t *testing.T) {
	f := newFixture(t, &scriptedModel{reply: "42"}, 10, func(c *Config) { c.Retriever = failingSearch{} })

	answer, err := f.orch.Ask(context.Background(), AskRequest{SessionID: "s1", Question: "meaning of life"})
	require.NoError(t, err)
	assert.Equal(t, "42", answer.Text)
	assert.Empty(t, answer.Sources)
}

func TestAskValidation(t *testing.T) {
	f := newFixture(t, &scriptedModel{reply: "x"}, 10, nil)

	_, err := f.orch.Ask(context.Background(), AskRequest{SessionID: "s1", Question: "   "})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	_, err = f.orch.Ask(context.Background(), AskRequest{Question: "hi"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = f.orch.AskStream(context.Background(), AskRequest{SessionID: "s1"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Empty(t, f.active(t, "s1"))
	assert.Empty(t, f.model.requests)
}

func TestAskUnknownSessionIsNotFound(t *testing.T) {
	sessions := session.NewManager(time.Minute)
	f := newFixture(t, &scriptedModel{reply: "x"}, 10, func(c *Config) { c.Sessions = sessions })

	_, err := f.orch.Ask(context.Background(), AskRequest{SessionID: "missing", Question: "hi"})
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	s := sessions.Create("u1", "", 0)
	_, err = f.orch.Ask(context.Background(), AskRequest{SessionID: s.ID, Question: "hi"})
	require.NoError(t, err)
}

func TestAskModelErrorPersistsNothing(t *testing.T) {
	f := newFixture(t, &scriptedModel{err: errors.New("upstream 500")}, 10, nil)

	_, err := f.orch.Ask(context.Background(), AskRequest{SessionID: "s1", Question: "hi"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindModel, apperr.KindOf(err))
	assert.Empty(t, f.active(t, "s1"))
}

func TestAskTimeoutIsModelError(t *testing.T) {
	f := newFixture(t, &scriptedModel{block: true}, 10, nil)

	start := time.Now()
	_, err := f.orch.Ask(context.Background(), AskRequest{SessionID: "s1", Question: "hi", Timeout: 20 * time.Millisecond})
	require.Error(t, err)
	assert.Equal(t, apperr.KindModel, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), time.Second)
}

func TestAskKeepsWindowBounded(t *testing.T) {
	f := newFixture(t, &scriptedModel{reply: "ok"}, 4, nil)

	for i := 0; i < 5; i++ {
		_, err := f.orch.Ask(context.Background(), AskRequest{SessionID: "s1", Question: fmt.Sprintf("q%d", i)})
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"q3", "ok", "q4", "ok"}, texts(f.active(t, "s1")))

	history, err := f.orch.History(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, history, 4)

	// The model saw the window, then the new question.
	msgs := f.model.lastRequest().Messages
	require.Len(t, msgs, 1+4+1)
	assert.Equal(t, "q2", msgs[1].Content)
}

func TestConcurrentAsksOnOneConversationDoNotDuplicate(t *testing.T) {
	f := newFixture(t, &scriptedModel{reply: "ok"}, 20, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.orch.Ask(context.Background(), AskRequest{SessionID: "s1", Question: fmt.Sprintf("q%d", i)})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	turns := f.active(t, "s1")
	require.Len(t, turns, 10)
	seen := map[string]int{}
	for _, turn := range turns {
		if turn.Role == memory.RoleUser {
			seen[turn.Text]++
		}
	}
	assert.Len(t, seen, 5)
	for q, n := range seen {
		assert.Equal(t, 1, n, q)
	}
	assert.Zero(t, f.orch.locks.size())
}

func drain(t *testing.T, ch <-chan StreamEvent) (deltas []string, terminal StreamEvent) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return deltas, terminal
			}
			if evt.Done || evt.Err != nil {
				require.False(t, terminal.Done || terminal.Err != nil, "second terminal event")
				terminal = evt
				continue
			}
			deltas = append(deltas, evt.Delta)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func TestAskStreamDeliversDeltasThenDone(t *testing.T) {
	f := newFixture(t, &scriptedModel{reply: "streamed answer here"}, 10, nil)

	ch, err := f.orch.AskStream(context.Background(), AskRequest{SessionID: "s1", Question: "go"})
	require.NoError(t, err)
	deltas, terminal := drain(t, ch)

	require.True(t, terminal.Done)
	require.NotNil(t, terminal.Answer)
	assert.Equal(t, "streamed answer here", strings.Join(deltas, ""))
	assert.Equal(t, "streamed answer here", terminal.Answer.Text)

	assert.Equal(t, []string{"go", "streamed answer here"}, texts(f.active(t, "s1")))
}

func TestAskStreamWritesBackBeforeDone(t *testing.T) {
	f := newFixture(t, &scriptedModel{reply: "persisted first"}, 10, nil)

	ch, err := f.orch.AskStream(context.Background(), AskRequest{SessionID: "s1", Question: "order"})
	require.NoError(t, err)
	for evt := range ch {
		if evt.Done {
			// No waiting: the exchange must already be readable.
			history, err := f.orch.History(context.Background(), "s1")
			require.NoError(t, err)
			assert.Equal(t, []string{"order", "persisted first"}, texts(history))
		}
	}
}

func TestAskStreamWriteBackFailureStillCompletes(t *testing.T) {
	store := brokenAppendStore{memory.NewInMemoryStore()}
	model := &scriptedModel{reply: "answer survives storage"}
	orch := NewOrchestrator(Config{
		Memory: memory.NewReconciler(store, memory.ReconcilerConfig{}),
		Model:  model,
	})

	ch, err := orch.AskStream(context.Background(), AskRequest{SessionID: "s1", Question: "go"})
	require.NoError(t, err)
	deltas, terminal := drain(t, ch)

	require.NoError(t, terminal.Err)
	require.True(t, terminal.Done)
	assert.Equal(t, "answer survives storage", strings.Join(deltas, ""))
	assert.Equal(t, "answer survives storage", terminal.Answer.Text)

	turns, err := store.ListActive(context.Background(), session.ConversationIDFor("s1"), 0)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestAskWriteBackFailureIsPersistenceError(t *testing.T) {
	orch := NewOrchestrator(Config{
		Memory: memory.NewReconciler(brokenAppendStore{memory.NewInMemoryStore()}, memory.ReconcilerConfig{}),
		Model:  &scriptedModel{reply: "lost"},
	})

	_, err := orch.Ask(context.Background(), AskRequest{SessionID: "s1", Question: "go"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindPersistence, apperr.KindOf(err))
}

func TestAskGivingUpOnBusyConversationIsCanceled(t *testing.T) {
	f := newFixture(t, &scriptedModel{reply: "never"}, 10, nil)
	unlock, err := f.orch.locks.Lock(context.Background(), session.ConversationIDFor("s1"))
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.orch.Ask(ctx, AskRequest{SessionID: "s1", Question: "waiting"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindCanceled, apperr.KindOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	ch, err := f.orch.AskStream(ctx2, AskRequest{SessionID: "s1", Question: "waiting"})
	require.NoError(t, err)
	_, terminal := drain(t, ch)
	assert.Equal(t, apperr.KindCanceled, apperr.KindOf(terminal.Err))

	ctx3, cancel3 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel3()
	_, err = f.orch.Clear(ctx3, "s1")
	assert.Equal(t, apperr.KindCanceled, apperr.KindOf(err))

	assert.Empty(t, f.model.requests)
	assert.Empty(t, f.active(t, "s1"))
}

func TestAskStreamFinalTextOnlyIsEmittedOnce(t *testing.T) {
	model := &wholeAnswerModel{scriptedModel: scriptedModel{reply: "all at once"}}
	store := memory.NewInMemoryStore()
	orch := NewOrchestrator(Config{Memory: memory.NewReconciler(store, memory.ReconcilerConfig{}), Model: model})

	ch, err := orch.AskStream(context.Background(), AskRequest{SessionID: "s1", Question: "q"})
	require.NoError(t, err)
	deltas, terminal := drain(t, ch)
	require.True(t, terminal.Done)
	assert.Equal(t, []string{"all at once"}, deltas)
}

func TestAskStreamUndeliveredFinalTextIsNotPersisted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	model := &wholeAnswerModel{scriptedModel: scriptedModel{reply: "nobody saw this"}, beforeReturn: cancel}
	store := memory.NewInMemoryStore()
	orch := NewOrchestrator(Config{
		Memory:            memory.NewReconciler(store, memory.ReconcilerConfig{}),
		Model:             model,
		WritebackOnCancel: true,
	})

	ch, err := orch.AskStream(ctx, AskRequest{SessionID: "s1", Question: "q"})
	require.NoError(t, err)
	deltas, terminal := drain(t, ch)

	assert.Empty(t, deltas)
	assert.False(t, terminal.Done)
	assert.Equal(t, apperr.KindCanceled, apperr.KindOf(terminal.Err))
	time.Sleep(20 * time.Millisecond)
	turns, err := store.ListActive(context.Background(), session.ConversationIDFor("s1"), 0)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestAskStreamModelErrorIsTerminalAndPersistsNothing(t *testing.T) {
	f := newFixture(t, &scriptedModel{err: errors.New("boom")}, 10, nil)

	ch, err := f.orch.AskStream(context.Background(), AskRequest{SessionID: "s1", Question: "go"})
	require.NoError(t, err)
	_, terminal := drain(t, ch)

	require.Error(t, terminal.Err)
	assert.Equal(t, apperr.KindModel, apperr.KindOf(terminal.Err))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, f.active(t, "s1"))
}

func TestAskStreamTimeoutEndsWithError(t *testing.T) {
	f := newFixture(t, &scriptedModel{block: true}, 10, nil)

	ch, err := f.orch.AskStream(context.Background(), AskRequest{SessionID: "s1", Question: "go", Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	_, terminal := drain(t, ch)

	require.Error(t, terminal.Err)
	assert.Equal(t, apperr.KindModel, apperr.KindOf(terminal.Err))
	assert.Contains(t, terminal.Err.Error(), "timed out")
}

func TestAskStreamCancelPersistsPartial(t *testing.T) {
	f := newFixture(t, &scriptedModel{partial: "partial ", block: true}, 10, nil)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := f.orch.AskStream(ctx, AskRequest{SessionID: "s1", Question: "long question"})
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, "partial ", first.Delta)
	cancel()
	_, terminal := drain(t, ch)
	assert.Equal(t, apperr.KindCanceled, apperr.KindOf(terminal.Err))

	require.Eventually(t, func() bool { return len(f.active(t, "s1")) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"long question", "partial"}, texts(f.active(t, "s1")))
}

func TestAskStreamCancelSkipsWritebackWhenDisabled(t *testing.T) {
	f := newFixture(t, &scriptedModel{partial: "partial ", block: true}, 10, func(c *Config) { c.WritebackOnCancel = false })

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := f.orch.AskStream(ctx, AskRequest{SessionID: "s1", Question: "long question"})
	require.NoError(t, err)
	<-ch
	cancel()
	drain(t, ch)

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, f.active(t, "s1"))
}

func TestClearSoftDeletesConversation(t *testing.T) {
	f := newFixture(t, &scriptedModel{reply: "ok"}, 10, nil)
	_, err := f.orch.Ask(context.Background(), AskRequest{SessionID: "s1", Question: "hi"})
	require.NoError(t, err)

	n, err := f.orch.Clear(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, f.active(t, "s1"))
}

func TestKeyedMutexHonoursContext(t *testing.T) {
	k := newKeyedMutex()
	unlock, err := k.Lock(context.Background(), "c1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = k.Lock(ctx, "c1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := k.Lock(context.Background(), "c2")
	require.NoError(t, err)
	other()

	unlock()
	unlock()
	assert.Zero(t, k.size())
}
