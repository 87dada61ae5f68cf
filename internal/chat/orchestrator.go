// Package chat answers questions against the knowledge base while keeping
// the conversation transcript bounded and durable.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ent0n29/ragchat/internal/apperr"
	"github.com/ent0n29/ragchat/internal/llm"
	"github.com/ent0n29/ragchat/internal/memory"
	"github.com/ent0n29/ragchat/internal/observability"
	"github.com/ent0n29/ragchat/internal/policy"
	"github.com/ent0n29/ragchat/internal/prompt"
	"github.com/ent0n29/ragchat/internal/retrieval"
	"github.com/ent0n29/ragchat/internal/session"
)

const (
	DefaultModelTimeout     = 60 * time.Second
	DefaultWritebackTimeout = 10 * time.Second
	streamBuffer            = 32
	logQueryLimit           = 120
)

// Stage is a step of the ask lifecycle.
type Stage string

const (
	StageReceived         Stage = "received"
	StageValidated        Stage = "validated"
	StageContextRetrieved Stage = "context_retrieved"
	StagePromptBuilt      Stage = "prompt_built"
	StageFirstDelta       Stage = "first_delta"
	StageModelInvoked     Stage = "model_invoked"
	StageCompleted        Stage = "completed"
	StageFailed           Stage = "failed"
)

type AskRequest struct {
	SessionID string        `json:"session_id"`
	Question  string        `json:"question"`
	TopK      int           `json:"top_k,omitempty"`
	Timeout   time.Duration `json:"-"`
	// UseKnowledgeBase skips retrieval when explicitly false.
	UseKnowledgeBase *bool `json:"use_knowledge_base,omitempty"`
}

type Answer struct {
	Text           string              `json:"text"`
	ConversationID string              `json:"conversation_id"`
	Sources        []retrieval.Snippet `json:"sources"`
	TokensUsed     int                 `json:"tokens_used"`
	Latency        time.Duration       `json:"-"`
	LatencyMS      int64               `json:"latency_ms"`
}

// StreamEvent is one item of an AskStream channel: a Delta fragment, or the
// single terminal event carrying either Answer (Done) or Err.
type StreamEvent struct {
	Delta  string
	Done   bool
	Answer *Answer
	Err    error
}

// Searcher is the retrieval side of the orchestrator.
type Searcher interface {
	Search(ctx context.Context, query string, topK int) ([]retrieval.Snippet, error)
}

// Memory is the reconciled transcript.
type Memory interface {
	FindByConversationID(ctx context.Context, conversationID string) ([]memory.Turn, error)
	SaveAll(ctx context.Context, conversationID string, window []memory.Turn) error
	DeleteByConversationID(ctx context.Context, conversationID string) (int, error)
	Rate(ctx context.Context, conversationID string, turnID int64, rating int, feedback string) (memory.Turn, error)
}

// Sessions resolves a session to its conversation.
type Sessions interface {
	Conversation(sessionID string) (string, error)
}

type Config struct {
	Retriever         Searcher
	Memory            Memory
	Model             llm.Adapter
	Assembler         *prompt.Assembler
	Sessions          Sessions
	Tokens            *llm.TokenCounter
	Logger            *slog.Logger
	Metrics           *observability.Metrics
	TopK              int
	ModelTimeout      time.Duration
	WritebackTimeout  time.Duration
	WritebackOnCancel bool
	StreamMinChars    int
}

type Orchestrator struct {
	retriever         Searcher
	memory            Memory
	model             llm.Adapter
	assembler         *prompt.Assembler
	sessions          Sessions
	tokens            *llm.TokenCounter
	logger            *slog.Logger
	metrics           *observability.Metrics
	topK              int
	modelTimeout      time.Duration
	writebackTimeout  time.Duration
	writebackOnCancel bool
	streamMinChars    int
	locks             *keyedMutex
}

func NewOrchestrator(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Assembler == nil {
		cfg.Assembler = prompt.NewAssembler("")
	}
	if cfg.TopK <= 0 {
		cfg.TopK = retrieval.DefaultTopK
	}
	if cfg.ModelTimeout <= 0 {
		cfg.ModelTimeout = DefaultModelTimeout
	}
	if cfg.WritebackTimeout <= 0 {
		cfg.WritebackTimeout = DefaultWritebackTimeout
	}
	return &Orchestrator{
		retriever:         cfg.Retriever,
		memory:            cfg.Memory,
		model:             cfg.Model,
		assembler:         cfg.Assembler,
		sessions:          cfg.Sessions,
		tokens:            cfg.Tokens,
		logger:            cfg.Logger,
		metrics:           cfg.Metrics,
		topK:              cfg.TopK,
		modelTimeout:      cfg.ModelTimeout,
		writebackTimeout:  cfg.WritebackTimeout,
		writebackOnCancel: cfg.WritebackOnCancel,
		streamMinChars:    cfg.StreamMinChars,
		locks:             newKeyedMutex(),
	}
}

// turnPlan is everything gathered before the model call.
type turnPlan struct {
	conversationID string
	question       string
	window         []memory.Turn
	sources        []retrieval.Snippet
	request        llm.Request
	timeout        time.Duration
	start          time.Time
}

// Ask answers one question and records the exchange.
func (o *Orchestrator) Ask(ctx context.Context, req AskRequest) (Answer, error) {
	start := time.Now()
	conversationID, err := o.admit(req)
	if err != nil {
		o.metrics.ObserveAsk(string(StageFailed), "blocking", time.Since(start))
		return Answer{}, err
	}

	unlock, err := o.locks.Lock(ctx, conversationID)
	if err != nil {
		err = apperr.Canceled("chat.ask", fmt.Errorf("waiting for conversation: %w", err))
		o.metrics.ObserveAsk(string(StageFailed), "blocking", time.Since(start))
		return Answer{}, err
	}
	defer unlock()

	plan, err := o.prepare(ctx, conversationID, req, start)
	if err != nil {
		o.fail(plan, "blocking", err)
		return Answer{}, err
	}

	modelCtx, cancel := context.WithTimeout(ctx, plan.timeout)
	resp, err := o.model.Complete(modelCtx, plan.request)
	cancel()
	o.stage(plan, StageModelInvoked)
	if err != nil {
		err = o.modelError("chat.ask", modelCtx, err)
		o.fail(plan, "blocking", err)
		return Answer{}, err
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		err := apperr.Model("chat.ask", errors.New("model returned an empty answer"))
		o.fail(plan, "blocking", err)
		return Answer{}, err
	}

	if err := o.writeBack(ctx, plan, text); err != nil {
		o.fail(plan, "blocking", err)
		return Answer{}, err
	}

	answer := o.answer(plan, text, resp.TokensUsed)
	o.complete(plan, "blocking")
	return answer, nil
}

// AskStream answers one question incrementally. Request validation errors
// are returned directly; everything after is reported on the channel, which
// ends with exactly one terminal event and is then closed. A completed
// exchange is written back before its Done event. Cancelling ctx stops the
// model call promptly.
func (o *Orchestrator) AskStream(ctx context.Context, req AskRequest) (<-chan StreamEvent, error) {
	start := time.Now()
	conversationID, err := o.admit(req)
	if err != nil {
		o.metrics.ObserveAsk(string(StageFailed), "stream", time.Since(start))
		return nil, err
	}

	out := make(chan StreamEvent, streamBuffer)
	go o.runStream(ctx, conversationID, req, start, out)
	return out, nil
}

func (o *Orchestrator) runStream(ctx context.Context, conversationID string, req AskRequest, start time.Time, out chan<- StreamEvent) {
	terminate := func(evt StreamEvent) {
		select {
		case out <- evt:
		case <-ctx.Done():
			// The consumer is gone; leave the event if there is room.
			select {
			case out <- evt:
			default:
			}
		}
		close(out)
	}

	unlock, err := o.locks.Lock(ctx, conversationID)
	if err != nil {
		o.metrics.ObserveAsk(string(StageFailed), "stream", time.Since(start))
		terminate(StreamEvent{Err: apperr.Canceled("chat.stream", fmt.Errorf("waiting for conversation: %w", err))})
		return
	}
	defer unlock()

	plan, err := o.prepare(ctx, conversationID, req, start)
	if err != nil {
		o.fail(plan, "stream", err)
		terminate(StreamEvent{Err: err})
		return
	}

	var delivered strings.Builder
	firstDelta := true
	emit := func(delta string) error {
		if delta == "" {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case out <- StreamEvent{Delta: delta}:
		case <-ctx.Done():
			return ctx.Err()
		}
		if firstDelta {
			firstDelta = false
			o.metrics.ObserveFirstDeltaLatency(time.Since(start))
			o.metrics.ObserveStage(string(StageFirstDelta), time.Since(start))
		}
		delivered.WriteString(delta)
		return nil
	}
	onDelta, flush := llm.DeltaHandler(emit), func() error { return nil }
	if o.streamMinChars > 0 {
		onDelta, flush = llm.NewCoalescer(o.streamMinChars).Wrap(emit)
	}

	modelCtx, cancel := context.WithTimeout(ctx, plan.timeout)
	resp, err := o.model.StreamResponse(modelCtx, plan.request, onDelta)
	if err == nil {
		err = flush()
	}
	cancel()
	o.stage(plan, StageModelInvoked)

	switch {
	case err != nil && ctx.Err() != nil:
		// Consumer cancellation: keep what was already shown if configured.
		o.metrics.SessionEvent("stream_cancelled")
		o.fail(plan, "stream", err)
		terminate(StreamEvent{Err: apperr.Canceled("chat.stream", ctx.Err())})
		if partial := strings.TrimSpace(delivered.String()); partial != "" && o.writebackOnCancel {
			o.writeBackDetached(ctx, plan, partial)
		}
		return
	case err != nil:
		err = o.modelError("chat.stream", modelCtx, err)
		o.fail(plan, "stream", err)
		terminate(StreamEvent{Err: err})
		return
	}

	text := strings.TrimSpace(delivered.String())
	if text == "" {
		// Adapters that do not stream may only report the final text.
		text = strings.TrimSpace(resp.Text)
		if text != "" {
			if err := emit(text); err != nil {
				o.metrics.SessionEvent("stream_cancelled")
				o.fail(plan, "stream", err)
				terminate(StreamEvent{Err: apperr.Canceled("chat.stream", err)})
				return
			}
		}
	}
	if text == "" {
		err := apperr.Model("chat.stream", errors.New("model returned an empty answer"))
		o.fail(plan, "stream", err)
		terminate(StreamEvent{Err: err})
		return
	}

	// The transcript is written before Done so that anything reacting to
	// the terminal event already sees the exchange.
	o.writeBackDetached(ctx, plan, text)
	answer := o.answer(plan, text, resp.TokensUsed)
	o.complete(plan, "stream")
	terminate(StreamEvent{Done: true, Answer: &answer})
}

// History returns the active transcript of a session's conversation.
func (o *Orchestrator) History(ctx context.Context, sessionID string) ([]memory.Turn, error) {
	conversationID, err := o.resolve(sessionID)
	if err != nil {
		return nil, err
	}
	turns, err := o.memory.FindByConversationID(ctx, conversationID)
	if err != nil {
		return nil, persistence("chat.history", err)
	}
	return turns, nil
}

// Clear soft-deletes the whole transcript of a session's conversation.
func (o *Orchestrator) Clear(ctx context.Context, sessionID string) (int, error) {
	conversationID, err := o.resolve(sessionID)
	if err != nil {
		return 0, err
	}
	unlock, err := o.locks.Lock(ctx, conversationID)
	if err != nil {
		return 0, apperr.Canceled("chat.clear", fmt.Errorf("waiting for conversation: %w", err))
	}
	defer unlock()

	n, err := o.memory.DeleteByConversationID(ctx, conversationID)
	if err != nil {
		return 0, persistence("chat.clear", err)
	}
	o.logger.Info("conversation cleared", "conversation_id", conversationID, "deleted", n)
	return n, nil
}

// Rate records a reader's rating of one answer in a session's transcript.
func (o *Orchestrator) Rate(ctx context.Context, sessionID string, turnID int64, rating int, feedback string) (memory.Turn, error) {
	conversationID, err := o.resolve(sessionID)
	if err != nil {
		return memory.Turn{}, err
	}
	turn, err := o.memory.Rate(ctx, conversationID, turnID, rating, feedback)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindUnknown {
			err = persistence("chat.rate", err)
		}
		return memory.Turn{}, err
	}
	o.metrics.SessionEvent("answer_rated")
	return turn, nil
}

func (o *Orchestrator) admit(req AskRequest) (string, error) {
	if strings.TrimSpace(req.SessionID) == "" {
		return "", apperr.Validation("chat.ask", "session id is required")
	}
	if strings.TrimSpace(req.Question) == "" {
		return "", apperr.Validation("chat.ask", "question is required")
	}
	return o.resolve(req.SessionID)
}

func (o *Orchestrator) resolve(sessionID string) (string, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return "", apperr.Validation("chat.resolve", "session id is required")
	}
	if o.sessions == nil {
		return session.ConversationIDFor(sessionID), nil
	}
	conversationID, err := o.sessions.Conversation(sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return "", apperr.NotFound("chat.resolve", "session %s not found", sessionID)
	}
	if err != nil {
		return "", fmt.Errorf("resolve session %s: %w", sessionID, err)
	}
	return conversationID, nil
}

// prepare loads the window, retrieves context and builds the model request.
func (o *Orchestrator) prepare(ctx context.Context, conversationID string, req AskRequest, start time.Time) (*turnPlan, error) {
	plan := &turnPlan{
		conversationID: conversationID,
		question:       strings.TrimSpace(req.Question),
		timeout:        req.Timeout,
		start:          start,
	}
	if plan.timeout <= 0 {
		plan.timeout = o.modelTimeout
	}
	o.stage(plan, StageValidated)

	window, err := o.memory.FindByConversationID(ctx, conversationID)
	if err != nil {
		return plan, persistence("chat.window", err)
	}
	plan.window = window

	plan.sources = o.search(ctx, plan.question, req)
	o.stage(plan, StageContextRetrieved)

	p := o.assembler.Build(plan.question, plan.sources, "", window)
	plan.request = llm.Request{ConversationID: conversationID, Messages: p.Messages()}
	o.stage(plan, StagePromptBuilt)
	return plan, nil
}

// search never fails the ask: retrieval errors degrade to an empty context.
func (o *Orchestrator) search(ctx context.Context, question string, req AskRequest) []retrieval.Snippet {
	if o.retriever == nil || (req.UseKnowledgeBase != nil && !*req.UseKnowledgeBase) {
		return []retrieval.Snippet{}
	}
	topK := req.TopK
	if topK <= 0 {
		topK = o.topK
	}
	snippets, err := o.retriever.Search(ctx, question, topK)
	if err != nil {
		o.metrics.RetrievalFailed()
		o.logger.Warn("retrieval failed; answering without knowledge context",
			"query", logSafe(question), "kind", apperr.KindOf(err), "error", err)
		return []retrieval.Snippet{}
	}
	return snippets
}

func (o *Orchestrator) writeBack(ctx context.Context, plan *turnPlan, text string) error {
	window := make([]memory.Turn, 0, len(plan.window)+2)
	window = append(window, plan.window...)
	window = append(window,
		memory.UserTurn(plan.conversationID, plan.question),
		memory.AssistantTurn(plan.conversationID, text),
	)
	if err := o.memory.SaveAll(ctx, plan.conversationID, window); err != nil {
		return persistence("chat.writeback", err)
	}
	return nil
}

// writeBackDetached persists a streamed exchange even if the consumer has
// already gone. Failures are logged; delivered text is never retracted.
func (o *Orchestrator) writeBackDetached(ctx context.Context, plan *turnPlan, text string) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.writebackTimeout)
	defer cancel()
	if err := o.writeBack(wctx, plan, text); err != nil {
		o.metrics.SessionEvent("writeback_failed")
		o.logger.Error("stream write-back failed", "conversation_id", plan.conversationID, "error", err)
	}
}

func (o *Orchestrator) answer(plan *turnPlan, text string, tokensUsed int) Answer {
	if tokensUsed <= 0 {
		tokensUsed = o.tokens.CountMessagesTokens(plan.request.Messages) + o.tokens.CountTokens(text)
	}
	latency := time.Since(plan.start)
	return Answer{
		Text:           text,
		ConversationID: plan.conversationID,
		Sources:        plan.sources,
		TokensUsed:     tokensUsed,
		Latency:        latency,
		LatencyMS:      latency.Milliseconds(),
	}
}

func (o *Orchestrator) modelError(op string, modelCtx context.Context, err error) error {
	if errors.Is(modelCtx.Err(), context.DeadlineExceeded) {
		o.metrics.ProviderError("model", "timeout")
		return apperr.Model(op, fmt.Errorf("model call timed out: %w", err))
	}
	o.metrics.ProviderError("model", "error")
	return apperr.Model(op, err)
}

// stage logs a lifecycle step and records its latency since the question
// arrived.
func (o *Orchestrator) stage(plan *turnPlan, s Stage) {
	elapsed := time.Since(plan.start)
	if s != StageFailed {
		o.metrics.ObserveStage(string(s), elapsed)
	}
	o.logger.Debug("ask stage", "conversation_id", plan.conversationID, "stage", s, "elapsed_ms", elapsed.Milliseconds())
}

func (o *Orchestrator) complete(plan *turnPlan, mode string) {
	elapsed := time.Since(plan.start)
	o.stage(plan, StageCompleted)
	o.metrics.ObserveAsk(string(StageCompleted), mode, elapsed)
	o.logger.Info("question answered",
		"conversation_id", plan.conversationID,
		"mode", mode,
		"query", logSafe(plan.question),
		"sources", len(plan.sources),
		"latency_ms", elapsed.Milliseconds(),
	)
}

func (o *Orchestrator) fail(plan *turnPlan, mode string, err error) {
	elapsed := time.Since(plan.start)
	o.metrics.ObserveAsk(string(StageFailed), mode, elapsed)
	o.logger.Warn("question failed",
		"conversation_id", plan.conversationID,
		"mode", mode,
		"stage", StageFailed,
		"kind", apperr.KindOf(err),
		"error", err,
	)
}

func persistence(op string, err error) error {
	if apperr.KindOf(err) != apperr.KindUnknown {
		return err
	}
	return apperr.Persistence(op, err)
}

func logSafe(text string) string {
	redacted, _ := policy.RedactPII(text)
	if r := []rune(redacted); len(r) > logQueryLimit {
		return string(r[:logQueryLimit]) + "..."
	}
	return redacted
}
