package memory

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ent0n29/ragchat/internal/apperr"
	"github.com/ent0n29/ragchat/internal/observability"
)

const DefaultWindowSize = 10

// WindowSizer resolves the window size of a conversation. Non-positive
// values fall back to the reconciler default.
type WindowSizer interface {
	WindowSize(conversationID string) int
}

type ReconcilerConfig struct {
	DefaultWindow int
	Sizer         WindowSizer
	Logger        *slog.Logger
	Metrics       *observability.Metrics
}

// Reconciler keeps the durable transcript in step with the bounded window
// the model sees: new window turns are appended, aged-out turns are
// soft-deleted, and nothing is ever physically removed.
type Reconciler struct {
	store         Store
	sizer         WindowSizer
	defaultWindow int
	logger        *slog.Logger
	metrics       *observability.Metrics
	now           func() time.Time
}

func NewReconciler(store Store, cfg ReconcilerConfig) *Reconciler {
	if cfg.DefaultWindow <= 0 {
		cfg.DefaultWindow = DefaultWindowSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reconciler{
		store:         store,
		sizer:         cfg.Sizer,
		defaultWindow: cfg.DefaultWindow,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		now:           time.Now,
	}
}

// WindowSize returns the effective window size for a conversation.
func (r *Reconciler) WindowSize(conversationID string) int {
	if r.sizer != nil {
		if n := r.sizer.WindowSize(conversationID); n > 0 {
			return n
		}
	}
	return r.defaultWindow
}

// SaveAll reconciles window against the stored transcript. Calling it twice
// with the same window is a no-op the second time.
func (r *Reconciler) SaveAll(ctx context.Context, conversationID string, window []Turn) error {
	if len(window) == 0 {
		return nil
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return apperr.Validation("memory.save_all", "conversation id is required")
	}

	existing, err := r.store.ListActive(ctx, conversationID, 0)
	if err != nil {
		return err
	}

	fresh := diffWindow(existing, window)
	if len(fresh) > 0 {
		base := r.now().UnixMilli()
		for i := range fresh {
			fresh[i].ID = 0
			fresh[i].ConversationID = conversationID
			fresh[i].Sequence = base + int64(i)
		}
		if _, err := r.store.AppendBatch(ctx, fresh); err != nil {
			return err
		}
		r.metrics.TurnsAppended(len(fresh))
	}

	r.prune(ctx, conversationID)
	return nil
}

// prune soft-deletes the oldest ordinary turns beyond the window size. A
// failure is left for the next reconciliation to repair.
func (r *Reconciler) prune(ctx context.Context, conversationID string) {
	size := r.WindowSize(conversationID)
	active, err := r.store.ListActive(ctx, conversationID, 0)
	if err != nil {
		r.metrics.PruneFailed()
		r.logger.Warn("window prune skipped", "conversation_id", conversationID, "error", err)
		return
	}

	ordinary := ordinaryTurns(active)
	excess := len(ordinary) - size
	if excess <= 0 {
		return
	}
	ids := make([]int64, 0, excess)
	for _, t := range ordinary[:excess] {
		ids = append(ids, t.ID)
	}
	n, err := r.store.SoftDeleteByIDs(ctx, conversationID, ids)
	if err != nil {
		r.metrics.PruneFailed()
		r.logger.Warn("window prune failed", "conversation_id", conversationID, "turns", len(ids), "error", err)
		return
	}
	r.metrics.TurnsPrunedBy(n)
	r.logger.Debug("window pruned", "conversation_id", conversationID, "deleted", n, "window", size)
}

// FindByConversationID returns the window the model should see: every pinned
// turn plus the most recent ordinary turns, in sequence order.
func (r *Reconciler) FindByConversationID(ctx context.Context, conversationID string) ([]Turn, error) {
	active, err := r.store.ListActive(ctx, conversationID, 0)
	if err != nil {
		return nil, err
	}
	size := r.WindowSize(conversationID)
	skip := len(ordinaryTurns(active)) - size

	out := make([]Turn, 0, len(active))
	for _, t := range active {
		if !t.Role.Pinned() && skip > 0 {
			skip--
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// DeleteByConversationID soft-deletes the whole transcript.
func (r *Reconciler) DeleteByConversationID(ctx context.Context, conversationID string) (int, error) {
	return r.store.SoftDelete(ctx, conversationID)
}

// Rate records a rating on an active assistant turn of the conversation.
// Only the rating and feedback change; the turn's text stays as written.
func (r *Reconciler) Rate(ctx context.Context, conversationID string, turnID int64, rating int, feedback string) (Turn, error) {
	if rating < MinRating || rating > MaxRating {
		return Turn{}, apperr.Validation("memory.rate", "rating must be between %d and %d", MinRating, MaxRating)
	}
	feedback = strings.TrimSpace(feedback)
	if utf8.RuneCountInString(feedback) > MaxFeedbackLength {
		return Turn{}, apperr.Validation("memory.rate", "feedback is longer than %d characters", MaxFeedbackLength)
	}

	active, err := r.store.ListActive(ctx, conversationID, 0)
	if err != nil {
		return Turn{}, err
	}
	for _, t := range active {
		if t.ID != turnID {
			continue
		}
		if t.Role != RoleAssistant {
			return Turn{}, apperr.Validation("memory.rate", "turn %d is a %s turn; only answers can be rated", turnID, t.Role)
		}
		if err := r.store.SetFeedback(ctx, conversationID, turnID, rating, feedback); err != nil {
			return Turn{}, err
		}
		t.Rating, t.Feedback = rating, feedback
		r.logger.Info("answer rated", "conversation_id", conversationID, "turn_id", turnID, "rating", rating)
		return t, nil
	}
	return Turn{}, apperr.NotFound("memory.rate", "turn %d not found", turnID)
}

// diffWindow returns the window turns not yet persisted, in window order.
func diffWindow(existing, window []Turn) []Turn {
	pinned := make(map[string]struct{})
	var stored []Turn
	for _, t := range existing {
		if t.Role.Pinned() {
			pinned[t.Text] = struct{}{}
			continue
		}
		stored = append(stored, t)
	}

	start := newOrdinaryStart(stored, ordinaryTurns(window))

	var out []Turn
	idx := 0
	for _, t := range window {
		if t.Role.Pinned() {
			if _, ok := pinned[t.Text]; !ok {
				pinned[t.Text] = struct{}{}
				out = append(out, t)
			}
			continue
		}
		if idx >= start {
			out = append(out, t)
		}
		idx++
	}
	return out
}

// newOrdinaryStart finds where the unpersisted part of the window begins.
// An append-only window extends the stored list directly; otherwise the
// longest stored suffix matching a window segment marks the boundary.
func newOrdinaryStart(stored, window []Turn) int {
	if len(stored) == 0 {
		return 0
	}
	if len(window) >= len(stored) && turnsEqual(window[:len(stored)], stored) {
		return len(stored)
	}
	for j := len(window); j >= 1; j-- {
		m := min(j, len(stored))
		if turnsEqual(window[j-m:j], stored[len(stored)-m:]) {
			return j
		}
	}
	return 0
}

func turnsEqual(a, b []Turn) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !sameTurn(a[i], b[i]) {
			return false
		}
	}
	return true
}

func sameTurn(a, b Turn) bool {
	if a.ID != 0 && b.ID != 0 {
		return a.ID == b.ID
	}
	return a.Role == b.Role && a.Text == b.Text
}

func ordinaryTurns(turns []Turn) []Turn {
	out := make([]Turn, 0, len(turns))
	for _, t := range turns {
		if !t.Role.Pinned() {
			out = append(out, t)
		}
	}
	return out
}
