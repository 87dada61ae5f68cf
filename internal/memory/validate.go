package memory

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/ragchat/internal/apperr"
	"github.com/ent0n29/ragchat/internal/reqctx"
)

// prepareBatch validates a batch and fills audit defaults. Every backend runs
// it before touching storage so validation failures never reach the database.
func prepareBatch(ctx context.Context, op string, turns []Turn) (string, []Turn, error) {
	if len(turns) == 0 {
		return "", nil, nil
	}
	conversationID := strings.TrimSpace(turns[0].ConversationID)
	if conversationID == "" {
		return "", nil, apperr.Validation(op, "conversation id is required")
	}

	now := time.Now().UTC()
	actor := reqctx.Actor(ctx)
	out := make([]Turn, len(turns))
	for i, t := range turns {
		if strings.TrimSpace(t.ConversationID) != conversationID {
			return "", nil, apperr.Validation(op, "batch mixes conversations %q and %q", conversationID, t.ConversationID)
		}
		if _, ok := ParseRole(string(t.Role)); !ok {
			return "", nil, apperr.Validation(op, "turn %d has unknown role %q", i, t.Role)
		}
		if t.Text == "" && t.Role != RoleTool {
			return "", nil, apperr.Validation(op, "turn %d (%s) has empty text", i, t.Role)
		}
		t.ConversationID = conversationID
		t.Lifecycle = LifecycleActive
		if t.Creator == "" {
			t.Creator = actor
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		out[i] = t
	}
	return conversationID, out, nil
}

// decodeRole maps a stored role value back to a Role. Unknown values are
// treated as user turns so a bad row never breaks a whole conversation.
func decodeRole(logger *slog.Logger, raw string) Role {
	role, ok := ParseRole(raw)
	if ok {
		return role
	}
	if _, seen := warnedRoles.LoadOrStore(raw, struct{}{}); !seen {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("unknown stored role, treating as user", "role", raw)
	}
	return role
}

var warnedRoles sync.Map

// nextSequence honours a caller hint but never goes backwards.
func nextSequence(hint, last int64) int64 {
	if hint > last {
		return hint
	}
	return last + 1
}

// recentTail keeps the last limit items; limit <= 0 keeps everything.
func recentTail(turns []Turn, limit int) []Turn {
	if limit <= 0 || limit >= len(turns) {
		return turns
	}
	return turns[len(turns)-limit:]
}
