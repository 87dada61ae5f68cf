package memory

import (
	"context"
	"strings"
	"time"
)

// Role is the closed set of speakers a turn can belong to.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ParseRole matches stored role values case-insensitively.
func ParseRole(raw string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "user":
		return RoleUser, true
	case "assistant":
		return RoleAssistant, true
	case "system":
		return RoleSystem, true
	case "tool":
		return RoleTool, true
	default:
		return RoleUser, false
	}
}

// Pinned reports whether window pruning must leave turns of this role alone.
func (r Role) Pinned() bool { return r == RoleSystem }

type Lifecycle string

const (
	LifecycleActive  Lifecycle = "active"
	LifecycleDeleted Lifecycle = "deleted"
)

// Turn stores a single message of a conversation transcript.
type Turn struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Text           string    `json:"text"`
	Sequence       int64     `json:"sequence"`
	Lifecycle      Lifecycle `json:"lifecycle"`
	Creator        string    `json:"creator,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	// Rating and Feedback annotate an answer; the text never changes.
	Rating   int    `json:"rating,omitempty"`
	Feedback string `json:"feedback,omitempty"`
}

const (
	MinRating         = 1
	MaxRating         = 5
	MaxFeedbackLength = 1000
)

func UserTurn(conversationID, text string) Turn {
	return Turn{ConversationID: conversationID, Role: RoleUser, Text: text}
}

func AssistantTurn(conversationID, text string) Turn {
	return Turn{ConversationID: conversationID, Role: RoleAssistant, Text: text}
}

func SystemTurn(conversationID, text string) Turn {
	return Turn{ConversationID: conversationID, Role: RoleSystem, Text: text}
}

// Store is the durable, append-mostly transcript log.
//
// Append and AppendBatch assign IDs and sequences; a failed write leaves
// nothing visible. ListActive returns turns in ascending sequence order; a
// positive limit keeps only the most recent turns.
type Store interface {
	Append(ctx context.Context, turn Turn) (Turn, error)
	AppendBatch(ctx context.Context, turns []Turn) ([]Turn, error)
	ListActive(ctx context.Context, conversationID string, limit int) ([]Turn, error)
	SoftDelete(ctx context.Context, conversationID string) (int, error)
	SoftDeleteByIDs(ctx context.Context, conversationID string, ids []int64) (int, error)
	// SetFeedback records a rating on an active turn. Missing or deleted
	// turns yield a not_found error.
	SetFeedback(ctx context.Context, conversationID string, id int64, rating int, feedback string) error
	Close() error
}
