package session

import "time"

// CreateRequest defines payload for creating a new session. The owner comes
// from the request identity, never from the body.
type CreateRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	WindowSize  int    `json:"window_size"`
}

// UpdateRequest carries the mutable session fields; nil means unchanged.
type UpdateRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
}

// ListOptions filters List results.
type ListOptions struct {
	Keyword         string
	IncludeArchived bool
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	ConversationID  string    `json:"conversation_id"`
	Title           string    `json:"title"`
	Status          Status    `json:"status"`
	WindowSize      int       `json:"window_size,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}
