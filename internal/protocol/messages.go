package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeAsk           MessageType = "ask"
	TypeClientControl MessageType = "client_control"
	TypeAnswerDelta   MessageType = "answer_delta"
	TypeAnswerDone    MessageType = "answer_done"
	TypeSystemEvent   MessageType = "system_event"
	TypeErrorEvent    MessageType = "error_event"
)

// Control actions.
const ActionCancel = "cancel"

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type Ask struct {
	Type             MessageType `json:"type"`
	SessionID        string      `json:"session_id"`
	RequestID        string      `json:"request_id"`
	Question         string      `json:"question"`
	TopK             int         `json:"top_k,omitempty"`
	UseKnowledgeBase *bool       `json:"use_knowledge_base,omitempty"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	RequestID string      `json:"request_id,omitempty"`
	Action    string      `json:"action"`
}

type AnswerDelta struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	RequestID string      `json:"request_id"`
	TextDelta string      `json:"text_delta"`
}

type Source struct {
	Text   string  `json:"text"`
	Score  float64 `json:"score"`
	Source string  `json:"source,omitempty"`
}

type AnswerDone struct {
	Type           MessageType `json:"type"`
	SessionID      string      `json:"session_id"`
	RequestID      string      `json:"request_id"`
	ConversationID string      `json:"conversation_id"`
	Text           string      `json:"text"`
	Sources        []Source    `json:"sources"`
	TokensUsed     int         `json:"tokens_used"`
	LatencyMS      int64       `json:"latency_ms"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	RequestID string      `json:"request_id,omitempty"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeAsk:
		var msg Ask
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Question) == "" {
			return nil, errors.New("invalid ask: question is required")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Action == "" {
			return nil, errors.New("invalid client_control")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
