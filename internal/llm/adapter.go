package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Chat message roles understood by every adapter.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of the ordered conversation sent to a model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the normalized completion request.
type Request struct {
	ConversationID string    `json:"conversation_id,omitempty"`
	Messages       []Message `json:"messages"`
	Temperature    float32   `json:"temperature,omitempty"`
	MaxTokens      int       `json:"max_tokens,omitempty"`
}

// Response is the final answer after any streamed deltas.
type Response struct {
	Text       string `json:"text"`
	TokensUsed int    `json:"tokens_used,omitempty"`
	Model      string `json:"model,omitempty"`
}

// DeltaHandler receives streaming text fragments. Returning an error stops
// the stream and the adapter returns that error.
type DeltaHandler func(delta string) error

// Adapter is the language model behind the assistant.
type Adapter interface {
	Complete(ctx context.Context, req Request) (Response, error)
	StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error)
}

// Config controls adapter construction.
type Config struct {
	Mode             string
	OpenAIKey        string
	OpenAIBaseURL    string
	OpenAIModel      string
	HTTPURL          string
	HTTPStreamStrict bool
	HTTPTimeout      time.Duration
}

// NewAdapter builds the adapter for cfg.Mode (auto, openai, http, mock).
func NewAdapter(cfg Config) (Adapter, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		return newAutoAdapter(cfg), nil
	case "openai":
		if strings.TrimSpace(cfg.OpenAIKey) == "" {
			return nil, errors.New("OPENAI_API_KEY is required for openai mode")
		}
		return NewOpenAIAdapter(cfg.OpenAIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("model HTTP url is required for http mode")
		}
		return NewHTTPAdapterWithOptions(cfg.HTTPURL, cfg.HTTPStreamStrict, cfg.HTTPTimeout), nil
	case "mock":
		return NewMockAdapter(), nil
	default:
		return nil, fmt.Errorf("unsupported model adapter mode %q", cfg.Mode)
	}
}

func newAutoAdapter(cfg Config) Adapter {
	var secondary Adapter
	if strings.TrimSpace(cfg.HTTPURL) != "" {
		secondary = NewHTTPAdapterWithOptions(cfg.HTTPURL, cfg.HTTPStreamStrict, cfg.HTTPTimeout)
	}

	if strings.TrimSpace(cfg.OpenAIKey) != "" {
		primary := NewOpenAIAdapter(cfg.OpenAIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel)
		if secondary != nil {
			return NewFallbackAdapter(primary, secondary)
		}
		return primary
	}
	if secondary != nil {
		return secondary
	}
	return NewMockAdapter()
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
