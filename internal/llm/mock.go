package llm

import (
	"context"
	"fmt"
	"strings"
)

// MockAdapter provides deterministic local replies when no model is configured.
type MockAdapter struct{}

func NewMockAdapter() *MockAdapter { return &MockAdapter{} }

func (a *MockAdapter) Complete(ctx context.Context, req Request) (Response, error) {
	return a.StreamResponse(ctx, req, nil)
}

func (a *MockAdapter) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
	}

	text := buildMockReply(req)
	if onDelta != nil {
		for _, word := range splitKeepSpaces(text) {
			if err := ctx.Err(); err != nil {
				return Response{}, err
			}
			if err := onDelta(word); err != nil {
				return Response{}, err
			}
		}
	}
	return Response{Text: text, TokensUsed: len(strings.Fields(text))}, nil
}

func buildMockReply(req Request) string {
	var users []string
	for _, m := range req.Messages {
		if m.Role == RoleUser {
			users = append(users, m.Content)
		}
	}
	if len(users) == 0 {
		return "I am listening."
	}

	base := lastLine(users[len(users)-1])
	if base == "" {
		base = "I am listening."
	}
	if len(users) == 1 {
		return fmt.Sprintf("I heard you: %s", base)
	}
	return fmt.Sprintf("I heard you: %s\nI also remember: %s", base, lastLine(users[len(users)-2]))
}

// lastLine drops any knowledge block prepended to the question.
func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, "\n"); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}

func splitKeepSpaces(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		if text[i] == ' ' || text[i] == '\n' {
			out = append(out, text[start:i+1])
			start = i + 1
		}
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}
