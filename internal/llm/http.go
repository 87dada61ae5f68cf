package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/ragchat/internal/reliability"
)

// HTTPAdapter forwards requests to a model gateway that answers with JSON,
// server-sent events or newline-delimited JSON.
type HTTPAdapter struct {
	url    string
	strict bool
	client *http.Client
	retry  reliability.Policy
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("model http status %d: %s", e.code, e.body)
}

func NewHTTPAdapter(url string) *HTTPAdapter {
	return NewHTTPAdapterWithOptions(url, false, 0)
}

// NewHTTPAdapterWithOptions builds an adapter; strict rejects stream lines
// that are not valid JSON instead of treating them as raw text.
func NewHTTPAdapterWithOptions(url string, strict bool, timeout time.Duration) *HTTPAdapter {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPAdapter{
		url:    strings.TrimSpace(url),
		strict: strict,
		client: &http.Client{Timeout: timeout},
		retry:  reliability.DefaultPolicy,
	}
}

func (a *HTTPAdapter) Complete(ctx context.Context, req Request) (Response, error) {
	return a.StreamResponse(ctx, req, nil)
}

func (a *HTTPAdapter) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	payload, err := json.Marshal(struct {
		Request
		Stream bool `json:"stream"`
	}{Request: req, Stream: onDelta != nil})
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}

	// Only the connect/status phase is retried; once bytes stream we are committed.
	var res *http.Response
	err = reliability.Retry(ctx, a.retry, isRetryableHTTPError, func(int) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream, application/x-ndjson, application/json")

		r, err := a.client.Do(httpReq)
		if err != nil {
			return fmt.Errorf("send request: %w", err)
		}
		if r.StatusCode < 200 || r.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(r.Body, 4<<10))
			r.Body.Close()
			return &statusError{code: r.StatusCode, body: strings.TrimSpace(string(body))}
		}
		res = r
		return nil
	})
	if err != nil {
		return Response{}, err
	}
	defer res.Body.Close()

	ct := strings.ToLower(res.Header.Get("Content-Type"))
	switch {
	case strings.Contains(ct, "text/event-stream"):
		return a.consumeSSE(res.Body, onDelta)
	case strings.Contains(ct, "application/x-ndjson"):
		return a.consumeNDJSON(res.Body, onDelta)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}

	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		text := strings.TrimSpace(string(body))
		return emitWhole(text, 0, onDelta)
	}
	return emitWhole(extractText(obj), extractTokens(obj), onDelta)
}

func emitWhole(text string, tokens int, onDelta DeltaHandler) (Response, error) {
	if text != "" && onDelta != nil {
		if err := onDelta(text); err != nil {
			return Response{}, err
		}
	}
	return Response{Text: text, TokensUsed: tokens}, nil
}

func (a *HTTPAdapter) consumeSSE(body io.Reader, onDelta DeltaHandler) (Response, error) {
	return a.consumeLines(body, onDelta, func(line string) (string, bool) {
		line = strings.TrimLeft(line, " \t")
		if !strings.HasPrefix(line, "data:") {
			return "", false
		}
		return strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "), true
	})
}

func (a *HTTPAdapter) consumeNDJSON(body io.Reader, onDelta DeltaHandler) (Response, error) {
	return a.consumeLines(body, onDelta, func(line string) (string, bool) { return line, true })
}

func (a *HTTPAdapter) consumeLines(body io.Reader, onDelta DeltaHandler, payloadOf func(string) (string, bool)) (Response, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var (
		out    strings.Builder
		tokens int
	)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		payload, ok := payloadOf(line)
		if !ok {
			continue
		}
		trimmed := strings.TrimSpace(payload)
		if trimmed == "[DONE]" {
			break
		}

		// Raw text payloads keep their leading whitespace so words don't fuse.
		delta := payload
		var obj map[string]any
		if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
			delta = extractText(obj)
			if n := extractTokens(obj); n > 0 {
				tokens = n
			}
		} else if a.strict {
			return Response{Text: out.String()}, fmt.Errorf("invalid stream payload %q: %w", truncate(trimmed, 80), err)
		}

		if delta == "" {
			continue
		}
		out.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return Response{Text: out.String()}, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return Response{Text: out.String()}, fmt.Errorf("stream read: %w", err)
	}
	return Response{Text: out.String(), TokensUsed: tokens}, nil
}

func extractText(obj map[string]any) string {
	for _, k := range []string{"text", "delta", "output", "message", "content"} {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

func extractTokens(obj map[string]any) int {
	if v, ok := obj["tokens_used"].(float64); ok {
		return int(v)
	}
	if usage, ok := obj["usage"].(map[string]any); ok {
		if v, ok := usage["total_tokens"].(float64); ok {
			return int(v)
		}
	}
	return 0
}

func isRetryableHTTPError(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return reliability.IsRetryableHTTPStatus(se.code)
	}
	// Transport errors (connection refused, reset) are worth another try.
	return true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
