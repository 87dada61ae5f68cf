package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/ent0n29/ragchat/internal/reliability"
)

// HTTPBackend talks to an external vector index service:
//
//	POST {base}/v1/vectors       {"entries":[{"id","text","source","vector"}]}
//	POST {base}/v1/vectors/query {"vector":[...],"top_k":n} -> {"results":[{"text","score","source"}]}
type HTTPBackend struct {
	client *resty.Client
}

type remoteEntry struct {
	ID     string    `json:"id,omitempty"`
	Text   string    `json:"text"`
	Source string    `json:"source,omitempty"`
	Vector []float32 `json:"vector"`
}

type remoteQuery struct {
	Vector []float32 `json:"vector"`
	TopK   int       `json:"top_k"`
}

type remoteResults struct {
	Results []Snippet `json:"results"`
}

func NewHTTPBackend(baseURL, apiKey string, timeout time.Duration) *HTTPBackend {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	policy := reliability.DefaultPolicy
	client := resty.New().
		SetBaseURL(strings.TrimRight(strings.TrimSpace(baseURL), "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(policy.Attempts-1).
		SetRetryWaitTime(policy.Base).
		SetRetryMaxWaitTime(policy.Cap).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return reliability.IsRetryableHTTPStatus(r.StatusCode())
		})
	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}
	return &HTTPBackend{client: client}
}

func (b *HTTPBackend) Add(ctx context.Context, entries []Entry) error {
	payload := struct {
		Entries []remoteEntry `json:"entries"`
	}{Entries: make([]remoteEntry, len(entries))}
	for i, e := range entries {
		payload.Entries[i] = remoteEntry{ID: e.ID, Text: e.Text, Source: e.Source, Vector: e.Vector}
	}

	resp, err := b.client.R().SetContext(ctx).SetBody(payload).Post("/v1/vectors")
	if err != nil {
		return fmt.Errorf("vector service add: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("vector service add: status %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return nil
}

func (b *HTTPBackend) Query(ctx context.Context, vector []float32, topK int) ([]Snippet, error) {
	var out remoteResults
	resp, err := b.client.R().
		SetContext(ctx).
		SetBody(remoteQuery{Vector: vector, TopK: topK}).
		SetResult(&out).
		Post("/v1/vectors/query")
	if err != nil {
		return nil, fmt.Errorf("vector service query: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("vector service query: status %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	if out.Results == nil {
		return []Snippet{}, nil
	}
	return out.Results, nil
}
