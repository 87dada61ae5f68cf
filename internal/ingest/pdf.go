package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/go-resty/resty/v2"
)

// Extractor turns an uploaded binary document into plain text.
type Extractor interface {
	Extract(ctx context.Context, data []byte) (string, error)
}

// PDFService extracts text through an external parse service:
//
//	POST {base}/parse  (application/octet-stream) -> {"text": "...", "error": "..."}
type PDFService struct {
	client *resty.Client
}

type parseResult struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

func NewPDFService(baseURL string, timeout time.Duration) *PDFService {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(strings.TrimSpace(baseURL), "/")).
		SetTimeout(timeout)
	return &PDFService{client: client}
}

func (p *PDFService) Extract(ctx context.Context, data []byte) (string, error) {
	var out parseResult
	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/octet-stream").
		SetBody(data).
		SetResult(&out).
		SetError(&out).
		Post("/parse")
	if err != nil {
		return "", fmt.Errorf("pdf service: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("pdf parse: %s", out.Error)
	}
	if resp.IsError() {
		return "", fmt.Errorf("pdf service: status %d", resp.StatusCode())
	}
	text := cleanExtracted(out.Text)
	if text == "" {
		return "", errors.New("pdf has no extractable text")
	}
	return text, nil
}

// cleanExtracted drops control characters that extraction leaves behind.
func cleanExtracted(text string) string {
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || !unicode.IsControl(r) {
			return r
		}
		return -1
	}, text))
}
