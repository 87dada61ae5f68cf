package httpapi

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"testing"
)

func upload(t *testing.T, baseURL, field, name string, data []byte) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(field, name)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = part.Write(data)
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	res, err := http.Post(baseURL+"/v1/knowledge/upload", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("upload error = %v", err)
	}
	defer res.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(res.Body).Decode(&out)
	return res, out
}

func TestUploadIndexesTextAndPDF(t *testing.T) {
	ts := newTestServer(t)

	res, body := upload(t, ts.URL, "file", "handbook.md", []byte("Expense reports are due on the fifth of every month."))
	if res.StatusCode != http.StatusOK || body["indexed"] != float64(1) {
		t.Fatalf("markdown upload = %d %v", res.StatusCode, body)
	}
	res, body = upload(t, ts.URL, "file", "travel.pdf", []byte("%PDF Train tickets are booked through the travel desk."))
	if res.StatusCode != http.StatusOK || body["indexed"] != float64(1) {
		t.Fatalf("pdf upload = %d %v", res.StatusCode, body)
	}

	_, body = doJSON(t, http.MethodGet, ts.URL+"/v1/knowledge/search?q=train+tickets+travel+desk&top_k=1", "", nil)
	results, _ := body["results"].([]any)
	if len(results) != 1 {
		t.Fatalf("results = %v, want 1", results)
	}
	if hit, _ := results[0].(map[string]any); hit["source"] != "travel.pdf" {
		t.Fatalf("top hit = %v, want travel.pdf", hit)
	}
}

func TestUploadRejectsBadRequests(t *testing.T) {
	ts := newTestServer(t)

	cases := []struct {
		name  string
		field string
		file  string
		data  []byte
	}{
		{"wrong field", "document", "notes.md", []byte("text")},
		{"unsupported type", "file", "deck.pptx", []byte("binary")},
		{"not utf-8", "file", "notes.txt", []byte{0xff, 0xfe, 0xfd}},
		{"empty file", "file", "empty.md", []byte("   ")},
	}
	for _, tc := range cases {
		res, body := upload(t, ts.URL, tc.field, tc.file, tc.data)
		if res.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400 (%v)", tc.name, res.StatusCode, body)
		}
	}
}
