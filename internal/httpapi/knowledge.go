package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ent0n29/ragchat/internal/apperr"
	"github.com/ent0n29/ragchat/internal/retrieval"
)

type ingestDocument struct {
	Source string `json:"source"`
	Text   string `json:"text"`
}

type ingestRequest struct {
	Documents []ingestDocument `json:"documents"`
}

type ingestResponse struct {
	Indexed int `json:"indexed"`
}

const defaultMaxUploadBytes = 32 << 20

type ingestFailure struct {
	errorResponse
	Indexed int    `json:"indexed"`
	Batch   int    `json:"batch"`
	Source  string `json:"source"`
}

// handleIngestDocuments chunks and indexes documents in request order and
// stops at the first failure.
func (s *Server) handleIngestDocuments(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ingest == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "knowledge ingestion not configured")
		return
	}
	var req ingestRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if len(req.Documents) == 0 {
		respondError(w, http.StatusBadRequest, string(apperr.KindValidation), "documents must not be empty")
		return
	}

	total := 0
	for i, doc := range req.Documents {
		source := strings.TrimSpace(doc.Source)
		if source == "" {
			source = "document-" + strconv.Itoa(i)
		}
		n, err := s.deps.Ingest.IngestText(r.Context(), source, doc.Text)
		total += n
		if err == nil {
			continue
		}
		var idxErr *retrieval.IndexError
		if errors.As(err, &idxErr) {
			s.logger.Error("knowledge ingest failed", "source", source, "batch", idxErr.Batch, "indexed", total, "error", err)
			respondJSON(w, apperr.HTTPStatus(apperr.KindIndex), ingestFailure{
				errorResponse: errorResponse{Error: err.Error(), Code: string(apperr.KindIndex)},
				Indexed:       total,
				Batch:         idxErr.Batch,
				Source:        source,
			})
			return
		}
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ingestResponse{Indexed: total})
}

// handleUpload indexes one multipart file (form field "file"). The reader is
// chosen from the file extension.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ingest == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "knowledge ingestion not configured")
		return
	}
	limit := int64(s.cfg.MaxUploadBytes)
	if limit <= 0 {
		limit = defaultMaxUploadBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit+1<<20)
	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, string(apperr.KindValidation), "multipart field file is required: "+err.Error())
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, string(apperr.KindValidation), "read upload: "+err.Error())
		return
	}
	if int64(len(data)) > limit {
		respondError(w, http.StatusRequestEntityTooLarge, "too_large", "file exceeds "+strconv.FormatInt(limit, 10)+" bytes")
		return
	}

	n, err := s.deps.Ingest.IngestBytes(r.Context(), header.Filename, data)
	if err != nil {
		var idxErr *retrieval.IndexError
		if errors.As(err, &idxErr) {
			s.logger.Error("upload ingest failed", "file", header.Filename, "batch", idxErr.Batch, "indexed", n, "error", err)
			respondJSON(w, apperr.HTTPStatus(apperr.KindIndex), ingestFailure{
				errorResponse: errorResponse{Error: err.Error(), Code: string(apperr.KindIndex)},
				Indexed:       n,
				Batch:         idxErr.Batch,
				Source:        header.Filename,
			})
			return
		}
		s.respondErr(w, err)
		return
	}
	s.logger.Info("file uploaded", "file", header.Filename, "bytes", len(data), "chunks", n)
	respondJSON(w, http.StatusOK, ingestResponse{Indexed: n})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Search == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "retrieval not configured")
		return
	}
	q := r.URL.Query()
	query := strings.TrimSpace(q.Get("q"))
	if query == "" {
		respondError(w, http.StatusBadRequest, string(apperr.KindValidation), "query parameter q is required")
		return
	}
	topK := 0
	if raw := q.Get("top_k"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, string(apperr.KindValidation), "top_k must be a positive integer")
			return
		}
		topK = n
	}
	hits, err := s.deps.Search.Search(r.Context(), query, topK)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"query": query, "results": hits})
}
