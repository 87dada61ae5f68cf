package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/ragchat/internal/apperr"
	"github.com/ent0n29/ragchat/internal/chat"
	"github.com/ent0n29/ragchat/internal/config"
	"github.com/ent0n29/ragchat/internal/memory"
	"github.com/ent0n29/ragchat/internal/observability"
	"github.com/ent0n29/ragchat/internal/reqctx"
	"github.com/ent0n29/ragchat/internal/retrieval"
	"github.com/ent0n29/ragchat/internal/session"
)

// AnonymousUser owns requests that carry no identity header.
const AnonymousUser = "anonymous"

type Chat interface {
	Ask(ctx context.Context, req chat.AskRequest) (chat.Answer, error)
	AskStream(ctx context.Context, req chat.AskRequest) (<-chan chat.StreamEvent, error)
	History(ctx context.Context, sessionID string) ([]memory.Turn, error)
	Clear(ctx context.Context, sessionID string) (int, error)
	Rate(ctx context.Context, sessionID string, turnID int64, rating int, feedback string) (memory.Turn, error)
}

type Titles interface {
	Generate(ctx context.Context, sessionID string) string
}

type Searcher interface {
	Search(ctx context.Context, query string, topK int) ([]retrieval.Snippet, error)
}

type Ingester interface {
	IngestText(ctx context.Context, source, text string) (int, error)
	IngestBytes(ctx context.Context, name string, data []byte) (int, error)
}

// Deps are the collaborators behind the routes. Nil members disable the
// routes that need them.
type Deps struct {
	Sessions *session.Manager
	Chat     Chat
	Titles   Titles
	Search   Searcher
	Ingest   Ingester
	Metrics  *observability.Metrics
	Logger   *slog.Logger
	// Ready reports whether backing stores are reachable.
	Ready func(ctx context.Context) error
}

type Server struct {
	cfg      config.Config
	deps     Deps
	sessions *session.Manager
	metrics  *observability.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Sessions == nil {
		deps.Sessions = session.NewManager(cfg.SessionInactivityTimeout)
	}
	return &Server{
		cfg:      cfg,
		deps:     deps,
		sessions: deps.Sessions,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may open a stream unless configured otherwise.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(identity)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", s.metrics.Handler().ServeHTTP)
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Delete("/v1/perf/latency", s.handleResetPerfLatency)

	r.Route("/v1/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Get("/", s.handleListSessions)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Patch("/", s.handleUpdateSession)
			r.Delete("/", s.handleDeleteSession)
			r.Post("/archive", s.handleArchiveSession)
			r.Post("/restore", s.handleRestoreSession)
			r.Post("/title", s.handleGenerateTitle)
			r.Get("/messages", s.handleListMessages)
			r.Post("/messages/{turnID}/feedback", s.handleFeedback)
		})
	})

	r.Post("/v1/chat/ask", s.handleAsk)
	r.Get("/v1/chat/stream", s.handleChatStream)

	r.Post("/v1/knowledge/documents", s.handleIngestDocuments)
	r.Post("/v1/knowledge/upload", s.handleUpload)
	r.Get("/v1/knowledge/search", s.handleSearch)

	return r
}

// identity attaches the caller to the request context. Websocket clients
// cannot set headers from browsers, so a user_id query parameter is honoured.
func identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := strings.TrimSpace(r.Header.Get("X-User-ID"))
		if user == "" {
			user = strings.TrimSpace(r.URL.Query().Get("user_id"))
		}
		if user == "" {
			user = AnonymousUser
		}
		next.ServeHTTP(w, r.WithContext(reqctx.WithActor(r.Context(), user)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"memory_backend":  s.cfg.MemoryBackend,
		"vector_backend":  s.cfg.VectorBackend,
		"model_mode":      s.cfg.ModelMode,
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Ready(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, "not_ready", err.Error())
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 8<<20))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondErr maps a classified error to its status code.
func (s *Server) respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	case errors.Is(err, session.ErrInvalidTitle):
		respondError(w, http.StatusBadRequest, string(apperr.KindValidation), err.Error())
		return
	}
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "kind", kind, "error", err)
	}
	respondError(w, status, string(kind), err.Error())
}

// authorize loads the session owned by the caller.
func (s *Server) authorize(r *http.Request, sessionID string) (*session.Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, apperr.Validation("httpapi.session", "session id is required")
	}
	return s.sessions.Authorize(sessionID, reqctx.Actor(r.Context()))
}

// nameInBackground titles a fresh session once it has an exchange to read.
func (s *Server) nameInBackground(ctx context.Context, sess *session.Session) {
	if s.deps.Titles == nil || sess.Title != session.DefaultTitle {
		return
	}
	ctx = context.WithoutCancel(ctx)
	go s.deps.Titles.Generate(ctx, sess.ID)
}
