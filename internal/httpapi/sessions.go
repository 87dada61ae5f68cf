package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/ragchat/internal/apperr"
	"github.com/ent0n29/ragchat/internal/reqctx"
	"github.com/ent0n29/ragchat/internal/session"
)

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && err != errEmptyBody {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.WindowSize < 0 {
		respondError(w, http.StatusBadRequest, "validation", "window_size must be >= 0")
		return
	}

	sess := s.sessions.Create(reqctx.Actor(r.Context()), req.Title, req.WindowSize)
	if strings.TrimSpace(req.Description) != "" {
		if err := s.sessions.SetDescription(sess.ID, req.Description); err != nil {
			s.respondErr(w, err)
			return
		}
	}
	s.metrics.SessionEvent("created")
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		UserID:          sess.UserID,
		ConversationID:  sess.ConversationID,
		Title:           sess.Title,
		Status:          sess.Status,
		WindowSize:      sess.WindowSize,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.sessions.InactivityTimeout().Milliseconds(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	includeArchived, _ := strconv.ParseBool(q.Get("include_archived"))
	items := s.sessions.List(reqctx.Actor(r.Context()), session.ListOptions{
		Keyword:         q.Get("keyword"),
		IncludeArchived: includeArchived,
	})
	respondJSON(w, http.StatusOK, map[string]any{"sessions": items})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.authorize(r, chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.authorize(r, chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	var req session.UpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.Title != nil {
		if err := s.sessions.SetTitle(sess.ID, *req.Title); err != nil {
			s.respondErr(w, err)
			return
		}
	}
	if req.Description != nil {
		if err := s.sessions.SetDescription(sess.ID, *req.Description); err != nil {
			s.respondErr(w, err)
			return
		}
	}
	updated, err := s.sessions.Get(sess.ID)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

// handleDeleteSession clears the transcript and ends the session.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.authorize(r, chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	deleted := 0
	if s.deps.Chat != nil && sess.Status != session.StatusEnded {
		if deleted, err = s.deps.Chat.Clear(r.Context(), sess.ID); err != nil {
			s.respondErr(w, err)
			return
		}
	}
	if _, err := s.sessions.End(sess.ID); err != nil {
		s.respondErr(w, err)
		return
	}
	s.metrics.SessionEvent("ended")
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	respondJSON(w, http.StatusOK, map[string]any{"session_id": sess.ID, "deleted_turns": deleted})
}

func (s *Server) handleArchiveSession(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, "archived", s.sessions.Archive)
}

func (s *Server) handleRestoreSession(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, "restored", s.sessions.Restore)
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, event string, apply func(string) (*session.Session, error)) {
	sess, err := s.authorize(r, chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	updated, err := apply(sess.ID)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.metrics.SessionEvent(event)
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	respondJSON(w, http.StatusOK, updated)
}

func (s *Server) handleGenerateTitle(w http.ResponseWriter, r *http.Request) {
	sess, err := s.authorize(r, chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if s.deps.Titles == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "title generation not configured")
		return
	}
	title := s.deps.Titles.Generate(r.Context(), sess.ID)
	respondJSON(w, http.StatusOK, map[string]string{"session_id": sess.ID, "title": title})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	sess, err := s.authorize(r, chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if s.deps.Chat == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "chat not configured")
		return
	}
	turns, err := s.deps.Chat.History(r.Context(), sess.ID)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id":      sess.ID,
		"conversation_id": sess.ConversationID,
		"messages":        turns,
	})
}

type feedbackRequest struct {
	Rating   int    `json:"rating"`
	Feedback string `json:"feedback"`
}

// handleFeedback rates one answer of the session. The answer text is left
// untouched.
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	sess, err := s.authorize(r, chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if s.deps.Chat == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "chat not configured")
		return
	}
	turnID, err := strconv.ParseInt(chi.URLParam(r, "turnID"), 10, 64)
	if err != nil || turnID <= 0 {
		respondError(w, http.StatusBadRequest, string(apperr.KindValidation), "message id must be a positive integer")
		return
	}
	var req feedbackRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	turn, err := s.deps.Chat.Rate(r.Context(), sess.ID, turnID, req.Rating, req.Feedback)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, turn)
}
