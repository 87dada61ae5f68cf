package httpapi

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/ragchat/internal/apperr"
	"github.com/ent0n29/ragchat/internal/chat"
	"github.com/ent0n29/ragchat/internal/protocol"
	"github.com/ent0n29/ragchat/internal/retrieval"
	"github.com/ent0n29/ragchat/internal/session"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
	wsReadLimit    = 2 << 20
)

type askRequest struct {
	SessionID        string `json:"session_id"`
	Question         string `json:"question"`
	TopK             int    `json:"top_k,omitempty"`
	TimeoutMS        int64  `json:"timeout_ms,omitempty"`
	UseKnowledgeBase *bool  `json:"use_knowledge_base,omitempty"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	if s.deps.Chat == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "chat not configured")
		return
	}
	var req askRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	sess, err := s.authorize(r, req.SessionID)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	answer, err := s.deps.Chat.Ask(r.Context(), chat.AskRequest{
		SessionID:        sess.ID,
		Question:         req.Question,
		TopK:             req.TopK,
		Timeout:          time.Duration(req.TimeoutMS) * time.Millisecond,
		UseKnowledgeBase: req.UseKnowledgeBase,
	})
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.nameInBackground(r.Context(), sess)
	respondJSON(w, http.StatusOK, answer)
}

// handleChatStream serves one websocket per session. A connection runs at
// most one ask at a time; client_control cancel aborts it.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Chat == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "chat not configured")
		return
	}
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	sess, err := s.authorize(r, sessionID)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvent("ws_connected")
	if err := s.sessions.Touch(sess.ID); err != nil {
		s.logger.Debug("session touch failed", "session_id", sess.ID, "error", err)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, 256)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					s.logger.Debug("websocket write failed", "session_id", sessionID, "error", err)
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.WSMessage("outbound", string(t))
				}
			}
		}
	}()

	send := func(msg any) {
		select {
		case <-ctx.Done():
		case outbound <- msg:
		}
	}
	send(protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: sess.ID, Code: "session_ready"})

	run := &streamRun{}
	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			send(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sess.ID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Detail:    err.Error(),
			})
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessage("inbound", string(t))
		}

		switch msg := parsed.(type) {
		case protocol.Ask:
			requestID := strings.TrimSpace(msg.RequestID)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			askCtx, ok := run.start(ctx, requestID)
			if !ok {
				send(protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					SessionID: sess.ID,
					RequestID: requestID,
					Code:      "ask_in_progress",
					Source:    "gateway",
					Retryable: true,
					Detail:    "wait for the current answer or cancel it",
				})
				continue
			}
			go func() {
				defer run.finish(requestID)
				s.streamAnswer(askCtx, sess, requestID, msg, send)
			}()
		case protocol.ClientControl:
			if msg.Action == protocol.ActionCancel {
				run.cancel(msg.RequestID)
			}
		}
	}

	run.cancel("")
	run.wait()
	cancel()
	<-writerDone
	s.metrics.SessionEvent("ws_disconnected")
}

func (s *Server) streamAnswer(ctx context.Context, sess *session.Session, requestID string, msg protocol.Ask, send func(any)) {
	events, err := s.deps.Chat.AskStream(ctx, chat.AskRequest{
		SessionID:        sess.ID,
		Question:         msg.Question,
		TopK:             msg.TopK,
		UseKnowledgeBase: msg.UseKnowledgeBase,
	})
	if err != nil {
		send(errorEvent(sess.ID, requestID, err))
		return
	}
	for ev := range events {
		switch {
		case ev.Err != nil:
			send(errorEvent(sess.ID, requestID, ev.Err))
		case ev.Done:
			send(protocol.AnswerDone{
				Type:           protocol.TypeAnswerDone,
				SessionID:      sess.ID,
				RequestID:      requestID,
				ConversationID: ev.Answer.ConversationID,
				Text:           ev.Answer.Text,
				Sources:        toSources(ev.Answer.Sources),
				TokensUsed:     ev.Answer.TokensUsed,
				LatencyMS:      ev.Answer.LatencyMS,
			})
			s.nameInBackground(ctx, sess)
		default:
			send(protocol.AnswerDelta{
				Type:      protocol.TypeAnswerDelta,
				SessionID: sess.ID,
				RequestID: requestID,
				TextDelta: ev.Delta,
			})
		}
	}
}

func errorEvent(sessionID, requestID string, err error) protocol.ErrorEvent {
	kind := apperr.KindOf(err)
	return protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sessionID,
		RequestID: requestID,
		Code:      string(kind),
		Source:    "chat",
		Retryable: kind == apperr.KindModel || kind == apperr.KindPersistence,
		Detail:    err.Error(),
	}
}

func toSources(snippets []retrieval.Snippet) []protocol.Source {
	out := make([]protocol.Source, len(snippets))
	for i, sn := range snippets {
		out[i] = protocol.Source{Text: sn.Text, Score: sn.Score, Source: sn.Source}
	}
	return out
}

// streamRun tracks the single in-flight ask of a connection.
type streamRun struct {
	mu        sync.Mutex
	requestID string
	stop      context.CancelFunc
	wg        sync.WaitGroup
}

func (r *streamRun) start(parent context.Context, requestID string) (context.Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stop != nil {
		return nil, false
	}
	ctx, cancel := context.WithCancel(parent)
	r.requestID = requestID
	r.stop = cancel
	r.wg.Add(1)
	return ctx, true
}

func (r *streamRun) finish(requestID string) {
	r.mu.Lock()
	if r.requestID == requestID && r.stop != nil {
		r.stop()
		r.stop = nil
		r.requestID = ""
	}
	r.mu.Unlock()
	r.wg.Done()
}

// cancel aborts the running ask. An empty requestID matches any.
func (r *streamRun) cancel(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stop == nil {
		return
	}
	if requestID != "" && requestID != r.requestID {
		return
	}
	r.stop()
}

func (r *streamRun) wait() { r.wg.Wait() }

func messageTypeOf(msg any) (protocol.MessageType, bool) {
	switch m := msg.(type) {
	case protocol.Ask:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.AnswerDelta:
		return m.Type, true
	case protocol.AnswerDone:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
