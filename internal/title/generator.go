// Package title names conversations from their opening exchange.
package title

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ent0n29/ragchat/internal/apperr"
	"github.com/ent0n29/ragchat/internal/llm"
	"github.com/ent0n29/ragchat/internal/memory"
	"github.com/ent0n29/ragchat/internal/session"
)

const (
	DefaultTitle      = session.DefaultTitle
	DefaultMaxRunes   = 30
	DefaultTurns      = 2
	DefaultTimeout    = 15 * time.Second
	titleTemperature  = 0.3
	titleMaxTokens    = 50
	titleInstructions = `Write a short, accurate title for the conversation below.
Rules:
1. At most 20 characters.
2. Capture the main topic.
3. Plain wording.
4. No punctuation.
5. Reply with the title only, nothing else.

Conversation:
%s`
)

// Sessions is the slice of the session manager the generator needs.
type Sessions interface {
	Get(sessionID string) (*session.Session, error)
	SetTitle(sessionID, title string) error
}

// Transcript lists the active turns of a conversation in sequence order.
type Transcript interface {
	ListActive(ctx context.Context, conversationID string, limit int) ([]memory.Turn, error)
}

// Config tunes the generator. MaxRunes may shorten titles but never lengthen
// them past DefaultMaxRunes.
type Config struct {
	Sessions   Sessions
	Transcript Transcript
	Model      llm.Adapter
	Logger     *slog.Logger
	MaxRunes   int
	Turns      int
	Timeout    time.Duration
}

type Generator struct {
	sessions   Sessions
	transcript Transcript
	model      llm.Adapter
	logger     *slog.Logger
	maxRunes   int
	turns      int
	timeout    time.Duration
}

func NewGenerator(cfg Config) *Generator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxRunes <= 0 || cfg.MaxRunes > DefaultMaxRunes {
		cfg.MaxRunes = DefaultMaxRunes
	}
	if cfg.Turns <= 0 {
		cfg.Turns = DefaultTurns
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Generator{
		sessions:   cfg.Sessions,
		transcript: cfg.Transcript,
		model:      cfg.Model,
		logger:     cfg.Logger,
		maxRunes:   cfg.MaxRunes,
		turns:      cfg.Turns,
		timeout:    cfg.Timeout,
	}
}

// Generate returns the session's title, naming it first if it still carries
// the placeholder. It never fails: any problem yields DefaultTitle.
func (g *Generator) Generate(ctx context.Context, sessionID string) string {
	s, err := g.sessions.Get(sessionID)
	if err != nil {
		g.absorb(sessionID, err)
		return DefaultTitle
	}
	if current := strings.TrimSpace(s.Title); current != "" && current != DefaultTitle {
		return current
	}

	title, err := g.generate(ctx, s)
	if err != nil {
		g.absorb(sessionID, err)
		return DefaultTitle
	}
	if err := g.sessions.SetTitle(sessionID, title); err != nil {
		g.absorb(sessionID, fmt.Errorf("store title: %w", err))
		return DefaultTitle
	}
	g.logger.Info("session titled", "session_id", sessionID, "title", title)
	return title
}

func (g *Generator) generate(ctx context.Context, s *session.Session) (string, error) {
	turns, err := g.transcript.ListActive(ctx, s.ConversationID, 0)
	if err != nil {
		return "", fmt.Errorf("load transcript: %w", err)
	}

	var convo strings.Builder
	n := 0
	for _, t := range turns {
		if n == g.turns {
			break
		}
		if t.Role != memory.RoleUser && t.Role != memory.RoleAssistant {
			continue
		}
		fmt.Fprintf(&convo, "%s: %s\n", t.Role, strings.TrimSpace(t.Text))
		n++
	}
	if n == 0 {
		return "", errors.New("conversation has no turns yet")
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	resp, err := g.model.Complete(ctx, llm.Request{
		ConversationID: s.ConversationID,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: fmt.Sprintf(titleInstructions, strings.TrimSpace(convo.String()))},
		},
		Temperature: titleTemperature,
		MaxTokens:   titleMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("model: %w", err)
	}

	title := Clean(resp.Text, g.maxRunes)
	if title == "" {
		return "", errors.New("model returned an empty title")
	}
	return title, nil
}

func (g *Generator) absorb(sessionID string, err error) {
	err = apperr.E(apperr.KindTitleGeneration, "title.generate", err)
	g.logger.Warn("title generation failed; using placeholder", "session_id", sessionID, "error", err)
}

var quoteStripper = strings.NewReplacer(
	`"`, "", "'", "", "`", "",
	"“", "", "”", "", "‘", "", "’", "",
	"«", "", "»", "", "「", "", "」", "",
)

// Clean keeps the first non-empty line of raw, drops quote characters and
// cuts the result to maxRunes.
func Clean(raw string, maxRunes int) string {
	var line string
	for _, l := range strings.Split(raw, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			line = l
			break
		}
	}
	line = strings.TrimSpace(quoteStripper.Replace(line))
	line = strings.TrimPrefix(line, "Title:")
	line = strings.TrimSpace(line)
	if r := []rune(line); maxRunes > 0 && len(r) > maxRunes {
		line = strings.TrimSpace(string(r[:maxRunes]))
	}
	return line
}
