package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
	StatusEnded    Status = "ended"
)

// DefaultTitle is the placeholder a session carries until it is named.
const DefaultTitle = "New conversation"

const MaxTitleLength = 200

const persistTimeout = 5 * time.Second

var (
	ErrNotFound     = errors.New("session not found")
	ErrInvalidTitle = errors.New("invalid session title")
)

var conversationNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/ent0n29/ragchat/conversations"))

// ConversationIDFor derives the conversation a session writes to. The
// mapping is deterministic so any process can resolve it without lookups.
func ConversationIDFor(sessionID string) string {
	return uuid.NewSHA1(conversationNamespace, []byte(sessionID)).String()
}

type Session struct {
	ID             string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	Title          string    `json:"title"`
	Description    string    `json:"description,omitempty"`
	Status         Status    `json:"status"`
	WindowSize     int       `json:"window_size,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	byConversation    map[string]string
	versions          map[string]uint64
	inactivityTimeout time.Duration
	onExpire          func(*Session)

	store  Store
	logger *slog.Logger
	// saveMu orders writes so an older snapshot never overwrites a newer one.
	saveMu sync.Mutex
	saved  map[string]uint64
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 30 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		byConversation:    make(map[string]string),
		versions:          make(map[string]uint64),
		saved:             make(map[string]uint64),
		inactivityTimeout: inactivityTimeout,
		logger:            slog.Default(),
	}
}

// SetStore makes every later session change durable. Write failures are
// logged and never fail the change itself.
func (m *Manager) SetStore(store Store, logger *slog.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store = store
	if logger != nil {
		m.logger = logger
	}
}

// Load adds the sessions kept in the store. Sessions already known to the
// manager win over stored copies.
func (m *Manager) Load(ctx context.Context) (int, error) {
	m.mu.RLock()
	store := m.store
	m.mu.RUnlock()
	if store == nil {
		return 0, nil
	}
	stored, err := store.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("load sessions: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range stored {
		if s == nil || s.ID == "" {
			continue
		}
		if _, ok := m.sessions[s.ID]; ok {
			continue
		}
		if s.ConversationID == "" {
			s.ConversationID = ConversationIDFor(s.ID)
		}
		m.sessions[s.ID] = clone(s)
		m.byConversation[s.ConversationID] = s.ID
		n++
	}
	return n, nil
}

func (m *Manager) InactivityTimeout() time.Duration { return m.inactivityTimeout }

// SetExpireHook registers a callback for sessions archived by the janitor.
func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) Create(userID, title string, windowSize int) *Session {
	now := time.Now().UTC()
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultTitle
	}
	if windowSize < 0 {
		windowSize = 0
	}
	id := uuid.NewString()
	s := &Session{
		ID:             id,
		UserID:         userID,
		ConversationID: ConversationIDFor(id),
		Title:          truncateRunes(title, MaxTitleLength),
		Status:         StatusActive,
		WindowSize:     windowSize,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.byConversation[s.ConversationID] = s.ID
	snap, version := m.snapshotLocked(s)
	m.mu.Unlock()

	m.persist(snap, version)
	return clone(snap)
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// Authorize returns the session when userID owns it. Sessions owned by
// someone else are reported as missing.
func (m *Manager) Authorize(sessionID, userID string) (*Session, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if s.UserID != userID {
		return nil, ErrNotFound
	}
	return s, nil
}

// List returns the sessions of userID, most recently active first. Ended
// sessions are never listed.
func (m *Manager) List(userID string, opts ListOptions) []*Session {
	keyword := strings.ToLower(strings.TrimSpace(opts.Keyword))

	m.mu.RLock()
	out := make([]*Session, 0)
	for _, s := range m.sessions {
		if s.UserID != userID || s.Status == StatusEnded {
			continue
		}
		if s.Status == StatusArchived && !opts.IncludeArchived {
			continue
		}
		if keyword != "" &&
			!strings.Contains(strings.ToLower(s.Title), keyword) &&
			!strings.Contains(strings.ToLower(s.Description), keyword) {
			continue
		}
		out = append(out, clone(s))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out
}

// Touch records activity so the janitor leaves the session alone.
func (m *Manager) Touch(sessionID string) error {
	return m.update(sessionID, func(s *Session) error { return nil })
}

// Conversation resolves the conversation of a live session and records the
// activity. Ended sessions no longer accept turns.
func (m *Manager) Conversation(sessionID string) (string, error) {
	var conv string
	err := m.update(sessionID, func(s *Session) error {
		if s.Status == StatusEnded {
			return ErrNotFound
		}
		conv = s.ConversationID
		return nil
	})
	return conv, err
}

func (m *Manager) SetTitle(sessionID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("%w: title is empty", ErrInvalidTitle)
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidTitle, MaxTitleLength)
	}
	return m.update(sessionID, func(s *Session) error {
		s.Title = title
		return nil
	})
}

func (m *Manager) SetDescription(sessionID, description string) error {
	return m.update(sessionID, func(s *Session) error {
		s.Description = strings.TrimSpace(description)
		return nil
	})
}

func (m *Manager) Archive(sessionID string) (*Session, error) {
	return m.transition(sessionID, StatusActive, StatusArchived)
}

func (m *Manager) Restore(sessionID string) (*Session, error) {
	return m.transition(sessionID, StatusArchived, StatusActive)
}

func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	s.Status = StatusEnded
	s.LastActivityAt = time.Now().UTC()
	snap, version := m.snapshotLocked(s)
	m.mu.Unlock()

	m.persist(snap, version)
	return clone(snap), nil
}

// WindowSize reports the configured window of a conversation, 0 when the
// session does not override the default.
func (m *Manager) WindowSize(conversationID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byConversation[conversationID]
	if !ok {
		return 0
	}
	return m.sessions[id].WindowSize
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.archiveInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) update(sessionID string, fn func(*Session) error) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if err := fn(s); err != nil {
		m.mu.Unlock()
		return err
	}
	s.LastActivityAt = time.Now().UTC()
	snap, version := m.snapshotLocked(s)
	m.mu.Unlock()

	m.persist(snap, version)
	return nil
}

func (m *Manager) transition(sessionID string, from, to Status) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok || s.Status == StatusEnded {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	if s.Status != from {
		out := clone(s)
		m.mu.Unlock()
		return out, nil
	}
	s.Status = to
	s.LastActivityAt = time.Now().UTC()
	snap, version := m.snapshotLocked(s)
	m.mu.Unlock()

	m.persist(snap, version)
	return clone(snap), nil
}

// snapshotLocked copies s and bumps its version. Callers hold m.mu.
func (m *Manager) snapshotLocked(s *Session) (*Session, uint64) {
	m.versions[s.ID]++
	return clone(s), m.versions[s.ID]
}

func (m *Manager) persist(s *Session, version uint64) {
	m.mu.RLock()
	store, logger := m.store, m.logger
	m.mu.RUnlock()
	if store == nil {
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	if m.saved[s.ID] >= version {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := store.Save(ctx, s); err != nil {
		logger.Warn("session not persisted", "session_id", s.ID, "status", s.Status, "error", err)
		return
	}
	m.saved[s.ID] = version
}

func (m *Manager) archiveInactive() {
	now := time.Now().UTC()
	var (
		expired  []*Session
		versions []uint64
	)

	m.mu.Lock()
	for _, s := range m.sessions {
		if s.Status != StatusActive {
			continue
		}
		if now.Sub(s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		s.Status = StatusArchived
		snap, version := m.snapshotLocked(s)
		expired = append(expired, snap)
		versions = append(versions, version)
	}
	hook := m.onExpire
	m.mu.Unlock()

	for i, s := range expired {
		m.persist(s, versions[i])
	}
	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
