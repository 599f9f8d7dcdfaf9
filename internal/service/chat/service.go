package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	applog "github.com/zhouzirui/z-copilot/backend/internal/log"
	"github.com/zhouzirui/z-copilot/backend/internal/model/chat"
	"github.com/zhouzirui/z-copilot/backend/internal/storage/kv"
)

// Keys of the two persisted blobs.
const (
	SessionListKey    = "copilot_session_list"
	MessageHistoryKey = "copilot_message_history"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionRequired = errors.New("session id is required")
)

// Service is the session store: the session list, every transcript and the
// current-session pointer. Each mutation overwrites the affected blobs in the
// backing kv.Store, so the last writer wins.
type Service struct {
	mu       sync.RWMutex
	store    kv.Store
	order    []string
	sessions map[string]chat.Session
	messages map[string][]chat.Message
	current  string
	lastID   int64
	now      func() time.Time
}

// NewService builds an empty store on top of the given blob store.
func NewService(store kv.Store) *Service {
	if store == nil {
		store = kv.NewMemoryStore()
	}
	return &Service{
		store:    store,
		sessions: make(map[string]chat.Session),
		messages: make(map[string][]chat.Message),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Load reads both blobs and selects the newest session as current. A store
// with no sessions gets a fresh placeholder session so one is always current.
func (s *Service) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var list []chat.Session
	if err := s.readBlob(ctx, SessionListKey, &list); err != nil {
		return err
	}
	history := make(map[string][]chat.Message)
	if err := s.readBlob(ctx, MessageHistoryKey, &history); err != nil {
		return err
	}

	s.order = s.order[:0]
	s.sessions = make(map[string]chat.Session, len(list))
	s.messages = make(map[string][]chat.Message, len(list))
	for _, session := range list {
		if session.ID == "" {
			continue
		}
		if _, dup := s.sessions[session.ID]; dup {
			continue
		}
		s.order = append(s.order, session.ID)
		s.sessions[session.ID] = session
		s.messages[session.ID] = history[session.ID]
		if id, err := strconv.ParseInt(session.ID, 10, 64); err == nil && id > s.lastID {
			s.lastID = id
		}
	}

	if len(s.order) == 0 {
		_, err := s.createLocked(ctx)
		return err
	}

	s.current = s.order[0]
	applog.Info().Int("sessions", len(s.order)).Msg("session store loaded")
	return nil
}

func (s *Service) readBlob(ctx context.Context, key string, dst any) error {
	data, ok, err := s.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("load %s: %w", key, err)
	}
	if !ok || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// CreateSession provisions a placeholder session and makes it current.
func (s *Service) CreateSession(ctx context.Context) (chat.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(ctx)
}

func (s *Service) createLocked(ctx context.Context) (chat.Session, error) {
	now := s.now()
	id := now.UnixMilli()
	if id <= s.lastID {
		id = s.lastID + 1
	}
	s.lastID = id

	session := chat.Session{
		ID:        strconv.FormatInt(id, 10),
		Label:     chat.PlaceholderLabel,
		Group:     chat.DefaultGroup,
		CreatedAt: now,
	}

	s.order = append([]string{session.ID}, s.order...)
	s.sessions[session.ID] = session
	s.messages[session.ID] = make([]chat.Message, 0, 16)
	s.current = session.ID

	if err := s.persistSessionsLocked(ctx); err != nil {
		return session, err
	}
	if err := s.persistMessagesLocked(ctx); err != nil {
		return session, err
	}
	return session, nil
}

// ListSessions returns sessions newest first.
func (s *Service) ListSessions(_ context.Context) []chat.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]chat.Session, 0, len(s.order))
	for _, id := range s.order {
		list = append(list, s.sessions[id])
	}
	return list
}

// GetSession retrieves a session by identifier.
func (s *Service) GetSession(_ context.Context, sessionID string) (chat.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return chat.Session{}, ErrSessionNotFound
	}
	return session, nil
}

// Current returns the current session.
func (s *Service) Current(_ context.Context) (chat.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[s.current]
	return session, ok
}

// Switch makes sessionID current and returns it with its transcript.
func (s *Service) Switch(_ context.Context, sessionID string) (chat.Session, []chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return chat.Session{}, nil, ErrSessionNotFound
	}
	s.current = sessionID
	return session, cloneMessages(s.messages[sessionID]), nil
}

// DeleteSession removes a session and its transcript. Deleting the current
// session moves the pointer to the newest remaining one, creating a fresh
// placeholder when none is left.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return ErrSessionNotFound
	}

	delete(s.sessions, sessionID)
	delete(s.messages, sessionID)
	for i, id := range s.order {
		if id == sessionID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}

	if s.current == sessionID {
		s.current = ""
		if len(s.order) > 0 {
			s.current = s.order[0]
		}
	}

	if len(s.order) == 0 {
		_, err := s.createLocked(ctx)
		return err
	}

	if err := s.persistSessionsLocked(ctx); err != nil {
		return err
	}
	return s.persistMessagesLocked(ctx)
}

// AppendMessages appends msgs to the session transcript in order, assigning
// identifiers and timestamps, and returns the stored copies.
func (s *Service) AppendMessages(ctx context.Context, sessionID string, msgs ...chat.Message) ([]chat.Message, error) {
	if sessionID == "" {
		return nil, ErrSessionRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return nil, ErrSessionNotFound
	}

	stored := make([]chat.Message, 0, len(msgs))
	for _, message := range msgs {
		message.ID = uuid.NewString()
		if message.CreatedAt.IsZero() {
			message.CreatedAt = s.now()
		}
		stored = append(stored, message)
	}

	prev := s.messages[sessionID]
	next := make([]chat.Message, 0, len(prev)+len(stored))
	next = append(append(next, prev...), stored...)

	// Memory only moves once the blob is written.
	s.messages[sessionID] = next
	if err := s.persistMessagesLocked(ctx); err != nil {
		s.messages[sessionID] = prev
		return stored, err
	}
	return stored, nil
}

// LoadTranscript returns stored messages for the provided session.
func (s *Service) LoadTranscript(_ context.Context, sessionID string) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages, ok := s.messages[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return cloneMessages(messages), nil
}

// SetLabelOnce replaces the placeholder label. It reports false and changes
// nothing when the session was already labeled. Whitespace labels count.
func (s *Service) SetLabelOnce(ctx context.Context, sessionID, label string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return false, ErrSessionNotFound
	}
	if session.Labeled() || label == "" {
		return false, nil
	}

	prev := session
	session.Label = label
	session.LabelSet = true
	s.sessions[sessionID] = session
	if err := s.persistSessionsLocked(ctx); err != nil {
		s.sessions[sessionID] = prev
		return false, err
	}
	return true, nil
}

// SetUpstreamSessionID remembers the agent endpoint's own session id so the
// next turn continues the same remote conversation.
func (s *Service) SetUpstreamSessionID(ctx context.Context, sessionID, upstreamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if session.UpstreamSessionID == upstreamID {
		return nil
	}

	prev := session
	session.UpstreamSessionID = upstreamID
	s.sessions[sessionID] = session
	if err := s.persistSessionsLocked(ctx); err != nil {
		s.sessions[sessionID] = prev
		return err
	}
	return nil
}

func (s *Service) persistSessionsLocked(ctx context.Context) error {
	list := make([]chat.Session, 0, len(s.order))
	for _, id := range s.order {
		list = append(list, s.sessions[id])
	}
	return s.writeBlob(ctx, SessionListKey, list)
}

func (s *Service) persistMessagesLocked(ctx context.Context) error {
	return s.writeBlob(ctx, MessageHistoryKey, s.messages)
}

func (s *Service) writeBlob(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.store.Set(ctx, key, data); err != nil {
		applog.Error().Err(err).Str("key", key).Msg("failed to persist session store")
		return fmt.Errorf("persist %s: %w", key, err)
	}
	return nil
}

func cloneMessages(messages []chat.Message) []chat.Message {
	copied := make([]chat.Message, len(messages))
	copy(copied, messages)
	return copied
}
