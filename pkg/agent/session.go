package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is the per-thread conversation document: ordered messages
// plus the runtime state and metadata bags.
type Session struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	ThreadID  string         `json:"thread_id"`
	Messages  []Message      `json:"messages"`
	State     map[string]any `json:"state,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// SessionStore persists sessions and their messages. Messages are
// append-only; UpdateMessage exists solely for the placeholder
// assistant message lifecycle.
type SessionStore interface {
	GetOrCreate(ctx context.Context, tenantID, threadID string) (*Session, error)
	Get(ctx context.Context, sessionID string) (*Session, error)
	AppendMessage(ctx context.Context, sessionID string, msg Message) (string, error)
	UpdateMessage(ctx context.Context, sessionID, messageID string, update MessageUpdate) error
	SetState(ctx context.Context, sessionID string, key string, value any) error
}

// MemorySessionStore is the in-memory session store used by the
// "inmemory" storage kind and by tests.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session // session ID → session
	byThread map[string]string   // tenant:thread → session ID
}

// NewMemorySessionStore creates an empty in-memory store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]*Session),
		byThread: make(map[string]string),
	}
}

func threadKey(tenantID, threadID string) string {
	return tenantID + ":" + threadID
}

// GetOrCreate returns the session bound to the thread, creating it on
// first use.
func (s *MemorySessionStore) GetOrCreate(_ context.Context, tenantID, threadID string) (*Session, error) {
	if threadID == "" {
		return nil, ErrMissingThread
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byThread[threadKey(tenantID, threadID)]; ok {
		return s.copyLocked(id)
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		ThreadID:  threadID,
		State:     make(map[string]any),
		Metadata:  make(map[string]any),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.sessions[sess.ID] = sess
	s.byThread[threadKey(tenantID, threadID)] = sess.ID
	return s.copyLocked(sess.ID)
}

// Get returns a session by ID.
func (s *MemorySessionStore) Get(_ context.Context, sessionID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked(sessionID)
}

// AppendMessage appends a message, assigning an ID when absent.
func (s *MemorySessionStore) AppendMessage(_ context.Context, sessionID string, msg Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	sess.Messages = append(sess.Messages, msg)
	sess.UpdatedAt = time.Now().UTC()
	return msg.ID, nil
}

// UpdateMessage mutates a message in place. Only the placeholder
// assistant message goes through here.
func (s *MemorySessionStore) UpdateMessage(_ context.Context, sessionID, messageID string, update MessageUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	for i := range sess.Messages {
		if sess.Messages[i].ID == messageID {
			sess.Messages[i].Content = update.Content
			sess.Messages[i].Status = update.Status
			sess.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
}

// SetState writes one session state key.
func (s *MemorySessionStore) SetState(_ context.Context, sessionID string, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	sess.State[key] = value
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

// copyLocked returns a defensive copy so callers never alias store
// internals. Caller holds s.mu.
func (s *MemorySessionStore) copyLocked(sessionID string) (*Session, error) {
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	out := *sess
	out.Messages = append([]Message(nil), sess.Messages...)
	out.State = make(map[string]any, len(sess.State))
	for k, v := range sess.State {
		out.State[k] = v
	}
	out.Metadata = make(map[string]any, len(sess.Metadata))
	for k, v := range sess.Metadata {
		out.Metadata[k] = v
	}
	return &out, nil
}
