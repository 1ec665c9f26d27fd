package sessions

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/conductorhq/conductor/pkg/models"
)

// MemoryStore is an in-process Store, the default for tests and
// single-shot CLI runs where transcripts don't need to outlive the
// process.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	history  map[string][]*models.Message
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		history:  make(map[string][]*models.Message),
	}
}

// Create stores session, stamping CreatedAt/UpdatedAt if unset.
func (s *MemoryStore) Create(ctx context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	cp := *session
	s.sessions[session.ID] = &cp
	return nil
}

// Get returns a copy of the session with the given id.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *session
	return &cp, nil
}

// Delete removes the session and its transcript.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(s.sessions, id)
	delete(s.history, id)
	return nil
}

// List returns sessions newest-first, filtered and bounded by opts.
func (s *MemoryStore) List(ctx context.Context, opts ListOptions) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Session
	for _, session := range s.sessions {
		if opts.AgentType != "" && session.AgentType != opts.AgentType {
			continue
		}
		cp := *session
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// AppendMessage adds msg to the session's transcript.
func (s *MemoryStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	session.UpdatedAt = time.Now()
	s.history[sessionID] = append(s.history[sessionID], msg)
	return nil
}

// History returns the transcript in insertion order; a positive limit
// returns only the most recent limit messages.
func (s *MemoryStore) History(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, ErrNotFound
	}
	history := s.history[sessionID]
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	out := make([]*models.Message, len(history))
	copy(out, history)
	return out, nil
}
