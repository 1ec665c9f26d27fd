// Package convstore is the ordered message log for one conversation: an
// append-only history plus a staging queue for user interjections that must
// be drained into the log before the next model request.
//
// The conversation invariant (every assistant message carrying tool_calls
// is eventually followed, before the next assistant message, by exactly one
// tool message per tool_call_id) is enforced by the Engine, not by the
// Store itself; the Store only guarantees strict insertion order and id
// uniqueness.
package convstore

import (
	"fmt"
	"sync"

	"github.com/conductorhq/conductor/pkg/models"
)

// Store is an ordered, append-only log of *models.Message plus a staged
// interjection queue. It is safe for concurrent use.
type Store struct {
	mu            sync.Mutex
	messages      []*models.Message
	byID          map[string]int // id -> index into messages
	interjections []string
	seq           int // count of ids assigned by Append
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		byID: make(map[string]int),
	}
}

// Append adds m to the end of the log. If m.ID is empty, a sequence-based id
// is assigned so every stored message has a stable, unique id.
func (s *Store) Append(m *models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		s.seq++
		m.ID = fmt.Sprintf("msg-%d", s.seq)
	}
	s.byID[m.ID] = len(s.messages)
	s.messages = append(s.messages, m)
}

// Messages returns a snapshot slice of the current log in insertion order.
// The slice is a copy; mutating it does not affect the Store.
func (s *Store) Messages() []*models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// MessageCount returns the number of messages currently stored.
func (s *Store) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// RemoveByID removes the message with the given id, if present, and
// reports whether a message was removed.
func (s *Store) RemoveByID(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byID[id]
	if !ok {
		return false
	}
	s.messages = append(s.messages[:idx], s.messages[idx+1:]...)
	s.reindexLocked()
	return true
}

// Replace swaps the message with the given id for m, preserving its
// position. Used only for whole-message replacement during tool-call
// repair; messages are otherwise immutable after insertion.
func (s *Store) Replace(id string, m *models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byID[id]
	if !ok {
		return false
	}
	if m.ID == "" {
		m.ID = id
	}
	s.messages[idx] = m
	if m.ID != id {
		delete(s.byID, id)
		s.byID[m.ID] = idx
	}
	return true
}

// TrimHead removes the oldest n messages from the log (used to keep the
// log within budget after a compaction decision). n is clamped to the log
// length.
func (s *Store) TrimHead(n int) []*models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 {
		return nil
	}
	if n > len(s.messages) {
		n = len(s.messages)
	}
	trimmed := make([]*models.Message, n)
	copy(trimmed, s.messages[:n])
	s.messages = s.messages[n:]
	s.reindexLocked()
	return trimmed
}

// AddUserInterjection stages text as a user message to be injected before
// the next model request, rather than appending it to the log immediately.
func (s *Store) AddUserInterjection(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interjections = append(s.interjections, text)
}

// DrainInterjections returns and clears all staged interjections, in the
// order they were added.
func (s *Store) DrainInterjections() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.interjections) == 0 {
		return nil
	}
	out := s.interjections
	s.interjections = nil
	return out
}

// HasInterjections reports whether any interjections are staged.
func (s *Store) HasInterjections() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.interjections) > 0
}

// Reset clears the log and the interjection queue, returning the Store to
// its construction-time observable state.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	s.byID = make(map[string]int)
	s.interjections = nil
	s.seq = 0
}

func (s *Store) reindexLocked() {
	s.byID = make(map[string]int, len(s.messages))
	for i, m := range s.messages {
		s.byID[m.ID] = i
	}
}
