// Package sessions persists conversation transcripts across process
// restarts. The engine's own conversation store stays in-memory and
// exclusively owned; a sessions.Store is an external sink the embedding
// application drains transcripts into (and warms new engines from).
package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/conductorhq/conductor/pkg/models"
)

// ErrNotFound is returned when a session id is unknown.
var ErrNotFound = errors.New("sessions: not found")

// Session is one persisted conversation's identity and bookkeeping.
type Session struct {
	ID        string    `json:"id"`
	AgentType string    `json:"agent_type"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ListOptions bounds List results.
type ListOptions struct {
	AgentType string
	Limit     int
	Offset    int
}

// Store is the persistence contract for sessions and their transcripts.
type Store interface {
	Create(ctx context.Context, session *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, opts ListOptions) ([]*Session, error)

	AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error
	History(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)
}
