package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/conductorhq/conductor/pkg/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	agent_type TEXT NOT NULL,
	title      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id           TEXT NOT NULL,
	session_id   TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	seq          INTEGER NOT NULL,
	role         TEXT NOT NULL,
	content      TEXT NOT NULL,
	tool_calls   TEXT,
	tool_call_id TEXT,
	hidden       INTEGER NOT NULL DEFAULT 0,
	created_at   TIMESTAMP NOT NULL,
	PRIMARY KEY (session_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);
`

// SQLStore persists sessions in a SQL database. The default driver is the
// pure-Go sqlite build, keeping single-binary deployments CGO-free; any
// database/sql handle with compatible SQL works (tests use sqlmock).
type SQLStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) a sqlite-backed store at path.
func OpenSQLite(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sessions: open sqlite: %w", err)
	}
	store, err := NewSQLStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStore wraps an existing handle, applying the schema.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("sessions: apply schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Close releases the underlying handle.
func (s *SQLStore) Close() error { return s.db.Close() }

// Create inserts session, stamping CreatedAt/UpdatedAt if unset.
func (s *SQLStore) Create(ctx context.Context, session *Session) error {
	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, agent_type, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		session.ID, session.AgentType, session.Title, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("sessions: create: %w", err)
	}
	return nil
}

// Get returns the session with the given id.
func (s *SQLStore) Get(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agent_type, title, created_at, updated_at FROM sessions WHERE id = ?`, id)
	var session Session
	err := row.Scan(&session.ID, &session.AgentType, &session.Title, &session.CreatedAt, &session.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sessions: get: %w", err)
	}
	return &session, nil
}

// Delete removes the session and its transcript.
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sessions: delete: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	// Deleting messages explicitly keeps the store independent of the
	// connection's foreign-key pragma.
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("sessions: delete messages: %w", err)
	}
	return nil
}

// List returns sessions newest-first, filtered and bounded by opts.
func (s *SQLStore) List(ctx context.Context, opts ListOptions) ([]*Session, error) {
	query := `SELECT id, agent_type, title, created_at, updated_at FROM sessions`
	var args []any
	if opts.AgentType != "" {
		query += ` WHERE agent_type = ?`
		args = append(args, opts.AgentType)
	}
	query += ` ORDER BY updated_at DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sessions: list: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var session Session
		if err := rows.Scan(&session.ID, &session.AgentType, &session.Title, &session.CreatedAt, &session.UpdatedAt); err != nil {
			return nil, fmt.Errorf("sessions: scan: %w", err)
		}
		out = append(out, &session)
	}
	return out, rows.Err()
}

// AppendMessage adds msg to the session's transcript at the next sequence
// number and bumps the session's UpdatedAt.
func (s *SQLStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	var toolCalls sql.NullString
	if len(msg.ToolCalls) > 0 {
		encoded, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("sessions: encode tool calls: %w", err)
		}
		toolCalls = sql.NullString{String: string(encoded), Valid: true}
	}
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, seq, role, content, tool_calls, tool_call_id, hidden, created_at)
		 VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = ?), ?, ?, ?, ?, ?, ?)`,
		msg.ID, sessionID, sessionID, string(msg.Role), msg.Content, toolCalls, msg.ToolCallID, msg.Hidden, createdAt)
	if err != nil {
		return fmt.Errorf("sessions: append message: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`, time.Now(), sessionID); err != nil {
		return fmt.Errorf("sessions: touch session: %w", err)
	}
	return nil
}

// History returns the transcript in sequence order; a positive limit
// returns only the most recent limit messages.
func (s *SQLStore) History(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	query := `SELECT id, role, content, tool_calls, tool_call_id, hidden, created_at
		  FROM messages WHERE session_id = ? ORDER BY seq`
	args := []any{sessionID}
	if limit > 0 {
		query = `SELECT id, role, content, tool_calls, tool_call_id, hidden, created_at FROM (
			   SELECT id, role, content, tool_calls, tool_call_id, hidden, created_at, seq
			   FROM messages WHERE session_id = ? ORDER BY seq DESC LIMIT ?
			 ) ORDER BY seq`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sessions: history: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		var msg models.Message
		var role string
		var toolCalls sql.NullString
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &toolCalls, &msg.ToolCallID, &msg.Hidden, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("sessions: scan message: %w", err)
		}
		msg.Role = models.Role(role)
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("sessions: decode tool calls: %w", err)
			}
		}
		out = append(out, &msg)
	}
	return out, rows.Err()
}
