package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/conductorhq/conductor/pkg/models"
)

func timeNow() time.Time { return time.Now() }

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS sessions").WillReturnResult(sqlmock.NewResult(0, 0))
	store, err := NewSQLStore(db)
	if err != nil {
		t.Fatalf("NewSQLStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, mock
}

func TestSQLStore_CreateAndGet(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO sessions").
		WithArgs("s1", "root", "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	if err := store.Create(ctx, &Session{ID: "s1", AgentType: "root"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	mock.ExpectQuery("SELECT id, agent_type, title, created_at, updated_at FROM sessions WHERE id").
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "agent_type", "title", "created_at", "updated_at"}).
			AddRow("s1", "root", "t", timeNow(), timeNow()))

	got, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != "s1" || got.AgentType != "root" {
		t.Fatalf("unexpected session: %+v", got)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSQLStore_AppendMessageEncodesToolCalls(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO messages").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE sessions SET updated_at").
		WillReturnResult(sqlmock.NewResult(0, 1))

	msg := &models.Message{
		ID:      "m1",
		Role:    models.RoleAssistant,
		Content: "",
		ToolCalls: []models.ToolCall{
			{ID: "c1", Name: "read", Input: []byte(`{"file_path":"a.txt"}`)},
		},
	}
	if err := store.AppendMessage(ctx, "s1", msg); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSQLStore_HistoryDecodesToolCalls(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT id, role, content, tool_calls, tool_call_id, hidden, created_at").
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "role", "content", "tool_calls", "tool_call_id", "hidden", "created_at"}).
			AddRow("m1", "user", "read a.txt", nil, "", false, timeNow()).
			AddRow("m2", "assistant", "", `[{"id":"c1","name":"read","input":{"file_path":"a.txt"}}]`, "", false, timeNow()))

	history, err := store.History(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(history))
	}
	if len(history[1].ToolCalls) != 1 || history[1].ToolCalls[0].Name != "read" {
		t.Fatalf("tool calls not decoded: %+v", history[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSQLStore_DeleteMissing(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM sessions").
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := store.Delete(context.Background(), "ghost"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
