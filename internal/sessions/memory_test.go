package sessions

import (
	"context"
	"errors"
	"testing"

	"github.com/conductorhq/conductor/pkg/models"
)

func TestMemoryStore_CRUDAndHistory(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if err := store.Create(ctx, &Session{ID: "s1", AgentType: "root"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.AgentType != "root" || got.CreatedAt.IsZero() {
		t.Fatalf("unexpected session: %+v", got)
	}

	msgs := []*models.Message{
		{ID: "m1", Role: models.RoleUser, Content: "hi"},
		{ID: "m2", Role: models.RoleAssistant, Content: "hello"},
		{ID: "m3", Role: models.RoleUser, Content: "bye"},
	}
	for _, m := range msgs {
		if err := store.AppendMessage(ctx, "s1", m); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	history, err := store.History(ctx, "s1", 0)
	if err != nil || len(history) != 3 {
		t.Fatalf("History = %d messages (%v), want 3", len(history), err)
	}
	if history[0].ID != "m1" || history[2].ID != "m3" {
		t.Fatal("history must preserve insertion order")
	}

	tail, err := store.History(ctx, "s1", 2)
	if err != nil || len(tail) != 2 || tail[0].ID != "m2" {
		t.Fatalf("limited history should return the most recent messages, got %+v (%v)", tail, err)
	}

	if err := store.Delete(ctx, "s1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemoryStore_ListFiltersAndBounds(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for _, s := range []*Session{
		{ID: "a", AgentType: "root"},
		{ID: "b", AgentType: "explorer"},
		{ID: "c", AgentType: "explorer"},
	} {
		if err := store.Create(ctx, s); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	explorers, err := store.List(ctx, ListOptions{AgentType: "explorer"})
	if err != nil || len(explorers) != 2 {
		t.Fatalf("List(explorer) = %d (%v), want 2", len(explorers), err)
	}

	one, err := store.List(ctx, ListOptions{Limit: 1})
	if err != nil || len(one) != 1 {
		t.Fatalf("List(limit=1) = %d (%v), want 1", len(one), err)
	}

	none, err := store.List(ctx, ListOptions{Offset: 10})
	if err != nil || len(none) != 0 {
		t.Fatalf("List(offset past end) = %d (%v), want 0", len(none), err)
	}
}

func TestMemoryStore_UnknownSession(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.AppendMessage(ctx, "ghost", &models.Message{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.History(ctx, "ghost", 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
