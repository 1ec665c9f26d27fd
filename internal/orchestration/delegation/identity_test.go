package delegation

import (
	"errors"
	"testing"
	"time"
)

func TestTokenService_RoundTrip(t *testing.T) {
	svc := NewTokenService("test-secret", time.Minute)
	id := Identity{CallID: "c1", ToolName: "explore-agent", AgentType: "explorer", Depth: 2}

	token, err := svc.Mint(id)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	got, err := svc.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got != id {
		t.Fatalf("round trip mismatch: %+v != %+v", got, id)
	}
}

func TestTokenService_RejectsWrongSecret(t *testing.T) {
	token, err := NewTokenService("secret-a", 0).Mint(Identity{CallID: "c1"})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := NewTokenService("secret-b", 0).Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestTokenService_RequiresCallID(t *testing.T) {
	if _, err := NewTokenService("s", 0).Mint(Identity{}); err == nil {
		t.Fatal("expected error for missing call id")
	}
}
