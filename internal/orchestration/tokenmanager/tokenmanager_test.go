package tokenmanager

import (
	"testing"

	"github.com/conductorhq/conductor/pkg/models"
)

func TestEstimate_Monotone(t *testing.T) {
	short := &models.Message{Content: "hi"}
	long := &models.Message{Content: "hello there, this is a much longer message body"}
	if Estimate(long) <= Estimate(short) {
		t.Fatalf("Estimate not monotone in length: short=%d long=%d", Estimate(short), Estimate(long))
	}
}

func TestEstimate_Stable(t *testing.T) {
	m := &models.Message{Content: "stable content"}
	if Estimate(m) != Estimate(m) {
		t.Fatal("Estimate is not stable across repeated calls")
	}
}

func TestManager_AddMessageTokensMatchesFullRebuild(t *testing.T) {
	msgs := []*models.Message{
		{ID: "m1", Content: "hello"},
		{ID: "m2", Content: "world, a bit longer this time"},
	}

	incremental := New(1000)
	for _, m := range msgs {
		incremental.AddMessageTokens(m)
	}

	full := New(1000)
	full.UpdateTokenCount(msgs)

	if incremental.CurrentTokens() != full.CurrentTokens() {
		t.Fatalf("incremental=%d full=%d, want equal", incremental.CurrentTokens(), full.CurrentTokens())
	}
}

func TestManager_TrackToolResult(t *testing.T) {
	tm := New(1000)

	first, dup := tm.TrackToolResult("c1", "same content")
	if dup {
		t.Fatal("first sighting must not be a duplicate")
	}
	if first != "" {
		t.Fatalf("first sighting firstCallID = %q, want empty", first)
	}

	first, dup = tm.TrackToolResult("c2", "same content")
	if !dup {
		t.Fatal("second call with identical content must be flagged a duplicate")
	}
	if first != "c1" {
		t.Fatalf("firstCallID = %q, want %q", first, "c1")
	}

	// Re-tracking c1's own content again is not a duplicate of itself.
	first, dup = tm.TrackToolResult("c1", "same content")
	if dup {
		t.Fatal("re-tracking the same call id must not be a duplicate")
	}
	if first != "" {
		t.Fatalf("firstCallID = %q, want empty for self re-track", first)
	}
}

func TestManager_ContextUsagePercentage(t *testing.T) {
	tm := New(100)
	msgs := []*models.Message{{ID: "m1", Content: string(make([]byte, 800))}}
	tm.UpdateTokenCount(msgs)

	pct := tm.GetContextUsagePercentage()
	if pct != 100 {
		t.Fatalf("pct = %d, want 100 (clamped)", pct)
	}
	if !tm.IsAboveThreshold(80) {
		t.Fatal("expected usage above 80% threshold")
	}
}

func TestManager_Reset(t *testing.T) {
	tm := New(1000)
	tm.AddMessageTokens(&models.Message{ID: "m1", Content: "hello"})
	tm.TrackToolResult("c1", "x")

	tm.Reset()

	if tm.CurrentTokens() != 0 {
		t.Fatalf("CurrentTokens after reset = %d, want 0", tm.CurrentTokens())
	}
	if _, dup := tm.TrackToolResult("c2", "x"); dup {
		t.Fatal("hash index should be cleared by Reset")
	}
}

func TestManager_GetRemainingTokens(t *testing.T) {
	tm := New(100)
	tm.AddMessageTokens(&models.Message{ID: "m1", Content: string(make([]byte, 40))})
	remaining := tm.GetRemainingTokens()
	if remaining < 0 || remaining > 100 {
		t.Fatalf("remaining = %d, want in [0,100]", remaining)
	}
}
