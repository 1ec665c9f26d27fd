package turnmanager

import (
	"testing"
	"time"
)

func TestManager_NoMaxDurationNeverExceeded(t *testing.T) {
	m := New()
	m.StartTurn()
	time.Sleep(10 * time.Millisecond)
	if m.IsMaxDurationExceeded() {
		t.Fatal("expected no max duration to mean never exceeded")
	}
}

func TestManager_MaxDurationExceeded(t *testing.T) {
	m := New()
	m.StartTurn()
	m.SetMaxDuration(1.0 / 60 / 100) // ~0.6ms
	time.Sleep(20 * time.Millisecond)
	if !m.IsMaxDurationExceeded() {
		t.Fatal("expected max duration to be exceeded")
	}
}

func TestManager_ResetTurnClearsElapsed(t *testing.T) {
	m := New()
	m.StartTurn()
	time.Sleep(20 * time.Millisecond)
	m.ResetTurn()
	if m.GetElapsedMs() > 10 {
		t.Fatalf("expected elapsed near zero after reset, got %dms", m.GetElapsedMs())
	}
}

func TestManager_RemainingMinutes(t *testing.T) {
	m := New()
	m.StartTurn()
	if _, ok := m.GetRemainingMinutes(); ok {
		t.Fatal("expected no remaining-minutes value before SetMaxDuration")
	}
	m.SetMaxDuration(5)
	remaining, ok := m.GetRemainingMinutes()
	if !ok {
		t.Fatal("expected a remaining-minutes value once SetMaxDuration is called")
	}
	if remaining <= 0 || remaining > 5 {
		t.Fatalf("remaining minutes out of range: %v", remaining)
	}
}

func TestManager_DisableMaxDuration(t *testing.T) {
	m := New()
	m.StartTurn()
	m.SetMaxDuration(5)
	m.SetMaxDuration(0)
	if m.IsMaxDurationExceeded() {
		t.Fatal("expected disabling max duration to mean never exceeded")
	}
}
