package agentpool

import (
	"context"
	"sync/atomic"
	"testing"
)

type fakeAgent struct {
	id       int
	resetted bool
}

func newCountingFactory() (Factory[*fakeAgent], *atomic.Int32) {
	var created atomic.Int32
	return func(ctx context.Context, cfg AgentConfig) (*fakeAgent, error) {
		n := created.Add(1)
		return &fakeAgent{id: int(n)}, nil
	}, &created
}

func TestPool_AcquireReusesReleasedEntry(t *testing.T) {
	factory, created := newCountingFactory()
	p := New(factory, func(a *fakeAgent) { a.resetted = true })
	cfg := AgentConfig{Model: "gpt", SystemPrompt: "explore"}

	a1, err := p.Acquire(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	p.Release(a1.AgentID)

	a2, err := p.Acquire(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if a2.AgentID != a1.AgentID {
		t.Fatal("expected released entry to be reused")
	}
	if created.Load() != 1 {
		t.Fatalf("expected exactly one factory call, got %d", created.Load())
	}
	if !a2.Agent.resetted {
		t.Fatal("expected Reset hook to run before reuse")
	}
}

func TestPool_DifferentConfigsDoNotShareEntries(t *testing.T) {
	factory, created := newCountingFactory()
	p := New(factory, nil)

	a1, _ := p.Acquire(context.Background(), AgentConfig{Model: "a"})
	a2, _ := p.Acquire(context.Background(), AgentConfig{Model: "b"})
	if a1.AgentID == a2.AgentID {
		t.Fatal("expected distinct entries for distinct config hashes")
	}
	if created.Load() != 2 {
		t.Fatalf("expected two factory calls, got %d", created.Load())
	}
}

func TestPool_AcquireByIDFailsFastWhenBusy(t *testing.T) {
	factory, _ := newCountingFactory()
	p := New(factory, nil)
	a1, _ := p.Acquire(context.Background(), AgentConfig{Model: "a"})

	if _, err := p.AcquireByID(a1.AgentID); err != ErrAgentBusy {
		t.Fatalf("expected ErrAgentBusy, got %v", err)
	}

	p.Release(a1.AgentID)
	a2, err := p.AcquireByID(a1.AgentID)
	if err != nil {
		t.Fatalf("expected acquire to succeed once released: %v", err)
	}
	if a2.AgentID != a1.AgentID {
		t.Fatal("expected the same agent id back")
	}
}

func TestPool_EvictPluginAgentsOnlyRemovesIdle(t *testing.T) {
	factory, _ := newCountingFactory()
	p := New(factory, nil)

	busy, _ := p.Acquire(context.Background(), AgentConfig{Model: "a", PluginName: "weather"})
	idle, _ := p.Acquire(context.Background(), AgentConfig{Model: "b", PluginName: "weather"})
	p.Release(idle.AgentID)

	removed := p.EvictPluginAgents("weather")
	if removed != 1 {
		t.Fatalf("expected 1 idle entry evicted, got %d", removed)
	}

	stats := p.Stats()
	if stats.InUse != 1 {
		t.Fatalf("expected the busy entry to remain, stats=%+v", stats)
	}
	p.Release(busy.AgentID)
}

func TestPool_AcquireAfterCloseFails(t *testing.T) {
	factory, _ := newCountingFactory()
	p := New(factory, nil)
	p.Close()

	if _, err := p.Acquire(context.Background(), AgentConfig{Model: "a"}); err != ErrPoolClosed {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}
