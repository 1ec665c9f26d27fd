package failover

import (
	"context"
	"errors"
	"testing"

	"github.com/conductorhq/conductor/internal/orchestration/engine"
	"github.com/conductorhq/conductor/pkg/models"
)

type stubClient struct {
	name string
	resp engine.ModelResponse
	err  error
	hits int
}

func (s *stubClient) Name() string { return s.name }

func (s *stubClient) Send(ctx context.Context, messages []*models.Message, opts engine.ModelOptions) (engine.ModelResponse, error) {
	s.hits++
	return s.resp, s.err
}

func TestChain_FallsThroughOnError(t *testing.T) {
	primary := &stubClient{name: "a", err: errors.New("boom")}
	secondary := &stubClient{name: "b", resp: engine.ModelResponse{Content: "ok"}}

	chain := New(nil, primary, secondary)
	resp, err := chain.Send(context.Background(), nil, engine.ModelOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "ok" {
		t.Fatalf("expected secondary's response, got %+v", resp)
	}
	if primary.hits != 1 || secondary.hits != 1 {
		t.Fatalf("expected one attempt each, got %d/%d", primary.hits, secondary.hits)
	}
}

func TestChain_ReturnsLastErrorWhenAllFail(t *testing.T) {
	last := errors.New("last")
	chain := New(nil,
		&stubClient{name: "a", err: errors.New("first")},
		&stubClient{name: "b", err: last},
	)
	if _, err := chain.Send(context.Background(), nil, engine.ModelOptions{}); !errors.Is(err, last) {
		t.Fatalf("expected last client's error, got %v", err)
	}
}

func TestChain_InterruptionDoesNotFailOver(t *testing.T) {
	secondary := &stubClient{name: "b", resp: engine.ModelResponse{Content: "should not run"}}
	chain := New(nil,
		&stubClient{name: "a", resp: engine.ModelResponse{Interrupted: true}},
		secondary,
	)
	resp, err := chain.Send(context.Background(), nil, engine.ModelOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Interrupted {
		t.Fatal("expected interrupted response to surface")
	}
	if secondary.hits != 0 {
		t.Fatal("interruption must not fall through to the next client")
	}
}

func TestChain_Empty(t *testing.T) {
	chain := New(nil)
	if _, err := chain.Send(context.Background(), nil, engine.ModelOptions{}); !errors.Is(err, ErrNoClients) {
		t.Fatalf("expected ErrNoClients, got %v", err)
	}
}
