// Package failover chains several model clients behind the single
// engine.ModelClient contract: each Send is attempted against the primary
// first, falling through to the next client on error. Interruption is
// terminal, not a failure: a cancelled request must surface to the engine
// as Interrupted rather than silently retrying on another provider.
package failover

import (
	"context"
	"errors"
	"log/slog"

	"github.com/conductorhq/conductor/internal/orchestration/engine"
	"github.com/conductorhq/conductor/pkg/models"
)

// ErrNoClients is returned by Send when the chain is empty.
var ErrNoClients = errors.New("failover: no model clients configured")

// Named is a model client that can identify itself for logging.
type Named interface {
	engine.ModelClient
	Name() string
}

// Chain tries each client in order until one succeeds.
type Chain struct {
	clients []Named
	log     *slog.Logger
}

// New creates a Chain over clients, in priority order.
func New(log *slog.Logger, clients ...Named) *Chain {
	if log == nil {
		log = slog.Default()
	}
	return &Chain{clients: clients, log: log}
}

// Name identifies the chain by its primary client.
func (c *Chain) Name() string {
	if len(c.clients) == 0 {
		return "failover"
	}
	return "failover:" + c.clients[0].Name()
}

// Send implements engine.ModelClient. The last client's error is returned
// if every client fails; an Interrupted response from any client is
// returned immediately without falling through.
func (c *Chain) Send(ctx context.Context, messages []*models.Message, opts engine.ModelOptions) (engine.ModelResponse, error) {
	if len(c.clients) == 0 {
		return engine.ModelResponse{}, ErrNoClients
	}

	var lastErr error
	for _, client := range c.clients {
		resp, err := client.Send(ctx, messages, opts)
		if err == nil {
			return resp, nil
		}
		if resp.Interrupted || ctx.Err() != nil {
			return engine.ModelResponse{Interrupted: true}, nil
		}
		c.log.Warn("failover: model client failed, trying next", "client", client.Name(), "error", err)
		lastErr = err
	}
	return engine.ModelResponse{}, lastErr
}
