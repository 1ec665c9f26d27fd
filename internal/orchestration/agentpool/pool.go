// Package agentpool is a keyed multiset of warm sub-agents. Unlike a
// homogeneous resource pool, entries are grouped by a hash of the
// identity-affecting portion of their configuration (system prompt, tool
// set, model, reasoning level): two acquisitions with the same config hash
// can share an idle entry, but entries with different hashes never mix.
package agentpool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrAgentBusy is returned when a caller addresses a specific pooled agent
// by id and it is already held by another caller.
var ErrAgentBusy = errors.New("agentpool: agent is busy")

// ErrPoolClosed is returned by Acquire once the pool has been closed.
var ErrPoolClosed = errors.New("agentpool: pool is closed")

// AgentConfig is the identity-affecting configuration of a sub-agent.
// Two configs with the same Hash are considered interchangeable for
// pooling purposes.
type AgentConfig struct {
	SystemPrompt    string
	Tools           []string
	Model           string
	ReasoningEffort string
	// PluginName scopes this config to a background plugin, if any, so
	// EvictPluginAgents can find every entry that plugin contributed.
	PluginName string
}

// Hash returns a deterministic digest of the identity-affecting fields.
func (c AgentConfig) Hash() string {
	tools := append([]string(nil), c.Tools...)
	sort.Strings(tools)
	h := sha256.New()
	fmt.Fprintf(h, "prompt:%s|model:%s|effort:%s|tools:%v", c.SystemPrompt, c.Model, c.ReasoningEffort, tools)
	return hex.EncodeToString(h.Sum(nil))
}

// Metadata describes a pooled entry's bookkeeping state.
type Metadata struct {
	Config    AgentConfig
	InUse     bool
	CreatedAt time.Time
}

// PooledAgent is a handle to one warm sub-agent instance.
type PooledAgent[T any] struct {
	AgentID  string
	Agent    T
	Metadata Metadata
}

type entry[T any] struct {
	agentID   string
	agent     T
	cfg       AgentConfig
	inUse     bool
	createdAt time.Time
	idleSince time.Time
}

// Factory constructs a new sub-agent instance for cfg.
type Factory[T any] func(ctx context.Context, cfg AgentConfig) (T, error)

// Reset is invoked on Release to clear per-turn state (thoroughness,
// max-duration, staged interjections) before the agent is returned to the
// idle set. A nil Reset is a no-op.
type Reset[T any] func(agent T)

// Pool is a keyed multiset of warm sub-agents.
type Pool[T any] struct {
	factory Factory[T]
	reset   Reset[T]

	mu     sync.Mutex
	cond   *sync.Cond
	byKey  map[string][]*entry[T]
	byID   map[string]*entry[T]
	closed bool
}

// New creates a Pool that builds new agents via factory.
func New[T any](factory Factory[T], reset Reset[T]) *Pool[T] {
	p := &Pool[T]{
		factory: factory,
		reset:   reset,
		byKey:   make(map[string][]*entry[T]),
		byID:    make(map[string]*entry[T]),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Acquire returns an idle entry matching cfg's hash if one exists,
// otherwise it builds a new one via the pool's factory. The returned
// PooledAgent is marked in-use until Release is called.
func (p *Pool[T]) Acquire(ctx context.Context, cfg AgentConfig) (*PooledAgent[T], error) {
	key := cfg.Hash()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	for _, e := range p.byKey[key] {
		if !e.inUse {
			e.inUse = true
			p.mu.Unlock()
			return toPooledAgent(e), nil
		}
	}
	p.mu.Unlock()

	agent, err := p.factory(ctx, cfg)
	if err != nil {
		return nil, err
	}

	e := &entry[T]{
		agentID:   uuid.New().String(),
		agent:     agent,
		cfg:       cfg,
		inUse:     true,
		createdAt: time.Now(),
		idleSince: time.Now(),
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.byKey[key] = append(p.byKey[key], e)
	p.byID[e.agentID] = e
	p.mu.Unlock()

	return toPooledAgent(e), nil
}

// AcquireByID attempts to take exclusive ownership of a specific, already
// known agent id, failing fast with ErrAgentBusy if another caller already
// holds it rather than blocking: a single logical agent is held by exactly
// one caller at a time.
func (p *Pool[T]) AcquireByID(agentID string) (*PooledAgent[T], error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byID[agentID]
	if !ok {
		return nil, fmt.Errorf("agentpool: unknown agent %q", agentID)
	}
	if e.inUse {
		return nil, ErrAgentBusy
	}
	e.inUse = true
	return toPooledAgent(e), nil
}

// Release marks agentID idle again, applying the pool's Reset hook (if
// any) first. Releasing an unknown or already-idle id is a no-op.
func (p *Pool[T]) Release(agentID string) {
	p.mu.Lock()
	e, ok := p.byID[agentID]
	if !ok || !e.inUse {
		p.mu.Unlock()
		return
	}
	agent := e.agent
	p.mu.Unlock()

	if p.reset != nil {
		p.reset(agent)
	}

	p.mu.Lock()
	e.inUse = false
	e.idleSince = time.Now()
	p.mu.Unlock()
	p.cond.Broadcast()
}

// EvictPluginAgents removes every idle entry whose config is scoped to
// pluginName (used on plugin hot-reload) and returns the count removed.
// Entries currently in use are left alone and stay in the pool: a later
// Release returns them to the idle set like any other entry, and only a
// later EvictPluginAgents call removes them.
func (p *Pool[T]) EvictPluginAgents(pluginName string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for key, entries := range p.byKey {
		kept := entries[:0]
		for _, e := range entries {
			if e.cfg.PluginName == pluginName && !e.inUse {
				delete(p.byID, e.agentID)
				removed++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(p.byKey, key)
		} else {
			p.byKey[key] = kept
		}
	}
	return removed
}

// EvictIdle removes every idle entry that has been unused for at least
// maxIdle, returning the count removed. In-use entries are never touched.
func (p *Pool[T]) EvictIdle(maxIdle time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	for key, entries := range p.byKey {
		kept := entries[:0]
		for _, e := range entries {
			if !e.inUse && e.idleSince.Before(cutoff) {
				delete(p.byID, e.agentID)
				removed++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(p.byKey, key)
		} else {
			p.byKey[key] = kept
		}
	}
	return removed
}

// Close marks the pool closed; further Acquire calls fail with
// ErrPoolClosed. Existing PooledAgent handles remain valid until released.
func (p *Pool[T]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
}

// Stats summarizes pool occupancy, mainly for tests and metrics.
type Stats struct {
	Idle  int
	InUse int
}

// Stats returns current occupancy across every config key.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	var s Stats
	for _, entries := range p.byKey {
		for _, e := range entries {
			if e.inUse {
				s.InUse++
			} else {
				s.Idle++
			}
		}
	}
	return s
}

func toPooledAgent[T any](e *entry[T]) *PooledAgent[T] {
	return &PooledAgent[T]{
		AgentID: e.agentID,
		Agent:   e.agent,
		Metadata: Metadata{
			Config:    e.cfg,
			InUse:     e.inUse,
			CreatedAt: e.createdAt,
		},
	}
}
