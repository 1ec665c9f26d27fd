// Package delegation is a registry mapping an active tool-call id to the
// sub-agent it is driving, so a user interjection arriving mid-delegation
// can be routed to the right place: the driving sub-agent if its tool is
// injectable, or the root conversation otherwise. It also mints the signed
// identity tokens delegations carry across the plugin RPC boundary.
package delegation

import (
	"sync"
)

// State is a delegation entry's lifecycle stage.
type State string

const (
	StateExecuting  State = "executing"
	StateCompleting State = "completing"
	StateCleared    State = "cleared"
)

// Entry describes one active delegation.
type Entry struct {
	CallID        string
	ToolName      string
	PooledAgentID string
	State         State
	// sequence orders entries by start time so RouteInterjection can find
	// the most recently started still-executing delegation.
	sequence uint64
}

// Target identifies where a routed interjection should go.
type Target string

const (
	TargetSubAgent Target = "sub_agent"
	TargetRoot     Target = "root"
)

// RouteResult is the outcome of RouteInterjection.
type RouteResult struct {
	Target        Target
	PooledAgentID string // set when Target == TargetSubAgent
}

// Context is a registry of active delegations, keyed by tool-call id.
type Context struct {
	mu      sync.Mutex
	entries map[string]*Entry
	seq     uint64
}

// New creates an empty Context.
func New() *Context {
	return &Context{entries: make(map[string]*Entry)}
}

// Start registers a new delegation for callID, in state Executing.
func (c *Context) Start(callID, toolName, pooledAgentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.entries[callID] = &Entry{
		CallID:        callID,
		ToolName:      toolName,
		PooledAgentID: pooledAgentID,
		State:         StateExecuting,
		sequence:      c.seq,
	}
}

// Complete transitions callID's entry to Completing, if present.
func (c *Context) Complete(callID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[callID]; ok {
		e.State = StateCompleting
	}
}

// Clear removes callID's entry entirely.
func (c *Context) Clear(callID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, callID)
}

// Get returns a copy of callID's entry, if present.
func (c *Context) Get(callID string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[callID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// RouteInterjection decides where a user interjection should go: to the
// most recently started delegation still in state Executing whose tool is
// injectable, or to the root conversation if no such delegation exists (or
// its tool is not injectable; "prompt-agent" is a query, not a
// delegation).
func (c *Context) RouteInterjection(injectable func(toolName string) bool) RouteResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	var latest *Entry
	for _, e := range c.entries {
		if e.State != StateExecuting {
			continue
		}
		if latest == nil || e.sequence > latest.sequence {
			latest = e
		}
	}
	if latest == nil {
		return RouteResult{Target: TargetRoot}
	}
	if injectable == nil || !injectable(latest.ToolName) {
		return RouteResult{Target: TargetRoot}
	}
	return RouteResult{Target: TargetSubAgent, PooledAgentID: latest.PooledAgentID}
}

// Len returns the number of active (non-cleared) entries.
func (c *Context) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
