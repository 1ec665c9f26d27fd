// Package engine is the conversation loop that ties every other
// orchestration package together: it owns one conversation's message log,
// drives the send -> model -> dispatch -> recurse cycle, injects system
// reminders, and enforces sub-agent delegation depth.
package engine

import (
	"context"
	"encoding/json"

	"github.com/conductorhq/conductor/pkg/models"
)

// ToolDefinition is the model-facing description of one callable tool:
// name, description, and the JSON-schema of its arguments.
type ToolDefinition struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// ModelOptions carries the per-request knobs a ModelClient consults.
type ModelOptions struct {
	Model           string
	System          string
	Tools           []ToolDefinition
	Temperature     float64
	MaxTokens       int
	ReasoningEffort string
	Stream          bool
}

// ModelResponse is a model client's synchronous reply to one turn.
type ModelResponse struct {
	Content     string
	ToolCalls   []models.ToolCall
	Interrupted bool
}

// ModelClient sends the current message list to a backing LLM and returns
// its reply. Send must observe ctx cancellation and set Interrupted=true
// (rather than returning an error) when the request was aborted
// mid-flight, so callers can distinguish interruption from failure.
type ModelClient interface {
	Send(ctx context.Context, messages []*models.Message, opts ModelOptions) (ModelResponse, error)
}

// AgentType identifies a sub-agent kind for cycle-depth accounting.
type AgentType string

// AgentCallStack is an explicit, engine-owned sequence of delegations in
// progress, checked at delegation time.
type AgentCallStack struct {
	entries []AgentType
}

// NewAgentCallStack creates an empty stack.
func NewAgentCallStack() *AgentCallStack {
	return &AgentCallStack{}
}

// Depth returns the number of entries currently on the stack.
func (s *AgentCallStack) Depth() int {
	return len(s.entries)
}

// CountOf returns how many times agentType already appears on the stack.
func (s *AgentCallStack) CountOf(agentType AgentType) int {
	n := 0
	for _, e := range s.entries {
		if e == agentType {
			n++
		}
	}
	return n
}

// Push appends agentType to the stack. Callers check the depth and cycle
// limits first (Engine.Delegate does); Push itself does not enforce limits so a child stack handed to a
// delegate can be constructed directly from a known-valid parent snapshot.
func (s *AgentCallStack) Push(agentType AgentType) {
	s.entries = append(s.entries, agentType)
}

// Pop removes the most recently pushed entry, if any.
func (s *AgentCallStack) Pop() {
	if len(s.entries) == 0 {
		return
	}
	s.entries = s.entries[:len(s.entries)-1]
}

// Clone returns an independent copy, for handing to a child delegation
// that must not observe the parent's subsequent pushes/pops.
func (s *AgentCallStack) Clone() *AgentCallStack {
	c := &AgentCallStack{entries: make([]AgentType, len(s.entries))}
	copy(c.entries, s.entries)
	return c
}
