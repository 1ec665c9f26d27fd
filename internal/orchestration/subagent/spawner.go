// Package subagent composes the pool, watchdog, delegation registry and
// engine into the sub-agent delegation flow: a tool executor that checks
// the parent's depth/cycle limits, pauses the parent's activity monitor,
// acquires a warm engine from the pool, drives its nested conversation,
// and releases everything on the way out.
package subagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/conductorhq/conductor/internal/orchestration/agentpool"
	"github.com/conductorhq/conductor/internal/orchestration/delegation"
	"github.com/conductorhq/conductor/internal/orchestration/engine"
	"github.com/conductorhq/conductor/internal/orchestration/toolorchestrator"
	"github.com/conductorhq/conductor/internal/orchestration/watchdog"
	"github.com/conductorhq/conductor/pkg/models"
)

// Spawner turns pooled engines into delegation tool executors for one
// parent conversation.
type Spawner struct {
	parent      *engine.Engine
	pool        *agentpool.Pool[*engine.Engine]
	monitor     *watchdog.Monitor
	delegations *delegation.Context
	log         *slog.Logger
}

// New creates a Spawner. monitor and delegations may be nil (no pause
// bookkeeping / no interjection routing).
func New(parent *engine.Engine, pool *agentpool.Pool[*engine.Engine], monitor *watchdog.Monitor, delegations *delegation.Context, log *slog.Logger) *Spawner {
	if log == nil {
		log = slog.Default()
	}
	return &Spawner{
		parent:      parent,
		pool:        pool,
		monitor:     monitor,
		delegations: delegations,
		log:         log,
	}
}

// Executor returns a tool executor that delegates the call's prompt to a
// pooled sub-agent of the given type/config. The tool's argument object
// must carry the task text under "prompt" (falling back to "task").
func (s *Spawner) Executor(toolName string, agentType engine.AgentType, cfg agentpool.AgentConfig) toolorchestrator.Executor {
	return func(ctx context.Context, call models.ToolCall) models.ToolResult {
		prompt, err := extractPrompt(call.Input)
		if err != nil {
			return errorResult(call, models.ToolResultErrorValidation, err.Error())
		}

		childStack, err := s.parent.Delegate(agentType)
		if err != nil {
			if errors.Is(err, engine.ErrDepthLimitExceeded) {
				return errorResult(call, models.ToolResultErrorDepthLimitReached,
					fmt.Sprintf("cannot spawn %s: agent delegation depth limit reached", agentType))
			}
			return errorResult(call, models.ToolResultErrorSystem, err.Error())
		}

		if s.monitor != nil {
			s.monitor.Pause()
		}
		success := false
		defer func() {
			if s.monitor != nil {
				s.monitor.Resume(success)
			}
		}()

		pooled, err := s.pool.Acquire(ctx, cfg)
		if err != nil {
			return errorResult(call, models.ToolResultErrorSystem,
				fmt.Sprintf("failed to acquire sub-agent: %v", err))
		}
		defer s.pool.Release(pooled.AgentID)

		child := pooled.Agent
		child.SetStack(childStack)

		if s.delegations != nil {
			s.delegations.Start(call.ID, toolName, pooled.AgentID)
			defer s.delegations.Clear(call.ID)
		}

		reply, err := child.SendMessage(ctx, prompt)
		if s.delegations != nil {
			s.delegations.Complete(call.ID)
		}
		if err != nil {
			return errorResult(call, models.ToolResultErrorExecution,
				fmt.Sprintf("sub-agent failed: %v", err))
		}
		// The stable interrupted string is re-surfaced to the parent as an
		// interruption, not treated as sub-agent output.
		if reply == engine.InterruptedMessage {
			return errorResult(call, models.ToolResultErrorInterrupted, engine.InterruptedMessage)
		}

		success = true
		return models.ToolResult{
			ToolCallID: call.ID,
			Success:    true,
			Content:    reply,
			AgentID:    pooled.AgentID,
		}
	}
}

// Injectable reports whether a delegation tool accepts mid-flight user
// interjections. "prompt-agent" is a query, not a delegation, and is
// deliberately excluded.
func Injectable(toolName string) bool {
	return toolName != "prompt-agent"
}

func extractPrompt(input json.RawMessage) (string, error) {
	var args struct {
		Prompt string `json:"prompt"`
		Task   string `json:"task"`
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			return "", fmt.Errorf("invalid sub-agent arguments: %v", err)
		}
	}
	if args.Prompt != "" {
		return args.Prompt, nil
	}
	if args.Task != "" {
		return args.Task, nil
	}
	return "", errors.New("sub-agent call requires a prompt")
}

func errorResult(call models.ToolCall, errType models.ToolResultErrorType, message string) models.ToolResult {
	return models.ToolResult{
		ToolCallID: call.ID,
		Success:    false,
		IsError:    true,
		Error:      message,
		ErrorType:  errType,
		ErrorDetails: &models.ToolResultErrorDetails{
			Message:  message,
			ToolName: call.Name,
		},
	}
}
