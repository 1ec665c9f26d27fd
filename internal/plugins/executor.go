package plugins

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/conductorhq/conductor/internal/orchestration/toolorchestrator"
	"github.com/conductorhq/conductor/pkg/models"
)

// Executor adapts a plugin Client into a tool executor: the tool call's
// name becomes the RPC method, its decoded arguments the params, and the
// raw RPC result the tool result's Data. RPC failures become structured
// tool errors instead of Go errors, keeping the conversation invariant
// (one tool message per call) intact even when a daemon is down.
func Executor(client *Client) toolorchestrator.Executor {
	return func(ctx context.Context, call models.ToolCall) models.ToolResult {
		var params map[string]any
		if len(call.Input) > 0 {
			if err := json.Unmarshal(call.Input, &params); err != nil {
				return errorResult(call, models.ToolResultErrorValidation, "invalid plugin tool arguments: "+err.Error())
			}
		}

		result, err := client.Call(ctx, call.Name, params)
		if err != nil {
			var rpcErr *RPCError
			if errors.As(err, &rpcErr) {
				return errorResult(call, rpcErr.Type, rpcErr.Message)
			}
			return errorResult(call, models.ToolResultErrorSystem, err.Error())
		}

		out := models.ToolResult{
			ToolCallID: call.ID,
			Success:    true,
			Data:       result,
			AgentID:    client.PluginName(),
		}
		// Plain string results render directly; structured results are
		// summarized by the orchestrator's formatter from Data.
		var text string
		if err := json.Unmarshal(result, &text); err == nil {
			out.Content = text
		}
		return out
	}
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
