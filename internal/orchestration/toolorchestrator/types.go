// Package toolorchestrator is the dispatch layer between a model's tool
// calls and their local executors: classification (safe-concurrent vs.
// destructive-sequential), the per-call validate/permission/execute/record
// state machine, parallel fan-out with order-preserving results, and
// exploratory-streak reminders.
package toolorchestrator

import (
	"context"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/conductorhq/conductor/pkg/models"
)

// ToolDef describes one registered tool's dispatch-relevant properties.
// The description and display metadata live with the concrete tool
// implementation; only the properties the orchestrator itself branches on
// are modeled here.
type ToolDef struct {
	Name string

	// Schema, when set, validates decoded call arguments during the
	// validate state; a violation is a terminal validation_error before
	// any permission prompt. Compile one with CompileSchema.
	Schema *jsonschema.Schema

	// RequiresConfirmation gates the call behind the permission checker.
	RequiresConfirmation bool
	// IsExploratoryTool marks a read-only, information-gathering tool
	// (read, grep, glob, list) for exploratory-streak tracking.
	IsExploratoryTool bool
	// BreaksExploratoryStreak resets the streak when this (non-exploratory)
	// tool runs; false preserves it.
	BreaksExploratoryStreak bool
	// HideOutput marks a tool whose content is not to be echoed as a
	// TOOL_OUTPUT_CHUNK stream event. The Orchestrator does not read it: it
	// emits only TOOL_CALL_START and TOOL_CALL_END events, never output
	// chunks, for every tool.
	HideOutput bool
	// IsSearchTool marks a tool whose results feed the low-hit-rate and
	// empty-streak detections.
	IsSearchTool bool
	// Safe marks a tool as read-only/effect-free, eligible for the
	// safe-concurrent classification.
	Safe bool
}

// Executor runs one tool call and produces its result. Implementations
// must not panic for ordinary failures; return a ToolResult with
// Success=false instead. A panic is still recovered by the orchestrator
// and converted to an execution_error.
type Executor func(ctx context.Context, call models.ToolCall) models.ToolResult

// PermissionDecision is the outcome of a permission gate check.
type PermissionDecision int

const (
	// PermissionAllowed lets execution proceed.
	PermissionAllowed PermissionDecision = iota
	// PermissionDenied produces a terminal permission_error result.
	PermissionDenied
	// PermissionInterrupted produces a terminal interrupted result.
	PermissionInterrupted
)

// PermissionChecker gates a single call requiring confirmation.
type PermissionChecker func(ctx context.Context, call models.ToolCall) PermissionDecision

// CompileSchema compiles a tool's argument JSON-schema for use as
// ToolDef.Schema. name is used only for error attribution in compile
// failures.
func CompileSchema(name, schemaJSON string) (*jsonschema.Schema, error) {
	return jsonschema.CompileString("tool_"+name, schemaJSON)
}

// DenialMessage and InterruptMessage are the two stable strings callers
// can distinguish from ordinary tool content (so a sub-agent tool can
// re-surface them to its parent instead of treating them as output).
const (
	DenialMessage    = "Permission denied by user for this tool call."
	InterruptMessage = "Tool execution was interrupted."
)
