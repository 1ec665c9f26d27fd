package toolorchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/conductorhq/conductor/internal/orchestration/activitystream"
	"github.com/conductorhq/conductor/internal/orchestration/dupedetect"
	"github.com/conductorhq/conductor/internal/orchestration/loopdetect"
	"github.com/conductorhq/conductor/internal/orchestration/signature"
	"github.com/conductorhq/conductor/pkg/models"
)

// Config configures an Orchestrator's exploratory-streak thresholds.
type Config struct {
	// ExploratoryToolThreshold attaches a gentle system_reminder once the
	// streak reaches this length.
	ExploratoryToolThreshold int
	// ExploratoryToolSternThreshold attaches a stronger reminder once the
	// streak reaches this length.
	ExploratoryToolSternThreshold int
	// MaxResultChars caps the model-facing content of one tool result;
	// longer content is truncated with a marker. Zero means unbounded.
	MaxResultChars int
	// DisableParallel forces every batch sequential, even when all calls
	// are safe-concurrent (the parallel_tools=false configuration).
	DisableParallel bool
}

// DefaultConfig returns the spec's default exploratory-streak thresholds.
func DefaultConfig() Config {
	return Config{ExploratoryToolThreshold: 5, ExploratoryToolSternThreshold: 10}
}

func sanitizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.ExploratoryToolThreshold <= 0 {
		cfg.ExploratoryToolThreshold = def.ExploratoryToolThreshold
	}
	if cfg.ExploratoryToolSternThreshold <= 0 {
		cfg.ExploratoryToolSternThreshold = def.ExploratoryToolSternThreshold
	}
	return cfg
}

// Orchestrator dispatches one assistant message's worth of tool calls:
// classifying the batch, running each call's validate/permission/execute/
// record state machine, and producing one tool-role ToolResult per call in
// call order.
type Orchestrator struct {
	cfg Config

	mu   sync.Mutex
	defs map[string]ToolDef
	exec map[string]Executor

	permission PermissionChecker
	dupes      *dupedetect.Detector
	cycles     *loopdetect.ToolCycleDetector
	stream     *activitystream.Stream

	// SkipInjection disables exploratory-streak reminder injection;
	// specialized sub-agents set it so their parents own the steering.
	SkipInjection bool

	streakMu sync.Mutex
	streak   int
}

// New creates an Orchestrator. Any of permission, dupes, cycles, stream may
// be nil; each corresponding feature (permission gating, duplicate
// blocking, cycle-detector feeding, activity-stream events) is then simply
// skipped.
func New(cfg Config, permission PermissionChecker, dupes *dupedetect.Detector, cycles *loopdetect.ToolCycleDetector, stream *activitystream.Stream) *Orchestrator {
	return &Orchestrator{
		cfg:        sanitizeConfig(cfg),
		defs:       make(map[string]ToolDef),
		exec:       make(map[string]Executor),
		permission: permission,
		dupes:      dupes,
		cycles:     cycles,
		stream:     stream,
	}
}

// RegisterTool adds a tool's definition and executor. Re-registering a name
// replaces the prior entry.
func (o *Orchestrator) RegisterTool(def ToolDef, exec Executor) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.defs[def.Name] = def
	o.exec[def.Name] = exec
}

// Execute dispatches calls (all belonging to one assistant message) and
// returns one ToolResult per call, in call order, regardless of which
// execution path (parallel or sequential) was taken or which call finished
// first.
func (o *Orchestrator) Execute(ctx context.Context, calls []models.ToolCall) []models.ToolResult {
	if len(calls) == 0 {
		return nil
	}
	if !o.cfg.DisableParallel && o.allSafeConcurrent(calls) {
		return o.executeParallel(ctx, calls)
	}
	return o.executeSequential(ctx, calls)
}

func (o *Orchestrator) allSafeConcurrent(calls []models.ToolCall) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, c := range calls {
		def, ok := o.defs[c.Name]
		if !ok || !def.Safe {
			return false
		}
	}
	return true
}

func (o *Orchestrator) executeParallel(ctx context.Context, calls []models.ToolCall) []models.ToolResult {
	results := make([]models.ToolResult, len(calls))
	var wg sync.WaitGroup
	wg.Add(len(calls))
	for i, call := range calls {
		i, call := i, call
		go func() {
			defer wg.Done()
			results[i] = o.runOne(ctx, call)
		}()
	}
	wg.Wait()
	return results
}

func (o *Orchestrator) executeSequential(ctx context.Context, calls []models.ToolCall) []models.ToolResult {
	results := make([]models.ToolResult, len(calls))
	for i, call := range calls {
		results[i] = o.runOne(ctx, call)
	}
	return results
}

// runOne drives the validate -> duplicate check -> permission gate ->
// execute -> record -> post-process state machine for a single call.
func (o *Orchestrator) runOne(ctx context.Context, call models.ToolCall) (result models.ToolResult) {
	result.ToolCallID = call.ID

	o.emit(activitystream.KindToolCallStart, call, "")
	defer func() {
		o.emit(activitystream.KindToolCallEnd, call, "")
	}()

	o.mu.Lock()
	def, known := o.defs[call.Name]
	exec := o.exec[call.Name]
	o.mu.Unlock()

	if !known || exec == nil {
		return o.terminal(call, models.ToolResultErrorValidation,
			fmt.Sprintf("unknown tool: %s", call.Name))
	}

	args, argErr := decodeArgs(call.Input)
	if argErr != nil {
		return o.terminal(call, models.ToolResultErrorValidation,
			fmt.Sprintf("invalid arguments for %s: %v", call.Name, argErr))
	}
	if def.Schema != nil {
		if err := def.Schema.Validate(map[string]any(args)); err != nil {
			return o.terminal(call, models.ToolResultErrorValidation,
				fmt.Sprintf("arguments for %s failed schema validation: %v", call.Name, err))
		}
	}

	var advisoryReminder string
	if o.dupes != nil {
		check := o.dupes.Check(call.Name, args)
		if check.ShouldBlock {
			return o.terminal(call, models.ToolResultErrorValidation, check.Message)
		}
		if check.IsDuplicate {
			advisoryReminder = check.Message
		}
	}

	if def.RequiresConfirmation && o.permission != nil {
		switch o.permission(ctx, call) {
		case PermissionDenied:
			return o.terminal(call, models.ToolResultErrorPermission, DenialMessage)
		case PermissionInterrupted:
			return o.terminal(call, models.ToolResultErrorInterrupted, InterruptMessage)
		}
	}

	result = o.executeGuarded(ctx, exec, call)
	result.ToolCallID = call.ID
	result.Content = o.guardResultSize(formatContent(result))

	if result.Success {
		if o.dupes != nil {
			o.dupes.RecordCall(call.Name, args)
		}
		if o.cycles != nil {
			if info := o.cycles.Inspect(call.Name, args, resultContentHash(result, args)); info != nil && info.Severity != loopdetect.SeverityLow {
				result.SystemReminder = combineReminders(result.SystemReminder, info.Message)
			}
			if def.IsSearchTool {
				for _, info := range o.cycles.RecordSearchResult(isSearchHit(result)) {
					result.SystemReminder = combineReminders(result.SystemReminder, info.Message)
				}
			}
		}
		o.postProcessExploratory(def, &result)
	}

	if advisoryReminder != "" {
		result.SystemReminder = combineReminders(result.SystemReminder, advisoryReminder)
	}

	return result
}

func (o *Orchestrator) executeGuarded(ctx context.Context, exec Executor, call models.ToolCall) (result models.ToolResult) {
	defer func() {
		if r := recover(); r != nil {
			result = models.ToolResult{
				ToolCallID: call.ID,
				Success:    false,
				Error:      fmt.Sprintf("panic: %v", r),
				ErrorType:  models.ToolResultErrorExecution,
				ErrorDetails: &models.ToolResultErrorDetails{
					Message:  fmt.Sprintf("%v", r),
					ToolName: call.Name,
				},
			}
		}
	}()
	return exec(ctx, call)
}

func (o *Orchestrator) terminal(call models.ToolCall, errType models.ToolResultErrorType, message string) models.ToolResult {
	result := models.ToolResult{
		ToolCallID: call.ID,
		Success:    false,
		Error:      message,
		ErrorType:  errType,
		ErrorDetails: &models.ToolResultErrorDetails{
			Message:  message,
			ToolName: call.Name,
		},
		IsError: true,
	}
	result.Content = formatContent(result)
	return result
}

// postProcessExploratory updates the running exploratory-tool streak and,
// at the configured thresholds, attaches a system_reminder to result. A
// non-exploratory tool either resets the streak or preserves it, per its
// BreaksExploratoryStreak flag.
func (o *Orchestrator) postProcessExploratory(def ToolDef, result *models.ToolResult) {
	if o.SkipInjection {
		return
	}
	o.streakMu.Lock()
	if def.IsExploratoryTool {
		o.streak++
	} else if def.BreaksExploratoryStreak {
		o.streak = 0
	}
	streak := o.streak
	o.streakMu.Unlock()

	switch {
	case streak == o.cfg.ExploratoryToolSternThreshold:
		result.SystemReminder = combineReminders(result.SystemReminder,
			"You have made many exploratory tool calls in a row without acting. Consider whether you have enough information to proceed.")
	case streak == o.cfg.ExploratoryToolThreshold:
		result.SystemReminder = combineReminders(result.SystemReminder,
			"You have been exploring for a while; consider summarizing findings or taking action soon.")
	}
}

// ExploratoryStreak returns the current exploratory-tool streak length.
func (o *Orchestrator) ExploratoryStreak() int {
	o.streakMu.Lock()
	defer o.streakMu.Unlock()
	return o.streak
}

// ResetExploratoryStreak clears the streak, e.g. at a new turn boundary.
func (o *Orchestrator) ResetExploratoryStreak() {
	o.streakMu.Lock()
	defer o.streakMu.Unlock()
	o.streak = 0
}

// resultContentHash digests the executed call's result content for calls
// that address a file, so the cycle detector can tell a repeated read of
// changed content (a valid repeat) from a true duplicate. The hash comes
// from what the tool actually returned, never from the model's arguments.
func resultContentHash(result models.ToolResult, args map[string]any) string {
	if path, ok := args["file_path"].(string); !ok || path == "" {
		return ""
	}
	payload := result.Content
	if payload == "" && len(result.Data) > 0 {
		payload = string(result.Data)
	}
	if payload == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// guardResultSize truncates oversized result content so one tool call
// cannot swallow the context window. The stored marker tells the model the
// output was cut rather than complete.
func (o *Orchestrator) guardResultSize(content string) string {
	if o.cfg.MaxResultChars <= 0 || len(content) <= o.cfg.MaxResultChars {
		return content
	}
	return content[:o.cfg.MaxResultChars] + "\n[output truncated]"
}

func (o *Orchestrator) emit(kind activitystream.Kind, call models.ToolCall, text string) {
	if o.stream == nil {
		return
	}
	o.stream.Emit(activitystream.Event{
		Kind:       kind,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Text:       text,
	})
}

func decodeArgs(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	return args, nil
}

// formatContent renders the model-facing string for a result: successes
// render Content verbatim if set, else a summary of Data; errors render
// "<error_type>: <message>".
func formatContent(result models.ToolResult) string {
	if !result.Success {
		errType := string(result.ErrorType)
		if errType == "" {
			errType = string(models.ToolResultErrorExecution)
		}
		msg := result.Error
		if msg == "" && result.ErrorDetails != nil {
			msg = result.ErrorDetails.Message
		}
		return fmt.Sprintf("%s: %s", errType, msg)
	}
	if result.Content != "" {
		return result.Content
	}
	if len(result.Data) > 0 {
		return string(result.Data)
	}
	return ""
}

func combineReminders(existing, next string) string {
	if existing == "" {
		return next
	}
	if next == "" {
		return existing
	}
	return existing + "\n" + next
}

// isSearchHit decides whether a search result counts as a hit. The first
// field present on the result decides, in precedence order: a matches or
// files array (present-but-empty means miss), then a count field, then an
// output string; a result carrying none of them is empty.
func isSearchHit(result models.ToolResult) bool {
	if len(result.Data) == 0 {
		return result.Content != ""
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(result.Data, &fields); err != nil {
		return result.Content != ""
	}
	for _, key := range []string{"matches", "files"} {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			continue
		}
		return len(items) > 0
	}
	if raw, ok := fields["count"]; ok {
		var count int
		if err := json.Unmarshal(raw, &count); err == nil {
			return count > 0
		}
	}
	if raw, ok := fields["output"]; ok {
		var output string
		if err := json.Unmarshal(raw, &output); err == nil {
			return output != ""
		}
	}
	return false
}

// signature.Compute is re-exported for callers that need to pre-classify a
// call (e.g. logging) without going through the full dispatch.
var ComputeSignature = signature.Compute
