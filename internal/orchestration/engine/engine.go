package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/conductorhq/conductor/internal/orchestration/activitystream"
	"github.com/conductorhq/conductor/internal/orchestration/convstore"
	"github.com/conductorhq/conductor/internal/orchestration/delegation"
	"github.com/conductorhq/conductor/internal/orchestration/dupedetect"
	"github.com/conductorhq/conductor/internal/orchestration/loopdetect"
	"github.com/conductorhq/conductor/internal/orchestration/tokenmanager"
	"github.com/conductorhq/conductor/internal/orchestration/toolorchestrator"
	"github.com/conductorhq/conductor/internal/orchestration/turnmanager"
	"github.com/conductorhq/conductor/internal/orchestration/watchdog"
	"github.com/conductorhq/conductor/pkg/models"
)

// Sentinel errors for engine-level failures; each maps to a terminal,
// user-facing condition rather than a panic.
var (
	ErrMaxIterations      = errors.New("engine: max iterations exceeded")
	ErrNoProvider         = errors.New("engine: no model client configured")
	ErrDepthLimitExceeded = errors.New("engine: agent delegation depth limit exceeded")
)

const (
	// InterruptedMessage is the stable user-facing string returned by
	// SendMessage when Interrupt was raised mid-turn. Sub-agent tools
	// compare replies against it to re-surface an interruption to the
	// parent instead of treating it as content.
	InterruptedMessage = "Response interrupted."
	// interruptionReminder is the one-shot, unstored system reminder
	// injected into the next outbound message list after an interruption.
	interruptionReminder = "User interrupted the previous response. Take the user's new message into account and do not assume the previous task continues unless asked."
)

// Config bounds the engine's loop and delegation behavior.
type Config struct {
	MaxIterations      int
	MaxAgentDepth      int
	MaxAgentCycleDepth int
	// ToolCallMaxRetries bounds consecutive repair rounds for assistant
	// messages carrying malformed tool calls (empty name, unparseable
	// argument JSON). Zero disables repair: malformed calls still produce
	// validation_error tool results, but the stored assistant message is
	// left as the model emitted it.
	ToolCallMaxRetries int
	// CompactThreshold is the context-usage percentage at which a
	// persistent flush reminder is appended, prompting the model to
	// persist durable facts before older history is trimmed. Zero
	// disables the check.
	CompactThreshold int
	SystemPrompt     string
	Model            string
}

// DefaultConfig returns the default loop and delegation bounds.
func DefaultConfig() Config {
	return Config{MaxIterations: 10, MaxAgentDepth: 3, MaxAgentCycleDepth: 2, ToolCallMaxRetries: 3}
}

func sanitizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.MaxAgentDepth <= 0 {
		cfg.MaxAgentDepth = def.MaxAgentDepth
	}
	if cfg.MaxAgentCycleDepth <= 0 {
		cfg.MaxAgentCycleDepth = def.MaxAgentCycleDepth
	}
	return cfg
}

// Engine drives one conversation's send -> model -> dispatch -> recurse
// loop. It exclusively owns the conversation store, token manager,
// duplicate detector, loop detectors, activity monitor, and turn manager
// for that conversation; cross-agent sharing goes through the pool only.
type Engine struct {
	cfg    Config
	client ModelClient
	log    *slog.Logger

	store        *convstore.Store
	tokens       *tokenmanager.Manager
	dupes        *dupedetect.Detector
	cycles       *loopdetect.ToolCycleDetector
	watchdog     *watchdog.Monitor
	turns        *turnmanager.Manager
	orchestrator *toolorchestrator.Orchestrator
	stream       *activitystream.Stream
	delegations  *delegation.Context

	isTopLevel bool
	stack      *AgentCallStack
	agentType  AgentType
	toolDefs   []ToolDefinition

	mu             sync.Mutex
	cancel         context.CancelFunc
	inFlight       bool
	pendingIntr    bool
	oneShotRem     string
	repairRounds   int
	flushRequested bool
}

// Options groups the collaborators an Engine wires together; any pointer
// field may be nil for a minimal/standalone engine (e.g. in unit tests).
type Options struct {
	Client       ModelClient
	Log          *slog.Logger
	Store        *convstore.Store
	Tokens       *tokenmanager.Manager
	Dupes        *dupedetect.Detector
	Cycles       *loopdetect.ToolCycleDetector
	Watchdog     *watchdog.Monitor
	Turns        *turnmanager.Manager
	Orchestrator *toolorchestrator.Orchestrator
	Stream       *activitystream.Stream
	Delegations  *delegation.Context

	// IsTopLevel controls whether the activity monitor is started/stopped
	// by this engine's SendMessage calls; sub-agent engines running under
	// a pooled parent pass false and let the parent own watchdog lifecycle.
	IsTopLevel bool
	// Stack is this conversation's agent call-stack. A nil stack is
	// treated as empty (root conversation, no delegation yet).
	Stack     *AgentCallStack
	AgentType AgentType

	// Tools are the tool definitions advertised to the model on every
	// request, already filtered by this agent's visibility rules.
	Tools []ToolDefinition
}

// New creates an Engine from cfg and opts. A nil Log, Store, Tokens, Turns
// or Stack is substituted with a freshly constructed default instance; the
// other collaborators, Client included, are kept exactly as given.
func New(cfg Config, opts Options) *Engine {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Store == nil {
		opts.Store = convstore.New()
	}
	if opts.Tokens == nil {
		opts.Tokens = tokenmanager.New(0)
	}
	if opts.Turns == nil {
		opts.Turns = turnmanager.New()
	}
	if opts.Stack == nil {
		opts.Stack = NewAgentCallStack()
	}
	return &Engine{
		cfg:          sanitizeConfig(cfg),
		client:       opts.Client,
		log:          opts.Log,
		store:        opts.Store,
		tokens:       opts.Tokens,
		dupes:        opts.Dupes,
		cycles:       opts.Cycles,
		watchdog:     opts.Watchdog,
		turns:        opts.Turns,
		orchestrator: opts.Orchestrator,
		stream:       opts.Stream,
		delegations:  opts.Delegations,
		isTopLevel:   opts.IsTopLevel,
		stack:        opts.Stack,
		agentType:    opts.AgentType,
		toolDefs:     opts.Tools,
	}
}

// SendMessage runs one turn: start bookkeeping,
// inject any one-shot interruption reminder, append text and drained
// interjections as user messages, then loop model -> tools until the
// model returns a tool-call-free response, an interruption occurs, or the
// turn's wall-clock budget is exceeded.
func (e *Engine) SendMessage(ctx context.Context, text string) (string, error) {
	if e.client == nil {
		return "", ErrNoProvider
	}

	e.turns.StartTurn()
	if e.dupes != nil {
		e.dupes.NextTurn()
	}
	if e.isTopLevel && e.watchdog != nil {
		e.watchdog.Start()
	}
	if e.isTopLevel {
		e.emitStream(activitystream.KindAgentStart, "")
		defer e.emitStream(activitystream.KindAgentEnd, "")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopWatchdog := func() {
		if e.isTopLevel && e.watchdog != nil {
			e.watchdog.Stop()
		}
	}

	e.mu.Lock()
	e.cancel = cancel
	e.inFlight = true
	pending := e.pendingIntr
	e.pendingIntr = false
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.inFlight = false
		e.cancel = nil
		e.mu.Unlock()
	}()

	// An interrupt raised while no turn was in flight has nothing to
	// cancel; the next SendMessage acknowledges it and stops there. An
	// interrupt raised mid-turn is observed by that turn's own cancelled
	// context, so this path must not swallow the following message.
	if pending {
		stopWatchdog()
		return InterruptedMessage, nil
	}
	defer stopWatchdog()

	outbound := e.store.Messages()

	e.mu.Lock()
	reminder := e.oneShotRem
	e.oneShotRem = ""
	e.mu.Unlock()
	if reminder != "" {
		outbound = append(outbound, &models.Message{
			Role:    models.RoleSystem,
			Content: reminder,
		})
	}

	if text != "" {
		userMsg := &models.Message{Role: models.RoleUser, Content: text}
		e.appendMessage(userMsg)
		outbound = append(outbound, userMsg)
	}
	for _, interjection := range e.store.DrainInterjections() {
		msg := &models.Message{Role: models.RoleUser, Content: interjection}
		e.appendMessage(msg)
		outbound = append(outbound, msg)
	}

	for iter := 0; iter < e.cfg.MaxIterations; iter++ {
		if e.watchdog != nil {
			e.watchdog.RecordActivity()
		}

		resp, err := e.client.Send(runCtx, outbound, ModelOptions{
			Model:  e.cfg.Model,
			System: e.cfg.SystemPrompt,
			Tools:  e.toolDefs,
		})
		if err != nil {
			return "", err
		}
		if resp.Interrupted || runCtx.Err() != nil {
			e.emitStream(activitystream.KindUserInterruptInitiated, "")
			return InterruptedMessage, nil
		}

		assistantMsg := &models.Message{
			Role:      models.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		}
		e.appendMessage(assistantMsg)
		outbound = append(outbound, assistantMsg)
		if resp.Content != "" {
			e.emitStream(activitystream.KindResponseChunk, resp.Content)
		}

		if len(resp.ToolCalls) == 0 {
			return resp.Content, nil
		}

		if repaired, exceeded := e.repairToolCalls(assistantMsg); exceeded {
			terminal := &models.Message{
				Role:    models.RoleSystem,
				Content: "The model repeatedly produced malformed tool calls; stopping.",
			}
			e.appendMessage(terminal)
			return "Stopped: repeated malformed tool calls.", nil
		} else if repaired != nil {
			assistantMsg = repaired
			outbound[len(outbound)-1] = repaired
		}

		if e.orchestrator == nil {
			e.log.Error("engine: model requested tool calls but no orchestrator is configured", "tool_calls", len(resp.ToolCalls))
			return "", fmt.Errorf("engine: model requested tool calls but no orchestrator is configured")
		}

		results := e.orchestrator.Execute(runCtx, resp.ToolCalls)
		for i, result := range results {
			callID := resultCallID(result, resp.ToolCalls, i)
			if result.Success {
				if firstID, dup := e.tokens.TrackToolResult(callID, result.Content); dup {
					e.log.Debug("engine: tool result duplicates earlier call", "call_id", callID, "first_call_id", firstID)
				}
			}
			toolMsg := &models.Message{
				Role:       models.RoleTool,
				Content:    renderToolContent(result),
				ToolCallID: callID,
			}
			e.appendMessage(toolMsg)
			outbound = append(outbound, toolMsg)
		}

		if flush := e.maybeRequestFlush(); flush != nil {
			outbound = append(outbound, flush)
		}

		if e.turns.IsMaxDurationExceeded() {
			terminal := &models.Message{
				Role:    models.RoleSystem,
				Content: "Turn time budget exceeded; stopping further tool iterations.",
			}
			e.appendMessage(terminal)
			return "Stopped: turn time budget exceeded.", nil
		}
		if runCtx.Err() != nil {
			return InterruptedMessage, nil
		}
	}

	return "", ErrMaxIterations
}

// appendMessage appends m to the store and keeps the token manager's
// rolling count in sync with the log.
func (e *Engine) appendMessage(m *models.Message) {
	e.store.Append(m)
	if e.tokens != nil {
		e.tokens.AddMessageTokens(m)
	}
}

// repairToolCalls is the repair path for malformed tool calls
// (empty name, unparseable argument JSON). When any call on assistantMsg is
// malformed and repair is enabled, the stored assistant message is replaced
// wholesale with a copy whose bad arguments are normalized to empty objects,
// keeping the transcript parseable for the next model request; the
// orchestrator still sees the original calls and produces a
// validation_error tool result for each, which is what prompts the model to
// retry. Returns the replacement message (nil if nothing was malformed) and
// whether the consecutive-repair budget is exhausted.
func (e *Engine) repairToolCalls(assistantMsg *models.Message) (*models.Message, bool) {
	malformed := 0
	for _, c := range assistantMsg.ToolCalls {
		if c.Name == "" || (len(c.Input) > 0 && !json.Valid(c.Input)) {
			malformed++
		}
	}

	e.mu.Lock()
	if malformed == 0 {
		e.repairRounds = 0
		e.mu.Unlock()
		return nil, false
	}
	if e.cfg.ToolCallMaxRetries <= 0 {
		e.mu.Unlock()
		return nil, false
	}
	e.repairRounds++
	rounds := e.repairRounds
	e.mu.Unlock()

	if rounds > e.cfg.ToolCallMaxRetries {
		e.log.Warn("engine: malformed tool calls exceeded repair budget", "rounds", rounds)
		return nil, true
	}

	repairedCalls := make([]models.ToolCall, len(assistantMsg.ToolCalls))
	copy(repairedCalls, assistantMsg.ToolCalls)
	for i, c := range repairedCalls {
		if len(c.Input) > 0 && !json.Valid(c.Input) {
			repairedCalls[i].Input = json.RawMessage("{}")
		}
	}
	repaired := &models.Message{
		ID:        assistantMsg.ID,
		Role:      models.RoleAssistant,
		Content:   assistantMsg.Content,
		ToolCalls: repairedCalls,
	}
	e.store.Replace(assistantMsg.ID, repaired)
	return repaired, false
}

// maybeRequestFlush appends (once per compaction cycle) a persistent
// system reminder when context usage crosses the compaction threshold, so
// the model persists durable facts before Compact trims history.
func (e *Engine) maybeRequestFlush() *models.Message {
	if e.cfg.CompactThreshold <= 0 || e.tokens == nil {
		return nil
	}
	if !e.tokens.IsAboveThreshold(e.cfg.CompactThreshold) {
		return nil
	}
	e.mu.Lock()
	if e.flushRequested {
		e.mu.Unlock()
		return nil
	}
	e.flushRequested = true
	e.mu.Unlock()

	flush := &models.Message{
		Role:    models.RoleSystem,
		Content: "Context is nearing capacity. Persist any durable facts, decisions, or open work now; older history may be trimmed.",
	}
	e.appendMessage(flush)
	return flush
}

// Compact trims the oldest messages so at most keepRecent remain, then
// drops any orphaned leading tool messages (a trim boundary can fall
// inside a tool batch) and rebuilds the token count from the surviving
// log. Returns the number of messages removed.
func (e *Engine) Compact(keepRecent int) int {
	msgs := e.store.Messages()
	if keepRecent < 0 || len(msgs) <= keepRecent {
		return 0
	}
	removed := len(e.store.TrimHead(len(msgs) - keepRecent))
	for {
		remaining := e.store.Messages()
		if len(remaining) == 0 || remaining[0].Role != models.RoleTool {
			break
		}
		e.store.RemoveByID(remaining[0].ID)
		removed++
	}
	if e.tokens != nil {
		e.tokens.UpdateTokenCount(e.store.Messages())
	}
	e.mu.Lock()
	e.flushRequested = false
	e.mu.Unlock()
	return removed
}

// renderToolContent produces the model-facing string for one tool message:
// the formatted result content, with any system_reminder attached inline
// (the reminder rides on the tool result rather than becoming a separate
// message).
func renderToolContent(result models.ToolResult) string {
	if result.SystemReminder == "" {
		return result.Content
	}
	if result.Content == "" {
		return "<system-reminder>" + result.SystemReminder + "</system-reminder>"
	}
	return result.Content + "\n\n<system-reminder>" + result.SystemReminder + "</system-reminder>"
}

func (e *Engine) emitStream(kind activitystream.Kind, text string) {
	if e.stream == nil {
		return
	}
	e.stream.Emit(activitystream.Event{
		Kind:    kind,
		AgentID: string(e.agentType),
		Text:    text,
	})
}

// resultCallID trusts result.ToolCallID when the orchestrator set it (the
// normal case); it falls back to positional lookup only for callers that
// construct bare ToolResults without an id, e.g. in tests.
func resultCallID(result models.ToolResult, calls []models.ToolCall, i int) string {
	if result.ToolCallID != "" {
		return result.ToolCallID
	}
	if i < len(calls) {
		return calls[i].ID
	}
	return ""
}

// Interrupt is idempotent: it cancels the in-flight model request and
// raises the abort signal observed by SendMessage and the orchestrator's
// tool executions. A mid-turn interrupt is consumed by the running turn
// (which returns the interrupted string itself); an interrupt raised while
// idle is remembered and acknowledged by the next SendMessage. When
// reason=="interjection", staged interjections are still picked up by the
// next SendMessage call (they are drained regardless). The reason is not
// stored; it only decides whether a one-shot interruption reminder is
// queued: "user" queues it (unless one is already pending), any other
// reason, "interjection" included, does not.
func (e *Engine) Interrupt(reason string) {
	e.mu.Lock()
	cancel := e.cancel
	if !e.inFlight {
		e.pendingIntr = true
	}
	if reason == "user" && e.oneShotRem == "" {
		e.oneShotRem = interruptionReminder
	}
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// AddUserInterjection stages text to be appended as a user message at the
// start of the next SendMessage call.
func (e *Engine) AddUserInterjection(text string) {
	e.store.AddUserInterjection(text)
}

// RouteInterjection delegates to the engine's delegation.Context, if one
// is configured, to decide whether a mid-flight user interjection should
// reach an active sub-agent or the root conversation. With no delegation
// context configured, every interjection routes to root.
func (e *Engine) RouteInterjection(injectable func(toolName string) bool) delegation.RouteResult {
	if e.delegations == nil {
		return delegation.RouteResult{Target: delegation.TargetRoot}
	}
	return e.delegations.RouteInterjection(injectable)
}

// Delegate checks the agent call-stack depth/cycle limits for spawning a
// child conversation of the given agent type: rejected
// with ErrDepthLimitExceeded if the stack is already at MaxAgentDepth, or
// if agentType already appears MaxAgentCycleDepth times. On success it
// returns a new child stack (a clone of the parent's, with agentType
// pushed) for the delegate engine to use.
func (e *Engine) Delegate(agentType AgentType) (*AgentCallStack, error) {
	if e.stack.Depth() >= e.cfg.MaxAgentDepth {
		return nil, ErrDepthLimitExceeded
	}
	if e.stack.CountOf(agentType) >= e.cfg.MaxAgentCycleDepth {
		return nil, ErrDepthLimitExceeded
	}
	child := e.stack.Clone()
	child.Push(agentType)
	return child, nil
}

// NewDelegationCallID generates an opaque id for a delegation's driving
// tool call, for registering with a delegation.Context.
func NewDelegationCallID() string {
	return uuid.New().String()
}

// Store exposes the underlying conversation log, mainly for tests and
// callers building a transcript view.
func (e *Engine) Store() *convstore.Store { return e.store }

// SetStack installs the agent call-stack for this engine's next
// delegation checks. Pooled sub-agent engines are reused across
// delegations from different points of the conversation tree, so the
// spawner re-seeds the stack at acquire time rather than construction
// time. A nil stack resets to empty.
func (e *Engine) SetStack(stack *AgentCallStack) {
	if stack == nil {
		stack = NewAgentCallStack()
	}
	e.stack = stack
}

// Reset returns every owned component to its construction-time state:
// the store, token manager, duplicate detector, and cycle detector. The
// watchdog and turn manager are left alone since they track the current
// turn's external timers, not conversation content.
func (e *Engine) Reset() {
	e.store.Reset()
	if e.tokens != nil {
		e.tokens.Reset()
	}
	if e.dupes != nil {
		e.dupes.Reset()
	}
	if e.cycles != nil {
		e.cycles.Reset()
	}
	e.mu.Lock()
	e.pendingIntr = false
	e.oneShotRem = ""
	e.flushRequested = false
	e.mu.Unlock()
}

// Turns exposes the underlying turn manager, mainly for callers that want
// to read elapsed/remaining time without importing turnmanager directly.
func (e *Engine) Turns() *turnmanager.Manager { return e.turns }
