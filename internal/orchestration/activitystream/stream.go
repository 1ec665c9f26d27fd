// Package activitystream is a typed, in-process pub/sub of agent lifecycle
// events. It is intentionally per-process and long-lived: callers construct
// one Stream and inject it explicitly into the engine, orchestrator, and
// detectors rather than reaching for it through a package-level global.
package activitystream

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Kind identifies the category of an Event.
type Kind string

const (
	KindAgentStart              Kind = "AGENT_START"
	KindAgentEnd                Kind = "AGENT_END"
	KindThoughtChunk             Kind = "THOUGHT_CHUNK"
	KindResponseChunk            Kind = "RESPONSE_CHUNK"
	KindToolCallStart            Kind = "TOOL_CALL_START"
	KindToolOutputChunk          Kind = "TOOL_OUTPUT_CHUNK"
	KindToolCallEnd              Kind = "TOOL_CALL_END"
	KindError                    Kind = "ERROR"
	KindUserInterruptInitiated   Kind = "USER_INTERRUPT_INITIATED"
	KindInterruptAll             Kind = "INTERRUPT_ALL"

	// kindWildcard is the internal subscription key used by SubscribeAll.
	kindWildcard Kind = "*"
)

// Event is a single point on the activity stream. Only some payload fields
// are meaningful for a given Kind; callers switch on Kind before reading
// payload fields.
type Event struct {
	Kind      Kind
	Time      time.Time
	Sequence  uint64
	AgentID   string
	RunID     string
	ToolCallID string
	ToolName  string
	Text      string
	Err       error
}

// Handler processes one Event. Handlers must not panic across the stream
// boundary; any panic is recovered and logged by the dispatcher, and must not
// block for long since delivery is synchronous and fire-and-forget.
type Handler func(Event)

// Unsubscribe removes a previously registered handler.
type Unsubscribe func()

type subscription struct {
	id      uint64
	handler Handler
}

// Stream is a typed pub/sub of lifecycle events. It is safe for concurrent
// use by multiple producers and consumers; handlers are invoked synchronously,
// in registration order, on the emitting goroutine.
type Stream struct {
	mu   sync.RWMutex
	subs map[Kind][]subscription
	next uint64
	seq  uint64
	log  *slog.Logger
}

// New creates an empty Stream. A nil logger falls back to slog.Default(),
// matching the rest of the module's "accept *slog.Logger, default if nil"
// convention.
func New(log *slog.Logger) *Stream {
	if log == nil {
		log = slog.Default()
	}
	return &Stream{
		subs: make(map[Kind][]subscription),
		log:  log,
	}
}

// Subscribe registers handler for events of the given kind and returns a
// function that removes it. Passing the wildcard kind via SubscribeAll
// instead of a literal "*" is preferred, but Kind("*") is also accepted here
// for callers that already hold the constant.
func (s *Stream) Subscribe(kind Kind, handler Handler) Unsubscribe {
	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[kind] = append(s.subs[kind], subscription{id: id, handler: handler})
	s.mu.Unlock()

	return func() { s.unsubscribe(kind, id) }
}

// SubscribeAll registers handler for every event kind.
func (s *Stream) SubscribeAll(handler Handler) Unsubscribe {
	return s.Subscribe(kindWildcard, handler)
}

func (s *Stream) unsubscribe(kind Kind, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.subs[kind]
	for i, sub := range subs {
		if sub.id == id {
			s.subs[kind] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Emit dispatches event to every handler subscribed to its Kind plus every
// wildcard handler, in registration order. Event.Time and Event.Sequence are
// stamped if unset. Delivery is best-effort: a handler panic is recovered and
// logged, and does not prevent remaining handlers from running.
func (s *Stream) Emit(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	if event.Sequence == 0 {
		event.Sequence = atomic.AddUint64(&s.seq, 1)
	}

	s.mu.RLock()
	direct := append([]subscription(nil), s.subs[event.Kind]...)
	wildcard := append([]subscription(nil), s.subs[kindWildcard]...)
	s.mu.RUnlock()

	// Subscription ids grow with every Subscribe call, so merging the two
	// lists by id yields overall registration order.
	for len(direct) > 0 || len(wildcard) > 0 {
		var sub subscription
		if len(wildcard) == 0 || (len(direct) > 0 && direct[0].id < wildcard[0].id) {
			sub, direct = direct[0], direct[1:]
		} else {
			sub, wildcard = wildcard[0], wildcard[1:]
		}
		s.dispatch(sub.handler, event)
	}
}

func (s *Stream) dispatch(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("activitystream: handler panic recovered",
				"kind", event.Kind, "panic", r)
		}
	}()
	handler(event)
}
