// Package dupedetect tracks tool-call signatures within and across turns to
// decide whether a repeated call should be blocked (same turn) or merely
// flagged with an advisory message (earlier turn). History is bounded by
// oldest-timestamp eviction.
package dupedetect

import (
	"fmt"
	"sync"
	"time"

	"github.com/conductorhq/conductor/internal/orchestration/signature"
)

// DefaultTrackedTools is the default read-class tool set the detector
// tracks; callers may override via Config.TrackedTools.
var DefaultTrackedTools = []string{"read", "grep", "glob", "list", "fetch"}

// Config configures a Detector.
type Config struct {
	// MaxRecords bounds callHistory; oldest-by-timestamp entries are
	// evicted once the bound is exceeded. Zero means unbounded.
	MaxRecords int
	// TrackedTools is the set of tool names subject to duplicate tracking.
	// A nil slice falls back to DefaultTrackedTools.
	TrackedTools []string
}

type record struct {
	turnNumber int
	timestamp  time.Time
}

// CheckResult is the outcome of Check.
type CheckResult struct {
	IsDuplicate bool
	ShouldBlock bool
	Message     string
}

// Detector tracks call signatures per-turn and across turns.
type Detector struct {
	mu          sync.Mutex
	maxRecords  int
	tracked     map[string]struct{}
	callHistory map[string]record
	currentTurn int
}

// New creates a Detector from cfg.
func New(cfg Config) *Detector {
	tracked := cfg.TrackedTools
	if tracked == nil {
		tracked = DefaultTrackedTools
	}
	trackedSet := make(map[string]struct{}, len(tracked))
	for _, t := range tracked {
		trackedSet[t] = struct{}{}
	}
	return &Detector{
		maxRecords:  cfg.MaxRecords,
		tracked:     trackedSet,
		callHistory: make(map[string]record),
		currentTurn: 1,
	}
}

// Check inspects a would-be tool call before execution. Untracked tools are
// never duplicates. A signature seen earlier in the same turn is blocked;
// one seen in an earlier turn returns an advisory (non-blocking) message
// referencing that turn.
func (d *Detector) Check(toolName string, args map[string]any) CheckResult {
	if _, ok := d.tracked[toolName]; !ok {
		return CheckResult{}
	}

	sig := signature.Compute(toolName, args)

	d.mu.Lock()
	defer d.mu.Unlock()

	rec, seen := d.callHistory[sig]
	if !seen {
		return CheckResult{}
	}
	if rec.turnNumber == d.currentTurn {
		return CheckResult{
			IsDuplicate: true,
			ShouldBlock: true,
			Message:     fmt.Sprintf("duplicate call to %q blocked: identical arguments were already used this turn", toolName),
		}
	}
	return CheckResult{
		IsDuplicate: true,
		ShouldBlock: false,
		Message:     fmt.Sprintf("note: %q was already called with these arguments in turn %d", toolName, rec.turnNumber),
	}
}

// RecordCall records a successful execution's signature so later calls can
// be detected as duplicates. Only called after the call actually executes.
func (d *Detector) RecordCall(toolName string, args map[string]any) {
	if _, ok := d.tracked[toolName]; !ok {
		return
	}
	sig := signature.Compute(toolName, args)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.callHistory[sig] = record{turnNumber: d.currentTurn, timestamp: time.Now()}
	d.pruneLocked()
}

// NextTurn increments the turn counter at the boundary between user inputs.
func (d *Detector) NextTurn() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.currentTurn++
}

// CurrentTurn returns the current turn number.
func (d *Detector) CurrentTurn() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.currentTurn
}

// Reset returns the Detector to its construction-time observable state
// (empty history, turn 1).
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callHistory = make(map[string]record)
	d.currentTurn = 1
}

func (d *Detector) pruneLocked() {
	if d.maxRecords <= 0 || len(d.callHistory) <= d.maxRecords {
		return
	}
	for len(d.callHistory) > d.maxRecords {
		var oldestSig string
		var oldestAt time.Time
		first := true
		for sig, rec := range d.callHistory {
			if first || rec.timestamp.Before(oldestAt) {
				oldestSig = sig
				oldestAt = rec.timestamp
				first = false
			}
		}
		delete(d.callHistory, oldestSig)
	}
}
