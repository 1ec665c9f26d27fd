// Package tokenmanager tracks a rolling token budget for one conversation:
// per-message estimates with caching, a duplicate-content hash index, and
// context-usage-percentage readouts used to trigger compaction.
package tokenmanager

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/conductorhq/conductor/pkg/models"
)

// Estimate is a deterministic, monotone-in-content-length token estimate
// for one message. Identical content always yields identical counts so the
// per-message cache stays consistent with the rolling total.
func Estimate(m *models.Message) int {
	if m == nil {
		return 0
	}
	// Role/structural overhead plus a roughly-4-chars-per-token content estimate.
	return len(m.Content)/4 + 3
}

// Manager tracks currentTokens against a fixed contextSize budget, caches
// per-message estimates by id, and maintains a hash index of tool-result
// content so the first call to produce a given payload can be recovered in
// O(1) by later duplicate calls.
type Manager struct {
	mu sync.Mutex

	contextSize     int
	currentTokens   int
	byMsgID         map[string]int
	toolContentHash map[string]string // sha256(content) -> first tool_call_id
}

// New creates a Manager with the given context window size (in the same
// units as Estimate's return value).
func New(contextSize int) *Manager {
	return &Manager{
		contextSize:     contextSize,
		byMsgID:         make(map[string]int),
		toolContentHash: make(map[string]string),
	}
}

// EstimateMessagesTokens returns Σ Estimate(m) over messages, caching each
// message's estimate by id as a side effect (messages without an id are
// estimated but not cached).
func (tm *Manager) EstimateMessagesTokens(messages []*models.Message) int {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	total := 0
	for _, m := range messages {
		est := Estimate(m)
		total += est
		if m != nil && m.ID != "" {
			tm.byMsgID[m.ID] = est
		}
	}
	return total
}

// AddMessageTokens incrementally adds one message's estimate to
// currentTokens and caches it by id.
func (tm *Manager) AddMessageTokens(m *models.Message) {
	if m == nil {
		return
	}
	est := Estimate(m)

	tm.mu.Lock()
	defer tm.mu.Unlock()
	if m.ID != "" {
		tm.byMsgID[m.ID] = est
	}
	tm.currentTokens += est
}

// UpdateTokenCount fully rebuilds currentTokens and the per-message cache
// from messages. Used on reset or after an external mutation of the log
// (e.g. trimHead) where incremental bookkeeping would drift.
func (tm *Manager) UpdateTokenCount(messages []*models.Message) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	tm.byMsgID = make(map[string]int, len(messages))
	total := 0
	for _, m := range messages {
		est := Estimate(m)
		total += est
		if m != nil && m.ID != "" {
			tm.byMsgID[m.ID] = est
		}
	}
	tm.currentTokens = total
}

// TrackToolResult records that callID produced content. If content's hash
// has not been seen before, it is recorded with callID as the first call and
// TrackToolResult returns "", false. If the hash has been seen, the prior
// first-call id is returned (unless it is callID itself, in which case the
// result is "", false; re-tracking the same call is not a duplicate).
func (tm *Manager) TrackToolResult(callID, content string) (firstCallID string, isDuplicate bool) {
	h := hashContent(content)

	tm.mu.Lock()
	defer tm.mu.Unlock()

	existing, ok := tm.toolContentHash[h]
	if !ok {
		tm.toolContentHash[h] = callID
		return "", false
	}
	if existing == callID {
		return "", false
	}
	return existing, true
}

// GetContextUsagePercentage returns round(100*currentTokens/contextSize),
// clamped to [0, 100].
func (tm *Manager) GetContextUsagePercentage() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.usagePercentLocked()
}

func (tm *Manager) usagePercentLocked() int {
	if tm.contextSize <= 0 {
		return 0
	}
	pct := (tm.currentTokens*100 + tm.contextSize/2) / tm.contextSize
	if pct > 100 {
		return 100
	}
	if pct < 0 {
		return 0
	}
	return pct
}

// IsAboveThreshold reports whether context usage is at or above pct percent.
func (tm *Manager) IsAboveThreshold(pct int) bool {
	return tm.GetContextUsagePercentage() >= pct
}

// GetRemainingTokens returns max(0, contextSize - currentTokens).
func (tm *Manager) GetRemainingTokens() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	remaining := tm.contextSize - tm.currentTokens
	if remaining < 0 {
		return 0
	}
	return remaining
}

// CurrentTokens returns the current rolling token count.
func (tm *Manager) CurrentTokens() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.currentTokens
}

// Reset returns the manager to its construction-time observable state.
func (tm *Manager) Reset() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.currentTokens = 0
	tm.byMsgID = make(map[string]int)
	tm.toolContentHash = make(map[string]string)
}

func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
