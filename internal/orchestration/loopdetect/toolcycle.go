package loopdetect

import (
	"fmt"
	"sync"
	"time"

	"github.com/conductorhq/conductor/internal/orchestration/signature"
)

type toolCallEntry struct {
	signature string
	toolName  string
	timestamp time.Time
	filePath  string
	fileHash  string
	argKeys   map[string]string // "key:value" strings, for Jaccard similarity
}

// ToolCycleDetector finds repetitive or unproductive tool-call patterns:
// exact duplicates, repeated file reads, near-identical calls, and (via
// RecordSearchResult) low search hit-rates and empty-result streaks.
type ToolCycleDetector struct {
	mu  sync.Mutex
	cfg Config

	history []toolCallEntry

	searchCount int
	hitCount    int
	emptyStreak int
}

// NewToolCycleDetector creates a detector with the given configuration.
func NewToolCycleDetector(cfg Config) *ToolCycleDetector {
	return &ToolCycleDetector{cfg: sanitizeConfig(cfg)}
}

// Inspect records one tool invocation and returns the single highest-priority
// per-invocation detection triggered by it, or nil if none. fileHash is the
// content hash of the file the call touched, if applicable (empty string
// otherwise); callers that don't track file content can pass "".
func (d *ToolCycleDetector) Inspect(toolName string, args map[string]any, fileHash string) *LoopInfo {
	sig := signature.Compute(toolName, args)
	filePath, _ := args["file_path"].(string)

	d.mu.Lock()
	defer d.mu.Unlock()

	entry := toolCallEntry{
		signature: sig,
		toolName:  toolName,
		timestamp: time.Now(),
		filePath:  filePath,
		fileHash:  fileHash,
		argKeys:   argPairs(args),
	}
	d.history = append(d.history, entry)
	if len(d.history) > d.cfg.MaxToolHistory {
		d.history = d.history[len(d.history)-d.cfg.MaxToolHistory:]
	}

	if info := d.checkExactDuplicateLocked(entry); info != nil {
		return info
	}
	if info := d.checkRepeatedFileLocked(entry); info != nil {
		return info
	}
	if info := d.checkSimilarCallsLocked(entry); info != nil {
		return info
	}
	return nil
}

func (d *ToolCycleDetector) checkExactDuplicateLocked(entry toolCallEntry) *LoopInfo {
	count := 0
	prevHash := ""
	last := len(d.history) - 1 // entry itself is the newest history element
	for i, e := range d.history {
		if e.signature != entry.signature {
			continue
		}
		count++
		if i < last {
			prevHash = e.fileHash
		}
	}
	sawDifferentHash := entry.filePath != "" && prevHash != "" && entry.fileHash != "" && prevHash != entry.fileHash
	if count < d.cfg.CycleThreshold {
		return nil
	}

	severity := SeverityHigh
	isValidRepeat := false
	if sawDifferentHash {
		isValidRepeat = true
		severity = SeverityLow
	}
	return &LoopInfo{
		Kind:          KindExactDuplicate,
		Severity:      severity,
		ToolName:      entry.toolName,
		IsValidRepeat: isValidRepeat,
		Message:       fmt.Sprintf("%q has been called with identical arguments %d times", entry.toolName, count),
	}
}

func (d *ToolCycleDetector) checkRepeatedFileLocked(entry toolCallEntry) *LoopInfo {
	if entry.filePath == "" {
		return nil
	}
	count := 0
	for _, e := range d.history {
		if e.filePath == entry.filePath {
			count++
		}
	}
	if count < d.cfg.RepeatedFileThreshold {
		return nil
	}
	return &LoopInfo{
		Kind:     KindRepeatedFile,
		Severity: SeverityMedium,
		ToolName: entry.toolName,
		Message:  fmt.Sprintf("%q has been accessed %d times", entry.filePath, count),
	}
}

func (d *ToolCycleDetector) checkSimilarCallsLocked(entry toolCallEntry) *LoopInfo {
	similar := 0
	for _, e := range d.history {
		if e.toolName != entry.toolName || e.signature == entry.signature {
			continue
		}
		if jaccard(e.argKeys, entry.argKeys) >= d.cfg.SimilarityThreshold {
			similar++
		}
	}
	// +1 counts the current call itself.
	if similar+1 < d.cfg.SimilarCallThreshold {
		return nil
	}
	return &LoopInfo{
		Kind:     KindSimilarCalls,
		Severity: SeverityMedium,
		ToolName: entry.toolName,
		Message:  fmt.Sprintf("%d calls to %q with highly similar arguments", similar+1, entry.toolName),
	}
}

// RecordSearchResult records the outcome of a search-class tool call
// (isHit indicates the result was non-empty) and returns any global
// detections it triggers: a
// low aggregate hit-rate once enough searches have run, or an empty-result
// streak.
func (d *ToolCycleDetector) RecordSearchResult(isHit bool) []LoopInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.searchCount++
	if isHit {
		d.hitCount++
		d.emptyStreak = 0
	} else {
		d.emptyStreak++
	}

	var detections []LoopInfo
	if d.searchCount >= d.cfg.MinSearchesForHitRate {
		rate := float64(d.hitCount) / float64(d.searchCount)
		if rate < d.cfg.HitRateThreshold {
			detections = append(detections, LoopInfo{
				Kind:     KindLowHitRate,
				Severity: SeverityMedium,
				Message:  fmt.Sprintf("search hit rate is %.0f%% over %d searches", rate*100, d.searchCount),
			})
		}
	}
	if d.emptyStreak >= d.cfg.EmptyStreakThreshold {
		detections = append(detections, LoopInfo{
			Kind:     KindEmptyStreak,
			Severity: SeverityMedium,
			Message:  fmt.Sprintf("%d consecutive empty search results", d.emptyStreak),
		})
	}
	return detections
}

// ClearIfBroken clears the tool-call history if the last CycleBreakThreshold
// signatures are all distinct, i.e. the agent has escaped the loop.
func (d *ToolCycleDetector) ClearIfBroken() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := d.cfg.CycleBreakThreshold
	if len(d.history) < n {
		return false
	}
	tail := d.history[len(d.history)-n:]
	seen := make(map[string]struct{}, n)
	for _, e := range tail {
		if _, ok := seen[e.signature]; ok {
			return false
		}
		seen[e.signature] = struct{}{}
	}
	d.history = nil
	return true
}

// Reset returns the detector to its construction-time observable state.
func (d *ToolCycleDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = nil
	d.searchCount = 0
	d.hitCount = 0
	d.emptyStreak = 0
}

func argPairs(args map[string]any) map[string]string {
	out := make(map[string]string, len(args))
	for k, v := range args {
		out[k] = fmt.Sprintf("%s=%v", k, v)
	}
	return out
}

// jaccard computes the Jaccard similarity of two sets represented as the
// value-sets of string-keyed maps.
func jaccard(a, b map[string]string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	setA := make(map[string]struct{}, len(a))
	for _, v := range a {
		setA[v] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, v := range b {
		setB[v] = struct{}{}
	}

	intersection := 0
	for v := range setA {
		if _, ok := setB[v]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
