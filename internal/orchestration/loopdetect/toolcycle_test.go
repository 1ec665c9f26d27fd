package loopdetect

import (
	"fmt"
	"testing"
)

// TestToolCycle_ExactDuplicateAndValidRepeat: three identical
// reads of an unchanged file trigger a high-severity exact_duplicate; once
// the file's content hash changes, the repeat is marked valid and severity
// drops.
func TestToolCycle_ExactDuplicateAndValidRepeat(t *testing.T) {
	d := NewToolCycleDetector(Config{CycleThreshold: 3, RepeatedFileThreshold: 10})
	args := map[string]any{"file_path": "a.txt"}

	if info := d.Inspect("read", args, "hash-1"); info != nil {
		t.Fatalf("first read should not trigger, got %+v", info)
	}
	if info := d.Inspect("read", args, "hash-1"); info != nil {
		t.Fatalf("second read should not trigger, got %+v", info)
	}

	info := d.Inspect("read", args, "hash-1")
	if info == nil {
		t.Fatal("third identical read should trigger exact_duplicate")
	}
	if info.Kind != KindExactDuplicate {
		t.Fatalf("expected exact_duplicate, got %s", info.Kind)
	}
	if info.IsValidRepeat || info.Severity != SeverityHigh {
		t.Fatalf("unchanged file should be an invalid repeat with high severity, got %+v", info)
	}

	// A write changed the file; the next read carries a new hash and is a
	// valid repeat.
	info = d.Inspect("read", args, "hash-2")
	if info == nil || info.Kind != KindExactDuplicate {
		t.Fatalf("expected exact_duplicate for the fourth read, got %+v", info)
	}
	if !info.IsValidRepeat || info.Severity != SeverityLow {
		t.Fatalf("changed file should be a valid repeat with low severity, got %+v", info)
	}
}

func TestToolCycle_RepeatedFileAccess(t *testing.T) {
	d := NewToolCycleDetector(Config{CycleThreshold: 100, RepeatedFileThreshold: 3})

	// Different args each time so the exact-duplicate check never fires;
	// only the shared file path accumulates.
	for i := 0; i < 2; i++ {
		args := map[string]any{"file_path": "b.txt", "offset": i}
		if info := d.Inspect("read", args, ""); info != nil {
			t.Fatalf("read %d should not trigger, got %+v", i, info)
		}
	}
	info := d.Inspect("read", map[string]any{"file_path": "b.txt", "offset": 99}, "")
	if info == nil || info.Kind != KindRepeatedFile {
		t.Fatalf("expected repeated_file on third access, got %+v", info)
	}
}

func TestToolCycle_SimilarCalls(t *testing.T) {
	d := NewToolCycleDetector(Config{CycleThreshold: 100, RepeatedFileThreshold: 100, SimilarCallThreshold: 3})

	// Four shared params, one varying: Jaccard well above 0.6.
	base := func(q string) map[string]any {
		return map[string]any{"path": "src", "case": true, "limit": 10, "mode": "regex", "query": q}
	}
	d.Inspect("grep", base("foo"), "")
	d.Inspect("grep", base("fooo"), "")
	info := d.Inspect("grep", base("foooo"), "")
	if info == nil || info.Kind != KindSimilarCalls {
		t.Fatalf("expected similar_calls on third near-identical grep, got %+v", info)
	}
}

func TestToolCycle_LowHitRateAndEmptyStreak(t *testing.T) {
	d := NewToolCycleDetector(Config{MinSearchesForHitRate: 5, HitRateThreshold: 0.3, EmptyStreakThreshold: 3})

	var detections []LoopInfo
	for i := 0; i < 5; i++ {
		detections = d.RecordSearchResult(false)
	}
	kinds := map[LoopKind]bool{}
	for _, info := range detections {
		kinds[info.Kind] = true
	}
	if !kinds[KindLowHitRate] {
		t.Fatalf("expected low_hit_rate after 5 misses, got %+v", detections)
	}
	if !kinds[KindEmptyStreak] {
		t.Fatalf("expected empty_streak after 5 consecutive misses, got %+v", detections)
	}

	// A hit resets the streak but not the aggregate rate.
	detections = d.RecordSearchResult(true)
	for _, info := range detections {
		if info.Kind == KindEmptyStreak {
			t.Fatalf("hit should reset the empty streak, got %+v", detections)
		}
	}
}

func TestToolCycle_ClearIfBroken(t *testing.T) {
	d := NewToolCycleDetector(Config{CycleBreakThreshold: 3})

	d.Inspect("read", map[string]any{"file_path": "x"}, "")
	d.Inspect("read", map[string]any{"file_path": "x"}, "")
	if d.ClearIfBroken() {
		t.Fatal("history of identical signatures must not clear")
	}

	for i := 0; i < 3; i++ {
		d.Inspect("read", map[string]any{"file_path": fmt.Sprintf("f%d", i)}, "")
	}
	if !d.ClearIfBroken() {
		t.Fatal("three distinct trailing signatures should clear the history")
	}

	// After the clear, the duplicate count starts over.
	args := map[string]any{"file_path": "x"}
	d.Inspect("read", args, "")
	d.Inspect("read", args, "")
	if info := d.Inspect("read", args, ""); info == nil {
		t.Fatal("detector should still work after a clear")
	}
}

func TestToolCycle_HistoryBound(t *testing.T) {
	d := NewToolCycleDetector(Config{MaxToolHistory: 2, CycleThreshold: 3})
	args := map[string]any{"file_path": "x"}

	// With history capped at 2, a third identical call only ever sees two
	// entries and never reaches the threshold of 3.
	for i := 0; i < 10; i++ {
		if info := d.Inspect("read", args, ""); info != nil && info.Kind == KindExactDuplicate {
			t.Fatalf("bounded history should keep the count below threshold, got %+v at call %d", info, i)
		}
	}
}
