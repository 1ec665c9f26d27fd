package toolorchestrator

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/conductorhq/conductor/internal/orchestration/loopdetect"
	"github.com/conductorhq/conductor/pkg/models"
)

func slowExecutor(delay time.Duration, order *[]string, mu *sync.Mutex) Executor {
	return func(ctx context.Context, call models.ToolCall) models.ToolResult {
		time.Sleep(delay)
		mu.Lock()
		*order = append(*order, call.ID)
		mu.Unlock()
		return models.ToolResult{ToolCallID: call.ID, Success: true, Content: "ok"}
	}
}

// TestOrchestrator_SafeBatchRunsInParallelOrderPreserved: a batch
// of all-safe tools runs concurrently (total wall time well under the sum
// of individual delays) yet results come back in call order.
func TestOrchestrator_SafeBatchRunsInParallelOrderPreserved(t *testing.T) {
	o := New(DefaultConfig(), nil, nil, nil, nil)
	var finishOrder []string
	var mu sync.Mutex
	o.RegisterTool(ToolDef{Name: "read", Safe: true}, slowExecutor(30*time.Millisecond, &finishOrder, &mu))

	calls := []models.ToolCall{
		{ID: "c1", Name: "read"},
		{ID: "c2", Name: "read"},
		{ID: "c3", Name: "read"},
	}

	start := time.Now()
	results := o.Execute(context.Background(), calls)
	elapsed := time.Since(start)

	if elapsed > 80*time.Millisecond {
		t.Fatalf("expected calls to run concurrently, took %v", elapsed)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i, r := range results {
		if r.ToolCallID != calls[i].ID {
			t.Fatalf("expected order-preserving results, got %+v at index %d", r, i)
		}
	}
}

// TestOrchestrator_DestructiveBatchRunsSequentially: a batch
// containing any non-safe tool runs sequentially in call order.
func TestOrchestrator_DestructiveBatchRunsSequentially(t *testing.T) {
	o := New(DefaultConfig(), nil, nil, nil, nil)
	var execOrder []string
	var mu sync.Mutex
	o.RegisterTool(ToolDef{Name: "write", Safe: false}, slowExecutor(5*time.Millisecond, &execOrder, &mu))

	calls := []models.ToolCall{
		{ID: "c1", Name: "write"},
		{ID: "c2", Name: "write"},
		{ID: "c3", Name: "write"},
	}

	results := o.Execute(context.Background(), calls)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}

	mu.Lock()
	defer mu.Unlock()
	for i, id := range execOrder {
		if id != calls[i].ID {
			t.Fatalf("expected sequential execution in call order, got %v", execOrder)
		}
	}
}

func TestOrchestrator_UnknownToolIsValidationError(t *testing.T) {
	o := New(DefaultConfig(), nil, nil, nil, nil)
	results := o.Execute(context.Background(), []models.ToolCall{{ID: "c1", Name: "ghost"}})
	if len(results) != 1 || results[0].Success {
		t.Fatalf("expected a failed result, got %+v", results)
	}
	if results[0].ErrorType != models.ToolResultErrorValidation {
		t.Fatalf("expected validation_error, got %v", results[0].ErrorType)
	}
}

func TestOrchestrator_PermissionDenialUsesStableMessage(t *testing.T) {
	o := New(DefaultConfig(), func(ctx context.Context, call models.ToolCall) PermissionDecision {
		return PermissionDenied
	}, nil, nil, nil)
	o.RegisterTool(ToolDef{Name: "delete", Safe: false, RequiresConfirmation: true},
		func(ctx context.Context, call models.ToolCall) models.ToolResult {
			t.Fatal("executor should not run after permission denial")
			return models.ToolResult{}
		})

	results := o.Execute(context.Background(), []models.ToolCall{{ID: "c1", Name: "delete"}})
	if results[0].ErrorType != models.ToolResultErrorPermission {
		t.Fatalf("expected permission_error, got %v", results[0].ErrorType)
	}
	if results[0].Error != DenialMessage {
		t.Fatalf("expected stable denial message, got %q", results[0].Error)
	}
}

func TestOrchestrator_PanicInExecutorBecomesExecutionError(t *testing.T) {
	o := New(DefaultConfig(), nil, nil, nil, nil)
	o.RegisterTool(ToolDef{Name: "boom", Safe: true}, func(ctx context.Context, call models.ToolCall) models.ToolResult {
		panic("kaboom")
	})

	results := o.Execute(context.Background(), []models.ToolCall{{ID: "c1", Name: "boom"}})
	if results[0].Success {
		t.Fatal("expected failure result")
	}
	if results[0].ErrorType != models.ToolResultErrorExecution {
		t.Fatalf("expected execution_error, got %v", results[0].ErrorType)
	}
}

func TestOrchestrator_ExploratoryStreakInjectsReminderAtThreshold(t *testing.T) {
	cfg := Config{ExploratoryToolThreshold: 2, ExploratoryToolSternThreshold: 4}
	o := New(cfg, nil, nil, nil, nil)
	o.RegisterTool(ToolDef{Name: "read", Safe: true, IsExploratoryTool: true},
		func(ctx context.Context, call models.ToolCall) models.ToolResult {
			return models.ToolResult{Success: true, Content: "ok"}
		})

	var lastReminder string
	for i := 0; i < 2; i++ {
		results := o.Execute(context.Background(), []models.ToolCall{{ID: "c", Name: "read"}})
		lastReminder = results[0].SystemReminder
	}
	if lastReminder == "" {
		t.Fatal("expected a system reminder at the exploratory threshold")
	}
	if o.ExploratoryStreak() != 2 {
		t.Fatalf("expected streak of 2, got %d", o.ExploratoryStreak())
	}
}

func TestOrchestrator_RegisterToolIsConcurrencySafe(t *testing.T) {
	o := New(DefaultConfig(), nil, nil, nil, nil)
	var wg sync.WaitGroup
	var calls atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o.RegisterTool(ToolDef{Name: "t", Safe: true}, func(ctx context.Context, call models.ToolCall) models.ToolResult {
				calls.Add(1)
				return models.ToolResult{Success: true}
			})
		}(i)
	}
	wg.Wait()
	o.Execute(context.Background(), []models.ToolCall{{ID: "c1", Name: "t"}})
	if calls.Load() != 1 {
		t.Fatalf("expected exactly one execution, got %d", calls.Load())
	}
}

func TestOrchestrator_SchemaValidationRejectsBadArgs(t *testing.T) {
	schema, err := CompileSchema("read", `{"type":"object","properties":{"file_path":{"type":"string"}},"required":["file_path"]}`)
	if err != nil {
		t.Fatalf("CompileSchema: %v", err)
	}
	o := New(DefaultConfig(), nil, nil, nil, nil)
	executed := false
	o.RegisterTool(ToolDef{Name: "read", Safe: true, Schema: schema},
		func(ctx context.Context, call models.ToolCall) models.ToolResult {
			executed = true
			return models.ToolResult{Success: true, Content: "ok"}
		})

	results := o.Execute(context.Background(), []models.ToolCall{
		{ID: "c1", Name: "read", Input: []byte(`{"wrong_key":1}`)},
	})
	if executed {
		t.Fatal("executor must not run on schema violation")
	}
	if results[0].Success || results[0].ErrorType != models.ToolResultErrorValidation {
		t.Fatalf("expected validation_error, got %+v", results[0])
	}

	results = o.Execute(context.Background(), []models.ToolCall{
		{ID: "c2", Name: "read", Input: []byte(`{"file_path":"a.txt"}`)},
	})
	if !results[0].Success || !executed {
		t.Fatalf("valid arguments should execute, got %+v", results[0])
	}
}

func TestOrchestrator_ResultSizeGuardTruncates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxResultChars = 50
	o := New(cfg, nil, nil, nil, nil)
	o.RegisterTool(ToolDef{Name: "read", Safe: true},
		func(ctx context.Context, call models.ToolCall) models.ToolResult {
			return models.ToolResult{Success: true, Content: strings.Repeat("x", 500)}
		})

	results := o.Execute(context.Background(), []models.ToolCall{{ID: "c1", Name: "read"}})
	if len(results[0].Content) > 50+len("\n[output truncated]") {
		t.Fatalf("content not capped: %d chars", len(results[0].Content))
	}
	if !strings.HasSuffix(results[0].Content, "[output truncated]") {
		t.Fatalf("missing truncation marker: %q", results[0].Content[len(results[0].Content)-30:])
	}
}

// TestOrchestrator_RepeatedReadHashComesFromResult: the valid-repeat hash
// is computed from what the read actually returned, so identical repeated
// reads of an unchanged file surface a high-severity reminder, while a
// repeat after the content changed is a valid repeat and stays quiet.
func TestOrchestrator_RepeatedReadHashComesFromResult(t *testing.T) {
	cycles := loopdetect.NewToolCycleDetector(loopdetect.Config{
		CycleThreshold:        3,
		RepeatedFileThreshold: 100,
	})
	o := New(DefaultConfig(), nil, nil, cycles, nil)

	content := "version one"
	o.RegisterTool(ToolDef{Name: "read", Safe: true},
		func(ctx context.Context, call models.ToolCall) models.ToolResult {
			return models.ToolResult{Success: true, Content: content}
		})
	call := models.ToolCall{ID: "c", Name: "read", Input: []byte(`{"file_path":"a.txt"}`)}

	o.Execute(context.Background(), []models.ToolCall{call})
	o.Execute(context.Background(), []models.ToolCall{call})
	third := o.Execute(context.Background(), []models.ToolCall{call})
	if !strings.Contains(third[0].SystemReminder, "identical arguments") {
		t.Fatalf("third identical read should carry a cycle reminder, got %q", third[0].SystemReminder)
	}

	// A write changed the file between reads; the fourth read's result
	// content differs, so the repeat is valid and no reminder attaches.
	content = "version two"
	fourth := o.Execute(context.Background(), []models.ToolCall{call})
	if strings.Contains(fourth[0].SystemReminder, "identical arguments") {
		t.Fatalf("repeat after changed content must be a quiet valid repeat, got %q", fourth[0].SystemReminder)
	}
}

func TestIsSearchHit_FirstPresentFieldWins(t *testing.T) {
	cases := []struct {
		name string
		data string
		want bool
	}{
		{"matches present and non-empty", `{"matches":["a.go"]}`, true},
		{"matches present but empty decides miss over count", `{"matches":[],"count":5}`, false},
		{"files decide when matches absent", `{"files":[],"output":"text"}`, false},
		{"count decides when arrays absent", `{"count":2}`, true},
		{"zero count is a miss", `{"count":0,"output":"text"}`, false},
		{"output alone", `{"output":"found it"}`, true},
		{"none of the fields", `{"status":"ok"}`, false},
	}
	for _, tc := range cases {
		result := models.ToolResult{Success: true, Data: []byte(tc.data)}
		if got := isSearchHit(result); got != tc.want {
			t.Errorf("%s: isSearchHit = %v, want %v", tc.name, got, tc.want)
		}
	}
}
