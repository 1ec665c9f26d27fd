package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/conductorhq/conductor/internal/orchestration/activitystream"
)

func TestNewMetrics_RegistersWithoutCollision(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.TurnCounter.WithLabelValues("root", "completed").Inc()
	m.RecordPoolStats(2, 1)
	m.WatchdogPauseDepth.Set(3)

	if got := testutil.ToFloat64(m.TurnCounter.WithLabelValues("root", "completed")); got != 1 {
		t.Fatalf("turn counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.PoolAgents.WithLabelValues("idle")); got != 2 {
		t.Fatalf("idle gauge = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.PoolAgents.WithLabelValues("in_use")); got != 1 {
		t.Fatalf("in_use gauge = %v, want 1", got)
	}
}

func TestNewMetrics_NilRegisterer(t *testing.T) {
	m := NewMetrics(nil)
	// Recording must not panic even when unregistered.
	m.ModelRequestCounter.WithLabelValues("anthropic", "claude", "success").Inc()
	m.ContextUsagePercent.Set(42)
}

func TestAttachStream_CountsToolLifecycle(t *testing.T) {
	stream := activitystream.New(nil)
	m := NewMetrics(prometheus.NewRegistry())
	detach := AttachStream(stream, m)
	defer detach()

	start := time.Now()
	stream.Emit(activitystream.Event{
		Kind:       activitystream.KindToolCallStart,
		ToolCallID: "c1",
		ToolName:   "read",
		Time:       start,
	})
	stream.Emit(activitystream.Event{
		Kind:       activitystream.KindToolCallEnd,
		ToolCallID: "c1",
		ToolName:   "read",
		Time:       start.Add(120 * time.Millisecond),
	})

	if got := testutil.ToFloat64(m.ToolExecutionCounter.WithLabelValues("read", "success")); got != 1 {
		t.Fatalf("tool counter = %v, want 1", got)
	}

	detach()
	stream.Emit(activitystream.Event{
		Kind:       activitystream.KindToolCallEnd,
		ToolCallID: "c2",
		ToolName:   "read",
	})
	if got := testutil.ToFloat64(m.ToolExecutionCounter.WithLabelValues("read", "success")); got != 1 {
		t.Fatalf("detached stream must not record, counter = %v", got)
	}
}
