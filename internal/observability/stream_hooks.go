package observability

import (
	"sync"
	"time"

	"github.com/conductorhq/conductor/internal/orchestration/activitystream"
)

// AttachStream subscribes the metric set to an activity stream so tool-call
// start/end and ERROR events are counted without the orchestrator knowing
// about Prometheus. Interrupt events are not counted. Returns an
// unsubscribe function.
func AttachStream(stream *activitystream.Stream, metrics *Metrics) func() {
	if stream == nil || metrics == nil {
		return func() {}
	}

	var mu sync.Mutex
	starts := make(map[string]time.Time)

	unsubStart := stream.Subscribe(activitystream.KindToolCallStart, func(ev activitystream.Event) {
		mu.Lock()
		starts[ev.ToolCallID] = ev.Time
		mu.Unlock()
	})
	unsubEnd := stream.Subscribe(activitystream.KindToolCallEnd, func(ev activitystream.Event) {
		mu.Lock()
		started, ok := starts[ev.ToolCallID]
		delete(starts, ev.ToolCallID)
		mu.Unlock()

		status := "success"
		if ev.Err != nil {
			status = "error"
		}
		metrics.ToolExecutionCounter.WithLabelValues(ev.ToolName, status).Inc()
		if ok {
			metrics.ToolExecutionDuration.WithLabelValues(ev.ToolName).Observe(ev.Time.Sub(started).Seconds())
		}
	})
	unsubErr := stream.Subscribe(activitystream.KindError, func(ev activitystream.Event) {
		metrics.ToolExecutionCounter.WithLabelValues(ev.ToolName, "error").Inc()
	})

	return func() {
		unsubStart()
		unsubEnd()
		unsubErr()
	}
}
