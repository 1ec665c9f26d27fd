// Package observability wires the orchestration core into Prometheus
// metrics and OpenTelemetry tracing. Everything here is optional: the
// engine and orchestrator run identically with a nil Metrics/Tracer, so
// the core stays free of process-global state and tests stay quiet.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects the orchestration core's operational metrics.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.ModelRequestDuration.WithLabelValues("anthropic", "claude-sonnet-4").Observe(elapsed.Seconds())
type Metrics struct {
	// TurnCounter counts completed conversation turns.
	// Labels: agent_type, outcome (completed|interrupted|budget_exceeded|error)
	TurnCounter *prometheus.CounterVec

	// ModelRequestDuration measures model round-trip latency in seconds.
	// Labels: provider, model
	ModelRequestDuration *prometheus.HistogramVec

	// ModelRequestCounter counts model requests.
	// Labels: provider, model, status (success|error|interrupted)
	ModelRequestCounter *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// LoopDetections counts loop-detector activations.
	// Labels: kind (exact_duplicate|repeated_file|similar_calls|low_hit_rate|empty_streak|text_stream_repeat)
	LoopDetections *prometheus.CounterVec

	// PoolAgents tracks current pool occupancy.
	// Labels: state (idle|in_use)
	PoolAgents *prometheus.GaugeVec

	// PoolEvictions counts entries removed on plugin reloads.
	// Labels: plugin
	PoolEvictions *prometheus.CounterVec

	// WatchdogPauseDepth is the current reference-counted pause depth of
	// the root agent's activity monitor.
	WatchdogPauseDepth prometheus.Gauge

	// WatchdogTimeouts counts activity-monitor firings.
	WatchdogTimeouts prometheus.Counter

	// ContextUsagePercent is the root conversation's context usage.
	ContextUsagePercent prometheus.Gauge

	// PluginRPCCounter counts plugin daemon calls.
	// Labels: plugin, status (success|plugin_error|timeout_error|system_error)
	PluginRPCCounter *prometheus.CounterVec
}

// NewMetrics creates and registers the metric set with reg. A nil
// registerer leaves the metrics unregistered (useful in tests that only
// exercise the recording paths).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TurnCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_turns_total",
			Help: "Completed conversation turns by agent type and outcome.",
		}, []string{"agent_type", "outcome"}),
		ModelRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conductor_model_request_duration_seconds",
			Help:    "Model round-trip latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),
		ModelRequestCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_model_requests_total",
			Help: "Model requests by provider, model and status.",
		}, []string{"provider", "model", "status"}),
		ToolExecutionCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_tool_executions_total",
			Help: "Tool invocations by name and status.",
		}, []string{"tool_name", "status"}),
		ToolExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conductor_tool_execution_duration_seconds",
			Help:    "Tool execution time.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool_name"}),
		LoopDetections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_loop_detections_total",
			Help: "Loop-detector activations by kind.",
		}, []string{"kind"}),
		PoolAgents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "conductor_pool_agents",
			Help: "Pooled sub-agents by state.",
		}, []string{"state"}),
		PoolEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_pool_evictions_total",
			Help: "Pool entries evicted on plugin reloads.",
		}, []string{"plugin"}),
		WatchdogPauseDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conductor_watchdog_pause_depth",
			Help: "Current reference-counted pause depth of the root activity monitor.",
		}),
		WatchdogTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_watchdog_timeouts_total",
			Help: "Activity-monitor timeout firings.",
		}),
		ContextUsagePercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conductor_context_usage_percent",
			Help: "Root conversation context usage percentage.",
		}),
		PluginRPCCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_plugin_rpc_total",
			Help: "Plugin daemon RPC calls by plugin and status.",
		}, []string{"plugin", "status"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.TurnCounter,
			m.ModelRequestDuration,
			m.ModelRequestCounter,
			m.ToolExecutionCounter,
			m.ToolExecutionDuration,
			m.LoopDetections,
			m.PoolAgents,
			m.PoolEvictions,
			m.WatchdogPauseDepth,
			m.WatchdogTimeouts,
			m.ContextUsagePercent,
			m.PluginRPCCounter,
		)
	}
	return m
}

// RecordPoolStats updates the pool occupancy gauges.
func (m *Metrics) RecordPoolStats(idle, inUse int) {
	if m == nil {
		return
	}
	m.PoolAgents.WithLabelValues("idle").Set(float64(idle))
	m.PoolAgents.WithLabelValues("in_use").Set(float64(inUse))
}
