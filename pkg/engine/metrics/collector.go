// Package metrics is the turn engine's instrumentation surface: Prometheus
// counters and histograms for tool dispatch, token consumption, and
// event-bus health, generalizing the teacher's hand-rolled per-backend
// Collector (pkg/metrics/collector.go, latency percentiles over an
// in-memory ring buffer) into the ecosystem client used elsewhere in the
// stack's go.mod rather than reimplementing percentile bucketing by hand.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector owns every metric the engine emits and the registry they are
// registered against, so an embedder can mount promhttp.HandlerFor(reg, ...)
// without reaching into engine internals. Its methods take plain values
// rather than engine.Event so this package never needs to import engine;
// the translation from bus traffic to these calls lives in
// pkg/engine/telemetry.go.
type Collector struct {
	Registry *prometheus.Registry

	toolCalls        *prometheus.CounterVec
	toolLatency      *prometheus.HistogramVec
	tokenUsage       *prometheus.CounterVec
	tokenWarnings    *prometheus.CounterVec
	eventBusLag      *prometheus.CounterVec
	subAgentsRunning prometheus.Gauge
	turnsCompleted   *prometheus.CounterVec

	mu        sync.Mutex
	inFlight  map[string]inFlightCall
	lastUsage map[string]int
}

type inFlightCall struct {
	tool  string
	start time.Time
}

// NewCollector builds and registers every metric on a fresh registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		Registry: reg,
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "turnengine", Subsystem: "tools", Name: "calls_total",
			Help: "Tool dispatch attempts by tool name and outcome.",
		}, []string{"tool", "success"}),
		toolLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "turnengine", Subsystem: "tools", Name: "dispatch_seconds",
			Help:    "Tool dispatch latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		tokenUsage: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "turnengine", Subsystem: "tokens", Name: "used_total",
			Help: "Committed model tokens by agent.",
		}, []string{"agent"}),
		tokenWarnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "turnengine", Subsystem: "tokens", Name: "warnings_total",
			Help: "Token budget threshold crossings by agent.",
		}, []string{"agent"}),
		eventBusLag: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "turnengine", Subsystem: "eventbus", Name: "subscriber_dropped_total",
			Help: "Subscribers disconnected for falling behind.",
		}, []string{"session"}),
		subAgentsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "turnengine", Subsystem: "supervisor", Name: "agents_running",
			Help: "Sub-agents currently executing.",
		}),
		turnsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "turnengine", Subsystem: "turns", Name: "completed_total",
			Help: "Completed turns by outcome.",
		}, []string{"success"}),
	}
	reg.MustRegister(c.toolCalls, c.toolLatency, c.tokenUsage, c.tokenWarnings, c.eventBusLag, c.subAgentsRunning, c.turnsCompleted)
	c.inFlight = make(map[string]inFlightCall)
	c.lastUsage = make(map[string]int)
	return c
}

// ObserveToolDispatch records one tool call's outcome and latency.
func (c *Collector) ObserveToolDispatch(tool string, success bool, d time.Duration) {
	label := "false"
	if success {
		label = "true"
	}
	c.toolCalls.WithLabelValues(tool, label).Inc()
	c.toolLatency.WithLabelValues(tool).Observe(d.Seconds())
}

// BeginToolCall records the start time and tool name of callID so
// EndToolCall can derive its latency and label without the caller needing
// to re-thread the tool name through a second event.
func (c *Collector) BeginToolCall(callID, tool string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight[callID] = inFlightCall{tool: tool, start: at}
}

// EndToolCall closes out a call started with BeginToolCall, recording its
// outcome and elapsed latency. A callID with no matching begin (e.g. one
// observed mid-stream after a subscriber reconnect) is recorded under an
// "unknown" tool label with zero latency rather than dropped.
func (c *Collector) EndToolCall(callID string, success bool, at time.Time) {
	c.mu.Lock()
	call, ok := c.inFlight[callID]
	delete(c.inFlight, callID)
	c.mu.Unlock()

	tool := "unknown"
	var d time.Duration
	if ok {
		tool = call.tool
		d = at.Sub(call.start)
	}
	c.ObserveToolDispatch(tool, success, d)
}

// ObserveTokenUsageSnapshot takes a cumulative per-agent usage snapshot (as
// TokenBudgeter.Usage reports it) and adds only the delta since the last
// snapshot, since the underlying Prometheus counter must be monotonic.
func (c *Collector) ObserveTokenUsageSnapshot(perAgent map[string]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for agent, used := range perAgent {
		delta := used - c.lastUsage[agent]
		if delta > 0 {
			c.tokenUsage.WithLabelValues(agent).Add(float64(delta))
		}
		c.lastUsage[agent] = used
	}
}

// ObserveTokenWarning records a budget-threshold crossing for agentID.
func (c *Collector) ObserveTokenWarning(agentID string) {
	c.tokenWarnings.WithLabelValues(agentID).Inc()
}

// ObserveSubscriberDropped records one EventBus subscriber disconnected for
// lagging in sessionID.
func (c *Collector) ObserveSubscriberDropped(sessionID string) {
	c.eventBusLag.WithLabelValues(sessionID).Inc()
}

// SetSubAgentsRunning reports the current concurrent sub-agent count.
func (c *Collector) SetSubAgentsRunning(n int) {
	c.subAgentsRunning.Set(float64(n))
}

// ObserveTurnCompleted records one finished turn.
func (c *Collector) ObserveTurnCompleted(success bool) {
	label := "false"
	if success {
		label = "true"
	}
	c.turnsCompleted.WithLabelValues(label).Inc()
}
