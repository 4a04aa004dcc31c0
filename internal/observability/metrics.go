package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StateTransitions counts lifecycle transitions.
	StateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "endpoint_agent_state_transitions_total",
		Help: "Total number of lifecycle state transitions",
	}, []string{"from", "to", "trigger"})

	// CurrentState is 1 for the state the agent is in and 0 otherwise.
	CurrentState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "endpoint_agent_state",
		Help: "Current lifecycle state (1 = active)",
	}, []string{"state"})

	// IgnoredTriggers counts triggers fired in a state that does not accept them.
	IgnoredTriggers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "endpoint_agent_ignored_triggers_total",
		Help: "Triggers dropped because the current state does not accept them",
	}, []string{"state", "trigger"})

	// ReportCycles counts reporting cycles by outcome.
	ReportCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "endpoint_agent_report_cycles_total",
		Help: "Reporting cycles by outcome",
	}, []string{"outcome"})

	// ReportedItems counts records acknowledged by the server.
	ReportedItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "endpoint_agent_reported_items_total",
		Help: "Records delivered and acknowledged by the server",
	}, []string{"kind"})

	// InstructionsExecuted counts dispatched instructions by type and result.
	InstructionsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "endpoint_agent_instructions_executed_total",
		Help: "Instructions dispatched by type and result",
	}, []string{"type", "result"})

	// InstructionDuration tracks executor run time.
	InstructionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "endpoint_agent_instruction_duration_seconds",
		Help:    "Instruction execution time distribution",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"type"})

	// QueueDepth tracks buffered rows per queue table.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "endpoint_agent_queue_depth",
		Help: "Rows buffered in the local queue store",
	}, []string{"table"})

	// ServerRequests counts outbound requests by path and status code.
	ServerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "endpoint_agent_server_requests_total",
		Help: "Outbound server requests by path and status",
	}, []string{"path", "code"})

	// ServerRequestDuration tracks outbound request latency.
	ServerRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "endpoint_agent_server_request_duration_seconds",
		Help:    "Outbound server request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"path"})
)

// SetState marks state as current and clears the others.
func SetState(current string, all []string) {
	for _, s := range all {
		value := 0.0
		if s == current {
			value = 1
		}
		CurrentState.WithLabelValues(s).Set(value)
	}
}
