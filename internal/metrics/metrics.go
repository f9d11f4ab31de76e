package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "companion_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "companion_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	MemorySearchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "companion_memory_searches_total",
			Help: "Memory searches by backend and outcome (ok, error, keyword).",
		},
		[]string{"backend", "outcome"},
	)

	MemoryContextTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "companion_memory_context_timeouts_total",
			Help: "Context-assembly branches that hit their deadline.",
		},
		[]string{"branch"},
	)

	MemoryVectorWriteFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "companion_memory_vector_write_failures_total",
			Help: "Best-effort vector writes that failed.",
		},
		[]string{"backend"},
	)

	MemoryBackendActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "companion_memory_backend_active",
			Help: "1 for the active vector backend, 0 otherwise. backend=none means keyword-only.",
		},
		[]string{"backend"},
	)

	ConversationTurnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "companion_conversation_turns_total",
			Help: "Conversation turns by outcome (completed, interrupted, failed).",
		},
		[]string{"outcome"},
	)

	ConversationStateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "companion_conversation_state_transitions_total",
			Help: "Orchestrator state transitions.",
		},
		[]string{"from", "to"},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "companion_active_sessions",
			Help: "Number of live conversation sessions.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		MemorySearchesTotal,
		MemoryContextTimeouts,
		MemoryVectorWriteFailures,
		MemoryBackendActive,
		ConversationTurnsTotal,
		ConversationStateTransitions,
		ActiveSessions,
	)
}
