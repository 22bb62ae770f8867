package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Token exchange metrics
	ExchangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "icarus_exchanges_total",
			Help: "Total number of on-behalf-of exchanges by cloud and outcome",
		},
		[]string{"cloud", "outcome"},
	)

	ExchangeDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "icarus_exchange_duration_seconds",
			Help:    "Duration of on-behalf-of exchange round-trips",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"cloud"},
	)

	ExchangesCoalescedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "icarus_exchanges_coalesced_total",
			Help: "Total number of callers that attached to an exchange already in flight",
		},
	)

	// Token cache metrics
	TokenCacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "icarus_token_cache_hits_total",
			Help: "Total number of scoped-token cache hits",
		},
	)

	TokenCacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "icarus_token_cache_misses_total",
			Help: "Total number of scoped-token cache misses, including entries inside the safety margin",
		},
	)

	// Tool invocation metrics
	ToolInvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "icarus_tool_invocations_total",
			Help: "Total number of tool invocations by tool and outcome",
		},
		[]string{"tool", "outcome"},
	)

	ToolInvocationDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "icarus_tool_invocation_duration_seconds",
			Help:    "Duration of tool invocations from receipt to completion",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"tool"},
	)

	ToolRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "icarus_tool_retries_total",
			Help: "Total number of read-only tool calls retried after a transient upstream failure",
		},
		[]string{"tool"},
	)

	// Agent chat metrics
	ChatRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "icarus_chat_requests_total",
			Help: "Total number of agent chat requests by outcome",
		},
		[]string{"outcome"},
	)

	ChatTurnsPerRequest = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "icarus_chat_turns_per_request",
			Help:    "Model turns consumed by a single agent chat request",
			Buckets: []float64{1, 2, 3, 4, 6, 8, 12, 16},
		},
	)
)

// RecordExchange records one exchange round-trip
func RecordExchange(cloud, outcome string, elapsed time.Duration) {
	ExchangesTotal.WithLabelValues(cloud, outcome).Inc()
	ExchangeDurationSeconds.WithLabelValues(cloud).Observe(elapsed.Seconds())
}

// RecordExchangeCoalesced records a caller attaching to an in-flight exchange
func RecordExchangeCoalesced() {
	ExchangesCoalescedTotal.Inc()
}

// RecordCacheHit records a scoped-token cache hit
func RecordCacheHit() {
	TokenCacheHitsTotal.Inc()
}

// RecordCacheMiss records a scoped-token cache miss
func RecordCacheMiss() {
	TokenCacheMissesTotal.Inc()
}

// RecordToolInvocation records a completed tool invocation
func RecordToolInvocation(tool, outcome string, elapsed time.Duration) {
	ToolInvocationsTotal.WithLabelValues(tool, outcome).Inc()
	ToolInvocationDurationSeconds.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// RecordToolRetry records a retried read-only tool call
func RecordToolRetry(tool string) {
	ToolRetriesTotal.WithLabelValues(tool).Inc()
}

// RecordChatRequest records a completed agent chat request
func RecordChatRequest(outcome string, turns int) {
	ChatRequestsTotal.WithLabelValues(outcome).Inc()
	ChatTurnsPerRequest.Observe(float64(turns))
}
