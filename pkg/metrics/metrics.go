// Package metrics declares the runner's prometheus instruments. All
// instruments register on the default registry; the status API serves
// them via promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// latencyBuckets spans sub-millisecond store calls up to multi-minute
// agent handlers.
var latencyBuckets = []float64{.005, .025, .1, .5, 1, 2.5, 5, 10, 30, 60, 120}

var (
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runner_events_received_total",
		Help: "stream events received from the record store, by event type",
	}, []string{"type"})

	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runner_events_dropped_total",
		Help: "events discarded before handling, by reason",
	}, []string{"reason"})

	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "runner_sse_reconnects_total",
		Help: "times the SSE stream was re-established",
	})

	ExecutorRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runner_executor_runs_total",
		Help: "executor invocations, by variant and terminal status",
	}, []string{"variant", "status"})

	HandlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "runner_handler_duration_seconds",
		Help:    "wall time of executor handlers",
		Buckets: latencyBuckets,
	}, []string{"variant"})

	BridgeWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runner_bridge_waits_total",
		Help: "event bridge waits, by outcome",
	}, []string{"outcome"})

	StoreCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runner_store_calls_total",
		Help: "record store calls, by operation and outcome",
	}, []string{"op", "outcome"})

	StoreCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "runner_store_call_duration_seconds",
		Help:    "latency of record store calls",
		Buckets: latencyBuckets,
	}, []string{"op"})

	ContextRebuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runner_context_rebuilds_total",
		Help: "context assembler rebuilds, by outcome",
	}, []string{"outcome"})

	ProcessingTableSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "runner_processing_table_entries",
		Help: "entries currently tracked in the duplicate-suppression table",
	})

	ConsumersRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "runner_consumers_registered",
		Help: "consumers currently registered with the dispatcher",
	})

	TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runner_token_refreshes_total",
		Help: "auth token refreshes, by trigger (proactive or unauthorized)",
	}, []string{"trigger"})
)
