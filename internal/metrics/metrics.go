// Package metrics exposes the orchestrator's Prometheus instrumentation:
// stage durations, pool occupancy, gate trips, runner queue depth and the
// maintenance loops' recovery/creation counters, registered via promauto
// onto the default registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// StageDuration observes how long each stage executor run takes.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ingestd_stage_duration_seconds",
		Help:    "Duration of a single stage executor run, by stage and outcome.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 16),
	}, []string{"stage", "outcome"})

	// StageErrors counts stage executor failures by error taxonomy code.
	StageErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestd_stage_errors_total",
		Help: "Stage executor errors by stage and error taxonomy code.",
	}, []string{"stage", "code"})

	// PoolRunning reports the current running-set size per pool.
	PoolRunning = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ingestd_pool_running",
		Help: "Number of items currently executing in a scheduler pool.",
	}, []string{"pool"})

	// PoolCapacity reports the configured capacity per pool.
	PoolCapacity = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ingestd_pool_capacity",
		Help: "Configured concurrency capacity of a scheduler pool.",
	}, []string{"pool"})

	// GateTrips counts Download Gate pause engagements.
	GateTrips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingestd_gate_trips_total",
		Help: "Number of times the Download Gate engaged a blocked-circuit pause.",
	})

	// GateBlockedFailures reports the Gate's live blocked-failure counter.
	GateBlockedFailures = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingestd_gate_blocked_failures",
		Help: "Current value of the Download Gate's blocked-failure counter.",
	})

	// RunnerQueueDepth reports the Transcription Dispatcher's pending remote
	// submissions.
	RunnerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingestd_runner_queue_depth",
		Help: "Pending transcription requests queued for the remote runner pool.",
	})

	// RunnerInFlight reports in-flight remote runner jobs.
	RunnerInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingestd_runner_inflight",
		Help: "Transcription requests currently submitted to the remote runner.",
	})

	// SupervisorRecoveries counts stuck-task recoveries by stage and outcome.
	SupervisorRecoveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestd_supervisor_recoveries_total",
		Help: "Stuck-task supervisor recoveries, by stage and the stage it was moved to.",
	}, []string{"stage", "moved_to"})

	// SubscriptionItemsCreated counts items created by the poller loop.
	SubscriptionItemsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingestd_subscription_items_created_total",
		Help: "Items created by the subscription poller loop.",
	})
)

// Handler returns the HTTP handler serving the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
