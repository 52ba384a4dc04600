package metrics

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/orchestration-core/pipeline-engine/internal/health"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Engine (C6) metrics

	RunPickupLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "orchestrator",
		Name:      "run_pickup_latency_seconds",
		Help:      "Time from run creation to the engine claiming it.",
		Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	RunDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "orchestrator",
		Name:      "run_duration_seconds",
		Help:      "Duration of a run from start to terminal status.",
		Buckets:   []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 300, 900},
	}, []string{"pipeline", "status"})

	RunsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Name:      "engine_runs_in_flight",
		Help:      "Number of runs currently being executed by this engine instance.",
	})

	RunsCompletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "runs_completed_total",
		Help:      "Total runs finished, by terminal status.",
	}, []string{"pipeline", "status"})

	NodeAttemptDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "orchestrator",
		Name:      "node_attempt_duration_seconds",
		Help:      "Duration of a single node attempt.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"node_kind", "outcome"})

	NodeAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "node_attempts_total",
		Help:      "Total node attempts, by kind and outcome.",
	}, []string{"node_kind", "outcome"})

	CircuitBreakerTripsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "circuit_breaker_trips_total",
		Help:      "Total times a circuit breaker transitioned to open.",
	}, []string{"key"})

	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Name:      "circuit_breaker_state",
		Help:      "Current breaker state as an enum: 0=closed, 1=half_open, 2=open.",
	}, []string{"key"})

	// Recovery scanner

	RecoveryRescuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "recovery_rescued_total",
		Help:      "Total stale runs handled by the startup recovery scanner, by action.",
	}, []string{"action"})

	RecoveryScanDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "orchestrator",
		Name:      "recovery_scan_duration_seconds",
		Help:      "Time taken for one crash-recovery scan.",
		Buckets:   prometheus.DefBuckets,
	})

	// Dispatcher (C7) metrics

	SchedulesFiredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "schedules_fired_total",
		Help:      "Total schedule fires dispatched, by action kind.",
	}, []string{"action_kind"})

	SchedulesMissedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "schedules_missed_total",
		Help:      "Total schedule fire instants found more than one tick late, under skip_missed or coalesce.",
	}, []string{"schedule"})

	DispatcherIsPrimary = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Name:      "dispatcher_is_primary",
		Help:      "1 if this instance currently holds the dispatcher primary lock, else 0.",
	})

	DispatcherTickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "orchestrator",
		Name:      "dispatcher_tick_duration_seconds",
		Help:      "Time taken for one dispatcher tick.",
		Buckets:   prometheus.DefBuckets,
	})

	// Process lifecycle

	ProcessStartTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Name:      "process_start_time_seconds",
		Help:      "Unix timestamp when this process started.",
	})

	ProcessShutdownsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "process_shutdowns_total",
		Help:      "Number of times this process has shut down cleanly.",
	})

	// Admin HTTP surface

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "orchestrator",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests.",
	}, []string{"method", "path", "status"})
)

func Register() {
	prometheus.MustRegister(
		RunPickupLatency,
		RunDuration,
		RunsInFlight,
		RunsCompletedTotal,
		NodeAttemptDuration,
		NodeAttemptsTotal,
		CircuitBreakerTripsTotal,
		CircuitBreakerState,
		RecoveryRescuedTotal,
		RecoveryScanDuration,
		SchedulesFiredTotal,
		SchedulesMissedTotal,
		DispatcherIsPrimary,
		DispatcherTickDuration,
		ProcessStartTime,
		ProcessShutdownsTotal,
		HTTPRequestDuration,
		HTTPRequestsTotal,
	)
}

// checker is the subset of *health.Checker the metrics server needs.
// Defined here, point of use, so this package doesn't need the concrete
// health.HealthResult type to compile against a fake in tests.
type checker interface {
	Liveness(ctx context.Context) health.HealthResult
	Readiness(ctx context.Context) health.HealthResult
}

// NewServer serves Prometheus metrics plus liveness/readiness probes on one
// unauthenticated port, separate from the admin HTTP surface.
func NewServer(addr string, h checker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, h.Liveness(r.Context()))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, h.Readiness(r.Context()))
	})
	return &http.Server{Addr: addr, Handler: mux}
}

func writeHealth(w http.ResponseWriter, result health.HealthResult) {
	w.Header().Set("Content-Type", "application/json")
	if result.Status != "up" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(result)
}
