// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/plivo/sharq/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EnqueueTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sharq_enqueue_total",
		Help: "Total number of enqueue operations by queue_type",
	}, []string{"queue_type"})
	DequeueTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sharq_dequeue_total",
		Help: "Total number of dequeue operations by queue_type and outcome",
	}, []string{"queue_type", "outcome"})
	FinishTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sharq_finish_total",
		Help: "Total number of finish operations by queue_type and outcome",
	}, []string{"queue_type", "outcome"})
	IntervalUpdateTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sharq_interval_update_total",
		Help: "Total number of interval update operations by queue_type and outcome",
	}, []string{"queue_type", "outcome"})
	RequeueTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sharq_requeue_total",
		Help: "Total number of jobs put back in the ready heap by the sweeper",
	}, []string{"queue_type"})
	RequeueDiscardTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sharq_requeue_discard_total",
		Help: "Total number of exhausted jobs discarded by the sweeper",
	}, []string{"queue_type"})
	EngineOpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sharq_engine_op_duration_seconds",
		Help:    "Latency of engine operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
	QueueLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sharq_queue_length",
		Help: "Current length of a (queue_type, queue_id) job list",
	}, []string{"queue_type", "queue_id"})
	CircuitBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sharq_circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	})
	CircuitBreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sharq_circuit_breaker_trips_total",
		Help: "Count of times the circuit breaker transitioned to Open",
	})
	SweeperRequeued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sharq_sweeper_requeued_total",
		Help: "Total number of expired in-flight jobs the sweeper returned to a ready heap",
	})
	SweeperDiscarded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sharq_sweeper_discarded_total",
		Help: "Total number of exhausted in-flight jobs the sweeper finished outright",
	})
)

func init() {
	prometheus.MustRegister(
		EnqueueTotal, DequeueTotal, FinishTotal, IntervalUpdateTotal,
		RequeueTotal, RequeueDiscardTotal, EngineOpDuration, QueueLength,
		CircuitBreakerState, CircuitBreakerTrips, SweeperRequeued, SweeperDiscarded,
	)
}

// StartMetricsServer exposes /metrics and returns a server for controlled
// shutdown. Superseded by StartHTTPServer, which also registers health
// endpoints, but kept for callers that only want metrics.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
