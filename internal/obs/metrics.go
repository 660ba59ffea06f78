// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/flyingrobots/queue-autoscaler/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DecisionsMade = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autoscaler_decisions_total",
		Help: "Total number of scaling decisions evaluated, by queue and action",
	}, []string{"queue", "action"})
	WorkersScaled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autoscaler_workers_scaled_total",
		Help: "Total number of actuated worker scale events, by queue and direction",
	}, []string{"queue", "direction"})
	SlaBreachesPredicted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autoscaler_sla_breaches_predicted_total",
		Help: "Total number of predicted SLA breaches, by queue",
	}, []string{"queue"})
	CooldownHolds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autoscaler_cooldown_holds_total",
		Help: "Total number of ticks a queue held actuation due to cooldown",
	}, []string{"queue"})
	CurrentWorkers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "autoscaler_current_workers",
		Help: "Current live worker count per queue",
	}, []string{"queue"})
	TargetWorkers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "autoscaler_target_workers",
		Help: "Most recently committed target worker count per queue",
	}, []string{"queue"})
	PredictedPickupSeconds = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "autoscaler_predicted_pickup_seconds",
		Help: "Most recently predicted pickup time per queue",
	}, []string{"queue"})
	LimitingFactor = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "autoscaler_limiting_factor",
		Help: "1 if this limiting factor was the final decision constraint for the queue, else 0",
	}, []string{"queue", "factor"})
	MetricsFetchFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "autoscaler_metrics_fetch_failures_total",
		Help: "Total number of ticks where the metrics source fetch failed",
	})
	ResourceFetchFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "autoscaler_resource_fetch_failures_total",
		Help: "Total number of ticks where the resource source fetch failed",
	})
	SpawnFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autoscaler_spawn_failures_total",
		Help: "Total number of worker spawn failures, by queue",
	}, []string{"queue"})
	EvaluationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "autoscaler_evaluation_duration_seconds",
		Help:    "Histogram of per-tick evaluation wall time across all queues",
		Buckets: prometheus.DefBuckets,
	})
	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "autoscaler_circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	}, []string{"source"})
)

func init() {
	prometheus.MustRegister(
		DecisionsMade,
		WorkersScaled,
		SlaBreachesPredicted,
		CooldownHolds,
		CurrentWorkers,
		TargetWorkers,
		PredictedPickupSeconds,
		LimitingFactor,
		MetricsFetchFailures,
		ResourceFetchFailures,
		SpawnFailures,
		EvaluationDuration,
		CircuitBreakerState,
	)
}

// StartMetricsServer exposes /metrics and returns a server for controlled shutdown.
// StartMetricsServer is retained for compatibility but consider using StartHTTPServer
// which also registers health endpoints.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
