// Copyright 2025 James Ross

// Package manager implements the controller's tick loop (C6): the state
// machine init -> running -> draining -> stopped, per-queue cooldown
// gating, and the wiring between metrics/resource collaborators, the
// engine, the worker pool, and event publication.
package manager

import (
	"context"
	"sync"
	"time"

	"github.com/flyingrobots/queue-autoscaler/internal/autoscaler"
	"github.com/flyingrobots/queue-autoscaler/internal/breaker"
	"github.com/flyingrobots/queue-autoscaler/internal/calculators"
	"github.com/flyingrobots/queue-autoscaler/internal/config"
	"github.com/flyingrobots/queue-autoscaler/internal/engine"
	"github.com/flyingrobots/queue-autoscaler/internal/events"
	"github.com/flyingrobots/queue-autoscaler/internal/metricssource"
	"github.com/flyingrobots/queue-autoscaler/internal/obs"
	"github.com/flyingrobots/queue-autoscaler/internal/resourcesource"
	"go.uber.org/zap"
)

// State is the manager's lifecycle state.
type State int

const (
	StateInit State = iota
	StateRunning
	StateDraining
	StateStopped
)

// MetricsSource lists every discoverable queue and its current metrics.
type MetricsSource interface {
	ListQueues(ctx context.Context) ([]metricssource.QueueSample, error)
}

// ResourceSource reports host-wide CPU/memory figures.
type ResourceSource interface {
	Limits(ctx context.Context) (resourcesource.Limits, error)
	CPUUsagePercent(ctx context.Context, sample time.Duration) (float64, error)
	MemoryUsedPercent(ctx context.Context) (float64, error)
}

// Pool is the capability the manager needs from the worker pool.
type Pool interface {
	CurrentWorkers(key autoscaler.QueueKey) int
	Reconcile(ctx context.Context, key autoscaler.QueueKey, target int, reason string)
	HealthCheck(ctx context.Context)
	Shutdown(ctx context.Context, overallTimeout time.Duration)
}

type queueState struct {
	lastScaleActionAt time.Time
	lastBreached       bool
}

// Manager runs the per-tick evaluation loop across every discovered queue.
type Manager struct {
	cfg      *config.Config
	metrics  MetricsSource
	resource ResourceSource
	pool     Pool
	engine   *engine.Engine
	sink     events.Sink
	log      *zap.Logger

	metricsBreaker  *breaker.CircuitBreaker
	resourceBreaker *breaker.CircuitBreaker

	mu     sync.Mutex
	state  State
	queues map[autoscaler.QueueKey]*queueState
}

// New wires the manager's collaborators. The engine must already be built
// with the desired strategy and policy chain.
func New(cfg *config.Config, metrics MetricsSource, resource ResourceSource, pool Pool, eng *engine.Engine, sink events.Sink, log *zap.Logger) *Manager {
	cb := cfg.CircuitBreaker
	return &Manager{
		cfg:             cfg,
		metrics:         metrics,
		resource:        resource,
		pool:            pool,
		engine:          eng,
		sink:            sink,
		log:             log,
		metricsBreaker:  breaker.New(cb.Window, cb.CooldownPeriod, cb.FailureThreshold, cb.MinSamples),
		resourceBreaker: breaker.New(cb.Window, cb.CooldownPeriod, cb.FailureThreshold, cb.MinSamples),
		state:           StateInit,
		queues:          make(map[autoscaler.QueueKey]*queueState),
	}
}

// State returns the manager's current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Run drives the tick loop until ctx is canceled, then drains: it stops
// accepting new evaluations, tells the pool to retire every worker, and
// returns once draining completes or the drain deadline elapses.
func (m *Manager) Run(ctx context.Context) {
	m.setState(StateRunning)
	interval := time.Duration(m.cfg.Manager.EvaluationIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	healthInterval := time.Duration(m.cfg.Workers.HealthCheckIntervalSeconds) * time.Second
	healthTicker := time.NewTicker(healthInterval)
	defer healthTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.drain()
			return
		case <-ticker.C:
			m.tick(ctx)
		case <-healthTicker.C:
			m.pool.HealthCheck(ctx)
		}
	}
}

func (m *Manager) drain() {
	m.setState(StateDraining)
	shutdownTimeout := time.Duration(m.cfg.Workers.ShutdownTimeoutSeconds) * time.Second
	m.pool.Shutdown(context.Background(), shutdownTimeout)
	m.setState(StateStopped)
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// tick runs one evaluation pass over every discovered queue, sequentially
// and in the order the metrics source returned them.
func (m *Manager) tick(ctx context.Context) {
	if !m.cfg.Enabled {
		return
	}
	start := time.Now()
	defer func() { obs.EvaluationDuration.Observe(time.Since(start).Seconds()) }()

	samples, err := m.fetchMetrics(ctx)
	if err != nil {
		m.log.Warn("metrics fetch failed, skipping tick", zap.Error(err))
		return
	}

	capacity, err := m.computeCapacity(ctx)
	if err != nil {
		m.log.Warn("resource fetch failed, using unavailable-capacity fallback", zap.Error(err))
	}

	for _, s := range samples {
		m.evaluateQueue(ctx, s, capacity)
	}
}

func (m *Manager) fetchMetrics(ctx context.Context) ([]metricssource.QueueSample, error) {
	defer func() { obs.CircuitBreakerState.WithLabelValues("metrics").Set(float64(m.metricsBreaker.State())) }()
	if !m.metricsBreaker.Allow() {
		return nil, errCircuitOpen("metrics")
	}
	samples, err := m.metrics.ListQueues(ctx)
	m.metricsBreaker.Record(err == nil)
	if err != nil {
		obs.MetricsFetchFailures.Inc()
	}
	return samples, err
}

func (m *Manager) computeCapacity(ctx context.Context) (capacityInputs, error) {
	defer func() { obs.CircuitBreakerState.WithLabelValues("resources").Set(float64(m.resourceBreaker.State())) }()
	if !m.resourceBreaker.Allow() {
		return capacityInputs{}, errCircuitOpen("resources")
	}
	limits, err := m.resource.Limits(ctx)
	if err != nil {
		m.resourceBreaker.Record(false)
		obs.ResourceFetchFailures.Inc()
		return capacityInputs{}, err
	}
	cpuPct, err := m.resource.CPUUsagePercent(ctx, time.Second)
	if err != nil {
		m.resourceBreaker.Record(false)
		obs.ResourceFetchFailures.Inc()
		return capacityInputs{}, err
	}
	memPct, err := m.resource.MemoryUsedPercent(ctx)
	m.resourceBreaker.Record(err == nil)
	if err != nil {
		obs.ResourceFetchFailures.Inc()
		return capacityInputs{}, err
	}
	return capacityInputs{
		totalCores:  float64(limits.CPUCores),
		memoryBytes: limits.MemoryBytes,
		cpuPct:      cpuPct,
		memPct:      memPct,
		available:   true,
	}, nil
}

type capacityInputs struct {
	totalCores  float64
	memoryBytes uint64
	cpuPct      float64
	memPct      float64
	available   bool
}

func (m *Manager) evaluateQueue(ctx context.Context, sample metricssource.QueueSample, cap capacityInputs) {
	ctx, span := obs.StartEvaluationSpan(ctx, sample.Key.Queue)
	defer span.End()

	qcfg := m.cfg.ResolveQueueConfig(sample.Key.Queue)
	current := m.pool.CurrentWorkers(sample.Key)

	capacity := m.capacityFor(cap, current)

	d := m.engine.Evaluate(engine.Input{
		Key:            sample.Key,
		Metrics:        sample.Metrics,
		Config:         autoscaler.QueueConfig(qcfg),
		CurrentWorkers: current,
		Capacity:       capacity,
	})

	obs.DecisionsMade.WithLabelValues(sample.Key.Queue, string(d.Action())).Inc()
	obs.CurrentWorkers.WithLabelValues(sample.Key.Queue).Set(float64(d.CurrentWorkers))
	obs.TargetWorkers.WithLabelValues(sample.Key.Queue).Set(float64(d.TargetWorkers))
	obs.PredictedPickupSeconds.WithLabelValues(sample.Key.Queue).Set(d.PredictedPickupSec)
	for _, f := range []autoscaler.LimitingFactor{autoscaler.LimitCPU, autoscaler.LimitMemory, autoscaler.LimitConfig, autoscaler.LimitStrategy, autoscaler.LimitUnavailable} {
		v := 0.0
		if f == d.Capacity.LimitingFactor {
			v = 1
		}
		obs.LimitingFactor.WithLabelValues(sample.Key.Queue, string(f)).Set(v)
	}

	m.sink.Publish(events.NewScalingDecisionMade(d))

	qs := m.queueStateFor(sample.Key)

	if d.Action() != autoscaler.ActionHold {
		if !m.cooldownElapsed(qs, qcfg.ScaleCooldownSec) {
			obs.CooldownHolds.WithLabelValues(sample.Key.Queue).Inc()
			m.log.Debug("hold: cooldown active", zap.String("queue", sample.Key.String()))
			obs.SetSpanSuccess(ctx)
			return
		}

		reconcileCtx, reconcileSpan := obs.StartReconcileSpan(ctx, sample.Key.Queue, d.CurrentWorkers, d.TargetWorkers)
		m.pool.Reconcile(reconcileCtx, sample.Key, d.TargetWorkers, d.Reason)
		reconcileSpan.End()

		obs.WorkersScaled.WithLabelValues(sample.Key.Queue, string(d.Action())).Inc()
		m.sink.Publish(events.NewWorkersScaled(sample.Key, d.CurrentWorkers, d.TargetWorkers, d.Action(), d.Reason))
		m.mu.Lock()
		qs.lastScaleActionAt = time.Now()
		m.mu.Unlock()
	}

	m.publishBreachTransition(sample.Key, d, qs)
	obs.SetSpanSuccess(ctx)
}

func (m *Manager) capacityFor(cap capacityInputs, currentWorkers int) autoscaler.CapacityBreakdown {
	if !cap.available {
		return calculators.UnavailableCapacity()
	}
	return calculators.Capacity(calculators.CapacityInputs{
		TotalCores:          cap.totalCores,
		ReserveCores:        m.cfg.Limits.ReserveCPUCores,
		CurrentCPUPercent:   cap.cpuPct,
		MaxCPUPercent:       m.cfg.Limits.MaxCPUPercent,
		TotalMemoryMB:       float64(cap.memoryBytes) / (1024 * 1024),
		CurrentMemPercent:   cap.memPct,
		MaxMemPercent:       m.cfg.Limits.MaxMemoryPercent,
		WorkerMemEstimateMB: m.cfg.Limits.WorkerMemoryMBEst,
		MaxTotalWorkers:     m.cfg.Limits.MaxTotalWorkers,
		CurrentWorkers:      currentWorkers,
	})
}

func (m *Manager) queueStateFor(key autoscaler.QueueKey) *queueState {
	m.mu.Lock()
	defer m.mu.Unlock()
	qs, ok := m.queues[key]
	if !ok {
		qs = &queueState{}
		m.queues[key] = qs
	}
	return qs
}

func (m *Manager) cooldownElapsed(qs *queueState, cooldownSec int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if qs.lastScaleActionAt.IsZero() {
		return true
	}
	return time.Since(qs.lastScaleActionAt) >= time.Duration(cooldownSec)*time.Second
}

func (m *Manager) publishBreachTransition(key autoscaler.QueueKey, d autoscaler.Decision, qs *queueState) {
	if d.SLATargetSec <= 0 {
		return
	}
	breached := d.PredictedPickupSec > float64(d.SLATargetSec)

	m.mu.Lock()
	was := qs.lastBreached
	qs.lastBreached = breached
	m.mu.Unlock()

	switch {
	case breached && !was:
		obs.SlaBreachesPredicted.WithLabelValues(key.Queue).Inc()
		m.sink.Publish(events.NewSlaBreachPredicted(key, d.PredictedPickupSec, d.SLATargetSec))
	case !breached && was:
		m.sink.Publish(events.NewSlaRecovered(key, d.PredictedPickupSec, d.SLATargetSec))
	}
}

type circuitOpenError struct{ source string }

func (e circuitOpenError) Error() string { return e.source + " circuit breaker open" }

func errCircuitOpen(source string) error { return circuitOpenError{source: source} }
