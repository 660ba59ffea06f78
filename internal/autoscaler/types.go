// Copyright 2025 James Ross

// Package autoscaler holds the core data model shared by every component of
// the scaling pipeline: calculators, strategy, engine, policies, the worker
// pool, and the manager loop.
package autoscaler

import "time"

// QueueKey identifies a queue uniquely within a controller instance. It is
// the pair (connection, queue) — identity for all per-queue state. Queues
// are discovered from metrics; there is no separate registry.
type QueueKey struct {
	Connection string
	Queue      string
}

func (k QueueKey) String() string {
	if k.Connection == "" {
		return k.Queue
	}
	return k.Connection + "/" + k.Queue
}

// QueueConfig is an immutable record per queue. Once loaded for a cycle it
// must not be mutated.
type QueueConfig struct {
	MaxPickupTimeSec int
	MinWorkers       int
	MaxWorkers       int
	ScaleCooldownSec int
	BreachThreshold  float64
}

// QueueMetrics is a per-tick snapshot supplied by the MetricsSource. Any
// numeric field may be zero; calculators must never divide by one without
// checking first.
type QueueMetrics struct {
	Pending             int
	OldestJobAgeSec      int
	ThroughputPerMinute  float64
	AvgJobDurationMs     float64
	ActiveWorkers        int
	MeasuredAt           time.Time
	// TrendDirection and TrendConfidence are optional hints from a
	// trend-estimation collaborator (e.g. internal/trendhint). A zero
	// TrendConfidence means no hint is available.
	TrendDirection  TrendDirection
	TrendConfidence float64
}

// TrendDirection classifies a short-term backlog trend.
type TrendDirection int

const (
	TrendUnknown TrendDirection = iota
	TrendFalling
	TrendFlat
	TrendRising
)

// LimitingFactor names what bounded the final target worker count.
type LimitingFactor string

const (
	LimitCPU         LimitingFactor = "cpu"
	LimitMemory      LimitingFactor = "memory"
	LimitConfig      LimitingFactor = "config"
	LimitStrategy    LimitingFactor = "strategy"
	LimitUnavailable LimitingFactor = "unavailable"
)

// CapacityBreakdown is the result of the capacity calculator (C1).
type CapacityBreakdown struct {
	MaxByCPU       int
	MaxByMemory    int
	MaxByConfig    int
	FinalMax       int
	LimitingFactor LimitingFactor
}

// Action is the derived direction of a Decision.
type Action string

const (
	ActionScaleUp   Action = "scale_up"
	ActionScaleDown Action = "scale_down"
	ActionHold      Action = "hold"
)

// Decision is the result of the engine (C3) for one queue and tick, after
// the policy chain (C4) has had a chance to rewrite it.
type Decision struct {
	QueueKey           QueueKey
	CurrentWorkers     int
	TargetWorkers      int
	Reason             string
	PredictedPickupSec float64
	SLATargetSec       int
	Capacity           CapacityBreakdown
}

// Action derives the scaling direction from Current/Target.
func (d Decision) Action() Action {
	switch {
	case d.TargetWorkers > d.CurrentWorkers:
		return ActionScaleUp
	case d.TargetWorkers < d.CurrentWorkers:
		return ActionScaleDown
	default:
		return ActionHold
	}
}

// WorkersToAdd is max(target-current, 0).
func (d Decision) WorkersToAdd() int {
	if diff := d.TargetWorkers - d.CurrentWorkers; diff > 0 {
		return diff
	}
	return 0
}

// WorkersToRemove is max(current-target, 0).
func (d Decision) WorkersToRemove() int {
	if diff := d.CurrentWorkers - d.TargetWorkers; diff > 0 {
		return diff
	}
	return 0
}

// WorkerState is the lifecycle state of a single spawned process.
type WorkerState string

const (
	WorkerStarting WorkerState = "starting"
	WorkerRunning  WorkerState = "running"
	WorkerStopping WorkerState = "stopping"
	WorkerExited   WorkerState = "exited"
)

// Worker is owned exclusively by the worker pool (C5): one record per OS
// process the controller spawned, destroyed after reap.
type Worker struct {
	PID               int
	QueueKey          QueueKey
	StartedAt         time.Time
	State             WorkerState
	LastHealthCheckAt time.Time
	LastExitCode      *int
}
