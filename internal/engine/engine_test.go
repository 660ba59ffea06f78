// Copyright 2025 James Ross
package engine

import (
	"testing"

	"github.com/flyingrobots/queue-autoscaler/internal/autoscaler"
	"github.com/flyingrobots/queue-autoscaler/internal/policy"
	"github.com/flyingrobots/queue-autoscaler/internal/strategy"
	"go.uber.org/zap"
)

// fixedStrategy always recommends the same worker count, for engine-level
// tests that don't need the real recommendation math.
type fixedStrategy struct {
	workers int
}

func (f fixedStrategy) Recommend(autoscaler.QueueKey, autoscaler.QueueMetrics, autoscaler.QueueConfig) strategy.Recommendation {
	return strategy.Recommendation{Workers: f.workers, Reason: "fixed"}
}

// Scenario S6: recommendation=50, capacity.finalMax=8, config.max=30 ->
// target=8, limiting factor carried from the capacity breakdown.
func TestScenarioS6CapacityLimited(t *testing.T) {
	e := New(fixedStrategy{workers: 50}, nil)
	in := Input{
		Key:            autoscaler.QueueKey{Queue: "q"},
		Config:         autoscaler.QueueConfig{MinWorkers: 1, MaxWorkers: 30},
		CurrentWorkers: 6,
		Capacity: autoscaler.CapacityBreakdown{
			MaxByCPU:       8,
			MaxByMemory:    12,
			MaxByConfig:    100,
			FinalMax:       8,
			LimitingFactor: autoscaler.LimitCPU,
		},
	}
	d := e.Evaluate(in)
	if d.TargetWorkers != 8 {
		t.Fatalf("S6: expected target 8, got %d", d.TargetWorkers)
	}
	if d.Capacity.LimitingFactor != autoscaler.LimitCPU && d.Capacity.LimitingFactor != autoscaler.LimitMemory {
		t.Fatalf("S6: expected a capacity-derived limiting factor, got %s", d.Capacity.LimitingFactor)
	}
}

func TestEngineNeverExceedsConfigMax(t *testing.T) {
	e := New(fixedStrategy{workers: 1000}, nil)
	in := Input{
		Key:            autoscaler.QueueKey{Queue: "q"},
		Config:         autoscaler.QueueConfig{MinWorkers: 0, MaxWorkers: 20},
		CurrentWorkers: 5,
		Capacity:       autoscaler.CapacityBreakdown{FinalMax: 500, LimitingFactor: autoscaler.LimitStrategy},
	}
	d := e.Evaluate(in)
	if d.TargetWorkers != 20 {
		t.Fatalf("expected target clamped to config max 20, got %d", d.TargetWorkers)
	}
	if d.Capacity.LimitingFactor != autoscaler.LimitConfig {
		t.Fatalf("expected limiting factor config, got %s", d.Capacity.LimitingFactor)
	}
}

func TestEngineNeverBelowConfigMin(t *testing.T) {
	e := New(fixedStrategy{workers: 0}, nil)
	in := Input{
		Key:            autoscaler.QueueKey{Queue: "q"},
		Config:         autoscaler.QueueConfig{MinWorkers: 3, MaxWorkers: 20},
		CurrentWorkers: 3,
		Capacity:       autoscaler.CapacityBreakdown{FinalMax: 20, LimitingFactor: autoscaler.LimitStrategy},
	}
	d := e.Evaluate(in)
	if d.TargetWorkers != 3 {
		t.Fatalf("expected target floored at config min 3, got %d", d.TargetWorkers)
	}
	if d.Capacity.LimitingFactor != autoscaler.LimitStrategy {
		t.Fatalf("expected limiting factor strategy, got %s", d.Capacity.LimitingFactor)
	}
}

func TestEngineTargetNeverNegative(t *testing.T) {
	e := New(fixedStrategy{workers: 0}, nil)
	in := Input{
		Key:            autoscaler.QueueKey{Queue: "q"},
		Config:         autoscaler.QueueConfig{MinWorkers: 0, MaxWorkers: 10},
		CurrentWorkers: 0,
		Capacity:       autoscaler.CapacityBreakdown{FinalMax: 10, LimitingFactor: autoscaler.LimitStrategy},
	}
	d := e.Evaluate(in)
	if d.TargetWorkers < 0 {
		t.Fatalf("target must never be negative, got %d", d.TargetWorkers)
	}
}

// Scenario S5 run through the full engine with the policy chain attached:
// current=10, recommendation=2, conservative-scale-down -> target=9.
func TestEngineRunsPolicyChain(t *testing.T) {
	chain := policy.NewChain(zap.NewNop(), policy.ConservativeScaleDown{})
	e := New(fixedStrategy{workers: 2}, chain)
	in := Input{
		Key:            autoscaler.QueueKey{Queue: "q"},
		Config:         autoscaler.QueueConfig{MinWorkers: 0, MaxWorkers: 20},
		CurrentWorkers: 10,
		Capacity:       autoscaler.CapacityBreakdown{FinalMax: 20, LimitingFactor: autoscaler.LimitStrategy},
	}
	d := e.Evaluate(in)
	if d.TargetWorkers != 9 {
		t.Fatalf("S5 via engine: expected target 9, got %d", d.TargetWorkers)
	}
}

// A saturated host with no current workers yields capacity.FinalMax==0
// (zero headroom, nothing running yet to add headroom to). The clamp must
// honor that zero rather than treating it as "capacity unknown".
func TestEngineClampsToZeroCapacityOnSaturatedHost(t *testing.T) {
	e := New(fixedStrategy{workers: 12}, nil)
	in := Input{
		Key:            autoscaler.QueueKey{Queue: "q"},
		Config:         autoscaler.QueueConfig{MinWorkers: 0, MaxWorkers: 20},
		CurrentWorkers: 0,
		Capacity:       autoscaler.CapacityBreakdown{MaxByCPU: 0, MaxByMemory: 0, FinalMax: 0, LimitingFactor: autoscaler.LimitCPU},
	}
	d := e.Evaluate(in)
	if d.TargetWorkers != 0 {
		t.Fatalf("expected target clamped to 0 on a saturated host, got %d", d.TargetWorkers)
	}
	if d.Capacity.LimitingFactor != autoscaler.LimitCPU && d.Capacity.LimitingFactor != autoscaler.LimitMemory {
		t.Fatalf("expected a capacity-derived limiting factor, got %s", d.Capacity.LimitingFactor)
	}
}

func TestEngineHoldWhenRecommendationMatchesCurrent(t *testing.T) {
	e := New(fixedStrategy{workers: 5}, nil)
	in := Input{
		Key:            autoscaler.QueueKey{Queue: "q"},
		Config:         autoscaler.QueueConfig{MinWorkers: 0, MaxWorkers: 20},
		CurrentWorkers: 5,
		Capacity:       autoscaler.CapacityBreakdown{FinalMax: 20, LimitingFactor: autoscaler.LimitStrategy},
	}
	d := e.Evaluate(in)
	if d.Action() != autoscaler.ActionHold {
		t.Fatalf("expected hold action, got %s", d.Action())
	}
}
