// Copyright 2025 James Ross

// Package engine implements the scaling engine (C3): it asks a strategy for
// a recommendation, clamps it against capacity and per-queue bounds, decides
// the final limiting factor, and runs the decision through the policy
// chain.
package engine

import (
	"github.com/flyingrobots/queue-autoscaler/internal/autoscaler"
	"github.com/flyingrobots/queue-autoscaler/internal/policy"
	"github.com/flyingrobots/queue-autoscaler/internal/strategy"
)

// Input bundles everything the engine needs for one queue's evaluation.
// Capacity is computed by the manager for each queue, from host resource
// readings taken once per tick and that queue's current worker count, and
// passed in rather than fetched here.
type Input struct {
	Key            autoscaler.QueueKey
	Metrics        autoscaler.QueueMetrics
	Config         autoscaler.QueueConfig
	CurrentWorkers int
	Capacity       autoscaler.CapacityBreakdown
}

// Engine is the capability set §9 describes for C3.
type Engine struct {
	strategy strategy.Strategy
	chain    *policy.Chain
}

// New builds an engine from a strategy implementation and a policy chain.
// A nil chain is treated as an empty one.
func New(s strategy.Strategy, chain *policy.Chain) *Engine {
	return &Engine{strategy: s, chain: chain}
}

// Evaluate runs the full per-queue pipeline (§4.3) for one tick and returns
// the committed Decision after the policy chain has run.
func (e *Engine) Evaluate(in Input) autoscaler.Decision {
	rec := e.strategy.Recommend(in.Key, in.Metrics, in.Config)

	afterCapacity := rec.Workers
	if afterCapacity > in.Capacity.FinalMax {
		afterCapacity = in.Capacity.FinalMax
	}

	target := clamp(afterCapacity, in.Config.MinWorkers, in.Config.MaxWorkers)

	limitingFactor := finalLimitingFactor(target, afterCapacity, rec.Workers, in.Config, in.Capacity)

	capacity := in.Capacity
	capacity.FinalMax = target
	capacity.LimitingFactor = limitingFactor

	d := autoscaler.Decision{
		QueueKey:           in.Key,
		CurrentWorkers:     in.CurrentWorkers,
		TargetWorkers:      target,
		Reason:             rec.Reason,
		PredictedPickupSec: rec.PredictedPickupSec,
		SLATargetSec:       in.Config.MaxPickupTimeSec,
		Capacity:           capacity,
	}

	if e.chain != nil {
		d = e.chain.Run(d)
	}
	return d
}

// finalLimitingFactor implements §4.3 step 5's four-branch determination of
// what actually bounded the target worker count, after config clamping has
// been applied on top of the capacity-derived value.
func finalLimitingFactor(target, afterCapacity, recommended int, cfg autoscaler.QueueConfig, cap autoscaler.CapacityBreakdown) autoscaler.LimitingFactor {
	switch {
	case target == cfg.MaxWorkers && afterCapacity > cfg.MaxWorkers:
		return autoscaler.LimitConfig
	case target > afterCapacity && target == cfg.MinWorkers:
		return autoscaler.LimitStrategy
	case afterCapacity < recommended:
		return cap.LimitingFactor
	default:
		return autoscaler.LimitStrategy
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if hi > 0 && v > hi {
		return hi
	}
	return v
}
