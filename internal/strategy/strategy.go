// Copyright 2025 James Ross

// Package strategy combines calculator outputs into a worker-count
// recommendation with a human-readable explanation (C2).
package strategy

import (
	"fmt"
	"math"

	"github.com/flyingrobots/queue-autoscaler/internal/autoscaler"
	"github.com/flyingrobots/queue-autoscaler/internal/calculators"
)

// Recommendation is the output of a Strategy for one queue and tick.
type Recommendation struct {
	Workers            int
	Reason             string
	PredictedPickupSec float64
}

// Strategy is the capability set §9 describes: calculate a recommendation
// and explain it. The hybrid predictive strategy below is the only
// implementation this repository ships, but the interface allows a
// config-selected alternative (the `strategy` configuration key) without
// touching the engine.
type Strategy interface {
	Recommend(key autoscaler.QueueKey, metrics autoscaler.QueueMetrics, cfg autoscaler.QueueConfig) Recommendation
}

// Params configures the hybrid predictive strategy's tunables, normally
// sourced from config.Scaling.
type Params struct {
	FallbackJobTimeSec       float64
	MinArrivalRateConfidence float64
	TrendPolicy              TrendPolicy
}

// TrendPolicy selects the additive safety margin applied to the measured
// arrival rate (not a separate forecaster).
type TrendPolicy string

const (
	TrendPolicyDisabled  TrendPolicy = "disabled"
	TrendPolicyHint      TrendPolicy = "hint"
	TrendPolicyModerate  TrendPolicy = "moderate"
	TrendPolicyAggressive TrendPolicy = "aggressive"
)

func (p TrendPolicy) growthFactor() float64 {
	switch p {
	case TrendPolicyModerate:
		return 1.2
	case TrendPolicyAggressive:
		return 1.3
	case TrendPolicyDisabled:
		return 1.0
	default: // hint, or unrecognised
		return 1.1
	}
}

// Hybrid is the default strategy (§4.2): steady-state rate law +
// noise-tolerant arrival-rate estimation + backlog-drain with progressive
// urgency, combined by taking the max of three candidates.
type Hybrid struct {
	params    Params
	estimator *calculators.ArrivalRateEstimator
	clock     func() int64 // not read: Recommend takes "now" from metrics.MeasuredAt
}

// NewHybrid constructs the default strategy. estimator is shared across
// ticks (it owns C8's per-queue history) and must not be shared across
// controller instances with different queue sets.
func NewHybrid(params Params, estimator *calculators.ArrivalRateEstimator) *Hybrid {
	return &Hybrid{params: params, estimator: estimator}
}

func (h *Hybrid) Recommend(key autoscaler.QueueKey, m autoscaler.QueueMetrics, cfg autoscaler.QueueConfig) Recommendation {
	now := m.MeasuredAt

	// Step 1: avgJobTime
	var avgJobTime float64
	var avgJobTimeBranch string
	switch {
	case m.AvgJobDurationMs/1000.0 >= 0.01:
		avgJobTime = m.AvgJobDurationMs / 1000.0
		avgJobTimeBranch = "measured_duration"
	case m.ActiveWorkers > 0 && m.ThroughputPerMinute > 0:
		processingRatePerSec := m.ThroughputPerMinute / 60.0
		avgJobTime = float64(m.ActiveWorkers) / processingRatePerSec
		if avgJobTime > 600 {
			avgJobTime = 600
		}
		avgJobTimeBranch = "derived_from_throughput"
	default:
		avgJobTime = h.params.FallbackJobTimeSec
		avgJobTimeBranch = "fallback"
	}

	// Step 2: arrival rate estimation
	processingRate := m.ThroughputPerMinute / 60.0
	estimate := h.estimator.Estimate(key, m.Pending, processingRate, now)
	arrivalRate := processingRate
	arrivalSource := "processing_rate"
	if estimate.Confidence >= h.params.MinArrivalRateConfidence {
		arrivalRate = estimate.Rate
		arrivalSource = estimate.Source
	}

	// Step 3: backlog-urgency synthesis when arrival rate is still 0
	if arrivalRate == 0 && m.Pending >= 3 {
		urgency := 1.0
		if m.OldestJobAgeSec > 0 {
			denom := float64(cfg.MaxPickupTimeSec) / 2
			if denom < 1 {
				denom = 1
			}
			urgency = float64(m.OldestJobAgeSec) / denom
			if urgency > 2 {
				urgency = 2
			}
		}
		arrivalRate = (float64(m.Pending) / float64(cfg.MaxPickupTimeSec)) * urgency
		arrivalSource = "backlog_urgency_synthesis"
	}

	// Step 4: three candidates
	rateBased := calculators.RateLaw(arrivalRate, avgJobTime)

	growthFactor := h.params.TrendPolicy.growthFactor()
	if h.params.TrendPolicy != TrendPolicyDisabled && m.TrendDirection == autoscaler.TrendRising && m.TrendConfidence > 0.5 {
		growthFactor += 0.1
	}
	trendBased := calculators.RateLaw(arrivalRate*growthFactor, avgJobTime)

	backlogBased := calculators.BacklogDrain(m.Pending, m.OldestJobAgeSec, cfg.MaxPickupTimeSec, avgJobTime, cfg.BreachThreshold)

	// Step 5: recommendation
	maxCandidate := math.Max(rateBased, math.Max(trendBased, backlogBased))
	if maxCandidate < 0 {
		maxCandidate = 0
	}
	workers := int(math.Ceil(maxCandidate))

	// Step 6: human reason
	dominant := "rate"
	dominantValue := rateBased
	if trendBased > dominantValue {
		dominant = "trend"
		dominantValue = trendBased
	}
	if backlogBased > dominantValue {
		dominant = "backlog"
		dominantValue = backlogBased
	}
	reason := fmt.Sprintf("%s-dominated (avgJobTime=%s, arrivalSource=%s)", dominant, avgJobTimeBranch, arrivalSource)
	if math.Abs(arrivalRate-processingRate) > 1e-9 {
		if arrivalRate > processingRate {
			reason += ", backlog growing"
		} else {
			reason += ", backlog shrinking"
		}
	}

	// Step 7: predicted pickup time
	var predictedPickupSec float64
	if workers > 0 && m.Pending > 0 {
		predictedPickupSec = float64(m.Pending) / float64(workers) * avgJobTime
	}

	return Recommendation{Workers: workers, Reason: reason, PredictedPickupSec: predictedPickupSec}
}
