// Copyright 2025 James Ross
package calculators

import (
	"sync"
	"time"

	"github.com/flyingrobots/queue-autoscaler/internal/autoscaler"
)

// ArrivalRateEstimate is the result of one estimation call.
type ArrivalRateEstimate struct {
	Rate       float64
	Confidence float64
	Source     string
}

type arrivalSnapshot struct {
	lastBacklog    int
	lastObservedAt time.Time
	missedCycles   int
}

// ArrivalRateEstimator holds the per-queue (backlog, timestamp) history (C8)
// used by the arrival-rate calculation (C1). It is the sole owner of this
// state; callers must not reach into it directly.
type ArrivalRateEstimator struct {
	mu    sync.Mutex
	state map[autoscaler.QueueKey]*arrivalSnapshot
}

// NewArrivalRateEstimator returns an empty estimator.
func NewArrivalRateEstimator() *ArrivalRateEstimator {
	return &ArrivalRateEstimator{state: make(map[autoscaler.QueueKey]*arrivalSnapshot)}
}

// Estimate computes the arrival rate for one queue at one tick. Without a
// usable prior snapshot (none, too recent, or stale) it returns
// processingRate at a fixed low confidence; otherwise it adds the backlog
// growth rate and scales confidence down for short or long intervals and
// for backlog changes under 3 jobs. After computing a result it writes the
// new snapshot for next tick.
func (e *ArrivalRateEstimator) Estimate(key autoscaler.QueueKey, currentBacklog int, processingRate float64, now time.Time) ArrivalRateEstimate {
	e.mu.Lock()
	defer e.mu.Unlock()

	prior, ok := e.state[key]
	if !ok {
		e.state[key] = &arrivalSnapshot{lastBacklog: currentBacklog, lastObservedAt: now}
		return ArrivalRateEstimate{Rate: processingRate, Confidence: 0.3, Source: "no_history"}
	}

	interval := now.Sub(prior.lastObservedAt).Seconds()
	defer func() {
		prior.lastBacklog = currentBacklog
		prior.lastObservedAt = now
		prior.missedCycles = 0
	}()

	if interval < 1.0 {
		return ArrivalRateEstimate{Rate: processingRate, Confidence: 0.3, Source: "interval_too_short"}
	}
	if interval > 60.0 {
		return ArrivalRateEstimate{Rate: processingRate, Confidence: 0.4, Source: "history_stale"}
	}

	backlogGrowth := float64(currentBacklog-prior.lastBacklog) / interval
	arrivalRate := processingRate + backlogGrowth
	if arrivalRate < 0 {
		arrivalRate = 0
	}

	var confidence float64
	switch {
	case interval >= 5 && interval <= 30:
		confidence = 0.9
	case interval >= 2 && interval <= 60:
		confidence = 0.7
	default:
		confidence = 0.5
	}

	deltaBacklog := currentBacklog - prior.lastBacklog
	absDelta := deltaBacklog
	if absDelta < 0 {
		absDelta = -absDelta
	}
	if absDelta < 3 {
		confidence *= 0.6
	} else {
		frac := float64(absDelta) / 10.0
		if frac > 1 {
			frac = 1
		}
		confidence *= 0.7 + 0.3*frac
	}

	return ArrivalRateEstimate{Rate: arrivalRate, Confidence: confidence, Source: "measured"}
}

// Prune removes state for queues absent from seen for more than one
// consecutive cycle. Call once per tick with the set of queue keys present
// in that tick's metrics.
func (e *ArrivalRateEstimator) Prune(seen map[autoscaler.QueueKey]struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, snap := range e.state {
		if _, ok := seen[key]; ok {
			continue
		}
		snap.missedCycles++
		if snap.missedCycles > 1 {
			delete(e.state, key)
		}
	}
}
