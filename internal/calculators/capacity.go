// Copyright 2025 James Ross
package calculators

import (
	"math"

	"github.com/flyingrobots/queue-autoscaler/internal/autoscaler"
)

// unboundedWorkers stands in for "no configured ceiling" (MaxTotalWorkers
// == 0) without overflowing int arithmetic downstream.
const unboundedWorkers = math.MaxInt32

// CapacityInputs gathers everything the capacity calculator needs for one
// queue's evaluation. CurrentWorkers is the pool's own live count for that
// queue (never the metrics source's activeWorkers).
type CapacityInputs struct {
	TotalCores          float64
	ReserveCores        float64
	CurrentCPUPercent   float64
	MaxCPUPercent       float64
	TotalMemoryMB       float64
	CurrentMemPercent   float64
	MaxMemPercent       float64
	WorkerMemEstimateMB float64
	MaxTotalWorkers     int
	CurrentWorkers      int
}

// UnavailableCapacity returns the documented conservative fallback used
// when the resource source cannot be read.
func UnavailableCapacity() autoscaler.CapacityBreakdown {
	return autoscaler.CapacityBreakdown{
		MaxByCPU:       5,
		MaxByMemory:    5,
		MaxByConfig:    unboundedWorkers,
		FinalMax:       5,
		LimitingFactor: autoscaler.LimitUnavailable,
	}
}

// Capacity computes a CapacityBreakdown from resource observations. A
// running worker never self-evicts through its own observed load: the
// additional headroom is added to CurrentWorkers, not computed from zero.
func Capacity(in CapacityInputs) autoscaler.CapacityBreakdown {
	usableCores := in.TotalCores - in.ReserveCores
	if usableCores < 1 {
		usableCores = 1
	}

	cpuHeadroom := in.MaxCPUPercent - in.CurrentCPUPercent
	if cpuHeadroom < 0 {
		cpuHeadroom = 0
	}
	additionalByCPU := int(math.Floor(usableCores * cpuHeadroom / 100))
	maxByCPU := in.CurrentWorkers + additionalByCPU

	memHeadroom := in.MaxMemPercent - in.CurrentMemPercent
	if memHeadroom < 0 {
		memHeadroom = 0
	}
	var additionalByMemory int
	if in.WorkerMemEstimateMB > 0 {
		additionalByMemory = int(math.Floor(in.TotalMemoryMB * memHeadroom / 100 / in.WorkerMemEstimateMB))
	}
	maxByMemory := in.CurrentWorkers + additionalByMemory

	maxByConfig := in.MaxTotalWorkers
	if maxByConfig <= 0 {
		maxByConfig = unboundedWorkers
	}

	finalMax := minInt(maxByCPU, maxByMemory, maxByConfig)

	factor := autoscaler.LimitCPU
	smallest := maxByCPU
	if maxByMemory < smallest {
		smallest = maxByMemory
		factor = autoscaler.LimitMemory
	}
	if maxByConfig < smallest {
		factor = autoscaler.LimitConfig
	}

	return autoscaler.CapacityBreakdown{
		MaxByCPU:       maxByCPU,
		MaxByMemory:    maxByMemory,
		MaxByConfig:    maxByConfig,
		FinalMax:       finalMax,
		LimitingFactor: factor,
	}
}

func minInt(values ...int) int {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
