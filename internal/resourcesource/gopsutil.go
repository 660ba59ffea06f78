// Copyright 2025 James Ross

// Package resourcesource implements the default ResourceSource (§6) using
// gopsutil to read host-wide CPU and memory figures. The manager reads them
// once per tick and shares them across every queue's capacity calculation.
package resourcesource

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Limits is the host's total resource envelope.
type Limits struct {
	CPUCores    int
	MemoryBytes uint64
}

// Source is the default gopsutil-backed ResourceSource.
type Source struct{}

// New builds a gopsutil-backed resource source.
func New() *Source {
	return &Source{}
}

// Limits returns the host's total CPU core count and physical memory.
func (s *Source) Limits(ctx context.Context) (Limits, error) {
	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return Limits{}, err
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Limits{}, err
	}
	return Limits{CPUCores: cores, MemoryBytes: vm.Total}, nil
}

// CPUUsagePercent samples host CPU utilization over sampleDuration. A
// longer sample smooths transient spikes at the cost of evaluation
// latency; the manager samples over one second.
func (s *Source) CPUUsagePercent(ctx context.Context, sampleDuration time.Duration) (float64, error) {
	percentages, err := cpu.PercentWithContext(ctx, sampleDuration, false)
	if err != nil {
		return 0, err
	}
	if len(percentages) == 0 {
		return 0, nil
	}
	return percentages[0], nil
}

// MemoryUsedPercent returns the host's current memory utilization.
func (s *Source) MemoryUsedPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}
