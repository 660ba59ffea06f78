// Copyright 2025 James Ross

// Package workerpool implements the worker pool (C5): it reconciles a
// queue's live worker count toward a target, spawning new processes or
// gracefully retiring existing ones, and periodically polls for dead
// workers the way the teacher's reaper scans abandoned processing lists.
package workerpool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/flyingrobots/queue-autoscaler/internal/autoscaler"
	"github.com/flyingrobots/queue-autoscaler/internal/launcher"
	"github.com/flyingrobots/queue-autoscaler/internal/obs"
	"go.uber.org/zap"
)

// Launcher is the capability the pool needs from a WorkerLauncher. The
// concrete os/exec implementation lives in internal/launcher.
type Launcher interface {
	Spawn(ctx context.Context, opts launcher.Options, tries int, timeout, sleepBetween time.Duration) (*launcher.Handle, error)
	Stop(h *launcher.Handle) error
	Wait(h *launcher.Handle, timeout time.Duration) (int, bool)
	Kill(h *launcher.Handle) error
}

// Params configures spawn/termination behaviour, sourced from config.Workers.
type Params struct {
	SpawnTries             int
	SpawnTimeout           time.Duration
	SpawnSleep             time.Duration
	ShutdownTimeout        time.Duration
	HealthCheckInterval    time.Duration
}

type entry struct {
	worker autoscaler.Worker
	handle *launcher.Handle
}

// Pool tracks every worker process the controller has spawned, as a list
// of entries per queue.
type Pool struct {
	launcher Launcher
	params   Params
	log      *zap.Logger

	mu       sync.Mutex
	byQueue  map[autoscaler.QueueKey][]*entry
	draining bool
}

// New builds an empty worker pool.
func New(l Launcher, params Params, log *zap.Logger) *Pool {
	return &Pool{
		launcher: l,
		params:   params,
		log:      log,
		byQueue:  make(map[autoscaler.QueueKey][]*entry),
	}
}

// CurrentWorkers returns the number of workers the pool considers live
// (starting or running) for key. The manager reads this, never metrics'
// ActiveWorkers, as the authoritative current worker count.
func (p *Pool) CurrentWorkers(key autoscaler.QueueKey) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.byQueue[key] {
		if e.worker.State == autoscaler.WorkerStarting || e.worker.State == autoscaler.WorkerRunning {
			n++
		}
	}
	return n
}

// Reconcile drives a queue's live worker count toward target, spawning new
// workers or retiring the longest-uptime ones first. It is idempotent:
// calling it again with the same target and no state change is a no-op.
func (p *Pool) Reconcile(ctx context.Context, key autoscaler.QueueKey, target int, reason string) {
	p.mu.Lock()
	draining := p.draining
	current := p.liveLocked(key)
	p.mu.Unlock()

	switch {
	case target > len(current):
		if draining {
			return
		}
		for i := 0; i < target-len(current); i++ {
			p.spawnOne(ctx, key, reason)
		}
	case target < len(current):
		toStop := selectLongestUptime(current, len(current)-target)
		for _, e := range toStop {
			go p.terminate(e)
		}
	}
}

// liveLocked returns the starting/running entries for key. Caller holds
// p.mu; the returned slice is a fresh copy and may be used after the lock
// is released.
func (p *Pool) liveLocked(key autoscaler.QueueKey) []*entry {
	var live []*entry
	for _, e := range p.byQueue[key] {
		if e.worker.State == autoscaler.WorkerStarting || e.worker.State == autoscaler.WorkerRunning {
			live = append(live, e)
		}
	}
	return live
}

// selectLongestUptime returns the n entries with the earliest StartedAt,
// i.e. those that have been running longest — §4.5's "preferring those
// with the longest uptime" for scale-down selection.
func selectLongestUptime(entries []*entry, n int) []*entry {
	sorted := append([]*entry{}, entries...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].worker.StartedAt.Before(sorted[j].worker.StartedAt)
	})
	if n > len(sorted) {
		n = len(sorted)
	}
	return sorted[:n]
}

func (p *Pool) spawnOne(ctx context.Context, key autoscaler.QueueKey, reason string) {
	h, err := p.launcher.Spawn(ctx, launcher.Options{Connection: key.Connection, Queue: key.Queue},
		p.params.SpawnTries, p.params.SpawnTimeout, p.params.SpawnSleep)
	if err != nil {
		obs.SpawnFailures.WithLabelValues(key.Queue).Inc()
		p.log.Error("failed to spawn worker", zap.String("queue", key.String()), zap.String("reason", reason), zap.Error(err))
		return
	}
	e := &entry{
		worker: autoscaler.Worker{
			PID:       h.PID(),
			QueueKey:  key,
			StartedAt: time.Now(),
			State:     autoscaler.WorkerRunning,
		},
		handle: h,
	}
	p.mu.Lock()
	p.byQueue[key] = append(p.byQueue[key], e)
	p.mu.Unlock()
	p.log.Info("worker spawned", zap.String("queue", key.String()), zap.Int("pid", h.PID()), zap.String("reason", reason))
}

// terminate runs the graceful-then-forced shutdown sequence for a single
// worker: polite signal, bounded wait, escalate to kill. The entry is then
// marked exited and removed from the pool, even if the wait after the kill
// also timed out.
func (p *Pool) terminate(e *entry) {
	p.setState(e, autoscaler.WorkerStopping)

	if err := p.launcher.Stop(e.handle); err != nil {
		p.log.Warn("stop signal failed", zap.Int("pid", e.worker.PID), zap.Error(err))
	}

	code, ok := p.launcher.Wait(e.handle, p.params.ShutdownTimeout)
	if !ok {
		p.log.Warn("worker did not exit within shutdown timeout, escalating to kill", zap.Int("pid", e.worker.PID))
		if err := p.launcher.Kill(e.handle); err != nil {
			p.log.Error("kill failed", zap.Int("pid", e.worker.PID), zap.Error(err))
		}
		code, _ = p.launcher.Wait(e.handle, p.params.ShutdownTimeout)
	}

	exitCode := code
	p.mu.Lock()
	e.worker.State = autoscaler.WorkerExited
	e.worker.LastExitCode = &exitCode
	p.removeLocked(e)
	p.mu.Unlock()
	p.log.Info("worker exited", zap.Int("pid", e.worker.PID), zap.Int("exit_code", exitCode))
}

func (p *Pool) setState(e *entry, state autoscaler.WorkerState) {
	p.mu.Lock()
	e.worker.State = state
	p.mu.Unlock()
}

// removeLocked drops an exited entry from its queue's slice. Caller holds p.mu.
func (p *Pool) removeLocked(e *entry) {
	list := p.byQueue[e.worker.QueueKey]
	for i, cand := range list {
		if cand == e {
			p.byQueue[e.worker.QueueKey] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// HealthCheck polls every tracked worker for liveness, the way the
// teacher's reaper periodically scans for abandoned processing lists. A
// worker found dead without having gone through terminate is marked
// exited and removed, and its exit code recorded if available.
func (p *Pool) HealthCheck(ctx context.Context) {
	p.mu.Lock()
	var all []*entry
	for _, list := range p.byQueue {
		all = append(all, list...)
	}
	p.mu.Unlock()

	for _, e := range all {
		if e.worker.State != autoscaler.WorkerRunning {
			continue
		}
		code, exited := p.launcher.Wait(e.handle, 0)
		if exited {
			p.mu.Lock()
			e.worker.State = autoscaler.WorkerExited
			e.worker.LastExitCode = &code
			p.removeLocked(e)
			p.mu.Unlock()
			p.log.Warn("worker found dead during health check", zap.Int("pid", e.worker.PID), zap.Int("exit_code", code))
			continue
		}
		p.mu.Lock()
		e.worker.LastHealthCheckAt = time.Now()
		p.mu.Unlock()
	}
}

// Shutdown reconciles every tracked queue to zero workers and blocks until
// all have exited or overallTimeout elapses. No new spawns are accepted
// once Shutdown has been called.
func (p *Pool) Shutdown(ctx context.Context, overallTimeout time.Duration) {
	p.mu.Lock()
	p.draining = true
	keys := make([]autoscaler.QueueKey, 0, len(p.byQueue))
	for k := range p.byQueue {
		keys = append(keys, k)
	}
	p.mu.Unlock()

	deadline := time.Now().Add(overallTimeout)
	for _, k := range keys {
		p.Reconcile(ctx, k, 0, "shutdown")
	}

	for time.Now().Before(deadline) {
		if p.totalLive() == 0 {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	p.log.Warn("shutdown timeout elapsed with workers still outstanding", zap.Int("remaining", p.totalLive()))
}

func (p *Pool) totalLive() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, list := range p.byQueue {
		n += len(list)
	}
	return n
}
