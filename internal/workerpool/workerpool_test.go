// Copyright 2025 James Ross
package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flyingrobots/queue-autoscaler/internal/autoscaler"
	"github.com/flyingrobots/queue-autoscaler/internal/launcher"
	"go.uber.org/zap"
)

// fakeLauncher simulates process lifecycles in memory so pool tests never
// touch os/exec.
type fakeLauncher struct {
	mu       sync.Mutex
	nextPID  int32
	stopped  map[int]bool
	killed   map[int]bool
	exited   map[int]bool
	failNext bool
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{stopped: map[int]bool{}, killed: map[int]bool{}, exited: map[int]bool{}}
}

func (f *fakeLauncher) Spawn(ctx context.Context, opts launcher.Options, tries int, timeout, sleep time.Duration) (*launcher.Handle, error) {
	if f.failNext {
		f.failNext = false
		return nil, context.DeadlineExceeded
	}
	pid := int(atomic.AddInt32(&f.nextPID, 1))
	return handleWithPID(pid), nil
}

func (f *fakeLauncher) Stop(h *launcher.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped[h.PID()] = true
	f.exited[h.PID()] = true
	return nil
}

func (f *fakeLauncher) Wait(h *launcher.Handle, timeout time.Duration) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exited[h.PID()] {
		return 0, true
	}
	return 0, false
}

func (f *fakeLauncher) Kill(h *launcher.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed[h.PID()] = true
	f.exited[h.PID()] = true
	return nil
}

// handleWithPID builds a launcher.Handle carrying only a PID, using the
// package's exported surface; workerpool only ever calls PID() on it.
func handleWithPID(pid int) *launcher.Handle {
	return launcher.NewTestHandle(pid)
}

func defaultParams() Params {
	return Params{SpawnTries: 1, SpawnTimeout: time.Second, SpawnSleep: time.Millisecond, ShutdownTimeout: 200 * time.Millisecond}
}

func TestReconcileSpawnsUpToTarget(t *testing.T) {
	fl := newFakeLauncher()
	p := New(fl, defaultParams(), zap.NewNop())
	key := autoscaler.QueueKey{Queue: "q"}

	p.Reconcile(context.Background(), key, 3, "scale_up")
	if got := p.CurrentWorkers(key); got != 3 {
		t.Fatalf("expected 3 workers after reconcile, got %d", got)
	}
}

func TestReconcileScalesDownLongestUptimeFirst(t *testing.T) {
	fl := newFakeLauncher()
	p := New(fl, defaultParams(), zap.NewNop())
	key := autoscaler.QueueKey{Queue: "q"}

	p.Reconcile(context.Background(), key, 3, "scale_up")
	time.Sleep(10 * time.Millisecond)

	p.Reconcile(context.Background(), key, 1, "scale_down")
	// terminate runs asynchronously; give it a moment to complete.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if p.CurrentWorkers(key) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := p.CurrentWorkers(key); got != 1 {
		t.Fatalf("expected pool to settle at 1 worker, got %d", got)
	}
}

func TestReconcileIsIdempotentAtSameTarget(t *testing.T) {
	fl := newFakeLauncher()
	p := New(fl, defaultParams(), zap.NewNop())
	key := autoscaler.QueueKey{Queue: "q"}

	p.Reconcile(context.Background(), key, 2, "scale_up")
	p.Reconcile(context.Background(), key, 2, "scale_up")
	if got := p.CurrentWorkers(key); got != 2 {
		t.Fatalf("expected reconcile at the same target to be a no-op, got %d", got)
	}
}

func TestShutdownStopsAllWorkersAndBlocksNewSpawns(t *testing.T) {
	fl := newFakeLauncher()
	p := New(fl, defaultParams(), zap.NewNop())
	key := autoscaler.QueueKey{Queue: "q"}

	p.Reconcile(context.Background(), key, 2, "scale_up")
	p.Shutdown(context.Background(), time.Second)

	if got := p.CurrentWorkers(key); got != 0 {
		t.Fatalf("expected 0 workers after shutdown, got %d", got)
	}

	p.Reconcile(context.Background(), key, 5, "scale_up")
	if got := p.CurrentWorkers(key); got != 0 {
		t.Fatalf("expected no new spawns after shutdown began, got %d", got)
	}
}

func TestHealthCheckRemovesDeadWorkers(t *testing.T) {
	fl := newFakeLauncher()
	p := New(fl, defaultParams(), zap.NewNop())
	key := autoscaler.QueueKey{Queue: "q"}

	p.Reconcile(context.Background(), key, 1, "scale_up")
	if got := p.CurrentWorkers(key); got != 1 {
		t.Fatalf("expected 1 worker, got %d", got)
	}

	p.mu.Lock()
	for _, e := range p.byQueue[key] {
		fl.exited[e.worker.PID] = true
	}
	p.mu.Unlock()

	p.HealthCheck(context.Background())
	if got := p.CurrentWorkers(key); got != 0 {
		t.Fatalf("expected dead worker to be removed, got %d still counted", got)
	}
}

func TestSpawnFailureDoesNotPanicOrLeaveGhostEntry(t *testing.T) {
	fl := newFakeLauncher()
	fl.failNext = true
	p := New(fl, defaultParams(), zap.NewNop())
	key := autoscaler.QueueKey{Queue: "q"}

	p.Reconcile(context.Background(), key, 1, "scale_up")
	if got := p.CurrentWorkers(key); got != 0 {
		t.Fatalf("expected no worker recorded after a failed spawn, got %d", got)
	}
}
