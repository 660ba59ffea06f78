// Copyright 2025 James Ross
package metricssource

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newTestSource(t *testing.T) (*Source, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	src := New(rdb, "default", "jobqueue:", "jobqueue:processing:worker:%s", zap.NewNop())
	return src, mr
}

func TestListQueuesDiscoversByPrefix(t *testing.T) {
	src, mr := newTestSource(t)
	mr.Lpush("jobqueue:high", "job-1")
	mr.Lpush("jobqueue:high", "job-2")
	mr.Lpush("jobqueue:low", "job-3")

	samples, err := src.ListQueues(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("expected 2 discovered queues, got %d", len(samples))
	}
	byName := map[string]int{}
	for _, s := range samples {
		byName[s.Key.Queue] = s.Metrics.Pending
	}
	if byName["high"] != 2 {
		t.Fatalf("expected high queue pending=2, got %d", byName["high"])
	}
	if byName["low"] != 1 {
		t.Fatalf("expected low queue pending=1, got %d", byName["low"])
	}
}

func TestListQueuesExcludesProcessingAndAgesKeys(t *testing.T) {
	src, mr := newTestSource(t)
	mr.Lpush("jobqueue:high", "job-1")
	mr.Lpush("jobqueue:worker-1:processing", "job-2")
	mr.ZAdd("jobqueue:high:ages", 1, "job-1")

	samples, err := src.ListQueues(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(samples) != 1 {
		t.Fatalf("expected only the real queue to be discovered, got %d", len(samples))
	}
}

func TestOldestJobAgeDerivedFromSortedSet(t *testing.T) {
	src, mr := newTestSource(t)
	mr.Lpush("jobqueue:high", "job-1")
	enqueuedAt := time.Now().Add(-45 * time.Second)
	mr.ZAdd("jobqueue:high:ages", float64(enqueuedAt.Unix()), "job-1")

	samples, err := src.ListQueues(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(samples) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(samples))
	}
	age := samples[0].Metrics.OldestJobAgeSec
	if age < 40 || age > 50 {
		t.Fatalf("expected oldest job age near 45s, got %d", age)
	}
}

func TestActiveWorkersCountedFromHeartbeats(t *testing.T) {
	src, mr := newTestSource(t)
	mr.Lpush("jobqueue:high", "job-1")
	mr.Set("jobqueue:processing:worker:w1", "x")
	mr.Set("jobqueue:processing:worker:w2", "x")

	samples, err := src.ListQueues(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if samples[0].Metrics.ActiveWorkers != 2 {
		t.Fatalf("expected 2 active workers, got %d", samples[0].Metrics.ActiveWorkers)
	}
}

func TestThroughputIsZeroOnFirstSample(t *testing.T) {
	src, mr := newTestSource(t)
	mr.Lpush("jobqueue:high", "job-1")
	mr.Set("jobqueue:high:completed_count", "100")

	samples, err := src.ListQueues(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if samples[0].Metrics.ThroughputPerMinute != 0 {
		t.Fatalf("expected 0 throughput before a second sample establishes a delta, got %v", samples[0].Metrics.ThroughputPerMinute)
	}
}
