// Copyright 2025 James Ross

// Package metricssource implements the default MetricsSource (§6): it
// discovers queues and samples their backlog, age, and throughput from
// Redis, extending the teacher's LLEN-polling pattern with sorted-set
// timestamps for oldest-job-age and heartbeat-key counting for active
// workers.
package metricssource

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/flyingrobots/queue-autoscaler/internal/autoscaler"
	"github.com/flyingrobots/queue-autoscaler/internal/trendhint"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// QueueSample is one discovered queue's metrics snapshot, trend hint
// included.
type QueueSample struct {
	Key     autoscaler.QueueKey
	Metrics autoscaler.QueueMetrics
}

// Source is the default Redis-backed MetricsSource. A queue is discovered
// the moment its list key matches the configured prefix pattern; there is
// no separate registry to keep in sync.
type Source struct {
	rdb              *redis.Client
	connection       string
	queuePrefix      string
	heartbeatPattern string
	log              *zap.Logger

	mu       chanMutex
	trends   map[autoscaler.QueueKey]*trendhint.Estimator
	throughput map[autoscaler.QueueKey]*throughputTracker
}

// chanMutex is a trivial mutex built on a buffered channel, matching the
// lightweight style of locking the teacher favors for small hot paths.
type chanMutex chan struct{}

func newChanMutex() chanMutex {
	m := make(chanMutex, 1)
	m <- struct{}{}
	return m
}

func (m chanMutex) Lock()   { <-m }
func (m chanMutex) Unlock() { m <- struct{}{} }

// throughputTracker derives ThroughputPerMinute from completions observed
// between polls, since Redis lists alone don't record a processing rate.
type throughputTracker struct {
	lastCompleted int64
	lastSampledAt time.Time
}

// New builds a metrics source polling queues under queuePrefix. connection
// names this controller's Redis connection for QueueKey purposes (the spec
// allows multiple named connections; cmd/queue-autoscale only wires
// one).
func New(rdb *redis.Client, connection, queuePrefix, heartbeatPattern string, log *zap.Logger) *Source {
	return &Source{
		rdb:              rdb,
		connection:       connection,
		queuePrefix:      queuePrefix,
		heartbeatPattern: heartbeatPattern,
		log:              log,
		mu:               newChanMutex(),
		trends:           make(map[autoscaler.QueueKey]*trendhint.Estimator),
		throughput:       make(map[autoscaler.QueueKey]*throughputTracker),
	}
}

// ListQueues discovers every queue key matching the configured prefix and
// returns a metrics snapshot for each.
func (s *Source) ListQueues(ctx context.Context) ([]QueueSample, error) {
	names, err := s.discoverQueueNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover queues: %w", err)
	}

	samples := make([]QueueSample, 0, len(names))
	for _, name := range names {
		m, err := s.sample(ctx, name)
		if err != nil {
			s.log.Warn("metrics sample failed", zap.String("queue", name), zap.Error(err))
			continue
		}
		samples = append(samples, QueueSample{
			Key:     autoscaler.QueueKey{Connection: s.connection, Queue: name},
			Metrics: m,
		})
	}
	return samples, nil
}

func (s *Source) discoverQueueNames(ctx context.Context) ([]string, error) {
	var names []string
	var cursor uint64
	pattern := s.queuePrefix + "*"
	for {
		keys, cur, err := s.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		cursor = cur
		for _, k := range keys {
			if strings.HasSuffix(k, ":processing") || strings.HasSuffix(k, ":ages") {
				continue
			}
			names = append(names, strings.TrimPrefix(k, s.queuePrefix))
		}
		if cursor == 0 {
			break
		}
	}
	return names, nil
}

// sample reads one queue's backlog (LLEN), oldest job age (from a sorted
// set of enqueue timestamps keyed by queue), and active worker count (from
// heartbeat keys), then mixes in an EWMA trend hint keyed on the backlog
// series.
func (s *Source) sample(ctx context.Context, name string) (autoscaler.QueueMetrics, error) {
	listKey := s.queuePrefix + name
	agesKey := listKey + ":ages"

	pending, err := s.rdb.LLen(ctx, listKey).Result()
	if err != nil {
		return autoscaler.QueueMetrics{}, err
	}

	oldestAge, err := s.oldestJobAge(ctx, agesKey)
	if err != nil {
		return autoscaler.QueueMetrics{}, err
	}

	active, err := s.countHeartbeats(ctx, name)
	if err != nil {
		return autoscaler.QueueMetrics{}, err
	}

	now := time.Now()
	key := autoscaler.QueueKey{Connection: s.connection, Queue: name}
	throughput := s.throughputPerMinute(ctx, key, now)

	hint := s.trendHint(key, float64(pending))

	return autoscaler.QueueMetrics{
		Pending:             int(pending),
		OldestJobAgeSec:     oldestAge,
		ThroughputPerMinute: throughput,
		ActiveWorkers:       active,
		MeasuredAt:          now,
		TrendDirection:      toAutoscalerDirection(hint.Direction),
		TrendConfidence:     hint.Confidence,
	}, nil
}

func (s *Source) oldestJobAge(ctx context.Context, agesKey string) (int, error) {
	scores, err := s.rdb.ZRangeWithScores(ctx, agesKey, 0, 0).Result()
	if err != nil {
		return 0, err
	}
	if len(scores) == 0 {
		return 0, nil
	}
	enqueuedAt := time.Unix(int64(scores[0].Score), 0)
	age := time.Since(enqueuedAt)
	if age < 0 {
		return 0, nil
	}
	return int(age.Seconds()), nil
}

func (s *Source) countHeartbeats(ctx context.Context, queue string) (int, error) {
	pattern := fmt.Sprintf(s.heartbeatPattern, "*")
	var count int
	var cursor uint64
	for {
		keys, cur, err := s.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return 0, err
		}
		cursor = cur
		count += len(keys)
		if cursor == 0 {
			break
		}
	}
	return count, nil
}

// throughputPerMinute derives a processing rate from the delta of a
// per-queue completed-job counter that workers increment on success. The
// counter key follows the same prefix convention as the queue's list.
func (s *Source) throughputPerMinute(ctx context.Context, key autoscaler.QueueKey, now time.Time) float64 {
	completedKey := s.queuePrefix + key.Queue + ":completed_count"
	completed, err := s.rdb.Get(ctx, completedKey).Int64()
	if err != nil && err != redis.Nil {
		s.log.Debug("completed counter read failed", zap.String("queue", key.Queue), zap.Error(err))
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.throughput[key]
	if !ok {
		s.throughput[key] = &throughputTracker{lastCompleted: completed, lastSampledAt: now}
		return 0
	}
	elapsed := now.Sub(tr.lastSampledAt)
	delta := completed - tr.lastCompleted
	tr.lastCompleted = completed
	tr.lastSampledAt = now
	if elapsed <= 0 || delta <= 0 {
		return 0
	}
	return float64(delta) / elapsed.Minutes()
}

func (s *Source) trendHint(key autoscaler.QueueKey, backlog float64) trendhint.Hint {
	s.mu.Lock()
	est, ok := s.trends[key]
	if !ok {
		est = trendhint.NewEstimator()
		s.trends[key] = est
	}
	s.mu.Unlock()
	return est.Observe(backlog)
}

func toAutoscalerDirection(d trendhint.Direction) autoscaler.TrendDirection {
	switch d {
	case trendhint.Rising:
		return autoscaler.TrendRising
	case trendhint.Falling:
		return autoscaler.TrendFalling
	case trendhint.Flat:
		return autoscaler.TrendFlat
	default:
		return autoscaler.TrendUnknown
	}
}
