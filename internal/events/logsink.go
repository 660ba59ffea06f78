// Copyright 2025 James Ross
package events

import "go.uber.org/zap"

// LogSink writes every event to a structured logger. It is the default
// sink and is always present; it never fails a delivery.
type LogSink struct {
	log *zap.Logger
}

// NewLogSink builds a LogSink over the given logger.
func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Publish(e Event) {
	fields := []zap.Field{
		zap.String("event_id", e.ID),
		zap.String("kind", string(e.Kind)),
		zap.String("queue", e.QueueKey.String()),
	}

	switch p := e.Payload.(type) {
	case ScalingDecisionMade:
		fields = append(fields,
			zap.Int("current_workers", p.Decision.CurrentWorkers),
			zap.Int("target_workers", p.Decision.TargetWorkers),
			zap.String("action", string(p.Decision.Action())),
			zap.String("reason", p.Decision.Reason),
			zap.String("limiting_factor", string(p.Decision.Capacity.LimitingFactor)),
		)
	case WorkersScaled:
		fields = append(fields,
			zap.Int("from", p.From),
			zap.Int("to", p.To),
			zap.String("action", string(p.Action)),
			zap.String("reason", p.Reason),
		)
	case SlaBreachPredicted:
		fields = append(fields,
			zap.Float64("predicted_pickup_sec", p.PredictedPickupSec),
			zap.Int("sla_target_sec", p.SLATargetSec),
		)
	case SlaRecovered:
		fields = append(fields,
			zap.Float64("predicted_pickup_sec", p.PredictedPickupSec),
			zap.Int("sla_target_sec", p.SLATargetSec),
		)
	}

	switch e.Kind {
	case KindSlaBreachPredicted:
		s.log.Warn("autoscaler event", fields...)
	default:
		s.log.Info("autoscaler event", fields...)
	}
}
