// Copyright 2025 James Ross

// Package events defines the controller's event types (C7) and the sinks
// that deliver them. Delivery is at-least-once: a sink that fails to
// deliver is expected to log and move on rather than block the tick loop.
package events

import (
	"time"

	"github.com/flyingrobots/queue-autoscaler/internal/autoscaler"
	"github.com/google/uuid"
)

// Kind names the four event types the controller emits.
type Kind string

const (
	KindScalingDecisionMade Kind = "scaling_decision_made"
	KindWorkersScaled       Kind = "workers_scaled"
	KindSlaBreachPredicted  Kind = "sla_breach_predicted"
	KindSlaRecovered        Kind = "sla_recovered"
)

// Event is the envelope delivered to every sink. Payload is one of the
// Kind-specific structs below.
type Event struct {
	ID        string
	Kind      Kind
	QueueKey  autoscaler.QueueKey
	At        time.Time
	Payload   any
}

// ScalingDecisionMade is published for every queue on every tick, whether
// or not it results in actuation.
type ScalingDecisionMade struct {
	Decision autoscaler.Decision
}

// WorkersScaled is published whenever the pool actually reconciles a
// queue's worker count.
type WorkersScaled struct {
	From, To int
	Action   autoscaler.Action
	Reason   string
}

// SlaBreachPredicted is published on the transition into breach: the
// predicted pickup time now exceeds the queue's SLA target and did not on
// the queue's previous decision.
type SlaBreachPredicted struct {
	PredictedPickupSec float64
	SLATargetSec       int
}

// SlaRecovered is published on the reverse transition.
type SlaRecovered struct {
	PredictedPickupSec float64
	SLATargetSec       int
}

// Sink is the capability §6 describes for delivering events. Publish must
// not block the caller for long and must not panic.
type Sink interface {
	Publish(e Event)
}

func newEvent(kind Kind, key autoscaler.QueueKey, payload any) Event {
	return Event{ID: uuid.NewString(), Kind: kind, QueueKey: key, At: time.Now(), Payload: payload}
}

// NewScalingDecisionMade builds a ScalingDecisionMade event from a Decision.
func NewScalingDecisionMade(d autoscaler.Decision) Event {
	return newEvent(KindScalingDecisionMade, d.QueueKey, ScalingDecisionMade{Decision: d})
}

// NewWorkersScaled builds a WorkersScaled event.
func NewWorkersScaled(key autoscaler.QueueKey, from, to int, action autoscaler.Action, reason string) Event {
	return newEvent(KindWorkersScaled, key, WorkersScaled{From: from, To: to, Action: action, Reason: reason})
}

// NewSlaBreachPredicted builds a SlaBreachPredicted event.
func NewSlaBreachPredicted(key autoscaler.QueueKey, predictedPickupSec float64, slaTargetSec int) Event {
	return newEvent(KindSlaBreachPredicted, key, SlaBreachPredicted{PredictedPickupSec: predictedPickupSec, SLATargetSec: slaTargetSec})
}

// NewSlaRecovered builds an SlaRecovered event.
func NewSlaRecovered(key autoscaler.QueueKey, predictedPickupSec float64, slaTargetSec int) Event {
	return newEvent(KindSlaRecovered, key, SlaRecovered{PredictedPickupSec: predictedPickupSec, SLATargetSec: slaTargetSec})
}

// MultiSink fans a published event out to every wrapped sink. A panic in
// one sink is recovered and does not prevent delivery to the rest.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink composes sinks into one.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) Publish(e Event) {
	for _, s := range m.sinks {
		publishSafely(s, e)
	}
}

func publishSafely(s Sink, e Event) {
	defer func() { recover() }()
	s.Publish(e)
}
