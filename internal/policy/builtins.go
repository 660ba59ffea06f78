// Copyright 2025 James Ross
package policy

import (
	"fmt"

	"github.com/flyingrobots/queue-autoscaler/internal/autoscaler"
)

// ConservativeScaleDown rewrites a scale_down decision that would remove
// more than one worker to instead remove exactly one, preventing thrash
// from a single large downward step.
type ConservativeScaleDown struct{}

func (ConservativeScaleDown) Name() string { return "conservative_scale_down" }

func (p ConservativeScaleDown) Before(d autoscaler.Decision) (autoscaler.Decision, error) {
	if d.Action() == autoscaler.ActionScaleDown && d.WorkersToRemove() > 1 {
		prior := d.Reason
		d.TargetWorkers = d.CurrentWorkers - 1
		d.Reason = fmt.Sprintf("%s (was: %s)", p.Name(), prior)
	}
	return d, nil
}

func (ConservativeScaleDown) After(autoscaler.Decision) error { return nil }

// NoScaleDown rewrites any scale_down decision back to the current worker
// count. Intended for critical queues that must never shed workers
// automatically.
type NoScaleDown struct{}

func (NoScaleDown) Name() string { return "no_scale_down" }

func (p NoScaleDown) Before(d autoscaler.Decision) (autoscaler.Decision, error) {
	if d.Action() == autoscaler.ActionScaleDown {
		prior := d.Reason
		d.TargetWorkers = d.CurrentWorkers
		d.Reason = fmt.Sprintf("%s (was: %s)", p.Name(), prior)
	}
	return d, nil
}

func (NoScaleDown) After(autoscaler.Decision) error { return nil }

// BreachNotifier is an after-only policy: it emits a warning event when a
// decision predicts an SLA breach or is close to one, but never alters the
// decision.
type BreachNotifier struct {
	Notify func(d autoscaler.Decision, nearBreach bool)
}

func (BreachNotifier) Name() string { return "breach_notification" }

func (BreachNotifier) Before(d autoscaler.Decision) (autoscaler.Decision, error) { return d, nil }

func (p BreachNotifier) After(d autoscaler.Decision) error {
	if p.Notify == nil || d.SLATargetSec <= 0 {
		return nil
	}
	breached := d.PredictedPickupSec > float64(d.SLATargetSec)
	utilization := d.PredictedPickupSec / float64(d.SLATargetSec)
	if breached || utilization >= 0.9 {
		p.Notify(d, !breached)
	}
	return nil
}

// ByName constructs a built-in policy from its configuration identifier.
// Unknown identifiers return (nil, false) so the caller can decide whether
// an unrecognised policy name is a startup error.
func ByName(name string, notify func(d autoscaler.Decision, nearBreach bool)) (Policy, bool) {
	switch name {
	case "conservative_scale_down":
		return ConservativeScaleDown{}, true
	case "no_scale_down":
		return NoScaleDown{}, true
	case "breach_notification":
		return BreachNotifier{Notify: notify}, true
	default:
		return nil, false
	}
}
