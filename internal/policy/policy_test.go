// Copyright 2025 James Ross
package policy

import (
	"errors"
	"testing"

	"github.com/flyingrobots/queue-autoscaler/internal/autoscaler"
	"go.uber.org/zap"
)

func baseDecision() autoscaler.Decision {
	return autoscaler.Decision{
		QueueKey:       autoscaler.QueueKey{Queue: "q"},
		CurrentWorkers: 10,
		TargetWorkers:  2,
		Reason:         "backlog-dominated",
		SLATargetSec:   30,
	}
}

func TestConservativeScaleDownRewritesLargeDrop(t *testing.T) {
	d := baseDecision()
	p := ConservativeScaleDown{}
	out, err := p.Before(d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.TargetWorkers != 9 {
		t.Fatalf("expected target 9 (current-1), got %d", out.TargetWorkers)
	}
	if out.Reason == d.Reason {
		t.Fatalf("expected reason to record the rewrite")
	}
}

func TestConservativeScaleDownLeavesSmallDropAlone(t *testing.T) {
	d := baseDecision()
	d.TargetWorkers = 9 // workersToRemove == 1
	out, err := ConservativeScaleDown{}.Before(d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.TargetWorkers != 9 {
		t.Fatalf("expected target unchanged at 9, got %d", out.TargetWorkers)
	}
}

func TestNoScaleDownHoldsCurrent(t *testing.T) {
	d := baseDecision()
	out, err := NoScaleDown{}.Before(d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.TargetWorkers != d.CurrentWorkers {
		t.Fatalf("expected target pinned at current %d, got %d", d.CurrentWorkers, out.TargetWorkers)
	}
}

func TestNoScaleDownIgnoresScaleUp(t *testing.T) {
	d := baseDecision()
	d.TargetWorkers = 20
	out, err := NoScaleDown{}.Before(d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.TargetWorkers != 20 {
		t.Fatalf("expected scale_up decision untouched, got %d", out.TargetWorkers)
	}
}

func TestBreachNotifierFiresOnPredictedBreach(t *testing.T) {
	var fired bool
	var sawNear bool
	d := baseDecision()
	d.PredictedPickupSec = 40 // > SLATargetSec of 30
	p := BreachNotifier{Notify: func(d autoscaler.Decision, nearBreach bool) {
		fired = true
		sawNear = nearBreach
	}}
	if err := p.After(d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !fired {
		t.Fatalf("expected notifier to fire on breach")
	}
	if sawNear {
		t.Fatalf("expected nearBreach=false for an actual breach")
	}
}

func TestBreachNotifierFiresNearBreach(t *testing.T) {
	var fired bool
	d := baseDecision()
	d.PredictedPickupSec = 28 // utilization ~0.93, no outright breach
	p := BreachNotifier{Notify: func(autoscaler.Decision, bool) { fired = true }}
	if err := p.After(d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !fired {
		t.Fatalf("expected notifier to fire near breach threshold")
	}
}

func TestBreachNotifierSilentWellUnderThreshold(t *testing.T) {
	var fired bool
	d := baseDecision()
	d.PredictedPickupSec = 5
	p := BreachNotifier{Notify: func(autoscaler.Decision, bool) { fired = true }}
	if err := p.After(d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fired {
		t.Fatalf("did not expect notifier to fire well under threshold")
	}
}

func TestBreachNotifierNeverRewritesDecision(t *testing.T) {
	d := baseDecision()
	d.PredictedPickupSec = 100
	p := BreachNotifier{Notify: func(autoscaler.Decision, bool) {}}
	out, err := p.Before(d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != d {
		t.Fatalf("breach notifier must not alter the decision in Before")
	}
}

// failingPolicy always errors from Before, to exercise the chain's recovery.
type failingPolicy struct{}

func (failingPolicy) Name() string { return "failing" }
func (failingPolicy) Before(d autoscaler.Decision) (autoscaler.Decision, error) {
	return d, errors.New("boom")
}
func (failingPolicy) After(autoscaler.Decision) error { return errors.New("boom") }

// panickingPolicy always panics, to exercise the chain's panic recovery.
type panickingPolicy struct{}

func (panickingPolicy) Name() string { return "panicking" }
func (panickingPolicy) Before(d autoscaler.Decision) (autoscaler.Decision, error) {
	panic("kaboom")
}
func (panickingPolicy) After(autoscaler.Decision) error { panic("kaboom") }

func TestChainSurvivesFailingAndPanickingPolicies(t *testing.T) {
	log := zap.NewNop()
	chain := NewChain(log, failingPolicy{}, panickingPolicy{}, ConservativeScaleDown{})
	d := baseDecision()
	out := chain.Run(d)
	if out.TargetWorkers != 9 {
		t.Fatalf("expected the chain to reach the last well-behaved policy, got %d", out.TargetWorkers)
	}
}

// Scenario S5 from the testable-properties scenarios: current=10,
// recommendation=2, policies=[conservative-scale-down] -> target=9.
func TestScenarioS5ConservativeScaleDown(t *testing.T) {
	log := zap.NewNop()
	chain := NewChain(log, ConservativeScaleDown{})
	d := baseDecision()
	out := chain.Run(d)
	if out.TargetWorkers != 9 {
		t.Fatalf("S5: expected target 9, got %d", out.TargetWorkers)
	}
}

func TestByNameResolvesBuiltins(t *testing.T) {
	for _, name := range []string{"conservative_scale_down", "no_scale_down", "breach_notification"} {
		if _, ok := ByName(name, func(autoscaler.Decision, bool) {}); !ok {
			t.Fatalf("expected %q to resolve to a built-in policy", name)
		}
	}
	if _, ok := ByName("not_a_policy", nil); ok {
		t.Fatalf("expected unknown policy name to fail to resolve")
	}
}
