// Copyright 2025 James Ross

// Package policy implements the ordered before/after hook chain (C4) that
// may rewrite a Decision or emit side effects after the engine (C3)
// produces one.
package policy

import (
	"fmt"

	"github.com/flyingrobots/queue-autoscaler/internal/autoscaler"
	"go.uber.org/zap"
)

// Policy is the capability set §9 describes for policies: before/after
// hooks. Before may rewrite the decision; After only observes it.
type Policy interface {
	Name() string
	Before(d autoscaler.Decision) (autoscaler.Decision, error)
	After(d autoscaler.Decision) error
}

// Chain runs an ordered list of policies, threading the latest Decision
// forward through Before and never letting a misbehaving policy abort the
// run: a policy that errors or panics is logged and skipped, and the
// chain continues with the decision as it stood before that policy.
type Chain struct {
	policies []Policy
	log      *zap.Logger
}

// NewChain builds a policy chain in the given order.
func NewChain(log *zap.Logger, policies ...Policy) *Chain {
	return &Chain{policies: policies, log: log}
}

// Run applies Before for every policy in order, then After for every
// policy in order over the final decision.
func (c *Chain) Run(d autoscaler.Decision) autoscaler.Decision {
	for _, p := range c.policies {
		d = c.runBefore(p, d)
	}
	for _, p := range c.policies {
		c.runAfter(p, d)
	}
	return d
}

func (c *Chain) runBefore(p Policy, d autoscaler.Decision) (result autoscaler.Decision) {
	result = d
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("policy before hook panicked", zap.String("policy", p.Name()), zap.Any("panic", r))
			result = d
		}
	}()
	next, err := p.Before(d)
	if err != nil {
		c.log.Error("policy before hook failed", zap.String("policy", p.Name()), zap.Error(err))
		return d
	}
	return next
}

func (c *Chain) runAfter(p Policy, d autoscaler.Decision) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("policy after hook panicked", zap.String("policy", p.Name()), zap.Any("panic", r))
		}
	}()
	if err := p.After(d); err != nil {
		c.log.Error("policy after hook failed", zap.String("policy", p.Name()), zap.Error(err))
	}
}

// RewriteReason appends a policy's name and the prior reason, so the
// committed decision's Reason documents which policies touched it.
func RewriteReason(prior, policyName string) string {
	return fmt.Sprintf("%s (rewritten by %s; was: %s)", policyName, policyName, prior)
}
