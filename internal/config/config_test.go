// Copyright 2025 James Ross
package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("SCALING_TREND_POLICY")
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SLADefaults.MaxWorkers != 20 {
		t.Fatalf("expected default max workers 20, got %d", cfg.SLADefaults.MaxWorkers)
	}
	if cfg.Redis.Addr == "" {
		t.Fatalf("expected default redis addr")
	}
	if cfg.Scaling.TrendPolicy != "hint" {
		t.Fatalf("expected default trend policy hint, got %q", cfg.Scaling.TrendPolicy)
	}
}

func TestValidateFails(t *testing.T) {
	cfg := defaultConfig()
	cfg.SLADefaults.MinWorkers = 5
	cfg.SLADefaults.MaxWorkers = 1
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for min > max")
	}

	cfg = defaultConfig()
	cfg.Scaling.TrendPolicy = "bogus"
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for invalid trend policy")
	}

	cfg = defaultConfig()
	cfg.Workers.Tries = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for workers.tries <= 0")
	}

	cfg = defaultConfig()
	cfg.Webhook.Enabled = true
	cfg.Webhook.URL = ""
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for webhook enabled without url")
	}
}

func TestResolveQueueConfigOverride(t *testing.T) {
	cfg := defaultConfig()
	maxWorkers := 50
	cfg.Queues = map[string]QueueOverride{
		"priority": {MaxWorkers: &maxWorkers},
	}
	resolved := cfg.ResolveQueueConfig("priority")
	if resolved.MaxWorkers != 50 {
		t.Fatalf("expected override max workers 50, got %d", resolved.MaxWorkers)
	}
	if resolved.MinWorkers != cfg.SLADefaults.MinWorkers {
		t.Fatalf("expected min workers to fall back to default")
	}

	other := cfg.ResolveQueueConfig("unconfigured")
	if other.MaxWorkers != cfg.SLADefaults.MaxWorkers {
		t.Fatalf("expected default max workers for unconfigured queue")
	}
}
