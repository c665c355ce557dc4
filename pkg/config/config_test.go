package config

import "testing"

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Engine.DefaultModel == "" {
		t.Fatal("expected a default model")
	}
	if cfg.Engine.MaxToolTurns <= 0 {
		t.Fatalf("expected positive max tool turns, got %d", cfg.Engine.MaxToolTurns)
	}
	if cfg.Budget.WarningThresholdPc <= 0 || cfg.Budget.WarningThresholdPc > 100 {
		t.Fatalf("warning threshold out of range: %d", cfg.Budget.WarningThresholdPc)
	}
	if cfg.Sandbox.Mode != "workspace-write" {
		t.Fatalf("unexpected default sandbox mode: %s", cfg.Sandbox.Mode)
	}
	if cfg.Approval.Policy != "on-request" {
		t.Fatalf("unexpected default approval policy: %s", cfg.Approval.Policy)
	}
}
