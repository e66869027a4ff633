package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestApplyDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Bus.RealtimeCapacity != 64 {
		t.Errorf("Bus.RealtimeCapacity = %d, want 64", cfg.Bus.RealtimeCapacity)
	}
	if cfg.Bus.BatchedCapacity != 1024 {
		t.Errorf("Bus.BatchedCapacity = %d, want 1024", cfg.Bus.BatchedCapacity)
	}
	if cfg.Broker.DefaultTimeoutMs != 5000 {
		t.Errorf("Broker.DefaultTimeoutMs = %d, want 5000", cfg.Broker.DefaultTimeoutMs)
	}
	if cfg.Router.LocalConfidenceThreshold != 0.9 {
		t.Errorf("Router.LocalConfidenceThreshold = %v, want 0.9", cfg.Router.LocalConfidenceThreshold)
	}
	if cfg.Runtime.SlowAgentBacklogThreshold != 128 {
		t.Errorf("Runtime.SlowAgentBacklogThreshold = %d, want 128", cfg.Runtime.SlowAgentBacklogThreshold)
	}
	if cfg.KVStore.Path != filepath.Join(cfg.DataDir, "kvstore.db") {
		t.Errorf("KVStore.Path = %q, want under DataDir", cfg.KVStore.Path)
	}
}

func TestValidateRejectsOutOfRangeThreshold(t *testing.T) {
	cfg := Default()
	cfg.Router.LocalConfidenceThreshold = 1.5
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for out-of-range threshold")
	}
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "not-a-level"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for unknown log level")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
bus:
  realtime_capacity: 32
router:
  local_confidence_threshold: 0.75
log_level: debug
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Bus.RealtimeCapacity != 32 {
		t.Errorf("Bus.RealtimeCapacity = %d, want 32", cfg.Bus.RealtimeCapacity)
	}
	if cfg.Router.LocalConfidenceThreshold != 0.75 {
		t.Errorf("Router.LocalConfidenceThreshold = %v, want 0.75", cfg.Router.LocalConfidenceThreshold)
	}
	// Unspecified fields still pick up defaults.
	if cfg.Bus.BatchedCapacity != 1024 {
		t.Errorf("Bus.BatchedCapacity = %d, want 1024 (default)", cfg.Bus.BatchedCapacity)
	}
}

func TestFindConfigExplicitMissing(t *testing.T) {
	if _, err := FindConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing explicit config path")
	}
}
