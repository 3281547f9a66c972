package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
)

func TestDefaultConfigMatchesSpecDefaults(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Risk.MaxPositions != 5 {
		t.Errorf("MaxPositions = %d, want 5", cfg.Risk.MaxPositions)
	}
	if cfg.Risk.MaxDrawdownTotal.Cmp(decimal.NewFromFloat(0.06)) != 0 {
		t.Errorf("MaxDrawdownTotal = %s, want 0.06", cfg.Risk.MaxDrawdownTotal)
	}
	if cfg.Phase2.BetaAggressive != 3.0 {
		t.Errorf("BetaAggressive = %v, want 3.0", cfg.Phase2.BetaAggressive)
	}
	if cfg.AI.JudgeThreshold != 8 {
		t.Errorf("JudgeThreshold = %v, want 8", cfg.AI.JudgeThreshold)
	}
	if cfg.Phase5.FridayBreakevenHour != 14 {
		t.Errorf("FridayBreakevenHour = %d, want 14", cfg.Phase5.FridayBreakevenHour)
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v, want nil", err)
	}
	if cfg.Risk.MaxPositions != 5 {
		t.Errorf("MaxPositions = %d, want default 5", cfg.Risk.MaxPositions)
	}
}

func TestLoadOverridesDefaultsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	content := []byte("risk:\n  max_positions: 3\nai:\n  judge_threshold: 9\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("writing fixture config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Risk.MaxPositions != 3 {
		t.Errorf("MaxPositions = %d, want 3", cfg.Risk.MaxPositions)
	}
	if cfg.AI.JudgeThreshold != 9 {
		t.Errorf("JudgeThreshold = %v, want 9", cfg.AI.JudgeThreshold)
	}
	// Unrelated sections must still carry their defaults.
	if cfg.Phase0.VolumeSpikeMultiplier != 2.0 {
		t.Errorf("VolumeSpikeMultiplier = %v, want default 2.0", cfg.Phase0.VolumeSpikeMultiplier)
	}
}
