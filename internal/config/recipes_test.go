package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultRecipeConfig(t *testing.T) {
	cfg := DefaultRecipeConfig()

	if cfg.Odmr == nil || cfg.Rabi == nil || cfg.PulsedOdmr == nil ||
		cfg.T1 == nil || cfg.HahnEcho == nil || cfg.XY8 == nil {
		t.Fatal("expected every recipe to be populated in defaults")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if got := cfg.GetRefocusInterval(); got != 300*time.Second {
		t.Errorf("refocus interval = %v, want 300s", got)
	}
	if got := cfg.GetWaitCeiling(); got != 0 {
		t.Errorf("wait ceiling = %v, want 0 (unbounded)", got)
	}
	if *cfg.Odmr.Start >= *cfg.Odmr.Stop {
		t.Errorf("odmr sweep start %g not below stop %g", *cfg.Odmr.Start, *cfg.Odmr.Stop)
	}
}

func TestLoadRecipeConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "recipes.json")
	content := `{
		"refocus_interval": "120s",
		"rabi": {"runtime": "30s", "points": 25}
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadRecipeConfig(path)
	if err != nil {
		t.Fatalf("LoadRecipeConfig: %v", err)
	}
	if got := cfg.GetRefocusInterval(); got != 120*time.Second {
		t.Errorf("refocus interval = %v, want 120s", got)
	}
	if cfg.Rabi == nil || cfg.Rabi.Points == nil || *cfg.Rabi.Points != 25 {
		t.Errorf("rabi points not loaded: %+v", cfg.Rabi)
	}
	// Omitted fields stay nil; the Store backfills them from defaults.
	if cfg.Odmr != nil {
		t.Errorf("unexpected odmr section in partial config: %+v", cfg.Odmr)
	}
}

func TestLoadRecipeConfigRejectsNonJSON(t *testing.T) {
	if _, err := LoadRecipeConfig("recipes.yaml"); err == nil {
		t.Error("expected error for non-json extension")
	}
}

func TestLoadDefaultsFile(t *testing.T) {
	// The shipped defaults file must stay in sync with the schema.
	path := filepath.Join("..", "..", DefaultConfigPath)
	if _, err := os.Stat(path); err != nil {
		t.Skipf("defaults file not present: %v", err)
	}
	cfg, err := LoadRecipeConfig(path)
	if err != nil {
		t.Fatalf("defaults file does not load: %v", err)
	}
	if cfg.Odmr == nil || cfg.XY8 == nil {
		t.Error("defaults file missing recipe sections")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		cfg  RecipeConfig
	}{
		{"bad duration", RecipeConfig{RefocusInterval: ptrString("not-a-duration")}},
		{"inverted sweep", RecipeConfig{Odmr: &OdmrRecipe{Start: ptrFloat64(3e9), Stop: ptrFloat64(2e9)}}},
		{"negative step", RecipeConfig{Odmr: &OdmrRecipe{Step: ptrFloat64(-1e6)}}},
		{"one point rabi", RecipeConfig{Rabi: &RabiRecipe{Points: ptrInt(1)}}},
		{"zero order xy8", RecipeConfig{XY8: &XY8Recipe{Order: ptrInt(0)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestRuntimeOf(t *testing.T) {
	if got := RuntimeOf(nil, time.Minute); got != time.Minute {
		t.Errorf("nil runtime = %v, want fallback", got)
	}
	if got := RuntimeOf(ptrString("90s"), time.Minute); got != 90*time.Second {
		t.Errorf("runtime = %v, want 90s", got)
	}
	if got := RuntimeOf(ptrString("garbage"), time.Minute); got != time.Minute {
		t.Errorf("bad runtime = %v, want fallback", got)
	}
}
