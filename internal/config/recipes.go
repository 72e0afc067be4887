package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical recipe defaults file.
// This is the single source of truth for all default measurement parameters.
const DefaultConfigPath = "config/recipes.defaults.json"

// OdmrRecipe holds the sweep parameters for a continuous-wave ODMR scan.
// All fields are pointers so a partial JSON document (or an override patch)
// only touches the fields it names.
type OdmrRecipe struct {
	Runtime *string  `json:"runtime,omitempty"` // duration string like "60s"
	Fit     *string  `json:"fit,omitempty"`
	Start   *float64 `json:"start,omitempty"` // Hz
	Stop    *float64 `json:"stop,omitempty"`  // Hz
	Step    *float64 `json:"step,omitempty"`  // Hz
	Power   *float64 `json:"power,omitempty"` // dBm
}

// RabiRecipe holds the tau sweep parameters for a Rabi oscillation run.
type RabiRecipe struct {
	Runtime  *string  `json:"runtime,omitempty"`
	Fit      *string  `json:"fit,omitempty"`
	TauStart *float64 `json:"tau_start,omitempty"` // s
	TauStep  *float64 `json:"tau_step,omitempty"`  // s
	Points   *int     `json:"points,omitempty"`
}

// PulsedOdmrRecipe holds the frequency sweep parameters for pulsed ODMR.
// The sweep is centred on the shared microwave frequency at run time, so only
// the step and point count are stored here.
type PulsedOdmrRecipe struct {
	Runtime  *string  `json:"runtime,omitempty"`
	Fit      *string  `json:"fit,omitempty"`
	FreqStep *float64 `json:"freq_step,omitempty"` // Hz
	Points   *int     `json:"points,omitempty"`
}

// T1Recipe holds the tau sweep parameters for an exponential T1 run.
type T1Recipe struct {
	Runtime  *string  `json:"runtime,omitempty"`
	Fit      *string  `json:"fit,omitempty"`
	TauStart *float64 `json:"tau_start,omitempty"` // s
	TauEnd   *float64 `json:"tau_end,omitempty"`   // s
	Points   *int     `json:"points,omitempty"`
}

// HahnEchoRecipe holds the tau sweep parameters for a Hahn echo run.
type HahnEchoRecipe struct {
	Runtime     *string  `json:"runtime,omitempty"`
	Fit         *string  `json:"fit,omitempty"`
	TauStart    *float64 `json:"tau_start,omitempty"` // s
	TauStep     *float64 `json:"tau_step,omitempty"`  // s
	Points      *int     `json:"points,omitempty"`
	Alternating *bool    `json:"alternating,omitempty"`
}

// XY8Recipe holds the tau sweep parameters for XY8 dynamical decoupling.
// The same recipe drives both the ordered and the randomised variant.
type XY8Recipe struct {
	Runtime     *string  `json:"runtime,omitempty"`
	Fit         *string  `json:"fit,omitempty"`
	TauStart    *float64 `json:"tau_start,omitempty"` // s
	TauStep     *float64 `json:"tau_step,omitempty"`  // s
	Order       *int     `json:"order,omitempty"`
	Points      *int     `json:"points,omitempty"`
	Alternating *bool    `json:"alternating,omitempty"`
}

// RecipeConfig is the root configuration for automated measurements. The
// schema matches the /api/recipes endpoint so the same JSON can be used for
// startup configuration and runtime patches.
type RecipeConfig struct {
	// Orchestration params
	RefocusInterval *string `json:"refocus_interval,omitempty"` // "300s"; <=0 disables
	PollInterval    *string `json:"poll_interval,omitempty"`    // status poll cadence
	AccumTick       *string `json:"accum_tick,omitempty"`       // accumulation loop tick
	SettleDelay     *string `json:"settle_delay,omitempty"`     // pulser output settle pad
	WaitCeiling     *string `json:"wait_ceiling,omitempty"`     // "" or "0s" keeps waits unbounded

	// Per-experiment recipes
	Odmr       *OdmrRecipe       `json:"odmr,omitempty"`
	Rabi       *RabiRecipe       `json:"rabi,omitempty"`
	PulsedOdmr *PulsedOdmrRecipe `json:"pulsed_odmr,omitempty"`
	T1         *T1Recipe         `json:"t1,omitempty"`
	HahnEcho   *HahnEchoRecipe   `json:"hahnecho,omitempty"`
	XY8        *XY8Recipe        `json:"xy8,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// DefaultRecipeConfig returns the built-in measurement defaults. The physical
// values mirror a typical NV setup: ODMR around the 2.87 GHz zero-field
// splitting, nanosecond Rabi taus, microsecond echo taus.
func DefaultRecipeConfig() *RecipeConfig {
	return &RecipeConfig{
		RefocusInterval: ptrString("300s"),
		PollInterval:    ptrString("200ms"),
		AccumTick:       ptrString("500ms"),
		SettleDelay:     ptrString("2s"),
		Odmr: &OdmrRecipe{
			Runtime: ptrString("60s"),
			Fit:     ptrString("lorentzian_dip"),
			Start:   ptrFloat64(2.65e9),
			Stop:    ptrFloat64(3.15e9),
			Step:    ptrFloat64(2.0e6),
			Power:   ptrFloat64(-20.0),
		},
		Rabi: &RabiRecipe{
			Runtime:  ptrString("60s"),
			Fit:      ptrString("sine_decay"),
			TauStart: ptrFloat64(10.0e-9),
			TauStep:  ptrFloat64(10.0e-9),
			Points:   ptrInt(50),
		},
		PulsedOdmr: &PulsedOdmrRecipe{
			Runtime:  ptrString("60s"),
			Fit:      ptrString("lorentzian_dip"),
			FreqStep: ptrFloat64(200e3),
			Points:   ptrInt(100),
		},
		T1: &T1Recipe{
			Runtime:  ptrString("600s"),
			Fit:      ptrString("exp_decay"),
			TauStart: ptrFloat64(1e-6),
			TauEnd:   ptrFloat64(5e-3),
			Points:   ptrInt(20),
		},
		HahnEcho: &HahnEchoRecipe{
			Runtime:     ptrString("600s"),
			Fit:         ptrString("stretched_exp"),
			TauStart:    ptrFloat64(1e-6),
			TauStep:     ptrFloat64(1e-6),
			Points:      ptrInt(20),
			Alternating: ptrBool(true),
		},
		XY8: &XY8Recipe{
			Runtime:     ptrString("600s"),
			Fit:         ptrString("stretched_exp"),
			TauStart:    ptrFloat64(500e-9),
			TauStep:     ptrFloat64(10e-9),
			Order:       ptrInt(4),
			Points:      ptrInt(40),
			Alternating: ptrBool(true),
		},
	}
}

// LoadRecipeConfig loads a RecipeConfig from a JSON file. Fields omitted from
// the JSON retain their built-in defaults via the Get* methods, so partial
// configs are safe.
func LoadRecipeConfig(path string) (*RecipeConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &RecipeConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are physically sensible.
func (c *RecipeConfig) Validate() error {
	for name, d := range map[string]*string{
		"refocus_interval": c.RefocusInterval,
		"poll_interval":    c.PollInterval,
		"accum_tick":       c.AccumTick,
		"settle_delay":     c.SettleDelay,
		"wait_ceiling":     c.WaitCeiling,
	} {
		if d != nil && *d != "" {
			if _, err := time.ParseDuration(*d); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *d, err)
			}
		}
	}

	if c.Odmr != nil {
		if err := c.Odmr.validate(); err != nil {
			return fmt.Errorf("odmr: %w", err)
		}
	}
	if c.Rabi != nil && c.Rabi.Points != nil && *c.Rabi.Points < 2 {
		return fmt.Errorf("rabi: points must be at least 2, got %d", *c.Rabi.Points)
	}
	if c.HahnEcho != nil && c.HahnEcho.Points != nil && *c.HahnEcho.Points < 2 {
		return fmt.Errorf("hahnecho: points must be at least 2, got %d", *c.HahnEcho.Points)
	}
	if c.XY8 != nil {
		if c.XY8.Points != nil && *c.XY8.Points < 2 {
			return fmt.Errorf("xy8: points must be at least 2, got %d", *c.XY8.Points)
		}
		if c.XY8.Order != nil && *c.XY8.Order < 1 {
			return fmt.Errorf("xy8: order must be positive, got %d", *c.XY8.Order)
		}
	}
	return nil
}

func (r *OdmrRecipe) validate() error {
	if r.Start != nil && r.Stop != nil && *r.Start >= *r.Stop {
		return fmt.Errorf("sweep start %g must be below stop %g", *r.Start, *r.Stop)
	}
	if r.Step != nil && *r.Step <= 0 {
		return fmt.Errorf("sweep step must be positive, got %g", *r.Step)
	}
	return nil
}

// GetRefocusInterval parses and returns the refocus interval. Zero or
// negative disables refocusing during accumulation.
func (c *RecipeConfig) GetRefocusInterval() time.Duration {
	return c.duration(c.RefocusInterval, 300*time.Second)
}

// GetPollInterval returns the instrument status polling cadence.
func (c *RecipeConfig) GetPollInterval() time.Duration {
	return c.duration(c.PollInterval, 200*time.Millisecond)
}

// GetAccumTick returns the accumulation loop sleep interval.
func (c *RecipeConfig) GetAccumTick() time.Duration {
	return c.duration(c.AccumTick, 500*time.Millisecond)
}

// GetSettleDelay returns the pulser output settle pad used around refocus.
func (c *RecipeConfig) GetSettleDelay() time.Duration {
	return c.duration(c.SettleDelay, 2*time.Second)
}

// GetWaitCeiling returns the optional upper bound on status waits. The zero
// value keeps waits unbounded, matching the polling contract.
func (c *RecipeConfig) GetWaitCeiling() time.Duration {
	return c.duration(c.WaitCeiling, 0)
}

func (c *RecipeConfig) duration(field *string, fallback time.Duration) time.Duration {
	if field == nil || *field == "" {
		return fallback
	}
	d, err := time.ParseDuration(*field)
	if err != nil {
		return fallback
	}
	return d
}

// RuntimeOf parses a recipe runtime string, falling back when unset or bad.
func RuntimeOf(runtime *string, fallback time.Duration) time.Duration {
	if runtime == nil || *runtime == "" {
		return fallback
	}
	d, err := time.ParseDuration(*runtime)
	if err != nil {
		return fallback
	}
	return d
}
