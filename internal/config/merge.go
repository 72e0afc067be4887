package config

import (
	"sync"
	"time"
)

// Merge functions combine stored defaults with a caller override. They are
// pure: only non-nil override fields replace the base values and both inputs
// are left untouched. Mutation of the stored defaults is owned exclusively by
// the Store below.

// MergeOdmr returns base with any non-nil fields of override applied.
func MergeOdmr(base, override *OdmrRecipe) *OdmrRecipe {
	out := *base
	if override == nil {
		return &out
	}
	if override.Runtime != nil {
		out.Runtime = override.Runtime
	}
	if override.Fit != nil {
		out.Fit = override.Fit
	}
	if override.Start != nil {
		out.Start = override.Start
	}
	if override.Stop != nil {
		out.Stop = override.Stop
	}
	if override.Step != nil {
		out.Step = override.Step
	}
	if override.Power != nil {
		out.Power = override.Power
	}
	return &out
}

// MergeRabi returns base with any non-nil fields of override applied.
func MergeRabi(base, override *RabiRecipe) *RabiRecipe {
	out := *base
	if override == nil {
		return &out
	}
	if override.Runtime != nil {
		out.Runtime = override.Runtime
	}
	if override.Fit != nil {
		out.Fit = override.Fit
	}
	if override.TauStart != nil {
		out.TauStart = override.TauStart
	}
	if override.TauStep != nil {
		out.TauStep = override.TauStep
	}
	if override.Points != nil {
		out.Points = override.Points
	}
	return &out
}

// MergePulsedOdmr returns base with any non-nil fields of override applied.
func MergePulsedOdmr(base, override *PulsedOdmrRecipe) *PulsedOdmrRecipe {
	out := *base
	if override == nil {
		return &out
	}
	if override.Runtime != nil {
		out.Runtime = override.Runtime
	}
	if override.Fit != nil {
		out.Fit = override.Fit
	}
	if override.FreqStep != nil {
		out.FreqStep = override.FreqStep
	}
	if override.Points != nil {
		out.Points = override.Points
	}
	return &out
}

// MergeT1 returns base with any non-nil fields of override applied.
func MergeT1(base, override *T1Recipe) *T1Recipe {
	out := *base
	if override == nil {
		return &out
	}
	if override.Runtime != nil {
		out.Runtime = override.Runtime
	}
	if override.Fit != nil {
		out.Fit = override.Fit
	}
	if override.TauStart != nil {
		out.TauStart = override.TauStart
	}
	if override.TauEnd != nil {
		out.TauEnd = override.TauEnd
	}
	if override.Points != nil {
		out.Points = override.Points
	}
	return &out
}

// MergeHahnEcho returns base with any non-nil fields of override applied.
func MergeHahnEcho(base, override *HahnEchoRecipe) *HahnEchoRecipe {
	out := *base
	if override == nil {
		return &out
	}
	if override.Runtime != nil {
		out.Runtime = override.Runtime
	}
	if override.Fit != nil {
		out.Fit = override.Fit
	}
	if override.TauStart != nil {
		out.TauStart = override.TauStart
	}
	if override.TauStep != nil {
		out.TauStep = override.TauStep
	}
	if override.Points != nil {
		out.Points = override.Points
	}
	if override.Alternating != nil {
		out.Alternating = override.Alternating
	}
	return &out
}

// MergeXY8 returns base with any non-nil fields of override applied.
func MergeXY8(base, override *XY8Recipe) *XY8Recipe {
	out := *base
	if override == nil {
		return &out
	}
	if override.Runtime != nil {
		out.Runtime = override.Runtime
	}
	if override.Fit != nil {
		out.Fit = override.Fit
	}
	if override.TauStart != nil {
		out.TauStart = override.TauStart
	}
	if override.TauStep != nil {
		out.TauStep = override.TauStep
	}
	if override.Order != nil {
		out.Order = override.Order
	}
	if override.Points != nil {
		out.Points = override.Points
	}
	if override.Alternating != nil {
		out.Alternating = override.Alternating
	}
	return &out
}

// Store holds the live recipe configuration. Overrides applied through the
// Update* methods are merged into the stored recipes and persist for
// subsequent measurements, mirroring the instrument's stateful parameter
// model. All methods are safe for concurrent use.
type Store struct {
	mu  sync.RWMutex
	cfg *RecipeConfig
}

// NewStore wraps a RecipeConfig. A nil cfg gets the built-in defaults; a
// partial cfg is backfilled from the defaults so every recipe is populated.
func NewStore(cfg *RecipeConfig) *Store {
	def := DefaultRecipeConfig()
	if cfg == nil {
		return &Store{cfg: def}
	}
	merged := &RecipeConfig{
		RefocusInterval: def.RefocusInterval,
		PollInterval:    def.PollInterval,
		AccumTick:       def.AccumTick,
		SettleDelay:     def.SettleDelay,
		WaitCeiling:     def.WaitCeiling,
		Odmr:            MergeOdmr(def.Odmr, cfg.Odmr),
		Rabi:            MergeRabi(def.Rabi, cfg.Rabi),
		PulsedOdmr:      MergePulsedOdmr(def.PulsedOdmr, cfg.PulsedOdmr),
		T1:              MergeT1(def.T1, cfg.T1),
		HahnEcho:        MergeHahnEcho(def.HahnEcho, cfg.HahnEcho),
		XY8:             MergeXY8(def.XY8, cfg.XY8),
	}
	if cfg.RefocusInterval != nil {
		merged.RefocusInterval = cfg.RefocusInterval
	}
	if cfg.PollInterval != nil {
		merged.PollInterval = cfg.PollInterval
	}
	if cfg.AccumTick != nil {
		merged.AccumTick = cfg.AccumTick
	}
	if cfg.SettleDelay != nil {
		merged.SettleDelay = cfg.SettleDelay
	}
	if cfg.WaitCeiling != nil {
		merged.WaitCeiling = cfg.WaitCeiling
	}
	return &Store{cfg: merged}
}

// Config returns a shallow copy of the current configuration.
func (s *Store) Config() RecipeConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.cfg
}

// RefocusInterval returns the current refocus interval.
func (s *Store) RefocusInterval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.GetRefocusInterval()
}

// SetRefocusInterval replaces the refocus interval (runtime control surface).
func (s *Store) SetRefocusInterval(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := d.String()
	s.cfg.RefocusInterval = &v
}

// UpdateOdmr merges override into the stored ODMR recipe and returns the
// effective recipe for this run.
func (s *Store) UpdateOdmr(override *OdmrRecipe) OdmrRecipe {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Odmr = MergeOdmr(s.cfg.Odmr, override)
	return *s.cfg.Odmr
}

// UpdateRabi merges override into the stored Rabi recipe.
func (s *Store) UpdateRabi(override *RabiRecipe) RabiRecipe {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Rabi = MergeRabi(s.cfg.Rabi, override)
	return *s.cfg.Rabi
}

// UpdatePulsedOdmr merges override into the stored pulsed ODMR recipe.
func (s *Store) UpdatePulsedOdmr(override *PulsedOdmrRecipe) PulsedOdmrRecipe {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.PulsedOdmr = MergePulsedOdmr(s.cfg.PulsedOdmr, override)
	return *s.cfg.PulsedOdmr
}

// UpdateT1 merges override into the stored T1 recipe.
func (s *Store) UpdateT1(override *T1Recipe) T1Recipe {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.T1 = MergeT1(s.cfg.T1, override)
	return *s.cfg.T1
}

// UpdateHahnEcho merges override into the stored Hahn echo recipe.
func (s *Store) UpdateHahnEcho(override *HahnEchoRecipe) HahnEchoRecipe {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.HahnEcho = MergeHahnEcho(s.cfg.HahnEcho, override)
	return *s.cfg.HahnEcho
}

// UpdateXY8 merges override into the stored XY8 recipe.
func (s *Store) UpdateXY8(override *XY8Recipe) XY8Recipe {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.XY8 = MergeXY8(s.cfg.XY8, override)
	return *s.cfg.XY8
}

// Durations returns the orchestration timing knobs in one call so callers do
// not hold the lock across several getters.
func (s *Store) Durations() (refocus, poll, tick, settle, ceiling time.Duration) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.GetRefocusInterval(), s.cfg.GetPollInterval(), s.cfg.GetAccumTick(),
		s.cfg.GetSettleDelay(), s.cfg.GetWaitCeiling()
}
