package automeasure

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nvlab-data/autochar/internal/config"
	"github.com/nvlab-data/autochar/internal/fitting"
	"github.com/nvlab-data/autochar/internal/instrument"
	"github.com/nvlab-data/autochar/internal/monitoring"
	"github.com/nvlab-data/autochar/internal/targets"
)

// Stage names one experiment in the characterization pipeline.
type Stage string

const (
	StageOdmr       Stage = "odmr"
	StageRabi       Stage = "rabi"
	StagePulsedOdmr Stage = "pulsed_odmr"
	StageT1         Stage = "t1"
	StageHahnEcho   Stage = "hahnecho"
	StageXY8        Stage = "xy8"
)

// DefaultStages is the reduced pipeline shipped as default: a Rabi
// calibration followed by a Hahn echo.
var DefaultStages = []Stage{StageRabi, StageHahnEcho}

// FullPipeline is the complete six-stage characterization sequence. Stage
// selection is explicit configuration, not hard-coded omission.
var FullPipeline = []Stage{StageOdmr, StageRabi, StagePulsedOdmr, StageT1, StageHahnEcho, StageXY8}

// ParseStages converts stage names into a pipeline, rejecting unknown names.
func ParseStages(names []string) ([]Stage, error) {
	known := map[Stage]bool{
		StageOdmr: true, StageRabi: true, StagePulsedOdmr: true,
		StageT1: true, StageHahnEcho: true, StageXY8: true,
	}
	out := make([]Stage, 0, len(names))
	for _, n := range names {
		s := Stage(n)
		if !known[s] {
			return nil, fmt.Errorf("unknown pipeline stage %q", n)
		}
		out = append(out, s)
	}
	return out, nil
}

// StageResult pairs a pipeline stage with its fit output.
type StageResult struct {
	Stage  Stage          `json:"stage"`
	Result fitting.Result `json:"result"`
}

// PipelineResult is the ordered collection of per-stage fit outputs produced
// by one characterization run.
type PipelineResult struct {
	TargetLabel string        `json:"target_label"`
	Stages      []StageResult `json:"stages"`
}

// ResultRecorder persists per-stage pipeline results. Implemented by
// db.RunStore; nil disables recording.
type ResultRecorder interface {
	InsertPipelineResult(targetLabel, stage, runID string, fitResult json.RawMessage) error
}

// Session composes the per-target characterization pipeline: position on the
// target, refocus once, then run the configured experiment stages in order,
// feeding measured constants forward and writing calibration values back into
// the registry.
type Session struct {
	Registry  *targets.Registry
	Store     targets.Store // optional persistence of calibration updates
	Runner    *Runner
	Scanner   instrument.Scanner
	Refocuser *Refocuser
	Stages    []Stage
	Results   ResultRecorder

	// MoveSettle pads stage moves; positioners report success before the
	// mechanics have fully settled.
	MoveSettle time.Duration

	// sleep is a test seam; nil means time.Sleep.
	sleep func(time.Duration)
}

// NewSession wires a characterization session with the default stage list.
func NewSession(registry *targets.Registry, runner *Runner, scanner instrument.Scanner, refocuser *Refocuser) *Session {
	return &Session{
		Registry:   registry,
		Runner:     runner,
		Scanner:    scanner,
		Refocuser:  refocuser,
		Stages:     DefaultStages,
		MoveSettle: time.Second,
	}
}

func (s *Session) pause(d time.Duration) {
	if d <= 0 {
		return
	}
	if s.sleep != nil {
		s.sleep(d)
		return
	}
	time.Sleep(d)
}

// Characterize runs the pipeline against the target with the given label.
func (s *Session) Characterize(label string) (*PipelineResult, error) {
	t, err := s.Registry.Lookup(label)
	if err != nil {
		monitoring.Logf("characterize: %v", err)
		return nil, err
	}
	return s.characterize(t, label)
}

// CharacterizeIndex runs the pipeline against the target at the given
// registry index; an unlabeled target is tagged by its index.
func (s *Session) CharacterizeIndex(index int) (*PipelineResult, error) {
	t, err := s.Registry.At(index)
	if err != nil {
		monitoring.Logf("characterize: %v", err)
		return nil, err
	}
	label := t.Label
	if label == "" {
		label = fmt.Sprintf("%d", index)
	}
	return s.characterize(t, label)
}

func (s *Session) characterize(t *targets.Target, label string) (*PipelineResult, error) {
	// A rejected move aborts the pipeline: measuring a mispositioned target
	// would poison every calibration value downstream. No retry.
	if err := s.Scanner.MoveTo(t.Position()); err != nil {
		monitoring.Logf("characterize %q: move to %s failed: %v", label, t.Position(), err)
		return nil, fmt.Errorf("move to target %q: %w", label, err)
	}
	s.pause(s.MoveSettle)

	if err := s.Refocuser.Refocus(); err != nil {
		monitoring.Logf("characterize %q: initial refocus failed: %v", label, err)
		return nil, fmt.Errorf("initial refocus on %q: %w", label, err)
	}

	result := &PipelineResult{TargetLabel: label}
	stages := s.Stages
	if len(stages) == 0 {
		stages = DefaultStages
	}
	for _, stage := range stages {
		fit, err := s.runStage(stage, t, label)
		if err != nil {
			monitoring.Logf("characterize %q: stage %s failed: %v", label, stage, err)
			s.persistTargets()
			return result, fmt.Errorf("stage %s on %q: %w", stage, label, err)
		}
		result.Stages = append(result.Stages, StageResult{Stage: stage, Result: fit})
		s.recordStage(label, stage, fit)
	}

	s.persistTargets()
	return result, nil
}

// runStage executes one pipeline stage and feeds measured constants forward:
// an earlier stage's physical result becomes a shared parameter of every
// later stage.
func (s *Session) runStage(stage Stage, t *targets.Target, label string) (fitting.Result, error) {
	switch stage {
	case StageOdmr:
		fit, err := s.Runner.MeasureOdmr(label, nil)
		if err != nil {
			return fit, err
		}
		if center, ok := fit.Param("center"); ok {
			t.OdmrFreq = &center
			if err := s.Runner.Pulser.SetGenerationParams(instrument.GenerationParams{
				MicrowaveFrequency: &center,
			}); err != nil {
				return fit, fmt.Errorf("propagate resonance frequency: %w", err)
			}
		}
		return fit, nil

	case StageRabi:
		fit, err := s.Runner.MeasureRabi(label, nil, instrument.GenerationParams{})
		if err != nil {
			return fit, err
		}
		freq, ok := fit.Param("frequency")
		if !ok || freq <= 0 {
			return fit, fmt.Errorf("rabi fit returned no usable frequency")
		}
		period := 1 / freq
		t.RabiPeriod = &period
		if err := s.Runner.Pulser.SetGenerationParams(instrument.GenerationParams{
			RabiPeriod: &period,
		}); err != nil {
			return fit, fmt.Errorf("propagate rabi period: %w", err)
		}
		return fit, nil

	case StagePulsedOdmr:
		fit, err := s.Runner.MeasurePulsedOdmr(label, nil, instrument.GenerationParams{})
		if err != nil {
			return fit, err
		}
		if center, ok := fit.Param("center"); ok {
			t.OdmrFreq = &center
		}
		return fit, nil

	case StageT1:
		fit, err := s.Runner.MeasureT1(label, nil, instrument.GenerationParams{})
		if err != nil {
			return fit, err
		}
		if lifetime, ok := fit.Param("lifetime"); ok {
			t.T1 = &lifetime
		}
		return fit, nil

	case StageHahnEcho:
		fit, err := s.Runner.MeasureHahnEcho(label, nil, instrument.GenerationParams{})
		if err != nil {
			return fit, err
		}
		if lifetime, ok := fit.Param("lifetime"); ok {
			t.T2 = &lifetime
		}
		return fit, nil

	case StageXY8:
		return s.Runner.MeasureXY8(label, nil, instrument.GenerationParams{})

	default:
		return fitting.Result{}, fmt.Errorf("unknown pipeline stage %q", stage)
	}
}

func (s *Session) persistTargets() {
	if s.Store == nil {
		return
	}
	if err := s.Store.SaveTargets(s.Registry.Snapshot()); err != nil {
		monitoring.Logf("persist targets: %v", err)
	}
}

func (s *Session) recordStage(label string, stage Stage, fit fitting.Result) {
	if s.Results == nil {
		return
	}
	fitJSON, err := json.Marshal(fit)
	if err != nil {
		fitJSON = nil
	}
	if err := s.Results.InsertPipelineResult(label, string(stage), "", fitJSON); err != nil {
		monitoring.Logf("record stage %s for %q: %v", stage, label, err)
	}
}

// RegisterHere registers a target at the scanner's current position, the
// operator workflow for marking an emitter just centred by hand.
func (s *Session) RegisterHere(label string) *targets.Target {
	return s.Registry.Add(label, s.Scanner.Position())
}

// ApplyOverrides exposes recipe override merging to control surfaces without
// starting a measurement.
func (s *Session) ApplyOverrides(cfg *config.RecipeConfig) {
	if cfg == nil {
		return
	}
	if cfg.Odmr != nil {
		s.Runner.Recipes.UpdateOdmr(cfg.Odmr)
	}
	if cfg.Rabi != nil {
		s.Runner.Recipes.UpdateRabi(cfg.Rabi)
	}
	if cfg.PulsedOdmr != nil {
		s.Runner.Recipes.UpdatePulsedOdmr(cfg.PulsedOdmr)
	}
	if cfg.T1 != nil {
		s.Runner.Recipes.UpdateT1(cfg.T1)
	}
	if cfg.HahnEcho != nil {
		s.Runner.Recipes.UpdateHahnEcho(cfg.HahnEcho)
	}
	if cfg.XY8 != nil {
		s.Runner.Recipes.UpdateXY8(cfg.XY8)
	}
}
