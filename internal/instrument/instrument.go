// Package instrument defines the contracts between the measurement
// orchestrator and the long-lived hardware subsystems it drives: the pulse
// sequencer, the microwave (ODMR) sweeper, and the confocal scanner with its
// auto-focus optimizer. Implementations live in the sim and scpi
// subpackages; the orchestrator only ever sees these interfaces.
package instrument

import (
	"errors"
	"fmt"

	"github.com/nvlab-data/autochar/internal/fitting"
)

// Position is a scanner coordinate triplet (x, y, z) in metres.
type Position [3]float64

// Add returns the componentwise sum p + q.
func (p Position) Add(q Position) Position {
	return Position{p[0] + q[0], p[1] + q[1], p[2] + q[2]}
}

// Sub returns the componentwise difference p - q.
func (p Position) Sub(q Position) Position {
	return Position{p[0] - q[0], p[1] - q[1], p[2] - q[2]}
}

func (p Position) String() string {
	return fmt.Sprintf("(%.3g, %.3g, %.3g)", p[0], p[1], p[2])
}

// ErrScannerBusy is returned by MoveTo when the stage rejects a move request.
var ErrScannerBusy = errors.New("scanner busy, move rejected")

// PulserStatus reports the discrete state flags of the pulse sequencer. The
// orchestrator polls these; it never inspects sequencer internals.
type PulserStatus struct {
	GenerationBusy     bool `json:"generation_busy"`
	SampleLoadBusy     bool `json:"sample_load_busy"`
	LoadingBusy        bool `json:"loading_busy"`
	MeasurementRunning bool `json:"measurement_running"`
	OutputEnabled      bool `json:"output_enabled"`
	FittingBusy        bool `json:"fitting_busy"`
}

// GenerationParams are physical properties shared across every pulsed
// sequence: they live on the sequencer, not in per-experiment recipes.
// Nil fields in a SetGenerationParams call leave the stored value untouched.
type GenerationParams struct {
	MicrowaveAmplitude *float64 `json:"microwave_amplitude,omitempty"` // V
	MicrowaveFrequency *float64 `json:"microwave_frequency,omitempty"` // Hz
	RabiPeriod         *float64 `json:"rabi_period,omitempty"`         // s
	LaserLength        *float64 `json:"laser_length,omitempty"`        // s
}

// SequenceSpec describes one predefined pulse sequence to synthesize. Unused
// fields are ignored by sequence kinds that do not need them.
type SequenceSpec struct {
	Name        string  `json:"name"`
	TauStart    float64 `json:"tau_start,omitempty"` // s
	TauStep     float64 `json:"tau_step,omitempty"`  // s
	TauEnd      float64 `json:"tau_end,omitempty"`   // s
	Points      int     `json:"points,omitempty"`
	Order       int     `json:"order,omitempty"` // XY8 pulse order
	Alternating bool    `json:"alternating,omitempty"`
	FreqStart   float64 `json:"freq_start,omitempty"` // Hz
	FreqStep    float64 `json:"freq_step,omitempty"`  // Hz
}

// PulseSequencer is the pulse-program subsystem. Generate, sample/load, fit
// and save are asynchronous: they kick off work and the corresponding
// PulserStatus flag clears on completion. The subsystem accepts only one
// outstanding request, so callers serialize through Waiter.Await.
type PulseSequencer interface {
	// GenerateSequence synthesizes the predefined sequence kind with spec.
	GenerateSequence(kind string, spec SequenceSpec) error
	// SampleEnsemble samples the named waveform, optionally loading it into
	// the generator channels afterwards.
	SampleEnsemble(name string, withLoad bool) error
	// LoadEnsemble loads an already-sampled waveform by name.
	LoadEnsemble(name string) error
	// LoadedAsset reports the name of the currently loaded waveform, or ""
	// when nothing is loaded.
	LoadedAsset() string

	// SetOutputEnabled toggles the pulse generator output channels.
	SetOutputEnabled(on bool) error
	// StartMeasurement and StopMeasurement toggle data acquisition.
	StartMeasurement() error
	StopMeasurement() error
	// PauseMeasurement and ResumeMeasurement stash and restore an in-flight
	// acquisition so a refocus cycle can borrow the hardware.
	PauseMeasurement() error
	ResumeMeasurement() error

	SetGenerationParams(p GenerationParams) error
	GenerationParams() GenerationParams

	// StartFit runs the named fit over the accumulated trace; FitResult is
	// valid once PulserStatus.FittingBusy has cleared.
	StartFit(fitID string) error
	FitResult() (fitting.Result, error)
	// Save persists the accumulated measurement under tag.
	Save(tag string, withError bool) error

	Status() PulserStatus
}

// SweepSettings are the requested (or instrument-adjusted) CW sweep bounds.
type SweepSettings struct {
	Start float64 `json:"start"` // Hz
	Stop  float64 `json:"stop"`  // Hz
	Step  float64 `json:"step"`  // Hz
	Power float64 `json:"power"` // dBm
}

// ScanState is the coarse module state of a scanning subsystem.
type ScanState int

const (
	ScanIdle ScanState = iota
	ScanRunning
)

func (s ScanState) String() string {
	if s == ScanRunning {
		return "running"
	}
	return "idle"
}

// ResonanceScanner is the microwave sweep (CW ODMR) subsystem.
type ResonanceScanner interface {
	// ConfigureSweep requests sweep bounds and returns the values the
	// hardware actually granted (it may clamp or re-grid).
	ConfigureSweep(s SweepSettings) (SweepSettings, error)
	// SetRuntime requests an accumulation time and returns the granted one.
	SetRuntime(seconds float64) (float64, error)
	StartScan() error
	State() ScanState

	StartFit(fitID string) error
	FitResult() (fitting.Result, error)
	Save(tag string) error
}

// Scanner is the confocal stage plus the auto-focus optimizer.
type Scanner interface {
	Position() Position
	// MoveTo repositions the stage; returns ErrScannerBusy if the stage
	// rejects the request.
	MoveTo(p Position) error
	// StartAutofocus begins a drift-compensation optimization anchored at
	// the given coordinates. Completion is observed via AutofocusState
	// transitioning running -> idle.
	StartAutofocus(anchor Position) error
	AutofocusState() ScanState
}
