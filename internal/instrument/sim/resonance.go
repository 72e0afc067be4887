package sim

import (
	"fmt"
	"sync"
	"time"

	"github.com/nvlab-data/autochar/internal/artifacts"
	"github.com/nvlab-data/autochar/internal/fitting"
	"github.com/nvlab-data/autochar/internal/instrument"
	"github.com/nvlab-data/autochar/internal/monitoring"
)

// Resonance simulates the CW microwave sweep (ODMR) subsystem. A scan runs
// for the configured runtime in real time, then the synthesized sweep trace
// becomes available for fitting.
type Resonance struct {
	// Artifacts, when set, receives saved sweeps.
	Artifacts *artifacts.Writer

	world *World
	logf  func(format string, v ...interface{})

	mu      sync.Mutex
	sweep   instrument.SweepSettings
	runtime time.Duration
	state   instrument.ScanState

	traceX, traceY []float64
	fit            fitting.Result
	fitErr         error
}

// NewResonance creates a simulated resonance sweeper over the given world.
func NewResonance(world *World) *Resonance {
	if world == nil {
		world = DefaultWorld()
	}
	return &Resonance{
		world: world,
		logf:  monitoring.Prefixed("sim-odmr"),
		sweep: instrument.SweepSettings{Start: 2.8e9, Stop: 2.94e9, Step: 2e6, Power: -20},
	}
}

// ConfigureSweep grid-aligns the requested bounds the way a synthesizer
// would: the stop frequency lands on an integer number of steps.
func (r *Resonance) ConfigureSweep(s instrument.SweepSettings) (instrument.SweepSettings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == instrument.ScanRunning {
		return r.sweep, fmt.Errorf("sweep running, cannot reconfigure")
	}
	if s.Step <= 0 || s.Stop <= s.Start {
		return r.sweep, fmt.Errorf("invalid sweep bounds start=%g stop=%g step=%g", s.Start, s.Stop, s.Step)
	}
	steps := int((s.Stop - s.Start) / s.Step)
	granted := s
	granted.Stop = s.Start + float64(steps)*s.Step
	r.sweep = granted
	return granted, nil
}

// SetRuntime requests a scan accumulation time and returns the granted one.
func (r *Resonance) SetRuntime(seconds float64) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if seconds <= 0 {
		return r.runtime.Seconds(), fmt.Errorf("runtime must be positive, got %g", seconds)
	}
	r.runtime = time.Duration(seconds * float64(time.Second))
	return r.runtime.Seconds(), nil
}

// StartScan begins a sweep; State transitions to running now and back to
// idle after the configured runtime, when the trace has been synthesized.
func (r *Resonance) StartScan() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == instrument.ScanRunning {
		return fmt.Errorf("scan already running")
	}
	if r.runtime <= 0 {
		return fmt.Errorf("runtime not configured")
	}
	r.state = instrument.ScanRunning
	r.logf("scan started: %s over [%.4g, %.4g] Hz", r.runtime, r.sweep.Start, r.sweep.Stop)
	sweep := r.sweep
	time.AfterFunc(r.runtime, func() {
		n := int((sweep.Stop-sweep.Start)/sweep.Step) + 1
		x := make([]float64, n)
		y := make([]float64, n)
		for i := 0; i < n; i++ {
			x[i] = sweep.Start + float64(i)*sweep.Step
			y[i] = r.world.lorentzianDip(x[i])
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		r.traceX, r.traceY = x, y
		r.state = instrument.ScanIdle
	})
	return nil
}

// State reports whether a scan is in progress.
func (r *Resonance) State() instrument.ScanState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// StartFit fits the accumulated sweep. The simulator fits synchronously;
// completion is observable immediately via FitResult.
func (r *Resonance) StartFit(fitID string) error {
	r.mu.Lock()
	x, y := r.traceX, r.traceY
	r.mu.Unlock()
	result, err := fitting.Fit(fitID, x, y)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fit = result
	r.fitErr = err
	return nil
}

// FitResult returns the outcome of the last fit.
func (r *Resonance) FitResult() (fitting.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fit, r.fitErr
}

// Save writes the accumulated sweep through the artifact writer, if any.
func (r *Resonance) Save(tag string) error {
	r.mu.Lock()
	x, y := r.traceX, r.traceY
	w := r.Artifacts
	r.mu.Unlock()

	r.logf("saving sweep as %q (%d points)", tag, len(x))
	if w == nil || len(x) == 0 {
		return nil
	}
	if _, err := w.WriteTrace(tag, x, y, nil); err != nil {
		return err
	}
	_, err := w.WritePlot(tag, tag, "frequency (Hz)", "signal", x, y, nil)
	return err
}
