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

// Pulser simulates the pulse sequencer subsystem. Asynchronous operations
// flip a busy flag that clears after Latency, mirroring the real hardware's
// one-outstanding-request protocol.
type Pulser struct {
	// Latency is how long each asynchronous operation stays busy.
	Latency time.Duration
	// Artifacts, when set, receives saved traces.
	Artifacts *artifacts.Writer

	world *World
	logf  func(format string, v ...interface{})

	mu        sync.Mutex
	status    instrument.PulserStatus
	genParams instrument.GenerationParams
	generated map[string]sequence
	loaded    string
	paused    bool

	traceX, traceY []float64
	fit            fitting.Result
	fitErr         error
}

type sequence struct {
	kind string
	spec instrument.SequenceSpec
}

// NewPulser creates a simulated pulse sequencer over the given world.
func NewPulser(world *World, latency time.Duration) *Pulser {
	if world == nil {
		world = DefaultWorld()
	}
	if latency <= 0 {
		latency = 2 * time.Millisecond
	}
	return &Pulser{
		Latency:   latency,
		world:     world,
		logf:      monitoring.Prefixed("sim-pulser"),
		generated: make(map[string]sequence),
	}
}

// busyAny reports whether any asynchronous request is outstanding.
func (p *Pulser) busyAny() bool {
	return p.status.GenerationBusy || p.status.SampleLoadBusy ||
		p.status.LoadingBusy || p.status.FittingBusy
}

// GenerateSequence synthesizes a predefined sequence after Latency.
func (p *Pulser) GenerateSequence(kind string, spec instrument.SequenceSpec) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.busyAny() {
		return fmt.Errorf("sequencer busy, cannot generate %q", spec.Name)
	}
	if spec.Name == "" {
		return fmt.Errorf("sequence name must not be empty")
	}
	p.status.GenerationBusy = true
	p.logf("generating %s (%s)", spec.Name, kind)
	time.AfterFunc(p.Latency, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.generated[spec.Name] = sequence{kind: kind, spec: spec}
		p.status.GenerationBusy = false
	})
	return nil
}

// SampleEnsemble samples a generated waveform, optionally loading it.
func (p *Pulser) SampleEnsemble(name string, withLoad bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.busyAny() {
		return fmt.Errorf("sequencer busy, cannot sample %q", name)
	}
	if _, ok := p.generated[name]; !ok {
		return fmt.Errorf("no generated waveform named %q", name)
	}
	p.status.SampleLoadBusy = true
	time.AfterFunc(p.Latency, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if withLoad {
			p.loaded = name
		}
		p.status.SampleLoadBusy = false
	})
	return nil
}

// LoadEnsemble loads an already-sampled waveform.
func (p *Pulser) LoadEnsemble(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.busyAny() {
		return fmt.Errorf("sequencer busy, cannot load %q", name)
	}
	if _, ok := p.generated[name]; !ok && name != "laser_on" {
		return fmt.Errorf("no waveform named %q", name)
	}
	p.status.LoadingBusy = true
	time.AfterFunc(p.Latency, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.loaded = name
		p.status.LoadingBusy = false
	})
	return nil
}

// LoadedAsset reports the currently loaded waveform name.
func (p *Pulser) LoadedAsset() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loaded
}

// SetOutputEnabled toggles the generator output. The flag flips after
// Latency; real hardware has no instantaneous enable either.
func (p *Pulser) SetOutputEnabled(on bool) error {
	time.AfterFunc(p.Latency, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.status.OutputEnabled = on
	})
	return nil
}

// StartMeasurement begins acquisition on the loaded waveform and synthesizes
// its trace from the world's ground truth.
func (p *Pulser) StartMeasurement() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loaded == "" {
		return fmt.Errorf("no waveform loaded")
	}
	if p.status.MeasurementRunning {
		return fmt.Errorf("measurement already running")
	}
	seq, ok := p.generated[p.loaded]
	if ok {
		p.traceX, p.traceY = p.synthesize(seq)
	}
	time.AfterFunc(p.Latency, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.status.MeasurementRunning = true
	})
	return nil
}

// StopMeasurement halts acquisition.
func (p *Pulser) StopMeasurement() error {
	time.AfterFunc(p.Latency, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.status.MeasurementRunning = false
	})
	return nil
}

// PauseMeasurement stashes the in-flight acquisition.
func (p *Pulser) PauseMeasurement() error {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
	return p.StopMeasurement()
}

// ResumeMeasurement restores a paused acquisition without resetting the
// accumulated trace.
func (p *Pulser) ResumeMeasurement() error {
	p.mu.Lock()
	if !p.paused {
		p.mu.Unlock()
		return fmt.Errorf("no paused measurement to resume")
	}
	p.paused = false
	p.mu.Unlock()
	time.AfterFunc(p.Latency, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.status.MeasurementRunning = true
	})
	return nil
}

// SetGenerationParams updates the shared physical parameters; nil fields are
// left untouched.
func (p *Pulser) SetGenerationParams(params instrument.GenerationParams) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if params.MicrowaveAmplitude != nil {
		p.genParams.MicrowaveAmplitude = params.MicrowaveAmplitude
	}
	if params.MicrowaveFrequency != nil {
		p.genParams.MicrowaveFrequency = params.MicrowaveFrequency
	}
	if params.RabiPeriod != nil {
		p.genParams.RabiPeriod = params.RabiPeriod
	}
	if params.LaserLength != nil {
		p.genParams.LaserLength = params.LaserLength
	}
	return nil
}

// GenerationParams returns the current shared physical parameters.
func (p *Pulser) GenerationParams() instrument.GenerationParams {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.genParams
}

// StartFit fits the accumulated trace asynchronously.
func (p *Pulser) StartFit(fitID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.busyAny() {
		return fmt.Errorf("sequencer busy, cannot fit")
	}
	x, y := p.traceX, p.traceY
	p.status.FittingBusy = true
	time.AfterFunc(p.Latency, func() {
		result, err := fitting.Fit(fitID, x, y)
		p.mu.Lock()
		defer p.mu.Unlock()
		p.fit = result
		p.fitErr = err
		p.status.FittingBusy = false
	})
	return nil
}

// FitResult returns the outcome of the last completed fit.
func (p *Pulser) FitResult() (fitting.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fit, p.fitErr
}

// Save writes the accumulated trace through the artifact writer, if any.
func (p *Pulser) Save(tag string, withError bool) error {
	p.mu.Lock()
	x, y := p.traceX, p.traceY
	w := p.Artifacts
	p.mu.Unlock()

	p.logf("saving measurement as %q (%d points)", tag, len(x))
	if w == nil || len(x) == 0 {
		return nil
	}
	var yerr []float64
	if withError {
		yerr = make([]float64, len(y))
		for i := range yerr {
			yerr[i] = 0.01
		}
	}
	if _, err := w.WriteTrace(tag, x, y, yerr); err != nil {
		return err
	}
	_, err := w.WritePlot(tag, tag, "tau (s)", "signal", x, y, nil)
	return err
}

// Status returns the current status flags.
func (p *Pulser) Status() instrument.PulserStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Trace exposes the synthesized trace for assertions.
func (p *Pulser) Trace() (x, y []float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.traceX, p.traceY
}

// synthesize builds the trace for a sequence from the world's ground truth.
// Caller holds p.mu.
func (p *Pulser) synthesize(seq sequence) (x, y []float64) {
	spec := seq.spec
	n := spec.Points
	if n <= 0 {
		n = 2
	}
	x = make([]float64, n)
	y = make([]float64, n)
	switch seq.kind {
	case "rabi":
		for i := 0; i < n; i++ {
			x[i] = spec.TauStart + float64(i)*spec.TauStep
			y[i] = p.world.rabiSignal(x[i])
		}
	case "hahnecho":
		for i := 0; i < n; i++ {
			x[i] = spec.TauStart + float64(i)*spec.TauStep
			y[i] = p.world.echoSignal(x[i], p.world.T2)
		}
	case "xy8_tau", "xy8_random_tau":
		// Decoupling extends the echo lifetime with pulse order.
		lifetime := p.world.T2 * (1 + 0.5*float64(spec.Order))
		for i := 0; i < n; i++ {
			x[i] = spec.TauStart + float64(i)*spec.TauStep
			y[i] = p.world.echoSignal(x[i], lifetime)
		}
	case "t1_exponential":
		step := (spec.TauEnd - spec.TauStart) / float64(n-1)
		for i := 0; i < n; i++ {
			x[i] = spec.TauStart + float64(i)*step
			y[i] = p.world.t1Signal(x[i])
		}
	case "pulsedodmr":
		for i := 0; i < n; i++ {
			x[i] = spec.FreqStart + float64(i)*spec.FreqStep
			y[i] = p.world.lorentzianDip(x[i])
		}
	default:
		for i := 0; i < n; i++ {
			x[i] = float64(i)
			y[i] = p.world.noise()
		}
	}
	return x, y
}
