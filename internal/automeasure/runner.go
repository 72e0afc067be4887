package automeasure

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nvlab-data/autochar/internal/config"
	"github.com/nvlab-data/autochar/internal/db"
	"github.com/nvlab-data/autochar/internal/fitting"
	"github.com/nvlab-data/autochar/internal/instrument"
	"github.com/nvlab-data/autochar/internal/monitoring"
)

// ErrRunActive is returned when a measurement is requested while another one
// holds the exclusive pulse hardware.
var ErrRunActive = errors.New("another measurement run is active")

// RunRecorder persists run bookkeeping. Implemented by db.RunStore; nil
// disables recording.
type RunRecorder interface {
	InsertRun(db.RunRecord) error
	CompleteRun(runID, status, errMsg string, fitResult json.RawMessage, completedAt time.Time) error
}

// Runner drives one experiment at a time through its full lifecycle:
// configure, generate, sample and load, arm, accumulate (with interleaved
// refocus cycles), stop, fit, persist. The pulse hardware is exclusive, so
// only one run may be active per Runner and the Runner itself must not be
// shared across concurrently measuring orchestrators.
type Runner struct {
	Pulser    instrument.PulseSequencer
	Resonance instrument.ResonanceScanner
	Refocuser *Refocuser
	Recipes   *config.Store
	Wait      instrument.Waiter
	Runs      RunRecorder

	// now and sleep are test seams; nil means time.Now / time.Sleep.
	now   func() time.Time
	sleep func(time.Duration)

	mu     sync.Mutex
	state  RunState
	active bool
}

// NewRunner wires a run controller over the shared instruments.
func NewRunner(pulser instrument.PulseSequencer, resonance instrument.ResonanceScanner, refocuser *Refocuser, recipes *config.Store, wait instrument.Waiter) *Runner {
	return &Runner{
		Pulser:    pulser,
		Resonance: resonance,
		Refocuser: refocuser,
		Recipes:   recipes,
		Wait:      wait,
		state:     StateIdle,
	}
}

// State reports the current lifecycle state for observability.
func (r *Runner) State() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runner) setState(s RunState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Runner) clock() func() time.Time {
	if r.now != nil {
		return r.now
	}
	return time.Now
}

func (r *Runner) pause(d time.Duration) {
	if r.sleep != nil {
		r.sleep(d)
		return
	}
	time.Sleep(d)
}

// acquire claims the exclusive hardware session.
func (r *Runner) acquire() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		return ErrRunActive
	}
	r.active = true
	r.state = StateConfiguring
	return nil
}

func (r *Runner) release(final RunState) {
	r.mu.Lock()
	r.active = false
	r.state = final
	r.mu.Unlock()
}

// pulsedExperiment is everything the generic pulsed lifecycle needs to run
// one experiment type.
type pulsedExperiment struct {
	experiment  string // run-record experiment name
	kind        string // predefined generator kind
	spec        instrument.SequenceSpec
	runtime     time.Duration
	fitID       string
	saveTag     string
	withError   bool
	targetLabel string
	recipe      interface{} // merged recipe, serialized into the run record

	// buildSpec, when set, constructs the spec after the run has been
	// acquired and the shared parameters applied, for experiments that
	// derive sweep bounds from sequencer state.
	buildSpec func() (instrument.SequenceSpec, error)
}

// MeasureRabi runs a Rabi oscillation measurement and returns its fit.
// Overrides are merged into the stored recipe and persist for later calls;
// shared physical parameters (microwave amplitude etc.) are applied to the
// sequencer before generation.
func (r *Runner) MeasureRabi(label string, override *config.RabiRecipe, shared instrument.GenerationParams) (fitting.Result, error) {
	recipe := r.Recipes.UpdateRabi(override)
	return r.runPulsed(pulsedExperiment{
		experiment: "rabi",
		kind:       "rabi",
		spec: instrument.SequenceSpec{
			Name:     "rabi",
			TauStart: *recipe.TauStart,
			TauStep:  *recipe.TauStep,
			Points:   *recipe.Points,
		},
		runtime:     config.RuntimeOf(recipe.Runtime, time.Minute),
		fitID:       deref(recipe.Fit),
		saveTag:     tagFor("autoRabi", label),
		withError:   false,
		targetLabel: label,
		recipe:      recipe,
	}, shared)
}

// MeasureHahnEcho runs a Hahn echo measurement and returns its fit.
func (r *Runner) MeasureHahnEcho(label string, override *config.HahnEchoRecipe, shared instrument.GenerationParams) (fitting.Result, error) {
	recipe := r.Recipes.UpdateHahnEcho(override)
	return r.runPulsed(pulsedExperiment{
		experiment: "hahnecho",
		kind:       "hahnecho",
		spec: instrument.SequenceSpec{
			Name:        "hahn_echo",
			TauStart:    *recipe.TauStart,
			TauStep:     *recipe.TauStep,
			Points:      *recipe.Points,
			Alternating: deref(recipe.Alternating),
		},
		runtime:     config.RuntimeOf(recipe.Runtime, 10*time.Minute),
		fitID:       deref(recipe.Fit),
		saveTag:     tagFor("autoHahnEcho", label),
		withError:   true,
		targetLabel: label,
		recipe:      recipe,
	}, shared)
}

// MeasureT1 runs an exponential T1 relaxation measurement.
func (r *Runner) MeasureT1(label string, override *config.T1Recipe, shared instrument.GenerationParams) (fitting.Result, error) {
	recipe := r.Recipes.UpdateT1(override)
	return r.runPulsed(pulsedExperiment{
		experiment: "t1",
		kind:       "t1_exponential",
		spec: instrument.SequenceSpec{
			Name:     "T1_exp",
			TauStart: *recipe.TauStart,
			TauEnd:   *recipe.TauEnd,
			Points:   *recipe.Points,
		},
		runtime:     config.RuntimeOf(recipe.Runtime, 10*time.Minute),
		fitID:       deref(recipe.Fit),
		saveTag:     tagFor("autoT1_exp", label),
		withError:   true,
		targetLabel: label,
		recipe:      recipe,
	}, shared)
}

// MeasurePulsedOdmr runs a pulsed resonance sweep centred on the sequencer's
// current microwave frequency. The sweep bounds are resolved only after the
// exclusive run is acquired, so a rejected caller never touches the
// sequencer's shared parameters under an active measurement.
func (r *Runner) MeasurePulsedOdmr(label string, override *config.PulsedOdmrRecipe, shared instrument.GenerationParams) (fitting.Result, error) {
	recipe := r.Recipes.UpdatePulsedOdmr(override)
	step := *recipe.FreqStep
	points := *recipe.Points
	return r.runPulsed(pulsedExperiment{
		experiment: "pulsed_odmr",
		kind:       "pulsedodmr",
		buildSpec: func() (instrument.SequenceSpec, error) {
			center := r.Pulser.GenerationParams().MicrowaveFrequency
			if center == nil {
				return instrument.SequenceSpec{}, fmt.Errorf("microwave frequency not set; run a resonance sweep first")
			}
			return instrument.SequenceSpec{
				Name:      "pulsedODMR",
				FreqStart: *center - 0.5*step*float64(points),
				FreqStep:  step,
				Points:    points,
			}, nil
		},
		runtime:     config.RuntimeOf(recipe.Runtime, time.Minute),
		fitID:       deref(recipe.Fit),
		saveTag:     tagFor("autoPulsedODMR", label),
		withError:   true,
		targetLabel: label,
		recipe:      recipe,
	}, shared)
}

// MeasureXY8 runs an ordered XY8 dynamical decoupling measurement. The pulse
// order is baked into the save tag.
func (r *Runner) MeasureXY8(label string, override *config.XY8Recipe, shared instrument.GenerationParams) (fitting.Result, error) {
	return r.measureXY8(label, override, shared, false)
}

// MeasureXY8Random runs the randomised-phase XY8 variant.
func (r *Runner) MeasureXY8Random(label string, override *config.XY8Recipe, shared instrument.GenerationParams) (fitting.Result, error) {
	return r.measureXY8(label, override, shared, true)
}

func (r *Runner) measureXY8(label string, override *config.XY8Recipe, shared instrument.GenerationParams, random bool) (fitting.Result, error) {
	recipe := r.Recipes.UpdateXY8(override)
	kind := "xy8_tau"
	base := fmt.Sprintf("autoXY8-%d", *recipe.Order)
	experiment := "xy8"
	if random {
		kind = "xy8_random_tau"
		base = fmt.Sprintf("autoXY8Random-%d", *recipe.Order)
		experiment = "xy8_random"
	}
	return r.runPulsed(pulsedExperiment{
		experiment: experiment,
		kind:       kind,
		spec: instrument.SequenceSpec{
			Name:        "xy8",
			TauStart:    *recipe.TauStart,
			TauStep:     *recipe.TauStep,
			Order:       *recipe.Order,
			Points:      *recipe.Points,
			Alternating: deref(recipe.Alternating),
		},
		runtime:     config.RuntimeOf(recipe.Runtime, 10*time.Minute),
		fitID:       deref(recipe.Fit),
		saveTag:     tagFor(base, label),
		withError:   false,
		targetLabel: label,
		recipe:      recipe,
	}, shared)
}

// runPulsed executes the generic pulsed experiment lifecycle. On any failure
// the hardware is left stopped, never accumulating.
func (r *Runner) runPulsed(exp pulsedExperiment, shared instrument.GenerationParams) (result fitting.Result, err error) {
	if err := r.acquire(); err != nil {
		monitoring.Logf("%s rejected: %v", exp.experiment, err)
		return fitting.Result{}, err
	}

	runID := r.recordStart(exp)
	defer func() {
		if err != nil {
			r.release(StateStopped)
			r.recordEnd(runID, "error", err, fitting.Result{})
			monitoring.Logf("%s failed: %v", exp.experiment, err)
			return
		}
		r.release(StatePersisted)
		r.recordEnd(runID, "completed", nil, result)
	}()

	// CONFIGURING: shared physical parameters are sequencer state, not
	// per-recipe copies.
	if err = r.Pulser.SetGenerationParams(shared); err != nil {
		return fitting.Result{}, fmt.Errorf("apply shared parameters: %w", err)
	}
	if exp.buildSpec != nil {
		if exp.spec, err = exp.buildSpec(); err != nil {
			return fitting.Result{}, err
		}
	}

	// GENERATING_PROGRAM and SAMPLING_AND_LOADING are strictly serialized:
	// the sequencer accepts only one outstanding request.
	r.setState(StateGenerating)
	if err = r.Pulser.GenerateSequence(exp.kind, exp.spec); err != nil {
		return fitting.Result{}, fmt.Errorf("generate %s: %w", exp.spec.Name, err)
	}
	if err = r.Wait.AwaitNot(func() bool { return r.Pulser.Status().GenerationBusy }); err != nil {
		return fitting.Result{}, fmt.Errorf("await generation of %s: %w", exp.spec.Name, err)
	}

	r.setState(StateSamplingLoading)
	if err = r.Pulser.SampleEnsemble(exp.spec.Name, true); err != nil {
		return fitting.Result{}, fmt.Errorf("sample %s: %w", exp.spec.Name, err)
	}
	if err = r.Wait.AwaitNot(func() bool { return r.Pulser.Status().SampleLoadBusy }); err != nil {
		return fitting.Result{}, fmt.Errorf("await sample/load of %s: %w", exp.spec.Name, err)
	}

	// ARMED -> ACCUMULATING: confirm the subsystem reports running before
	// the accumulation clock starts.
	r.setState(StateArmed)
	if err = r.Pulser.StartMeasurement(); err != nil {
		return fitting.Result{}, fmt.Errorf("start measurement: %w", err)
	}
	if err = r.Wait.Await(func() bool { return r.Pulser.Status().MeasurementRunning }); err != nil {
		return fitting.Result{}, fmt.Errorf("await measurement start: %w", err)
	}

	r.setState(StateAccumulating)
	accErr := r.accumulate(exp.runtime)

	// Stop unconditionally so an accumulation failure cannot leave the
	// hardware measuring.
	r.setState(StateStopped)
	if stopErr := r.Pulser.StopMeasurement(); stopErr != nil && accErr == nil {
		accErr = fmt.Errorf("stop measurement: %w", stopErr)
	}
	if waitErr := r.Wait.AwaitNot(func() bool { return r.Pulser.Status().MeasurementRunning }); waitErr != nil && accErr == nil {
		accErr = fmt.Errorf("await measurement stop: %w", waitErr)
	}
	if accErr != nil {
		return fitting.Result{}, accErr
	}

	r.setState(StateFitting)
	if err = r.Pulser.StartFit(exp.fitID); err != nil {
		return fitting.Result{}, fmt.Errorf("start fit %q: %w", exp.fitID, err)
	}
	if err = r.Wait.AwaitNot(func() bool { return r.Pulser.Status().FittingBusy }); err != nil {
		return fitting.Result{}, fmt.Errorf("await fit %q: %w", exp.fitID, err)
	}
	if result, err = r.Pulser.FitResult(); err != nil {
		return fitting.Result{}, fmt.Errorf("fit %q: %w", exp.fitID, err)
	}

	if err = r.Pulser.Save(exp.saveTag, exp.withError); err != nil {
		return fitting.Result{}, fmt.Errorf("save %q: %w", exp.saveTag, err)
	}
	return result, nil
}

// accumulate idles until the requested measurement time has elapsed,
// interleaving refocus cycles at the configured interval. The start marker is
// advanced by exactly the wall-clock duration each refocus consumed, so the
// elapsed accounting tracks active measurement time only. This is the
// controller's central correctness property: a paused-and-resumed run counts
// no refocus overhead toward its runtime target, and loses no progress.
func (r *Runner) accumulate(runtime time.Duration) error {
	now := r.clock()
	refocusInterval := r.Recipes.RefocusInterval()
	_, _, tick, _, _ := r.Recipes.Durations()

	start := now()
	lastRefocus := now()
	for now().Sub(start) < runtime {
		if refocusInterval > 0 {
			current := now()
			if current.Sub(lastRefocus) >= refocusInterval {
				r.setState(StatePausedForRefocus)
				if err := r.Refocuser.Refocus(); err != nil {
					return fmt.Errorf("refocus during accumulation: %w", err)
				}
				lastRefocus = now()
				start = start.Add(lastRefocus.Sub(current))
				r.setState(StateAccumulating)
			}
		}
		r.pause(tick)
	}
	return nil
}

// MeasureOdmr runs a CW resonance sweep on the resonance subsystem, with the
// pulse generator output enabled for the duration. The granted sweep bounds
// and runtime are written back into the stored recipe, so subsequent calls
// reflect what the hardware actually did.
func (r *Runner) MeasureOdmr(label string, override *config.OdmrRecipe) (result fitting.Result, err error) {
	recipe := r.Recipes.UpdateOdmr(override)
	if err := r.acquire(); err != nil {
		monitoring.Logf("odmr rejected: %v", err)
		return fitting.Result{}, err
	}
	runID := r.recordStart(pulsedExperiment{experiment: "odmr", targetLabel: label, recipe: recipe})
	defer func() {
		if err != nil {
			r.release(StateStopped)
			r.recordEnd(runID, "error", err, fitting.Result{})
			monitoring.Logf("odmr failed: %v", err)
			return
		}
		r.release(StatePersisted)
		r.recordEnd(runID, "completed", nil, result)
	}()

	if err = r.setPulserOutput(true); err != nil {
		return fitting.Result{}, err
	}
	// Output off is best-effort cleanup; a sweep error must not leave the
	// generator emitting.
	defer func() {
		if offErr := r.setPulserOutput(false); offErr != nil && err == nil {
			err = offErr
		}
	}()

	granted, err := r.Resonance.ConfigureSweep(instrument.SweepSettings{
		Start: *recipe.Start,
		Stop:  *recipe.Stop,
		Step:  *recipe.Step,
		Power: *recipe.Power,
	})
	if err != nil {
		return fitting.Result{}, fmt.Errorf("configure sweep: %w", err)
	}
	requested := config.RuntimeOf(recipe.Runtime, time.Minute)
	grantedRuntime, err := r.Resonance.SetRuntime(requested.Seconds())
	if err != nil {
		return fitting.Result{}, fmt.Errorf("set sweep runtime: %w", err)
	}
	grantedStr := time.Duration(grantedRuntime * float64(time.Second)).String()
	r.Recipes.UpdateOdmr(&config.OdmrRecipe{
		Runtime: &grantedStr,
		Start:   &granted.Start,
		Stop:    &granted.Stop,
		Step:    &granted.Step,
		Power:   &granted.Power,
	})

	r.setState(StateAccumulating)
	if err = r.Resonance.StartScan(); err != nil {
		return fitting.Result{}, fmt.Errorf("start sweep: %w", err)
	}
	if err = r.Wait.Await(func() bool { return r.Resonance.State() == instrument.ScanRunning }); err != nil {
		return fitting.Result{}, fmt.Errorf("await sweep start: %w", err)
	}
	if err = r.Wait.Await(func() bool { return r.Resonance.State() == instrument.ScanIdle }); err != nil {
		return fitting.Result{}, fmt.Errorf("await sweep finish: %w", err)
	}

	r.setState(StateFitting)
	if err = r.Resonance.StartFit(deref(recipe.Fit)); err != nil {
		return fitting.Result{}, fmt.Errorf("start sweep fit: %w", err)
	}
	if result, err = r.Resonance.FitResult(); err != nil {
		return fitting.Result{}, fmt.Errorf("sweep fit: %w", err)
	}
	if err = r.Resonance.Save(tagFor("autoODMR", label)); err != nil {
		return fitting.Result{}, fmt.Errorf("save sweep: %w", err)
	}
	return result, nil
}

// setPulserOutput toggles the generator output with its settle pad.
func (r *Runner) setPulserOutput(on bool) error {
	_, _, _, settle, _ := r.Recipes.Durations()
	if err := r.Pulser.SetOutputEnabled(on); err != nil {
		return fmt.Errorf("set pulser output %v: %w", on, err)
	}
	if err := r.Wait.Await(func() bool { return r.Pulser.Status().OutputEnabled == on }); err != nil {
		return fmt.Errorf("await pulser output %v: %w", on, err)
	}
	r.pause(settle)
	return nil
}

// recordStart persists a run record and returns its ID; recording is
// best-effort and never blocks a measurement.
func (r *Runner) recordStart(exp pulsedExperiment) string {
	if r.Runs == nil {
		return ""
	}
	runID := uuid.New().String()
	recipeJSON, err := json.Marshal(exp.recipe)
	if err != nil {
		recipeJSON = nil
	}
	rec := db.RunRecord{
		RunID:       runID,
		Experiment:  exp.experiment,
		TargetLabel: exp.targetLabel,
		Recipe:      recipeJSON,
		Status:      "running",
		StartedAt:   r.clock()(),
	}
	if err := r.Runs.InsertRun(rec); err != nil {
		monitoring.Logf("run record insert failed: %v", err)
		return ""
	}
	return runID
}

func (r *Runner) recordEnd(runID, status string, runErr error, result fitting.Result) {
	if r.Runs == nil || runID == "" {
		return
	}
	var errMsg string
	if runErr != nil {
		errMsg = runErr.Error()
	}
	var fitJSON json.RawMessage
	if result.Function != "" {
		if b, err := json.Marshal(result); err == nil {
			fitJSON = b
		}
	}
	if err := r.Runs.CompleteRun(runID, status, errMsg, fitJSON, r.clock()()); err != nil {
		monitoring.Logf("run record update failed: %v", err)
	}
}

func tagFor(base, label string) string {
	if label == "" {
		return base
	}
	return base + "_" + label
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
