package sim

import (
	"math"
	"testing"
	"time"

	"github.com/nvlab-data/autochar/internal/instrument"
)

// await spins until pred is true or the deadline passes. The simulators run on
// real timers, so tests poll the same way the orchestrator does.
func await(t *testing.T, pred func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !pred() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPulserGenerateSampleLoad(t *testing.T) {
	p := NewPulser(nil, time.Millisecond)

	spec := instrument.SequenceSpec{Name: "rabi", TauStart: 10e-9, TauStep: 10e-9, Points: 50}
	if err := p.GenerateSequence("rabi", spec); err != nil {
		t.Fatalf("GenerateSequence: %v", err)
	}
	if !p.Status().GenerationBusy {
		t.Error("generation should be busy right after the request")
	}
	// One outstanding request at a time.
	if err := p.SampleEnsemble("rabi", true); err == nil {
		t.Error("sample during generation should be rejected")
	}
	await(t, func() bool { return !p.Status().GenerationBusy })

	if err := p.SampleEnsemble("rabi", true); err != nil {
		t.Fatalf("SampleEnsemble: %v", err)
	}
	await(t, func() bool { return !p.Status().SampleLoadBusy })
	if p.LoadedAsset() != "rabi" {
		t.Errorf("loaded = %q, want rabi", p.LoadedAsset())
	}
}

func TestPulserRejectsUnknownWaveform(t *testing.T) {
	p := NewPulser(nil, time.Millisecond)
	if err := p.SampleEnsemble("ghost", true); err == nil {
		t.Error("sampling an ungenerated waveform should fail")
	}
	if err := p.LoadEnsemble("ghost"); err == nil {
		t.Error("loading an unknown waveform should fail")
	}
	// The neutral alignment program is always loadable.
	if err := p.LoadEnsemble("laser_on"); err != nil {
		t.Errorf("laser_on load: %v", err)
	}
	await(t, func() bool { return !p.Status().LoadingBusy })
	if p.LoadedAsset() != "laser_on" {
		t.Errorf("loaded = %q", p.LoadedAsset())
	}
}

func TestPulserMeasurementTraceMatchesWorld(t *testing.T) {
	world := DefaultWorld()
	p := NewPulser(world, time.Millisecond)

	spec := instrument.SequenceSpec{Name: "rabi", TauStart: 0, TauStep: 10e-9, Points: 50}
	if err := p.GenerateSequence("rabi", spec); err != nil {
		t.Fatal(err)
	}
	await(t, func() bool { return !p.Status().GenerationBusy })
	if err := p.SampleEnsemble("rabi", true); err != nil {
		t.Fatal(err)
	}
	await(t, func() bool { return !p.Status().SampleLoadBusy })
	if err := p.StartMeasurement(); err != nil {
		t.Fatal(err)
	}
	await(t, func() bool { return p.Status().MeasurementRunning })

	x, y := p.Trace()
	if len(x) != 50 {
		t.Fatalf("trace points = %d, want 50", len(x))
	}
	// tau = 0: full population. Half a period later: minimum.
	if math.Abs(y[0]-1.0) > 1e-9 {
		t.Errorf("y(0) = %g, want 1", y[0])
	}
	iHalf := int(world.RabiPeriod / 2 / 10e-9)
	if y[iHalf] > 0.2 {
		t.Errorf("y(T/2) = %g, want near the minimum", y[iHalf])
	}

	if err := p.StopMeasurement(); err != nil {
		t.Fatal(err)
	}
	await(t, func() bool { return !p.Status().MeasurementRunning })
}

func TestPulserPauseResumeKeepsTrace(t *testing.T) {
	p := NewPulser(nil, time.Millisecond)

	spec := instrument.SequenceSpec{Name: "rabi", TauStart: 0, TauStep: 10e-9, Points: 10}
	if err := p.GenerateSequence("rabi", spec); err != nil {
		t.Fatal(err)
	}
	await(t, func() bool { return !p.Status().GenerationBusy })
	if err := p.SampleEnsemble("rabi", true); err != nil {
		t.Fatal(err)
	}
	await(t, func() bool { return !p.Status().SampleLoadBusy })
	if err := p.StartMeasurement(); err != nil {
		t.Fatal(err)
	}
	await(t, func() bool { return p.Status().MeasurementRunning })
	xBefore, _ := p.Trace()

	if err := p.ResumeMeasurement(); err == nil {
		t.Error("resume without pause should fail")
	}
	if err := p.PauseMeasurement(); err != nil {
		t.Fatal(err)
	}
	await(t, func() bool { return !p.Status().MeasurementRunning })
	if err := p.ResumeMeasurement(); err != nil {
		t.Fatal(err)
	}
	await(t, func() bool { return p.Status().MeasurementRunning })

	xAfter, _ := p.Trace()
	if len(xAfter) != len(xBefore) {
		t.Error("pause/resume reset the accumulated trace")
	}
}

func TestPulserFit(t *testing.T) {
	world := DefaultWorld()
	p := NewPulser(world, time.Millisecond)

	spec := instrument.SequenceSpec{Name: "rabi", TauStart: 10e-9, TauStep: 10e-9, Points: 50}
	if err := p.GenerateSequence("rabi", spec); err != nil {
		t.Fatal(err)
	}
	await(t, func() bool { return !p.Status().GenerationBusy })
	if err := p.SampleEnsemble("rabi", true); err != nil {
		t.Fatal(err)
	}
	await(t, func() bool { return !p.Status().SampleLoadBusy })
	if err := p.StartMeasurement(); err != nil {
		t.Fatal(err)
	}
	await(t, func() bool { return p.Status().MeasurementRunning })
	if err := p.StopMeasurement(); err != nil {
		t.Fatal(err)
	}
	await(t, func() bool { return !p.Status().MeasurementRunning })

	if err := p.StartFit("sine_decay"); err != nil {
		t.Fatal(err)
	}
	await(t, func() bool { return !p.Status().FittingBusy })
	result, err := p.FitResult()
	if err != nil {
		t.Fatalf("FitResult: %v", err)
	}
	freq, ok := result.Param("frequency")
	if !ok {
		t.Fatal("fit has no frequency")
	}
	want := 1 / world.RabiPeriod
	if math.Abs(freq-want)/want > 0.1 {
		t.Errorf("frequency = %g, want %g within 10%%", freq, want)
	}
}

func TestResonanceSweep(t *testing.T) {
	world := DefaultWorld()
	r := NewResonance(world)

	granted, err := r.ConfigureSweep(instrument.SweepSettings{
		Start: 2.8e9, Stop: 2.941e9, Step: 2e6, Power: -20,
	})
	if err != nil {
		t.Fatalf("ConfigureSweep: %v", err)
	}
	// Stop lands on the step grid.
	if rem := math.Mod(granted.Stop-granted.Start, granted.Step); rem > 1 && granted.Step-rem > 1 {
		t.Errorf("granted stop %g not on grid", granted.Stop)
	}

	if _, err := r.SetRuntime(0.01); err != nil {
		t.Fatal(err)
	}
	if err := r.StartScan(); err != nil {
		t.Fatal(err)
	}
	if r.State() != instrument.ScanRunning {
		t.Error("scan should report running")
	}
	if err := r.StartScan(); err == nil {
		t.Error("second scan while running should fail")
	}
	await(t, func() bool { return r.State() == instrument.ScanIdle })

	if err := r.StartFit("lorentzian_dip"); err != nil {
		t.Fatal(err)
	}
	result, err := r.FitResult()
	if err != nil {
		t.Fatalf("FitResult: %v", err)
	}
	center, ok := result.Param("center")
	if !ok {
		t.Fatal("fit has no center")
	}
	if math.Abs(center-world.OdmrCenter)/world.OdmrCenter > 0.01 {
		t.Errorf("center = %g, want %g", center, world.OdmrCenter)
	}
}

func TestResonanceRejectsBadSweep(t *testing.T) {
	r := NewResonance(nil)
	if _, err := r.ConfigureSweep(instrument.SweepSettings{Start: 3e9, Stop: 2e9, Step: 2e6}); err == nil {
		t.Error("inverted sweep should be rejected")
	}
	if _, err := r.SetRuntime(-1); err == nil {
		t.Error("negative runtime should be rejected")
	}
	if err := r.StartScan(); err == nil {
		t.Error("scan without runtime should be rejected")
	}
}

func TestScannerAutofocusAppliesDrift(t *testing.T) {
	s := NewScanner(2 * time.Millisecond)
	s.Drift = instrument.Position{1e-8, -1e-8, 0}

	if err := s.MoveTo(instrument.Position{1e-6, 2e-6, 3e-7}); err != nil {
		t.Fatal(err)
	}
	anchor := s.Position()
	if err := s.StartAutofocus(anchor); err != nil {
		t.Fatal(err)
	}
	if s.AutofocusState() != instrument.ScanRunning {
		t.Error("autofocus should report running")
	}
	if err := s.StartAutofocus(anchor); err == nil {
		t.Error("second autofocus while running should fail")
	}
	await(t, func() bool { return s.AutofocusState() == instrument.ScanIdle })

	want := anchor.Add(s.Drift)
	if s.Position() != want {
		t.Errorf("position = %v, want %v", s.Position(), want)
	}
	if s.FocusRuns() != 1 {
		t.Errorf("focus runs = %d, want 1", s.FocusRuns())
	}
}

func TestScannerRejectMoves(t *testing.T) {
	s := NewScanner(time.Millisecond)
	s.RejectMoves = true
	if err := s.MoveTo(instrument.Position{1, 0, 0}); err != instrument.ErrScannerBusy {
		t.Errorf("err = %v, want ErrScannerBusy", err)
	}
}
