package automeasure

import (
	"fmt"
	"time"

	"github.com/nvlab-data/autochar/internal/instrument"
	"github.com/nvlab-data/autochar/internal/monitoring"
)

// laserOnProgram is the neutral always-on waveform loaded while the optimizer
// owns the hardware.
const laserOnProgram = "laser_on"

// Refocuser re-centres the optical alignment on a target to counter slow
// positional drift, transparently to any in-flight pulsed measurement: the
// loaded program identity and the accumulated data survive the cycle, only
// wall-clock time is consumed.
type Refocuser struct {
	Pulser  instrument.PulseSequencer
	Scanner instrument.Scanner
	Wait    instrument.Waiter
	// Settle pads output enable/disable, which has no dedicated ready flag.
	Settle time.Duration

	// sleep is a test seam; nil means time.Sleep.
	sleep func(time.Duration)
}

// NewRefocuser wires a refocus policy over the shared instruments.
func NewRefocuser(pulser instrument.PulseSequencer, scanner instrument.Scanner, wait instrument.Waiter, settle time.Duration) *Refocuser {
	return &Refocuser{Pulser: pulser, Scanner: scanner, Wait: wait, Settle: settle}
}

func (r *Refocuser) pause(d time.Duration) {
	if d <= 0 {
		return
	}
	if r.sleep != nil {
		r.sleep(d)
		return
	}
	time.Sleep(d)
}

// Refocus runs one drift-compensation cycle. If a pulsed measurement is
// running it is cooperatively paused first and resumed afterwards with its
// original program reloaded.
func (r *Refocuser) Refocus() error {
	var stashed string
	if r.Pulser.Status().MeasurementRunning {
		stashed = r.Pulser.LoadedAsset()
		if err := r.Pulser.PauseMeasurement(); err != nil {
			return fmt.Errorf("pause measurement for refocus: %w", err)
		}
		if err := r.Wait.AwaitNot(r.measurementRunning); err != nil {
			return fmt.Errorf("await measurement pause: %w", err)
		}
	}

	// The optimizer wanders the stage during refocus; it is anchored at the
	// coordinates captured here.
	anchor := r.Scanner.Position()

	if err := r.Pulser.LoadEnsemble(laserOnProgram); err != nil {
		return fmt.Errorf("load %s: %w", laserOnProgram, err)
	}
	if err := r.Wait.AwaitNot(func() bool { return r.Pulser.Status().LoadingBusy }); err != nil {
		return fmt.Errorf("await %s load: %w", laserOnProgram, err)
	}
	if err := r.setOutput(true); err != nil {
		return err
	}

	if err := r.Scanner.StartAutofocus(anchor); err != nil {
		return fmt.Errorf("start autofocus: %w", err)
	}
	// First confirm the optimizer actually started, then wait out the cycle.
	if err := r.Wait.Await(r.autofocusRunning); err != nil {
		return fmt.Errorf("await autofocus start: %w", err)
	}
	if err := r.Wait.AwaitNot(r.autofocusRunning); err != nil {
		return fmt.Errorf("await autofocus finish: %w", err)
	}
	r.pause(r.Settle)

	if err := r.setOutput(false); err != nil {
		return err
	}

	if stashed != "" {
		if err := r.Pulser.LoadEnsemble(stashed); err != nil {
			return fmt.Errorf("reload %q after refocus: %w", stashed, err)
		}
		if err := r.Wait.AwaitNot(func() bool { return r.Pulser.Status().LoadingBusy }); err != nil {
			return fmt.Errorf("await %q reload: %w", stashed, err)
		}
		if err := r.Pulser.ResumeMeasurement(); err != nil {
			return fmt.Errorf("resume measurement after refocus: %w", err)
		}
		if err := r.Wait.Await(r.measurementRunning); err != nil {
			return fmt.Errorf("await measurement resume: %w", err)
		}
		monitoring.Logf("refocus complete, measurement %q resumed", stashed)
	} else {
		monitoring.Logf("refocus complete")
	}
	return nil
}

// setOutput toggles the pulse generator output and waits out the settle pad;
// enable/disable is not instantaneous and has no ready signal.
func (r *Refocuser) setOutput(on bool) error {
	if err := r.Pulser.SetOutputEnabled(on); err != nil {
		return fmt.Errorf("set pulser output %v: %w", on, err)
	}
	if err := r.Wait.Await(func() bool { return r.Pulser.Status().OutputEnabled == on }); err != nil {
		return fmt.Errorf("await pulser output %v: %w", on, err)
	}
	r.pause(r.Settle)
	return nil
}

func (r *Refocuser) measurementRunning() bool {
	return r.Pulser.Status().MeasurementRunning
}

func (r *Refocuser) autofocusRunning() bool {
	return r.Scanner.AutofocusState() == instrument.ScanRunning
}
