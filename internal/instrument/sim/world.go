// Package sim provides simulated implementations of the instrument
// interfaces. The simulators reproduce the asynchronous status-flag contract
// of the real hardware (busy flags that clear after a configurable latency)
// and synthesize physically-shaped traces, so the orchestrator and its tests
// run against the same protocol the lab instruments expose.
package sim

import (
	"math"
	"math/rand"
)

// World holds the ground-truth physics of the simulated emitter. Synthesized
// traces are derived from these values, so fits over simulated data recover
// them (up to noise).
type World struct {
	OdmrCenter   float64 // Hz
	OdmrFWHM     float64 // Hz
	OdmrContrast float64 // fraction of baseline

	RabiPeriod float64 // s
	T1         float64 // s
	T2         float64 // s

	// Noise is the relative amplitude of Gaussian noise added to traces.
	// Zero gives deterministic traces.
	Noise float64

	rng *rand.Rand
}

// DefaultWorld returns ground-truth values typical of a single NV centre.
func DefaultWorld() *World {
	return &World{
		OdmrCenter:   2.87e9,
		OdmrFWHM:     10e6,
		OdmrContrast: 0.2,
		RabiPeriod:   200e-9,
		T1:           2e-3,
		T2:           8e-6,
		rng:          rand.New(rand.NewSource(1)),
	}
}

func (w *World) noise() float64 {
	if w.Noise == 0 {
		return 0
	}
	if w.rng == nil {
		w.rng = rand.New(rand.NewSource(1))
	}
	return w.rng.NormFloat64() * w.Noise
}

// lorentzianDip evaluates the simulated CW resonance at frequency f,
// normalized to a baseline of 1.
func (w *World) lorentzianDip(f float64) float64 {
	hwhm := w.OdmrFWHM / 2
	d := (f - w.OdmrCenter) / hwhm
	return 1 - w.OdmrContrast/(1+d*d) + w.noise()
}

// rabiSignal evaluates the simulated Rabi oscillation at pulse length tau.
func (w *World) rabiSignal(tau float64) float64 {
	decay := 10 * w.RabiPeriod
	return 0.5 + 0.5*math.Cos(2*math.Pi*tau/w.RabiPeriod)*math.Exp(-tau/decay) + w.noise()
}

// echoSignal evaluates the simulated Hahn echo / XY8 envelope at tau.
func (w *World) echoSignal(tau, lifetime float64) float64 {
	return 0.5 + 0.5*math.Exp(-math.Pow(tau/lifetime, 1.5)) + w.noise()
}

// t1Signal evaluates the simulated T1 relaxation at wait time tau.
func (w *World) t1Signal(tau float64) float64 {
	return 0.3 + 0.7*math.Exp(-tau/w.T1) + w.noise()
}
