// Package fitting provides the small set of curve fits used to reduce raw
// measurement traces to physical constants: a Lorentzian dip for resonance
// sweeps, a decaying sine for Rabi oscillations, and plain or stretched
// exponential decays for relaxation and echo measurements.
package fitting

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
)

// Result is the outcome of a curve fit: named scalar parameters keyed by the
// fit function that produced them.
type Result struct {
	Function string             `json:"function"`
	Params   map[string]float64 `json:"params"`
}

// Param returns a named fit parameter and whether it was present.
func (r Result) Param(name string) (float64, bool) {
	v, ok := r.Params[name]
	return v, ok
}

// Fit function identifiers. These are the values recipes carry in their
// "fit" field.
const (
	FitNone          = "none"
	FitLorentzianDip = "lorentzian_dip"
	FitSineDecay     = "sine_decay"
	FitExpDecay      = "exp_decay"
	FitStretchedExp  = "stretched_exp"
)

// ErrUnknownFit is returned when a recipe names a fit this package does not
// implement.
var ErrUnknownFit = errors.New("unknown fit function")

// Fit dispatches to the named fit function over the trace (x, y).
func Fit(fitID string, x, y []float64) (Result, error) {
	if len(x) != len(y) {
		return Result{}, fmt.Errorf("trace length mismatch: %d x vs %d y", len(x), len(y))
	}
	if len(x) < 4 {
		return Result{}, fmt.Errorf("trace too short to fit: %d points", len(x))
	}
	switch fitID {
	case FitNone, "":
		return Result{Function: FitNone, Params: map[string]float64{}}, nil
	case FitLorentzianDip:
		return lorentzianDip(x, y)
	case FitSineDecay:
		return sineDecay(x, y)
	case FitExpDecay:
		return expDecay(x, y)
	case FitStretchedExp:
		return stretchedExp(x, y)
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownFit, fitID)
	}
}

// minimize runs a derivative-free local search from the initial guess.
func minimize(residual func(p []float64) float64, init []float64) ([]float64, error) {
	problem := optimize.Problem{Func: residual}
	result, err := optimize.Minimize(problem, init, nil, &optimize.NelderMead{})
	if err != nil {
		return nil, fmt.Errorf("minimize: %w", err)
	}
	return result.X, nil
}

// lorentzianDip fits y = offset - contrast / (1 + ((x-center)/hwhm)^2).
// Reported params: center, contrast, fwhm, offset.
func lorentzianDip(x, y []float64) (Result, error) {
	offset0 := floats.Max(y)
	iMin := floats.MinIdx(y)
	center0 := x[iMin]
	contrast0 := offset0 - y[iMin]
	if contrast0 <= 0 {
		contrast0 = 1e-9
	}
	// Half width estimate from the points nearest half depth on either side.
	half := offset0 - contrast0/2
	hwhm0 := (x[len(x)-1] - x[0]) / 10
	for i := iMin; i < len(x); i++ {
		if y[i] >= half {
			hwhm0 = x[i] - center0
			break
		}
	}
	if hwhm0 <= 0 {
		hwhm0 = (x[len(x)-1] - x[0]) / 10
	}

	model := func(p []float64, xi float64) float64 {
		d := (xi - p[0]) / p[2]
		return p[3] - p[1]/(1+d*d)
	}
	p, err := minimize(sumSquares(model, x, y), []float64{center0, contrast0, hwhm0, offset0})
	if err != nil {
		return Result{}, err
	}
	return Result{
		Function: FitLorentzianDip,
		Params: map[string]float64{
			"center":   p[0],
			"contrast": p[1],
			"fwhm":     2 * math.Abs(p[2]),
			"offset":   p[3],
		},
	}, nil
}

// sineDecay fits y = offset + amplitude * exp(-x/decay) * sin(2*pi*f*x + phase).
// Reported params: frequency, amplitude, phase, decay, offset.
func sineDecay(x, y []float64) (Result, error) {
	n := len(x)
	offset0 := floats.Sum(y) / float64(n)
	centered := make([]float64, n)
	for i, v := range y {
		centered[i] = v - offset0
	}

	// Dominant frequency from the FFT of the mean-subtracted trace. Assumes
	// a near-uniform x grid, which every generated sweep provides.
	dt := (x[n-1] - x[0]) / float64(n-1)
	fft := fourier.NewFFT(n)
	coeffs := fft.Coefficients(nil, centered)
	iPeak := 1
	peak := 0.0
	for i := 1; i < len(coeffs); i++ {
		if m := cmplxAbs(coeffs[i]); m > peak {
			peak = m
			iPeak = i
		}
	}
	freq0 := fft.Freq(iPeak) / dt
	if freq0 <= 0 {
		freq0 = 1 / (x[n-1] - x[0])
	}

	amp0 := (floats.Max(y) - floats.Min(y)) / 2
	decay0 := x[n-1] - x[0]

	model := func(p []float64, xi float64) float64 {
		return p[4] + p[1]*math.Exp(-xi/p[3])*math.Sin(2*math.Pi*p[0]*xi+p[2])
	}
	p, err := minimize(sumSquares(model, x, y), []float64{freq0, amp0, 0, decay0, offset0})
	if err != nil {
		return Result{}, err
	}
	return Result{
		Function: FitSineDecay,
		Params: map[string]float64{
			"frequency": math.Abs(p[0]),
			"amplitude": p[1],
			"phase":     p[2],
			"decay":     math.Abs(p[3]),
			"offset":    p[4],
		},
	}, nil
}

// expDecay fits y = offset + amplitude * exp(-x/lifetime).
// Reported params: lifetime, amplitude, offset.
func expDecay(x, y []float64) (Result, error) {
	offset0 := floats.Min(y)
	amp0 := y[0] - offset0
	if amp0 <= 0 {
		amp0 = 1e-9
	}
	lifetime0 := lifetimeGuess(x, y, offset0, amp0)

	model := func(p []float64, xi float64) float64 {
		return p[2] + p[1]*math.Exp(-xi/p[0])
	}
	p, err := minimize(sumSquares(model, x, y), []float64{lifetime0, amp0, offset0})
	if err != nil {
		return Result{}, err
	}
	return Result{
		Function: FitExpDecay,
		Params: map[string]float64{
			"lifetime":  math.Abs(p[0]),
			"amplitude": p[1],
			"offset":    p[2],
		},
	}, nil
}

// stretchedExp fits y = offset + amplitude * exp(-(x/lifetime)^beta).
// Reported params: lifetime, beta, amplitude, offset.
func stretchedExp(x, y []float64) (Result, error) {
	offset0 := floats.Min(y)
	amp0 := y[0] - offset0
	if amp0 <= 0 {
		amp0 = 1e-9
	}
	lifetime0 := lifetimeGuess(x, y, offset0, amp0)

	model := func(p []float64, xi float64) float64 {
		if xi <= 0 {
			return p[3] + p[2]
		}
		return p[3] + p[2]*math.Exp(-math.Pow(xi/math.Abs(p[0]), p[1]))
	}
	p, err := minimize(sumSquares(model, x, y), []float64{lifetime0, 1.5, amp0, offset0})
	if err != nil {
		return Result{}, err
	}
	return Result{
		Function: FitStretchedExp,
		Params: map[string]float64{
			"lifetime":  math.Abs(p[0]),
			"beta":      p[1],
			"amplitude": p[2],
			"offset":    p[3],
		},
	}, nil
}

// lifetimeGuess picks the x where the trace first drops below 1/e of its
// initial excursion above the offset.
func lifetimeGuess(x, y []float64, offset, amp float64) float64 {
	threshold := offset + amp/math.E
	for i, v := range y {
		if v <= threshold {
			if x[i] > 0 {
				return x[i]
			}
			break
		}
	}
	return (x[len(x)-1] - x[0]) / 2
}

func sumSquares(model func(p []float64, xi float64) float64, x, y []float64) func(p []float64) float64 {
	return func(p []float64) float64 {
		var sse float64
		for i := range x {
			r := y[i] - model(p, x[i])
			sse += r * r
		}
		return sse
	}
}

func cmplxAbs(c complex128) float64 {
	return math.Hypot(real(c), imag(c))
}
