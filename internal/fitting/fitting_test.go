package fitting

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// within asserts a recovered parameter is inside tol (relative) of want.
func within(t *testing.T, name string, got, want, tol float64) {
	t.Helper()
	if want == 0 {
		assert.InDelta(t, want, got, tol, "param %s", name)
		return
	}
	rel := math.Abs(got-want) / math.Abs(want)
	assert.LessOrEqualf(t, rel, tol, "param %s = %g, want %g within %.0f%%", name, got, want, tol*100)
}

func TestFitLorentzianDip(t *testing.T) {
	const (
		center   = 2.87e9
		fwhm     = 10e6
		contrast = 0.2
		offset   = 1.0
	)
	var x, y []float64
	for f := 2.65e9; f <= 3.15e9; f += 2e6 {
		d := (f - center) / (fwhm / 2)
		x = append(x, f)
		y = append(y, offset-contrast/(1+d*d))
	}

	result, err := Fit(FitLorentzianDip, x, y)
	require.NoError(t, err)
	assert.Equal(t, FitLorentzianDip, result.Function)

	got, ok := result.Param("center")
	require.True(t, ok)
	within(t, "center", got, center, 0.001)

	gotFwhm, _ := result.Param("fwhm")
	within(t, "fwhm", gotFwhm, fwhm, 0.05)
	gotContrast, _ := result.Param("contrast")
	within(t, "contrast", gotContrast, contrast, 0.05)
}

func TestFitSineDecay(t *testing.T) {
	const (
		freq   = 5e6 // 200ns Rabi period
		amp    = 0.5
		decay  = 2e-6
		offset = 0.5
	)
	var x, y []float64
	for i := 0; i < 50; i++ {
		xi := float64(i) * 10e-9
		x = append(x, xi)
		y = append(y, offset+amp*math.Exp(-xi/decay)*math.Sin(2*math.Pi*freq*xi+math.Pi/2))
	}

	result, err := Fit(FitSineDecay, x, y)
	require.NoError(t, err)

	got, ok := result.Param("frequency")
	require.True(t, ok)
	within(t, "frequency", got, freq, 0.05)
}

func TestFitExpDecay(t *testing.T) {
	const (
		lifetime = 2e-3
		amp      = 0.8
		offset   = 0.2
	)
	var x, y []float64
	for i := 0; i < 40; i++ {
		xi := float64(i) * 2.5e-4
		x = append(x, xi)
		y = append(y, offset+amp*math.Exp(-xi/lifetime))
	}

	result, err := Fit(FitExpDecay, x, y)
	require.NoError(t, err)

	got, ok := result.Param("lifetime")
	require.True(t, ok)
	within(t, "lifetime", got, lifetime, 0.05)
}

func TestFitStretchedExp(t *testing.T) {
	const (
		lifetime = 8e-6
		beta     = 1.5
		amp      = 0.5
		offset   = 0.5
	)
	var x, y []float64
	for i := 1; i <= 40; i++ {
		xi := float64(i) * 1e-6
		x = append(x, xi)
		y = append(y, offset+amp*math.Exp(-math.Pow(xi/lifetime, beta)))
	}

	result, err := Fit(FitStretchedExp, x, y)
	require.NoError(t, err)

	got, ok := result.Param("lifetime")
	require.True(t, ok)
	within(t, "lifetime", got, lifetime, 0.1)
}

func TestFitNone(t *testing.T) {
	x := []float64{0, 1, 2, 3}
	y := []float64{1, 1, 1, 1}

	result, err := Fit(FitNone, x, y)
	require.NoError(t, err)
	assert.Equal(t, FitNone, result.Function)
	assert.Empty(t, result.Params)

	result, err = Fit("", x, y)
	require.NoError(t, err)
	assert.Equal(t, FitNone, result.Function)
}

func TestFitErrors(t *testing.T) {
	x := []float64{0, 1, 2, 3}
	y := []float64{1, 1, 1, 1}

	_, err := Fit("voigt", x, y)
	assert.True(t, errors.Is(err, ErrUnknownFit))

	_, err = Fit(FitExpDecay, x, y[:3])
	assert.Error(t, err, "length mismatch must error")

	_, err = Fit(FitExpDecay, x[:3], y[:3])
	assert.Error(t, err, "short trace must error")
}

func TestParamAbsent(t *testing.T) {
	r := Result{Function: FitNone, Params: map[string]float64{}}
	_, ok := r.Param("center")
	assert.False(t, ok)
}
