// Package dsp contains the per-signal numerical kernels shared by the PWS and
// Dynamics analyses: FFT based autocorrelation and optical path depth,
// Butterworth filtering, polynomial detrending and linear regression.
package dsp

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/stat"
)

// Autocorrelator computes the circular autocorrelation of real signals of a
// fixed length. It reuses its FFT plan and scratch buffers, so a single
// Autocorrelator must not be shared between goroutines.
type Autocorrelator struct {
	n      int
	fft    *fourier.FFT
	coeff  []complex128
	signal []float64
	seq    []float64
}

// NewAutocorrelator prepares an autocorrelator for signals of length n.
func NewAutocorrelator(n int) *Autocorrelator {
	return &Autocorrelator{
		n:      n,
		fft:    fourier.NewFFT(n),
		coeff:  make([]complex128, n/2+1),
		signal: make([]float64, n),
		seq:    make([]float64, n),
	}
}

// Len returns the signal length the autocorrelator was built for.
func (a *Autocorrelator) Len() int { return a.n }

// Compute writes the first len(dst) lags of the autocorrelation of the
// mean-subtracted signal into dst. The result is irfft(F·conj(F)) divided by
// the signal length, so dst[0] is the population variance of the signal.
//
// Parameters:
//   - dst: output lags, at most Len() of them
//   - signal: input of length Len(); it is not modified
func (a *Autocorrelator) Compute(dst, signal []float64) {
	if len(signal) != a.n {
		panic("dsp: autocorrelation signal length mismatch")
	}
	if len(dst) > a.n {
		panic("dsp: too many autocorrelation lags requested")
	}
	mean := stat.Mean(signal, nil)
	for i, v := range signal {
		a.signal[i] = v - mean
	}

	// Power spectrum
	a.fft.Coefficients(a.coeff, a.signal)
	for i, c := range a.coeff {
		a.coeff[i] = complex(real(c)*real(c)+imag(c)*imag(c), 0)
	}

	// Gonum's inverse is unnormalized, so divide by n once for the inverse
	// transform and once more for the length normalization.
	a.fft.Sequence(a.seq, a.coeff)
	norm := 1 / float64(a.n*a.n)
	for i := range dst {
		dst[i] = a.seq[i] * norm
	}
}

// OPDTransform converts an evenly sampled spectral signal (over wavenumber)
// into its optical path depth spectrum.
type OPDTransform struct {
	n       int
	fftSize int
	stop    int
	window  []float64
	fft     *fourier.FFT
	padded  []float64
	coeff   []complex128
	opdAxis []float64
}

// NewOPDTransform prepares a transform for signals of n samples spaced by dk
// (1/µm). The output keeps the first stop points; stop <= 0 keeps all of them.
// With hann set the signal is Hann-windowed before the transform.
func NewOPDTransform(n int, dk float64, hann bool, stop int) *OPDTransform {
	fftSize := 2 * nextPow2(2*n-1)
	bins := fftSize/2 + 1
	if stop <= 0 || stop > bins {
		stop = bins
	}
	t := &OPDTransform{
		n:       n,
		fftSize: fftSize,
		stop:    stop,
		fft:     fourier.NewFFT(fftSize),
		padded:  make([]float64, fftSize),
		coeff:   make([]complex128, bins),
		opdAxis: make([]float64, stop),
	}
	if hann {
		t.window = HannWindow(n)
	}
	maxOpd := 2 * math.Pi / dk
	dOpd := maxOpd / float64(n)
	for i := range t.opdAxis {
		t.opdAxis[i] = float64(n) / 2 * float64(i) * dOpd / float64(bins)
	}
	return t
}

// Len returns the number of output points.
func (t *OPDTransform) Len() int { return t.stop }

// Axis returns the optical path depth of each output point in µm.
func (t *OPDTransform) Axis() []float64 { return append([]float64(nil), t.opdAxis...) }

// Compute writes |FFT| of the (optionally windowed, zero padded) signal into dst.
func (t *OPDTransform) Compute(dst, signal []float64) {
	for i := range t.padded {
		t.padded[i] = 0
	}
	for i, v := range signal[:t.n] {
		if t.window != nil {
			v *= t.window[i]
		}
		t.padded[i] = v
	}
	t.fft.Coefficients(t.coeff, t.padded)
	for i := range dst[:t.stop] {
		dst[i] = cmplx.Abs(t.coeff[i])
	}
}

// HannWindow returns the symmetric Hann window of length n.
func HannWindow(n int) []float64 {
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return w
}

// nextPow2 returns the smallest power of two that is >= n.
func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
