package dsp

import (
	"fmt"
	"math"
)

// section is one Direct Form I second-order stage with coefficients
// normalized so that a0 == 1. A first-order stage has b2 == a2 == 0.
type section struct {
	b0, b1, b2 float64
	a1, a2     float64
}

func (s *section) setCoefficients(b0, b1, b2, a0, a1, a2 float64) {
	inv := 1 / a0
	s.b0 = b0 * inv
	s.b1 = b1 * inv
	s.b2 = b2 * inv
	s.a1 = a1 * inv
	s.a2 = a2 * inv
}

// process filters buf in place. The delay lines start in the steady state
// of a constant input equal to init; every stage has unit DC gain so the
// output steady state equals the input one.
func (s *section) process(buf []float64, init float64) {
	x1, x2, y1, y2 := init, init, init, init
	for i, x0 := range buf {
		y0 := s.b0*x0 + s.b1*x1 + s.b2*x2 - s.a1*y1 - s.a2*y2
		x2, x1 = x1, x0
		y2, y1 = y1, y0
		buf[i] = y0
	}
}

// Butterworth is a digital low-pass Butterworth filter realised as a cascade
// of second-order sections designed by the bilinear transform. It keeps a
// scratch buffer and is not safe for concurrent use.
type Butterworth struct {
	order    int
	sections []section
	padLen   int
	scratch  []float64
}

// NewButterworthLowpass designs a low-pass filter of the given order with the
// -3 dB point at cutoff. Both cutoff and sampleRate use the same units
// (cycles per nm for a spectral axis sampled every dλ nm, sampleRate = 1/dλ).
func NewButterworthLowpass(order int, cutoff, sampleRate float64) (*Butterworth, error) {
	if order < 1 {
		return nil, fmt.Errorf("butterworth order must be positive, got %d", order)
	}
	if cutoff <= 0 || cutoff >= sampleRate/2 {
		return nil, fmt.Errorf("butterworth cutoff %g must lie in (0, %g)", cutoff, sampleRate/2)
	}
	omega := 2 * math.Pi * cutoff / sampleRate
	f := &Butterworth{order: order, padLen: 3 * (order + 1)}

	// Conjugate pole pairs become biquads with Q from the pole angle.
	for k := 0; k < order/2; k++ {
		q := 1 / (2 * math.Sin(float64(2*k+1)*math.Pi/float64(2*order)))
		sinOmega := math.Sin(omega)
		cosOmega := math.Cos(omega)
		alpha := sinOmega / (2 * q)
		var s section
		s.setCoefficients((1-cosOmega)/2, 1-cosOmega, (1-cosOmega)/2, 1+alpha, -2*cosOmega, 1-alpha)
		f.sections = append(f.sections, s)
	}
	// Odd orders keep one real pole.
	if order%2 == 1 {
		k := math.Tan(omega / 2)
		var s section
		s.setCoefficients(k, k, 0, 1+k, k-1, 0)
		f.sections = append(f.sections, s)
	}
	return f, nil
}

// Order returns the filter order.
func (f *Butterworth) Order() int { return f.order }

// FiltFilt applies the filter forward and backward for zero phase distortion,
// writing the result into dst (which may alias src). The signal is extended at
// both ends by odd reflection to damp edge transients.
func (f *Butterworth) FiltFilt(dst, src []float64) {
	n := len(src)
	if n < 2 {
		copy(dst, src)
		return
	}
	pad := f.padLen
	if pad > n-1 {
		pad = n - 1
	}
	total := n + 2*pad
	if cap(f.scratch) < total {
		f.scratch = make([]float64, total)
	}
	ext := f.scratch[:total]

	// Odd extension: 2·x[0] - x[pad..1] | x | 2·x[n-1] - x[n-2..n-1-pad]
	for i := 0; i < pad; i++ {
		ext[i] = 2*src[0] - src[pad-i]
		ext[pad+n+i] = 2*src[n-1] - src[n-2-i]
	}
	copy(ext[pad:pad+n], src)

	f.run(ext)
	reverse(ext)
	f.run(ext)
	reverse(ext)

	copy(dst, ext[pad:pad+n])
}

func (f *Butterworth) run(buf []float64) {
	for i := range f.sections {
		f.sections[i].process(buf, buf[0])
	}
}

func reverse(s []float64) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
