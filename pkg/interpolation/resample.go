// Package interpolation resamples per-pixel signals onto new abscissas and
// repairs non-finite samples by linear interpolation.
package interpolation

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/interp"
)

// ErrNoValidSamples is returned when a signal has fewer than two finite samples.
var ErrNoValidSamples = errors.New("fewer than two finite samples")

// EvenGrid returns n evenly spaced points from lo to hi inclusive.
func EvenGrid(lo, hi float64, n int) []float64 {
	grid := make([]float64, n)
	if n == 1 {
		grid[0] = lo
		return grid
	}
	step := (hi - lo) / float64(n-1)
	for i := range grid {
		grid[i] = lo + float64(i)*step
	}
	grid[n-1] = hi
	return grid
}

// Resampler linearly interpolates signals sampled at xs onto a fixed target
// grid. The bracketing samples and weights are computed once, so resampling
// many signals that share xs costs two multiplies per output point.
type Resampler struct {
	lower  []int
	weight []float64
	nIn    int
}

// NewResampler prepares resampling from the strictly increasing xs onto
// grid. Grid points outside [xs[0], xs[len-1]] are clamped to the end values.
func NewResampler(xs, grid []float64) (*Resampler, error) {
	if len(xs) < 2 {
		return nil, fmt.Errorf("resampling needs at least 2 samples, got %d", len(xs))
	}
	for i := 1; i < len(xs); i++ {
		if xs[i] <= xs[i-1] {
			return nil, fmt.Errorf("resampling abscissa must be strictly increasing at %d", i)
		}
	}
	r := &Resampler{lower: make([]int, len(grid)), weight: make([]float64, len(grid)), nIn: len(xs)}
	last := len(xs) - 1
	for i, g := range grid {
		switch {
		case g <= xs[0]:
			r.lower[i], r.weight[i] = 0, 0
		case g >= xs[last]:
			r.lower[i], r.weight[i] = last-1, 1
		default:
			j := sort.SearchFloat64s(xs, g)
			// xs[j-1] < g <= xs[j]
			r.lower[i] = j - 1
			r.weight[i] = (g - xs[j-1]) / (xs[j] - xs[j-1])
		}
	}
	return r, nil
}

// Resample writes the interpolated values of src into dst.
func (r *Resampler) Resample(dst, src []float64) {
	for i, lo := range r.lower {
		w := r.weight[i]
		dst[i] = src[lo]*(1-w) + src[lo+1]*w
	}
}

// FillGaps replaces every NaN or ±Inf in ys by linear interpolation over xs
// between the neighbouring finite samples. Leading and trailing gaps take the
// nearest finite value. It returns the number of repaired samples.
func FillGaps(xs, ys []float64) (int, error) {
	if len(xs) != len(ys) {
		return 0, fmt.Errorf("gap filling: %d abscissas for %d samples", len(xs), len(ys))
	}
	var vx, vy []float64
	for i, y := range ys {
		if !math.IsNaN(y) && !math.IsInf(y, 0) {
			vx = append(vx, xs[i])
			vy = append(vy, y)
		}
	}
	bad := len(ys) - len(vy)
	if bad == 0 {
		return 0, nil
	}
	if len(vy) < 2 {
		return 0, ErrNoValidSamples
	}
	var pl interp.PiecewiseLinear
	if err := pl.Fit(vx, vy); err != nil {
		return 0, fmt.Errorf("gap filling: %w", err)
	}
	first, last := vx[0], vx[len(vx)-1]
	for i, y := range ys {
		if !math.IsNaN(y) && !math.IsInf(y, 0) {
			continue
		}
		x := math.Max(first, math.Min(last, xs[i]))
		ys[i] = pl.Predict(x)
	}
	return bad, nil
}
