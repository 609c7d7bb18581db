package dsp

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// LineFits holds one least-squares line per row.
type LineFits struct {
	Slope     []float64
	Intercept []float64
	RSquared  []float64
}

// FitLines regresses every row of rows (P × L) against x. The slopes of all
// rows come out of a single matrix-vector product: with w = (x - x̄)/Sxx,
// slope = rows·w.
func FitLines(rows *mat.Dense, x []float64) (LineFits, error) {
	p, l := rows.Dims()
	if l != len(x) {
		return LineFits{}, fmt.Errorf("regression abscissa has %d points, rows have %d", len(x), l)
	}
	if l < 2 {
		return LineFits{}, fmt.Errorf("regression needs at least 2 points, got %d", l)
	}
	xMean := stat.Mean(x, nil)
	w := make([]float64, l)
	for i, v := range x {
		w[i] = v - xMean
	}
	sxx := floats.Dot(w, w)
	floats.Scale(1/sxx, w)

	slope := mat.NewVecDense(p, nil)
	slope.MulVec(rows, mat.NewVecDense(l, w))

	fits := LineFits{
		Slope:     make([]float64, p),
		Intercept: make([]float64, p),
		RSquared:  make([]float64, p),
	}
	for i := 0; i < p; i++ {
		row := rows.RawRowView(i)
		b := slope.AtVec(i)
		a := stat.Mean(row, nil) - b*xMean
		fits.Slope[i] = b
		fits.Intercept[i] = a
		fits.RSquared[i] = rSquared(x, row, a, b)
	}
	return fits, nil
}

// rSquared is 1 - SSres/SStot; it is NaN for a constant or non-finite row.
func rSquared(x, y []float64, alpha, beta float64) float64 {
	mean := stat.Mean(y, nil)
	var ssRes, ssTot float64
	for i, yi := range y {
		r := yi - (alpha + beta*x[i])
		ssRes += r * r
		d := yi - mean
		ssTot += d * d
	}
	if ssTot == 0 || math.IsNaN(ssTot) || math.IsInf(ssTot, 0) {
		return math.NaN()
	}
	return 1 - ssRes/ssTot
}

// MaskedFitSlopes regresses every unmasked row of rows against x and returns
// one slope per row. Rows where mask is true are dropped before the fit and
// come back as NaN, so the output always has one entry per input row.
func MaskedFitSlopes(rows *mat.Dense, mask []bool, x []float64) ([]float64, error) {
	p, l := rows.Dims()
	if len(mask) != p {
		return nil, fmt.Errorf("mask has %d rows, data has %d", len(mask), p)
	}
	keep := make([]int, 0, p)
	for i, masked := range mask {
		if !masked {
			keep = append(keep, i)
		}
	}
	out := make([]float64, p)
	for i := range out {
		out[i] = math.NaN()
	}
	if len(keep) == 0 {
		return out, nil
	}

	compact := mat.NewDense(len(keep), l, nil)
	for j, i := range keep {
		compact.SetRow(j, rows.RawRowView(i))
	}
	fits, err := FitLines(compact, x)
	if err != nil {
		return nil, err
	}
	for j, i := range keep {
		out[i] = fits.Slope[j]
	}
	return out, nil
}
