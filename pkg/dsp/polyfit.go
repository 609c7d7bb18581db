package dsp

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// PolynomialFitter least-squares fits a polynomial of fixed order to many
// signals that share the same abscissa. The pseudo-inverse of the
// Vandermonde matrix is computed once with a QR factorization, after which
// fitting every signal is two matrix products.
type PolynomialFitter struct {
	order  int
	vander *mat.Dense // N × (order+1)
	pinv   *mat.Dense // (order+1) × N
}

// NewPolynomialFitter prepares a fitter for the abscissa x.
func NewPolynomialFitter(x []float64, order int) (*PolynomialFitter, error) {
	n := len(x)
	if order < 0 {
		return nil, fmt.Errorf("polynomial order must be non-negative, got %d", order)
	}
	if n <= order {
		return nil, fmt.Errorf("polynomial of order %d needs more than %d samples", order, n)
	}

	// Map x onto [-1, 1] to keep the Vandermonde matrix well conditioned.
	lo, hi := floats.Min(x), floats.Max(x)
	mid := (lo + hi) / 2
	half := (hi - lo) / 2
	if half == 0 {
		half = 1
	}
	m := order + 1
	vander := mat.NewDense(n, m, nil)
	for i, xi := range x {
		s := (xi - mid) / half
		p := 1.0
		for j := 0; j < m; j++ {
			vander.Set(i, j, p)
			p *= s
		}
	}

	var qr mat.QR
	qr.Factorize(vander)
	ident := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		ident.Set(i, i, 1)
	}
	pinv := mat.NewDense(m, n, nil)
	if err := qr.SolveTo(pinv, false, ident); err != nil {
		return nil, fmt.Errorf("error factorizing vandermonde matrix: %w", err)
	}
	return &PolynomialFitter{order: order, vander: vander, pinv: pinv}, nil
}

// Order returns the polynomial order.
func (f *PolynomialFitter) Order() int { return f.order }

// FitRows fits every row of rows (P × N, one signal per row) and returns the
// fitted polynomial values with the same shape.
func (f *PolynomialFitter) FitRows(rows mat.Matrix) *mat.Dense {
	var coef mat.Dense
	coef.Mul(rows, f.pinv.T())
	var fit mat.Dense
	fit.Mul(&coef, f.vander.T())
	return &fit
}
