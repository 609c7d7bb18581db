// Package reflectance computes the theoretical reflectance of the
// interface between a glass coverslip and a reference material, averaged
// over the illumination cone of the objective.
package reflectance

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/integrate/quad"
)

// Material names a substance with a known dispersion curve.
type Material string

const (
	Air          Material = "Air"
	Water        Material = "Water"
	Glass        Material = "Glass"
	Ethanol      Material = "Ethanol"
	Methanol     Material = "Methanol"
	Isopropanol  Material = "Isopropanol"
	ImmersionOil Material = "ImmersionOil"
	Polystyrene  Material = "Polystyrene"
)

// cauchy holds the coefficients of n(λ) = A + B/λ² + C/λ⁴ with λ in µm.
type cauchy struct{ a, b, c float64 }

var dispersion = map[Material]cauchy{
	Air:          {1.00029, 0, 0},
	Water:        {1.3242, 0.003086, 0},
	Glass:        {1.5046, 0.00420, 0},
	Ethanol:      {1.35265, 0.00306, 0},
	Methanol:     {1.3200, 0.0031, 0},
	Isopropanol:  {1.3680, 0.0033, 0},
	ImmersionOil: {1.5048, 0.0045, 0},
	Polystyrene:  {1.5725, 0.0031, 0.00034},
}

// Materials returns every known material in alphabetical order.
func Materials() []Material {
	out := make([]Material, 0, len(dispersion))
	for m := range dispersion {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseMaterial returns the material with the given name.
func ParseMaterial(name string) (Material, error) {
	m := Material(name)
	if _, ok := dispersion[m]; !ok {
		return "", fmt.Errorf("unknown material %q", name)
	}
	return m, nil
}

// RefractiveIndex returns n for the material at the wavelength in nm.
func RefractiveIndex(m Material, wavelengthNm float64) (float64, error) {
	c, ok := dispersion[m]
	if !ok {
		return 0, fmt.Errorf("unknown material %q", m)
	}
	if wavelengthNm <= 0 {
		return 0, fmt.Errorf("invalid wavelength %g nm", wavelengthNm)
	}
	l2 := (wavelengthNm / 1000) * (wavelengthNm / 1000)
	return c.a + c.b/l2 + c.c/(l2*l2), nil
}

// fresnel returns the unpolarized power reflectance for light travelling in
// a medium of index n1 hitting a medium of index n2 at angle theta.
func fresnel(n1, n2, theta float64) float64 {
	sinT := n1 / n2 * math.Sin(theta)
	if sinT >= 1 {
		return 1
	}
	cosI := math.Cos(theta)
	cosT := math.Sqrt(1 - sinT*sinT)
	rs := (n1*cosI - n2*cosT) / (n1*cosI + n2*cosT)
	rp := (n1*cosT - n2*cosI) / (n1*cosT + n2*cosI)
	return (rs*rs + rp*rp) / 2
}

// quadPoints is the Gauss-Legendre order used for the cone average.
const quadPoints = 32

// Reflectance returns, for every wavelength in nm, the reflectance of
// light arriving through material `from` at an interface with `to`. The
// illumination fills a cone of numerical aperture na; the result is the
// solid-angle weighted mean over that cone, or the normal incidence value
// when na is zero.
func Reflectance(to, from Material, wavelengthsNm []float64, na float64) ([]float64, error) {
	if na < 0 {
		return nil, fmt.Errorf("invalid numerical aperture %g", na)
	}
	out := make([]float64, len(wavelengthsNm))
	for i, wl := range wavelengthsNm {
		n2, err := RefractiveIndex(to, wl)
		if err != nil {
			return nil, err
		}
		n1, err := RefractiveIndex(from, wl)
		if err != nil {
			return nil, err
		}
		if na == 0 {
			out[i] = fresnel(n1, n2, 0)
			continue
		}
		if na >= n1 {
			return nil, fmt.Errorf("numerical aperture %g exceeds the index %g of %s", na, n1, from)
		}
		thetaMax := math.Asin(na / n1)
		weighted := quad.Fixed(func(th float64) float64 {
			return fresnel(n1, n2, th) * math.Sin(th)
		}, 0, thetaMax, quadPoints, nil, 0)
		out[i] = weighted / (1 - math.Cos(thetaMax))
	}
	return out, nil
}

// Uniform returns a spectrum of ones, used when no reference material is
// configured.
func Uniform(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}
