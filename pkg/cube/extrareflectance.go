package cube

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// TimeFormat is the layout used for acquisition and analysis timestamps.
const TimeFormat = "02-01-2006 15:04:05"

// ExtraReflectance is a calibration cube holding, for every pixel and
// wavelength, the fraction of light reflected by the optical system itself
// rather than the sample.
type ExtraReflectance struct {
	*Cube

	SystemName        string
	NumericalAperture float64
	Time              time.Time
}

// NewExtraReflectance validates that every value lies in [0, 1] and stamps
// the calibration id tag.
func NewExtraReflectance(data []float64, height, width int, wavelengths []float64,
	systemName string, na float64, t time.Time) (*ExtraReflectance, error) {
	for i, v := range data {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return nil, fmt.Errorf("extra reflectance value %g at offset %d is outside [0, 1]", v, i)
		}
	}
	idTag := fmt.Sprintf("ExtraReflection_%s_%s", systemName, t.Format(TimeFormat))
	c, err := New(data, height, width, wavelengths, AxisWavelength, Metadata{IDTag: idTag, NumericalAperture: na})
	if err != nil {
		return nil, err
	}
	return &ExtraReflectance{Cube: c, SystemName: systemName, NumericalAperture: na, Time: t}, nil
}

// IDTag returns the globally unique calibration identifier.
func (e *ExtraReflectance) IDTag() string { return e.Metadata.IDTag }

// Plane returns the reflectance map at exactly the given wavelength.
func (e *ExtraReflectance) Plane(wavelengthNm float64) (*Map, error) {
	k := sort.SearchFloat64s(e.Index, wavelengthNm)
	if k == len(e.Index) || e.Index[k] != wavelengthNm {
		return nil, fmt.Errorf("extra reflectance %s has no plane at %g nm", e.IDTag(), wavelengthNm)
	}
	m := NewMap(e.Height, e.Width)
	for p := range m.Data {
		m.Data[p] = e.Pixel(p)[k]
	}
	return m, nil
}

// Wavelengths returns the cube restricted to exactly the wavelengths of
// another cube, failing if any wavelength is missing.
func (e *ExtraReflectance) Wavelengths(wavelengths []float64) (*Cube, error) {
	idx := make([]int, len(wavelengths))
	for i, wl := range wavelengths {
		k := sort.SearchFloat64s(e.Index, wl)
		if k == len(e.Index) || e.Index[k] != wl {
			return nil, fmt.Errorf("extra reflectance %s has no plane at %g nm", e.IDTag(), wl)
		}
		idx[i] = k
	}
	n := len(wavelengths)
	data := make([]float64, e.Pixels()*n)
	for p := 0; p < e.Pixels(); p++ {
		src := e.Pixel(p)
		for i, k := range idx {
			data[p*n+i] = src[k]
		}
	}
	return e.Derive(data, append([]float64(nil), wavelengths...), AxisWavelength)
}
