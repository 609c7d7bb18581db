// Package cube holds the 3D image cube used by both PWS (wavelength) and
// Dynamics (time) acquisitions, together with the processing-order state
// machine that turns raw camera counts into reflectance.
package cube

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Axis identifies what the third dimension of a cube represents.
type Axis string

const (
	// AxisWavelength is a PWS cube indexed by wavelength in nm.
	AxisWavelength Axis = "wavelength"
	// AxisTime is a Dynamics cube indexed by elapsed time in ms.
	AxisTime Axis = "time"
	// AxisWavenumber is a PWS cube resampled onto wavenumbers in 1/µm.
	AxisWavenumber Axis = "wavenumber"
)

// CameraCorrection describes the dark-count offset and the linearity
// polynomial of the camera that captured a cube.
type CameraCorrection struct {
	// DarkCounts is the per-pixel dark offset for a single unbinned pixel.
	DarkCounts float64 `json:"darkCounts"`

	// LinearityPolynomial holds c1, c2, ... of Σ cᵢ·xⁱ for i ≥ 1. The
	// constant term is always zero because DarkCounts removes the offset.
	// An empty slice means the camera response is already linear.
	LinearityPolynomial []float64 `json:"linearityPolynomial,omitempty"`
}

// Metadata is the acquisition metadata attached to a cube.
type Metadata struct {
	// IDTag uniquely identifies the acquisition.
	IDTag string `json:"idTag"`

	// ExposureMs is the camera exposure time in milliseconds.
	ExposureMs float64 `json:"exposureMs"`

	// Binning is the camera binning factor. Zero means unknown.
	Binning int `json:"binning,omitempty"`

	// PixelSizeUm is the size of one pixel in the sample plane. Zero means unknown.
	PixelSizeUm float64 `json:"pixelSizeUm,omitempty"`

	// NumericalAperture is the illumination NA of the acquisition.
	NumericalAperture float64 `json:"numericalAperture,omitempty"`

	// CameraCorrection is nil when the camera was not characterised.
	CameraCorrection *CameraCorrection `json:"cameraCorrection,omitempty"`

	// WavelengthNm is the single illumination wavelength of a Dynamics acquisition.
	WavelengthNm float64 `json:"wavelengthNm,omitempty"`
}

// Cube is a height × width × N array stored row-major with the index axis
// fastest: sample (y, x, k) lives at Data[(y*Width+x)*N+k]. Each pixel's
// spectrum or time series is therefore contiguous.
type Cube struct {
	Data     []float64
	Height   int
	Width    int
	Index    []float64
	Axis     Axis
	Metadata Metadata

	status ProcessingStatus
}

// New validates the dimensions and wraps data without copying it.
func New(data []float64, height, width int, index []float64, axis Axis, md Metadata) (*Cube, error) {
	if height <= 0 || width <= 0 {
		return nil, fmt.Errorf("invalid cube dimensions %dx%d", height, width)
	}
	if len(index) == 0 {
		return nil, fmt.Errorf("cube %s has an empty index", md.IDTag)
	}
	if len(data) != height*width*len(index) {
		return nil, fmt.Errorf("cube %s: data length %d does not match %dx%dx%d",
			md.IDTag, len(data), height, width, len(index))
	}
	if !sort.SliceIsSorted(index, func(i, j int) bool { return index[i] < index[j] }) {
		return nil, fmt.Errorf("cube %s: index must be ascending", md.IDTag)
	}
	for i := 1; i < len(index); i++ {
		if index[i] == index[i-1] {
			return nil, fmt.Errorf("cube %s: index has duplicate value %g", md.IDTag, index[i])
		}
	}
	return &Cube{Data: data, Height: height, Width: width, Index: index, Axis: axis, Metadata: md}, nil
}

// Depth returns the length of the index axis.
func (c *Cube) Depth() int { return len(c.Index) }

// Pixels returns height × width.
func (c *Cube) Pixels() int { return c.Height * c.Width }

// Status returns a copy of the processing flags.
func (c *Cube) Status() ProcessingStatus { return c.status }

// Pixel returns the spectrum or time series at pixel p = y*Width+x. The
// returned slice aliases the cube data.
func (c *Cube) Pixel(p int) []float64 {
	n := len(c.Index)
	return c.Data[p*n : (p+1)*n]
}

// At returns a single sample.
func (c *Cube) At(y, x, k int) float64 {
	return c.Data[(y*c.Width+x)*len(c.Index)+k]
}

// Clone returns a deep copy, processing flags included.
func (c *Cube) Clone() *Cube {
	out := *c
	out.Data = append([]float64(nil), c.Data...)
	out.Index = append([]float64(nil), c.Index...)
	if c.Metadata.CameraCorrection != nil {
		cc := *c.Metadata.CameraCorrection
		cc.LinearityPolynomial = append([]float64(nil), cc.LinearityPolynomial...)
		out.Metadata.CameraCorrection = &cc
	}
	return &out
}

// MeanMap returns the per-pixel mean over the index axis.
func (c *Cube) MeanMap() *Map {
	m := NewMap(c.Height, c.Width)
	for p := range m.Data {
		m.Data[p] = stat.Mean(c.Pixel(p), nil)
	}
	return m
}

// StdMap returns the per-pixel population standard deviation over the index axis.
func (c *Cube) StdMap() *Map {
	m := NewMap(c.Height, c.Width)
	for p := range m.Data {
		m.Data[p] = stat.PopStdDev(c.Pixel(p), nil)
	}
	return m
}

// MeanSpectrum averages the cube over every pixel selected by mask, which
// must have Height*Width entries. A nil mask selects every pixel.
func (c *Cube) MeanSpectrum(mask []bool) ([]float64, error) {
	if mask != nil && len(mask) != c.Pixels() {
		return nil, fmt.Errorf("mask has %d pixels, cube %s has %d", len(mask), c.Metadata.IDTag, c.Pixels())
	}
	out := make([]float64, c.Depth())
	count := 0
	for p := 0; p < c.Pixels(); p++ {
		if mask != nil && !mask[p] {
			continue
		}
		floats.Add(out, c.Pixel(p))
		count++
	}
	if count == 0 {
		for i := range out {
			out[i] = math.NaN()
		}
		return out, nil
	}
	floats.Scale(1/float64(count), out)
	return out, nil
}

// SelectIndex returns a copy restricted to index values within [start, stop].
// Processing flags carry over.
func (c *Cube) SelectIndex(start, stop float64) (*Cube, error) {
	lo := sort.SearchFloat64s(c.Index, start)
	hi := lo
	for hi < len(c.Index) && c.Index[hi] <= stop {
		hi++
	}
	if hi-lo < 2 {
		return nil, fmt.Errorf("cube %s: range [%g, %g] keeps %d samples, need at least 2",
			c.Metadata.IDTag, start, stop, hi-lo)
	}
	n := hi - lo
	out := &Cube{
		Data:     make([]float64, c.Pixels()*n),
		Height:   c.Height,
		Width:    c.Width,
		Index:    append([]float64(nil), c.Index[lo:hi]...),
		Axis:     c.Axis,
		Metadata: c.Metadata,
		status:   c.status,
	}
	for p := 0; p < c.Pixels(); p++ {
		copy(out.Data[p*n:(p+1)*n], c.Pixel(p)[lo:hi])
	}
	return out, nil
}

// Derive returns a cube with the same geometry, metadata and processing flags
// but new data and index. It is used by transforms that change the index axis.
func (c *Cube) Derive(data []float64, index []float64, axis Axis) (*Cube, error) {
	out, err := New(data, c.Height, c.Width, index, axis, c.Metadata)
	if err != nil {
		return nil, err
	}
	out.status = c.status
	return out, nil
}

// SameShape reports whether both cubes have equal height, width and depth.
func (c *Cube) SameShape(o *Cube) bool {
	return c.Height == o.Height && c.Width == o.Width && len(c.Index) == len(o.Index)
}

// Map is a 2D per-pixel array stored row-major.
type Map struct {
	Height int
	Width  int
	Data   []float64
}

// NewMap allocates a zeroed map.
func NewMap(height, width int) *Map {
	return &Map{Height: height, Width: width, Data: make([]float64, height*width)}
}

// Clone returns a deep copy of m.
func (m *Map) Clone() *Map {
	return &Map{Height: m.Height, Width: m.Width, Data: append([]float64(nil), m.Data...)}
}

// At returns the value at (y, x).
func (m *Map) At(y, x int) float64 { return m.Data[y*m.Width+x] }

// Set stores v at (y, x).
func (m *Map) Set(y, x int, v float64) { m.Data[y*m.Width+x] = v }

// Fill sets every element to v.
func (m *Map) Fill(v float64) {
	for i := range m.Data {
		m.Data[i] = v
	}
}
