package cube

import "fmt"

// ProcessingStatus records which corrections have been applied to a cube.
// Every flag moves from false to true exactly once.
type ProcessingStatus struct {
	CameraCorrected           bool `json:"cameraCorrected"`
	ExposureNormalized        bool `json:"exposureNormalized"`
	ExtraReflectionSubtracted bool `json:"extraReflectionSubtracted"`
	ReferenceNormalized       bool `json:"referenceNormalized"`
}

// Reference is anything a cube can be normalized against: either a
// precomputed per-pixel mean (*Map) or a reference cube whose mean over the
// index axis is computed on demand (*Cube).
type Reference interface {
	referenceMean() (*Map, []string)
}

func (m *Map) referenceMean() (*Map, []string) { return m, nil }

func (c *Cube) referenceMean() (*Map, []string) {
	return c.MeanMap(), c.referenceWarnings()
}

// referenceWarnings lists the corrections missing from c as a reference.
func (c *Cube) referenceWarnings() []string {
	var warnings []string
	if !c.status.CameraCorrected {
		warnings = append(warnings, fmt.Sprintf("reference %s has not been corrected for camera effects", c.Metadata.IDTag))
	}
	if !c.status.ExposureNormalized {
		warnings = append(warnings, fmt.Sprintf("reference %s has not been normalized by exposure", c.Metadata.IDTag))
	}
	return warnings
}

func (c *Cube) orderingError(op, reason string) error {
	return &OrderingError{Op: op, CubeID: c.Metadata.IDTag, Reason: reason}
}

// CorrectCameraEffects subtracts darkCounts × binning² from every sample and
// then applies the linearity polynomial Σ cᵢ·xⁱ (i ≥ 1).
func (c *Cube) CorrectCameraEffects(corr CameraCorrection, binning int) error {
	const op = "correct camera effects"
	if c.status.CameraCorrected {
		return c.orderingError(op, "already corrected")
	}
	if binning <= 0 {
		return fmt.Errorf("cube %s: %s: invalid binning %d", c.Metadata.IDTag, op, binning)
	}
	offset := corr.DarkCounts * float64(binning*binning)
	poly := corr.LinearityPolynomial
	for i, v := range c.Data {
		v -= offset
		if len(poly) > 0 {
			// Horner on (c1 + c2·x + ...)·x
			acc := 0.0
			for j := len(poly) - 1; j >= 0; j-- {
				acc = acc*v + poly[j]
			}
			v = acc * v
		}
		c.Data[i] = v
	}
	c.status.CameraCorrected = true
	return nil
}

// CorrectCameraEffectsAuto reads the camera correction and binning from the
// cube's own metadata.
func (c *Cube) CorrectCameraEffectsAuto() error {
	if c.Metadata.CameraCorrection == nil {
		return fmt.Errorf("cube %s: metadata has no camera correction", c.Metadata.IDTag)
	}
	if c.Metadata.Binning == 0 {
		return fmt.Errorf("cube %s: metadata has no binning", c.Metadata.IDTag)
	}
	return c.CorrectCameraEffects(*c.Metadata.CameraCorrection, c.Metadata.Binning)
}

// NormalizeByExposure divides every sample by the exposure time in ms.
func (c *Cube) NormalizeByExposure() error {
	const op = "normalize by exposure"
	if !c.status.CameraCorrected {
		return c.orderingError(op, "camera correction must be applied first")
	}
	if c.status.ExposureNormalized {
		return c.orderingError(op, "already normalized")
	}
	if c.Metadata.ExposureMs <= 0 {
		return fmt.Errorf("cube %s: %s: invalid exposure %g ms", c.Metadata.IDTag, op, c.Metadata.ExposureMs)
	}
	for i := range c.Data {
		c.Data[i] /= c.Metadata.ExposureMs
	}
	c.status.ExposureNormalized = true
	return nil
}

func (c *Cube) checkExtraReflection() error {
	const op = "subtract extra reflection"
	if !c.status.ExposureNormalized {
		return c.orderingError(op, "exposure normalization must be applied first")
	}
	if c.status.ExtraReflectionSubtracted {
		return c.orderingError(op, "already subtracted")
	}
	if c.status.ReferenceNormalized {
		return c.orderingError(op, "the cube is already normalized by a reference")
	}
	return nil
}

// SubtractExtraReflection subtracts a 2D term in counts/ms from every sample
// of the matching pixel.
func (c *Cube) SubtractExtraReflection(extra *Map) error {
	if err := c.checkExtraReflection(); err != nil {
		return err
	}
	if extra.Height != c.Height || extra.Width != c.Width {
		return &ShapeMismatchError{
			What: "extra reflection",
			Want: []int{c.Height, c.Width},
			Got:  []int{extra.Height, extra.Width},
		}
	}
	for p := 0; p < c.Pixels(); p++ {
		v := extra.Data[p]
		px := c.Pixel(p)
		for k := range px {
			px[k] -= v
		}
	}
	c.status.ExtraReflectionSubtracted = true
	return nil
}

// SubtractExtraReflectionSpectral subtracts a per-index extra reflection term
// that has the same shape as the cube.
func (c *Cube) SubtractExtraReflectionSpectral(extra *Cube) error {
	if err := c.checkExtraReflection(); err != nil {
		return err
	}
	if !c.SameShape(extra) {
		return &ShapeMismatchError{
			What: "extra reflection",
			Want: []int{c.Height, c.Width, c.Depth()},
			Got:  []int{extra.Height, extra.Width, extra.Depth()},
		}
	}
	for i := range c.Data {
		c.Data[i] -= extra.Data[i]
	}
	c.status.ExtraReflectionSubtracted = true
	return nil
}

// NormalizeByReference divides every sample by the reference mean at that
// pixel. Missing corrections on either cube are reported as warnings rather
// than errors.
func (c *Cube) NormalizeByReference(ref Reference) ([]string, error) {
	const op = "normalize by reference"
	if c.status.ReferenceNormalized {
		return nil, c.orderingError(op, "already normalized")
	}
	mean, warnings := ref.referenceMean()
	if mean.Height != c.Height || mean.Width != c.Width {
		return nil, &ShapeMismatchError{
			What: "reference",
			Want: []int{c.Height, c.Width},
			Got:  []int{mean.Height, mean.Width},
		}
	}
	warnings = append(warnings, c.correctionWarnings()...)
	for p := 0; p < c.Pixels(); p++ {
		m := mean.Data[p]
		px := c.Pixel(p)
		for k := range px {
			px[k] /= m
		}
	}
	c.status.ReferenceNormalized = true
	return warnings, nil
}

// NormalizeByReferenceSpectral divides every sample by the reference sample
// at the same pixel and index. The reference must have the cube's shape and
// index. Missing corrections are reported as warnings, as for
// NormalizeByReference.
func (c *Cube) NormalizeByReferenceSpectral(ref *Cube) ([]string, error) {
	const op = "normalize by reference"
	if c.status.ReferenceNormalized {
		return nil, c.orderingError(op, "already normalized")
	}
	if !c.SameShape(ref) {
		return nil, &ShapeMismatchError{
			What: "reference",
			Want: []int{c.Height, c.Width, c.Depth()},
			Got:  []int{ref.Height, ref.Width, ref.Depth()},
		}
	}
	for k, v := range ref.Index {
		if v != c.Index[k] {
			return nil, fmt.Errorf("cube %s: %s: index of reference %s differs at position %d", c.Metadata.IDTag, op, ref.Metadata.IDTag, k)
		}
	}
	warnings := append(ref.referenceWarnings(), c.correctionWarnings()...)
	for i, v := range ref.Data {
		c.Data[i] /= v
	}
	c.status.ReferenceNormalized = true
	return warnings, nil
}

func (c *Cube) correctionWarnings() []string {
	var warnings []string
	if !c.status.CameraCorrected {
		warnings = append(warnings, fmt.Sprintf("cube %s has not been corrected for camera effects", c.Metadata.IDTag))
	}
	if !c.status.ExposureNormalized {
		warnings = append(warnings, fmt.Sprintf("cube %s has not been normalized by exposure", c.Metadata.IDTag))
	}
	return warnings
}
