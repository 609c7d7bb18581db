package analysis

import (
	"fmt"
	"log"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"pwsanalysis/pkg/cube"
	"pwsanalysis/pkg/dsp"
	"pwsanalysis/pkg/reflectance"
	"pwsanalysis/pkg/results"
	"pwsanalysis/pkg/settings"
)

const (
	// noiseFloorFactor masks pixels whose zero-lag autocorrelation is within
	// √2 of the reference noise floor.
	noiseFloorFactor = math.Sqrt2

	// cellIndex is the refractive index of cytoplasm used for the
	// diffusion wavenumber.
	cellIndex = 1.37
)

// DynamicsEngine runs the time-series analysis against a prepared reference.
type DynamicsEngine struct {
	settings settings.Dynamics
	logger   *log.Logger

	height      int
	width       int
	refMean     *cube.Map
	extra       *cube.Map
	refAc       []float64
	wavelength  float64
	referenceID string
	erID        *string

	warnings []Warning
}

// NewDynamicsEngine prepares the reference acquisition ref for the analysis.
//
// The reference must already be camera corrected. It is copied, cropped to
// the configured time range, exposure normalized and, when the pixel size is
// known, dust filtered. Extra reflection at the acquisition wavelength is
// removed when er is non-nil. The reference is then normalized by its own
// temporal mean and its autocorrelation, averaged over the field of view,
// becomes the noise floor subtracted from every subject.
func NewDynamicsEngine(s settings.Dynamics, ref *cube.Cube, er *cube.ExtraReflectance, opts Options) (*DynamicsEngine, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if ref.Axis != cube.AxisTime {
		return nil, fmt.Errorf("reference %s is indexed by %s, not time", ref.Metadata.IDTag, ref.Axis)
	}
	if !ref.Status().CameraCorrected {
		return nil, &cube.OrderingError{
			Op:     "prepare dynamics reference",
			CubeID: ref.Metadata.IDTag,
			Reason: "camera correction must be applied first",
		}
	}
	if ref.Metadata.WavelengthNm <= 0 {
		return nil, fmt.Errorf("reference %s has no acquisition wavelength", ref.Metadata.IDTag)
	}
	w := &warner{logger: opts.logger()}
	e := &DynamicsEngine{
		settings:    s,
		logger:      w.logger,
		wavelength:  ref.Metadata.WavelengthNm,
		referenceID: ref.Metadata.IDTag,
	}

	ref, err := e.cropTime(ref.Clone())
	if err != nil {
		return nil, err
	}
	if err := ref.NormalizeByExposure(); err != nil {
		return nil, fmt.Errorf("prepare reference: %w", err)
	}
	if ref.Metadata.PixelSizeUm > 0 {
		if err := ref.FilterDust(dustKernelUm); err != nil {
			return nil, fmt.Errorf("prepare reference: %w", err)
		}
	}

	theoryR := 1.0
	if s.ReferenceMaterial == nil {
		w.warn("no reference material given, treating the reference as a perfect reflector", nil)
	} else {
		r, err := reflectance.Reflectance(*s.ReferenceMaterial, reflectance.Glass, []float64{e.wavelength}, s.NumericalAperture)
		if err != nil {
			return nil, fmt.Errorf("theoretical reflectance of %s: %w", *s.ReferenceMaterial, err)
		}
		theoryR = r[0]
	}

	switch {
	case er != nil:
		if err := checkCalibration(w, er, s.NumericalAperture, s.ExtraReflectanceID); err != nil {
			return nil, err
		}
		plane, err := er.Plane(e.wavelength)
		if err != nil {
			return nil, err
		}
		if plane.Height != ref.Height || plane.Width != ref.Width {
			return nil, &cube.ShapeMismatchError{
				What: "extra reflectance",
				Want: []int{ref.Height, ref.Width},
				Got:  []int{plane.Height, plane.Width},
			}
		}
		// I0 = refMean / (theoryR + ER), Iextra = I0 · ER
		mean := ref.MeanMap()
		extra := cube.NewMap(ref.Height, ref.Width)
		for p, v := range plane.Data {
			extra.Data[p] = mean.Data[p] / (theoryR + v) * v
		}
		if err := ref.SubtractExtraReflection(extra); err != nil {
			return nil, fmt.Errorf("prepare reference: %w", err)
		}
		e.extra = extra
		id := er.IDTag()
		e.erID = &id
	case s.ExtraReflectanceID != nil:
		return nil, fmt.Errorf("settings ask for extra reflectance %s but none was supplied", *s.ExtraReflectanceID)
	default:
		w.warn("no extra reflectance calibration, results will include the system's own reflections", nil)
	}

	if !s.RelativeUnits {
		floats.Scale(1/theoryR, ref.Data)
	}
	e.refMean = ref.MeanMap()
	msgs, err := ref.NormalizeByReference(e.refMean)
	if err != nil {
		return nil, fmt.Errorf("prepare reference: %w", err)
	}
	w.warnAll(msgs)

	lags := s.DiffusionRegressionLength + 1
	if ref.Depth() < lags {
		return nil, fmt.Errorf("reference %s has %d frames, the regression needs %d", ref.Metadata.IDTag, ref.Depth(), lags)
	}
	e.refAc = fieldAverageAutocorrelation(ref, lags)
	e.height, e.width = ref.Height, ref.Width
	e.warnings = w.warnings
	return e, nil
}

func (e *DynamicsEngine) cropTime(c *cube.Cube) (*cube.Cube, error) {
	if e.settings.TimeStartMs == nil && e.settings.TimeStopMs == nil {
		return c, nil
	}
	start, stop := math.Inf(-1), math.Inf(1)
	if e.settings.TimeStartMs != nil {
		start = *e.settings.TimeStartMs
	}
	if e.settings.TimeStopMs != nil {
		stop = *e.settings.TimeStopMs
	}
	return c.SelectIndex(start, stop)
}

// fieldAverageAutocorrelation returns the first lags of the per-pixel
// autocorrelation averaged over every pixel with a finite result.
func fieldAverageAutocorrelation(c *cube.Cube, lags int) []float64 {
	ac := dsp.NewAutocorrelator(c.Depth())
	buf := make([]float64, lags)
	sum := make([]float64, lags)
	count := 0
	for p := 0; p < c.Pixels(); p++ {
		ac.Compute(buf, c.Pixel(p))
		if floats.HasNaN(buf) || math.IsInf(buf[0], 0) {
			continue
		}
		floats.Add(sum, buf)
		count++
	}
	if count > 0 {
		floats.Scale(1/float64(count), sum)
	}
	return sum
}

// Warnings returns the warnings raised while preparing the reference.
func (e *DynamicsEngine) Warnings() []Warning { return append([]Warning(nil), e.warnings...) }

// ReferenceAutocorrelation returns a copy of the reference noise floor.
func (e *DynamicsEngine) ReferenceAutocorrelation() []float64 {
	return append([]float64(nil), e.refAc...)
}

// Run analyses one acquisition, which must already be camera corrected. The
// cube is processed in place. Run is safe for concurrent use with different
// cubes.
func (e *DynamicsEngine) Run(c *cube.Cube) (*results.Dynamics, []Warning, error) {
	w := &warner{logger: e.logger}
	start := time.Now()
	if err := checkGrid(e.height, e.width, c); err != nil {
		return nil, nil, err
	}
	if !c.Status().CameraCorrected {
		return nil, nil, &cube.OrderingError{
			Op:     "dynamics analysis",
			CubeID: c.Metadata.IDTag,
			Reason: "camera correction must be applied first",
		}
	}
	if c.Metadata.WavelengthNm != 0 && c.Metadata.WavelengthNm != e.wavelength {
		w.warn(fmt.Sprintf("cube %s was acquired at %g nm, the reference at %g nm",
			c.Metadata.IDTag, c.Metadata.WavelengthNm, e.wavelength), nil)
	}
	c, err := e.cropTime(c)
	if err != nil {
		return nil, nil, err
	}
	lags := len(e.refAc)
	if c.Depth() < lags {
		return nil, nil, fmt.Errorf("cube %s has %d frames, the regression needs %d", c.Metadata.IDTag, c.Depth(), lags)
	}

	if err := c.NormalizeByExposure(); err != nil {
		return nil, nil, err
	}
	if e.extra != nil {
		if err := c.SubtractExtraReflection(e.extra); err != nil {
			return nil, nil, err
		}
	}
	msgs, err := c.NormalizeByReference(e.refMean)
	if err != nil {
		return nil, nil, err
	}
	w.warnAll(msgs)

	ac := dsp.NewAutocorrelator(c.Depth())
	rows := mat.NewDense(c.Pixels(), lags, nil)
	for p := 0; p < c.Pixels(); p++ {
		ac.Compute(rows.RawRowView(p), c.Pixel(p))
	}

	rmsT2 := cube.NewMap(c.Height, c.Width)
	for p := range rmsT2.Data {
		rmsT2.Data[p] = math.Max(rows.At(p, 0)-e.refAc[0], 0)
	}
	meanReflectance := c.MeanMap()

	dt, err := frameInterval(c.Index)
	if err != nil {
		return nil, nil, fmt.Errorf("cube %s: %w", c.Metadata.IDTag, err)
	}
	slopes, err := diffusionSlopes(rows, e.refAc, dt, e.wavelength)
	if err != nil {
		return nil, nil, err
	}
	diffusion := &cube.Map{Height: c.Height, Width: c.Width, Data: slopes}
	for p, v := range diffusion.Data {
		diffusion.Data[p] = -v
	}

	for _, m := range []*cube.Map{meanReflectance, rmsT2, diffusion} {
		if n := sanitize(m); n > 0 {
			w.warn(fmt.Sprintf("%d infinite values replaced by NaN", n), cube.ErrNumericDegeneracy)
		}
	}
	r, err := results.NewDynamics(results.DynamicsValues{
		Settings:             e.settings,
		MeanReflectance:      meanReflectance,
		RMSTSquared:          rmsT2,
		Diffusion:            diffusion,
		CubeIDTag:            c.Metadata.IDTag,
		ReferenceIDTag:       e.referenceID,
		ExtraReflectionIDTag: e.erID,
		Time:                 start,
	})
	if err != nil {
		return nil, nil, err
	}
	e.logger.Printf("Dynamics analysis of %s finished in %s", c.Metadata.IDTag, time.Since(start).Round(time.Millisecond))
	return r, w.warnings, nil
}

// frameInterval returns the mean frame spacing in seconds of a time index in ms.
func frameInterval(times []float64) (float64, error) {
	n := len(times)
	if n < 2 {
		return 0, fmt.Errorf("need at least 2 frames, got %d", n)
	}
	return (times[n-1] - times[0]) / float64(n-1) / 1e3, nil
}

// diffusionSlopes fits log(ac)/(4k²) against lag time for every row of ac
// (P × lags, lag 0 first) after removing the reference noise floor refAc.
// Rows too close to the noise floor or with a non-positive normalized lag
// are masked and come back as NaN.
func diffusionSlopes(ac *mat.Dense, refAc []float64, dt, wavelengthNm float64) ([]float64, error) {
	p, lags := ac.Dims()
	if len(refAc) != lags {
		return nil, fmt.Errorf("reference autocorrelation has %d lags, data has %d", len(refAc), lags)
	}
	k := 2 * math.Pi * cellIndex / (wavelengthNm / 1000)
	scale := 1 / (4 * k * k)

	mask := make([]bool, p)
	logs := mat.NewDense(p, lags, nil)
	for i := 0; i < p; i++ {
		row := ac.RawRowView(i)
		if row[0] < noiseFloorFactor*refAc[0] {
			mask[i] = true
			continue
		}
		dst := logs.RawRowView(i)
		zero := row[0] - refAc[0]
		for l, v := range row {
			n := (v - refAc[l]) / zero
			if !(n > 0) || math.IsInf(n, 0) {
				mask[i] = true
				break
			}
			dst[l] = math.Log(n) * scale
		}
	}

	x := make([]float64, lags)
	for l := range x {
		x[l] = float64(l) * dt
	}
	return dsp.MaskedFitSlopes(logs, mask, x)
}
