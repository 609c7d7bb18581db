package analysis

import (
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"pwsanalysis/pkg/cube"
	"pwsanalysis/pkg/dsp"
	"pwsanalysis/pkg/interpolation"
	"pwsanalysis/pkg/reflectance"
	"pwsanalysis/pkg/results"
	"pwsanalysis/pkg/settings"
)

const (
	// DefaultOPDIndexStop is the number of OPD points kept by default.
	DefaultOPDIndexStop = 100

	// Ld model constants: the spectral autocorrelation decay is compared at
	// the 550 nm central wavenumber and scaled by the fixed system
	// calibration constants A1 and A2.
	ldA1         = 0.008
	ldA2         = 4.0
	ldRefractive = 1.38
)

// PWSEngine runs the spectral analysis against a prepared reference.
type PWSEngine struct {
	settings settings.PWS
	logger   *log.Logger

	height, width int
	wavelengths   []float64
	reference     *cube.Cube
	extra         *cube.Cube
	referenceID   string
	erID          *string

	// k-space resampling and detrending, shared read-only by every run
	wavenumbers []float64
	kGrid       []float64
	resampler   *interpolation.Resampler
	fitter      *dsp.PolynomialFitter
	opdStop     int
	opdHann     bool

	warnings []Warning
}

// NewPWSEngine prepares the reference acquisition ref for the analysis.
//
// The reference is copied, camera corrected from its metadata if needed,
// exposure normalized and, when the pixel size is known, dust filtered. If
// er is non-nil the system's extra reflection is estimated from it and
// removed. Unless s.RelativeUnits is set the reference is then divided by
// the theoretical reflectance of s.ReferenceMaterial so that results come
// out in physical reflectance. Subjects are divided by the prepared
// reference sample by sample, so the lamp spectrum cancels.
func NewPWSEngine(s settings.PWS, ref *cube.Cube, er *cube.ExtraReflectance, opts Options) (*PWSEngine, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if ref.Axis != cube.AxisWavelength {
		return nil, fmt.Errorf("reference %s is indexed by %s, not wavelength", ref.Metadata.IDTag, ref.Axis)
	}
	w := &warner{logger: opts.logger()}
	e := &PWSEngine{
		settings:    s,
		logger:      w.logger,
		height:      ref.Height,
		width:       ref.Width,
		wavelengths: append([]float64(nil), ref.Index...),
		referenceID: ref.Metadata.IDTag,
		opdStop:     opts.OPDIndexStop,
		opdHann:     !opts.OPDNoWindow,
	}
	if e.opdStop == 0 {
		e.opdStop = DefaultOPDIndexStop
	}

	ref = ref.Clone()
	if !ref.Status().CameraCorrected {
		if err := ref.CorrectCameraEffectsAuto(); err != nil {
			return nil, fmt.Errorf("prepare reference: %w", err)
		}
	}
	if err := ref.NormalizeByExposure(); err != nil {
		return nil, fmt.Errorf("prepare reference: %w", err)
	}
	if ref.Metadata.PixelSizeUm > 0 {
		if err := ref.FilterDust(dustKernelUm); err != nil {
			return nil, fmt.Errorf("prepare reference: %w", err)
		}
	}

	var theoryR []float64
	if s.ReferenceMaterial == nil {
		w.warn("no reference material given, treating the reference as a perfect reflector", nil)
		theoryR = reflectance.Uniform(ref.Depth())
	} else {
		var err error
		theoryR, err = reflectance.Reflectance(*s.ReferenceMaterial, reflectance.Glass, ref.Index, s.NumericalAperture)
		if err != nil {
			return nil, fmt.Errorf("theoretical reflectance of %s: %w", *s.ReferenceMaterial, err)
		}
	}

	switch {
	case er != nil:
		if err := checkCalibration(w, er, s.NumericalAperture, s.ExtraReflectanceID); err != nil {
			return nil, err
		}
		extra, err := spectralExtraReflection(ref, er, theoryR)
		if err != nil {
			return nil, err
		}
		if err := ref.SubtractExtraReflectionSpectral(extra); err != nil {
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
		for p := 0; p < ref.Pixels(); p++ {
			px := ref.Pixel(p)
			for k := range px {
				px[k] /= theoryR[k]
			}
		}
	}
	e.reference = ref

	if err := e.prepareWavenumbers(); err != nil {
		return nil, err
	}
	e.warnings = w.warnings
	return e, nil
}

// spectralExtraReflection estimates the extra reflection in counts/ms at
// every pixel and wavelength of the prepared reference:
// I0 = ref / (theoryR + ER) and Iextra = I0 · ER.
func spectralExtraReflection(ref *cube.Cube, er *cube.ExtraReflectance, theoryR []float64) (*cube.Cube, error) {
	erCube, err := er.Wavelengths(ref.Index)
	if err != nil {
		return nil, err
	}
	if erCube.Height != ref.Height || erCube.Width != ref.Width {
		return nil, &cube.ShapeMismatchError{
			What: "extra reflectance",
			Want: []int{ref.Height, ref.Width},
			Got:  []int{erCube.Height, erCube.Width},
		}
	}
	data := make([]float64, len(erCube.Data))
	n := ref.Depth()
	for p := 0; p < ref.Pixels(); p++ {
		refPx := ref.Pixel(p)
		for k, v := range erCube.Pixel(p) {
			i0 := refPx[k] / (theoryR[k] + v)
			data[p*n+k] = i0 * v
		}
	}
	return ref.Derive(data, append([]float64(nil), ref.Index...), cube.AxisWavelength)
}

// prepareWavenumbers builds the evenly spaced wavenumber grid of the
// cropped spectrum and the polynomial fitter over it.
func (e *PWSEngine) prepareWavenumbers() error {
	var kept []float64
	for _, wl := range e.wavelengths {
		if wl >= e.settings.WavelengthStart && wl <= e.settings.WavelengthStop {
			kept = append(kept, wl)
		}
	}
	if len(kept) < 2 {
		return fmt.Errorf("wavelength range [%g, %g] keeps %d samples of the reference, need at least 2",
			e.settings.WavelengthStart, e.settings.WavelengthStop, len(kept))
	}
	// k = 2π/λ with λ in µm. Wavenumbers descend as wavelengths ascend.
	n := len(kept)
	e.wavenumbers = make([]float64, n)
	for i, wl := range kept {
		e.wavenumbers[n-1-i] = 2 * math.Pi / (wl / 1000)
	}
	e.kGrid = interpolation.EvenGrid(e.wavenumbers[0], e.wavenumbers[n-1], n)
	var err error
	if e.resampler, err = interpolation.NewResampler(e.wavenumbers, e.kGrid); err != nil {
		return err
	}
	if e.fitter, err = dsp.NewPolynomialFitter(e.kGrid, e.settings.PolynomialOrder); err != nil {
		return err
	}
	if !e.settings.SkipAdvanced && e.settings.AutoCorrStopIndex > n {
		return fmt.Errorf("autocorrelation stop index %d exceeds the %d analysed wavelengths",
			e.settings.AutoCorrStopIndex, n)
	}
	return nil
}

// Warnings returns the warnings raised while preparing the reference.
func (e *PWSEngine) Warnings() []Warning { return append([]Warning(nil), e.warnings...) }

// ReferenceMean returns the per-pixel mean of the prepared reference.
func (e *PWSEngine) ReferenceMean() *cube.Map { return e.reference.MeanMap() }

// Run analyses one acquisition. The cube is processed in place and must not
// be used by anyone else during the call. Run is safe for concurrent use
// with different cubes.
//
// The mean reflectance is always taken over the cropped range
// [WavelengthStart, WavelengthStop], after filtering.
func (e *PWSEngine) Run(c *cube.Cube) (*results.PWS, []Warning, error) {
	w := &warner{logger: e.logger}
	start := time.Now()
	if err := checkGrid(e.height, e.width, c); err != nil {
		return nil, nil, err
	}
	if !floats.Equal(c.Index, e.wavelengths) {
		return nil, nil, fmt.Errorf("cube %s: wavelengths do not match reference %s", c.Metadata.IDTag, e.referenceID)
	}

	if !c.Status().CameraCorrected {
		if err := c.CorrectCameraEffectsAuto(); err != nil {
			return nil, nil, err
		}
	}
	if err := c.NormalizeByExposure(); err != nil {
		return nil, nil, err
	}
	if e.extra != nil {
		if err := c.SubtractExtraReflectionSpectral(e.extra); err != nil {
			return nil, nil, err
		}
	}
	msgs, err := c.NormalizeByReferenceSpectral(e.reference)
	if err != nil {
		return nil, nil, err
	}
	w.warnAll(msgs)

	if err := e.fillGaps(c, w); err != nil {
		return nil, nil, err
	}
	if e.settings.FilterOrder > 0 {
		if err := e.filter(c); err != nil {
			return nil, nil, err
		}
	}

	cropped, err := c.SelectIndex(e.settings.WavelengthStart, e.settings.WavelengthStop)
	if err != nil {
		return nil, nil, err
	}
	meanReflectance := cropped.MeanMap()

	kCube, err := e.toWavenumber(cropped)
	if err != nil {
		return nil, nil, err
	}
	rms, polyRms := e.detrend(kCube)

	v := results.PWSValues{
		Settings:             e.settings,
		Reflectance:          kCube,
		MeanReflectance:      meanReflectance,
		RMS:                  rms,
		PolynomialRMS:        polyRms,
		CubeIDTag:            c.Metadata.IDTag,
		ReferenceIDTag:       e.referenceID,
		ExtraReflectionIDTag: e.erID,
		Time:                 start,
	}
	if !e.settings.SkipAdvanced {
		slope, rSquared, err := e.autocorrelationFits(kCube)
		if err != nil {
			return nil, nil, err
		}
		v.AutoCorrelationSlope = slope
		v.RSquared = rSquared
		v.Ld = ld(rms, slope)
		if v.OPD, err = e.opd(kCube); err != nil {
			return nil, nil, err
		}
	}
	for _, m := range []*cube.Map{v.MeanReflectance, v.RMS, v.PolynomialRMS, v.AutoCorrelationSlope, v.RSquared, v.Ld} {
		if m == nil {
			continue
		}
		if n := sanitize(m); n > 0 {
			w.warn(fmt.Sprintf("%d infinite values replaced by NaN", n), cube.ErrNumericDegeneracy)
		}
	}

	r, err := results.NewPWS(v)
	if err != nil {
		return nil, nil, err
	}
	e.logger.Printf("PWS analysis of %s finished in %s", c.Metadata.IDTag, time.Since(start).Round(time.Millisecond))
	return r, w.warnings, nil
}

// fillGaps repairs non-finite samples along each spectrum. Pixels without
// two finite samples are left as they are.
func (e *PWSEngine) fillGaps(c *cube.Cube, w *warner) error {
	repaired, dead := 0, 0
	for p := 0; p < c.Pixels(); p++ {
		n, err := interpolation.FillGaps(c.Index, c.Pixel(p))
		switch {
		case errors.Is(err, interpolation.ErrNoValidSamples):
			dead++
		case err != nil:
			return err
		}
		repaired += n
	}
	if repaired > 0 {
		w.warn(fmt.Sprintf("cube %s: %d non-finite samples interpolated", c.Metadata.IDTag, repaired), nil)
	}
	if dead > 0 {
		w.warn(fmt.Sprintf("cube %s: %d pixels have no usable spectrum", c.Metadata.IDTag, dead), cube.ErrNumericDegeneracy)
	}
	return nil
}

func (e *PWSEngine) filter(c *cube.Cube) error {
	if c.Depth() < 2 {
		return nil
	}
	step := c.Index[1] - c.Index[0]
	for i := 2; i < c.Depth(); i++ {
		if math.Abs(c.Index[i]-c.Index[i-1]-step) > 1e-6*step {
			return fmt.Errorf("cube %s: filtering needs evenly spaced wavelengths", c.Metadata.IDTag)
		}
	}
	bw, err := dsp.NewButterworthLowpass(e.settings.FilterOrder, e.settings.FilterCutoff, 1/step)
	if err != nil {
		return err
	}
	for p := 0; p < c.Pixels(); p++ {
		px := c.Pixel(p)
		bw.FiltFilt(px, px)
	}
	return nil
}

// toWavenumber resamples the cropped spectra onto the even wavenumber grid.
func (e *PWSEngine) toWavenumber(c *cube.Cube) (*cube.Cube, error) {
	n := c.Depth()
	if n != len(e.kGrid) {
		return nil, fmt.Errorf("cube %s: cropped to %d wavelengths, reference has %d", c.Metadata.IDTag, n, len(e.kGrid))
	}
	data := make([]float64, c.Pixels()*n)
	reversed := make([]float64, n)
	for p := 0; p < c.Pixels(); p++ {
		px := c.Pixel(p)
		for i, v := range px {
			reversed[n-1-i] = v
		}
		e.resampler.Resample(data[p*n:(p+1)*n], reversed)
	}
	return c.Derive(data, append([]float64(nil), e.kGrid...), cube.AxisWavenumber)
}

// detrend subtracts the background polynomial from every spectrum in place
// and returns the standard deviation of the residual and of the polynomial.
func (e *PWSEngine) detrend(k *cube.Cube) (rms, polyRms *cube.Map) {
	n := k.Depth()
	rows := mat.NewDense(k.Pixels(), n, k.Data)
	fit := e.fitter.FitRows(rows)
	rows.Sub(rows, fit)

	rms = cube.NewMap(k.Height, k.Width)
	polyRms = cube.NewMap(k.Height, k.Width)
	for p := 0; p < k.Pixels(); p++ {
		rms.Data[p] = stat.PopStdDev(rows.RawRowView(p), nil)
		polyRms.Data[p] = stat.PopStdDev(fit.RawRowView(p), nil)
	}
	return rms, polyRms
}

// autocorrelationFits regresses the log of the normalized spectral
// autocorrelation of every pixel against the wavenumber lag.
func (e *PWSEngine) autocorrelationFits(k *cube.Cube) (slope, rSquared *cube.Map, err error) {
	n := k.Depth()
	stop := e.settings.AutoCorrStopIndex
	dk := e.kGrid[1] - e.kGrid[0]
	lags := make([]float64, stop)
	for i := range lags {
		lags[i] = float64(i) * dk
	}

	ac := dsp.NewAutocorrelator(n)
	full := make([]float64, n)
	rows := mat.NewDense(k.Pixels(), stop, nil)
	valid := make([]bool, k.Pixels())
	for p := 0; p < k.Pixels(); p++ {
		valid[p] = e.logAutocorrelation(ac, full, k.Pixel(p), rows.RawRowView(p))
	}

	fits, err := dsp.FitLines(rows, lags)
	if err != nil {
		return nil, nil, err
	}
	slope = cube.NewMap(k.Height, k.Width)
	rSquared = cube.NewMap(k.Height, k.Width)
	for p := range valid {
		if !valid[p] {
			slope.Data[p] = math.NaN()
			rSquared.Data[p] = math.NaN()
			continue
		}
		slope.Data[p] = fits.Slope[p]
		rSquared.Data[p] = fits.RSquared[p]
	}
	return slope, rSquared, nil
}

// logAutocorrelation writes log(ac/ac[0]) for the first len(dst) lags into
// dst. It reports false, leaving dst zeroed, when any value is not positive.
func (e *PWSEngine) logAutocorrelation(ac *dsp.Autocorrelator, full, signal, dst []float64) bool {
	ac.Compute(full, signal)
	zero := full[0]
	if !(zero > 0) {
		clear(dst)
		return false
	}
	floats.Scale(1/zero, full)
	if e.settings.AutoCorrMinSub {
		floats.AddConst(-floats.Min(full), full)
	}
	for i := range dst {
		v := full[i]
		if !(v > 0) || math.IsInf(v, 0) {
			clear(dst)
			return false
		}
		dst[i] = math.Log(v)
	}
	return true
}

// ld computes the depth localization from the spectral RMS and the
// autocorrelation decay rate.
func ld(rms, slope *cube.Map) *cube.Map {
	k := 2 * math.Pi / 0.55
	fact := ldRefractive * ldRefractive / 2 / (k * k)
	out := cube.NewMap(rms.Height, rms.Width)
	for p := range out.Data {
		out.Data[p] = (ldA2 / ldA1) * fact * (rms.Data[p] / -slope.Data[p])
	}
	return out
}

func (e *PWSEngine) opd(k *cube.Cube) (*cube.Cube, error) {
	n := k.Depth()
	t := dsp.NewOPDTransform(n, e.kGrid[1]-e.kGrid[0], e.opdHann, e.opdStop)
	m := t.Len()
	data := make([]float64, k.Pixels()*m)
	for p := 0; p < k.Pixels(); p++ {
		t.Compute(data[p*m:(p+1)*m], k.Pixel(p))
	}
	return k.Derive(data, t.Axis(), AxisOPD)
}

// AxisOPD indexes the OPD cube by optical path depth in µm.
const AxisOPD cube.Axis = "opd"
