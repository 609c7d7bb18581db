package compilation

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"pwsanalysis/internal/models"
	"pwsanalysis/pkg/cube"
	"pwsanalysis/pkg/results"
)

// PWSSettings selects which PWS metrics are compiled.
type PWSSettings struct {
	Reflectance          bool `yaml:"reflectance"`
	RMS                  bool `yaml:"rms"`
	PolynomialRMS        bool `yaml:"polynomialRms"`
	AutoCorrelationSlope bool `yaml:"autoCorrelationSlope"`
	RSquared             bool `yaml:"rSquared"`
	Ld                   bool `yaml:"ld"`
	OPD                  bool `yaml:"opd"`
	MeanSigmaRatio       bool `yaml:"meanSigmaRatio"`
}

// PWSRecord is the compiled result of one PWS analysis over one ROI.
type PWSRecord struct {
	Key

	Reflectance          float64
	RMS                  float64
	PolynomialRMS        float64
	AutoCorrelationSlope float64
	RSquared             float64
	Ld                   float64

	// OPD is the ROI-averaged OPD spectrum sampled at OPDIndex (µm).
	OPD      []float64
	OPDIndex []float64

	// VarRatio compares the variance of the ROI mean spectrum to the mean
	// per-pixel variance.
	VarRatio float64
}

// RecordKey implements Record.
func (r PWSRecord) RecordKey() Key { return r.Key }

// Kind implements Record.
func (r PWSRecord) Kind() string { return string(results.KindPWS) }

// Metrics implements Record.
func (r PWSRecord) Metrics() map[string]float64 {
	return map[string]float64{
		"reflectance":          r.Reflectance,
		"rms":                  r.RMS,
		"polynomialRms":        r.PolynomialRMS,
		"autoCorrelationSlope": r.AutoCorrelationSlope,
		"rSquared":             r.RSquared,
		"ld":                   r.Ld,
		"varRatio":             r.VarRatio,
	}
}

// Series implements Record.
func (r PWSRecord) Series() map[string][]float64 {
	return map[string][]float64{"opd": r.OPD, "opdIndex": r.OPDIndex}
}

// PWSCompiler compiles PWS results.
type PWSCompiler struct {
	settings PWSSettings
}

// NewPWSCompiler returns a compiler for the given metric selection.
func NewPWSCompiler(s PWSSettings) *PWSCompiler { return &PWSCompiler{settings: s} }

// Run averages every enabled metric of r over roi. Only the fields the
// settings ask for are read from r.
func (c *PWSCompiler) Run(analysisName string, r *results.PWS, roi *models.Roi) (PWSRecord, error) {
	cellID, err := r.CubeIDTag()
	if err != nil {
		return PWSRecord{}, err
	}
	nan := math.NaN()
	rec := PWSRecord{
		Key:                  keyFor(analysisName, cellID, roi),
		Reflectance:          nan,
		RMS:                  nan,
		PolynomialRMS:        nan,
		AutoCorrelationSlope: nan,
		RSquared:             nan,
		Ld:                   nan,
		VarRatio:             nan,
	}

	simple := []struct {
		enabled bool
		name    string
		load    func() (*cube.Map, error)
		dst     *float64
	}{
		{c.settings.Reflectance, results.FieldMeanReflectance, r.MeanReflectance, &rec.Reflectance},
		{c.settings.RMS, results.FieldRMS, r.RMS, &rec.RMS},
		{c.settings.PolynomialRMS, results.FieldPolynomialRMS, r.PolynomialRMS, &rec.PolynomialRMS},
		{c.settings.RSquared, results.FieldRSquared, r.RSquared, &rec.RSquared},
		{c.settings.Ld, results.FieldLd, r.Ld, &rec.Ld},
	}
	for _, f := range simple {
		if !f.enabled {
			continue
		}
		m, err := f.load()
		if err != nil {
			return PWSRecord{}, err
		}
		if err := checkRoi(roi, m, f.name); err != nil {
			return PWSRecord{}, err
		}
		*f.dst = meanOver(roi, m, nil)
	}

	if c.settings.AutoCorrelationSlope {
		if rec.AutoCorrelationSlope, err = c.slope(r, roi); err != nil {
			return PWSRecord{}, err
		}
	}
	if c.settings.OPD {
		opd, err := r.OPD()
		if err != nil {
			return PWSRecord{}, err
		}
		if err := checkCubeRoi(roi, opd, results.FieldOPD); err != nil {
			return PWSRecord{}, err
		}
		if rec.OPD, err = opd.MeanSpectrum(roi.Mask); err != nil {
			return PWSRecord{}, err
		}
		rec.OPDIndex = append([]float64(nil), opd.Index...)
	}
	if c.settings.MeanSigmaRatio {
		if rec.VarRatio, err = varRatio(r, roi); err != nil {
			return PWSRecord{}, err
		}
	}
	return rec, nil
}

// slope averages the autocorrelation slope over pixels with a confident,
// decaying fit.
func (c *PWSCompiler) slope(r *results.PWS, roi *models.Roi) (float64, error) {
	slope, err := r.AutoCorrelationSlope()
	if err != nil {
		return 0, err
	}
	rSquared, err := r.RSquared()
	if err != nil {
		return 0, err
	}
	if err := checkRoi(roi, slope, results.FieldAutoCorrelationSlope); err != nil {
		return 0, err
	}
	if err := checkRoi(roi, rSquared, results.FieldRSquared); err != nil {
		return 0, err
	}
	return meanOver(roi, slope, func(p int) bool {
		return rSquared.Data[p] > minRSquared && slope.Data[p] < maxSlope
	}), nil
}

func varRatio(r *results.PWS, roi *models.Roi) (float64, error) {
	refl, err := r.Reflectance()
	if err != nil {
		return 0, err
	}
	rms, err := r.RMS()
	if err != nil {
		return 0, err
	}
	if err := checkCubeRoi(roi, refl, results.FieldReflectance); err != nil {
		return 0, err
	}
	if err := checkRoi(roi, rms, results.FieldRMS); err != nil {
		return 0, err
	}
	spectrum, err := refl.MeanSpectrum(roi.Mask)
	if err != nil {
		return 0, err
	}
	meanRms := stat.PopStdDev(spectrum, nil)

	sq := cube.NewMap(rms.Height, rms.Width)
	for p, v := range rms.Data {
		sq.Data[p] = v * v
	}
	return meanRms * meanRms / meanOver(roi, sq, nil), nil
}

func checkCubeRoi(roi *models.Roi, c *cube.Cube, what string) error {
	return checkRoi(roi, &cube.Map{Height: c.Height, Width: c.Width}, what)
}
