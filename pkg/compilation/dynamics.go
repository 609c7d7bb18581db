package compilation

import (
	"math"

	"pwsanalysis/internal/models"
	"pwsanalysis/pkg/cube"
	"pwsanalysis/pkg/results"
)

// DynamicsSettings selects which Dynamics metrics are compiled.
type DynamicsSettings struct {
	MeanReflectance bool `yaml:"meanReflectance"`
	RMSTSquared     bool `yaml:"rmsTSquared"`
	Diffusion       bool `yaml:"diffusion"`
}

// DynamicsRecord is the compiled result of one Dynamics analysis over one ROI.
type DynamicsRecord struct {
	Key

	Reflectance float64
	RMSTSquared float64
	Diffusion   float64
}

// RecordKey implements Record.
func (r DynamicsRecord) RecordKey() Key { return r.Key }

// Kind implements Record.
func (r DynamicsRecord) Kind() string { return string(results.KindDynamics) }

// Metrics implements Record.
func (r DynamicsRecord) Metrics() map[string]float64 {
	return map[string]float64{
		"reflectance":   r.Reflectance,
		"rms_t_squared": r.RMSTSquared,
		"diffusion":     r.Diffusion,
	}
}

// Series implements Record.
func (r DynamicsRecord) Series() map[string][]float64 { return nil }

// DynamicsCompiler compiles Dynamics results.
type DynamicsCompiler struct {
	settings DynamicsSettings
}

// NewDynamicsCompiler returns a compiler for the given metric selection.
func NewDynamicsCompiler(s DynamicsSettings) *DynamicsCompiler {
	return &DynamicsCompiler{settings: s}
}

// Run averages every enabled metric of r over roi. Diffusion ignores NaN
// pixels, which mark fits rejected by the analysis.
func (c *DynamicsCompiler) Run(analysisName string, r *results.Dynamics, roi *models.Roi) (DynamicsRecord, error) {
	cellID, err := r.CubeIDTag()
	if err != nil {
		return DynamicsRecord{}, err
	}
	nan := math.NaN()
	rec := DynamicsRecord{
		Key:         keyFor(analysisName, cellID, roi),
		Reflectance: nan,
		RMSTSquared: nan,
		Diffusion:   nan,
	}
	fields := []struct {
		enabled bool
		name    string
		load    func() (*cube.Map, error)
		dst     *float64
		skipNaN bool
	}{
		{c.settings.MeanReflectance, results.FieldMeanReflectance, r.MeanReflectance, &rec.Reflectance, false},
		{c.settings.RMSTSquared, results.FieldRMSTSquared, r.RMSTSquared, &rec.RMSTSquared, false},
		{c.settings.Diffusion, results.FieldDiffusion, r.Diffusion, &rec.Diffusion, true},
	}
	for _, f := range fields {
		if !f.enabled {
			continue
		}
		m, err := f.load()
		if err != nil {
			return DynamicsRecord{}, err
		}
		if err := checkRoi(roi, m, f.name); err != nil {
			return DynamicsRecord{}, err
		}
		var keep func(int) bool
		if f.skipNaN {
			keep = func(p int) bool { return !math.IsNaN(m.Data[p]) }
		}
		*f.dst = meanOver(roi, m, keep)
	}
	return rec, nil
}
