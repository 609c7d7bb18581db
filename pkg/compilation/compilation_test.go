package compilation

import (
	"errors"
	"math"
	"testing"
	"time"

	"pwsanalysis/internal/models"
	"pwsanalysis/pkg/cube"
	"pwsanalysis/pkg/results"
	"pwsanalysis/pkg/settings"
)

func mapOf(h, w int, data ...float64) *cube.Map {
	return &cube.Map{Height: h, Width: w, Data: data}
}

func pwsResults(t *testing.T) *results.PWS {
	t.Helper()
	refl, err := cube.New([]float64{
		1, 3, 1, 3,
		2, 2, 2, 2,
		0, 4, 0, 4,
		5, 5, 5, 5,
	}, 2, 2, []float64{10, 11, 12, 13}, cube.AxisWavenumber, cube.Metadata{})
	if err != nil {
		t.Fatal(err)
	}
	opd, err := cube.New([]float64{1, 2, 3, 4, 5, 6, 7, 8}, 2, 2, []float64{0, 0.5}, cube.Axis("opd"), cube.Metadata{})
	if err != nil {
		t.Fatal(err)
	}
	r, err := results.NewPWS(results.PWSValues{
		Settings:             settings.DefaultPWS(),
		Reflectance:          refl,
		MeanReflectance:      mapOf(2, 2, 0.1, 0.2, 0.3, 0.4),
		RMS:                  mapOf(2, 2, 1, 1, 2, math.NaN()),
		PolynomialRMS:        mapOf(2, 2, 0.5, 0.5, 0.5, 0.5),
		AutoCorrelationSlope: mapOf(2, 2, -2, -4, 3, -8),
		RSquared:             mapOf(2, 2, 0.95, 0.99, 0.99, 0.5),
		Ld:                   mapOf(2, 2, 1, 2, 3, 4),
		OPD:                  opd,
		CubeIDTag:            "Cell7",
		ReferenceIDTag:       "ref",
		Time:                 time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func allPWS() PWSSettings {
	return PWSSettings{
		Reflectance: true, RMS: true, PolynomialRMS: true, AutoCorrelationSlope: true,
		RSquared: true, Ld: true, OPD: true, MeanSigmaRatio: true,
	}
}

func roi(t *testing.T, mask ...bool) *models.Roi {
	t.Helper()
	r, err := models.NewRoi("nucleus", 1, 2, 2, mask)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestPWSCompiler(t *testing.T) {
	r := pwsResults(t)
	top := roi(t, true, true, false, false)
	rec, err := NewPWSCompiler(allPWS()).Run("p0", r, top)
	if err != nil {
		t.Fatal(err)
	}
	want := Key{AnalysisName: "p0", CellIDTag: "Cell7", RoiName: "nucleus", RoiNumber: 1}
	if rec.RecordKey() != want {
		t.Errorf("Unexpected key %+v", rec.Key)
	}
	checks := []struct {
		name      string
		got, want float64
	}{
		{"reflectance", rec.Reflectance, 0.15},
		{"rms", rec.RMS, 1},
		{"polynomialRms", rec.PolynomialRMS, 0.5},
		{"autoCorrelationSlope", rec.AutoCorrelationSlope, -3},
		{"rSquared", rec.RSquared, 0.97},
		{"ld", rec.Ld, 1.5},
	}
	for _, c := range checks {
		if math.Abs(c.got-c.want) > 1e-12 {
			t.Errorf("%s: expected %g, got %g", c.name, c.want, c.got)
		}
	}
	if len(rec.OPD) != 2 || rec.OPD[0] != 2 || rec.OPD[1] != 3 {
		t.Errorf("Unexpected OPD %v", rec.OPD)
	}
	if len(rec.OPDIndex) != 2 || rec.OPDIndex[1] != 0.5 {
		t.Errorf("Unexpected OPD index %v", rec.OPDIndex)
	}
	// Mean spectrum over the top row is (1.5, 2.5, 1.5, 2.5): variance 0.25.
	if math.Abs(rec.VarRatio-0.25) > 1e-12 {
		t.Errorf("Expected var ratio 0.25, got %g", rec.VarRatio)
	}
}

func TestPWSCompilerSlopeCondition(t *testing.T) {
	r := pwsResults(t)
	// Pixel 2 has a positive slope, pixel 3 a poor fit: neither is averaged.
	rec, err := NewPWSCompiler(PWSSettings{AutoCorrelationSlope: true}).Run("p0", r, roi(t, false, false, true, true))
	if err != nil {
		t.Fatal(err)
	}
	if !math.IsNaN(rec.AutoCorrelationSlope) {
		t.Errorf("Expected NaN when no pixel passes the fit condition, got %g", rec.AutoCorrelationSlope)
	}
	// NaN inside the ROI propagates for plain metrics.
	rec, err = NewPWSCompiler(PWSSettings{RMS: true}).Run("p0", r, roi(t, false, false, true, true))
	if err != nil {
		t.Fatal(err)
	}
	if !math.IsNaN(rec.RMS) {
		t.Errorf("Expected NaN rms, got %g", rec.RMS)
	}
}

func TestPWSCompilerIsIdempotent(t *testing.T) {
	r := pwsResults(t)
	all := roi(t, true, true, true, true)
	c := NewPWSCompiler(allPWS())
	a, err := c.Run("p0", r, all)
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.Run("p0", r, all)
	if err != nil {
		t.Fatal(err)
	}
	am, bm := a.Metrics(), b.Metrics()
	for name, v := range am {
		if math.Float64bits(v) != math.Float64bits(bm[name]) {
			t.Errorf("%s differs between runs: %v vs %v", name, v, bm[name])
		}
	}
	for i := range a.OPD {
		if math.Float64bits(a.OPD[i]) != math.Float64bits(b.OPD[i]) {
			t.Errorf("OPD[%d] differs between runs", i)
		}
	}
}

func TestPWSCompilerAllDisabled(t *testing.T) {
	r := pwsResults(t)
	rec, err := NewPWSCompiler(PWSSettings{}).Run("p0", r, roi(t, true, true, true, true))
	if err != nil {
		t.Fatal(err)
	}
	for name, v := range rec.Metrics() {
		if !math.IsNaN(v) {
			t.Errorf("%s: expected NaN for a disabled metric, got %g", name, v)
		}
	}
	for name, s := range rec.Series() {
		if s != nil {
			t.Errorf("%s: expected no series for a disabled metric, got %v", name, s)
		}
	}
	if rec.CellIDTag != "Cell7" || rec.RoiName != "nucleus" {
		t.Errorf("Identity tags must survive: %+v", rec.Key)
	}
}

func TestCompilerRejectsShapeMismatch(t *testing.T) {
	r := pwsResults(t)
	wide, err := models.NewRoi("nucleus", 1, 2, 3, make([]bool, 6))
	if err != nil {
		t.Fatal(err)
	}
	var shape *cube.ShapeMismatchError
	if _, err := NewPWSCompiler(allPWS()).Run("p0", r, wide); !errors.As(err, &shape) {
		t.Errorf("Expected ShapeMismatchError, got %v", err)
	}
}

func TestMissingFieldOnlyWhenEnabled(t *testing.T) {
	r, err := results.NewPWS(results.PWSValues{
		Settings:        settings.DefaultPWS(),
		MeanReflectance: mapOf(2, 2, 1, 1, 1, 1),
		CubeIDTag:       "Cell1",
	})
	if err != nil {
		t.Fatal(err)
	}
	all := roi(t, true, true, true, true)
	if _, err := NewPWSCompiler(PWSSettings{Reflectance: true}).Run("p0", r, all); err != nil {
		t.Errorf("Unexpected error %v", err)
	}
	var missing *results.MissingDataError
	if _, err := NewPWSCompiler(PWSSettings{Ld: true}).Run("p0", r, all); !errors.As(err, &missing) {
		t.Errorf("Expected MissingDataError, got %v", err)
	}
}

func TestDynamicsCompiler(t *testing.T) {
	r, err := results.NewDynamics(results.DynamicsValues{
		Settings:        settings.DefaultDynamics(),
		MeanReflectance: mapOf(2, 2, 1, 2, 3, 4),
		RMSTSquared:     mapOf(2, 2, 0.1, 0.2, 0.3, 0.4),
		Diffusion:       mapOf(2, 2, math.NaN(), 0.2, math.NaN(), 0.4),
		CubeIDTag:       "Dyn1",
		ReferenceIDTag:  "ref",
	})
	if err != nil {
		t.Fatal(err)
	}
	all := roi(t, true, true, true, true)
	c := NewDynamicsCompiler(DynamicsSettings{MeanReflectance: true, RMSTSquared: true, Diffusion: true})
	rec, err := c.Run("d0", r, all)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Reflectance != 2.5 {
		t.Errorf("Expected reflectance 2.5, got %g", rec.Reflectance)
	}
	if math.Abs(rec.RMSTSquared-0.25) > 1e-12 {
		t.Errorf("Expected rms_t_squared 0.25, got %g", rec.RMSTSquared)
	}
	if math.Abs(rec.Diffusion-0.3) > 1e-12 {
		t.Errorf("Expected NaN pixels to be skipped, got %g", rec.Diffusion)
	}
	if rec.Kind() != "dynamics" || rec.Series() != nil {
		t.Errorf("Unexpected kind or series")
	}

	disabled, err := NewDynamicsCompiler(DynamicsSettings{}).Run("d0", r, all)
	if err != nil {
		t.Fatal(err)
	}
	for name, v := range disabled.Metrics() {
		if !math.IsNaN(v) {
			t.Errorf("%s: expected NaN, got %g", name, v)
		}
	}
	again, _ := c.Run("d0", r, all)
	if math.Float64bits(again.Diffusion) != math.Float64bits(rec.Diffusion) {
		t.Errorf("Expected identical results on a second run")
	}
}
