package results

import (
	"errors"
	"math"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"pwsanalysis/internal/dataset"
	"pwsanalysis/pkg/cube"
	"pwsanalysis/pkg/settings"
)

func filledMap(h, w int, v float64) *cube.Map {
	m := cube.NewMap(h, w)
	m.Fill(v)
	return m
}

func createPWSResults(t *testing.T, advanced bool) *PWS {
	t.Helper()
	refl, err := cube.New([]float64{1, 2, 3, 4, 5, 6, 7, 8}, 2, 2, []float64{10, 11}, cube.AxisWavenumber, cube.Metadata{})
	if err != nil {
		t.Fatal(err)
	}
	er := "ExtraReflection_sys_01-01-2024 00:00:00"
	v := PWSValues{
		Settings:             settings.DefaultPWS(),
		Reflectance:          refl,
		MeanReflectance:      filledMap(2, 2, 0.5),
		RMS:                  filledMap(2, 2, 0.02),
		PolynomialRMS:        filledMap(2, 2, 0.001),
		CubeIDTag:            "cell1",
		ReferenceIDTag:       "ref1",
		ExtraReflectionIDTag: &er,
		Time:                 time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC),
	}
	if advanced {
		v.AutoCorrelationSlope = filledMap(2, 2, -3)
		v.RSquared = filledMap(2, 2, 0.95)
		v.Ld = filledMap(2, 2, math.NaN())
		opd, err := cube.New(make([]float64, 12), 2, 2, []float64{0, 1, 2}, cube.Axis("opd"), cube.Metadata{})
		if err != nil {
			t.Fatal(err)
		}
		v.OPD = opd
	}
	r, err := NewPWS(v)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestMemoryBacking(t *testing.T) {
	r := createPWSResults(t, false)
	if _, ok := r.Backing().(*Memory); !ok {
		t.Fatalf("Expected memory backing, got %T", r.Backing())
	}
	rms, err := r.RMS()
	if err != nil {
		t.Fatal(err)
	}
	if rms.At(1, 1) != 0.02 {
		t.Errorf("Unexpected rms %v", rms.Data)
	}
	_, err = r.AutoCorrelationSlope()
	var missing *MissingDataError
	if !errors.As(err, &missing) {
		t.Fatalf("Expected MissingDataError, got %v", err)
	}
	if missing.Source != "memory" || missing.Field != FieldAutoCorrelationSlope {
		t.Errorf("Unexpected error details %+v", missing)
	}
	id, err := r.RunID()
	if err != nil || len(id) != 36 {
		t.Errorf("Expected a uuid run id, got %q, %v", id, err)
	}
	ts, err := r.Time()
	if err != nil || !ts.Equal(time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)) {
		t.Errorf("Unexpected time %v, %v", ts, err)
	}
}

func TestFileBackingIsLazy(t *testing.T) {
	dir := t.TempDir()
	mem := createPWSResults(t, true)
	path, err := mem.Save(dir, "p0")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(path) != "analysisResults_p0.h5" {
		t.Errorf("Unexpected file name %s", path)
	}
	if _, err := mem.Save(dir, "p0"); !errors.Is(err, dataset.ErrExists) {
		t.Errorf("Expected saving over an existing file to fail, got %v", err)
	}

	r, err := OpenPWS(dir, "p0")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if _, ok := r.Backing().(*File); !ok {
		t.Fatalf("Expected file backing, got %T", r.Backing())
	}
	if len(r.cache) != 0 {
		t.Errorf("Nothing should be loaded before access, cache has %d entries", len(r.cache))
	}

	ld, err := r.Ld()
	if err != nil {
		t.Fatal(err)
	}
	if !math.IsNaN(ld.At(0, 1)) {
		t.Errorf("Expected NaN to survive the file, got %g", ld.At(0, 1))
	}
	if _, ok := r.cache[FieldLd]; !ok || len(r.cache) != 1 {
		t.Errorf("Expected only the ld field to be memoized, cache has %d entries", len(r.cache))
	}

	refl, err := r.Reflectance()
	if err != nil {
		t.Fatal(err)
	}
	if refl.Axis != cube.AxisWavenumber || !reflect.DeepEqual(refl.Index, []float64{10, 11}) || refl.At(1, 1, 1) != 8 {
		t.Errorf("Unexpected reflectance cube %+v", refl)
	}
	s, err := r.Settings()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(s, settings.DefaultPWS()) {
		t.Errorf("Settings changed on disk: %+v", s)
	}
	er, err := r.ExtraReflectionIDTag()
	if err != nil || er == nil || *er != "ExtraReflection_sys_01-01-2024 00:00:00" {
		t.Errorf("Unexpected extra reflection tag %v, %v", er, err)
	}
	memID, _ := mem.RunID()
	fileID, _ := r.RunID()
	if memID != fileID {
		t.Errorf("Run id changed on disk: %s vs %s", memID, fileID)
	}
	fields, err := r.Fields()
	if err != nil {
		t.Fatal(err)
	}
	memFields, _ := mem.Fields()
	if !reflect.DeepEqual(fields, memFields) {
		t.Errorf("Field lists differ:\n file %v\n mem  %v", fields, memFields)
	}
}

func TestAccessorsReturnCopies(t *testing.T) {
	dir := t.TempDir()
	if _, err := createPWSResults(t, true).Save(dir, "p0"); err != nil {
		t.Fatal(err)
	}
	file, err := OpenPWS(dir, "p0")
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()

	for name, r := range map[string]*PWS{"memory": createPWSResults(t, true), "file": file} {
		t.Run(name, func(t *testing.T) {
			rms, err := r.RMS()
			if err != nil {
				t.Fatal(err)
			}
			rms.Fill(99)
			again, _ := r.RMS()
			if again.At(0, 0) != 0.02 {
				t.Errorf("Changing a returned map altered the results: %v", again.Data)
			}
			refl, err := r.Reflectance()
			if err != nil {
				t.Fatal(err)
			}
			refl.Data[0] = -1
			refl.Index[0] = -1
			fresh, _ := r.Reflectance()
			if fresh.Data[0] != 1 || fresh.Index[0] != 10 {
				t.Errorf("Changing a returned cube altered the results: %v %v", fresh.Data, fresh.Index)
			}
		})
	}
}

func TestFileBackingMissingField(t *testing.T) {
	dir := t.TempDir()
	if _, err := createPWSResults(t, false).Save(dir, "basic"); err != nil {
		t.Fatal(err)
	}
	err := WithPWS(dir, "basic", func(r *PWS) error {
		_, err := r.OPD()
		return err
	})
	var missing *MissingDataError
	if !errors.As(err, &missing) {
		t.Fatalf("Expected MissingDataError, got %v", err)
	}
	if missing.Source != filepath.Join(dir, PWSFileName("basic")) {
		t.Errorf("Expected the file path as source, got %q", missing.Source)
	}
	if !errors.Is(err, dataset.ErrNotFound) {
		t.Errorf("Expected the cause to be ErrNotFound, got %v", err)
	}
}

func TestOptionalExtraReflectionTag(t *testing.T) {
	dir := t.TempDir()
	r, err := NewDynamics(DynamicsValues{
		Settings:        settings.DefaultDynamics(),
		MeanReflectance: filledMap(1, 2, 1),
		RMSTSquared:     filledMap(1, 2, 0),
		Diffusion:       filledMap(1, 2, math.NaN()),
		CubeIDTag:       "dyn",
		ReferenceIDTag:  "ref",
	})
	if err != nil {
		t.Fatal(err)
	}
	if tag, err := r.ExtraReflectionIDTag(); err != nil || tag != nil {
		t.Errorf("Expected an absent tag, got %v, %v", tag, err)
	}
	if _, err := r.Save(dir, "d"); err != nil {
		t.Fatal(err)
	}
	err = WithDynamics(dir, "d", func(d *Dynamics) error {
		tag, err := d.ExtraReflectionIDTag()
		if err != nil || tag != nil {
			t.Errorf("Expected an absent tag from file, got %v, %v", tag, err)
		}
		diff, err := d.Diffusion()
		if err != nil {
			return err
		}
		if !math.IsNaN(diff.Data[0]) {
			t.Errorf("Expected NaN diffusion, got %g", diff.Data[0])
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestOpenRejectsWrongKind(t *testing.T) {
	dir := t.TempDir()
	path, err := createPWSResults(t, false).Save(dir, "x")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := open(path, KindDynamics); err == nil {
		t.Errorf("Expected a kind mismatch error")
	}
	if _, err := OpenPWS(dir, "missing"); err == nil {
		t.Errorf("Expected error for a missing file")
	}
}
