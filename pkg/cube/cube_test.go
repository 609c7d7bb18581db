package cube

import (
	"errors"
	"math"
	"testing"
	"time"
)

// createConstantCube builds a cube of the given shape filled with value.
func createConstantCube(t *testing.T, height, width, depth int, value, exposure float64) *Cube {
	t.Helper()
	data := make([]float64, height*width*depth)
	for i := range data {
		data[i] = value
	}
	index := make([]float64, depth)
	for i := range index {
		index[i] = 500 + float64(i)*2
	}
	c, err := New(data, height, width, index, AxisWavelength, Metadata{IDTag: "test-cube", ExposureMs: exposure, Binning: 1})
	if err != nil {
		t.Fatalf("Failed to create cube: %v", err)
	}
	return c
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name  string
		data  []float64
		index []float64
	}{
		{"length mismatch", make([]float64, 7), []float64{1, 2}},
		{"empty index", nil, nil},
		{"descending index", make([]float64, 8), []float64{2, 1}},
		{"duplicate index", make([]float64, 8), []float64{1, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.data, 2, 2, tt.index, AxisTime, Metadata{}); err == nil {
				t.Errorf("Expected an error")
			}
		})
	}
}

func TestProcessingOrder(t *testing.T) {
	corr := CameraCorrection{DarkCounts: 10}

	t.Run("exposure before camera correction", func(t *testing.T) {
		c := createConstantCube(t, 2, 2, 3, 100, 10)
		var oe *OrderingError
		if err := c.NormalizeByExposure(); !errors.As(err, &oe) {
			t.Fatalf("Expected OrderingError, got %v", err)
		}
		if oe.CubeID != "test-cube" {
			t.Errorf("Expected cube id in error, got %q", oe.CubeID)
		}
	})

	t.Run("extra reflection before exposure", func(t *testing.T) {
		c := createConstantCube(t, 2, 2, 3, 100, 10)
		if err := c.CorrectCameraEffects(corr, 1); err != nil {
			t.Fatal(err)
		}
		var oe *OrderingError
		if err := c.SubtractExtraReflection(NewMap(2, 2)); !errors.As(err, &oe) {
			t.Fatalf("Expected OrderingError, got %v", err)
		}
	})

	t.Run("extra reflection after reference normalization", func(t *testing.T) {
		c := createConstantCube(t, 2, 2, 3, 100, 10)
		ref := createConstantCube(t, 2, 2, 3, 300, 10)
		if err := c.CorrectCameraEffects(corr, 1); err != nil {
			t.Fatal(err)
		}
		if err := c.NormalizeByExposure(); err != nil {
			t.Fatal(err)
		}
		if _, err := c.NormalizeByReference(ref.MeanMap()); err != nil {
			t.Fatal(err)
		}
		var oe *OrderingError
		if err := c.SubtractExtraReflection(NewMap(2, 2)); !errors.As(err, &oe) {
			t.Errorf("Expected OrderingError, got %v", err)
		}
		if err := c.SubtractExtraReflectionSpectral(createConstantCube(t, 2, 2, 3, 0, 10)); !errors.As(err, &oe) {
			t.Errorf("Expected OrderingError for the spectral variant, got %v", err)
		}
		if c.Status().ExtraReflectionSubtracted {
			t.Errorf("A rejected subtraction must not set its flag")
		}
	})

	t.Run("every step twice", func(t *testing.T) {
		for _, dark := range []float64{0, 5, 99} {
			for _, exposure := range []float64{1, 7.5, 100} {
				c := createConstantCube(t, 2, 3, 4, 200, exposure)
				ref := createConstantCube(t, 2, 3, 4, 300, exposure)
				cc := CameraCorrection{DarkCounts: dark, LinearityPolynomial: []float64{1, 1e-6}}
				if err := c.CorrectCameraEffects(cc, 2); err != nil {
					t.Fatal(err)
				}
				if err := c.NormalizeByExposure(); err != nil {
					t.Fatal(err)
				}
				if err := c.SubtractExtraReflection(NewMap(2, 3)); err != nil {
					t.Fatal(err)
				}
				if _, err := c.NormalizeByReference(ref.MeanMap()); err != nil {
					t.Fatal(err)
				}

				var oe *OrderingError
				if err := c.CorrectCameraEffects(cc, 2); !errors.As(err, &oe) {
					t.Errorf("camera correction twice: expected OrderingError, got %v", err)
				}
				if err := c.NormalizeByExposure(); !errors.As(err, &oe) {
					t.Errorf("exposure normalization twice: expected OrderingError, got %v", err)
				}
				if err := c.SubtractExtraReflection(NewMap(2, 3)); !errors.As(err, &oe) {
					t.Errorf("extra reflection twice: expected OrderingError, got %v", err)
				}
				if _, err := c.NormalizeByReference(ref.MeanMap()); !errors.As(err, &oe) {
					t.Errorf("reference normalization twice: expected OrderingError, got %v", err)
				}
			}
		}
	})
}

func TestNormalizeByReferenceSpectral(t *testing.T) {
	c := createConstantCube(t, 1, 2, 3, 0, 1)
	ref := createConstantCube(t, 1, 2, 3, 0, 1)
	for i := range c.Data {
		c.Data[i] = float64(10 * (i + 1))
		ref.Data[i] = float64(i + 1)
	}
	ref.Data[4] = 4
	warnings, err := c.NormalizeByReferenceSpectral(ref)
	if err != nil {
		t.Fatal(err)
	}
	if len(warnings) != 4 {
		t.Errorf("Expected warnings for both uncorrected cubes, got %v", warnings)
	}
	for i, v := range c.Data {
		want := 10.0
		if i == 4 {
			want = 12.5
		}
		if math.Abs(v-want) > 1e-12 {
			t.Errorf("Sample %d: expected %g, got %g", i, want, v)
		}
	}
	var oe *OrderingError
	if _, err := c.NormalizeByReferenceSpectral(ref); !errors.As(err, &oe) {
		t.Errorf("Expected OrderingError on a second normalization, got %v", err)
	}

	var shape *ShapeMismatchError
	short := createConstantCube(t, 1, 2, 2, 1, 1)
	if _, err := createConstantCube(t, 1, 2, 3, 1, 1).NormalizeByReferenceSpectral(short); !errors.As(err, &shape) {
		t.Errorf("Expected ShapeMismatchError, got %v", err)
	}
	shifted := createConstantCube(t, 1, 2, 3, 1, 1)
	shifted.Index[2] += 0.5
	if _, err := createConstantCube(t, 1, 2, 3, 1, 1).NormalizeByReferenceSpectral(shifted); err == nil {
		t.Errorf("Expected an error for a reference with a different index")
	}
}

func TestCorrectCameraEffects(t *testing.T) {
	c := createConstantCube(t, 1, 1, 2, 110, 1)
	// (110 - 2*2²) = 102, then 2·x + 0.5·x²
	if err := c.CorrectCameraEffects(CameraCorrection{DarkCounts: 2, LinearityPolynomial: []float64{2, 0.5}}, 2); err != nil {
		t.Fatal(err)
	}
	want := 2*102.0 + 0.5*102*102
	for _, v := range c.Data {
		if math.Abs(v-want) > 1e-9 {
			t.Errorf("Expected %g, got %g", want, v)
		}
	}
	if !c.Status().CameraCorrected {
		t.Errorf("Expected camera corrected flag")
	}
}

func TestCorrectCameraEffectsAuto(t *testing.T) {
	c := createConstantCube(t, 1, 1, 2, 10, 1)
	if err := c.CorrectCameraEffectsAuto(); err == nil {
		t.Errorf("Expected error without camera correction metadata")
	}
	c.Metadata.CameraCorrection = &CameraCorrection{DarkCounts: 1}
	if err := c.CorrectCameraEffectsAuto(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if c.Data[0] != 9 {
		t.Errorf("Expected 9, got %g", c.Data[0])
	}
}

func TestNormalizeByReferenceWarnings(t *testing.T) {
	c := createConstantCube(t, 2, 2, 3, 50, 1)
	ref := createConstantCube(t, 2, 2, 3, 100, 1)
	warnings, err := c.NormalizeByReference(ref)
	if err != nil {
		t.Fatalf("Soft preconditions must not fail: %v", err)
	}
	if len(warnings) != 4 {
		t.Errorf("Expected 4 warnings, got %d: %v", len(warnings), warnings)
	}
	for _, v := range c.Data {
		if v != 0.5 {
			t.Fatalf("Expected 0.5, got %g", v)
		}
	}
}

func TestNormalizeByReferenceShape(t *testing.T) {
	c := createConstantCube(t, 2, 2, 3, 50, 1)
	var se *ShapeMismatchError
	if _, err := c.NormalizeByReference(NewMap(3, 2)); !errors.As(err, &se) {
		t.Errorf("Expected ShapeMismatchError, got %v", err)
	}
}

func TestSubtractExtraReflectionSpectral(t *testing.T) {
	c := createConstantCube(t, 2, 2, 3, 10, 1)
	if err := c.CorrectCameraEffects(CameraCorrection{}, 1); err != nil {
		t.Fatal(err)
	}
	if err := c.NormalizeByExposure(); err != nil {
		t.Fatal(err)
	}
	extra := createConstantCube(t, 2, 2, 4, 1, 1)
	if err := c.SubtractExtraReflectionSpectral(extra); err == nil {
		t.Fatalf("Expected shape error")
	}
	extra = createConstantCube(t, 2, 2, 3, 1, 1)
	if err := c.SubtractExtraReflectionSpectral(extra); err != nil {
		t.Fatal(err)
	}
	if c.Data[5] != 9 {
		t.Errorf("Expected 9, got %g", c.Data[5])
	}
}

func TestSelectIndex(t *testing.T) {
	c := createConstantCube(t, 2, 2, 10, 1, 1)
	for i := range c.Data {
		c.Data[i] = float64(i % 10)
	}
	sel, err := c.SelectIndex(504, 510)
	if err != nil {
		t.Fatal(err)
	}
	if sel.Depth() != 4 || sel.Index[0] != 504 || sel.Index[3] != 510 {
		t.Fatalf("Unexpected index %v", sel.Index)
	}
	if got := sel.Pixel(3); got[0] != 2 || got[3] != 5 {
		t.Errorf("Unexpected pixel data %v", got)
	}
	if _, err := c.SelectIndex(700, 800); err == nil {
		t.Errorf("Expected error for an empty range")
	}
}

func TestFilterDust(t *testing.T) {
	c := createConstantCube(t, 6, 5, 2, 3, 1)
	if err := c.FilterDust(0.75); err == nil {
		t.Fatalf("Expected error without pixel size")
	}
	c.Metadata.PixelSizeUm = 0.25
	c.Data[(2*5+2)*2] = 103
	if err := c.FilterDust(0.75); err != nil {
		t.Fatal(err)
	}
	if c.Pixel(2*5 + 2)[0] >= 50 {
		t.Errorf("Expected the spike to be blurred, got %g", c.Pixel(12)[0])
	}
	if c.Pixel(2*5 + 3)[0] <= 3 {
		t.Errorf("Expected the spike to spread to its neighbour, got %g", c.Pixel(13)[0])
	}
	for p := 0; p < c.Pixels(); p++ {
		if math.Abs(c.Pixel(p)[1]-3) > 1e-12 {
			t.Fatalf("Constant plane changed at %d: %g", p, c.Pixel(p)[1])
		}
	}
}

func TestExtraReflectance(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	if _, err := NewExtraReflectance([]float64{0.1, 1.2}, 1, 1, []float64{500, 510}, "sys", 0.52, ts); err == nil {
		t.Errorf("Expected range error")
	}
	er, err := NewExtraReflectance([]float64{0.1, 0.2, 0.3, 0.4}, 2, 1, []float64{500, 510}, "sys", 0.52, ts)
	if err != nil {
		t.Fatal(err)
	}
	if er.IDTag() != "ExtraReflection_sys_01-03-2024 12:30:00" {
		t.Errorf("Unexpected id tag %q", er.IDTag())
	}
	plane, err := er.Plane(510)
	if err != nil {
		t.Fatal(err)
	}
	if plane.Data[0] != 0.2 || plane.Data[1] != 0.4 {
		t.Errorf("Unexpected plane %v", plane.Data)
	}
	if _, err := er.Plane(505); err == nil {
		t.Errorf("Expected error for a missing wavelength")
	}
	sub, err := er.Wavelengths([]float64{510})
	if err != nil {
		t.Fatal(err)
	}
	if sub.Depth() != 1 || sub.Data[1] != 0.4 {
		t.Errorf("Unexpected sub cube %v", sub.Data)
	}
}
