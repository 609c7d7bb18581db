package cubeio

import (
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"pwsanalysis/internal/models"
	"pwsanalysis/pkg/cube"
)

func TestCubeRoundTrip(t *testing.T) {
	dir := t.TempDir()
	md := cube.Metadata{
		IDTag:            "Cell3",
		ExposureMs:       50,
		Binning:          2,
		PixelSizeUm:      0.13,
		CameraCorrection: &cube.CameraCorrection{DarkCounts: 100, LinearityPolynomial: []float64{1, 1e-6}},
	}
	c, err := cube.New([]float64{1, 2, 3, 4, 5, 6, 7, 8}, 2, 2, []float64{500, 502}, cube.AxisWavelength, md)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "cell3.h5")
	if err := SaveCube(path, c); err != nil {
		t.Fatal(err)
	}
	got, err := LoadCube(path)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got.Data, c.Data) || !reflect.DeepEqual(got.Index, c.Index) || got.Axis != c.Axis {
		t.Errorf("Cube changed on disk: %+v", got)
	}
	if !reflect.DeepEqual(got.Metadata, md) {
		t.Errorf("Metadata changed on disk: %+v", got.Metadata)
	}
	if got.Status().CameraCorrected {
		t.Errorf("A loaded cube must start unprocessed")
	}
	if err := SaveCube(path, c); err == nil {
		t.Errorf("Expected saving over an existing file to fail")
	}
	if _, err := LoadExtraReflectance(path); err == nil {
		t.Errorf("Expected an error when loading a cube as a calibration")
	}
}

func TestExtraReflectanceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ts := time.Date(2023, 3, 4, 5, 6, 7, 0, time.UTC)
	er, err := cube.NewExtraReflectance([]float64{0.01, 0.02, 0.03, 0.04}, 1, 2, []float64{500, 600}, "LCPWS1", 0.52, ts)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "er.h5")
	if err := SaveExtraReflectance(path, er); err != nil {
		t.Fatal(err)
	}
	got, err := LoadExtraReflectance(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.IDTag() != er.IDTag() {
		t.Errorf("Expected id %s, got %s", er.IDTag(), got.IDTag())
	}
	if got.NumericalAperture != 0.52 || !got.Time.Equal(ts) {
		t.Errorf("Unexpected calibration info %+v", got)
	}
	plane, err := got.Plane(600)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(plane.Data, []float64{0.02, 0.04}) {
		t.Errorf("Unexpected plane %v", plane.Data)
	}
}

func TestRoisRoundTrip(t *testing.T) {
	dir := t.TempDir()
	poly, err := models.RoiFromVertices("nucleus", 2, 4, 4, []models.Vertex{{X: 0.5, Y: 0.5}, {X: 2.5, Y: 0.5}, {X: 2.5, Y: 2.5}})
	if err != nil {
		t.Fatal(err)
	}
	painted, err := models.NewRoi("nucleus", 10, 4, 4, make([]bool, 16))
	if err != nil {
		t.Fatal(err)
	}
	painted.Mask[5] = true
	if err := SaveRois(dir, "nucleus", []*models.Roi{painted, poly}); err != nil {
		t.Fatal(err)
	}
	rois, err := LoadRois(dir, "nucleus")
	if err != nil {
		t.Fatal(err)
	}
	if len(rois) != 2 || rois[0].Number != 2 || rois[1].Number != 10 {
		t.Fatalf("Unexpected rois %+v", rois)
	}
	if !reflect.DeepEqual(rois[0].Mask, poly.Mask) || !reflect.DeepEqual(rois[0].Vertices, poly.Vertices) {
		t.Errorf("Polygon roi changed on disk: %+v", rois[0])
	}
	if rois[1].Count() != 1 || !rois[1].Mask[5] || len(rois[1].Vertices) != 0 {
		t.Errorf("Painted roi changed on disk: %+v", rois[1])
	}

	other, _ := models.NewRoi("cytoplasm", 1, 4, 4, make([]bool, 16))
	if err := SaveRois(t.TempDir(), "nucleus", []*models.Roi{other}); err == nil {
		t.Errorf("Expected an error for a roi with a different name")
	}
}
