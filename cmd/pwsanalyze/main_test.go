package main

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pwsanalysis/internal/blob"
	"pwsanalysis/internal/compilationdb"
	"pwsanalysis/internal/cubeio"
	"pwsanalysis/internal/models"
	"pwsanalysis/pkg/compilation"
	"pwsanalysis/pkg/config"
	"pwsanalysis/pkg/cube"
	"pwsanalysis/pkg/settings"
)

func writeCube(t *testing.T, path, id string, value float64) {
	t.Helper()
	wl := make([]float64, 101)
	for i := range wl {
		wl[i] = 500 + 2*float64(i)
	}
	data := make([]float64, 4*len(wl))
	for i := range data {
		data[i] = value
	}
	md := cube.Metadata{IDTag: id, ExposureMs: 20, Binning: 1, CameraCorrection: &cube.CameraCorrection{}}
	c, err := cube.New(data, 2, 2, wl, cube.AxisWavelength, md)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := cubeio.SaveCube(path, c); err != nil {
		t.Fatal(err)
	}
}

// batchDir lays out a reference, one analyzable cube with a nucleus ROI and
// one cube path that does not exist.
func batchDir(t *testing.T) (string, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	writeCube(t, filepath.Join(dir, "ref.h5"), "ref", 200)
	writeCube(t, filepath.Join(dir, "Cell1", "cube.h5"), "Cell1", 100)
	roi, err := models.NewRoi("nucleus", 1, 2, 2, []bool{true, true, true, true})
	if err != nil {
		t.Fatal(err)
	}
	if err := cubeio.SaveRois(filepath.Join(dir, "Cell1"), "nucleus", []*models.Roi{roi}); err != nil {
		t.Fatal(err)
	}
	if err := settings.DefaultPWS().Save(dir, "p0"); err != nil {
		t.Fatal(err)
	}

	cfg := config.DefaultConfig()
	cfg.Processing.NumWorkers = 2
	cfg.Input.Reference = filepath.Join(dir, "ref.h5")
	cfg.Input.Cubes = []string{filepath.Join(dir, "Cell1", "cube.h5"), filepath.Join(dir, "Cell2", "cube.h5")}
	cfg.Input.Settings = filepath.Join(dir, "p0_analysis.json")
	cfg.Output.ResultsDir = filepath.Join(dir, "results")
	cfg.Output.Archive = blob.Config{Driver: blob.DriverFilesystem, Root: filepath.Join(dir, "archive")}
	cfg.Output.Database.DSN = filepath.Join(dir, "compilation.db")
	cfg.Output.MetricsFile = filepath.Join(dir, "batch.prom")
	cfg.Output.Verbose = false
	return dir, cfg
}

func writeConfig(t *testing.T, dir string, cfg *config.Config) string {
	t.Helper()
	path := filepath.Join(dir, "batch.yaml")
	if err := config.SaveConfig(cfg, path); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunAnalyzesArchivesAndCompiles(t *testing.T) {
	dir, cfg := batchDir(t)
	path := writeConfig(t, dir, cfg)

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-config", path, "-compile"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("Expected exit code 0, got %d\nstdout: %s\nstderr: %s", code, stdout.String(), stderr.String())
	}
	out := stdout.String()
	if !strings.Contains(out, "Analyzed 1 of 2 cubes") {
		t.Errorf("Expected a summary line, got:\n%s", out)
	}
	if !strings.Contains(out, "Warning: "+cfg.Input.Cubes[1]) {
		t.Errorf("Expected the missing cube to be reported as a warning, got:\n%s", out)
	}

	if _, err := os.Stat(filepath.Join(dir, "results", "Cell1", "analysisResults_p0.h5")); err != nil {
		t.Errorf("Expected a results file: %v", err)
	}

	ctx := context.Background()
	archive, err := blob.NewFilesystem(filepath.Join(dir, "archive"))
	if err != nil {
		t.Fatal(err)
	}
	archived, err := archive.List(ctx, "p0/Cell1/")
	if err != nil {
		t.Fatal(err)
	}
	if len(archived) != 1 || !strings.HasSuffix(archived[0].Key, "/analysisResults_p0.h5") || archived[0].Metadata["kind"] != "pws" {
		t.Errorf("Unexpected archive contents %+v", archived)
	}

	db, err := compilationdb.Open(ctx, compilationdb.DriverSQLite, cfg.Output.Database.DSN)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	row, err := db.Get(ctx, compilation.Key{AnalysisName: "p0", CellIDTag: "Cell1", RoiName: "nucleus", RoiNumber: 1})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(row.Metrics["reflectance"]-0.5) > 1e-9 {
		t.Errorf("Expected ROI reflectance 0.5, got %g", row.Metrics["reflectance"])
	}

	metrics, err := os.ReadFile(cfg.Output.MetricsFile)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(metrics), `pwsanalysis_batch_cubes_total{status="failed"} 1`) {
		t.Errorf("Unexpected metrics:\n%s", metrics)
	}

	// Results are never overwritten.
	stdout.Reset()
	if code := run(context.Background(), []string{"-config", path}, &stdout, &stderr); code != 1 {
		t.Errorf("Expected a rerun over existing results to fail, got %d", code)
	}
}

func TestRunFailsWhenNothingSucceeds(t *testing.T) {
	dir, cfg := batchDir(t)
	cfg.Input.Cubes = cfg.Input.Cubes[1:]
	path := writeConfig(t, dir, cfg)
	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), []string{"-config", path, "-name", "p1"}, &stdout, &stderr); code != 1 {
		t.Errorf("Expected exit code 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "none of the 1 cubes") {
		t.Errorf("Unexpected stderr %q", stderr.String())
	}
}

func TestRunDynamicsKindNeedsDynamicsSettings(t *testing.T) {
	dir, cfg := batchDir(t)
	cfg.Processing.Kind = config.KindDynamics
	path := writeConfig(t, dir, cfg)
	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), []string{"-config", path}, &stdout, &stderr); code != 1 {
		t.Errorf("Expected PWS settings to be rejected for a dynamics batch, got %d", code)
	}
}

func TestInitConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.yaml")
	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), []string{"-init-config", path}, &stdout, &stderr); code != 0 {
		t.Fatalf("Expected exit code 0, got %d: %s", code, stderr.String())
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected a valid default config: %v", err)
	}
}

func TestRunUsageErrors(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), []string{"-no-such-flag"}, &stdout, &stderr); code != 2 {
		t.Errorf("Expected exit code 2 for a bad flag, got %d", code)
	}
	path := filepath.Join(t.TempDir(), "batch.yaml")
	if err := os.WriteFile(path, []byte("processing:\n  kind: oct\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if code := run(context.Background(), []string{"-config", path}, &stdout, &stderr); code != 2 {
		t.Errorf("Expected exit code 2 for an invalid config, got %d", code)
	}
}
