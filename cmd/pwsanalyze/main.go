// Command pwsanalyze runs a PWS or Dynamics analysis over a batch of cubes
// described by a YAML configuration file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"pwsanalysis/internal/blob"
	"pwsanalysis/internal/compilationdb"
	"pwsanalysis/internal/cubeio"
	"pwsanalysis/internal/models"
	"pwsanalysis/pkg/analysis"
	"pwsanalysis/pkg/batch"
	"pwsanalysis/pkg/compilation"
	"pwsanalysis/pkg/config"
	"pwsanalysis/pkg/cube"
	"pwsanalysis/pkg/results"
	"pwsanalysis/pkg/settings"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	if ctx.Err() != nil && code == 0 {
		code = 130
	}
	stop()
	os.Exit(code)
}

// resultsFile is the part of a results container the command needs.
type resultsFile interface {
	Save(dir, name string) (string, error)
	CubeIDTag() (string, error)
	RunID() (string, error)
	Kind() results.Kind
}

// app carries what every batch stage shares.
type app struct {
	cfg     *config.Config
	compile bool
	out     io.Writer
	logger  *log.Logger
	archive blob.Store
	db      *compilationdb.Store
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("pwsanalyze", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.String("config", "batch.yaml", "Batch configuration file")
	workers := flags.Int("workers", 0, "Number of cubes analyzed concurrently (default: from config)")
	name := flags.String("name", "", "Analysis name (default: from config)")
	compile := flags.Bool("compile", false, "Compile ROI averages into the compilation database")
	initConfig := flags.String("init-config", "", "Write a default configuration file to this path and exit")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	if *initConfig != "" {
		if err := config.CreateDefaultConfigFile(*initConfig); err != nil {
			fmt.Fprintf(stderr, "Failed to write config: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "Default configuration written to %s\n", *initConfig)
		return 0
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *workers > 0 {
		cfg.Processing.NumWorkers = *workers
	}
	if *name != "" {
		cfg.Output.AnalysisName = *name
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "Invalid config: %v\n", err)
		return 2
	}

	logOut := io.Discard
	if cfg.Output.Verbose {
		logOut = stdout
	}
	a := &app{cfg: cfg, compile: *compile, out: stdout, logger: log.New(logOut, "", log.LstdFlags)}
	if err := a.execute(ctx); err != nil {
		fmt.Fprintf(stderr, "Analysis failed: %v\n", err)
		return 1
	}
	return 0
}

func (a *app) execute(ctx context.Context) error {
	cfg := a.cfg
	fmt.Fprintln(a.out, "================================")
	fmt.Fprintf(a.out, "%s ANALYSIS %q OF %d CUBES\n", kindTitle(cfg.Processing.Kind), cfg.Output.AnalysisName, len(cfg.Input.Cubes))
	fmt.Fprintln(a.out, "================================")

	fmt.Fprintln(a.out, "Step 1: Loading reference...")
	ref, err := a.loadCube(ctx, cfg.Input.Reference)
	if err != nil {
		return fmt.Errorf("reference: %w", err)
	}
	var er *cube.ExtraReflectance
	if cfg.Input.ExtraReflectance != "" {
		if er, err = cubeio.LoadExtraReflectance(cfg.Input.ExtraReflectance); err != nil {
			return fmt.Errorf("extra reflectance: %w", err)
		}
	}
	settingsJSON, err := os.ReadFile(cfg.Input.Settings)
	if err != nil {
		return fmt.Errorf("settings: %w", err)
	}

	fmt.Fprintln(a.out, "Step 2: Opening output stores...")
	if a.archive, err = blob.Open(ctx, cfg.Output.Archive); err != nil {
		return err
	}
	if a.compile {
		if a.db, err = compilationdb.Open(ctx, cfg.Output.Database.Driver, cfg.Output.Database.DSN); err != nil {
			return err
		}
		defer func() { _ = a.db.Close() }()
	}

	fmt.Fprintln(a.out, "Step 3: Preparing the analysis engine...")
	opts := analysis.Options{Logger: a.logger, OPDIndexStop: cfg.Processing.OPDIndexStop, OPDNoWindow: cfg.Processing.OPDNoWindow}
	switch cfg.Processing.Kind {
	case config.KindDynamics:
		s, err := settings.DynamicsFromJSON(settingsJSON)
		if err != nil {
			return err
		}
		engine, err := analysis.NewDynamicsEngine(s, ref, er, opts)
		if err != nil {
			return err
		}
		c := compilation.NewDynamicsCompiler(cfg.Compilation.Dynamics)
		return analyze(ctx, a, engine, func(r *results.Dynamics, roi *models.Roi) (compilation.Record, error) {
			return c.Run(cfg.Output.AnalysisName, r, roi)
		})
	default:
		s, err := settings.PWSFromJSON(settingsJSON)
		if err != nil {
			return err
		}
		engine, err := analysis.NewPWSEngine(s, ref, er, opts)
		if err != nil {
			return err
		}
		c := compilation.NewPWSCompiler(cfg.Compilation.PWS)
		return analyze(ctx, a, engine, func(r *results.PWS, roi *models.Roi) (compilation.Record, error) {
			return c.Run(cfg.Output.AnalysisName, r, roi)
		})
	}
}

// analyze runs the batch and reports. It fails only when no cube succeeded.
func analyze[R resultsFile](ctx context.Context, a *app, engine batch.Runner[R], compile func(R, *models.Roi) (compilation.Record, error)) error {
	cfg := a.cfg
	reg := prometheus.NewRegistry()
	metrics, err := batch.NewMetrics(reg)
	if err != nil {
		return err
	}
	tasks := make([]batch.Task, len(cfg.Input.Cubes))
	for i, path := range cfg.Input.Cubes {
		tasks[i] = batch.Task{ID: path, Load: func(ctx context.Context) (*cube.Cube, error) { return a.loadCube(ctx, path) }}
	}

	fmt.Fprintf(a.out, "Step 4: Analyzing %d cubes with %d workers...\n", len(tasks), cfg.Processing.NumWorkers)
	start := time.Now()
	report := batch.Run(ctx, engine, tasks, func(ctx context.Context, t batch.Task, r R) error {
		return store(ctx, a, t, r, compile)
	}, batch.Options{Workers: cfg.Processing.NumWorkers, Logger: a.logger, Metrics: metrics})
	elapsed := time.Since(start)

	if cfg.Output.MetricsFile != "" {
		if err := prometheus.WriteToTextfile(cfg.Output.MetricsFile, reg); err != nil {
			fmt.Fprintf(a.out, "Warning: Failed to write metrics: %v\n", err)
		}
	}

	fmt.Fprintf(a.out, "\nAnalyzed %d of %d cubes in %.2f seconds\n", len(report.Succeeded), len(tasks), elapsed.Seconds())
	for _, w := range report.Warnings {
		fmt.Fprintf(a.out, "Warning: %s\n", w)
	}
	for _, f := range report.Failures {
		fmt.Fprintf(a.out, "Warning: %s\n", f.Error())
	}
	if len(report.Skipped) > 0 {
		fmt.Fprintf(a.out, "Skipped %d cubes after cancellation\n", len(report.Skipped))
	}
	if len(tasks) > 0 && len(report.Succeeded) == 0 {
		return fmt.Errorf("none of the %d cubes could be analyzed", len(tasks))
	}
	return nil
}

// store saves one results file under the results directory, archives it
// and, when asked, compiles it over every configured ROI.
func store[R resultsFile](ctx context.Context, a *app, t batch.Task, r R, compile func(R, *models.Roi) (compilation.Record, error)) error {
	cfg := a.cfg
	cellID, err := r.CubeIDTag()
	if err != nil {
		return err
	}
	runID, err := r.RunID()
	if err != nil {
		return err
	}
	path, err := r.Save(filepath.Join(cfg.Output.ResultsDir, cellID), cfg.Output.AnalysisName)
	if err != nil {
		return err
	}
	if err := a.archiveFile(ctx, path, cellID, runID, r.Kind()); err != nil {
		return err
	}
	if !a.compile {
		return nil
	}
	dir := filepath.Dir(t.ID)
	for _, roiName := range cfg.Compilation.RoiNames {
		rois, err := cubeio.LoadRois(dir, roiName)
		if errors.Is(err, fs.ErrNotExist) {
			a.logger.Printf("Warning: %s has no %s ROIs", cellID, roiName)
			continue
		}
		if err != nil {
			return err
		}
		for _, roi := range rois {
			rec, err := compile(r, roi)
			if err != nil {
				return fmt.Errorf("compile %s: %w", roi, err)
			}
			if err := a.db.Put(ctx, rec); err != nil {
				return err
			}
		}
		a.logger.Printf("Compiled %d %s ROIs of %s", len(rois), roiName, cellID)
	}
	return nil
}

func (a *app) archiveFile(ctx context.Context, path, cellID, runID string, kind results.Kind) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	key := fmt.Sprintf("%s/%s/%s/%s", a.cfg.Output.AnalysisName, cellID, runID, filepath.Base(path))
	if _, err := blob.Archive(ctx, a.archive, key, f, map[string]string{
		"runid": runID, "cellid": cellID, "kind": string(kind),
	}); err != nil {
		return err
	}
	a.logger.Printf("Saved %s (archived as %s)", path, key)
	return nil
}

// loadCube reads a cube file and applies the camera correction, either the
// configured override or the one in the cube metadata.
func (a *app) loadCube(_ context.Context, path string) (*cube.Cube, error) {
	c, err := cubeio.LoadCube(path)
	if err != nil {
		return nil, err
	}
	if cc := a.cfg.Input.CameraCorrection; cc != nil {
		err = c.CorrectCameraEffects(cc.Correction(), cc.Binning)
	} else {
		err = c.CorrectCameraEffectsAuto()
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func kindTitle(kind string) string {
	if kind == config.KindDynamics {
		return "DYNAMICS"
	}
	return "PWS"
}
