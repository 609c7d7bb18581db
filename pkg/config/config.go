// Package config provides the batch configuration of pwsanalyze.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"pwsanalysis/internal/blob"
	"pwsanalysis/internal/compilationdb"
	"pwsanalysis/pkg/compilation"
	"pwsanalysis/pkg/cube"
)

// Analysis kinds.
const (
	KindPWS      = "pws"
	KindDynamics = "dynamics"
)

// CameraCorrection overrides the camera correction stored in cube metadata.
type CameraCorrection struct {
	DarkCounts          float64   `yaml:"darkCounts"`
	LinearityPolynomial []float64 `yaml:"linearityPolynomial,omitempty"`
	Binning             int       `yaml:"binning"`
}

// Correction converts c to the cube package representation.
func (c *CameraCorrection) Correction() cube.CameraCorrection {
	return cube.CameraCorrection{
		DarkCounts:          c.DarkCounts,
		LinearityPolynomial: append([]float64(nil), c.LinearityPolynomial...),
	}
}

// Config represents the batch configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumWorkers is the number of cubes analyzed concurrently
		NumWorkers int `yaml:"numWorkers"`

		// Kind selects the analysis: pws or dynamics
		Kind string `yaml:"kind"`

		// OPDIndexStop is the number of OPD points kept by PWS analyses
		OPDIndexStop int `yaml:"opdIndexStop"`

		// OPDNoWindow disables the Hann window before the OPD transform
		OPDNoWindow bool `yaml:"opdNoWindow"`
	} `yaml:"processing"`

	// Input files
	Input struct {
		// Reference is the cube file of the reference acquisition
		Reference string `yaml:"reference"`

		// Cubes are the cube files to analyze
		Cubes []string `yaml:"cubes"`

		// Settings is the analysis settings JSON file
		Settings string `yaml:"settings"`

		// ExtraReflectance is an optional extra reflectance calibration file
		ExtraReflectance string `yaml:"extraReflectance,omitempty"`

		// CameraCorrection is applied when set instead of the cube metadata
		CameraCorrection *CameraCorrection `yaml:"cameraCorrection,omitempty"`
	} `yaml:"input"`

	// Output parameters
	Output struct {
		// ResultsDir receives one results file per analyzed cube
		ResultsDir string `yaml:"resultsDir"`

		// AnalysisName names the results files and keys compiled records
		AnalysisName string `yaml:"analysisName"`

		// Archive is where results files are copied after a batch
		Archive blob.Config `yaml:"archive"`

		// Database holds compiled ROI records
		Database struct {
			Driver string `yaml:"driver"`
			DSN    string `yaml:"dsn"`
		} `yaml:"database"`

		// MetricsFile receives batch metrics in the Prometheus text format
		MetricsFile string `yaml:"metricsFile,omitempty"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`

	// Compilation parameters
	Compilation struct {
		// RoiNames lists the ROI files (ROI_<name>.h5 next to each cube) to compile
		RoiNames []string `yaml:"roiNames"`

		PWS      compilation.PWSSettings      `yaml:"pws"`
		Dynamics compilation.DynamicsSettings `yaml:"dynamics"`
	} `yaml:"compilation"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumWorkers = runtime.NumCPU()
	cfg.Processing.Kind = KindPWS
	cfg.Processing.OPDIndexStop = 100

	cfg.Output.ResultsDir = "results"
	cfg.Output.AnalysisName = "p0"
	cfg.Output.Archive = blob.Config{Driver: blob.DriverFilesystem, Root: "archive"}
	cfg.Output.Database.Driver = compilationdb.DriverSQLite
	cfg.Output.Database.DSN = "compilation.db"
	cfg.Output.Verbose = true

	cfg.Compilation.RoiNames = []string{"nucleus"}
	cfg.Compilation.PWS = compilation.PWSSettings{
		Reflectance:          true,
		RMS:                  true,
		PolynomialRMS:        true,
		AutoCorrelationSlope: true,
		RSquared:             true,
		Ld:                   true,
		OPD:                  true,
		MeanSigmaRatio:       true,
	}
	cfg.Compilation.Dynamics = compilation.DynamicsSettings{
		MeanReflectance: true,
		RMSTSquared:     true,
		Diffusion:       true,
	}

	return cfg
}

// Validate reports the first invalid value.
func (c *Config) Validate() error {
	switch c.Processing.Kind {
	case KindPWS, KindDynamics:
	default:
		return fmt.Errorf("processing.kind must be %q or %q, got %q", KindPWS, KindDynamics, c.Processing.Kind)
	}
	if c.Processing.NumWorkers < 0 {
		return fmt.Errorf("processing.numWorkers must not be negative")
	}
	if c.Processing.OPDIndexStop < 0 {
		return fmt.Errorf("processing.opdIndexStop must not be negative")
	}
	if c.Output.AnalysisName == "" {
		return fmt.Errorf("output.analysisName is required")
	}
	if c.Output.ResultsDir == "" {
		return fmt.Errorf("output.resultsDir is required")
	}
	switch c.Output.Database.Driver {
	case compilationdb.DriverSQLite, compilationdb.DriverPostgres:
	default:
		return fmt.Errorf("output.database.driver must be %q or %q, got %q",
			compilationdb.DriverSQLite, compilationdb.DriverPostgres, c.Output.Database.Driver)
	}
	if cc := c.Input.CameraCorrection; cc != nil && cc.Binning <= 0 {
		return fmt.Errorf("input.cameraCorrection.binning must be positive")
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
