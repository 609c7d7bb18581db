package settings

import (
	"fmt"
	"os"

	"pwsanalysis/pkg/reflectance"
)

// DynamicsFileSuffix names Dynamics settings files: <name>_dynAnalysis.json.
const DynamicsFileSuffix = "dynAnalysis"

// MaxDiffusionRegressionLength bounds DiffusionRegressionLength from above
// (exclusive). Later lags of the log autocorrelation are dominated by noise.
const MaxDiffusionRegressionLength = 20

// Dynamics configures the time-series analysis.
type Dynamics struct {
	ExtraReflectanceID *string               `json:"extraReflectanceId"`
	ReferenceMaterial  *reflectance.Material `json:"referenceMaterial"`
	NumericalAperture  float64               `json:"numericalAperture"`
	RelativeUnits      bool                  `json:"relativeUnits"`

	// DiffusionRegressionLength is the number of lags after zero used to
	// regress the log autocorrelation.
	DiffusionRegressionLength int `json:"diffusionRegressionLength"`

	// TimeStartMs and TimeStopMs optionally restrict the analysed frames.
	TimeStartMs *float64 `json:"timeStartMs"`
	TimeStopMs  *float64 `json:"timeStopMs"`
}

// DefaultDynamics returns the settings commonly used for PWS-Dynamics.
func DefaultDynamics() Dynamics {
	water := reflectance.Water
	return Dynamics{
		ReferenceMaterial:         &water,
		NumericalAperture:         0.52,
		RelativeUnits:             true,
		DiffusionRegressionLength: 3,
	}
}

// Validate checks value ranges.
func (s Dynamics) Validate() error {
	if s.DiffusionRegressionLength <= 0 || s.DiffusionRegressionLength >= MaxDiffusionRegressionLength {
		return fmt.Errorf("diffusionRegressionLength must be in (0, %d), got %d",
			MaxDiffusionRegressionLength, s.DiffusionRegressionLength)
	}
	if s.NumericalAperture < 0 {
		return fmt.Errorf("numericalAperture must be non-negative, got %g", s.NumericalAperture)
	}
	if s.TimeStartMs != nil && s.TimeStopMs != nil && *s.TimeStartMs >= *s.TimeStopMs {
		return fmt.Errorf("timeStartMs %g must be below timeStopMs %g", *s.TimeStartMs, *s.TimeStopMs)
	}
	if s.ReferenceMaterial != nil {
		if _, err := reflectance.ParseMaterial(string(*s.ReferenceMaterial)); err != nil {
			return err
		}
	}
	return nil
}

// ToJSON encodes the settings.
func (s Dynamics) ToJSON() ([]byte, error) { return encode(s) }

// DynamicsFromJSON decodes and validates settings.
func DynamicsFromJSON(data []byte) (Dynamics, error) {
	var s Dynamics
	if err := decodeStrict(data, &s); err != nil {
		return Dynamics{}, err
	}
	if err := s.Validate(); err != nil {
		return Dynamics{}, fmt.Errorf("invalid dynamics settings: %w", err)
	}
	return s, nil
}

// Save writes <dir>/<name>_dynAnalysis.json.
func (s Dynamics) Save(dir, name string) error {
	data, err := s.ToJSON()
	if err != nil {
		return err
	}
	return writeFile(filePath(dir, name, DynamicsFileSuffix), data)
}

// LoadDynamics reads <dir>/<name>_dynAnalysis.json.
func LoadDynamics(dir, name string) (Dynamics, error) {
	data, err := os.ReadFile(filePath(dir, name, DynamicsFileSuffix))
	if err != nil {
		return Dynamics{}, fmt.Errorf("error reading settings file: %w", err)
	}
	return DynamicsFromJSON(data)
}
