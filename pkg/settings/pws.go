package settings

import (
	"fmt"
	"os"

	"pwsanalysis/pkg/reflectance"
)

// PWSFileSuffix names PWS settings files: <name>_analysis.json.
const PWSFileSuffix = "analysis"

// PWS configures the spectral analysis.
type PWS struct {
	// FilterOrder is the Butterworth order of the spectral low-pass filter.
	// Zero disables filtering.
	FilterOrder int `json:"filterOrder"`

	// FilterCutoff is the filter cutoff in cycles per nm.
	FilterCutoff float64 `json:"filterCutoff"`

	// PolynomialOrder is the order of the background polynomial subtracted
	// from every spectrum.
	PolynomialOrder int `json:"polynomialOrder"`

	// ExtraReflectanceID is the id tag of the extra reflectance calibration.
	// Nil analyses without extra reflectance correction.
	ExtraReflectanceID *string `json:"extraReflectanceId"`

	// ReferenceMaterial was imaged in the reference acquisition. Nil treats
	// the reference as a perfect reflector.
	ReferenceMaterial *reflectance.Material `json:"referenceMaterial"`

	// WavelengthStart and WavelengthStop bound the analysed range in nm.
	WavelengthStart float64 `json:"wavelengthStart"`
	WavelengthStop  float64 `json:"wavelengthStop"`

	// SkipAdvanced skips the autocorrelation, Ld and OPD outputs.
	SkipAdvanced bool `json:"skipAdvanced"`

	// AutoCorrMinSub subtracts each pixel's autocorrelation minimum before
	// taking the logarithm.
	AutoCorrMinSub bool `json:"autoCorrMinSub"`

	// AutoCorrStopIndex is the number of autocorrelation lags used in the
	// log-linear fit.
	AutoCorrStopIndex int `json:"autoCorrStopIndex"`

	// NumericalAperture is the illumination NA.
	NumericalAperture float64 `json:"numericalAperture"`

	// RelativeUnits keeps results relative to the reference instead of
	// scaling them to physical reflectance.
	RelativeUnits bool `json:"relativeUnits"`
}

// DefaultPWS returns the settings commonly used for live-cell PWS.
func DefaultPWS() PWS {
	water := reflectance.Water
	return PWS{
		FilterOrder:       6,
		FilterCutoff:      0.15,
		PolynomialOrder:   0,
		ReferenceMaterial: &water,
		WavelengthStart:   510,
		WavelengthStop:    690,
		SkipAdvanced:      false,
		AutoCorrMinSub:    true,
		AutoCorrStopIndex: 6,
		NumericalAperture: 0.52,
		RelativeUnits:     true,
	}
}

// Validate checks value ranges.
func (s PWS) Validate() error {
	if s.FilterOrder < 0 {
		return fmt.Errorf("filterOrder must be non-negative, got %d", s.FilterOrder)
	}
	if s.FilterOrder > 0 && s.FilterCutoff <= 0 {
		return fmt.Errorf("filterCutoff must be positive, got %g", s.FilterCutoff)
	}
	if s.PolynomialOrder < 0 {
		return fmt.Errorf("polynomialOrder must be non-negative, got %d", s.PolynomialOrder)
	}
	if s.WavelengthStart >= s.WavelengthStop {
		return fmt.Errorf("wavelengthStart %g must be below wavelengthStop %g", s.WavelengthStart, s.WavelengthStop)
	}
	if s.AutoCorrStopIndex < 2 {
		return fmt.Errorf("autoCorrStopIndex must be at least 2, got %d", s.AutoCorrStopIndex)
	}
	if s.NumericalAperture < 0 {
		return fmt.Errorf("numericalAperture must be non-negative, got %g", s.NumericalAperture)
	}
	if s.ReferenceMaterial != nil {
		if _, err := reflectance.ParseMaterial(string(*s.ReferenceMaterial)); err != nil {
			return err
		}
	}
	return nil
}

// ToJSON encodes the settings.
func (s PWS) ToJSON() ([]byte, error) { return encode(s) }

// PWSFromJSON decodes and validates settings.
func PWSFromJSON(data []byte) (PWS, error) {
	var s PWS
	if err := decodeStrict(data, &s); err != nil {
		return PWS{}, err
	}
	if err := s.Validate(); err != nil {
		return PWS{}, fmt.Errorf("invalid PWS settings: %w", err)
	}
	return s, nil
}

// Save writes <dir>/<name>_analysis.json.
func (s PWS) Save(dir, name string) error {
	data, err := s.ToJSON()
	if err != nil {
		return err
	}
	return writeFile(filePath(dir, name, PWSFileSuffix), data)
}

// LoadPWS reads <dir>/<name>_analysis.json.
func LoadPWS(dir, name string) (PWS, error) {
	data, err := os.ReadFile(filePath(dir, name, PWSFileSuffix))
	if err != nil {
		return PWS{}, fmt.Errorf("error reading settings file: %w", err)
	}
	return PWSFromJSON(data)
}
