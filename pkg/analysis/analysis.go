// Package analysis turns corrected image cubes into per-pixel result maps.
//
// An engine is built once per reference acquisition and settings. Building
// it prepares the reference (corrections, extra reflection, theoretical
// reflectance) into read-only arrays; Run may then be called concurrently
// from several goroutines, each with its own subject cube.
package analysis

import (
	"fmt"
	"io"
	"log"
	"math"

	"pwsanalysis/pkg/cube"
)

// dustKernelUm is the radius of the dust filter applied to references.
const dustKernelUm = 0.75

// Options tune engine construction.
type Options struct {
	// Logger receives progress and warning lines. Nil discards them.
	Logger *log.Logger

	// OPDIndexStop is the number of OPD points kept. Zero means DefaultOPDIndexStop.
	OPDIndexStop int

	// OPDNoWindow disables the Hann window applied before the OPD transform.
	OPDNoWindow bool
}

func (o Options) logger() *log.Logger {
	if o.Logger == nil {
		return log.New(io.Discard, "", 0)
	}
	return o.Logger
}

// Warning is a non-fatal problem found while preparing or running an analysis.
type Warning struct {
	Message string
	Err     error
}

func (w Warning) String() string {
	if w.Err != nil {
		return fmt.Sprintf("%s: %v", w.Message, w.Err)
	}
	return w.Message
}

// CalibrationMismatchError describes an extra reflectance calibration taken
// at a different numerical aperture than the analysis. It is only ever
// reported inside a Warning.
type CalibrationMismatchError struct {
	CalibrationID string
	CalibrationNA float64
	AnalysisNA    float64
}

func (e *CalibrationMismatchError) Error() string {
	return fmt.Sprintf("extra reflectance %s was measured at NA %g but the analysis uses NA %g",
		e.CalibrationID, e.CalibrationNA, e.AnalysisNA)
}

// warner collects warnings and echoes them to the log.
type warner struct {
	logger   *log.Logger
	warnings []Warning
}

func (w *warner) warn(msg string, err error) {
	wn := Warning{Message: msg, Err: err}
	w.logger.Printf("Warning: %s", wn)
	w.warnings = append(w.warnings, wn)
}

func (w *warner) warnAll(msgs []string) {
	for _, m := range msgs {
		w.warn(m, nil)
	}
}

func checkGrid(height, width int, c *cube.Cube) error {
	if c.Height != height || c.Width != width {
		return &cube.ShapeMismatchError{
			What: "cube " + c.Metadata.IDTag,
			Want: []int{height, width},
			Got:  []int{c.Height, c.Width},
		}
	}
	return nil
}

// sanitize replaces ±Inf with NaN so that results never persist infinities.
// It returns the number of replaced values.
func sanitize(m *cube.Map) int {
	n := 0
	for i, v := range m.Data {
		if math.IsInf(v, 0) {
			m.Data[i] = math.NaN()
			n++
		}
	}
	return n
}

func checkCalibration(w *warner, er *cube.ExtraReflectance, na float64, wantID *string) error {
	if wantID != nil && *wantID != er.IDTag() {
		return fmt.Errorf("settings ask for extra reflectance %s but %s was supplied", *wantID, er.IDTag())
	}
	if er.NumericalAperture != na {
		w.warn("extra reflectance calibration NA does not match the analysis", &CalibrationMismatchError{
			CalibrationID: er.IDTag(),
			CalibrationNA: er.NumericalAperture,
			AnalysisNA:    na,
		})
	}
	return nil
}
