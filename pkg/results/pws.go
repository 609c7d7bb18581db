package results

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"pwsanalysis/pkg/cube"
	"pwsanalysis/pkg/settings"
)

// Field names as stored in results files.
const (
	FieldTime                 = "time"
	FieldSettings             = "settings"
	FieldRunID                = "runId"
	FieldCubeIDTag            = "imCubeIdTag"
	FieldReferenceIDTag       = "referenceIdTag"
	FieldExtraReflectionIDTag = "extraReflectionIdTag"
	FieldReflectance          = "reflectance"
	FieldMeanReflectance      = "meanReflectance"
	FieldRMS                  = "rms"
	FieldPolynomialRMS        = "polynomialRms"
	FieldAutoCorrelationSlope = "autoCorrelationSlope"
	FieldRSquared             = "rSquared"
	FieldLd                   = "ld"
	FieldOPD                  = "opd"
	FieldRMSTSquared          = "rms_t_squared"
	FieldDiffusion            = "diffusion"
)

// PWSFileName returns the results file name for an analysis name.
func PWSFileName(name string) string { return fmt.Sprintf("analysisResults_%s.h5", name) }

// PWSValues are the outputs of one PWS run. Nil maps and cubes are left out
// of the container; accessing them later yields a MissingDataError.
type PWSValues struct {
	Settings             settings.PWS
	Reflectance          *cube.Cube
	MeanReflectance      *cube.Map
	RMS                  *cube.Map
	PolynomialRMS        *cube.Map
	AutoCorrelationSlope *cube.Map
	RSquared             *cube.Map
	Ld                   *cube.Map
	OPD                  *cube.Cube
	CubeIDTag            string
	ReferenceIDTag       string
	ExtraReflectionIDTag *string
	Time                 time.Time
}

// PWS is a typed view over PWS results.
type PWS struct {
	*Container
}

// NewPWS creates in-memory results stamped with a fresh run id.
func NewPWS(v PWSValues) (*PWS, error) {
	settingsJSON, err := v.Settings.ToJSON()
	if err != nil {
		return nil, err
	}
	fields := map[string]any{
		FieldTime:           v.Time.Format(cube.TimeFormat),
		FieldSettings:       string(settingsJSON),
		FieldRunID:          uuid.NewString(),
		FieldCubeIDTag:      v.CubeIDTag,
		FieldReferenceIDTag: v.ReferenceIDTag,
	}
	if v.ExtraReflectionIDTag != nil {
		fields[FieldExtraReflectionIDTag] = *v.ExtraReflectionIDTag
	}
	putCube(fields, FieldReflectance, v.Reflectance)
	putCube(fields, FieldOPD, v.OPD)
	putMap(fields, FieldMeanReflectance, v.MeanReflectance)
	putMap(fields, FieldRMS, v.RMS)
	putMap(fields, FieldPolynomialRMS, v.PolynomialRMS)
	putMap(fields, FieldAutoCorrelationSlope, v.AutoCorrelationSlope)
	putMap(fields, FieldRSquared, v.RSquared)
	putMap(fields, FieldLd, v.Ld)
	return &PWS{Container: newMemory(KindPWS, fields)}, nil
}

func putMap(fields map[string]any, name string, m *cube.Map) {
	if m != nil {
		fields[name] = m
	}
}

func putCube(fields map[string]any, name string, c *cube.Cube) {
	if c != nil {
		fields[name] = c
	}
}

// OpenPWS opens <dir>/analysisResults_<name>.h5. Fields are read lazily;
// the caller must Close the results.
func OpenPWS(dir, name string) (*PWS, error) {
	c, err := open(filepath.Join(dir, PWSFileName(name)), KindPWS)
	if err != nil {
		return nil, err
	}
	return &PWS{Container: c}, nil
}

// WithPWS opens PWS results, passes them to fn and closes them on every path.
func WithPWS(dir, name string, fn func(*PWS) error) (err error) {
	r, err := OpenPWS(dir, name)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := r.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(r)
}

// Save writes the results to <dir>/analysisResults_<name>.h5. It fails if
// the file already exists.
func (r *PWS) Save(dir, name string) (string, error) {
	path := filepath.Join(dir, PWSFileName(name))
	return path, r.save(path)
}

// Settings returns the settings the analysis ran with.
func (r *PWS) Settings() (settings.PWS, error) {
	s, err := r.stringField(FieldSettings)
	if err != nil {
		return settings.PWS{}, err
	}
	return settings.PWSFromJSON([]byte(s))
}

// Time returns when the analysis ran.
func (r *PWS) Time() (time.Time, error) { return timeField(r.Container) }

// RunID returns the unique id of the analysis run.
func (r *PWS) RunID() (string, error) { return r.stringField(FieldRunID) }

// CubeIDTag identifies the analysed acquisition.
func (r *PWS) CubeIDTag() (string, error) { return r.stringField(FieldCubeIDTag) }

// ReferenceIDTag identifies the reference acquisition.
func (r *PWS) ReferenceIDTag() (string, error) { return r.stringField(FieldReferenceIDTag) }

// ExtraReflectionIDTag identifies the extra reflectance calibration, or is
// nil when none was used.
func (r *PWS) ExtraReflectionIDTag() (*string, error) {
	return r.optionalString(FieldExtraReflectionIDTag)
}

// Reflectance returns the processed reflectance on the wavenumber axis.
func (r *PWS) Reflectance() (*cube.Cube, error) { return r.cubeField(FieldReflectance) }

// MeanReflectance returns the per-pixel mean reflectance.
func (r *PWS) MeanReflectance() (*cube.Map, error) { return r.mapField(FieldMeanReflectance) }

// RMS returns the per-pixel standard deviation of the detrended spectrum.
func (r *PWS) RMS() (*cube.Map, error) { return r.mapField(FieldRMS) }

// PolynomialRMS returns the per-pixel standard deviation of the subtracted polynomial.
func (r *PWS) PolynomialRMS() (*cube.Map, error) { return r.mapField(FieldPolynomialRMS) }

// AutoCorrelationSlope returns the slope of the log autocorrelation.
func (r *PWS) AutoCorrelationSlope() (*cube.Map, error) {
	return r.mapField(FieldAutoCorrelationSlope)
}

// RSquared returns the goodness of fit of AutoCorrelationSlope.
func (r *PWS) RSquared() (*cube.Map, error) { return r.mapField(FieldRSquared) }

// Ld returns the depth localization map.
func (r *PWS) Ld() (*cube.Map, error) { return r.mapField(FieldLd) }

// OPD returns the optical path depth cube; its Index holds the OPD axis in µm.
func (r *PWS) OPD() (*cube.Cube, error) { return r.cubeField(FieldOPD) }

func timeField(c *Container) (time.Time, error) {
	s, err := c.stringField(FieldTime)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(cube.TimeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad time field %q: %w", s, err)
	}
	return t, nil
}
