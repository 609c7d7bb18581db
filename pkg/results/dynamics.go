package results

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"pwsanalysis/pkg/cube"
	"pwsanalysis/pkg/settings"
)

// DynamicsFileName returns the results file name for an analysis name.
func DynamicsFileName(name string) string { return fmt.Sprintf("dynAnalysisResults_%s.h5", name) }

// DynamicsValues are the outputs of one Dynamics run.
type DynamicsValues struct {
	Settings             settings.Dynamics
	MeanReflectance      *cube.Map
	RMSTSquared          *cube.Map
	Diffusion            *cube.Map
	CubeIDTag            string
	ReferenceIDTag       string
	ExtraReflectionIDTag *string
	Time                 time.Time
}

// Dynamics is a typed view over Dynamics results.
type Dynamics struct {
	*Container
}

// NewDynamics creates in-memory results stamped with a fresh run id.
func NewDynamics(v DynamicsValues) (*Dynamics, error) {
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
	putMap(fields, FieldMeanReflectance, v.MeanReflectance)
	putMap(fields, FieldRMSTSquared, v.RMSTSquared)
	putMap(fields, FieldDiffusion, v.Diffusion)
	return &Dynamics{Container: newMemory(KindDynamics, fields)}, nil
}

// OpenDynamics opens <dir>/dynAnalysisResults_<name>.h5. Fields are read
// lazily; the caller must Close the results.
func OpenDynamics(dir, name string) (*Dynamics, error) {
	c, err := open(filepath.Join(dir, DynamicsFileName(name)), KindDynamics)
	if err != nil {
		return nil, err
	}
	return &Dynamics{Container: c}, nil
}

// WithDynamics opens Dynamics results, passes them to fn and closes them on
// every path.
func WithDynamics(dir, name string, fn func(*Dynamics) error) (err error) {
	r, err := OpenDynamics(dir, name)
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

// Save writes the results to <dir>/dynAnalysisResults_<name>.h5.
func (r *Dynamics) Save(dir, name string) (string, error) {
	path := filepath.Join(dir, DynamicsFileName(name))
	return path, r.save(path)
}

// Settings returns the settings the analysis ran with.
func (r *Dynamics) Settings() (settings.Dynamics, error) {
	s, err := r.stringField(FieldSettings)
	if err != nil {
		return settings.Dynamics{}, err
	}
	return settings.DynamicsFromJSON([]byte(s))
}

// Time returns when the analysis ran.
func (r *Dynamics) Time() (time.Time, error) { return timeField(r.Container) }

// RunID returns the unique id of the analysis run.
func (r *Dynamics) RunID() (string, error) { return r.stringField(FieldRunID) }

// CubeIDTag identifies the analysed acquisition.
func (r *Dynamics) CubeIDTag() (string, error) { return r.stringField(FieldCubeIDTag) }

// ReferenceIDTag identifies the reference acquisition.
func (r *Dynamics) ReferenceIDTag() (string, error) { return r.stringField(FieldReferenceIDTag) }

// ExtraReflectionIDTag identifies the extra reflectance calibration, or is
// nil when none was used.
func (r *Dynamics) ExtraReflectionIDTag() (*string, error) {
	return r.optionalString(FieldExtraReflectionIDTag)
}

// MeanReflectance returns the per-pixel temporal mean reflectance.
func (r *Dynamics) MeanReflectance() (*cube.Map, error) { return r.mapField(FieldMeanReflectance) }

// RMSTSquared returns the per-pixel temporal variance above the reference noise floor.
func (r *Dynamics) RMSTSquared() (*cube.Map, error) { return r.mapField(FieldRMSTSquared) }

// Diffusion returns the per-pixel diffusion metric; masked pixels are NaN.
func (r *Dynamics) Diffusion() (*cube.Map, error) { return r.mapField(FieldDiffusion) }
