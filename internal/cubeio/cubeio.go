// Package cubeio stores acquisitions, extra reflectance calibrations and
// ROIs in dataset files so that the command line tool can analyse them.
package cubeio

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"pwsanalysis/internal/dataset"
	"pwsanalysis/internal/models"
	"pwsanalysis/pkg/cube"
)

const (
	kindCube             = "cube"
	kindExtraReflectance = "extraReflectance"
	kindRoi              = "roi"
)

// erInfo is the calibration metadata stored next to the reflectance data.
type erInfo struct {
	SystemName        string  `json:"systemName"`
	NumericalAperture float64 `json:"numericalAperture"`
	Time              string  `json:"time"`
}

// RoiFileName returns the file holding every ROI named name.
func RoiFileName(name string) string { return fmt.Sprintf("ROI_%s.h5", name) }

func create(path, kind string, fill func(w *dataset.Writer) error) error {
	w, err := dataset.Create(path)
	if err != nil {
		return err
	}
	if err := w.SetAttr("kind", kind); err != nil {
		_ = w.Abort()
		return err
	}
	if err := fill(w); err != nil {
		_ = w.Abort()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return w.Close()
}

func open(path, kind string, read func(f *dataset.File) error) (err error) {
	f, err := dataset.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	got, err := f.Attr("kind")
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	if got != kind {
		return fmt.Errorf("open %s: holds a %s, not a %s", path, got, kind)
	}
	if err := read(f); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}

func putCube(w *dataset.Writer, c *cube.Cube) error {
	if err := w.PutArray("data", []int{c.Height, c.Width, c.Depth()}, c.Data); err != nil {
		return err
	}
	if err := w.PutArray("index", []int{c.Depth()}, c.Index); err != nil {
		return err
	}
	return w.PutString("axis", string(c.Axis))
}

func readCube(f *dataset.File, md cube.Metadata) (*cube.Cube, error) {
	shape, data, err := f.Array("data")
	if err != nil {
		return nil, err
	}
	if len(shape) != 3 {
		return nil, fmt.Errorf("expected a 3D cube, got shape %v", shape)
	}
	_, index, err := f.Array("index")
	if err != nil {
		return nil, err
	}
	axis, err := f.String("axis")
	if err != nil {
		return nil, err
	}
	return cube.New(data, shape[0], shape[1], index, cube.Axis(axis), md)
}

// SaveCube writes an acquisition and its metadata. Processing state is not
// stored; a loaded cube always starts unprocessed.
func SaveCube(path string, c *cube.Cube) error {
	md, err := json.Marshal(c.Metadata)
	if err != nil {
		return err
	}
	return create(path, kindCube, func(w *dataset.Writer) error {
		if err := putCube(w, c); err != nil {
			return err
		}
		return w.PutString("metadata", string(md))
	})
}

// LoadCube reads an acquisition written by SaveCube.
func LoadCube(path string) (*cube.Cube, error) {
	var c *cube.Cube
	err := open(path, kindCube, func(f *dataset.File) error {
		raw, err := f.String("metadata")
		if err != nil {
			return err
		}
		var md cube.Metadata
		if err := json.Unmarshal([]byte(raw), &md); err != nil {
			return fmt.Errorf("bad metadata: %w", err)
		}
		c, err = readCube(f, md)
		return err
	})
	return c, err
}

// SaveExtraReflectance writes a calibration cube.
func SaveExtraReflectance(path string, er *cube.ExtraReflectance) error {
	info, err := json.Marshal(erInfo{
		SystemName:        er.SystemName,
		NumericalAperture: er.NumericalAperture,
		Time:              er.Time.Format(cube.TimeFormat),
	})
	if err != nil {
		return err
	}
	return create(path, kindExtraReflectance, func(w *dataset.Writer) error {
		if err := putCube(w, er.Cube); err != nil {
			return err
		}
		return w.PutString("calibration", string(info))
	})
}

// LoadExtraReflectance reads a calibration written by SaveExtraReflectance.
func LoadExtraReflectance(path string) (*cube.ExtraReflectance, error) {
	var er *cube.ExtraReflectance
	err := open(path, kindExtraReflectance, func(f *dataset.File) error {
		raw, err := f.String("calibration")
		if err != nil {
			return err
		}
		var info erInfo
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			return fmt.Errorf("bad calibration info: %w", err)
		}
		t, err := time.Parse(cube.TimeFormat, info.Time)
		if err != nil {
			return fmt.Errorf("bad calibration time: %w", err)
		}
		c, err := readCube(f, cube.Metadata{})
		if err != nil {
			return err
		}
		er, err = cube.NewExtraReflectance(c.Data, c.Height, c.Width, c.Index, info.SystemName, info.NumericalAperture, t)
		return err
	})
	return er, err
}

// SaveRois writes every ROI sharing one name to <dir>/ROI_<name>.h5.
func SaveRois(dir, name string, rois []*models.Roi) error {
	return create(filepath.Join(dir, RoiFileName(name)), kindRoi, func(w *dataset.Writer) error {
		for _, r := range rois {
			if r.Name != name {
				return fmt.Errorf("roi %s does not belong in the %s file", r, name)
			}
			mask := make([]float64, len(r.Mask))
			for i, m := range r.Mask {
				if m {
					mask[i] = 1
				}
			}
			prefix := strconv.Itoa(r.Number)
			if err := w.PutArray(prefix+"/mask", []int{r.Height, r.Width}, mask); err != nil {
				return err
			}
			if len(r.Vertices) == 0 {
				continue
			}
			verts := make([]float64, 0, 2*len(r.Vertices))
			for _, v := range r.Vertices {
				verts = append(verts, v.X, v.Y)
			}
			if err := w.PutArray(prefix+"/vertices", []int{len(r.Vertices), 2}, verts); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadRois reads every ROI in <dir>/ROI_<name>.h5, ordered by number.
func LoadRois(dir, name string) ([]*models.Roi, error) {
	var rois []*models.Roi
	err := open(filepath.Join(dir, RoiFileName(name)), kindRoi, func(f *dataset.File) error {
		names, err := f.Names()
		if err != nil {
			return err
		}
		for _, n := range names {
			num, ok := strings.CutSuffix(n, "/mask")
			if !ok {
				continue
			}
			number, err := strconv.Atoi(num)
			if err != nil {
				return fmt.Errorf("bad roi number %q", num)
			}
			r, err := readRoi(f, name, number, names)
			if err != nil {
				return err
			}
			rois = append(rois, r)
		}
		return nil
	})
	sort.Slice(rois, func(i, j int) bool { return rois[i].Number < rois[j].Number })
	return rois, err
}

func readRoi(f *dataset.File, name string, number int, names []string) (*models.Roi, error) {
	prefix := strconv.Itoa(number)
	shape, data, err := f.Array(prefix + "/mask")
	if err != nil {
		return nil, err
	}
	if len(shape) != 2 {
		return nil, fmt.Errorf("roi %s %d: expected a 2D mask, got shape %v", name, number, shape)
	}
	mask := make([]bool, len(data))
	for i, v := range data {
		mask[i] = v != 0
	}
	r, err := models.NewRoi(name, number, shape[0], shape[1], mask)
	if err != nil {
		return nil, err
	}
	vertsName := prefix + "/vertices"
	if i := sort.SearchStrings(names, vertsName); i < len(names) && names[i] == vertsName {
		_, verts, err := f.Array(vertsName)
		if err != nil {
			return nil, err
		}
		for i := 0; i+1 < len(verts); i += 2 {
			r.Vertices = append(r.Vertices, models.Vertex{X: verts[i], Y: verts[i+1]})
		}
	}
	return r, nil
}
