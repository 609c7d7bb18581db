// Package results holds the output of an analysis run. A container is
// either fully resident in memory or backed by an open results file whose
// fields are read on first access and memoized.
package results

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"pwsanalysis/internal/dataset"
	"pwsanalysis/pkg/cube"
)

// Kind distinguishes PWS from Dynamics results.
type Kind string

const (
	KindPWS      Kind = "pws"
	KindDynamics Kind = "dynamics"
)

// MissingDataError is returned when a requested field is not present in the
// container's backing.
type MissingDataError struct {
	Field  string
	Source string
	Err    error
}

func (e *MissingDataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("results from %s do not contain %q: %v", e.Source, e.Field, e.Err)
	}
	return fmt.Sprintf("results from %s do not contain %q", e.Source, e.Field)
}

func (e *MissingDataError) Unwrap() error { return e.Err }

// Backing is where a container's fields live: *Memory or *File.
type Backing interface {
	Source() string
}

// Memory holds every field in process memory.
type Memory struct {
	fields map[string]any
}

// Source implements Backing.
func (m *Memory) Source() string { return "memory" }

// File reads fields from an open results file.
type File struct {
	f *dataset.File
}

// Source implements Backing.
func (f *File) Source() string { return f.f.Path() }

type fieldKind int

const (
	kindMap fieldKind = iota
	kindCube
	kindString
)

// schema lists the storage kind of every field either analysis produces.
var schema = map[string]fieldKind{
	FieldTime:                 kindString,
	FieldSettings:             kindString,
	FieldRunID:                kindString,
	FieldCubeIDTag:            kindString,
	FieldReferenceIDTag:       kindString,
	FieldExtraReflectionIDTag: kindString,
	FieldReflectance:          kindCube,
	FieldOPD:                  kindCube,
	FieldMeanReflectance:      kindMap,
	FieldRMS:                  kindMap,
	FieldPolynomialRMS:        kindMap,
	FieldAutoCorrelationSlope: kindMap,
	FieldRSquared:             kindMap,
	FieldLd:                   kindMap,
	FieldRMSTSquared:          kindMap,
	FieldDiffusion:            kindMap,
}

// indexName is the dataset holding the index axis of a cube field.
func indexName(field string) string { return field + "Index" }

// Container is the analysis output shared by the PWS and Dynamics views.
type Container struct {
	kind    Kind
	backing Backing

	mu    sync.Mutex
	cache map[string]any
}

func newMemory(kind Kind, fields map[string]any) *Container {
	return &Container{kind: kind, backing: &Memory{fields: fields}, cache: map[string]any{}}
}

// Kind returns whether the container holds PWS or Dynamics results.
func (c *Container) Kind() Kind { return c.kind }

// Backing returns the container's backing.
func (c *Container) Backing() Backing { return c.backing }

// Close releases the results file of a file-backed container. It is a no-op
// for in-memory containers.
func (c *Container) Close() error {
	if f, ok := c.backing.(*File); ok {
		return f.f.Close()
	}
	return nil
}

// Fields lists the names of every field present in the backing.
func (c *Container) Fields() ([]string, error) {
	var names []string
	switch b := c.backing.(type) {
	case *Memory:
		for name := range b.fields {
			names = append(names, name)
		}
	case *File:
		stored, err := b.f.Names()
		if err != nil {
			return nil, err
		}
		for _, name := range stored {
			if _, ok := schema[name]; ok {
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names, nil
}

// field returns a field value, loading it from the backing on first access.
// The cached value is shared; mapField and cubeField hand out copies.
func (c *Container) field(name string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.cache[name]; ok {
		return v, nil
	}
	var v any
	switch b := c.backing.(type) {
	case *Memory:
		val, ok := b.fields[name]
		if !ok {
			return nil, &MissingDataError{Field: name, Source: b.Source()}
		}
		v = val
	case *File:
		val, err := b.read(name)
		if err != nil {
			return nil, &MissingDataError{Field: name, Source: b.Source(), Err: err}
		}
		v = val
	default:
		return nil, fmt.Errorf("unsupported results backing %T", c.backing)
	}
	c.cache[name] = v
	return v, nil
}

func (b *File) read(name string) (any, error) {
	kind, ok := schema[name]
	if !ok {
		return nil, fmt.Errorf("unknown field")
	}
	switch kind {
	case kindString:
		return b.f.String(name)
	case kindMap:
		shape, data, err := b.f.Array(name)
		if err != nil {
			return nil, err
		}
		if len(shape) != 2 {
			return nil, fmt.Errorf("expected a 2D dataset, got shape %v", shape)
		}
		return &cube.Map{Height: shape[0], Width: shape[1], Data: data}, nil
	default:
		shape, data, err := b.f.Array(name)
		if err != nil {
			return nil, err
		}
		if len(shape) != 3 {
			return nil, fmt.Errorf("expected a 3D dataset, got shape %v", shape)
		}
		_, index, err := b.f.Array(indexName(name))
		if err != nil {
			return nil, err
		}
		axis, err := b.f.String(name + "Axis")
		if err != nil {
			return nil, err
		}
		return cube.New(data, shape[0], shape[1], index, cube.Axis(axis), cube.Metadata{})
	}
}

func (c *Container) stringField(name string) (string, error) {
	v, err := c.field(name)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %q holds %T, not a string", name, v)
	}
	return s, nil
}

func (c *Container) mapField(name string) (*cube.Map, error) {
	v, err := c.field(name)
	if err != nil {
		return nil, err
	}
	m, ok := v.(*cube.Map)
	if !ok {
		return nil, fmt.Errorf("field %q holds %T, not a map", name, v)
	}
	return m.Clone(), nil
}

func (c *Container) cubeField(name string) (*cube.Cube, error) {
	v, err := c.field(name)
	if err != nil {
		return nil, err
	}
	cb, ok := v.(*cube.Cube)
	if !ok {
		return nil, fmt.Errorf("field %q holds %T, not a cube", name, v)
	}
	return cb.Clone(), nil
}

// optionalString returns nil when the field is absent.
func (c *Container) optionalString(name string) (*string, error) {
	s, err := c.stringField(name)
	var missing *MissingDataError
	if errors.As(err, &missing) && (missing.Err == nil || errors.Is(missing.Err, dataset.ErrNotFound)) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// save writes every field of the container to a new results file.
func (c *Container) save(path string) error {
	names, err := c.Fields()
	if err != nil {
		return err
	}
	w, err := dataset.Create(path)
	if err != nil {
		return err
	}
	if err := w.SetAttr("kind", string(c.kind)); err != nil {
		_ = w.Abort()
		return err
	}
	for _, name := range names {
		v, err := c.field(name)
		if err != nil {
			_ = w.Abort()
			return err
		}
		if err := writeField(w, name, v); err != nil {
			_ = w.Abort()
			return err
		}
	}
	return w.Close()
}

func writeField(w *dataset.Writer, name string, v any) error {
	switch val := v.(type) {
	case string:
		return w.PutString(name, val)
	case *cube.Map:
		return w.PutArray(name, []int{val.Height, val.Width}, val.Data)
	case *cube.Cube:
		if err := w.PutArray(name, []int{val.Height, val.Width, val.Depth()}, val.Data); err != nil {
			return err
		}
		if err := w.PutArray(indexName(name), []int{val.Depth()}, val.Index); err != nil {
			return err
		}
		return w.PutString(name+"Axis", string(val.Axis))
	default:
		return fmt.Errorf("field %q: cannot store %T", name, v)
	}
}

// open opens a results file and checks its kind.
func open(path string, kind Kind) (*Container, error) {
	f, err := dataset.Open(path)
	if err != nil {
		return nil, err
	}
	got, err := f.Attr("kind")
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if Kind(got) != kind {
		_ = f.Close()
		return nil, fmt.Errorf("open %s: holds %s results, not %s", path, got, kind)
	}
	return &Container{kind: kind, backing: &File{f: f}, cache: map[string]any{}}, nil
}
