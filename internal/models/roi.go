// Package models contains the plain data structures shared by the loaders
// and the ROI compiler.
package models

import (
	"fmt"
)

// Vertex is a polygon corner in pixel coordinates.
type Vertex struct {
	X, Y float64
}

// Roi represents a region of interest drawn on one acquisition
type Roi struct {
	// Name groups ROIs drawn for the same purpose, e.g. "nucleus"
	Name string

	// Number distinguishes ROIs that share a name within one acquisition
	Number int

	// Height and Width are the dimensions of the acquisition's pixel grid
	Height, Width int

	// Mask selects pixels row-major: Mask[y*Width+x]
	Mask []bool

	// Vertices is the outline the mask was drawn from; empty for painted masks
	Vertices []Vertex
}

// NewRoi wraps a boolean mask without copying it.
func NewRoi(name string, number, height, width int, mask []bool) (*Roi, error) {
	if height <= 0 || width <= 0 {
		return nil, fmt.Errorf("roi %s %d: invalid dimensions %dx%d", name, number, height, width)
	}
	if len(mask) != height*width {
		return nil, fmt.Errorf("roi %s %d: mask has %d pixels, expected %d", name, number, len(mask), height*width)
	}
	return &Roi{Name: name, Number: number, Height: height, Width: width, Mask: mask}, nil
}

// RoiFromVertices rasterizes a closed polygon onto a height × width grid.
// A pixel belongs to the ROI when its center lies inside the polygon.
func RoiFromVertices(name string, number, height, width int, verts []Vertex) (*Roi, error) {
	if len(verts) < 3 {
		return nil, fmt.Errorf("roi %s %d: a polygon needs at least 3 vertices, got %d", name, number, len(verts))
	}
	mask := make([]bool, height*width)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			mask[y*width+x] = insidePolygon(verts, float64(x), float64(y))
		}
	}
	r, err := NewRoi(name, number, height, width, mask)
	if err != nil {
		return nil, err
	}
	r.Vertices = append([]Vertex(nil), verts...)
	return r, nil
}

// insidePolygon is the even-odd ray casting test.
func insidePolygon(verts []Vertex, x, y float64) bool {
	inside := false
	j := len(verts) - 1
	for i := range verts {
		a, b := verts[i], verts[j]
		if (a.Y > y) != (b.Y > y) && x < (b.X-a.X)*(y-a.Y)/(b.Y-a.Y)+a.X {
			inside = !inside
		}
		j = i
	}
	return inside
}

// Count returns the number of selected pixels.
func (r *Roi) Count() int {
	n := 0
	for _, m := range r.Mask {
		if m {
			n++
		}
	}
	return n
}

// Contains reports whether pixel (y, x) is selected.
func (r *Roi) Contains(y, x int) bool {
	return r.Mask[y*r.Width+x]
}

// String identifies the ROI in log lines.
func (r *Roi) String() string { return fmt.Sprintf("%s_%d", r.Name, r.Number) }
