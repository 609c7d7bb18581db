package models

import "testing"

func TestNewRoiValidatesShape(t *testing.T) {
	if _, err := NewRoi("cell", 1, 2, 3, make([]bool, 5)); err == nil {
		t.Errorf("Expected error for a mask of the wrong size")
	}
	if _, err := NewRoi("cell", 1, 0, 3, nil); err == nil {
		t.Errorf("Expected error for empty dimensions")
	}
	r, err := NewRoi("cell", 1, 2, 3, []bool{true, false, false, false, true, true})
	if err != nil {
		t.Fatal(err)
	}
	if r.Count() != 3 {
		t.Errorf("Expected 3 selected pixels, got %d", r.Count())
	}
	if !r.Contains(1, 2) || r.Contains(0, 1) {
		t.Errorf("Unexpected Contains results")
	}
	if r.String() != "cell_1" {
		t.Errorf("Unexpected name %s", r)
	}
}

func TestRoiFromVertices(t *testing.T) {
	// Square covering pixel centers 1..3 in both directions.
	square := []Vertex{{0.5, 0.5}, {3.5, 0.5}, {3.5, 3.5}, {0.5, 3.5}}
	r, err := RoiFromVertices("nucleus", 2, 5, 5, square)
	if err != nil {
		t.Fatal(err)
	}
	if r.Count() != 9 {
		t.Errorf("Expected 9 pixels inside the square, got %d", r.Count())
	}
	for y := 0; y < 5; y++ {
		for x := 0; x < 5; x++ {
			want := x >= 1 && x <= 3 && y >= 1 && y <= 3
			if r.Contains(y, x) != want {
				t.Errorf("Pixel (%d, %d): expected %v", y, x, want)
			}
		}
	}
	if len(r.Vertices) != 4 {
		t.Errorf("Expected vertices to be kept, got %v", r.Vertices)
	}

	if _, err := RoiFromVertices("line", 1, 5, 5, square[:2]); err == nil {
		t.Errorf("Expected error for a degenerate polygon")
	}
}

func TestRoiFromTriangle(t *testing.T) {
	tri := []Vertex{{-0.5, -0.5}, {5, -0.5}, {-0.5, 5}}
	r, err := RoiFromVertices("tri", 1, 4, 4, tri)
	if err != nil {
		t.Fatal(err)
	}
	// Centers with x + y <= 4 lie inside the hypotenuse x + y = 4.5.
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			want := x+y <= 4
			if r.Contains(y, x) != want {
				t.Errorf("Pixel (%d, %d): expected %v", y, x, want)
			}
		}
	}
}
