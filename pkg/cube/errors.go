package cube

import (
	"errors"
	"fmt"
)

// ErrNumericDegeneracy marks data that contains inf or NaN values that could
// not be repaired by gap filling or masking.
var ErrNumericDegeneracy = errors.New("numeric degeneracy")

// OrderingError is returned when a processing step is invoked out of order or
// twice on the same cube.
type OrderingError struct {
	Op     string
	CubeID string
	Reason string
}

func (e *OrderingError) Error() string {
	return fmt.Sprintf("cube %s: %s: %s", e.CubeID, e.Op, e.Reason)
}

// ShapeMismatchError is returned when two arrays that must share a pixel grid
// (or a full 3D shape) do not.
type ShapeMismatchError struct {
	What string
	Want []int
	Got  []int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("%s shape mismatch: want %v, got %v", e.What, e.Want, e.Got)
}
