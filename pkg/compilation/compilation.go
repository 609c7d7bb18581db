// Package compilation reduces per-pixel analysis results to one record of
// scalars per region of interest.
package compilation

import (
	"math"

	"pwsanalysis/internal/models"
	"pwsanalysis/pkg/cube"
)

// Fixed acceptance thresholds for autocorrelation slope averaging.
const (
	minRSquared = 0.9
	maxSlope    = 0.0
)

// Key identifies a compiled record.
type Key struct {
	AnalysisName string `json:"analysisName"`
	CellIDTag    string `json:"cellIdTag"`
	RoiName      string `json:"roiName"`
	RoiNumber    int    `json:"roiNumber"`
}

func keyFor(analysisName, cellIDTag string, roi *models.Roi) Key {
	return Key{AnalysisName: analysisName, CellIDTag: cellIDTag, RoiName: roi.Name, RoiNumber: roi.Number}
}

// Record is a compiled ROI result of either analysis kind.
type Record interface {
	// RecordKey returns the record's identity.
	RecordKey() Key

	// Kind is "pws" or "dynamics".
	Kind() string

	// Metrics returns every scalar field by name; disabled metrics are NaN.
	Metrics() map[string]float64

	// Series returns every array field by name; disabled series are nil.
	Series() map[string][]float64
}

func checkRoi(roi *models.Roi, m *cube.Map, what string) error {
	if roi.Height != m.Height || roi.Width != m.Width {
		return &cube.ShapeMismatchError{
			What: "roi " + roi.String() + " vs " + what,
			Want: []int{m.Height, m.Width},
			Got:  []int{roi.Height, roi.Width},
		}
	}
	return nil
}

// meanOver averages m over the ROI pixels where keep (if non-nil) also
// holds. The sum runs in pixel order so repeated calls give identical bits.
// An empty selection yields NaN.
func meanOver(roi *models.Roi, m *cube.Map, keep func(p int) bool) float64 {
	sum, n := 0.0, 0
	for p, sel := range roi.Mask {
		if !sel || (keep != nil && !keep(p)) {
			continue
		}
		sum += m.Data[p]
		n++
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}
