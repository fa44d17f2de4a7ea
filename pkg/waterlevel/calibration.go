package waterlevel

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrInvalidCalibration is returned for non-finite or inverted ranges.
	ErrInvalidCalibration = errors.New("invalid calibration")

	// ErrInvalidRegion is returned for region specs with non-finite coordinates.
	ErrInvalidRegion = errors.New("invalid region")
)

// Calibration maps the height of the region onto a measured range.
// The top of the region reads Max, the bottom reads Min.
type Calibration struct {
	Min float64 `json:"min_value"`
	Max float64 `json:"max_value"`
}

// Validate checks the range is usable.
func (c Calibration) Validate() error {
	for _, v := range []float64{c.Min, c.Max} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite bound", ErrInvalidCalibration)
		}
	}
	if c.Max <= c.Min {
		return fmt.Errorf("%w: max_value %.2f must exceed min_value %.2f", ErrInvalidCalibration, c.Max, c.Min)
	}
	return nil
}

// Level converts a surface row, relative to the top of a region of the
// given height, into a calibrated value. Lower rows read lower.
func (c Calibration) Level(localRow, regionHeight int) float64 {
	if regionHeight <= 0 {
		return c.Min
	}
	fraction := float64(regionHeight-localRow) / float64(regionHeight)
	return c.Min + fraction*(c.Max-c.Min)
}
