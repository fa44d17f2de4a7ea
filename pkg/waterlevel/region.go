// Package waterlevel detects a water surface inside a fixed region of a
// video frame and maps it onto a calibrated level.
package waterlevel

import (
	"image"
	"math"
)

// MinRegionSize is the smallest width or height, in pixels, a resolved
// region is expanded to.
const MinRegionSize = 10

// pixelCutoff is the coordinate magnitude above which a region spec is
// read as absolute pixels instead of percentages.
const pixelCutoff = 100

// RegionSpec is a raw region as stored with a camera: either percentages
// of the frame or absolute pixels, decided when resolved against a frame.
type RegionSpec struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// IsPixels reports whether the spec is read as absolute pixel coordinates.
// A single coordinate beyond 100 switches all four.
func (r RegionSpec) IsPixels() bool {
	for _, v := range [4]float64{r.X1, r.Y1, r.X2, r.Y2} {
		if math.Abs(v) > pixelCutoff {
			return true
		}
	}
	return false
}

// Finite reports whether all coordinates are finite numbers.
func (r RegionSpec) Finite() bool {
	for _, v := range [4]float64{r.X1, r.Y1, r.X2, r.Y2} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Resolve converts a region spec into a pixel rectangle clamped to a
// width x height frame. It never fails: malformed specs collapse toward
// the smallest viable rectangle. A frame with a non-positive dimension
// resolves to the empty rectangle.
func Resolve(spec RegionSpec, width, height int) image.Rectangle {
	if width <= 0 || height <= 0 {
		return image.Rectangle{}
	}

	x1, y1, x2, y2 := spec.X1, spec.Y1, spec.X2, spec.Y2
	if !spec.IsPixels() {
		x1 = x1 * float64(width) / 100
		x2 = x2 * float64(width) / 100
		y1 = y1 * float64(height) / 100
		y2 = y2 * float64(height) / 100
	}

	minX, maxX := resolveAxis(x1, x2, width)
	minY, maxY := resolveAxis(y1, y2, height)
	return image.Rect(minX, minY, maxX, maxY)
}

// resolveAxis clamps one axis: lo into [0, size-1], hi into [lo+1, size],
// then widens to MinRegionSize when the frame allows it.
func resolveAxis(lo, hi float64, size int) (int, int) {
	a := clamp(truncate(lo), 0, size-1)
	b := clamp(truncate(hi), a+1, size)
	if b-a < MinRegionSize {
		b = min(a+MinRegionSize, size)
	}
	return a, b
}

func truncate(v float64) int {
	if math.IsNaN(v) {
		return 0
	}
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	if v < math.MinInt32 {
		return math.MinInt32
	}
	return int(v)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Degenerate reports whether a resolved region is too small to analyze.
func Degenerate(r image.Rectangle) bool {
	return r.Dx() < MinRegionSize || r.Dy() < MinRegionSize
}
