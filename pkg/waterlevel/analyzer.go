package waterlevel

import (
	"fmt"
	"image"
	"image/color"

	"github.com/teslashibe/go-waterwatch/pkg/debug"
	"gocv.io/x/gocv"
)

// Reading is a detected surface: the calibrated level and the absolute
// frame row it was derived from.
type Reading struct {
	Level float64 `json:"level"`
	Row   int     `json:"row"`
}

// Options holds analyzer drawing and filtering settings
type Options struct {
	Unit        string     // Label suffix (default "mm")
	BlurKernel  int        // Gaussian kernel size, odd (default 5)
	RegionColor color.RGBA // Region overlay
	LineColor   color.RGBA // Surface line and label
	Thickness   int        // Overlay line thickness
	FontScale   float64    // Label scale
}

// DefaultOptions returns the standard overlay: green region, red surface line
func DefaultOptions() Options {
	return Options{
		Unit:        "mm",
		BlurKernel:  5,
		RegionColor: color.RGBA{R: 0, G: 255, B: 0, A: 0},
		LineColor:   color.RGBA{R: 255, G: 0, B: 0, A: 0},
		Thickness:   2,
		FontScale:   0.6,
	}
}

// Result is the outcome of analyzing one frame. Annotated is owned by the
// caller and must be closed.
type Result struct {
	Reading   *Reading
	Region    image.Rectangle
	Annotated gocv.Mat
}

// Close releases the annotated frame.
func (r *Result) Close() error {
	return r.Annotated.Close()
}

// Analyzer finds the water surface in one camera's region of interest
type Analyzer struct {
	region RegionSpec
	cal    Calibration
	opts   Options
}

// NewAnalyzer validates the region and calibration and returns an analyzer
func NewAnalyzer(region RegionSpec, cal Calibration, opts Options) (*Analyzer, error) {
	if !region.Finite() {
		return nil, fmt.Errorf("%w: coordinates must be finite", ErrInvalidRegion)
	}
	if err := cal.Validate(); err != nil {
		return nil, err
	}
	if opts.BlurKernel <= 0 {
		opts.BlurKernel = DefaultOptions().BlurKernel
	}
	if opts.BlurKernel%2 == 0 {
		opts.BlurKernel++
	}
	if opts.Thickness <= 0 {
		opts.Thickness = DefaultOptions().Thickness
	}
	if opts.FontScale <= 0 {
		opts.FontScale = DefaultOptions().FontScale
	}
	return &Analyzer{region: region, cal: cal, opts: opts}, nil
}

// Analyze detects the surface in frame. The input frame is not modified.
func (a *Analyzer) Analyze(frame gocv.Mat) Result {
	rect := Resolve(a.region, frame.Cols(), frame.Rows())
	if frame.Empty() || Degenerate(rect) {
		return Result{Region: rect, Annotated: frame.Clone()}
	}

	res := Result{Region: rect, Annotated: frame.Clone()}
	gocv.Rectangle(&res.Annotated, rect, a.opts.RegionColor, a.opts.Thickness)

	localRow, ok := a.detect(frame, rect)
	if !ok {
		return res
	}

	reading := &Reading{
		Level: a.cal.Level(localRow, rect.Dy()),
		Row:   rect.Min.Y + localRow,
	}
	res.Reading = reading

	gocv.Line(&res.Annotated,
		image.Pt(rect.Min.X, reading.Row),
		image.Pt(rect.Max.X, reading.Row),
		a.opts.LineColor, a.opts.Thickness)
	gocv.PutText(&res.Annotated,
		fmt.Sprintf("%.1f%s", reading.Level, a.opts.Unit),
		image.Pt(rect.Min.X+10, reading.Row-10),
		gocv.FontHersheySimplex, a.opts.FontScale, a.opts.LineColor, a.opts.Thickness)

	debug.FrameLog("🌊 surface at row %d → %.1f%s\n", reading.Row, reading.Level, a.opts.Unit)
	return res
}

// detect returns the first region row holding foreground after Otsu
// binarization.
func (a *Analyzer) detect(frame gocv.Mat, rect image.Rectangle) (int, bool) {
	roi := frame.Region(rect)
	defer roi.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	switch roi.Channels() {
	case 1:
		roi.CopyTo(&gray)
	case 4:
		gocv.CvtColor(roi, &gray, gocv.ColorBGRAToGray)
	default:
		gocv.CvtColor(roi, &gray, gocv.ColorBGRToGray)
	}

	blurred := gocv.NewMat()
	defer blurred.Close()
	k := a.opts.BlurKernel
	gocv.GaussianBlur(gray, &blurred, image.Pt(k, k), 0, 0, gocv.BorderDefault)

	mask := gocv.NewMat()
	defer mask.Close()
	gocv.Threshold(blurred, &mask, 0, 255, gocv.ThresholdBinary+gocv.ThresholdOtsu)

	return surfaceRow(mask.ToBytes(), mask.Cols())
}

// surfaceRow scans a row-major single channel mask from the top and
// returns the first row containing a nonzero pixel.
func surfaceRow(mask []byte, cols int) (int, bool) {
	if cols <= 0 {
		return 0, false
	}
	for i, v := range mask {
		if v != 0 {
			return i / cols, true
		}
	}
	return 0, false
}
