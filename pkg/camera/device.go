package camera

import (
	"context"
	"fmt"
	"strings"

	"github.com/teslashibe/go-waterwatch/internal/log"
	"gocv.io/x/gocv"
)

var _ Device = (*gocv.VideoCapture)(nil)

// backends maps configuration names to OpenCV capture backends
var backends = map[string]gocv.VideoCaptureAPI{
	"any":       gocv.VideoCaptureAny,
	"v4l2":      gocv.VideoCaptureV4L2,
	"dshow":     gocv.VideoCaptureDshow,
	"msmf":      gocv.VideoCaptureMSMF,
	"gstreamer": gocv.VideoCaptureGstreamer,
	"ffmpeg":    gocv.VideoCaptureFFmpeg,
}

// ParseBackend returns the OpenCV backend for a name ("" means any).
func ParseBackend(name string) (gocv.VideoCaptureAPI, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return gocv.VideoCaptureAny, nil
	}
	api, ok := backends[name]
	if !ok {
		return gocv.VideoCaptureAny, fmt.Errorf("unknown capture backend %q", name)
	}
	return api, nil
}

// OpenCV returns an Opener backed by gocv. A preferred backend is tried
// first, falling back to OpenCV's default selection. settings, when set,
// supplies the capture config applied to every opened device.
func OpenCV(api gocv.VideoCaptureAPI, settings func() Config) Opener {
	return func(ctx context.Context, c Candidate) (Device, error) {
		vc, err := openCapture(c, api)
		if err != nil {
			return nil, err
		}
		if settings != nil {
			apply(vc, settings())
		}
		return vc, nil
	}
}

func openCapture(c Candidate, api gocv.VideoCaptureAPI) (*gocv.VideoCapture, error) {
	src := c.source()

	if api != gocv.VideoCaptureAny {
		vc, err := gocv.OpenVideoCaptureWithAPI(src, api)
		if err == nil && vc.IsOpened() {
			return vc, nil
		}
		if vc != nil {
			vc.Close()
		}
		log.Debug("preferred capture backend failed, using default", "candidate", string(c), "error", err)
	}

	vc, err := gocv.OpenVideoCapture(src)
	if err != nil {
		if vc != nil {
			vc.Close()
		}
		return nil, fmt.Errorf("open camera %s: %w", c, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("open camera %s: device not opened", c)
	}
	return vc, nil
}

// apply pushes capture settings to the driver. Drivers silently ignore
// properties they do not support.
func apply(vc *gocv.VideoCapture, cfg Config) {
	if cfg.Width > 0 && cfg.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	}
	if cfg.Framerate > 0 {
		vc.Set(gocv.VideoCaptureFPS, float64(cfg.Framerate))
	}
	if cfg.BufferSize > 0 {
		vc.Set(gocv.VideoCaptureBufferSize, float64(cfg.BufferSize))
	}
	if cfg.Exposure != 0 {
		vc.Set(gocv.VideoCaptureExposure, cfg.Exposure)
	}
}
