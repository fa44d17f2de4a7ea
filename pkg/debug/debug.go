// Package debug holds process-wide verbosity switches for per-frame output.
package debug

import "fmt"

var (
	// Enabled mirrors --debug.
	Enabled bool

	// Frames mirrors --debug-frames: one line per frame read, analysis
	// and delivery. Far too noisy for anything but a bench test.
	Frames bool
)

// Log prints when Enabled is set.
func Log(format string, args ...any) {
	if Enabled {
		fmt.Printf(format, args...)
	}
}

// FrameLog prints when Frames is set.
func FrameLog(format string, args ...any) {
	if Frames {
		fmt.Printf(format, args...)
	}
}
