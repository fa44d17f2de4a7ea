// Package camera acquires local video devices for water level sessions
// and holds the runtime-configurable capture settings applied to them.
package camera

// Config holds capture parameters applied when a device is opened.
// These can be modified via the capture API at runtime and take effect
// on the next acquisition.
type Config struct {
	// === Resolution ===
	// Zero leaves the device default in place.
	Width     int `json:"width"`     // Frame width in pixels
	Height    int `json:"height"`    // Frame height in pixels
	Framerate int `json:"framerate"` // Target FPS

	// === Encoding ===
	Quality int `json:"quality"` // JPEG quality 1-100 for streamed frames

	// === Driver ===
	// BufferSize is the driver-side frame queue. 1 keeps frames fresh.
	// Set to 0 to leave the driver default.
	BufferSize int `json:"buffer_size"`

	// Exposure is passed through to the driver as-is.
	// Set to 0 for auto exposure.
	Exposure float64 `json:"exposure"`
}

// Capture limits accepted by Validate
const (
	MaxWidth     = 4096
	MaxHeight    = 2160
	MaxFramerate = 120
	MaxBuffer    = 16
)

// DefaultConfig returns device-default resolution with fresh frames.
func DefaultConfig() Config {
	return Config{
		Width:      0,
		Height:     0,
		Framerate:  0,
		Quality:    80,
		BufferSize: 1,
		Exposure:   0, // Auto
	}
}

// Validate checks if the config values are within valid ranges.
// Returns a list of validation errors, or nil if valid.
func (c *Config) Validate() []string {
	var errors []string

	// Resolution
	if c.Width != 0 && (c.Width < 160 || c.Width > MaxWidth) {
		errors = append(errors, "width must be 0 (device default) or between 160 and 4096")
	}
	if c.Height != 0 && (c.Height < 120 || c.Height > MaxHeight) {
		errors = append(errors, "height must be 0 (device default) or between 120 and 2160")
	}
	if (c.Width == 0) != (c.Height == 0) {
		errors = append(errors, "width and height must be set together")
	}
	if c.Framerate < 0 || c.Framerate > MaxFramerate {
		errors = append(errors, "framerate must be between 0 and 120")
	}

	// Encoding
	if c.Quality < 1 || c.Quality > 100 {
		errors = append(errors, "quality must be between 1 and 100")
	}

	// Driver
	if c.BufferSize < 0 || c.BufferSize > MaxBuffer {
		errors = append(errors, "buffer_size must be between 0 and 16")
	}

	return errors
}

// Capabilities returns the capture limits.
func Capabilities() map[string]interface{} {
	return map[string]interface{}{
		"max_width":     MaxWidth,
		"max_height":    MaxHeight,
		"max_framerate": MaxFramerate,
		"max_buffer":    MaxBuffer,
		"presets":       PresetNames(),
	}
}
