package camera

const (
	PresetDefault      = "default"
	PresetVGA          = "vga"
	Preset720p         = "720p"
	Preset1080p        = "1080p"
	PresetLowBandwidth = "low-bandwidth"
)

type preset struct {
	name          string
	width, height int
	framerate     int // 0 keeps the default
	quality       int // 0 keeps the default
}

// Ordered as listed to clients.
var presetTable = []preset{
	{name: PresetDefault},
	{name: PresetVGA, width: 640, height: 480},
	{name: Preset720p, width: 1280, height: 720},
	// Full HD frames are large; lower JPEG quality keeps messages small.
	{name: Preset1080p, width: 1920, height: 1080, quality: 70},
	{name: PresetLowBandwidth, width: 640, height: 480, framerate: 10, quality: 50},
}

func (p preset) config() Config {
	cfg := DefaultConfig()
	if p.width > 0 {
		cfg.Width, cfg.Height = p.width, p.height
	}
	if p.framerate > 0 {
		cfg.Framerate = p.framerate
	}
	if p.quality > 0 {
		cfg.Quality = p.quality
	}
	return cfg
}

// Presets returns every preset keyed by name.
func Presets() map[string]Config {
	out := make(map[string]Config, len(presetTable))
	for _, p := range presetTable {
		out[p.name] = p.config()
	}
	return out
}

// PresetNames lists preset names in display order.
func PresetNames() []string {
	names := make([]string, len(presetTable))
	for i, p := range presetTable {
		names[i] = p.name
	}
	return names
}

// GetPreset returns the named preset, or nil.
func GetPreset(name string) *Config {
	for _, p := range presetTable {
		if p.name == name {
			cfg := p.config()
			return &cfg
		}
	}
	return nil
}
