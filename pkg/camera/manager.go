package camera

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrUnknownPreset is returned when an update names a preset that does
// not exist.
var ErrUnknownPreset = errors.New("unknown preset")

// Update is a partial capture change. Nil fields keep their current
// value; a preset replaces the whole config before the fields apply.
type Update struct {
	Preset     *string  `json:"preset,omitempty"`
	Width      *int     `json:"width,omitempty"`
	Height     *int     `json:"height,omitempty"`
	Framerate  *int     `json:"framerate,omitempty"`
	Quality    *int     `json:"quality,omitempty"`
	BufferSize *int     `json:"buffer_size,omitempty"`
	Exposure   *float64 `json:"exposure,omitempty"`
}

// PresetUpdate selects a preset and nothing else.
func PresetUpdate(name string) Update {
	return Update{Preset: &name}
}

func (u Update) apply(cfg Config) (Config, error) {
	if u.Preset != nil {
		preset := GetPreset(*u.Preset)
		if preset == nil {
			return cfg, fmt.Errorf("%w: %s", ErrUnknownPreset, *u.Preset)
		}
		cfg = *preset
	}
	set := func(dst *int, v *int) {
		if v != nil {
			*dst = *v
		}
	}
	set(&cfg.Width, u.Width)
	set(&cfg.Height, u.Height)
	set(&cfg.Framerate, u.Framerate)
	set(&cfg.Quality, u.Quality)
	set(&cfg.BufferSize, u.BufferSize)
	if u.Exposure != nil {
		cfg.Exposure = *u.Exposure
	}
	return cfg, nil
}

// Manager holds the capture settings applied to devices opened from now
// on. Devices already streaming keep the settings they were opened with,
// except JPEG quality which sessions read per frame.
type Manager struct {
	mu       sync.RWMutex
	config   Config
	revision uint64

	// OnConfigChange runs after a successful change.
	OnConfigChange func(cfg Config) error
}

// NewManager creates a manager starting from cfg.
func NewManager(cfg Config) *Manager {
	return &Manager{config: cfg}
}

// GetConfig returns the current capture configuration.
func (m *Manager) GetConfig() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Revision counts accepted changes.
func (m *Manager) Revision() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.revision
}

// Apply validates and stores u on top of the current config. A rejected
// update leaves the config untouched.
func (m *Manager) Apply(u Update) (Config, error) {
	m.mu.Lock()
	next, err := u.apply(m.config)
	if err != nil {
		m.mu.Unlock()
		return m.GetConfig(), err
	}
	if problems := next.Validate(); len(problems) > 0 {
		m.mu.Unlock()
		return m.GetConfig(), fmt.Errorf("invalid capture config: %s", strings.Join(problems, "; "))
	}
	m.config = next
	m.revision++
	callback := m.OnConfigChange
	m.mu.Unlock()

	if callback != nil {
		if err := callback(next); err != nil {
			return next, fmt.Errorf("failed to apply config: %w", err)
		}
	}
	return next, nil
}
