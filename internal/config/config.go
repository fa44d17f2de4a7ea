// Package config loads waterwatch settings: defaults, then an optional
// YAML file, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults
const (
	DefaultPort        = "8000"
	DefaultDBPath      = "waterwatch.db"
	DefaultPacing      = 100 * time.Millisecond
	DefaultReadTimeout = 5 * time.Second
	DefaultShutdown    = 5 * time.Second
)

// Store drivers
const (
	DriverSQLite    = "sqlite"
	DriverPostgREST = "postgrest"
)

// Config is the complete service configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
	Store   StoreConfig   `yaml:"store"`
	Capture CaptureConfig `yaml:"capture"`
	Stream  StreamConfig  `yaml:"stream"`
}

// ServerConfig holds HTTP settings
type ServerConfig struct {
	Port            string        `yaml:"port"`
	StaticDir       string        `yaml:"static_dir"`       // Optional dashboard directory
	CORSOrigins     string        `yaml:"cors_origins"`     // Comma-separated, "*" for any
	RequestLog      bool          `yaml:"request_log"`      // Log every HTTP request
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // Grace period for sessions
}

// LogConfig holds logging settings
type LogConfig struct {
	Level       string `yaml:"level"`  // debug, info, warn, error
	Format      string `yaml:"format"` // text or json; empty follows GO_ENV
	DebugFrames bool   `yaml:"debug_frames"`
}

// StoreConfig selects and configures persistence
type StoreConfig struct {
	Driver      string        `yaml:"driver"` // sqlite or postgrest
	Path        string        `yaml:"path"`   // SQLite file
	URL         string        `yaml:"url"`    // PostgREST/Supabase base URL
	APIKey      string        `yaml:"api_key"`
	Timeout     time.Duration `yaml:"timeout"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// CaptureConfig controls device probing
type CaptureConfig struct {
	Devices     string `yaml:"devices"` // Comma-separated candidates, in probe order
	Backend     string `yaml:"backend"` // OpenCV capture API
	ProbeFrames int    `yaml:"probe_frames"`
	Quorum      int    `yaml:"quorum"`
	Preset      string `yaml:"preset"`
}

// StreamConfig controls per-session streaming
type StreamConfig struct {
	Pacing             time.Duration `yaml:"pacing"`
	ReadTimeout        time.Duration `yaml:"read_timeout"`
	LevelWriteInterval time.Duration `yaml:"level_write_interval"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            DefaultPort,
			CORSOrigins:     "*",
			ShutdownTimeout: DefaultShutdown,
		},
		Log: LogConfig{
			Level: "info",
		},
		Store: StoreConfig{
			Driver:      DriverSQLite,
			Path:        DefaultDBPath,
			Timeout:     10 * time.Second,
			BusyTimeout: 5 * time.Second,
		},
		Capture: CaptureConfig{
			Devices:     "1,2,3,0",
			Backend:     "any",
			ProbeFrames: 3,
			Quorum:      2,
			Preset:      "default",
		},
		Stream: StreamConfig{
			Pacing:      DefaultPacing,
			ReadTimeout: DefaultReadTimeout,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is not empty) and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnv overlays environment variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	str("PORT", &c.Server.Port)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("WATERWATCH_DB", &c.Store.Path)
	str("WATERWATCH_DEVICES", &c.Capture.Devices)
	str("WATERWATCH_BACKEND", &c.Capture.Backend)
	str("WATERWATCH_STATIC", &c.Server.StaticDir)
	str("SUPABASE_URL", &c.Store.URL)
	str("SUPABASE_KEY", &c.Store.APIKey)

	// A Supabase URL without an explicit driver selects the remote store.
	if _, ok := lookup("WATERWATCH_STORE"); ok {
		str("WATERWATCH_STORE", &c.Store.Driver)
	} else if c.Store.URL != "" && c.Store.Driver == DriverSQLite && c.Store.Path == DefaultDBPath {
		c.Store.Driver = DriverPostgREST
	}

	if v, ok := lookup("WATERWATCH_PACING"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("WATERWATCH_PACING: %w", err)
		}
		c.Stream.Pacing = d
	}
	if v, ok := lookup("WATERWATCH_DEBUG_FRAMES"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("WATERWATCH_DEBUG_FRAMES: %w", err)
		}
		c.Log.DebugFrames = b
	}
	return nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if port, err := strconv.Atoi(c.Server.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %q is not a valid port", c.Server.Port))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}

	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}

	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for sqlite"))
		}
	case DriverPostgREST:
		if c.Store.URL == "" {
			errs = append(errs, errors.New("store.url is required for postgrest"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q must be %s or %s", c.Store.Driver, DriverSQLite, DriverPostgREST))
	}

	if strings.TrimSpace(c.Capture.Devices) == "" {
		errs = append(errs, errors.New("capture.devices must list at least one device"))
	}
	if c.Capture.ProbeFrames < 1 {
		errs = append(errs, errors.New("capture.probe_frames must be at least 1"))
	}
	if c.Capture.Quorum < 1 || c.Capture.Quorum > c.Capture.ProbeFrames {
		errs = append(errs, fmt.Errorf("capture.quorum must be between 1 and probe_frames (%d)", c.Capture.ProbeFrames))
	}

	if c.Stream.Pacing <= 0 {
		errs = append(errs, errors.New("stream.pacing must be positive"))
	}
	if c.Stream.ReadTimeout <= 0 {
		errs = append(errs, errors.New("stream.read_timeout must be positive"))
	}
	if c.Stream.LevelWriteInterval < 0 {
		errs = append(errs, errors.New("stream.level_write_interval must not be negative"))
	}

	return errors.Join(errs...)
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return ":" + c.Server.Port
}
