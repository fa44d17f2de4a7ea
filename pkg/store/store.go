// Package store persists water level camera records: their region,
// calibration, alert threshold, status and latest reading.
package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/teslashibe/go-waterwatch/pkg/waterlevel"
)

// Table is the name shared by every backend.
const Table = "water_level_cameras"

// ErrNotFound is returned when no camera has the requested id.
var ErrNotFound = errors.New("camera not found")

// Status is the persisted camera state
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusError    Status = "error"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusError:
		return true
	}
	return false
}

// Camera is one persisted camera configuration
type Camera struct {
	ID           string                `json:"id"`
	Name         string                `json:"name"`
	ROI          waterlevel.RegionSpec `json:"roi_coords"`
	MinValue     float64               `json:"min_value"`
	MaxValue     float64               `json:"max_value"`
	Threshold    float64               `json:"threshold"`
	Status       Status                `json:"status"`
	CurrentLevel *float64              `json:"current_level"`
	CreatedAt    time.Time             `json:"created_at"`
	UpdatedAt    time.Time             `json:"updated_at"`
}

// Calibration returns the range the region height maps onto.
func (c *Camera) Calibration() waterlevel.Calibration {
	return waterlevel.Calibration{Min: c.MinValue, Max: c.MaxValue}
}

// NewCamera is the payload for creating a camera
type NewCamera struct {
	Name      string                `json:"name"`
	ROI       waterlevel.RegionSpec `json:"roi_coords"`
	MinValue  float64               `json:"min_value"`
	MaxValue  float64               `json:"max_value"`
	Threshold float64               `json:"threshold"`
}

// Validate checks a new camera before it is stored.
func (n NewCamera) Validate() error {
	var problems []string
	if strings.TrimSpace(n.Name) == "" {
		problems = append(problems, "name is required")
	}
	if !n.ROI.Finite() {
		problems = append(problems, "roi_coords must be finite")
	}
	cal := waterlevel.Calibration{Min: n.MinValue, Max: n.MaxValue}
	if err := cal.Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if math.IsNaN(n.Threshold) || math.IsInf(n.Threshold, 0) {
		problems = append(problems, "threshold must be finite")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid camera: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Store defines camera persistence. All backends are safe for concurrent use.
type Store interface {
	// Create stores a new camera with status inactive
	Create(ctx context.Context, cam NewCamera) (*Camera, error)

	// FetchConfig returns a camera by id or ErrNotFound
	FetchConfig(ctx context.Context, id string) (*Camera, error)

	// List returns all cameras, oldest first
	List(ctx context.Context) ([]*Camera, error)

	// Delete removes a camera or returns ErrNotFound
	Delete(ctx context.Context, id string) error

	// UpdateLevel records the latest reading
	UpdateLevel(ctx context.Context, id string, level float64) error

	// UpdateStatus records the camera state
	UpdateStatus(ctx context.Context, id string, status Status) error

	// Close releases backend resources
	Close() error
}
