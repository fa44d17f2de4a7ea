package protocol

import (
	"encoding/base64"
)

// =============================================================================
// Helper functions for creating messages
// =============================================================================

// NewStatus creates a camera_status message
func NewStatus(status, message string) Message {
	return Message{Type: TypeStatus, Status: status, Message: message}
}

// NewError creates an error message
func NewError(message string) Message {
	return Message{Type: TypeError, Message: message}
}

// NewFrame creates a frame message from an already base64-encoded JPEG.
// level and row are nil when no surface was detected.
func NewFrame(encoded string, level *float64, row *int) Message {
	return Message{Type: TypeFrame, Frame: encoded, WaterLevel: level, WaterLevelY: row}
}

// =============================================================================
// Helper functions for parsing messages
// =============================================================================

// IsFrame reports whether the message carries a frame
func (m Message) IsFrame() bool { return m.Type == TypeFrame }

// DecodeFrame decodes the base64 image data
func (m Message) DecodeFrame() ([]byte, error) {
	return base64.StdEncoding.DecodeString(m.Frame)
}
