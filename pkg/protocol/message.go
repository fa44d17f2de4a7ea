// Package protocol defines the WebSocket message types exchanged between
// a water level session and its observer.
package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType identifies the type of an outbound message
type MessageType string

const (
	// Server → Observer messages
	TypeStatus MessageType = "camera_status" // Camera lifecycle status
	TypeFrame  MessageType = "frame"         // Annotated frame + reading
	TypeError  MessageType = "error"         // Fatal session error
)

// Action identifies an inbound control message
type Action string

const (
	// Observer → Server messages
	ActionStart Action = "start_camera"
	ActionStop  Action = "stop_camera"
)

// Camera status values carried in camera_status messages
const (
	StatusConnected = "connected"
	StatusActive    = "active"
	StatusInactive  = "inactive"
	StatusError     = "error"
)

// Control is an inbound control message
type Control struct {
	Action Action `json:"action"`
}

// IsStart reports whether the control message requests streaming.
func (c Control) IsStart() bool { return c.Action == ActionStart }

// IsStop reports whether the control message ends the session.
func (c Control) IsStop() bool { return c.Action == ActionStop }

// Known reports whether the action is one the session understands.
func (c Control) Known() bool { return c.IsStart() || c.IsStop() }

// ParseControl parses a JSON control message from bytes
func ParseControl(data []byte) (Control, error) {
	var c Control
	if err := json.Unmarshal(data, &c); err != nil {
		return Control{}, fmt.Errorf("failed to parse control message: %w", err)
	}
	return c, nil
}

// Message is an outbound message. The JSON shape is flat: the type plus
// the fields belonging to that type.
type Message struct {
	Type MessageType

	// camera_status
	Status string

	// camera_status, error
	Message string

	// frame
	Frame       string // base64 JPEG
	WaterLevel  *float64
	WaterLevelY *int
}

type frameWire struct {
	Type        MessageType `json:"type"`
	Frame       string      `json:"frame"`
	WaterLevel  *float64    `json:"water_level"`
	WaterLevelY *int        `json:"water_level_y"`
}

type statusWire struct {
	Type    MessageType `json:"type"`
	Status  string      `json:"status"`
	Message string      `json:"message"`
}

type errorWire struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

// MarshalJSON encodes the message in the wire shape for its type. Frame
// messages always carry water_level and water_level_y, as null when no
// surface was detected.
func (m Message) MarshalJSON() ([]byte, error) {
	switch m.Type {
	case TypeFrame:
		return json.Marshal(frameWire{m.Type, m.Frame, m.WaterLevel, m.WaterLevelY})
	case TypeStatus:
		return json.Marshal(statusWire{m.Type, m.Status, m.Message})
	case TypeError:
		return json.Marshal(errorWire{m.Type, m.Message})
	default:
		return nil, fmt.Errorf("unknown message type %q", m.Type)
	}
}

// UnmarshalJSON decodes any outbound message shape.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type        MessageType `json:"type"`
		Status      string      `json:"status"`
		Message     string      `json:"message"`
		Frame       string      `json:"frame"`
		WaterLevel  *float64    `json:"water_level"`
		WaterLevelY *int        `json:"water_level_y"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = Message{
		Type:        raw.Type,
		Status:      raw.Status,
		Message:     raw.Message,
		Frame:       raw.Frame,
		WaterLevel:  raw.WaterLevel,
		WaterLevelY: raw.WaterLevelY,
	}
	return nil
}

// Bytes returns the JSON-encoded message
func (m Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON outbound message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	return &msg, nil
}
