package session

import (
	"fmt"

	"github.com/teslashibe/go-waterwatch/pkg/store"
)

// State is a session lifecycle state
type State string

const (
	StateAwaitingConfig  State = "awaiting_config"
	StateAwaitingStart   State = "awaiting_start"
	StateAcquiringDevice State = "acquiring_device"
	StateStreaming       State = "streaming"
	StateTerminated      State = "terminated"
)

// transitions lists the states reachable from each state. Terminated is
// absorbing.
var transitions = map[State][]State{
	StateAwaitingConfig:  {StateAwaitingStart, StateTerminated},
	StateAwaitingStart:   {StateAcquiringDevice, StateTerminated},
	StateAcquiringDevice: {StateStreaming, StateTerminated},
	StateStreaming:       {StateTerminated},
	StateTerminated:      nil,
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Reason is why a session terminated
type Reason string

const (
	ReasonConfigNotFound    Reason = "config_not_found"
	ReasonDetectorInit      Reason = "detector_init"
	ReasonSessionActive     Reason = "session_active"
	ReasonStoppedByClient   Reason = "stopped_by_client"
	ReasonTransportClosed   Reason = "transport_closed"
	ReasonDeviceUnavailable Reason = "device_unavailable"
	ReasonFrameReadFailure  Reason = "frame_read_failure"
	ReasonDeliveryFailure   Reason = "delivery_failure"
	ReasonCancelled         Reason = "cancelled"
)

// Status returns the camera status persisted for this reason. ok is false
// when the session never owned the camera record and must not touch it.
func (r Reason) Status() (status store.Status, ok bool) {
	switch r {
	case ReasonConfigNotFound, ReasonSessionActive:
		return "", false
	case ReasonDetectorInit, ReasonDeviceUnavailable, ReasonFrameReadFailure:
		return store.StatusError, true
	default:
		return store.StatusInactive, true
	}
}

// Fatal reports whether the reason is an error the observer should hear
// about, as opposed to a normal stop or a vanished observer.
func (r Reason) Fatal() bool {
	switch r {
	case ReasonStoppedByClient, ReasonTransportClosed, ReasonDeliveryFailure:
		return false
	}
	return true
}

// Writable reports whether the transport may still accept messages after
// terminating for this reason.
func (r Reason) Writable() bool {
	return r != ReasonTransportClosed && r != ReasonDeliveryFailure
}

// notice is the text sent to the observer for a fatal reason.
func (r Reason) notice(detail string) string {
	switch r {
	case ReasonConfigNotFound:
		return "Camera configuration not found"
	case ReasonDetectorInit:
		return fmt.Sprintf("Invalid camera configuration: %s", detail)
	case ReasonSessionActive:
		return "Camera is already streaming to another client"
	case ReasonDeviceUnavailable:
		return "Failed to connect to any camera. Please check your camera connections and permissions."
	case ReasonFrameReadFailure:
		return fmt.Sprintf("Failed to read frame from camera: %s", detail)
	case ReasonCancelled:
		if detail != "" {
			return detail
		}
		return "Server shutting down"
	}
	return string(r)
}
