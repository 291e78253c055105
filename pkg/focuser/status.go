package focuser

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is the lifecycle state of the focuser connection.
type State int

const (
	// Disabled means no device is held; only Initialize is useful.
	Disabled State = iota
	// Initializing is the transient window while a device is being
	// claimed and its baseline position established.
	Initializing
	// Idle means a device is held and the motor has settled.
	Idle
	// Moving means a commanded move is in flight. A move that times out
	// leaves this state latched until an operator intervenes.
	Moving
)

var stateNames = map[State]string{
	Disabled:     "Disabled",
	Initializing: "Initializing",
	Idle:         "Idle",
	Moving:       "Moving",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalJSON encodes the state by name so reports stay readable in
// logs and telemetry streams.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// StatusCode is the result of a control command.
type StatusCode int

const (
	Succeeded StatusCode = iota
	Failed
	// Blocked means another command holds the command lock, or a stuck
	// move has latched the Moving state.
	Blocked
	// InvalidControlIP means the caller host is not on the control list.
	InvalidControlIP
	NotConnected
	NotDisconnected
	DeviceNotFound
	PositionOutsideLimits
)

var statusCodeNames = map[StatusCode]string{
	Succeeded:             "Succeeded",
	Failed:                "Failed",
	Blocked:               "Blocked",
	InvalidControlIP:      "InvalidControlIP",
	NotConnected:          "NotConnected",
	NotDisconnected:       "NotDisconnected",
	DeviceNotFound:        "DeviceNotFound",
	PositionOutsideLimits: "PositionOutsideLimits",
}

func (c StatusCode) String() string {
	if name, ok := statusCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("StatusCode(%d)", int(c))
}

func (c StatusCode) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// Report is a point-in-time snapshot of the focuser state. The step
// fields are only populated while a device is held (Idle or Moving);
// readers should treat their absence as "no device".
type Report struct {
	Date         time.Time `json:"date"`
	Status       State     `json:"status"`
	CurrentSteps *int      `json:"current_steps,omitempty"`
	TargetSteps  *int      `json:"target_steps,omitempty"`
}
