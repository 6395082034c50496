// Package protocol implements the Plejd mesh frame codec: outbound command
// frames and the decoding of last-data and light-level notifications.
package protocol

import (
	"fmt"
	"time"
)

// Event is a decoded inbound frame. It is one of StateEvent, SceneEvent,
// ButtonEvent, TimeEvent or UnknownEvent.
type Event interface {
	// Kind names the variant, for logging and metrics.
	Kind() string
	isEvent()
}

// StateEvent reports the output state of one device address.
type StateEvent struct {
	Address uint8
	On      bool
	Dim     uint16 // raw 16-bit wire value; the low byte is the effective level
	HasDim  bool
}

// Brightness returns the effective 8-bit level.
func (e StateEvent) Brightness() uint8 { return uint8(e.Dim) }

func (StateEvent) Kind() string { return "state" }
func (StateEvent) isEvent()     {}

func (e StateEvent) String() string {
	if !e.HasDim {
		return fmt.Sprintf("state(addr=%d on=%t)", e.Address, e.On)
	}
	return fmt.Sprintf("state(addr=%d on=%t dim=0x%04x)", e.Address, e.On, e.Dim)
}

// SceneEvent reports a scene being triggered from within the mesh.
type SceneEvent struct {
	Index     uint8
	Triggered bool
}

func (SceneEvent) Kind() string { return "scene" }
func (SceneEvent) isEvent()     {}

// Action is a physical button transition.
type Action uint8

const (
	ActionPress Action = iota
	ActionRelease
)

func (a Action) String() string {
	switch a {
	case ActionPress:
		return "press"
	case ActionRelease:
		return "release"
	default:
		return fmt.Sprintf("action(%d)", uint8(a))
	}
}

// ButtonEvent reports a press or release on an input device.
type ButtonEvent struct {
	Address uint8 // address of the physical input
	Button  uint8
	Action  Action
}

func (ButtonEvent) Kind() string { return "button" }
func (ButtonEvent) isEvent()     {}

// TimeEvent carries the mesh clock. It is informational only.
type TimeEvent struct {
	Time time.Time
}

func (TimeEvent) Kind() string { return "time" }
func (TimeEvent) isEvent()     {}

// UnknownEvent is a frame that could not be decoded.
type UnknownEvent struct {
	Raw    []byte
	Reason string
}

func (UnknownEvent) Kind() string { return "unknown" }
func (UnknownEvent) isEvent()     {}

func (e UnknownEvent) String() string {
	return fmt.Sprintf("unknown(%s: %x)", e.Reason, e.Raw)
}

func unknown(raw []byte, format string, args ...any) UnknownEvent {
	cp := make([]byte, len(raw))
	copy(cp, raw)
	return UnknownEvent{Raw: cp, Reason: fmt.Sprintf(format, args...)}
}
