package protocol

import (
	"encoding/binary"
	"time"
)

// Frame layout: [0] address, [1:3] command marker, [3:5] opcode, [5:] body.
const (
	markerHi = 0x01
	markerLo = 0x10

	headerLen = 5
)

// Reserved mesh addresses.
const (
	BroadcastAddress uint8 = 0x00
	TimeAddress      uint8 = 0x01
	SceneAddress     uint8 = 0x02
)

// Opcodes carried at bytes 3-4.
const (
	OpButton    uint16 = 0x0016
	OpTime      uint16 = 0x001b
	OpScene     uint16 = 0x0021
	OpState     uint16 = 0x0097
	OpDim       uint16 = 0x0098
	OpDimChange uint16 = 0x00c8
)

// LightLevelRecordSize is the length of one record on the light-level channel.
const LightLevelRecordSize = 10

// PollTrigger is written to the light-level characteristic to request a
// batch of light-level records.
var PollTrigger = []byte{0x01}

// Dim is an optional brightness for outbound state frames.
type Dim struct {
	Level uint8
	Valid bool
}

// NoDim leaves the brightness untouched.
var NoDim = Dim{}

// DimLevel returns a Dim set to level.
func DimLevel(level uint8) Dim { return Dim{Level: level, Valid: true} }

func header(address uint8, op uint16) []byte {
	return []byte{address, markerHi, markerLo, byte(op >> 8), byte(op)}
}

// EncodeState builds the command that switches the output at address.
// The 8-bit level is duplicated into both bytes of the 16-bit dim field.
func EncodeState(address uint8, on bool, dim Dim) []byte {
	if !on {
		return append(header(address, OpState), 0x00)
	}
	if !dim.Valid {
		return append(header(address, OpState), 0x01)
	}
	return append(header(address, OpDim), 0x01, dim.Level, dim.Level)
}

// EncodeSceneActivate builds the command that runs scene index.
func EncodeSceneActivate(index uint8) []byte {
	return append(header(SceneAddress, OpScene), index)
}

// EncodeTimeSync builds the broadcast that sets the mesh clock. Nodes keep
// local wall-clock time, so t's zone offset is folded into the epoch value.
func EncodeTimeSync(t time.Time) []byte {
	_, offset := t.Zone()
	buf := header(BroadcastAddress, OpTime)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(t.Unix()+int64(offset)))
	return append(buf, 0x00)
}

// Decode parses a decrypted last-data notification. Frames that do not match
// a known layout are returned as UnknownEvent; Decode never guesses.
func Decode(frame []byte) Event {
	if len(frame) < headerLen {
		return unknown(frame, "short frame (%d bytes)", len(frame))
	}
	if frame[1] != markerHi || frame[2] != markerLo {
		return unknown(frame, "command marker %02x%02x", frame[1], frame[2])
	}
	address := frame[0]
	op := binary.BigEndian.Uint16(frame[3:5])
	body := frame[headerLen:]

	switch {
	case address == BroadcastAddress && op == OpScene:
		if len(body) < 1 {
			return unknown(frame, "scene frame without index")
		}
		return SceneEvent{Index: body[0] % 128, Triggered: body[0] < 128}

	case address == TimeAddress && op == OpTime:
		if len(body) < 4 {
			return unknown(frame, "time frame too short")
		}
		ts := binary.LittleEndian.Uint32(body[0:4])
		return TimeEvent{Time: time.Unix(int64(ts), 0).UTC()}
	}

	switch op {
	case OpDim, OpDimChange:
		if len(body) < 3 {
			return unknown(frame, "dim frame too short")
		}
		return StateEvent{
			Address: address,
			On:      body[0] != 0,
			Dim:     binary.LittleEndian.Uint16(body[1:3]),
			HasDim:  true,
		}

	case OpState:
		if len(body) < 1 {
			return unknown(frame, "state frame too short")
		}
		return StateEvent{Address: address, On: body[0] != 0}

	case OpButton:
		if len(body) < 2 {
			return unknown(frame, "button frame too short")
		}
		ev := ButtonEvent{Address: body[0], Button: body[1], Action: ActionPress}
		if len(body) > 2 && body[2] == 0 {
			ev.Action = ActionRelease
		}
		return ev
	}

	return unknown(frame, "opcode 0x%04x", op)
}

// DecodeLightLevels parses a light-level notification, which batches one or
// more fixed-size records back to back. A trailing partial record is reported
// as UnknownEvent.
func DecodeLightLevels(payload []byte) []Event {
	records := SplitRecords(payload, LightLevelRecordSize)
	events := make([]Event, 0, len(records))
	for _, rec := range records {
		if len(rec) < LightLevelRecordSize {
			events = append(events, unknown(rec, "partial light-level record (%d bytes)", len(rec)))
			continue
		}
		events = append(events, StateEvent{
			Address: rec[0],
			On:      rec[1] != 0,
			Dim:     binary.LittleEndian.Uint16(rec[5:7]),
			HasDim:  true,
		})
	}
	return events
}
