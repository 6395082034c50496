package protocol

import (
	"bytes"
	"testing"
	"time"
)

func TestEncodeState(t *testing.T) {
	tests := []struct {
		name string
		on   bool
		dim  Dim
		want []byte
	}{
		{"off", false, NoDim, []byte{0x0b, 0x01, 0x10, 0x00, 0x97, 0x00}},
		{"off ignores dim", false, DimLevel(200), []byte{0x0b, 0x01, 0x10, 0x00, 0x97, 0x00}},
		{"on without dim", true, NoDim, []byte{0x0b, 0x01, 0x10, 0x00, 0x97, 0x01}},
		{"on with dim", true, DimLevel(0x80), []byte{0x0b, 0x01, 0x10, 0x00, 0x98, 0x01, 0x80, 0x80}},
		{"on with zero dim", true, DimLevel(0), []byte{0x0b, 0x01, 0x10, 0x00, 0x98, 0x01, 0x00, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EncodeState(0x0b, tt.on, tt.dim)
			if !bytes.Equal(got, tt.want) {
				t.Errorf("EncodeState() = %x, want %x", got, tt.want)
			}
		})
	}
}

func TestEncodeSceneActivate(t *testing.T) {
	got := EncodeSceneActivate(5)
	want := []byte{0x02, 0x01, 0x10, 0x00, 0x21, 0x05}
	if !bytes.Equal(got, want) {
		t.Errorf("EncodeSceneActivate(5) = %x, want %x", got, want)
	}
}

func TestEncodeTimeSyncFoldsZoneOffset(t *testing.T) {
	zone := time.FixedZone("CET", 3600)
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, zone)

	got := EncodeTimeSync(ts)
	if len(got) != 10 {
		t.Fatalf("len = %d, want 10", len(got))
	}
	if !bytes.Equal(got[:5], []byte{0x00, 0x01, 0x10, 0x00, 0x1b}) {
		t.Errorf("header = %x", got[:5])
	}
	want := uint32(ts.Unix() + 3600)
	gotTS := uint32(got[5]) | uint32(got[6])<<8 | uint32(got[7])<<16 | uint32(got[8])<<24
	if gotTS != want {
		t.Errorf("timestamp = %d, want %d", gotTS, want)
	}
	if got[9] != 0x00 {
		t.Errorf("trailer = 0x%02x, want 0x00", got[9])
	}
}

func TestDecodeStateRoundTrip(t *testing.T) {
	ev, ok := Decode(EncodeState(7, true, DimLevel(128))).(StateEvent)
	if !ok {
		t.Fatalf("Decode() did not return StateEvent")
	}
	if ev.Address != 7 || !ev.On || !ev.HasDim || ev.Dim != 0x8080 {
		t.Errorf("Decode() = %+v, want addr=7 on dim=0x8080", ev)
	}
	if ev.Brightness() != 128 {
		t.Errorf("Brightness() = %d, want 128", ev.Brightness())
	}

	off, ok := Decode(EncodeState(7, false, DimLevel(128))).(StateEvent)
	if !ok {
		t.Fatalf("Decode(off) did not return StateEvent")
	}
	if off.Address != 7 || off.On || off.HasDim {
		t.Errorf("Decode(off) = %+v, want addr=7 off without dim", off)
	}
}

func TestDecodeDimChangeOpcode(t *testing.T) {
	frame := []byte{0x0c, 0x01, 0x10, 0x00, 0xc8, 0x01, 0x34, 0x12}
	ev, ok := Decode(frame).(StateEvent)
	if !ok {
		t.Fatalf("Decode() = %T, want StateEvent", Decode(frame))
	}
	if ev.Address != 0x0c || !ev.On || ev.Dim != 0x1234 {
		t.Errorf("Decode() = %+v", ev)
	}
}

func TestDecodeSceneTrigger(t *testing.T) {
	tests := []struct {
		b         byte
		index     uint8
		triggered bool
	}{
		{5, 5, true},
		{133, 5, false},
		{0, 0, true},
		{255, 127, false},
	}
	for _, tt := range tests {
		frame := []byte{0x00, 0x01, 0x10, 0x00, 0x21, tt.b}
		ev, ok := Decode(frame).(SceneEvent)
		if !ok {
			t.Fatalf("Decode(%x) = %T, want SceneEvent", frame, Decode(frame))
		}
		if ev.Index != tt.index || ev.Triggered != tt.triggered {
			t.Errorf("Decode(byte=%d) = %+v, want index=%d triggered=%t", tt.b, ev, tt.index, tt.triggered)
		}
	}
}

func TestDecodeTime(t *testing.T) {
	frame := []byte{0x01, 0x01, 0x10, 0x00, 0x1b, 0x00, 0xe1, 0xf5, 0x05, 0x00}
	ev, ok := Decode(frame).(TimeEvent)
	if !ok {
		t.Fatalf("Decode() = %T, want TimeEvent", Decode(frame))
	}
	if ev.Time.Unix() != 100000000 {
		t.Errorf("Time = %d, want 100000000", ev.Time.Unix())
	}
}

func TestDecodeButton(t *testing.T) {
	tests := []struct {
		name   string
		frame  []byte
		action Action
	}{
		{"without action byte", []byte{0x09, 0x01, 0x10, 0x00, 0x16, 0x21, 0x02}, ActionPress},
		{"press", []byte{0x09, 0x01, 0x10, 0x00, 0x16, 0x21, 0x02, 0x01}, ActionPress},
		{"release", []byte{0x09, 0x01, 0x10, 0x00, 0x16, 0x21, 0x02, 0x00}, ActionRelease},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := Decode(tt.frame).(ButtonEvent)
			if !ok {
				t.Fatalf("Decode() = %T, want ButtonEvent", Decode(tt.frame))
			}
			if ev.Address != 0x21 || ev.Button != 2 || ev.Action != tt.action {
				t.Errorf("Decode() = %+v, want addr=0x21 button=2 action=%s", ev, tt.action)
			}
		})
	}
}

func TestDecodeUnknown(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		{"empty", nil},
		{"short header", []byte{0x01, 0x01, 0x10}},
		{"wrong marker", []byte{0x07, 0x01, 0x02, 0x00, 0x97, 0x01}},
		{"unknown opcode", []byte{0x07, 0x01, 0x10, 0x00, 0x42, 0x01}},
		{"truncated dim", []byte{0x07, 0x01, 0x10, 0x00, 0x98, 0x01, 0x80}},
		{"truncated state", []byte{0x07, 0x01, 0x10, 0x00, 0x97}},
		{"truncated button", []byte{0x07, 0x01, 0x10, 0x00, 0x16, 0x21}},
		{"scene without index", []byte{0x00, 0x01, 0x10, 0x00, 0x21}},
		{"time too short", []byte{0x01, 0x01, 0x10, 0x00, 0x1b, 0x01, 0x02}},
		{"scene opcode from non-broadcast", []byte{0x05, 0x01, 0x10, 0x00, 0x21, 0x03}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := Decode(tt.frame).(UnknownEvent)
			if !ok {
				t.Fatalf("Decode(%x) = %T, want UnknownEvent", tt.frame, Decode(tt.frame))
			}
			if ev.Reason == "" {
				t.Error("UnknownEvent.Reason should not be empty")
			}
		})
	}
}

func TestDecodeLightLevelsBatch(t *testing.T) {
	payload := []byte{
		0x0b, 0x01, 0x00, 0x00, 0x00, 0x80, 0x80, 0x00, 0x00, 0x00,
		0x0c, 0x00, 0x00, 0x00, 0x00, 0x10, 0x00, 0x00, 0x00, 0x00,
	}
	events := DecodeLightLevels(payload)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}

	first, ok := events[0].(StateEvent)
	if !ok || first.Address != 0x0b || !first.On || first.Dim != 0x8080 {
		t.Errorf("events[0] = %+v", events[0])
	}
	second, ok := events[1].(StateEvent)
	if !ok || second.Address != 0x0c || second.On || second.Dim != 0x0010 {
		t.Errorf("events[1] = %+v", events[1])
	}
}

func TestDecodeLightLevelsPartialRecord(t *testing.T) {
	payload := append(make([]byte, LightLevelRecordSize), 0x01, 0x02)
	events := DecodeLightLevels(payload)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if _, ok := events[0].(StateEvent); !ok {
		t.Errorf("events[0] = %T, want StateEvent", events[0])
	}
	if _, ok := events[1].(UnknownEvent); !ok {
		t.Errorf("events[1] = %T, want UnknownEvent", events[1])
	}
}

func TestDecodeLightLevelsEmpty(t *testing.T) {
	if events := DecodeLightLevels(nil); len(events) != 0 {
		t.Errorf("got %d events for empty payload, want 0", len(events))
	}
}
