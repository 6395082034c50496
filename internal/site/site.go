// Package site holds the topology of one Plejd installation: the mesh key,
// the addressable outputs and the scenes. A Source produces it and a Cache
// keeps the last copy on disk so the controller can start offline.
package site

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	blecrypto "github.com/chaz8081/plejd-mesh/internal/ble/crypto"
)

// ErrNoSite is returned when no topology is cached and none can be fetched.
var ErrNoSite = errors.New("site: no site data")

// Device kinds.
const (
	KindLight  = "light"
	KindSwitch = "switch"
	KindSensor = "sensor"
)

// Device is one addressable output of the mesh.
type Device struct {
	Address    uint8  `yaml:"address" cbor:"1,keyasint"`
	BLEAddress string `yaml:"ble_address" cbor:"2,keyasint,omitempty"`
	Name       string `yaml:"name" cbor:"3,keyasint"`
	Kind       string `yaml:"kind" cbor:"4,keyasint"`
	Model      string `yaml:"model" cbor:"5,keyasint,omitempty"`
	HardwareID string `yaml:"hardware_id" cbor:"6,keyasint,omitempty"`
	Dimmable   bool   `yaml:"dimmable" cbor:"7,keyasint"`
	Room       string `yaml:"room" cbor:"8,keyasint,omitempty"`
	Firmware   string `yaml:"firmware" cbor:"9,keyasint,omitempty"`
}

// Scene is a stored scene that can be activated by index.
type Scene struct {
	Index uint8  `yaml:"index" cbor:"1,keyasint"`
	Title string `yaml:"title" cbor:"2,keyasint"`
}

// Site is the topology of one installation.
type Site struct {
	ID        string    `yaml:"id" cbor:"1,keyasint"`
	Title     string    `yaml:"title" cbor:"2,keyasint,omitempty"`
	MeshKey   string    `yaml:"mesh_key" cbor:"3,keyasint"`
	Devices   []Device  `yaml:"devices" cbor:"4,keyasint"`
	Scenes    []Scene   `yaml:"scenes" cbor:"5,keyasint"`
	FetchedAt time.Time `yaml:"-" cbor:"6,keyasint"`
}

// Source produces the site topology, typically from the vendor cloud.
type Source interface {
	Fetch(ctx context.Context) (*Site, error)
}

// Key parses the site's mesh key.
func (s *Site) Key() (blecrypto.MeshKey, error) {
	return blecrypto.ParseMeshKey(s.MeshKey)
}

// Device returns the device at address.
func (s *Site) Device(address uint8) (Device, bool) {
	for _, d := range s.Devices {
		if d.Address == address {
			return d, true
		}
	}
	return Device{}, false
}

// Scene returns the scene with index.
func (s *Site) Scene(index uint8) (Scene, bool) {
	for _, sc := range s.Scenes {
		if sc.Index == index {
			return sc, true
		}
	}
	return Scene{}, false
}

// Validate checks the site for invalid values.
func (s *Site) Validate() error {
	if _, err := uuid.Parse(s.ID); err != nil {
		return fmt.Errorf("site: id %q: %w", s.ID, err)
	}
	if _, err := s.Key(); err != nil {
		return fmt.Errorf("site: %w", err)
	}

	seen := make(map[uint8]bool, len(s.Devices))
	for _, d := range s.Devices {
		if d.Address == 0 {
			return fmt.Errorf("site: device %q: address 0 is the broadcast address", d.Name)
		}
		if seen[d.Address] {
			return fmt.Errorf("site: duplicate device address %d", d.Address)
		}
		seen[d.Address] = true
		switch d.Kind {
		case KindLight, KindSwitch, KindSensor:
		default:
			return fmt.Errorf("site: device %d: kind must be light, switch or sensor, got %q", d.Address, d.Kind)
		}
	}

	scenes := make(map[uint8]bool, len(s.Scenes))
	for _, sc := range s.Scenes {
		if sc.Index >= 128 {
			return fmt.Errorf("site: scene %q: index %d out of range", sc.Title, sc.Index)
		}
		if scenes[sc.Index] {
			return fmt.Errorf("site: duplicate scene index %d", sc.Index)
		}
		scenes[sc.Index] = true
	}
	return nil
}

// Hardware describes a Plejd product by hardware id.
type Hardware struct {
	Model    string
	Kind     string
	Dimmable bool
}

var hardware = map[string]Hardware{
	"1":  {"DIM-01", KindLight, true},
	"2":  {"DIM-02", KindLight, true},
	"3":  {"CTR-01", KindLight, false},
	"4":  {"GWY-01", KindSensor, false},
	"5":  {"LED-10", KindLight, true},
	"6":  {"WPH-01", KindSwitch, false},
	"7":  {"REL-01", KindSwitch, false},
	"11": {"DIM-01", KindLight, true},
	"13": {"Generic", KindLight, false},
	"17": {"REL-01", KindSwitch, false},
	"18": {"REL-02", KindSwitch, false},
	"20": {"SPR-01", KindSwitch, false},
}

// LookupHardware returns the product behind a hardware id. Unknown ids are
// reported as non-dimmable lights.
func LookupHardware(id string) Hardware {
	if hw, ok := hardware[id]; ok {
		return hw
	}
	return Hardware{Model: "-unknown-", Kind: KindLight}
}

// fillFromHardware completes kind and model from the hardware id when the
// topology leaves them out.
func (d *Device) fillFromHardware() {
	if d.HardwareID == "" {
		return
	}
	hw := LookupHardware(d.HardwareID)
	if d.Kind == "" {
		d.Kind = hw.Kind
		d.Dimmable = d.Dimmable || hw.Dimmable
	}
	if d.Model == "" {
		d.Model = hw.Model
	}
}
