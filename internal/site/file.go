package site

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FileSource reads a site topology exported to YAML.
type FileSource struct {
	Path string
	now  func() time.Time
}

// NewFileSource returns a Source backed by the YAML file at path.
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path, now: time.Now}
}

// Fetch reads and validates the topology file.
func (f *FileSource) Fetch(ctx context.Context) (*Site, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("site: reading topology file: %w", err)
	}
	s, err := ParseYAML(data)
	if err != nil {
		return nil, err
	}
	now := time.Now
	if f.now != nil {
		now = f.now
	}
	s.FetchedAt = now()
	return s, nil
}

// ParseYAML decodes and validates a YAML topology.
func ParseYAML(data []byte) (*Site, error) {
	var s Site
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("site: parsing topology: %w", err)
	}
	for i := range s.Devices {
		s.Devices[i].fillFromHardware()
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// MarshalYAML renders s in the topology file format.
func MarshalYAML(s *Site) ([]byte, error) {
	data, err := yaml.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("site: encoding topology: %w", err)
	}
	return data, nil
}
