package site

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort: cbor.SortCanonical,
		Time: cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("site: CBOR encoder mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyQuiet,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("site: CBOR decoder mode: %v", err))
	}
}

// Cache owns the current site topology. It fetches from a Source on demand
// and persists the last copy, sealed with a key derived from a secret,
// because the topology carries the mesh key.
type Cache struct {
	source Source
	path   string // empty disables persistence
	key    []byte

	mu   sync.Mutex
	site *Site
}

// NewCache creates a cache in front of source. When path is set, secret
// must be non-empty.
func NewCache(source Source, path, secret string) (*Cache, error) {
	c := &Cache{source: source, path: path}
	if path == "" {
		return c, nil
	}
	if secret == "" {
		return nil, errors.New("site: cache secret must not be empty")
	}
	key, err := deriveSealKey(secret)
	if err != nil {
		return nil, err
	}
	c.key = key
	return c, nil
}

// Get returns the cached site, fetching it from the source on first use.
func (c *Cache) Get(ctx context.Context) (*Site, error) {
	c.mu.Lock()
	s := c.site
	c.mu.Unlock()
	if s != nil {
		return s, nil
	}
	return c.Refresh(ctx)
}

// Put replaces the cached site.
func (c *Cache) Put(s *Site) error {
	if s == nil {
		return ErrNoSite
	}
	if err := s.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.site = s
	c.mu.Unlock()
	return nil
}

// Refresh fetches the site from the source and caches it. When the fetch
// fails the previous copy is kept.
func (c *Cache) Refresh(ctx context.Context) (*Site, error) {
	if c.source == nil {
		return nil, ErrNoSite
	}
	s, err := c.source.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("site: fetch: %w", err)
	}
	if err := c.Put(s); err != nil {
		return nil, err
	}
	slog.Info("[SITE] refreshed", "id", s.ID, "devices", len(s.Devices), "scenes", len(s.Scenes))
	return s, nil
}

// Load reads the persisted copy into the cache. A missing file is not an
// error and leaves the cache empty.
func (c *Cache) Load() error {
	if c.path == "" {
		return nil
	}
	sealed, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Debug("[SITE] no cache file", "path", c.path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("site: reading cache: %w", err)
	}
	data, err := open(c.key, sealed)
	if err != nil {
		return err
	}
	var s Site
	if err := decMode.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("site: decoding cache: %w", err)
	}
	if err := c.Put(&s); err != nil {
		return err
	}
	slog.Info("[SITE] loaded cache", "path", c.path, "id", s.ID, "fetched_at", s.FetchedAt)
	return nil
}

// Save persists the cached site. It is a no-op when nothing is cached or
// persistence is disabled.
func (c *Cache) Save() error {
	c.mu.Lock()
	s := c.site
	c.mu.Unlock()
	if c.path == "" || s == nil {
		return nil
	}

	data, err := encMode.Marshal(s)
	if err != nil {
		return fmt.Errorf("site: encoding cache: %w", err)
	}
	sealed, err := seal(c.key, data)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return fmt.Errorf("site: creating cache dir: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return fmt.Errorf("site: writing cache: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("site: writing cache: %w", err)
	}
	slog.Debug("[SITE] saved cache", "path", c.path)
	return nil
}
