package site

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	testSiteID  = "4f1c2b7e-9f0a-4d3b-8c6e-2a5d7e9f1b3c"
	testMeshKey = "00112233-4455-6677-8899-aabbccddeeff"
)

func testSite() *Site {
	return &Site{
		ID:      testSiteID,
		Title:   "Summer house",
		MeshKey: testMeshKey,
		Devices: []Device{
			{Address: 11, Name: "Kitchen", Kind: KindLight, Dimmable: true, Room: "Kitchen"},
			{Address: 12, Name: "Porch", Kind: KindSwitch},
		},
		Scenes: []Scene{
			{Index: 1, Title: "Evening"},
		},
		FetchedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// mockSource is a testify mock of Source.
type mockSource struct {
	mock.Mock
}

func (m *mockSource) Fetch(ctx context.Context) (*Site, error) {
	args := m.Called(ctx)
	s, _ := args.Get(0).(*Site)
	return s, args.Error(1)
}

// --- Site tests ---

func TestSiteValidate_OK(t *testing.T) {
	assert.NoError(t, testSite().Validate())
}

func TestSiteValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *Site)
	}{
		{"bad id", func(s *Site) { s.ID = "not-a-uuid" }},
		{"bad key", func(s *Site) { s.MeshKey = "zz" }},
		{"broadcast address", func(s *Site) { s.Devices[0].Address = 0 }},
		{"duplicate address", func(s *Site) { s.Devices[1].Address = 11 }},
		{"bad kind", func(s *Site) { s.Devices[0].Kind = "fan" }},
		{"scene out of range", func(s *Site) { s.Scenes[0].Index = 128 }},
		{"duplicate scene", func(s *Site) { s.Scenes = append(s.Scenes, Scene{Index: 1}) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSite()
			tt.mutate(s)
			assert.Error(t, s.Validate())
		})
	}
}

func TestSiteLookups(t *testing.T) {
	s := testSite()

	d, ok := s.Device(12)
	require.True(t, ok)
	assert.Equal(t, "Porch", d.Name)

	_, ok = s.Device(99)
	assert.False(t, ok)

	sc, ok := s.Scene(1)
	require.True(t, ok)
	assert.Equal(t, "Evening", sc.Title)

	key, err := s.Key()
	require.NoError(t, err)
	assert.Equal(t, testMeshKey, key.String())
}

func TestLookupHardware(t *testing.T) {
	assert.Equal(t, Hardware{"DIM-02", KindLight, true}, LookupHardware("2"))
	assert.Equal(t, Hardware{"REL-02", KindSwitch, false}, LookupHardware("18"))
	assert.Equal(t, Hardware{"-unknown-", KindLight, false}, LookupHardware("99"))
}

// --- FileSource tests ---

const topologyYAML = `
id: 4f1c2b7e-9f0a-4d3b-8c6e-2a5d7e9f1b3c
title: Summer house
mesh_key: 00112233-4455-6677-8899-aabbccddeeff
devices:
  - address: 11
    name: Kitchen
    hardware_id: "2"
    room: Kitchen
  - address: 12
    name: Porch
    kind: switch
scenes:
  - index: 1
    title: Evening
`

func TestFileSourceFetch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "site.yaml")
	require.NoError(t, os.WriteFile(path, []byte(topologyYAML), 0o600))

	fetchedAt := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	src := NewFileSource(path)
	src.now = func() time.Time { return fetchedAt }

	s, err := src.Fetch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, testSiteID, s.ID)
	require.Len(t, s.Devices, 2)
	assert.Equal(t, "DIM-02", s.Devices[0].Model, "model is filled in from the hardware id")
	assert.Equal(t, KindLight, s.Devices[0].Kind)
	assert.True(t, s.Devices[0].Dimmable)
	assert.Equal(t, KindSwitch, s.Devices[1].Kind)
	assert.Equal(t, fetchedAt, s.FetchedAt)
}

func TestFileSourceFetch_Missing(t *testing.T) {
	_, err := NewFileSource(filepath.Join(t.TempDir(), "nope.yaml")).Fetch(context.Background())
	assert.Error(t, err)
}

func TestFileSourceFetch_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewFileSource("unused").Fetch(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestYAMLRoundTrip(t *testing.T) {
	data, err := MarshalYAML(testSite())
	require.NoError(t, err)

	s, err := ParseYAML(data)
	require.NoError(t, err)
	assert.Equal(t, testSite().Devices, s.Devices)
	assert.Equal(t, testSite().Scenes, s.Scenes)
}

// --- Cache tests ---

func TestCacheGet_FetchesOnce(t *testing.T) {
	src := &mockSource{}
	src.On("Fetch", mock.Anything).Return(testSite(), nil).Once()

	c, err := NewCache(src, "", "")
	require.NoError(t, err)

	first, err := c.Get(context.Background())
	require.NoError(t, err)
	second, err := c.Get(context.Background())
	require.NoError(t, err)

	assert.Same(t, first, second)
	src.AssertExpectations(t)
}

func TestCacheRefresh_KeepsPreviousOnFailure(t *testing.T) {
	src := &mockSource{}
	src.On("Fetch", mock.Anything).Return(nil, errors.New("cloud down"))

	c, err := NewCache(src, "", "")
	require.NoError(t, err)
	require.NoError(t, c.Put(testSite()))

	_, err = c.Refresh(context.Background())
	assert.Error(t, err)

	s, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testSiteID, s.ID)
}

func TestCacheRefresh_RejectsInvalidSite(t *testing.T) {
	bad := testSite()
	bad.MeshKey = ""
	src := &mockSource{}
	src.On("Fetch", mock.Anything).Return(bad, nil)

	c, err := NewCache(src, "", "")
	require.NoError(t, err)

	_, err = c.Get(context.Background())
	assert.Error(t, err)
}

func TestCacheGet_NoSource(t *testing.T) {
	c, err := NewCache(nil, "", "")
	require.NoError(t, err)

	_, err = c.Get(context.Background())
	assert.ErrorIs(t, err, ErrNoSite)
}

func TestNewCache_RequiresSecret(t *testing.T) {
	_, err := NewCache(nil, filepath.Join(t.TempDir(), "site.cache"), "")
	assert.Error(t, err)
}

func TestCacheSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache", "site.cache")

	c, err := NewCache(nil, path, "hunter2")
	require.NoError(t, err)
	require.NoError(t, c.Put(testSite()))
	require.NoError(t, c.Save())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "Kitchen", "cache file must be sealed")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	restored, err := NewCache(nil, path, "hunter2")
	require.NoError(t, err)
	require.NoError(t, restored.Load())

	s, err := restored.Get(context.Background())
	require.NoError(t, err)
	want := testSite()
	assert.Equal(t, want.ID, s.ID)
	assert.Equal(t, want.MeshKey, s.MeshKey)
	assert.Equal(t, want.Devices, s.Devices)
	assert.Equal(t, want.Scenes, s.Scenes)
	assert.True(t, want.FetchedAt.Equal(s.FetchedAt))
}

func TestCacheLoad_WrongSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "site.cache")

	c, err := NewCache(nil, path, "right")
	require.NoError(t, err)
	require.NoError(t, c.Put(testSite()))
	require.NoError(t, c.Save())

	other, err := NewCache(nil, path, "wrong")
	require.NoError(t, err)
	assert.Error(t, other.Load())
}

func TestCacheLoad_MissingFile(t *testing.T) {
	c, err := NewCache(nil, filepath.Join(t.TempDir(), "absent.cache"), "secret")
	require.NoError(t, err)
	assert.NoError(t, c.Load())

	_, err = c.Get(context.Background())
	assert.ErrorIs(t, err, ErrNoSite)
}

func TestCacheLoad_Truncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "site.cache")
	require.NoError(t, os.WriteFile(path, []byte{1, 2, 3}, 0o600))

	c, err := NewCache(nil, path, "secret")
	require.NoError(t, err)
	assert.ErrorIs(t, c.Load(), errSealedTooShort)
}

func TestCacheSave_NothingCached(t *testing.T) {
	path := filepath.Join(t.TempDir(), "site.cache")
	c, err := NewCache(nil, path, "secret")
	require.NoError(t, err)

	require.NoError(t, c.Save())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
