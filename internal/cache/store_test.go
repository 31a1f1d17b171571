package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wegman-software/tilecrawl/internal/tile"
)

type sampleResponse struct {
	Count int      `json:"count"`
	IDs   []string `json:"ids"`
}

func newEntry(t tile.Tile) *Entry[sampleResponse] {
	return &Entry[sampleResponse]{
		Tile:          t,
		FetchedAt:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		FetchedExtent: geojson.NewGeometry(t.Polygon()),
		Format:        "sample/v1",
		Response:      sampleResponse{Count: 2, IDs: []string{"a", "b"}},
	}
}

func TestPath(t *testing.T) {
	s := New("/data")
	assert.Equal(t, filepath.Join("/data", "lots", "by-tiles", "14", "9876", "5432", "data.json"),
		s.Path("lot", tile.New(9876, 5432, 14)))
	assert.Equal(t, filepath.Join("/data", "osm-tiles", "v2", "3", "1", "2.png"),
		s.BlobPath(filepath.Join("osm-tiles", "v2"), tile.New(1, 2, 3), "png"))
	assert.Equal(t, filepath.Join("/data", "wikimapias", "combined"), s.OutputDir("wikimapia"))
}

func TestWriteRead(t *testing.T) {
	s := New(t.TempDir())
	tl := tile.New(10, 20, 6)

	_, err := Read[sampleResponse](s, "cco", tl)
	require.True(t, eris.Is(err, ErrNotFound))

	require.NoError(t, Write(s, "cco", newEntry(tl)))

	found, err := s.Has("cco", tl)
	require.NoError(t, err)
	assert.True(t, found)

	got, err := Read[sampleResponse](s, "cco", tl)
	require.NoError(t, err)
	assert.Equal(t, tl, got.Tile)
	assert.Equal(t, []string{"a", "b"}, got.Response.IDs)
	assert.NoError(t, got.CheckFormat("sample/v1"))
	assert.True(t, eris.Is(got.CheckFormat("sample/v2"), ErrFormat))

	poly, ok := got.FetchedExtent.Geometry().(orb.Polygon)
	require.True(t, ok)
	assert.Equal(t, tl.Bound(), poly.Bound())

	// no temp file is left behind
	_, err = os.Stat(s.Path("cco", tl) + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestWriteRefusesOverwrite(t *testing.T) {
	s := New(t.TempDir())
	tl := tile.New(1, 1, 2)

	require.NoError(t, Write(s, "lot", newEntry(tl)))
	err := Write(s, "lot", newEntry(tl))
	assert.True(t, eris.Is(err, ErrExists))
}

func TestReadCorrupt(t *testing.T) {
	s := New(t.TempDir())
	tl := tile.New(0, 0, 0)
	path := s.Path("lot", tl)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := Read[sampleResponse](s, "lot", tl)
	require.Error(t, err)
	assert.False(t, eris.Is(err, ErrNotFound), "corruption must not look like a miss")
}

func TestList(t *testing.T) {
	s := New(t.TempDir())

	empty, err := s.List("lot")
	require.NoError(t, err)
	assert.Empty(t, empty)

	tiles := []tile.Tile{
		tile.New(3, 1, 5),
		tile.New(0, 0, 4),
		tile.New(1, 1, 5),
		tile.New(7, 0, 5),
	}
	for _, tl := range tiles {
		require.NoError(t, Write(s, "lot", newEntry(tl)))
	}
	// stray temp files are ignored
	require.NoError(t, os.WriteFile(s.Path("lot", tiles[0])+".tmp", []byte("x"), 0o644))

	got, err := s.List("lot")
	require.NoError(t, err)

	var order []tile.Tile
	for _, l := range got {
		order = append(order, l.Tile)
	}
	assert.Equal(t, []tile.Tile{
		tile.New(0, 0, 4),
		tile.New(7, 0, 5),
		tile.New(1, 1, 5),
		tile.New(3, 1, 5),
	}, order)
}

func TestBlob(t *testing.T) {
	s := New(t.TempDir())
	tl := tile.New(4, 5, 6)

	found, err := s.HasBlob("osm-tiles", tl, "png")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.WriteBlob("osm-tiles", tl, "png", []byte{0x89, 'P', 'N', 'G'}))
	data, err := os.ReadFile(s.BlobPath("osm-tiles", tl, "png"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, data)
}
