package parquet

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wegman-software/tilecrawl/internal/combine"
	"github.com/wegman-software/tilecrawl/internal/tile"
)

func scanAll(t *testing.T, path string) []EncodedRow {
	t.Helper()
	var rows []EncodedRow
	n, err := Scan(context.Background(), path, func(r EncodedRow) error {
		rows = append(rows, r)
		return nil
	})
	require.NoError(t, err)
	require.EqualValues(t, len(rows), n)
	return rows
}

func TestWriteRowsAndScan(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	rows := []Row{
		{
			ExternalID: "77:1:2:3",
			Kind:       KindCenter,
			Tile:       "13/5000/2600",
			Properties: map[string]interface{}{"tileId": "13/5000/2600", "area": 12.5},
			Geometry:   orb.Point{1, 2},
		},
		{
			ExternalID: "77:1:2:3",
			Kind:       KindExtent,
			Tile:       "13/5000/2600",
			Geometry:   orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{1, 1}}.ToPolygon(),
		},
	}

	// a batch size of one exercises multiple record batches
	n, err := WriteRows(path, rows, Options{BatchSize: 1})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	got := scanAll(t, path)
	require.Len(t, got, 2)

	assert.Equal(t, "77:1:2:3", got[0].ExternalID)
	assert.Equal(t, KindCenter, got[0].Kind)
	assert.Equal(t, "13/5000/2600", got[0].Tile)
	var props map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(got[0].Properties), &props))
	assert.Equal(t, 12.5, props["area"])
	assert.Equal(t, "0101000020e6100000000000000000f03f0000000000000040", hex.EncodeToString(got[0].Geometry))

	assert.Equal(t, KindExtent, got[1].Kind)
	assert.Equal(t, "{}", got[1].Properties, "missing properties are written as an empty object")
	assert.Equal(t, uint32(3|0x20000000), binary.LittleEndian.Uint32(got[1].Geometry[1:5]))
}

func TestWriteRowsReprojects(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	_, err := WriteRows(path, []Row{{ExternalID: "a", Kind: KindCenter, Geometry: orb.Point{180, 0}}}, Options{SRID: 3857})
	require.NoError(t, err)

	got := scanAll(t, path)
	require.Len(t, got, 1)
	geom := got[0].Geometry
	assert.Equal(t, uint32(3857), binary.LittleEndian.Uint32(geom[5:9]))
	x := math.Float64frombits(binary.LittleEndian.Uint64(geom[9:17]))
	assert.InDelta(t, 20037508.34, x, 0.01)
}

func TestWriteRowsRejectsUnknownSRID(t *testing.T) {
	_, err := WriteRows(filepath.Join(t.TempDir(), FileName), nil, Options{SRID: 27700})
	assert.Error(t, err)
}

func TestWriteRowsRejectsMissingGeometry(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	_, err := WriteRows(path, []Row{{ExternalID: "a", Kind: KindCenter}}, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "center a")
	assert.NoFileExists(t, path)
}

func TestWriteRowsRemovesFileWhenCloseFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	w, err := NewFeatureWriter(path, Options{})
	require.NoError(t, err)
	require.FileExists(t, path)

	// rows stay buffered until Close, which then hits the closed sink
	require.NoError(t, w.file.Close())
	_, err = writeRows(w, []Row{{ExternalID: "a", Kind: KindCenter, Geometry: orb.Point{1, 2}}})
	require.Error(t, err)
	assert.NoFileExists(t, path)
}

func TestScanStopsOnCallbackError(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	rows := []Row{
		{ExternalID: "a", Kind: KindCenter, Geometry: orb.Point{0, 0}},
		{ExternalID: "b", Kind: KindCenter, Geometry: orb.Point{1, 1}},
	}
	_, err := WriteRows(path, rows, Options{})
	require.NoError(t, err)

	stop := assert.AnError
	n, err := Scan(context.Background(), path, func(EncodedRow) error { return stop })
	assert.ErrorIs(t, err, stop)
	assert.EqualValues(t, 0, n)
}

func TestScanMissingFile(t *testing.T) {
	_, err := Scan(context.Background(), filepath.Join(t.TempDir(), "nope.parquet"), func(EncodedRow) error { return nil })
	assert.Error(t, err)
}

func TestResultRows(t *testing.T) {
	tl := tile.New(1, 2, 3)
	res := &combine.Result{
		ObjectType: "thing",
		Centers: []combine.Record{
			{ExternalID: "b", Tile: tl, Geometry: orb.Point{1, 1}, Properties: map[string]interface{}{"n": 1}},
			{ExternalID: "a", Tile: tl, Geometry: orb.Point{2, 2}},
		},
		Extents: []combine.Record{
			{ExternalID: "b", Tile: tl, Geometry: tl.Polygon()},
		},
		Coverage: []combine.Coverage{
			{Tile: tl, FetchedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), Extent: tl.Polygon(), FeatureCount: 2},
		},
	}

	rows := ResultRows(res)
	require.Len(t, rows, 4)
	assert.Equal(t, []string{"b", "a", "b", "3/1/2"}, []string{rows[0].ExternalID, rows[1].ExternalID, rows[2].ExternalID, rows[3].ExternalID})
	assert.Equal(t, []string{KindCenter, KindCenter, KindExtent, KindCoverage}, []string{rows[0].Kind, rows[1].Kind, rows[2].Kind, rows[3].Kind})
	assert.Equal(t, "2024-01-02T03:04:05Z", rows[3].Properties["fetchedAt"])
	assert.Equal(t, 2, rows[3].Properties["fetchedFeatureCount"])
}
