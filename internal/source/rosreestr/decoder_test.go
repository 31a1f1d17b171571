package rosreestr

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wegman-software/tilecrawl/internal/cache"
	"github.com/wegman-software/tilecrawl/internal/combine"
	"github.com/wegman-software/tilecrawl/internal/crawl"
	"github.com/wegman-software/tilecrawl/internal/tile"
)

func seed(t *testing.T, store *cache.Store, tl tile.Tile, features ...Feature) {
	t.Helper()
	require.NoError(t, cache.Write(store, "cco", &cache.Entry[Response]{
		Tile:          tl,
		FetchedAt:     time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		FetchedExtent: geojson.NewGeometry(tl.Polygon()),
		Format:        FormatV1,
		Response:      Response{Total: len(features), Features: features},
	}))
}

func sharedFeature() Feature {
	return Feature{
		Attrs:  Attrs{CN: "58:29:1007003:5108", ID: "58:29:1007003:5108", Address: "Penza, Moskovskaya 1"},
		Center: orb.Point{45.0, 53.2},
		Extent: [4]float64{44.9999, 53.1999, 45.0001, 53.2001},
	}
}

func TestDecode(t *testing.T) {
	store := cache.New(t.TempDir())
	tl := tile.New(1, 2, 3)
	seed(t, store, tl, sharedFeature())

	data, err := os.ReadFile(store.Path("cco", tl))
	require.NoError(t, err)

	tc, err := NewDecoder(CCO, nil).Decode(data)
	require.NoError(t, err)
	assert.Equal(t, tl, tc.Tile)
	assert.Equal(t, crawl.Complete, tc.Status)
	require.Len(t, tc.Features, 1)

	f := tc.Features[0]
	assert.Equal(t, "58:29:1007003:5108", f.ExternalID)
	assert.Equal(t, f.EmbeddedID, f.DerivedID)
	assert.Equal(t, "3/1/2", f.CenterProperties["tileId"])
	assert.Equal(t, map[string]interface{}{"cn": "58:29:1007003:5108"}, f.ExtentProperties)
	assert.Equal(t, orb.Bound{Min: orb.Point{44.9999, 53.1999}, Max: orb.Point{45.0001, 53.2001}}, f.Extent.Bound())
}

func TestCombineSkipsMalformedFeatures(t *testing.T) {
	store := cache.New(t.TempDir())
	badCN := sharedFeature()
	badCN.Attrs.CN = "58:29:10070:12"
	noGeom := Feature{Attrs: Attrs{CN: "58:29:1007003:5109"}, NoGeometry: true}
	tl := tile.New(7, 7, 6)
	seed(t, store, tl, sharedFeature(), badCN, noGeom)

	core, logs := observer.New(zap.WarnLevel)
	res, err := combine.New(store, combine.Options{}, zap.NewNop()).
		Combine(context.Background(), NewDecoder(CCO, zap.New(core)))
	require.NoError(t, err)

	require.Len(t, res.Centers, 1)
	assert.Equal(t, "58:29:1007003:5108", res.Centers[0].ExternalID)
	assert.Len(t, res.Extents, 1)

	skipped := logs.FilterMessage("Skipping cadastral feature").All()
	require.Len(t, skipped, 2)
	assert.Equal(t, "58:29:10070:12", skipped[0].ContextMap()["cn"])
	assert.Equal(t, "6/7/7", skipped[0].ContextMap()["tile"])
	assert.Equal(t, true, skipped[1].ContextMap()["no_geometry"])
}

func TestCombineDeduplicatesAdjacentTiles(t *testing.T) {
	store := cache.New(t.TempDir())
	seed(t, store, tile.New(600, 300, 10), sharedFeature())
	seed(t, store, tile.New(601, 300, 10), sharedFeature())

	res, err := combine.New(store, combine.Options{Workers: 2}, zap.NewNop()).
		Combine(context.Background(), NewDecoder(CCO, nil))
	require.NoError(t, err)

	assert.Len(t, res.Centers, 1)
	assert.Len(t, res.Extents, 1)
	assert.Len(t, res.Coverage, 2)
	assert.Equal(t, 1, res.Stats.Removed())
	assert.Equal(t, "10/600/300", res.Centers[0].Properties["tileId"], "first tile wins")
}

func TestCombineReportsIDMismatch(t *testing.T) {
	store := cache.New(t.TempDir())
	f := sharedFeature()
	f.Attrs.CN = "42:02:0000012:42"
	f.Attrs.ID = "42:2:12:43"
	seed(t, store, tile.New(5, 5, 5), f)

	core, logs := observer.New(zap.InfoLevel)
	res, err := combine.New(store, combine.Options{}, zap.New(core)).
		Combine(context.Background(), NewDecoder(CCO, nil))
	require.NoError(t, err, "identity mismatch is not fatal")

	assert.Equal(t, 1, res.Stats.IDMismatches)
	assert.Len(t, res.Centers, 1, "record is still emitted")

	mismatches := logs.FilterMessageSnippet("Id mismatch").All()
	require.Len(t, mismatches, 1)
	assert.Equal(t, "42:2:12:42", mismatches[0].ContextMap()["derived_id"])
}

func TestCombineSkipsUnsplitTiles(t *testing.T) {
	store := cache.New(t.TempDir())
	full := make([]Feature, 38)
	for i := range full {
		full[i] = sharedFeature()
	}
	seed(t, store, tile.New(0, 0, 1), full...)
	seed(t, store, tile.New(0, 0, 2), sharedFeature())

	res, err := combine.New(store, combine.Options{}, zap.NewNop()).
		Combine(context.Background(), NewDecoder(CCO, nil))
	require.NoError(t, err)

	assert.Equal(t, 1, res.Stats.SkippedTiles)
	assert.Equal(t, 1, res.Stats.RawCenters, "leftover parent contributes nothing")
	require.Len(t, res.Coverage, 1)
	assert.Equal(t, tile.New(0, 0, 2), res.Coverage[0].Tile)
}

func TestCombineIsDeterministic(t *testing.T) {
	store := cache.New(t.TempDir())
	for x := 0; x < 4; x++ {
		f := sharedFeature()
		seed(t, store, tile.New(x, 0, 4), f)
	}

	var outputs [2][]byte
	for i := range outputs {
		res, err := combine.New(store, combine.Options{Workers: 3}, zap.NewNop()).
			Combine(context.Background(), NewDecoder(CCO, nil))
		require.NoError(t, err)

		dir := filepath.Join(t.TempDir(), "out")
		require.NoError(t, res.WriteAll(dir))
		centers, err := os.ReadFile(filepath.Join(dir, combine.CentersFile))
		require.NoError(t, err)
		coverage, err := os.ReadFile(filepath.Join(dir, combine.CoverageFile))
		require.NoError(t, err)
		outputs[i] = append(centers, coverage...)
	}
	assert.Equal(t, string(outputs[0]), string(outputs[1]))
}
