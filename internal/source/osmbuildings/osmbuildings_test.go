package osmbuildings

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wegman-software/tilecrawl/internal/cache"
	"github.com/wegman-software/tilecrawl/internal/combine"
	"github.com/wegman-software/tilecrawl/internal/crawl"
	"github.com/wegman-software/tilecrawl/internal/source"
	"github.com/wegman-software/tilecrawl/internal/tile"
	"github.com/wegman-software/tilecrawl/internal/upstream"
)

const mapXML = `<?xml version="1.0" encoding="UTF-8"?>
<osm version="0.6" generator="test">
  <bounds minlat="53.0" minlon="45.0" maxlat="53.1" maxlon="45.1"/>
  <node id="1" lat="53.00" lon="45.00" version="1"/>
  <node id="2" lat="53.00" lon="45.02" version="1"/>
  <node id="3" lat="53.02" lon="45.02" version="1"/>
  <node id="4" lat="53.02" lon="45.00" version="1"/>
  <node id="5" lat="53.05" lon="45.05" version="1"/>
  <way id="100" version="3">
    <nd ref="1"/><nd ref="2"/><nd ref="3"/><nd ref="4"/><nd ref="1"/>
    <tag k="building" v="yes"/>
    <tag k="addr:street" v="Moskovskaya"/>
  </way>
  <way id="101" version="1">
    <nd ref="1"/><nd ref="5"/>
    <tag k="highway" v="service"/>
  </way>
  <way id="102" version="1">
    <nd ref="1"/><nd ref="2"/><nd ref="3"/><nd ref="5"/>
    <tag k="building" v="house"/>
  </way>
</osm>`

func TestParseMap(t *testing.T) {
	buildings, err := parseMap([]byte(mapXML))
	require.NoError(t, err)
	require.Len(t, buildings, 1, "roads and unclosed outlines are ignored")

	b := buildings[0]
	assert.Equal(t, int64(100), b.ID)
	assert.Equal(t, "way/100", b.FeatureID())
	assert.Equal(t, map[string]string{"building": "yes", "addr:street": "Moskovskaya"}, b.Tags)
	assert.InDelta(t, 45.01, b.Center.Lon(), 1e-9)
	assert.InDelta(t, 53.01, b.Center.Lat(), 1e-9)
	require.Len(t, b.Extent, 1)
	assert.Len(t, b.Extent[0], 5)
}

func TestParseMapErrors(t *testing.T) {
	_, err := parseMap([]byte(`<osm><way id="1"><nd ref="9"/><nd ref="8"/><nd ref="7"/><nd ref="9"/><tag k="building" v="yes"/></way></osm>`))
	assert.True(t, eris.Is(err, source.ErrUnexpectedResponse))

	_, err = parseMap([]byte(`not xml`))
	assert.True(t, eris.Is(err, source.ErrUnexpectedResponse))
}

func TestParseWayID(t *testing.T) {
	id, err := ParseWayID("way/42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	for _, bad := range []string{"node/42", "way/", "way/-1", "42"} {
		_, err := ParseWayID(bad)
		assert.Error(t, err, bad)
	}
}

func newAPI(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/api/0.6/map", r.URL.Path)
		assert.NotEmpty(t, r.URL.Query().Get("bbox"))
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func newTestFetcher(t *testing.T, baseURL string) (*Fetcher, *cache.Store) {
	store := cache.New(t.TempDir())
	f, err := NewFetcher(store, upstream.New(upstream.Options{}, zap.NewNop()), Options{BaseURL: baseURL})
	require.NoError(t, err)
	return f, store
}

func TestFetchComplete(t *testing.T) {
	srv, hits := newAPI(t, http.StatusOK, mapXML)
	f, store := newTestFetcher(t, srv.URL)
	tl := tile.New(10000, 5000, 14)

	v, err := f.Fetch(context.Background(), tl)
	require.NoError(t, err)
	assert.Equal(t, crawl.Complete, v.Status)
	assert.Equal(t, crawl.CacheNotUsed, v.Cache)

	entry, err := cache.Read[Response](store, ObjectType, tl)
	require.NoError(t, err)
	assert.False(t, entry.Response.TooLarge)
	assert.Len(t, entry.Response.Buildings, 1)
	assert.Equal(t, source.QueryBound(tl), entry.FetchedExtent.Geometry().Bound())

	v, err = f.Fetch(context.Background(), tl)
	require.NoError(t, err)
	assert.Equal(t, crawl.CacheUsed, v.Cache)
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetchTooLargeSplits(t *testing.T) {
	srv, _ := newAPI(t, http.StatusBadRequest, "You requested too many nodes (limit is 50000).")
	f, store := newTestFetcher(t, srv.URL)
	tl := tile.New(1, 1, 3)

	v, err := f.Fetch(context.Background(), tl)
	require.NoError(t, err)
	assert.Equal(t, crawl.NeedsSplitting, v.Status)
	assert.Contains(t, v.Comment, "too large")

	entry, err := cache.Read[Response](store, ObjectType, tl)
	require.NoError(t, err)
	assert.True(t, entry.Response.TooLarge, "refusal is cached")
}

func TestFetchOtherStatusIsFatal(t *testing.T) {
	srv, _ := newAPI(t, http.StatusForbidden, "")
	f, store := newTestFetcher(t, srv.URL)

	_, err := f.Fetch(context.Background(), tile.New(1, 1, 3))
	assert.True(t, eris.Is(err, upstream.ErrStatus))
	found, err := store.Has(ObjectType, tile.New(1, 1, 3))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCombineSkipsRefusedTiles(t *testing.T) {
	srv, _ := newAPI(t, http.StatusOK, mapXML)
	f, store := newTestFetcher(t, srv.URL)
	for _, tl := range []tile.Tile{tile.New(0, 0, 14), tile.New(1, 0, 14)} {
		_, err := f.Fetch(context.Background(), tl)
		require.NoError(t, err)
	}

	refused, _ := newAPI(t, http.StatusBadRequest, "")
	f2, err := NewFetcher(store, upstream.New(upstream.Options{}, zap.NewNop()), Options{BaseURL: refused.URL})
	require.NoError(t, err)
	_, err = f2.Fetch(context.Background(), tile.New(0, 0, 13))
	require.NoError(t, err)

	res, err := combine.New(store, combine.Options{}, zap.NewNop()).Combine(context.Background(), NewDecoder())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Stats.Tiles)
	assert.Equal(t, 1, res.Stats.SkippedTiles)
	require.Len(t, res.Centers, 1)
	require.Len(t, res.Extents, 1)
	assert.Equal(t, "way/100", res.Centers[0].ExternalID)
	assert.Equal(t, 0, res.Stats.IDMismatches)

	_, isPoly := res.Extents[0].Geometry.(orb.Polygon)
	assert.True(t, isPoly)
}
