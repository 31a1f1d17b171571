package expire

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wegman-software/tilecrawl/internal/crawl"
	"github.com/wegman-software/tilecrawl/internal/tile"
)

func finished(tl tile.Tile, cs crawl.CacheStatus) crawl.Event {
	return crawl.Event{
		Kind:    crawl.TileFinished,
		Zoom:    tl.Z,
		Tile:    tl,
		Verdict: crawl.Verdict{Status: crawl.Complete, Cache: cs},
	}
}

func TestTrackerRecordsFinishedTiles(t *testing.T) {
	tr := NewTracker(false)
	tr.Handle(crawl.Event{Kind: crawl.ZoomStarted, Zoom: 10})
	tr.Handle(crawl.Event{Kind: crawl.TileSkipped, Tile: tile.New(9, 9, 10)})
	tr.Handle(finished(tile.New(1, 1, 11), crawl.CacheUsed))
	tr.Handle(finished(tile.New(2, 0, 11), crawl.CacheNotUsed))
	tr.Handle(finished(tile.New(0, 0, 10), crawl.CacheNotUsed))
	tr.Handle(finished(tile.New(0, 0, 10), crawl.CacheNotUsed))

	assert.Equal(t, 3, tr.Count())
	assert.Equal(t, []tile.Tile{tile.New(0, 0, 10), tile.New(2, 0, 11), tile.New(1, 1, 11)}, tr.Tiles())
	assert.Equal(t, map[int]int{10: 1, 11: 2}, tr.CountByZoom())
}

func TestTrackerOnlyFetched(t *testing.T) {
	tr := NewTracker(true)
	tr.Handle(finished(tile.New(1, 1, 11), crawl.CacheUsed))
	tr.Handle(finished(tile.New(2, 0, 11), crawl.CacheNotUsed))
	assert.Equal(t, []tile.Tile{tile.New(2, 0, 11)}, tr.Tiles())
}

func TestWriteToFile(t *testing.T) {
	tr := NewTracker(false)
	tr.Handle(finished(tile.New(79306, 41573, 17), crawl.CacheNotUsed))
	tr.Handle(finished(tile.New(4, 3, 10), crawl.CacheUsed))

	core, logs := observer.New(zap.InfoLevel)
	path := filepath.Join(t.TempDir(), "expired.txt")
	require.NoError(t, tr.WriteToFile(path, zap.New(core)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "10/4/3\n17/79306/41573\n", string(data))

	entries := logs.FilterMessage("Wrote tile list").All()
	require.Len(t, entries, 1)
	assert.EqualValues(t, 2, entries[0].ContextMap()["total"])
}

func TestWriteToFileBadPath(t *testing.T) {
	err := NewTracker(false).WriteToFile(filepath.Join(t.TempDir(), "missing", "x.txt"), zap.NewNop())
	assert.Error(t, err)
}
