package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wegman-software/tilecrawl/internal/crawl"
	"github.com/wegman-software/tilecrawl/internal/tile"
)

func TestCrawlCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCrawlCounters(reg, "rosreestr")
	require.NoError(t, err)

	events := []crawl.Event{
		{Kind: crawl.ZoomStarted, Zoom: 13, Frontier: 4},
		{Kind: crawl.TileSkipped, Zoom: 13, Tile: tile.New(0, 0, 13)},
		{Kind: crawl.TileFinished, Zoom: 13, Tile: tile.New(1, 0, 13), Duration: 600 * time.Millisecond,
			Verdict: crawl.Verdict{Status: crawl.Complete, Cache: crawl.CacheNotUsed}},
		{Kind: crawl.TileFinished, Zoom: 13, Tile: tile.New(0, 1, 13),
			Verdict: crawl.Verdict{Status: crawl.NeedsSplitting, Cache: crawl.CacheUsed}},
		{Kind: crawl.TileFinished, Zoom: 13, Tile: tile.New(1, 1, 13),
			Verdict: crawl.Verdict{Status: crawl.Complete, Cache: crawl.CacheUsed}},
	}
	for _, e := range events {
		c.Handle(e)
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(c.tiles.WithLabelValues("rosreestr", "notUsed", "complete")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tiles.WithLabelValues("rosreestr", "used", "needsSplitting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tiles.WithLabelValues("rosreestr", "used", "complete")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.skipped.WithLabelValues("rosreestr")))
	assert.Equal(t, 13.0, testutil.ToFloat64(c.zoom.WithLabelValues("rosreestr")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.frontier.WithLabelValues("rosreestr")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.duration), "only network fetches are timed")

	c.Handle(crawl.Event{Kind: crawl.CrawlFinished})
	assert.Equal(t, 0.0, testutil.ToFloat64(c.frontier.WithLabelValues("rosreestr")))
}

func TestCrawlCountersRejectDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewCrawlCounters(reg, "a")
	require.NoError(t, err)
	_, err = NewCrawlCounters(reg, "b")
	assert.Error(t, err)
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCrawlCounters(reg, "wikimapia")
	require.NoError(t, err)
	c.Handle(crawl.Event{Kind: crawl.TileSkipped})

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `tilecrawl_tiles_skipped_total{source="wikimapia"} 1`)
}

func TestCollectorLogsSnapshot(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	c := NewCollector(0, t.TempDir(), zap.New(core))
	assert.Equal(t, 30*time.Second, c.interval)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, c.Start(ctx))

	require.NotNil(t, c.GetMetrics())
	assert.Equal(t, 1, logs.FilterMessage("System metrics").Len())
}

func TestFormatKBps(t *testing.T) {
	assert.Equal(t, "12.5 KB/s", formatKBps(12.5))
	assert.Equal(t, "2.0 MB/s", formatKBps(2048))
}
