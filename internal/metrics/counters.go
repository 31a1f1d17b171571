package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wegman-software/tilecrawl/internal/crawl"
)

// CrawlCounters exports scheduler events as Prometheus metrics. It is a
// crawl.Sink and is meant to sit next to the log sink in a MultiSink.
type CrawlCounters struct {
	source string

	tiles    *prometheus.CounterVec
	skipped  *prometheus.CounterVec
	duration *prometheus.HistogramVec
	frontier *prometheus.GaugeVec
	zoom     *prometheus.GaugeVec
}

// NewCrawlCounters registers the crawl metrics with reg, labelled by source
func NewCrawlCounters(reg prometheus.Registerer, source string) (*CrawlCounters, error) {
	c := &CrawlCounters{
		source: source,
		tiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tilecrawl_tiles_total",
			Help: "Tiles processed, by cache use and verdict",
		}, []string{"source", "cache", "status"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tilecrawl_tiles_skipped_total",
			Help: "Tiles dropped for lying outside the territory",
		}, []string{"source"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tilecrawl_tile_duration_seconds",
			Help:    "Time spent per fetched tile, pauses included",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"source"}),
		frontier: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tilecrawl_frontier_tiles",
			Help: "Tiles queued at the current zoom",
		}, []string{"source"}),
		zoom: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tilecrawl_zoom",
			Help: "Zoom currently being processed",
		}, []string{"source"}),
	}

	for _, col := range []prometheus.Collector{c.tiles, c.skipped, c.duration, c.frontier, c.zoom} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Handle updates the metrics for e
func (c *CrawlCounters) Handle(e crawl.Event) {
	switch e.Kind {
	case crawl.ZoomStarted:
		c.zoom.WithLabelValues(c.source).Set(float64(e.Zoom))
		c.frontier.WithLabelValues(c.source).Set(float64(e.Frontier))
	case crawl.TileSkipped:
		c.skipped.WithLabelValues(c.source).Inc()
	case crawl.TileFinished:
		c.tiles.WithLabelValues(c.source, e.Verdict.Cache.String(), e.Verdict.Status.String()).Inc()
		if e.Verdict.Cache == crawl.CacheNotUsed {
			c.duration.WithLabelValues(c.source).Observe(e.Duration.Seconds())
		}
	case crawl.CrawlFinished:
		c.frontier.WithLabelValues(c.source).Set(0)
	}
}

// Handler serves the metrics gathered by g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
