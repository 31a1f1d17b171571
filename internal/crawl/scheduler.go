// Package crawl walks a territory as a quad-tree of tiles, subdividing
// every tile whose fetcher reports a possibly truncated response.
package crawl

import (
	"context"
	"time"

	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"

	"github.com/wegman-software/tilecrawl/internal/tile"
)

// ErrStuckTiles is returned when tiles still need splitting past the maximum zoom
var ErrStuckTiles = eris.New("tiles still need splitting at max zoom")

// Area is the region a crawl must cover
type Area interface {
	Bound() orb.Bound
	Intersects(b orb.Bound) bool
}

// Summary describes a finished (or aborted) crawl
type Summary struct {
	Processed int         // tiles handed to the fetcher
	Fetched   int         // tiles that needed a network call
	CacheHits int         // tiles answered from the cache
	Splits    int         // tiles replaced by their children
	Skipped   int         // tiles outside the territory
	Stuck     int         // tiles left over past the maximum zoom
	ByZoom    map[int]int // processed tiles per zoom
	Elapsed   time.Duration
}

// Scheduler drives a sequential, zoom-by-zoom crawl
type Scheduler struct {
	sink Sink
	now  func() time.Time
}

// NewScheduler creates a scheduler reporting to sink (nil discards events)
func NewScheduler(sink Sink) *Scheduler {
	if sink == nil {
		sink = NopSink{}
	}
	return &Scheduler{sink: sink, now: time.Now}
}

// Run crawls area starting at initialZoom. Tiles are processed one at a
// time in row-major order; every NeedsSplitting verdict queues the tile's
// children for the next zoom. The crawl fails with ErrStuckTiles if tiles
// remain once maxAllowedZoom has been processed.
func (s *Scheduler) Run(ctx context.Context, area Area, initialZoom, maxAllowedZoom int, f Fetcher) (*Summary, error) {
	if initialZoom < 0 || maxAllowedZoom > tile.MaxZoom || initialZoom > maxAllowedZoom {
		return nil, eris.Errorf("invalid zoom range %d..%d", initialZoom, maxAllowedZoom)
	}

	start := s.now()
	sum := &Summary{ByZoom: make(map[int]int)}
	finish := func(err error) (*Summary, error) {
		sum.Elapsed = s.now().Sub(start)
		s.sink.Handle(Event{Kind: CrawlFinished, Summary: sum, Err: err})
		return sum, err
	}

	frontier := tile.BoundToRange(area.Bound(), initialZoom).Tiles()

	for zoom := initialZoom; len(frontier) > 0; zoom++ {
		if zoom > maxAllowedZoom {
			sum.Stuck = len(frontier)
			return finish(eris.Wrapf(ErrStuckTiles,
				"max zoom %d reached, number of tiles on zoom %d: %d",
				maxAllowedZoom, zoom, len(frontier)))
		}

		tile.Sort(frontier)
		s.sink.Handle(Event{Kind: ZoomStarted, Zoom: zoom, Frontier: len(frontier)})

		var next []tile.Tile
		for _, t := range frontier {
			if err := ctx.Err(); err != nil {
				return finish(err)
			}

			if !area.Intersects(t.Bound()) {
				sum.Skipped++
				s.sink.Handle(Event{Kind: TileSkipped, Zoom: zoom, Tile: t})
				continue
			}

			began := s.now()
			v, err := f.Fetch(ctx, t)
			if err != nil {
				return finish(eris.Wrapf(err, "failed to process tile %s", t))
			}

			sum.Processed++
			sum.ByZoom[zoom]++
			if v.Cache == CacheUsed {
				sum.CacheHits++
			} else {
				sum.Fetched++
			}

			s.sink.Handle(Event{
				Kind:     TileFinished,
				Zoom:     zoom,
				Tile:     t,
				Verdict:  v,
				Duration: s.now().Sub(began),
			})

			if v.Status == NeedsSplitting {
				sum.Splits++
				children := t.Children()
				next = append(next, children[:]...)
			}
		}
		frontier = next
	}

	return finish(nil)
}
