// Package expire records which tiles a crawl touched and writes them as a
// z/x/y tile list, the format render_expired and similar tools read.
package expire

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/wegman-software/tilecrawl/internal/crawl"
	"github.com/wegman-software/tilecrawl/internal/tile"
)

// Tracker is a crawl.Sink collecting finished tiles
type Tracker struct {
	mu          sync.Mutex
	tiles       map[tile.Tile]struct{}
	onlyFetched bool
}

// NewTracker creates a tracker. With onlyFetched, tiles answered from the
// cache are ignored, so the list holds exactly what changed in this run.
func NewTracker(onlyFetched bool) *Tracker {
	return &Tracker{tiles: make(map[tile.Tile]struct{}), onlyFetched: onlyFetched}
}

// Handle implements crawl.Sink
func (t *Tracker) Handle(e crawl.Event) {
	if e.Kind != crawl.TileFinished {
		return
	}
	if t.onlyFetched && e.Verdict.Cache == crawl.CacheUsed {
		return
	}
	t.mu.Lock()
	t.tiles[e.Tile] = struct{}{}
	t.mu.Unlock()
}

// Count returns the number of distinct tiles recorded
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tiles)
}

// Tiles returns the recorded tiles ordered by zoom, then row-major
func (t *Tracker) Tiles() []tile.Tile {
	t.mu.Lock()
	out := make([]tile.Tile, 0, len(t.tiles))
	for tl := range t.tiles {
		out = append(out, tl)
	}
	t.mu.Unlock()
	tile.Sort(out)
	return out
}

// CountByZoom returns the number of recorded tiles per zoom
func (t *Tracker) CountByZoom() map[int]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	counts := make(map[int]int)
	for tl := range t.tiles {
		counts[tl.Z]++
	}
	return counts
}

// WriteToFile writes one z/x/y line per tile, replacing filename
func (t *Tracker) WriteToFile(filename string, log *zap.Logger) error {
	tiles := t.Tiles()

	f, err := os.Create(filename)
	if err != nil {
		return eris.Wrapf(err, "failed to create tile list %s", filename)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, tl := range tiles {
		fmt.Fprintln(w, tl.String())
	}
	if err := w.Flush(); err != nil {
		return eris.Wrapf(err, "failed to write tile list %s", filename)
	}

	counts := t.CountByZoom()
	zooms := make([]int, 0, len(counts))
	for z := range counts {
		zooms = append(zooms, z)
	}
	sort.Ints(zooms)

	fields := []zap.Field{zap.String("file", filename)}
	for _, z := range zooms {
		fields = append(fields, zap.Int(fmt.Sprintf("z%d", z), counts[z]))
	}
	fields = append(fields, zap.Int("total", len(tiles)))
	log.Info("Wrote tile list", fields...)

	return f.Close()
}
