package crawl

import (
	"context"

	"github.com/wegman-software/tilecrawl/internal/tile"
)

// Status is the completeness verdict for a single tile
type Status int

const (
	// Complete means the tile's response holds every feature inside it
	Complete Status = iota
	// NeedsSplitting means the response may be truncated and the tile
	// must be replaced by its four children
	NeedsSplitting
)

func (s Status) String() string {
	switch s {
	case Complete:
		return "complete"
	case NeedsSplitting:
		return "needsSplitting"
	default:
		return "unknown"
	}
}

// CacheStatus tells whether a verdict was served from the tile cache
type CacheStatus int

const (
	CacheNotUsed CacheStatus = iota
	CacheUsed
)

func (c CacheStatus) String() string {
	if c == CacheUsed {
		return "used"
	}
	return "notUsed"
}

// Verdict is the outcome of processing one tile. It is derived on every
// run and never persisted.
type Verdict struct {
	Status  Status
	Cache   CacheStatus
	Comment string
}

// Fetcher processes a single tile for one upstream source
type Fetcher interface {
	Fetch(ctx context.Context, t tile.Tile) (Verdict, error)
}

// FetcherFunc adapts a function to the Fetcher interface
type FetcherFunc func(ctx context.Context, t tile.Tile) (Verdict, error)

// Fetch calls f(ctx, t)
func (f FetcherFunc) Fetch(ctx context.Context, t tile.Tile) (Verdict, error) {
	return f(ctx, t)
}
