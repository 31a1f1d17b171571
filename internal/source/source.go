// Package source holds helpers shared by the per-upstream tile fetchers.
package source

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/rotisserie/eris"

	"github.com/wegman-software/tilecrawl/internal/tile"
)

// ErrUnexpectedResponse is returned when an upstream payload fails validation
var ErrUnexpectedResponse = eris.New("unexpected upstream response")

// BufferMeters returns how far past a tile's edges a query should reach.
// Overlapping queries make sure a feature sitting on a tile boundary is
// seen by at least one neighbour; the combiner removes the duplicates.
func BufferMeters(zoom int) float64 {
	switch {
	case zoom < 17:
		return 10
	case zoom < 19:
		return 5
	case zoom == 19:
		return 2
	case zoom == 20:
		return 1
	default:
		return 0
	}
}

// QueryBound returns the tile's bound grown by BufferMeters
func QueryBound(t tile.Tile) orb.Bound {
	b := t.Bound()
	if m := BufferMeters(t.Z); m > 0 {
		return geo.BoundPad(b, m)
	}
	return b
}

// Comment formats the operator-facing note attached to a verdict
func Comment(path string, count int) string {
	return fmt.Sprintf("%s %2d", path, count)
}

// BBoxParam formats a bound as minlon,minlat,maxlon,maxlat
func BBoxParam(b orb.Bound) string {
	return fmt.Sprintf("%g,%g,%g,%g", b.Min.Lon(), b.Min.Lat(), b.Max.Lon(), b.Max.Lat())
}
