package combine

import (
	"time"

	"github.com/paulmach/orb"

	"github.com/wegman-software/tilecrawl/internal/crawl"
	"github.com/wegman-software/tilecrawl/internal/tile"
)

// Feature is one source object as found in a single tile response
type Feature struct {
	// ExternalID is the upstream identifier used as the dedup key
	ExternalID string
	// EmbeddedID is the internal id carried by the response, if any
	EmbeddedID string
	// DerivedID is the internal id recomputed from ExternalID, if derivable
	DerivedID string

	Center           orb.Point
	Extent           orb.Geometry
	CenterProperties map[string]interface{}
	ExtentProperties map[string]interface{}
}

// TileContent is a decoded tile cache entry
type TileContent struct {
	Tile          tile.Tile
	FetchedAt     time.Time
	FetchedExtent orb.Geometry
	Status        crawl.Status
	Features      []Feature
}

// Decoder turns a cached tile document into features. One implementation
// exists per upstream source.
type Decoder interface {
	ObjectType() string
	Decode(data []byte) (*TileContent, error)
}

// Record is a deduplicated output feature
type Record struct {
	ExternalID string
	Tile       tile.Tile
	Geometry   orb.Geometry
	Properties map[string]interface{}
}

// Coverage is an audit record for one complete tile
type Coverage struct {
	Tile         tile.Tile
	FetchedAt    time.Time
	Extent       orb.Geometry
	FeatureCount int
}

// Stats summarizes a combine run
type Stats struct {
	Tiles         int
	CompleteTiles int
	SkippedTiles  int // tiles still needing a split
	RawCenters    int
	Centers       int
	RawExtents    int
	Extents       int
	IDMismatches  int
	Divergent     int // duplicates whose attributes differ
}

// Removed returns how many center duplicates were dropped
func (s Stats) Removed() int {
	return s.RawCenters - s.Centers
}

// Result holds the combined output
type Result struct {
	ObjectType string
	Centers    []Record
	Extents    []Record
	Coverage   []Coverage
	Stats      Stats
}
