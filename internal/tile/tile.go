package tile

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/rotisserie/eris"
)

// MaxZoom is the deepest zoom level a tile may address
const MaxZoom = 30

// Tile is a quad-tree cell in the slippy-map tiling scheme
type Tile struct {
	X int // column
	Y int // row, grows southwards
	Z int // zoom level
}

// New creates a tile
func New(x, y, z int) Tile {
	return Tile{X: x, Y: y, Z: z}
}

// String returns the tile in z/x/y format
func (t Tile) String() string {
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}

// Parse parses a tile in z/x/y format
func Parse(s string) (Tile, error) {
	parts := strings.Split(strings.Trim(s, "/"), "/")
	if len(parts) != 3 {
		return Tile{}, eris.Errorf("tile %q must have the form z/x/y", s)
	}

	var nums [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return Tile{}, eris.Wrapf(err, "invalid tile component %q in %q", p, s)
		}
		nums[i] = v
	}

	t := Tile{Z: nums[0], X: nums[1], Y: nums[2]}
	if !t.Valid() {
		return Tile{}, eris.Errorf("tile %s is out of range", t)
	}
	return t, nil
}

// Valid reports whether the coordinates exist at the tile's zoom
func (t Tile) Valid() bool {
	if t.Z < 0 || t.Z > MaxZoom {
		return false
	}
	n := 1 << t.Z
	return t.X >= 0 && t.X < n && t.Y >= 0 && t.Y < n
}

// Children returns the four tiles covering t at the next zoom level
func (t Tile) Children() [4]Tile {
	x, y, z := 2*t.X, 2*t.Y, t.Z+1
	return [4]Tile{
		{X: x, Y: y, Z: z},
		{X: x + 1, Y: y, Z: z},
		{X: x, Y: y + 1, Z: z},
		{X: x + 1, Y: y + 1, Z: z},
	}
}

// Bound returns the tile's lon/lat bounding box
func (t Tile) Bound() orb.Bound {
	return maptile.New(uint32(t.X), uint32(t.Y), maptile.Zoom(t.Z)).Bound()
}

// Polygon returns the tile's outline as a closed ring
func (t Tile) Polygon() orb.Polygon {
	return t.Bound().ToPolygon()
}

// MarshalJSON encodes the tile as [x, y, z]
func (t Tile) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]int{t.X, t.Y, t.Z})
}

// UnmarshalJSON decodes a tile from [x, y, z]
func (t *Tile) UnmarshalJSON(data []byte) error {
	var v [3]int
	if err := json.Unmarshal(data, &v); err != nil {
		return eris.Wrap(err, "tile must be encoded as [x, y, z]")
	}
	*t = Tile{X: v[0], Y: v[1], Z: v[2]}
	return nil
}

// Less orders tiles by zoom, then row-major (y ascending, then x ascending)
func Less(a, b Tile) bool {
	if a.Z != b.Z {
		return a.Z < b.Z
	}
	if a.Y != b.Y {
		return a.Y < b.Y
	}
	return a.X < b.X
}

// Sort orders tiles in place using Less
func Sort(tiles []Tile) {
	sort.Slice(tiles, func(i, j int) bool { return Less(tiles[i], tiles[j]) })
}

// Web Mercator constants
const (
	// Maximum latitude for Web Mercator (approximately 85.051129°)
	MaxMercatorLat = 85.0511287798
	// Minimum latitude for Web Mercator
	MinMercatorLat = -85.0511287798
)

// FromLonLat converts a lon/lat position to the tile containing it at the given zoom
func FromLonLat(lon, lat float64, zoom int) Tile {
	if lat > MaxMercatorLat {
		lat = MaxMercatorLat
	}
	if lat < MinMercatorLat {
		lat = MinMercatorLat
	}
	if lon < -180 {
		lon = -180
	}
	if lon > 180 {
		lon = 180
	}

	n := float64(int(1) << zoom)

	x := int((lon + 180.0) / 360.0 * n)
	if x >= int(n) {
		x = int(n) - 1
	}

	latRad := lat * math.Pi / 180.0
	y := int((1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * n)
	if y >= int(n) {
		y = int(n) - 1
	}
	if y < 0 {
		y = 0
	}

	return Tile{X: x, Y: y, Z: zoom}
}

// Range is a rectangular block of tiles at one zoom level
type Range struct {
	Z          int
	MinX, MaxX int
	MinY, MaxY int
}

// BoundToRange returns the tiles between the corners of b at the given zoom
func BoundToRange(b orb.Bound, zoom int) Range {
	// Y grows southwards, so the north-west corner holds the smallest x and y
	topLeft := FromLonLat(b.Min.Lon(), b.Max.Lat(), zoom)
	bottomRight := FromLonLat(b.Max.Lon(), b.Min.Lat(), zoom)

	return Range{
		Z:    zoom,
		MinX: topLeft.X,
		MaxX: bottomRight.X,
		MinY: topLeft.Y,
		MaxY: bottomRight.Y,
	}
}

// Count returns the number of tiles in the range
func (r Range) Count() int {
	return (r.MaxX - r.MinX + 1) * (r.MaxY - r.MinY + 1)
}

// Tiles returns all tiles in the range in row-major order
func (r Range) Tiles() []Tile {
	tiles := make([]Tile, 0, r.Count())
	for y := r.MinY; y <= r.MaxY; y++ {
		for x := r.MinX; x <= r.MaxX; x++ {
			tiles = append(tiles, Tile{X: x, Y: y, Z: r.Z})
		}
	}
	return tiles
}
