package proj

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
	"github.com/rotisserie/eris"
)

// SRID constants for supported projections
const (
	SRID4326 = 4326 // WGS84 (lat/lon)
	SRID3857 = 3857 // Web Mercator
)

// Transformer converts coordinates between two supported projections
type Transformer struct {
	SourceSRID int
	TargetSRID int
}

// NewTransformer creates a transformer from source to target SRID
func NewTransformer(sourceSRID, targetSRID int) (*Transformer, error) {
	for _, srid := range []int{sourceSRID, targetSRID} {
		if srid != SRID4326 && srid != SRID3857 {
			return nil, eris.Errorf("unsupported SRID: %d (only 4326 and 3857 supported)", srid)
		}
	}
	return &Transformer{SourceSRID: sourceSRID, TargetSRID: targetSRID}, nil
}

// Transform converts a single coordinate pair
func (t *Transformer) Transform(x, y float64) (float64, float64) {
	switch {
	case t.SourceSRID == t.TargetSRID:
		return x, y
	case t.SourceSRID == SRID4326:
		return lonLatToWebMercator(x, y)
	default:
		return webMercatorToLonLat(x, y)
	}
}

// Point converts an orb point
func (t *Transformer) Point(p orb.Point) orb.Point {
	x, y := t.Transform(p[0], p[1])
	return orb.Point{x, y}
}

// Bound converts both corners of an orb bound
func (t *Transformer) Bound(b orb.Bound) orb.Bound {
	return orb.Bound{Min: t.Point(b.Min), Max: t.Point(b.Max)}
}

// Geometry returns a converted copy of g
func (t *Transformer) Geometry(g orb.Geometry) orb.Geometry {
	if g == nil || !t.NeedsTransform() {
		return g
	}
	return project.Geometry(orb.Clone(g), t.Point)
}

// NeedsTransform returns true if transformation is required
func (t *Transformer) NeedsTransform() bool {
	return t.SourceSRID != t.TargetSRID
}

// Web Mercator constants
const (
	// Semi-major axis of WGS84 ellipsoid in meters
	earthRadius = 6378137.0
	// Maximum extent of Web Mercator
	maxExtent = 20037508.342789244
)

// lonLatToWebMercator converts WGS84 (lon, lat) to Web Mercator (x, y)
func lonLatToWebMercator(lon, lat float64) (x, y float64) {
	// Clamp latitude to avoid infinity at poles
	if lat > 85.06 {
		lat = 85.06
	} else if lat < -85.06 {
		lat = -85.06
	}

	x = lon * maxExtent / 180.0
	latRad := lat * math.Pi / 180.0
	y = math.Log(math.Tan(math.Pi/4.0+latRad/2.0)) * earthRadius
	return x, y
}

// webMercatorToLonLat converts Web Mercator (x, y) to WGS84 (lon, lat)
func webMercatorToLonLat(x, y float64) (lon, lat float64) {
	lon = x * 180.0 / maxExtent
	lat = (2*math.Atan(math.Exp(y/earthRadius)) - math.Pi/2) * 180.0 / math.Pi
	return lon, lat
}

// ParseSRID parses a projection string to SRID
// Accepts: "4326", "3857", "EPSG:4326", "EPSG:3857"
func ParseSRID(s string) (int, error) {
	switch s {
	case "4326", "EPSG:4326":
		return SRID4326, nil
	case "3857", "EPSG:3857":
		return SRID3857, nil
	default:
		return 0, eris.Errorf("unsupported projection: %s (supported: 4326, 3857)", s)
	}
}
