// Package territory holds the area of interest a crawl must cover.
package territory

import (
	"encoding/json"
	"os"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/rotisserie/eris"
)

// ErrNotPolygonal is returned when the supplied geometry has no area
var ErrNotPolygonal = eris.New("territory must be a polygon or multipolygon")

// Extent is a read-only polygonal area of interest
type Extent struct {
	geom  orb.MultiPolygon
	bound orb.Bound
}

// New builds an extent from a Polygon, MultiPolygon or Bound
func New(g orb.Geometry) (*Extent, error) {
	var mp orb.MultiPolygon
	switch v := g.(type) {
	case orb.Polygon:
		mp = orb.MultiPolygon{v}
	case orb.MultiPolygon:
		mp = v
	case orb.Bound:
		mp = orb.MultiPolygon{v.ToPolygon()}
	default:
		return nil, eris.Wrapf(ErrNotPolygonal, "got %T", g)
	}
	if len(mp) == 0 || planar.Area(mp) <= 0 {
		return nil, eris.Wrap(ErrNotPolygonal, "geometry is empty")
	}
	return &Extent{geom: mp, bound: mp.Bound()}, nil
}

// FromBound builds a rectangular extent
func FromBound(b orb.Bound) *Extent {
	mp := orb.MultiPolygon{b.ToPolygon()}
	return &Extent{geom: mp, bound: b}
}

// Load reads an extent from a GeoJSON file
func Load(path string) (*Extent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read territory %s", path)
	}
	ext, err := Parse(data)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse territory %s", path)
	}
	return ext, nil
}

// Parse decodes a GeoJSON FeatureCollection, Feature or bare geometry.
// All polygonal members of a collection are merged into one multipolygon.
func Parse(data []byte) (*Extent, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, eris.Wrap(err, "invalid GeoJSON")
	}

	switch probe.Type {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return nil, eris.Wrap(err, "invalid feature collection")
		}
		var mp orb.MultiPolygon
		for _, f := range fc.Features {
			mp = appendPolygonal(mp, f.Geometry)
		}
		return New(mp)
	case "Feature":
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return nil, eris.Wrap(err, "invalid feature")
		}
		return New(f.Geometry)
	default:
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return nil, eris.Wrap(err, "invalid geometry")
		}
		return New(g.Geometry())
	}
}

func appendPolygonal(mp orb.MultiPolygon, g orb.Geometry) orb.MultiPolygon {
	switch v := g.(type) {
	case orb.Polygon:
		return append(mp, v)
	case orb.MultiPolygon:
		return append(mp, v...)
	}
	return mp
}

// Bound returns the extent's bounding box
func (e *Extent) Bound() orb.Bound {
	return e.bound
}

// Geometry returns the extent as a multipolygon
func (e *Extent) Geometry() orb.MultiPolygon {
	return e.geom
}

// Intersects reports whether the extent and b share a region of positive area.
// Touching along an edge or at a corner does not count.
func (e *Extent) Intersects(b orb.Bound) bool {
	if !e.bound.Intersects(b) {
		return false
	}
	clipped := clip.MultiPolygon(b, e.geom.Clone())
	if len(clipped) == 0 {
		return false
	}
	return planar.Area(clipped) > 0
}
