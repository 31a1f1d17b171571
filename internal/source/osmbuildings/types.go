// Package osmbuildings crawls building outlines through the OpenStreetMap
// editing API, which refuses bounding boxes holding too many nodes.
package osmbuildings

import (
	"encoding/xml"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/osm"
	"github.com/rotisserie/eris"

	"github.com/wegman-software/tilecrawl/internal/crawl"
	"github.com/wegman-software/tilecrawl/internal/source"
)

const (
	// ObjectType is the cache namespace for building tiles
	ObjectType = "osm-building"
	// FormatV1 tags cache entries holding a Response
	FormatV1 = "osm-buildings/v1"
)

// Building is one way tagged building=*
type Building struct {
	ID     int64             `json:"id"`
	Tags   map[string]string `json:"tags"`
	Center orb.Point         `json:"center"`
	Extent orb.Polygon       `json:"extent"`
}

// FeatureID returns the OSM feature id, e.g. "way/123"
func (b Building) FeatureID() string {
	return osm.WayID(b.ID).FeatureID().String()
}

// Response is the normalized content of one map call
type Response struct {
	// TooLarge is set when the API refused the area
	TooLarge  bool       `json:"tooLarge,omitempty"`
	Buildings []Building `json:"buildings"`
}

// Status derives the tile verdict
func (r Response) Status() crawl.Status {
	if r.TooLarge {
		return crawl.NeedsSplitting
	}
	return crawl.Complete
}

// ParseWayID reads the numeric id out of "way/<id>"
func ParseWayID(featureID string) (int64, error) {
	rest, ok := strings.CutPrefix(featureID, "way/")
	if !ok {
		return 0, eris.Errorf("unexpected feature id %q, should be way/123", featureID)
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		return 0, eris.Errorf("unexpected feature id %q, should be way/123", featureID)
	}
	return id, nil
}

// parseMap extracts buildings from an OSM XML document. Ways reference
// their nodes by id; the map call returns every node of every way it
// includes, so a dangling reference means the document is truncated.
func parseMap(data []byte) ([]Building, error) {
	var doc osm.OSM
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrap(source.ErrUnexpectedResponse, "malformed OSM XML: "+err.Error())
	}

	coords := make(map[osm.NodeID]orb.Point, len(doc.Nodes))
	for _, n := range doc.Nodes {
		coords[n.ID] = orb.Point{n.Lon, n.Lat}
	}

	buildings := []Building{}
	for _, w := range doc.Ways {
		if w.Tags.Find("building") == "" || len(w.Nodes) < 4 {
			continue
		}

		ring := make(orb.Ring, 0, len(w.Nodes))
		for _, wn := range w.Nodes {
			p, ok := coords[wn.ID]
			if !ok {
				return nil, eris.Wrapf(source.ErrUnexpectedResponse, "way %d references missing node %d", w.ID, wn.ID)
			}
			ring = append(ring, p)
		}
		if !ring.Closed() {
			continue
		}

		poly := orb.Polygon{ring}
		center, area := planar.CentroidArea(poly)
		if area == 0 {
			center = poly.Bound().Center()
		}
		buildings = append(buildings, Building{
			ID:     int64(w.ID),
			Tags:   w.Tags.Map(),
			Center: center,
			Extent: poly,
		})
	}
	return buildings, nil
}
