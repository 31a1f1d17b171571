package wikimapia

import (
	"bytes"
	"encoding/xml"
	"io"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/rotisserie/eris"

	"github.com/wegman-software/tilecrawl/internal/source"
)

type kmlGeometry struct {
	Coordinates string `xml:"coordinates"`
}

type kmlPolygon struct {
	Outer kmlGeometry `xml:"outerBoundaryIs>LinearRing"`
}

type kmlGeometries struct {
	Points      []kmlGeometry `xml:"Point"`
	LineStrings []kmlGeometry `xml:"LineString"`
	Polygons    []kmlPolygon  `xml:"Polygon"`
}

type kmlPlacemark struct {
	ID          string `xml:"id,attr"`
	Name        string `xml:"name"`
	Description string `xml:"description"`
	kmlGeometries
	Multi *kmlGeometries `xml:"MultiGeometry"`
}

// parseKML converts every placemark in a KML document into a feature with
// a GeometryCollection of its point and outline. Placemarks may sit at any
// depth. Altitudes and styles are discarded. Every placemark yields a
// feature, even one whose geometry is incomplete, so the count the split
// decision depends on matches the feed.
func parseKML(data []byte) ([]*geojson.Feature, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	// the feed declares its charset but is always served as UTF-8
	dec.CharsetReader = func(_ string, r io.Reader) (io.Reader, error) { return r, nil }

	features := []*geojson.Feature{}
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(source.ErrUnexpectedResponse, "malformed KML: "+err.Error())
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "Placemark" {
			continue
		}

		var pm kmlPlacemark
		if err := dec.DecodeElement(&pm, &se); err != nil {
			return nil, eris.Wrap(source.ErrUnexpectedResponse, "malformed placemark: "+err.Error())
		}
		features = append(features, pm.feature())
	}
	return features, nil
}

// feature keeps the first parsable point and the first parsable outline,
// in that order. A LineString outline is preferred over a polygon ring.
func (pm *kmlPlacemark) feature() *geojson.Feature {
	geoms := []kmlGeometries{pm.kmlGeometries}
	if pm.Multi != nil {
		geoms = append(geoms, *pm.Multi)
	}

	var (
		point    orb.Point
		hasPoint bool
		line     orb.LineString
		ring     orb.LineString
	)
	for _, g := range geoms {
		for _, p := range g.Points {
			if ls, err := parseCoordinates(p.Coordinates); !hasPoint && err == nil && len(ls) == 1 {
				point, hasPoint = ls[0], true
			}
		}
		for _, l := range g.LineStrings {
			if ls, err := parseCoordinates(l.Coordinates); line == nil && err == nil && len(ls) > 1 {
				line = ls
			}
		}
		// some placemarks carry their outline as a polygon ring
		for _, p := range g.Polygons {
			if ls, err := parseCoordinates(p.Outer.Coordinates); ring == nil && err == nil && len(ls) > 1 {
				ring = ls
			}
		}
	}
	if line == nil {
		line = ring
	}

	collection := orb.Collection{}
	if hasPoint {
		collection = append(collection, point)
	}
	if line != nil {
		collection = append(collection, line)
	}

	f := geojson.NewFeature(collection)
	f.ID = pm.ID
	f.Properties["name"] = strings.TrimSpace(pm.Name)
	if d := strings.TrimSpace(pm.Description); d != "" {
		f.Properties["description"] = d
	}
	return f
}

// parseCoordinates reads "lon,lat[,alt] lon,lat[,alt] ..." tuples
func parseCoordinates(s string) (orb.LineString, error) {
	var ls orb.LineString
	for _, tuple := range strings.Fields(s) {
		parts := strings.Split(tuple, ",")
		if len(parts) < 2 {
			return nil, eris.Errorf("bad coordinate tuple %q", tuple)
		}
		lon, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			return nil, eris.Wrapf(err, "bad longitude in %q", tuple)
		}
		lat, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return nil, eris.Wrapf(err, "bad latitude in %q", tuple)
		}
		ls = append(ls, orb.Point{lon, lat})
	}
	if len(ls) == 0 {
		return nil, eris.New("empty coordinates")
	}
	return ls, nil
}
