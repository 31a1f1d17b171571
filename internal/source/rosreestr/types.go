// Package rosreestr crawls capital construction objects and land lots
// from the public cadastral map API.
package rosreestr

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"

	"github.com/wegman-software/tilecrawl/internal/crawl"
	"github.com/wegman-software/tilecrawl/internal/proj"
	"github.com/wegman-software/tilecrawl/internal/source"
)

const (
	// FormatV1 tags cache entries holding a normalized Response
	FormatV1 = "rosreestr/v1"

	// PageSize is the largest page the API returns for one query
	PageSize = 40
	// CompletionTolerance allows for the API returning slightly fewer items
	// than requested even when more exist
	CompletionTolerance = 2
)

// ObjectType is a cadastral object kind
type ObjectType string

const (
	// CCO is a capital construction object (building, structure)
	CCO ObjectType = "cco"
	// Lot is a land lot
	Lot ObjectType = "lot"
)

// ParseObjectType validates an object type name
func ParseObjectType(s string) (ObjectType, error) {
	switch ot := ObjectType(s); ot {
	case CCO, Lot:
		return ot, nil
	default:
		return "", eris.Errorf("unknown cadastral object type %q (expected cco or lot)", s)
	}
}

// TypeCode returns the numeric feature type used in API paths
func (o ObjectType) TypeCode() int {
	if o == Lot {
		return 1
	}
	return 5
}

// Attrs are the feature attributes kept from the API
type Attrs struct {
	Address string `json:"address"`
	CN      string `json:"cn"`
	ID      string `json:"id"`
}

// Feature is a normalized cadastral feature with lon/lat geometry
type Feature struct {
	Attrs Attrs `json:"attrs"`
	// Center is [lon, lat]
	Center orb.Point `json:"center"`
	// Extent is [minLon, minLat, maxLon, maxLat]
	Extent [4]float64 `json:"extent"`
	Sort   int64      `json:"sort,omitempty"`
	Type   int        `json:"type,omitempty"`
	// NoGeometry marks a feature the API returned without center or extent
	NoGeometry bool `json:"noGeometry,omitempty"`
}

// Usable reports whether the feature can be combined. The API sometimes
// returns malformed cadastral numbers or features without geometry; they
// are cached as received and skipped when combining.
func (f Feature) Usable() bool {
	return !f.NoGeometry && ValidCN(f.Attrs.CN)
}

// ExtentBound returns the feature's extent as a bound
func (f Feature) ExtentBound() orb.Bound {
	return orb.Bound{
		Min: orb.Point{f.Extent[0], f.Extent[1]},
		Max: orb.Point{f.Extent[2], f.Extent[3]},
	}
}

// Response is the normalized payload stored for a tile
type Response struct {
	Total    int       `json:"total"`
	Features []Feature `json:"features"`
}

// Status derives the completeness verdict from the feature count
func (r Response) Status() (crawl.Status, error) {
	n := len(r.Features)
	if n > PageSize {
		return 0, eris.Wrapf(source.ErrUnexpectedResponse, "unexpected number of features %d", n)
	}
	if n >= PageSize-CompletionTolerance {
		return crawl.NeedsSplitting, nil
	}
	return crawl.Complete, nil
}

// wire format as returned by the API, coordinates in EPSG:3857
type rawResponse struct {
	Total    int          `json:"total"`
	Features []rawFeature `json:"features"`
}

type rawFeature struct {
	Attrs  *Attrs `json:"attrs"`
	Center *struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	} `json:"center"`
	Extent *struct {
		XMin float64 `json:"xmin"`
		YMin float64 `json:"ymin"`
		XMax float64 `json:"xmax"`
		YMax float64 `json:"ymax"`
	} `json:"extent"`
	Sort int64 `json:"sort"`
	Type int   `json:"type"`
}

// normalize reprojects a raw response to lon/lat. Only a page larger than
// the API limit is rejected; individual features are kept whatever their
// attributes, so the tile's feature count stays intact.
func normalize(raw *rawResponse, tr *proj.Transformer) (*Response, error) {
	if len(raw.Features) > PageSize {
		return nil, eris.Wrapf(source.ErrUnexpectedResponse, "got %d features, page size is %d", len(raw.Features), PageSize)
	}

	resp := &Response{Total: raw.Total, Features: make([]Feature, 0, len(raw.Features))}
	for _, rf := range raw.Features {
		f := Feature{Sort: rf.Sort, Type: rf.Type}
		if rf.Attrs != nil {
			f.Attrs = *rf.Attrs
		}
		if rf.Center == nil || rf.Extent == nil {
			f.NoGeometry = true
			resp.Features = append(resp.Features, f)
			continue
		}

		f.Center = tr.Point(orb.Point{rf.Center.X, rf.Center.Y})
		ext := tr.Bound(orb.Bound{
			Min: orb.Point{rf.Extent.XMin, rf.Extent.YMin},
			Max: orb.Point{rf.Extent.XMax, rf.Extent.YMax},
		})
		f.Extent = [4]float64{ext.Min.Lon(), ext.Min.Lat(), ext.Max.Lon(), ext.Max.Lat()}
		resp.Features = append(resp.Features, f)
	}
	return resp, nil
}

var cnPattern = regexp.MustCompile(`^(0:0:0|\d{2}:\d{2}:\d{6,7}):\d{1,6}$`)

// ValidCN reports whether cn looks like a cadastral number
func ValidCN(cn string) bool {
	return cnPattern.MatchString(cn)
}

// CNToID converts a cadastral number to the API's internal id by dropping
// leading zeros from every chunk: "42:02:0000012:42" becomes "42:2:12:42".
func CNToID(cn string) string {
	parts := strings.Split(cn, ":")
	for i, p := range parts {
		if n, err := strconv.ParseInt(p, 10, 64); err == nil {
			parts[i] = strconv.FormatInt(n, 10)
		}
	}
	return strings.Join(parts, ":")
}
