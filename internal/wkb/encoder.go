package wkb

import (
	"encoding/binary"
	"math"

	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
)

// WKB type constants (ISO SQL/MM specification)
const (
	wkbPoint              = 1
	wkbLineString         = 2
	wkbPolygon            = 3
	wkbMultiPoint         = 4
	wkbMultiLineString    = 5
	wkbMultiPolygon       = 6
	wkbGeometryCollection = 7

	// SRID flag for EWKB (PostGIS extended WKB)
	wkbSRIDFlag = 0x20000000
)

// Common SRID constants
const (
	SRID4326 = 4326 // WGS84
	SRID3857 = 3857 // Web Mercator
)

// Encoder encodes orb geometries to EWKB.
// Uses little-endian byte order; only the outermost geometry carries the SRID.
type Encoder struct {
	buf  []byte
	srid uint32
}

// NewEncoder creates a new WKB encoder with pre-allocated buffer and default SRID 4326
func NewEncoder(initialSize int) *Encoder {
	return NewEncoderWithSRID(initialSize, SRID4326)
}

// NewEncoderWithSRID creates a new WKB encoder with specified SRID
func NewEncoderWithSRID(initialSize int, srid int) *Encoder {
	return &Encoder{
		buf:  make([]byte, 0, initialSize),
		srid: uint32(srid),
	}
}

// SRID returns the encoder's current SRID
func (e *Encoder) SRID() int {
	return int(e.srid)
}

// Encode returns the EWKB of g. The returned slice is reused by the next
// call; copy it if it must outlive the encoder's next use.
func (e *Encoder) Encode(g orb.Geometry) ([]byte, error) {
	e.buf = e.buf[:0]
	if err := e.geometry(g, true); err != nil {
		return nil, err
	}
	return e.buf, nil
}

func (e *Encoder) header(typ uint32, withSRID bool) {
	e.buf = append(e.buf, 0x01) // little-endian
	if withSRID {
		e.buf = binary.LittleEndian.AppendUint32(e.buf, typ|wkbSRIDFlag)
		e.buf = binary.LittleEndian.AppendUint32(e.buf, e.srid)
		return
	}
	e.buf = binary.LittleEndian.AppendUint32(e.buf, typ)
}

func (e *Encoder) geometry(g orb.Geometry, top bool) error {
	switch g := g.(type) {
	case orb.Point:
		e.header(wkbPoint, top)
		e.point(g)
	case orb.MultiPoint:
		e.header(wkbMultiPoint, top)
		e.count(len(g))
		for _, p := range g {
			e.header(wkbPoint, false)
			e.point(p)
		}
	case orb.LineString:
		e.header(wkbLineString, top)
		e.points(g)
	case orb.MultiLineString:
		e.header(wkbMultiLineString, top)
		e.count(len(g))
		for _, ls := range g {
			e.header(wkbLineString, false)
			e.points(ls)
		}
	case orb.Ring:
		e.header(wkbPolygon, top)
		e.count(1)
		e.points(g)
	case orb.Polygon:
		e.header(wkbPolygon, top)
		e.rings(g)
	case orb.MultiPolygon:
		e.header(wkbMultiPolygon, top)
		e.count(len(g))
		for _, p := range g {
			e.header(wkbPolygon, false)
			e.rings(p)
		}
	case orb.Bound:
		return e.geometry(g.ToPolygon(), top)
	case orb.Collection:
		e.header(wkbGeometryCollection, top)
		e.count(len(g))
		for _, c := range g {
			if err := e.geometry(c, false); err != nil {
				return err
			}
		}
	case nil:
		return eris.New("cannot encode nil geometry")
	default:
		return eris.Errorf("unsupported geometry type %T", g)
	}
	return nil
}

func (e *Encoder) count(n int) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(n))
}

func (e *Encoder) point(p orb.Point) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, math.Float64bits(p[0])) // lon
	e.buf = binary.LittleEndian.AppendUint64(e.buf, math.Float64bits(p[1])) // lat
}

func (e *Encoder) points(ps []orb.Point) {
	e.count(len(ps))
	for _, p := range ps {
		e.point(p)
	}
}

func (e *Encoder) rings(p orb.Polygon) {
	e.count(len(p))
	for _, r := range p {
		e.points(r)
	}
}
