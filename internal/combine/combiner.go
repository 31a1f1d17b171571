// Package combine rebuilds one deduplicated feature collection from the
// patchwork of overlapping tiles in the cache.
package combine

import (
	"context"
	"os"
	"reflect"
	"runtime"

	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wegman-software/tilecrawl/internal/cache"
	"github.com/wegman-software/tilecrawl/internal/crawl"
)

// Policy decides which duplicate survives deduplication
type Policy string

const (
	// FirstWins keeps the record from the earliest tile in enumeration order
	FirstWins Policy = "first-wins"
	// LastWins keeps the record from the latest tile in enumeration order
	LastWins Policy = "last-wins"
	// Strict keeps the first record and fails if a duplicate differs from it
	Strict Policy = "strict"
)

// ErrDivergentDuplicate is returned under Strict when duplicates disagree
var ErrDivergentDuplicate = eris.New("duplicate records differ")

// ParsePolicy validates a policy name
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case FirstWins, LastWins, Strict:
		return p, nil
	case "":
		return FirstWins, nil
	default:
		return "", eris.Errorf("unknown dedup policy %q (expected first-wins, last-wins or strict)", s)
	}
}

// provenanceKeys are properties that legitimately differ between duplicates
var provenanceKeys = map[string]bool{"tileId": true}

// Options configures a Combiner
type Options struct {
	Workers int
	Policy  Policy
}

// Combiner reads a tile cache and produces deduplicated records
type Combiner struct {
	store   *cache.Store
	workers int
	policy  Policy
	log     *zap.Logger
}

// New creates a combiner over store
func New(store *cache.Store, opts Options, log *zap.Logger) *Combiner {
	if opts.Workers < 1 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.Policy == "" {
		opts.Policy = FirstWins
	}
	return &Combiner{store: store, workers: opts.Workers, policy: opts.Policy, log: log}
}

// Combine decodes every cached tile of the decoder's object type and merges
// the complete ones. A tile that cannot be decoded fails the whole run.
func (c *Combiner) Combine(ctx context.Context, d Decoder) (*Result, error) {
	objectType := d.ObjectType()
	listings, err := c.store.List(objectType)
	if err != nil {
		return nil, err
	}

	contents := make([]*TileContent, len(listings))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i, l := range listings {
		i, l := i, l
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := os.ReadFile(l.Path)
			if err != nil {
				return eris.Wrapf(err, "failed to read %s", l.Path)
			}
			tc, err := d.Decode(data)
			if err != nil {
				return eris.Wrapf(err, "corrupt tile file %s", l.Path)
			}
			if tc.Tile != l.Tile {
				return eris.Errorf("corrupt tile file %s: holds tile %s", l.Path, tc.Tile)
			}
			contents[i] = tc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{ObjectType: objectType}
	centers := newDeduper(c.policy)
	extents := newDeduper(c.policy)

	for _, tc := range contents {
		res.Stats.Tiles++
		if tc.Status != crawl.Complete {
			res.Stats.SkippedTiles++
			continue
		}
		res.Stats.CompleteTiles++

		res.Coverage = append(res.Coverage, Coverage{
			Tile:         tc.Tile,
			FetchedAt:    tc.FetchedAt,
			Extent:       tc.FetchedExtent,
			FeatureCount: len(tc.Features),
		})

		for _, f := range tc.Features {
			if f.EmbeddedID != "" && f.DerivedID != f.EmbeddedID {
				res.Stats.IDMismatches++
				c.log.Error("Id mismatch detected, downstream consumers may fail",
					zap.String("external_id", f.ExternalID),
					zap.String("derived_id", f.DerivedID),
					zap.String("real_id", f.EmbeddedID),
					zap.Stringer("tile", tc.Tile),
				)
			}

			if err := c.add(centers, &res.Stats, Record{
				ExternalID: f.ExternalID,
				Tile:       tc.Tile,
				Geometry:   f.Center,
				Properties: f.CenterProperties,
			}); err != nil {
				return nil, err
			}
			if f.Extent == nil {
				continue
			}
			if err := c.add(extents, &res.Stats, Record{
				ExternalID: f.ExternalID,
				Tile:       tc.Tile,
				Geometry:   f.Extent,
				Properties: f.ExtentProperties,
			}); err != nil {
				return nil, err
			}
		}
	}

	res.Centers = centers.records
	res.Extents = extents.records
	res.Stats.RawCenters = centers.raw
	res.Stats.Centers = len(centers.records)
	res.Stats.RawExtents = extents.raw
	res.Stats.Extents = len(extents.records)

	c.log.Info("Combined tiles",
		zap.String("object_type", objectType),
		zap.Int("tiles", res.Stats.Tiles),
		zap.Int("complete", res.Stats.CompleteTiles),
		zap.Int("skipped", res.Stats.SkippedTiles),
		zap.Int("raw", res.Stats.RawCenters),
		zap.Int("unique", res.Stats.Centers),
	)
	if res.Stats.RawCenters > 0 && res.Stats.Removed() == 0 && res.Stats.CompleteTiles > 1 {
		c.log.Warn("No duplicates across tiles, the per-zoom buffer may be too small to catch boundary features",
			zap.String("object_type", objectType),
		)
	}

	return res, nil
}

func (c *Combiner) add(d *deduper, stats *Stats, r Record) error {
	prev, divergent := d.add(r)
	if !divergent {
		return nil
	}

	stats.Divergent++
	c.log.Warn("Duplicate records differ",
		zap.String("external_id", r.ExternalID),
		zap.Stringer("first_tile", prev.Tile),
		zap.Stringer("tile", r.Tile),
		zap.String("policy", string(c.policy)),
	)
	if c.policy == Strict {
		return eris.Wrapf(ErrDivergentDuplicate, "%s in tiles %s and %s", r.ExternalID, prev.Tile, r.Tile)
	}
	return nil
}

// deduper keeps one record per external id in first-seen order
type deduper struct {
	policy  Policy
	index   map[string]int
	records []Record
	raw     int
}

func newDeduper(p Policy) *deduper {
	return &deduper{policy: p, index: make(map[string]int)}
}

// add inserts r and reports the record it collided with, if the two differ
func (d *deduper) add(r Record) (Record, bool) {
	d.raw++
	i, seen := d.index[r.ExternalID]
	if !seen {
		d.index[r.ExternalID] = len(d.records)
		d.records = append(d.records, r)
		return Record{}, false
	}

	prev := d.records[i]
	if d.policy == LastWins {
		d.records[i] = r
	}
	return prev, !sameRecord(prev, r)
}

func sameRecord(a, b Record) bool {
	if !orb.Equal(a.Geometry, b.Geometry) {
		return false
	}
	return reflect.DeepEqual(withoutProvenance(a.Properties), withoutProvenance(b.Properties))
}

func withoutProvenance(props map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(props))
	for k, v := range props {
		if !provenanceKeys[k] {
			out[k] = v
		}
	}
	return out
}
