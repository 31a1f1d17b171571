// Package osmtiles mirrors raster map tiles from an OpenStreetMap tile
// server, or asks the server to re-render them.
package osmtiles

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/wegman-software/tilecrawl/internal/cache"
	"github.com/wegman-software/tilecrawl/internal/crawl"
	"github.com/wegman-software/tilecrawl/internal/tile"
	"github.com/wegman-software/tilecrawl/internal/upstream"
)

const (
	DefaultBaseURL = "https://tile.openstreetmap.org"
	// Namespace is the cache directory holding image versions
	Namespace = "osm-tiles"

	ext = "png"
)

// Options configures a Fetcher
type Options struct {
	BaseURL string
	// Version names the subdirectory the images go to, so that repeated
	// downloads of the same area can be compared
	Version string
	// MaxZoom is the zoom at which tiles stop splitting
	MaxZoom int
	// MarkDirty requests a re-render instead of downloading
	MarkDirty bool
}

// Fetcher implements crawl.Fetcher for raster tiles. The verdict only
// depends on zoom: every tile above MaxZoom splits.
type Fetcher struct {
	store     *cache.Store
	client    *upstream.Client
	baseURL   string
	namespace string
	maxZoom   int
	markDirty bool
}

// NewFetcher creates a fetcher
func NewFetcher(store *cache.Store, client *upstream.Client, opts Options) (*Fetcher, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if !opts.MarkDirty && opts.Version == "" {
		return nil, eris.New("tile version is required")
	}
	if strings.ContainsAny(opts.Version, `/\`) || opts.Version == "." || opts.Version == ".." {
		return nil, eris.Errorf("invalid tile version %q", opts.Version)
	}
	if opts.MaxZoom < 0 || opts.MaxZoom > tile.MaxZoom {
		return nil, eris.Errorf("max zoom %d out of range", opts.MaxZoom)
	}
	return &Fetcher{
		store:     store,
		client:    client,
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		namespace: Namespace + "/" + opts.Version,
		maxZoom:   opts.MaxZoom,
		markDirty: opts.MarkDirty,
	}, nil
}

// Path returns where the image of t is stored
func (f *Fetcher) Path(t tile.Tile) string {
	return f.store.BlobPath(f.namespace, t, ext)
}

// Fetch downloads the tile image unless it is already stored
func (f *Fetcher) Fetch(ctx context.Context, t tile.Tile) (crawl.Verdict, error) {
	status := crawl.NeedsSplitting
	if t.Z >= f.maxZoom {
		status = crawl.Complete
	}
	u := fmt.Sprintf("%s/%d/%d/%d.%s", f.baseURL, t.Z, t.X, t.Y, ext)

	if f.markDirty {
		if _, err := f.client.GetOK(ctx, u+"/dirty", nil); err != nil {
			return crawl.Verdict{}, err
		}
		return crawl.Verdict{Status: status, Cache: crawl.CacheNotUsed, Comment: u}, nil
	}

	path := f.Path(t)
	found, err := f.store.HasBlob(f.namespace, t, ext)
	if err != nil {
		return crawl.Verdict{}, err
	}
	if found {
		return crawl.Verdict{Status: status, Cache: crawl.CacheUsed, Comment: path}, nil
	}

	body, err := f.client.GetOK(ctx, u, nil)
	if err != nil {
		return crawl.Verdict{}, err
	}
	if len(body) == 0 {
		return crawl.Verdict{}, eris.Errorf("empty image for tile %s", t)
	}
	if err := f.store.WriteBlob(f.namespace, t, ext, body); err != nil {
		return crawl.Verdict{}, err
	}
	return crawl.Verdict{Status: status, Cache: crawl.CacheNotUsed, Comment: path}, nil
}
