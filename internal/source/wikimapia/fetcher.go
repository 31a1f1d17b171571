// Package wikimapia crawls the public KML feed of user-drawn places.
package wikimapia

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/paulmach/orb/geojson"
	"github.com/rotisserie/eris"

	"github.com/wegman-software/tilecrawl/internal/cache"
	"github.com/wegman-software/tilecrawl/internal/crawl"
	"github.com/wegman-software/tilecrawl/internal/source"
	"github.com/wegman-software/tilecrawl/internal/tile"
	"github.com/wegman-software/tilecrawl/internal/upstream"
)

const (
	// ObjectType is the cache namespace for wikimapia tiles
	ObjectType = "wikimapia"
	// FormatV1 tags cache entries holding a feature list
	FormatV1 = "wikimapia/v1"
	// SplitThreshold is the feature count at which the feed is assumed to
	// have truncated its answer
	SplitThreshold = 100

	DefaultBaseURL = "http://wikimapia.org"
	DefaultTimeout = 20 * time.Second
)

// Response is the list of placemarks found in one tile
type Response []*geojson.Feature

// Status derives the tile verdict from the feature count
func (r Response) Status() crawl.Status {
	if len(r) >= SplitThreshold {
		return crawl.NeedsSplitting
	}
	return crawl.Complete
}

// Options configures a Fetcher
type Options struct {
	BaseURL string
	// Timeout bounds one request including retries
	Timeout time.Duration
	// Delay is the pause after every request
	Delay time.Duration
}

// Fetcher implements crawl.Fetcher for the KML feed
type Fetcher struct {
	store   *cache.Store
	client  *upstream.Client
	baseURL string
	timeout time.Duration
	delay   time.Duration
	now     func() time.Time
}

// NewFetcher creates a fetcher
func NewFetcher(store *cache.Store, client *upstream.Client, opts Options) (*Fetcher, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Delay < 0 {
		return nil, eris.Errorf("request delay must not be negative, got %s", opts.Delay)
	}
	return &Fetcher{
		store:   store,
		client:  client,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		timeout: opts.Timeout,
		delay:   opts.Delay,
		now:     time.Now,
	}, nil
}

// Fetch returns the tile's verdict, querying the feed on a cache miss
func (f *Fetcher) Fetch(ctx context.Context, t tile.Tile) (crawl.Verdict, error) {
	path := f.store.Path(ObjectType, t)

	entry, err := cache.Read[Response](f.store, ObjectType, t)
	switch {
	case err == nil:
		if err := entry.CheckFormat(FormatV1); err != nil {
			return crawl.Verdict{}, err
		}
		return verdict(path, entry.Response, crawl.CacheUsed), nil
	case !eris.Is(err, cache.ErrNotFound):
		return crawl.Verdict{}, err
	}

	// the feed is queried with the bare tile, neighbours overlap enough
	b := t.Bound()
	reqCtx, cancel := context.WithTimeout(ctx, f.timeout)
	body, err := f.client.GetOK(reqCtx, f.baseURL+"/d", url.Values{"BBOX": {source.BBoxParam(b)}})
	cancel()
	if pauseErr := upstream.Pause(ctx, f.delay); err == nil && pauseErr != nil {
		err = pauseErr
	}
	if err != nil {
		return crawl.Verdict{}, err
	}

	features, err := parseKML(body)
	if err != nil {
		return crawl.Verdict{}, eris.Wrapf(err, "tile %s", t)
	}

	resp := Response(features)
	if err := cache.Write(f.store, ObjectType, &cache.Entry[Response]{
		Tile:          t,
		FetchedAt:     f.now().UTC(),
		FetchedExtent: geojson.NewGeometry(b.ToPolygon()),
		Format:        FormatV1,
		Response:      resp,
	}); err != nil {
		return crawl.Verdict{}, err
	}
	return verdict(path, resp, crawl.CacheNotUsed), nil
}

func verdict(path string, resp Response, cs crawl.CacheStatus) crawl.Verdict {
	return crawl.Verdict{
		Status:  resp.Status(),
		Cache:   cs,
		Comment: source.Comment(path, len(resp)),
	}
}
