package osmbuildings

import (
	"context"
	"net/http"
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

const DefaultBaseURL = "https://api.openstreetmap.org"

// Options configures a Fetcher
type Options struct {
	BaseURL string
	// Delay is the pause after every request
	Delay time.Duration
}

// Fetcher implements crawl.Fetcher for the map call
type Fetcher struct {
	store   *cache.Store
	client  *upstream.Client
	baseURL string
	delay   time.Duration
	now     func() time.Time
}

// NewFetcher creates a fetcher
func NewFetcher(store *cache.Store, client *upstream.Client, opts Options) (*Fetcher, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Delay < 0 {
		return nil, eris.Errorf("request delay must not be negative, got %s", opts.Delay)
	}
	return &Fetcher{
		store:   store,
		client:  client,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		delay:   opts.Delay,
		now:     time.Now,
	}, nil
}

// Fetch returns the tile's verdict, calling the API on a cache miss. A
// refused area is cached like any other answer so that a resumed crawl
// goes straight to the children.
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

	b := source.QueryBound(t)
	resp, err := f.client.Get(ctx, f.baseURL+"/api/0.6/map", url.Values{"bbox": {source.BBoxParam(b)}})
	if pauseErr := upstream.Pause(ctx, f.delay); err == nil && pauseErr != nil {
		err = pauseErr
	}
	if err != nil {
		return crawl.Verdict{}, err
	}

	var r Response
	switch resp.StatusCode {
	case http.StatusOK:
		r.Buildings, err = parseMap(resp.Body)
		if err != nil {
			return crawl.Verdict{}, eris.Wrapf(err, "tile %s", t)
		}
	case http.StatusBadRequest:
		r.TooLarge = true
		r.Buildings = []Building{}
	default:
		return crawl.Verdict{}, eris.Wrapf(upstream.ErrStatus, "map call for tile %s returned %d", t, resp.StatusCode)
	}

	if err := cache.Write(f.store, ObjectType, &cache.Entry[Response]{
		Tile:          t,
		FetchedAt:     f.now().UTC(),
		FetchedExtent: geojson.NewGeometry(b.ToPolygon()),
		Format:        FormatV1,
		Response:      r,
	}); err != nil {
		return crawl.Verdict{}, err
	}
	return verdict(path, r, crawl.CacheNotUsed), nil
}

func verdict(path string, r Response, cs crawl.CacheStatus) crawl.Verdict {
	comment := source.Comment(path, len(r.Buildings))
	if r.TooLarge {
		comment = path + " too large"
	}
	return crawl.Verdict{Status: r.Status(), Cache: cs, Comment: comment}
}
