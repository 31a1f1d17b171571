package rosreestr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb/geojson"
	"github.com/rotisserie/eris"

	"github.com/wegman-software/tilecrawl/internal/cache"
	"github.com/wegman-software/tilecrawl/internal/crawl"
	"github.com/wegman-software/tilecrawl/internal/proj"
	"github.com/wegman-software/tilecrawl/internal/source"
	"github.com/wegman-software/tilecrawl/internal/tile"
	"github.com/wegman-software/tilecrawl/internal/upstream"
)

// Defaults for Options
const (
	DefaultBaseURL = "https://pkk.rosreestr.ru"
	// DefaultDelay keeps the crawl under the API's undocumented ban
	// threshold of roughly 50 requests per minute
	DefaultDelay = 500 * time.Millisecond
	// queryTolerance is the API's spatial tolerance parameter
	queryTolerance = 2
)

// Options configures a Fetcher
type Options struct {
	BaseURL string
	// Delay is the pause after every request
	Delay time.Duration
}

// Fetcher implements crawl.Fetcher for one cadastral object type
type Fetcher struct {
	store      *cache.Store
	client     *upstream.Client
	objectType ObjectType
	baseURL    string
	delay      time.Duration
	toLonLat   *proj.Transformer
	now        func() time.Time
}

// NewFetcher creates a fetcher
func NewFetcher(store *cache.Store, client *upstream.Client, objectType ObjectType, opts Options) (*Fetcher, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Delay < 0 {
		return nil, eris.Errorf("request delay must not be negative, got %s", opts.Delay)
	}
	tr, err := proj.NewTransformer(proj.SRID3857, proj.SRID4326)
	if err != nil {
		return nil, err
	}
	return &Fetcher{
		store:      store,
		client:     client,
		objectType: objectType,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		delay:      opts.Delay,
		toLonLat:   tr,
		now:        time.Now,
	}, nil
}

// Fetch returns the tile's verdict, querying the API on a cache miss
func (f *Fetcher) Fetch(ctx context.Context, t tile.Tile) (crawl.Verdict, error) {
	ot := string(f.objectType)
	path := f.store.Path(ot, t)

	entry, err := cache.Read[Response](f.store, ot, t)
	switch {
	case err == nil:
		if err := entry.CheckFormat(FormatV1); err != nil {
			return crawl.Verdict{}, err
		}
		return verdict(path, entry.Response, crawl.CacheUsed)
	case !eris.Is(err, cache.ErrNotFound):
		return crawl.Verdict{}, err
	}

	query := source.QueryBound(t).ToPolygon()
	extent := geojson.NewGeometry(query)
	sq, err := json.Marshal(extent)
	if err != nil {
		return crawl.Verdict{}, eris.Wrap(err, "failed to encode query polygon")
	}

	body, err := f.client.GetOK(ctx,
		fmt.Sprintf("%s/api/features/%d", f.baseURL, f.objectType.TypeCode()),
		url.Values{
			"sq":        {string(sq)},
			"tolerance": {strconv.Itoa(queryTolerance)},
			"limit":     {strconv.Itoa(PageSize)},
		})
	// the pause follows every request, failed ones included
	if pauseErr := upstream.Pause(ctx, f.delay); err == nil && pauseErr != nil {
		err = pauseErr
	}
	if err != nil {
		return crawl.Verdict{}, err
	}

	var raw rawResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return crawl.Verdict{}, eris.Wrap(source.ErrUnexpectedResponse, err.Error())
	}
	resp, err := normalize(&raw, f.toLonLat)
	if err != nil {
		return crawl.Verdict{}, err
	}

	if err := cache.Write(f.store, ot, &cache.Entry[Response]{
		Tile:          t,
		FetchedAt:     f.now().UTC(),
		FetchedExtent: extent,
		Format:        FormatV1,
		Response:      *resp,
	}); err != nil {
		return crawl.Verdict{}, err
	}

	return verdict(path, *resp, crawl.CacheNotUsed)
}

func verdict(path string, resp Response, cs crawl.CacheStatus) (crawl.Verdict, error) {
	status, err := resp.Status()
	if err != nil {
		return crawl.Verdict{}, err
	}
	return crawl.Verdict{
		Status:  status,
		Cache:   cs,
		Comment: source.Comment(path, len(resp.Features)),
	}, nil
}
