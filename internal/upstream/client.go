// Package upstream is the HTTP layer shared by all tile fetchers.
package upstream

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrStatus is returned by GetOK for any non-200 response
var ErrStatus = eris.New("unexpected HTTP status")

// Options configures a Client
type Options struct {
	UserAgent    string
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	// RequestsPerSecond caps the request rate; zero disables the limiter
	RequestsPerSecond float64
	// TLS replaces the transport's TLS settings when set
	TLS *tls.Config
}

// DefaultOptions returns the options used when none are configured
func DefaultOptions() Options {
	return Options{
		UserAgent:    "tilecrawl/1.0",
		Timeout:      30 * time.Second,
		RetryMax:     5,
		RetryWaitMin: 500 * time.Millisecond,
		RetryWaitMax: 30 * time.Second,
	}
}

// Response is a fully read HTTP response
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client issues GET requests, retrying transient failures (connection
// errors and 5xx) with capped exponential backoff. Client errors such as
// 403 and 404 are returned to the caller untouched.
type Client struct {
	http      *retryablehttp.Client
	limiter   *rate.Limiter
	userAgent string
}

// New creates a client
func New(opts Options, log *zap.Logger) *Client {
	defaults := DefaultOptions()
	if opts.UserAgent == "" {
		opts.UserAgent = defaults.UserAgent
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaults.Timeout
	}
	if opts.RetryWaitMin <= 0 {
		opts.RetryWaitMin = defaults.RetryWaitMin
	}
	if opts.RetryWaitMax < opts.RetryWaitMin {
		opts.RetryWaitMax = defaults.RetryWaitMax
	}
	if opts.RetryMax < 0 {
		opts.RetryMax = 0
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient.Timeout = opts.Timeout
	rc.RetryMax = opts.RetryMax
	rc.RetryWaitMin = opts.RetryWaitMin
	rc.RetryWaitMax = opts.RetryWaitMax
	rc.CheckRetry = retryPolicy
	rc.Backoff = retryablehttp.DefaultBackoff
	rc.Logger = leveledLogger{log: log.Sugar()}
	if opts.TLS != nil {
		if t, ok := rc.HTTPClient.Transport.(*http.Transport); ok {
			t.TLSClientConfig = opts.TLS
		}
	}

	c := &Client{http: rc, userAgent: opts.UserAgent}
	if opts.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	return c
}

// TLSConfig builds the client TLS settings. caFile, if set, is a PEM bundle
// trusted in addition to the system roots. It returns nil when neither
// option is set so the transport keeps its defaults.
func TLSConfig(caFile string, insecureSkipVerify bool) (*tls.Config, error) {
	if caFile == "" && !insecureSkipVerify {
		return nil, nil
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: insecureSkipVerify,
	}
	if caFile == "" {
		return cfg, nil
	}

	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, eris.Wrap(err, "read CA file")
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, eris.Errorf("no certificates found in %s", caFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

// retryPolicy retries connection errors and server errors only
func retryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	if resp.StatusCode >= 500 && resp.StatusCode != http.StatusNotImplemented {
		return true, nil
	}
	return false, nil
}

// Get fetches rawURL with query appended. Any status code is returned as
// a Response; only transport failures and exhausted retries are errors.
func (c *Client) Get(ctx context.Context, rawURL string, query url.Values) (*Response, error) {
	if len(query) > 0 {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, eris.Wrapf(err, "invalid url %s", rawURL)
		}
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
		rawURL = u.String()
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "rate limiter wait")
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to build request for %s", rawURL)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "request to %s failed", rawURL)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read response from %s", rawURL)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// GetOK is Get that treats anything but 200 as ErrStatus
func (c *Client) GetOK(ctx context.Context, rawURL string, query url.Values) ([]byte, error) {
	resp, err := c.Get(ctx, rawURL, query)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, eris.Wrapf(ErrStatus, "GET %s returned %d", rawURL, resp.StatusCode)
	}
	return resp.Body, nil
}

// Pause sleeps for d or until ctx is done
func Pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// leveledLogger routes retryablehttp's logging through zap
type leveledLogger struct {
	log *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.log.Errorw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.log.Debugw(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.log.Debugw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.log.Warnw(msg, kv...) }
