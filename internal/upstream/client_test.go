package upstream

import (
	"context"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fastOptions() Options {
	return Options{
		RetryMax:     3,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 5 * time.Millisecond,
	}
}

func TestGetRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := New(fastOptions(), zap.NewNop())
	body, err := c.GetOK(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, int32(3), hits.Load())
}

func TestGetGivesUpAfterRetryMax(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(fastOptions(), zap.NewNop())
	_, err := c.Get(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.Equal(t, int32(4), hits.Load(), "initial attempt plus three retries")
}

func TestGetDoesNotRetryClientErrors(t *testing.T) {
	for _, code := range []int{http.StatusForbidden, http.StatusNotFound, http.StatusBadRequest} {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(code)
		}))

		c := New(fastOptions(), zap.NewNop())
		resp, err := c.Get(context.Background(), srv.URL, nil)
		require.NoError(t, err)
		assert.Equal(t, code, resp.StatusCode)
		assert.Equal(t, int32(1), hits.Load())

		_, err = c.GetOK(context.Background(), srv.URL, nil)
		assert.True(t, eris.Is(err, ErrStatus))
		srv.Close()
	}
}

func TestGetSendsQueryAndUserAgent(t *testing.T) {
	var gotQuery url.Values
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		gotUA = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	c := New(Options{UserAgent: "tilecrawl-test"}, zap.NewNop())
	_, err := c.Get(context.Background(), srv.URL+"/d?keep=1", url.Values{"BBOX": {"1,2,3,4"}})
	require.NoError(t, err)

	assert.Equal(t, "1", gotQuery.Get("keep"))
	assert.Equal(t, "1,2,3,4", gotQuery.Get("BBOX"))
	assert.Equal(t, "tilecrawl-test", gotUA)
}

func newTLSServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGetRejectsUnknownAuthorityByDefault(t *testing.T) {
	srv := newTLSServer(t)

	tlsConfig, err := TLSConfig("", false)
	require.NoError(t, err)
	assert.Nil(t, tlsConfig)

	opts := fastOptions()
	opts.RetryMax = 0
	_, err = New(opts, zap.NewNop()).GetOK(context.Background(), srv.URL, nil)
	assert.Error(t, err)
}

func TestGetInsecureSkipVerify(t *testing.T) {
	srv := newTLSServer(t)

	tlsConfig, err := TLSConfig("", true)
	require.NoError(t, err)
	opts := fastOptions()
	opts.TLS = tlsConfig

	body, err := New(opts, zap.NewNop()).GetOK(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
}

func TestGetTrustsCAFile(t *testing.T) {
	srv := newTLSServer(t)

	caFile := filepath.Join(t.TempDir(), "ca.pem")
	block := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
	require.NoError(t, os.WriteFile(caFile, block, 0644))

	tlsConfig, err := TLSConfig(caFile, false)
	require.NoError(t, err)
	assert.False(t, tlsConfig.InsecureSkipVerify)
	opts := fastOptions()
	opts.TLS = tlsConfig

	body, err := New(opts, zap.NewNop()).GetOK(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
}

func TestTLSConfigBadCAFile(t *testing.T) {
	_, err := TLSConfig(filepath.Join(t.TempDir(), "missing.pem"), false)
	assert.Error(t, err)

	garbage := filepath.Join(t.TempDir(), "garbage.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not a certificate"), 0644))
	_, err = TLSConfig(garbage, false)
	assert.Error(t, err)
}

func TestPause(t *testing.T) {
	start := time.Now()
	require.NoError(t, Pause(context.Background(), 20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Pause(ctx, time.Hour), context.Canceled)
}
