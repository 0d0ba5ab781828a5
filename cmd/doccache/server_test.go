package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/always-cache/doccache"
	"github.com/always-cache/doccache/cache"
	"github.com/always-cache/doccache/httptransport"
)

func newTestServer(t *testing.T, origin string) http.Handler {
	t.Helper()
	logger := zerolog.Nop()
	loop := doccache.NewLoop(-1, &logger)
	transport, err := httptransport.New(loop.Post,
		httptransport.WithStore(cache.NewMemStore()),
		httptransport.WithRetry(0, 0, 0),
		httptransport.WithLogger(&logger))
	require.NoError(t, err)
	metrics := doccache.NewMetrics()
	c := doccache.New(doccache.Config{Transport: transport, Logger: &logger, Metrics: metrics})
	doc, err := c.NewDocument(doccache.DocumentConfig{URL: origin + "/", DisableAutoload: true})
	require.NoError(t, err)

	go loop.Run(context.Background(), c)
	t.Cleanup(func() {
		loop.Close()
		transport.Close()
	})

	srv := &server{loop: loop, cache: c, doc: doc, metrics: metrics, log: logger}
	return srv.routes()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rr
}

func TestFetchAndStats(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.png" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "max-age=60")
		fmt.Fprint(w, "png")
	}))
	defer origin.Close()
	h := newTestServer(t, origin.URL)

	rr := do(t, h, http.MethodPost, "/fetch", `{"url": "logo.png", "kind": "image"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var res fetchResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&res))
	require.Equal(t, origin.URL+"/logo.png", res.URL)
	require.Equal(t, "cached", res.Status)
	require.Equal(t, int64(3), res.Size)
	require.Equal(t, "image/png", res.ContentType)

	rr = do(t, h, http.MethodPost, "/fetch", `{"url": "missing.png", "kind": "image"}`)
	require.Equal(t, http.StatusBadGateway, rr.Code)

	rr = do(t, h, http.MethodPost, "/fetch", `{"url": "logo.png", "kind": "poster"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var stats statsResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&stats))
	require.Equal(t, 1, stats.Entries)
	require.Equal(t, int64(3), stats.CacheableSize)

	rr = do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "doccache_lookups_total")
}

func TestCapacityAndClear(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, strings.Repeat("x", 100))
	}))
	defer origin.Close()
	h := newTestServer(t, origin.URL)

	for _, path := range []string{"a.js", "b.js"} {
		rr := do(t, h, http.MethodPost, "/fetch", fmt.Sprintf(`{"url": %q, "kind": "script"}`, path))
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	}

	rr := do(t, h, http.MethodPost, "/capacity", `{"capacity": 150}`)
	require.Equal(t, http.StatusOK, rr.Code)
	var stats doccache.Statistics
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&stats))
	require.Equal(t, 1, stats.Entries)
	require.Equal(t, int64(150), stats.Capacity)

	rr = do(t, h, http.MethodPost, "/capacity", `{"capacity": -1}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodDelete, "/cache", "")
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = do(t, h, http.MethodGet, "/stats", "")
	var after statsResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&after))
	require.Equal(t, 0, after.Entries)
}
