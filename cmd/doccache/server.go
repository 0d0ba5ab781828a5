package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/always-cache/doccache"
)

const defaultFetchTimeout = 30 * time.Second

// server exposes a cache over HTTP for diagnostics. Every cache access goes
// through the loop.
type server struct {
	loop    *doccache.Loop
	cache   *doccache.Cache
	doc     *doccache.Document
	metrics *doccache.Metrics
	log     zerolog.Logger
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/stats", s.handleStats)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.Post("/fetch", s.handleFetch)
	r.Post("/capacity", s.handleCapacity)
	r.Delete("/cache", s.handleClear)
	return r
}

type statsResponse struct {
	doccache.Statistics
	Pending int `json:"pending"`
	Active  int `json:"active"`
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	var res statsResponse
	err := s.loop.Do(r.Context(), func() {
		res.Statistics = s.cache.Statistics()
		res.Pending = s.cache.Scheduler().Pending()
		res.Active = s.cache.Scheduler().Active()
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type fetchRequest struct {
	URL     string `json:"url"`
	Kind    string `json:"kind"`
	Reload  bool   `json:"reload"`
	Timeout string `json:"timeout"`
}

type fetchResponse struct {
	URL         string    `json:"url"`
	Status      string    `json:"status"`
	Size        int64     `json:"size"`
	ContentType string    `json:"contentType,omitempty"`
	ExpireAt    time.Time `json:"expireAt"`
	Error       string    `json:"error,omitempty"`
}

// waiter is a client that reports the outcome of an entry. It must never
// block the loop.
type waiter chan error

func (w waiter) ResourceFinished(*doccache.Entry) { w.send(nil) }
func (w waiter) ResourceFailed(_ *doccache.Entry, err error) { w.send(err) }

func (w waiter) send(err error) {
	select {
	case w <- err:
	default:
	}
}

func (s *server) handleFetch(w http.ResponseWriter, r *http.Request) {
	var payload fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if payload.URL == "" {
		writeError(w, http.StatusBadRequest, "url required")
		return
	}
	kind := doccache.Other
	if payload.Kind != "" {
		k, err := doccache.ParseKind(payload.Kind)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		kind = k
	}
	timeout := defaultFetchTimeout
	if payload.Timeout != "" {
		d, err := time.ParseDuration(payload.Timeout)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid timeout")
			return
		}
		timeout = d
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	var (
		entry  *doccache.Entry
		reqErr error
	)
	done := make(waiter, 1)
	err := s.loop.Do(ctx, func() {
		if payload.Reload {
			entry, reqErr = s.doc.Reload(payload.URL, kind)
		} else {
			entry, reqErr = s.doc.Request(payload.URL, kind)
		}
		if reqErr != nil {
			return
		}
		// images may be deferred by autoload
		s.doc.LoadDeferred(entry)
		entry.AttachClient(done)
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if reqErr != nil {
		status := http.StatusBadRequest
		if errors.Is(reqErr, doccache.ErrRefused) {
			status = http.StatusForbidden
		}
		writeError(w, status, reqErr.Error())
		return
	}

	var loadErr error
	select {
	case loadErr = <-done:
	case <-ctx.Done():
		loadErr = ctx.Err()
	}

	var res fetchResponse
	s.loop.Do(context.Background(), func() {
		entry.DetachClient(done)
		res = fetchResponse{
			URL:         entry.URL(),
			Status:      entry.Status().String(),
			Size:        entry.Size(),
			ContentType: entry.ContentType(),
			ExpireAt:    entry.ExpireAt(),
		}
	})
	if loadErr != nil {
		s.log.Debug().Err(loadErr).Str("url", payload.URL).Msg("Fetch failed")
		res.Error = loadErr.Error()
		writeJSON(w, statusFor(loadErr), res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, doccache.ErrMalformedURL):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (s *server) handleCapacity(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Capacity int64 `json:"capacity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Capacity <= 0 {
		writeError(w, http.StatusBadRequest, "positive capacity required")
		return
	}
	var stats doccache.Statistics
	err := s.loop.Do(r.Context(), func() {
		s.cache.SetCapacity(payload.Capacity)
		stats = s.cache.Statistics()
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.log.Info().Int64("capacity", payload.Capacity).Msg("Capacity changed")
	writeJSON(w, http.StatusOK, stats)
}

func (s *server) handleClear(w http.ResponseWriter, r *http.Request) {
	var clearErr error
	if err := s.loop.Do(r.Context(), func() { clearErr = s.cache.ClearAll() }); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if clearErr != nil {
		writeError(w, http.StatusInternalServerError, clearErr.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
