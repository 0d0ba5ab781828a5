// Package httptransport fetches resources over HTTP for a doccache.Cache,
// backed by a disk cache of stored responses.
package httptransport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/always-cache/doccache"
	"github.com/always-cache/doccache/cache"
	responsetransformer "github.com/always-cache/doccache/pkg/response-transformer"
	serializer "github.com/always-cache/doccache/pkg/response-serializer"
	tee "github.com/always-cache/doccache/pkg/response-writer-tee"
	"github.com/always-cache/doccache/rfc9111"
)

const maxRedirects = 10

var errTooManyRedirects = errors.New("stopped after 10 redirects")

// Transport runs every job on its own goroutine and hands the callbacks to
// a dispatch function, normally (*doccache.Loop).Post.
type Transport struct {
	client    *http.Client
	dispatch  func(func())
	store     cache.Store
	maxStored int
	rules     responsetransformer.Rules
	userAgent string
	now       func() time.Time
	log       zerolog.Logger

	nextID atomic.Uint64
	mu     sync.Mutex
	jobs   map[doccache.JobID]context.CancelFunc
	wg     sync.WaitGroup
}

var (
	_ doccache.Transport    = (*Transport)(nil)
	_ doccache.Fetcher      = (*Transport)(nil)
	_ doccache.ExpiryWriter = (*Transport)(nil)
)

// New creates a transport delivering callbacks through dispatch.
func New(dispatch func(func()), opts ...Option) (*Transport, error) {
	if dispatch == nil {
		return nil, errors.New("dispatch function required")
	}
	cfg, err := getOpts(opts)
	if err != nil {
		return nil, err
	}

	var logger zerolog.Logger
	if cfg.logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *cfg.logger
	}
	logger = logger.With().Str("component", "http").Logger()

	// single attempts must not follow redirects, the outer client does
	attempt := &http.Client{}
	if cfg.httpClient != nil {
		*attempt = *cfg.httpClient
	}
	attempt.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	attempt.Timeout = 0

	client := &http.Client{Transport: attempt.Transport}
	if cfg.retryMax > 0 {
		rclient := &retryablehttp.Client{
			HTTPClient:   attempt,
			Logger:       leveledLogger{logger},
			RetryWaitMin: cfg.retryWaitMin,
			RetryWaitMax: cfg.retryWaitMax,
			RetryMax:     cfg.retryMax,
			CheckRetry:   retryablehttp.DefaultRetryPolicy,
			Backoff:      retryablehttp.DefaultBackoff,
		}
		client = rclient.StandardClient()
	}
	client.Timeout = cfg.timeout

	return &Transport{
		client:    client,
		dispatch:  dispatch,
		store:     cfg.store,
		maxStored: cfg.maxStored,
		rules:     cfg.rules,
		userAgent: cfg.userAgent,
		now:       cfg.clock,
		log:       logger,
		jobs:      make(map[doccache.JobID]context.CancelFunc),
	}, nil
}

// Start begins a job in the background.
func (t *Transport) Start(req doccache.Request, sink doccache.Sink) doccache.JobID {
	id := doccache.JobID(t.nextID.Add(1))
	ctx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.jobs[id] = cancel
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.forget(id)
		r := &asyncReceiver{t: t, ctx: ctx, id: id, sink: sink}
		if err := t.fetch(ctx, req, r); err != nil {
			if ctx.Err() != nil {
				return
			}
			t.log.Debug().Err(err).Str("url", req.URL).Msg("Fetch failed")
			r.emit(func() { sink.OnFailed(id, err) })
			return
		}
		r.emit(func() { sink.OnFinished(id) })
	}()
	return id
}

// Kill cancels a job. Callbacks already dispatched may still arrive.
func (t *Transport) Kill(id doccache.JobID) {
	t.mu.Lock()
	cancel, ok := t.jobs[id]
	delete(t.jobs, id)
	t.mu.Unlock()
	if ok {
		t.log.Trace().Uint64("job", uint64(id)).Msg("Killing job")
		cancel()
	}
}

func (t *Transport) forget(id doccache.JobID) {
	t.mu.Lock()
	cancel, ok := t.jobs[id]
	delete(t.jobs, id)
	t.mu.Unlock()
	if ok {
		cancel()
	}
}

// Fetch performs a job on the calling goroutine. Of a multipart response
// only the last part is returned.
func (t *Transport) Fetch(ctx context.Context, req doccache.Request) (doccache.Metadata, []byte, error) {
	r := &collector{}
	err := t.fetch(ctx, req, r)
	return r.meta, r.body, err
}

// UpdateExpires writes a new expiry time to the stored response for url.
// Responses that were never stored are ignored.
func (t *Transport) UpdateExpires(url string, expires time.Time) error {
	if t.store == nil {
		return nil
	}
	err := t.store.UpdateExpires(url, expires)
	if errors.Is(err, cache.ErrNotStored) {
		return nil
	}
	return err
}

// Prune purges stored responses that expired before the given time.
func (t *Transport) Prune(before time.Time) (int, error) {
	if t.store == nil {
		return 0, nil
	}
	n := 0
	for {
		key, expires, err := t.store.Oldest()
		if err != nil {
			return n, err
		}
		if key == "" || !expires.Before(before) {
			return n, nil
		}
		if err := t.store.Purge(key); err != nil {
			return n, err
		}
		t.log.Trace().Str("key", key).Msg("Pruned stored response")
		n++
	}
}

// Close cancels running jobs, waits for them and closes the store.
func (t *Transport) Close() error {
	t.mu.Lock()
	for id, cancel := range t.jobs {
		cancel()
		delete(t.jobs, id)
	}
	t.mu.Unlock()
	t.wg.Wait()
	if t.store != nil {
		return t.store.Close()
	}
	return nil
}

// receiver gets the results of one fetch.
type receiver interface {
	headers(meta doccache.Metadata)
	data(b []byte)
	redirect(newURL string)
}

type asyncReceiver struct {
	t    *Transport
	ctx  context.Context
	id   doccache.JobID
	sink doccache.Sink
}

// emit dispatches fn unless the job was killed.
func (r *asyncReceiver) emit(fn func()) {
	if r.ctx.Err() != nil {
		return
	}
	r.t.dispatch(fn)
}

func (r *asyncReceiver) headers(meta doccache.Metadata) {
	r.emit(func() { r.sink.OnHeaders(r.id, meta) })
}

func (r *asyncReceiver) data(b []byte) {
	r.emit(func() { r.sink.OnData(r.id, b) })
}

func (r *asyncReceiver) redirect(newURL string) {
	r.emit(func() { r.sink.OnRedirect(r.id, newURL) })
}

type collector struct {
	meta doccache.Metadata
	body []byte
}

func (c *collector) headers(meta doccache.Metadata) {
	c.meta = meta
	c.body = nil
}

func (c *collector) data(b []byte) {
	c.body = append(c.body, b...)
}

func (c *collector) redirect(string) {}

func (t *Transport) fetch(ctx context.Context, req doccache.Request, r receiver) error {
	u, err := url.Parse(req.URL)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "file":
		return t.fetchFile(u, r)
	case "http", "https":
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	var stored *storedResponse
	if req.Hint != doccache.Reload {
		stored = t.lookup(req.URL)
	}
	if stored != nil && req.Hint == doccache.Verify && stored.entry.Fresh(t.now()) {
		t.log.Trace().Str("url", req.URL).Msg("Serving from disk cache")
		stored.deliver(r)
		return nil
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, nil)
	if err != nil {
		return err
	}
	for name, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}
	if t.userAgent != "" && httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", t.userAgent)
	}
	if ref := referrer(req.Referrer, u); ref != "" {
		httpReq.Header.Set("Referer", ref)
	}
	switch req.Hint {
	case doccache.Reload:
		httpReq.Header.Set("Cache-Control", "no-cache")
		httpReq.Header.Set("Pragma", "no-cache")
	case doccache.Refresh:
		httpReq.Header.Set("Cache-Control", "max-age=0")
	}
	if stored != nil {
		stored.addValidators(httpReq.Header)
	}

	// per-job client copy so that redirects reach this job's receiver
	client := *t.client
	client.CheckRedirect = func(next *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return errTooManyRedirects
		}
		r.redirect(next.URL.String())
		return nil
	}

	requestTime := t.now()
	t.log.Debug().Str("url", req.URL).Str("hint", req.Hint.String()).Msg("Requesting resource")
	resp, err := client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	responseTime := t.now()

	if resp.StatusCode == http.StatusNotModified && stored != nil {
		t.log.Trace().Str("url", req.URL).Msg("Stored response revalidated")
		t.revalidate(stored, resp.Header, responseTime)
		stored.deliver(r)
		return nil
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return &doccache.StatusError{Code: resp.StatusCode, URL: req.URL}
	}

	t.rules.Apply(resp.Request.URL, resp.StatusCode, resp.Header)
	meta := metadata(resp.StatusCode, resp.Header, responseTime)
	if mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type")); err == nil &&
		strings.HasPrefix(mediaType, "multipart/") && params["boundary"] != "" {
		return t.readMultipart(resp.Body, params["boundary"], meta, r)
	}

	r.headers(meta)
	saver := tee.NewBodySaver(r.data, t.maxStored)
	if _, err := io.Copy(saver, resp.Body); err != nil {
		return err
	}
	if t.storable(resp, saver) {
		t.save(req.URL, resp.StatusCode, resp.Header, saver.Body(), meta.Expires, requestTime, responseTime)
	}
	return nil
}

// readMultipart delivers every part with its own headers. Only the current
// part is buffered.
func (t *Transport) readMultipart(body io.Reader, boundary string, meta doccache.Metadata, r receiver) error {
	mr := multipart.NewReader(body, boundary)
	saver := tee.NewBodySaver(r.data, t.maxStored)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		partMeta := meta
		partMeta.Multipart = true
		partMeta.Header = http.Header(part.Header)
		partMeta.ContentType, partMeta.Charset = contentType(partMeta.Header)
		r.headers(partMeta)
		saver.Reset()
		if _, err := io.Copy(saver, part); err != nil {
			return err
		}
	}
}

func (t *Transport) fetchFile(u *url.URL, r receiver) error {
	path := filepath.FromSlash(u.Path)
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &doccache.StatusError{Code: http.StatusNotFound, URL: u.String()}
		}
		return err
	}
	header := make(http.Header)
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		header.Set("Content-Type", ct)
	}
	meta := doccache.Metadata{StatusCode: http.StatusOK, Header: header}
	meta.ContentType, meta.Charset = contentType(header)
	r.headers(meta)
	r.data(b)
	return nil
}

func (t *Transport) storable(resp *http.Response, saver *tee.BodySaver) bool {
	if t.store == nil || resp.StatusCode != http.StatusOK || saver.Overflowed() {
		return false
	}
	return !rfc9111.ParseCacheControl(resp.Header.Values("Cache-Control")).HasDirective("no-store")
}

func (t *Transport) save(key string, status int, header http.Header, body []byte, expires, requestTime, responseTime time.Time) {
	b, err := serializer.Encode(serializer.StoredResponse{
		StatusCode:   status,
		Header:       header,
		Body:         body,
		RequestTime:  requestTime,
		ResponseTime: responseTime,
	})
	if err != nil {
		t.log.Warn().Err(err).Str("url", key).Msg("Could not serialize response")
		return
	}
	err = t.store.Put(cache.Entry{
		Key:         key,
		Expires:     expires,
		RequestedAt: requestTime,
		ReceivedAt:  responseTime,
		Bytes:       b,
	})
	if err != nil {
		t.log.Error().Err(err).Str("url", key).Msg("Could not store response")
	}
}

type storedResponse struct {
	entry    cache.Entry
	response serializer.StoredResponse
}

func (t *Transport) lookup(key string) *storedResponse {
	if t.store == nil {
		return nil
	}
	entry, ok, err := t.store.Get(key)
	if err != nil {
		t.log.Error().Err(err).Str("url", key).Msg("Could not read disk cache")
		return nil
	}
	if !ok {
		return nil
	}
	res, err := serializer.Decode(entry.Bytes)
	if err != nil {
		t.log.Warn().Err(err).Str("url", key).Msg("Purging unreadable stored response")
		t.store.Purge(key)
		return nil
	}
	return &storedResponse{entry: entry, response: res}
}

// revalidate merges the headers of a 304 response into the stored one and
// renews its expiry.
func (t *Transport) revalidate(s *storedResponse, header http.Header, responseTime time.Time) {
	for name, values := range header {
		s.response.Header[name] = values
	}
	s.response.ResponseTime = responseTime
	s.entry.Expires = rfc9111.Expiration(s.response.Header, responseTime)
	t.save(s.entry.Key, s.response.StatusCode, s.response.Header, s.response.Body,
		s.entry.Expires, s.response.RequestTime, responseTime)
}

func (s *storedResponse) deliver(r receiver) {
	meta := doccache.Metadata{
		StatusCode: s.response.StatusCode,
		Header:     s.response.Header,
		Expires:    s.entry.Expires,
	}
	meta.ContentType, meta.Charset = contentType(s.response.Header)
	r.headers(meta)
	if len(s.response.Body) > 0 {
		r.data(s.response.Body)
	}
}

func (s *storedResponse) addValidators(header http.Header) {
	if etag := s.response.Header.Get("ETag"); etag != "" {
		header.Set("If-None-Match", etag)
	}
	if lm := s.response.Header.Get("Last-Modified"); lm != "" {
		header.Set("If-Modified-Since", lm)
	}
}

func metadata(status int, header http.Header, responseTime time.Time) doccache.Metadata {
	meta := doccache.Metadata{
		StatusCode: status,
		Header:     header,
		Expires:    rfc9111.Expiration(header, responseTime),
	}
	meta.ContentType, meta.Charset = contentType(header)
	return meta
}

func contentType(header http.Header) (string, string) {
	ct := header.Get("Content-Type")
	if ct == "" {
		return "", ""
	}
	mediaType, params, err := mime.ParseMediaType(ct)
	if err != nil {
		return ct, ""
	}
	return mediaType, params["charset"]
}

// referrer drops the referrer when it would leak an https URL to http.
func referrer(ref string, target *url.URL) string {
	if ref == "" {
		return ""
	}
	r, err := url.Parse(ref)
	if err != nil || (r.Scheme != "http" && r.Scheme != "https") {
		return ""
	}
	if r.Scheme == "https" && target.Scheme == "http" {
		return ""
	}
	return ref
}
