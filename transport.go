package doccache

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// JobID identifies one transport job.
type JobID uint64

// CacheHint tells the transport how to treat its own cache.
type CacheHint int

const (
	// Verify uses the transport cache while it is fresh.
	Verify CacheHint = iota
	// Refresh revalidates with the origin.
	Refresh
	// Reload bypasses the transport cache entirely.
	Reload
)

var hintNames = [...]string{"verify", "refresh", "reload"}

func (h CacheHint) String() string {
	if h < 0 || int(h) >= len(hintNames) {
		return fmt.Sprintf("hint(%d)", int(h))
	}
	return hintNames[h]
}

// Request is what a transport job is started with.
type Request struct {
	Method      string
	URL         string
	Hint        CacheHint
	Header      http.Header
	Referrer    string
	CrossOrigin bool
}

// Metadata describes a response, or one part of a multipart response.
type Metadata struct {
	StatusCode  int
	Header      http.Header
	ContentType string
	Charset     string
	// Multipart is set on every part of a multipart response.
	Multipart bool
	// Expires is derived from the response headers. Zero means unknown.
	Expires time.Time
}

// Sink receives the callbacks of transport jobs.
// Callbacks for unknown jobs are ignored.
type Sink interface {
	OnHeaders(job JobID, meta Metadata)
	OnData(job JobID, data []byte)
	OnRedirect(job JobID, newURL string)
	OnFinished(job JobID)
	OnFailed(job JobID, err error)
}

// Transport performs byte transfer for the scheduler.
//
// Start must return before any callback for the job is delivered, and every
// callback must be delivered on the goroutine that owns the cache.
// Kill is fire-and-forget.
type Transport interface {
	Start(req Request, sink Sink) JobID
	Kill(job JobID)
}

// Fetcher is implemented by transports that support a blocking fetch.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Metadata, []byte, error)
}

// ExpiryWriter is implemented by transports that keep their own disk cache.
type ExpiryWriter interface {
	UpdateExpires(url string, expires time.Time) error
}

// StatusError is reported for responses treated as failures.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %d %s", e.URL, e.Code, http.StatusText(e.Code))
}
