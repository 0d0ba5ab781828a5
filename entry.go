package doccache

import (
	"container/list"
	"fmt"
	"time"

	"golang.org/x/text/encoding/htmlindex"
)

// Client is notified about the outcome of an entry it is attached to.
// Every attached client receives at most one of the two calls.
type Client interface {
	ResourceFinished(e *Entry)
	ResourceFailed(e *Entry, err error)
}

// ProgressClient additionally receives partial data of incremental kinds.
type ProgressClient interface {
	Client
	ResourceProgress(e *Entry)
}

// Entry is a single fetched resource, keyed by its canonical URL.
//
// Entries are owned by the goroutine that owns their Cache and must not be
// used concurrently.
type Entry struct {
	url         string
	kind        Kind
	status      Status
	size        int64
	expireAt    time.Time
	accessCount int
	clients     []Client
	req         *fetchRequest
	docs        map[*Document]struct{}

	payload     []byte
	contentType string
	charset     string
	animation   AnimationPolicy
	// done is set once the final data has been appended.
	done bool
	err  error

	cache    *Cache
	keyed    bool
	counted  bool
	pins     int
	released bool

	// eviction list membership, managed by Cache
	list *list.List
	elem *list.Element
}

func (e *Entry) URL() string { return e.url }
func (e *Entry) Kind() Kind { return e.kind }
func (e *Entry) Status() Status { return e.status }
func (e *Entry) Size() int64 { return e.size }
func (e *Entry) ExpireAt() time.Time { return e.expireAt }
func (e *Entry) AccessCount() int { return e.accessCount }
func (e *Entry) ContentType() string { return e.contentType }
func (e *Entry) Charset() string { return e.charset }
func (e *Entry) Animation() AnimationPolicy { return e.animation }
func (e *Entry) Err() error { return e.err }

// IsReady reports whether the payload is complete.
func (e *Entry) IsReady() bool {
	return e.done && e.err == nil
}

// Payload returns the bytes received so far. The slice must not be modified.
func (e *Entry) Payload() []byte {
	return e.payload
}

// Text decodes the payload of stylesheets and scripts with the response
// charset, defaulting to UTF-8. Other kinds are returned as is.
func (e *Entry) Text() (string, error) {
	if !e.kind.textual() || e.charset == "" {
		return string(e.payload), nil
	}
	enc, err := htmlindex.Get(e.charset)
	if err != nil {
		return string(e.payload), fmt.Errorf("decoding %s: %w", e.url, err)
	}
	b, err := enc.NewDecoder().Bytes(e.payload)
	if err != nil {
		return string(e.payload), fmt.Errorf("decoding %s: %w", e.url, err)
	}
	return string(b), nil
}

// IsExpired reports whether a known expiry time has passed.
func (e *Entry) IsExpired(now time.Time) bool {
	return !e.expireAt.IsZero() && !now.Before(e.expireAt)
}

// Released reports whether the entry has been dropped by every owner.
func (e *Entry) Released() bool {
	return e.released
}

// Clients returns the number of attached clients.
func (e *Entry) Clients() int {
	return len(e.clients)
}

// AttachClient registers c for notifications. A client attaching to an entry
// that already finished or failed is notified before AttachClient returns.
// Attaching the same client twice has no effect.
func (e *Entry) AttachClient(c Client) {
	if e.indexOf(c) >= 0 {
		return
	}
	e.clients = append(e.clients, c)
	e.accessCount++
	if e.cache != nil {
		e.cache.touch(e)
	}
	switch {
	case e.err != nil:
		c.ResourceFailed(e, e.err)
	case e.done:
		c.ResourceFinished(e)
	case e.kind.incremental() && len(e.payload) > 0:
		if pc, ok := c.(ProgressClient); ok {
			pc.ResourceProgress(e)
		}
	}
}

// DetachClient unregisters c. Dropping the last client of an unkeyed entry
// releases it, and of a keyed uncacheable entry evicts it.
func (e *Entry) DetachClient(c Client) {
	i := e.indexOf(c)
	if i < 0 {
		return
	}
	// copy so that a notification loop over the old slice stays valid
	clients := make([]Client, 0, len(e.clients)-1)
	clients = append(clients, e.clients[:i]...)
	e.clients = append(clients, e.clients[i+1:]...)

	if len(e.clients) > 0 || e.cache == nil {
		return
	}
	switch {
	case !e.keyed:
		e.maybeRelease()
	case e.status == Uncacheable && e.keyed && e.pins == 0:
		e.cache.Remove(e)
		e.cache.Flush(false)
	default:
		e.cache.Flush(false)
	}
}

// MarkExpireAt records a new expiry. A changed expiry that did not come from
// the transport's own headers is written back to the transport cache once
// the entry has finished.
func (e *Entry) MarkExpireAt(t time.Time, fromTransportHeader bool) {
	if t.Equal(e.expireAt) {
		return
	}
	e.expireAt = t
	if fromTransportHeader || t.IsZero() || e.cache == nil {
		return
	}
	if e.status == Cached || e.status == Uncacheable {
		e.cache.queueExpiry(e)
	}
}

func (e *Entry) indexOf(c Client) int {
	for i, cl := range e.clients {
		if cl == c {
			return i
		}
	}
	return -1
}

func (e *Entry) attached(c Client) bool {
	return e.indexOf(c) >= 0
}

// appendData grows the payload and, when final, settles the status and
// notifies every attached client once.
func (e *Entry) appendData(data []byte, final bool) {
	c := e.cache
	if e.status == Pending {
		c.setStatus(e, Loading)
	}
	if len(data) > 0 {
		e.payload = append(e.payload, data...)
		c.resize(e, int64(len(e.payload)))
	}
	if !final {
		if e.kind.incremental() && len(data) > 0 {
			e.notifyProgress()
		}
		return
	}
	e.done = true
	if e.size > c.maxCacheable {
		c.setStatus(e, Uncacheable)
	} else {
		c.setStatus(e, Cached)
	}
	c.log.Debug().Str("url", e.url).Str("status", e.status.String()).Int64("size", e.size).Msg("Resource finished")
	for _, cl := range e.clients {
		if e.attached(cl) {
			cl.ResourceFinished(e)
		}
	}
}

// resetPayload starts a fresh logical payload, e.g. for the next part of a
// multipart response.
func (e *Entry) resetPayload() {
	e.payload = nil
	e.cache.resize(e, 0)
}

// fail notifies every client and evicts the entry. Failures are not cached.
func (e *Entry) fail(err error) {
	if e.err != nil {
		return
	}
	e.err = err
	e.cache.log.Debug().Err(err).Str("url", e.url).Msg("Resource failed")
	for _, cl := range e.clients {
		if e.attached(cl) {
			cl.ResourceFailed(e, err)
		}
	}
	e.cache.Remove(e)
}

func (e *Entry) notifyProgress() {
	for _, cl := range e.clients {
		if pc, ok := cl.(ProgressClient); ok && e.attached(cl) {
			pc.ResourceProgress(e)
		}
	}
}

func (e *Entry) maybeRelease() {
	if e.released || e.keyed || len(e.clients) > 0 || e.req != nil || e.pins > 0 {
		return
	}
	e.released = true
	e.payload = nil
	e.cache.log.Trace().Str("url", e.url).Msg("Resource released")
}
