package doccache

import (
	"fmt"
	"net/url"
	"time"

	cachekey "github.com/always-cache/doccache/pkg/cache-key"
)

// DocumentObserver follows the loads of one document, e.g. for progress.
type DocumentObserver interface {
	RequestStarted(d *Document, e *Entry)
	RequestDone(d *Document, e *Entry)
	RequestFailed(d *Document, e *Entry, err error)
	Redirected(d *Document, e *Entry, newURL string)
}

type nopObserver struct{}

func (nopObserver) RequestStarted(*Document, *Entry) {}
func (nopObserver) RequestDone(*Document, *Entry) {}
func (nopObserver) RequestFailed(*Document, *Entry, error) {}
func (nopObserver) Redirected(*Document, *Entry, string) {}

type DocumentConfig struct {
	// URL of the document. Relative resource URLs resolve against it.
	URL string
	// Cache policy for resources of this document.
	Policy Policy
	// Do not fetch images until autoload is enabled or they are started.
	DisableAutoload bool
	// Animation policy handed to image entries.
	Animation AnimationPolicy
	// Refuse every resource that is not a local file.
	OnlyLocal bool
	// Optional observer of request progress.
	Observer DocumentObserver
	// Expiry given to entries the document creates until their response
	// says otherwise.
	ExpireAt time.Time
}

// Document is the loading scope of one open document.
type Document struct {
	cache     *Cache
	base      *url.URL
	policy    Policy
	autoload  bool
	animation AnimationPolicy
	onlyLocal bool
	observer  DocumentObserver
	expireAt  time.Time

	live     map[string]*Entry
	reloaded map[string]struct{}
	inFlight int
}

func newDocument(c *Cache, config DocumentConfig) (*Document, error) {
	d := &Document{
		cache:     c,
		policy:    config.Policy,
		autoload:  !config.DisableAutoload,
		animation: config.Animation,
		onlyLocal: config.OnlyLocal,
		observer:  config.Observer,
		expireAt:  config.ExpireAt,
		live:      make(map[string]*Entry),
		reloaded:  make(map[string]struct{}),
	}
	if d.observer == nil {
		d.observer = nopObserver{}
	}
	if config.URL != "" {
		u, err := url.Parse(config.URL)
		if err != nil {
			return nil, fmt.Errorf("document url: %w", err)
		}
		d.base = u
	}
	return d, nil
}

// Request returns the entry for a resource referenced by the document.
func (d *Document) Request(rawURL string, kind Kind) (*Entry, error) {
	return d.cache.FindOrCreate(rawURL, kind, d, false)
}

// Reload is Request with a forced refetch of an existing entry.
func (d *Document) Reload(rawURL string, kind Kind) (*Entry, error) {
	return d.cache.FindOrCreate(rawURL, kind, d, true)
}

func (d *Document) Policy() Policy { return d.policy }

func (d *Document) SetPolicy(p Policy) {
	d.policy = p
}

func (d *Document) Autoload() bool { return d.autoload }

// SetAutoload toggles eager image loading. Enabling it starts every image
// this document deferred.
func (d *Document) SetAutoload(on bool) {
	if d.autoload == on {
		return
	}
	d.autoload = on
	if !on {
		return
	}
	for _, e := range d.live {
		if e.kind.deferrable() {
			d.LoadDeferred(e)
		}
	}
}

// LoadDeferred starts a pending entry that has no request yet.
func (d *Document) LoadDeferred(e *Entry) {
	if e.status != Pending || e.req != nil {
		return
	}
	d.cache.log.Trace().Str("url", e.url).Msg("Starting deferred load")
	d.cache.sched.Enqueue(e, d, e.kind.incremental())
}

func (d *Document) Animation() AnimationPolicy { return d.animation }

func (d *Document) ExpireAt() time.Time { return d.expireAt }

// SetExpireAt changes the expiry of entries created from now on.
func (d *Document) SetExpireAt(t time.Time) {
	d.expireAt = t
}

// SetAnimationPolicy applies p to every live image of the document.
func (d *Document) SetAnimationPolicy(p AnimationPolicy) {
	d.animation = p
	for _, e := range d.live {
		if e.kind == Image {
			e.animation = p
		}
	}
}

// InFlight is the number of requests attributed to the document.
func (d *Document) InFlight() int { return d.inFlight }

// Live is the number of entries the document references.
func (d *Document) Live() int { return len(d.live) }

// Holds reports whether the document references the entry for a canonical URL.
func (d *Document) Holds(key string) bool {
	_, ok := d.live[key]
	return ok
}

// Close cancels the outstanding requests of the document and drops its
// references.
func (d *Document) Close() {
	d.cache.sched.CancelAllFor(d)
	for _, e := range d.live {
		delete(e.docs, d)
	}
	d.live = make(map[string]*Entry)
	d.reloaded = make(map[string]struct{})
}

// Referrer is the document URL as sent with its requests.
func (d *Document) Referrer() string {
	if d.base == nil {
		return ""
	}
	ref := *d.base
	ref.Fragment = ""
	ref.User = nil
	if (ref.Scheme == "http" || ref.Scheme == "https") && ref.Path == "" {
		ref.Path = "/"
	}
	return ref.String()
}

func (d *Document) crossOrigin(rawURL string) bool {
	if d.base == nil {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	return !cachekey.SameSite(d.base, u)
}

func (d *Document) permits(u *url.URL) bool {
	if d.onlyLocal {
		return u.Scheme == "file"
	}
	return true
}

// needsReload decides whether an existing entry is refetched under the
// document policy. Each URL is reloaded at most once per document.
func (d *Document) needsReload(e *Entry, now time.Time) bool {
	if d == nil {
		return false
	}
	if _, done := d.reloaded[e.url]; done {
		return false
	}
	switch d.policy {
	case ForceReload:
	case ForceRevalidate:
		if !e.IsExpired(now) {
			return false
		}
	default:
		return false
	}
	d.reloaded[e.url] = struct{}{}
	return true
}

// markFetched records a URL fetched fresh on behalf of the document.
func (d *Document) markFetched(key string) {
	if d != nil {
		d.reloaded[key] = struct{}{}
	}
}

func (d *Document) baseURL() *url.URL {
	if d == nil {
		return nil
	}
	return d.base
}

func (d *Document) defaultExpiry() time.Time {
	if d == nil {
		return time.Time{}
	}
	return d.expireAt
}

func (d *Document) autoloads() bool {
	return d == nil || d.autoload
}

func (d *Document) track(e *Entry) {
	if d == nil {
		return
	}
	if e.kind == Image {
		e.animation = d.animation
	}
	// unkeyed entries belong to their clients alone
	if !e.keyed {
		return
	}
	d.live[e.url] = e
	e.docs[d] = struct{}{}
}

func (d *Document) forget(e *Entry) {
	if d.live[e.url] == e {
		delete(d.live, e.url)
	}
}
