package doccache

import (
	"container/list"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	cachekey "github.com/always-cache/doccache/pkg/cache-key"
)

const (
	// DefaultCapacity is the eviction ceiling when none is configured.
	DefaultCapacity = 4096 * 1024
	// DefaultMaxCacheable is the lower bound of the single-entry cutoff.
	DefaultMaxCacheable = 40 * 1024
	// DefaultMaxActive is the number of transport jobs run at once.
	DefaultMaxActive = 6

	// flushHysteresis is how many entries may be added before a
	// non-forced flush runs again.
	flushHysteresis = 10
)

type Config struct {
	// Eviction ceiling in bytes. DefaultCapacity if zero.
	Capacity int64
	// Size above which a finished entry is uncacheable.
	// If zero it follows the capacity (capacity/128, at least DefaultMaxCacheable).
	MaxCacheable int64
	// Maximum number of concurrently active transport jobs.
	MaxActive int
	// Transport used for fetching. It may also implement Fetcher and ExpiryWriter.
	Transport Transport
	// Scorer places entries in eviction buckets. Log2Scorer if nil.
	Scorer Scorer
	// Number of eviction buckets. DefaultBuckets if zero.
	Buckets int
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Optional prometheus metrics.
	Metrics *Metrics
	// Clock for expiry checks. time.Now if nil.
	Clock func() time.Time
}

// Cache is the keyed store of entries and its eviction structure.
//
// A Cache is not safe for concurrent use. All calls, including transport
// callbacks, must come from one goroutine; see Loop.
type Cache struct {
	log     zerolog.Logger
	metrics *Metrics
	scorer  Scorer
	now     func() time.Time

	byURL       map[string]*Entry
	buckets     []*list.List
	uncacheable *list.List

	total             int64
	capacity          int64
	maxCacheable      int64
	fixedMaxCacheable bool
	flushCount        int
	disabled          bool

	// pending expiry write-through, by URL
	expiring map[string]time.Time
	expiry   ExpiryWriter

	sched *Scheduler
}

// New creates a cache and its scheduler.
func New(config Config) *Cache {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	c := &Cache{
		log:         logger.With().Str("component", "cache").Logger(),
		metrics:     config.Metrics,
		scorer:      config.Scorer,
		now:         config.Clock,
		byURL:       make(map[string]*Entry),
		uncacheable: list.New(),
		expiring:    make(map[string]time.Time),
	}
	if c.scorer == nil {
		c.scorer = Log2Scorer{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	n := config.Buckets
	if n <= 0 {
		n = DefaultBuckets
	}
	c.buckets = make([]*list.List, n)
	for i := range c.buckets {
		c.buckets[i] = list.New()
	}

	c.capacity = config.Capacity
	if c.capacity <= 0 {
		c.capacity = DefaultCapacity
	}
	if config.MaxCacheable > 0 {
		c.maxCacheable = config.MaxCacheable
		c.fixedMaxCacheable = true
	} else {
		c.maxCacheable = maxCacheableFor(c.capacity)
	}

	if w, ok := config.Transport.(ExpiryWriter); ok {
		c.expiry = w
	}
	maxActive := config.MaxActive
	if maxActive <= 0 {
		maxActive = DefaultMaxActive
	}
	c.sched = newScheduler(c, config.Transport, maxActive, logger)
	return c
}

func maxCacheableFor(capacity int64) int64 {
	if m := capacity / 128; m > DefaultMaxCacheable {
		return m
	}
	return DefaultMaxCacheable
}

// Scheduler returns the fetch scheduler of the cache.
func (c *Cache) Scheduler() *Scheduler {
	return c.sched
}

// NewDocument creates a loading scope bound to this cache.
func (c *Cache) NewDocument(config DocumentConfig) (*Document, error) {
	return newDocument(c, config)
}

// Lookup returns the keyed entry for a canonical URL.
func (c *Cache) Lookup(key string) (*Entry, bool) {
	e, ok := c.byURL[key]
	return e, ok
}

func (c *Cache) Len() int { return len(c.byURL) }
func (c *Cache) Size() int64 { return c.total }
func (c *Cache) Capacity() int64 { return c.capacity }
func (c *Cache) MaxCacheable() int64 { return c.maxCacheable }
func (c *Cache) Disabled() bool { return c.disabled }

// SetDisabled turns caching off or back on. Disabling empties the cache;
// while disabled, new entries are not keyed and live only as long as their
// clients and requests.
func (c *Cache) SetDisabled(disabled bool) error {
	if c.disabled == disabled {
		return nil
	}
	c.disabled = disabled
	c.log.Info().Bool("disabled", disabled).Msg("Setting cache disabled")
	if !disabled {
		return nil
	}
	return c.ClearAll()
}

// FindOrCreate returns the entry for rawURL, creating and scheduling it if
// needed. A nil doc creates entries outside any document.
//
// Malformed URLs yield an unkeyed uncacheable entry that has already
// failed. A document that may not load the URL gets ErrRefused.
func (c *Cache) FindOrCreate(rawURL string, kind Kind, doc *Document, forceReload bool) (*Entry, error) {
	key, u, err := cachekey.Canonical(rawURL, doc.baseURL())
	if err != nil {
		c.log.Debug().Err(err).Str("url", rawURL).Msg("Malformed resource URL")
		return &Entry{
			url:    rawURL,
			kind:   kind,
			status: Uncacheable,
			err:    err,
			cache:  c,
		}, nil
	}
	if doc != nil && !doc.permits(u) {
		c.log.Debug().Str("url", key).Msg("Resource request refused")
		return nil, ErrRefused
	}

	if e, ok := c.byURL[key]; ok {
		if e.kind != kind {
			return nil, ErrKindMismatch
		}
		reload := doc.needsReload(e, c.now()) || forceReload
		// persistent entries never reload, and one in flight is already fresh
		if !reload || e.status == Persistent || e.req != nil {
			c.metrics.RecordLookup(kind, "hit")
			doc.track(e)
			// deferred by another document
			if e.status == Pending && e.req == nil && doc.autoloads() {
				c.sched.Enqueue(e, doc, kind.incremental())
			}
			return e, nil
		}
		c.log.Debug().Str("url", key).Msg("Evicting entry for reload")
		c.Remove(e)
	}

	c.metrics.RecordLookup(kind, "miss")
	e := &Entry{
		url:      key,
		kind:     kind,
		status:   Pending,
		expireAt: doc.defaultExpiry(),
		cache:    c,
		docs:     make(map[*Document]struct{}),
	}
	if !c.disabled {
		e.keyed = true
		c.byURL[key] = e
		c.account(e)
		c.link(e)
	}
	c.log.Trace().Str("url", key).Str("kind", kind.String()).Bool("keyed", e.keyed).Msg("Created entry")
	doc.track(e)
	doc.markFetched(key)

	if kind.deferrable() && !doc.autoloads() {
		c.log.Trace().Str("url", key).Msg("Deferring load until autoload is enabled")
	} else {
		c.sched.Enqueue(e, doc, kind.incremental())
	}
	c.Flush(false)
	return e, nil
}

// Preload injects a persistent entry with the given payload. An existing
// entry for the URL wins. A disabled cache does not keep it.
func (c *Cache) Preload(rawURL string, kind Kind, data []byte) (*Entry, error) {
	key, _, err := cachekey.Canonical(rawURL, nil)
	if err != nil {
		return nil, err
	}
	if e, ok := c.byURL[key]; ok {
		return e, nil
	}
	e := &Entry{
		url:     key,
		kind:    kind,
		status:  Persistent,
		payload: data,
		size:    int64(len(data)),
		done:    true,
		cache:   c,
		keyed:   !c.disabled,
		docs:    make(map[*Document]struct{}),
	}
	if e.keyed {
		c.byURL[key] = e
	}
	c.log.Debug().Str("url", key).Int64("size", e.size).Msg("Preloaded entry")
	return e, nil
}

// Pin protects e from eviction until the returned release func is called.
// A pinned entry leaves the eviction lists and the cacheable total.
func (c *Cache) Pin(e *Entry) (release func()) {
	e.pins++
	if e.pins == 1 {
		c.account(e)
		c.unlink(e)
	}
	released := false
	return func() {
		if released {
			return
		}
		released = true
		e.pins--
		if e.pins > 0 {
			return
		}
		c.account(e)
		c.link(e)
		e.maybeRelease()
	}
}

// Remove evicts e from the keyed store. Clients still attached keep the
// entry alive until they detach. An in-flight request is canceled and its
// clients are told so.
func (c *Cache) Remove(e *Entry) {
	if e.status == Free {
		return
	}
	if e.req != nil {
		c.sched.abort(e.req)
	}
	loading := !e.done && e.err == nil
	c.unlink(e)
	if e.keyed && c.byURL[e.url] == e {
		delete(c.byURL, e.url)
	}
	e.keyed = false
	e.status = Free
	c.account(e)
	for d := range e.docs {
		d.forget(e)
	}
	e.docs = nil
	c.metrics.RecordEviction(e.kind)
	c.log.Trace().Str("url", e.url).Int("clients", len(e.clients)).Msg("Removed entry")

	if loading {
		e.err = ErrCanceled
		for _, cl := range e.clients {
			if e.attached(cl) {
				cl.ResourceFailed(e, ErrCanceled)
			}
		}
	}
	e.maybeRelease()
}

// BucketFor returns the eviction bucket of e.
func (c *Cache) BucketFor(e *Entry) int {
	return c.scorer.Bucket(e.size, e.accessCount, len(c.buckets))
}

// Flush enforces the capacity. Uncacheable entries go first, then buckets
// from the highest index down, least recently touched first. Entries that
// are still loading are skipped. A non-forced flush only runs once enough
// entries were added since the last one.
func (c *Cache) Flush(force bool) {
	if !force && len(c.byURL) < c.flushCount {
		return
	}
	evicted := 0
	for el := c.uncacheable.Front(); el != nil; {
		next := el.Next()
		c.Remove(el.Value.(*Entry))
		evicted++
		el = next
	}
	for i := len(c.buckets) - 1; i >= 0 && c.total > c.capacity; i-- {
		for el := c.buckets[i].Back(); el != nil && c.total > c.capacity; {
			prev := el.Prev()
			if e := el.Value.(*Entry); e.done && e.req == nil {
				c.Remove(e)
				evicted++
			}
			el = prev
		}
	}
	if c.total > c.capacity {
		c.log.Warn().Int64("size", c.total).Int64("capacity", c.capacity).Msg("Cache above capacity after flush")
	}
	c.flushCount = len(c.byURL) + flushHysteresis
	c.metrics.RecordSize(c.total, len(c.byURL))
	if evicted > 0 {
		c.log.Debug().Int("evicted", evicted).Int64("size", c.total).Bool("force", force).Msg("Flushed cache")
	}
}

// SetCapacity changes the eviction ceiling and flushes immediately.
func (c *Cache) SetCapacity(bytes int64) {
	c.capacity = bytes
	if !c.fixedMaxCacheable {
		c.maxCacheable = maxCacheableFor(bytes)
	}
	c.log.Debug().Int64("capacity", bytes).Int64("maxCacheable", c.maxCacheable).Msg("Setting capacity")
	c.Flush(true)
}

// ClearAll evicts every entry regardless of status. Pending expiry updates
// are written through first.
func (c *Cache) ClearAll() error {
	var errs *multierror.Error
	if err := c.SyncExpiry(); err != nil {
		errs = multierror.Append(errs, err)
	}
	entries := make([]*Entry, 0, len(c.byURL))
	for _, e := range c.byURL {
		entries = append(entries, e)
	}
	for _, e := range entries {
		c.Remove(e)
	}
	c.flushCount = 0
	c.metrics.RecordSize(c.total, 0)
	c.log.Info().Int("entries", len(entries)).Msg("Cleared cache")
	return errs.ErrorOrNil()
}

// SyncExpiry writes changed expiry times back to the transport cache.
func (c *Cache) SyncExpiry() error {
	if len(c.expiring) == 0 {
		return nil
	}
	if c.expiry == nil {
		c.expiring = make(map[string]time.Time)
		return nil
	}
	var errs *multierror.Error
	for url, expires := range c.expiring {
		if err := c.expiry.UpdateExpires(url, expires); err != nil {
			c.log.Error().Err(err).Str("url", url).Msg("Could not update expiry in transport cache")
			errs = multierror.Append(errs, err)
			continue
		}
		c.log.Trace().Str("url", url).Time("expires", expires).Msg("Updated expiry in transport cache")
		delete(c.expiring, url)
	}
	return errs.ErrorOrNil()
}

func (c *Cache) queueExpiry(e *Entry) {
	c.expiring[e.url] = e.expireAt
}

// PendingExpiry is the number of expiry updates waiting for SyncExpiry.
func (c *Cache) PendingExpiry() int {
	return len(c.expiring)
}

// KindStats is the share of one kind in the cache.
type KindStats struct {
	Count int   `json:"count"`
	Size  int64 `json:"size"`
	// Live entries have at least one client.
	Live int `json:"live"`
}

type Statistics struct {
	Entries       int                `json:"entries"`
	CacheableSize int64              `json:"cacheableSize"`
	Capacity      int64              `json:"capacity"`
	MaxCacheable  int64              `json:"maxCacheable"`
	ByKind        map[Kind]KindStats `json:"byKind"`
}

// Statistics returns counts and sizes grouped by kind.
func (c *Cache) Statistics() Statistics {
	s := Statistics{
		Entries:       len(c.byURL),
		CacheableSize: c.total,
		Capacity:      c.capacity,
		MaxCacheable:  c.maxCacheable,
		ByKind:        make(map[Kind]KindStats),
	}
	for _, e := range c.byURL {
		ks := s.ByKind[e.kind]
		ks.Count++
		ks.Size += e.size
		if len(e.clients) > 0 {
			ks.Live++
		}
		s.ByKind[e.kind] = ks
	}
	return s
}

// countable entries contribute their size to the cacheable total.
func (e *Entry) countable() bool {
	if e.pins > 0 {
		return false
	}
	switch e.status {
	case Uncacheable, Free, Persistent:
		return false
	}
	return e.keyed
}

func (c *Cache) account(e *Entry) {
	want := e.countable()
	switch {
	case want && !e.counted:
		c.total += e.size
	case !want && e.counted:
		c.total -= e.size
	}
	e.counted = want
}

func (c *Cache) resize(e *Entry, size int64) {
	if e.counted {
		c.total += size - e.size
	}
	e.size = size
	if e.elem != nil {
		c.touch(e)
	}
}

func (c *Cache) setStatus(e *Entry, s Status) {
	e.status = s
	c.account(e)
	c.touch(e)
}

// touch moves e to the head of the list its status and score call for.
func (c *Cache) touch(e *Entry) {
	c.unlink(e)
	c.link(e)
}

func (c *Cache) link(e *Entry) {
	if e.elem != nil || !e.keyed || e.pins > 0 {
		return
	}
	switch e.status {
	case Pending, Loading, Cached:
		b := c.BucketFor(e)
		e.list = c.buckets[b]
		c.log.Trace().Str("url", e.url).Int("bucket", b).Msg("Bucketed entry")
	case Uncacheable:
		e.list = c.uncacheable
	default:
		return
	}
	e.elem = e.list.PushFront(e)
}

func (c *Cache) unlink(e *Entry) {
	if e.elem == nil {
		return
	}
	e.list.Remove(e.elem)
	e.list = nil
	e.elem = nil
}
