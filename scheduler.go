package doccache

import (
	"context"
	"net/http"
	"time"

	"github.com/gammazero/deque"
	"github.com/rs/zerolog"
)

// fetchRequest ties one transport job to the entry and document that
// started it.
type fetchRequest struct {
	entry       *Entry
	doc         *Document
	incremental bool
	multipart   bool
	gotHeaders  bool
	buf         []byte
	expires     time.Time

	job     JobID
	active  bool
	started time.Time
}

// Scheduler queues fetches against the transport and routes the transport
// callbacks back to entries. It is a Sink.
type Scheduler struct {
	cache     *Cache
	transport Transport
	maxActive int
	pending   *deque.Deque[*fetchRequest]
	active    map[JobID]*fetchRequest
	log       zerolog.Logger
}

func newScheduler(c *Cache, t Transport, maxActive int, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		cache:     c,
		transport: t,
		maxActive: maxActive,
		pending:   deque.New[*fetchRequest](),
		active:    make(map[JobID]*fetchRequest),
		log:       logger.With().Str("component", "scheduler").Logger(),
	}
}

// Enqueue queues a fetch for e unless one is already in flight.
func (s *Scheduler) Enqueue(e *Entry, doc *Document, incremental bool) {
	if e.req != nil {
		return
	}
	r := &fetchRequest{entry: e, doc: doc, incremental: incremental}
	e.req = r
	if doc != nil {
		doc.inFlight++
		doc.observer.RequestStarted(doc, e)
	}
	s.pending.PushBack(r)
	s.log.Trace().Str("url", e.url).Int("pending", s.pending.Len()).Msg("Queued request")
	s.promoteNext()
}

// Pending is the number of queued requests.
func (s *Scheduler) Pending() int {
	return s.pending.Len()
}

// Active is the number of started transport jobs.
func (s *Scheduler) Active() int {
	return len(s.active)
}

// NumRequests counts queued and active requests of doc. A nil doc counts all.
func (s *Scheduler) NumRequests(doc *Document) int {
	if doc == nil {
		return s.pending.Len() + len(s.active)
	}
	n := 0
	for i := 0; i < s.pending.Len(); i++ {
		if s.pending.At(i).doc == doc {
			n++
		}
	}
	for _, r := range s.active {
		if r.doc == doc {
			n++
		}
	}
	return n
}

func (s *Scheduler) promoteNext() {
	if s.transport == nil {
		return
	}
	for len(s.active) < s.maxActive && s.pending.Len() > 0 {
		r := s.pending.PopFront()
		r.job = s.transport.Start(s.requestFor(r.entry, r.doc), s)
		r.active = true
		r.started = time.Now()
		s.active[r.job] = r
		s.log.Debug().Str("url", r.entry.url).Uint64("job", uint64(r.job)).Msg("Started transport job")
	}
}

func (s *Scheduler) requestFor(e *Entry, doc *Document) Request {
	req := Request{
		Method: http.MethodGet,
		URL:    e.url,
		Hint:   Verify,
	}
	if doc != nil {
		req.Hint = doc.policy.hint()
		req.Referrer = doc.Referrer()
		req.CrossOrigin = doc.crossOrigin(e.url)
	}
	return req
}

// OnHeaders records content metadata. A multipart response restarts the
// payload on every part after the first; kinds that cannot take multipart
// responses fail.
func (s *Scheduler) OnHeaders(job JobID, meta Metadata) {
	r, ok := s.active[job]
	if !ok {
		s.log.Trace().Uint64("job", uint64(job)).Msg("Headers for unknown job")
		return
	}
	e := r.entry
	if meta.Multipart {
		if !e.kind.multipart() {
			s.log.Debug().Str("url", e.url).Msg("Killing multipart job")
			s.transport.Kill(job)
			s.OnFailed(job, ErrMultipartUnsupported)
			return
		}
		if r.multipart && r.gotHeaders {
			r.buf = nil
			e.resetPayload()
		}
		r.multipart = true
	}
	r.gotHeaders = true
	r.expires = meta.Expires
	if meta.ContentType != "" {
		e.contentType = meta.ContentType
	}
	if meta.Charset != "" {
		e.charset = meta.Charset
	}
}

// OnData forwards data of incremental requests and buffers the rest.
func (s *Scheduler) OnData(job JobID, data []byte) {
	r, ok := s.active[job]
	if !ok {
		return
	}
	s.log.Trace().Str("url", r.entry.url).Int("bytes", len(data)).Msg("Received data")
	if r.incremental {
		r.entry.appendData(data, false)
		return
	}
	if r.entry.status == Pending {
		s.cache.setStatus(r.entry, Loading)
	}
	r.buf = append(r.buf, data...)
}

// OnRedirect tells the document. The entry stays keyed by the requested URL.
func (s *Scheduler) OnRedirect(job JobID, newURL string) {
	r, ok := s.active[job]
	if !ok {
		return
	}
	s.log.Debug().Str("url", r.entry.url).Str("location", newURL).Msg("Redirected")
	if r.doc != nil {
		r.doc.observer.Redirected(r.doc, r.entry, newURL)
	}
}

func (s *Scheduler) OnFinished(job JobID) {
	r, ok := s.active[job]
	if !ok {
		return
	}
	delete(s.active, job)
	s.detach(r)
	e := r.entry
	s.cache.metrics.ObserveFetch(e.kind, "finished", time.Since(r.started))
	if !r.expires.IsZero() {
		e.MarkExpireAt(r.expires, true)
	}
	e.appendData(r.buf, true)
	if r.doc != nil {
		r.doc.observer.RequestDone(r.doc, e)
	}
	e.maybeRelease()
	s.cache.Flush(false)
	s.promoteNext()
}

func (s *Scheduler) OnFailed(job JobID, err error) {
	r, ok := s.active[job]
	if !ok {
		return
	}
	delete(s.active, job)
	s.detach(r)
	s.cache.metrics.ObserveFetch(r.entry.kind, "failed", time.Since(r.started))
	r.entry.fail(err)
	if r.doc != nil {
		r.doc.observer.RequestFailed(r.doc, r.entry, err)
	}
	s.promoteNext()
}

// CancelAllFor kills or drops every request of doc and evicts their entries.
// Later callbacks from the killed jobs are ignored.
func (s *Scheduler) CancelAllFor(doc *Document) {
	var canceled []*fetchRequest
	for job, r := range s.active {
		if r.doc == doc {
			delete(s.active, job)
			s.transport.Kill(job)
			canceled = append(canceled, r)
		}
	}
	canceled = append(canceled, s.dequeue(func(r *fetchRequest) bool { return r.doc == doc })...)
	for _, r := range canceled {
		s.detach(r)
		s.cache.Remove(r.entry)
	}
	if len(canceled) > 0 {
		s.log.Debug().Int("requests", len(canceled)).Msg("Canceled document requests")
	}
	s.promoteNext()
}

// Load fetches e synchronously, replacing any request in flight for it.
// It blocks until the transport answers and must be called from the
// goroutine that owns the cache.
func (s *Scheduler) Load(ctx context.Context, e *Entry, doc *Document) error {
	fetcher, ok := s.transport.(Fetcher)
	if !ok {
		return ErrNoFetcher
	}
	if e.IsReady() {
		return nil
	}
	if e.err != nil {
		return e.err
	}
	if e.status == Free {
		return ErrCanceled
	}
	replaced := e.req
	if replaced != nil {
		s.cancel(replaced)
	}
	meta, body, err := fetcher.Fetch(ctx, s.requestFor(e, doc))
	if err != nil {
		e.fail(err)
		s.settleReplaced(replaced, err)
		s.promoteNext()
		return err
	}
	if meta.ContentType != "" {
		e.contentType = meta.ContentType
	}
	if meta.Charset != "" {
		e.charset = meta.Charset
	}
	e.resetPayload()
	if !meta.Expires.IsZero() {
		e.MarkExpireAt(meta.Expires, true)
	}
	e.appendData(body, true)
	s.settleReplaced(replaced, nil)
	s.cache.Flush(false)
	s.promoteNext()
	return nil
}

// settleReplaced reports the outcome of a synchronous load to the document
// whose async request it replaced.
func (s *Scheduler) settleReplaced(r *fetchRequest, err error) {
	if r == nil || r.doc == nil {
		return
	}
	if err != nil {
		r.doc.observer.RequestFailed(r.doc, r.entry, err)
		return
	}
	r.doc.observer.RequestDone(r.doc, r.entry)
}

// abort drops r without touching its entry beyond the request link.
func (s *Scheduler) abort(r *fetchRequest) {
	s.cancel(r)
	s.promoteNext()
}

func (s *Scheduler) cancel(r *fetchRequest) {
	if r.active {
		delete(s.active, r.job)
		s.transport.Kill(r.job)
	} else {
		s.dequeue(func(p *fetchRequest) bool { return p == r })
	}
	s.detach(r)
}

// dequeue removes the queued requests matching drop and returns them.
func (s *Scheduler) dequeue(drop func(*fetchRequest) bool) []*fetchRequest {
	var dropped []*fetchRequest
	kept := deque.New[*fetchRequest]()
	for s.pending.Len() > 0 {
		r := s.pending.PopFront()
		if drop(r) {
			dropped = append(dropped, r)
		} else {
			kept.PushBack(r)
		}
	}
	s.pending = kept
	return dropped
}

func (s *Scheduler) detach(r *fetchRequest) {
	if r.entry.req == r {
		r.entry.req = nil
	}
	r.active = false
	if r.doc != nil {
		r.doc.inFlight--
	}
}
