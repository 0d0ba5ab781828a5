package doccache

import (
	"errors"
	"testing"
	"time"
)

func TestCloseCancelsQueuedAndActive(t *testing.T) {
	c, ft := newTestCache(t, Config{MaxActive: 1})
	doc := newTestDocument(t, c, DocumentConfig{URL: "http://example.com/"})
	other := newTestDocument(t, c, DocumentConfig{URL: "http://example.com/other"})

	var entries []*Entry
	for _, url := range []string{"a.js", "b.js", "c.js"} {
		e, err := doc.Request(url, Script)
		if err != nil {
			t.Fatal(err)
		}
		entries = append(entries, e)
	}
	kept, _ := other.Request("d.js", Script)
	client := &recordingClient{}
	entries[0].AttachClient(client)

	s := c.Scheduler()
	if s.Active() != 1 || s.Pending() != 3 || doc.InFlight() != 3 {
		t.Fatalf("Active %d, pending %d, in flight %d", s.Active(), s.Pending(), doc.InFlight())
	}
	job := ft.jobFor(t, entries[0].URL())

	doc.Close()

	if !ft.wasKilled(job) {
		t.Fatalf("Active job not killed")
	}
	if doc.InFlight() != 0 || s.NumRequests(doc) != 0 {
		t.Fatalf("Requests left for closed document")
	}
	for _, e := range entries {
		if _, ok := c.Lookup(e.URL()); ok {
			t.Fatalf("%s still keyed", e.URL())
		}
	}
	if client.failed != 1 || !errors.Is(client.err, ErrCanceled) {
		t.Fatalf("Client notified %+v", client)
	}

	// the other document's request takes the free slot
	if s.Active() != 1 || s.Pending() != 0 || ft.jobFor(t, kept.URL()) == job {
		t.Fatalf("Active %d, pending %d", s.Active(), s.Pending())
	}

	s.OnData(job, []byte("late"))
	s.OnFinished(job)
	if len(entries[0].Payload()) != 0 || entries[0].IsReady() || c.Len() != 1 {
		t.Fatalf("Killed job changed cache state")
	}
}

func TestForceReloadRefetchesOncePerDocument(t *testing.T) {
	c, ft := newTestCache(t, Config{})
	first := newTestDocument(t, c, DocumentConfig{Policy: ForceReload})
	e, _ := first.Request("http://example.com/a.css", StyleSheet)
	finish(t, c, ft, e.URL(), []byte("a{}"), Metadata{StatusCode: 200})

	if again, _ := first.Request("http://example.com/a.css", StyleSheet); again != e {
		t.Fatalf("Entry created by the document was reloaded")
	}

	second := newTestDocument(t, c, DocumentConfig{Policy: ForceReload})
	reloaded, _ := second.Request("http://example.com/a.css", StyleSheet)
	if reloaded == e || e.Status() != Free {
		t.Fatalf("Entry not reloaded")
	}
	if len(ft.started) != 2 || ft.started[1].Hint != Reload {
		t.Fatalf("Started %+v", ft.started)
	}
	if again, _ := second.Request("http://example.com/a.css", StyleSheet); again != reloaded {
		t.Fatalf("Entry reloaded twice")
	}
	if first.Holds(e.URL()) {
		t.Fatalf("Evicted entry still held by first document")
	}
}

func TestForceRevalidateOnlyExpired(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	c, ft := newTestCache(t, Config{Clock: clock.now})
	e, _ := c.FindOrCreate("http://example.com/a.js", Script, nil, false)
	finish(t, c, ft, e.URL(), []byte("x"), Metadata{StatusCode: 200, Expires: clock.t.Add(time.Hour)})

	doc := newTestDocument(t, c, DocumentConfig{Policy: ForceRevalidate})
	if got, _ := doc.Request(e.URL(), Script); got != e {
		t.Fatalf("Fresh entry revalidated")
	}

	clock.t = clock.t.Add(2 * time.Hour)
	stale := newTestDocument(t, c, DocumentConfig{Policy: UseCache})
	if got, _ := stale.Request(e.URL(), Script); got != e {
		t.Fatalf("Expired entry not used under use-cache")
	}

	got, _ := doc.Request(e.URL(), Script)
	if got == e {
		t.Fatalf("Expired entry not revalidated")
	}
	if ft.started[len(ft.started)-1].Hint != Refresh {
		t.Fatalf("Hint is %s", ft.started[len(ft.started)-1].Hint)
	}
}

func TestReloadForcesRefetch(t *testing.T) {
	c, ft := newTestCache(t, Config{})
	doc := newTestDocument(t, c, DocumentConfig{})
	e, _ := doc.Request("http://example.com/a.js", Script)
	finish(t, c, ft, e.URL(), []byte("x"), Metadata{StatusCode: 200})

	got, _ := doc.Reload("http://example.com/a.js", Script)
	if got == e || len(ft.started) != 2 {
		t.Fatalf("Reload reused the entry")
	}
	// in flight already
	if again, _ := doc.Reload("http://example.com/a.js", Script); again != got {
		t.Fatalf("Reload replaced an entry in flight")
	}
}

func TestDisabledAutoloadDefersImages(t *testing.T) {
	c, ft := newTestCache(t, Config{})
	doc := newTestDocument(t, c, DocumentConfig{URL: "http://example.com/", DisableAutoload: true})

	img, _ := doc.Request("a.png", Image)
	other, _ := doc.Request("b.png", Image)
	if _, err := doc.Request("a.css", StyleSheet); err != nil {
		t.Fatal(err)
	}
	if len(ft.started) != 1 || img.Status() != Pending {
		t.Fatalf("Started %d jobs", len(ft.started))
	}

	doc.LoadDeferred(img)
	if len(ft.started) != 2 || ft.started[1].URL != img.URL() {
		t.Fatalf("Deferred image not started: %+v", ft.started)
	}
	doc.LoadDeferred(img)

	doc.SetAutoload(true)
	if len(ft.started) != 3 || ft.started[2].URL != other.URL() {
		t.Fatalf("Autoload did not start deferred images: %+v", ft.started)
	}
}

func TestAutoloadingDocumentStartsDeferredEntry(t *testing.T) {
	c, ft := newTestCache(t, Config{})
	lazy := newTestDocument(t, c, DocumentConfig{URL: "http://example.com/", DisableAutoload: true})
	eager := newTestDocument(t, c, DocumentConfig{URL: "http://example.com/"})

	img, _ := lazy.Request("a.png", Image)
	if len(ft.started) != 0 {
		t.Fatalf("Deferred image started")
	}
	again, _ := eager.Request("a.png", Image)
	if again != img || len(ft.started) != 1 {
		t.Fatalf("Started %d jobs", len(ft.started))
	}
	if eager.InFlight() != 1 || lazy.InFlight() != 0 {
		t.Fatalf("In flight %d and %d", eager.InFlight(), lazy.InFlight())
	}
}

func TestDocumentDefaultExpiry(t *testing.T) {
	c, ft := newTestCache(t, Config{})
	day := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
	doc := newTestDocument(t, c, DocumentConfig{URL: "http://example.com/", ExpireAt: day})

	a, _ := doc.Request("a.js", Script)
	if !a.ExpireAt().Equal(day) {
		t.Fatalf("Expiry is %s", a.ExpireAt())
	}
	finish(t, c, ft, a.URL(), []byte("x"), Metadata{StatusCode: 200})
	if !a.ExpireAt().Equal(day) || c.PendingExpiry() != 0 {
		t.Fatalf("Expiry is %s, %d pending", a.ExpireAt(), c.PendingExpiry())
	}

	later := day.Add(time.Hour)
	doc.SetExpireAt(time.Time{})
	b, _ := doc.Request("b.js", Script)
	if !b.ExpireAt().IsZero() {
		t.Fatalf("Expiry is %s", b.ExpireAt())
	}
	finish(t, c, ft, b.URL(), []byte("x"), Metadata{StatusCode: 200, Expires: later})
	if !b.ExpireAt().Equal(later) {
		t.Fatalf("Expiry is %s", b.ExpireAt())
	}
}

func TestAnimationPolicyAppliesToImages(t *testing.T) {
	c, _ := newTestCache(t, Config{})
	doc := newTestDocument(t, c, DocumentConfig{URL: "http://example.com/", Animation: NoAnimation})
	img, _ := doc.Request("a.gif", Image)
	script, _ := doc.Request("a.js", Script)

	if img.Animation() != NoAnimation {
		t.Fatalf("Animation is %s", img.Animation())
	}
	doc.SetAnimationPolicy(AnimateOnce)
	if img.Animation() != AnimateOnce || script.Animation() != Animate {
		t.Fatalf("Animation is %s and %s", img.Animation(), script.Animation())
	}
}

type recordingObserver struct {
	started, done, failed int
	redirects             []string
}

func (o *recordingObserver) RequestStarted(*Document, *Entry) { o.started++ }
func (o *recordingObserver) RequestDone(*Document, *Entry) { o.done++ }
func (o *recordingObserver) RequestFailed(*Document, *Entry, error) { o.failed++ }
func (o *recordingObserver) Redirected(_ *Document, _ *Entry, newURL string) {
	o.redirects = append(o.redirects, newURL)
}

func TestDocumentObserver(t *testing.T) {
	c, ft := newTestCache(t, Config{})
	obs := &recordingObserver{}
	doc := newTestDocument(t, c, DocumentConfig{URL: "https://www.example.com", Observer: obs})

	a, _ := doc.Request("a.js", Script)
	b, _ := doc.Request("https://img.example.com/b.png", Image)
	x, _ := doc.Request("https://tracker.test/x.gif", Image)

	s := c.Scheduler()
	jobA := ft.jobFor(t, a.URL())
	s.OnRedirect(jobA, "https://www.example.com/v2/a.js")
	finish(t, c, ft, a.URL(), []byte("x"), Metadata{StatusCode: 200})
	s.OnFailed(ft.jobFor(t, b.URL()), &StatusError{Code: 500, URL: b.URL()})

	if obs.started != 3 || obs.done != 1 || obs.failed != 1 {
		t.Fatalf("Observer saw %+v", obs)
	}
	if len(obs.redirects) != 1 || a.URL() != "https://www.example.com/a.js" {
		t.Fatalf("Redirects %v, entry %s", obs.redirects, a.URL())
	}

	for _, req := range ft.started {
		if req.Referrer != "https://www.example.com/" {
			t.Fatalf("Referrer is %q", req.Referrer)
		}
		if req.CrossOrigin != (req.URL == x.URL()) {
			t.Fatalf("%s cross origin %t", req.URL, req.CrossOrigin)
		}
	}
}

func TestPolicyNames(t *testing.T) {
	for _, p := range []Policy{UseCache, ForceRevalidate, ForceReload} {
		got, err := ParsePolicy(p.String())
		if err != nil || got != p {
			t.Fatalf("ParsePolicy(%s) = %s, %v", p, got, err)
		}
	}
	if _, err := ParsePolicy("sometimes"); err == nil {
		t.Fatalf("Unknown policy parsed")
	}
	if k, err := ParseKind("auxiliary-document"); err != nil || k != AuxiliaryDocument {
		t.Fatalf("ParseKind = %s, %v", k, err)
	}
}
