package doccache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeTransport records jobs. Tests drive the callbacks through the
// scheduler themselves.
type fakeTransport struct {
	next    JobID
	jobs    map[JobID]Request
	started []Request
	killed  []JobID

	fetch     func(Request) (Metadata, []byte, error)
	expires   map[string]time.Time
	expiryErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		jobs:    make(map[JobID]Request),
		expires: make(map[string]time.Time),
	}
}

func (f *fakeTransport) Start(req Request, _ Sink) JobID {
	f.next++
	f.jobs[f.next] = req
	f.started = append(f.started, req)
	return f.next
}

func (f *fakeTransport) Kill(job JobID) {
	f.killed = append(f.killed, job)
	delete(f.jobs, job)
}

func (f *fakeTransport) Fetch(_ context.Context, req Request) (Metadata, []byte, error) {
	if f.fetch == nil {
		return Metadata{}, nil, errors.New("no fetch configured")
	}
	return f.fetch(req)
}

func (f *fakeTransport) UpdateExpires(url string, expires time.Time) error {
	if f.expiryErr != nil {
		return f.expiryErr
	}
	f.expires[url] = expires
	return nil
}

// jobFor returns the live job of url.
func (f *fakeTransport) jobFor(t *testing.T, url string) JobID {
	t.Helper()
	for id, req := range f.jobs {
		if req.URL == url {
			return id
		}
	}
	t.Fatalf("No job for %s", url)
	return 0
}

func (f *fakeTransport) wasKilled(job JobID) bool {
	for _, k := range f.killed {
		if k == job {
			return true
		}
	}
	return false
}

// asyncOnly has no blocking fetch.
type asyncOnly struct {
	f *fakeTransport
}

func (a asyncOnly) Start(req Request, s Sink) JobID { return a.f.Start(req, s) }
func (a asyncOnly) Kill(job JobID) { a.f.Kill(job) }

type recordingClient struct {
	finished int
	failed   int
	progress int
	err      error
}

func (c *recordingClient) ResourceFinished(*Entry) { c.finished++ }

func (c *recordingClient) ResourceFailed(_ *Entry, err error) {
	c.failed++
	c.err = err
}

func (c *recordingClient) ResourceProgress(*Entry) { c.progress++ }

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func newTestCache(t *testing.T, config Config) (*Cache, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	if config.Transport == nil {
		config.Transport = ft
	}
	logger := zerolog.Nop()
	config.Logger = &logger
	return New(config), ft
}

func newTestDocument(t *testing.T, c *Cache, config DocumentConfig) *Document {
	t.Helper()
	d, err := c.NewDocument(config)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

// finish delivers a complete response for the job of url.
func finish(t *testing.T, c *Cache, ft *fakeTransport, url string, body []byte, meta Metadata) {
	t.Helper()
	job := ft.jobFor(t, url)
	s := c.Scheduler()
	s.OnHeaders(job, meta)
	s.OnData(job, body)
	s.OnFinished(job)
	delete(ft.jobs, job)
}
