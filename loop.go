package doccache

import (
	"context"
	"sync"
	"time"

	"github.com/gammazero/channelqueue"
	"github.com/rs/zerolog"
)

// DefaultSyncInterval is how often changed expiry times are written back.
const DefaultSyncInterval = time.Second

// Loop owns a Cache on a single goroutine. Transports hand their callbacks
// to Post, so cache state is only ever touched by Run.
type Loop struct {
	queue    *channelqueue.ChannelQueue[func()]
	in       chan<- func()
	interval time.Duration
	log      zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewLoop creates a loop. A zero interval uses DefaultSyncInterval, a
// negative one disables expiry write-through.
func NewLoop(interval time.Duration, logger *zerolog.Logger) *Loop {
	if interval == 0 {
		interval = DefaultSyncInterval
	}
	var l zerolog.Logger
	if logger == nil {
		l = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		l = *logger
	}
	cq := channelqueue.New[func()](-1)
	return &Loop{
		queue:    cq,
		in:       cq.In(),
		interval: interval,
		log:      l.With().Str("component", "loop").Logger(),
	}
}

// Post queues fn to run on the loop goroutine. It never blocks.
// Functions posted after Close are dropped.
func (l *Loop) Post(fn func()) {
	l.post(fn)
}

func (l *Loop) post(fn func()) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return false
	}
	l.in <- fn
	return true
}

// Do runs fn on the loop and waits for it to return. It must not be called
// from the loop goroutine.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	posted := l.post(func() {
		defer close(done)
		fn()
	})
	if !posted {
		return ErrLoopClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes posted functions for c until Close or ctx is done, and
// writes changed expiry times through every interval.
func (l *Loop) Run(ctx context.Context, c *Cache) error {
	var tick <-chan time.Time
	if l.interval > 0 {
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	l.log.Info().Msgf("Starting cache loop with sync interval %s", l.interval)
	out := l.queue.Out()
	for {
		select {
		case fn, ok := <-out:
			if !ok {
				l.log.Info().Msg("Cache loop closed")
				return c.SyncExpiry()
			}
			fn()
		case <-tick:
			if err := c.SyncExpiry(); err != nil {
				l.log.Error().Err(err).Msg("Could not sync expiry times")
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops accepting work. Run drains what was posted and returns.
func (l *Loop) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.in)
}
