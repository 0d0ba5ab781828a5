package doccache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestLoopRunsPostedWork(t *testing.T) {
	logger := zerolog.Nop()
	loop := NewLoop(-1, &logger)
	c, _ := newTestCache(t, Config{})

	done := make(chan error, 1)
	go func() {
		done <- loop.Run(context.Background(), c)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var n int
	for i := 0; i < 10; i++ {
		loop.Post(func() { n++ })
	}
	var entries int
	require.NoError(t, loop.Do(ctx, func() {
		c.FindOrCreate("http://example.com/a.js", Script, nil, false)
		entries = c.Len()
	}))
	require.Equal(t, 10, n)
	require.Equal(t, 1, entries)

	loop.Close()
	loop.Close()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("Loop did not stop")
	}

	err := loop.Do(ctx, func() {})
	require.True(t, errors.Is(err, ErrLoopClosed))
}

func TestLoopSyncsExpiryOnTick(t *testing.T) {
	logger := zerolog.Nop()
	loop := NewLoop(10*time.Millisecond, &logger)
	c, ft := newTestCache(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx, c)

	expires := time.Unix(1700000000, 0)
	require.NoError(t, loop.Do(ctx, func() {
		e, _ := c.FindOrCreate("http://example.com/a.js", Script, nil, false)
		finish(t, c, ft, e.URL(), []byte("x"), Metadata{StatusCode: 200})
		e.MarkExpireAt(expires, false)
	}))

	require.Eventually(t, func() bool {
		var pending int
		if err := loop.Do(ctx, func() { pending = c.PendingExpiry() }); err != nil {
			return false
		}
		return pending == 0
	}, 5*time.Second, 10*time.Millisecond)

	var written time.Time
	require.NoError(t, loop.Do(ctx, func() { written = ft.expires["http://example.com/a.js"] }))
	require.True(t, written.Equal(expires))
}
