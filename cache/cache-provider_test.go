package cache

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"sqlite": sqlite,
		"memory": NewMemStore(),
	}
}

func TestStorePutGet(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			expires := time.Unix(time.Now().Add(time.Hour).Unix(), 0)
			require.NoError(t, s.Put(Entry{Key: "http://a/", Expires: expires, Bytes: []byte("hello")}))

			e, ok, err := s.Get("http://a/")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "hello", string(e.Bytes))
			require.True(t, e.Expires.Equal(expires))
			require.True(t, e.ReceivedAt.IsZero())
			require.True(t, s.Has("http://a/"))

			_, ok, err = s.Get("http://missing/")
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestStoreUpdateExpires(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Put(Entry{Key: "http://a/", Bytes: []byte("x")}))
			later := time.Unix(time.Now().Add(2*time.Hour).Unix(), 0)
			require.NoError(t, s.UpdateExpires("http://a/", later))

			e, _, err := s.Get("http://a/")
			require.NoError(t, err)
			require.True(t, e.Expires.Equal(later))

			err = s.UpdateExpires("http://missing/", later)
			require.True(t, errors.Is(err, ErrNotStored))
		})
	}
}

func TestStoreOldestAndPurge(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Unix(time.Now().Unix(), 0)
			require.NoError(t, s.Put(Entry{Key: "never", Bytes: []byte("x")}))
			require.NoError(t, s.Put(Entry{Key: "late", Expires: now.Add(time.Hour)}))
			require.NoError(t, s.Put(Entry{Key: "soon", Expires: now.Add(time.Minute)}))

			key, expires, err := s.Oldest()
			require.NoError(t, err)
			require.Equal(t, "soon", key)
			require.True(t, expires.Equal(now.Add(time.Minute)))

			require.NoError(t, s.Purge("soon"))
			require.False(t, s.Has("soon"))
			key, _, err = s.Oldest()
			require.NoError(t, err)
			require.Equal(t, "late", key)
		})
	}
}

func TestEntryFresh(t *testing.T) {
	now := time.Now()
	if (Entry{}).Fresh(now) {
		t.Fatal("Entry without expiry is fresh")
	}
	if !(Entry{Expires: now.Add(time.Second)}).Fresh(now) {
		t.Fatal("Entry expiring later is not fresh")
	}
}
