package cache

import (
	"errors"
	"time"
)

// ErrNotStored is returned when updating a key that is not in the store.
var ErrNotStored = errors.New("key not stored")

// Store is the disk cache of a transport. It keeps serialized responses
// together with their expiration times, keyed by URL.
//
// Implementations must be thread-safe!
type Store interface {
	// Get returns the entry for the given key, if it exists.
	// Expired entries are returned as well; freshness is up to the caller.
	Get(key string) (Entry, bool, error)
	// Put stores the entry, replacing any previous one with the same key.
	Put(Entry) error
	// UpdateExpires changes the expiration time of a stored entry.
	UpdateExpires(key string, expires time.Time) error
	// Oldest returns the key and expiration time of the entry expiring first.
	// Entries without expiration time are not considered.
	// An empty key means there is no such entry.
	Oldest() (string, time.Time, error)
	// Purge removes the entry for the given key.
	Purge(key string) error
	// Has checks if the specified key exists in the store.
	Has(key string) bool
	Close() error
}

type Entry struct {
	Key         string
	Expires     time.Time
	RequestedAt time.Time
	ReceivedAt  time.Time
	Bytes       []byte
}

// Fresh reports whether the entry has a known expiration time after now.
func (e Entry) Fresh(now time.Time) bool {
	return !e.Expires.IsZero() && now.Before(e.Expires)
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
