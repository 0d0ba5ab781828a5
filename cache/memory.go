package cache

import (
	"sync"
	"time"
)

// MemStore keeps entries in a map. It is meant for tests and short-lived
// processes.
type MemStore struct {
	mutex *sync.RWMutex
	db    map[string]Entry
}

func NewMemStore() *MemStore {
	return &MemStore{
		mutex: &sync.RWMutex{},
		db:    make(map[string]Entry),
	}
}

func (m *MemStore) Get(key string) (Entry, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	e, ok := m.db[key]
	return e, ok, nil
}

func (m *MemStore) Put(e Entry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.db[e.Key] = e
	return nil
}

func (m *MemStore) UpdateExpires(key string, expires time.Time) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	e, ok := m.db[key]
	if !ok {
		return ErrNotStored
	}
	e.Expires = expires
	m.db[key] = e
	return nil
}

func (m *MemStore) Oldest() (string, time.Time, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	var (
		oldestKey string
		oldest    time.Time
	)
	for key, e := range m.db {
		if e.Expires.IsZero() {
			continue
		}
		if oldestKey == "" || e.Expires.Before(oldest) {
			oldestKey, oldest = key, e.Expires
		}
	}
	return oldestKey, oldest, nil
}

func (m *MemStore) Purge(key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, key)
	return nil
}

func (m *MemStore) Has(key string) bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.db[key]
	return ok
}

func (m *MemStore) Close() error {
	return nil
}
