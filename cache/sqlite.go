package cache

import (
	"database/sql"
	"errors"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

type SQLiteStore struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStore opens a store with the given filename as the db.
// If file name is empty or "memory", a new in-memory db is opened.
func NewSQLiteStore(filename string) (*SQLiteStore, error) {
	if filename == "" || filename == "memory" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS responses (
			key TEXT PRIMARY KEY,
			expires INTEGER,
			requested_at INTEGER,
			received_at INTEGER,
			bytes BLOB
		)`,
		"CREATE INDEX IF NOT EXISTS expires_idx ON responses (expires)",
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &SQLiteStore{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteStore) Get(key string) (Entry, bool, error) {
	entry := Entry{Key: key}
	var exp, req, rec int64
	err := s.db.QueryRow(
		"SELECT expires, requested_at, received_at, bytes FROM responses WHERE key = ?", key,
	).Scan(&exp, &req, &rec, &entry.Bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return entry, false, nil
	}
	if err != nil {
		return entry, false, err
	}
	entry.Expires = fromUnix(exp)
	entry.RequestedAt = fromUnix(req)
	entry.ReceivedAt = fromUnix(rec)
	return entry, true, nil
}

func (s *SQLiteStore) Put(e Entry) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec(`INSERT OR REPLACE INTO responses
		(key, expires, requested_at, received_at, bytes) VALUES (?, ?, ?, ?, ?)`,
		e.Key, toUnix(e.Expires), toUnix(e.RequestedAt), toUnix(e.ReceivedAt), e.Bytes)
	return err
}

func (s *SQLiteStore) UpdateExpires(key string, expires time.Time) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	result, err := s.db.Exec("UPDATE responses SET expires = ? WHERE key = ?", toUnix(expires), key)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotStored
	}
	return nil
}

func (s *SQLiteStore) Oldest() (string, time.Time, error) {
	var key string
	var expires int64
	err := s.db.QueryRow(
		"SELECT key, expires FROM responses WHERE expires > 0 ORDER BY expires ASC LIMIT 1",
	).Scan(&key, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, nil
	}
	if err != nil {
		return "", time.Time{}, err
	}
	return key, time.Unix(expires, 0), nil
}

func (s *SQLiteStore) Purge(key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM responses WHERE key = ?", key)
	return err
}

func (s *SQLiteStore) Has(key string) bool {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM responses WHERE key = ?", key).Scan(&one)
	return err == nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
