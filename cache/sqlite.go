package cache

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

const memoryDSN = "file::memory:?cache=shared"

type SQLiteRegistry struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteRegistry creates a registry with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteRegistry(filename string) (*SQLiteRegistry, error) {
	if filename == "" {
		filename = memoryDSN
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS stores (
			name TEXT PRIMARY KEY,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			store TEXT,
			key TEXT,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (store, key)
		)`,
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &SQLiteRegistry{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteRegistry) Close() error {
	return s.db.Close()
}

func (s *SQLiteRegistry) Open(ctx context.Context, name string) (Store, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO stores (name, created_at) VALUES (?, ?)",
		name, time.Now().UnixNano())
	if err != nil {
		return nil, err
	}
	return sqliteStore{registry: s, name: name}, nil
}

func (s *SQLiteRegistry) Has(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM stores WHERE name = ?", name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLiteRegistry) Delete(ctx context.Context, name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE store = ?", name); err != nil {
		return false, err
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM stores WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, tx.Commit()
}

func (s *SQLiteRegistry) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM stores ORDER BY rowid")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

type sqliteStore struct {
	registry *SQLiteRegistry
	name     string
}

func (s sqliteStore) Name() string {
	return s.name
}

// All matches the prefix with instr rather than LIKE,
// since keys contain URLs which may contain '%' and '_'.
func (s sqliteStore) All(ctx context.Context, prefix string) ([]Entry, error) {
	entries := make([]Entry, 0)
	rows, err := s.registry.db.QueryContext(ctx, `SELECT
		key, stored_at, bytes
		FROM entries WHERE store = ? AND instr(key, ?) = 1`, s.name, prefix)
	if err != nil {
		return entries, err
	}
	defer rows.Close()
	for rows.Next() {
		var entry Entry
		var storedAt int64
		if err := rows.Scan(&entry.Key, &storedAt, &entry.Bytes); err != nil {
			return entries, err
		}
		entry.StoredAt = time.Unix(0, storedAt)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s sqliteStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	entry := Entry{Key: key}
	var storedAt int64
	err := s.registry.db.QueryRowContext(ctx,
		"SELECT stored_at, bytes FROM entries WHERE store = ? AND key = ?",
		s.name, key).Scan(&storedAt, &entry.Bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return entry, false, nil
	}
	if err != nil {
		return entry, false, err
	}
	entry.StoredAt = time.Unix(0, storedAt)
	return entry, true, nil
}

// Put only writes while the store is still registered,
// so a handle held across a Delete cannot resurrect the store's entries.
func (s sqliteStore) Put(ctx context.Context, entry Entry) error {
	s.registry.writeMutex.Lock()
	defer s.registry.writeMutex.Unlock()
	result, err := s.registry.db.ExecContext(ctx, `INSERT OR REPLACE INTO entries
		(store, key, stored_at, bytes)
		SELECT ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM stores WHERE name = ?)`,
		s.name, entry.Key, entry.StoredAt.UnixNano(), entry.Bytes, s.name)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrStoreDeleted
	}
	return nil
}

func (s sqliteStore) Delete(ctx context.Context, key string) (bool, error) {
	s.registry.writeMutex.Lock()
	defer s.registry.writeMutex.Unlock()
	result, err := s.registry.db.ExecContext(ctx,
		"DELETE FROM entries WHERE store = ? AND key = ?", s.name, key)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}

func (s sqliteStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.registry.db.QueryContext(ctx,
		"SELECT key FROM entries WHERE store = ? ORDER BY stored_at, key", s.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
