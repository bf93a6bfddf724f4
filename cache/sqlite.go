package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

type SQLiteStorage struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStorage creates a new storage with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteStorage(filename string) (SQLiteStorage, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	// concurrent readers wait for the writer instead of failing
	dsn := filename + "?_pragma=busy_timeout(5000)"
	if strings.Contains(filename, "?") {
		dsn = filename + "&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return SQLiteStorage{}, fmt.Errorf("open sqlite %s: %w", filename, err)
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS buckets (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			bucket TEXT NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (bucket, key)
		)`,
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteStorage{}, fmt.Errorf("init sqlite schema: %w", err)
		}
	}
	return SQLiteStorage{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteStorage) Open(ctx context.Context, name string) (Bucket, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO buckets (name, created_at) VALUES (?, ?)",
		name, time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", name, err)
	}
	return sqliteBucket{name: name, storage: s}, nil
}

func (s SQLiteStorage) Has(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM buckets WHERE name = ?", name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s SQLiteStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE bucket = ?", name); err != nil {
		return false, fmt.Errorf("delete entries of %s: %w", name, err)
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM buckets WHERE name = ?", name)
	if err != nil {
		return false, fmt.Errorf("delete bucket %s: %w", name, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, tx.Commit()
}

func (s SQLiteStorage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM buckets ORDER BY id ASC")
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

func (s SQLiteStorage) Close() error {
	return s.db.Close()
}

type sqliteBucket struct {
	name    string
	storage SQLiteStorage
}

// entries are only written while their bucket exists
const insertEntry = `INSERT OR REPLACE INTO entries (bucket, key, stored_at, bytes)
	SELECT ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM buckets WHERE name = ?)`

func (b sqliteBucket) Name() string {
	return b.name
}

func (b sqliteBucket) Match(ctx context.Context, key string) (Entry, bool, error) {
	entry := Entry{Key: key}
	var storedAt int64
	err := b.storage.db.QueryRowContext(ctx,
		"SELECT stored_at, bytes FROM entries WHERE bucket = ? AND key = ?",
		b.name, key).Scan(&storedAt, &entry.Bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	entry.StoredAt = time.Unix(storedAt, 0)
	return entry, true, nil
}

func (b sqliteBucket) Put(ctx context.Context, entry Entry) error {
	b.storage.writeMutex.Lock()
	defer b.storage.writeMutex.Unlock()
	_, err := b.storage.db.ExecContext(ctx, insertEntry,
		b.name, entry.Key, entry.StoredAt.Unix(), entry.Bytes, b.name)
	return err
}

func (b sqliteBucket) PutAll(ctx context.Context, entries []Entry) error {
	b.storage.writeMutex.Lock()
	defer b.storage.writeMutex.Unlock()
	tx, err := b.storage.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, entry := range entries {
		_, err := tx.ExecContext(ctx, insertEntry,
			b.name, entry.Key, entry.StoredAt.Unix(), entry.Bytes, b.name)
		if err != nil {
			return fmt.Errorf("put %s: %w", entry.Key, err)
		}
	}
	return tx.Commit()
}

func (b sqliteBucket) Delete(ctx context.Context, key string) (bool, error) {
	b.storage.writeMutex.Lock()
	defer b.storage.writeMutex.Unlock()
	result, err := b.storage.db.ExecContext(ctx,
		"DELETE FROM entries WHERE bucket = ? AND key = ?", b.name, key)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}

func (b sqliteBucket) Keys(ctx context.Context) ([]string, error) {
	rows, err := b.storage.db.QueryContext(ctx,
		"SELECT key FROM entries WHERE bucket = ? ORDER BY key ASC", b.name)
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
