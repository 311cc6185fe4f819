package cache

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteRegistry stores partitions in a single SQLite database.
type SQLiteRegistry struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteRegistry opens (or creates) the registry with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteRegistry(filename string) (*SQLiteRegistry, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS partitions (
			name TEXT PRIMARY KEY
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			partition TEXT NOT NULL,
			key TEXT NOT NULL,
			requested_at INTEGER,
			received_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (partition, key)
		)`,
		"CREATE INDEX IF NOT EXISTS entries_key_idx ON entries (key)",
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

// Close closes the underlying database.
func (s *SQLiteRegistry) Close() error {
	return s.db.Close()
}

func (s *SQLiteRegistry) Open(ctx context.Context, name string) (Partition, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if _, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO partitions (name) VALUES (?)", name); err != nil {
		return nil, err
	}
	return sqlitePartition{name: name, s: s}, nil
}

func (s *SQLiteRegistry) Delete(ctx context.Context, name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE partition = ?", name); err != nil {
		return false, err
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM partitions WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, tx.Commit()
}

func (s *SQLiteRegistry) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM partitions ORDER BY name ASC")
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

func (s *SQLiteRegistry) Match(ctx context.Context, key string) (CacheEntry, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT
		key, requested_at, received_at, bytes
		FROM entries WHERE key = ? ORDER BY partition ASC LIMIT 1`, key)
	return scanEntry(row)
}

type sqlitePartition struct {
	name string
	s    *SQLiteRegistry
}

func (p sqlitePartition) Name() string {
	return p.name
}

func (p sqlitePartition) Put(ctx context.Context, ce CacheEntry) error {
	p.s.writeMutex.Lock()
	defer p.s.writeMutex.Unlock()
	// the select guards against writing into a partition deleted after it was opened
	result, err := p.s.db.ExecContext(ctx, `INSERT OR REPLACE INTO entries
		(partition, key, requested_at, received_at, bytes)
		SELECT ?, ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM partitions WHERE name = ?)`,
		p.name, ce.Key, ce.RequestedAt.UnixMilli(), ce.ReceivedAt.UnixMilli(), ce.Bytes, p.name)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrPartitionNotFound
	}
	return nil
}

func (p sqlitePartition) Match(ctx context.Context, key string) (CacheEntry, bool, error) {
	row := p.s.db.QueryRowContext(ctx, `SELECT
		key, requested_at, received_at, bytes
		FROM entries WHERE partition = ? AND key = ?`, p.name, key)
	return scanEntry(row)
}

func (p sqlitePartition) Delete(ctx context.Context, key string) (bool, error) {
	p.s.writeMutex.Lock()
	defer p.s.writeMutex.Unlock()
	result, err := p.s.db.ExecContext(ctx, "DELETE FROM entries WHERE partition = ? AND key = ?", p.name, key)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}

func (p sqlitePartition) Keys(ctx context.Context) ([]string, error) {
	rows, err := p.s.db.QueryContext(ctx, "SELECT key FROM entries WHERE partition = ? ORDER BY key ASC", p.name)
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

func scanEntry(row *sql.Row) (CacheEntry, bool, error) {
	var entry CacheEntry
	var req, rec int64
	err := row.Scan(&entry.Key, &req, &rec, &entry.Bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, err
	}
	entry.RequestedAt = time.UnixMilli(req)
	entry.ReceivedAt = time.UnixMilli(rec)
	return entry, true, nil
}
