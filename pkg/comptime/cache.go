package comptime

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// Cache memoizes compile-time evaluation results in a SQLite database so
// repeated builds skip VM execution for unchanged call sites. Keys are
// content hashes of the lowered bytecode, so a hit is valid regardless of
// how the surrounding source moved around.
//
// The cache is an optimization only: every error surfaces as a warning and
// the driver recomputes.
type Cache struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenCache opens or creates the cache database at path.
func OpenCache(path string) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening comptime cache: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring comptime cache: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS comptime_results (
		hash  TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating comptime cache table: %w", err)
	}
	return &Cache{db: db}, nil
}

// Get returns the cached result for a call-site hash.
func (c *Cache) Get(hash string) (int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var value int64
	err := c.db.QueryRow(
		"SELECT value FROM comptime_results WHERE hash = ?", hash).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return value, true, nil
}

// Put stores the result for a call-site hash.
func (c *Cache) Put(hash string, value int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.Exec(
		"INSERT OR REPLACE INTO comptime_results (hash, value) VALUES (?, ?)", hash, value)
	return err
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}
