// Package hashcache implements the shared, process-wide content-hash
// cache: a persistent mapping of (task, absolute path) to a content
// digest and the source mtime it was computed against.
package hashcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DigestType identifies the hash algorithm stored in an Entry. The schema
// carries this explicitly so a future non-MD5 digest would not require a
// migration (see DESIGN.md, Open Question 3).
type DigestType string

// MD5 is the only digest type this implementation produces; it is used
// solely as a change-detection digest, never as a security primitive.
const MD5 DigestType = "md5"

// Entry is the cached pair for a single (task, path).
type Entry struct {
	Digest     string
	DigestType DigestType
	Mtime      float64
	LastCheck  time.Time
}

// Cache is the shared hash cache. A single Cache is constructed once by
// the task supervisor and passed to every sync handler; task_id is an
// argument of every call, never instance state. This is a deliberate
// departure from the source implementation's process-wide singleton
// (see DESIGN.md / spec.md §9 "Dynamic singleton cache"), which leaked
// the first task's id into every later handler.
type Cache struct {
	db *sql.DB
}

// Open opens (or creates) the cache database at path, creating its parent
// directory if necessary. The returned Cache is safe for concurrent use
// by multiple sync handlers.
func Open(path string) (*Cache, error) {
	if path == "" {
		return nil, errors.New("hashcache: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("hashcache: create directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("hashcache: open: %w", err)
	}
	// A single SQLite connection serializes writers internally; capping
	// the pool at one avoids SQLITE_BUSY under concurrent sync handlers
	// without needing an external mutex around every statement.
	db.SetMaxOpenConns(1)

	c := &Cache{db: db}
	if err := c.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cache) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode = WAL;`,
		`CREATE TABLE IF NOT EXISTS file_cache (
			file_path    TEXT NOT NULL,
			task_id      TEXT NOT NULL,
			md5_hash     TEXT NOT NULL,
			digest_type  TEXT NOT NULL DEFAULT 'md5',
			mtime        REAL NOT NULL,
			last_check   TIMESTAMP NOT NULL,
			PRIMARY KEY (file_path, task_id)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("hashcache: schema: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Get returns the stored entry for (taskID, path), updating its
// last_check timestamp. A missing entry, or any read failure, returns
// ok=false rather than propagating an error — per spec.md §7, a cache
// failure is tolerated and treated as a miss.
func (c *Cache) Get(ctx context.Context, taskID, path string) (Entry, bool) {
	row := c.db.QueryRowContext(ctx,
		`SELECT md5_hash, digest_type, mtime, last_check FROM file_cache WHERE file_path = ? AND task_id = ?`,
		path, taskID)

	var entry Entry
	var digestType string
	var lastCheck time.Time
	if err := row.Scan(&entry.Digest, &digestType, &entry.Mtime, &lastCheck); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			log.Printf("hashcache: get %s/%s: %v", taskID, path, err)
		}
		return Entry{}, false
	}
	if DigestType(digestType) != MD5 {
		return Entry{}, false
	}
	entry.DigestType = DigestType(digestType)
	entry.LastCheck = lastCheck

	if _, err := c.db.ExecContext(ctx,
		`UPDATE file_cache SET last_check = ? WHERE file_path = ? AND task_id = ?`,
		time.Now(), path, taskID); err != nil {
		log.Printf("hashcache: touch %s/%s: %v", taskID, path, err)
	}

	return entry, true
}

// Put upserts the digest/mtime pair for (taskID, path). Write failures
// are logged and swallowed: the worst case is redundant hashing next
// time, not a correctness problem (spec.md §7).
func (c *Cache) Put(ctx context.Context, taskID, path, digest string, mtime float64) {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO file_cache (file_path, task_id, md5_hash, digest_type, mtime, last_check)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_path, task_id) DO UPDATE SET
			md5_hash = excluded.md5_hash,
			digest_type = excluded.digest_type,
			mtime = excluded.mtime,
			last_check = excluded.last_check
	`, path, taskID, digest, string(MD5), mtime, time.Now())
	if err != nil {
		log.Printf("hashcache: put %s/%s: %v", taskID, path, err)
	}
}

// Sweep deletes entries whose last_check predates cutoff. It is
// background hygiene, not required for correctness (spec.md §4.2).
func (c *Cache) Sweep(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM file_cache WHERE last_check < ?`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("hashcache: sweep: %w", err)
	}
	return res.RowsAffected()
}

// DeleteTask removes every entry belonging to taskID, used when a task is
// removed from the supervisor so its cache rows do not linger forever.
func (c *Cache) DeleteTask(ctx context.Context, taskID string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM file_cache WHERE task_id = ?`, taskID)
	return err
}
