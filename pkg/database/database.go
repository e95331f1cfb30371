// Package database provides a sqlite-backed secondary index of known
// slugs, used for stats reporting and idle-document eviction. The
// authoritative text and revision history for each slug live in
// internal/durability; this index only tracks which slugs exist and
// when they were last touched.
package database

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DocumentRecord is one row of the slug index.
type DocumentRecord struct {
	Slug           string
	LastRev        uint64
	CreatedMs      int64
	LastAccessedMs int64
}

// Database wraps a sqlite connection holding the slug index.
type Database struct {
	db *sql.DB
}

// New opens (creating if absent) the sqlite index at uri and runs
// pending migrations.
func New(uri string) (*Database, error) {
	db, err := sql.Open("sqlite3", uri)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Database{db: db}, nil
}

// Close closes the underlying connection.
func (d *Database) Close() error {
	return d.db.Close()
}

// Touch records that slug was accessed at nowMs, inserting a fresh row
// (with createdMs = nowMs) if it isn't already indexed, and otherwise
// advancing last_rev and last_accessed_ms.
func (d *Database) Touch(slug string, rev uint64, nowMs int64) error {
	_, err := d.db.Exec(`
		INSERT INTO documents (slug, last_rev, created_ms, last_accessed_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(slug) DO UPDATE SET
			last_rev = excluded.last_rev,
			last_accessed_ms = excluded.last_accessed_ms
	`, slug, rev, nowMs, nowMs)
	if err != nil {
		return fmt.Errorf("touch: %w", err)
	}
	return nil
}

// Get retrieves the indexed record for slug, or nil if it isn't known.
func (d *Database) Get(slug string) (*DocumentRecord, error) {
	var rec DocumentRecord
	err := d.db.QueryRow(
		"SELECT slug, last_rev, created_ms, last_accessed_ms FROM documents WHERE slug = ?",
		slug,
	).Scan(&rec.Slug, &rec.LastRev, &rec.CreatedMs, &rec.LastAccessedMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return &rec, nil
}

// Count returns the number of indexed slugs, for /api/stats.
func (d *Database) Count() (int, error) {
	var count int
	if err := d.db.QueryRow("SELECT COUNT(*) FROM documents").Scan(&count); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return count, nil
}

// StaleSlugs returns every slug whose last_accessed_ms is older than
// cutoffMs, for the idle-document cleaner to evict from the in-memory
// hub (their durable state is untouched).
func (d *Database) StaleSlugs(cutoffMs int64) ([]string, error) {
	rows, err := d.db.Query("SELECT slug FROM documents WHERE last_accessed_ms < ?", cutoffMs)
	if err != nil {
		return nil, fmt.Errorf("query stale slugs: %w", err)
	}
	defer rows.Close()

	var slugs []string
	for rows.Next() {
		var slug string
		if err := rows.Scan(&slug); err != nil {
			return nil, fmt.Errorf("scan slug: %w", err)
		}
		slugs = append(slugs, slug)
	}
	return slugs, rows.Err()
}

// Delete removes slug from the index, used when a document is purged
// entirely rather than merely evicted from memory.
func (d *Database) Delete(slug string) error {
	_, err := d.db.Exec("DELETE FROM documents WHERE slug = ?", slug)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}
