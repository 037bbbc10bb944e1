package sqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/coalesce-ai/coalesce/pkg/models"
)

// Cache is an exact-match result cache backed by SQLite. Entries are keyed
// by (model, args hash) and expire logically: an expired row may still exist
// on disk but is never returned by Lookup.
type Cache struct {
	db         *sql.DB
	maxEntries int64
}

const createCacheTables = `
CREATE TABLE IF NOT EXISTS result_cache (
	model_name TEXT NOT NULL,
	args_hash TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	result BLOB NOT NULL,
	created_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL,
	access_count INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (model_name, args_hash)
);
CREATE INDEX IF NOT EXISTS idx_result_cache_expiry ON result_cache(expires_at);

CREATE TABLE IF NOT EXISTS cache_stats (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	total_requests INTEGER NOT NULL DEFAULT 0,
	cache_hits INTEGER NOT NULL DEFAULT 0,
	cache_misses INTEGER NOT NULL DEFAULT 0,
	batch_requests INTEGER NOT NULL DEFAULT 0,
	current_entries INTEGER NOT NULL DEFAULT 0
);
INSERT OR IGNORE INTO cache_stats (id) VALUES (1);
`

// New creates a Cache with the given database path and entry bound.
func New(dbPath string, maxEntries int64) (*Cache, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	if _, err := db.Exec(createCacheTables); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	return &Cache{db: db, maxEntries: maxEntries}, nil
}

// HashArgs computes a SHA-256 hash over the full call arguments, including
// the input payload already merged in. map keys marshal in sorted order, so
// equal argument sets hash equally.
func HashArgs(args map[string]any) string {
	data, _ := json.Marshal(args)
	return fmt.Sprintf("%x", sha256.Sum256(data))
}

// HashContent computes a SHA-256 hash of a result payload.
func HashContent(content []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(content))
}

// Lookup retrieves an unexpired entry. It does not touch the stats counters;
// callers record the hit or miss decision separately.
func (c *Cache) Lookup(ctx context.Context, model, argsHash string) (*models.CacheEntry, bool, error) {
	entry := models.CacheEntry{Model: model, ArgsHash: argsHash}

	err := c.db.QueryRowContext(ctx,
		`SELECT content_hash, result, created_at, expires_at, access_count
		 FROM result_cache
		 WHERE model_name = ? AND args_hash = ? AND expires_at > ?`,
		model, argsHash, time.Now().UTC(),
	).Scan(&entry.ContentHash, &entry.Result, &entry.CreatedAt, &entry.ExpiresAt, &entry.AccessCount)

	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache lookup: %w", err)
	}
	return &entry, true, nil
}

// Store upserts an entry keyed by (model, args hash): insert if absent,
// otherwise overwrite the payload, refresh the timestamps, and bump the
// access count. The configured max-entries bound is enforced afterwards by
// evicting the rows closest to expiry.
func (c *Cache) Store(ctx context.Context, model, argsHash, contentHash string, result []byte, ttl time.Duration) error {
	now := time.Now().UTC()
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO result_cache (model_name, args_hash, content_hash, result, created_at, expires_at, access_count)
		 VALUES (?, ?, ?, ?, ?, ?, 1)
		 ON CONFLICT(model_name, args_hash) DO UPDATE SET
		 content_hash = excluded.content_hash,
		 result = excluded.result,
		 created_at = excluded.created_at,
		 expires_at = excluded.expires_at,
		 access_count = result_cache.access_count + 1`,
		model, argsHash, contentHash, result, now, now.Add(ttl),
	)
	if err != nil {
		return fmt.Errorf("cache store: %w", err)
	}

	if err := c.enforceMaxEntries(ctx); err != nil {
		return err
	}
	return c.refreshEntryCount(ctx)
}

func (c *Cache) enforceMaxEntries(ctx context.Context) error {
	if c.maxEntries <= 0 {
		return nil
	}
	var count int64
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM result_cache`).Scan(&count); err != nil {
		return fmt.Errorf("cache count: %w", err)
	}
	if count <= c.maxEntries {
		return nil
	}
	_, err := c.db.ExecContext(ctx,
		`DELETE FROM result_cache WHERE rowid IN (
			SELECT rowid FROM result_cache ORDER BY expires_at ASC LIMIT ?
		 )`,
		count-c.maxEntries,
	)
	if err != nil {
		return fmt.Errorf("cache evict: %w", err)
	}
	return nil
}

func (c *Cache) refreshEntryCount(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE cache_stats SET current_entries = (SELECT COUNT(*) FROM result_cache)`)
	if err != nil {
		return fmt.Errorf("cache refresh count: %w", err)
	}
	return nil
}

// RecordRequest increments the request counters for a single lookup decision.
func (c *Cache) RecordRequest(ctx context.Context, hit bool) error {
	var query string
	if hit {
		query = `UPDATE cache_stats SET total_requests = total_requests + 1, cache_hits = cache_hits + 1`
	} else {
		query = `UPDATE cache_stats SET total_requests = total_requests + 1, cache_misses = cache_misses + 1`
	}
	if _, err := c.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("cache record request: %w", err)
	}
	return nil
}

// RecordBatch increments the aggregated counters for one batch call.
func (c *Cache) RecordBatch(ctx context.Context, hits, misses, items int) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE cache_stats SET
		 cache_hits = cache_hits + ?,
		 cache_misses = cache_misses + ?,
		 total_requests = total_requests + ?,
		 batch_requests = batch_requests + 1`,
		hits, misses, items,
	)
	if err != nil {
		return fmt.Errorf("cache record batch: %w", err)
	}
	return nil
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats(ctx context.Context) (models.CacheStats, error) {
	var s models.CacheStats
	err := c.db.QueryRowContext(ctx,
		`SELECT total_requests, cache_hits, cache_misses, batch_requests, current_entries
		 FROM cache_stats WHERE id = 1`,
	).Scan(&s.TotalRequests, &s.Hits, &s.Misses, &s.BatchRequests, &s.CurrentEntries)
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	if s.TotalRequests > 0 {
		ratio := float64(s.Hits) * 100 / float64(s.TotalRequests)
		s.HitRatio = float64(int(ratio*100+0.5)) / 100
	}
	s.MaxEntries = c.maxEntries
	return s, nil
}

// Clear removes cache entries and returns how many were deleted. With
// all=true every entry is removed and every counter is zeroed; otherwise
// only expired entries are removed and the hit/miss counters are untouched.
func (c *Cache) Clear(ctx context.Context, all bool) (int64, error) {
	var res sql.Result
	var err error
	if all {
		res, err = c.db.ExecContext(ctx, `DELETE FROM result_cache`)
	} else {
		res, err = c.db.ExecContext(ctx, `DELETE FROM result_cache WHERE expires_at < ?`, time.Now().UTC())
	}
	if err != nil {
		return 0, fmt.Errorf("cache clear: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cache clear: %w", err)
	}

	if all {
		_, err = c.db.ExecContext(ctx,
			`UPDATE cache_stats SET total_requests = 0, cache_hits = 0, cache_misses = 0,
			 batch_requests = 0, current_entries = 0`)
		if err != nil {
			return deleted, fmt.Errorf("cache reset stats: %w", err)
		}
		return deleted, nil
	}
	return deleted, c.refreshEntryCount(ctx)
}

// Close releases the database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}
