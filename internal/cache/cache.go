// Package cache is the durable response cache: a SQLite-backed key
// value store with TTLs, tag invalidation, and LRU eviction under a
// byte budget. When the database cannot be opened or written the cache
// degrades to a bounded in-memory store for the rest of its life.
package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/marzfleet/marzfleet/internal/scanloop"
	"github.com/marzfleet/marzfleet/internal/storage"
)

const (
	// DefaultMaxSizeBytes bounds the store at 100 MiB.
	DefaultMaxSizeBytes = 100 << 20
	// DefaultCleanupInterval is how often expired rows are purged.
	DefaultCleanupInterval = 5 * time.Minute

	cleanupJitter = 30 * time.Second
)

// Config configures the cache store.
type Config struct {
	// Path is the SQLite database file.
	Path string
	// MaxSizeBytes is the eviction budget. Zero means DefaultMaxSizeBytes.
	MaxSizeBytes int64
	// CleanupInterval is the expired-row purge cadence. Zero means
	// DefaultCleanupInterval.
	CleanupInterval time.Duration
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Hits           int64   `json:"hits"`
	Misses         int64   `json:"misses"`
	Evictions      int64   `json:"evictions"`
	TotalEntries   int64   `json:"total_entries"`
	TotalSizeBytes int64   `json:"total_size_bytes"`
	HitRate        float64 `json:"hit_rate"`
}

// Cache is the durable store. All methods are safe for concurrent use.
type Cache struct {
	maxSize int64

	mu        sync.Mutex
	db        *sql.DB
	mem       *memStore
	hits      int64
	misses    int64
	evictions int64

	now func() time.Time

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New opens the store at cfg.Path, migrates its schema, loads the
// persisted counters, and starts the cleanup loop. A database that
// cannot be opened is not fatal: the cache comes up degraded.
func New(cfg Config) *Cache {
	if cfg.MaxSizeBytes <= 0 {
		cfg.MaxSizeBytes = DefaultMaxSizeBytes
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}

	c := &Cache{
		maxSize: cfg.MaxSizeBytes,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}

	db, err := storage.Open(cfg.Path)
	if err == nil {
		if merr := storage.MigrateCacheDB(db); merr != nil {
			db.Close()
			err = merr
		}
	}
	if err != nil {
		log.Printf("[cache] opening %s: %v, degrading to in-memory store", cfg.Path, err)
		c.mem = newMemStore(cfg.MaxSizeBytes)
	} else {
		c.db = db
		c.loadStats()
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		scanloop.Run(c.stopCh, cfg.CleanupInterval, cleanupJitter, func() {
			if n := c.CleanupExpired(); n > 0 {
				log.Printf("[cache] cleanup removed %d expired entries", n)
			}
		})
	}()
	return c
}

// Get returns the cached value for key, or false on a miss. Expired
// entries are removed on access and count as misses.
func (c *Cache) Get(key string) ([]byte, bool) {
	sk := storageKey(key)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mem != nil {
		value, ok := c.mem.get(sk, now)
		c.countLocked(ok)
		return value, ok
	}

	var value []byte
	var expires sql.NullInt64
	err := c.db.QueryRow(
		`SELECT value, expires_at_ns FROM cache_entries WHERE key = ?`, sk,
	).Scan(&value, &expires)
	if err != nil {
		c.countLocked(false)
		return nil, false
	}
	if expires.Valid && expires.Int64 <= now.UnixNano() {
		c.db.Exec(`DELETE FROM cache_entries WHERE key = ?`, sk)
		c.countLocked(false)
		return nil, false
	}

	c.db.Exec(
		`UPDATE cache_entries SET access_count = access_count + 1, last_accessed_ns = ? WHERE key = ?`,
		now.UnixNano(), sk,
	)
	c.countLocked(true)
	return value, true
}

// GetJSON unmarshals the cached value for key into dst.
func (c *Cache) GetJSON(key string, dst any) bool {
	value, ok := c.Get(key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(value, dst); err != nil {
		log.Printf("[cache] decoding %q: %v", key, err)
		return false
	}
	return true
}

// Set stores value under key. A non-positive ttl means no expiry.
// Storing over an existing key resets its access count. When the new
// entry would push the store past its byte budget, least recently
// accessed entries are evicted until it fits.
func (c *Cache) Set(key string, value []byte, ttl time.Duration, tags []string) error {
	sk := storageKey(key)
	now := c.now()
	var expiresAt int64
	if ttl > 0 {
		expiresAt = now.Add(ttl).UnixNano()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mem != nil {
		c.mem.set(sk, value, expiresAt, tags)
		return nil
	}
	if err := c.setDBLocked(sk, value, now, expiresAt, tags); err != nil {
		c.degradeLocked(err)
		c.mem.set(sk, value, expiresAt, tags)
	}
	return nil
}

// SetJSON marshals value and stores it under key.
func (c *Cache) SetJSON(key string, value any, ttl time.Duration, tags []string) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	return c.Set(key, raw, ttl, tags)
}

func (c *Cache) setDBLocked(sk string, value []byte, now time.Time, expiresAt int64, tags []string) error {
	size := int64(len(value))

	tx, err := c.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	evicted, err := c.evictForLocked(tx, sk, size)
	if err != nil {
		return err
	}

	var expires any
	if expiresAt > 0 {
		expires = expiresAt
	}
	_, err = tx.Exec(
		`INSERT OR REPLACE INTO cache_entries
		 (key, value, created_at_ns, expires_at_ns, access_count, last_accessed_ns, size_bytes, tags)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?)`,
		sk, value, now.UnixNano(), expires, now.UnixNano(), size, joinTags(tags),
	)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	c.evictions += int64(evicted)
	return nil
}

// evictForLocked removes least recently accessed rows until need bytes
// fit under the budget, never counting the row being replaced.
func (c *Cache) evictForLocked(tx *sql.Tx, replaceKey string, need int64) (int, error) {
	var total int64
	if err := tx.QueryRow(
		`SELECT COALESCE(SUM(size_bytes), 0) FROM cache_entries WHERE key != ?`, replaceKey,
	).Scan(&total); err != nil {
		return 0, err
	}
	if total+need <= c.maxSize {
		return 0, nil
	}

	rows, err := tx.Query(
		`SELECT key, size_bytes FROM cache_entries WHERE key != ? ORDER BY last_accessed_ns ASC`, replaceKey,
	)
	if err != nil {
		return 0, err
	}
	var victims []string
	for rows.Next() {
		var k string
		var size int64
		if err := rows.Scan(&k, &size); err != nil {
			rows.Close()
			return 0, err
		}
		victims = append(victims, k)
		total -= size
		if total+need <= c.maxSize {
			break
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, k := range victims {
		if _, err := tx.Exec(`DELETE FROM cache_entries WHERE key = ?`, k); err != nil {
			return 0, err
		}
	}
	return len(victims), nil
}

// Delete removes key and reports whether an entry existed.
func (c *Cache) Delete(key string) bool {
	sk := storageKey(key)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mem != nil {
		return c.mem.delete(sk)
	}
	res, err := c.db.Exec(`DELETE FROM cache_entries WHERE key = ?`, sk)
	if err != nil {
		return false
	}
	n, _ := res.RowsAffected()
	return n > 0
}

// Exists reports whether key holds an unexpired entry, without
// touching the hit counters or access metadata.
func (c *Cache) Exists(key string) bool {
	sk := storageKey(key)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mem != nil {
		_, ok := c.mem.peek(sk, now)
		return ok
	}
	var expires sql.NullInt64
	err := c.db.QueryRow(`SELECT expires_at_ns FROM cache_entries WHERE key = ?`, sk).Scan(&expires)
	if err != nil {
		return false
	}
	return !expires.Valid || expires.Int64 > now.UnixNano()
}

// Clear removes entries. With no tags every entry goes; otherwise an
// entry is removed when its tag set intersects the given tags. Returns
// the number of entries removed.
func (c *Cache) Clear(tags ...string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mem != nil {
		return c.mem.clear(tags)
	}

	if len(tags) == 0 {
		res, err := c.db.Exec(`DELETE FROM cache_entries`)
		if err != nil {
			return 0
		}
		n, _ := res.RowsAffected()
		return int(n)
	}

	rows, err := c.db.Query(`SELECT key, tags FROM cache_entries WHERE tags != ''`)
	if err != nil {
		return 0
	}
	var victims []string
	for rows.Next() {
		var key, joined string
		if err := rows.Scan(&key, &joined); err != nil {
			continue
		}
		if tagsIntersect(strings.Split(joined, ","), tags) {
			victims = append(victims, key)
		}
	}
	rows.Close()

	removed := 0
	for _, k := range victims {
		if res, err := c.db.Exec(`DELETE FROM cache_entries WHERE key = ?`, k); err == nil {
			n, _ := res.RowsAffected()
			removed += int(n)
		}
	}
	return removed
}

// CleanupExpired removes entries whose TTL has passed and persists the
// counters. Returns the number removed.
func (c *Cache) CleanupExpired() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mem != nil {
		return c.mem.cleanupExpired(now)
	}
	res, err := c.db.Exec(
		`DELETE FROM cache_entries WHERE expires_at_ns IS NOT NULL AND expires_at_ns <= ?`,
		now.UnixNano(),
	)
	if err != nil {
		return 0
	}
	n, _ := res.RowsAffected()
	c.persistStatsLocked(now)
	return int(n)
}

// Stats snapshots the counters and store totals.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	if c.mem != nil {
		st.TotalEntries, st.TotalSizeBytes = c.mem.totals()
	} else {
		c.db.QueryRow(
			`SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM cache_entries`,
		).Scan(&st.TotalEntries, &st.TotalSizeBytes)
	}
	if lookups := st.Hits + st.Misses; lookups > 0 {
		st.HitRate = float64(st.Hits) / float64(lookups) * 100
	}
	return st
}

// Close stops the cleanup loop, persists the counters, and closes the
// database.
func (c *Cache) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stopCh)
		c.wg.Wait()

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.db != nil {
			c.persistStatsLocked(c.now())
			err = c.db.Close()
			c.db = nil
		}
		if c.mem != nil {
			c.mem.close()
			c.mem = nil
		}
	})
	return err
}

// degradeLocked switches to the in-memory store after a hard database
// failure. Logged once; the database stays closed for the rest of the
// cache's life.
func (c *Cache) degradeLocked(cause error) {
	if c.mem != nil {
		return
	}
	log.Printf("[cache] database write failed: %v, degrading to in-memory store", cause)
	c.mem = newMemStore(c.maxSize)
	if c.db != nil {
		c.db.Close()
		c.db = nil
	}
}

func (c *Cache) countLocked(hit bool) {
	if hit {
		c.hits++
	} else {
		c.misses++
	}
}

func (c *Cache) loadStats() {
	c.db.QueryRow(
		`SELECT hits, misses, evictions FROM cache_stats WHERE id = 1`,
	).Scan(&c.hits, &c.misses, &c.evictions)
}

func (c *Cache) persistStatsLocked(now time.Time) {
	if c.db == nil {
		return
	}
	c.db.Exec(
		`UPDATE cache_stats SET hits = ?, misses = ?, evictions = ?, last_cleanup_ns = ? WHERE id = 1`,
		c.hits, c.misses, c.evictions, now.UnixNano(),
	)
}

// joinTags renders a tag set as a comma-joined sorted list.
func joinTags(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	sorted := make([]string, len(tags))
	copy(sorted, tags)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

func tagsIntersect(have, want []string) bool {
	for _, h := range have {
		for _, w := range want {
			if h == w {
				return true
			}
		}
	}
	return false
}
