// Package cache stores prior analysis results keyed by normalized-content
// fingerprint. Entries expire by TTL and are evicted least-recently-used
// when the byte capacity is exceeded. State survives restarts through a
// sqlite snapshot written on clean shutdown.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/mailsift/mailsift/internal/analysis"
)

// Construction-time and insertion errors.
var (
	// ErrInvalidConfig is returned by New for unusable capacity, TTL or
	// sweep settings. A normal miss never produces an error.
	ErrInvalidConfig = errors.New("invalid cache configuration")

	// ErrEntryTooLarge is returned by Put when a single entry's size
	// estimate exceeds the whole cache capacity. Such entries are
	// rejected, never force-inserted.
	ErrEntryTooLarge = errors.New("cache entry larger than total capacity")
)

// entryOverhead approximates the fixed per-entry bookkeeping cost counted
// against capacity, on top of the serialized result size.
const entryOverhead = 64

// Config holds cache construction settings.
type Config struct {
	// CapacityBytes bounds the summed size estimates of live entries.
	CapacityBytes int64

	// TTL is the lifetime applied to entries stored via Put.
	TTL time.Duration

	// SweepInterval is how often the background sweeper removes expired
	// entries eagerly. Zero disables the sweeper; expiry is then only
	// enforced lazily on Get.
	SweepInterval time.Duration

	// SnapshotPath is the sqlite file used to persist entries across
	// restarts. Empty disables persistence.
	SnapshotPath string
}

// Entry is one cached analysis result with its bookkeeping.
type Entry struct {
	Fingerprint string
	Result      analysis.Result
	CreatedAt   time.Time
	LastAccess  time.Time
	Size        int64
	TTL         time.Duration
}

// expiredAt reports whether the entry's TTL has elapsed at the given time.
func (e *Entry) expiredAt(now time.Time) bool {
	return now.Sub(e.CreatedAt) >= e.TTL
}

// Stats reports cache effectiveness counters.
type Stats struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	Expirations int64 `json:"expirations"`
	Entries     int   `json:"entries"`
	SizeBytes   int64 `json:"size_bytes"`
}

// Cache is a TTL+LRU result cache safe for concurrent use. The read path
// takes a read lock for the lookup and expiry check, and only upgrades to
// the write lock to touch recency on a hit, so warm hit-dominated traffic
// mostly runs under concurrent readers.
type Cache struct {
	mu   sync.RWMutex
	lru  *simplelru.LRU[string, *Entry]
	size int64
	cfg  Config

	hits        int64
	misses      int64
	evictions   int64
	expirations int64

	snap   *snapshotStore
	logger *slog.Logger
	done   chan struct{}
	wg     sync.WaitGroup
}

// New builds a cache, reloading any snapshot found at cfg.SnapshotPath.
// An unreadable snapshot is discarded with a warning, never a failure.
func New(cfg Config, logger *slog.Logger) (*Cache, error) {
	if cfg.CapacityBytes <= 0 {
		return nil, fmt.Errorf("%w: capacity must be positive, got %d", ErrInvalidConfig, cfg.CapacityBytes)
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("%w: ttl must be positive, got %s", ErrInvalidConfig, cfg.TTL)
	}
	if cfg.SweepInterval < 0 {
		return nil, fmt.Errorf("%w: sweep interval cannot be negative", ErrInvalidConfig)
	}

	c := &Cache{
		cfg:    cfg,
		logger: logger.With("component", "cache"),
		done:   make(chan struct{}),
	}

	// The LRU index is bounded by entry count; sizing it to the byte
	// capacity guarantees byte-based eviction always triggers first,
	// since every entry costs at least one byte.
	lru, err := simplelru.NewLRU[string, *Entry](int(cfg.CapacityBytes), c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	c.lru = lru

	if cfg.SnapshotPath != "" {
		c.loadSnapshot()
	}

	if cfg.SweepInterval > 0 {
		c.wg.Add(1)
		go c.sweeper()
	}

	return c, nil
}

// onEvict keeps the size accounting consistent for every removal path:
// explicit Remove, capacity eviction and expiry purge all funnel through it.
func (c *Cache) onEvict(_ string, ent *Entry) {
	c.size -= ent.Size
}

// Get returns the cached result for a fingerprint. A missing or expired
// entry is a miss; expired entries are removed on the way out. Get never
// returns an error.
func (c *Cache) Get(fingerprint string) (analysis.Result, bool) {
	now := time.Now()

	c.mu.RLock()
	ent, ok := c.lru.Peek(fingerprint)
	expired := ok && ent.expiredAt(now)
	c.mu.RUnlock()

	if !ok || expired {
		c.mu.Lock()
		if expired {
			// Re-check under the write lock; another goroutine may have
			// replaced the entry since the read lock was dropped.
			if ent2, still := c.lru.Peek(fingerprint); still && ent2.expiredAt(now) {
				c.lru.Remove(fingerprint)
				c.expirations++
			}
		}
		c.misses++
		c.mu.Unlock()
		return analysis.Result{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	ent, ok = c.lru.Get(fingerprint) // touches recency
	if !ok || ent.expiredAt(now) {
		c.misses++
		return analysis.Result{}, false
	}
	ent.LastAccess = now
	c.hits++
	return ent.Result, true
}

// Put stores a result under its fingerprint with the configured TTL.
// When the insert pushes the cache over capacity, expired entries are
// purged first (staleness before capacity), then least-recently-used
// entries are evicted until the cache fits.
func (c *Cache) Put(fingerprint string, result analysis.Result) error {
	size, err := estimateSize(fingerprint, result)
	if err != nil {
		return fmt.Errorf("estimating entry size: %w", err)
	}
	if size > c.cfg.CapacityBytes {
		return fmt.Errorf("%w: entry size %d, capacity %d", ErrEntryTooLarge, size, c.cfg.CapacityBytes)
	}

	now := time.Now()
	ent := &Entry{
		Fingerprint: fingerprint,
		Result:      result,
		CreatedAt:   now,
		LastAccess:  now,
		Size:        size,
		TTL:         c.cfg.TTL,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Replace any previous entry first so its size is released.
	c.lru.Remove(fingerprint)
	c.lru.Add(fingerprint, ent)
	c.size += size

	if c.size > c.cfg.CapacityBytes {
		c.removeExpiredLocked(now)
	}
	for c.size > c.cfg.CapacityBytes && c.lru.Len() > 0 {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
		c.evictions++
	}
	return nil
}

// Remove deletes a fingerprint if present.
func (c *Cache) Remove(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(fingerprint)
}

// Stats returns a copy of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
		Entries:     c.lru.Len(),
		SizeBytes:   c.size,
	}
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lru.Len()
}

// Contains reports whether a fingerprint is present and unexpired without
// touching recency.
func (c *Cache) Contains(fingerprint string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ent, ok := c.lru.Peek(fingerprint)
	return ok && !ent.expiredAt(time.Now())
}

// Close stops the sweeper and flushes the snapshot. The cache must not be
// used after Close returns.
func (c *Cache) Close(ctx context.Context) error {
	close(c.done)
	c.wg.Wait()

	if c.snap == nil {
		return nil
	}

	c.mu.Lock()
	entries := make([]*Entry, 0, c.lru.Len())
	for _, key := range c.lru.Keys() {
		if ent, ok := c.lru.Peek(key); ok {
			entries = append(entries, ent)
		}
	}
	c.mu.Unlock()

	if err := c.snap.save(ctx, entries); err != nil {
		c.snap.close()
		return fmt.Errorf("flushing cache snapshot: %w", err)
	}
	c.logger.Info("cache snapshot flushed", "entries", len(entries))
	return c.snap.close()
}

// removeExpiredLocked purges every expired entry. Callers hold the write lock.
func (c *Cache) removeExpiredLocked(now time.Time) {
	for _, key := range c.lru.Keys() {
		if ent, ok := c.lru.Peek(key); ok && ent.expiredAt(now) {
			c.lru.Remove(key)
			c.expirations++
		}
	}
}

// sweeper eagerly removes expired entries in the background so memory is
// reclaimed even when keys are never touched again.
func (c *Cache) sweeper() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			before := c.lru.Len()
			c.removeExpiredLocked(time.Now())
			removed := before - c.lru.Len()
			c.mu.Unlock()
			if removed > 0 {
				c.logger.Debug("swept expired cache entries", "removed", removed)
			}
		}
	}
}

// loadSnapshot opens the snapshot store and restores surviving entries.
// Any failure is logged and ignored: a cold cache is always acceptable,
// a failed startup is not.
func (c *Cache) loadSnapshot() {
	snap, err := openSnapshotStore(context.Background(), c.cfg.SnapshotPath)
	if err != nil {
		c.logger.Warn("cache snapshot unreadable, starting cold",
			"path", c.cfg.SnapshotPath,
			"error", err)
		return
	}
	c.snap = snap

	entries, err := snap.load(context.Background())
	if err != nil {
		c.logger.Warn("discarding unreadable cache snapshot",
			"path", c.cfg.SnapshotPath,
			"error", err)
		return
	}

	now := time.Now()
	restored := 0
	// Entries arrive ordered by last access, oldest first, so the LRU
	// recency order is rebuilt as they are inserted.
	for _, ent := range entries {
		if ent.expiredAt(now) || ent.Size > c.cfg.CapacityBytes {
			continue
		}
		c.lru.Add(ent.Fingerprint, ent)
		c.size += ent.Size
		restored++
	}
	for c.size > c.cfg.CapacityBytes && c.lru.Len() > 0 {
		c.lru.RemoveOldest()
		restored--
	}
	c.logger.Info("cache snapshot restored", "entries", restored)
}

// estimateSize approximates the memory cost of an entry: key plus the
// serialized result plus fixed bookkeeping overhead.
func estimateSize(fingerprint string, result analysis.Result) (int64, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return 0, err
	}
	return int64(len(fingerprint)+len(payload)) + entryOverhead, nil
}
