// Package cache implements the bounded, TTL-expiring response cache keyed by
// request fingerprint.
//
// The in-memory map is authoritative during a run. The embedded store is a
// write-through secondary: puts persist a row, and after a restart entries
// are rehydrated lazily on first lookup. Storage failures degrade the cache
// to memory-only instead of failing requests.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/RobLe3/claudette-sub000/internal/store"
	"github.com/RobLe3/claudette-sub000/pkg/backend"
	"github.com/RobLe3/claudette-sub000/pkg/llmerr"
)

// evictFraction is the share of entries (oldest first) dropped when the
// entry bound is hit.
const evictFraction = 0.25

type entry struct {
	resp         *backend.Response
	createdAt    time.Time
	expiresAt    time.Time
	lastAccessed time.Time
	accessCount  int64
	sizeBytes    int64
}

// Stats is the cache's monotonic counter snapshot.
type Stats struct {
	Entries       int     `json:"entries"`
	Bytes         int64   `json:"bytes"`
	HitRate       float64 `json:"hit_rate"`
	TotalRequests int64   `json:"total_requests"`
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
}

// Persister is the slice of the store the cache writes through to. Nil
// disables persistence.
type Persister interface {
	PutCacheEntry(ctx context.Context, row *store.CacheRow) error
	GetCacheEntry(ctx context.Context, fingerprint string) (*store.CacheRow, error)
	TouchCacheEntry(ctx context.Context, fingerprint string, accessCount int64, lastAccessed time.Time) error
	DeleteCacheEntry(ctx context.Context, fingerprint string) error
	ClearCacheEntries(ctx context.Context) error
}

// Cache is the bounded fingerprint-keyed response cache.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	bytes   int64

	maxEntries int
	maxBytes   int64 // 0 disables the byte bound

	totalRequests int64
	hits          int64
	misses        int64

	persister Persister
	logger    *slog.Logger

	now func() time.Time // swapped in tests
}

// New builds a cache bounded by maxEntries and (when maxBytes > 0) total
// estimated bytes. persister may be nil.
func New(maxEntries int, maxBytes int64, persister Persister, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		entries:    make(map[string]*entry),
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		persister:  persister,
		logger:     logger,
		now:        time.Now,
	}
}

// Get returns the cached response for fingerprint, or nil on miss. A hit
// returns an independent clone with CacheHit set. Expired entries are removed
// and count as misses. On an in-memory miss the persisted layer is consulted
// once so entries survive restarts.
func (c *Cache) Get(ctx context.Context, fingerprint string) *backend.Response {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalRequests++
	now := c.now()

	e, ok := c.entries[fingerprint]
	if !ok {
		e = c.rehydrate(ctx, fingerprint, now)
		if e == nil {
			c.misses++
			return nil
		}
	}

	if !e.expiresAt.After(now) {
		c.removeLocked(ctx, fingerprint, e)
		c.misses++
		return nil
	}

	e.accessCount++
	e.lastAccessed = now
	c.hits++

	if c.persister != nil {
		if err := c.persister.TouchCacheEntry(ctx, fingerprint, e.accessCount, now); err != nil {
			c.logger.Warn("cache touch not persisted", "error", err)
		}
	}

	resp := e.resp.Clone()
	resp.CacheHit = true
	return resp
}

// rehydrate pulls one fingerprint from the persisted layer into the map.
// Returns nil when absent, expired, or unreadable.
func (c *Cache) rehydrate(ctx context.Context, fingerprint string, now time.Time) *entry {
	if c.persister == nil {
		return nil
	}
	row, err := c.persister.GetCacheEntry(ctx, fingerprint)
	if err != nil {
		c.logger.Warn("cache rehydrate failed", "error", err)
		return nil
	}
	if row == nil {
		return nil
	}
	if !row.ExpiresAt.After(now) {
		if err := c.persister.DeleteCacheEntry(ctx, fingerprint); err != nil {
			c.logger.Warn("expired cache row not deleted", "error", err)
		}
		return nil
	}

	var resp backend.Response
	if err := json.Unmarshal(row.Response, &resp); err != nil {
		c.logger.Warn("persisted cache entry unreadable, dropping", "error", err)
		_ = c.persister.DeleteCacheEntry(ctx, fingerprint)
		return nil
	}

	e := &entry{
		resp:         &resp,
		createdAt:    row.CreatedAt,
		expiresAt:    row.ExpiresAt,
		lastAccessed: row.LastAccessed,
		accessCount:  row.AccessCount,
		sizeBytes:    row.SizeBytes,
	}

	// Rehydrated entries honor the same bounds as Put, so a restart with a
	// lowered limit cannot overfill the map.
	if len(c.entries) >= c.maxEntries {
		c.evictOldestLocked(ctx)
	}
	c.entries[fingerprint] = e
	c.bytes += e.sizeBytes
	if c.maxBytes > 0 && c.bytes > c.maxBytes {
		c.evictByWeightLocked(ctx, fingerprint)
	}
	return e
}

// Put inserts a response under fingerprint with the given TTL, evicting as
// needed to stay within bounds. The returned error is a storage degradation
// signal only; the in-memory insert always succeeds.
func (c *Cache) Put(ctx context.Context, fingerprint string, resp *backend.Response, ttl time.Duration) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return llmerr.Wrap(llmerr.KindStorageError, "", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	e := &entry{
		resp:         resp.Clone(),
		createdAt:    now,
		expiresAt:    now.Add(ttl),
		lastAccessed: now,
		sizeBytes:    int64(len(payload)),
	}
	e.resp.CacheHit = false

	if old, ok := c.entries[fingerprint]; ok {
		c.bytes -= old.sizeBytes
	} else if len(c.entries) >= c.maxEntries {
		c.evictOldestLocked(ctx)
	}

	c.entries[fingerprint] = e
	c.bytes += e.sizeBytes

	if c.maxBytes > 0 && c.bytes > c.maxBytes {
		c.evictByWeightLocked(ctx, fingerprint)
	}

	if c.persister == nil {
		return nil
	}
	row := &store.CacheRow{
		CacheKey:     fingerprint,
		PromptHash:   fingerprint,
		Response:     payload,
		CreatedAt:    e.createdAt,
		ExpiresAt:    e.expiresAt,
		AccessCount:  e.accessCount,
		LastAccessed: e.lastAccessed,
		SizeBytes:    e.sizeBytes,
	}
	if err := c.persister.PutCacheEntry(ctx, row); err != nil {
		c.logger.Warn("cache entry not persisted", "error", err)
		return llmerr.Wrap(llmerr.KindStorageError, "", err)
	}
	return nil
}

// evictOldestLocked drops the oldest quarter of entries by createdAt.
func (c *Cache) evictOldestLocked(ctx context.Context) {
	n := int(float64(len(c.entries)) * evictFraction)
	if n < 1 {
		n = 1
	}

	type aged struct {
		key string
		at  time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, aged{k, e.createdAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })

	for _, a := range all[:n] {
		c.removeLocked(ctx, a.key, c.entries[a.key])
	}
}

// evictByWeightLocked drops entries by ascending (accessCount, createdAt)
// until the byte bound holds again. The just-inserted key goes last.
func (c *Cache) evictByWeightLocked(ctx context.Context, keep string) {
	type weighted struct {
		key string
		e   *entry
	}
	all := make([]weighted, 0, len(c.entries))
	for k, e := range c.entries {
		if k != keep {
			all = append(all, weighted{k, e})
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].e.accessCount != all[j].e.accessCount {
			return all[i].e.accessCount < all[j].e.accessCount
		}
		return all[i].e.createdAt.Before(all[j].e.createdAt)
	})

	for _, w := range all {
		if c.bytes <= c.maxBytes {
			return
		}
		c.removeLocked(ctx, w.key, w.e)
	}
	if c.bytes > c.maxBytes {
		if e, ok := c.entries[keep]; ok {
			c.removeLocked(ctx, keep, e)
		}
	}
}

func (c *Cache) removeLocked(ctx context.Context, key string, e *entry) {
	delete(c.entries, key)
	c.bytes -= e.sizeBytes
	if c.persister != nil {
		if err := c.persister.DeleteCacheEntry(ctx, key); err != nil {
			c.logger.Warn("cache row not deleted", "error", err)
		}
	}
}

// Stats returns the current counter snapshot.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Entries:       len(c.entries),
		Bytes:         c.bytes,
		TotalRequests: c.totalRequests,
		Hits:          c.hits,
		Misses:        c.misses,
	}
	if s.TotalRequests > 0 {
		s.HitRate = float64(s.Hits) / float64(s.TotalRequests)
	}
	return s
}

// Clear drops every entry, in memory and persisted. Counters are kept.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*entry)
	c.bytes = 0
	if c.persister != nil {
		if err := c.persister.ClearCacheEntries(ctx); err != nil {
			return llmerr.Wrap(llmerr.KindStorageError, "", err)
		}
	}
	return nil
}
