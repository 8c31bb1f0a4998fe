package cache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/mikey/llm-mail-sorter/internal/core"
)

// DefaultCapacity bounds the memory cache when no capacity is configured.
const DefaultCapacity = 1024

// MemoryCache is the LRU-bounded in-process implementation of
// core.CacheRepository. Entries are keyed by decision fingerprint; an
// expired entry is treated as a miss and dropped on access.
type MemoryCache struct {
	mu          sync.Mutex
	entries     *lru.Cache[string, *core.CacheEntry]
	logger      *zap.Logger
	cleanupFreq time.Duration
	stopCh      chan struct{}
	stopOnce    sync.Once
	now         func() time.Time
}

// NewMemoryCache creates a new in-memory cache with the given capacity.
func NewMemoryCache(capacity int, logger *zap.Logger, cleanupFreq time.Duration) (*MemoryCache, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	entries, err := lru.New[string, *core.CacheEntry](capacity)
	if err != nil {
		return nil, err
	}

	cache := &MemoryCache{
		entries:     entries,
		logger:      logger,
		cleanupFreq: cleanupFreq,
		stopCh:      make(chan struct{}),
		now:         time.Now,
	}

	if cleanupFreq > 0 {
		go cache.startCleanupTask()
	}

	return cache, nil
}

// WithClock overrides the time source. Tests only.
func (c *MemoryCache) WithClock(now func() time.Time) *MemoryCache {
	c.now = now
	return c
}

// Get returns the live entry for a fingerprint. Access refreshes the LRU
// position and increments the hit count.
func (c *MemoryCache) Get(_ context.Context, fingerprint string) (*core.CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries.Get(fingerprint)
	if !ok {
		return nil, core.ErrCacheMiss
	}
	if c.now().After(entry.ExpiresAt) {
		c.entries.Remove(fingerprint)
		return nil, core.ErrCacheMiss
	}

	entry.HitCount++
	out := *entry
	return &out, nil
}

// Set stores an entry, evicting the least recently used one when full.
func (c *MemoryCache) Set(_ context.Context, entry *core.CacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := *entry
	if evicted := c.entries.Add(entry.Fingerprint, &stored); evicted {
		c.logger.Debug("cache entry evicted", zap.Int("size", c.entries.Len()))
	}
	return nil
}

// Delete removes a single entry.
func (c *MemoryCache) Delete(_ context.Context, fingerprint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(fingerprint)
	return nil
}

// Purge removes expired entries and returns how many were dropped.
func (c *MemoryCache) Purge(_ context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	expired := 0
	for _, key := range c.entries.Keys() {
		if entry, ok := c.entries.Peek(key); ok && now.After(entry.ExpiresAt) {
			c.entries.Remove(key)
			expired++
		}
	}
	if expired > 0 {
		c.logger.Debug("purged expired cache entries", zap.Int("expired_count", expired))
	}
	return expired, nil
}

// Len returns the number of live entries.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

func (c *MemoryCache) startCleanupTask() {
	ticker := time.NewTicker(c.cleanupFreq)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := c.Purge(context.Background()); err != nil {
				c.logger.Error("failed to purge cache", zap.Error(err))
			}
		case <-c.stopCh:
			return
		}
	}
}

// Stop stops the background cleanup task.
func (c *MemoryCache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}
