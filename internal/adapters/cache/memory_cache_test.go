package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikey/llm-mail-sorter/internal/core"
)

func newEntry(fingerprint string, ttl time.Duration) *core.CacheEntry {
	return &core.CacheEntry{
		Fingerprint:  fingerprint,
		TargetFolder: "Receipts",
		Confidence:   0.9,
		Rationale:    core.RationaleModelDecided,
		ProviderName: "ollama",
		ModelName:    "llama3.1",
		ExpiresAt:    time.Now().Add(ttl),
	}
}

func TestMemoryCacheSetGet(t *testing.T) {
	c, err := NewMemoryCache(16, nil, 0)
	require.NoError(t, err)
	defer c.Stop()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, newEntry("fp1", time.Hour)))

	got, err := c.Get(ctx, "fp1")
	require.NoError(t, err)
	assert.Equal(t, "Receipts", got.TargetFolder)
	assert.Equal(t, 0.9, got.Confidence)
	assert.Equal(t, int64(1), got.HitCount)

	got, err = c.Get(ctx, "fp1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.HitCount)
}

func TestMemoryCacheMiss(t *testing.T) {
	c, err := NewMemoryCache(16, nil, 0)
	require.NoError(t, err)
	defer c.Stop()

	_, err = c.Get(context.Background(), "absent")
	assert.ErrorIs(t, err, core.ErrCacheMiss)
}

func TestMemoryCacheExpiry(t *testing.T) {
	c, err := NewMemoryCache(16, nil, 0)
	require.NoError(t, err)
	defer c.Stop()
	ctx := context.Background()

	now := time.Now()
	c.WithClock(func() time.Time { return now })

	entry := newEntry("fp1", 0)
	entry.ExpiresAt = now.Add(time.Minute)
	require.NoError(t, c.Set(ctx, entry))

	_, err = c.Get(ctx, "fp1")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = c.Get(ctx, "fp1")
	assert.ErrorIs(t, err, core.ErrCacheMiss)
	assert.Zero(t, c.Len(), "expired entry dropped on access")
}

func TestMemoryCacheSetCopiesEntry(t *testing.T) {
	c, err := NewMemoryCache(16, nil, 0)
	require.NoError(t, err)
	defer c.Stop()
	ctx := context.Background()

	entry := newEntry("fp1", time.Hour)
	require.NoError(t, c.Set(ctx, entry))
	entry.TargetFolder = "Mutated"

	got, err := c.Get(ctx, "fp1")
	require.NoError(t, err)
	assert.Equal(t, "Receipts", got.TargetFolder)
}

func TestMemoryCacheDelete(t *testing.T) {
	c, err := NewMemoryCache(16, nil, 0)
	require.NoError(t, err)
	defer c.Stop()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, newEntry("fp1", time.Hour)))
	require.NoError(t, c.Delete(ctx, "fp1"))

	_, err = c.Get(ctx, "fp1")
	assert.ErrorIs(t, err, core.ErrCacheMiss)
}

func TestMemoryCacheLRUEviction(t *testing.T) {
	c, err := NewMemoryCache(2, nil, 0)
	require.NoError(t, err)
	defer c.Stop()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, newEntry("fp1", time.Hour)))
	require.NoError(t, c.Set(ctx, newEntry("fp2", time.Hour)))

	// Touch fp1 so fp2 becomes the eviction candidate.
	_, err = c.Get(ctx, "fp1")
	require.NoError(t, err)

	require.NoError(t, c.Set(ctx, newEntry("fp3", time.Hour)))
	assert.Equal(t, 2, c.Len())

	_, err = c.Get(ctx, "fp2")
	assert.ErrorIs(t, err, core.ErrCacheMiss)
	_, err = c.Get(ctx, "fp1")
	assert.NoError(t, err)
}

func TestMemoryCachePurge(t *testing.T) {
	c, err := NewMemoryCache(16, nil, 0)
	require.NoError(t, err)
	defer c.Stop()
	ctx := context.Background()

	now := time.Now()
	c.WithClock(func() time.Time { return now })

	for i := 0; i < 3; i++ {
		e := newEntry(fmt.Sprintf("live%d", i), 0)
		e.ExpiresAt = now.Add(time.Hour)
		require.NoError(t, c.Set(ctx, e))
	}
	for i := 0; i < 2; i++ {
		e := newEntry(fmt.Sprintf("dead%d", i), 0)
		e.ExpiresAt = now.Add(time.Minute)
		require.NoError(t, c.Set(ctx, e))
	}

	now = now.Add(10 * time.Minute)
	purged, err := c.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, purged)
	assert.Equal(t, 3, c.Len())
}

func TestMemoryCacheDefaultCapacity(t *testing.T) {
	c, err := NewMemoryCache(0, nil, 0)
	require.NoError(t, err)
	defer c.Stop()
	assert.Zero(t, c.Len())
}
