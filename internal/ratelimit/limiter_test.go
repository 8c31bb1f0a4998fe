package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiterAdmitsUpToCapacity(t *testing.T) {
	l := NewLimiter(3, 60)
	now := time.Now()

	for i := 0; i < 3; i++ {
		ok, _ := l.TryAcquire("ollama", now)
		assert.True(t, ok, "request %d within burst", i)
	}
	ok, retryAfter := l.TryAcquire("ollama", now)
	assert.False(t, ok)
	assert.Greater(t, retryAfter, time.Duration(0))
}

func TestLimiterRefills(t *testing.T) {
	// 60 per minute refills one token per second.
	l := NewLimiter(1, 60)
	now := time.Now()

	ok, _ := l.TryAcquire("ollama", now)
	assert.True(t, ok)
	ok, retryAfter := l.TryAcquire("ollama", now)
	assert.False(t, ok)
	assert.LessOrEqual(t, retryAfter, time.Second)

	ok, _ = l.TryAcquire("ollama", now.Add(time.Second))
	assert.True(t, ok)
}

func TestLimiterDenialDoesNotConsume(t *testing.T) {
	l := NewLimiter(1, 60)
	now := time.Now()

	l.TryAcquire("ollama", now)
	for i := 0; i < 5; i++ {
		ok, _ := l.TryAcquire("ollama", now)
		assert.False(t, ok)
	}
	// Denied attempts must not push the refill horizon out.
	ok, _ := l.TryAcquire("ollama", now.Add(time.Second))
	assert.True(t, ok)
}

func TestLimiterProvidersAreIndependent(t *testing.T) {
	l := NewLimiter(1, 1)
	now := time.Now()

	ok, _ := l.TryAcquire("ollama", now)
	assert.True(t, ok)
	ok, _ = l.TryAcquire("ollama", now)
	assert.False(t, ok)
	ok, _ = l.TryAcquire("openai", now)
	assert.True(t, ok)
}

func TestLimiterDefaults(t *testing.T) {
	l := NewLimiter(0, 0)
	assert.Equal(t, DefaultCapacity, l.Capacity())
	assert.Equal(t, DefaultPerMinute, l.PerMinute())

	l = NewLimiter(maxBucketCapacity+1, 5)
	assert.Equal(t, DefaultCapacity, l.Capacity())
	assert.Equal(t, 5, l.PerMinute())
}

func TestLimiterSnapshot(t *testing.T) {
	l := NewLimiter(10, 10)
	now := time.Now()

	l.TryAcquire("ollama", now)
	s := l.Snapshot("ollama", now)
	assert.Equal(t, "ollama", s.Provider)
	assert.Equal(t, 10, s.Capacity)
	assert.Equal(t, 10, s.PerMinute)
	assert.InDelta(t, 9.0, s.AvailableTokens, 0.01)
}
