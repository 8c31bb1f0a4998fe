package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsProduceValidSnapshot(t *testing.T) {
	cfg := NewFromViper(NewEmptyViper())

	snap, err := cfg.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "ollama", snap.Provider)
	assert.True(t, snap.Ollama.Enabled)
	assert.Equal(t, "full", snap.AnalysisMode)
	assert.Equal(t, 0.5, snap.Thresholds.Default)
	assert.Equal(t, 10, snap.RateLimitPerMin)
	assert.Equal(t, 256, snap.QueueSize)
	assert.Equal(t, 4, snap.Workers)
	assert.Equal(t, "memory", snap.Cache.Type)
	assert.Equal(t, 1024, snap.Cache.Capacity)
	assert.Equal(t, time.Hour, snap.Cache.TTL())
}

func TestSnapshotRejectsUnknownKeys(t *testing.T) {
	v := NewEmptyViper()
	v.Set("rate_limit_per_minn", 20) // typo must fail loudly

	_, err := NewFromViper(v).Snapshot()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestSnapshotValidation(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value interface{}
	}{
		{"unknown provider", "provider", "carrier-pigeon"},
		{"disabled provider selected", "provider", "openai"},
		{"bad analysis mode", "analysis_mode", "partial"},
		{"threshold above one", "thresholds.default", 1.5},
		{"threshold below zero", "thresholds.folders.Receipts", -0.1},
		{"zero rate limit", "rate_limit_per_min", 0},
		{"unknown cache type", "cache.type", "redis"},
		{"zero queue", "queue_size", 0},
		{"zero workers", "workers", 0},
		{"zero batch workers", "batch.workers", 0},
		{"bad log level", "logging.level", "trace"},
		{"bad log format", "logging.format", "xml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewEmptyViper()
			v.Set(tt.key, tt.value)
			_, err := NewFromViper(v).Snapshot()
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestSnapshotSQLiteCacheRequiresPath(t *testing.T) {
	v := NewEmptyViper()
	v.Set("cache.type", "sqlite")
	_, err := NewFromViper(v).Snapshot()
	assert.ErrorIs(t, err, ErrInvalid)

	v.Set("cache.sqlite_path", "/tmp/cache.db")
	snap, err := NewFromViper(v).Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", snap.Cache.Type)
}

func TestSnapshotSigningRequiresKeyRef(t *testing.T) {
	v := NewEmptyViper()
	v.Set("signing.enabled", true)
	v.Set("signing.key_ref", "")
	_, err := NewFromViper(v).Snapshot()
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestActiveProvider(t *testing.T) {
	v := NewEmptyViper()
	v.Set("provider", "anthropic")
	v.Set("anthropic.enabled", true)
	v.Set("anthropic.model", "claude-3-5-haiku-latest")

	snap, err := NewFromViper(v).Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "claude-3-5-haiku-latest", snap.ActiveProvider().Model)
}

func TestProviderTimeoutDefaults(t *testing.T) {
	p := ProviderConfig{TimeoutMs: 0}
	assert.Equal(t, 30*time.Second, p.Timeout())

	p.TimeoutMs = 5000
	assert.Equal(t, 5*time.Second, p.Timeout())
}

func TestManagerStageCommit(t *testing.T) {
	m, err := NewManager(NewFromViper(NewEmptyViper()))
	require.NoError(t, err)
	assert.Equal(t, 10, m.Current().RateLimitPerMin)

	candidate, err := m.Stage(map[string]interface{}{"rate_limit_per_min": 25})
	require.NoError(t, err)
	assert.Equal(t, 25, candidate.Snapshot.RateLimitPerMin)
	assert.Equal(t, 10, m.Current().RateLimitPerMin, "staging does not install")

	m.Commit(candidate)
	assert.Equal(t, 25, m.Current().RateLimitPerMin)
}

func TestManagerStageRejectsInvalidPatch(t *testing.T) {
	m, err := NewManager(NewFromViper(NewEmptyViper()))
	require.NoError(t, err)

	_, err = m.Stage(map[string]interface{}{"provider": "nope"})
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Equal(t, "ollama", m.Current().Provider, "failed patch leaves config untouched")
}

func TestManagerApply(t *testing.T) {
	m, err := NewManager(NewFromViper(NewEmptyViper()))
	require.NoError(t, err)

	snap, err := m.Apply(map[string]interface{}{"thresholds.default": 0.8})
	require.NoError(t, err)
	assert.Equal(t, 0.8, snap.Thresholds.Default)
	assert.Equal(t, 0.8, m.Current().Thresholds.Default)
}

func TestManagerPatchMergesOverDefaults(t *testing.T) {
	m, err := NewManager(NewFromViper(NewEmptyViper()))
	require.NoError(t, err)

	_, err = m.Apply(map[string]interface{}{"rate_limit_per_min": 30})
	require.NoError(t, err)

	// Unrelated settings survive the patch.
	cur := m.Current()
	assert.Equal(t, "ollama", cur.Provider)
	assert.Equal(t, 256, cur.QueueSize)
	assert.Equal(t, 30, cur.RateLimitPerMin)
}
