package factory

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/mikey/llm-mail-sorter/internal/adapters/cache"
	"github.com/mikey/llm-mail-sorter/internal/config"
	"github.com/mikey/llm-mail-sorter/internal/core"
)

// cleanupFreq is how often the cache backends purge expired entries.
const cleanupFreq = time.Hour

// CacheFactory creates cache repositories based on configuration
type CacheFactory struct {
	cfg    config.CacheConfig
	logger *zap.Logger
}

// NewCacheFactory creates a new cache factory
func NewCacheFactory(cfg config.CacheConfig, logger *zap.Logger) *CacheFactory {
	return &CacheFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateCacheRepository creates a cache repository based on the
// configuration. It returns nil when caching is disabled.
func (f *CacheFactory) CreateCacheRepository() (core.CacheRepository, error) {
	if !f.cfg.Enabled {
		return nil, nil
	}

	switch f.cfg.Type {
	case "memory":
		return cache.NewMemoryCache(f.cfg.Capacity, f.logger, cleanupFreq)
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(f.cfg.SQLitePath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create SQLite directory: %w", err)
		}
		return cache.NewSQLiteCache(f.cfg.SQLitePath, f.logger, cleanupFreq)
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", f.cfg.Type)
	}
}
