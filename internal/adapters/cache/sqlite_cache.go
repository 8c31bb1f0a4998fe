package cache

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/mikey/llm-mail-sorter/internal/core"
)

// sqliteTimeLayout matches the text produced by SQLite's datetime('now'),
// so expiry comparisons can stay inside the SQL.
const sqliteTimeLayout = "2006-01-02 15:04:05"

// SQLiteCache is the durable implementation of core.CacheRepository.
// Decisions survive host restarts, which matters because the browser
// starts and stops this process with every session.
type SQLiteCache struct {
	db          *sql.DB
	logger      *zap.Logger
	cleanupFreq time.Duration
	stopCh      chan struct{}
}

// NewSQLiteCache opens (and if needed creates) the cache database.
func NewSQLiteCache(dbPath string, logger *zap.Logger, cleanupFreq time.Duration) (*SQLiteCache, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS decision_cache (
			fingerprint TEXT PRIMARY KEY,
			target_folder TEXT NOT NULL,
			confidence REAL NOT NULL,
			rationale TEXT NOT NULL,
			provider_name TEXT NOT NULL,
			model_name TEXT NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			hit_count INTEGER NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	_, err = db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_decision_expires_at ON decision_cache(expires_at)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create index: %w", err)
	}

	cache := &SQLiteCache{
		db:          db,
		logger:      logger,
		cleanupFreq: cleanupFreq,
		stopCh:      make(chan struct{}),
	}

	if cleanupFreq > 0 {
		go cache.startCleanupTask()
	}

	return cache, nil
}

// Get returns the live entry for a fingerprint, bumping its hit count.
func (c *SQLiteCache) Get(ctx context.Context, fingerprint string) (*core.CacheEntry, error) {
	entry := &core.CacheEntry{Fingerprint: fingerprint}
	var expiresAt string

	err := c.db.QueryRowContext(ctx, `
		SELECT target_folder, confidence, rationale, provider_name, model_name, expires_at, hit_count
		FROM decision_cache
		WHERE fingerprint = ? AND expires_at > datetime('now')
	`, fingerprint).Scan(
		&entry.TargetFolder, &entry.Confidence, (*string)(&entry.Rationale),
		&entry.ProviderName, &entry.ModelName, &expiresAt, &entry.HitCount,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, core.ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to query cache: %w", err)
	}

	entry.ExpiresAt, err = time.ParseInLocation(sqliteTimeLayout, expiresAt, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("failed to parse expires_at: %w", err)
	}

	entry.HitCount++
	_, err = c.db.ExecContext(ctx, `
		UPDATE decision_cache SET hit_count = hit_count + 1 WHERE fingerprint = ?
	`, fingerprint)
	if err != nil {
		c.logger.Warn("failed to bump cache hit count", zap.Error(err))
	}

	return entry, nil
}

// Set stores an entry, replacing any previous one for the fingerprint.
func (c *SQLiteCache) Set(ctx context.Context, entry *core.CacheEntry) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO decision_cache
			(fingerprint, target_folder, confidence, rationale, provider_name, model_name, expires_at, hit_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.Fingerprint, entry.TargetFolder, entry.Confidence, string(entry.Rationale),
		entry.ProviderName, entry.ModelName, entry.ExpiresAt.UTC().Format(sqliteTimeLayout), entry.HitCount)
	if err != nil {
		return fmt.Errorf("failed to insert cache entry: %w", err)
	}
	return nil
}

// Delete removes a single entry.
func (c *SQLiteCache) Delete(ctx context.Context, fingerprint string) error {
	_, err := c.db.ExecContext(ctx, `
		DELETE FROM decision_cache WHERE fingerprint = ?
	`, fingerprint)
	if err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// Purge removes expired entries and returns how many were dropped.
func (c *SQLiteCache) Purge(ctx context.Context) (int, error) {
	result, err := c.db.ExecContext(ctx, `
		DELETE FROM decision_cache WHERE expires_at <= datetime('now')
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired entries: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		c.logger.Warn("failed to get rows affected during purge", zap.Error(err))
		return 0, nil
	}
	if rowsAffected > 0 {
		c.logger.Debug("purged expired cache entries", zap.Int64("expired_count", rowsAffected))
	}
	return int(rowsAffected), nil
}

// Len returns the number of live entries.
func (c *SQLiteCache) Len() int {
	var n int
	err := c.db.QueryRow(`
		SELECT COUNT(*) FROM decision_cache WHERE expires_at > datetime('now')
	`).Scan(&n)
	if err != nil {
		c.logger.Warn("failed to count cache entries", zap.Error(err))
		return 0
	}
	return n
}

func (c *SQLiteCache) startCleanupTask() {
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

// Stop stops the background cleanup task and closes the database.
func (c *SQLiteCache) Stop() {
	close(c.stopCh)
	if err := c.db.Close(); err != nil {
		c.logger.Error("failed to close SQLite database", zap.Error(err))
	}
}
