package core

import (
	"context"
	"errors"
)

// LLMClient is the uniform interface every provider adapter implements.
type LLMClient interface {
	// Classify asks the model to pick one folder from the candidate list.
	// Adapters snap the model's answer onto the list via NormalizeFolder;
	// the orchestrator then rejects anything that still matches nothing.
	Classify(ctx context.Context, prompt *Prompt, folders []string) (*ProviderResult, error)

	// HealthCheck probes the provider without classifying anything.
	HealthCheck(ctx context.Context) HealthStatus

	// Name returns the stable provider identifier.
	Name() string

	// ModelID returns the currently configured model.
	ModelID() string
}

// ErrCacheMiss is returned by CacheRepository.Get when no live entry
// exists for a fingerprint.
var ErrCacheMiss = errors.New("cache entry not found")

// CacheRepository memoizes non-fallback decisions by fingerprint.
type CacheRepository interface {
	// Get returns the live entry for a fingerprint, refreshing its LRU
	// position and incrementing its hit count.
	Get(ctx context.Context, fingerprint string) (*CacheEntry, error)

	// Set stores an entry, evicting the least recently used one if the
	// store is full.
	Set(ctx context.Context, entry *CacheEntry) error

	// Delete removes a single entry.
	Delete(ctx context.Context, fingerprint string) error

	// Purge removes expired entries and returns how many were dropped.
	Purge(ctx context.Context) (int, error)

	// Len returns the number of live entries.
	Len() int
}

// ErrKeyNotFound is returned by SecretStore.Get for unknown references.
var ErrKeyNotFound = errors.New("secret not found")

// ErrStoreDenied is returned when the OS secret store refuses a write.
var ErrStoreDenied = errors.New("secret store denied")

// SecretStore is the narrow adapter over the OS keyring. The core never
// inspects or logs the raw key material it moves around.
type SecretStore interface {
	Get(ref string) ([]byte, error)
	Put(ref string, value []byte) error
}

// FeedbackSink records user corrections for calibration.
type FeedbackSink interface {
	RecordFeedback(ctx context.Context, messageID, previousFolder, actualFolder string) error
}
