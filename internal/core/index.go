package core

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// fingerprintIndexSize bounds the message→fingerprint memo backing
// feedback invalidation.
const fingerprintIndexSize = 512

// FingerprintIndex remembers which cache fingerprint produced the most
// recent decision for a message, so a later user correction can evict
// exactly that entry. The realtime and batch services share one index
// because they write to the same cache.
type FingerprintIndex struct {
	entries *lru.Cache[string, string]
}

// NewFingerprintIndex builds an empty index.
func NewFingerprintIndex() *FingerprintIndex {
	entries, _ := lru.New[string, string](fingerprintIndexSize)
	return &FingerprintIndex{entries: entries}
}

func (i *FingerprintIndex) remember(messageID, fingerprint string) {
	i.entries.Add(messageID, fingerprint)
}

func (i *FingerprintIndex) take(messageID string) (string, bool) {
	fp, ok := i.entries.Get(messageID)
	if ok {
		i.entries.Remove(messageID)
	}
	return fp, ok
}
