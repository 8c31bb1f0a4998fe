package secrets

import (
	"fmt"
	"sync"

	"github.com/mikey/llm-mail-sorter/internal/core"
)

// MemoryStore is an in-memory core.SecretStore for tests and for
// environments without a usable OS keyring (headless CI).
type MemoryStore struct {
	mu      sync.RWMutex
	secrets map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{secrets: make(map[string][]byte)}
}

// Get retrieves the secret for a key reference.
func (s *MemoryStore) Get(ref string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.secrets[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrKeyNotFound, ref)
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Put stores a secret under a key reference.
func (s *MemoryStore) Put(ref string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]byte, len(value))
	copy(stored, value)
	s.secrets[ref] = stored
	return nil
}
