package secrets

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"

	"github.com/mikey/llm-mail-sorter/internal/core"
)

const serviceName = "llm-mail-sorter"

// KeyringStore implements core.SecretStore on top of the OS keyring.
// Key material lives in the platform store (Keychain, Secret Service,
// Windows Credential Manager) and is only ever held in memory here.
type KeyringStore struct {
	ring keyring.Keyring
}

// NewKeyringStore opens the platform keyring.
func NewKeyringStore() (*KeyringStore, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/llm-mail-sorter/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("llm-mail-sorter-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &KeyringStore{ring: ring}, nil
}

// Get retrieves the secret for a key reference.
func (s *KeyringStore) Get(ref string) ([]byte, error) {
	item, err := s.ring.Get(ref)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", core.ErrKeyNotFound, ref)
		}
		return nil, fmt.Errorf("getting secret %q: %w", ref, err)
	}
	return item.Data, nil
}

// Put stores a secret under a key reference.
func (s *KeyringStore) Put(ref string, value []byte) error {
	err := s.ring.Set(keyring.Item{
		Key:  ref,
		Data: value,
	})
	if err != nil {
		return fmt.Errorf("%w: setting secret %q: %v", core.ErrStoreDenied, ref, err)
	}
	return nil
}

// Delete removes a secret.
func (s *KeyringStore) Delete(ref string) error {
	if err := s.ring.Remove(ref); err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("deleting secret %q: %w", ref, err)
	}
	return nil
}
