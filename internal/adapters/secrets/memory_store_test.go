package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikey/llm-mail-sorter/internal/core"
)

func TestMemoryStorePutAndGet(t *testing.T) {
	s := NewMemoryStore()

	require.NoError(t, s.Put("api_key", []byte("s3cret")))

	got, err := s.Get("api_key")
	require.NoError(t, err)
	assert.Equal(t, []byte("s3cret"), got)
}

func TestMemoryStoreMissingKey(t *testing.T) {
	s := NewMemoryStore()

	_, err := s.Get("absent")
	assert.ErrorIs(t, err, core.ErrKeyNotFound)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Put("k", []byte("value")))

	got, err := s.Get("k")
	require.NoError(t, err)
	got[0] = 'X'

	again, err := s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), again, "callers cannot mutate the stored secret")
}
