package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersistenceStoreBasicOperations(t *testing.T) {
	ps, err := NewMemoryPersistenceStore()
	require.NoError(t, err)
	defer ps.Close()

	key := []byte("fn/00010000")
	value := []byte(`{"compilable":true}`)
	require.NoError(t, ps.Put(key, value))

	got, found, err := ps.Get(key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, value, got)

	_, found, err = ps.Get([]byte("fn/missing"))
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, ps.Delete(key))
	_, found, err = ps.Get(key)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPersistenceStorePrefixes(t *testing.T) {
	ps, err := NewMemoryPersistenceStore()
	require.NoError(t, err)
	defer ps.Close()

	for _, k := range []string{"fn/2", "fn/1", "other/1"} {
		require.NoError(t, ps.Put([]byte(k), []byte(k)))
	}

	n, err := ps.CountPrefix([]byte("fn/"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPersistenceStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	ps, err := NewPersistenceStore(path)
	require.NoError(t, err)
	require.NoError(t, ps.Put([]byte("fn/1"), []byte("x")))
	require.NoError(t, ps.Close())

	ps, err = NewPersistenceStore(path)
	require.NoError(t, err)
	defer ps.Close()
	got, found, err := ps.Get([]byte("fn/1"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "x", string(got))
}
