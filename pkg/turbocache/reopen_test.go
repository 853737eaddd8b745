package turbocache_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/frozen-lab/turbofox-sub000/pkg/turbocache"
)

func Test_Reopen_Preserves_Entries(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	cache := openTestCache(t, turbocache.Options{Dir: dir})

	require.NoError(t, cache.Set([]byte("persist"), []byte("me")))
	require.NoError(t, cache.Set([]byte("doomed"), []byte("x")))

	_, _, err := cache.Remove([]byte("doomed"))
	require.NoError(t, err)

	require.NoError(t, cache.Close())

	reopened := openTestCache(t, turbocache.Options{Dir: dir})

	val, found, err := reopened.Get([]byte("persist"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("me"), val)

	_, found, err = reopened.Get([]byte("doomed"))
	require.NoError(t, err)
	require.False(t, found, "a removed key must stay removed across reopen")

	require.Equal(t, uint64(1), reopened.Len())
}

func Test_Reopen_Preserves_A_Split_Partition(t *testing.T) {
	t.Parallel()

	const n = 800

	dir := t.TempDir()

	cache := openTestCache(t, turbocache.Options{Dir: dir, InitialCapacity: 64})

	for i := range n {
		require.NoError(t, cache.Set(fmt.Appendf(nil, "key-%d", i), fmt.Appendf(nil, "val-%d", i)))
	}

	shardsBefore := len(cache.Stats())
	require.Greater(t, shardsBefore, 1)

	require.NoError(t, cache.Close())

	reopened := openTestCache(t, turbocache.Options{Dir: dir, InitialCapacity: 64})

	require.Len(t, reopened.Stats(), shardsBefore)
	require.Equal(t, uint64(n), reopened.Len())

	for i := range n {
		val, found, err := reopened.Get(fmt.Appendf(nil, "key-%d", i))
		require.NoError(t, err)
		require.True(t, found, "key-%d lost across reopen", i)
		require.Equal(t, fmt.Sprintf("val-%d", i), string(val))
	}
}

func Test_Reopen_With_A_Different_Capacity_Fails(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	cache := openTestCache(t, turbocache.Options{Dir: dir, InitialCapacity: 1024})
	require.NoError(t, cache.Set([]byte("k"), []byte("v")))
	require.NoError(t, cache.Close())

	_, err := turbocache.Open(turbocache.Options{Dir: dir, InitialCapacity: 2048})
	require.ErrorIs(t, err, turbocache.ErrIncompatible)

	// The recorded capacity still works.
	reopened := openTestCache(t, turbocache.Options{Dir: dir, InitialCapacity: 1024})

	val, found, err := reopened.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v"), val)
}

func Test_Reopen_Defaults_To_The_Recorded_Capacity(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	cache := openTestCache(t, turbocache.Options{Dir: dir, InitialCapacity: 128})
	require.NoError(t, cache.Set([]byte("k"), []byte("v")))
	require.NoError(t, cache.Close())

	// Omitting InitialCapacity on reopen picks up the settings file rather
	// than failing against the package default.
	reopened := openTestCache(t, turbocache.Options{Dir: dir})

	_, found, err := reopened.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
}
