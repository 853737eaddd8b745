package flock_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/frozen-lab/turbofox-sub000/internal/flock"
)

func Test_TryLock_Acquires_And_Releases(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), ".lock")

	lock, err := flock.TryLock(path)
	require.NoError(t, err)

	require.NoError(t, lock.Close())

	// The lock file stays on disk after release.
	_, statErr := os.Stat(path)
	require.NoError(t, statErr)

	relocked, err := flock.TryLock(path)
	require.NoError(t, err)
	require.NoError(t, relocked.Close())
}

func Test_TryLock_Conflicts_On_A_Held_Lock(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), ".lock")

	lock, err := flock.TryLock(path)
	require.NoError(t, err)

	defer func() { require.NoError(t, lock.Close()) }()

	// A second open file description on the same inode conflicts even within
	// one process.
	_, err = flock.TryLock(path)
	require.ErrorIs(t, err, flock.ErrWouldBlock)
}

func Test_TryLock_Succeeds_After_Release(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), ".lock")

	first, err := flock.TryLock(path)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := flock.TryLock(path)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func Test_Close_Is_Idempotent(t *testing.T) {
	t.Parallel()

	lock, err := flock.TryLock(filepath.Join(t.TempDir(), ".lock"))
	require.NoError(t, err)

	require.NoError(t, lock.Close())
	require.NoError(t, lock.Close())
}

func Test_TryLock_Fails_On_An_Unwritable_Path(t *testing.T) {
	t.Parallel()

	_, err := flock.TryLock(filepath.Join(t.TempDir(), "missing", ".lock"))
	require.Error(t, err)
	require.NotErrorIs(t, err, flock.ErrWouldBlock)
}
