package turbocache

import "errors"

// Sentinel errors returned by turbocache operations.
//
// Callers should use [errors.Is] to check error types:
//
//	if errors.Is(err, turbocache.ErrCorrupt) {
//	    os.RemoveAll(dir)
//	    // recreate cache
//	}
var (
	// ErrCorrupt indicates the cache directory is damaged beyond automatic
	// recovery, for example a gap or irreconcilable overlap in the shard
	// range partition.
	//
	// A single bucket file with a bad magic or version is NOT reported as
	// ErrCorrupt; it is deleted and recreated automatically on open.
	//
	// Recovery: delete the directory and rebuild from your source of truth.
	ErrCorrupt = errors.New("turbocache: corrupt")

	// ErrIncompatible indicates the directory was created with different
	// options (InitialCapacity) or a different format version than those
	// provided to [Open].
	//
	// Recovery: open with matching options, or delete and recreate.
	ErrIncompatible = errors.New("turbocache: incompatible")

	// ErrLocked indicates another process owns the cache directory.
	//
	// Recovery: retry after the other process closes the cache.
	ErrLocked = errors.New("turbocache: directory locked by another process")

	// ErrClosed indicates the [Cache] has already been closed.
	//
	// This is a programming error.
	ErrClosed = errors.New("turbocache: closed")

	// ErrInvalidInput indicates invalid arguments were provided, for
	// example a missing directory or a capacity that is not a power of two.
	//
	// This is a programming error.
	ErrInvalidInput = errors.New("turbocache: invalid input")

	// ErrKeyTooLarge indicates the key exceeds the descriptor encoding
	// limit ([MaxKeyLen] bytes). The entry is not written.
	ErrKeyTooLarge = errors.New("turbocache: key too large")

	// ErrValueTooLarge indicates the value exceeds the descriptor encoding
	// limit ([MaxValueLen] bytes). The entry is not written.
	ErrValueTooLarge = errors.New("turbocache: value too large")

	// ErrOffsetOverflow indicates a bucket's append-only data region has
	// reached the maximum offset representable by the descriptor encoding.
	// The entry is not written.
	//
	// Recovery: remove entries so the bucket splits, or rebuild.
	ErrOffsetOverflow = errors.New("turbocache: data offset overflow")

	// ErrCapacity indicates a bucket needed to split but its key-space
	// range can no longer be divided. This requires a pathological number
	// of entries hashing into one selector value.
	//
	// Recovery: recreate the cache with a larger InitialCapacity.
	ErrCapacity = errors.New("turbocache: shard range exhausted")
)

// errInvalidFile is an internal sentinel for a bucket file whose magic,
// version or layout does not match expectations. The open path absorbs it by
// deleting and recreating the file; it never escapes the package.
var errInvalidFile = errors.New("internal: invalid bucket file")
