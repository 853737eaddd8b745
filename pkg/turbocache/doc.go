// Package turbocache provides an embedded, persistent key-value cache backed
// by memory-mapped hash table files.
//
// A cache is a directory of fixed-capacity bucket files. Each bucket is an
// open-addressing hash table whose header and slot arrays are memory-mapped,
// with raw key/value bytes appended to an unbounded data region behind them.
// When a bucket fills past its load threshold it is split into two buckets,
// each owning half of the key-space range of the old one, so the cache grows
// without ever rehashing the whole data set at once.
//
// # Basic Usage
//
//	cache, err := turbocache.Open(turbocache.Options{
//	    Dir:             "/var/cache/myapp",
//	    InitialCapacity: 4096,
//	})
//	if err != nil {
//	    // handle [ErrCorrupt]/[ErrIncompatible] by deleting the directory
//	}
//	defer cache.Close()
//
//	err = cache.Set([]byte("key"), []byte("value"))
//	val, found, err := cache.Get([]byte("key"))
//	old, found, err := cache.Remove([]byte("key"))
//
// # Concurrency
//
// A single Cache handle is safe for concurrent use by multiple goroutines.
// Reads on distinct buckets proceed in parallel; writes are serialized
// because an insert may replace buckets via a split. A cache directory is
// owned by one process at a time, enforced with an advisory file lock.
//
// # Error Handling
//
// Errors fall into two categories:
//
// Rebuild errors ([ErrCorrupt], [ErrIncompatible]): the directory no longer
// matches what the engine expects. Delete it and repopulate from your source
// of truth.
//
// Caller errors ([ErrKeyTooLarge], [ErrValueTooLarge], [ErrInvalidInput],
// [ErrClosed]): the operation was rejected without side effects.
package turbocache
