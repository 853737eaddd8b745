package turbocache

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/frozen-lab/turbofox-sub000/internal/flock"
)

// Seq is the lazy iterator type returned by [Cache.Items].
//
// It matches the shape of iter.Seq2[[]byte, []byte] so callers can range
// over it directly:
//
//	for key, val := range cache.Items() { ... }
type Seq func(yield func(key, value []byte) bool)

// Cache is an open cache directory: an ordered set of shards, each a bucket
// file owning a contiguous range of the selector space.
//
// mu guards the shard list and the closed flag. Reads route under the read
// lock (per-bucket locks keep individual buckets consistent); Set holds the
// write lock for its whole locate → attempt → split → retry loop so the list
// never changes underneath it and splits appear atomic to everyone else.
type Cache struct {
	opts Options
	log  *slog.Logger
	lock *flock.Lock

	mu     sync.RWMutex
	shards []*shard // sorted by range end; exactly partitions the selector space
	closed bool
}

// Open opens or creates a cache at opts.Dir.
//
// The directory is created if missing and claimed with an advisory file
// lock; a second process opening the same directory gets [ErrLocked].
//
// Possible errors:
//   - [ErrInvalidInput]: invalid options
//   - [ErrLocked]: directory owned by another process
//   - [ErrIncompatible]: directory created with different options
//   - [ErrCorrupt]: shard files do not form a valid range partition
//   - I/O errors: mkdir, open, mmap and friends, wrapped with context
func Open(opts Options) (*Cache, error) {
	// 64-bit and little-endian required: header counters are accessed with
	// native-order atomic loads/stores overlaid on the mapped file, and the
	// on-disk format is little-endian.
	if !is64Bit {
		return nil, errors.New("turbocache requires a 64-bit architecture")
	}

	if !isLittleEndian {
		return nil, errors.New("turbocache requires a little-endian CPU (x86_64, arm64)")
	}

	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	log := opts.Logger.With("component", "turbocache", "dir", opts.Dir)

	mkdirErr := os.MkdirAll(opts.Dir, 0o750)
	if mkdirErr != nil {
		return nil, fmt.Errorf("create cache directory: %w", mkdirErr)
	}

	dirLock, lockErr := flock.TryLock(filepath.Join(opts.Dir, ".lock"))
	if lockErr != nil {
		if errors.Is(lockErr, flock.ErrWouldBlock) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, opts.Dir)
		}

		return nil, lockErr
	}

	capacity, settingsErr := loadOrWriteSettings(opts.Dir, opts.InitialCapacity)
	if settingsErr != nil {
		_ = dirLock.Close()

		return nil, settingsErr
	}

	opts.InitialCapacity = capacity

	shards, discoverErr := discoverShards(opts.Dir, opts.InitialCapacity, log)
	if discoverErr != nil {
		_ = dirLock.Close()

		return nil, discoverErr
	}

	log.Info("cache opened", "shards", len(shards), "capacity", opts.InitialCapacity)

	return &Cache{
		opts:   opts,
		log:    log,
		lock:   dirLock,
		shards: shards,
	}, nil
}

// route returns the shard owning selector sel. Callers must hold mu.
//
// The shard list is sorted by range end, so the owner is the first shard
// whose end is greater than sel.
func (c *Cache) route(sel uint32) *shard {
	i := sort.Search(len(c.shards), func(i int) bool {
		return c.shards[i].end > sel
	})

	// The partition invariant (no gaps, no overlaps, full coverage)
	// guarantees a match.
	return c.shards[i]
}

// Set inserts or updates key. Oversized keys or values are rejected with
// [ErrKeyTooLarge]/[ErrValueTooLarge] before anything is written.
//
// If the owning bucket is at its load threshold, Set transparently splits it
// into two half-range buckets and retries; callers never observe the
// bucket-full condition.
func (c *Cache) Set(key, value []byte) error {
	if len(key) > MaxKeyLen {
		return fmt.Errorf("key length %d exceeds %d: %w", len(key), MaxKeyLen, ErrKeyTooLarge)
	}

	if len(value) > MaxValueLen {
		return fmt.Errorf("value length %d exceeds %d: %w", len(value), MaxValueLen, ErrValueTooLarge)
	}

	sel := selector(signature(key))

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	// The split may hand the key to either half, so every retry re-routes.
	// The loop is bounded: each split halves one shard's range.
	for range maxSplitsPerSet {
		s := c.route(sel)

		ok, err := s.b.set(key, value)
		if err != nil {
			return err
		}

		if ok {
			return nil
		}

		splitErr := c.split(s)
		if splitErr != nil {
			return splitErr
		}
	}

	return fmt.Errorf("set did not settle after %d splits: %w", maxSplitsPerSet, ErrCapacity)
}

// split replaces shard s with two shards covering the halves of its range.
//
// Crash consistency: both new buckets are fully populated and flushed before
// the old file is unlinked. The drain reads the old bucket without mutating
// it, so a crash at any point leaves either an intact old bucket (plus
// partially-filled children that discovery discards as leftovers) or a
// completed pair (plus an orphaned parent that discovery deletes).
// Callers must hold mu exclusively.
func (c *Cache) split(s *shard) error {
	width := s.end - s.start
	if width < 2 {
		return fmt.Errorf("shard [%#x, %#x) cannot split further: %w", s.start, s.end, ErrCapacity)
	}

	mid := s.start + width/2

	c.log.Info("splitting shard",
		"range", fmt.Sprintf("[%#x, %#x)", s.start, s.end),
		"mid", fmt.Sprintf("%#x", mid),
		"live", s.b.live())

	left, right, err := c.openSplitPair(s, mid)
	if err != nil {
		return err
	}

	drainErr := c.drain(s, mid, left, right)
	if drainErr != nil {
		_ = left.close()
		_ = right.close()

		return drainErr
	}

	// Make the children durable before the parent disappears.
	for _, nb := range []*bucket{left, right} {
		flushErr := nb.flush()
		if flushErr != nil {
			_ = left.close()
			_ = right.close()

			return flushErr
		}
	}

	closeErr := s.b.close()
	if closeErr != nil {
		return closeErr
	}

	unlinkErr := os.Remove(filepath.Join(c.opts.Dir, shardFileName(s.start, s.end)))
	if unlinkErr != nil {
		return fmt.Errorf("remove split bucket: %w", unlinkErr)
	}

	// Swap the old shard for the pair, keeping the list sorted by range
	// end. The old shard sits exactly where the pair belongs.
	for i, cur := range c.shards {
		if cur == s {
			c.shards = append(c.shards[:i],
				append([]*shard{
					{start: s.start, end: mid, b: left},
					{start: mid, end: s.end, b: right},
				}, c.shards[i+1:]...)...)

			break
		}
	}

	return nil
}

// openSplitPair creates the two fresh half-range buckets for a split.
// Leftover files from a previously interrupted split are overwritten.
func (c *Cache) openSplitPair(s *shard, mid uint32) (left, right *bucket, err error) {
	names := [2]string{
		filepath.Join(c.opts.Dir, shardFileName(s.start, mid)),
		filepath.Join(c.opts.Dir, shardFileName(mid, s.end)),
	}

	var pair [2]*bucket

	for i, name := range names {
		removeErr := os.Remove(name)
		if removeErr != nil && !os.IsNotExist(removeErr) {
			if pair[0] != nil {
				_ = pair[0].close()
			}

			return nil, nil, fmt.Errorf("clear stale split bucket: %w", removeErr)
		}

		b, openErr := openBucket(name, c.opts.InitialCapacity, c.log)
		if openErr != nil {
			if pair[0] != nil {
				_ = pair[0].close()
			}

			return nil, nil, openErr
		}

		pair[i] = b
	}

	return pair[0], pair[1], nil
}

// drain replays every live entry of the splitting shard into whichever half
// its selector falls into. Re-insertion uses the same probe-and-place
// algorithm but skips the load threshold: the source held fewer live entries
// than the threshold, so either half can absorb all of them.
func (c *Cache) drain(s *shard, mid uint32, left, right *bucket) error {
	var cursor uint64

	for {
		key, val, next, ok, err := s.b.next(cursor)
		if err != nil {
			return err
		}

		if !ok {
			return nil
		}

		cursor = next

		sig := signature(key)

		target := left
		if selector(sig) >= mid {
			target = right
		}

		insertErr := target.insertForSplit(sig, key, val)
		if insertErr != nil {
			return insertErr
		}
	}
}

// Get returns the value stored for key, or found=false if absent.
func (c *Cache) Get(key []byte) (value []byte, found bool, err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, false, ErrClosed
	}

	return c.route(selector(signature(key))).b.get(key)
}

// Remove deletes key and returns the value it held, or found=false if the
// key was absent (removal of an absent key is not an error).
func (c *Cache) Remove(key []byte) (value []byte, found bool, err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, false, ErrClosed
	}

	return c.route(selector(signature(key))).b.remove(key)
}

// Items returns a lazy sequence over all live entries. Each range starts a
// fresh cursor, so the sequence is restartable.
//
// The sequence holds the cache's read lock while it runs: entries observe a
// consistent shard list, and writers block until iteration finishes. Order
// is unspecified.
func (c *Cache) Items() Seq {
	return func(yield func(key, value []byte) bool) {
		c.mu.RLock()
		defer c.mu.RUnlock()

		if c.closed {
			return
		}

		for _, s := range c.shards {
			var cursor uint64

			for {
				key, val, next, ok, err := s.b.next(cursor)
				if err != nil || !ok {
					break
				}

				cursor = next

				if !yield(key, val) {
					return
				}
			}
		}
	}
}

// Len returns the number of live entries across all shards.
func (c *Cache) Len() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return 0
	}

	var total uint64

	for _, s := range c.shards {
		total += s.b.live()
	}

	return total
}

// ShardStats describes one shard of an open cache.
type ShardStats struct {
	Start        uint32 // inclusive selector range start
	End          uint32 // exclusive selector range end
	Capacity     uint64
	Live         uint64 // live (non-tombstoned) entries
	DataBytes    uint64 // bytes appended to the data region
	GarbageBytes uint64 // dead bytes awaiting reclamation by a split
}

// Stats returns a snapshot of all shards, ordered by range.
func (c *Cache) Stats() []ShardStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil
	}

	stats := make([]ShardStats, 0, len(c.shards))

	for _, s := range c.shards {
		stats = append(stats, ShardStats{
			Start:        s.start,
			End:          s.end,
			Capacity:     c.opts.InitialCapacity,
			Live:         s.b.live(),
			DataBytes:    s.b.writeOffset(),
			GarbageBytes: s.b.garbageBytes(),
		})
	}

	return stats
}

// Flush forces every shard's mapped index region and appended data to disk.
func (c *Cache) Flush() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrClosed
	}

	for _, s := range c.shards {
		err := s.b.flush()
		if err != nil {
			return err
		}
	}

	return nil
}

// Close flushes and closes all shards and releases the directory lock.
// The handle is unusable afterwards; Close is idempotent.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true

	var errs []error

	for _, s := range c.shards {
		flushErr := s.b.flush()
		if flushErr != nil && !errors.Is(flushErr, ErrClosed) {
			errs = append(errs, flushErr)
		}

		closeErr := s.b.close()
		if closeErr != nil {
			errs = append(errs, closeErr)
		}
	}

	c.shards = nil

	lockErr := c.lock.Close()
	if lockErr != nil {
		errs = append(errs, lockErr)
	}

	return errors.Join(errs...)
}
