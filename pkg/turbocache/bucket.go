package turbocache

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"
)

// errBucketSaturated indicates the probe loop visited every slot without
// finding an empty slot, a tombstone or the key. The load threshold in set
// makes this unreachable; hitting it means the file was mutated behind our
// back or the engine has a bug.
var errBucketSaturated = errors.New("internal: bucket has no free slot")

// bucket is one fixed-capacity open-addressing hash table backed by a file.
//
// The header and slot arrays are memory-mapped; the append-only data region
// behind them is accessed with pread/pwrite so it can grow past the mapping.
// All mutation happens under mu; non-destructive reads take the read lock.
type bucket struct {
	mu        sync.RWMutex
	fd        int
	path      string
	layout    bucketLayout
	threshold uint64
	idx       []byte // mapped header+index region; nil once closed
	log       *slog.Logger
}

// openBucket opens the bucket file at path, creating it if absent.
//
// An existing file whose magic, version, capacity or counters do not match
// is reported as errInvalidFile; the caller decides whether to delete and
// recreate (see openOrRecreateBucket).
func openBucket(path string, capacity uint64, log *slog.Logger) (*bucket, error) {
	layout := layoutFor(capacity)

	fd, err := syscall.Open(path, syscall.O_RDWR, 0)
	if err != nil {
		if !errors.Is(err, syscall.ENOENT) {
			return nil, fmt.Errorf("open bucket %s: %w", path, err)
		}

		return createBucket(path, layout, log)
	}

	var stat syscall.Stat_t

	statErr := syscall.Fstat(fd, &stat)
	if statErr != nil {
		_ = syscall.Close(fd)

		return nil, fmt.Errorf("stat bucket %s: %w", path, statErr)
	}

	if stat.Size < int64(layout.indexSize) {
		_ = syscall.Close(fd)

		return nil, fmt.Errorf("bucket %s is %d bytes, need at least %d: %w",
			path, stat.Size, layout.indexSize, errInvalidFile)
	}

	headerBuf := make([]byte, tfx1HeaderSize)

	n, readErr := syscall.Pread(fd, headerBuf, 0)
	if readErr != nil || n != tfx1HeaderSize {
		_ = syscall.Close(fd)

		return nil, fmt.Errorf("read bucket header %s: %w", path, errInvalidFile)
	}

	validateErr := validateBucketHeader(headerBuf, capacity)
	if validateErr != nil {
		_ = syscall.Close(fd)

		return nil, fmt.Errorf("bucket %s: %w", path, validateErr)
	}

	// The data region must hold everything the write offset claims was
	// appended; a shorter file lost data to truncation.
	writeOff := binary.LittleEndian.Uint64(headerBuf[offWriteOffset:])
	if writeOff > uint64(stat.Size)-layout.indexSize {
		_ = syscall.Close(fd)

		return nil, fmt.Errorf("bucket %s: data region truncated (offset %d, have %d): %w",
			path, writeOff, uint64(stat.Size)-layout.indexSize, errInvalidFile)
	}

	return mmapBucket(fd, path, layout, log)
}

// openOrRecreateBucket opens a bucket, deleting and recreating the file if
// it exists but is invalid. This is the only place the engine performs
// destructive recovery automatically; I/O errors still propagate.
func openOrRecreateBucket(path string, capacity uint64, log *slog.Logger) (*bucket, error) {
	b, err := openBucket(path, capacity, log)
	if err == nil {
		return b, nil
	}

	if !errors.Is(err, errInvalidFile) {
		return nil, err
	}

	log.Warn("recreating invalid bucket file", "path", path, "reason", err)

	unlinkErr := os.Remove(path)
	if unlinkErr != nil {
		return nil, fmt.Errorf("remove invalid bucket: %w", unlinkErr)
	}

	return openBucket(path, capacity, log)
}

// createBucket creates a fresh bucket file using temp + rename.
func createBucket(path string, layout bucketLayout, log *slog.Logger) (*bucket, error) {
	randBytes := make([]byte, 8)
	_, _ = rand.Read(randBytes) // Ignore error; best-effort randomness.
	tmpPath := fmt.Sprintf("%s.tmp.%x", path, randBytes)

	fd, createErr := syscall.Open(tmpPath, syscall.O_RDWR|syscall.O_CREAT|syscall.O_EXCL, 0o600)
	if createErr != nil {
		return nil, fmt.Errorf("create temp bucket: %w", createErr)
	}

	// Truncate to the full index region (sparse). The data region starts
	// empty and grows via pwrite.
	truncErr := syscall.Ftruncate(fd, int64(layout.indexSize))
	if truncErr != nil {
		_ = syscall.Close(fd)
		_ = syscall.Unlink(tmpPath)

		return nil, fmt.Errorf("ftruncate: %w", truncErr)
	}

	_, writeErr := syscall.Pwrite(fd, encodeBucketHeader(layout.capacity), 0)
	if writeErr != nil {
		_ = syscall.Close(fd)
		_ = syscall.Unlink(tmpPath)

		return nil, fmt.Errorf("write header: %w", writeErr)
	}

	syncErr := syscall.Fsync(fd)
	if syncErr != nil {
		_ = syscall.Close(fd)
		_ = syscall.Unlink(tmpPath)

		return nil, fmt.Errorf("fsync: %w", syncErr)
	}

	_ = syscall.Close(fd)

	renameErr := syscall.Rename(tmpPath, path)
	if renameErr != nil {
		_ = syscall.Unlink(tmpPath)

		return nil, fmt.Errorf("rename: %w", renameErr)
	}

	fd, openErr := syscall.Open(path, syscall.O_RDWR, 0)
	if openErr != nil {
		return nil, fmt.Errorf("open after rename: %w", openErr)
	}

	log.Debug("created bucket", "path", path, "capacity", layout.capacity)

	return mmapBucket(fd, path, layout, log)
}

// mmapBucket maps the index region and builds the bucket handle.
// The fd is consumed: on success it's owned by the bucket, on error closed.
func mmapBucket(fd int, path string, layout bucketLayout, log *slog.Logger) (*bucket, error) {
	idx, err := syscall.Mmap(fd, 0, int(layout.indexSize),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		_ = syscall.Close(fd)

		return nil, fmt.Errorf("mmap bucket %s: %w", path, err)
	}

	return &bucket{
		fd:        fd,
		path:      path,
		layout:    layout,
		threshold: layout.capacity * loadNum / loadDen,
		idx:       idx,
		log:       log,
	}, nil
}

// Header counter accessors. All counters sit at 8-byte-aligned offsets in the
// page-aligned mapping, satisfying the atomic overlay preconditions.

func (b *bucket) live() uint64        { return atomicLoadUint64(b.idx[offLiveCount:]) }
func (b *bucket) writeOffset() uint64 { return atomicLoadUint64(b.idx[offWriteOffset:]) }
func (b *bucket) iterCursor() uint64  { return atomicLoadUint64(b.idx[offIterCursor:]) }

func (b *bucket) addLive(delta int64) {
	atomicAddUint64(b.idx[offLiveCount:], uint64(delta))
}

// bumpWriteOffset reserves n bytes in the data region and returns the offset
// at which they start. The fetch-and-add keeps concurrent reservations from
// overlapping even though the write lock already serializes mutation.
func (b *bucket) bumpWriteOffset(n uint64) uint64 {
	return atomicAddUint64(b.idx[offWriteOffset:], n) - n
}

func (b *bucket) setIterCursor(v uint64) {
	atomicStoreUint64(b.idx[offIterCursor:], v)
}

// Slot array accessors. Callers must hold mu (read or write as appropriate)
// and must have checked b.idx != nil.

func (b *bucket) sigAt(i uint64) uint32 {
	return binary.LittleEndian.Uint32(b.idx[b.layout.sigOff+i*sigSlotSize:])
}

func (b *bucket) setSig(i uint64, sig uint32) {
	binary.LittleEndian.PutUint32(b.idx[b.layout.sigOff+i*sigSlotSize:], sig)
}

func (b *bucket) descAt(i uint64) uint64 {
	return binary.LittleEndian.Uint64(b.idx[b.layout.descOff+i*descSlotSize:])
}

func (b *bucket) setDesc(i uint64, d uint64) {
	binary.LittleEndian.PutUint64(b.idx[b.layout.descOff+i*descSlotSize:], d)
}

// readPair reads the key and value bytes stored at the given data-region
// offset. Returns freshly allocated slices; the data region is never aliased
// into caller-visible memory.
func (b *bucket) readPair(offset uint64, klen, vlen int) (key, val []byte, err error) {
	buf := make([]byte, klen+vlen)

	if len(buf) > 0 {
		n, readErr := syscall.Pread(b.fd, buf, int64(b.layout.indexSize+offset))
		if readErr != nil {
			return nil, nil, fmt.Errorf("read data at %d: %w", offset, readErr)
		}

		if n != len(buf) {
			return nil, nil, fmt.Errorf("short read at %d: got %d, want %d: %w",
				offset, n, len(buf), errInvalidFile)
		}
	}

	return buf[:klen:klen], buf[klen:], nil
}

// writePair appends key‖value at the given reserved data-region offset.
func (b *bucket) writePair(offset uint64, key, value []byte) error {
	buf := make([]byte, 0, len(key)+len(value))
	buf = append(buf, key...)
	buf = append(buf, value...)

	if len(buf) == 0 {
		return nil
	}

	n, err := syscall.Pwrite(b.fd, buf, int64(b.layout.indexSize+offset))
	if err != nil {
		return fmt.Errorf("write data at %d: %w", offset, err)
	}

	if n != len(buf) {
		return fmt.Errorf("short write at %d: wrote %d of %d", offset, n, len(buf))
	}

	return nil
}

// probeResult is the outcome of walking a probe chain for one key.
type probeResult struct {
	found    bool
	matchIdx uint64 // slot holding the key, valid when found
	matchVal []byte // stored value, valid when found

	haveFree bool
	freeIdx  uint64 // first empty or tombstone slot on the chain
}

// probe walks the probe chain for key starting at its signature's start
// index: linear probing with wraparound, at most capacity steps.
//
// Tombstones do not terminate the search (the key may live past them; they
// only mark where a re-insert may land), an empty slot does: open addressing
// guarantees no live entry exists past the first empty slot reached from its
// own start index, since deletions only tombstone and never compact.
//
// Callers must hold mu.
func (b *bucket) probe(sig uint32, key []byte) (probeResult, error) {
	var res probeResult

	start := probeStart(sig, b.layout.capacity)
	for i := uint64(0); i < b.layout.capacity; i++ {
		idx := (start + i) & (b.layout.capacity - 1)

		slotSig := b.sigAt(idx)
		switch slotSig {
		case sigEmpty:
			if !res.haveFree {
				res.haveFree = true
				res.freeIdx = idx
			}

			return res, nil

		case sigTombstone:
			if !res.haveFree {
				res.haveFree = true
				res.freeIdx = idx
			}

		case sig:
			offset, klen, vlen := unpackDescriptor(b.descAt(idx))

			storedKey, storedVal, err := b.readPair(offset, klen, vlen)
			if err != nil {
				return probeResult{}, err
			}

			if string(storedKey) == string(key) {
				res.found = true
				res.matchIdx = idx
				res.matchVal = storedVal

				return res, nil
			}
			// Signature collision, not a true match: keep probing.
		}
	}

	return res, nil
}

// set inserts or updates key. It returns (false, nil) without mutating
// anything once the live count has reached the load threshold; that is the
// split trigger, not a failure.
func (b *bucket) set(key, value []byte) (bool, error) {
	sig := signature(key)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.idx == nil {
		return false, ErrClosed
	}

	if b.live() >= b.threshold {
		return false, nil
	}

	err := b.place(sig, key, value)
	if err != nil {
		return false, err
	}

	return true, nil
}

// insertForSplit places an entry drained from a splitting sibling, bypassing
// the load threshold. The source bucket held fewer live entries than the
// threshold, so the target can always physically hold them all.
func (b *bucket) insertForSplit(sig uint32, key, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.idx == nil {
		return ErrClosed
	}

	return b.place(sig, key, value)
}

// place runs probe-and-place for key under the held write lock: the new
// key‖value bytes are appended to the data region unconditionally (an update
// turns the old bytes into garbage), then the slot descriptor and signature
// are published, and the live counter is bumped only for new keys.
func (b *bucket) place(sig uint32, key, value []byte) error {
	res, err := b.probe(sig, key)
	if err != nil {
		return err
	}

	var slot uint64

	switch {
	case res.found:
		slot = res.matchIdx
	case res.haveFree:
		slot = res.freeIdx
	default:
		return fmt.Errorf("bucket %s with %d live of %d slots: %w",
			b.path, b.live(), b.layout.capacity, errBucketSaturated)
	}

	// Validate the descriptor before touching anything: a too-large key or
	// value must not leave a partial entry behind.
	offset := b.writeOffset()

	desc, err := packDescriptor(offset, len(key), len(value))
	if err != nil {
		return err
	}

	reserved := b.bumpWriteOffset(uint64(len(key) + len(value)))

	writeErr := b.writePair(reserved, key, value)
	if writeErr != nil {
		return writeErr
	}

	// Descriptor before signature: the signature is what makes the slot
	// visible to probes.
	b.setDesc(slot, desc)
	b.setSig(slot, sig)

	if !res.found {
		b.addLive(1)
	}

	return nil
}

// get returns the value stored for key, or found=false.
func (b *bucket) get(key []byte) (val []byte, found bool, err error) {
	sig := signature(key)

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.idx == nil {
		return nil, false, ErrClosed
	}

	res, err := b.probe(sig, key)
	if err != nil {
		return nil, false, err
	}

	if !res.found {
		return nil, false, nil
	}

	return res.matchVal, true, nil
}

// remove deletes key, returning the value it held. The slot is tombstoned,
// never emptied, so probe chains running through it stay intact.
func (b *bucket) remove(key []byte) (val []byte, found bool, err error) {
	sig := signature(key)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.idx == nil {
		return nil, false, ErrClosed
	}

	res, err := b.probe(sig, key)
	if err != nil {
		return nil, false, err
	}

	if !res.found {
		return nil, false, nil
	}

	b.setSig(res.matchIdx, sigTombstone)
	b.addLive(-1)

	return res.matchVal, true, nil
}

// next returns the first live entry at slot cursor or after, with the cursor
// value to resume from. ok is false at end of table. A fresh cursor of zero
// restarts the sweep.
func (b *bucket) next(cursor uint64) (key, val []byte, nextCursor uint64, ok bool, err error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.idx == nil {
		return nil, nil, cursor, false, ErrClosed
	}

	for i := cursor; i < b.layout.capacity; i++ {
		sig := b.sigAt(i)
		if sig == sigEmpty || sig == sigTombstone {
			continue
		}

		offset, klen, vlen := unpackDescriptor(b.descAt(i))

		key, val, err = b.readPair(offset, klen, vlen)
		if err != nil {
			return nil, nil, i, false, err
		}

		return key, val, i + 1, true, nil
	}

	return nil, nil, b.layout.capacity, false, nil
}

// iterateAndRemove yields the next live entry from the bucket-owned sweep
// cursor in the header, tombstoning it and decrementing the live count.
// ok is false once the cursor has swept the whole slot array.
func (b *bucket) iterateAndRemove() (key, val []byte, ok bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.idx == nil {
		return nil, nil, false, ErrClosed
	}

	for cur := b.iterCursor(); cur < b.layout.capacity; cur++ {
		sig := b.sigAt(cur)
		if sig == sigEmpty || sig == sigTombstone {
			continue
		}

		offset, klen, vlen := unpackDescriptor(b.descAt(cur))

		key, val, err = b.readPair(offset, klen, vlen)
		if err != nil {
			return nil, nil, false, err
		}

		b.setSig(cur, sigTombstone)
		b.addLive(-1)
		b.setIterCursor(cur + 1)

		return key, val, true, nil
	}

	b.setIterCursor(b.layout.capacity)

	return nil, nil, false, nil
}

// flush forces the mapped header+index region and the appended data to disk.
func (b *bucket) flush() error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.idx == nil {
		return ErrClosed
	}

	err := msyncRange(b.idx, 0, len(b.idx))
	if err != nil {
		return fmt.Errorf("flush bucket %s: %w", b.path, err)
	}

	syncErr := syscall.Fsync(b.fd)
	if syncErr != nil {
		return fmt.Errorf("fsync bucket %s: %w", b.path, syncErr)
	}

	return nil
}

// close unmaps and closes the bucket. Idempotent.
func (b *bucket) close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.idx == nil {
		return nil
	}

	idx := b.idx
	b.idx = nil

	unmapErr := syscall.Munmap(idx)
	closeErr := syscall.Close(b.fd)

	if unmapErr != nil {
		return fmt.Errorf("munmap bucket %s: %w", b.path, unmapErr)
	}

	if closeErr != nil {
		return fmt.Errorf("close bucket %s: %w", b.path, closeErr)
	}

	return nil
}

// garbageBytes estimates how much of the data region is dead: superseded or
// deleted pairs stay on disk until the bucket is replaced by a split.
func (b *bucket) garbageBytes() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.idx == nil {
		return 0
	}

	var liveBytes uint64

	for i := uint64(0); i < b.layout.capacity; i++ {
		sig := b.sigAt(i)
		if sig == sigEmpty || sig == sigTombstone {
			continue
		}

		_, klen, vlen := unpackDescriptor(b.descAt(i))
		liveBytes += uint64(klen + vlen)
	}

	return b.writeOffset() - liveBytes
}
