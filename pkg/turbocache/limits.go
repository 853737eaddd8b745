package turbocache

// Hardcoded implementation limits.
//
// These limits exist primarily to:
//   - keep the bit-packed descriptor encoding honest (lengths and offsets
//     must fit their fields, never wrap)
//   - keep arithmetic safely away from overflow boundaries
//   - avoid unsafe int64/int conversions (mmap length is an int)
//
// Key/value/offset violations return ErrKeyTooLarge, ErrValueTooLarge and
// ErrOffsetOverflow respectively; configuration violations return
// ErrInvalidInput.
const (
	// MaxKeyLen is the maximum key length in bytes (12-bit descriptor field).
	MaxKeyLen = 1<<12 - 1 // 4095

	// MaxValueLen is the maximum value length in bytes (12-bit descriptor field).
	MaxValueLen = 1<<12 - 1 // 4095

	// maxDataOffset is the maximum byte offset into a bucket's append-only
	// data region (40-bit descriptor field, ~1 TiB per bucket).
	maxDataOffset = uint64(1)<<40 - 1

	// minCapacity is the minimum bucket capacity accepted by Open.
	minCapacity = uint64(64)

	// maxCapacity is the maximum bucket capacity accepted by Open.
	//
	// The mapped header+index region is 64 + capacity*12 bytes; this cap
	// keeps a single mapping well under 1 GiB.
	maxCapacity = uint64(1) << 26

	// selectorSpace is the size of the shard selector space. Selectors are
	// the top 16 bits of a signature, so shard ranges partition
	// [0, selectorSpace).
	selectorSpace = uint32(1) << 16

	// loadNum/loadDen express the live-count threshold at which a bucket
	// refuses inserts and signals for a split (4/5 of capacity).
	loadNum = 4
	loadDen = 5

	// maxSplitsPerSet bounds the locate/attempt/split loop for one key.
	// A shard range halves on every split, so 16 halvings exhaust the
	// selector space; anything beyond that is an internal invariant
	// violation, not progress.
	maxSplitsPerSet = 17
)
