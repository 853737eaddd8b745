package turbocache

import "github.com/cespare/xxhash/v2"

// Signature sentinels stored in a bucket's signature array. Slot state is
// carried entirely by the signature: zero means the slot was never used,
// one means it held an entry that has since been deleted.
const (
	sigEmpty     uint32 = 0
	sigTombstone uint32 = 1

	// sigReplacement is the deterministic stand-in for any computed
	// signature that collides with a sentinel. The value is the 32-bit
	// golden ratio constant; nothing about it is special beyond being
	// neither sigEmpty nor sigTombstone.
	sigReplacement uint32 = 0x9E3779B9
)

// signature derives the 32-bit routing signature for a key.
//
// The full 64-bit xxHash is folded so both halves contribute to the 32 bits
// that are later split into a shard selector (high 16) and probe position
// (low bits, mod capacity). Identical bytes always yield identical output.
func signature(key []byte) uint32 {
	h := xxhash.Sum64(key)

	sig := uint32(h>>32) ^ uint32(h)
	if sig == sigEmpty || sig == sigTombstone {
		sig = sigReplacement
	}

	return sig
}

// selector returns the shard selector for a signature: the top 16 bits,
// a value in [0, selectorSpace).
func selector(sig uint32) uint32 {
	return sig >> 16
}

// probeStart returns the initial probe index for a signature within a bucket
// of the given capacity. Capacity is a power of two, so the modulo reduces
// to the signature's low bits.
func probeStart(sig uint32, capacity uint64) uint64 {
	return uint64(sig) & (capacity - 1)
}
