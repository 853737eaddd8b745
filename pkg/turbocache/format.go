package turbocache

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// TFX1 bucket file format.
//
// Each bucket file is laid out as:
//
//	[header 64B][signature array: capacity x 4B][descriptor array: capacity x 8B][data region ...]
//
// The header and both slot arrays (the "index region") are memory-mapped.
// The data region is append-only and accessed with pread/pwrite so it can
// grow past the mapping without remapping.
const (
	// File format version.
	tfx1Version = 1

	// Fixed header size in bytes.
	tfx1HeaderSize = 64

	// Per-slot sizes.
	sigSlotSize  = 4
	descSlotSize = 8
)

// tfx1Magic identifies a bucket file.
var tfx1Magic = [4]byte{'T', 'F', 'X', '1'}

// Header field offsets (bytes from file start).
//
// The three counters are mutated through atomic 64-bit operations on the
// mapped region and therefore sit at 8-byte-aligned offsets.
const (
	offMagic       = 0x00 // [4]byte
	offVersion     = 0x04 // uint32
	offCapacity    = 0x08 // uint64
	offLiveCount   = 0x10 // uint64, atomic: live (non-tombstoned) entries
	offIterCursor  = 0x18 // uint64, atomic: sweep iteration cursor
	offWriteOffset = 0x20 // uint64, atomic: next append offset in the data region
	offReservedLo  = 0x28 // reserved bytes through 0x3F MUST be zero
)

// Descriptor bit packing: offset:40 | klen:12 | vlen:12.
//
// The offset is relative to the start of the data region.
const (
	descVlenBits = 12
	descKlenBits = 12

	descVlenMask = uint64(1)<<descVlenBits - 1
	descKlenMask = uint64(1)<<descKlenBits - 1

	descKlenShift   = descVlenBits
	descOffsetShift = descVlenBits + descKlenBits
)

// packDescriptor encodes (data offset, key length, value length) into one
// uint64 slot. Values exceeding their bit width are rejected, never wrapped.
func packDescriptor(offset uint64, klen, vlen int) (uint64, error) {
	if klen < 0 || uint64(klen) > descKlenMask {
		return 0, fmt.Errorf("key length %d exceeds %d: %w", klen, descKlenMask, ErrKeyTooLarge)
	}

	if vlen < 0 || uint64(vlen) > descVlenMask {
		return 0, fmt.Errorf("value length %d exceeds %d: %w", vlen, descVlenMask, ErrValueTooLarge)
	}

	if offset > maxDataOffset {
		return 0, fmt.Errorf("data offset %d exceeds %d: %w", offset, maxDataOffset, ErrOffsetOverflow)
	}

	return offset<<descOffsetShift | uint64(klen)<<descKlenShift | uint64(vlen), nil
}

// unpackDescriptor decodes a descriptor slot.
func unpackDescriptor(d uint64) (offset uint64, klen, vlen int) {
	return d >> descOffsetShift, int(d >> descKlenShift & descKlenMask), int(d & descVlenMask)
}

// bucketLayout holds the derived byte offsets for a bucket of a given
// capacity. All arithmetic is validated once at construction; slot accessors
// index off these precomputed values.
type bucketLayout struct {
	capacity  uint64
	sigOff    uint64 // == tfx1HeaderSize
	descOff   uint64
	indexSize uint64 // mapped size: header + both slot arrays
}

func layoutFor(capacity uint64) bucketLayout {
	sigBytes := capacity * sigSlotSize

	return bucketLayout{
		capacity:  capacity,
		sigOff:    tfx1HeaderSize,
		descOff:   tfx1HeaderSize + sigBytes,
		indexSize: tfx1HeaderSize + sigBytes + capacity*descSlotSize,
	}
}

// validCapacity reports whether capacity is a power of two within limits.
func validCapacity(capacity uint64) bool {
	return capacity >= minCapacity && capacity <= maxCapacity && capacity&(capacity-1) == 0
}

// encodeBucketHeader serializes a fresh header for an empty bucket.
func encodeBucketHeader(capacity uint64) []byte {
	buf := make([]byte, tfx1HeaderSize)

	copy(buf[offMagic:], tfx1Magic[:])
	binary.LittleEndian.PutUint32(buf[offVersion:], tfx1Version)
	binary.LittleEndian.PutUint64(buf[offCapacity:], capacity)
	// Counters and reserved bytes stay zero.

	return buf
}

// validateBucketHeader checks a header read from an existing file against
// the expected capacity. Any mismatch means the file cannot be trusted and
// is reported as errInvalidFile so the caller can delete and recreate it.
func validateBucketHeader(buf []byte, capacity uint64) error {
	if len(buf) < tfx1HeaderSize {
		return fmt.Errorf("header truncated at %d bytes: %w", len(buf), errInvalidFile)
	}

	if [4]byte(buf[offMagic:offMagic+4]) != tfx1Magic {
		return fmt.Errorf("bad magic %q: %w", buf[offMagic:offMagic+4], errInvalidFile)
	}

	version := binary.LittleEndian.Uint32(buf[offVersion:])
	if version != tfx1Version {
		return fmt.Errorf("unsupported version %d, expected %d: %w", version, tfx1Version, errInvalidFile)
	}

	gotCapacity := binary.LittleEndian.Uint64(buf[offCapacity:])
	if gotCapacity != capacity {
		return fmt.Errorf("capacity mismatch: file has %d, expected %d: %w", gotCapacity, capacity, errInvalidFile)
	}

	live := binary.LittleEndian.Uint64(buf[offLiveCount:])
	if live > capacity {
		return fmt.Errorf("live count %d exceeds capacity %d: %w", live, capacity, errInvalidFile)
	}

	cursor := binary.LittleEndian.Uint64(buf[offIterCursor:])
	if cursor > capacity {
		return fmt.Errorf("iteration cursor %d exceeds capacity %d: %w", cursor, capacity, errInvalidFile)
	}

	// The last legitimate append can start at maxDataOffset, so the counter
	// may legitimately rest one maximum-size pair past it.
	writeOff := binary.LittleEndian.Uint64(buf[offWriteOffset:])
	if writeOff > maxDataOffset+MaxKeyLen+MaxValueLen {
		return fmt.Errorf("write offset %d exceeds %d: %w",
			writeOff, maxDataOffset+MaxKeyLen+MaxValueLen, errInvalidFile)
	}

	for i := offReservedLo; i < tfx1HeaderSize; i++ {
		if buf[i] != 0 {
			return fmt.Errorf("reserved header bytes are non-zero: %w", errInvalidFile)
		}
	}

	return nil
}

// atomicLoadUint64 performs an atomic 64-bit load from an 8-byte-aligned
// position in the mapped buffer.
//
// Preconditions:
//   - buf must be at least 8 bytes
//   - buf[0] must be 8-byte aligned (enforced by the TFX1 layout: all
//     counters sit at 8-byte-aligned header offsets and mmap returns
//     page-aligned memory)
//
// Go's sync/atomic operations provide sequential consistency, which is
// stronger than the acquire/release ordering the format requires.
func atomicLoadUint64(buf []byte) uint64 {
	// Bounds check hint.
	_ = buf[7]

	// SAFETY: alignment per the preconditions above.
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&buf[0])))
}

// atomicStoreUint64 performs an atomic 64-bit store to an 8-byte-aligned
// position in the mapped buffer. Same preconditions as atomicLoadUint64.
func atomicStoreUint64(buf []byte, val uint64) {
	_ = buf[7]

	// SAFETY: alignment per atomicLoadUint64.
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&buf[0])), val)
}

// atomicAddUint64 performs an atomic 64-bit fetch-and-add on an
// 8-byte-aligned position in the mapped buffer and returns the new value.
// Same preconditions as atomicLoadUint64.
func atomicAddUint64(buf []byte, delta uint64) uint64 {
	_ = buf[7]

	// SAFETY: alignment per atomicLoadUint64.
	return atomic.AddUint64((*uint64)(unsafe.Pointer(&buf[0])), delta)
}

// pageSize is the system page size, used for aligning msync ranges.
// macOS requires page-aligned ranges for msync.
var pageSize = unix.Getpagesize()

// msyncRange performs a synchronous msync on the given byte range of a
// mapping, page-aligning the range as required by macOS.
func msyncRange(data []byte, offset, length int) error {
	if length <= 0 || offset < 0 || offset >= len(data) {
		return fmt.Errorf("msyncRange: invalid range offset=%d length=%d data=%d: %w",
			offset, length, len(data), ErrInvalidInput)
	}

	if offset+length > len(data) {
		length = len(data) - offset
	}

	alignedStart := (offset / pageSize) * pageSize
	end := offset + length
	alignedEnd := min(((end+pageSize-1)/pageSize)*pageSize, len(data))

	err := unix.Msync(data[alignedStart:alignedEnd], unix.MS_SYNC)
	if err != nil {
		return fmt.Errorf("msync: %w", err)
	}

	return nil
}

// isLittleEndian is true if the CPU uses little-endian byte order.
// Computed once at package init time.
var isLittleEndian = func() bool {
	var buf [2]byte
	buf[0] = 0x01

	return binary.NativeEndian.Uint16(buf[:]) == 0x01
}()

// is64Bit is true if the architecture has 64-bit pointers.
// Required for atomic 64-bit operations on the mapped header.
var is64Bit = bits.UintSize == 64
