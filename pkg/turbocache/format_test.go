package turbocache

import (
	"encoding/binary"
	"errors"
	"testing"
)

func Test_Descriptor_RoundTrips_Within_Bounds(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		offset uint64
		klen   int
		vlen   int
	}{
		{"zero", 0, 0, 0},
		{"small", 128, 3, 17},
		{"max_klen", 0, MaxKeyLen, 0},
		{"max_vlen", 0, 0, MaxValueLen},
		{"max_offset", maxDataOffset, 1, 1},
		{"all_max", maxDataOffset, MaxKeyLen, MaxValueLen},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			d, err := packDescriptor(tc.offset, tc.klen, tc.vlen)
			if err != nil {
				t.Fatalf("packDescriptor(%d, %d, %d): %v", tc.offset, tc.klen, tc.vlen, err)
			}

			offset, klen, vlen := unpackDescriptor(d)
			if offset != tc.offset || klen != tc.klen || vlen != tc.vlen {
				t.Fatalf("round trip got (%d, %d, %d), want (%d, %d, %d)",
					offset, klen, vlen, tc.offset, tc.klen, tc.vlen)
			}
		})
	}
}

func Test_Descriptor_Rejects_One_Past_Boundary(t *testing.T) {
	t.Parallel()

	_, err := packDescriptor(0, MaxKeyLen+1, 0)
	if !errors.Is(err, ErrKeyTooLarge) {
		t.Fatalf("klen overflow: got %v, want ErrKeyTooLarge", err)
	}

	_, err = packDescriptor(0, 0, MaxValueLen+1)
	if !errors.Is(err, ErrValueTooLarge) {
		t.Fatalf("vlen overflow: got %v, want ErrValueTooLarge", err)
	}

	_, err = packDescriptor(maxDataOffset+1, 0, 0)
	if !errors.Is(err, ErrOffsetOverflow) {
		t.Fatalf("offset overflow: got %v, want ErrOffsetOverflow", err)
	}
}

func Test_Header_Encode_Then_Validate(t *testing.T) {
	t.Parallel()

	buf := encodeBucketHeader(1024)

	err := validateBucketHeader(buf, 1024)
	if err != nil {
		t.Fatalf("fresh header should validate: %v", err)
	}
}

func Test_Header_Validate_Rejects_Mismatches(t *testing.T) {
	t.Parallel()

	mutate := func(fn func(buf []byte)) []byte {
		buf := encodeBucketHeader(1024)
		fn(buf)

		return buf
	}

	cases := []struct {
		name string
		buf  []byte
	}{
		{"bad_magic", mutate(func(b []byte) { b[0] = 'X' })},
		{"bad_version", mutate(func(b []byte) { b[offVersion] = 99 })},
		{"wrong_capacity", encodeBucketHeader(2048)},
		{"live_exceeds_capacity", mutate(func(b []byte) { b[offLiveCount+2] = 0xFF })},
		{"reserved_set", mutate(func(b []byte) { b[tfx1HeaderSize-1] = 1 })},
		{"truncated", encodeBucketHeader(1024)[:32]},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := validateBucketHeader(tc.buf, 1024)
			if !errors.Is(err, errInvalidFile) {
				t.Fatalf("got %v, want errInvalidFile", err)
			}
		})
	}
}

func Test_Header_Validate_Write_Offset_Boundary(t *testing.T) {
	t.Parallel()

	withWriteOffset := func(v uint64) []byte {
		buf := encodeBucketHeader(1024)
		binary.LittleEndian.PutUint64(buf[offWriteOffset:], v)

		return buf
	}

	// A final append of a maximum-size pair starting at maxDataOffset leaves
	// the counter this far past the last encodable offset; the bucket is
	// still valid and must survive a reopen.
	limit := maxDataOffset + MaxKeyLen + MaxValueLen

	err := validateBucketHeader(withWriteOffset(limit), 1024)
	if err != nil {
		t.Fatalf("write offset at the append limit should validate: %v", err)
	}

	err = validateBucketHeader(withWriteOffset(limit+1), 1024)
	if !errors.Is(err, errInvalidFile) {
		t.Fatalf("write offset past the append limit: got %v, want errInvalidFile", err)
	}
}

func Test_Layout_Offsets_Are_Aligned(t *testing.T) {
	t.Parallel()

	for _, capacity := range []uint64{64, 128, 1024, 1 << 20} {
		layout := layoutFor(capacity)

		if layout.sigOff%8 != 0 || layout.descOff%8 != 0 || layout.indexSize%8 != 0 {
			t.Fatalf("capacity %d: unaligned layout %+v", capacity, layout)
		}

		want := tfx1HeaderSize + capacity*(sigSlotSize+descSlotSize)
		if layout.indexSize != want {
			t.Fatalf("capacity %d: index size %d, want %d", capacity, layout.indexSize, want)
		}
	}
}
