// Package wire frames spilled cache entries.
//
// Entry: magic(4) | ver(1) | status(1) | gen(u64 be) | updated(i64 be, unix nanos) | vlen(u32 be) | payload(vlen)
//
// Decoding is strict: wrong magic or version, short buffers, oversized
// lengths and trailing bytes are all ErrCorrupt. Payload slices alias the
// input buffer.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	version byte = 1
	hdrLen       = 4 + 1 + 1 + 8 + 8 + 4
)

var (
	ErrCorrupt = errors.New("syncache: corrupt spilled entry")
	magic4     = [...]byte{'S', 'Y', 'N', 'C'}
)

// Frame is one spilled entry.
type Frame struct {
	Gen     uint64 // generation observed when the entry was spilled
	Status  uint8
	Updated int64 // unix nanos; 0 when never loaded
	Payload []byte
}

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

func Encode(f Frame) []byte {
	var buf bytes.Buffer
	buf.Grow(hdrLen + len(f.Payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(f.Status)

	var u8 [8]byte
	var u4 [4]byte

	binary.BigEndian.PutUint64(u8[:], f.Gen)
	buf.Write(u8[:])

	binary.BigEndian.PutUint64(u8[:], uint64(f.Updated))
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(f.Payload)))
	buf.Write(u4[:])

	buf.Write(f.Payload)
	return buf.Bytes()
}

func Decode(b []byte) (Frame, error) {
	if len(b) < hdrLen || !hasMagic(b) || b[4] != version {
		return Frame{}, ErrCorrupt
	}

	f := Frame{Status: b[5]}
	off := 6

	f.Gen = binary.BigEndian.Uint64(b[off : off+8])
	off += 8

	f.Updated = int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8

	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen != len(b)-off { // short or trailing bytes
		return Frame{}, ErrCorrupt
	}

	f.Payload = b[off : off+vlen]
	return f, nil
}
