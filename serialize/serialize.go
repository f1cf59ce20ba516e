// Package serialize provides the deterministic little-endian byte
// encoding used as input to the BLAKE2b hashes in package hash — the
// layout checksum hashes the output of a Buffer rather than raw struct
// bytes, so the result is independent of compiler struct packing. The
// schema and header ABI hashes use package hash's own little-endian
// length-prefixed encoding.
package serialize

import "encoding/binary"

// Buffer accumulates a deterministic little-endian byte sequence.
// The zero value is ready to use.
type Buffer struct {
	b []byte
}

// NewBuffer returns a Buffer with capacity pre-reserved.
func NewBuffer(capacityHint int) *Buffer {
	return &Buffer{b: make([]byte, 0, capacityHint)}
}

// U8 appends a single byte.
func (buf *Buffer) U8(v uint8) *Buffer {
	buf.b = append(buf.b, v)
	return buf
}

// U32 appends v as 4 little-endian bytes.
func (buf *Buffer) U32(v uint32) *Buffer {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	buf.b = append(buf.b, tmp[:]...)
	return buf
}

// U64 appends v as 8 little-endian bytes.
func (buf *Buffer) U64(v uint64) *Buffer {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	buf.b = append(buf.b, tmp[:]...)
	return buf
}

// Bytes appends a raw byte slice verbatim (used for already-hashed
// 32-byte values and variable-length textual descriptions).
func (buf *Buffer) Bytes(v []byte) *Buffer {
	buf.b = append(buf.b, v...)
	return buf
}

// String appends the raw bytes of s (no length prefix — callers that
// need unambiguous framing should precede with a U32 length).
func (buf *Buffer) String(s string) *Buffer {
	buf.b = append(buf.b, s...)
	return buf
}

// LenPrefixedString appends a U32 length followed by the string bytes,
// for fields whose value could otherwise create ambiguous encodings
// when concatenated with neighboring fields (e.g. schema field names).
func (buf *Buffer) LenPrefixedString(s string) *Buffer {
	buf.U32(uint32(len(s)))
	buf.b = append(buf.b, s...)
	return buf
}

// Build returns the accumulated byte sequence.
func (buf *Buffer) Build() []byte {
	return buf.b
}
