// Package hash wraps BLAKE2b-256 for the four hash uses in the
// DataBlock fabric: slot-type schema hash, flex-zone-type schema hash,
// header ABI hash, and layout checksum.
package hash

import "golang.org/x/crypto/blake2b"

// Size is the length in bytes of every hash this package produces.
const Size = 32

// Sum256 returns the BLAKE2b-256 digest of b.
func Sum256(b []byte) [Size]byte {
	return blake2b.Sum256(b)
}

// SchemaField is one field of a canonical textual schema description,
// used as input to SchemaHash: field name, type token, array length.
type SchemaField struct {
	Name        string
	TypeToken   string
	ArrayLength uint32 // 0 if the field is not an array
}

// SchemaHash computes the canonical schema hash for a user type: the
// BLAKE2b-256 digest of the little-endian concatenation of each
// field's name, type token, and array length, in declaration order.
// Two schemas with the same fields in the same order, even compiled
// by different builds, hash identically — this is deliberately not a
// hash of struct bytes.
func SchemaHash(typeName string, fields []SchemaField) [Size]byte {
	buf := make([]byte, 0, 64+32*len(fields))
	buf = appendLenPrefixed(buf, typeName)
	for _, f := range fields {
		buf = appendLenPrefixed(buf, f.Name)
		buf = appendLenPrefixed(buf, f.TypeToken)
		buf = appendU32(buf, f.ArrayLength)
	}
	return Sum256(buf)
}

func appendLenPrefixed(buf []byte, s string) []byte {
	buf = appendU32(buf, uint32(len(s)))
	return append(buf, s...)
}

func appendU32(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

// Equal reports whether two digests are identical.
func Equal(a, b [Size]byte) bool {
	return a == b
}
