// Package slice provides the key type used throughout the engine and the
// per-transaction arena that key and value buffers are carved from.
package slice

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
)

type kind uint8

const (
	kindKey kind = iota
	kindBeforeAllKeys
	kindAfterAllKeys
)

// Slice is an immutable view over a byte sequence. Equality is byte identity
// and ordering is unsigned lexicographic, except for the two sentinels which
// sort below and above every real key.
//
// A Slice carved from an Arena is only valid until the arena is closed.
type Slice struct {
	data []byte
	kind kind
}

var (
	// BeforeAllKeys orders before every key, including the empty one.
	BeforeAllKeys = Slice{kind: kindBeforeAllKeys}
	// AfterAllKeys orders after every key.
	AfterAllKeys = Slice{kind: kindAfterAllKeys}
)

// From wraps b without copying.
func From(b []byte) Slice {
	return Slice{data: b}
}

func FromString(s string) Slice {
	return Slice{data: []byte(s)}
}

// FromUint64 encodes v big-endian ("byte-swapped") so that byte order
// matches numeric order.
func FromUint64(v uint64) Slice {
	return Slice{data: binary.BigEndian.AppendUint64(nil, v)}
}

// FromInt64 encodes v big-endian with the sign bit flipped, so negative
// values sort before positive ones.
func FromInt64(v int64) Slice {
	return FromUint64(uint64(v) ^ (1 << 63))
}

func (s Slice) Bytes() []byte {
	return s.data
}

func (s Slice) Len() int {
	return len(s.data)
}

func (s Slice) IsBeforeAllKeys() bool {
	return s.kind == kindBeforeAllKeys
}

func (s Slice) IsAfterAllKeys() bool {
	return s.kind == kindAfterAllKeys
}

func (s Slice) IsSentinel() bool {
	return s.kind != kindKey
}

// Uint64 decodes a value produced by FromUint64. Shorter slices are treated
// as if left-padded with zeros; longer ones use their first 8 bytes.
func (s Slice) Uint64() uint64 {
	return Uint64(s.data)
}

func (s Slice) Int64() int64 {
	return int64(s.Uint64() ^ (1 << 63))
}

func (s Slice) Equal(o Slice) bool {
	return s.kind == o.kind && bytes.Equal(s.data, o.data)
}

// HasPrefix reports whether s starts with p. Sentinels have no prefixes.
func (s Slice) HasPrefix(p Slice) bool {
	if s.kind != kindKey || p.kind != kindKey {
		return false
	}
	return bytes.HasPrefix(s.data, p.data)
}

func (s Slice) String() string {
	switch s.kind {
	case kindBeforeAllKeys:
		return "<BeforeAllKeys>"
	case kindAfterAllKeys:
		return "<AfterAllKeys>"
	}
	if isPrintable(s.data) {
		return string(s.data)
	}
	return hex.EncodeToString(s.data)
}

// Compare orders a and b: sentinels first, then bytes.Compare.
func Compare(a, b Slice) int {
	if a.kind == b.kind {
		if a.kind == kindKey {
			return bytes.Compare(a.data, b.data)
		}
		return 0
	}
	return rank(a) - rank(b)
}

func rank(s Slice) int {
	switch s.kind {
	case kindBeforeAllKeys:
		return -1
	case kindAfterAllKeys:
		return 1
	default:
		return 0
	}
}

// Uint64 decodes a big-endian integer from up to 8 bytes of b.
func Uint64(b []byte) uint64 {
	if len(b) >= 8 {
		return binary.BigEndian.Uint64(b)
	}
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

// PutUint64 writes v big-endian into the first 8 bytes of b.
func PutUint64(b []byte, v uint64) {
	binary.BigEndian.PutUint64(b, v)
}

// AppendUint64 appends v big-endian.
func AppendUint64(b []byte, v uint64) []byte {
	return binary.BigEndian.AppendUint64(b, v)
}

func isPrintable(b []byte) bool {
	for _, c := range b {
		if c < 32 || c > 126 {
			return false
		}
	}
	return true
}
