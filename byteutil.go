package tabledb

import (
	"encoding/binary"
	"math"
)

func ensureCapacity(buf []byte, minCap int) []byte {
	c := cap(buf)
	if minCap > c {
		if c < 16 {
			c = 16
		}
		for minCap > c {
			c <<= 1
		}
		old := buf
		buf = make([]byte, len(old), c)
		copy(buf, old)
	}
	return buf
}

func grow(buf []byte, n int) (int, []byte) {
	off := len(buf)
	newLen := off + n
	buf = ensureCapacity(buf, newLen)
	return off, buf[:newLen]
}

func appendRaw(buf []byte, chunk []byte) []byte {
	n := len(chunk)
	off, buf := grow(buf, n)
	copy(buf[off:], chunk)
	return buf
}

func appendUvarint(buf []byte, v uint64) []byte {
	off, buf := grow(buf, binary.MaxVarintLen64)
	off += binary.PutUvarint(buf[off:], v)
	return buf[:off]
}

func appendVarbytes(buf []byte, v []byte) []byte {
	n := len(v)
	off, buf := grow(buf, binary.MaxVarintLen64+n)
	off += binary.PutUvarint(buf[off:], uint64(n))
	copy(buf[off:], v)
	return buf[:off+n]
}

type byteDecoder struct {
	Orig []byte
	Buf  []byte
}

func makeByteDecoder(buf []byte) byteDecoder {
	return byteDecoder{buf, buf}
}

func (d *byteDecoder) Off() int {
	return len(d.Orig) - len(d.Buf)
}

func (d *byteDecoder) Uvarint() (uint64, error) {
	v, n := binary.Uvarint(d.Buf)
	if n <= 0 {
		return 0, dataErrf(d.Orig, d.Off(), nil, "invalid uvarint")
	}
	d.Buf = d.Buf[n:]
	return v, nil
}

func (d *byteDecoder) Uvarinti() (int, error) {
	v, err := d.Uvarint()
	if v > math.MaxInt {
		return 0, dataErrf(d.Orig, d.Off(), nil, "value does not fit into int: %d", v)
	}
	return int(v), err
}

func (d *byteDecoder) Raw(n int) ([]byte, error) {
	if len(d.Buf) < n {
		return nil, dataErrf(d.Orig, d.Off(), nil, "not enough data: %d bytes remaining, %d wanted", len(d.Buf), n)
	}
	v := d.Buf[:n]
	d.Buf = d.Buf[n:]
	return v, nil
}

func (d *byteDecoder) VarBytes() ([]byte, error) {
	n, err := d.Uvarinti()
	if err != nil {
		return nil, err
	}
	return d.Raw(n)
}

// Composite index entries are keyed by esc(indexKey) 00 01 primaryKey,
// where esc replaces every 00 byte with 00 FF. The encoding keeps the order
// of index keys, and no escaped key is a prefix of another key's terminator,
// so entries for one index key are contiguous even when index keys are
// prefixes of each other.
const (
	escByte       = 0x00
	escZero       = 0xFF
	escTerminator = 0x01
	escAbove      = 0x02
)

func appendEscaped(buf, b []byte) []byte {
	for _, c := range b {
		if c == escByte {
			buf = append(buf, escByte, escZero)
		} else {
			buf = append(buf, c)
		}
	}
	return buf
}

func escapedLen(b []byte) int {
	n := len(b)
	for _, c := range b {
		if c == escByte {
			n++
		}
	}
	return n
}

func indexEntryKey(buf, indexKey, pk []byte) []byte {
	buf = appendEscaped(buf, indexKey)
	buf = append(buf, escByte, escTerminator)
	return append(buf, pk...)
}

// indexEntryUpperBound returns a key above every entry whose index key is
// <= indexKey and below every other entry.
func indexEntryUpperBound(indexKey []byte) []byte {
	buf := appendEscaped(make([]byte, 0, escapedLen(indexKey)+2), indexKey)
	return append(buf, escByte, escAbove)
}

// indexEntryExact returns the prefix shared by all entries of indexKey.
func indexEntryExact(indexKey []byte) []byte {
	buf := appendEscaped(make([]byte, 0, escapedLen(indexKey)+2), indexKey)
	return append(buf, escByte, escTerminator)
}

func splitIndexEntryKey(k []byte) (indexKey, pk []byte, err error) {
	indexKey = make([]byte, 0, len(k))
	for i := 0; i < len(k); i++ {
		c := k[i]
		if c != escByte {
			indexKey = append(indexKey, c)
			continue
		}
		if i+1 >= len(k) {
			break
		}
		switch k[i+1] {
		case escZero:
			indexKey = append(indexKey, escByte)
			i++
		case escTerminator:
			return indexKey, k[i+2:], nil
		default:
			return nil, nil, dataErrf(k, i, nil, "invalid escape in index entry")
		}
	}
	return nil, nil, dataErrf(k, len(k), nil, "unterminated index entry")
}
