package tabledb

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/shiranshalom/ravendb-sub000/slice"
)

// tuple format: el1 el2 ... elN len1 len2 ... lenN-1  n
//
// Lengths are reverse uvarints so that a reader can walk them from the end
// without knowing where the data stops.
type tuple [][]byte

func (tup tuple) String() string {
	var buf strings.Builder
	for i, el := range tup {
		if i > 0 {
			buf.WriteByte('|')
		}
		buf.WriteString(hex.EncodeToString(el))
	}
	return buf.String()
}

func (tup tuple) Equal(another tuple) bool {
	n := len(tup)
	if len(another) != n {
		return false
	}
	for i, b := range tup {
		if !bytes.Equal(b, another[i]) {
			return false
		}
	}
	return true
}

func decodeTuple(raw []byte) (tuple, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	orig := raw

	c, raw, ok := decodeRuvarint(raw)
	if !ok {
		return nil, dataErrf(orig, len(orig), nil, "invalid tuple count")
	}
	if c == 0 {
		return nil, nil
	}
	if uint64(c) > uint64(len(raw))+1 {
		return nil, dataErrf(orig, len(orig), nil, "invalid tuple: %d elements", c)
	}

	lens := make([]uint32, c)
	for i := int(c) - 2; i >= 0; i-- {
		lens[i], raw, ok = decodeRuvarint(raw)
		if !ok {
			return nil, dataErrf(orig, len(raw), nil, "invalid length of tuple element %d", i)
		}
	}

	var explicitLen uint64
	for i := uint32(0); i < c-1; i++ {
		explicitLen += uint64(lens[i])
	}
	if explicitLen > uint64(len(raw)) {
		return nil, dataErrf(orig, 0, nil, "invalid tuple: sum of explicit lens %d is greater than total data len %d", explicitLen, len(raw))
	}

	starts := make([]uint32, c+1)
	for i := uint32(0); i < c-1; i++ {
		starts[i+1] = starts[i] + lens[i]
	}
	starts[c] = uint32(len(raw))

	tup := make(tuple, c)
	for i := uint32(0); i < c; i++ {
		tup[i] = raw[starts[i]:starts[i+1]:starts[i+1]]
	}
	return tup, nil
}

func (tup tuple) encode(buf []byte) []byte {
	if len(tup) == 0 {
		return append(buf, 0)
	}
	var tb tupleEncoder
	for _, el := range tup {
		tb.begin(buf)
		buf = appendRaw(buf, el)
	}
	return tb.finalize(buf)
}

type tupleEncoder struct {
	startOffPlus1 int
	lens          []int
}

func (tb *tupleEncoder) count() int {
	if tb.startOffPlus1 == 0 {
		return 0
	}
	return len(tb.lens) + 1
}

func (tb *tupleEncoder) begin(buf []byte) {
	off := tb.startOffPlus1
	if off < 0 {
		panic("tupleEncoder finalized")
	} else if off != 0 {
		itemLen := len(buf) + 1 - off
		tb.lens = append(tb.lens, itemLen)
	}
	tb.startOffPlus1 = len(buf) + 1
}

func (tb *tupleEncoder) finalize(buf []byte) []byte {
	for _, v := range tb.lens {
		buf = appendRuvarint(buf, uint32(v))
	}
	buf = appendRuvarint(buf, uint32(tb.count()))
	tb.startOffPlus1 = -1
	return buf
}

// Reverse Uvarint is just byte-reversed Uvarint, for right-to-left reading
func appendRuvarint(buf []byte, v uint32) []byte {
	var vb [binary.MaxVarintLen32]byte
	vn := binary.PutUvarint(vb[:], uint64(v))
	off, buf := grow(buf, vn)
	for i, b := range vb[:vn] {
		buf[off+vn-i-1] = b
	}
	return buf
}

func decodeRuvarint(buf []byte) (uint32, []byte, bool) {
	var vb [binary.MaxVarintLen32]byte
	n := len(buf)
	if n == 0 {
		return 0, buf, false
	}
	c := min(n, binary.MaxVarintLen32)
	for i := 0; i < c; i++ {
		vb[i] = buf[n-i-1]
	}
	v, vn := binary.Uvarint(vb[:c])
	if vn <= 0 || v > 0xFFFFFFFF {
		return 0, buf, false
	}
	return uint32(v), buf[:n-vn], true
}

// TableValueBuilder packs the fields of one record. Fields are opaque bytes;
// integers meant for ordering are written big-endian by AddUint64 and
// AddInt64 so that byte order matches numeric order.
type TableValueBuilder struct {
	buf []byte
	tb  tupleEncoder
}

func (b *TableValueBuilder) Add(v []byte) *TableValueBuilder {
	b.tb.begin(b.buf)
	b.buf = appendRaw(b.buf, v)
	return b
}

func (b *TableValueBuilder) AddString(v string) *TableValueBuilder {
	b.tb.begin(b.buf)
	b.buf = append(b.buf, v...)
	return b
}

func (b *TableValueBuilder) AddUint64(v uint64) *TableValueBuilder {
	b.tb.begin(b.buf)
	b.buf = slice.AppendUint64(b.buf, v)
	return b
}

func (b *TableValueBuilder) AddInt64(v int64) *TableValueBuilder {
	b.tb.begin(b.buf)
	b.buf = slice.AppendUint64(b.buf, uint64(v)^(1<<63))
	return b
}

func (b *TableValueBuilder) AddSlice(v slice.Slice) *TableValueBuilder {
	if v.IsSentinel() {
		panic(fmt.Errorf("cannot store sentinel %v", v))
	}
	return b.Add(v.Bytes())
}

func (b *TableValueBuilder) Count() int {
	return b.tb.count()
}

// Bytes returns the encoded record. The builder must not be used afterwards.
func (b *TableValueBuilder) Bytes() []byte {
	if b.tb.startOffPlus1 < 0 {
		panic("TableValueBuilder used after Bytes")
	}
	if b.tb.count() == 0 {
		b.tb.startOffPlus1 = -1
		return []byte{0}
	}
	return b.tb.finalize(b.buf)
}

// TableValueReader gives access to the fields of a stored record. The
// returned field slices alias the record and must not be modified.
type TableValueReader struct {
	raw    []byte
	fields tuple
}

func NewTableValueReader(raw []byte) (TableValueReader, error) {
	tup, err := decodeTuple(raw)
	if err != nil {
		return TableValueReader{}, err
	}
	return TableValueReader{raw: raw, fields: tup}, nil
}

func (r TableValueReader) Raw() []byte { return r.raw }

func (r TableValueReader) Count() int { return len(r.fields) }

// Read returns field i, or nil if the record has fewer fields.
func (r TableValueReader) Read(i int) []byte {
	if i < 0 || i >= len(r.fields) {
		return nil
	}
	return r.fields[i]
}

func (r TableValueReader) ReadString(i int) string {
	return string(r.Read(i))
}

func (r TableValueReader) ReadSlice(i int) slice.Slice {
	return slice.From(r.Read(i))
}

// ReadUint64 decodes a field written by AddUint64. Fields of another width
// decode as 0.
func (r TableValueReader) ReadUint64(i int) uint64 {
	b := r.Read(i)
	if len(b) != 8 {
		return 0
	}
	return slice.Uint64(b)
}

func (r TableValueReader) ReadInt64(i int) int64 {
	return int64(r.ReadUint64(i) ^ (1 << 63))
}

// String renders printable fields as quoted strings and others as hex.
func (r TableValueReader) String() string {
	var buf strings.Builder
	for i, f := range r.fields {
		if i > 0 {
			buf.WriteByte('|')
		}
		buf.WriteString(keyString(f))
	}
	return buf.String()
}

// TableValueHolder is one row produced by a table read: the primary key,
// the index key it was reached through (nil for primary key reads), and the
// record itself.
type TableValueHolder struct {
	Table    string
	Key      []byte
	IndexKey []byte
	Reader   TableValueReader
}
