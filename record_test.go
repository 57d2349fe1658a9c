package tabledb

import (
	"encoding/hex"
	"math"
	"strings"
	"testing"

	"github.com/shiranshalom/ravendb-sub000/slice"
)

func TestTuple(t *testing.T) {
	l1024 := longhex(1024)
	tests := []struct {
		input    string
		expected string
	}{
		{"", "01"},
		{"4241", "424101"},
		{l1024, l1024 + "01"},
		{"4241|393837", "42413938370202"},
		{"1122|334455|66778899", "112233445566778899020303"},
		{l1024 + "|" + l1024, l1024 + l1024 + "088002"},
		{"|", "0002"},
		{"||", "000003"},
		{"|||", "00000004"},
		{"||||", "0000000005"},
	}
	for _, tt := range tests {
		src := parseTupleString(tt.input)
		if src.String() != tt.input {
			t.Errorf("** parseTupleString(%q).String() does not round-trip", tt.input)
			continue
		}

		encoded := src.encode(nil)
		encodedStr := hex.EncodeToString(encoded)
		if encodedStr != tt.expected {
			t.Errorf("** tuple(%q).encode() = %q, wanted %q", tt.input, encodedStr, tt.expected)
		} else {
			decoded := must(decodeTuple(encoded))
			if !src.Equal(decoded) {
				t.Errorf("** decodeTuple(%q) = %s, wanted %s", encodedStr, decoded.String(), tt.input)
			}
		}
	}
}

func TestTuple_invalid(t *testing.T) {
	for _, s := range []string{"05", "4102", "ff", "41420903"} {
		if _, err := decodeTuple(must(hex.DecodeString(s))); err == nil {
			t.Errorf("decodeTuple(%s) succeeded, wanted error", s)
		}
	}
}

func TestTableValueBuilder(t *testing.T) {
	var b TableValueBuilder
	b.AddString("users/1").AddUint64(42).AddInt64(-7).Add(nil).AddSlice(slice.FromString("x"))
	if b.Count() != 5 {
		t.Fatalf("Count = %d, wanted 5", b.Count())
	}
	r := must(NewTableValueReader(b.Bytes()))
	if r.Count() != 5 {
		t.Fatalf("reader Count = %d, wanted 5", r.Count())
	}
	if got := r.ReadString(0); got != "users/1" {
		t.Errorf("ReadString(0) = %q", got)
	}
	if got := r.ReadUint64(1); got != 42 {
		t.Errorf("ReadUint64(1) = %d", got)
	}
	if got := r.ReadInt64(2); got != -7 {
		t.Errorf("ReadInt64(2) = %d", got)
	}
	if got := r.Read(3); len(got) != 0 {
		t.Errorf("Read(3) = %x, wanted empty", got)
	}
	if got := r.ReadSlice(4); !got.Equal(slice.FromString("x")) {
		t.Errorf("ReadSlice(4) = %v", got)
	}
	if got := r.Read(5); got != nil {
		t.Errorf("Read(5) = %x, wanted nil", got)
	}
}

func TestTableValueBuilder_empty(t *testing.T) {
	var b TableValueBuilder
	r := must(NewTableValueReader(b.Bytes()))
	if r.Count() != 0 {
		t.Fatalf("Count = %d, wanted 0", r.Count())
	}
}

func TestTableValueBuilder_integerOrder(t *testing.T) {
	field := func(f func(b *TableValueBuilder)) string {
		var b TableValueBuilder
		f(&b)
		return string(must(NewTableValueReader(b.Bytes())).Read(0))
	}
	u := []uint64{0, 1, 255, 256, 1 << 40, math.MaxUint64}
	for i := 1; i < len(u); i++ {
		a := field(func(b *TableValueBuilder) { b.AddUint64(u[i-1]) })
		c := field(func(b *TableValueBuilder) { b.AddUint64(u[i]) })
		if strings.Compare(a, c) >= 0 {
			t.Errorf("uint64 %d does not sort before %d", u[i-1], u[i])
		}
	}
	s := []int64{math.MinInt64, -1000, -1, 0, 1, math.MaxInt64}
	for i := 1; i < len(s); i++ {
		a := field(func(b *TableValueBuilder) { b.AddInt64(s[i-1]) })
		c := field(func(b *TableValueBuilder) { b.AddInt64(s[i]) })
		if strings.Compare(a, c) >= 0 {
			t.Errorf("int64 %d does not sort before %d", s[i-1], s[i])
		}
	}
}

func TestTableValueBuilder_bytesTwicePanics(t *testing.T) {
	var b TableValueBuilder
	b.AddString("a")
	_ = b.Bytes()
	assertPanics(t, func() { b.Bytes() })
}

func parseTupleString(s string) tuple {
	els := strings.Split(s, "|")
	tup := make(tuple, len(els))
	for i, el := range els {
		tup[i] = must(hex.DecodeString(el))
	}
	return tup
}

func longhex(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return hex.EncodeToString(b)
}
