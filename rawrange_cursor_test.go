package tabledb

import (
	"log/slog"
	"testing"
)

func collectRange(t *testing.T, b storageBucket, r RawRange) []string {
	t.Helper()
	var got []string
	for _, v := range r.items(b, slog.Default()) {
		got = append(got, string(v))
	}
	return got
}

func TestRawRangeCursor_BoundsPrefixAndReverse(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s storage) {
		wtx := must(s.BeginTx(true))
		buck := must(wtx.CreateBucket("b", ""))
		mustPut(t, buck, []byte{0x10, 0x01}, []byte("a"))
		mustPut(t, buck, []byte{0x10, 0x02}, []byte("b"))
		mustPut(t, buck, []byte{0x10, 0x03}, []byte("c"))
		mustPut(t, buck, []byte{0x11, 0x01}, []byte("x"))
		mustPut(t, buck, []byte{0x11, 0x02}, []byte("y"))
		ensure(wtx.Commit())

		rtx := must(s.BeginTx(false))
		defer rtx.Rollback()
		rbuck := nonNil(rtx.Bucket("b", ""))

		tests := []struct {
			name string
			r    RawRange
			want string
		}{
			{"prefix", RawPrefix([]byte{0x10}), "abc"},
			{"prefix reverse", RawPrefix([]byte{0x10}).Reversed(), "cba"},
			{"all reverse", RawOO().Reversed(), "yxcba"},
			{"lower exclusive", RawEO([]byte{0x10, 0x01}), "bcxy"},
			{"lower inclusive missing", RawIO([]byte{0x10, 0x02, 0x00}), "cxy"},
			{"upper exclusive reverse", RawOE([]byte{0x10, 0x03}).Reversed(), "ba"},
			{"upper inclusive reverse", RawOI([]byte{0x10, 0x03}).Reversed(), "cba"},
			{"upper between keys", RawOI([]byte{0x10, 0x02, 0x05}).Reversed(), "ba"},
			{"upper below all", RawOI([]byte{0x01}).Reversed(), ""},
			{"upper above all", RawOI([]byte{0xFF}).Reversed(), "yxcba"},
			{"closed range", RawIE([]byte{0x10, 0x02}, []byte{0x11, 0x02}), "bcx"},
			{"closed range reverse", RawEI([]byte{0x10, 0x02}, []byte{0x11, 0x02}).Reversed(), "yxc"},
			{"upper above prefix", RawOI([]byte{0x11}).Prefixed([]byte{0x10}).Reversed(), "cba"},
			{"upper below prefix", RawOI([]byte{0x0F}).Prefixed([]byte{0x10}).Reversed(), ""},
			{"lower below prefix", RawIO([]byte{0x01}).Prefixed([]byte{0x11}), "xy"},
			{"lower above prefix", RawIO([]byte{0x12}).Prefixed([]byte{0x11}), ""},
			{"missing prefix", RawPrefix([]byte{0x0F}), ""},
			{"missing prefix reverse", RawPrefix([]byte{0x12}).Reversed(), ""},
			{"skip", RawOO().Skipping(2), "cxy"},
			{"skip reverse prefix", RawPrefix([]byte{0x10}).Reversed().Skipping(1), "ba"},
			{"skip past end", RawPrefix([]byte{0x11}).Skipping(5), ""},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got := collectRange(t, rbuck, tt.r)
				var s string
				for _, v := range got {
					s += v
				}
				if s != tt.want {
					t.Errorf("got %q, wanted %q", s, tt.want)
				}
			})
		}
	})
}

func TestRawRangeCursor_NextAfterEnd(t *testing.T) {
	s := newMemStorage()
	wtx := must(s.BeginTx(true))
	buck := must(wtx.CreateBucket("b", ""))
	mustPut(t, buck, []byte{0x10}, []byte("a"))
	ensure(wtx.Commit())

	rtx := must(s.BeginTx(false))
	defer rtx.Rollback()
	rbuck := nonNil(rtx.Bucket("b", ""))

	cur := (&RawRange{}).newCursor(rbuck.Cursor(), slog.Default())
	if !cur.Next() || string(cur.Value()) != "a" {
		t.Fatalf("first Next = %q, wanted a", cur.Value())
	}
	if cur.Next() {
		t.Fatalf("second Next = true, wanted false")
	}
	if cur.Next() {
		t.Fatalf("Next after end = true, wanted false")
	}
}

func mustPut(t *testing.T, buck storageBucket, k, v []byte) {
	t.Helper()
	ensure(buck.Put(k, v))
}
