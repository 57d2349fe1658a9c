package tabledb

import (
	"encoding/hex"
	"log/slog"
)

// emptyValue is stored instead of nil; some backends read nil as "absent".
var emptyValue = []byte{}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func ensure(err error) {
	if err != nil {
		panic(err)
	}
}

func nonNil[T any](v T) T {
	if any(v) == nil {
		panic("nil")
	}
	return v
}

// incPrefix returns the smallest key greater than every key starting with
// prefix, or false if prefix is all 0xFF.
func incPrefix(prefix []byte) ([]byte, bool) {
	b := append([]byte(nil), prefix...)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] != 0xFF {
			b[i]++
			return b[:i+1], true
		}
	}
	return nil, false
}

func hexstr(b []byte) string {
	if b == nil {
		return "<nil>"
	}
	if len(b) == 0 {
		return "<empty>"
	}
	return hex.EncodeToString(b)
}

func hexAttr(key string, b []byte) slog.Attr {
	return slog.String(key, hexstr(b))
}
