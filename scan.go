package tabledb

import (
	"bytes"
	"context"
	"iter"
	"log/slog"
)

const (
	debugLogRawScans = false
)

// RawRange defines a range of byte strings. The constructors use mnemonics:
// O means open, I means inclusive, E means exclusive; the first letter is for
// the lower bound, the second for the upper bound.
//
// Prefix further restricts the range to keys starting with it. Bounds outside
// of the prefix are clamped to it, so an upper bound above every key of the
// prefix starts a reverse scan at the prefix's last key.
type RawRange struct {
	Prefix   []byte
	Lower    []byte
	Upper    []byte
	LowerInc bool
	UpperInc bool
	Reverse  bool
	Skip     int
}

func RawOO() RawRange            { return RawRange{} }
func RawIO(l []byte) RawRange    { return RawRange{Lower: l, LowerInc: true} }
func RawEO(l []byte) RawRange    { return RawRange{Lower: l, LowerInc: false} }
func RawOI(u []byte) RawRange    { return RawRange{Upper: u, UpperInc: true} }
func RawOE(u []byte) RawRange    { return RawRange{Upper: u, UpperInc: false} }
func RawII(l, u []byte) RawRange { return RawRange{Lower: l, Upper: u, LowerInc: true, UpperInc: true} }
func RawIE(l, u []byte) RawRange {
	return RawRange{Lower: l, Upper: u, LowerInc: true, UpperInc: false}
}
func RawEI(l, u []byte) RawRange {
	return RawRange{Lower: l, Upper: u, LowerInc: false, UpperInc: true}
}
func RawEE(l, u []byte) RawRange {
	return RawRange{Lower: l, Upper: u, LowerInc: false, UpperInc: false}
}
func RawPrefix(p []byte) RawRange                { return RawRange{Prefix: p} }
func (rang RawRange) Prefixed(p []byte) RawRange { rang.Prefix = p; return rang }
func (rang RawRange) Reversed() RawRange         { rang.Reverse = true; return rang }
func (rang RawRange) Skipping(n int) RawRange    { rang.Skip = n; return rang }

// seekLE positions c at the last key <= k.
func seekLE(c storageCursor, k []byte) ([]byte, []byte) {
	ck, cv := c.Seek(k)
	if ck == nil {
		return c.Last()
	}
	if bytes.Equal(ck, k) {
		return ck, cv
	}
	return c.Prev()
}

// abovePrefix reports whether k sorts after every key starting with prefix.
func abovePrefix(k, prefix []byte) bool {
	return bytes.Compare(k, prefix) > 0 && !bytes.HasPrefix(k, prefix)
}

func (r *RawRange) start(bcur storageCursor, logger *slog.Logger) ([]byte, []byte) {
	var k, v []byte
	if r.Reverse {
		upper := r.Upper
		if upper != nil && r.Prefix != nil && abovePrefix(upper, r.Prefix) {
			upper = nil
		}
		if upper != nil {
			k, v = seekLE(bcur, upper)
			if debugLogRawScans {
				logger.LogAttrs(context.Background(), slog.LevelDebug, "SEEK to upper", hexAttr("upper", upper), hexAttr("key", k), hexAttr("val", v))
			}
			if k != nil && !r.UpperInc && bytes.Equal(k, upper) {
				k, v = bcur.Prev()
			}
		} else if r.Prefix != nil {
			k, v = bcur.SeekLast(r.Prefix)
			if debugLogRawScans {
				logger.LogAttrs(context.Background(), slog.LevelDebug, "SEEK to last of prefix", hexAttr("prefix", r.Prefix), hexAttr("key", k), hexAttr("val", v))
			}
		} else {
			k, v = bcur.Last()
			if debugLogRawScans {
				logger.LogAttrs(context.Background(), slog.LevelDebug, "LAST", hexAttr("key", k), hexAttr("val", v))
			}
		}
	} else {
		lower := r.Lower
		if lower != nil && r.Prefix != nil && bytes.Compare(lower, r.Prefix) < 0 {
			lower = nil
		}
		if lower != nil {
			k, v = bcur.Seek(lower)
			if debugLogRawScans {
				logger.LogAttrs(context.Background(), slog.LevelDebug, "SEEK to lower", hexAttr("lower", lower), hexAttr("key", k), hexAttr("val", v))
			}
			if k != nil && !r.LowerInc && bytes.Equal(k, lower) {
				k, v = bcur.Next()
			}
		} else if r.Prefix != nil {
			k, v = bcur.Seek(r.Prefix)
			if debugLogRawScans {
				logger.LogAttrs(context.Background(), slog.LevelDebug, "SEEK to prefix", hexAttr("prefix", r.Prefix), hexAttr("key", k), hexAttr("val", v))
			}
		} else {
			k, v = bcur.First()
			if debugLogRawScans {
				logger.LogAttrs(context.Background(), slog.LevelDebug, "FIRST", hexAttr("key", k), hexAttr("val", v))
			}
		}
	}
	for range r.Skip {
		if k == nil || !r.match(k, v, logger) {
			return nil, nil
		}
		k, v = r.advance(bcur, logger)
	}
	if k != nil && r.match(k, v, logger) {
		return k, v
	} else {
		return nil, nil
	}
}

func (r *RawRange) advance(bcur storageCursor, logger *slog.Logger) ([]byte, []byte) {
	var k, v []byte
	if r.Reverse {
		k, v = bcur.Prev()
		if debugLogRawScans {
			logger.LogAttrs(context.Background(), slog.LevelDebug, "PREV", hexAttr("key", k), hexAttr("val", v))
		}
	} else {
		k, v = bcur.Next()
		if debugLogRawScans {
			logger.LogAttrs(context.Background(), slog.LevelDebug, "NEXT", hexAttr("key", k), hexAttr("val", v))
		}
	}
	return k, v
}

func (r *RawRange) next(bcur storageCursor, logger *slog.Logger) ([]byte, []byte) {
	k, v := r.advance(bcur, logger)
	if k != nil && r.match(k, v, logger) {
		return k, v
	} else {
		return nil, nil
	}
}

func (r *RawRange) match(k, v []byte, logger *slog.Logger) bool {
	if r.Prefix != nil && !bytes.HasPrefix(k, r.Prefix) {
		if debugLogRawScans {
			logger.LogAttrs(context.Background(), slog.LevelDebug, "BAIL on prefix", hexAttr("prefix", r.Prefix), hexAttr("key", k), hexAttr("val", v))
		}
		return false
	}
	if r.Reverse {
		if lower := r.Lower; lower != nil {
			cmp := bytes.Compare(k, lower)
			if cmp == -1 || (cmp == 0 && !r.LowerInc) {
				if debugLogRawScans {
					logger.LogAttrs(context.Background(), slog.LevelDebug, "BAIL on lower", hexAttr("lower", lower), hexAttr("key", k), hexAttr("val", v))
				}
				return false
			}
		}
	} else {
		if upper := r.Upper; upper != nil {
			cmp := bytes.Compare(k, upper)
			if cmp == 1 || (cmp == 0 && !r.UpperInc) {
				if debugLogRawScans {
					logger.LogAttrs(context.Background(), slog.LevelDebug, "BAIL on upper", hexAttr("upper", upper), hexAttr("key", k), hexAttr("val", v))
				}
				return false
			}
		}
	}
	if debugLogRawScans {
		logger.LogAttrs(context.Background(), slog.LevelDebug, "MATCH", hexAttr("key", k), hexAttr("val", v))
	}
	return true
}

func (rang *RawRange) newCursor(bcur storageCursor, logger *slog.Logger) *RawRangeCursor {
	return &RawRangeCursor{rang: *rang, bcur: bcur, logger: logger}
}

// items yields the range lazily. The bucket must not be modified until the
// iteration ends.
func (rang RawRange) items(b storageBucket, logger *slog.Logger) iter.Seq2[[]byte, []byte] {
	return func(yield func(k, v []byte) bool) {
		c := rang.newCursor(b.Cursor(), logger)
		for c.Next() {
			if !yield(c.Key(), c.Value()) {
				return
			}
		}
	}
}

type RawRangeCursor struct {
	rang   RawRange
	bcur   storageCursor
	logger *slog.Logger
	k, v   []byte
	init   bool
}

func (c *RawRangeCursor) Next() bool {
	if c.init {
		if c.k == nil {
			return false
		}
		c.k, c.v = c.rang.next(c.bcur, c.logger)
	} else {
		c.init = true
		c.k, c.v = c.rang.start(c.bcur, c.logger)
	}
	return c.k != nil
}

func (c *RawRangeCursor) Key() []byte   { return c.k }
func (c *RawRangeCursor) Value() []byte { return c.v }
