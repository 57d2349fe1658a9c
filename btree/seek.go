package btree

import (
	"bytes"
	"iter"

	"github.com/shiranshalom/ravendb-sub000/slice"
)

// BackwardSeekable is implemented by both tree flavors: byte-keyed trees
// seek by slice.Slice, fixed-size trees by uint64. Tables implement it over
// their indexes with rows as values.
type BackwardSeekable[K, V any] interface {
	// SeekBackwardFrom yields entries with key <= upper in descending order,
	// skipping the first skip of them.
	SeekBackwardFrom(upper K, skip int) iter.Seq2[K, V]
}

var (
	_ BackwardSeekable[slice.Slice, []byte] = (*Tree)(nil)
	_ BackwardSeekable[uint64, []byte]      = (*FixedSizeTree)(nil)
)

// Keys and values yielded by the iterators below must not be modified. The
// tree may be modified while iterating.

// SeekForwardFrom yields entries with key >= start in ascending order.
func (t *Tree) SeekForwardFrom(start slice.Slice) iter.Seq2[slice.Slice, []byte] {
	return func(yield func(slice.Slice, []byte) bool) {
		c := t.Cursor()
		var ok bool
		switch {
		case start.IsAfterAllKeys():
			return
		case start.IsBeforeAllKeys():
			ok = c.First()
		default:
			ok = c.Seek(start.Bytes())
		}
		for ; ok; ok = c.Next() {
			if !yield(slice.From(c.Key()), c.Value()) {
				return
			}
		}
	}
}

// SeekForwardFromPrefix yields entries starting with prefix, beginning at
// the first such key >= start.
func (t *Tree) SeekForwardFromPrefix(prefix, start slice.Slice) iter.Seq2[slice.Slice, []byte] {
	return func(yield func(slice.Slice, []byte) bool) {
		if start.IsAfterAllKeys() {
			return
		}
		from := prefix.Bytes()
		if !start.IsBeforeAllKeys() && bytes.Compare(start.Bytes(), from) > 0 {
			from = start.Bytes()
		}
		c := t.Cursor()
		for ok := c.Seek(from); ok && bytes.HasPrefix(c.Key(), prefix.Bytes()); ok = c.Next() {
			if !yield(slice.From(c.Key()), c.Value()) {
				return
			}
		}
	}
}

// SeekBackwardFrom yields entries with key <= upper in descending order.
// BeforeAllKeys yields nothing, AfterAllKeys starts at the last entry.
func (t *Tree) SeekBackwardFrom(upper slice.Slice, skip int) iter.Seq2[slice.Slice, []byte] {
	return func(yield func(slice.Slice, []byte) bool) {
		c := t.Cursor()
		var ok bool
		switch {
		case upper.IsBeforeAllKeys():
			return
		case upper.IsAfterAllKeys():
			ok = c.Last()
		default:
			ok = c.SeekLE(upper.Bytes())
		}
		for ; ok; ok = c.Prev() {
			if skip > 0 {
				skip--
				continue
			}
			if !yield(slice.From(c.Key()), c.Value()) {
				return
			}
		}
	}
}

// SeekBackwardFromPrefix is SeekBackwardFrom confined to keys starting with
// prefix: it begins at the largest such key <= upper and never leaves the
// prefix. AfterAllKeys starts at the last key of the prefix.
func (t *Tree) SeekBackwardFromPrefix(prefix, upper slice.Slice, skip int) iter.Seq2[slice.Slice, []byte] {
	return func(yield func(slice.Slice, []byte) bool) {
		if upper.IsBeforeAllKeys() {
			return
		}
		p := prefix.Bytes()
		c := t.Cursor()
		var ok bool
		if upper.IsAfterAllKeys() {
			ok = c.SeekLast(p)
		} else {
			ok = c.SeekLE(upper.Bytes())
			if ok && !bytes.HasPrefix(c.Key(), p) && bytes.Compare(c.Key(), p) > 0 {
				// upper lies past the prefix range; every key of the
				// prefix is below it.
				ok = c.SeekLast(p)
			}
		}
		for ; ok && bytes.HasPrefix(c.Key(), p); ok = c.Prev() {
			if skip > 0 {
				skip--
				continue
			}
			if !yield(slice.From(c.Key()), c.Value()) {
				return
			}
		}
	}
}

// SeekLast positions the cursor on the last key starting with prefix or,
// when there is none, on the closest key before where it would be. The
// caller still has to check the prefix.
func (c *Cursor) SeekLast(prefix []byte) bool {
	limit, ok := incPrefix(prefix)
	if !ok {
		return c.Last()
	}
	if !c.Seek(limit) {
		return c.Last()
	}
	return c.Prev()
}

// incPrefix returns the smallest byte string greater than every string
// starting with prefix, or false when there is none (all 0xFF).
func incPrefix(prefix []byte) ([]byte, bool) {
	b := bytes.Clone(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] != 0xFF {
			b[i]++
			return b[:i+1], true
		}
	}
	return nil, false
}
