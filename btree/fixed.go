package btree

import (
	"encoding/binary"
	"fmt"
	"iter"
	"math"
)

// FixedSizeTree maps uint64 keys (usually etags) to values of one fixed
// width, possibly zero. Keys are stored big-endian so that tree order is
// numeric order.
type FixedSizeTree struct {
	t         *Tree
	valueSize int
}

func NewFixedSizeTree(t *Tree, valueSize int) *FixedSizeTree {
	return &FixedSizeTree{t: t, valueSize: valueSize}
}

func (f *FixedSizeTree) Tree() *Tree {
	return f.t
}

func (f *FixedSizeTree) ValueSize() int {
	return f.valueSize
}

func (f *FixedSizeTree) Count() int64 {
	return f.t.Count()
}

func fixedKey(k uint64) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, 8), k)
}

// Add stores value under key, replacing an existing entry.
func (f *FixedSizeTree) Add(key uint64, value []byte) error {
	if len(value) != f.valueSize {
		return fmt.Errorf("%w: %d bytes, want %d", ErrValueSize, len(value), f.valueSize)
	}
	return f.t.Set(fixedKey(key), value)
}

func (f *FixedSizeTree) Contains(key uint64) (bool, error) {
	_, found, err := f.t.Get(fixedKey(key))
	return found, err
}

func (f *FixedSizeTree) Get(key uint64) ([]byte, bool, error) {
	return f.t.Get(fixedKey(key))
}

func (f *FixedSizeTree) Delete(key uint64) (bool, error) {
	return f.t.Delete(fixedKey(key))
}

func (f *FixedSizeTree) First() (uint64, []byte, bool) {
	c := f.t.Cursor()
	if !c.First() {
		return 0, nil, false
	}
	return binary.BigEndian.Uint64(c.Key()), c.Value(), true
}

func (f *FixedSizeTree) Last() (uint64, []byte, bool) {
	c := f.t.Cursor()
	if !c.Last() {
		return 0, nil, false
	}
	return binary.BigEndian.Uint64(c.Key()), c.Value(), true
}

// SeekForwardFrom yields entries with key >= start in ascending order.
func (f *FixedSizeTree) SeekForwardFrom(start uint64) iter.Seq2[uint64, []byte] {
	return func(yield func(uint64, []byte) bool) {
		c := f.t.Cursor()
		for ok := c.Seek(fixedKey(start)); ok; ok = c.Next() {
			if !yield(binary.BigEndian.Uint64(c.Key()), c.Value()) {
				return
			}
		}
	}
}

// SeekBackwardFrom yields entries with key <= upper in descending order.
// math.MaxUint64 starts at the last entry.
func (f *FixedSizeTree) SeekBackwardFrom(upper uint64, skip int) iter.Seq2[uint64, []byte] {
	return func(yield func(uint64, []byte) bool) {
		c := f.t.Cursor()
		var ok bool
		if upper == math.MaxUint64 {
			ok = c.Last()
		} else {
			ok = c.SeekLE(fixedKey(upper))
		}
		for ; ok; ok = c.Prev() {
			if skip > 0 {
				skip--
				continue
			}
			if !yield(binary.BigEndian.Uint64(c.Key()), c.Value()) {
				return
			}
		}
	}
}
